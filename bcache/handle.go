package bcache

import "sync"

// Handle is one client's reference to a cached block. Release must be called
// once the client is done; further calls are no-ops.
type Handle struct {
	c    *LRUCache
	bp   *buf
	once sync.Once
}

// Bno returns the block number.
func (h *Handle) Bno() uint64 { return h.bp.bno }

// View calls f with the block contents under the block's read lock. f must
// not retain data.
func (h *Handle) View(f func(data []byte)) {
	h.bp.mu.RLock()
	defer h.bp.mu.RUnlock()
	f(h.bp.data)
}

// Update calls f with the block contents under the block's write lock and
// marks the block dirty.
func (h *Handle) Update(f func(data []byte)) {
	h.bp.mu.Lock()
	defer h.bp.mu.Unlock()
	f(h.bp.data)
	h.bp.dirty = true
	h.bp.gen++
}

// Copy returns a copy of the block contents.
func (h *Handle) Copy() []byte {
	h.bp.mu.RLock()
	defer h.bp.mu.RUnlock()
	return append([]byte(nil), h.bp.data...)
}

// Release drops the reference.
func (h *Handle) Release() {
	h.once.Do(func() { h.c.put(h.bp) })
}
