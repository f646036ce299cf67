// Package bcache implements the block cache that sits between the metadata
// layers and a block device.
package bcache

import (
	"context"
	"sort"
	"sync"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/sched"
)

const DEFAULT_SLOTS = 1024

// buf is a cached block decorated with what the LRU policy needs.
type buf struct {
	bno  uint64
	data []byte

	mu    sync.RWMutex // guards data, dirty and gen
	dirty bool
	gen   uint64 // bumped on every modification

	count int  // the number of clients of this block
	gone  bool // dropped from the cache while still referenced
	next  *buf // used to link all free bufs in a chain
	prev  *buf // used to link all free bufs the other way

	ready chan struct{} // closed once the block has been loaded
	err   error         // load failure
}

// LRUCache caches blocks of a single device. Unreferenced blocks sit on an
// LRU chain; clean ones are evicted from the front once the cache holds more
// than its slot count. Dirty blocks are only evicted after a flush, so the
// cache can grow past its slot count between flushes.
type LRUCache struct {
	dev   common.BlockDevice
	bsize int
	slots int

	mu    sync.Mutex
	bufs  map[uint64]*buf
	front *buf // least recently used
	rear  *buf // most recently used

	flushMu sync.Mutex

	hits, misses uint64
}

// NewLRUCache creates a cache of blocks of bsize bytes.
func NewLRUCache(dev common.BlockDevice, bsize, slots int) *LRUCache {
	if slots <= 0 {
		slots = DEFAULT_SLOTS
	}
	return &LRUCache{
		dev:   dev,
		bsize: bsize,
		slots: slots,
		bufs:  make(map[uint64]*buf),
	}
}

// BlockSize returns the size of cached blocks.
func (c *LRUCache) BlockSize() int { return c.bsize }

// Device returns the cached device.
func (c *LRUCache) Device() common.BlockDevice { return c.dev }

// Get returns a referenced handle to block bno, reading it from the device on
// a miss. The device read happens outside the cache lock; concurrent requests
// for the same block wait for the one load.
func (c *LRUCache) Get(ctx context.Context, bno uint64) (*Handle, error) {
	if err := sched.MightSleep(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if bp := c.bufs[bno]; bp != nil {
		c.ref(bp)
		c.hits++
		c.mu.Unlock()

		select {
		case <-bp.ready:
		case <-ctx.Done():
			c.put(bp)
			return nil, ctx.Err()
		}
		if bp.err != nil {
			c.put(bp)
			return nil, bp.err
		}
		return &Handle{c: c, bp: bp}, nil
	}

	bp := &buf{bno: bno, data: make([]byte, c.bsize), count: 1, ready: make(chan struct{})}
	c.bufs[bno] = bp
	c.misses++
	c.evict()
	c.mu.Unlock()

	err := c.dev.ReadBlock(ctx, bno, bp.data)

	c.mu.Lock()
	if err != nil {
		bp.err = err
		bp.gone = true
		if c.bufs[bno] == bp {
			delete(c.bufs, bno)
		}
	}
	close(bp.ready)
	c.mu.Unlock()

	if err != nil {
		c.put(bp)
		return nil, err
	}
	return &Handle{c: c, bp: bp}, nil
}

// GetNoRead returns a handle to block bno with zeroed contents, without
// reading the device. Used for freshly allocated blocks.
func (c *LRUCache) GetNoRead(ctx context.Context, bno uint64) (*Handle, error) {
	c.mu.Lock()
	bp := c.bufs[bno]
	if bp != nil {
		c.ref(bp)
		c.mu.Unlock()
		<-bp.ready
		if bp.err != nil {
			c.put(bp)
			return c.GetNoRead(ctx, bno)
		}
	} else {
		bp = &buf{bno: bno, data: make([]byte, c.bsize), count: 1, ready: make(chan struct{})}
		close(bp.ready)
		c.bufs[bno] = bp
		c.evict()
		c.mu.Unlock()
	}

	bp.mu.Lock()
	clear(bp.data)
	bp.dirty = true
	bp.gen++
	bp.mu.Unlock()
	return &Handle{c: c, bp: bp}, nil
}

// ref takes a reference on bp, pulling it off the LRU chain. Called with c.mu
// held.
func (c *LRUCache) ref(bp *buf) {
	if bp.count == 0 {
		c.rm_lru(bp)
	}
	bp.count++
}

// put drops a reference to bp and puts it on the rear of the LRU chain once
// unreferenced.
func (c *LRUCache) put(bp *buf) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bp.count--
	if bp.count > 0 || bp.gone {
		return
	}

	bp.prev = c.rear
	bp.next = nil
	if c.rear == nil {
		c.front = bp
	} else {
		c.rear.next = bp
	}
	c.rear = bp

	c.evict()
}

// evict drops clean unreferenced blocks from the front of the chain until the
// cache is back under its slot count. Called with c.mu held.
func (c *LRUCache) evict() {
	bp := c.front
	for len(c.bufs) > c.slots && bp != nil {
		next := bp.next
		bp.mu.RLock()
		dirty := bp.dirty
		bp.mu.RUnlock()
		if !dirty {
			c.rm_lru(bp)
			delete(c.bufs, bp.bno)
		}
		bp = next
	}
}

// Remove a block from its LRU chain
func (c *LRUCache) rm_lru(bp *buf) {
	nextp := bp.next
	prevp := bp.prev
	if prevp != nil {
		prevp.next = nextp
	} else {
		c.front = nextp
	}

	if nextp != nil {
		nextp.prev = prevp
	} else {
		c.rear = prevp
	}
	bp.next = nil
	bp.prev = nil
}

// Flush writes every dirty block to the device in ascending block order and
// then flushes the device. A block modified while its write is in flight
// stays dirty.
func (c *LRUCache) Flush(ctx context.Context) error {
	if err := sched.MightSleep(ctx); err != nil {
		return err
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	var dirty []*buf
	for _, bp := range c.bufs {
		bp.mu.RLock()
		if bp.dirty {
			dirty = append(dirty, bp)
		}
		bp.mu.RUnlock()
	}
	c.mu.Unlock()
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].bno < dirty[j].bno })

	out := make([]byte, c.bsize)
	for _, bp := range dirty {
		bp.mu.RLock()
		copy(out, bp.data)
		gen := bp.gen
		bp.mu.RUnlock()

		if err := c.dev.WriteBlock(ctx, bp.bno, out); err != nil {
			return err
		}

		bp.mu.Lock()
		if bp.gen == gen {
			bp.dirty = false
		}
		bp.mu.Unlock()
	}

	if err := c.dev.Flush(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.evict()
	c.mu.Unlock()
	return nil
}

// Dirty returns the number of dirty blocks held.
func (c *LRUCache) Dirty() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, bp := range c.bufs {
		bp.mu.RLock()
		if bp.dirty {
			n++
		}
		bp.mu.RUnlock()
	}
	return n
}

// Invalidate drops every cached block, discarding unwritten changes. Handles
// still held keep working on their private copy but are never written back.
func (c *LRUCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for bno, bp := range c.bufs {
		bp.mu.Lock()
		bp.dirty = false
		bp.mu.Unlock()
		bp.gone = true
		delete(c.bufs, bno)
	}
	c.front = nil
	c.rear = nil
}

// Stats reports cache hits, misses and the number of blocks held.
func (c *LRUCache) Stats() (hits, misses uint64, held int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.bufs)
}
