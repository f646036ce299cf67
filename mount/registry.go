package mount

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/fs"
	"github.com/lspecian/vexfs-sub011/fsck"
)

type entry struct {
	id  string
	dev common.BlockDevice

	op sync.Mutex // serializes transitions of this device

	// guarded by Registry.mu
	state   State
	fs      *fs.FileSystem
	opts    Options
	fault   error
	report  *fsck.Report
	pending chan struct{} // closed when a timed-out mount has finished
}

// Registry tracks every device known to this process, keyed by device ID.
// Transitions of one device are serialized; independent devices do not
// wait for each other.
type Registry struct {
	log common.Logger

	mu     sync.Mutex
	devs   map[string]*entry
	closed bool
}

// NewRegistry returns an empty registry.
func NewRegistry(log common.Logger) *Registry {
	return &Registry{
		log:  common.OrNop(log).With("component", "mount"),
		devs: make(map[string]*entry),
	}
}

func (r *Registry) wrap(op, id string, err error) error {
	return common.WrapOp(op, id, err)
}

type mountResult struct {
	fs     *fs.FileSystem
	report *fsck.Report
	err    error
}

// Mount mounts dev under id. A device that is mounting or mounted returns
// ErrAlreadyMounted; one left Faulted must be Reset first. A device that
// fails validation goes back to Unmounted untouched; one that overruns the
// timeout is Faulted.
func (r *Registry) Mount(ctx context.Context, id string, dev common.BlockDevice, opts Options) (*fs.FileSystem, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DEFAULT_TIMEOUT
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, r.wrap("mount", id, common.ErrNotMounted)
	}
	if e := r.devs[id]; e != nil {
		state, fault := e.state, e.fault
		r.mu.Unlock()
		switch state {
		case FAULTED:
			return nil, r.wrap("mount", id, fmt.Errorf("%w: %v", common.ErrFaulted, fault))
		case UNMOUNTING:
			return nil, r.wrap("mount", id, common.ErrBusy)
		}
		return nil, r.wrap("mount", id, common.ErrAlreadyMounted)
	}
	e := &entry{id: id, dev: dev, state: MOUNTING, opts: opts}
	r.devs[id] = e
	e.op.Lock()
	r.mu.Unlock()
	defer e.op.Unlock()

	log := r.log.With("dev", id)
	log.Debug("mounting", "readonly", opts.ReadOnly, "timeout", opts.Timeout)

	mctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	done := make(chan mountResult, 1)
	go func() {
		done <- r.doMount(mctx, e, opts)
	}()

	select {
	case res := <-done:
		r.mu.Lock()
		defer r.mu.Unlock()
		if res.err != nil {
			delete(r.devs, id)
			log.Warn("mount failed", "err", res.err)
			return nil, res.err
		}
		e.fs = res.fs
		e.report = res.report
		e.state = MOUNTED_RW
		if res.fs.ReadOnly() {
			e.state = MOUNTED_RO
		}
		if e.fault != nil {
			// faulted during the repair pass
			e.state = FAULTED
		}
		log.Info("mounted", "state", e.state, "session", res.fs.ID())
		return res.fs, nil

	case <-mctx.Done():
		pending := make(chan struct{})
		r.mu.Lock()
		e.state = FAULTED
		e.fault = fmt.Errorf("%w: mount took longer than %s", common.ErrTimeout, opts.Timeout)
		e.pending = pending
		r.mu.Unlock()
		log.Error("mount timed out", "timeout", opts.Timeout)
		go func() {
			// The late result is discarded.
			if res := <-done; res.fs != nil {
				res.fs.Shutdown(context.Background(), true)
			}
			close(pending)
		}()
		return nil, r.wrap("mount", id, common.ErrTimeout)
	}
}

func (r *Registry) doMount(ctx context.Context, e *entry, opts Options) mountResult {
	fsOpts := fs.Options{
		Variant:    opts.Variant,
		Logger:     opts.Logger,
		CacheSlots: opts.CacheSlots,
		ReadOnly:   opts.ReadOnly,
		OnFault:    func(err error) { r.faulted(e, err) },
	}
	fsys, err := fs.Mount(ctx, e.dev, fsOpts)
	if err != nil {
		return mountResult{err: err}
	}
	var report *fsck.Report
	if fsys.WasDirty() && !fsys.ReadOnly() && opts.Repair {
		report, err = fsck.Check(ctx, fsys, fsck.Options{Repair: true, Logger: opts.Logger})
		if err == nil && len(report.Unfixed()) > 0 {
			err = common.Corruptf("%d problems left after repair", len(report.Unfixed()))
		}
		if err != nil {
			fsys.Shutdown(context.Background(), true)
			return mountResult{err: common.WrapOp("mount", e.id, err)}
		}
	}
	return mountResult{fs: fsys, report: report}
}

// faulted is the session's OnFault hook.
func (r *Registry) faulted(e *entry, err error) {
	r.mu.Lock()
	e.state = FAULTED
	e.fault = err
	r.mu.Unlock()
	r.log.Error("session faulted", "dev", e.id, "err", err)
}

func (r *Registry) lookup(op, id string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.devs[id]
	if e == nil {
		return nil, r.wrap(op, id, common.ErrNotMounted)
	}
	return e, nil
}

// Unmount ends the session of id. With open handles it returns ErrBusy
// unless force is set. A Faulted session is discarded and the device stays
// Faulted until Reset.
func (r *Registry) Unmount(ctx context.Context, id string, force bool) error {
	e, err := r.lookup("unmount", id)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()

	r.mu.Lock()
	state, fsys := e.state, e.fs
	switch {
	case state == FAULTED:
		e.fs = nil
	case state.Mounted():
		e.state = UNMOUNTING
	default:
		r.mu.Unlock()
		return r.wrap("unmount", id, common.ErrNotMounted)
	}
	r.mu.Unlock()

	if fsys == nil {
		return nil
	}
	err = fsys.Shutdown(ctx, force)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case state == FAULTED:
	case errors.Is(err, common.ErrBusy):
		e.state = state
	case err != nil || e.state == FAULTED:
		e.state = FAULTED
		if e.fault == nil {
			e.fault = err
		}
	default:
		delete(r.devs, id)
		r.log.Info("unmounted", "dev", id, "forced", force)
	}
	return err
}

// Remount switches a mounted device between read-only and read-write.
func (r *Registry) Remount(ctx context.Context, id string, readOnly bool) error {
	e, err := r.lookup("remount", id)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()

	r.mu.Lock()
	state, fsys := e.state, e.fs
	r.mu.Unlock()
	if !state.Mounted() {
		if state == FAULTED {
			return r.wrap("remount", id, common.ErrFaulted)
		}
		return r.wrap("remount", id, common.ErrNotMounted)
	}
	if err := fsys.Remount(ctx, readOnly); err != nil {
		return err
	}
	r.mu.Lock()
	if e.state.Mounted() {
		e.state = MOUNTED_RW
		if readOnly {
			e.state = MOUNTED_RO
		}
	}
	r.mu.Unlock()
	return nil
}

// Reset brings a Faulted device back to Unmounted. The session, if any, is
// discarded and the device is checked and repaired; Reset fails and the
// device stays Faulted if problems remain.
func (r *Registry) Reset(ctx context.Context, id string) (*fsck.Report, error) {
	e, err := r.lookup("reset", id)
	if err != nil {
		return nil, err
	}
	e.op.Lock()
	defer e.op.Unlock()

	r.mu.Lock()
	state, fsys, pending := e.state, e.fs, e.pending
	e.fs = nil
	r.mu.Unlock()
	if state != FAULTED {
		return nil, r.wrap("reset", id, common.ErrInvalidOperation)
	}
	if fsys != nil {
		fsys.Shutdown(ctx, true)
	}
	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			return nil, r.wrap("reset", id, ctx.Err())
		}
	}

	opts := fs.Options{Variant: e.opts.Variant, Logger: e.opts.Logger, CacheSlots: e.opts.CacheSlots}
	report, err := fsck.CheckDevice(ctx, e.dev, opts, fsck.Options{Repair: true, Logger: e.opts.Logger})
	if err == nil && len(report.Unfixed()) > 0 {
		err = common.Corruptf("%d problems left after repair", len(report.Unfixed()))
	}
	if err != nil {
		return report, r.wrap("reset", id, err)
	}

	r.mu.Lock()
	delete(r.devs, id)
	r.mu.Unlock()
	r.log.Info("reset", "dev", id, "problems", len(report.Problems))
	return report, nil
}

// State returns the state of id; unknown devices are Unmounted.
func (r *Registry) State(id string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.devs[id]; e != nil {
		return e.state
	}
	return UNMOUNTED
}

// Session returns the mounted session of id.
func (r *Registry) Session(id string) (*fs.FileSystem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.devs[id]
	switch {
	case e == nil || e.fs == nil:
		return nil, r.wrap("session", id, common.ErrNotMounted)
	case e.state == FAULTED:
		return nil, r.wrap("session", id, common.ErrFaulted)
	}
	return e.fs, nil
}

// Report returns the repair report of the last mount of id, if it ran one.
func (r *Registry) Report(id string) *fsck.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.devs[id]; e != nil {
		return e.report
	}
	return nil
}

// Sessions lists every registered device in ID order.
func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.devs))
	for id, e := range r.devs {
		info := Info{ID: id, State: e.state, Fault: e.fault}
		if e.fs != nil {
			info.Session = e.fs.ID().String()
			info.WasDirty = e.fs.WasDirty()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close force-unmounts every device and refuses further mounts.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.devs))
	for id := range r.devs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.Unmount(ctx, id, true); err != nil && !errors.Is(err, common.ErrNotMounted) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
