package crash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/fs"
	"github.com/lspecian/vexfs-sub011/fsck"
	"github.com/lspecian/vexfs-sub011/mount"
)

// Imager is a device whose whole image can be captured and put back.
type Imager interface {
	Snapshot() []byte
	Restore(img []byte) error
}

// Target is one device under recovery.
type Target struct {
	Dev     common.BlockDevice
	Options mount.Options
	clean   []byte
}

// RegistryEnv recovers devices registered in a mount registry.
type RegistryEnv struct {
	reg *mount.Registry
	log common.Logger

	mu       sync.Mutex
	targets  map[string]*Target
	isolated []Event
}

func NewRegistryEnv(reg *mount.Registry, log common.Logger) *RegistryEnv {
	return &RegistryEnv{
		reg:     reg,
		log:     common.OrNop(log).With("component", "recovery-env"),
		targets: make(map[string]*Target),
	}
}

// Manage puts dev under recovery as id.
func (e *RegistryEnv) Manage(id string, dev common.BlockDevice, opts mount.Options) {
	e.mu.Lock()
	e.targets[id] = &Target{Dev: dev, Options: opts}
	e.mu.Unlock()
}

// Checkpoint records the current image of id as its known-clean snapshot.
// The device must not be mounted read-write.
func (e *RegistryEnv) Checkpoint(ctx context.Context, id string) error {
	t, err := e.target(id)
	if err != nil {
		return err
	}
	img, ok := t.Dev.(Imager)
	if !ok {
		return fmt.Errorf("checkpoint %s: %w: device cannot be imaged", id, common.ErrInvalidOperation)
	}
	if e.reg.State(id) == mount.MOUNTED_RW {
		return fmt.Errorf("checkpoint %s: %w", id, common.ErrBusy)
	}
	snap := img.Snapshot()
	e.mu.Lock()
	t.clean = snap
	e.mu.Unlock()
	e.log.Info("checkpoint taken", "dev", id, "bytes", len(snap))
	return nil
}

// Isolated returns the events set aside so far.
func (e *RegistryEnv) Isolated() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.isolated...)
}

func (e *RegistryEnv) target(id string) (*Target, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.targets[id]
	if t == nil {
		return nil, fmt.Errorf("%s: %w", id, common.ErrNotFound)
	}
	return t, nil
}

// each runs fn for dev, or for every target when dev is empty.
func (e *RegistryEnv) each(dev string, fn func(id string, t *Target) error) error {
	if dev != "" {
		t, err := e.target(dev)
		if err != nil {
			return err
		}
		return fn(dev, t)
	}
	e.mu.Lock()
	ids := make([]string, 0, len(e.targets))
	for id := range e.targets {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		t, _ := e.target(id)
		if err := fn(id, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *RegistryEnv) ForceUnmount(ctx context.Context, dev string) error {
	return e.each(dev, func(id string, t *Target) error {
		err := e.reg.Unmount(ctx, id, true)
		if errors.Is(err, common.ErrNotMounted) {
			return nil
		}
		return err
	})
}

func (e *RegistryEnv) Reclaim(ctx context.Context, dev string) error {
	return e.each(dev, func(id string, t *Target) error {
		if e.reg.State(id) == mount.FAULTED {
			_, err := e.reg.Reset(ctx, id)
			return err
		}
		fsOpts := fs.Options{Variant: t.Options.Variant, Logger: t.Options.Logger, CacheSlots: t.Options.CacheSlots}
		r, err := fsck.CheckDevice(ctx, t.Dev, fsOpts, fsck.Options{Repair: true, Logger: t.Options.Logger})
		if err != nil {
			return err
		}
		if u := r.Unfixed(); len(u) > 0 {
			return common.Corruptf("%s: %d problems left after repair", id, len(u))
		}
		return nil
	})
}

func (e *RegistryEnv) Restore(ctx context.Context, dev string) error {
	return e.each(dev, func(id string, t *Target) error {
		e.mu.Lock()
		snap := t.clean
		e.mu.Unlock()
		img, ok := t.Dev.(Imager)
		if snap == nil || !ok {
			return fmt.Errorf("restore %s: %w: no clean snapshot", id, common.ErrInvalidOperation)
		}
		if s := e.reg.State(id); s != mount.UNMOUNTED {
			if s != mount.FAULTED {
				return fmt.Errorf("restore %s: %w", id, common.ErrBusy)
			}
			// The fault belongs to the image being replaced.
			if _, err := e.reg.Reset(ctx, id); err != nil {
				e.log.Warn("reset before restore failed", "dev", id, "err", err)
			}
		}
		if err := img.Restore(snap); err != nil {
			return err
		}
		if e.reg.State(id) == mount.FAULTED {
			if _, err := e.reg.Reset(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *RegistryEnv) Isolate(ctx context.Context, ev Event) error {
	e.mu.Lock()
	e.isolated = append(e.isolated, ev)
	e.mu.Unlock()
	e.log.Warn("case isolated", "event", ev.ID, "type", ev.Type, "signature", ev.Signature)
	return nil
}

func (e *RegistryEnv) Reload(ctx context.Context, dev string) error {
	return e.each(dev, func(id string, t *Target) error {
		if e.reg.State(id).Mounted() {
			return nil
		}
		_, err := e.reg.Mount(ctx, id, t.Dev, t.Options)
		return err
	})
}

// Validate writes, reads back and removes a probe file, then syncs.
func (e *RegistryEnv) Validate(ctx context.Context, dev string) error {
	return e.each(dev, func(id string, t *Target) error {
		fsys, err := e.reg.Session(id)
		if err != nil {
			return err
		}
		if fsys.ReadOnly() {
			_, err := fsys.Statfs(ctx)
			return err
		}
		proc := fsys.NewProcess()
		name := "/.vexfs-probe-" + fsys.ID().String()[:8]
		want := []byte("probe " + id)
		if err := proc.WriteFile(ctx, name, want, 0600); err != nil {
			return err
		}
		got, err := proc.ReadFile(ctx, name)
		if err == nil && !bytes.Equal(got, want) {
			err = common.Corruptf("%s: probe read back %q", id, got)
		}
		if uerr := proc.Unlink(ctx, name); err == nil {
			err = uerr
		}
		if err != nil {
			return err
		}
		return fsys.Sync(ctx)
	})
}
