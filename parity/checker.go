package parity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/device"
	"github.com/lspecian/vexfs-sub011/fs"
	"github.com/lspecian/vexfs-sub011/super"
	"github.com/lspecian/vexfs-sub011/variant"
)

// Observation is what one side returned for one step: the error code, or
// a rendering of the result.
type Observation struct {
	Err   string
	Value string
}

func (o Observation) String() string {
	if o.Err != "" {
		return "error " + o.Err
	}
	return o.Value
}

// ParityMismatch is the first step where the two sides disagree. It carries
// both observations and does not say which one is right.
type ParityMismatch struct {
	Step      int
	Op        Op
	Kernel    Observation
	Userspace Observation
}

func (m *ParityMismatch) Error() string {
	return fmt.Sprintf("step %d (%s): kernel %q, userspace %q", m.Step, m.Op, m.Kernel, m.Userspace)
}

func (m *ParityMismatch) Unwrap() error { return common.ErrParityMismatch }

type Config struct {
	DeviceSize int64
	Format     super.FormatOptions
	Kernel     variant.Variant
	Userspace  variant.Variant
	// Epoch starts the clock each side runs on. Every reading advances it by
	// Tick, so both sides see the same timestamps for the same steps.
	Epoch time.Time
	Tick  time.Duration
	// CompareImages also requires the two device images to be identical
	// after the final unmount.
	CompareImages bool
	// KernelFrontend and UserspaceFrontend attach each side's caller to its
	// session after every mount.
	KernelFrontend    NewFrontend
	UserspaceFrontend NewFrontend
	Logger            common.Logger
}

func DefaultConfig() Config {
	return Config{
		DeviceSize: 16 << 20,
		Format: super.FormatOptions{
			BlockSize: common.DEFAULT_BLOCK_SIZE,
			Label:     "parity",
			UUID:      uuid.MustParse("7665786673000000000000000000000a"),
			Time:      time.Unix(1700000000, 0),
		},
		Kernel:        variant.Kernel(),
		Userspace:     variant.Userspace(),
		Epoch:         time.Unix(1700000000, 0),
		Tick:              time.Millisecond,
		CompareImages:     true,
		KernelFrontend:    ProcessFrontend,
		UserspaceFrontend: FUSEFrontend,
	}
}

// Trace is one side's run.
type Trace struct {
	Variant      string
	Observations []Observation // one per script step, then the tree
	Digest       string        // sha256 of the device image after unmount
}

type Report struct {
	Steps     int
	Kernel    Trace
	Userspace Trace
}

type Checker struct {
	cfg Config
	log common.Logger
}

func NewChecker(cfg Config) *Checker {
	if cfg.DeviceSize == 0 {
		cfg.DeviceSize = 16 << 20
	}
	if cfg.Tick == 0 {
		cfg.Tick = time.Millisecond
	}
	if cfg.KernelFrontend == nil {
		cfg.KernelFrontend = ProcessFrontend
	}
	if cfg.UserspaceFrontend == nil {
		cfg.UserspaceFrontend = FUSEFrontend
	}
	return &Checker{cfg: cfg, log: common.OrNop(cfg.Logger).With("component", "parity")}
}

// steppedClock returns a clock that starts at epoch and advances by tick on
// every reading.
func steppedClock(epoch time.Time, tick time.Duration) func() time.Time {
	var mu sync.Mutex
	now := epoch
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(tick)
		return now
	}
}

// Run executes script on both variants concurrently, each on a freshly
// formatted device, and compares the results step by step. A divergence is
// returned as a *ParityMismatch along with the report.
func (c *Checker) Run(ctx context.Context, script Script) (*Report, error) {
	report := &Report{Steps: len(script)}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		report.Kernel, err = c.runSide(gctx, c.cfg.Kernel, c.cfg.KernelFrontend, script)
		return err
	})
	g.Go(func() error {
		var err error
		report.Userspace, err = c.runSide(gctx, c.cfg.Userspace, c.cfg.UserspaceFrontend, script)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if m := c.compare(report, script); m != nil {
		c.log.Warn("parity mismatch", "step", m.Step, "op", m.Op, "kernel", m.Kernel, "userspace", m.Userspace)
		return report, m
	}
	c.log.Info("parity holds", "steps", len(script), "digest", report.Kernel.Digest[:12])
	return report, nil
}

// compare returns the first divergence between the two traces, or nil.
func (c *Checker) compare(report *Report, script Script) *ParityMismatch {
	k, u := report.Kernel.Observations, report.Userspace.Observations
	for i := range max(len(k), len(u)) {
		var ko, uo Observation
		if i < len(k) {
			ko = k[i]
		}
		if i < len(u) {
			uo = u[i]
		}
		if ko == uo {
			continue
		}
		op := Op{Kind: TREE}
		if i < len(script) {
			op = script[i]
		}
		return &ParityMismatch{Step: i, Op: op, Kernel: ko, Userspace: uo}
	}
	if c.cfg.CompareImages && report.Kernel.Digest != report.Userspace.Digest {
		return &ParityMismatch{
			Step:      len(k),
			Op:        Op{Kind: IMAGE},
			Kernel:    Observation{Value: report.Kernel.Digest},
			Userspace: Observation{Value: report.Userspace.Digest},
		}
	}
	return nil
}

// side is one variant's device, session and caller.
type side struct {
	v      variant.Variant
	dev    *device.Ramdisk
	fsys   *fs.FileSystem
	front  Frontend
	attach NewFrontend
	gran   time.Duration // coarsest timestamp granularity of the two variants
	log    common.Logger
}

func (c *Checker) runSide(ctx context.Context, v variant.Variant, attach NewFrontend, script Script) (Trace, error) {
	v.Clock = steppedClock(c.cfg.Epoch, c.cfg.Tick)
	s := &side{
		v:      v,
		dev:    device.NewRamdisk("parity-"+v.Name, c.cfg.DeviceSize),
		attach: attach,
		gran:   max(c.cfg.Kernel.Granularity, c.cfg.Userspace.Granularity),
		log:    c.log.With("variant", v.Name),
	}
	if _, err := super.Format(ctx, s.dev, c.cfg.Format); err != nil {
		return Trace{}, fmt.Errorf("%s: format: %w", v.Name, err)
	}
	if err := s.mount(ctx); err != nil {
		return Trace{}, err
	}

	tr := Trace{Variant: v.Name}
	for i, op := range script {
		if err := ctx.Err(); err != nil {
			s.fsys.Shutdown(context.Background(), true)
			return tr, err
		}
		obs, err := s.apply(ctx, op)
		if err != nil {
			s.fsys.Shutdown(context.Background(), true)
			return tr, fmt.Errorf("%s: step %d (%s): %w", v.Name, i, op, err)
		}
		tr.Observations = append(tr.Observations, obs)
	}
	tr.Observations = append(tr.Observations, s.tree(ctx))

	if err := s.fsys.Shutdown(ctx, false); err != nil {
		return tr, fmt.Errorf("%s: unmount: %w", v.Name, err)
	}
	sum := sha256.Sum256(s.dev.Snapshot())
	tr.Digest = hex.EncodeToString(sum[:])
	return tr, nil
}

func (s *side) mount(ctx context.Context) error {
	fsys, err := fs.Mount(ctx, s.dev, fs.Options{Variant: s.v, Logger: s.log})
	if err != nil {
		return fmt.Errorf("%s: mount: %w", s.v.Name, err)
	}
	s.fsys = fsys
	s.front = s.attach(fsys)
	return nil
}

// observe records err as the errno a caller would get, so the engine's
// errors and the ones FUSE hands back compare alike.
func observe(value string, err error) Observation {
	if err != nil {
		return Observation{Err: errnoOf(err)}
	}
	return Observation{Value: value}
}

func digest(p []byte) string {
	sum := sha256.Sum256(p)
	return fmt.Sprintf("%d:%s", len(p), hex.EncodeToString(sum[:8]))
}

func (s *side) attr(a common.Attr) string {
	return fmt.Sprintf("mode=%o nlinks=%d size=%d blocks=%d mtime=%d ctime=%d",
		a.Mode, a.Nlinks, a.Size, a.Blocks, a.Mtime.Truncate(s.gran).UnixNano(), a.Ctime.Truncate(s.gran).UnixNano())
}

// apply runs one op. Errors from the filesystem are observations; only a
// failure of the harness itself is returned.
func (s *side) apply(ctx context.Context, op Op) (Observation, error) {
	front := s.front
	switch op.Kind {
	case CREATE:
		return observe("ok", front.Create(ctx, op.Path, op.Mode)), nil

	case WRITE:
		n, err := front.WriteAt(ctx, op.Path, op.Data, op.Offset)
		return observe(fmt.Sprint(n), err), nil

	case READ:
		data, err := front.ReadFile(ctx, op.Path)
		return observe(digest(data), err), nil

	case MKDIR:
		return observe("ok", front.Mkdir(ctx, op.Path, op.Mode)), nil

	case READDIR:
		ents, err := front.ReadDir(ctx, op.Path)
		names := make([]string, 0, len(ents))
		for _, e := range ents {
			if e.IsDir {
				names = append(names, e.Name+"/")
			} else {
				names = append(names, e.Name)
			}
		}
		// Order only has to be stable within one session.
		sort.Strings(names)
		return observe(strings.Join(names, ","), err), nil

	case STAT:
		a, err := front.Stat(ctx, op.Path)
		return observe(s.attr(a), err), nil

	case UNLINK:
		return observe("ok", front.Unlink(ctx, op.Path)), nil

	case RMDIR:
		return observe("ok", front.Rmdir(ctx, op.Path)), nil

	case LINK:
		return observe("ok", front.Link(ctx, op.Path, op.Target)), nil

	case TRUNCATE:
		return observe("ok", front.Truncate(ctx, op.Path, op.Size)), nil

	case CHMOD:
		return observe("ok", front.Chmod(ctx, op.Path, op.Mode)), nil

	case SYNC:
		return observe("ok", s.fsys.Sync(ctx)), nil

	case REMOUNT:
		if err := s.fsys.Shutdown(ctx, false); err != nil {
			return observe("", err), nil
		}
		if err := s.mount(ctx); err != nil {
			return Observation{}, err
		}
		return observe(fmt.Sprint(s.fsys.WasDirty()), nil), nil
	}
	return Observation{}, fmt.Errorf("%w: op %s", common.ErrInvalidOperation, op.Kind)
}

// tree renders every path under the root with its attributes and, for
// files, a digest of the contents.
func (s *side) tree(ctx context.Context) Observation {
	var lines []string
	queue := []string{"/"}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		ents, err := s.front.ReadDir(ctx, dir)
		if err != nil {
			return observe("", err)
		}
		for _, e := range ents {
			path := strings.TrimSuffix(dir, "/") + "/" + e.Name
			a, err := s.front.Stat(ctx, path)
			if err != nil {
				return observe("", err)
			}
			line := path + " " + s.attr(a)
			if e.IsDir {
				queue = append(queue, path)
			} else {
				data, err := s.front.ReadFile(ctx, path)
				if err != nil {
					return observe("", err)
				}
				line += " data=" + digest(data)
			}
			lines = append(lines, line)
		}
	}
	sort.Strings(lines)
	st, err := s.fsys.Statfs(ctx)
	if err != nil {
		return observe("", err)
	}
	lines = append(lines, fmt.Sprintf("free blocks=%d inodes=%d", st.FreeBlocks, st.FreeInodes))
	return observe(strings.Join(lines, "\n"), nil)
}
