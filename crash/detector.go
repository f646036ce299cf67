package crash

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lspecian/vexfs-sub011/common"
)

const (
	DEFAULT_HANG_THRESHOLD = 120 * time.Second
	DEFAULT_PROBE_INTERVAL = 10 * time.Second
	DEFAULT_WINDOW         = 32
	DEFAULT_COOLDOWN       = 30 * time.Second
)

// LivenessProbe answers whether the monitored host still responds.
type LivenessProbe interface {
	Ping(ctx context.Context) error
}

// ProbeFunc adapts a function to LivenessProbe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Ping(ctx context.Context) error { return f(ctx) }

type DetectorConfig struct {
	Device        string        // attributed to every event
	HangThreshold time.Duration // silence after which a hang is reported
	ProbeInterval time.Duration
	Window        int           // console lines kept as event context
	Cooldown      time.Duration // repeats of one type inside this are dropped
	Logger        common.Logger
	Clock         func() time.Time
}

func (c *DetectorConfig) setDefaults() {
	if c.HangThreshold <= 0 {
		c.HangThreshold = DEFAULT_HANG_THRESHOLD
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DEFAULT_PROBE_INTERVAL
	}
	if c.Window <= 0 {
		c.Window = DEFAULT_WINDOW
	}
	if c.Cooldown == 0 {
		c.Cooldown = DEFAULT_COOLDOWN
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	c.Logger = common.OrNop(c.Logger)
}

// Detector turns console output and liveness probes into crash events.
type Detector struct {
	cfg    DetectorConfig
	events chan Event

	mu        sync.Mutex
	window    []string
	lastAlive time.Time
	hung      bool
	lastSeen  map[CrashType]time.Time
}

func NewDetector(cfg DetectorConfig) *Detector {
	cfg.setDefaults()
	return &Detector{
		cfg:       cfg,
		events:    make(chan Event, 64),
		lastAlive: cfg.Clock(),
		lastSeen:  make(map[CrashType]time.Time),
	}
}

// Events delivers detected and injected events.
func (d *Detector) Events() <-chan Event { return d.events }

// Inject delivers a synthetic event as if it had been detected.
func (d *Detector) Inject(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = d.cfg.Clock()
	}
	if ev.Device == "" {
		ev.Device = d.cfg.Device
	}
	d.cfg.Logger.Info("injected crash", "event", ev)
	return d.emit(ctx, ev)
}

func (d *Detector) emit(ctx context.Context, ev Event) error {
	select {
	case d.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run watches console and probe until ctx is done. Either may be nil. With
// no probe, Run returns when the console is exhausted.
func (d *Detector) Run(ctx context.Context, console io.Reader, probe LivenessProbe) error {
	g, ctx := errgroup.WithContext(ctx)
	if console != nil {
		g.Go(func() error { return d.scan(ctx, console) })
	}
	if probe != nil {
		g.Go(func() error { return d.watch(ctx, probe) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Detector) scan(ctx context.Context, console io.Reader) error {
	sc := bufio.NewScanner(console)
	sc.Buffer(make([]byte, 4096), 1<<20)
	for sc.Scan() {
		if err := d.Line(ctx, sc.Text()); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Line feeds one console line to the detector. Any console output counts as
// a sign of life.
func (d *Detector) Line(ctx context.Context, line string) error {
	now := d.cfg.Clock()
	d.mu.Lock()
	d.window = append(d.window, line)
	if len(d.window) > d.cfg.Window {
		d.window = d.window[len(d.window)-d.cfg.Window:]
	}
	d.alive(now)
	t, sig, ok := Classify([]string{line})
	if !ok || d.cooling(t, now) {
		d.mu.Unlock()
		return nil
	}
	ev := d.newEvent(t, now)
	ev.Signature = sig
	d.mu.Unlock()

	d.cfg.Logger.Warn("crash detected", "type", t, "line", sig)
	return d.emit(ctx, ev)
}

// cooling reports whether an event of type t was emitted within the
// cooldown, and otherwise starts a new one. Called with d.mu held.
func (d *Detector) cooling(t CrashType, now time.Time) bool {
	if last, ok := d.lastSeen[t]; ok && d.cfg.Cooldown > 0 && now.Sub(last) < d.cfg.Cooldown {
		return true
	}
	d.lastSeen[t] = now
	return false
}

// Called with d.mu held.
func (d *Detector) newEvent(t CrashType, now time.Time) Event {
	ev := NewEvent(t, d.cfg.Device)
	ev.Time = now
	ev.Context = append([]string(nil), d.window...)
	return ev
}

// Called with d.mu held.
func (d *Detector) alive(now time.Time) {
	d.lastAlive = now
	d.hung = false
}

func (d *Detector) watch(ctx context.Context, probe LivenessProbe) error {
	tick := time.NewTicker(d.cfg.ProbeInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
		if err := d.Probe(ctx, probe); err != nil {
			return err
		}
	}
}

// Probe pings once and reports a hang when the host has been silent for the
// hang threshold. One hang is reported per silent stretch.
func (d *Detector) Probe(ctx context.Context, probe LivenessProbe) error {
	pctx, cancel := context.WithTimeout(ctx, d.cfg.ProbeInterval)
	perr := probe.Ping(pctx)
	cancel()

	now := d.cfg.Clock()
	d.mu.Lock()
	if perr == nil {
		d.alive(now)
		d.mu.Unlock()
		return nil
	}
	silent := now.Sub(d.lastAlive)
	if d.hung || silent < d.cfg.HangThreshold {
		d.mu.Unlock()
		return nil
	}
	d.hung = true
	ev := d.newEvent(SYSTEM_HANG, now)
	ev.Signature = "no response for " + silent.Round(time.Millisecond).String()
	d.mu.Unlock()

	d.cfg.Logger.Warn("host unresponsive", "silent", silent, "err", perr)
	return d.emit(ctx, ev)
}
