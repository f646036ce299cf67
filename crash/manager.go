package crash

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lspecian/vexfs-sub011/common"
)

const DEFAULT_MAX_RETRIES = 3

// Phase of the recovery state machine.
type Phase int

const (
	IDLE Phase = iota
	CLASSIFYING
	REPAIRING
	RESTORING
	VALIDATING
	DONE_RECOVERED
	DONE_FAILED
)

var phaseNames = [...]string{"idle", "classifying", "repairing", "restoring", "validating", "recovered", "failed"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Journal is where events, every recovery step and the final outcome are
// appended.
type Journal interface {
	Append(ctx context.Context, ev Event) error
	AppendAction(ctx context.Context, a Action) error
	RecordOutcome(ctx context.Context, id uuid.UUID, o Outcome) error
}

// Environment carries out recovery steps against the monitored devices. An
// empty device name means every device the environment manages.
type Environment interface {
	// ForceUnmount ends the session, invalidating every open handle.
	ForceUnmount(ctx context.Context, dev string) error
	// Reclaim checks and repairs the device and clears a fault.
	Reclaim(ctx context.Context, dev string) error
	// Restore puts the last known-clean image back on the device.
	Restore(ctx context.Context, dev string) error
	// Isolate sets the triggering case aside so it is not run again.
	Isolate(ctx context.Context, ev Event) error
	// Reload mounts the device again.
	Reload(ctx context.Context, dev string) error
	// Validate runs a short scripted workload against the mounted device.
	Validate(ctx context.Context, dev string) error
}

type ManagerConfig struct {
	MaxRetries int
	// Backoff is slept between failed attempts.
	Backoff      time.Duration
	Logger       common.Logger
	OnTransition func(ev Event, from, to Phase)
}

// Manager drives one event at a time from classification to a recorded
// outcome.
type Manager struct {
	env     Environment
	journal Journal
	cfg     ManagerConfig
	log     common.Logger

	run   sync.Mutex // one recovery at a time
	mu    sync.Mutex
	phase Phase
}

func NewManager(env Environment, journal Journal, cfg ManagerConfig) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DEFAULT_MAX_RETRIES
	}
	return &Manager{
		env:     env,
		journal: journal,
		cfg:     cfg,
		log:     common.OrNop(cfg.Logger).With("component", "recovery"),
	}
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) enter(ev Event, p Phase) {
	m.mu.Lock()
	from := m.phase
	m.phase = p
	m.mu.Unlock()
	m.log.Debug("phase", "event", ev.ID, "from", from, "to", p)
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(ev, from, p)
	}
}

type step struct {
	name string
	fn   func(ctx context.Context) error
}

// Handle records ev, recovers from it and records the outcome. The returned
// error is only for journal failures; a recovery that gave up is a FAILED
// outcome.
func (m *Manager) Handle(ctx context.Context, ev Event) (Outcome, error) {
	m.run.Lock()
	defer m.run.Unlock()
	defer m.enter(ev, IDLE)

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Outcome = nil
	if err := m.journal.Append(ctx, ev); err != nil {
		return Outcome{}, err
	}
	log := m.log.With("event", ev.ID, "type", ev.Type, "dev", ev.Device)

	m.enter(ev, CLASSIFYING)
	out := Outcome{Strategy: "restore"}
	phase := RESTORING
	steps := []step{
		{"force-unmount", func(ctx context.Context) error { return m.env.ForceUnmount(ctx, ev.Device) }},
		{"restore-snapshot", func(ctx context.Context) error { return m.env.Restore(ctx, ev.Device) }},
		{"reload", func(ctx context.Context) error { return m.env.Reload(ctx, ev.Device) }},
	}
	if ev.Severity.InPlace() {
		out.Strategy = "repair"
		phase = REPAIRING
		steps = []step{
			{"force-unmount", func(ctx context.Context) error { return m.env.ForceUnmount(ctx, ev.Device) }},
			{"reclaim", func(ctx context.Context) error { return m.env.Reclaim(ctx, ev.Device) }},
			{"reload", func(ctx context.Context) error { return m.env.Reload(ctx, ev.Device) }},
		}
	} else {
		if err := m.act(ctx, ev, "isolate", func(ctx context.Context) error { return m.env.Isolate(ctx, ev) }); err != nil {
			if jerr := journalErr(err); jerr != nil {
				return Outcome{}, jerr
			}
		}
	}
	log.Info("recovering", "severity", ev.Severity, "strategy", out.Strategy)

	var last error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		out.Attempts = attempt
		if err := ctx.Err(); err != nil {
			last = err
			break
		}
		m.enter(ev, phase)
		last = nil
		for _, s := range steps {
			if last = m.act(ctx, ev, s.name, s.fn); last != nil {
				break
			}
		}
		if last == nil {
			m.enter(ev, VALIDATING)
			last = m.act(ctx, ev, "validate", func(ctx context.Context) error { return m.env.Validate(ctx, ev.Device) })
		}
		if jerr := journalErr(last); jerr != nil {
			return Outcome{}, jerr
		}
		if last == nil {
			break
		}
		log.Warn("recovery attempt failed", "attempt", attempt, "err", last)
		if attempt < m.cfg.MaxRetries && m.cfg.Backoff > 0 {
			select {
			case <-time.After(m.cfg.Backoff):
			case <-ctx.Done():
			}
		}
	}

	out.Time = time.Now()
	if last == nil {
		out.Result = RECOVERED
		m.enter(ev, DONE_RECOVERED)
		log.Info("recovered", "attempts", out.Attempts)
	} else {
		out.Result = FAILED
		out.Detail = last.Error()
		m.enter(ev, DONE_FAILED)
		log.Error("recovery failed", "attempts", out.Attempts, "err", last)
	}
	if err := m.journal.RecordOutcome(context.WithoutCancel(ctx), ev.ID, out); err != nil {
		return out, err
	}
	return out, nil
}

type journalError struct{ error }

func (e journalError) Unwrap() error { return e.error }

func journalErr(err error) error {
	if je, ok := err.(journalError); ok {
		return je.error
	}
	return nil
}

// act runs one step and journals it. A journal failure comes back wrapped
// in journalError.
func (m *Manager) act(ctx context.Context, ev Event, name string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	a := Action{Event: ev.ID, Time: time.Now(), Step: name}
	if err != nil {
		a.Err = err.Error()
	}
	if jerr := m.journal.AppendAction(context.WithoutCancel(ctx), a); jerr != nil {
		return journalError{jerr}
	}
	return err
}

// Run handles events from ch until it is closed or ctx is done.
func (m *Manager) Run(ctx context.Context, ch <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := m.Handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}
