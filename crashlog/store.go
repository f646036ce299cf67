// Package crashlog is the append-only crash log: every crash event, the
// recovery steps taken for it and its outcome, kept in SQLite.
package crashlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/crash"
)

var (
	ErrOutcomeRecorded = errors.New("outcome already recorded")
	ErrClosed          = errors.New("crash log closed")
)

type Config struct {
	Path        string // database file; ":memory:" for a private in-memory log
	BusyTimeout time.Duration
	Logger      common.Logger
}

func DefaultConfig(path string) Config {
	return Config{Path: path, BusyTimeout: 5 * time.Second}
}

// Entry is an event with the actions recorded for it, oldest first.
type Entry struct {
	crash.Event
	Actions []crash.Action
}

// Store is a crash log. Rows are only ever inserted, except that an event's
// outcome columns are filled exactly once.
type Store struct {
	db  *sql.DB
	log common.Logger

	mu     sync.RWMutex
	closed bool
}

var _ crash.Journal = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	time INTEGER NOT NULL,
	type TEXT NOT NULL,
	severity TEXT NOT NULL,
	device TEXT NOT NULL DEFAULT '',
	signature TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '[]',
	result TEXT,
	strategy TEXT,
	attempts INTEGER,
	detail TEXT,
	outcome_time INTEGER
);

CREATE TABLE IF NOT EXISTS actions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	time INTEGER NOT NULL,
	step TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	err TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (event_id) REFERENCES events(id)
);

CREATE INDEX IF NOT EXISTS idx_events_time ON events(time);
CREATE INDEX IF NOT EXISTS idx_actions_event ON actions(event_id);

CREATE TRIGGER IF NOT EXISTS events_no_delete BEFORE DELETE ON events
BEGIN
	SELECT RAISE(ABORT, 'crash log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS events_frozen BEFORE UPDATE ON events
WHEN OLD.result IS NOT NULL
	OR NEW.id IS NOT OLD.id OR NEW.time IS NOT OLD.time OR NEW.type IS NOT OLD.type
	OR NEW.severity IS NOT OLD.severity OR NEW.device IS NOT OLD.device
	OR NEW.signature IS NOT OLD.signature OR NEW.context IS NOT OLD.context
BEGIN
	SELECT RAISE(ABORT, 'crash event is immutable');
END;

CREATE TRIGGER IF NOT EXISTS actions_no_update BEFORE UPDATE ON actions
BEGIN
	SELECT RAISE(ABORT, 'crash log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS actions_no_delete BEFORE DELETE ON actions
BEGIN
	SELECT RAISE(ABORT, 'crash log is append-only');
END;
`

// Open opens or creates the crash log at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, wrap("open", fmt.Errorf("%w: empty path", common.ErrInvalidOperation))
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	dsn := cfg.Path
	if cfg.Path != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
			cfg.Path, cfg.BusyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap("open", fmt.Errorf("failed to open database: %w", err))
	}
	// One connection: an in-memory database exists per connection, and the
	// log is small.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, wrap("open", fmt.Errorf("failed to enable foreign keys: %w", err))
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, wrap("open", fmt.Errorf("failed to create tables: %w", err))
	}
	s := &Store{db: db, log: common.OrNop(cfg.Logger).With("component", "crashlog")}
	s.log.Debug("crash log opened", "path", cfg.Path)
	return s, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("crashlog %s: %w", op, err)
}

func (s *Store) enter() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

func (s *Store) leave() { s.mu.RUnlock() }

// Append records a new event. The event's own Outcome, if set, is ignored;
// outcomes go through RecordOutcome.
func (s *Store) Append(ctx context.Context, ev crash.Event) error {
	if err := s.enter(); err != nil {
		return wrap("append", err)
	}
	defer s.leave()

	if ev.ID == uuid.Nil {
		return wrap("append", fmt.Errorf("%w: event without ID", common.ErrInvalidOperation))
	}
	lines, err := json.Marshal(orEmpty(ev.Context))
	if err != nil {
		return wrap("append", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, time, type, severity, device, signature, context) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.Time.UnixNano(), ev.Type.String(), ev.Severity.String(), ev.Device, ev.Signature, string(lines))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return wrap("append", fmt.Errorf("%w: event %s", common.ErrExists, ev.ID))
		}
		return wrap("append", err)
	}
	s.log.Info("crash event recorded", "event", ev.ID, "type", ev.Type, "severity", ev.Severity)
	return nil
}

func orEmpty(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}

// AppendAction records one recovery step for an existing event.
func (s *Store) AppendAction(ctx context.Context, a crash.Action) error {
	if err := s.enter(); err != nil {
		return wrap("action", err)
	}
	defer s.leave()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (event_id, time, step, detail, err) VALUES (?, ?, ?, ?, ?)`,
		a.Event.String(), a.Time.UnixNano(), a.Step, a.Detail, a.Err)
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return wrap("action", fmt.Errorf("%w: event %s", common.ErrNotFound, a.Event))
	}
	return wrap("action", err)
}

// RecordOutcome sets the outcome of event id. It succeeds once per event;
// later calls return ErrOutcomeRecorded.
func (s *Store) RecordOutcome(ctx context.Context, id uuid.UUID, o crash.Outcome) error {
	if err := s.enter(); err != nil {
		return wrap("outcome", err)
	}
	defer s.leave()

	if o.Time.IsZero() {
		o.Time = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET result = ?, strategy = ?, attempts = ?, detail = ?, outcome_time = ? WHERE id = ? AND result IS NULL`,
		o.Result.String(), o.Strategy, o.Attempts, o.Detail, o.Time.UnixNano(), id.String())
	if err != nil {
		return wrap("outcome", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		s.log.Info("crash outcome recorded", "event", id, "result", o.Result, "attempts", o.Attempts)
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE id = ?`, id.String()).Scan(&exists)
	switch {
	case err != nil:
		return wrap("outcome", err)
	case exists == 0:
		return wrap("outcome", fmt.Errorf("%w: event %s", common.ErrNotFound, id))
	}
	return wrap("outcome", fmt.Errorf("%w: event %s", ErrOutcomeRecorded, id))
}

const eventColumns = `id, time, type, severity, device, signature, context, result, strategy, attempts, detail, outcome_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (crash.Event, error) {
	var (
		ev                     crash.Event
		id, typ, sev, lines    string
		when                   int64
		result, strategy, note sql.NullString
		attempts, otime        sql.NullInt64
	)
	if err := row.Scan(&id, &when, &typ, &sev, &ev.Device, &ev.Signature, &lines,
		&result, &strategy, &attempts, &note, &otime); err != nil {
		return ev, err
	}
	var err error
	if ev.ID, err = uuid.Parse(id); err != nil {
		return ev, err
	}
	if ev.Type, err = crash.ParseCrashType(typ); err != nil {
		return ev, err
	}
	if ev.Severity, err = crash.ParseSeverity(sev); err != nil {
		return ev, err
	}
	ev.Time = time.Unix(0, when)
	if err := json.Unmarshal([]byte(lines), &ev.Context); err != nil {
		return ev, err
	}
	if result.Valid {
		r, err := crash.ParseResult(result.String)
		if err != nil {
			return ev, err
		}
		ev.Outcome = &crash.Outcome{
			Result:   r,
			Strategy: strategy.String,
			Attempts: int(attempts.Int64),
			Detail:   note.String,
			Time:     time.Unix(0, otime.Int64),
		}
	}
	return ev, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Device  string
	Type    *crash.CrashType
	Pending bool // only events without an outcome
	Since   time.Time
	Limit   int
}

// List returns events in the order they happened.
func (s *Store) List(ctx context.Context, f Filter) ([]crash.Event, error) {
	if err := s.enter(); err != nil {
		return nil, wrap("list", err)
	}
	defer s.leave()

	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any
	if f.Device != "" {
		query += ` AND device = ?`
		args = append(args, f.Device)
	}
	if f.Type != nil {
		query += ` AND type = ?`
		args = append(args, f.Type.String())
	}
	if f.Pending {
		query += ` AND result IS NULL`
	}
	if !f.Since.IsZero() {
		query += ` AND time >= ?`
		args = append(args, f.Since.UnixNano())
	}
	query += ` ORDER BY time, rowid`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list", err)
	}
	defer rows.Close()
	var out []crash.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, wrap("list", err)
		}
		out = append(out, ev)
	}
	return out, wrap("list", rows.Err())
}

// Get returns one event and its actions.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	if err := s.enter(); err != nil {
		return nil, wrap("get", err)
	}
	defer s.leave()

	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrap("get", fmt.Errorf("%w: event %s", common.ErrNotFound, id))
	}
	if err != nil {
		return nil, wrap("get", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT time, step, detail, err FROM actions WHERE event_id = ? ORDER BY seq`, id.String())
	if err != nil {
		return nil, wrap("get", err)
	}
	defer rows.Close()
	entry := &Entry{Event: ev}
	for rows.Next() {
		a := crash.Action{Event: id}
		var when int64
		if err := rows.Scan(&when, &a.Step, &a.Detail, &a.Err); err != nil {
			return nil, wrap("get", err)
		}
		a.Time = time.Unix(0, when)
		entry.Actions = append(entry.Actions, a)
	}
	return entry, wrap("get", rows.Err())
}

// Close closes the database. Later calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
