// Package crash watches the console and liveness of the filesystem host,
// classifies failures into typed crash events and drives recovery.
package crash

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type CrashType int

const (
	KERNEL_PANIC CrashType = iota
	SYSTEM_HANG
	MODULE_CRASH
	MEMORY_CORRUPTION
	RESOURCE_LEAK
	DEADLOCK
)

var typeNames = [...]string{"KernelPanic", "SystemHang", "ModuleCrash", "MemoryCorruption", "ResourceLeak", "Deadlock"}

func (t CrashType) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("CrashType(%d)", int(t))
}

// ParseCrashType is the inverse of CrashType.String.
func ParseCrashType(s string) (CrashType, error) {
	for i, name := range typeNames {
		if strings.EqualFold(name, s) {
			return CrashType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown crash type %q", s)
}

type Severity int

const (
	LOW Severity = iota
	MODERATE
	HIGH
	CRITICAL
)

var severityNames = [...]string{"Low", "Moderate", "High", "Critical"}

func (s Severity) String() string {
	if s >= 0 && int(s) < len(severityNames) {
		return severityNames[s]
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

func ParseSeverity(s string) (Severity, error) {
	for i, name := range severityNames {
		if strings.EqualFold(name, s) {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (t CrashType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *CrashType) UnmarshalText(b []byte) (err error) {
	*t, err = ParseCrashType(string(b))
	return err
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) (err error) {
	*s, err = ParseSeverity(string(b))
	return err
}

// Severity is the default severity of a crash of type t.
func (t CrashType) Severity() Severity {
	switch t {
	case RESOURCE_LEAK:
		return LOW
	case MODULE_CRASH, DEADLOCK:
		return MODERATE
	case SYSTEM_HANG, MEMORY_CORRUPTION:
		return HIGH
	}
	return CRITICAL
}

// InPlace reports whether a crash of severity s is repaired in place. The
// others are restored from a clean snapshot.
func (s Severity) InPlace() bool {
	return s <= MODERATE
}

type Result int

const (
	RECOVERED Result = iota
	FAILED
)

func (r Result) String() string {
	if r == RECOVERED {
		return "recovered"
	}
	return "failed"
}

func ParseResult(s string) (Result, error) {
	switch s {
	case "recovered":
		return RECOVERED, nil
	case "failed":
		return FAILED, nil
	}
	return 0, fmt.Errorf("unknown result %q", s)
}

func (r Result) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Result) UnmarshalText(b []byte) (err error) {
	*r, err = ParseResult(string(b))
	return err
}

// Outcome is the final result of recovering from one event. It is recorded
// once and never changed.
type Outcome struct {
	Result   Result
	Strategy string // "repair" or "restore"
	Attempts int
	Detail   string
	Time     time.Time
}

// Event is one detected crash.
type Event struct {
	ID        uuid.UUID
	Time      time.Time
	Type      CrashType
	Severity  Severity
	Device    string   // device the crash was attributed to, if any
	Signature string   // the console line that matched
	Context   []string // console lines captured around the match
	Outcome   *Outcome
}

// NewEvent returns an event of type t with a fresh ID and the default
// severity.
func NewEvent(t CrashType, device string) Event {
	return Event{
		ID:       uuid.New(),
		Time:     time.Now(),
		Type:     t,
		Severity: t.Severity(),
		Device:   device,
	}
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s/%s dev=%q", e.ID, e.Type, e.Severity, e.Device)
}

// Action is one recovery step taken for an event.
type Action struct {
	Event  uuid.UUID
	Time   time.Time
	Step   string
	Detail string
	Err    string
}

type signature struct {
	re *regexp.Regexp
	t  CrashType
}

// Checked in order; the first match wins.
var signatures = []signature{
	{regexp.MustCompile(`(?i)kernel panic`), KERNEL_PANIC},
	{regexp.MustCompile(`(?i)(NULL pointer dereference|unable to handle (kernel )?paging request|general protection fault|use-after-free|slab-out-of-bounds|BUG: KASAN)`), MEMORY_CORRUPTION},
	{regexp.MustCompile(`(?i)(possible (recursive|circular) locking|lock held|blocked for more than \d+ seconds|hung_task|deadlock|soft lockup)`), DEADLOCK},
	{regexp.MustCompile(`(?i)(rcu_sched self-detected stall|rcu.*stall|watchdog: BUG: hard lockup|system (is )?unresponsive)`), SYSTEM_HANG},
	{regexp.MustCompile(`(?i)(memory leak|leaked \d+|kmemleak|too many open files|out of memory|oom-killer)`), RESOURCE_LEAK},
	{regexp.MustCompile(`(?i)(Oops|BUG:|module .* (crashed|fault)|segfault|invalid opcode|Call Trace:)`), MODULE_CRASH},
}

// Classify returns the crash type of the first console line matching a known
// signature, and the matching line.
func Classify(lines []string) (CrashType, string, bool) {
	for _, sig := range signatures {
		for _, line := range lines {
			if sig.re.MatchString(line) {
				return sig.t, line, true
			}
		}
	}
	return 0, "", false
}
