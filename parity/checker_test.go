package parity

import (
	"context"
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/fs"
	"github.com/lspecian/vexfs-sub011/testutils"
)

func find(script Script, kind OpKind, path string) int {
	for i, op := range script {
		if op.Kind == kind && op.Path == path {
			return i
		}
	}
	return -1
}

func TestDefaultScriptParity(test *testing.T) {
	script := DefaultScript()
	report, err := NewChecker(DefaultConfig()).Run(context.Background(), script)
	if err != nil {
		testutils.FatalHere(test, "Run failed: %s", err)
	}
	if report.Kernel.Digest != report.Userspace.Digest {
		testutils.ErrorHere(test, "Images differ")
	}
	obs := report.Kernel.Observations
	if len(obs) != len(script)+1 {
		testutils.FatalHere(test, "%d observations for %d steps", len(obs), len(script))
	}

	// Every error the script provokes shows up on both sides.
	expect := []struct {
		kind OpKind
		path string
		code string
	}{
		{MKDIR, "/missing/d", syscall.ENOENT.Error()},
		{RMDIR, "/d1", syscall.ENOTEMPTY.Error()},
	}
	for _, e := range expect {
		i := find(script, e.kind, e.path)
		if i < 0 || obs[i].Err != e.code {
			testutils.ErrorHere(test, "%s %s observed %v, expected %s", e.kind, e.path, obs[i], e.code)
		}
	}
	// The second create of /f000 is refused.
	creates := 0
	for i, op := range script {
		if op.Kind == CREATE && op.Path == "/f000" {
			creates++
			if creates == 2 && obs[i].Err != syscall.EEXIST.Error() {
				testutils.ErrorHere(test, "Duplicate create observed %v", obs[i])
			}
		}
	}

	tree := obs[len(obs)-1].Value
	if strings.Contains(tree, "/f000 ") || strings.Contains(tree, "/d1/d2/f010 ") {
		testutils.ErrorHere(test, "Unlinked files in the final tree")
	}
	if !strings.Contains(tree, "/d1/d2/d3/alias ") || !strings.Contains(tree, "/d1/f001 mode=100644 nlinks=1 size=10 ") {
		testutils.ErrorHere(test, "Final tree missing expected entries:\n%s", tree)
	}
	if i := find(script, REMOUNT, ""); obs[i].Value != "false" {
		testutils.ErrorHere(test, "Remount found the device dirty")
	}
}

func TestMismatchCarriesBothSides(test *testing.T) {
	script := Script{
		{Kind: MKDIR, Path: "/a", Mode: 0755},
		{Kind: READDIR, Path: "/"},
	}
	c := NewChecker(DefaultConfig())
	report := &Report{
		Kernel:    Trace{Observations: []Observation{{Value: "ok"}, {Value: "a/"}, {Value: "tree"}}, Digest: "x"},
		Userspace: Trace{Observations: []Observation{{Value: "ok"}, {Err: syscall.ENOENT.Error()}, {Value: "tree"}}, Digest: "x"},
	}
	m := c.compare(report, script)
	if m == nil {
		testutils.FatalHere(test, "Divergent traces compared equal")
	}
	if m.Step != 1 || m.Op.Kind != READDIR || m.Kernel.Value != "a/" || m.Userspace.Err != syscall.ENOENT.Error() {
		testutils.ErrorHere(test, "Mismatch %+v", m)
	}
	if !errors.Is(m, common.ErrParityMismatch) {
		testutils.ErrorHere(test, "Mismatch does not match ErrParityMismatch")
	}

	// A missing final tree on one side is a divergence too.
	report.Userspace.Observations = report.Kernel.Observations[:2]
	if m := c.compare(report, script); m == nil || m.Op.Kind != TREE {
		testutils.ErrorHere(test, "Short trace gave %v", m)
	}
}

// A userspace side that only keeps whole seconds agrees on every
// observation, since timestamps are compared at the coarser granularity, but
// writes different bytes.
func TestGranularity(test *testing.T) {
	script := Script{
		{Kind: CREATE, Path: "/t", Mode: 0644},
		{Kind: WRITE, Path: "/t", Data: []byte("tick")},
		{Kind: STAT, Path: "/t"},
	}
	cfg := DefaultConfig()
	cfg.Userspace.Granularity = time.Second
	cfg.CompareImages = false
	if _, err := NewChecker(cfg).Run(context.Background(), script); err != nil {
		testutils.FatalHere(test, "Observations differ: %s", err)
	}

	cfg.CompareImages = true
	_, err := NewChecker(cfg).Run(context.Background(), script)
	var m *ParityMismatch
	if !errors.As(err, &m) || m.Op.Kind != IMAGE {
		testutils.ErrorHere(test, "Expected an image mismatch, got %v", err)
	}
}

// shortWrites loses the last byte of every write on its way to the FUSE
// nodes.
type shortWrites struct {
	Frontend
}

func (f shortWrites) WriteAt(ctx context.Context, path string, p []byte, off int64) (int, error) {
	if len(p) > 0 {
		p = p[:len(p)-1]
	}
	return f.Frontend.WriteAt(ctx, path, p, off)
}

func TestFUSESideDifference(test *testing.T) {
	script := Script{
		{Kind: MKDIR, Path: "/d", Mode: 0755},
		{Kind: CREATE, Path: "/d/f", Mode: 0644},
		{Kind: WRITE, Path: "/d/f", Data: fill(10, 1)},
		{Kind: STAT, Path: "/d/f"},
	}
	cfg := DefaultConfig()
	cfg.UserspaceFrontend = func(fsys *fs.FileSystem) Frontend {
		return shortWrites{FUSEFrontend(fsys)}
	}
	_, err := NewChecker(cfg).Run(context.Background(), script)
	if !errors.Is(err, common.ErrParityMismatch) {
		testutils.FatalHere(test, "Planted difference gave %v", err)
	}
	var m *ParityMismatch
	if !errors.As(err, &m) || m.Step != 2 || m.Kernel.Value != "10" || m.Userspace.Value != "9" {
		testutils.ErrorHere(test, "Mismatch %+v", m)
	}
}

// Every operation the FUSE side supports, against the engine's own answers.
func TestFrontendsAgree(test *testing.T) {
	ctx := context.Background()
	script := Script{
		{Kind: MKDIR, Path: "/a", Mode: 0777},
		{Kind: MKDIR, Path: "/a", Mode: 0755},
		{Kind: CREATE, Path: "/a/f", Mode: 0666},
		{Kind: CREATE, Path: "/a/f/g", Mode: 0644},
		{Kind: WRITE, Path: "/a/f", Data: fill(70000, 3)},
		{Kind: WRITE, Path: "/a", Data: fill(1, 1)},
		{Kind: READ, Path: "/a/f"},
		{Kind: TRUNCATE, Path: "/a/f", Size: 1500},
		{Kind: TRUNCATE, Path: "/a", Size: 0},
		{Kind: CHMOD, Path: "/a/f", Mode: 0600},
		{Kind: LINK, Path: "/a/f", Target: "/b"},
		{Kind: LINK, Path: "/a", Target: "/c"},
		{Kind: STAT, Path: "/b"},
		{Kind: STAT, Path: "/"},
		{Kind: READDIR, Path: "/a"},
		{Kind: READDIR, Path: "/b"},
		{Kind: UNLINK, Path: "/a"},
		{Kind: RMDIR, Path: "/a"},
		{Kind: RMDIR, Path: "/"},
		{Kind: UNLINK, Path: "/a/f"},
		{Kind: RMDIR, Path: "/a"},
		{Kind: REMOUNT},
		{Kind: READ, Path: "/b"},
	}
	report, err := NewChecker(DefaultConfig()).Run(ctx, script)
	if err != nil {
		testutils.FatalHere(test, "Run failed: %s", err)
	}
	obs := report.Userspace.Observations
	expect := map[int]string{
		1:  syscall.EEXIST.Error(),
		3:  syscall.ENOTDIR.Error(),
		5:  syscall.EISDIR.Error(),
		8:  syscall.EISDIR.Error(),
		11: syscall.EISDIR.Error(),
		15: syscall.ENOTDIR.Error(),
		16: syscall.EISDIR.Error(),
		17: syscall.ENOTEMPTY.Error(),
		18: syscall.EBUSY.Error(),
	}
	for i, code := range expect {
		if obs[i].Err != code {
			testutils.ErrorHere(test, "Step %d (%s) observed %v, expected %s", i, script[i], obs[i], code)
		}
	}
	if obs[4].Value != "70000" || obs[6].Value != digest(fill(70000, 3)) {
		testutils.ErrorHere(test, "Large write observed %v / %v", obs[4], obs[6])
	}
	if !strings.HasPrefix(obs[12].Value, "mode=100600 nlinks=2 size=1500 ") {
		testutils.ErrorHere(test, "Stat of the link observed %v", obs[12])
	}
	if obs[len(script)-1].Value != digest(fill(1500, 3)) {
		testutils.ErrorHere(test, "Contents after remount observed %v", obs[len(script)-1])
	}
}
