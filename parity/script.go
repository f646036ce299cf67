// Package parity runs one operation script against the kernel and the
// userspace variant of the engine, each on its own device, and reports the
// first place their observable behavior differs.
package parity

import (
	"fmt"
)

type OpKind int

const (
	CREATE OpKind = iota
	WRITE
	READ
	MKDIR
	READDIR
	STAT
	UNLINK
	RMDIR
	LINK
	TRUNCATE
	CHMOD
	SYNC
	REMOUNT // unmount and mount again
	TREE    // final tree comparison, added by the checker
	IMAGE   // device image comparison, added by the checker
)

var opNames = [...]string{"create", "write", "read", "mkdir", "readdir", "stat", "unlink", "rmdir", "link", "truncate", "chmod", "sync", "remount", "tree", "image"}

func (k OpKind) String() string {
	if k >= 0 && int(k) < len(opNames) {
		return opNames[k]
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// Op is one step of a script. Fields a kind has no use for are ignored.
type Op struct {
	Kind   OpKind
	Path   string
	Target string // new name for LINK
	Data   []byte // WRITE
	Offset int64  // WRITE
	Size   uint64 // TRUNCATE
	Mode   uint16 // CREATE, MKDIR, CHMOD
}

func (op Op) String() string {
	switch op.Kind {
	case WRITE:
		return fmt.Sprintf("write %s %d@%d", op.Path, len(op.Data), op.Offset)
	case LINK:
		return fmt.Sprintf("link %s %s", op.Path, op.Target)
	case TRUNCATE:
		return fmt.Sprintf("truncate %s %d", op.Path, op.Size)
	case CREATE, MKDIR, CHMOD:
		return fmt.Sprintf("%s %s %o", op.Kind, op.Path, op.Mode)
	}
	if op.Path == "" {
		return op.Kind.String()
	}
	return op.Kind.String() + " " + op.Path
}

type Script []Op

// fill returns n bytes of a pattern seeded by seed.
func fill(n, seed int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte((i*7 + seed*13) % 251)
	}
	return p
}

// DefaultScript creates 100 files of varying sizes, makes three nested
// directories, lists everything and unlinks ten files, with a few error
// cases and a remount mixed in.
func DefaultScript() Script {
	var s Script
	add := func(op Op) { s = append(s, op) }

	add(Op{Kind: MKDIR, Path: "/d1", Mode: 0755})
	add(Op{Kind: MKDIR, Path: "/d1/d2", Mode: 0755})
	add(Op{Kind: MKDIR, Path: "/d1/d2/d3", Mode: 0700})
	dirs := []string{"", "/d1", "/d1/d2", "/d1/d2/d3"}

	for i := 0; i < 100; i++ {
		path := fmt.Sprintf("%s/f%03d", dirs[i%len(dirs)], i)
		add(Op{Kind: CREATE, Path: path, Mode: 0644})
		// 0 up to a little over 12 blocks of 4 KiB
		size := (i * i * 37) % 50000
		add(Op{Kind: WRITE, Path: path, Data: fill(size, i)})
		if i%9 == 0 {
			add(Op{Kind: WRITE, Path: path, Offset: int64(size + 5000), Data: fill(100, i+1)})
		}
	}
	add(Op{Kind: CREATE, Path: "/f000", Mode: 0644})
	add(Op{Kind: MKDIR, Path: "/missing/d", Mode: 0755})

	for _, d := range dirs {
		if d == "" {
			d = "/"
		}
		add(Op{Kind: READDIR, Path: d})
	}
	add(Op{Kind: LINK, Path: "/f004", Target: "/d1/d2/d3/alias"})
	add(Op{Kind: TRUNCATE, Path: "/d1/f001", Size: 10})
	add(Op{Kind: CHMOD, Path: "/d1/d2/f002", Mode: 0600})
	add(Op{Kind: RMDIR, Path: "/d1"})
	add(Op{Kind: SYNC})

	for i := 0; i < 100; i += 10 {
		add(Op{Kind: UNLINK, Path: fmt.Sprintf("%s/f%03d", dirs[i%len(dirs)], i)})
	}
	add(Op{Kind: UNLINK, Path: "/f000"})
	add(Op{Kind: REMOUNT})

	for _, d := range dirs {
		if d == "" {
			d = "/"
		}
		add(Op{Kind: READDIR, Path: d})
	}
	for i := 1; i < 100; i += 11 {
		path := fmt.Sprintf("%s/f%03d", dirs[i%len(dirs)], i)
		add(Op{Kind: READ, Path: path})
		add(Op{Kind: STAT, Path: path})
	}
	add(Op{Kind: STAT, Path: "/d1/d2/d3/alias"})
	return s
}
