package fs

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/testutils"
)

// model is what the namespace should hold. Names linked to the same inode
// share one content slice.
type model struct {
	dirs  map[string]bool
	files map[string]*[]byte
}

func (m *model) wantNew(p string) error {
	switch {
	case !m.dirs[path.Dir(p)]:
		return common.ErrNotFound
	case m.dirs[p] || m.files[p] != nil:
		return common.ErrExists
	}
	return nil
}

func (m *model) wantFile(p string) error {
	if m.files[p] == nil {
		return common.ErrNotFound
	}
	return nil
}

func (m *model) wantRmdir(p string) error {
	if !m.dirs[p] {
		return common.ErrNotFound
	}
	for d := range m.dirs {
		if d != p && path.Dir(d) == p {
			return common.ErrNotEmpty
		}
	}
	for f := range m.files {
		if path.Dir(f) == p {
			return common.ErrNotEmpty
		}
	}
	return nil
}

func (m *model) resize(p string, size int) {
	d := m.files[p]
	if size <= len(*d) {
		*d = (*d)[:size]
	} else {
		*d = append(*d, make([]byte, size-len(*d))...)
	}
}

// lines renders the model the way walk renders a mounted tree.
func (m *model) lines() []string {
	var out []string
	for d := range m.dirs {
		if d == "/" {
			continue
		}
		subdirs := 0
		for s := range m.dirs {
			if s != d && path.Dir(s) == d {
				subdirs++
			}
		}
		out = append(out, fmt.Sprintf("%s/ nlinks=%d", d, 2+subdirs))
	}
	for f, data := range m.files {
		links := 0
		for _, other := range m.files {
			if other == data {
				links++
			}
		}
		out = append(out, fmt.Sprintf("%s size=%d nlinks=%d data=%x", f, len(*data), links, sha256.Sum256(*data)))
	}
	sort.Strings(out)
	return out
}

// walk renders every name under the root, and checks that names the model
// links together resolve to one inode.
func walk(test *testing.T, ctx context.Context, proc *Process, m *model) []string {
	test.Helper()
	var out []string
	inos := make(map[*[]byte]common.Ino)
	queue := []string{"/"}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		list, err := proc.ReadDir(ctx, dir)
		if err != nil {
			testutils.FatalHere(test, "ReadDir %s failed: %s", dir, err)
		}
		for _, e := range list {
			p := path.Join(dir, e.Name)
			attr, err := proc.Stat(ctx, p)
			if err != nil {
				testutils.FatalHere(test, "Stat %s failed: %s", p, err)
			}
			if e.IsDir {
				queue = append(queue, p)
				out = append(out, fmt.Sprintf("%s/ nlinks=%d", p, attr.Nlinks))
				continue
			}
			data, err := proc.ReadFile(ctx, p)
			if err != nil {
				testutils.FatalHere(test, "ReadFile %s failed: %s", p, err)
			}
			out = append(out, fmt.Sprintf("%s size=%d nlinks=%d data=%x", p, len(data), attr.Nlinks, sha256.Sum256(data)))
			if key := m.files[p]; key != nil {
				if ino, ok := inos[key]; ok && ino != attr.Ino {
					testutils.ErrorHere(test, "%s is inode %d, its links are inode %d", p, attr.Ino, ino)
				}
				inos[key] = attr.Ino
			}
		}
	}
	sort.Strings(out)
	return out
}

func digestLines(lines []string) string {
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return fmt.Sprintf("%x", sum[:8])
}

// Random namespace and data operations, checked against a model as they
// run, must come back unchanged after sync and a remount.
func TestRandomOpsSurviveRemount(test *testing.T) {
	seed := time.Now().UnixNano()
	if s := os.Getenv("VEXFS_SEED"); s != "" {
		seed, _ = strconv.ParseInt(s, 10, 64)
	}
	defer func() {
		if test.Failed() {
			test.Logf("seed %d (rerun with VEXFS_SEED=%d)", seed, seed)
		}
	}()
	rng := rand.New(rand.NewSource(seed))

	ctx := context.Background()
	dev := newTestDevice(test, 1<<20)
	fs, proc := mountTestDevice(test, dev, DefaultOptions())

	m := &model{dirs: map[string]bool{"/": true}, files: make(map[string]*[]byte)}
	dirNames := []string{"/d0", "/d1", "/d0/e0", "/d1/e1", "/d0/e0/g"}
	randDir := func() string { return dirNames[rng.Intn(len(dirNames))] }
	randFile := func() string {
		dir := "/"
		if rng.Intn(3) > 0 {
			dir = randDir()
		}
		return path.Join(dir, fmt.Sprintf("f%d", rng.Intn(5)))
	}
	check := func(step int, what string, err, want error) bool {
		if want == nil && err != nil || want != nil && !errors.Is(err, want) {
			testutils.FatalHere(test, "Step %d: %s returned %v, expected %v", step, what, err, want)
		}
		return want == nil
	}

	for round := 0; round < 3; round++ {
		for step := 0; step < 150; step++ {
			switch rng.Intn(7) {
			case 0:
				p := randFile()
				h, err := proc.Open(ctx, p, common.O_CREAT|common.O_EXCL|common.O_WRONLY, 0644)
				if err == nil {
					err = h.Close(ctx)
				}
				if check(step, "create "+p, err, m.wantNew(p)) {
					m.files[p] = new([]byte)
				}

			case 1:
				p := randDir()
				if check(step, "mkdir "+p, proc.Mkdir(ctx, p, 0755), m.wantNew(p)) {
					m.dirs[p] = true
				}

			case 2:
				p := randFile()
				off := rng.Intn(3000)
				data := make([]byte, 1+rng.Intn(2000))
				rng.Read(data)
				h, err := proc.Open(ctx, p, common.O_WRONLY, 0)
				if err == nil {
					_, err = h.WriteAt(ctx, data, int64(off))
					if cerr := h.Close(ctx); err == nil {
						err = cerr
					}
				}
				if check(step, fmt.Sprintf("write %s %d@%d", p, len(data), off), err, m.wantFile(p)) {
					if end := off + len(data); end > len(*m.files[p]) {
						m.resize(p, end)
					}
					copy((*m.files[p])[off:], data)
				}

			case 3:
				p := randFile()
				size := rng.Intn(4000)
				h, err := proc.Open(ctx, p, common.O_WRONLY, 0)
				if err == nil {
					err = h.Truncate(ctx, uint64(size))
					if cerr := h.Close(ctx); err == nil {
						err = cerr
					}
				}
				if check(step, fmt.Sprintf("truncate %s %d", p, size), err, m.wantFile(p)) {
					m.resize(p, size)
				}

			case 4:
				old, p := randFile(), randFile()
				want := m.wantFile(old)
				if want == nil {
					want = m.wantNew(p)
				}
				if check(step, "link "+old+" "+p, proc.Link(ctx, old, p), want) {
					m.files[p] = m.files[old]
				}

			case 5:
				p := randFile()
				if check(step, "unlink "+p, proc.Unlink(ctx, p), m.wantFile(p)) {
					delete(m.files, p)
				}

			case 6:
				p := randDir()
				if check(step, "rmdir "+p, proc.Rmdir(ctx, p), m.wantRmdir(p)) {
					delete(m.dirs, p)
				}
			}
		}

		if err := fs.Sync(ctx); err != nil {
			testutils.FatalHere(test, "Round %d: Sync failed: %s", round, err)
		}
		before := walk(test, ctx, proc, m)
		st, _ := fs.Statfs(ctx)
		shutdown(test, fs)

		fs, proc = mountTestDevice(test, dev, DefaultOptions())
		if fs.WasDirty() {
			testutils.ErrorHere(test, "Round %d: clean unmount mounted dirty", round)
		}
		after := walk(test, ctx, proc, m)
		want := m.lines()
		if digestLines(after) != digestLines(want) {
			testutils.FatalHere(test, "Round %d: tree after remount differs from the model\ngot:\n%s\nwant:\n%s",
				round, strings.Join(after, "\n"), strings.Join(want, "\n"))
		}
		if digestLines(before) != digestLines(after) {
			testutils.ErrorHere(test, "Round %d: remount changed the tree", round)
		}
		if st2, _ := fs.Statfs(ctx); st2 != st {
			testutils.ErrorHere(test, "Round %d: Statfs %+v after remount, %+v before", round, st2, st)
		}
	}
	shutdown(test, fs)
}
