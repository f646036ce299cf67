package fs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/testutils"
)

// Open the same file twice: both handles share one open file, and the file
// stays in the table until the last close.
func TestOpenClose(test *testing.T) {
	ctx := context.Background()
	fs, proc := OpenTestFS(test)
	defer shutdown(test, fs)

	proc.WriteFile(ctx, "/shared", []byte("0123456789"), 0644)
	h1, err := proc.Open(ctx, "/shared", common.O_RDWR, 0)
	if err != nil {
		testutils.FatalHere(test, "First open failed: %s", err)
	}
	h2, err := proc.Open(ctx, "/shared", common.O_RDONLY, 0)
	if err != nil {
		testutils.FatalHere(test, "Second open failed: %s", err)
	}
	if h1.f != h2.f {
		testutils.ErrorHere(test, "Handles on the same inode do not share the open file")
	}
	if fs.OpenHandles() != 2 || len(fs.files) != 1 {
		testutils.ErrorHere(test, "%d handles and %d files open, expected 2 and 1", fs.OpenHandles(), len(fs.files))
	}

	// Each handle has its own position.
	h1.Write(ctx, []byte("AB"))
	buf := make([]byte, 4)
	h2.Read(ctx, buf)
	if string(buf) != "AB23" {
		testutils.ErrorHere(test, "Second handle read %q", buf)
	}

	if err := h1.Close(ctx); err != nil {
		testutils.ErrorHere(test, "Close failed: %s", err)
	}
	if len(fs.files) != 1 {
		testutils.ErrorHere(test, "File dropped with a handle still open")
	}
	if err := h1.Close(ctx); !errors.Is(err, common.ErrBadHandle) {
		testutils.ErrorHere(test, "Double close returned %v", err)
	}
	h2.Close(ctx)
	if fs.OpenHandles() != 0 || len(fs.files) != 0 {
		testutils.ErrorHere(test, "%d handles and %d files left open", fs.OpenHandles(), len(fs.files))
	}
	if busy := fs.Inodes().Busy(); busy != 0 {
		testutils.ErrorHere(test, "%d inodes still referenced after closing everything", busy)
	}
}

func TestOpenDirectory(test *testing.T) {
	ctx := context.Background()
	fs, proc := OpenTestFS(test)
	defer shutdown(test, fs)

	proc.Mkdir(ctx, "/d", 0755)
	if _, err := proc.Open(ctx, "/d", common.O_RDONLY, 0); !errors.Is(err, common.ErrIsDir) {
		testutils.ErrorHere(test, "Opening a directory returned %v", err)
	}
	if _, err := proc.Open(ctx, "/", common.O_RDONLY, 0); !errors.Is(err, common.ErrIsDir) {
		testutils.ErrorHere(test, "Opening the root returned %v", err)
	}
	if fs.OpenHandles() != 0 {
		testutils.ErrorHere(test, "Failed opens left %d handles", fs.OpenHandles())
	}
}

// A close that waits on its inode must not hold up the rest of the session.
func TestCloseDoesNotBlockSession(test *testing.T) {
	ctx := context.Background()
	fs, proc := OpenTestFS(test)
	defer shutdown(test, fs)

	h, err := proc.Open(ctx, "/slow", common.O_CREAT|common.O_RDWR, 0644)
	if err != nil {
		testutils.FatalHere(test, "Open failed: %s", err)
	}
	h.Write(ctx, []byte("data"))
	rip, err := fs.Inodes().GetInode(ctx, h.Inode())
	if err != nil {
		testutils.FatalHere(test, "GetInode failed: %s", err)
	}

	rip.Lock()
	closed := make(chan error, 1)
	go func() { closed <- h.Close(ctx) }()

	statted := make(chan error, 1)
	go func() {
		_, err := fs.Statfs(ctx)
		statted <- err
	}()
	select {
	case err := <-statted:
		if err != nil {
			testutils.ErrorHere(test, "Statfs failed: %s", err)
		}
	case <-time.After(5 * time.Second):
		testutils.ErrorHere(test, "Statfs blocked behind a pending close")
	}
	rip.Unlock()

	if err := <-closed; err != nil {
		testutils.ErrorHere(test, "Close failed: %s", err)
	}
	fs.Inodes().PutInode(ctx, rip)
	if fs.OpenHandles() != 0 || len(fs.files) != 0 {
		testutils.ErrorHere(test, "%d handles and %d files left open", fs.OpenHandles(), len(fs.files))
	}
}
