package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lspecian/vexfs-sub011/device"
	"github.com/lspecian/vexfs-sub011/fs"
	"github.com/lspecian/vexfs-sub011/testutils"
)

// resetFlags puts every flag back to its default so one invocation does not
// leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func run(test *testing.T, args ...string) (string, error) {
	test.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestImageLifecycle(test *testing.T) {
	dir := test.TempDir()
	img := filepath.Join(dir, "test.img")
	db := filepath.Join(dir, "crash.db")

	out, err := run(test, "format", img, "--size", "1", "--block-size", "1024", "--label", "cli")
	if err != nil {
		testutils.FatalHere(test, "format failed: %s\n%s", err, out)
	}
	if !strings.Contains(out, `label      "cli"`) {
		testutils.ErrorHere(test, "format output:\n%s", out)
	}

	// Put a file on the image directly.
	dev, err := device.Open(img, false)
	if err != nil {
		testutils.FatalHere(test, "open failed: %s", err)
	}
	ctx := context.Background()
	fsys, err := fs.Mount(ctx, dev, fs.DefaultOptions())
	if err != nil {
		testutils.FatalHere(test, "mount failed: %s", err)
	}
	proc := fsys.NewProcess()
	if err := proc.Mkdir(ctx, "/docs", 0755); err != nil {
		testutils.FatalHere(test, "mkdir failed: %s", err)
	}
	if err := proc.WriteFile(ctx, "/docs/hello", []byte("hello from vexfs\n"), 0644); err != nil {
		testutils.FatalHere(test, "write failed: %s", err)
	}
	if err := fsys.Shutdown(ctx, false); err != nil {
		testutils.FatalHere(test, "shutdown failed: %s", err)
	}
	dev.Close()

	if out, err = run(test, "fsck", img); err != nil {
		testutils.ErrorHere(test, "fsck failed: %s\n%s", err, out)
	}
	if !strings.Contains(out, "1 regular files, 2 directories") {
		testutils.ErrorHere(test, "fsck output:\n%s", out)
	}

	if out, err = run(test, "inspect", img, "--tree"); err != nil || !strings.Contains(out, "  hello") {
		testutils.ErrorHere(test, "inspect --tree gave %v:\n%s", err, out)
	}
	if out, err = run(test, "inspect", img, "--cat", "/docs/hello"); err != nil || out != "hello from vexfs\n" {
		testutils.ErrorHere(test, "inspect --cat gave %v: %q", err, out)
	}
	if out, err = run(test, "inspect", img, "--extents", "/docs/hello"); err != nil || !strings.Contains(out, "1 blocks in 1 extents") {
		testutils.ErrorHere(test, "inspect --extents gave %v:\n%s", err, out)
	}

	if out, err = run(test, "mount", img, "--ro"); err != nil || !strings.Contains(out, "state      mounted-ro") {
		testutils.ErrorHere(test, "mount --ro gave %v:\n%s", err, out)
	}
	if out, err = run(test, "unmount", img); err != nil || !strings.Contains(out, "unmounted cleanly") {
		testutils.ErrorHere(test, "unmount gave %v:\n%s", err, out)
	}

	if out, err = run(test, "crashlog", "list", "--crashlog", db); err != nil || !strings.HasPrefix(out, "ID") {
		testutils.ErrorHere(test, "crashlog list gave %v:\n%s", err, out)
	}
	if _, err = run(test, "crashlog", "show", "not-a-uuid", "--crashlog", db); err == nil {
		testutils.ErrorHere(test, "crashlog show accepted a bad id")
	}
}

func TestFormatRejectsBadLayout(test *testing.T) {
	img := filepath.Join(test.TempDir(), "bad.img")
	if _, err := run(test, "format", img, "--size", "1", "--block-size", "1000"); err == nil {
		testutils.ErrorHere(test, "format accepted a block size that is not a power of two")
	}
	if _, err := run(test, "format", filepath.Join(test.TempDir(), "missing.img"), "--size", "0"); err == nil {
		testutils.ErrorHere(test, "format accepted a missing image without --size")
	}
}
