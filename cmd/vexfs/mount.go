package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/crash"
	"github.com/lspecian/vexfs-sub011/crashlog"
	"github.com/lspecian/vexfs-sub011/device"
	"github.com/lspecian/vexfs-sub011/fs"
	"github.com/lspecian/vexfs-sub011/fsck"
	"github.com/lspecian/vexfs-sub011/fusefs"
	"github.com/lspecian/vexfs-sub011/mount"
)

func mountOptions(cmd *cobra.Command) mount.Options {
	ro, _ := cmd.Flags().GetBool("ro")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	opts := mount.DefaultOptions()
	opts.ReadOnly = ro
	opts.Timeout = timeout
	opts.Variant = selectedVariant()
	opts.Logger = logger(cmd)
	return opts
}

// describe prints the state of a freshly mounted session.
func describe(ctx context.Context, w io.Writer, reg *mount.Registry, id string, fsys *fs.FileSystem) error {
	fmt.Fprintf(w, "session    %s\n", fsys.ID())
	fmt.Fprintf(w, "state      %s\n", reg.State(id))
	if fsys.WasDirty() {
		fmt.Fprintln(w, "image was not cleanly unmounted")
	}
	if r := reg.Report(id); r != nil {
		fmt.Fprintln(w, "repair pass:")
		printReport(w, r)
	}
	st, err := fsys.Statfs(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "free       %d of %d blocks, %d of %d inodes\n", st.FreeBlocks, st.Blocks, st.FreeInodes, st.Inodes)
	return nil
}

var mountCmd = &cobra.Command{
	Use:   "mount <image>",
	Short: "Mount an image, repairing it if it was left dirty",
	Long: `Mount an image through the mount registry. A read-write mount of a dirty
image runs the repair pass first. Without --fuse or --watch the session is
reported and then cleanly unmounted.

With --fuse the filesystem is served at DIR until interrupted.

With --watch the image runs from memory while the crash detector reads kernel
messages from CONSOLE. Detected crashes are recovered and recorded in the
crash log, and the image is written back on exit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fuseDir, _ := cmd.Flags().GetString("fuse")
		console, _ := cmd.Flags().GetString("watch")
		opts := mountOptions(cmd)
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		if console != "" {
			hang, _ := cmd.Flags().GetDuration("hang-threshold")
			return watchImage(ctx, cmd, args[0], console, hang, opts)
		}

		id := args[0]
		dev, err := openImage(id, opts.ReadOnly)
		if err != nil {
			return err
		}
		defer dev.Close()

		reg := mount.NewRegistry(opts.Logger)
		fsys, err := reg.Mount(ctx, id, dev, opts)
		if err != nil {
			reg.Close(context.Background())
			return err
		}
		out := cmd.OutOrStdout()
		if err := describe(ctx, out, reg, id, fsys); err != nil {
			reg.Close(context.Background())
			return err
		}

		if fuseDir != "" {
			srv, err := fusefs.Mount(fuseDir, fsys, fusefs.Options{Debug: logLevel == "debug"})
			if err != nil {
				reg.Close(context.Background())
				return fmt.Errorf("failed to serve at %s: %w", fuseDir, err)
			}
			fmt.Fprintf(out, "serving at %s\n", fuseDir)
			go func() {
				<-ctx.Done()
				srv.Unmount()
			}()
			srv.Wait()
		}

		if err := reg.Unmount(context.Background(), id, false); err != nil {
			if !errors.Is(err, common.ErrBusy) {
				return err
			}
			return reg.Unmount(context.Background(), id, true)
		}
		return nil
	},
}

func watchImage(ctx context.Context, cmd *cobra.Command, path, console string, hang time.Duration, opts mount.Options) error {
	img, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	dev := device.FromImage(path, img)
	log := opts.Logger
	out := cmd.OutOrStdout()

	journal, err := crashlog.Open(ctx, crashlog.Config{Path: crashlogDB, BusyTimeout: 5 * time.Second, Logger: log})
	if err != nil {
		return err
	}
	defer journal.Close()

	reg := mount.NewRegistry(log)
	env := crash.NewRegistryEnv(reg, log)
	env.Manage(path, dev, opts)
	if err := env.Checkpoint(ctx, path); err != nil {
		return err
	}
	fsys, err := reg.Mount(ctx, path, dev, opts)
	if err != nil {
		return err
	}
	if err := describe(ctx, out, reg, path, fsys); err != nil {
		reg.Close(context.Background())
		return err
	}

	in, err := os.Open(console)
	if err != nil {
		reg.Close(context.Background())
		return fmt.Errorf("failed to open console: %w", err)
	}
	det := crash.NewDetector(crash.DetectorConfig{Device: path, HangThreshold: hang, Logger: log})
	mgr := crash.NewManager(env, journal, crash.ManagerConfig{
		Logger: log,
		OnTransition: func(ev crash.Event, from, to crash.Phase) {
			fmt.Fprintf(out, "%s %s: %s -> %s\n", ev.ID, ev.Type, from, to)
		},
	})
	probe := crash.ProbeFunc(func(ctx context.Context) error {
		fsys, err := reg.Session(path)
		if err != nil {
			return err
		}
		_, err = fsys.Statfs(ctx)
		return err
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return det.Run(gctx, in, probe) })
	g.Go(func() error { return mgr.Run(gctx, det.Events()) })
	g.Go(func() error {
		// Unblocks the console reader.
		<-gctx.Done()
		return in.Close()
	})
	err = g.Wait()
	if ctx.Err() != nil {
		// Interrupted; whatever the readers returned is a side effect of
		// shutting down.
		err = nil
	}

	uerr := reg.Unmount(context.Background(), path, true)
	if errors.Is(uerr, common.ErrNotMounted) {
		uerr = nil
	}
	werr := os.WriteFile(path, dev.Snapshot(), 0644)
	if isolated := env.Isolated(); len(isolated) > 0 {
		fmt.Fprintf(out, "%d events isolated for analysis\n", len(isolated))
	}
	return errors.Join(err, uerr, werr)
}

var unmountCmd = &cobra.Command{
	Use:   "unmount <image>",
	Short: "Bring an image left mounted back to a clean state",
	Long: `Mount the image read-write, letting the repair pass run if it was not
cleanly unmounted, and unmount it again. With --force a mount that fails or
faults is reset through a full check and repair.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		id := args[0]
		opts := mount.DefaultOptions()
		opts.Timeout = timeout
		opts.Variant = selectedVariant()
		opts.Logger = logger(cmd)
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		dev, err := openImage(id, false)
		if err != nil {
			return err
		}
		defer dev.Close()

		out := cmd.OutOrStdout()
		reg := mount.NewRegistry(opts.Logger)
		fsys, err := reg.Mount(ctx, id, dev, opts)
		if err == nil {
			err = describe(ctx, out, reg, id, fsys)
		}
		if err == nil {
			err = reg.Unmount(ctx, id, force)
		}
		if err == nil && reg.State(id) == mount.UNMOUNTED {
			fmt.Fprintln(out, "unmounted cleanly")
			return nil
		}
		if err == nil {
			err = fmt.Errorf("%s: %w", id, common.ErrFaulted)
		}
		if !force {
			reg.Close(context.Background())
			return fmt.Errorf("%w (retry with --force)", err)
		}

		fmt.Fprintf(out, "forcing recovery: %v\n", err)
		if reg.State(id) != mount.FAULTED {
			// A failed mount leaves nothing registered; check the device
			// directly.
			if err := reg.Unmount(ctx, id, true); err != nil && !errors.Is(err, common.ErrNotMounted) {
				return err
			}
			fsOpts := fs.DefaultOptions()
			fsOpts.Variant = opts.Variant
			fsOpts.Logger = opts.Logger
			r, err := fsck.CheckDevice(ctx, dev, fsOpts, fsck.Options{Repair: true, Logger: opts.Logger})
			if err != nil {
				return err
			}
			printReport(out, r)
			return nil
		}
		r, err := reg.Reset(ctx, id)
		if r != nil {
			printReport(out, r)
		}
		return err
	},
}

func init() {
	mountCmd.Flags().Bool("ro", false, "mount read-only")
	mountCmd.Flags().Bool("rw", true, "mount read-write (the default)")
	mountCmd.Flags().Duration("timeout", mount.DEFAULT_TIMEOUT, "give up on a mount that takes longer")
	mountCmd.Flags().String("fuse", "", "serve the filesystem through FUSE at this directory")
	mountCmd.Flags().String("watch", "", "run the crash detector on this console stream")
	mountCmd.Flags().Duration("hang-threshold", crash.DEFAULT_HANG_THRESHOLD, "silence after which the host is considered hung")
	mountCmd.MarkFlagsMutuallyExclusive("ro", "rw")
	mountCmd.MarkFlagsMutuallyExclusive("fuse", "watch")

	unmountCmd.Flags().Bool("force", false, "reset the image through a full repair if it cannot be mounted cleanly")
	unmountCmd.Flags().Duration("timeout", mount.DEFAULT_TIMEOUT, "give up on a mount that takes longer")
}
