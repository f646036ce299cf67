package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lspecian/vexfs-sub011/fs"
	"github.com/lspecian/vexfs-sub011/fsck"
)

func printReport(w io.Writer, r *fsck.Report) {
	for _, p := range r.Problems {
		fmt.Fprintln(w, p)
	}
	fmt.Fprintf(w, "%d regular files, %d directories, %d free inodes\n", r.Regular, r.Directories, r.FreeInodes)
	fmt.Fprintf(w, "%d blocks used, %d free, %d in the data region\n", r.UsedBlocks, r.FreeBlocks, r.DataBlocks)
}

var fsckCmd = &cobra.Command{
	Use:   "fsck <image>",
	Short: "Check the consistency of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repair, _ := cmd.Flags().GetBool("repair")
		log := logger(cmd)

		dev, err := openImage(args[0], !repair)
		if err != nil {
			return err
		}
		defer dev.Close()

		opts := fs.DefaultOptions()
		opts.Variant = selectedVariant()
		opts.Logger = log
		r, err := fsck.CheckDevice(cmd.Context(), dev, opts, fsck.Options{Repair: repair, Logger: log})
		if err != nil {
			return fmt.Errorf("check failed: %w", err)
		}
		printReport(cmd.OutOrStdout(), r)
		if u := r.Unfixed(); len(u) > 0 {
			return fmt.Errorf("%d problems left unfixed", len(u))
		}
		return nil
	},
}

func init() {
	fsckCmd.Flags().Bool("repair", false, "repair the problems found")
}
