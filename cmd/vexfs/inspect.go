package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lspecian/vexfs-sub011/debug"
	"github.com/lspecian/vexfs-sub011/fs"
	"github.com/lspecian/vexfs-sub011/super"
)

func listTree(ctx context.Context, w io.Writer, proc *fs.Process, dir string, depth int) error {
	ents, err := proc.ReadDir(ctx, dir)
	if err != nil {
		return err
	}
	for _, e := range ents {
		path := strings.TrimSuffix(dir, "/") + "/" + e.Name
		a, err := proc.Stat(ctx, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s%-24s %6d %07o %2d %10d\n", strings.Repeat("  ", depth), e.Name, a.Ino, a.Mode, a.Nlinks, a.Size)
		if e.IsDir {
			if err := listTree(ctx, w, proc, path, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "Print the superblock, raw blocks or the file tree of an image",
	Long: `Print the superblock of an image. --block dumps one raw block, --tree lists
every file, --cat prints a file and --extents shows where a file's data lives.
The image is only ever opened read-only.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		block, _ := cmd.Flags().GetInt64("block")
		asDir, _ := cmd.Flags().GetBool("dir")
		tree, _ := cmd.Flags().GetBool("tree")
		cat, _ := cmd.Flags().GetString("cat")
		extents, _ := cmd.Flags().GetString("extents")
		ctx := cmd.Context()
		w := cmd.OutOrStdout()

		dev, err := openImage(args[0], true)
		if err != nil {
			return err
		}
		defer dev.Close()
		sb, err := super.Read(ctx, dev)
		if err != nil {
			return err
		}

		if block >= 0 {
			return debug.DumpBlock(ctx, w, dev, sb, uint32(block), asDir)
		}
		if !tree && cat == "" && extents == "" {
			debug.PrintSuper(w, sb)
			return nil
		}

		opts := fs.DefaultOptions()
		opts.ReadOnly = true
		opts.Variant = selectedVariant()
		opts.Logger = logger(cmd)
		fsys, err := fs.Mount(ctx, dev, opts)
		if err != nil {
			return err
		}
		defer fsys.Shutdown(context.Background(), true)
		proc := fsys.NewProcess()

		switch {
		case tree:
			fmt.Fprintf(w, "%-24s %6s %7s %2s %10s\n", "/", "INODE", "MODE", "NL", "SIZE")
			return listTree(ctx, w, proc, "/", 0)
		case cat != "":
			data, err := proc.ReadFile(ctx, cat)
			if err != nil {
				return err
			}
			_, err = w.Write(data)
			return err
		}
		a, err := proc.Stat(ctx, extents)
		if err != nil {
			return err
		}
		list, err := fsys.Extents().Map(ctx, a.Ino)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "inode %d, %d bytes, %d blocks in %d extents\n", a.Ino, a.Size, list.Blocks(), len(list))
		for _, e := range list {
			fmt.Fprintf(w, "  %8d..%-8d (%d)\n", e.Start, e.End()-1, e.Count)
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().Int64("block", -1, "dump this block")
	inspectCmd.Flags().Bool("dir", false, "decode the dumped data block as directory entries")
	inspectCmd.Flags().Bool("tree", false, "list every file")
	inspectCmd.Flags().String("cat", "", "print the contents of this file")
	inspectCmd.Flags().String("extents", "", "show the extents of this file")
	inspectCmd.MarkFlagsMutuallyExclusive("block", "tree", "cat", "extents")
}
