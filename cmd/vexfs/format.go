package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/debug"
	"github.com/lspecian/vexfs-sub011/device"
	"github.com/lspecian/vexfs-sub011/super"
)

var formatCmd = &cobra.Command{
	Use:   "format <image>",
	Short: "Write an empty filesystem to an image",
	Long: `Write an empty filesystem to an image. With --size the image file is
created (or truncated) first; otherwise it must already exist and the whole
of it is used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sizeMB, _ := cmd.Flags().GetInt64("size")
		blockSize, _ := cmd.Flags().GetUint32("block-size")
		inodes, _ := cmd.Flags().GetUint32("inodes")
		label, _ := cmd.Flags().GetString("label")
		id, _ := cmd.Flags().GetString("uuid")

		opts := super.DefaultFormatOptions()
		opts.BlockSize = blockSize
		opts.Inodes = inodes
		opts.Label = label
		if id != "" {
			u, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("invalid uuid: %w", err)
			}
			opts.UUID = u
		}
		// Check the layout before touching the file.
		if sizeMB > 0 {
			if _, err := super.Layout(opts, sizeMB<<20); err != nil {
				return err
			}
		}

		var dev common.BlockDevice
		var err error
		if sizeMB > 0 {
			dev, err = device.Create(args[0], sizeMB<<20)
		} else {
			if _, serr := os.Stat(args[0]); errors.Is(serr, fs.ErrNotExist) {
				return fmt.Errorf("%s does not exist; pass --size to create it", args[0])
			}
			dev, err = openImage(args[0], false)
		}
		if err != nil {
			return err
		}
		defer dev.Close()

		sb, err := super.Format(cmd.Context(), dev, opts)
		if err != nil {
			return fmt.Errorf("failed to format: %w", err)
		}
		if err := dev.Flush(cmd.Context()); err != nil {
			return err
		}
		debug.PrintSuper(cmd.OutOrStdout(), sb)
		return nil
	},
}

func init() {
	formatCmd.Flags().Int64("size", 0, "create the image with this size in MiB")
	formatCmd.Flags().Uint32("block-size", common.DEFAULT_BLOCK_SIZE, "block size in bytes")
	formatCmd.Flags().Uint32("inodes", 0, "number of inodes (0 for one per four blocks)")
	formatCmd.Flags().String("label", "", "volume label, up to 32 bytes")
	formatCmd.Flags().String("uuid", "", "filesystem UUID (random if empty)")
}
