package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lspecian/vexfs-sub011/parity"
)

var parityCmd = &cobra.Command{
	Use:   "parity",
	Short: "Run the operation script against both variants and compare them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sizeMB, _ := cmd.Flags().GetInt64("size")
		images, _ := cmd.Flags().GetBool("images")
		verbose, _ := cmd.Flags().GetBool("verbose")
		direct, _ := cmd.Flags().GetBool("direct")

		cfg := parity.DefaultConfig()
		cfg.DeviceSize = sizeMB << 20
		cfg.CompareImages = images
		cfg.Logger = logger(cmd)
		if direct {
			cfg.UserspaceFrontend = parity.ProcessFrontend
		}

		script := parity.DefaultScript()
		report, err := parity.NewChecker(cfg).Run(cmd.Context(), script)
		w := cmd.OutOrStdout()
		var m *parity.ParityMismatch
		if errors.As(err, &m) {
			fmt.Fprintf(w, "MISMATCH at step %d: %s\n", m.Step, m.Op)
			fmt.Fprintf(w, "  kernel:    %s\n", m.Kernel)
			fmt.Fprintf(w, "  userspace: %s\n", m.Userspace)
			return err
		}
		if err != nil {
			return err
		}
		if verbose {
			for i, op := range script {
				fmt.Fprintf(w, "%4d %-40s %s\n", i, op, report.Kernel.Observations[i])
			}
		}
		fmt.Fprintf(w, "parity holds over %d steps\n", report.Steps)
		fmt.Fprintf(w, "image digest %s\n", report.Kernel.Digest)
		return nil
	},
}

func init() {
	parityCmd.Flags().Int64("size", 16, "device size in MiB for each side")
	parityCmd.Flags().Bool("images", true, "also require identical device images")
	parityCmd.Flags().BoolP("verbose", "v", false, "print every step's observation")
	parityCmd.Flags().Bool("direct", false, "call the userspace session directly instead of through its FUSE nodes")
}
