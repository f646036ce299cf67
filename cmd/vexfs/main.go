// Command vexfs formats, checks, mounts and recovers vexfs images, and reads
// the crash log kept by the recovery manager.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/device"
	"github.com/lspecian/vexfs-sub011/variant"
)

var (
	logLevel    string
	variantName string
	crashlogDB  string
)

var rootCmd = &cobra.Command{
	Use:   "vexfs",
	Short: "Manage vexfs filesystem images",
	Long: `Format, check, mount and recover vexfs images, run the parity check
between the kernel and userspace variants, and read the crash log.`,
	SilenceUsage: true,
}

func logger(cmd *cobra.Command) common.Logger {
	return common.NewLogger(cmd.ErrOrStderr(), common.ParseLevel(logLevel))
}

func selectedVariant() variant.Variant {
	return variant.ByName(variantName)
}

// openImage opens an existing image file.
func openImage(path string, readonly bool) (*device.File, error) {
	dev, err := device.Open(path, readonly)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	return dev, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&variantName, "variant", variant.KERNEL, "engine variant (kernel, userspace)")
	rootCmd.PersistentFlags().StringVar(&crashlogDB, "crashlog", "vexfs-crash.db", "crash log database path")

	rootCmd.AddCommand(
		formatCmd,
		fsckCmd,
		mountCmd,
		unmountCmd,
		crashlogCmd,
		parityCmd,
		inspectCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
