package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lspecian/vexfs-sub011/crash"
	"github.com/lspecian/vexfs-sub011/crashlog"
)

var crashlogCmd = &cobra.Command{
	Use:   "crashlog",
	Short: "Read the crash log",
}

func openCrashlog(cmd *cobra.Command) (*crashlog.Store, error) {
	cfg := crashlog.DefaultConfig(crashlogDB)
	cfg.Logger = logger(cmd)
	s, err := crashlog.Open(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open crash log: %w", err)
	}
	return s, nil
}

func result(ev crash.Event) string {
	if ev.Outcome == nil {
		return "pending"
	}
	return fmt.Sprintf("%s/%s x%d", ev.Outcome.Result, ev.Outcome.Strategy, ev.Outcome.Attempts)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var crashlogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded crash events, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, _ := cmd.Flags().GetString("device")
		typ, _ := cmd.Flags().GetString("type")
		pending, _ := cmd.Flags().GetBool("pending")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		f := crashlog.Filter{Device: dev, Pending: pending, Limit: limit}
		if typ != "" {
			t, err := crash.ParseCrashType(typ)
			if err != nil {
				return err
			}
			f.Type = &t
		}
		if since > 0 {
			f.Since = time.Now().Add(-since)
		}

		s, err := openCrashlog(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		events, err := s.List(cmd.Context(), f)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), events)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTIME\tDEVICE\tTYPE\tSEVERITY\tOUTCOME")
		for _, ev := range events {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				ev.ID, ev.Time.Format(time.RFC3339), ev.Device, ev.Type, ev.Severity, result(ev))
		}
		return tw.Flush()
	},
}

var crashlogShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one crash event with its recovery actions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid event id: %w", err)
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		s, err := openCrashlog(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		e, err := s.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(w, e)
		}

		fmt.Fprintf(w, "event      %s\n", e.ID)
		fmt.Fprintf(w, "time       %s\n", e.Time.Format(time.RFC3339Nano))
		fmt.Fprintf(w, "device     %s\n", e.Device)
		fmt.Fprintf(w, "type       %s (%s)\n", e.Type, e.Severity)
		fmt.Fprintf(w, "signature  %s\n", e.Signature)
		fmt.Fprintf(w, "outcome    %s\n", result(e.Event))
		if e.Outcome != nil && e.Outcome.Detail != "" {
			fmt.Fprintf(w, "detail     %s\n", e.Outcome.Detail)
		}
		if len(e.Context) > 0 {
			fmt.Fprintln(w, "context:")
			for _, line := range e.Context {
				fmt.Fprintf(w, "  %s\n", line)
			}
		}
		if len(e.Actions) > 0 {
			fmt.Fprintln(w, "actions:")
			for _, a := range e.Actions {
				status := "ok"
				if a.Err != "" {
					status = a.Err
				}
				fmt.Fprintf(w, "  %s %-16s %s %s\n", a.Time.Format("15:04:05.000"), a.Step, status, a.Detail)
			}
		}
		return nil
	},
}

func init() {
	crashlogListCmd.Flags().String("device", "", "only events on this device")
	crashlogListCmd.Flags().String("type", "", "only events of this crash type (e.g. KernelPanic)")
	crashlogListCmd.Flags().Bool("pending", false, "only events without a recorded outcome")
	crashlogListCmd.Flags().Duration("since", 0, "only events newer than this")
	crashlogListCmd.Flags().Int("limit", 0, "at most this many events (0 for all)")
	crashlogListCmd.Flags().Bool("json", false, "output as JSON")
	crashlogShowCmd.Flags().Bool("json", false, "output as JSON")

	crashlogCmd.AddCommand(crashlogListCmd, crashlogShowCmd)
}
