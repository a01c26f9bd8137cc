package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"calbridge/internal/state"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show the outcome of the last run",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			h, err := state.LoadHealth(cfg.State.HealthPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read health record", err)
			}
			writeStatus(cmd.OutOrStdout(), h, time.Now())
			if h.Status == state.HealthFailing {
				return NewExitError(ExitFailure, "last run failed")
			}
			return nil
		},
	}
}

func writeStatus(w io.Writer, h state.Health, now time.Time) {
	if h.RunID == "" {
		fmt.Fprintln(w, "No run recorded yet.")
		return
	}

	label := color.New(color.FgGreen, color.Bold).Sprint(h.Status)
	if h.Status != state.HealthHealthy {
		label = color.New(color.FgRed, color.Bold).Sprint(h.Status)
	}
	fmt.Fprintf(w, "status     %s\n", label)
	fmt.Fprintf(w, "last run   %s (%s ago, took %.1fs)\n",
		h.FinishedAt.Local().Format(time.RFC3339), now.Sub(h.FinishedAt).Round(time.Second), h.DurationSeconds)
	fmt.Fprintf(w, "run id     %s\n", h.RunID)
	fmt.Fprintf(w, "result     created=%d updated=%d skipped=%d deleted=%d failed=%d\n",
		h.Created, h.Updated, h.Skipped, h.Deleted, h.Failed)
	if h.LastSuccess.IsZero() {
		fmt.Fprintln(w, "last ok    never")
	} else {
		fmt.Fprintf(w, "last ok    %s\n", h.LastSuccess.Local().Format(time.RFC3339))
	}
	if h.Status != state.HealthHealthy {
		fmt.Fprintf(w, "failures   %d consecutive\n", h.ConsecutiveFailures)
		fmt.Fprintf(w, "error      %s\n", color.RedString(h.LastError))
	}
}
