package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"calbridge/internal/reconcile"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	PastDays   int
	FutureDays int
	DryRun     bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile the calendar with the source feed once",
		Long: `Fetch every configured ICS source, expand it into instances inside the
sync window and bring the calendar in line: create what is missing, update
what changed and delete managed entities that left the feed.

Exits non-zero if the run aborted or any single operation failed.

Example:
  calbridge run --config ./config.yaml
  calbridge run --dry-run --future-days 30`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runOnce(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&opts.PastDays, "past-days", -1, "days before today to sync (default from config)")
	cmd.Flags().IntVar(&opts.FutureDays, "future-days", -1, "days after today to sync (default from config)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "plan and report without touching the calendar or state")

	return cmd
}

func runOnce(ctx context.Context, opts *RunOptions, out io.Writer) error {
	rt, err := openRuntime(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.close()

	ropts := reconcile.Options{
		PastDays:   rt.cfg.Window.PastDays,
		FutureDays: rt.cfg.Window.FutureDays,
		DryRun:     opts.DryRun,
	}
	if opts.PastDays >= 0 {
		ropts.PastDays = opts.PastDays
	}
	if opts.FutureDays >= 0 {
		ropts.FutureDays = opts.FutureDays
	}

	rep, err := reconcile.Run(ctx, rt.reconcileDeps(), ropts)
	writeRunReport(out, rep, err)
	if err != nil {
		return WrapExitError(ExitFailure, "run aborted", err)
	}
	if !rep.Summary.OK() {
		return NewExitError(ExitFailure, fmt.Sprintf("%d operation(s) failed", rep.Summary.Failed))
	}
	return nil
}

func writeRunReport(w io.Writer, rep reconcile.Report, runErr error) {
	bold := color.New(color.Bold).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	prefix := ""
	if rep.DryRun {
		prefix = "[dry run] "
	}
	if runErr != nil {
		fmt.Fprintf(w, "%s%s %v\n", prefix, red("aborted:"), runErr)
		return
	}

	status := green("ok")
	if !rep.Summary.OK() {
		status = red("partial")
	}
	fmt.Fprintf(w, "%s%s %s\n", prefix, bold("sync"), status)
	fmt.Fprintf(w, "  window    %s .. %s\n",
		rep.Window.Start.Format("2006-01-02"), rep.Window.End.Format("2006-01-02"))
	fmt.Fprintf(w, "  source    %d instance(s) from %d series\n", rep.Instances, rep.Series)
	fmt.Fprintf(w, "  remote    %d key(s) indexed\n", rep.Remote)
	fmt.Fprintf(w, "  result    %s\n", rep.Summary)
	for _, f := range rep.Summary.Failures {
		fmt.Fprintf(w, "  %s %s %s: %v\n", red("failed"), f.Kind, f.Key, f.Err)
	}
}
