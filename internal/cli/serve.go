package cli

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	appLog "calbridge/internal/log"
	"calbridge/internal/schedule"
	"calbridge/internal/web"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
	// NoInitialRun skips the run at startup and waits for the first tick.
	NoInitialRun bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run on the configured schedule and serve status endpoints",
		Long: `Run a reconciliation on every tick of schedule.cron and expose /health,
/metrics and /api/status. A tick that fires while a run is still going is
skipped.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runServe(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.NoInitialRun, "no-initial-run", false, "wait for the first scheduled tick")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, out io.Writer) error {
	cfg, _, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Schedule.Listen = opts.Listen
	}

	runOpts := &RunOptions{RootOptions: opts.RootOptions, PastDays: -1, FutureDays: -1}
	sched, err := schedule.New(cfg.Schedule.Cron, func(ctx context.Context) error {
		return runOnce(ctx, runOpts, out)
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid schedule", err)
	}

	// A sync that has not succeeded for three intervals is reported stale.
	interval := sched.Next(sched.Next(time.Now())).Sub(sched.Next(time.Now()))
	srv := web.NewServer(cfg, web.WithStaleAfter(3*interval))

	appLog.Info("calbridge serving",
		"schedule", cfg.Schedule.Cron,
		"listen", cfg.Schedule.Listen,
		"calendar_id", cfg.CalendarID)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.StartServer(ctx) })
	g.Go(func() error { return sched.Run(ctx, !opts.NoInitialRun) })
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "serve stopped", err)
	}
	return nil
}
