// Package cli holds the cobra commands of calbridge.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"calbridge/internal/config"
	appLog "calbridge/internal/log"
	"calbridge/internal/remote"
	"calbridge/internal/remote/gcal"
)

// ClientFactory builds the remote client for a loaded config.
type ClientFactory func(ctx context.Context, cfg *config.Config, loc *time.Location) (remote.Client, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool

	// NewClient overrides the Google Calendar client (tests).
	NewClient ClientFactory
}

// NewRootCommand creates the root command for the calbridge CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{NewClient: googleClient})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calbridge",
		Short: "One-way ICS to Google Calendar sync",
		Long: `calbridge mirrors the events of one or more ICS feeds into a Google
Calendar. Entities it creates are tagged so later runs update and delete
exactly those, and never touch anything else on the calendar.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", defaultConfigPath(), "path to config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewDedupeCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

// Execute runs the root command and exits with its code.
func Execute() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(GetExitCode(err))
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("CALBRIDGE_CONFIG"); p != "" {
		return p
	}
	return "/etc/calbridge/config.yaml"
}

// loadConfig reads the config and applies the log level; --verbose wins.
func loadConfig(opts *RootOptions) (*config.Config, *time.Location, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	if opts.Verbose {
		appLog.SetLevel(appLog.LevelDebug)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid timezone", err)
	}
	return cfg, loc, nil
}

func googleClient(ctx context.Context, cfg *config.Config, loc *time.Location) (remote.Client, error) {
	httpClient, err := gcal.NewHTTPClient(ctx, cfg.Google.CredentialsFile, cfg.Google.TokenFile)
	if err != nil {
		return nil, err
	}
	client, err := gcal.New(ctx, httpClient, cfg.CalendarID, loc, cfg.Google.PageSize)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
