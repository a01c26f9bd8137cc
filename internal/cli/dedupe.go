package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"calbridge/internal/dedupe"
	"calbridge/internal/model"
)

// DedupeOptions holds flags for the dedupe command.
type DedupeOptions struct {
	*RootOptions
	Apply bool
}

// NewDedupeCommand creates the dedupe command.
func NewDedupeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DedupeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Find and remove duplicate managed entities",
		Long: `Scan the calendar over the sync window and group managed entities that
share an identity key. One entity per key survives: the one state points at,
otherwise the oldest. Untagged entities are listed but never deleted.

Nothing is deleted unless --apply is given.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runDedupe(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.Apply, "apply", false, "delete the planned duplicates")

	return cmd
}

func runDedupe(ctx context.Context, opts *DedupeOptions, out io.Writer) error {
	rt, err := openRuntime(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.close()

	w := model.NewWindow(time.Now(), rt.loc, rt.cfg.Window.PastDays, rt.cfg.Window.FutureDays)
	rec := dedupe.NewReconciler(rt.indexer(), rt.client, rt.retrier, rt.store)

	plan, err := rec.Plan(ctx, w)
	if err != nil {
		return WrapExitError(ExitFailure, "dedupe scan failed", err)
	}
	dedupe.WriteReport(out, plan, opts.Apply)
	if !opts.Apply || plan.Deletions() == 0 {
		return nil
	}

	res, err := rec.Apply(ctx, plan)
	fmt.Fprintf(out, "deleted=%d failed=%d repointed=%d\n", res.Deleted, res.Failed, res.Repointed)
	if err != nil {
		return WrapExitError(ExitFailure, "dedupe aborted", err)
	}
	if res.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d deletion(s) failed", res.Failed))
	}
	return nil
}
