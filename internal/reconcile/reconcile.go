// Package reconcile runs one end-to-end reconciliation: fetch and normalize
// the source feed, index the remote calendar, diff against state and apply.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"calbridge/internal/apply"
	"calbridge/internal/diff"
	"calbridge/internal/ics"
	"calbridge/internal/identity"
	"calbridge/internal/index"
	appLog "calbridge/internal/log"
	"calbridge/internal/metrics"
	"calbridge/internal/model"
	"calbridge/internal/quarantine"
	"calbridge/internal/remote"
	"calbridge/internal/state"
)

// ErrNoInstances aborts a run whose non-empty source produced nothing to
// sync. Proceeding would delete every managed remote entity.
var ErrNoInstances = errors.New("source produced no instances")

// Source yields the raw feed bodies of one run.
type Source interface {
	Fetch(ctx context.Context) ([]ics.FetchResult, error)
}

// Deps is everything a run touches. Nothing is looked up globally.
type Deps struct {
	Feed       Source
	Client     remote.Client
	Store      state.Store
	Retrier    *remote.Retrier
	Resolver   *identity.Resolver
	Quarantine *quarantine.List
	Recorder   apply.Recorder

	PageSize               int
	MaxOccurrencesPerEvent int
	// HealthPath, when set, receives the run record (not written on dry runs).
	HealthPath string

	Now func() time.Time
}

// Options are per-run settings.
type Options struct {
	PastDays   int
	FutureDays int
	DryRun     bool
}

// Report describes a finished (or aborted) run.
type Report struct {
	RunID     string
	Window    model.Window
	Started   time.Time
	Finished  time.Time
	Instances int
	Series    int
	Remote    int
	Planned   map[diff.Kind]int
	Summary   apply.Summary
	DryRun    bool
}

// Run performs one reconciliation. The returned error is non-nil when the
// run aborted; per-operation failures are reported in Report.Summary.
func Run(ctx context.Context, d Deps, opts Options) (Report, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	rep := Report{RunID: uuid.NewString(), Started: now(), DryRun: opts.DryRun}
	log := appLog.With("run_id", rep.RunID)

	err := run(ctx, d, opts, &rep, log)
	rep.Finished = now()

	ok := err == nil && rep.Summary.OK()
	if !opts.DryRun {
		metrics.ObserveRun(rep.Started, rep.Finished, ok)
		if d.HealthPath != "" {
			if _, herr := state.RecordRun(d.HealthPath, healthOf(rep), err); herr != nil {
				log.Warn("failed to write health record", "path", d.HealthPath, "err", herr)
			}
		}
	}

	if err != nil {
		log.Error("run aborted", err, "elapsed", rep.Finished.Sub(rep.Started).Round(time.Millisecond))
		return rep, err
	}
	log.Info("run finished",
		"created", rep.Summary.Created,
		"updated", rep.Summary.Updated,
		"skipped", rep.Summary.Skipped,
		"deleted", rep.Summary.Deleted,
		"failed", rep.Summary.Failed,
		"dry_run", opts.DryRun,
		"elapsed", rep.Finished.Sub(rep.Started).Round(time.Millisecond))
	return rep, nil
}

func run(ctx context.Context, d Deps, opts Options, rep *Report, log *appLog.Logger) error {
	rep.Window = model.NewWindow(rep.Started, d.Resolver.Location(), opts.PastDays, opts.FutureDays)
	log.Info("run started", "window_start", rep.Window.Start.Format(time.RFC3339),
		"window_end", rep.Window.End.Format(time.RFC3339), "dry_run", opts.DryRun)

	results, err := d.Feed.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch source: %w", err)
	}

	var comps []ics.Component
	nonEmpty := false
	for _, r := range results {
		if len(bytes.TrimSpace(r.Body)) == 0 {
			log.Warn("source is empty", "source", r.Source.ID)
			continue
		}
		nonEmpty = true
		parsed, _, err := ics.ParseICS(r.Source, r.Body, d.Resolver.Location())
		if err != nil {
			return fmt.Errorf("%w: source %s failed to parse: %w", ErrNoInstances, r.Source.ID, err)
		}
		comps = append(comps, parsed...)
	}

	expanded, err := ics.ExpandInstances(comps, ics.ExpandConfig{
		Location:               d.Resolver.Location(),
		RangeStart:             rep.Window.Start,
		RangeEnd:               rep.Window.End,
		MaxOccurrencesPerEvent: d.MaxOccurrencesPerEvent,
	})
	if err != nil {
		return fmt.Errorf("expand instances: %w", err)
	}
	rep.Instances = len(expanded.Instances)
	rep.Series = len(expanded.Series)
	log.Info("source normalized", "components", len(comps), "instances", rep.Instances,
		"series", rep.Series, "dropped_series", expanded.Dropped, "duplicates", expanded.Duplicates)

	if rep.Instances == 0 {
		if !nonEmpty {
			return fmt.Errorf("%w: every source was empty; refusing to touch the remote calendar", ErrNoInstances)
		}
		return fmt.Errorf("%w from %d component(s); refusing to touch the remote calendar", ErrNoInstances, len(comps))
	}

	ix, err := index.New(d.Client, d.Retrier, d.Resolver, d.PageSize).Build(ctx, rep.Window)
	if err != nil {
		return fmt.Errorf("index remote: %w", err)
	}
	rep.Remote = ix.Len()

	plan := diff.Compute(diff.Input{
		Desired:    expanded.Instances,
		Index:      ix,
		State:      d.Store.Entries(),
		Quarantine: d.Quarantine,
		Window:     rep.Window,
		Resolver:   d.Resolver,
	})
	rep.Planned = map[diff.Kind]int{}
	for _, k := range []diff.Kind{diff.Create, diff.Update, diff.Delete, diff.Skip} {
		rep.Planned[k] = plan.Count(k)
	}
	log.Info("plan computed", "remote_keys", rep.Remote,
		"create", rep.Planned[diff.Create], "update", rep.Planned[diff.Update],
		"delete", rep.Planned[diff.Delete], "skip", rep.Planned[diff.Skip])

	applier := apply.New(d.Client, d.Retrier, d.Store,
		apply.WithDryRun(opts.DryRun),
		apply.WithRecorder(d.Recorder),
		apply.WithLogger(log))
	rep.Summary, err = applier.Apply(ctx, plan)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	return nil
}

func healthOf(rep Report) state.Health {
	return state.Health{
		RunID:      rep.RunID,
		StartedAt:  rep.Started,
		FinishedAt: rep.Finished,
		Created:    rep.Summary.Created,
		Updated:    rep.Summary.Updated,
		Skipped:    rep.Summary.Skipped,
		Deleted:    rep.Summary.Deleted,
		Failed:     rep.Summary.Failed,
	}
}
