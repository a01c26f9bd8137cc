package cli

import (
	"context"
	"errors"
	"time"

	"calbridge/internal/config"
	"calbridge/internal/ics"
	"calbridge/internal/identity"
	"calbridge/internal/index"
	appLog "calbridge/internal/log"
	"calbridge/internal/metrics"
	"calbridge/internal/quarantine"
	"calbridge/internal/reconcile"
	"calbridge/internal/remote"
	"calbridge/internal/state"
)

// lockStaleAfter is how old a lock file must be before a new run assumes
// its holder crashed.
const lockStaleAfter = 6 * time.Hour

// runtime is everything a command needs once config is loaded. close
// releases the lock and the state store.
type runtime struct {
	cfg        *config.Config
	loc        *time.Location
	lock       *state.Lock
	store      state.Store
	client     remote.Client
	retrier    *remote.Retrier
	resolver   *identity.Resolver
	quarantine *quarantine.List
}

func openRuntime(ctx context.Context, opts *RootOptions) (*runtime, error) {
	cfg, loc, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, loc: loc, resolver: identity.NewResolver(loc)}

	rt.lock, err = state.AcquireLock(cfg.State.LockPath, lockStaleAfter)
	if err != nil {
		if errors.Is(err, state.ErrLocked) {
			return nil, WrapExitError(ExitCommandError, "another run is in progress", err)
		}
		return nil, WrapExitError(ExitCommandError, "failed to acquire lock", err)
	}

	rt.store, err = state.Open(cfg.State.Backend, cfg.State.Path)
	if err != nil {
		rt.close()
		return nil, WrapExitError(ExitCommandError, "failed to open state", err)
	}

	rt.quarantine, err = quarantine.Load(cfg.QuarantinePath)
	if err != nil {
		rt.close()
		return nil, WrapExitError(ExitCommandError, "failed to load quarantine list", err)
	}

	factory := opts.NewClient
	if factory == nil {
		factory = googleClient
	}
	rt.client, err = factory(ctx, cfg, loc)
	if err != nil {
		rt.close()
		return nil, WrapExitError(ExitCommandError, "failed to create calendar client", err)
	}

	rt.retrier = remote.NewRetrier(remote.Policy{
		SteadyDelay: cfg.Pacing.SteadyDelay,
		BaseBackoff: cfg.Pacing.BaseBackoff,
		MaxBackoff:  cfg.Pacing.MaxBackoff,
		MaxAttempts: cfg.Pacing.MaxAttempts,
	}, remote.WithObserver(metrics.Recorder{}))

	appLog.Debug("runtime ready",
		"calendar_id", cfg.CalendarID,
		"timezone", loc.String(),
		"sources", len(cfg.Sources),
		"state_backend", cfg.State.Backend,
		"state_path", cfg.State.Path,
		"quarantined", rt.quarantine.Len())
	return rt, nil
}

func (rt *runtime) close() {
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			appLog.Warn("failed to close state store", "err", err)
		}
	}
	if err := rt.lock.Release(); err != nil {
		appLog.Warn("failed to release lock", "path", rt.cfg.State.LockPath, "err", err)
	}
}

func (rt *runtime) feed() *ics.Feed {
	sources := make([]ics.Source, 0, len(rt.cfg.Sources))
	for _, s := range rt.cfg.Sources {
		sources = append(sources, ics.Source{ID: s.ID, Path: s.Path, URL: s.URL})
	}
	return ics.NewFeed(ics.NewFetcher(rt.cfg.CacheDir), sources)
}

func (rt *runtime) reconcileDeps() reconcile.Deps {
	return reconcile.Deps{
		Feed:                   rt.feed(),
		Client:                 rt.client,
		Store:                  rt.store,
		Retrier:                rt.retrier,
		Resolver:               rt.resolver,
		Quarantine:             rt.quarantine,
		Recorder:               metrics.Recorder{},
		PageSize:               rt.cfg.Google.PageSize,
		MaxOccurrencesPerEvent: rt.cfg.MaxOccurrencesPerEvent,
		HealthPath:             rt.cfg.State.HealthPath,
	}
}

func (rt *runtime) indexer() *index.Indexer {
	return index.New(rt.client, rt.retrier, rt.resolver, rt.cfg.Google.PageSize)
}
