// Package schedule runs a job on a cron schedule with at most one execution
// in flight.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calbridge/internal/log"
)

// Job is one scheduled execution. Its error is logged, never fatal.
type Job func(ctx context.Context) error

type Scheduler struct {
	cron     *cron.Cron
	spec     string
	schedule cron.Schedule
	chain    cron.Chain
	job      Job
}

// New validates spec (standard five-field cron, or descriptors such as
// "@every 15m") and wraps job. A tick that fires while a run is still going
// is skipped.
func New(spec string, job Job) (*Scheduler, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	logger := appLog.CronLogger{}
	return &Scheduler{
		cron:     cron.New(cron.WithLogger(logger)),
		spec:     spec,
		schedule: sched,
		chain:    cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		job:      job,
	}, nil
}

// Next reports when the schedule fires after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run registers the job, optionally executes it once immediately, and blocks
// until ctx is cancelled. It then waits for an in-flight run to finish.
func (s *Scheduler) Run(ctx context.Context, runNow bool) error {
	guarded := s.guard(ctx)
	s.cron.Schedule(s.schedule, guarded)
	s.cron.Start()
	appLog.Info("scheduler started", "schedule", s.spec, "next", s.Next(time.Now()).Format(time.RFC3339))

	var wg sync.WaitGroup
	if runNow {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guarded.Run()
		}()
	}

	<-ctx.Done()
	appLog.Info("scheduler stopping")
	<-s.cron.Stop().Done()
	wg.Wait()
	return nil
}

// guard wraps the job so that scheduled ticks and the immediate run share
// one in-flight slot.
func (s *Scheduler) guard(ctx context.Context) cron.Job {
	return s.chain.Then(cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if err := s.job(ctx); err != nil {
			appLog.Error("scheduled run failed", err, "schedule", s.spec)
		}
	}))
}
