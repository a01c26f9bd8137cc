// Package apply executes a diff plan against the remote calendar, one
// operation at a time, persisting state after every confirmed success.
package apply

import (
	"context"
	"fmt"

	"calbridge/internal/diff"
	"calbridge/internal/identity"
	appLog "calbridge/internal/log"
	"calbridge/internal/model"
	"calbridge/internal/remote"
	"calbridge/internal/state"
)

const progressEvery = 50

// Outcome labels reported to the Recorder.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeDemoted = "demoted"
	OutcomeAbsent  = "already_absent"
	OutcomeAdopted = "adopted"
	OutcomeDryRun  = "dry_run"
)

// Recorder receives one call per finished operation.
type Recorder interface {
	ObserveOperation(kind, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string) {}

// Failure describes one operation that did not converge.
type Failure struct {
	Kind diff.Kind
	Key  string
	Err  error
}

// Summary counts what a run did.
type Summary struct {
	Created int
	Updated int
	Skipped int
	Deleted int
	Failed  int

	// Adopted is the subset of Skipped that wrote a state entry.
	Adopted int
	// Demoted counts updates that became creates because the entity was gone.
	Demoted int

	Failures []Failure
}

func (s Summary) OK() bool { return s.Failed == 0 }

func (s Summary) String() string {
	return fmt.Sprintf("created=%d updated=%d skipped=%d deleted=%d failed=%d",
		s.Created, s.Updated, s.Skipped, s.Deleted, s.Failed)
}

type Applier struct {
	client   remote.Client
	retrier  *remote.Retrier
	store    state.Store
	recorder Recorder
	log      *appLog.Logger
	dryRun   bool
}

type Option func(*Applier)

func WithDryRun(on bool) Option {
	return func(a *Applier) { a.dryRun = on }
}

func WithRecorder(r Recorder) Option {
	return func(a *Applier) {
		if r != nil {
			a.recorder = r
		}
	}
}

func WithLogger(l *appLog.Logger) Option {
	return func(a *Applier) {
		if l != nil {
			a.log = l
		}
	}
}

func New(client remote.Client, retrier *remote.Retrier, store state.Store, opts ...Option) *Applier {
	a := &Applier{
		client:   client,
		retrier:  retrier,
		store:    store,
		recorder: nopRecorder{},
		log:      appLog.With(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply runs plan in order. A failing operation is recorded and the batch
// continues; only context cancellation stops it early, and then the returned
// summary covers the operations that ran.
func (a *Applier) Apply(ctx context.Context, plan diff.Plan) (Summary, error) {
	var sum Summary
	total := plan.Changes()
	done := 0

	for _, op := range plan.Ops {
		if err := ctx.Err(); err != nil {
			a.log.Warn("apply interrupted", "done", done, "total", total)
			return sum, err
		}

		switch op.Kind {
		case diff.Skip:
			a.skip(op, &sum)
			continue
		case diff.Create:
			a.create(ctx, op, &sum)
		case diff.Update:
			a.update(ctx, op, &sum)
		case diff.Delete:
			a.delete(ctx, op, &sum)
		}

		done++
		if done%progressEvery == 0 {
			a.log.Info("apply progress", "done", done, "total", total, "failed", sum.Failed)
		}
	}
	return sum, nil
}

func (a *Applier) skip(op diff.Op, sum *Summary) {
	sum.Skipped++
	if !op.Adopt {
		a.recorder.ObserveOperation("skip", OutcomeOK)
		return
	}
	if a.dryRun {
		sum.Adopted++
		a.recorder.ObserveOperation("skip", OutcomeDryRun)
		return
	}
	if err := a.store.Put(op.Key, model.StateEntry{RemoteID: op.RemoteID, ContentHash: op.Hash}); err != nil {
		a.fail(sum, op, fmt.Errorf("record adopted entity: %w", err))
		return
	}
	sum.Adopted++
	a.recorder.ObserveOperation("skip", OutcomeAdopted)
	a.log.Debug("adopted", "key", op.Key, "remote_id", op.RemoteID)
}

func (a *Applier) create(ctx context.Context, op diff.Op, sum *Summary) {
	if a.dryRun {
		sum.Created++
		a.recorder.ObserveOperation("create", OutcomeDryRun)
		a.log.Info("would create", "key", op.Key, "summary", op.Instance.Summary, "reason", op.Reason)
		return
	}
	id, res := a.insert(ctx, op)
	if !res.OK() {
		a.fail(sum, op, res.Err)
		return
	}
	if err := a.store.Put(op.Key, model.StateEntry{RemoteID: id, ContentHash: op.Hash}); err != nil {
		a.fail(sum, op, fmt.Errorf("created %s but failed to record it: %w", id, err))
		return
	}
	sum.Created++
	a.recorder.ObserveOperation("create", OutcomeOK)
	a.log.Debug("created", "key", op.Key, "remote_id", id, "attempts", res.Attempts)
}

func (a *Applier) update(ctx context.Context, op diff.Op, sum *Summary) {
	if a.dryRun {
		sum.Updated++
		a.recorder.ObserveOperation("update", OutcomeDryRun)
		a.log.Info("would update", "key", op.Key, "remote_id", op.RemoteID, "reason", op.Reason)
		return
	}
	entity := entityFor(op.Instance)
	res := a.retrier.Do(ctx, "patch", func(ctx context.Context) error {
		return a.client.Patch(ctx, op.RemoteID, entity)
	})

	id := op.RemoteID
	if res.Kind.Absent() {
		a.log.Info("update target vanished, creating instead", "key", op.Key, "remote_id", op.RemoteID)
		id, res = a.insert(ctx, op)
		if res.OK() {
			sum.Demoted++
			a.recorder.ObserveOperation("update", OutcomeDemoted)
		}
	}
	if !res.OK() {
		a.fail(sum, op, res.Err)
		return
	}
	if err := a.store.Put(op.Key, model.StateEntry{RemoteID: id, ContentHash: op.Hash}); err != nil {
		a.fail(sum, op, fmt.Errorf("updated %s but failed to record it: %w", id, err))
		return
	}
	if id != op.RemoteID {
		sum.Created++
	} else {
		sum.Updated++
		a.recorder.ObserveOperation("update", OutcomeOK)
	}
	a.log.Debug("updated", "key", op.Key, "remote_id", id)
}

func (a *Applier) delete(ctx context.Context, op diff.Op, sum *Summary) {
	if a.dryRun {
		sum.Deleted++
		a.recorder.ObserveOperation("delete", OutcomeDryRun)
		a.log.Info("would delete", "key", op.Key, "remote_id", op.RemoteID, "reason", op.Reason)
		return
	}
	res := a.retrier.Do(ctx, "delete", func(ctx context.Context) error {
		return a.client.Delete(ctx, op.RemoteID)
	})
	outcome := OutcomeOK
	switch {
	case res.OK():
	case res.Kind.Absent():
		outcome = OutcomeAbsent
	default:
		a.fail(sum, op, res.Err)
		return
	}
	if err := a.forget(op); err != nil {
		a.fail(sum, op, fmt.Errorf("deleted %s but failed to drop state: %w", op.RemoteID, err))
		return
	}
	sum.Deleted++
	a.recorder.ObserveOperation("delete", outcome)
	a.log.Debug("deleted", "key", op.Key, "remote_id", op.RemoteID, "outcome", outcome)
}

// forget drops the state entry of op.Key unless it points at a different,
// still desired entity.
func (a *Applier) forget(op diff.Op) error {
	st, ok := a.store.Get(op.Key)
	if !ok {
		return nil
	}
	if st.RemoteID != "" && st.RemoteID != op.RemoteID && !op.StateOnly {
		return nil
	}
	return a.store.Delete(op.Key)
}

func (a *Applier) insert(ctx context.Context, op diff.Op) (string, remote.Result) {
	entity := entityFor(op.Instance)
	var id string
	res := a.retrier.Do(ctx, "insert", func(ctx context.Context) error {
		var err error
		id, err = a.client.Insert(ctx, entity)
		return err
	})
	return id, res
}

func (a *Applier) fail(sum *Summary, op diff.Op, err error) {
	sum.Failed++
	sum.Failures = append(sum.Failures, Failure{Kind: op.Kind, Key: op.Key, Err: err})
	a.recorder.ObserveOperation(op.Kind.String(), OutcomeFailed)
	a.log.Error("operation failed", err, "op", op.Kind, "key", op.Key, "remote_id", op.RemoteID)
}

// entityFor renders inst as the remote payload, tags included.
func entityFor(inst *model.Instance) model.RemoteEntity {
	return model.RemoteEntity{
		Summary:     inst.Summary,
		Description: inst.Description,
		Location:    inst.Location,
		AllDay:      inst.AllDay,
		Start:       inst.Start,
		End:         inst.End,
		Tags:        identity.Tags(*inst),
	}
}
