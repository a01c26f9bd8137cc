// Package dedupe finds remote entities that collide on one IdentityKey and
// removes all but a single survivor per key.
package dedupe

import (
	"context"
	"fmt"
	"sort"

	"calbridge/internal/index"
	appLog "calbridge/internal/log"
	"calbridge/internal/model"
	"calbridge/internal/remote"
	"calbridge/internal/state"
)

// Survivor selection reasons.
const (
	ReasonState  = "in state"
	ReasonOldest = "oldest managed"
	ReasonFirst  = "first listed"
)

// Group is the decision for one duplicated key.
type Group struct {
	Key        string
	Keep       model.RemoteEntity
	KeepReason string
	// Delete holds managed non-survivors.
	Delete []model.RemoteEntity
	// Spared holds unmanaged non-survivors; they are never deleted.
	Spared []model.RemoteEntity
}

// Plan lists every duplicated key, sorted.
type Plan struct {
	Scanned int
	Groups  []Group
}

func (p Plan) Deletions() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g.Delete)
	}
	return n
}

// Build groups entities by key and picks survivors.
func Build(entities []model.RemoteEntity, st map[string]model.StateEntry) Plan {
	byKey := map[string][]model.RemoteEntity{}
	for _, e := range entities {
		if e.Key == "" {
			continue
		}
		byKey[e.Key] = append(byKey[e.Key], e)
	}

	plan := Plan{Scanned: len(entities)}
	for key, members := range byKey {
		if len(members) < 2 {
			continue
		}
		keep, reason := survivor(members, st[key].RemoteID)
		g := Group{Key: key, Keep: members[keep], KeepReason: reason}
		for i, e := range members {
			if i == keep {
				continue
			}
			if e.Managed {
				g.Delete = append(g.Delete, e)
			} else {
				g.Spared = append(g.Spared, e)
			}
		}
		plan.Groups = append(plan.Groups, g)
	}
	sort.Slice(plan.Groups, func(i, j int) bool { return plan.Groups[i].Key < plan.Groups[j].Key })
	return plan
}

// survivor returns the index of the member to keep: the one recorded in
// state, else the oldest-created managed one, else the first listed.
func survivor(members []model.RemoteEntity, stateID string) (int, string) {
	if stateID != "" {
		for i, e := range members {
			if e.RemoteID == stateID {
				return i, ReasonState
			}
		}
	}
	best := -1
	for i, e := range members {
		if !e.Managed {
			continue
		}
		if best < 0 || olderThan(e, members[best]) {
			best = i
		}
	}
	if best >= 0 {
		return best, ReasonOldest
	}
	return 0, ReasonFirst
}

func olderThan(a, b model.RemoteEntity) bool {
	if a.Created.IsZero() {
		return false
	}
	if b.Created.IsZero() {
		return true
	}
	return a.Created.Before(b.Created)
}

// Result reports an applied plan.
type Result struct {
	Deleted    int
	Failed     int
	Repointed  int
	FailedKeys []string
}

type Reconciler struct {
	indexer *index.Indexer
	client  remote.Client
	retrier *remote.Retrier
	store   state.Store
}

func NewReconciler(indexer *index.Indexer, client remote.Client, retrier *remote.Retrier, store state.Store) *Reconciler {
	return &Reconciler{indexer: indexer, client: client, retrier: retrier, store: store}
}

// Plan scans the remote window and builds the dedupe plan.
func (r *Reconciler) Plan(ctx context.Context, w model.Window) (Plan, error) {
	entities, err := r.indexer.Scan(ctx, w)
	if err != nil {
		return Plan{}, fmt.Errorf("scan remote: %w", err)
	}
	return Build(entities, r.store.Entries()), nil
}

// Apply deletes the planned entities and points each state entry at its
// survivor. Failures are counted and the remaining groups still run.
func (r *Reconciler) Apply(ctx context.Context, p Plan) (Result, error) {
	var res Result
	for _, g := range p.Groups {
		groupFailed := false
		for _, e := range g.Delete {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			out := r.retrier.Do(ctx, "delete", func(ctx context.Context) error {
				return r.client.Delete(ctx, e.RemoteID)
			})
			if !out.OK() && !out.Kind.Absent() {
				appLog.Error("duplicate delete failed", out.Err, "key", g.Key, "remote_id", e.RemoteID)
				res.Failed++
				groupFailed = true
				continue
			}
			res.Deleted++
			appLog.Info("duplicate deleted", "key", g.Key, "remote_id", e.RemoteID)
		}
		if groupFailed {
			res.FailedKeys = append(res.FailedKeys, g.Key)
		}

		// State may only ever name managed entities: a state entry makes its
		// id deletable once the key stops being listed.
		if !g.Keep.Managed || len(g.Delete) == 0 {
			continue
		}
		cur, ok := r.store.Get(g.Key)
		if ok && cur.RemoteID == g.Keep.RemoteID {
			continue
		}
		// The content hash belongs to whichever entity state pointed at;
		// dropping it makes the next run compare live fields and adopt.
		if err := r.store.Put(g.Key, model.StateEntry{RemoteID: g.Keep.RemoteID}); err != nil {
			return res, fmt.Errorf("repoint state for %s: %w", g.Key, err)
		}
		res.Repointed++
	}
	return res, nil
}
