package diff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calbridge/internal/identity"
	"calbridge/internal/index"
	"calbridge/internal/model"
	"calbridge/internal/quarantine"
	"calbridge/internal/remote"
	"calbridge/internal/remote/memory"
)

type fixture struct {
	t        *testing.T
	resolver *identity.Resolver
	ny       *time.Location
	client   *memory.Client
	window   model.Window
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return &fixture{
		t:        t,
		resolver: identity.NewResolver(ny),
		ny:       ny,
		client:   memory.New(),
		window: model.Window{
			Start: time.Date(2024, 3, 1, 0, 0, 0, 0, ny),
			End:   time.Date(2024, 4, 1, 0, 0, 0, 0, ny),
		},
	}
}

func (f *fixture) instance(uid string, day, hour int, summary string) model.Instance {
	start := time.Date(2024, 3, day, hour, 0, 0, 0, f.ny)
	return model.Instance{
		SourceUID: uid,
		Key:       f.resolver.Key(uid, start, false),
		Summary:   summary,
		Start:     start,
		End:       start.Add(time.Hour),
	}
}

// echo stores inst on the remote the way a previous run would have.
func (f *fixture) echo(inst model.Instance) string {
	ids := f.client.Seed(model.RemoteEntity{
		Summary: inst.Summary,
		Start:   inst.Start.UTC(),
		End:     inst.End.UTC(),
		Tags:    identity.Tags(inst),
	})
	return ids[0]
}

func (f *fixture) index() *index.Index {
	r := remote.NewRetrier(remote.Policy{})
	ix, err := index.New(f.client, r, f.resolver, 0).Build(context.Background(), f.window)
	require.NoError(f.t, err)
	return ix
}

func (f *fixture) plan(desired []model.Instance, state map[string]model.StateEntry, q *quarantine.List) Plan {
	return Compute(Input{
		Desired:    desired,
		Index:      f.index(),
		State:      state,
		Quarantine: q,
		Window:     f.window,
		Resolver:   f.resolver,
	})
}

func opFor(t *testing.T, p Plan, key string) Op {
	t.Helper()
	for _, op := range p.Ops {
		if op.Key == key {
			return op
		}
	}
	t.Fatalf("no op for %s", key)
	return Op{}
}

func TestCreateUpdateSkip(t *testing.T) {
	f := newFixture(t)
	fresh := f.instance("NEW", 5, 9, "New")
	same := f.instance("SAME", 6, 9, "Same")
	changed := f.instance("CHG", 7, 9, "Changed")

	sameID := f.echo(same)
	old := changed
	old.Summary = "Old title"
	chgID := f.echo(old)

	state := map[string]model.StateEntry{
		same.Key:    {RemoteID: sameID, ContentHash: Fingerprint(InstanceFields(same))},
		changed.Key: {RemoteID: chgID, ContentHash: Fingerprint(InstanceFields(old))},
	}

	p := f.plan([]model.Instance{fresh, same, changed}, state, nil)
	require.Len(t, p.Ops, 3)

	assert.Equal(t, Create, opFor(t, p, fresh.Key).Kind)
	skip := opFor(t, p, same.Key)
	assert.Equal(t, Skip, skip.Kind)
	assert.False(t, skip.Adopt)
	upd := opFor(t, p, changed.Key)
	assert.Equal(t, Update, upd.Kind)
	assert.Equal(t, chgID, upd.RemoteID)

	assert.Equal(t, 2, p.Changes())
	// Ordering: create, update, skip.
	assert.Equal(t, []Kind{Create, Update, Skip}, []Kind{p.Ops[0].Kind, p.Ops[1].Kind, p.Ops[2].Kind})
}

func TestStaleStateBecomesCreate(t *testing.T) {
	f := newFixture(t)
	inst := f.instance("GONE", 5, 9, "x")
	state := map[string]model.StateEntry{inst.Key: {RemoteID: "deleted-by-hand", ContentHash: "h"}}

	p := f.plan([]model.Instance{inst}, state, nil)
	require.Len(t, p.Ops, 1)
	assert.Equal(t, Create, p.Ops[0].Kind)
	assert.Equal(t, "remote entity missing", p.Ops[0].Reason)
}

func TestMissingHashComparesLiveFields(t *testing.T) {
	f := newFixture(t)
	match := f.instance("M", 5, 9, "Match")
	differ := f.instance("D", 6, 9, "Differ")
	matchID := f.echo(match)
	stale := differ
	stale.Summary = "stale"
	f.echo(stale)

	p := f.plan([]model.Instance{match, differ}, map[string]model.StateEntry{
		match.Key: {RemoteID: matchID},
	}, nil)

	m := opFor(t, p, match.Key)
	assert.Equal(t, Skip, m.Kind)
	assert.True(t, m.Adopt)
	assert.Equal(t, matchID, m.RemoteID)

	assert.Equal(t, Update, opFor(t, p, differ.Key).Kind)
	assert.Equal(t, 0, f.client.Calls("insert")+f.client.Calls("patch"))
}

func TestStateIDMismatchIsAdopted(t *testing.T) {
	f := newFixture(t)
	inst := f.instance("S", 5, 9, "x")
	id := f.echo(inst)

	p := f.plan([]model.Instance{inst}, map[string]model.StateEntry{
		inst.Key: {RemoteID: "older-id", ContentHash: Fingerprint(InstanceFields(inst))},
	}, nil)
	op := opFor(t, p, inst.Key)
	assert.Equal(t, Skip, op.Kind)
	assert.True(t, op.Adopt)
	assert.Equal(t, id, op.RemoteID)
}

func TestUntaggedMatchIsUpdatedToStampTags(t *testing.T) {
	f := newFixture(t)
	inst := f.instance("LEGACY", 5, 9, "x")
	f.client.Seed(model.RemoteEntity{
		Summary: inst.Summary, Start: inst.Start, End: inst.End,
		Tags: map[string]string{identity.TagUID: inst.SourceUID},
	})

	p := f.plan([]model.Instance{inst}, nil, nil)
	op := opFor(t, p, inst.Key)
	assert.Equal(t, Update, op.Kind)
	assert.Equal(t, "adopting untagged entity", op.Reason)
}

func TestDeleteSafety(t *testing.T) {
	f := newFixture(t)
	ours := f.instance("OURS", 5, 9, "x")
	oursID := f.echo(ours)

	// Unmanaged entity whose legacy tag collides with a quarantined UID.
	foreign := f.instance("BAD", 6, 9, "x")
	f.client.Seed(model.RemoteEntity{
		Start: foreign.Start, End: foreign.End,
		Tags: map[string]string{identity.TagUID: "BAD"},
	})

	p := f.plan(nil, nil, quarantine.New("BAD"))
	require.Len(t, p.Ops, 1)
	assert.Equal(t, Delete, p.Ops[0].Kind)
	assert.Equal(t, oursID, p.Ops[0].RemoteID)
	for _, op := range p.Ops {
		assert.NotEqual(t, foreign.Key, op.Key)
	}
}

func TestQuarantinedManagedEntityIsDeleted(t *testing.T) {
	f := newFixture(t)
	bad := f.instance("BAD", 5, 9, "x")
	good := f.instance("GOOD", 6, 9, "y")
	badID := f.echo(bad)
	goodID := f.echo(good)

	state := map[string]model.StateEntry{
		bad.Key:  {RemoteID: badID, ContentHash: Fingerprint(InstanceFields(bad))},
		good.Key: {RemoteID: goodID, ContentHash: Fingerprint(InstanceFields(good))},
	}
	p := f.plan([]model.Instance{bad, good}, state, quarantine.New("BAD"))

	assert.Equal(t, Delete, opFor(t, p, bad.Key).Kind)
	assert.Equal(t, Skip, opFor(t, p, good.Key).Kind)
}

func TestStateOnlyKeys(t *testing.T) {
	f := newFixture(t)
	inWindow := f.instance("IN", 10, 9, "x")
	outside := f.resolver.Key("OUT", time.Date(2023, 1, 1, 9, 0, 0, 0, f.ny), false)

	p := f.plan(nil, map[string]model.StateEntry{
		inWindow.Key: {RemoteID: "r-in"},
		outside:      {RemoteID: "r-out"},
		"malformed":  {RemoteID: "r-bad"},
	}, nil)

	require.Len(t, p.Ops, 1)
	assert.Equal(t, Delete, p.Ops[0].Kind)
	assert.True(t, p.Ops[0].StateOnly)
	assert.Equal(t, "r-in", p.Ops[0].RemoteID)
}

func TestDuplicateManagedEntitiesAllDeletedWhenUndesired(t *testing.T) {
	f := newFixture(t)
	inst := f.instance("DUP", 5, 9, "x")
	f.echo(inst)
	f.echo(inst)

	p := f.plan(nil, nil, nil)
	assert.Equal(t, 2, p.Count(Delete))
}

func TestCancelledInstancesAreNotDesired(t *testing.T) {
	f := newFixture(t)
	inst := f.instance("C", 5, 9, "x")
	inst.Cancelled = true
	p := f.plan([]model.Instance{inst}, nil, nil)
	assert.Empty(t, p.Ops)
}

func TestIdempotentSecondPlan(t *testing.T) {
	f := newFixture(t)
	insts := []model.Instance{f.instance("A", 5, 9, "a"), f.instance("B", 6, 10, "b")}
	state := map[string]model.StateEntry{}
	for _, in := range insts {
		state[in.Key] = model.StateEntry{RemoteID: f.echo(in), ContentHash: Fingerprint(InstanceFields(in))}
	}

	p := f.plan(insts, state, nil)
	assert.Equal(t, 0, p.Changes())
	assert.Equal(t, 2, p.Count(Skip))
}
