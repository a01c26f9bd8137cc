package dedupe

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calbridge/internal/identity"
	"calbridge/internal/index"
	"calbridge/internal/model"
	"calbridge/internal/remote"
	"calbridge/internal/remote/memory"
	"calbridge/internal/state"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func ent(id, key, summary string, managed bool, createdSec int) model.RemoteEntity {
	return model.RemoteEntity{
		RemoteID: id,
		Key:      key,
		Summary:  summary,
		Managed:  managed,
		Created:  epoch.Add(time.Duration(createdSec) * time.Second),
	}
}

func reportFixture() ([]model.RemoteEntity, map[string]model.StateEntry) {
	const s1 = "S1|20240305T090000"
	const s9 = "S9|20240306T100000"
	entities := []model.RemoteEntity{
		ent("evt0001", s1, "Standup", true, 1),
		ent("evt0002", s1, "Standup", true, 2),
		ent("evt0003", s1, "Standup", true, 3),
		ent("evt0004", s9, "Review", false, 4),
		ent("evt0005", s9, "Review", true, 5),
		ent("evt0006", "SOLO|20240307T100000", "Solo", true, 6),
	}
	st := map[string]model.StateEntry{s1: {RemoteID: "evt0002", ContentHash: "h"}}
	return entities, st
}

func TestSurvivorPrefersStateEntry(t *testing.T) {
	entities, st := reportFixture()
	p := Build(entities, st)

	require.Len(t, p.Groups, 2)
	g := p.Groups[0]
	assert.Equal(t, "S1|20240305T090000", g.Key)
	assert.Equal(t, "evt0002", g.Keep.RemoteID)
	assert.Equal(t, ReasonState, g.KeepReason)
	require.Len(t, g.Delete, 2)
	assert.Equal(t, "evt0001", g.Delete[0].RemoteID)
	assert.Equal(t, "evt0003", g.Delete[1].RemoteID)
	assert.Equal(t, 2, p.Deletions())
}

func TestSurvivorOldestManagedThenFirst(t *testing.T) {
	const k = "K|20240305T090000"

	p := Build([]model.RemoteEntity{
		ent("new", k, "", true, 30),
		ent("old", k, "", true, 10),
		ent("older-unmanaged", k, "", false, 1),
	}, nil)
	require.Len(t, p.Groups, 1)
	assert.Equal(t, "old", p.Groups[0].Keep.RemoteID)
	assert.Equal(t, ReasonOldest, p.Groups[0].KeepReason)
	assert.Len(t, p.Groups[0].Delete, 1)
	assert.Len(t, p.Groups[0].Spared, 1)

	noCreated := Build([]model.RemoteEntity{
		{RemoteID: "a", Key: k, Managed: true},
		{RemoteID: "b", Key: k, Managed: true, Created: epoch},
	}, nil)
	assert.Equal(t, "b", noCreated.Groups[0].Keep.RemoteID)

	unmanaged := Build([]model.RemoteEntity{
		{RemoteID: "x", Key: k},
		{RemoteID: "y", Key: k},
	}, nil)
	assert.Equal(t, "x", unmanaged.Groups[0].Keep.RemoteID)
	assert.Equal(t, ReasonFirst, unmanaged.Groups[0].KeepReason)
	assert.Empty(t, unmanaged.Groups[0].Delete)
	assert.Equal(t, 0, unmanaged.Deletions())
}

func TestDryRunReportGolden(t *testing.T) {
	color.NoColor = true
	entities, st := reportFixture()

	var buf bytes.Buffer
	WriteReport(&buf, Build(entities, st), false)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "dry_run_report", buf.Bytes())
}

func TestReportNothingToDelete(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	WriteReport(&buf, Plan{Scanned: 3}, false)
	assert.Equal(t, "Scanned 3 entities: 0 duplicated key(s), 0 planned deletion(s)\n\nNothing to delete.\n", buf.String())
}

func setupReconciler(t *testing.T) (*Reconciler, *memory.Client, state.Store, model.Window) {
	t.Helper()
	client := memory.New()
	store, err := state.OpenJSON(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	retrier := remote.NewRetrier(remote.Policy{}, remote.WithSleep(func(context.Context, time.Duration) error { return nil }))
	ix := index.New(client, retrier, identity.NewResolver(time.UTC), 0)
	w := model.Window{Start: epoch, End: epoch.AddDate(1, 0, 0)}
	return NewReconciler(ix, client, retrier, store), client, store, w
}

func seedDuplicates(client *memory.Client, n int) []string {
	start := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	var entities []model.RemoteEntity
	for i := 0; i < n; i++ {
		entities = append(entities, model.RemoteEntity{
			Summary: "Standup",
			Start:   start,
			End:     start.Add(time.Hour),
			Tags: map[string]string{
				identity.TagKey:    "S1|20240305T140000",
				identity.TagUID:    "S1",
				identity.TagSource: identity.SourceMarker,
			},
		})
	}
	return client.Seed(entities...)
}

func TestApplyKeepsStateSurvivor(t *testing.T) {
	r, client, store, w := setupReconciler(t)
	ids := seedDuplicates(client, 3)
	require.NoError(t, store.Put("S1|20240305T140000", model.StateEntry{RemoteID: ids[2], ContentHash: "h"}))

	ctx := context.Background()
	p, err := r.Plan(ctx, w)
	require.NoError(t, err)
	require.Len(t, p.Groups, 1)
	assert.Equal(t, ids[2], p.Groups[0].Keep.RemoteID)
	assert.ElementsMatch(t, []string{ids[0], ids[1]}, []string{p.Groups[0].Delete[0].RemoteID, p.Groups[0].Delete[1].RemoteID})

	res, err := r.Apply(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)
	assert.Equal(t, 0, res.Repointed)

	left := client.Entities()
	require.Len(t, left, 1)
	assert.Equal(t, ids[2], left[0].RemoteID)
	st, _ := store.Get("S1|20240305T140000")
	assert.Equal(t, "h", st.ContentHash)
}

func TestApplyRepointsState(t *testing.T) {
	r, client, store, w := setupReconciler(t)
	ids := seedDuplicates(client, 2)
	require.NoError(t, store.Put("S1|20240305T140000", model.StateEntry{RemoteID: "long-gone", ContentHash: "h"}))

	ctx := context.Background()
	p, err := r.Plan(ctx, w)
	require.NoError(t, err)
	res, err := r.Apply(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Repointed)
	st, _ := store.Get("S1|20240305T140000")
	assert.Equal(t, model.StateEntry{RemoteID: ids[0]}, st)
}

func TestApplyCountsFailures(t *testing.T) {
	r, client, _, w := setupReconciler(t)
	seedDuplicates(client, 3)
	ctx := context.Background()
	p, err := r.Plan(ctx, w)
	require.NoError(t, err)

	client.SetFault(func(op, _ string, _ model.RemoteEntity) error {
		if op == "delete" {
			return &remote.Error{Kind: remote.KindPermanent, Status: 403}
		}
		return nil
	})
	res, err := r.Apply(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, []string{"S1|20240305T140000"}, res.FailedKeys)
	assert.Len(t, client.Entities(), 3)
}

func TestApplyNeverRecordsUnmanagedSurvivor(t *testing.T) {
	r, client, store, w := setupReconciler(t)
	seedDuplicates(client, 2)
	start := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)
	foreign := model.RemoteEntity{
		Summary: "Shared",
		Start:   start,
		End:     start.Add(time.Hour),
		Tags:    map[string]string{identity.TagUID: "U1"},
	}
	client.Seed(foreign, foreign)

	ctx := context.Background()
	p, err := r.Plan(ctx, w)
	require.NoError(t, err)
	require.Len(t, p.Groups, 2)

	res, err := r.Apply(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Repointed)

	_, ok := store.Get("U1|20240305T150000")
	assert.False(t, ok)
	assert.Len(t, client.Entities(), 3)
}

func TestApplySkipsRepointWithoutDeletions(t *testing.T) {
	r, _, store, _ := setupReconciler(t)
	const key = "S1|20240305T140000"
	p := Plan{Groups: []Group{{
		Key:    key,
		Keep:   ent("evt0001", key, "Standup", true, 1),
		Spared: []model.RemoteEntity{ent("evt0002", key, "Standup", false, 2)},
	}}}

	res, err := r.Apply(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Repointed)
	_, ok := store.Get(key)
	assert.False(t, ok)
}
