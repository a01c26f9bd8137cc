// Package index pages through the remote calendar and keys every entity it
// can attribute to a source event.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"calbridge/internal/identity"
	appLog "calbridge/internal/log"
	"calbridge/internal/model"
	"calbridge/internal/remote"
)

const defaultMaxRestarts = 3

var errCursorExpired = errors.New("page cursor expired")

// Index groups remote entities by IdentityKey.
type Index struct {
	groups map[string][]model.RemoteEntity
	order  []string
}

func newIndex(entities []model.RemoteEntity) *Index {
	ix := &Index{groups: map[string][]model.RemoteEntity{}}
	for _, e := range entities {
		if _, ok := ix.groups[e.Key]; !ok {
			ix.order = append(ix.order, e.Key)
		}
		ix.groups[e.Key] = append(ix.groups[e.Key], e)
	}
	return ix
}

// Get returns the representative for key: the first managed entity, else the
// first one listed.
func (ix *Index) Get(key string) (model.RemoteEntity, bool) {
	g := ix.groups[key]
	if len(g) == 0 {
		return model.RemoteEntity{}, false
	}
	for _, e := range g {
		if e.Managed {
			return e, true
		}
	}
	return g[0], true
}

// Pick returns the entity with remoteID under key when present, else Get.
func (ix *Index) Pick(key, remoteID string) (model.RemoteEntity, bool) {
	if remoteID != "" {
		for _, e := range ix.groups[key] {
			if e.RemoteID == remoteID {
				return e, true
			}
		}
	}
	return ix.Get(key)
}

// Group returns every entity listed under key, in listing order.
func (ix *Index) Group(key string) []model.RemoteEntity {
	return append([]model.RemoteEntity(nil), ix.groups[key]...)
}

// Keys returns all keys in first-seen order.
func (ix *Index) Keys() []string {
	return append([]string(nil), ix.order...)
}

func (ix *Index) Len() int {
	return len(ix.groups)
}

// Duplicates returns the sorted keys listed more than once.
func (ix *Index) Duplicates() []string {
	var out []string
	for k, g := range ix.groups {
		if len(g) > 1 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Indexer lists the remote calendar through the shared Retrier.
type Indexer struct {
	client      remote.Client
	retrier     *remote.Retrier
	resolver    *identity.Resolver
	pageSize    int
	maxRestarts int
}

func New(client remote.Client, retrier *remote.Retrier, resolver *identity.Resolver, pageSize int) *Indexer {
	return &Indexer{
		client:      client,
		retrier:     retrier,
		resolver:    resolver,
		pageSize:    pageSize,
		maxRestarts: defaultMaxRestarts,
	}
}

// ResolveKey derives the IdentityKey of e: the native UID with its start,
// then the syncKey tag, then the icalUID tag with its start. An empty result
// means the entity cannot be attributed and is ignored.
func (x *Indexer) ResolveKey(e model.RemoteEntity) string {
	if e.NativeUID != "" {
		return x.resolver.Key(e.NativeUID, e.Start, e.AllDay)
	}
	if k := e.Tags[identity.TagKey]; k != "" {
		if _, _, _, err := x.resolver.ParseKey(k); err == nil {
			return k
		}
	}
	if uid := e.Tags[identity.TagUID]; uid != "" {
		return x.resolver.Key(uid, e.Start, e.AllDay)
	}
	return ""
}

// Scan lists every keyed entity overlapping w, duplicates included. An
// expired cursor restarts the listing from the first page.
func (x *Indexer) Scan(ctx context.Context, w model.Window) ([]model.RemoteEntity, error) {
	for restarts := 0; ; restarts++ {
		entities, err := x.scanOnce(ctx, w)
		if err == nil {
			return entities, nil
		}
		if !errors.Is(err, errCursorExpired) || restarts >= x.maxRestarts {
			return nil, err
		}
		appLog.Warn("remote listing cursor expired, restarting scan", "restart", restarts+1)
	}
}

// Build scans and groups the result by key.
func (x *Indexer) Build(ctx context.Context, w model.Window) (*Index, error) {
	entities, err := x.Scan(ctx, w)
	if err != nil {
		return nil, err
	}
	ix := newIndex(entities)
	if dups := ix.Duplicates(); len(dups) > 0 {
		appLog.Warn("remote calendar holds duplicate entities; run `calbridge dedupe`", "keys", len(dups))
	}
	return ix, nil
}

func (x *Indexer) scanOnce(ctx context.Context, w model.Window) ([]model.RemoteEntity, error) {
	var (
		out     []model.RemoteEntity
		seen    = map[string]bool{}
		token   string
		pages   int
		ignored int
	)
	for {
		req := remote.ListRequest{TimeMin: w.Start, TimeMax: w.End, PageToken: token, PageSize: x.pageSize}
		var page remote.Page
		res := x.retrier.Do(ctx, "list", func(ctx context.Context) error {
			var err error
			page, err = x.client.List(ctx, req)
			return err
		})
		if !res.OK() {
			if res.Kind == remote.KindGone && token != "" {
				return nil, fmt.Errorf("%w: %w", errCursorExpired, res.Err)
			}
			return nil, fmt.Errorf("list remote events: %w", res.Err)
		}
		pages++

		for _, e := range page.Entities {
			if e.RemoteID == "" || seen[e.RemoteID] {
				continue
			}
			seen[e.RemoteID] = true
			key := x.ResolveKey(e)
			if key == "" {
				ignored++
				continue
			}
			e.Key = key
			e.Managed = identity.IsManaged(e.Tags)
			out = append(out, e)
		}

		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	appLog.Debug("remote scan complete", "pages", pages, "keyed", len(out), "ignored", ignored)
	return out, nil
}
