// Package memory is an in-process remote.Client. It behaves like a small
// paginated calendar and can inject the failures a real service produces:
// per-call errors, expiring page cursors and pages that repeat entries.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"calbridge/internal/identity"
	"calbridge/internal/model"
	"calbridge/internal/remote"
)

// FaultFunc may fail a call before it takes effect. op is "list", "insert",
// "patch" or "delete"; e is the entity being written (zero for list/delete).
type FaultFunc func(op, id string, e model.RemoteEntity) error

type Client struct {
	mu sync.Mutex

	order   []string
	events  map[string]model.RemoteEntity
	deleted map[string]bool
	seq     int

	pageSize   int
	nativeUIDs bool
	clock      time.Time

	fault          FaultFunc
	expireCursors  int
	repeatOnPaging bool
	calls          map[string]int
}

type Option func(*Client)

// WithPageSize sets the default page size (default 250).
func WithPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

// WithNativeUIDs makes inserted entities carry their source UID in the
// native UID field, like services that accept client-supplied iCalUIDs.
func WithNativeUIDs() Option {
	return func(c *Client) { c.nativeUIDs = true }
}

func New(opts ...Option) *Client {
	c := &Client{
		events:   map[string]model.RemoteEntity{},
		deleted:  map[string]bool{},
		pageSize: 250,
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		calls:    map[string]int{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetFault installs fn; nil removes it.
func (c *Client) SetFault(fn FaultFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault = fn
}

// ExpireCursors makes the next n continuation-page requests fail with Gone.
func (c *Client) ExpireCursors(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireCursors = n
}

// RepeatOnPaging makes every continuation page start with the last entity of
// the previous page.
func (c *Client) RepeatOnPaging(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repeatOnPaging = on
}

// Seed stores entities as-is (tags included) and returns their ids. A
// non-zero Created is kept; otherwise the internal clock assigns one.
func (c *Client) Seed(entities ...model.RemoteEntity) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, c.storeLocked(e))
	}
	return ids
}

// Entities returns all live entities in insertion order.
func (c *Client) Entities() []model.RemoteEntity {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.RemoteEntity, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, cloneEntity(c.events[id]))
	}
	return out
}

func (c *Client) Get(id string) (model.RemoteEntity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.events[id]
	return cloneEntity(e), ok
}

// Calls reports how many times op was invoked, failed calls included.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// ResetCalls zeroes the call counters.
func (c *Client) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = map[string]int{}
}

func (c *Client) List(ctx context.Context, req remote.ListRequest) (remote.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["list"]++
	if err := c.precheck(ctx, "list", "", model.RemoteEntity{}); err != nil {
		return remote.Page{}, err
	}

	offset := 0
	if req.PageToken != "" {
		if c.expireCursors > 0 {
			c.expireCursors--
			return remote.Page{}, &remote.Error{Kind: remote.KindGone, Op: "list", Status: 410,
				Err: fmt.Errorf("page token %q expired", req.PageToken)}
		}
		n, err := strconv.Atoi(strings.TrimPrefix(req.PageToken, "p"))
		if err != nil || n < 0 {
			return remote.Page{}, &remote.Error{Kind: remote.KindPermanent, Op: "list", Status: 400,
				Err: fmt.Errorf("invalid page token %q", req.PageToken)}
		}
		offset = n
	}

	var matched []model.RemoteEntity
	w := model.Window{Start: req.TimeMin, End: req.TimeMax}
	for _, id := range c.order {
		e := c.events[id]
		if !req.TimeMin.IsZero() && !req.TimeMax.IsZero() && !w.Overlaps(e.Start, e.End) {
			continue
		}
		matched = append(matched, e)
	}

	size := req.PageSize
	if size <= 0 {
		size = c.pageSize
	}
	start := offset
	if offset > 0 && c.repeatOnPaging {
		start = offset - 1
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := offset + size
	if end > len(matched) {
		end = len(matched)
	}

	page := remote.Page{}
	for _, e := range matched[start:end] {
		page.Entities = append(page.Entities, cloneEntity(e))
	}
	if end < len(matched) {
		page.NextPageToken = "p" + strconv.Itoa(end)
	}
	return page, nil
}

func (c *Client) Insert(ctx context.Context, e model.RemoteEntity) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["insert"]++
	if err := c.precheck(ctx, "insert", "", e); err != nil {
		return "", err
	}
	e.Created = time.Time{}
	e.NativeUID = ""
	if c.nativeUIDs {
		e.NativeUID = e.Tags[identity.TagUID]
	}
	return c.storeLocked(e), nil
}

func (c *Client) Patch(ctx context.Context, id string, e model.RemoteEntity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["patch"]++
	if err := c.precheck(ctx, "patch", id, e); err != nil {
		return err
	}
	cur, ok := c.events[id]
	if !ok {
		return c.missing("patch", id)
	}
	cur.Summary = e.Summary
	cur.Description = e.Description
	cur.Location = e.Location
	cur.AllDay = e.AllDay
	cur.Start = e.Start
	cur.End = e.End
	if len(e.Tags) > 0 {
		if cur.Tags == nil {
			cur.Tags = map[string]string{}
		}
		for k, v := range e.Tags {
			cur.Tags[k] = v
		}
	}
	c.events[id] = cur
	return nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["delete"]++
	if err := c.precheck(ctx, "delete", id, model.RemoteEntity{}); err != nil {
		return err
	}
	if _, ok := c.events[id]; !ok {
		return c.missing("delete", id)
	}
	delete(c.events, id)
	c.deleted[id] = true
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

func (c *Client) precheck(ctx context.Context, op, id string, e model.RemoteEntity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.fault != nil {
		return c.fault(op, id, e)
	}
	return nil
}

// missing mirrors the real service: ids that existed once are Gone, unknown
// ids are NotFound.
func (c *Client) missing(op, id string) error {
	if c.deleted[id] {
		return &remote.Error{Kind: remote.KindGone, Op: op, Status: 410, Err: fmt.Errorf("event %s deleted", id)}
	}
	return &remote.Error{Kind: remote.KindNotFound, Op: op, Status: 404, Err: fmt.Errorf("event %s not found", id)}
}

func (c *Client) storeLocked(e model.RemoteEntity) string {
	c.seq++
	id := e.RemoteID
	if id == "" {
		id = fmt.Sprintf("evt%04d", c.seq)
	}
	if e.Created.IsZero() {
		e.Created = c.clock.Add(time.Duration(c.seq) * time.Second)
	}
	e.RemoteID = id
	e.Key = ""
	e.Managed = false
	e.Tags = cloneTags(e.Tags)
	if _, exists := c.events[id]; !exists {
		c.order = append(c.order, id)
	}
	c.events[id] = e
	return id
}

func cloneEntity(e model.RemoteEntity) model.RemoteEntity {
	e.Tags = cloneTags(e.Tags)
	return e
}

func cloneTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
