// Package gcal implements remote.Client on the Google Calendar v3 API.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calbridge/internal/model"
	"calbridge/internal/remote"
)

const (
	dateLayout      = "2006-01-02"
	defaultPageSize = 250
	noTitle         = "(No title)"

	// listFields keeps list responses to what the indexer and diff need.
	listFields = "nextPageToken,items(id,iCalUID,status,summary,description,location,start,end,created,extendedProperties/private)"
)

// Client is bound to one calendar.
type Client struct {
	svc        *calendar.Service
	calendarID string
	loc        *time.Location
	pageSize   int
}

// New builds a Client that issues requests through httpClient, normally the
// OAuth client from NewHTTPClient. loc interprets all-day dates.
func New(ctx context.Context, httpClient *http.Client, calendarID string, loc *time.Location, pageSize int) (*Client, error) {
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	if loc == nil {
		loc = time.UTC
	}
	if pageSize <= 0 || pageSize > 2500 {
		pageSize = defaultPageSize
	}
	return &Client{svc: svc, calendarID: calendarID, loc: loc, pageSize: pageSize}, nil
}

func (c *Client) List(ctx context.Context, req remote.ListRequest) (remote.Page, error) {
	size := req.PageSize
	if size <= 0 {
		size = c.pageSize
	}
	call := c.svc.Events.List(c.calendarID).
		Context(ctx).
		SingleEvents(true).
		ShowDeleted(false).
		MaxResults(int64(size)).
		Fields(googleapi.Field(listFields))
	if !req.TimeMin.IsZero() {
		call = call.TimeMin(req.TimeMin.Format(time.RFC3339))
	}
	if !req.TimeMax.IsZero() {
		call = call.TimeMax(req.TimeMax.Format(time.RFC3339))
	}
	if req.PageToken != "" {
		call = call.PageToken(req.PageToken)
	}

	res, err := call.Do()
	if err != nil {
		return remote.Page{}, classify("list", err)
	}

	page := remote.Page{NextPageToken: res.NextPageToken}
	for _, ev := range res.Items {
		if ev == nil || ev.Status == "cancelled" {
			continue
		}
		e, err := fromEvent(ev, c.loc)
		if err != nil {
			// Unparseable times cannot be keyed; the indexer would ignore them anyway.
			continue
		}
		page.Entities = append(page.Entities, e)
	}
	return page, nil
}

func (c *Client) Insert(ctx context.Context, e model.RemoteEntity) (string, error) {
	ev := toEvent(e, false)
	created, err := c.svc.Events.Insert(c.calendarID, ev).Context(ctx).Do()
	if err != nil {
		return "", classify("insert", err)
	}
	return created.Id, nil
}

func (c *Client) Patch(ctx context.Context, id string, e model.RemoteEntity) error {
	ev := toEvent(e, true)
	if _, err := c.svc.Events.Patch(c.calendarID, id, ev).Context(ctx).Do(); err != nil {
		return classify("patch", err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.svc.Events.Delete(c.calendarID, id).SendUpdates("none").Context(ctx).Do(); err != nil {
		return classify("delete", err)
	}
	return nil
}

// toEvent renders e as a Google event. For patches, empty text fields are
// force-sent so clearing a description on the source clears it remotely, and
// the unused half of start/end is nulled so all-day <-> timed switches apply.
func toEvent(e model.RemoteEntity, patch bool) *calendar.Event {
	summary := e.Summary
	if summary == "" {
		summary = noTitle
	}
	ev := &calendar.Event{
		Summary:     summary,
		Description: e.Description,
		Location:    e.Location,
		Start:       eventTime(e.Start, e.AllDay, patch),
		End:         eventTime(e.End, e.AllDay, patch),
	}
	if len(e.Tags) > 0 {
		private := make(map[string]string, len(e.Tags))
		for k, v := range e.Tags {
			private[k] = v
		}
		ev.ExtendedProperties = &calendar.EventExtendedProperties{Private: private}
	}
	if e.AllDay {
		ev.Transparency = "transparent"
	} else if patch {
		ev.Transparency = "opaque"
	}
	if patch {
		ev.ForceSendFields = []string{"Summary", "Description", "Location"}
	}
	return ev
}

func eventTime(t time.Time, allDay, patch bool) *calendar.EventDateTime {
	if allDay {
		dt := &calendar.EventDateTime{Date: t.Format(dateLayout)}
		if patch {
			dt.NullFields = []string{"DateTime", "TimeZone"}
		}
		return dt
	}
	dt := &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
	if name := t.Location().String(); name != "Local" && name != "" {
		dt.TimeZone = name
	}
	if patch {
		dt.NullFields = []string{"Date"}
	}
	return dt
}

func fromEvent(ev *calendar.Event, loc *time.Location) (model.RemoteEntity, error) {
	e := model.RemoteEntity{
		RemoteID:    ev.Id,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
	}
	if ev.ExtendedProperties != nil && len(ev.ExtendedProperties.Private) > 0 {
		e.Tags = make(map[string]string, len(ev.ExtendedProperties.Private))
		for k, v := range ev.ExtendedProperties.Private {
			e.Tags[k] = v
		}
	}
	if ev.Summary == noTitle {
		e.Summary = ""
	}

	var err error
	var startAllDay, endAllDay bool
	if e.Start, startAllDay, err = parseEventTime(ev.Start, loc); err != nil {
		return e, fmt.Errorf("event %s start: %w", ev.Id, err)
	}
	if e.End, endAllDay, err = parseEventTime(ev.End, loc); err != nil {
		return e, fmt.Errorf("event %s end: %w", ev.Id, err)
	}
	e.AllDay = startAllDay && endAllDay

	if ev.Created != "" {
		if created, err := time.Parse(time.RFC3339, ev.Created); err == nil {
			e.Created = created
		}
	}
	return e, nil
}

func parseEventTime(dt *calendar.EventDateTime, loc *time.Location) (time.Time, bool, error) {
	if dt == nil {
		return time.Time{}, false, errors.New("missing")
	}
	if dt.Date != "" {
		t, err := time.ParseInLocation(dateLayout, dt.Date, loc)
		return t, true, err
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, false, err
	}
	return time.Time{}, false, errors.New("neither date nor dateTime set")
}

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// classify maps Google API errors onto remote kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return &remote.Error{Kind: remote.KindTransient, Op: op, Err: err}
	}

	re := &remote.Error{Op: op, Status: gerr.Code, Err: err, RetryAfter: parseRetryAfter(gerr.Header)}
	switch {
	case gerr.Code == http.StatusTooManyRequests:
		re.Kind = remote.KindRateLimited
	case gerr.Code == http.StatusForbidden:
		re.Kind = remote.KindPermanent
		for _, item := range gerr.Errors {
			if rateLimitReasons[item.Reason] {
				re.Kind = remote.KindRateLimited
				break
			}
		}
	case gerr.Code == http.StatusNotFound:
		re.Kind = remote.KindNotFound
	case gerr.Code == http.StatusGone:
		re.Kind = remote.KindGone
	case gerr.Code >= 500:
		re.Kind = remote.KindTransient
	default:
		re.Kind = remote.KindPermanent
	}
	return re
}

func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
