package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calbridge/internal/model"
	"calbridge/internal/remote"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	svc, err := calendar.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	return &Client{svc: svc, calendarID: "cal", loc: time.UTC, pageSize: 50}
}

func TestToEventTimed(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	start := time.Date(2024, 3, 5, 9, 0, 0, 0, ny)

	ev := toEvent(model.RemoteEntity{
		Summary: "Standup",
		Start:   start,
		End:     start.Add(30 * time.Minute),
		Tags:    map[string]string{"syncKey": "S1|20240305T090000"},
	}, false)

	assert.Equal(t, "2024-03-05T09:00:00-05:00", ev.Start.DateTime)
	assert.Equal(t, "America/New_York", ev.Start.TimeZone)
	assert.Empty(t, ev.Start.Date)
	assert.Nil(t, ev.Start.NullFields)
	assert.Equal(t, "S1|20240305T090000", ev.ExtendedProperties.Private["syncKey"])
	assert.Empty(t, ev.Transparency)
}

func TestToEventAllDayPatch(t *testing.T) {
	start := time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC)
	ev := toEvent(model.RemoteEntity{AllDay: true, Start: start, End: start.AddDate(0, 0, 1)}, true)

	assert.Equal(t, "2024-07-04", ev.Start.Date)
	assert.Equal(t, "2024-07-05", ev.End.Date)
	assert.Equal(t, []string{"DateTime", "TimeZone"}, ev.Start.NullFields)
	assert.Equal(t, "transparent", ev.Transparency)
	assert.Equal(t, noTitle, ev.Summary)
	assert.Contains(t, ev.ForceSendFields, "Description")
}

func TestFromEvent(t *testing.T) {
	e, err := fromEvent(&calendar.Event{
		Id:      "abc",
		Summary: "Holiday",
		Start:   &calendar.EventDateTime{Date: "2024-07-04"},
		End:     &calendar.EventDateTime{Date: "2024-07-05"},
		Created: "2024-01-02T03:04:05Z",
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{"source": "calendarbridge"},
		},
	}, time.UTC)
	require.NoError(t, err)

	assert.Equal(t, "abc", e.RemoteID)
	assert.True(t, e.AllDay)
	assert.Equal(t, time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC), e.Start)
	assert.Equal(t, "calendarbridge", e.Tags["source"])
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), e.Created)

	_, err = fromEvent(&calendar.Event{Id: "x", Start: &calendar.EventDateTime{}}, time.UTC)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want remote.Kind
	}{
		{"429", &googleapi.Error{Code: 429}, remote.KindRateLimited},
		{"403 rate", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, remote.KindRateLimited},
		{"403 forbidden", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}, remote.KindPermanent},
		{"404", &googleapi.Error{Code: 404}, remote.KindNotFound},
		{"410", &googleapi.Error{Code: 410}, remote.KindGone},
		{"500", &googleapi.Error{Code: 500}, remote.KindTransient},
		{"503", &googleapi.Error{Code: 503}, remote.KindTransient},
		{"400", &googleapi.Error{Code: 400}, remote.KindPermanent},
		{"network", errors.New("dial tcp: connection refused"), remote.KindTransient},
		{"canceled", context.Canceled, remote.KindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, remote.Classify(classify("op", tc.err)))
		})
	}
}

func TestRetryAfterHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "12")
	err := classify("list", &googleapi.Error{Code: 429, Header: h})

	var re *remote.Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 12*time.Second, re.RetryAfter)
}

func TestListSkipsCancelledAndPassesWindow(t *testing.T) {
	var query string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"nextPageToken": "next",
			"items": [
				{"id": "a", "status": "confirmed", "summary": "A",
				 "start": {"dateTime": "2024-03-05T14:00:00Z"}, "end": {"dateTime": "2024-03-05T15:00:00Z"},
				 "extendedProperties": {"private": {"syncKey": "S1|20240305T090000"}}},
				{"id": "b", "status": "cancelled"}
			]
		}`)
	})

	page, err := c.List(context.Background(), remote.ListRequest{
		TimeMin: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		TimeMax: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, page.Entities, 1)
	assert.Equal(t, "a", page.Entities[0].RemoteID)
	assert.Equal(t, "S1|20240305T090000", page.Entities[0].Tags["syncKey"])
	assert.Equal(t, "next", page.NextPageToken)

	assert.Contains(t, query, "singleEvents=true")
	assert.Contains(t, query, "timeMin=2024-03-01T00%3A00%3A00Z")
	assert.Contains(t, query, "maxResults=50")
}

func TestDeleteGoneIsClassified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/events/evt1"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		fmt.Fprint(w, `{"error": {"code": 410, "message": "Resource has been deleted", "errors": [{"reason": "deleted"}]}}`)
	})

	err := c.Delete(context.Background(), "evt1")
	assert.Equal(t, remote.KindGone, remote.Classify(err))
}

func TestInsertReturnsID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "new-id"}`)
	})

	start := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	id, err := c.Insert(context.Background(), model.RemoteEntity{Summary: "x", Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "new-id", id)
}
