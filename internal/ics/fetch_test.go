package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tinyCalendar = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR\r\n"

func TestReadLocalGlobConcatenates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.ics"), []byte("B"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ics"), []byte("A"), 0o600))

	res, err := NewFetcher("").FetchOne(context.Background(), Source{ID: "x", Path: filepath.Join(dir, "*.ics")})
	require.NoError(t, err)
	assert.Equal(t, "A\nB\n", string(res.Body))
}

func TestReadLocalMissing(t *testing.T) {
	_, err := NewFetcher("").FetchOne(context.Background(), Source{ID: "x", Path: filepath.Join(t.TempDir(), "none.ics")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDownloadRevalidatesWithETag(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(tinyCalendar))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	src := Source{ID: "sub", URL: srv.URL + "/private/feed.ics?token=secret"}

	first, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, tinyCalendar, string(second.Body))
	assert.Equal(t, int32(2), hits.Load())
}

func TestDownloadFailureIsNotMaskedByCache(t *testing.T) {
	fail := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(tinyCalendar))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	src := Source{ID: "sub", URL: srv.URL + "/feed.ics"}
	_, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)

	fail.Store(true)
	_, err = f.FetchOne(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.NotContains(t, err.Error(), "feed.ics")
}

func TestFeedFailsWhenAnySourceFails(t *testing.T) {
	dir := t.TempDir()
	ok := filepath.Join(dir, "ok.ics")
	require.NoError(t, os.WriteFile(ok, []byte(tinyCalendar), 0o600))

	feed := NewFeed(NewFetcher(""), []Source{
		{ID: "ok", Path: ok},
		{ID: "gone", Path: filepath.Join(dir, "gone.ics")},
	})
	_, err := feed.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source gone")

	_, err = NewFeed(NewFetcher(""), nil).Fetch(context.Background())
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com/cal/private-abc.ics?token=1"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
