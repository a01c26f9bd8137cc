package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"calbridge/internal/fsutil"
	appLog "calbridge/internal/log"
)

// maxFeedBytes bounds a single downloaded feed.
const maxFeedBytes = 64 << 20

// Source is one configured feed: a local export (file or glob) or a URL.
type Source struct {
	ID   string
	Path string
	URL  string
}

func (s Source) label() string {
	if s.URL != "" {
		return redactURL(s.URL)
	}
	return s.Path
}

// FetchResult is the raw body of one source.
type FetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool // 304 Not Modified, body served from the revalidation cache
}

// validators are the HTTP revalidation headers remembered per URL.
type validators struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	StoredAt     time.Time `json:"stored_at"`
}

// Fetcher reads local exports and downloads subscribed feeds, revalidating
// downloads with ETag / Last-Modified against an on-disk copy.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

func NewFetcher(cacheDir string) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: 30 * time.Second},
		cacheDir: cacheDir,
	}
}

// FetchAll loads sources in order. A failing source is reported in the
// error slice and skipped; the caller decides whether that is fatal.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []error) {
	var (
		results []FetchResult
		errs    []error
	)
	for _, src := range sources {
		res, err := f.FetchOne(ctx, src)
		if err != nil {
			appLog.Error("source fetch failed", err, "source_id", src.ID, "source", src.label())
			errs = append(errs, fmt.Errorf("source %s: %w", src.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

// FetchOne loads a single source. A glob matching several files yields their
// concatenation in name order.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}
	switch {
	case src.Path != "":
		return readLocal(src)
	case src.URL != "":
		return f.download(ctx, src)
	default:
		return FetchResult{}, errors.New("source has neither path nor URL")
	}
}

func readLocal(src Source) (FetchResult, error) {
	matches, err := filepath.Glob(src.Path)
	if err != nil {
		return FetchResult{}, err
	}
	if len(matches) == 0 {
		return FetchResult{}, fmt.Errorf("no file matches %s: %w", src.Path, os.ErrNotExist)
	}
	sort.Strings(matches)

	var body []byte
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return FetchResult{}, err
		}
		body = append(body, data...)
		body = append(body, '\n')
	}
	appLog.Debug("source read", "source_id", src.ID, "files", len(matches), "bytes", len(body))
	return FetchResult{Source: src, Body: body}, nil
}

// download GETs src.URL. Only a 304 answer is served from the on-disk copy;
// transport errors and other statuses fail the source, because a stale copy
// would silently undo changes made since it was stored.
func (f *Fetcher) download(ctx context.Context, src Source) (FetchResult, error) {
	dir := f.cacheDirFor(src.URL)
	prev, cached := f.loadCached(dir)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if cached != nil {
		if prev.ETag != "" {
			req.Header.Set("If-None-Match", prev.ETag)
		}
		if prev.LastModified != "" {
			req.Header.Set("If-Modified-Since", prev.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("GET %s: %w", redactURL(src.URL), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		appLog.Debug("source not modified", "source_id", src.ID, "url", redactURL(src.URL))
		return FetchResult{Source: src, Body: cached, FromCache: true}, nil

	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
		if err != nil {
			return FetchResult{}, fmt.Errorf("read %s: %w", redactURL(src.URL), err)
		}
		if len(body) > maxFeedBytes {
			return FetchResult{}, fmt.Errorf("feed %s exceeds %d bytes", redactURL(src.URL), maxFeedBytes)
		}
		v := validators{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.store(dir, v, body); err != nil {
			appLog.Warn("feed cache write failed", "source_id", src.ID, "err", err)
		}
		appLog.Debug("source downloaded", "source_id", src.ID, "url", redactURL(src.URL), "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	default:
		return FetchResult{}, fmt.Errorf("GET %s: %s", redactURL(src.URL), resp.Status)
	}
}

func (f *Fetcher) cacheDirFor(rawURL string) string {
	if f.cacheDir == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

// loadCached returns the stored validators and body, or a nil body when
// there is no usable copy.
func (f *Fetcher) loadCached(dir string) (validators, []byte) {
	var v validators
	if dir == "" {
		return v, nil
	}
	meta, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil || json.Unmarshal(meta, &v) != nil {
		return validators{}, nil
	}
	body, err := os.ReadFile(filepath.Join(dir, "body.ics"))
	if err != nil || len(body) == 0 {
		return validators{}, nil
	}
	return v, body
}

// store writes the body before the validators so that validators never
// describe a body that is not on disk.
func (f *Fetcher) store(dir string, v validators, body []byte) error {
	if dir == "" {
		return nil
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	v.StoredAt = time.Now().UTC()
	data, err := json.MarshalIndent(&v, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, "meta.json"), data, 0o600)
}

// Feed is the configured set of sources read at the start of every run.
type Feed struct {
	fetcher *Fetcher
	sources []Source
}

func NewFeed(fetcher *Fetcher, sources []Source) *Feed {
	return &Feed{fetcher: fetcher, sources: sources}
}

// Fetch loads every source. Any failing source fails the whole fetch: a
// partial feed would make the missing events look deleted.
func (f *Feed) Fetch(ctx context.Context) ([]FetchResult, error) {
	if len(f.sources) == 0 {
		return nil, errors.New("no sources configured")
	}
	results, errs := f.fetcher.FetchAll(ctx, f.sources)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return results, nil
}

// redactURL keeps scheme and host; subscription URLs carry secrets in the
// path or query.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
