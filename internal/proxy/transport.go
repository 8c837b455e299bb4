// Package proxy implements the network-first offline cache that sits beneath
// the application shell's HTTP traffic.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldkit/shopcollector/internal/metrics"
)

const (
	// DefaultCacheName is the current cache generation.
	DefaultCacheName = "shop-collector-static-v1"

	// CacheHeader marks responses served from the store.
	CacheHeader = "X-Offline-Cache"

	maxCachedBodySize = 32 << 20 // 32MB
	installWorkers    = 4
)

// defaultManifest is the application shell, relative to its origin.
var defaultManifest = []string{
	"./",
	"index.html",
	"style.css",
	"app.js",
	"manifest.webmanifest",
	"icons/pwa-icon-192.png",
	"icons/pwa-icon-512.png",
}

// Transport is an http.RoundTripper that tries the network first for GET
// requests and falls back to the current cache generation when the network
// fails. Other methods pass straight through.
type Transport struct {
	Base  http.RoundTripper
	Store Store
	Cache string

	logger *slog.Logger
}

// NewTransport creates a Transport. A nil base uses http.DefaultTransport; an
// empty cache name uses DefaultCacheName.
func NewTransport(base http.RoundTripper, store Store, cache string) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if cache == "" {
		cache = DefaultCacheName
	}
	return &Transport{Base: base, Store: store, Cache: cache, logger: slog.Default()}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		metrics.CacheLookups.WithLabelValues("bypass").Inc()
		return t.Base.RoundTrip(req)
	}

	key := RequestKey(req.URL)
	resp, err := t.Base.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusOK {
		resp, err = t.remember(req.Context(), key, resp)
	}
	if err == nil {
		metrics.CacheLookups.WithLabelValues("network").Inc()
		return resp, nil
	}

	e, ok, lookupErr := t.Store.Get(req.Context(), t.Cache, key)
	if lookupErr != nil {
		t.logger.Warn("offline cache lookup failed", "key", key, "error", lookupErr)
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, err
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	t.logger.Debug("serving from offline cache", "key", key, "network_error", err)
	return cachedResponse(req, e), nil
}

// remember buffers a 200 response, stores a copy and returns a response whose
// body replays the buffer. A body read failure is reported as a network
// error so the caller can fall back to the store.
func (t *Transport) remember(ctx context.Context, key string, resp *http.Response) (*http.Response, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > maxCachedBodySize {
		return nil, fmt.Errorf("response body for %s exceeds %d bytes", key, maxCachedBodySize)
	}

	e := Entry{
		Key:       key,
		Status:    resp.StatusCode,
		Header:    resp.Header.Clone(),
		Body:      body,
		FetchedAt: time.Now().UTC(),
	}
	if err := t.Store.Put(ctx, t.Cache, e); err != nil {
		metrics.CacheWriteErrors.Inc()
		t.logger.Warn("offline cache write failed", "key", key, "error", err)
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

func cachedResponse(req *http.Request, e Entry) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(CacheHeader, "hit")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// RequestKey is the absolute URL without its fragment.
func RequestKey(u *url.URL) string {
	k := *u
	k.Fragment = ""
	k.RawFragment = ""
	if k.Path == "" {
		k.Path = "/"
	}
	return k.String()
}

// Install fetches every manifest URL and stores the responses in the current
// generation. Nothing is stored unless every fetch returns 200.
func (t *Transport) Install(ctx context.Context, manifest []string) error {
	entries := make([]Entry, len(manifest))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installWorkers)
	for i, raw := range manifest {
		g.Go(func() error {
			e, err := t.fetch(gctx, raw)
			if err != nil {
				return err
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("installing %s: %w", t.Cache, err)
	}

	for _, e := range entries {
		if err := t.Store.Put(ctx, t.Cache, e); err != nil {
			return fmt.Errorf("storing %s: %w", e.Key, err)
		}
	}
	t.logger.Info("offline cache installed", "cache", t.Cache, "entries", len(entries))
	return nil
}

func (t *Transport) fetch(ctx context.Context, raw string) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("creating request for %s: %w", raw, err)
	}
	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		return Entry{}, fmt.Errorf("fetching %s: %w", raw, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Entry{}, fmt.Errorf("fetching %s: unexpected status %d", raw, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBodySize+1))
	if err != nil {
		return Entry{}, fmt.Errorf("reading %s: %w", raw, err)
	}
	if len(body) > maxCachedBodySize {
		return Entry{}, fmt.Errorf("fetching %s: body exceeds %d bytes", raw, maxCachedBodySize)
	}
	return Entry{
		Key:       RequestKey(req.URL),
		Status:    resp.StatusCode,
		Header:    resp.Header.Clone(),
		Body:      body,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Activate deletes every cache generation other than the current one and
// returns the names it removed.
func (t *Transport) Activate(ctx context.Context) ([]string, error) {
	names, err := t.Store.Caches(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing caches: %w", err)
	}
	var deleted []string
	for _, name := range names {
		if name == t.Cache {
			continue
		}
		if err := t.Store.DeleteCache(ctx, name); err != nil {
			return deleted, fmt.Errorf("deleting cache %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}
	if len(deleted) > 0 {
		t.logger.Info("stale offline caches deleted", "current", t.Cache, "deleted", deleted)
	}
	return deleted, nil
}

// DefaultManifest resolves the application shell files against origin.
func DefaultManifest(origin string) ([]string, error) {
	base, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return nil, fmt.Errorf("parsing shell origin: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("shell origin %q must be an absolute URL", origin)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	urls := make([]string, 0, len(defaultManifest))
	for _, p := range defaultManifest {
		ref, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("parsing manifest entry %q: %w", p, err)
		}
		urls = append(urls, RequestKey(base.ResolveReference(ref)))
	}
	return urls, nil
}
