// Package offline keeps the app usable without connectivity: an HTTP
// transport that applies a per-class caching strategy, and a durable queue of
// mutations that are replayed when connectivity returns.
package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"nostr-market/internal/cache"
	"nostr-market/internal/types"
)

const (
	// CacheHeader reports how a response was produced
	CacheHeader = "X-Cache"

	cacheKeyPrefix = "http:"
	maxCachedBody  = 8 << 20
)

// X-Cache values
const (
	CacheHit      = "HIT"
	CacheMiss     = "MISS"
	CacheFallback = "FALLBACK"
	CacheOffline  = "OFFLINE"
)

// EngineOptions configures an Engine
type EngineOptions struct {
	// Version namespaces every stored entry. Activate removes other versions.
	Version string
	// APIPatterns are regular expressions matched against the path and the full URL
	APIPatterns []string
	// OfflineURL is where the fallback document is stored by Install
	OfflineURL string
	// Fallback is the rendered fallback document
	Fallback []byte
}

// EngineStats are cumulative counters
type EngineStats struct {
	Hits          int64
	Misses        int64
	Fallbacks     int64
	NetworkErrors int64
}

// Engine is an http.RoundTripper that wraps the network transport with the
// offline caching strategies.
type Engine struct {
	next       http.RoundTripper
	store      cache.CacheBackend
	classifier *Classifier
	version    string
	offlineURL string
	fallback   []byte

	group singleflight.Group

	hits          atomic.Int64
	misses        atomic.Int64
	fallbacks     atomic.Int64
	networkErrors atomic.Int64
}

// NewEngine returns an engine that sends network traffic through next
func NewEngine(next http.RoundTripper, store cache.CacheBackend, opts EngineOptions) (*Engine, error) {
	if next == nil {
		next = http.DefaultTransport
	}
	if opts.Version == "" {
		return nil, errors.New("offline: cache version is required")
	}
	patterns := opts.APIPatterns
	if patterns == nil {
		patterns = DefaultAPIPatterns
	}
	classifier, err := NewClassifier(patterns)
	if err != nil {
		return nil, fmt.Errorf("offline: api pattern: %w", err)
	}
	fallback := opts.Fallback
	if fallback == nil {
		fallback, err = RenderFallback("Offline", []byte(DefaultFallbackMarkdown))
		if err != nil {
			return nil, err
		}
	}
	return &Engine{
		next:       next,
		store:      store,
		classifier: classifier,
		version:    opts.Version,
		offlineURL: opts.OfflineURL,
		fallback:   fallback,
	}, nil
}

// Stats returns a snapshot of the counters
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Hits:          e.hits.Load(),
		Misses:        e.misses.Load(),
		Fallbacks:     e.fallbacks.Load(),
		NetworkErrors: e.networkErrors.Load(),
	}
}

// RoundTrip implements http.RoundTripper
func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	switch e.classifier.Classify(req) {
	case ClassDocument:
		return e.networkFirst(req, e.documentFallback)
	case ClassAPI:
		if req.Method != http.MethodGet {
			resp, err := e.next.RoundTrip(req)
			if err != nil {
				e.networkErrors.Add(1)
				slog.Debug("api mutation failed offline", "url", req.URL.String(), "error", err)
				return unavailableJSON(req), nil
			}
			return resp, nil
		}
		return e.networkFirst(req, func(req *http.Request) (*http.Response, error) {
			return unavailableJSON(req), nil
		})
	case ClassStatic:
		return e.cacheFirst(req)
	default:
		if req.Method != http.MethodGet {
			return e.next.RoundTrip(req)
		}
		return e.networkFirst(req, func(req *http.Request) (*http.Response, error) {
			return textResponse(req, http.StatusServiceUnavailable, "Network Error"), nil
		})
	}
}

// networkFirst fetches, storing 200 responses. On a network error it serves
// the cached copy, then onMiss.
func (e *Engine) networkFirst(req *http.Request, onMiss func(*http.Request) (*http.Response, error)) (*http.Response, error) {
	entry, err := e.fetch(req)
	if err == nil {
		e.misses.Add(1)
		return entry.response(req, CacheMiss), nil
	}
	e.networkErrors.Add(1)
	slog.Debug("network failed, checking cache", "url", req.URL.String(), "error", err)

	if cached, ok := e.lookup(req.Context(), req.URL.String()); ok {
		e.hits.Add(1)
		return cached.response(req, CacheHit), nil
	}
	return onMiss(req)
}

// cacheFirst serves a stored copy without touching the network
func (e *Engine) cacheFirst(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodGet {
		if cached, ok := e.lookup(req.Context(), req.URL.String()); ok {
			e.hits.Add(1)
			return cached.response(req, CacheHit), nil
		}
	}
	entry, err := e.fetch(req)
	if err != nil {
		e.networkErrors.Add(1)
		return nil, err
	}
	e.misses.Add(1)
	return entry.response(req, CacheMiss), nil
}

func (e *Engine) documentFallback(req *http.Request) (*http.Response, error) {
	e.fallbacks.Add(1)
	if e.offlineURL != "" {
		if cached, ok := e.lookup(req.Context(), e.offlineURL); ok {
			return cached.response(req, CacheFallback), nil
		}
	}
	resp := textResponse(req, http.StatusOK, string(e.fallback))
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	resp.Header.Set(CacheHeader, CacheFallback)
	return resp, nil
}

// fetch performs a network round trip. Concurrent GETs for the same URL share
// one request.
func (e *Engine) fetch(req *http.Request) (*storedResponse, error) {
	if req.Method != http.MethodGet {
		resp, err := e.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		return readResponse(resp)
	}

	key := e.key(req.URL.String())
	v, err, shared := e.group.Do(key, func() (interface{}, error) {
		resp, err := e.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		stored, err := readResponse(resp)
		if err != nil {
			return nil, err
		}
		stored.Strategy = types.NetworkFirst
		if e.classifier.Classify(req) == ClassStatic {
			stored.Strategy = types.CacheFirst
		}
		if stored.Status == http.StatusOK {
			e.remember(context.WithoutCancel(req.Context()), key, stored)
		}
		return stored, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("singleflight: shared fetch", "url", req.URL.String())
	}
	return v.(*storedResponse), nil
}

// Install precaches the given URLs under the current version and stores the
// fallback document at the offline URL. It fails if any URL cannot be fetched.
func (e *Engine) Install(ctx context.Context, urls []string) error {
	if e.offlineURL != "" {
		doc := &storedResponse{CacheEntry: types.CacheEntry{
			Key:      e.offlineURL,
			Status:   http.StatusOK,
			Header:   http.Header{"Content-Type": {"text/html; charset=utf-8"}},
			Body:     e.fallback,
			Strategy: types.NetworkFirst,
		}}
		if err := e.save(ctx, e.key(e.offlineURL), doc); err != nil {
			return err
		}
	}
	for _, u := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("install %s: %w", u, err)
		}
		resp, err := e.next.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("install %s: %w", u, err)
		}
		stored, err := readResponse(resp)
		if err != nil {
			return fmt.Errorf("install %s: %w", u, err)
		}
		if stored.Status != http.StatusOK {
			return fmt.Errorf("install %s: status %d", u, stored.Status)
		}
		if err := e.save(ctx, e.key(u), stored); err != nil {
			return err
		}
	}
	slog.Info("offline cache installed", "version", e.version, "urls", len(urls))
	return nil
}

// Activate deletes entries stored under any other cache version
func (e *Engine) Activate(ctx context.Context) (int, error) {
	keys, err := e.store.Keys(ctx, cacheKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}
	current := e.key("")
	removed := 0
	for _, k := range keys {
		if strings.HasPrefix(k, current) {
			continue
		}
		if err := e.store.Delete(ctx, k); err != nil {
			return removed, fmt.Errorf("delete %s: %w", k, err)
		}
		removed++
	}
	if removed > 0 {
		slog.Info("removed stale cache entries", "version", e.version, "count", removed)
	}
	return removed, nil
}

func (e *Engine) key(url string) string {
	return cacheKeyPrefix + e.version + ":" + url
}

func (e *Engine) lookup(ctx context.Context, url string) (*storedResponse, bool) {
	data, found, err := e.store.Get(ctx, e.key(url))
	if err != nil {
		slog.Warn("cache read failed", "url", url, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var stored storedResponse
	if err := json.Unmarshal(data, &stored.CacheEntry); err != nil {
		slog.Warn("corrupt cache entry", "url", url, "error", err)
		return nil, false
	}
	return &stored, true
}

func (e *Engine) remember(ctx context.Context, key string, stored *storedResponse) {
	if err := e.save(ctx, key, stored); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
}

func (e *Engine) save(ctx context.Context, key string, stored *storedResponse) error {
	entry := stored.CacheEntry
	entry.Key = key
	entry.StoredAt = time.Now().Unix()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := e.store.Set(ctx, key, data, 0); err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return nil
}

// storedResponse is a fully read response that can be replayed many times
type storedResponse struct {
	types.CacheEntry
}

func readResponse(resp *http.Response) (*storedResponse, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(body) > maxCachedBody {
		return nil, fmt.Errorf("response larger than %d bytes", maxCachedBody)
	}
	return &storedResponse{CacheEntry: types.CacheEntry{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}}, nil
}

func (s *storedResponse) response(req *http.Request, source string) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(CacheHeader, source)
	header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

func unavailableJSON(req *http.Request) *http.Response {
	body, _ := json.Marshal(map[string]interface{}{
		"error":     "Network unavailable",
		"cached":    false,
		"timestamp": time.Now().UnixMilli(),
	})
	resp := textResponse(req, http.StatusServiceUnavailable, string(body))
	resp.Header.Set("Content-Type", "application/json")
	return resp
}

func textResponse(req *http.Request, status int, body string) *http.Response {
	stored := &storedResponse{CacheEntry: types.CacheEntry{
		Status: status,
		Header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:   []byte(body),
	}}
	return stored.response(req, CacheOffline)
}
