package offline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nostr-market/internal/cache"
)

// switchTransport simulates losing the network
type switchTransport struct {
	offline atomic.Bool
	calls   atomic.Int64
}

func (t *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	if t.offline.Load() {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

type fixture struct {
	server    *httptest.Server
	transport *switchTransport
	store     *cache.MemoryCache
	engine    *Engine
	hits      sync.Map
}

func newFixture(t *testing.T, version string) *fixture {
	t.Helper()
	f := &fixture{transport: &switchTransport{}, store: cache.NewMemoryCache(time.Minute)}
	t.Cleanup(func() { f.store.Close() })

	mux := http.NewServeMux()
	count := func(path string) {
		n, _ := f.hits.LoadOrStore(path, new(atomic.Int64))
		n.(*atomic.Int64).Add(1)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		count(r.URL.Path)
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<h1>market</h1>")
		case "/app.js":
			io.WriteString(w, "console.log('app')")
		case "/api/listings":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `[{"title":"Garden help"}]`)
		case "/api/trades":
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"ok":true}`)
		default:
			http.NotFound(w, r)
		}
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	engine, err := NewEngine(f.transport, f.store, EngineOptions{
		Version:    version,
		OfflineURL: f.server.URL + "/offline.html",
	})
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *fixture) serverHits(path string) int64 {
	n, ok := f.hits.Load(path)
	if !ok {
		return 0
	}
	return n.(*atomic.Int64).Load()
}

func (f *fixture) do(t *testing.T, method, path string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := f.engine.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

var navigate = http.Header{"Accept": {"text/html,application/xhtml+xml"}, "Sec-Fetch-Mode": {"navigate"}}

func TestClassify(t *testing.T) {
	c, err := NewClassifier(DefaultAPIPatterns)
	require.NoError(t, err)

	cases := []struct {
		method string
		url    string
		header http.Header
		want   Class
	}{
		{"GET", "http://localhost/", navigate, ClassDocument},
		{"GET", "http://localhost/listings", http.Header{"Accept": {"text/html"}}, ClassDocument},
		{"GET", "http://localhost/api/listings", nil, ClassAPI},
		{"POST", "http://localhost/api/trades", nil, ClassAPI},
		{"GET", "https://api.example.org/v1/trades", nil, ClassAPI},
		{"GET", "http://localhost/static/js/bundle.js", nil, ClassStatic},
		{"GET", "http://localhost/icons/icon.PNG", nil, ClassStatic},
		{"GET", "http://localhost/manifest.json", nil, ClassOther},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, tc.url, nil)
		require.NoError(t, err)
		req.Header = tc.header
		if req.Header == nil {
			req.Header = http.Header{}
		}
		assert.Equal(t, tc.want, c.Classify(req), "%s %s", tc.method, tc.url)
	}
}

func TestStaticAssetServedFromCacheWithoutNetwork(t *testing.T) {
	f := newFixture(t, "v1")

	resp, body := f.do(t, "GET", "/app.js", nil)
	assert.Equal(t, CacheMiss, resp.Header.Get(CacheHeader))
	assert.Equal(t, "console.log('app')", body)

	f.transport.offline.Store(true)
	calls := f.transport.calls.Load()

	resp, body = f.do(t, "GET", "/app.js", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, CacheHit, resp.Header.Get(CacheHeader))
	assert.Equal(t, "console.log('app')", body)
	assert.Equal(t, calls, f.transport.calls.Load(), "cache-first must not touch the network")
	assert.Equal(t, int64(1), f.serverHits("/app.js"))
}

func TestStaticAssetMissOfflineFails(t *testing.T) {
	f := newFixture(t, "v1")
	f.transport.offline.Store(true)

	req, err := http.NewRequest("GET", f.server.URL+"/missing.css", nil)
	require.NoError(t, err)
	_, err = f.engine.RoundTrip(req)
	assert.Error(t, err)
}

func TestOnlyOKResponsesAreCached(t *testing.T) {
	f := newFixture(t, "v1")

	resp, _ := f.do(t, "GET", "/missing.css", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	keys, err := f.store.Keys(context.Background(), "http:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDocumentFallsBackToOfflineDocument(t *testing.T) {
	f := newFixture(t, "v1")
	f.transport.offline.Store(true)

	resp, body := f.do(t, "GET", "/never-visited", navigate)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, CacheFallback, resp.Header.Get(CacheHeader))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, body, "You are offline")
	assert.Equal(t, int64(1), f.engine.Stats().Fallbacks)
}

func TestDocumentNetworkFirstThenCache(t *testing.T) {
	f := newFixture(t, "v1")

	resp, body := f.do(t, "GET", "/", navigate)
	assert.Equal(t, CacheMiss, resp.Header.Get(CacheHeader))
	assert.Equal(t, "<h1>market</h1>", body)

	// online requests still go to the network
	f.do(t, "GET", "/", navigate)
	assert.Equal(t, int64(2), f.serverHits("/"))

	f.transport.offline.Store(true)
	resp, body = f.do(t, "GET", "/", navigate)
	assert.Equal(t, CacheHit, resp.Header.Get(CacheHeader))
	assert.Equal(t, "<h1>market</h1>", body)
}

func TestInstallStoresOfflineDocument(t *testing.T) {
	f := newFixture(t, "v1")
	custom, err := RenderFallback("Offline", []byte("# Gone fishing\n\n<script>alert(1)</script>"))
	require.NoError(t, err)
	assert.NotContains(t, string(custom), "<script>")

	engine, err := NewEngine(f.transport, f.store, EngineOptions{
		Version:    "v1",
		OfflineURL: f.server.URL + "/offline.html",
		Fallback:   custom,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Install(context.Background(), []string{f.server.URL + "/", f.server.URL + "/app.js"}))
	f.engine = engine

	f.transport.offline.Store(true)
	_, body := f.do(t, "GET", "/app.js", nil)
	assert.Equal(t, "console.log('app')", body)

	resp, body := f.do(t, "GET", "/elsewhere", navigate)
	assert.Equal(t, CacheFallback, resp.Header.Get(CacheHeader))
	assert.Contains(t, body, "Gone fishing")
}

func TestInstallFailsOnUnreachableURL(t *testing.T) {
	f := newFixture(t, "v1")
	err := f.engine.Install(context.Background(), []string{f.server.URL + "/nope.js"})
	assert.Error(t, err)
}

func TestAPIRequests(t *testing.T) {
	f := newFixture(t, "v1")

	t.Run("uncached GET offline is a structured error", func(t *testing.T) {
		f.transport.offline.Store(true)
		defer f.transport.offline.Store(false)

		resp, body := f.do(t, "GET", "/api/listings?page=2", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		var payload struct {
			Error     string `json:"error"`
			Cached    bool   `json:"cached"`
			Timestamp int64  `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &payload))
		assert.Equal(t, "Network unavailable", payload.Error)
		assert.False(t, payload.Cached)
		assert.NotZero(t, payload.Timestamp)
	})

	t.Run("cached GET offline", func(t *testing.T) {
		f.do(t, "GET", "/api/listings", nil)
		f.transport.offline.Store(true)
		defer f.transport.offline.Store(false)

		resp, body := f.do(t, "GET", "/api/listings", nil)
		assert.Equal(t, CacheHit, resp.Header.Get(CacheHeader))
		assert.Equal(t, `[{"title":"Garden help"}]`, body)
	})

	t.Run("mutations are never served from cache", func(t *testing.T) {
		resp, _ := f.do(t, "POST", "/api/trades", nil)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		f.transport.offline.Store(true)
		defer f.transport.offline.Store(false)
		resp, _ = f.do(t, "POST", "/api/trades", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, CacheOffline, resp.Header.Get(CacheHeader))
	})
}

func TestOtherRequestsWithoutCache(t *testing.T) {
	f := newFixture(t, "v1")
	f.transport.offline.Store(true)

	resp, body := f.do(t, "GET", "/manifest.json", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Network Error", body)
}

func TestActivateRemovesOtherVersions(t *testing.T) {
	f := newFixture(t, "v1")
	f.do(t, "GET", "/app.js", nil)
	f.do(t, "GET", "/", navigate)

	next, err := NewEngine(f.transport, f.store, EngineOptions{Version: "v2"})
	require.NoError(t, err)
	next.RoundTrip(mustRequest(t, f.server.URL+"/app.js"))

	removed, err := next.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	keys, err := f.store.Keys(context.Background(), "http:")
	require.NoError(t, err)
	assert.Equal(t, []string{"http:v2:" + f.server.URL + "/app.js"}, keys)
}

func TestConcurrentFetchesAreCoalesced(t *testing.T) {
	release := make(chan struct{})
	var served atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		<-release
		io.WriteString(w, "body{}")
	}))
	t.Cleanup(server.Close)

	store := cache.NewMemoryCache(time.Minute)
	t.Cleanup(func() { store.Close() })
	engine, err := NewEngine(http.DefaultTransport, store, EngineOptions{Version: "v1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	bodies := make([]string, 5)
	for i := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := engine.RoundTrip(mustRequest(t, server.URL+"/site.css"))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			bodies[i] = string(b)
		}()
	}
	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), served.Load())
	for _, b := range bodies {
		assert.Equal(t, "body{}", b)
	}
}

func mustRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	require.NoError(t, err)
	return req
}
