package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	offline "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/queue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOrigin serves the app shell and accepts mutations.
type testOrigin struct {
	*httptest.Server
	mu      sync.Mutex
	posted  []string
	offline bool
}

func newTestOrigin(t *testing.T) *testOrigin {
	o := &testOrigin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/data":
			var body json.RawMessage
			json.NewDecoder(r.Body).Decode(&body)
			o.mu.Lock()
			o.posted = append(o.posted, string(body))
			o.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		case r.URL.Path == "/":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>shell</html>"))
		case r.URL.Path == "/api/catalog":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`["survey"]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.Close)
	return o
}

// switchTransport fails every round trip while offline is set.
type switchTransport struct {
	mu      sync.Mutex
	offline bool
}

func (s *switchTransport) set(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

func (s *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	offline := s.offline
	s.mu.Unlock()
	if offline {
		return nil, &url.Error{Op: req.Method, URL: req.URL.String(), Err: context.DeadlineExceeded}
	}
	return http.DefaultTransport.RoundTrip(req)
}

func newTestServer(t *testing.T, origin *testOrigin, transport http.RoundTripper) *server {
	t.Helper()
	logger := zerolog.Nop()
	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)

	manager, err := cache.NewManager(cache.NewMemoryProvider(0), cache.Versions{Static: "v1", Dynamic: "v1"}, &logger)
	require.NoError(t, err)
	backend, err := queue.NewLevelDBBackend(filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)
	outbox := queue.New(backend, &logger)
	t.Cleanup(func() { outbox.Close() })

	registry := prometheus.NewRegistry()
	metrics := offline.NewMetrics(registry)
	coordinator, err := offline.NewSyncCoordinator(offline.SyncConfig{
		Queue:        outbox,
		DataEndpoint: origin.URL + "/api/data",
		Transport:    transport,
		Metrics:      metrics,
		Logger:       &logger,
	})
	require.NoError(t, err)
	dispatcher, err := offline.New(offline.Config{
		Cache:           manager,
		Queue:           outbox,
		Transport:       transport,
		DataEndpoint:    origin.URL + "/api/data",
		CatalogEndpoint: origin.URL + "/api/catalog",
		Origin:          originURL,
		Metrics:         metrics,
		Logger:          &logger,
	})
	require.NoError(t, err)
	t.Cleanup(dispatcher.Wait)

	return &server{
		dispatcher: dispatcher,
		sync:       coordinator,
		lifecycle:  offline.NewLifecycle(manager, transport, &logger),
		queue:      outbox,
		metrics:    metrics,
		gatherer:   registry,
		origin:     originURL,
		precache:   offline.DefaultPrecache,
	}
}

func do(t *testing.T, h http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterOfflineRoundTrip(t *testing.T) {
	origin := newTestOrigin(t)
	transport := &switchTransport{}
	s := newTestServer(t, origin, transport)
	h := s.router()

	rec := do(t, h, "POST", "/_offline/install", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stored":["`+origin.URL+`/"]}`, rec.Body.String())

	transport.set(true)
	rec = do(t, h, "GET", "/surveys/3", "", "Sec-Fetch-Mode", "navigate")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>shell</html>", rec.Body.String())

	rec = do(t, h, "GET", "/api/catalog", "")
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, "POST", "/api/data", `{"answer":1}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(t, h, "GET", "/_offline/queue", "")
	assert.JSONEq(t, `{"pending":1}`, rec.Body.String())

	// still offline, the entry stays
	rec = do(t, h, "POST", "/_offline/online", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, false, result["complete"])
	assert.EqualValues(t, 1, result["remaining"])

	transport.set(false)
	rec = do(t, h, "POST", "/_offline/sync/"+offline.DefaultSyncTag, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tag":"sync-outbox","done":true}`, rec.Body.String())
	origin.mu.Lock()
	assert.Equal(t, []string{`{"answer":1}`}, origin.posted)
	origin.mu.Unlock()

	rec = do(t, h, "GET", "/_offline/queue", "")
	assert.JSONEq(t, `{"pending":0}`, rec.Body.String())
}

func TestRouterActivate(t *testing.T) {
	origin := newTestOrigin(t)
	s := newTestServer(t, origin, http.DefaultTransport)
	rec := do(t, s.router(), "POST", "/_offline/activate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":[]}`, rec.Body.String())
}

func TestRouterHealthAndMetrics(t *testing.T) {
	origin := newTestOrigin(t)
	s := newTestServer(t, origin, http.DefaultTransport)
	h := s.router()

	rec := do(t, h, "GET", "/_offline/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	do(t, h, "GET", "/api/catalog", "")
	s.dispatcher.Wait()
	rec = do(t, h, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `offline_requests_total{outcome="network",strategy="stale-while-revalidate"} 1`)
}

func TestRouterDispatchesEverythingElse(t *testing.T) {
	origin := newTestOrigin(t)
	s := newTestServer(t, origin, http.DefaultTransport)
	h := s.router()

	rec := do(t, h, "GET", "/api/catalog", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["survey"]`, rec.Body.String())
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; stored", rec.Header().Get("Cache-Status"))

	rec = do(t, h, "GET", "/_offline/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
