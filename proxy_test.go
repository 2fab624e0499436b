package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	syncmanager "github.com/always-cache/offline-cache/pkg/sync-manager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOrigin serves /items, whose body changes with every accepted POST.
type testOrigin struct {
	mu      sync.Mutex
	version int
	hits    map[string]int
	replays []string
	// Host header of each replayed request.
	replayHosts []string
	server      *httptest.Server
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{hits: map[string]int{}}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.hits[r.Method+" "+r.URL.Path]++
		if r.Header.Get(syncmanager.ReplayHeader) != "" {
			body, _ := io.ReadAll(r.Body)
			o.replays = append(o.replays, r.Method+" "+r.URL.Path+" "+string(body))
			o.replayHosts = append(o.replayHosts, r.Host)
		}
		switch {
		case r.URL.Path == "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		case r.Method == http.MethodGet:
			fmt.Fprintf(w, "items v%d", o.version)
		case r.Method == http.MethodPost:
			o.version++
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(o.server.Close)
	return o
}

func (o *testOrigin) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[key]
}

func (o *testOrigin) replayed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.replays...)
}

func (o *testOrigin) hosts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.replayHosts...)
}

func newTestApp(t *testing.T, origin string) *App {
	t.Helper()
	app, err := Open(context.Background(), FileConfig{Origin: origin, Database: MemoryDatabase, Cache: "test"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app
}

func do(p *Proxy, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest(method, target, r))
	return rr
}

func TestReadIsStoredAndServedOffline(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestApp(t, origin.server.URL).Proxy

	rr := do(p, "GET", "/items", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "items v0", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Cache-Status"), "stored")

	p.SetOffline(true)
	rr = do(p, "GET", "/items", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "items v0", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Cache-Status"), "hit")
	assert.Contains(t, rr.Header().Get("Cache-Status"), `detail="offline"`)
	assert.Equal(t, 1, origin.count("GET /items"))
}

func TestOfflineMissIsUnavailable(t *testing.T) {
	origin := newTestOrigin(t)
	app, err := Open(context.Background(), FileConfig{Origin: origin.server.URL, Database: MemoryDatabase, Offline: true}, nil)
	require.NoError(t, err)
	defer app.Close()

	rr := do(app.Proxy, "GET", "/items", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.False(t, app.Proxy.IsOnline())
	assert.Equal(t, 0, origin.count("GET /items"))
}

func TestOriginErrorFallsBackToCache(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestApp(t, origin.server.URL).Proxy

	require.Equal(t, http.StatusOK, do(p, "GET", "/items", "").Code)
	origin.server.Close()

	rr := do(p, "GET", "/items", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "items v0", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Cache-Status"), `detail="origin-error"`)

	rr = do(p, "GET", "/never-fetched", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestServerErrorIsNotStored(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestApp(t, origin.server.URL).Proxy

	rr := do(p, "GET", "/broken", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Header().Get("Cache-Status"), "stored")

	p.SetOffline(true)
	assert.Equal(t, http.StatusServiceUnavailable, do(p, "GET", "/broken", "").Code)
}

func TestOnlineWriteRevalidatesStoredResponse(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestApp(t, origin.server.URL).Proxy

	require.Equal(t, "items v0", do(p, "GET", "/items", "").Body.String())

	rr := do(p, "POST", "/items", `{"name":"a"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, 2, origin.count("GET /items"))

	p.SetOffline(true)
	assert.Equal(t, "items v1", do(p, "GET", "/items", "").Body.String())
}

func TestOfflineWriteIsQueuedAndSynced(t *testing.T) {
	origin := newTestOrigin(t)
	app := newTestApp(t, origin.server.URL)
	p := app.Proxy
	p.SetOffline(true)

	rr := do(p, "POST", "/items", `{"name":"a"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	id := rr.Header().Get(RequestIDHeader)
	require.NotEmpty(t, id)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, id, body["requestId"])
	assert.Contains(t, rr.Header().Get("Cache-Status"), `detail="queued"`)
	assert.Equal(t, 0, origin.count("POST /items"))

	entries, err := app.Sync.GetSyncLog(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].RequestID)

	p.SetOffline(false)
	require.NoError(t, p.Sync(context.Background()))
	assert.Equal(t, []string{`POST /items {"name":"a"}`}, origin.replayed())

	entries, err = app.Sync.GetSyncLog(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReplayKeepsOriginHost(t *testing.T) {
	origin := newTestOrigin(t)
	app, err := Open(context.Background(), FileConfig{
		Origin:   origin.server.URL,
		Host:     "api.example.com",
		Database: MemoryDatabase,
		Offline:  true,
	}, nil)
	require.NoError(t, err)
	defer app.Close()
	p := app.Proxy

	require.Equal(t, http.StatusAccepted, do(p, "POST", "/items", `{"name":"a"}`).Code)
	entries, err := app.Sync.GetSyncLog(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "api.example.com", entries[0].Request.Host)

	p.SetOffline(false)
	require.NoError(t, p.Sync(context.Background()))
	assert.Equal(t, []string{`POST /items {"name":"a"}`}, origin.replayed())
	assert.Equal(t, []string{"api.example.com"}, origin.hosts())
}

func TestUnreachableOriginQueuesWrite(t *testing.T) {
	origin := newTestOrigin(t)
	app := newTestApp(t, origin.server.URL)
	origin.server.Close()

	rr := do(app.Proxy, "DELETE", "/items/1", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)

	entries, err := app.Sync.GetSyncLog(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "DELETE", entries[0].Request.Method)
}

func TestReplayedRequestBypassesCache(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestApp(t, origin.server.URL).Proxy

	req := httptest.NewRequest("GET", "/items", nil)
	req.Header.Set(syncmanager.ReplayHeader, "true")
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Cache-Status"), "fwd=bypass")

	p.SetOffline(true)
	assert.Equal(t, http.StatusServiceUnavailable, do(p, "GET", "/items", "").Code)
}

func TestAdminAPI(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestApp(t, origin.server.URL).Proxy

	require.Equal(t, http.StatusNoContent, do(p, "POST", AdminPrefix+"/offline", "").Code)
	assert.False(t, p.IsOnline())

	id := do(p, "PUT", "/items/1", "x").Header().Get(RequestIDHeader)
	require.NotEmpty(t, id)

	rr := do(p, "GET", AdminPrefix+"/sync-log", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var queued []QueuedRequest
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &queued))
	require.Len(t, queued, 1)
	assert.Equal(t, id, queued[0].RequestID)
	assert.Equal(t, "PUT", queued[0].Method)
	assert.Equal(t, origin.server.URL+"/items/1", queued[0].URL)

	rr = do(p, "GET", AdminPrefix+"/stores", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), syncmanager.SyncLogStore)

	assert.Equal(t, http.StatusOK, do(p, "DELETE", AdminPrefix+"/sync-log/"+id, "").Code)
	assert.Equal(t, http.StatusNotFound, do(p, "DELETE", AdminPrefix+"/sync-log/"+id, "").Code)

	require.Equal(t, http.StatusNoContent, do(p, "POST", AdminPrefix+"/online", "").Code)
	assert.True(t, p.IsOnline())

	rr = do(p, "POST", AdminPrefix+"/sync", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestAdminSyncFailure(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestApp(t, origin.server.URL).Proxy
	p.SetOffline(true)
	require.Equal(t, http.StatusAccepted, do(p, "POST", "/items", "a").Code)
	origin.server.Close()

	rr := do(p, "POST", AdminPrefix+"/sync", "")
	require.Equal(t, http.StatusBadGateway, rr.Code)
	var failure syncFailure
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &failure))
	assert.Equal(t, string(syncmanager.KindTransport), failure.Kind)
	assert.NotEmpty(t, failure.RequestID)
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	app := newTestApp(t, "")
	assert.Nil(t, app.Proxy)
	_, err = New(Config{Cache: app.Cache, Keys: app.Keys, Sync: app.Sync})
	assert.Error(t, err)
}
