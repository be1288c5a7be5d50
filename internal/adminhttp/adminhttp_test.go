package adminhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/edgeproxy/internal/backend"
	"github.com/ocx/edgeproxy/internal/cacheindex"
	"github.com/ocx/edgeproxy/internal/logring"
	"github.com/ocx/edgeproxy/internal/object"
	"github.com/ocx/edgeproxy/internal/policyvm"
	"github.com/ocx/edgeproxy/internal/session"
	"github.com/ocx/edgeproxy/internal/streamhub"
)

func newTestServer(t *testing.T, log *logring.Ring, stream *streamhub.Hub) *Server {
	t.Helper()
	storage := object.NewMemStorage(0, 0)
	idx := cacheindex.NewMemIndex(1, storage)
	be := backend.NewBackendIO(backend.Config{}, nil)
	be.AddDirector("origin", "127.0.0.1:0", false)
	pol := policyvm.New()
	engine := session.NewEngine(session.DefaultConfig(), idx, be, pol, storage)
	return New(engine, log, stream)
}

func TestHandleXID_ReportsCurrentWatermarkWithoutAdvancing(t *testing.T) {
	s := newTestServer(t, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/xid")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]uint64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	first := body["xid"]

	resp2, err := http.Get(srv.URL + "/debug/xid")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var body2 map[string]uint64
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body2))

	assert.Equal(t, first, body2["xid"], "peeking xid twice must not advance the counter")
}

func TestHandleSrandom_RejectsNonNumericSeed(t *testing.T) {
	s := newTestServer(t, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/debug/srandom?seed=not-a-number", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleSrandom_AcceptsValidSeed(t *testing.T) {
	s := newTestServer(t, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/debug/srandom?seed=42", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]uint64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, uint64(42), body["seed"])
}

func TestHandleStats_ReflectsEngineCounters(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.engine.XID.Next() // no direct session helper exposed; just confirm the endpoint round-trips Stats()

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats session.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(0), stats.SessionsOpened)
}

func TestHandleDirectors_ListsRegisteredDirectors(t *testing.T) {
	s := newTestServer(t, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/directors")
	require.NoError(t, err)
	defer resp.Body.Close()

	var names []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	assert.Equal(t, []string{"origin"}, names)
}

func TestHandleLog_FiltersRingToRequestedXID(t *testing.T) {
	ring := logring.New(8)
	ring.Push(logring.Entry{XID: 1, Step: "recv"})
	ring.Push(logring.Entry{XID: 2, Step: "recv"})
	ring.Push(logring.Entry{XID: 1, Step: "deliver"})

	s := newTestServer(t, ring, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/log/1")
	require.NoError(t, err)
	defer resp.Body.Close()

	var entries []logring.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "recv", entries[0].Step)
	assert.Equal(t, "deliver", entries[1].Step)
}

func TestHandleLog_NilRingReturnsEmptyList(t *testing.T) {
	s := newTestServer(t, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/log/1")
	require.NoError(t, err)
	defer resp.Body.Close()

	var entries []logring.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Empty(t, entries)
}

func TestHandleLog_RejectsNonNumericXID(t *testing.T) {
	s := newTestServer(t, logring.New(8), nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/log/not-a-number")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_OmitsStreamRoutesWhenHubIsNil(t *testing.T) {
	s := newTestServer(t, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleStreamStats_ReportsHubStats(t *testing.T) {
	hub := streamhub.New()
	s := newTestServer(t, nil, hub)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, float64(0), stats["connected_clients"])
}

func TestCORSMiddleware_SetsHeadersAndShortCircuitsOptions(t *testing.T) {
	s := newTestServer(t, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/stats", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
