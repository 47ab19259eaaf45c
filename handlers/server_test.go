package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/celerfi/coin-price-indexer/models"
	"github.com/celerfi/coin-price-indexer/scheduler"
	"github.com/celerfi/coin-price-indexer/utils"
)

type staticReporter CycleReport

func (r staticReporter) LastReport() CycleReport { return CycleReport(r) }

func newTestServer(t *testing.T, store *memStore) (*httptest.Server, *scheduler.ManualClock) {
	t.Helper()
	clock := scheduler.NewManualClock(dashboardNow)
	s := &Server{
		Dashboard: &Dashboard{Store: store, Clock: clock, DefaultLimit: DefaultLimit},
		Store:     store,
		Ingestion: staticReporter{CycleID: "c-1", Fetched: 2, Accepted: 2, UpsertResult: utils.UpsertResult{Inserted: 2}},
		Clock:     clock,
		Refresh:   time.Minute,
	}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return srv, clock
}

func twoCoins(t *testing.T) *memStore {
	return seededStore(t,
		snapshot("bitcoin", "btc", "100", dashboardNow),
		snapshot("ethereum", "eth", "10", dashboardNow),
	)
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestIndexServesPage(t *testing.T) {
	srv, _ := newTestServer(t, twoCoins(t))

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), `id="currency-filter"`)
	for _, id := range []string{"price-chart", "volume-chart", "scatter-plot", "bar-chart", "pie-chart"} {
		assert.Contains(t, string(body), `id="`+id+`"`)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	store := twoCoins(t)
	srv, _ := newTestServer(t, store)

	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/readyz", &body))
	assert.Equal(t, "ready", body["status"])

	store.pingErr = errors.New("dial tcp: connection refused")
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/readyz", &body))
	assert.Equal(t, "db_unreachable", body["status"])
}

func TestAssets(t *testing.T) {
	store := twoCoins(t)
	srv, _ := newTestServer(t, store)

	var body map[string][]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/assets", &body))
	assert.Equal(t, []string{"all", "bitcoin", "ethereum"}, body["options"])

	store.readErr = errors.New("boom")
	var failed map[string]string
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/api/assets", &failed))
	assert.NotEmpty(t, failed["error"])
}

func TestDashboardEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, twoCoins(t))

	var view models.DashboardView
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/dashboard?ids=bitcoin,ethereum&limit=5", &view))
	assert.Equal(t, []string{"bitcoin", "ethereum"}, view.Selection)
	assert.Equal(t, 5, view.Limit)
	assert.Len(t, view.Charts, 5)
	assert.Equal(t, "Last fetched: 2026-10-16 09:00:00", view.LastFetched)

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/dashboard?ids=bitcoin&ids=ethereum", &view))
	assert.Equal(t, []string{"bitcoin", "ethereum"}, view.Selection)

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/dashboard", &view))
	assert.Equal(t, []string{AllCoins}, view.Selection)

	var failed map[string]string
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/dashboard?limit=lots", &failed))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/dashboard?limit=-1", &failed))
}

func TestIngestionStatus(t *testing.T) {
	srv, _ := newTestServer(t, twoCoins(t))

	var body map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/ingestion/status", &body))
	assert.Equal(t, "c-1", body["cycle_id"])
	assert.EqualValues(t, 2, body["inserted"])
	assert.NotContains(t, body, "error")
}

func TestStreamPushesOnConnectTickAndFilter(t *testing.T) {
	srv, clock := newTestServer(t, twoCoins(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?ids=bitcoin"
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer c.CloseNow()

	var view models.DashboardView
	require.NoError(t, wsjson.Read(ctx, c, &view))
	assert.Equal(t, []string{"bitcoin"}, view.Selection)
	assert.True(t, view.GeneratedAt.Equal(dashboardNow))

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	require.NoError(t, wsjson.Read(ctx, c, &view))
	assert.True(t, view.GeneratedAt.Equal(dashboardNow.Add(time.Minute)))

	require.NoError(t, wsjson.Write(ctx, c, streamRequest{IDs: []string{"ethereum"}, Limit: 3}))
	view = models.DashboardView{}
	require.NoError(t, wsjson.Read(ctx, c, &view))
	assert.Equal(t, []string{"ethereum"}, view.Selection)
	assert.Equal(t, 3, view.Limit)
	bar := chartByID(t, view, "bar-chart")
	require.Len(t, bar.Data, 1)
	assert.Equal(t, []any{"eth"}, bar.Data[0].X)

	c.Close(websocket.StatusNormalClosure, "")
}

func TestStreamRejectsBadLimit(t *testing.T) {
	srv, _ := newTestServer(t, twoCoins(t))

	var failed map[string]string
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/ws?limit=x", &failed))
}
