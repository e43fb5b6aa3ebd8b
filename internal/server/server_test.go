package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markethub/internal/adapter"
	"markethub/internal/cache"
	"markethub/internal/dedup"
	"markethub/internal/demand"
	"markethub/internal/hub"
	"markethub/internal/market"
	"markethub/internal/poller"
)

func newTestServer(t *testing.T) (*Server, *cache.Cache) {
	t.Helper()
	adapters := map[market.Exchange]adapter.Adapter{}
	c := cache.New(cache.DefaultOptions())
	tracker := demand.New(adapters, time.Minute)
	p := poller.New(adapters, c, dedup.New(), time.Minute)
	h := hub.New(hub.Options{}, c, adapters, tracker, p, nil)
	t.Cleanup(tracker.Stop)
	return New(":0", h, Options{}), c
}

func TestHealthShape(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/hub/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	// No adapters connected: down.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var h struct {
		Status    string         `json:"status"`
		Ready     bool           `json:"ready"`
		Cache     map[string]int `json:"cache"`
		Timestamp int64          `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "down", h.Status)
	assert.False(t, h.Ready)
	assert.NotZero(t, h.Timestamp)
}

func TestTickerNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/ticker/bybit/BTCUSDT", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestTradesLimit(t *testing.T) {
	s, c := newTestServer(t)
	for i := 0; i < 5; i++ {
		c.AddTrades(market.Bybit, "BTCUSDT", []market.Trade{{
			TradeID: string(rune('a' + i)), Price: float64(i + 1), Size: 1, Side: "buy", Timestamp: int64(i),
		}})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/trades/bybit/BTCUSDT?limit=2", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var trades []market.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	assert.Len(t, trades, 2)
}

func TestWithStaleMarker(t *testing.T) {
	ticker := &market.Ticker{Symbol: "BTCUSDT", LastPrice: 100}

	fresh, err := json.Marshal(withStale(ticker, false))
	require.NoError(t, err)
	assert.NotContains(t, string(fresh), "_stale")

	stale, err := json.Marshal(withStale(ticker, true))
	require.NoError(t, err)
	assert.Contains(t, string(stale), `"_stale":true`)
	assert.Contains(t, string(stale), `"lastPrice":100`)
}

func TestLimitParamDefaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?limit=abc", nil)
	assert.Equal(t, 50, limitParam(req, 50))

	req = httptest.NewRequest(http.MethodGet, "/x?limit=-3", nil)
	assert.Equal(t, 50, limitParam(req, 50))

	req = httptest.NewRequest(http.MethodGet, "/x?limit=7", nil)
	assert.Equal(t, 7, limitParam(req, 50))
}
