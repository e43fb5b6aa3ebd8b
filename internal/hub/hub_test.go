package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markethub/internal/adapter"
	"markethub/internal/cache"
	"markethub/internal/dedup"
	"markethub/internal/demand"
	"markethub/internal/market"
	"markethub/internal/poller"
)

type fakeAdapter struct {
	ex market.Exchange

	mu           sync.Mutex
	subs         []string
	klineFetches int
}

func (f *fakeAdapter) Name() market.Exchange                  { return f.ex }
func (f *fakeAdapter) Connect(context.Context) error          { return nil }
func (f *fakeAdapter) Close() error                           { return nil }
func (f *fakeAdapter) IsConnected() bool                      { return true }
func (f *fakeAdapter) SymbolCount() int                       { return 0 }
func (f *fakeAdapter) LastUpdate() time.Time                  { return time.Now() }
func (f *fakeAdapter) SetDataHandler(adapter.DataHandler)     {}
func (f *fakeAdapter) SetStatusHandler(adapter.StatusHandler) {}

func (f *fakeAdapter) SubscribeHotSymbols([]string) error { return nil }

func (f *fakeAdapter) SubscribeSymbol(symbol string, channels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range channels {
		f.subs = append(f.subs, symbol+"/"+ch)
	}
	return nil
}

func (f *fakeAdapter) UnsubscribeSymbol(string, []string) error { return nil }
func (f *fakeAdapter) SubscribeKline(string, string) error      { return nil }
func (f *fakeAdapter) UnsubscribeKline(string, string) error    { return nil }
func (f *fakeAdapter) SubscribeLiquidations() error             { return nil }
func (f *fakeAdapter) UnsubscribeLiquidations() error           { return nil }

func (f *fakeAdapter) FetchInstruments(context.Context) ([]market.Instrument, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchTickers(context.Context) (map[string]*market.Ticker, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchFunding(context.Context) (map[string]*market.Funding, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchOpenInterest(context.Context, string) (*market.OpenInterest, error) {
	return nil, adapter.ErrUnsupported
}
func (f *fakeAdapter) FetchKlines(_ context.Context, _, _ string, limit int, _ int64) ([]market.Candle, error) {
	f.mu.Lock()
	f.klineFetches++
	f.mu.Unlock()
	out := make([]market.Candle, limit)
	for i := range out {
		out[i] = market.Candle{T: int64(i+1) * 60_000, C: float64(i + 1), Closed: true}
	}
	return out, nil
}

func (f *fakeAdapter) klineFetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.klineFetches
}

type fakeClient struct {
	id string

	mu   sync.Mutex
	msgs [][]byte
	dead bool
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return false
	}
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
	return true
}

func (c *fakeClient) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}

func newHub(t *testing.T) (*Hub, *fakeAdapter, *cache.Cache) {
	t.Helper()
	fa := &fakeAdapter{ex: market.Bybit}
	adapters := map[market.Exchange]adapter.Adapter{market.Bybit: fa}
	c := cache.New(cache.DefaultOptions())
	tracker := demand.New(adapters, time.Minute)
	p := poller.New(adapters, c, dedup.New(), time.Minute)
	h := New(Options{}, c, adapters, tracker, p, nil)
	t.Cleanup(tracker.Stop)
	return h, fa, c
}

type push struct {
	Type     string          `json:"type"`
	Exchange string          `json:"exchange"`
	Channel  string          `json:"channel"`
	Symbol   string          `json:"symbol"`
	Data     json.RawMessage `json:"data"`
}

func TestSubscribeDeliversSnapshotThenUpdates(t *testing.T) {
	h, fa, c := newHub(t)
	c.SetTicker(market.Bybit, "BTCUSDT", &market.Ticker{Symbol: "BTCUSDT", LastPrice: 100})

	cl := &fakeClient{id: "c1"}
	h.AddClient(cl)
	h.HandleClientMessage(cl, []byte(`{"action":"subscribe","exchange":"bybit","channel":"tickers","symbol":"BTCUSDT"}`))

	c.SetTicker(market.Bybit, "BTCUSDT", &market.Ticker{Symbol: "BTCUSDT", LastPrice: 101})

	var pushes []push
	assert.Eventually(t, func() bool {
		pushes = pushes[:0]
		for _, raw := range cl.received() {
			var p push
			if json.Unmarshal(raw, &p) == nil && p.Channel == "tickers" {
				pushes = append(pushes, p)
			}
		}
		return len(pushes) >= 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "snapshot", pushes[0].Type)
	assert.Contains(t, string(pushes[0].Data), `"lastPrice":100`)
	assert.Equal(t, "update", pushes[1].Type)
	assert.Contains(t, string(pushes[1].Data), `"lastPrice":101`)

	// Upstream subscribe was issued once.
	fa.mu.Lock()
	assert.Equal(t, []string{"BTCUSDT/tickers"}, fa.subs)
	fa.mu.Unlock()
}

func TestDuplicateSubscribeIsNoOp(t *testing.T) {
	h, fa, _ := newHub(t)

	cl := &fakeClient{id: "c1"}
	h.AddClient(cl)
	sub := []byte(`{"action":"subscribe","exchange":"bybit","channel":"trades","symbol":"BTCUSDT"}`)
	h.HandleClientMessage(cl, sub)
	h.HandleClientMessage(cl, sub)

	fa.mu.Lock()
	assert.Equal(t, []string{"BTCUSDT/trades"}, fa.subs)
	fa.mu.Unlock()
	assert.Equal(t, 1, h.tracker.RefCount(market.Bybit, market.ChannelTrades, "BTCUSDT"))
}

func TestPingRepliesPong(t *testing.T) {
	h, _, _ := newHub(t)

	cl := &fakeClient{id: "c1"}
	h.AddClient(cl)
	h.HandleClientMessage(cl, []byte(`{"action":"ping"}`))

	msgs := cl.received()
	require.NotEmpty(t, msgs)
	assert.Contains(t, string(msgs[len(msgs)-1]), `"type":"pong"`)
}

func TestCleanupClientDropsSubscriptions(t *testing.T) {
	h, _, c := newHub(t)

	cl := &fakeClient{id: "c1"}
	h.AddClient(cl)
	h.HandleClientMessage(cl, []byte(`{"action":"subscribe","exchange":"bybit","channel":"trades","symbol":"BTCUSDT"}`))
	h.HandleClientMessage(cl, []byte(`{"action":"subscribe","exchange":"bybit","channel":"klines","symbol":"BTCUSDT:1"}`))

	assert.Equal(t, 1, c.SubscriberCount(market.ChannelTrades, market.Bybit, "BTCUSDT"))
	assert.Equal(t, 1, h.tracker.RefCount(market.Bybit, market.ChannelKlines, "BTCUSDT:1"))

	h.CleanupClient(cl)

	assert.Equal(t, 0, c.SubscriberCount(market.ChannelTrades, market.Bybit, "BTCUSDT"))
	assert.Equal(t, 0, h.tracker.RefCount(market.Bybit, market.ChannelTrades, "BTCUSDT"))
	assert.Equal(t, 0, h.tracker.RefCount(market.Bybit, market.ChannelKlines, "BTCUSDT:1"))

	// Cleaning an unknown client is harmless.
	h.CleanupClient(cl)
}

func TestConnectedFrameShape(t *testing.T) {
	h, _, _ := newHub(t)

	cl := &fakeClient{id: "c1"}
	frame := h.AddClient(cl)

	var decoded struct {
		Type      string           `json:"type"`
		HubReady  bool             `json:"hubReady"`
		Exchanges []ExchangeStatus `json:"exchanges"`
	}
	require.NoError(t, json.Unmarshal(frame, &decoded))
	assert.Equal(t, "connected", decoded.Type)
	require.Len(t, decoded.Exchanges, 1)
	assert.Equal(t, "bybit", decoded.Exchanges[0].Name)
	assert.True(t, decoded.Exchanges[0].Connected)
}

func TestHealthDegradedStates(t *testing.T) {
	h, _, _ := newHub(t)
	h.started = time.Now()

	// All adapters report connected.
	hs := h.HealthSnapshot()
	assert.Equal(t, "healthy", hs.Status)
	assert.Contains(t, hs.Exchanges, "bybit")
}

func TestKlineFallbackServesWarmRingForSmallLimits(t *testing.T) {
	h, fa, c := newHub(t)
	for i := 0; i < 500; i++ {
		c.UpdateKline(market.Bybit, "BTCUSDT", "1", market.Candle{T: int64(i+1) * 60_000, C: float64(i + 1), Closed: true})
	}

	out, err := h.GetKlinesWithFallback(context.Background(), market.Bybit, "BTCUSDT", "1", 10)
	require.NoError(t, err)
	require.Len(t, out, 10)
	// Newest window of the ring, no REST round-trip.
	assert.Equal(t, int64(500*60_000), out[len(out)-1].T)
	assert.Zero(t, fa.klineFetchCount())
}

func TestKlineFallbackPullsShallowRing(t *testing.T) {
	h, fa, c := newHub(t)
	for i := 0; i < 20; i++ {
		c.UpdateKline(market.Bybit, "BTCUSDT", "1", market.Candle{T: int64(i+1) * 60_000, C: float64(i + 1), Closed: true})
	}

	out, err := h.GetKlinesWithFallback(context.Background(), market.Bybit, "BTCUSDT", "1", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Equal(t, 1, fa.klineFetchCount())
}

type fakePublisher struct {
	mu  sync.Mutex
	evs []market.Event
}

func (p *fakePublisher) Publish(ev market.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evs = append(p.evs, ev)
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.evs)
}

func TestMirrorPublishesOffIngestPath(t *testing.T) {
	fa := &fakeAdapter{ex: market.Bybit}
	adapters := map[market.Exchange]adapter.Adapter{market.Bybit: fa}
	c := cache.New(cache.DefaultOptions())
	tracker := demand.New(adapters, time.Minute)
	p := poller.New(adapters, c, dedup.New(), time.Minute)
	pub := &fakePublisher{}
	h := New(Options{}, c, adapters, tracker, p, pub)
	t.Cleanup(tracker.Stop)

	h.onData(market.Event{
		Exchange: market.Bybit, Channel: market.ChannelTickers, Symbol: "BTCUSDT",
		Data: &market.Ticker{Symbol: "BTCUSDT", LastPrice: 1},
	})

	assert.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestOnDataDispatch(t *testing.T) {
	h, _, c := newHub(t)

	h.onData(market.Event{
		Exchange: market.Bybit, Channel: market.ChannelTickers, Symbol: "BTCUSDT",
		Data: &market.Ticker{Symbol: "BTCUSDT", LastPrice: 5, OpenInterest: 7},
	})
	h.onData(market.Event{
		Exchange: market.Bybit, Channel: market.ChannelTrades, Symbol: "BTCUSDT",
		Data: []market.Trade{{TradeID: "1", Price: 5, Size: 1, Side: "buy", Timestamp: 1}},
	})
	h.onData(market.Event{
		Exchange: market.Bybit, Channel: market.ChannelKlines, Symbol: "BTCUSDT", Interval: "1",
		Data: &market.Candle{T: 60000, C: 5},
	})
	h.onData(market.Event{
		Exchange: market.Bybit, Channel: market.ChannelLiquidations, Symbol: "BTCUSDT",
		Data: &market.Liquidation{ID: "x", Symbol: "BTCUSDT", Price: 5, Size: 1, Side: "Buy", Timestamp: 1},
	})

	tk, ok := c.GetTicker(market.Bybit, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 5.0, tk.LastPrice)

	oi, ok := c.GetOpenInterest(market.Bybit, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 7.0, oi.OpenInterest)

	assert.Len(t, c.GetTrades(market.Bybit, "BTCUSDT", 10), 1)
	assert.Len(t, c.GetKlines(market.Bybit, "BTCUSDT", "1", 10), 1)
	assert.Len(t, c.GetLiquidations(market.Bybit, "ALL", 10), 1)
}
