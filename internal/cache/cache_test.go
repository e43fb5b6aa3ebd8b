package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markethub/internal/market"
)

func newTestCache() *Cache {
	return New(DefaultOptions())
}

func TestTickerMerge(t *testing.T) {
	c := newTestCache()

	c.SetTicker(market.Bybit, "BTCUSDT", &market.Ticker{LastPrice: 100, Volume24h: 5})
	c.SetTicker(market.Bybit, "BTCUSDT", &market.Ticker{MarkPrice: 101})

	got, stale := c.GetTicker(market.Bybit, "BTCUSDT")
	require.NotNil(t, got)
	assert.False(t, stale)
	assert.Equal(t, 100.0, got.LastPrice)
	assert.Equal(t, 101.0, got.MarkPrice)
	assert.Equal(t, 5.0, got.Volume24h)
}

func TestTickerMissingKey(t *testing.T) {
	c := newTestCache()
	got, _ := c.GetTicker(market.Bybit, "NOPE")
	assert.Nil(t, got)
	assert.Empty(t, c.GetAllTickers(market.Bybit))
}

func TestTradeRingBoundedAndDeduped(t *testing.T) {
	c := newTestCache()

	for batch := 0; batch < 30; batch++ {
		trades := make([]market.Trade, 0, 10)
		for i := 0; i < 10; i++ {
			trades = append(trades, market.Trade{
				TradeID:   fmt.Sprintf("t-%d-%d", batch, i),
				Price:     100 + float64(i),
				Size:      1,
				Side:      "buy",
				Timestamp: int64(batch*10 + i),
			})
		}
		c.AddTrades(market.Bybit, "BTCUSDT", trades)
	}

	ring := c.GetTrades(market.Bybit, "BTCUSDT", 0)
	assert.Len(t, ring, 100)

	ids := make(map[string]struct{})
	for _, tr := range ring {
		_, dup := ids[tr.TradeID]
		assert.False(t, dup, "duplicate trade id %s", tr.TradeID)
		ids[tr.TradeID] = struct{}{}
	}

	// Newest first
	assert.Equal(t, "t-29-9", ring[0].TradeID)
}

func TestTradeDedupComposite(t *testing.T) {
	c := newTestCache()

	batch := []market.Trade{
		{Price: 100, Size: 1, Side: "buy", Timestamp: 1},
		{Price: 100, Size: 1, Side: "buy", Timestamp: 1}, // in-batch dup
		{Price: 100, Size: 2, Side: "buy", Timestamp: 1},
	}
	c.AddTrades(market.Blofin, "ETHUSDT", batch)
	c.AddTrades(market.Blofin, "ETHUSDT", batch) // replayed batch

	ring := c.GetTrades(market.Blofin, "ETHUSDT", 0)
	assert.Len(t, ring, 2)
}

func TestOrderbookDelta(t *testing.T) {
	c := newTestCache()

	c.SetOrderbook(market.Bybit, "BTCUSDT", &market.BookDelta{
		Bids: []market.BookLevel{{Price: 99, Size: 1}, {Price: 100, Size: 2}},
		Asks: []market.BookLevel{{Price: 102, Size: 1}, {Price: 101, Size: 3}},
		Ts:   1000,
	})

	ob, _ := c.GetOrderbook(market.Bybit, "BTCUSDT")
	require.NotNil(t, ob)
	assert.Equal(t, 100.0, ob.Bids[0].Price) // desc
	assert.Equal(t, 101.0, ob.Asks[0].Price) // asc

	// Delta: remove 100 bid, upsert 98 bid, resize 101 ask
	c.UpdateOrderbook(market.Bybit, "BTCUSDT", &market.BookDelta{
		Bids: []market.BookLevel{{Price: 100, Size: 0}, {Price: 98, Size: 5}},
		Asks: []market.BookLevel{{Price: 101, Size: 7}},
		Ts:   1001,
	})

	ob, _ = c.GetOrderbook(market.Bybit, "BTCUSDT")
	require.Len(t, ob.Bids, 2)
	assert.Equal(t, 99.0, ob.Bids[0].Price)
	assert.Equal(t, 98.0, ob.Bids[1].Price)
	assert.Equal(t, 7.0, ob.Asks[0].Size)
	assert.Equal(t, int64(1001), ob.Timestamp)
}

func TestOrderbookDeltaSeedsUnknownBook(t *testing.T) {
	c := newTestCache()
	c.UpdateOrderbook(market.Binance, "BTCUSDT", &market.BookDelta{
		Bids: []market.BookLevel{{Price: 50, Size: 1}},
	})
	ob, _ := c.GetOrderbook(market.Binance, "BTCUSDT")
	require.NotNil(t, ob)
	assert.Len(t, ob.Bids, 1)
}

func TestKlineUpsertSortedBounded(t *testing.T) {
	c := newTestCache()

	// Out of order inserts, one overwrite
	for _, ts := range []int64{3000, 1000, 2000, 2000} {
		c.UpdateKline(market.Bybit, "BTCUSDT", "1", market.Candle{T: ts, C: float64(ts)})
	}
	ring := c.GetKlines(market.Bybit, "BTCUSDT", "1", 0)
	require.Len(t, ring, 3)
	for i := 1; i < len(ring); i++ {
		assert.Greater(t, ring[i].T, ring[i-1].T)
	}

	// Cap at 500
	for i := 0; i < 600; i++ {
		c.UpdateKline(market.Bybit, "BTCUSDT", "1", market.Candle{T: int64(10000 + i*60000)})
	}
	ring = c.GetKlines(market.Bybit, "BTCUSDT", "1", 0)
	assert.Len(t, ring, 500)
}

func TestMergeKlines(t *testing.T) {
	c := newTestCache()

	for _, ts := range []int64{1, 2, 3} {
		c.UpdateKline(market.Bybit, "BTCUSDT", "1", market.Candle{T: ts})
	}
	merged := c.MergeKlines(market.Bybit, "BTCUSDT", "1", []market.Candle{{T: 3}, {T: 4}, {T: 5}})

	require.Len(t, merged, 5)
	for i, want := range []int64{1, 2, 3, 4, 5} {
		assert.Equal(t, want, merged[i].T)
	}
}

func TestLiquidationMirror(t *testing.T) {
	c := newTestCache()

	l := market.Liquidation{ID: "liq-1", Price: 100, Size: 2, Side: "Sell", Timestamp: 42}
	c.AddLiquidation(market.Bybit, "BTCUSDT", l)

	perSym := c.GetLiquidations(market.Bybit, "BTCUSDT", 0)
	all := c.GetLiquidations(market.Bybit, market.AllSymbol, 0)
	require.Len(t, perSym, 1)
	require.Len(t, all, 1)
	assert.Equal(t, perSym[0], all[0])

	// Rings stay bounded
	for i := 0; i < 150; i++ {
		c.AddLiquidation(market.Bybit, "BTCUSDT", market.Liquidation{ID: fmt.Sprintf("x-%d", i)})
	}
	assert.Len(t, c.GetLiquidations(market.Bybit, "BTCUSDT", 0), 100)
	assert.Len(t, c.GetLiquidations(market.Bybit, market.AllSymbol, 0), 100)
}

func TestInstrumentsWholesaleReplace(t *testing.T) {
	c := newTestCache()

	c.SetInstruments(market.Bybit, []market.Instrument{{Symbol: "BTCUSDT"}, {Symbol: "ETHUSDT"}})
	c.SetInstruments(market.Bybit, []market.Instrument{{Symbol: "SOLUSDT"}})

	insts := c.GetInstruments(market.Bybit)
	assert.Len(t, insts, 1)
	_, ok := insts["SOLUSDT"]
	assert.True(t, ok)
}

func TestStaleness(t *testing.T) {
	opts := DefaultOptions()
	opts.StaleThreshold = 10 * time.Millisecond
	c := New(opts)

	c.SetFunding(market.Bybit, "BTCUSDT", market.Funding{FundingRate: 0.0001})
	_, stale := c.GetFunding(market.Bybit, "BTCUSDT")
	assert.False(t, stale)

	time.Sleep(20 * time.Millisecond)
	f, stale := c.GetFunding(market.Bybit, "BTCUSDT")
	require.NotNil(t, f) // stale reads still return the value
	assert.True(t, stale)
}

func TestSweeperDropsExpired(t *testing.T) {
	opts := DefaultOptions()
	opts.SweepTTL = time.Millisecond
	c := New(opts)

	c.SetTicker(market.Bybit, "BTCUSDT", &market.Ticker{LastPrice: 1})
	c.AddTrades(market.Bybit, "BTCUSDT", []market.Trade{{TradeID: "a", Price: 1, Size: 1}})
	time.Sleep(5 * time.Millisecond)
	c.sweep()

	got, _ := c.GetTicker(market.Bybit, "BTCUSDT")
	assert.Nil(t, got)
	assert.Empty(t, c.GetTrades(market.Bybit, "BTCUSDT", 0))
}

func TestCounts(t *testing.T) {
	c := newTestCache()
	c.SetTicker(market.Bybit, "BTCUSDT", &market.Ticker{LastPrice: 1})
	c.SetTicker(market.Binance, "BTCUSDT", &market.Ticker{LastPrice: 1})
	counts := c.Counts()
	assert.Equal(t, 2, counts["tickers"])
	assert.Equal(t, 2, c.CountForExchange(market.Bybit)+c.CountForExchange(market.Binance))
}
