package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markethub/internal/adapter"
	"markethub/internal/cache"
	"markethub/internal/dedup"
	"markethub/internal/market"
)

type fakeAdapter struct {
	ex market.Exchange

	instruments []market.Instrument
	tickers     map[string]*market.Ticker
	funding     map[string]*market.Funding

	oiCalls atomic.Int64
	oi      map[string]*market.OpenInterest

	klineCalls atomic.Int64
	klineDelay time.Duration
	klines     []market.Candle
	klineErr   error
}

func (f *fakeAdapter) Name() market.Exchange                  { return f.ex }
func (f *fakeAdapter) Connect(context.Context) error          { return nil }
func (f *fakeAdapter) Close() error                           { return nil }
func (f *fakeAdapter) IsConnected() bool                      { return true }
func (f *fakeAdapter) SymbolCount() int                       { return 0 }
func (f *fakeAdapter) LastUpdate() time.Time                  { return time.Time{} }
func (f *fakeAdapter) SetDataHandler(adapter.DataHandler)     {}
func (f *fakeAdapter) SetStatusHandler(adapter.StatusHandler) {}

func (f *fakeAdapter) SubscribeHotSymbols([]string) error       { return nil }
func (f *fakeAdapter) SubscribeSymbol(string, []string) error   { return nil }
func (f *fakeAdapter) UnsubscribeSymbol(string, []string) error { return nil }
func (f *fakeAdapter) SubscribeKline(string, string) error      { return nil }
func (f *fakeAdapter) UnsubscribeKline(string, string) error    { return nil }
func (f *fakeAdapter) SubscribeLiquidations() error             { return nil }
func (f *fakeAdapter) UnsubscribeLiquidations() error           { return nil }

func (f *fakeAdapter) FetchInstruments(context.Context) ([]market.Instrument, error) {
	return f.instruments, nil
}

func (f *fakeAdapter) FetchTickers(context.Context) (map[string]*market.Ticker, error) {
	return f.tickers, nil
}

func (f *fakeAdapter) FetchFunding(context.Context) (map[string]*market.Funding, error) {
	return f.funding, nil
}

func (f *fakeAdapter) FetchOpenInterest(_ context.Context, symbol string) (*market.OpenInterest, error) {
	f.oiCalls.Add(1)
	if oi, ok := f.oi[symbol]; ok {
		return oi, nil
	}
	return nil, adapter.ErrUnsupported
}

func (f *fakeAdapter) FetchKlines(context.Context, string, string, int, int64) ([]market.Candle, error) {
	f.klineCalls.Add(1)
	if f.klineDelay > 0 {
		time.Sleep(f.klineDelay)
	}
	return f.klines, f.klineErr
}

func newPoller(fa *fakeAdapter) (*Poller, *cache.Cache) {
	c := cache.New(cache.DefaultOptions())
	p := New(map[market.Exchange]adapter.Adapter{fa.ex: fa}, c, dedup.New(), time.Minute)
	return p, c
}

func TestPollExchangeWarmsCache(t *testing.T) {
	fa := &fakeAdapter{
		ex: market.Bybit,
		instruments: []market.Instrument{
			{Symbol: "BTCUSDT", BaseCoin: "BTC", QuoteCoin: "USDT", Status: "Trading"},
		},
		tickers: map[string]*market.Ticker{
			"BTCUSDT": {Symbol: "BTCUSDT", LastPrice: 100, Turnover24h: 5000, OpenInterest: 42},
		},
		funding: map[string]*market.Funding{
			"BTCUSDT": {Symbol: "BTCUSDT", FundingRate: 0.0001},
		},
	}
	p, c := newPoller(fa)

	require.NoError(t, p.PollExchange(context.Background(), market.Bybit))

	tk, ok := c.GetTicker(market.Bybit, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 100.0, tk.LastPrice)

	_, ok = c.GetInstrument(market.Bybit, "BTCUSDT")
	assert.True(t, ok)

	f, ok := c.GetFunding(market.Bybit, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 0.0001, f.FundingRate)

	oi, ok := c.GetOpenInterest(market.Bybit, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 42.0, oi.OpenInterest)
}

func TestPollExchangeFetchesOpenInterestPerSymbol(t *testing.T) {
	// Tickers without open interest trigger per-symbol fetches.
	fa := &fakeAdapter{
		ex: market.Binance,
		tickers: map[string]*market.Ticker{
			"BTCUSDT": {Symbol: "BTCUSDT", LastPrice: 100, Turnover24h: 900},
			"ETHUSDT": {Symbol: "ETHUSDT", LastPrice: 10, Turnover24h: 500},
		},
		oi: map[string]*market.OpenInterest{
			"BTCUSDT": {Symbol: "BTCUSDT", OpenInterest: 12},
			"ETHUSDT": {Symbol: "ETHUSDT", OpenInterest: 7},
		},
	}
	p, c := newPoller(fa)

	require.NoError(t, p.PollExchange(context.Background(), market.Binance))

	oi, ok := c.GetOpenInterest(market.Binance, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 12.0, oi.OpenInterest)
	oi, ok = c.GetOpenInterest(market.Binance, "ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 7.0, oi.OpenInterest)
	assert.Equal(t, int64(2), fa.oiCalls.Load())
}

func TestPollExchangeOpenInterestUnsupportedEndsPass(t *testing.T) {
	fa := &fakeAdapter{
		ex: market.Blofin,
		tickers: map[string]*market.Ticker{
			"BTCUSDT": {Symbol: "BTCUSDT", Turnover24h: 900},
			"ETHUSDT": {Symbol: "ETHUSDT", Turnover24h: 500},
		},
	}
	p, c := newPoller(fa)

	require.NoError(t, p.PollExchange(context.Background(), market.Blofin))

	_, ok := c.GetOpenInterest(market.Blofin, "BTCUSDT")
	assert.False(t, ok)
	// The first ErrUnsupported stops the per-symbol loop.
	assert.Equal(t, int64(1), fa.oiCalls.Load())
}

func TestTopSymbolsByVolume(t *testing.T) {
	fa := &fakeAdapter{ex: market.Bybit}
	p, c := newPoller(fa)

	c.SetTicker(market.Bybit, "BTCUSDT", &market.Ticker{Symbol: "BTCUSDT", Turnover24h: 900})
	c.SetTicker(market.Bybit, "ETHUSDT", &market.Ticker{Symbol: "ETHUSDT", Turnover24h: 1200})
	c.SetTicker(market.Bybit, "SOLUSDT", &market.Ticker{Symbol: "SOLUSDT", Turnover24h: 300})
	c.SetTicker(market.Bybit, "DEADUSDT", &market.Ticker{Symbol: "DEADUSDT"})

	top := p.TopSymbolsByVolume(market.Bybit, 2)
	assert.Equal(t, []string{"ETHUSDT", "BTCUSDT"}, top)

	all := p.TopSymbolsByVolume(market.Bybit, 10)
	assert.Len(t, all, 3) // zero-turnover symbol excluded
}

func TestFetchKlinesMergesAndCollapses(t *testing.T) {
	fa := &fakeAdapter{
		ex:         market.Bybit,
		klineDelay: 20 * time.Millisecond,
		klines: []market.Candle{
			{T: 60000, C: 1, Closed: true},
			{T: 120000, C: 2, Closed: true},
		},
	}
	p, c := newPoller(fa)

	var wg sync.WaitGroup
	results := make([][]market.Candle, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := p.FetchKlines(context.Background(), market.Bybit, "BTCUSDT", "1", 200, 500000)
			assert.NoError(t, err)
			results[i] = out
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fa.klineCalls.Load())
	assert.Len(t, results[0], 2)
	assert.Equal(t, results[0], results[1])

	cached := c.GetKlines(market.Bybit, "BTCUSDT", "1", 10)
	assert.Len(t, cached, 2)
	assert.Equal(t, int64(60000), cached[0].T)
}

func TestFetchKlinesErrorPropagatesToAllJoiners(t *testing.T) {
	fa := &fakeAdapter{
		ex:         market.Bybit,
		klineDelay: 20 * time.Millisecond,
		klineErr:   errors.New("rate limited"),
	}
	p, _ := newPoller(fa)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.FetchKlines(context.Background(), market.Bybit, "BTCUSDT", "1", 200, 0)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fa.klineCalls.Load())
	assert.Error(t, errs[0])
	assert.Error(t, errs[1])
}
