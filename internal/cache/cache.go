package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"markethub/internal/market"
	"markethub/internal/metrics"
)

// Collection names used for lastUpdate bookkeeping and health counts.
const (
	colTickers      = "tickers"
	colOrderbooks   = "orderbooks"
	colTrades       = "trades"
	colInstruments  = "instruments"
	colFunding      = "funding"
	colOpenInterest = "openInterest"
	colKlines       = "klines"
	colLiquidations = "liquidations"
)

// Options tunes ring caps and staleness behavior.
type Options struct {
	TradeRing       int
	KlineRing       int
	LiquidationRing int
	StaleThreshold  time.Duration
	SweepInterval   time.Duration
	SweepTTL        time.Duration
	QueueSize       int // per-subscriber buffered queue
}

// DefaultOptions match the documented tunables.
func DefaultOptions() Options {
	return Options{
		TradeRing:       100,
		KlineRing:       500,
		LiquidationRing: 100,
		StaleThreshold:  5 * time.Minute,
		SweepInterval:   10 * time.Minute,
		SweepTTL:        5 * time.Minute,
		QueueSize:       128,
	}
}

// Cache is the in-memory current-state store. Mutations never fail;
// missing keys read as zero values. Every mutation stamps lastUpdate and
// notifies channel subscribers.
type Cache struct {
	opts Options

	tickersMu sync.RWMutex
	tickers   map[string]*market.Ticker

	booksMu sync.RWMutex
	books   map[string]*bookState

	tradesMu sync.RWMutex
	trades   map[string][]market.Trade

	instMu      sync.RWMutex
	instruments map[market.Exchange]map[string]market.Instrument

	fundingMu sync.RWMutex
	funding   map[string]market.Funding

	oiMu sync.RWMutex
	oi   map[string]market.OpenInterest

	klinesMu sync.RWMutex
	klines   map[string][]market.Candle

	liqsMu sync.RWMutex
	liqs   map[string][]market.Liquidation

	updatedMu sync.RWMutex
	updated   map[string]time.Time

	subsMu sync.Mutex
	subs   map[string][]*subscriber

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	return &Cache{
		opts:        opts,
		tickers:     make(map[string]*market.Ticker),
		books:       make(map[string]*bookState),
		trades:      make(map[string][]market.Trade),
		instruments: make(map[market.Exchange]map[string]market.Instrument),
		funding:     make(map[string]market.Funding),
		oi:          make(map[string]market.OpenInterest),
		klines:      make(map[string][]market.Candle),
		liqs:        make(map[string][]market.Liquidation),
		updated:     make(map[string]time.Time),
		subs:        make(map[string][]*subscriber),
		sweepStop:   make(chan struct{}),
	}
}

func key(ex market.Exchange, symbol string) string {
	return string(ex) + ":" + symbol
}

func klineKey(ex market.Exchange, symbol, interval string) string {
	return string(ex) + ":" + symbol + ":" + interval
}

func (c *Cache) touch(collection, k string) {
	c.updatedMu.Lock()
	c.updated[collection+"|"+k] = time.Now()
	c.updatedMu.Unlock()
}

// IsStale reports whether the collection entry has not been written for
// longer than the stale threshold. Unknown keys are stale.
func (c *Cache) IsStale(collection string, ex market.Exchange, symbol string) bool {
	c.updatedMu.RLock()
	ts, ok := c.updated[collection+"|"+key(ex, symbol)]
	c.updatedMu.RUnlock()
	return !ok || time.Since(ts) > c.opts.StaleThreshold
}

// SetTicker merges the incoming ticker into the cached record.
// Zero-valued fields on in are treated as absent.
func (c *Cache) SetTicker(ex market.Exchange, symbol string, in *market.Ticker) {
	if in == nil {
		return
	}
	k := key(ex, symbol)

	c.tickersMu.Lock()
	cur, ok := c.tickers[k]
	if !ok {
		cur = &market.Ticker{Symbol: symbol}
		c.tickers[k] = cur
	}
	mergeTicker(cur, in)
	snap := *cur
	c.notifyLocked(market.ChannelTickers, ex, symbol, &snap)
	c.tickersMu.Unlock()

	c.touch(colTickers, k)
}

func mergeTicker(dst, src *market.Ticker) {
	if src.LastPrice != 0 {
		dst.LastPrice = src.LastPrice
	}
	if src.MarkPrice != 0 {
		dst.MarkPrice = src.MarkPrice
	}
	if src.IndexPrice != 0 {
		dst.IndexPrice = src.IndexPrice
	}
	if src.Bid1Price != 0 {
		dst.Bid1Price = src.Bid1Price
	}
	if src.Ask1Price != 0 {
		dst.Ask1Price = src.Ask1Price
	}
	if src.High24h != 0 {
		dst.High24h = src.High24h
	}
	if src.Low24h != 0 {
		dst.Low24h = src.Low24h
	}
	if src.Open24h != 0 {
		dst.Open24h = src.Open24h
	}
	if src.Volume24h != 0 {
		dst.Volume24h = src.Volume24h
	}
	if src.Turnover24h != 0 {
		dst.Turnover24h = src.Turnover24h
	}
	if src.Price24hPcnt != 0 {
		dst.Price24hPcnt = src.Price24hPcnt
	}
	if src.FundingRate != 0 {
		dst.FundingRate = src.FundingRate
	}
	if src.NextFundingTime != 0 {
		dst.NextFundingTime = src.NextFundingTime
	}
	if src.OpenInterest != 0 {
		dst.OpenInterest = src.OpenInterest
	}
}

// GetTicker returns the merged ticker and whether it is stale.
func (c *Cache) GetTicker(ex market.Exchange, symbol string) (*market.Ticker, bool) {
	c.tickersMu.RLock()
	t, ok := c.tickers[key(ex, symbol)]
	var snap *market.Ticker
	if ok {
		cp := *t
		snap = &cp
	}
	c.tickersMu.RUnlock()
	if !ok {
		return nil, false
	}
	return snap, c.IsStale(colTickers, ex, symbol)
}

// GetAllTickers returns a copy of every ticker for the exchange.
func (c *Cache) GetAllTickers(ex market.Exchange) map[string]*market.Ticker {
	prefix := string(ex) + ":"
	out := make(map[string]*market.Ticker)
	c.tickersMu.RLock()
	for k, t := range c.tickers {
		if strings.HasPrefix(k, prefix) {
			cp := *t
			out[t.Symbol] = &cp
		}
	}
	c.tickersMu.RUnlock()
	return out
}

// SetInstruments replaces the instrument set for the exchange wholesale.
func (c *Cache) SetInstruments(ex market.Exchange, list []market.Instrument) {
	m := make(map[string]market.Instrument, len(list))
	for _, inst := range list {
		m[inst.Symbol] = inst
	}
	c.instMu.Lock()
	c.instruments[ex] = m
	c.instMu.Unlock()
	c.touch(colInstruments, string(ex))
}

// GetInstruments returns the instrument set for the exchange.
func (c *Cache) GetInstruments(ex market.Exchange) map[string]market.Instrument {
	c.instMu.RLock()
	defer c.instMu.RUnlock()
	out := make(map[string]market.Instrument, len(c.instruments[ex]))
	for sym, inst := range c.instruments[ex] {
		out[sym] = inst
	}
	return out
}

// GetInstrument returns one instrument, if known.
func (c *Cache) GetInstrument(ex market.Exchange, symbol string) (market.Instrument, bool) {
	c.instMu.RLock()
	defer c.instMu.RUnlock()
	inst, ok := c.instruments[ex][symbol]
	return inst, ok
}

// SetFunding stores the funding state and notifies funding subscribers.
func (c *Cache) SetFunding(ex market.Exchange, symbol string, f market.Funding) {
	f.Symbol = symbol
	k := key(ex, symbol)
	c.fundingMu.Lock()
	c.funding[k] = f
	c.notifyLocked(market.ChannelFunding, ex, symbol, &f)
	c.fundingMu.Unlock()
	c.touch(colFunding, k)
}

// GetFunding returns the funding state and whether it is stale.
func (c *Cache) GetFunding(ex market.Exchange, symbol string) (*market.Funding, bool) {
	c.fundingMu.RLock()
	f, ok := c.funding[key(ex, symbol)]
	c.fundingMu.RUnlock()
	if !ok {
		return nil, false
	}
	return &f, c.IsStale(colFunding, ex, symbol)
}

// GetAllFunding returns every funding record for the exchange.
func (c *Cache) GetAllFunding(ex market.Exchange) map[string]*market.Funding {
	prefix := string(ex) + ":"
	out := make(map[string]*market.Funding)
	c.fundingMu.RLock()
	for k, f := range c.funding {
		if strings.HasPrefix(k, prefix) {
			cp := f
			out[f.Symbol] = &cp
		}
	}
	c.fundingMu.RUnlock()
	return out
}

// SetOpenInterest stores the open interest for a symbol.
func (c *Cache) SetOpenInterest(ex market.Exchange, symbol string, oi market.OpenInterest) {
	oi.Symbol = symbol
	k := key(ex, symbol)
	c.oiMu.Lock()
	c.oi[k] = oi
	c.oiMu.Unlock()
	c.touch(colOpenInterest, k)
}

// GetOpenInterest returns the open interest and whether it is stale.
func (c *Cache) GetOpenInterest(ex market.Exchange, symbol string) (*market.OpenInterest, bool) {
	c.oiMu.RLock()
	oi, ok := c.oi[key(ex, symbol)]
	c.oiMu.RUnlock()
	if !ok {
		return nil, false
	}
	return &oi, c.IsStale(colOpenInterest, ex, symbol)
}

// Counts reports entry counts per collection for the health endpoint.
func (c *Cache) Counts() map[string]int {
	out := make(map[string]int, 8)

	c.tickersMu.RLock()
	out[colTickers] = len(c.tickers)
	c.tickersMu.RUnlock()

	c.booksMu.RLock()
	out[colOrderbooks] = len(c.books)
	c.booksMu.RUnlock()

	c.tradesMu.RLock()
	out[colTrades] = len(c.trades)
	c.tradesMu.RUnlock()

	c.instMu.RLock()
	n := 0
	for _, m := range c.instruments {
		n += len(m)
	}
	out[colInstruments] = n
	c.instMu.RUnlock()

	c.fundingMu.RLock()
	out[colFunding] = len(c.funding)
	c.fundingMu.RUnlock()

	c.oiMu.RLock()
	out[colOpenInterest] = len(c.oi)
	c.oiMu.RUnlock()

	c.klinesMu.RLock()
	out[colKlines] = len(c.klines)
	c.klinesMu.RUnlock()

	c.liqsMu.RLock()
	out[colLiquidations] = len(c.liqs)
	c.liqsMu.RUnlock()

	for col, n := range out {
		metrics.CacheEntries.WithLabelValues(col).Set(float64(n))
	}
	return out
}

// CountForExchange returns how many ticker entries exist for an exchange.
func (c *Cache) CountForExchange(ex market.Exchange) int {
	prefix := string(ex) + ":"
	n := 0
	c.tickersMu.RLock()
	for k := range c.tickers {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	c.tickersMu.RUnlock()
	return n
}

// StartSweeper runs the periodic stale sweep until StopSweeper.
func (c *Cache) StartSweeper() {
	go func() {
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.sweepStop:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// StopSweeper halts the periodic sweep.
func (c *Cache) StopSweeper() {
	c.sweepOnce.Do(func() { close(c.sweepStop) })
}

// sweep drops entries whose lastUpdate exceeds the TTL. Instruments are
// wholesale-replaced by the poller and are not swept.
func (c *Cache) sweep() {
	metrics.CacheSweeps.Inc()
	cutoff := time.Now().Add(-c.opts.SweepTTL)

	var expired []string
	c.updatedMu.Lock()
	for k, ts := range c.updated {
		if ts.Before(cutoff) {
			expired = append(expired, k)
			delete(c.updated, k)
		}
	}
	c.updatedMu.Unlock()

	evicted := 0
	for _, entry := range expired {
		col, k, found := strings.Cut(entry, "|")
		if !found {
			continue
		}
		switch col {
		case colTickers:
			c.tickersMu.Lock()
			delete(c.tickers, k)
			c.tickersMu.Unlock()
		case colOrderbooks:
			c.booksMu.Lock()
			delete(c.books, k)
			c.booksMu.Unlock()
		case colTrades:
			c.tradesMu.Lock()
			delete(c.trades, k)
			c.tradesMu.Unlock()
		case colFunding:
			c.fundingMu.Lock()
			delete(c.funding, k)
			c.fundingMu.Unlock()
		case colOpenInterest:
			c.oiMu.Lock()
			delete(c.oi, k)
			c.oiMu.Unlock()
		case colKlines:
			c.klinesMu.Lock()
			delete(c.klines, k)
			c.klinesMu.Unlock()
		case colLiquidations:
			c.liqsMu.Lock()
			delete(c.liqs, k)
			c.liqsMu.Unlock()
		default:
			continue
		}
		evicted++
	}

	if evicted > 0 {
		metrics.CacheEvictions.Add(float64(evicted))
		log.Debug().Int("evicted", evicted).Msg("Stale sweep complete")
	}
}
