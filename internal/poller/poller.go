// Package poller warms and refreshes the slow-moving collections over
// REST: instruments, tickers, funding and open interest on a fixed
// interval, plus on-demand historical klines.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"markethub/internal/adapter"
	"markethub/internal/cache"
	"markethub/internal/dedup"
	"markethub/internal/market"
)

const maxJitter = 2 * time.Second

// oiFetchLimit bounds per-symbol open interest requests on exchanges
// whose tickers do not carry it.
const oiFetchLimit = 30

// Poller drives the periodic REST refresh across all adapters.
type Poller struct {
	adapters map[market.Exchange]adapter.Adapter
	cache    *cache.Cache
	dedup    *dedup.Deduplicator
	interval time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a poller over the given adapters.
func New(adapters map[market.Exchange]adapter.Adapter, c *cache.Cache, dd *dedup.Deduplicator, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		adapters: adapters,
		cache:    c,
		dedup:    dd,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs one blocking poll to warm the caches, then refreshes in
// the background until Stop. Periodic polls begin after a 0-2 s jitter
// so restarted instances do not hit every exchange in lockstep.
func (p *Poller) Start(ctx context.Context) {
	p.PollAll(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				select {
				case <-p.done:
					return
				case <-time.After(time.Duration(rand.Int63n(int64(maxJitter)))):
				}
				p.PollAll(ctx)
			}
		}
	}()
}

// Stop halts the periodic refresh.
func (p *Poller) Stop() {
	close(p.done)
	p.wg.Wait()
}

// PollAll refreshes every exchange concurrently; one exchange failing
// never blocks the others.
func (p *Poller) PollAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for ex := range p.adapters {
		ex := ex
		g.Go(func() error {
			if err := p.PollExchange(gctx, ex); err != nil {
				log.Warn().Err(err).Str("exchange", string(ex)).Msg("Poll failed")
			}
			return nil
		})
	}
	g.Wait()
}

// PollExchange fetches instruments, tickers and funding for one
// exchange and writes them into the cache. Open interest rides on the
// ticker payload where the exchange provides it; otherwise the busiest
// symbols are fetched individually.
func (p *Poller) PollExchange(ctx context.Context, ex market.Exchange) error {
	a, ok := p.adapters[ex]
	if !ok {
		return fmt.Errorf("unknown exchange %s", ex)
	}

	instruments, err := a.FetchInstruments(ctx)
	if err != nil {
		return fmt.Errorf("instruments: %w", err)
	}
	p.cache.SetInstruments(ex, instruments)

	tickers, err := a.FetchTickers(ctx)
	if err != nil {
		return fmt.Errorf("tickers: %w", err)
	}
	oiFromTickers := false
	for sym, t := range tickers {
		p.cache.SetTicker(ex, sym, t)
		if t.OpenInterest > 0 {
			oiFromTickers = true
			p.cache.SetOpenInterest(ex, sym, market.OpenInterest{
				Symbol:       sym,
				OpenInterest: t.OpenInterest,
			})
		}
	}
	if !oiFromTickers {
		p.pollOpenInterest(ctx, ex, a, tickers)
	}

	funding, err := a.FetchFunding(ctx)
	if err != nil {
		return fmt.Errorf("funding: %w", err)
	}
	for sym, f := range funding {
		p.cache.SetFunding(ex, sym, *f)
	}

	log.Debug().
		Str("exchange", string(ex)).
		Int("instruments", len(instruments)).
		Int("tickers", len(tickers)).
		Msg("Poll complete")
	return nil
}

// pollOpenInterest fetches open interest per symbol, highest turnover
// first, bounded to oiFetchLimit. An ErrUnsupported on the first call
// ends the pass for exchanges with no such endpoint.
func (p *Poller) pollOpenInterest(ctx context.Context, ex market.Exchange, a adapter.Adapter, tickers map[string]*market.Ticker) {
	type ranked struct {
		sym      string
		turnover float64
	}
	rows := make([]ranked, 0, len(tickers))
	for sym, t := range tickers {
		if t.Turnover24h > 0 {
			rows = append(rows, ranked{sym, t.Turnover24h})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].turnover > rows[j].turnover })
	if len(rows) > oiFetchLimit {
		rows = rows[:oiFetchLimit]
	}
	for _, r := range rows {
		oi, err := a.FetchOpenInterest(ctx, r.sym)
		if err != nil {
			if errors.Is(err, adapter.ErrUnsupported) {
				return
			}
			log.Debug().Err(err).
				Str("exchange", string(ex)).
				Str("symbol", r.sym).
				Msg("Open interest fetch failed")
			continue
		}
		p.cache.SetOpenInterest(ex, r.sym, *oi)
	}
}

// TopSymbolsByVolume ranks cached tickers by quote turnover and returns
// up to n symbols. Symbols with no recorded turnover are skipped.
func (p *Poller) TopSymbolsByVolume(ex market.Exchange, n int) []string {
	tickers := p.cache.GetAllTickers(ex)
	type ranked struct {
		sym      string
		turnover float64
	}
	rows := make([]ranked, 0, len(tickers))
	for sym, t := range tickers {
		if t.Turnover24h > 0 {
			rows = append(rows, ranked{sym, t.Turnover24h})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].turnover > rows[j].turnover })
	if len(rows) > n {
		rows = rows[:n]
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.sym
	}
	return out
}

// FetchKlines pulls a historical candle batch, merges it into the
// cached ring and returns the merged window. Identical concurrent pulls
// collapse to one upstream request.
func (p *Poller) FetchKlines(ctx context.Context, ex market.Exchange, symbol, interval string, limit int, before int64) ([]market.Candle, error) {
	a, ok := p.adapters[ex]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %s", ex)
	}

	key := fmt.Sprintf("%s:klines:%s:%s:%d", ex, symbol, interval, before)
	v, err := p.dedup.Execute(key, func() (any, error) {
		batch, err := a.FetchKlines(ctx, symbol, interval, limit, before)
		if err != nil {
			return nil, err
		}
		return p.cache.MergeKlines(ex, symbol, interval, batch), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]market.Candle), nil
}
