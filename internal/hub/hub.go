// Package hub owns the adapters, cache, poller and demand tracker, and
// multiplexes downstream clients over their subscription sets.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"markethub/internal/adapter"
	"markethub/internal/cache"
	"markethub/internal/demand"
	"markethub/internal/market"
	"markethub/internal/metrics"
	"markethub/internal/poller"
)

// Client is a downstream connection the hub can push to. Send reports
// false when the connection is dead; the hub then cleans the client up.
type Client interface {
	ID() string
	Send(msg []byte) bool
}

// Publisher mirrors canonical events to an external transport.
// Failures are the publisher's problem; the hub never waits on it.
type Publisher interface {
	Publish(ev market.Event)
}

// mirrorBuffer is the pump queue depth between the adapter read-loops
// and the mirror. A full queue drops the event rather than stall
// ingest.
const mirrorBuffer = 1024

// Options carries the hub tunables.
type Options struct {
	ConnectBudget time.Duration
	StartupBudget time.Duration
	HotSetSize    int
	KlineWarmup   int // hottest symbols whose kline rings are prefetched
	KlineFallback int // min cached candles before skipping the REST pull
}

type clientState struct {
	subs map[string]func() // subscription key -> cache unsubscribe
}

// Hub binds adapters to the cache and fans cache pushes out to clients.
type Hub struct {
	opts     Options
	cache    *cache.Cache
	adapters map[market.Exchange]adapter.Adapter
	tracker  *demand.Tracker
	poller   *poller.Poller

	mirror     Publisher
	mirrorCh   chan market.Event
	mirrorDone chan struct{}
	mirrorWG   sync.WaitGroup

	started time.Time
	readyMu sync.RWMutex
	ready   bool

	mu      sync.Mutex
	clients map[Client]*clientState
}

// New wires the hub over already-constructed parts. The mirror may be
// nil.
func New(opts Options, c *cache.Cache, adapters map[market.Exchange]adapter.Adapter, tracker *demand.Tracker, p *poller.Poller, mirror Publisher) *Hub {
	if opts.ConnectBudget <= 0 {
		opts.ConnectBudget = 10 * time.Second
	}
	if opts.StartupBudget <= 0 {
		opts.StartupBudget = 15 * time.Second
	}
	if opts.HotSetSize <= 0 {
		opts.HotSetSize = 30
	}
	if opts.KlineFallback <= 0 {
		opts.KlineFallback = 50
	}
	h := &Hub{
		opts:     opts,
		cache:    c,
		adapters: adapters,
		tracker:  tracker,
		poller:   p,
		mirror:   mirror,
		clients:  make(map[Client]*clientState),
	}
	if mirror != nil {
		h.mirrorCh = make(chan market.Event, mirrorBuffer)
		h.mirrorDone = make(chan struct{})
		h.mirrorWG.Add(1)
		go h.mirrorPump()
	}
	return h
}

// mirrorPump forwards events to the mirror off the ingest path, and
// drains whatever is queued when the hub stops.
func (h *Hub) mirrorPump() {
	defer h.mirrorWG.Done()
	for {
		select {
		case ev := <-h.mirrorCh:
			h.mirror.Publish(ev)
		case <-h.mirrorDone:
			for {
				select {
				case ev := <-h.mirrorCh:
					h.mirror.Publish(ev)
				default:
					return
				}
			}
		}
	}
}

// Start connects every adapter concurrently, warms the caches with the
// initial poll, seeds the hot sets and starts the sweeper. The hub is
// ready when at least one exchange connects.
func (h *Hub) Start(ctx context.Context) error {
	h.started = time.Now()

	for _, a := range h.adapters {
		a.SetDataHandler(h.onData)
		a.SetStatusHandler(h.onStatus)
	}

	startCtx, cancel := context.WithTimeout(ctx, h.opts.StartupBudget)
	defer cancel()

	g, gctx := errgroup.WithContext(startCtx)
	for ex, a := range h.adapters {
		ex, a := ex, a
		g.Go(func() error {
			cctx, ccancel := context.WithTimeout(gctx, h.opts.ConnectBudget)
			defer ccancel()
			if err := a.Connect(cctx); err != nil {
				log.Warn().Err(err).Str("exchange", string(ex)).Msg("Adapter connect failed")
			}
			return nil
		})
	}
	g.Wait()

	h.poller.Start(ctx)

	for ex, a := range h.adapters {
		if !a.IsConnected() {
			continue
		}
		hot := h.poller.TopSymbolsByVolume(ex, h.opts.HotSetSize)
		if len(hot) > 0 {
			h.tracker.SetHotSymbols(ex, hot)
			go h.warmKlines(ctx, ex, hot)
		}
	}

	h.cache.StartSweeper()

	connected := h.connectedCount()
	h.readyMu.Lock()
	h.ready = connected > 0
	h.readyMu.Unlock()

	log.Info().
		Int("connected", connected).
		Int("exchanges", len(h.adapters)).
		Msg("Hub started")
	return nil
}

// Stop tears everything down: poller, timers, sweeper, adapters, the
// mirror pump and the client registry.
func (h *Hub) Stop() {
	h.poller.Stop()
	h.tracker.Stop()
	h.cache.StopSweeper()

	for ex, a := range h.adapters {
		a.SetStatusHandler(nil)
		a.SetDataHandler(nil)
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Str("exchange", string(ex)).Msg("Adapter close failed")
		}
	}

	if h.mirrorCh != nil {
		close(h.mirrorDone)
		h.mirrorWG.Wait()
	}

	h.mu.Lock()
	for c, st := range h.clients {
		for _, unsub := range st.subs {
			unsub()
		}
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.ClientsConnected.Set(0)

	h.readyMu.Lock()
	h.ready = false
	h.readyMu.Unlock()
	log.Info().Msg("Hub stopped")
}

// Cache exposes the state cache for the REST read surface.
func (h *Hub) Cache() *cache.Cache {
	return h.cache
}

// Ready reports whether at least one exchange has connected.
func (h *Hub) Ready() bool {
	h.readyMu.RLock()
	defer h.readyMu.RUnlock()
	return h.ready
}

// onData routes one normalized adapter event into the cache; the cache
// handles notify fan-out from there.
func (h *Hub) onData(ev market.Event) {
	switch ev.Channel {
	case market.ChannelTickers:
		t, ok := ev.Data.(*market.Ticker)
		if !ok {
			return
		}
		h.cache.SetTicker(ev.Exchange, ev.Symbol, t)
		if t.OpenInterest > 0 {
			h.cache.SetOpenInterest(ev.Exchange, ev.Symbol, market.OpenInterest{
				Symbol:       ev.Symbol,
				OpenInterest: t.OpenInterest,
			})
		}
	case market.ChannelOrderbook:
		d, ok := ev.Data.(*market.BookDelta)
		if !ok {
			return
		}
		if d.Snapshot {
			h.cache.SetOrderbook(ev.Exchange, ev.Symbol, d)
		} else {
			h.cache.UpdateOrderbook(ev.Exchange, ev.Symbol, d)
		}
	case market.ChannelTrades:
		trades, ok := ev.Data.([]market.Trade)
		if !ok {
			return
		}
		h.cache.AddTrades(ev.Exchange, ev.Symbol, trades)
	case market.ChannelKlines:
		k, ok := ev.Data.(*market.Candle)
		if !ok {
			return
		}
		h.cache.UpdateKline(ev.Exchange, ev.Symbol, ev.Interval, *k)
	case market.ChannelLiquidations:
		l, ok := ev.Data.(*market.Liquidation)
		if !ok {
			return
		}
		h.cache.AddLiquidation(ev.Exchange, ev.Symbol, *l)
	case market.ChannelFunding:
		f, ok := ev.Data.(*market.Funding)
		if !ok {
			return
		}
		h.cache.SetFunding(ev.Exchange, ev.Symbol, *f)
	}

	if h.mirrorCh != nil {
		select {
		case h.mirrorCh <- ev:
		default:
			metrics.MirrorDropped.Inc()
		}
	}
}

// warmKlines prefetches minute-candle history for the hottest symbols
// so the first chart request serves from cache.
func (h *Hub) warmKlines(ctx context.Context, ex market.Exchange, hot []string) {
	if h.opts.KlineWarmup <= 0 {
		return
	}
	n := h.opts.KlineWarmup
	if n > len(hot) {
		n = len(hot)
	}
	interval := market.DefaultKlineInterval(ex)
	for _, sym := range hot[:n] {
		if _, err := h.poller.FetchKlines(ctx, ex, sym, interval, 200, 0); err != nil {
			log.Debug().Err(err).
				Str("exchange", string(ex)).
				Str("symbol", sym).
				Msg("Kline warmup fetch failed")
		}
	}
}

func (h *Hub) onStatus(ex market.Exchange, connected bool) {
	h.Broadcast(map[string]any{
		"type":      "status",
		"exchange":  ex,
		"connected": connected,
	})
}

// Broadcast sends one message to every registered client. Dead clients
// are collected and cleaned up afterwards.
func (h *Hub) Broadcast(msg any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.Lock()
	targets := make([]Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	var dead []Client
	for _, c := range targets {
		if !c.Send(raw) {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		h.CleanupClient(c)
	}
}

func (h *Hub) connectedCount() int {
	n := 0
	for _, a := range h.adapters {
		if a.IsConnected() {
			n++
		}
	}
	return n
}
