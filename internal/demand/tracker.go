// Package demand reference-counts client subscriptions per
// (exchange, symbol, channel) and drives on-demand upstream subscribe
// and delayed unsubscribe against the exchange adapters.
package demand

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"markethub/internal/adapter"
	"markethub/internal/market"
	"markethub/internal/metrics"
)

// DefaultCleanupDelay is how long an unreferenced upstream subscription
// lingers before it is torn down.
const DefaultCleanupDelay = 60 * time.Second

type subscription struct {
	channels map[string]int
	hot      bool
}

// Tracker maps downstream interest onto upstream subscriptions. The
// first subscriber for a (key, channel) triggers the adapter subscribe;
// the last one leaving arms a cleanup timer instead of unsubscribing
// immediately, so churning clients do not flap the upstream socket.
type Tracker struct {
	adapters     map[market.Exchange]adapter.Adapter
	cleanupDelay time.Duration

	mu     sync.Mutex
	hot    map[market.Exchange]map[string]struct{}
	subs   map[string]*subscription // "ex:symbol[:interval]"
	timers map[string]*time.Timer   // key + "|" + channel
}

// New creates a tracker over the given adapters. A non-positive delay
// falls back to DefaultCleanupDelay.
func New(adapters map[market.Exchange]adapter.Adapter, cleanupDelay time.Duration) *Tracker {
	if cleanupDelay <= 0 {
		cleanupDelay = DefaultCleanupDelay
	}
	return &Tracker{
		adapters:     adapters,
		cleanupDelay: cleanupDelay,
		hot:          make(map[market.Exchange]map[string]struct{}),
		subs:         make(map[string]*subscription),
		timers:       make(map[string]*time.Timer),
	}
}

func subKey(ex market.Exchange, symbol string) string {
	return string(ex) + ":" + symbol
}

func timerKey(key, channel string) string {
	return key + "|" + channel
}

// splitCompound splits a kline symbol "SYM:interval" at the last colon.
func splitCompound(symbol string) (string, string) {
	if i := strings.LastIndex(symbol, ":"); i > 0 {
		return symbol[:i], symbol[i+1:]
	}
	return symbol, ""
}

// Subscribe records one more subscriber for (exchange, channel, symbol).
// For klines symbol is the compound "SYM:interval". It reports whether
// an upstream subscribe was actually issued.
func (t *Tracker) Subscribe(ex market.Exchange, channel, symbol string) bool {
	if channel == market.ChannelLiquidations && !LiquidationsSupported(ex) {
		return false
	}
	a, ok := t.adapters[ex]
	if !ok {
		return false
	}

	key := subKey(ex, symbol)

	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[timerKey(key, channel)]; ok {
		timer.Stop()
		delete(t.timers, timerKey(key, channel))
		metrics.PendingCleanups.Dec()
	}

	sub, ok := t.subs[key]
	if !ok {
		sub = &subscription{channels: make(map[string]int)}
		t.subs[key] = sub
	}
	if channel != market.ChannelKlines && t.isHotLocked(ex, symbol) {
		sub.hot = true
	}

	sub.channels[channel]++
	if sub.channels[channel] != 1 {
		return false
	}
	metrics.DemandSubscriptions.WithLabelValues(string(ex)).Inc()

	var err error
	switch channel {
	case market.ChannelKlines:
		sym, interval := splitCompound(symbol)
		err = a.SubscribeKline(sym, interval)
	case market.ChannelLiquidations:
		err = a.SubscribeLiquidations()
	default:
		err = a.SubscribeSymbol(symbol, []string{channel})
	}
	if err != nil {
		log.Warn().Err(err).
			Str("exchange", string(ex)).
			Str("channel", channel).
			Str("symbol", symbol).
			Msg("Upstream subscribe failed")
	}
	return true
}

// Unsubscribe drops one subscriber. When the last one leaves, a hot
// non-kline subscription stays pinned upstream; anything else gets a
// cleanup timer that unsubscribes if no one returns within the delay.
func (t *Tracker) Unsubscribe(ex market.Exchange, channel, symbol string) {
	key := subKey(ex, symbol)

	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subs[key]
	if !ok || sub.channels[channel] == 0 {
		return
	}
	sub.channels[channel]--
	if sub.channels[channel] > 0 {
		return
	}

	metrics.DemandSubscriptions.WithLabelValues(string(ex)).Dec()

	if sub.hot && channel != market.ChannelKlines {
		delete(sub.channels, channel)
		t.dropIfEmptyLocked(key)
		return
	}

	tk := timerKey(key, channel)
	if old, ok := t.timers[tk]; ok {
		old.Stop()
	} else {
		metrics.PendingCleanups.Inc()
	}
	t.timers[tk] = time.AfterFunc(t.cleanupDelay, func() {
		t.cleanup(ex, channel, symbol)
	})
}

// cleanup runs when a timer fires; a subscribe during the pending
// window either stopped the timer or re-raised the count, so both are
// re-checked under the lock.
func (t *Tracker) cleanup(ex market.Exchange, channel, symbol string) {
	key := subKey(ex, symbol)
	tk := timerKey(key, channel)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.timers[tk]; !ok {
		return
	}
	delete(t.timers, tk)
	metrics.PendingCleanups.Dec()

	sub, ok := t.subs[key]
	if !ok || sub.channels[channel] > 0 {
		return
	}
	delete(sub.channels, channel)
	t.dropIfEmptyLocked(key)

	a, ok := t.adapters[ex]
	if !ok {
		return
	}
	var err error
	switch channel {
	case market.ChannelKlines:
		sym, interval := splitCompound(symbol)
		err = a.UnsubscribeKline(sym, interval)
	case market.ChannelLiquidations:
		err = a.UnsubscribeLiquidations()
	default:
		err = a.UnsubscribeSymbol(symbol, []string{channel})
	}
	if err != nil {
		log.Warn().Err(err).
			Str("exchange", string(ex)).
			Str("channel", channel).
			Str("symbol", symbol).
			Msg("Upstream unsubscribe failed")
	}
}

func (t *Tracker) dropIfEmptyLocked(key string) {
	sub, ok := t.subs[key]
	if !ok || len(sub.channels) > 0 {
		return
	}
	prefix := key + "|"
	for tk := range t.timers {
		if strings.HasPrefix(tk, prefix) {
			return
		}
	}
	delete(t.subs, key)
}

// SetHotSymbols replaces the hot set for an exchange and
// batch-subscribes it upstream. Tracked subscriptions in the new set
// get pinned; ones that rotated out lose the pin, so their next
// drop-to-zero arms a cleanup timer like any cold symbol.
func (t *Tracker) SetHotSymbols(ex market.Exchange, symbols []string) {
	a, ok := t.adapters[ex]
	if !ok {
		return
	}

	t.mu.Lock()
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	t.hot[ex] = set
	prefix := string(ex) + ":"
	for key, sub := range t.subs {
		sym, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		_, stillHot := set[sym]
		sub.hot = stillHot
	}
	t.mu.Unlock()

	if err := a.SubscribeHotSymbols(symbols); err != nil {
		log.Warn().Err(err).Str("exchange", string(ex)).Msg("Hot symbol subscribe failed")
	}
}

func (t *Tracker) isHotLocked(ex market.Exchange, symbol string) bool {
	_, ok := t.hot[ex][symbol]
	return ok
}

// RefCount returns the current subscriber count for (key, channel).
func (t *Tracker) RefCount(ex market.Exchange, channel, symbol string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[subKey(ex, symbol)]
	if !ok {
		return 0
	}
	return sub.channels[channel]
}

// Stats summarizes tracker state for the health endpoint.
type Stats struct {
	TotalSubscriptions int            `json:"totalSubscriptions"`
	PendingCleanups    int            `json:"pendingCleanups"`
	PerExchange        map[string]int `json:"perExchange"`
}

// Snapshot returns current subscription and timer counts.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		PendingCleanups: len(t.timers),
		PerExchange:     make(map[string]int),
	}
	for key, sub := range t.subs {
		ex, _, _ := strings.Cut(key, ":")
		n := 0
		for _, count := range sub.channels {
			if count > 0 {
				n++
			}
		}
		s.TotalSubscriptions += n
		s.PerExchange[ex] += n
	}
	return s
}

// Stop cancels all pending cleanup timers.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tk, timer := range t.timers {
		timer.Stop()
		delete(t.timers, tk)
		metrics.PendingCleanups.Dec()
	}
}

// LiquidationsSupported reports whether an exchange carries a global
// liquidation stream.
func LiquidationsSupported(ex market.Exchange) bool {
	return ex == market.Bybit || ex == market.Binance
}
