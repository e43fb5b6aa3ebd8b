package cache

import (
	"sync"

	"github.com/rs/zerolog/log"

	"markethub/internal/market"
	"markethub/internal/metrics"
)

// Push is one delivery to a subscriber: the current snapshot on
// registration, then every update in mutation order.
type Push struct {
	Type     string          `json:"type"` // "snapshot" or "update"
	Exchange market.Exchange `json:"exchange"`
	Channel  string          `json:"channel"`
	Symbol   string          `json:"symbol"`
	Data     any             `json:"data"`
}

// Callback receives pushes on the subscriber's own goroutine. A panic in
// the callback is swallowed; delivery is best-effort.
type Callback func(Push)

type subscriber struct {
	queue chan Push
	once  sync.Once
}

// enqueue never blocks: a full queue drops its oldest entry first.
// Lossy on backpressure is the documented contract.
func (s *subscriber) enqueue(p Push) {
	select {
	case s.queue <- p:
	default:
		select {
		case <-s.queue:
			metrics.MessagesDropped.Inc()
		default:
		}
		select {
		case s.queue <- p:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.queue) })
}

func (s *subscriber) run(cb Callback) {
	for p := range s.queue {
		deliver(cb, p)
	}
}

func deliver(cb Callback, p Push) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Any("panic", r).Str("channel", p.Channel).Msg("Subscriber callback panicked")
		}
	}()
	cb(p)
}

func subKey(channel string, ex market.Exchange, symbol string) string {
	return channel + ":" + string(ex) + ":" + symbol
}

// collectionLock maps a channel to the mutex guarding its backing
// collection. Subscribe and the mutators acquire the collection lock
// before subsMu, which serializes snapshot capture against updates.
func (c *Cache) collectionLock(channel string) *sync.RWMutex {
	switch channel {
	case market.ChannelTickers:
		return &c.tickersMu
	case market.ChannelOrderbook:
		return &c.booksMu
	case market.ChannelTrades:
		return &c.tradesMu
	case market.ChannelKlines:
		return &c.klinesMu
	case market.ChannelLiquidations:
		return &c.liqsMu
	case market.ChannelFunding:
		return &c.fundingMu
	}
	return nil
}

// Subscribe registers cb for (channel, exchange, symbol) and returns the
// unsubscribe function. For klines, symbol is the compound
// "SYM:interval". Snapshot capture and registration happen under the
// collection lock, so cb observes one snapshot strictly before any
// update applied after registration, and never an update applied
// before it.
func (c *Cache) Subscribe(channel string, ex market.Exchange, symbol string, cb Callback) func() {
	sub := &subscriber{queue: make(chan Push, c.opts.QueueSize)}
	k := subKey(channel, ex, symbol)

	lock := c.collectionLock(channel)
	if lock == nil {
		log.Warn().Str("channel", channel).Msg("Subscribe on unknown channel")
		return func() {}
	}

	lock.RLock()
	snap := c.snapshotForLocked(channel, ex, symbol)
	c.subsMu.Lock()
	c.subs[k] = append(c.subs[k], sub)
	if snap != nil {
		sub.enqueue(Push{Type: "snapshot", Exchange: ex, Channel: channel, Symbol: symbol, Data: snap})
	}
	c.subsMu.Unlock()
	lock.RUnlock()

	go sub.run(cb)

	return func() {
		c.subsMu.Lock()
		subs := c.subs[k]
		for i, s := range subs {
			if s == sub {
				c.subs[k] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(c.subs[k]) == 0 {
			delete(c.subs, k)
		}
		c.subsMu.Unlock()
		sub.close()
	}
}

// SubscriberCount returns the number of subscribers under a key.
func (c *Cache) SubscriberCount(channel string, ex market.Exchange, symbol string) int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(c.subs[subKey(channel, ex, symbol)])
}

// notifyLocked enqueues an update for every subscriber of the key. The
// caller holds the collection lock, which fixes delivery order to
// mutation order; enqueues never block.
func (c *Cache) notifyLocked(channel string, ex market.Exchange, symbol string, data any) {
	c.subsMu.Lock()
	subs := c.subs[subKey(channel, ex, symbol)]
	if len(subs) > 0 {
		p := Push{Type: "update", Exchange: ex, Channel: channel, Symbol: symbol, Data: data}
		for _, s := range subs {
			s.enqueue(p)
		}
	}
	c.subsMu.Unlock()
}

// snapshotForLocked captures the current state for a subscription key,
// or nil when nothing is cached yet. Caller holds the collection lock.
func (c *Cache) snapshotForLocked(channel string, ex market.Exchange, symbol string) any {
	switch channel {
	case market.ChannelTickers:
		if t, ok := c.tickers[key(ex, symbol)]; ok {
			cp := *t
			return &cp
		}
	case market.ChannelOrderbook:
		if st, ok := c.books[key(ex, symbol)]; ok {
			return st.materialize(symbol)
		}
	case market.ChannelTrades:
		if ring, ok := c.trades[key(ex, symbol)]; ok && len(ring) > 0 {
			out := make([]market.Trade, len(ring))
			copy(out, ring)
			return out
		}
	case market.ChannelKlines:
		// symbol is "SYM:interval"; the kline key carries it verbatim.
		if ring, ok := c.klines[string(ex)+":"+symbol]; ok && len(ring) > 0 {
			out := make([]market.Candle, len(ring))
			copy(out, ring)
			return out
		}
	case market.ChannelLiquidations:
		if ring, ok := c.liqs[key(ex, symbol)]; ok && len(ring) > 0 {
			out := make([]market.Liquidation, len(ring))
			copy(out, ring)
			return out
		}
	case market.ChannelFunding:
		if f, ok := c.funding[key(ex, symbol)]; ok {
			cp := f
			return &cp
		}
	}
	return nil
}
