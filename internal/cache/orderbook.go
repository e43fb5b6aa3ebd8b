package cache

import (
	"sort"

	"markethub/internal/market"
)

// bookState keeps price levels as maps so deltas apply in O(1). The
// sorted view is materialized per mutation; 50-level books keep that
// cheap.
type bookState struct {
	bids     map[float64]float64
	asks     map[float64]float64
	updateID int64
	crossSeq int64
	ts       int64
}

func newBookState() *bookState {
	return &bookState{
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
}

func (b *bookState) apply(levels []market.BookLevel, side map[float64]float64) {
	for _, lvl := range levels {
		if lvl.Size == 0 {
			delete(side, lvl.Price)
		} else {
			side[lvl.Price] = lvl.Size
		}
	}
}

// materialize returns bids sorted descending and asks ascending.
func (b *bookState) materialize(symbol string) *market.Orderbook {
	bids := make([]market.BookLevel, 0, len(b.bids))
	for p, s := range b.bids {
		bids = append(bids, market.BookLevel{Price: p, Size: s})
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })

	asks := make([]market.BookLevel, 0, len(b.asks))
	for p, s := range b.asks {
		asks = append(asks, market.BookLevel{Price: p, Size: s})
	}
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	return &market.Orderbook{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		UpdateID:  b.updateID,
		CrossSeq:  b.crossSeq,
		Timestamp: b.ts,
	}
}

// SetOrderbook replaces the book with the snapshot in the delta.
func (c *Cache) SetOrderbook(ex market.Exchange, symbol string, delta *market.BookDelta) {
	if delta == nil {
		return
	}
	k := key(ex, symbol)

	c.booksMu.Lock()
	st := newBookState()
	c.books[k] = st
	st.apply(delta.Bids, st.bids)
	st.apply(delta.Asks, st.asks)
	st.updateID = delta.UpdateID
	st.crossSeq = delta.CrossSeq
	st.ts = delta.Ts
	snap := st.materialize(symbol)
	c.notifyLocked(market.ChannelOrderbook, ex, symbol, snap)
	c.booksMu.Unlock()

	c.touch(colOrderbooks, k)
}

// UpdateOrderbook merges a delta: size 0 removes the level, any other
// size upserts it. A delta for an unknown book seeds a fresh one.
func (c *Cache) UpdateOrderbook(ex market.Exchange, symbol string, delta *market.BookDelta) {
	if delta == nil {
		return
	}
	if delta.Snapshot {
		c.SetOrderbook(ex, symbol, delta)
		return
	}
	k := key(ex, symbol)

	c.booksMu.Lock()
	st, ok := c.books[k]
	if !ok {
		st = newBookState()
		c.books[k] = st
	}
	st.apply(delta.Bids, st.bids)
	st.apply(delta.Asks, st.asks)
	if delta.UpdateID != 0 {
		st.updateID = delta.UpdateID
	}
	if delta.CrossSeq != 0 {
		st.crossSeq = delta.CrossSeq
	}
	if delta.Ts != 0 {
		st.ts = delta.Ts
	}
	snap := st.materialize(symbol)
	c.notifyLocked(market.ChannelOrderbook, ex, symbol, snap)
	c.booksMu.Unlock()

	c.touch(colOrderbooks, k)
}

// GetOrderbook returns the sorted book and whether it is stale.
func (c *Cache) GetOrderbook(ex market.Exchange, symbol string) (*market.Orderbook, bool) {
	c.booksMu.RLock()
	st, ok := c.books[key(ex, symbol)]
	var snap *market.Orderbook
	if ok {
		snap = st.materialize(symbol)
	}
	c.booksMu.RUnlock()
	if !ok {
		return nil, false
	}
	return snap, c.IsStale(colOrderbooks, ex, symbol)
}
