package cache

import (
	"sort"
	"strconv"

	"markethub/internal/market"
)

// AddTrades inserts new trades at the front of the (exchange,symbol)
// ring, newest first, dropping duplicates by tradeId or, when absent, by
// the (price,size,timestamp) composite. Duplicates inside the batch are
// suppressed too. Only the accepted trades are notified.
func (c *Cache) AddTrades(ex market.Exchange, symbol string, in []market.Trade) {
	if len(in) == 0 {
		return
	}
	k := key(ex, symbol)

	c.tradesMu.Lock()
	ring := c.trades[k]

	seen := make(map[string]struct{}, len(ring)+len(in))
	for _, t := range ring {
		seen[tradeFingerprint(t)] = struct{}{}
	}

	var accepted []market.Trade
	for _, t := range in {
		fp := tradeFingerprint(t)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		accepted = append(accepted, t)
		ring = append([]market.Trade{t}, ring...)
	}
	if len(ring) > c.opts.TradeRing {
		ring = ring[:c.opts.TradeRing]
	}
	c.trades[k] = ring
	if len(accepted) > 0 {
		c.notifyLocked(market.ChannelTrades, ex, symbol, accepted)
	}
	c.tradesMu.Unlock()

	if len(accepted) == 0 {
		return
	}
	c.touch(colTrades, k)
}

func tradeFingerprint(t market.Trade) string {
	if t.TradeID != "" {
		return "id:" + t.TradeID
	}
	return strconv.FormatFloat(t.Price, 'g', -1, 64) + "|" +
		strconv.FormatFloat(t.Size, 'g', -1, 64) + "|" +
		strconv.FormatInt(t.Timestamp, 10)
}

// GetTrades returns up to limit trades, newest first. limit <= 0 returns
// the whole ring.
func (c *Cache) GetTrades(ex market.Exchange, symbol string, limit int) []market.Trade {
	c.tradesMu.RLock()
	ring := c.trades[key(ex, symbol)]
	if limit > 0 && limit < len(ring) {
		ring = ring[:limit]
	}
	out := make([]market.Trade, len(ring))
	copy(out, ring)
	c.tradesMu.RUnlock()
	return out
}

// AddLiquidation inserts the liquidation into the per-symbol ring and
// mirrors it into the "ALL" pseudo-symbol ring; both keys are notified.
func (c *Cache) AddLiquidation(ex market.Exchange, symbol string, l market.Liquidation) {
	l.Symbol = symbol

	c.liqsMu.Lock()
	for _, sym := range []string{symbol, market.AllSymbol} {
		k := key(ex, sym)
		ring := append([]market.Liquidation{l}, c.liqs[k]...)
		if len(ring) > c.opts.LiquidationRing {
			ring = ring[:c.opts.LiquidationRing]
		}
		c.liqs[k] = ring
	}
	c.notifyLocked(market.ChannelLiquidations, ex, symbol, &l)
	c.notifyLocked(market.ChannelLiquidations, ex, market.AllSymbol, &l)
	c.liqsMu.Unlock()

	c.touch(colLiquidations, key(ex, symbol))
	c.touch(colLiquidations, key(ex, market.AllSymbol))
}

// GetLiquidations returns up to limit liquidations, newest first.
func (c *Cache) GetLiquidations(ex market.Exchange, symbol string, limit int) []market.Liquidation {
	c.liqsMu.RLock()
	ring := c.liqs[key(ex, symbol)]
	if limit > 0 && limit < len(ring) {
		ring = ring[:limit]
	}
	out := make([]market.Liquidation, len(ring))
	copy(out, ring)
	c.liqsMu.RUnlock()
	return out
}

// UpdateKline upserts one candle by open time, keeping the ring sorted
// ascending and capped. Klines are keyed by exchange:symbol:interval and
// notified under the compound symbol "SYM:interval".
func (c *Cache) UpdateKline(ex market.Exchange, symbol, interval string, candle market.Candle) {
	k := klineKey(ex, symbol, interval)

	c.klinesMu.Lock()
	ring := c.klines[k]
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].T >= candle.T })
	switch {
	case idx < len(ring) && ring[idx].T == candle.T:
		ring[idx] = candle
	case idx == len(ring):
		ring = append(ring, candle)
	default:
		ring = append(ring, market.Candle{})
		copy(ring[idx+1:], ring[idx:])
		ring[idx] = candle
	}
	if len(ring) > c.opts.KlineRing {
		ring = ring[len(ring)-c.opts.KlineRing:]
	}
	c.klines[k] = ring
	c.notifyLocked(market.ChannelKlines, ex, symbol+":"+interval, &candle)
	c.klinesMu.Unlock()

	c.touch(colKlines, k)
}

// MergeKlines folds a fetched batch into the cached ring: dedup by open
// time (fetched bars win), sort ascending, truncate to the cap. Returns
// the merged ring.
func (c *Cache) MergeKlines(ex market.Exchange, symbol, interval string, batch []market.Candle) []market.Candle {
	k := klineKey(ex, symbol, interval)

	c.klinesMu.Lock()
	byTime := make(map[int64]market.Candle, len(c.klines[k])+len(batch))
	for _, cd := range c.klines[k] {
		byTime[cd.T] = cd
	}
	for _, cd := range batch {
		byTime[cd.T] = cd
	}
	merged := make([]market.Candle, 0, len(byTime))
	for _, cd := range byTime {
		merged = append(merged, cd)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].T < merged[j].T })
	if len(merged) > c.opts.KlineRing {
		merged = merged[len(merged)-c.opts.KlineRing:]
	}
	c.klines[k] = merged

	out := make([]market.Candle, len(merged))
	copy(out, merged)
	c.klinesMu.Unlock()

	c.touch(colKlines, k)
	return out
}

// KlineCount reports how many candles the ring currently holds,
// independent of any request limit.
func (c *Cache) KlineCount(ex market.Exchange, symbol, interval string) int {
	c.klinesMu.RLock()
	defer c.klinesMu.RUnlock()
	return len(c.klines[klineKey(ex, symbol, interval)])
}

// GetKlines returns up to limit candles, oldest first (the newest limit
// candles of the ring). limit <= 0 returns the whole ring.
func (c *Cache) GetKlines(ex market.Exchange, symbol, interval string, limit int) []market.Candle {
	c.klinesMu.RLock()
	ring := c.klines[klineKey(ex, symbol, interval)]
	if limit > 0 && limit < len(ring) {
		ring = ring[len(ring)-limit:]
	}
	out := make([]market.Candle, len(ring))
	copy(out, ring)
	c.klinesMu.RUnlock()
	return out
}
