package hyperliquid

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"markethub/internal/adapter"
	"markethub/internal/market"
	"markethub/internal/metrics"
	"markethub/internal/rest"
)

const (
	wsURL   = "wss://api.hyperliquid.xyz/ws"
	restURL = "https://api.hyperliquid.xyz/info"
)

// Adapter speaks Hyperliquid's WebSocket and info API. Streams are keyed
// by bare coin name; quoted symbols are stripped before subscribing and
// mapped back on the way out.
type Adapter struct {
	*adapter.Base
	rc *rest.Client

	coinMu  sync.Mutex
	coinMap map[string]string // coin -> subscribed symbol
}

// New creates the Hyperliquid adapter.
func New(rc *rest.Client, pingInterval, reconnectCap time.Duration) *Adapter {
	a := &Adapter{
		Base: adapter.NewBase(adapter.Config{
			Exchange:     market.Hyperliquid,
			WSURL:        wsURL,
			PingInterval: pingInterval,
			ReconnectCap: reconnectCap,
		}),
		rc:      rc,
		coinMap: make(map[string]string),
	}
	a.SetHooks(adapter.Hooks{
		OnOpen:    a.onOpen,
		OnMessage: a.handleMessage,
		Ping:      func() error { return a.SendJSON(map[string]any{"method": "ping"}) },
	})
	return a
}

func (a *Adapter) coin(symbol string) string {
	coin := market.StripQuote(symbol)
	a.coinMu.Lock()
	a.coinMap[coin] = symbol
	a.coinMu.Unlock()
	return coin
}

// resolveSymbol maps a wire coin back to the symbol it was subscribed
// under; unsubscribed coins (allMids covers the whole universe) pass
// through unchanged.
func (a *Adapter) resolveSymbol(coin string) string {
	a.coinMu.Lock()
	defer a.coinMu.Unlock()
	if sym, ok := a.coinMap[coin]; ok {
		return sym
	}
	return coin
}

func (a *Adapter) sendSub(method string, sub map[string]any) error {
	return a.SendJSON(map[string]any{"method": method, "subscription": sub})
}

func (a *Adapter) subFor(channel, symbol string) (map[string]any, bool) {
	coin := a.coin(symbol)
	switch channel {
	case market.ChannelTickers, market.ChannelFunding:
		return map[string]any{"type": "activeAssetCtx", "coin": coin}, true
	case market.ChannelOrderbook:
		return map[string]any{"type": "l2Book", "coin": coin}, true
	case market.ChannelTrades:
		return map[string]any{"type": "trades", "coin": coin}, true
	}
	return nil, false
}

// onOpen subscribes allMids, which Hyperliquid requires for any price
// feed, then restores tracked subscriptions.
func (a *Adapter) onOpen() error {
	if err := a.sendSub("subscribe", map[string]any{"type": "allMids"}); err != nil {
		return err
	}
	for sym, channels := range a.TrackedTopics() {
		for _, ch := range channels {
			if sub, ok := a.subFor(ch, sym); ok {
				if err := a.sendSub("subscribe", sub); err != nil {
					return err
				}
			}
		}
	}
	for _, k := range a.TrackedKlines() {
		sub := map[string]any{"type": "candle", "coin": a.coin(k[0]), "interval": k[1]}
		if err := a.sendSub("subscribe", sub); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeHotSymbols subscribes trades and book streams one frame per
// topic; Hyperliquid takes a single subscription per message.
func (a *Adapter) SubscribeHotSymbols(symbols []string) error {
	for _, sym := range symbols {
		if err := a.SubscribeSymbol(sym, []string{market.ChannelTrades, market.ChannelOrderbook}); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeSymbol subscribes the given channels for one symbol.
func (a *Adapter) SubscribeSymbol(symbol string, channels []string) error {
	for _, ch := range a.TrackTopics(symbol, channels) {
		if sub, ok := a.subFor(ch, symbol); ok {
			if err := a.sendSub("subscribe", sub); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnsubscribeSymbol removes the given channels for one symbol.
func (a *Adapter) UnsubscribeSymbol(symbol string, channels []string) error {
	for _, ch := range a.UntrackTopics(symbol, channels) {
		if sub, ok := a.subFor(ch, symbol); ok {
			if err := a.sendSub("unsubscribe", sub); err != nil {
				return err
			}
		}
	}
	return nil
}

// SubscribeKline subscribes one candle stream.
func (a *Adapter) SubscribeKline(symbol, interval string) error {
	if !a.TrackKline(symbol, interval) {
		return nil
	}
	return a.sendSub("subscribe", map[string]any{"type": "candle", "coin": a.coin(symbol), "interval": interval})
}

// UnsubscribeKline removes one candle stream.
func (a *Adapter) UnsubscribeKline(symbol, interval string) error {
	if !a.UntrackKline(symbol, interval) {
		return nil
	}
	return a.sendSub("unsubscribe", map[string]any{"type": "candle", "coin": a.coin(symbol), "interval": interval})
}

func (a *Adapter) handleMessage(data []byte) {
	var msg struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.ParseErrors.WithLabelValues(string(market.Hyperliquid)).Inc()
		log.Warn().Err(err).Str("payload", truncate(data)).Msg("Unparseable Hyperliquid frame")
		return
	}

	switch msg.Channel {
	case "pong", "subscriptionResponse":
	case "error":
		log.Warn().RawJSON("data", msg.Data).Msg("Hyperliquid stream error")
	case "allMids":
		a.handleAllMids(msg.Data)
	case "activeAssetCtx":
		a.handleAssetCtx(msg.Data)
	case "l2Book":
		a.handleBook(msg.Data)
	case "trades":
		a.handleTrades(msg.Data)
	case "candle":
		a.handleCandle(msg.Data)
	}
}

// allMids yields one lightweight ticker per coin in the universe.
func (a *Adapter) handleAllMids(data json.RawMessage) {
	var d struct {
		Mids map[string]string `json:"mids"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return
	}
	for coin, px := range d.Mids {
		price := parseF(px)
		if price <= 0 {
			continue
		}
		sym := a.resolveSymbol(coin)
		a.Emit(market.Event{
			Exchange: market.Hyperliquid,
			Channel:  market.ChannelTickers,
			Symbol:   sym,
			Data:     &market.Ticker{Symbol: sym, LastPrice: price},
		})
	}
}

// activeAssetCtx carries the full per-asset context: it fans out into a
// ticker event (with open interest folded in) and a funding event.
func (a *Adapter) handleAssetCtx(data json.RawMessage) {
	var d struct {
		Coin string `json:"coin"`
		Ctx  struct {
			Funding      string `json:"funding"`
			OpenInterest string `json:"openInterest"`
			PrevDayPx    string `json:"prevDayPx"`
			DayNtlVlm    string `json:"dayNtlVlm"`
			DayBaseVlm   string `json:"dayBaseVlm"`
			MarkPx       string `json:"markPx"`
			MidPx        string `json:"midPx"`
			OraclePx     string `json:"oraclePx"`
		} `json:"ctx"`
	}
	if err := json.Unmarshal(data, &d); err != nil || d.Coin == "" {
		return
	}
	sym := a.resolveSymbol(d.Coin)
	last := parseF(d.Ctx.MidPx)
	open := parseF(d.Ctx.PrevDayPx)
	var pcnt float64
	if open > 0 && last > 0 {
		pcnt = (last - open) / open
	}
	a.Emit(market.Event{
		Exchange: market.Hyperliquid,
		Channel:  market.ChannelTickers,
		Symbol:   sym,
		Data: &market.Ticker{
			Symbol:       sym,
			LastPrice:    last,
			MarkPrice:    parseF(d.Ctx.MarkPx),
			IndexPrice:   parseF(d.Ctx.OraclePx),
			Open24h:      open,
			Volume24h:    parseF(d.Ctx.DayBaseVlm),
			Turnover24h:  parseF(d.Ctx.DayNtlVlm),
			Price24hPcnt: pcnt,
			FundingRate:  parseF(d.Ctx.Funding),
			OpenInterest: parseF(d.Ctx.OpenInterest),
		},
	})
	a.Emit(market.Event{
		Exchange: market.Hyperliquid,
		Channel:  market.ChannelFunding,
		Symbol:   sym,
		Data: &market.Funding{
			Symbol:      sym,
			FundingRate: parseF(d.Ctx.Funding),
		},
	})
}

func (a *Adapter) handleBook(data json.RawMessage) {
	var d struct {
		Coin   string `json:"coin"`
		Time   int64  `json:"time"`
		Levels [2][]struct {
			Px string `json:"px"`
			Sz string `json:"sz"`
		} `json:"levels"`
	}
	if err := json.Unmarshal(data, &d); err != nil || d.Coin == "" {
		return
	}
	bids := make([]market.BookLevel, 0, len(d.Levels[0]))
	for _, l := range d.Levels[0] {
		bids = append(bids, market.BookLevel{Price: parseF(l.Px), Size: parseF(l.Sz)})
	}
	asks := make([]market.BookLevel, 0, len(d.Levels[1]))
	for _, l := range d.Levels[1] {
		asks = append(asks, market.BookLevel{Price: parseF(l.Px), Size: parseF(l.Sz)})
	}
	sym := a.resolveSymbol(d.Coin)
	a.Emit(market.Event{
		Exchange: market.Hyperliquid,
		Channel:  market.ChannelOrderbook,
		Symbol:   sym,
		Data: &market.BookDelta{
			Symbol:   sym,
			Bids:     bids,
			Asks:     asks,
			Ts:       d.Time,
			Snapshot: true,
		},
	})
}

func (a *Adapter) handleTrades(data json.RawMessage) {
	var rows []struct {
		Coin string `json:"coin"`
		Side string `json:"side"` // "B" buys, "A" sells
		Px   string `json:"px"`
		Sz   string `json:"sz"`
		Time int64  `json:"time"`
		Tid  int64  `json:"tid"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	bySym := make(map[string][]market.Trade)
	for _, r := range rows {
		side := "sell"
		if r.Side == "B" {
			side = "buy"
		}
		sym := a.resolveSymbol(r.Coin)
		bySym[sym] = append(bySym[sym], market.Trade{
			TradeID:   strconv.FormatInt(r.Tid, 10),
			Price:     parseF(r.Px),
			Size:      parseF(r.Sz),
			Side:      side,
			Timestamp: r.Time,
		})
	}
	for sym, trades := range bySym {
		a.Emit(market.Event{
			Exchange: market.Hyperliquid,
			Channel:  market.ChannelTrades,
			Symbol:   sym,
			Data:     trades,
		})
	}
}

func (a *Adapter) handleCandle(data json.RawMessage) {
	var k struct {
		T int64  `json:"t"`
		S string `json:"s"`
		I string `json:"i"`
		O string `json:"o"`
		H string `json:"h"`
		L string `json:"l"`
		C string `json:"c"`
		V string `json:"v"`
	}
	if err := json.Unmarshal(data, &k); err != nil || k.S == "" {
		return
	}
	sym := a.resolveSymbol(k.S)
	a.Emit(market.Event{
		Exchange: market.Hyperliquid,
		Channel:  market.ChannelKlines,
		Symbol:   sym,
		Interval: k.I,
		Data: &market.Candle{
			T: k.T,
			O: parseF(k.O),
			H: parseF(k.H),
			L: parseF(k.L),
			C: parseF(k.C),
			V: parseF(k.V),
		},
	})
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func truncate(b []byte) string {
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
