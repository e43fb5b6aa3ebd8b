package binance

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"markethub/internal/adapter"
	"markethub/internal/market"
	"markethub/internal/metrics"
	"markethub/internal/rest"
)

const (
	wsURL   = "wss://fstream.binance.com/ws"
	restURL = "https://fapi.binance.com"
)

// Adapter speaks Binance's USD-M futures stream and REST API. The server
// drives keep-alive with protocol pings, so no application ping runs.
type Adapter struct {
	*adapter.Base
	rc    *rest.Client
	reqID atomic.Int64
}

// New creates the Binance adapter.
func New(rc *rest.Client, reconnectCap time.Duration) *Adapter {
	a := &Adapter{
		Base: adapter.NewBase(adapter.Config{
			Exchange:     market.Binance,
			WSURL:        wsURL,
			ReconnectCap: reconnectCap,
		}),
		rc: rc,
	}
	a.SetHooks(adapter.Hooks{
		OnOpen:    a.onOpen,
		OnMessage: a.handleMessage,
	})
	return a
}

func streamFor(channel, symbol string) string {
	s := strings.ToLower(symbol)
	switch channel {
	case market.ChannelTickers:
		return s + "@ticker"
	case market.ChannelOrderbook:
		return s + "@depth20@100ms"
	case market.ChannelTrades:
		return s + "@aggTrade"
	}
	return ""
}

func (a *Adapter) sendMethod(method string, params []string) error {
	if len(params) == 0 {
		return nil
	}
	return a.SendJSON(map[string]any{
		"method": method,
		"params": params,
		"id":     a.reqID.Add(1),
	})
}

func (a *Adapter) onOpen() error {
	var params []string
	for sym, channels := range a.TrackedTopics() {
		for _, ch := range channels {
			if st := streamFor(ch, sym); st != "" {
				params = append(params, st)
			}
		}
	}
	for _, k := range a.TrackedKlines() {
		params = append(params, strings.ToLower(k[0])+"@kline_"+k[1])
	}
	if a.LiquidationsTracked() {
		params = append(params, "!forceOrder@arr")
	}
	return a.sendMethod("SUBSCRIBE", params)
}

// SubscribeHotSymbols batch-subscribes trades and orderbook.
func (a *Adapter) SubscribeHotSymbols(symbols []string) error {
	var params []string
	for _, sym := range symbols {
		for _, ch := range a.TrackTopics(sym, []string{market.ChannelTrades, market.ChannelOrderbook}) {
			params = append(params, streamFor(ch, sym))
		}
	}
	return a.sendMethod("SUBSCRIBE", params)
}

// SubscribeSymbol subscribes the given channels for one symbol.
func (a *Adapter) SubscribeSymbol(symbol string, channels []string) error {
	var params []string
	for _, ch := range a.TrackTopics(symbol, channels) {
		if st := streamFor(ch, symbol); st != "" {
			params = append(params, st)
		}
	}
	return a.sendMethod("SUBSCRIBE", params)
}

// UnsubscribeSymbol removes the given channels for one symbol.
func (a *Adapter) UnsubscribeSymbol(symbol string, channels []string) error {
	var params []string
	for _, ch := range a.UntrackTopics(symbol, channels) {
		if st := streamFor(ch, symbol); st != "" {
			params = append(params, st)
		}
	}
	return a.sendMethod("UNSUBSCRIBE", params)
}

// SubscribeKline subscribes one kline stream.
func (a *Adapter) SubscribeKline(symbol, interval string) error {
	if !a.TrackKline(symbol, interval) {
		return nil
	}
	return a.sendMethod("SUBSCRIBE", []string{strings.ToLower(symbol) + "@kline_" + interval})
}

// UnsubscribeKline removes one kline stream.
func (a *Adapter) UnsubscribeKline(symbol, interval string) error {
	if !a.UntrackKline(symbol, interval) {
		return nil
	}
	return a.sendMethod("UNSUBSCRIBE", []string{strings.ToLower(symbol) + "@kline_" + interval})
}

// SubscribeLiquidations joins the global forced-order stream.
func (a *Adapter) SubscribeLiquidations() error {
	if a.LiquidationsTracked() {
		return nil
	}
	a.SetLiquidationsTracked(true)
	return a.sendMethod("SUBSCRIBE", []string{"!forceOrder@arr"})
}

// UnsubscribeLiquidations keeps the shared stream; per-client teardown
// never unsubscribes it upstream.
func (a *Adapter) UnsubscribeLiquidations() error {
	return nil
}

func (a *Adapter) handleMessage(data []byte) {
	var msg struct {
		Event string `json:"e"`
		ID    *int64 `json:"id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.ParseErrors.WithLabelValues(string(market.Binance)).Inc()
		log.Warn().Err(err).Str("payload", truncate(data)).Msg("Unparseable Binance frame")
		return
	}
	if msg.ID != nil {
		// SUBSCRIBE/UNSUBSCRIBE ack
		return
	}

	switch msg.Event {
	case "24hrTicker":
		a.handleTicker(data)
	case "depthUpdate":
		a.handleDepth(data)
	case "aggTrade":
		a.handleTrade(data)
	case "kline":
		a.handleKline(data)
	case "forceOrder":
		a.handleForceOrder(data)
	}
}

func (a *Adapter) handleTicker(data []byte) {
	var t struct {
		Symbol   string `json:"s"`
		Last     string `json:"c"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Volume   string `json:"v"`
		Quote    string `json:"q"`
		PricePct string `json:"P"`
		Ts       int64  `json:"E"`
	}
	if err := json.Unmarshal(data, &t); err != nil || t.Symbol == "" {
		return
	}
	a.Emit(market.Event{
		Exchange: market.Binance,
		Channel:  market.ChannelTickers,
		Symbol:   t.Symbol,
		Data: &market.Ticker{
			Symbol:       t.Symbol,
			LastPrice:    parseF(t.Last),
			Open24h:      parseF(t.Open),
			High24h:      parseF(t.High),
			Low24h:       parseF(t.Low),
			Volume24h:    parseF(t.Volume),
			Turnover24h:  parseF(t.Quote),
			Price24hPcnt: parseF(t.PricePct) / 100, // wire carries a percentage
		},
	})
}

// Partial depth frames carry the whole 20-level book, so each one is a
// snapshot.
func (a *Adapter) handleDepth(data []byte) {
	var d struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		U      int64      `json:"u"`
		Ts     int64      `json:"T"`
	}
	if err := json.Unmarshal(data, &d); err != nil || d.Symbol == "" {
		return
	}
	a.Emit(market.Event{
		Exchange: market.Binance,
		Channel:  market.ChannelOrderbook,
		Symbol:   d.Symbol,
		Data: &market.BookDelta{
			Symbol:   d.Symbol,
			Bids:     parseLevels(d.Bids),
			Asks:     parseLevels(d.Asks),
			UpdateID: d.U,
			Ts:       d.Ts,
			Snapshot: true,
		},
	})
}

func (a *Adapter) handleTrade(data []byte) {
	var t struct {
		Symbol string `json:"s"`
		ID     int64  `json:"a"`
		Price  string `json:"p"`
		Qty    string `json:"q"`
		Maker  bool   `json:"m"`
		Ts     int64  `json:"T"`
	}
	if err := json.Unmarshal(data, &t); err != nil || t.Symbol == "" {
		return
	}
	// m=true means the buyer was the maker, i.e. a sell aggression.
	side := "buy"
	if t.Maker {
		side = "sell"
	}
	a.Emit(market.Event{
		Exchange: market.Binance,
		Channel:  market.ChannelTrades,
		Symbol:   t.Symbol,
		Data: []market.Trade{{
			TradeID:   strconvI(t.ID),
			Price:     parseF(t.Price),
			Size:      parseF(t.Qty),
			Side:      side,
			Timestamp: t.Ts,
		}},
	})
}

func (a *Adapter) handleKline(data []byte) {
	var e struct {
		Symbol string `json:"s"`
		K      struct {
			T        int64  `json:"t"`
			Interval string `json:"i"`
			Open     string `json:"o"`
			High     string `json:"h"`
			Low      string `json:"l"`
			Close    string `json:"c"`
			Volume   string `json:"v"`
			Closed   bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(data, &e); err != nil || e.Symbol == "" {
		return
	}
	a.Emit(market.Event{
		Exchange: market.Binance,
		Channel:  market.ChannelKlines,
		Symbol:   e.Symbol,
		Interval: e.K.Interval,
		Data: &market.Candle{
			T:      e.K.T,
			O:      parseF(e.K.Open),
			H:      parseF(e.K.High),
			L:      parseF(e.K.Low),
			C:      parseF(e.K.Close),
			V:      parseF(e.K.Volume),
			Closed: e.K.Closed,
		},
	})
}

// Forced orders arrive globally; the side is kept as the forced trade's
// side ("Buy"/"Sell"), matching the convention of the other exchanges.
func (a *Adapter) handleForceOrder(data []byte) {
	var e struct {
		O struct {
			Symbol   string `json:"s"`
			Side     string `json:"S"`
			Qty      string `json:"q"`
			AvgPrice string `json:"ap"`
			Price    string `json:"p"`
			Ts       int64  `json:"T"`
		} `json:"o"`
	}
	if err := json.Unmarshal(data, &e); err != nil || e.O.Symbol == "" {
		return
	}
	price := parseF(e.O.AvgPrice)
	if price == 0 {
		price = parseF(e.O.Price)
	}
	a.Emit(market.Event{
		Exchange: market.Binance,
		Channel:  market.ChannelLiquidations,
		Symbol:   e.O.Symbol,
		Data: &market.Liquidation{
			ID:        e.O.Symbol + "-" + strconvI(e.O.Ts),
			Symbol:    e.O.Symbol,
			Price:     price,
			Size:      parseF(e.O.Qty),
			Side:      titleSide(e.O.Side),
			Timestamp: e.O.Ts,
		},
	})
}

func titleSide(s string) string {
	switch strings.ToUpper(s) {
	case "BUY":
		return "Buy"
	case "SELL":
		return "Sell"
	}
	return s
}
