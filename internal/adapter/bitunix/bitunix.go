package bitunix

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"markethub/internal/adapter"
	"markethub/internal/market"
	"markethub/internal/metrics"
	"markethub/internal/rest"
)

const (
	wsURL   = "wss://fapi.bitunix.com/public/"
	restURL = "https://fapi.bitunix.com"

	subscribeBatch = 10
)

// Adapter speaks Bitunix's futures WebSocket and REST API. The socket
// enforces a hard topic cap; subscribes past the limit are refused and
// the connection kept.
type Adapter struct {
	*adapter.Base
	rc       *rest.Client
	subLimit int
}

// New creates the Bitunix adapter with the per-socket topic limit.
func New(rc *rest.Client, pingInterval, reconnectCap time.Duration, subLimit int) *Adapter {
	if subLimit <= 0 {
		subLimit = 300
	}
	a := &Adapter{
		Base: adapter.NewBase(adapter.Config{
			Exchange:     market.Bitunix,
			WSURL:        wsURL,
			PingInterval: pingInterval,
			ReconnectCap: reconnectCap,
		}),
		rc:       rc,
		subLimit: subLimit,
	}
	a.SetHooks(adapter.Hooks{
		OnOpen:    a.onOpen,
		OnMessage: a.handleMessage,
		Ping: func() error {
			return a.SendJSON(map[string]any{"op": "ping", "ping": market.Now()})
		},
	})
	return a
}

type wsArg struct {
	Symbol string `json:"symbol"`
	Ch     string `json:"ch"`
}

func channelName(channel string) string {
	switch channel {
	case market.ChannelTickers:
		return "ticker"
	case market.ChannelOrderbook:
		return "depth_books"
	case market.ChannelTrades:
		return "trade"
	}
	return ""
}

func (a *Adapter) sendOp(op string, args []wsArg) error {
	for i := 0; i < len(args); i += subscribeBatch {
		end := i + subscribeBatch
		if end > len(args) {
			end = len(args)
		}
		if err := a.SendJSON(map[string]any{"op": op, "args": args[i:end]}); err != nil {
			return err
		}
	}
	return nil
}

// capped reports whether another topic would exceed the socket limit;
// refusals are logged and counted, the socket stays up.
func (a *Adapter) capped() bool {
	if a.TopicCount() < a.subLimit {
		return false
	}
	metrics.SubscriptionsRefused.WithLabelValues(string(market.Bitunix)).Inc()
	log.Warn().Int("limit", a.subLimit).Msg("Bitunix topic cap reached, subscribe refused")
	return true
}

func (a *Adapter) onOpen() error {
	var args []wsArg
	for sym, channels := range a.TrackedTopics() {
		for _, ch := range channels {
			if name := channelName(ch); name != "" {
				args = append(args, wsArg{Symbol: sym, Ch: name})
			}
		}
	}
	for _, k := range a.TrackedKlines() {
		args = append(args, wsArg{Symbol: k[0], Ch: "market_kline_" + k[1]})
	}
	return a.sendOp("subscribe", args)
}

// SubscribeHotSymbols batch-subscribes trades and orderbook, stopping at
// the topic cap.
func (a *Adapter) SubscribeHotSymbols(symbols []string) error {
	var args []wsArg
	for _, sym := range symbols {
		for _, want := range []string{market.ChannelTrades, market.ChannelOrderbook} {
			if a.capped() {
				return a.sendOp("subscribe", args)
			}
			for _, ch := range a.TrackTopics(sym, []string{want}) {
				args = append(args, wsArg{Symbol: sym, Ch: channelName(ch)})
			}
		}
	}
	return a.sendOp("subscribe", args)
}

// SubscribeSymbol subscribes the given channels for one symbol, refusing
// any that would exceed the topic cap.
func (a *Adapter) SubscribeSymbol(symbol string, channels []string) error {
	var args []wsArg
	for _, want := range channels {
		if channelName(want) == "" {
			continue
		}
		if a.capped() {
			break
		}
		for _, ch := range a.TrackTopics(symbol, []string{want}) {
			args = append(args, wsArg{Symbol: symbol, Ch: channelName(ch)})
		}
	}
	return a.sendOp("subscribe", args)
}

// UnsubscribeSymbol removes the given channels for one symbol.
func (a *Adapter) UnsubscribeSymbol(symbol string, channels []string) error {
	var args []wsArg
	for _, ch := range a.UntrackTopics(symbol, channels) {
		if name := channelName(ch); name != "" {
			args = append(args, wsArg{Symbol: symbol, Ch: name})
		}
	}
	return a.sendOp("unsubscribe", args)
}

// SubscribeKline subscribes one market_kline stream.
func (a *Adapter) SubscribeKline(symbol, interval string) error {
	if a.capped() {
		return nil
	}
	if !a.TrackKline(symbol, interval) {
		return nil
	}
	return a.sendOp("subscribe", []wsArg{{Symbol: symbol, Ch: "market_kline_" + interval}})
}

// UnsubscribeKline removes one market_kline stream.
func (a *Adapter) UnsubscribeKline(symbol, interval string) error {
	if !a.UntrackKline(symbol, interval) {
		return nil
	}
	return a.sendOp("unsubscribe", []wsArg{{Symbol: symbol, Ch: "market_kline_" + interval}})
}

func (a *Adapter) handleMessage(data []byte) {
	var msg struct {
		Op     string          `json:"op"`
		Pong   int64           `json:"pong"`
		Ch     string          `json:"ch"`
		Symbol string          `json:"symbol"`
		Ts     int64           `json:"ts"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.ParseErrors.WithLabelValues(string(market.Bitunix)).Inc()
		log.Warn().Err(err).Str("payload", truncate(data)).Msg("Unparseable Bitunix frame")
		return
	}
	if msg.Op != "" || msg.Pong != 0 {
		return
	}

	switch {
	case msg.Ch == "ticker":
		a.handleTicker(msg.Symbol, msg.Data)
	case msg.Ch == "depth_books":
		a.handleDepth(msg.Symbol, msg.Data, msg.Ts)
	case msg.Ch == "trade":
		a.handleTrades(msg.Symbol, msg.Data)
	case strings.HasPrefix(msg.Ch, "market_kline_"):
		a.handleKline(msg.Symbol, strings.TrimPrefix(msg.Ch, "market_kline_"), msg.Data, msg.Ts)
	}
}

func (a *Adapter) handleTicker(symbol string, data json.RawMessage) {
	var t struct {
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Last     string `json:"la"`
		BaseVol  string `json:"b"`
		QuoteVol string `json:"q"`
	}
	if err := json.Unmarshal(data, &t); err != nil || symbol == "" {
		return
	}
	last := parseF(t.Last)
	open := parseF(t.Open)
	var pcnt float64
	if open > 0 {
		pcnt = (last - open) / open
	}
	a.Emit(market.Event{
		Exchange: market.Bitunix,
		Channel:  market.ChannelTickers,
		Symbol:   symbol,
		Data: &market.Ticker{
			Symbol:       symbol,
			LastPrice:    last,
			High24h:      parseF(t.High),
			Low24h:       parseF(t.Low),
			Open24h:      open,
			Volume24h:    parseF(t.BaseVol),
			Turnover24h:  parseF(t.QuoteVol),
			Price24hPcnt: pcnt,
		},
	})
}

// Bitunix pushes the full book each time, so every frame is a snapshot.
func (a *Adapter) handleDepth(symbol string, data json.RawMessage, ts int64) {
	var d struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
	}
	if err := json.Unmarshal(data, &d); err != nil || symbol == "" {
		return
	}
	a.Emit(market.Event{
		Exchange: market.Bitunix,
		Channel:  market.ChannelOrderbook,
		Symbol:   symbol,
		Data: &market.BookDelta{
			Symbol:   symbol,
			Bids:     parseLevels(d.Bids),
			Asks:     parseLevels(d.Asks),
			Ts:       ts,
			Snapshot: true,
		},
	})
}

func (a *Adapter) handleTrades(symbol string, data json.RawMessage) {
	var rows []struct {
		T string `json:"t"`
		P string `json:"p"`
		V string `json:"v"`
		S string `json:"s"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	trades := make([]market.Trade, 0, len(rows))
	for _, r := range rows {
		ts, _ := strconv.ParseInt(r.T, 10, 64)
		trades = append(trades, market.Trade{
			Price:     parseF(r.P),
			Size:      parseF(r.V),
			Side:      strings.ToLower(r.S),
			Timestamp: ts,
		})
	}
	if len(trades) == 0 {
		return
	}
	a.Emit(market.Event{
		Exchange: market.Bitunix,
		Channel:  market.ChannelTrades,
		Symbol:   symbol,
		Data:     trades,
	})
}

// Bitunix kline frames carry event time; the open time is the frame
// time floored to the interval boundary.
func (a *Adapter) handleKline(symbol, interval string, data json.RawMessage, ts int64) {
	var k struct {
		Open    string `json:"o"`
		High    string `json:"h"`
		Low     string `json:"l"`
		Close   string `json:"c"`
		BaseVol string `json:"b"`
	}
	if err := json.Unmarshal(data, &k); err != nil || symbol == "" {
		return
	}
	a.Emit(market.Event{
		Exchange: market.Bitunix,
		Channel:  market.ChannelKlines,
		Symbol:   symbol,
		Interval: interval,
		Data: &market.Candle{
			T: market.FloorToInterval(ts, interval),
			O: parseF(k.Open),
			H: parseF(k.High),
			L: parseF(k.Low),
			C: parseF(k.Close),
			V: parseF(k.BaseVol),
		},
	})
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseLevels(raw [][]string) []market.BookLevel {
	levels := make([]market.BookLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		levels = append(levels, market.BookLevel{Price: parseF(l[0]), Size: parseF(l[1])})
	}
	return levels
}

func truncate(b []byte) string {
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
