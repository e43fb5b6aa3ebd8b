package blofin

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"markethub/internal/adapter"
	"markethub/internal/market"
	"markethub/internal/metrics"
	"markethub/internal/rest"
)

const (
	wsURL   = "wss://openapi.blofin.com/ws/public"
	restURL = "https://openapi.blofin.com"
)

// Adapter speaks Blofin's public WebSocket and REST API. Symbols are
// Blofin-native instIds like "BTC-USDT".
type Adapter struct {
	*adapter.Base
	rc *rest.Client
}

// New creates the Blofin adapter.
func New(rc *rest.Client, pingInterval, reconnectCap time.Duration) *Adapter {
	a := &Adapter{
		Base: adapter.NewBase(adapter.Config{
			Exchange:     market.Blofin,
			WSURL:        wsURL,
			PingInterval: pingInterval,
			ReconnectCap: reconnectCap,
		}),
		rc: rc,
	}
	a.SetHooks(adapter.Hooks{
		OnOpen:    a.onOpen,
		OnMessage: a.handleMessage,
		// Blofin keep-alive is the literal string "ping".
		Ping: func() error { return a.SendText("ping") },
	})
	return a
}

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func channelArg(channel, symbol string) (wsArg, bool) {
	switch channel {
	case market.ChannelTickers:
		return wsArg{Channel: "tickers", InstID: symbol}, true
	case market.ChannelOrderbook:
		return wsArg{Channel: "books50", InstID: symbol}, true
	case market.ChannelTrades:
		return wsArg{Channel: "trades", InstID: symbol}, true
	case market.ChannelFunding:
		return wsArg{Channel: "funding-rate", InstID: symbol}, true
	}
	return wsArg{}, false
}

func (a *Adapter) sendOp(op string, args []wsArg) error {
	if len(args) == 0 {
		return nil
	}
	return a.SendJSON(map[string]any{"op": op, "args": args})
}

func (a *Adapter) onOpen() error {
	var args []wsArg
	for sym, channels := range a.TrackedTopics() {
		for _, ch := range channels {
			if arg, ok := channelArg(ch, sym); ok {
				args = append(args, arg)
			}
		}
	}
	for _, k := range a.TrackedKlines() {
		args = append(args, wsArg{Channel: "candle" + k[1], InstID: k[0]})
	}
	return a.sendOp("subscribe", args)
}

// SubscribeHotSymbols batch-subscribes trades and orderbook.
func (a *Adapter) SubscribeHotSymbols(symbols []string) error {
	var args []wsArg
	for _, sym := range symbols {
		for _, ch := range a.TrackTopics(sym, []string{market.ChannelTrades, market.ChannelOrderbook}) {
			if arg, ok := channelArg(ch, sym); ok {
				args = append(args, arg)
			}
		}
	}
	return a.sendOp("subscribe", args)
}

// SubscribeSymbol subscribes the given channels for one instId.
func (a *Adapter) SubscribeSymbol(symbol string, channels []string) error {
	var args []wsArg
	for _, ch := range a.TrackTopics(symbol, channels) {
		if arg, ok := channelArg(ch, symbol); ok {
			args = append(args, arg)
		}
	}
	return a.sendOp("subscribe", args)
}

// UnsubscribeSymbol removes the given channels for one instId.
func (a *Adapter) UnsubscribeSymbol(symbol string, channels []string) error {
	var args []wsArg
	for _, ch := range a.UntrackTopics(symbol, channels) {
		if arg, ok := channelArg(ch, symbol); ok {
			args = append(args, arg)
		}
	}
	return a.sendOp("unsubscribe", args)
}

// SubscribeKline subscribes one candle stream.
func (a *Adapter) SubscribeKline(symbol, interval string) error {
	if !a.TrackKline(symbol, interval) {
		return nil
	}
	return a.sendOp("subscribe", []wsArg{{Channel: "candle" + interval, InstID: symbol}})
}

// UnsubscribeKline removes one candle stream.
func (a *Adapter) UnsubscribeKline(symbol, interval string) error {
	if !a.UntrackKline(symbol, interval) {
		return nil
	}
	return a.sendOp("unsubscribe", []wsArg{{Channel: "candle" + interval, InstID: symbol}})
}

func (a *Adapter) handleMessage(data []byte) {
	if string(data) == "pong" {
		return
	}
	var msg struct {
		Event  string          `json:"event"`
		Code   string          `json:"code"`
		Msg    string          `json:"msg"`
		Arg    wsArg           `json:"arg"`
		Action string          `json:"action"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.ParseErrors.WithLabelValues(string(market.Blofin)).Inc()
		log.Warn().Err(err).Str("payload", truncate(data)).Msg("Unparseable Blofin frame")
		return
	}

	if msg.Event != "" {
		// "0" is Blofin's success code.
		if msg.Code != "" && msg.Code != "0" {
			log.Warn().Str("event", msg.Event).Str("code", msg.Code).Str("msg", msg.Msg).
				Msg("Blofin request rejected")
		}
		return
	}

	switch {
	case msg.Arg.Channel == "tickers":
		a.handleTicker(msg.Data)
	case msg.Arg.Channel == "books50":
		a.handleBooks(msg.Arg.InstID, msg.Action, msg.Data)
	case msg.Arg.Channel == "trades":
		a.handleTrades(msg.Arg.InstID, msg.Data)
	case msg.Arg.Channel == "funding-rate":
		a.handleFunding(msg.Data)
	case len(msg.Arg.Channel) > len("candle") && msg.Arg.Channel[:6] == "candle":
		a.handleCandle(msg.Arg.InstID, msg.Arg.Channel[6:], msg.Data)
	}
}

func (a *Adapter) handleTicker(data json.RawMessage) {
	var rows []struct {
		InstID         string `json:"instId"`
		Last           string `json:"last"`
		AskPrice       string `json:"askPrice"`
		BidPrice       string `json:"bidPrice"`
		High24h        string `json:"high24h"`
		Low24h         string `json:"low24h"`
		Open24h        string `json:"open24h"`
		VolCurrency24h string `json:"volCurrency24h"`
		Vol24h         string `json:"vol24h"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	for _, r := range rows {
		if r.InstID == "" {
			continue
		}
		last := parseF(r.Last)
		volBase := parseF(r.VolCurrency24h)
		open := parseF(r.Open24h)
		var pcnt float64
		if open > 0 {
			pcnt = (last - open) / open
		}
		a.Emit(market.Event{
			Exchange: market.Blofin,
			Channel:  market.ChannelTickers,
			Symbol:   r.InstID,
			Data: &market.Ticker{
				Symbol:       r.InstID,
				LastPrice:    last,
				Bid1Price:    parseF(r.BidPrice),
				Ask1Price:    parseF(r.AskPrice),
				High24h:      parseF(r.High24h),
				Low24h:       parseF(r.Low24h),
				Open24h:      open,
				Volume24h:    volBase,
				Turnover24h:  volBase * last, // quote turnover is not on the wire
				Price24hPcnt: pcnt,
			},
		})
	}
}

func (a *Adapter) handleBooks(symbol, action string, data json.RawMessage) {
	var rows []struct {
		Asks  [][]string `json:"asks"`
		Bids  [][]string `json:"bids"`
		Ts    string     `json:"ts"`
		SeqID int64      `json:"seqId"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	for _, r := range rows {
		ts, _ := strconv.ParseInt(r.Ts, 10, 64)
		a.Emit(market.Event{
			Exchange: market.Blofin,
			Channel:  market.ChannelOrderbook,
			Symbol:   symbol,
			Data: &market.BookDelta{
				Symbol:   symbol,
				Bids:     parseLevels(r.Bids),
				Asks:     parseLevels(r.Asks),
				CrossSeq: r.SeqID,
				Ts:       ts,
				Snapshot: action == "snapshot",
			},
		})
	}
}

func (a *Adapter) handleTrades(symbol string, data json.RawMessage) {
	var rows []struct {
		TradeID string `json:"tradeId"`
		Price   string `json:"price"`
		Size    string `json:"size"`
		Side    string `json:"side"`
		Ts      string `json:"ts"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	trades := make([]market.Trade, 0, len(rows))
	for _, r := range rows {
		ts, _ := strconv.ParseInt(r.Ts, 10, 64)
		trades = append(trades, market.Trade{
			TradeID:   r.TradeID,
			Price:     parseF(r.Price),
			Size:      parseF(r.Size),
			Side:      r.Side,
			Timestamp: ts,
		})
	}
	if len(trades) == 0 {
		return
	}
	a.Emit(market.Event{
		Exchange: market.Blofin,
		Channel:  market.ChannelTrades,
		Symbol:   symbol,
		Data:     trades,
	})
}

func (a *Adapter) handleFunding(data json.RawMessage) {
	var rows []struct {
		InstID      string `json:"instId"`
		FundingRate string `json:"fundingRate"`
		FundingTime string `json:"fundingTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	for _, r := range rows {
		if r.InstID == "" {
			continue
		}
		ft, _ := strconv.ParseInt(r.FundingTime, 10, 64)
		a.Emit(market.Event{
			Exchange: market.Blofin,
			Channel:  market.ChannelFunding,
			Symbol:   r.InstID,
			Data: &market.Funding{
				Symbol:      r.InstID,
				FundingRate: parseF(r.FundingRate),
				FundingTime: ft,
			},
		})
	}
}

func (a *Adapter) handleCandle(symbol, interval string, data json.RawMessage) {
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	for _, row := range rows {
		if len(row) < 9 {
			continue
		}
		t, _ := strconv.ParseInt(row[0], 10, 64)
		a.Emit(market.Event{
			Exchange: market.Blofin,
			Channel:  market.ChannelKlines,
			Symbol:   symbol,
			Interval: interval,
			Data: &market.Candle{
				T:      t,
				O:      parseF(row[1]),
				H:      parseF(row[2]),
				L:      parseF(row[3]),
				C:      parseF(row[4]),
				V:      parseF(row[5]),
				Closed: row[8] == "1",
			},
		})
	}
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
