package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
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
	wsURL   = "wss://stream.bybit.com/v5/public/linear"
	restURL = "https://api.bybit.com"

	subscribeBatch = 10
	batchStagger   = 100 * time.Millisecond
)

// Adapter speaks Bybit's v5 linear public stream and REST API.
type Adapter struct {
	*adapter.Base
	rc     *rest.Client
	liqCap int

	// seam for tests; defaults to FetchTickers
	rankTickers func(ctx context.Context) (map[string]*market.Ticker, error)
}

// New creates the Bybit adapter. liqCap bounds how many top-turnover
// symbols join the liquidation stream.
func New(rc *rest.Client, pingInterval, reconnectCap time.Duration, liqCap int) *Adapter {
	if liqCap <= 0 {
		liqCap = 50
	}
	a := &Adapter{
		Base: adapter.NewBase(adapter.Config{
			Exchange:     market.Bybit,
			WSURL:        wsURL,
			PingInterval: pingInterval,
			ReconnectCap: reconnectCap,
		}),
		rc:     rc,
		liqCap: liqCap,
	}
	a.rankTickers = a.FetchTickers
	a.SetHooks(adapter.Hooks{
		OnOpen:    a.onOpen,
		OnMessage: a.handleMessage,
		Ping:      func() error { return a.SendJSON(map[string]any{"op": "ping"}) },
	})
	return a
}

func topicFor(channel, symbol string) string {
	switch channel {
	case market.ChannelTickers:
		return "tickers." + symbol
	case market.ChannelOrderbook:
		return "orderbook.50." + symbol
	case market.ChannelTrades:
		return "publicTrade." + symbol
	}
	return ""
}

func (a *Adapter) sendOp(op string, topics []string) error {
	for i := 0; i < len(topics); i += subscribeBatch {
		end := i + subscribeBatch
		if end > len(topics) {
			end = len(topics)
		}
		if err := a.SendJSON(map[string]any{"op": op, "args": topics[i:end]}); err != nil {
			return err
		}
	}
	return nil
}

// onOpen restores every tracked subscription after a (re)connect.
func (a *Adapter) onOpen() error {
	var topics []string
	for sym, channels := range a.TrackedTopics() {
		for _, ch := range channels {
			if t := topicFor(ch, sym); t != "" {
				topics = append(topics, t)
			}
		}
	}
	for _, k := range a.TrackedKlines() {
		topics = append(topics, "kline."+k[1]+"."+k[0])
	}
	if err := a.sendOp("subscribe", topics); err != nil {
		return err
	}
	if a.LiquidationsTracked() {
		a.SetLiquidationsTracked(false)
		return a.SubscribeLiquidations()
	}
	return nil
}

// SubscribeHotSymbols batch-subscribes trades and orderbook for the hot
// set.
func (a *Adapter) SubscribeHotSymbols(symbols []string) error {
	var topics []string
	for _, sym := range symbols {
		for _, ch := range a.TrackTopics(sym, []string{market.ChannelTrades, market.ChannelOrderbook}) {
			topics = append(topics, topicFor(ch, sym))
		}
	}
	return a.sendOp("subscribe", topics)
}

// SubscribeSymbol subscribes the given channels for one symbol.
func (a *Adapter) SubscribeSymbol(symbol string, channels []string) error {
	var topics []string
	for _, ch := range a.TrackTopics(symbol, channels) {
		if t := topicFor(ch, symbol); t != "" {
			topics = append(topics, t)
		}
	}
	return a.sendOp("subscribe", topics)
}

// UnsubscribeSymbol removes the given channels for one symbol.
func (a *Adapter) UnsubscribeSymbol(symbol string, channels []string) error {
	var topics []string
	for _, ch := range a.UntrackTopics(symbol, channels) {
		if t := topicFor(ch, symbol); t != "" {
			topics = append(topics, t)
		}
	}
	return a.sendOp("unsubscribe", topics)
}

// SubscribeKline subscribes one (symbol, interval) candle stream.
func (a *Adapter) SubscribeKline(symbol, interval string) error {
	if !a.TrackKline(symbol, interval) {
		return nil
	}
	return a.sendOp("subscribe", []string{"kline." + interval + "." + symbol})
}

// UnsubscribeKline removes one (symbol, interval) candle stream.
func (a *Adapter) UnsubscribeKline(symbol, interval string) error {
	if !a.UntrackKline(symbol, interval) {
		return nil
	}
	return a.sendOp("unsubscribe", []string{"kline." + interval + "." + symbol})
}

// SubscribeLiquidations joins allLiquidation for the top-turnover USDT
// symbols. The ranking REST call and the staggered batch sends both run
// on their own goroutine: callers issue subscribes from hot paths and
// must never wait on the exchange. A failed ranking clears the tracked
// flag so the next subscriber retries.
func (a *Adapter) SubscribeLiquidations() error {
	if a.LiquidationsTracked() {
		return nil
	}
	a.SetLiquidationsTracked(true)

	go func() {
		tickers, err := a.rankTickers(context.Background())
		if err != nil {
			a.SetLiquidationsTracked(false)
			log.Warn().Err(err).Msg("Bybit liquidation symbol ranking failed")
			return
		}
		type volSym struct {
			sym string
			vol float64
		}
		ranked := make([]volSym, 0, len(tickers))
		for sym, t := range tickers {
			if strings.HasSuffix(sym, "USDT") && t.Turnover24h > 0 {
				ranked = append(ranked, volSym{sym, t.Turnover24h})
			}
		}
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].vol > ranked[j].vol })
		if len(ranked) > a.liqCap {
			ranked = ranked[:a.liqCap]
		}

		topics := make([]string, 0, len(ranked))
		for _, r := range ranked {
			topics = append(topics, "allLiquidation."+r.sym)
		}
		for i := 0; i < len(topics); i += subscribeBatch {
			end := i + subscribeBatch
			if end > len(topics) {
				end = len(topics)
			}
			if err := a.SendJSON(map[string]any{"op": "subscribe", "args": topics[i:end]}); err != nil {
				log.Warn().Err(err).Msg("Bybit liquidation batch subscribe failed")
				return
			}
			time.Sleep(batchStagger)
		}
		log.Info().Int("symbols", len(topics)).Msg("Subscribed Bybit liquidation stream")
	}()
	return nil
}

// UnsubscribeLiquidations keeps the shared stream; per-client teardown
// never unsubscribes it upstream.
func (a *Adapter) UnsubscribeLiquidations() error {
	return nil
}

func (a *Adapter) handleMessage(data []byte) {
	var msg struct {
		Topic   string          `json:"topic"`
		Type    string          `json:"type"`
		Op      string          `json:"op"`
		Success *bool           `json:"success"`
		RetMsg  string          `json:"ret_msg"`
		Data    json.RawMessage `json:"data"`
		Ts      int64           `json:"ts"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.ParseErrors.WithLabelValues(string(market.Bybit)).Inc()
		log.Warn().Err(err).Str("payload", truncate(data)).Msg("Unparseable Bybit frame")
		return
	}

	if msg.Op != "" || msg.Success != nil {
		if msg.Op == "pong" || msg.RetMsg == "pong" {
			return
		}
		if msg.Success != nil && !*msg.Success {
			log.Warn().Str("op", msg.Op).Str("ret_msg", msg.RetMsg).Msg("Bybit request rejected")
		}
		return
	}

	switch {
	case strings.HasPrefix(msg.Topic, "tickers."):
		a.handleTicker(msg.Data)
	case strings.HasPrefix(msg.Topic, "orderbook."):
		a.handleOrderbook(msg.Type, msg.Data, msg.Ts)
	case strings.HasPrefix(msg.Topic, "publicTrade."):
		a.handleTrades(strings.TrimPrefix(msg.Topic, "publicTrade."), msg.Data)
	case strings.HasPrefix(msg.Topic, "kline."):
		a.handleKline(msg.Topic, msg.Data)
	case strings.HasPrefix(msg.Topic, "allLiquidation."):
		a.handleLiquidations(msg.Data)
	}
}

func (a *Adapter) handleTicker(data json.RawMessage) {
	var t struct {
		Symbol          string `json:"symbol"`
		LastPrice       string `json:"lastPrice"`
		MarkPrice       string `json:"markPrice"`
		IndexPrice      string `json:"indexPrice"`
		Bid1Price       string `json:"bid1Price"`
		Ask1Price       string `json:"ask1Price"`
		HighPrice24h    string `json:"highPrice24h"`
		LowPrice24h     string `json:"lowPrice24h"`
		PrevPrice24h    string `json:"prevPrice24h"`
		Volume24h       string `json:"volume24h"`
		Turnover24h     string `json:"turnover24h"`
		Price24hPcnt    string `json:"price24hPcnt"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
		OpenInterest    string `json:"openInterest"`
	}
	if err := json.Unmarshal(data, &t); err != nil || t.Symbol == "" {
		return
	}
	nft, _ := strconv.ParseInt(t.NextFundingTime, 10, 64)
	a.Emit(market.Event{
		Exchange: market.Bybit,
		Channel:  market.ChannelTickers,
		Symbol:   t.Symbol,
		Data: &market.Ticker{
			Symbol:          t.Symbol,
			LastPrice:       parseF(t.LastPrice),
			MarkPrice:       parseF(t.MarkPrice),
			IndexPrice:      parseF(t.IndexPrice),
			Bid1Price:       parseF(t.Bid1Price),
			Ask1Price:       parseF(t.Ask1Price),
			High24h:         parseF(t.HighPrice24h),
			Low24h:          parseF(t.LowPrice24h),
			Open24h:         parseF(t.PrevPrice24h),
			Volume24h:       parseF(t.Volume24h),
			Turnover24h:     parseF(t.Turnover24h),
			Price24hPcnt:    parseF(t.Price24hPcnt), // already a fraction
			FundingRate:     parseF(t.FundingRate),
			NextFundingTime: nft,
			OpenInterest:    parseF(t.OpenInterest),
		},
	})
}

func (a *Adapter) handleOrderbook(msgType string, data json.RawMessage, ts int64) {
	var ob struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		U      int64      `json:"u"`
		Seq    int64      `json:"seq"`
	}
	if err := json.Unmarshal(data, &ob); err != nil || ob.Symbol == "" {
		return
	}
	a.Emit(market.Event{
		Exchange: market.Bybit,
		Channel:  market.ChannelOrderbook,
		Symbol:   ob.Symbol,
		Data: &market.BookDelta{
			Symbol:   ob.Symbol,
			Bids:     parseLevels(ob.Bids),
			Asks:     parseLevels(ob.Asks),
			UpdateID: ob.U,
			CrossSeq: ob.Seq,
			Ts:       ts,
			Snapshot: msgType == "snapshot",
		},
	})
}

func (a *Adapter) handleTrades(symbol string, data json.RawMessage) {
	var raw []struct {
		T  int64  `json:"T"`
		S  string `json:"S"`
		V  string `json:"v"`
		P  string `json:"p"`
		ID string `json:"i"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	trades := make([]market.Trade, 0, len(raw))
	for _, r := range raw {
		trades = append(trades, market.Trade{
			TradeID:   r.ID,
			Price:     parseF(r.P),
			Size:      parseF(r.V),
			Side:      strings.ToLower(r.S),
			Timestamp: r.T,
		})
	}
	if len(trades) == 0 {
		return
	}
	a.Emit(market.Event{
		Exchange: market.Bybit,
		Channel:  market.ChannelTrades,
		Symbol:   symbol,
		Data:     trades,
	})
}

func (a *Adapter) handleKline(topic string, data json.RawMessage) {
	// kline.{interval}.{symbol}
	parts := strings.SplitN(topic, ".", 3)
	if len(parts) < 3 {
		return
	}
	interval, symbol := parts[1], parts[2]

	var raw []struct {
		Start   int64  `json:"start"`
		Open    string `json:"open"`
		High    string `json:"high"`
		Low     string `json:"low"`
		Close   string `json:"close"`
		Volume  string `json:"volume"`
		Confirm bool   `json:"confirm"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	for _, k := range raw {
		a.Emit(market.Event{
			Exchange: market.Bybit,
			Channel:  market.ChannelKlines,
			Symbol:   symbol,
			Interval: interval,
			Data: &market.Candle{
				T:      k.Start,
				O:      parseF(k.Open),
				H:      parseF(k.High),
				L:      parseF(k.Low),
				C:      parseF(k.Close),
				V:      parseF(k.Volume),
				Closed: k.Confirm,
			},
		})
	}
}

func (a *Adapter) handleLiquidations(data json.RawMessage) {
	var raw []struct {
		T int64  `json:"T"`
		S string `json:"s"`
		D string `json:"S"`
		V string `json:"v"`
		P string `json:"p"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	for _, r := range raw {
		a.Emit(market.Event{
			Exchange: market.Bybit,
			Channel:  market.ChannelLiquidations,
			Symbol:   r.S,
			Data: &market.Liquidation{
				ID:        fmt.Sprintf("%s-%d", r.S, r.T),
				Symbol:    r.S,
				Price:     parseF(r.P),
				Size:      parseF(r.V),
				Side:      r.D,
				Timestamp: r.T,
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
