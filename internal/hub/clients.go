package hub

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"markethub/internal/cache"
	"markethub/internal/market"
	"markethub/internal/metrics"
)

// clientMessage is the downstream control frame.
type clientMessage struct {
	Action   string `json:"action"`
	Exchange string `json:"exchange"`
	Channel  string `json:"channel"`
	Symbol   string `json:"symbol"`
}

// ExchangeStatus is one exchange's slice of the connected frame.
type ExchangeStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Symbols   int    `json:"symbols"`
}

// AddClient registers a downstream connection and returns the first
// frame to send it.
func (h *Hub) AddClient(c Client) []byte {
	h.mu.Lock()
	h.clients[c] = &clientState{subs: make(map[string]func())}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ClientsConnected.Set(float64(n))

	frame, _ := json.Marshal(map[string]any{
		"type":      "connected",
		"hubReady":  h.Ready(),
		"exchanges": h.exchangeStatuses(),
		"ts":        time.Now().UnixMilli(),
	})
	log.Info().Str("client", c.ID()).Int("clients", n).Msg("Client connected")
	return frame
}

func (h *Hub) exchangeStatuses() []ExchangeStatus {
	out := make([]ExchangeStatus, 0, len(h.adapters))
	for ex, a := range h.adapters {
		out = append(out, ExchangeStatus{
			Name:      string(ex),
			Connected: a.IsConnected(),
			Symbols:   a.SymbolCount(),
		})
	}
	return out
}

// HandleClientMessage processes one inbound control frame.
func (h *Hub) HandleClientMessage(c Client, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(c, "invalid message")
		return
	}

	switch msg.Action {
	case "ping":
		reply, _ := json.Marshal(map[string]any{"type": "pong", "ts": time.Now().UnixMilli()})
		c.Send(reply)
	case "subscribe":
		h.subscribe(c, market.Exchange(msg.Exchange), msg.Channel, msg.Symbol)
	case "unsubscribe":
		h.unsubscribe(c, market.Exchange(msg.Exchange), msg.Channel, msg.Symbol)
	default:
		h.sendError(c, "unknown action")
	}
}

func (h *Hub) sendError(c Client, text string) {
	raw, _ := json.Marshal(map[string]any{"type": "error", "message": text})
	c.Send(raw)
}

func clientSubKey(channel string, ex market.Exchange, symbol string) string {
	return channel + ":" + string(ex) + ":" + symbol
}

// subscribe registers a cache callback forwarding pushes to the client,
// then raises the demand refcount. Duplicate subscribes are no-ops.
func (h *Hub) subscribe(c Client, ex market.Exchange, channel, symbol string) {
	if _, ok := h.adapters[ex]; !ok {
		h.sendError(c, "unknown exchange")
		return
	}
	if channel == "" || symbol == "" {
		h.sendError(c, "channel and symbol are required")
		return
	}

	key := clientSubKey(channel, ex, symbol)

	h.mu.Lock()
	st, ok := h.clients[c]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, dup := st.subs[key]; dup {
		h.mu.Unlock()
		return
	}
	// Reserve the key before releasing the lock so a racing duplicate
	// subscribe backs off.
	st.subs[key] = func() {}
	h.mu.Unlock()

	unsub := h.cache.Subscribe(channel, ex, symbol, func(p cache.Push) {
		raw, err := json.Marshal(p)
		if err != nil {
			return
		}
		if !c.Send(raw) {
			go h.CleanupClient(c)
		}
	})

	h.mu.Lock()
	if st, ok := h.clients[c]; ok {
		st.subs[key] = unsub
		h.mu.Unlock()
	} else {
		h.mu.Unlock()
		unsub()
		return
	}
	metrics.ClientSubscriptions.Inc()

	h.tracker.Subscribe(ex, channel, symbol)
}

func (h *Hub) unsubscribe(c Client, ex market.Exchange, channel, symbol string) {
	key := clientSubKey(channel, ex, symbol)

	h.mu.Lock()
	st, ok := h.clients[c]
	if !ok {
		h.mu.Unlock()
		return
	}
	unsub, ok := st.subs[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(st.subs, key)
	h.mu.Unlock()

	unsub()
	metrics.ClientSubscriptions.Dec()
	h.tracker.Unsubscribe(ex, channel, symbol)
}

// CleanupClient tears down every subscription a client holds and drops
// it from the registry. Safe to call more than once.
func (h *Hub) CleanupClient(c Client) {
	h.mu.Lock()
	st, ok := h.clients[c]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ClientsConnected.Set(float64(n))

	for key, unsub := range st.subs {
		unsub()
		metrics.ClientSubscriptions.Dec()
		channel, ex, symbol := splitSubKey(key)
		h.tracker.Unsubscribe(market.Exchange(ex), channel, symbol)
	}
	log.Info().Str("client", c.ID()).Int("clients", n).Msg("Client cleaned up")
}

// splitSubKey reverses clientSubKey; the symbol part may itself contain
// a colon for klines.
func splitSubKey(key string) (channel, exchange, symbol string) {
	channel, rest, _ := strings.Cut(key, ":")
	exchange, symbol, _ = strings.Cut(rest, ":")
	return channel, exchange, symbol
}

// GetTickers returns cached tickers for an exchange; an empty cache on
// a ready hub triggers a one-shot poll first.
func (h *Hub) GetTickers(ctx context.Context, ex market.Exchange) map[string]*market.Ticker {
	tickers := h.cache.GetAllTickers(ex)
	if len(tickers) > 0 || !h.Ready() {
		return tickers
	}
	if err := h.poller.PollExchange(ctx, ex); err != nil {
		log.Warn().Err(err).Str("exchange", string(ex)).Msg("Fallback poll failed")
	}
	return h.cache.GetAllTickers(ex)
}

// GetKlinesWithFallback serves from the cached ring when it holds
// enough history, otherwise pulls one batch over REST. The depth check
// runs against the full ring, not the requested window, so small-limit
// requests on a warm ring never hit the exchange.
func (h *Hub) GetKlinesWithFallback(ctx context.Context, ex market.Exchange, symbol, interval string, limit int) ([]market.Candle, error) {
	if h.cache.KlineCount(ex, symbol, interval) >= h.opts.KlineFallback {
		return h.cache.GetKlines(ex, symbol, interval, limit), nil
	}
	return h.poller.FetchKlines(ctx, ex, symbol, interval, limit, 0)
}

// FetchKlineHistory always pulls over REST, for paging past the ring.
func (h *Hub) FetchKlineHistory(ctx context.Context, ex market.Exchange, symbol, interval string, limit int, before int64) ([]market.Candle, error) {
	return h.poller.FetchKlines(ctx, ex, symbol, interval, limit, before)
}

// Health is the /hub/health document.
type Health struct {
	Status        string                    `json:"status"`
	Ready         bool                      `json:"ready"`
	Uptime        string                    `json:"uptime"`
	Exchanges     map[string]ExchangeHealth `json:"exchanges"`
	Clients       int                       `json:"clients"`
	Cache         map[string]int            `json:"cache"`
	DemandTracker any                       `json:"demandTracker"`
	Timestamp     int64                     `json:"timestamp"`
}

// ExchangeHealth is one exchange's health entry.
type ExchangeHealth struct {
	Connected  bool   `json:"connected"`
	Symbols    int    `json:"symbols"`
	LastUpdate string `json:"lastUpdate"`
	Cache      int    `json:"cache"`
}

// HealthSnapshot summarizes hub state. Status is healthy with every
// exchange connected, degraded with some, down with none.
func (h *Hub) HealthSnapshot() Health {
	connected := h.connectedCount()
	status := "down"
	switch {
	case connected == len(h.adapters) && connected > 0:
		status = "healthy"
	case connected > 0:
		status = "degraded"
	}

	exchanges := make(map[string]ExchangeHealth, len(h.adapters))
	for ex, a := range h.adapters {
		last := ""
		if t := a.LastUpdate(); !t.IsZero() {
			last = t.UTC().Format(time.RFC3339)
		}
		exchanges[string(ex)] = ExchangeHealth{
			Connected:  a.IsConnected(),
			Symbols:    a.SymbolCount(),
			LastUpdate: last,
			Cache:      h.cache.CountForExchange(ex),
		}
	}

	h.mu.Lock()
	clients := len(h.clients)
	h.mu.Unlock()

	return Health{
		Status:        status,
		Ready:         h.Ready(),
		Uptime:        time.Since(h.started).Round(time.Second).String(),
		Exchanges:     exchanges,
		Clients:       clients,
		Cache:         h.cache.Counts(),
		DemandTracker: h.tracker.Snapshot(),
		Timestamp:     time.Now().UnixMilli(),
	}
}
