package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"markethub/internal/market"
	"markethub/internal/metrics"
)

// ErrUnsupported marks an operation an exchange has no upstream for.
var ErrUnsupported = errors.New("not supported by exchange")

// DataHandler receives every normalized event an adapter produces.
type DataHandler func(ev market.Event)

// StatusHandler is called on connect and disconnect.
type StatusHandler func(ex market.Exchange, connected bool)

// Adapter is one exchange connection: a public WebSocket with managed
// subscriptions plus the REST fetchers the poller uses.
type Adapter interface {
	Name() market.Exchange
	Connect(ctx context.Context) error
	Close() error

	SubscribeHotSymbols(symbols []string) error
	SubscribeSymbol(symbol string, channels []string) error
	UnsubscribeSymbol(symbol string, channels []string) error
	SubscribeKline(symbol, interval string) error
	UnsubscribeKline(symbol, interval string) error
	SubscribeLiquidations() error
	UnsubscribeLiquidations() error

	FetchInstruments(ctx context.Context) ([]market.Instrument, error)
	FetchTickers(ctx context.Context) (map[string]*market.Ticker, error)
	FetchFunding(ctx context.Context) (map[string]*market.Funding, error)
	FetchOpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error)
	FetchKlines(ctx context.Context, symbol, interval string, limit int, before int64) ([]market.Candle, error)

	SetDataHandler(h DataHandler)
	SetStatusHandler(h StatusHandler)
	IsConnected() bool
	SymbolCount() int
	LastUpdate() time.Time
}

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// Config holds the per-exchange connection tunables.
type Config struct {
	Exchange     market.Exchange
	WSURL        string
	PingInterval time.Duration
	ReconnectCap time.Duration
}

// Hooks are the exchange-specific pieces of the shared lifecycle.
// OnOpen runs after every successful dial and restores subscriptions.
// OnMessage handles one raw frame. Ping sends the exchange's
// application-level ping; nil relies on protocol pings from the server.
type Hooks struct {
	OnOpen    func() error
	OnMessage func(data []byte)
	Ping      func() error
}

// Base implements the shared WebSocket lifecycle: idempotent connect,
// read and ping loops, exponential reconnect capped at the configured
// ceiling, and subscription bookkeeping for resubscribe-on-reconnect.
type Base struct {
	cfg   Config
	hooks Hooks

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	done    chan struct{}
	attempt int

	writeMu sync.Mutex

	subsMu sync.Mutex
	topics map[string]map[string]struct{} // symbol -> channels
	klines map[string]struct{}            // "SYM:interval"
	liqs   bool

	lastMsg atomic.Int64

	handlerMu     sync.RWMutex
	dataHandler   DataHandler
	statusHandler StatusHandler
}

// NewBase creates the lifecycle helper; the concrete adapter installs
// its hooks before the first Connect.
func NewBase(cfg Config) *Base {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 30 * time.Second
	}
	return &Base{
		cfg:    cfg,
		topics: make(map[string]map[string]struct{}),
		klines: make(map[string]struct{}),
	}
}

// SetHooks installs the exchange-specific callbacks.
func (b *Base) SetHooks(h Hooks) {
	b.hooks = h
}

// Name returns the exchange identifier.
func (b *Base) Name() market.Exchange {
	return b.cfg.Exchange
}

// SetDataHandler sets the event callback.
func (b *Base) SetDataHandler(h DataHandler) {
	b.handlerMu.Lock()
	b.dataHandler = h
	b.handlerMu.Unlock()
}

// SetStatusHandler sets the connect/disconnect callback.
func (b *Base) SetStatusHandler(h StatusHandler) {
	b.handlerMu.Lock()
	b.statusHandler = h
	b.handlerMu.Unlock()
}

// Emit stamps the last-message time and hands the event to the handler.
func (b *Base) Emit(ev market.Event) {
	b.lastMsg.Store(time.Now().UnixMilli())
	metrics.RecordEvent(string(ev.Exchange), ev.Channel)
	b.handlerMu.RLock()
	h := b.dataHandler
	b.handlerMu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func (b *Base) emitStatus(connected bool) {
	metrics.RecordConnectionStatus(string(b.cfg.Exchange), connected)
	b.handlerMu.RLock()
	h := b.statusHandler
	b.handlerMu.RUnlock()
	if h != nil {
		h(b.cfg.Exchange, connected)
	}
}

// IsConnected reports whether the socket is open.
func (b *Base) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen
}

// LastUpdate returns the time of the last upstream message.
func (b *Base) LastUpdate() time.Time {
	ms := b.lastMsg.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Connect dials the exchange WebSocket. Calling it while connected or
// connecting is a no-op.
func (b *Base) Connect(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen, StateConnecting:
		b.mu.Unlock()
		return nil
	case StateClosing:
		b.mu.Unlock()
		return errors.New("adapter closed")
	}
	b.state = StateConnecting
	b.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, b.cfg.WSURL, nil)
	if err != nil {
		b.mu.Lock()
		b.state = StateDisconnected
		b.mu.Unlock()
		metrics.RecordConnectionError(string(b.cfg.Exchange), "dial")
		return fmt.Errorf("dial %s: %w", b.cfg.Exchange, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.state = StateOpen
	b.attempt = 0
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	log.Info().Str("exchange", string(b.cfg.Exchange)).Msg("Connected to exchange WebSocket")
	b.emitStatus(true)

	if b.hooks.OnOpen != nil {
		if err := b.hooks.OnOpen(); err != nil {
			log.Error().Err(err).Str("exchange", string(b.cfg.Exchange)).Msg("Resubscribe after connect failed")
		}
	}

	go b.readLoop(conn, done)
	if b.hooks.Ping != nil {
		go b.pingLoop(done)
	}
	return nil
}

// Close shuts the connection down for good; no reconnect follows.
func (b *Base) Close() error {
	b.mu.Lock()
	if b.state == StateClosing {
		b.mu.Unlock()
		return nil
	}
	b.state = StateClosing
	conn := b.conn
	if b.done != nil {
		close(b.done)
		b.done = nil
	}
	b.mu.Unlock()

	b.emitStatus(false)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (b *Base) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			b.mu.Lock()
			closing := b.state == StateClosing
			if !closing {
				b.state = StateDisconnected
				b.conn = nil
			}
			b.mu.Unlock()
			if closing {
				return
			}
			log.Warn().Err(err).Str("exchange", string(b.cfg.Exchange)).Msg("WebSocket read failed, reconnecting")
			metrics.RecordConnectionError(string(b.cfg.Exchange), "read")
			b.emitStatus(false)
			go b.tryReconnect()
			return
		}
		if b.hooks.OnMessage != nil {
			b.lastMsg.Store(time.Now().UnixMilli())
			b.hooks.OnMessage(data)
		}
	}
}

func (b *Base) pingLoop(done chan struct{}) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := b.hooks.Ping(); err != nil {
				log.Warn().Err(err).Str("exchange", string(b.cfg.Exchange)).Msg("Ping failed")
			}
		}
	}
}

// tryReconnect retries with exponential backoff, 1s doubling up to the
// configured cap, until the dial succeeds or the adapter is closed.
func (b *Base) tryReconnect() {
	for {
		b.mu.Lock()
		if b.state != StateDisconnected {
			b.mu.Unlock()
			return
		}
		b.attempt++
		attempt := b.attempt
		b.mu.Unlock()

		delay := time.Second << (attempt - 1)
		if delay > b.cfg.ReconnectCap || delay <= 0 {
			delay = b.cfg.ReconnectCap
		}
		log.Info().Str("exchange", string(b.cfg.Exchange)).
			Int("attempt", attempt).Dur("delay", delay).
			Msg("Reconnecting to exchange WebSocket")
		time.Sleep(delay)

		b.mu.Lock()
		if b.state != StateDisconnected {
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()

		metrics.RecordReconnect(string(b.cfg.Exchange))
		if err := b.Connect(context.Background()); err == nil {
			return
		}
	}
}

// SendJSON writes one JSON frame, serialized against concurrent writers.
func (b *Base) SendJSON(v any) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// SendText writes one text frame, serialized against concurrent writers.
func (b *Base) SendText(s string) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(s))
}

// TrackTopics remembers (symbol, channel) subscriptions so they survive
// reconnects; it returns the channels that were not tracked yet. The
// caller only sends upstream frames for those.
func (b *Base) TrackTopics(symbol string, channels []string) []string {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	set, ok := b.topics[symbol]
	if !ok {
		set = make(map[string]struct{})
		b.topics[symbol] = set
	}
	var fresh []string
	for _, ch := range channels {
		if _, dup := set[ch]; dup {
			continue
		}
		set[ch] = struct{}{}
		fresh = append(fresh, ch)
		metrics.UpstreamSubscriptions.WithLabelValues(string(b.cfg.Exchange)).Inc()
	}
	return fresh
}

// UntrackTopics forgets (symbol, channel) subscriptions and returns the
// channels that were actually tracked.
func (b *Base) UntrackTopics(symbol string, channels []string) []string {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	set, ok := b.topics[symbol]
	if !ok {
		return nil
	}
	var removed []string
	for _, ch := range channels {
		if _, tracked := set[ch]; !tracked {
			continue
		}
		delete(set, ch)
		removed = append(removed, ch)
		metrics.UpstreamSubscriptions.WithLabelValues(string(b.cfg.Exchange)).Dec()
	}
	if len(set) == 0 {
		delete(b.topics, symbol)
	}
	return removed
}

// TrackedTopics returns a copy of the symbol-to-channels map.
func (b *Base) TrackedTopics() map[string][]string {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	out := make(map[string][]string, len(b.topics))
	for sym, set := range b.topics {
		chs := make([]string, 0, len(set))
		for ch := range set {
			chs = append(chs, ch)
		}
		out[sym] = chs
	}
	return out
}

// TopicCount is the total number of active topic subscriptions on the
// socket, kline topics included.
func (b *Base) TopicCount() int {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	n := len(b.klines)
	for _, set := range b.topics {
		n += len(set)
	}
	return n
}

// TrackKline remembers a kline subscription under "SYM:interval".
func (b *Base) TrackKline(symbol, interval string) bool {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	k := symbol + ":" + interval
	if _, ok := b.klines[k]; ok {
		return false
	}
	b.klines[k] = struct{}{}
	return true
}

// UntrackKline forgets a kline subscription.
func (b *Base) UntrackKline(symbol, interval string) bool {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	k := symbol + ":" + interval
	if _, ok := b.klines[k]; !ok {
		return false
	}
	delete(b.klines, k)
	return true
}

// TrackedKlines returns the tracked kline pairs as [symbol, interval].
func (b *Base) TrackedKlines() [][2]string {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	out := make([][2]string, 0, len(b.klines))
	for k := range b.klines {
		for i := len(k) - 1; i >= 0; i-- {
			if k[i] == ':' {
				out = append(out, [2]string{k[:i], k[i+1:]})
				break
			}
		}
	}
	return out
}

// SetLiquidationsTracked records whether the liquidation stream is on.
func (b *Base) SetLiquidationsTracked(on bool) {
	b.subsMu.Lock()
	b.liqs = on
	b.subsMu.Unlock()
}

// LiquidationsTracked reports whether the liquidation stream is on.
func (b *Base) LiquidationsTracked() bool {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	return b.liqs
}

// SymbolCount returns how many distinct symbols have at least one
// tracked market-stream subscription.
func (b *Base) SymbolCount() int {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	return len(b.topics)
}

// SubscribeLiquidations is overridden by exchanges with a liquidation
// stream; the default reports no support.
func (b *Base) SubscribeLiquidations() error {
	return ErrUnsupported
}

// UnsubscribeLiquidations is the matching default.
func (b *Base) UnsubscribeLiquidations() error {
	return ErrUnsupported
}

// FetchOpenInterest is overridden where the exchange exposes an open
// interest endpoint.
func (b *Base) FetchOpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	return nil, ErrUnsupported
}

// FetchFunding is overridden where funding is a separate REST call
// rather than part of the ticker payload.
func (b *Base) FetchFunding(ctx context.Context) (map[string]*market.Funding, error) {
	return nil, ErrUnsupported
}
