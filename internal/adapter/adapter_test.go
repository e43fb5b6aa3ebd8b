package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markethub/internal/market"
)

// wsServer accepts connections and echoes nothing; each accepted
// connection is sent on conns so the test can drive it.
type wsServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func newTestBase(url string) *Base {
	return NewBase(Config{
		Exchange:     market.Bybit,
		WSURL:        url,
		PingInterval: time.Hour,
		ReconnectCap: time.Second,
	})
}

func TestConnectDispatchesMessages(t *testing.T) {
	srv := newWSServer(t)
	b := newTestBase(srv.url())

	got := make(chan string, 4)
	b.SetHooks(Hooks{OnMessage: func(data []byte) { got <- string(data) }})

	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()
	assert.True(t, b.IsConnected())

	// Second connect while open is a no-op.
	require.NoError(t, b.Connect(context.Background()))

	peer := srv.accept(t)
	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte(`{"hello":1}`)))

	select {
	case msg := <-got:
		assert.Equal(t, `{"hello":1}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}
	assert.False(t, b.LastUpdate().IsZero())
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := newWSServer(t)
	b := newTestBase(srv.url())

	var mu sync.Mutex
	var statuses []bool
	opens := make(chan struct{}, 4)
	b.SetStatusHandler(func(_ market.Exchange, connected bool) {
		mu.Lock()
		statuses = append(statuses, connected)
		mu.Unlock()
	})
	b.SetHooks(Hooks{OnOpen: func() error {
		opens <- struct{}{}
		return nil
	}})

	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()
	<-opens

	// Drop the connection server-side; the adapter redials and runs
	// OnOpen again.
	peer := srv.accept(t)
	peer.Close()

	select {
	case <-opens:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect")
	}
	srv.accept(t)
	assert.True(t, b.IsConnected())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, statuses)
}

func TestCloseStopsReconnect(t *testing.T) {
	srv := newWSServer(t)
	b := newTestBase(srv.url())
	require.NoError(t, b.Connect(context.Background()))
	srv.accept(t)

	require.NoError(t, b.Close())
	assert.False(t, b.IsConnected())

	// No redial arrives after close.
	select {
	case <-srv.conns:
		t.Fatal("reconnected after close")
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestSubscriptionTracking(t *testing.T) {
	b := newTestBase("ws://unused")

	assert.Equal(t, []string{"trades", "orderbook"}, b.TrackTopics("BTCUSDT", []string{"trades", "orderbook"}))
	assert.Empty(t, b.TrackTopics("BTCUSDT", []string{"trades"}))
	assert.Equal(t, []string{"trades"}, b.TrackTopics("ETHUSDT", []string{"trades"}))
	assert.Equal(t, 2, b.SymbolCount())
	assert.Equal(t, 3, b.TopicCount())

	assert.Equal(t, []string{"trades"}, b.UntrackTopics("BTCUSDT", []string{"trades"}))
	assert.Empty(t, b.UntrackTopics("BTCUSDT", []string{"trades"}))
	assert.Equal(t, 2, b.SymbolCount())

	assert.Equal(t, []string{"orderbook"}, b.UntrackTopics("BTCUSDT", []string{"orderbook"}))
	assert.Equal(t, 1, b.SymbolCount())

	assert.True(t, b.TrackKline("BTCUSDT", "15"))
	assert.False(t, b.TrackKline("BTCUSDT", "15"))
	assert.Equal(t, [][2]string{{"BTCUSDT", "15"}}, b.TrackedKlines())
	assert.Equal(t, 2, b.TopicCount())
	assert.True(t, b.UntrackKline("BTCUSDT", "15"))
	assert.Empty(t, b.TrackedKlines())
}
