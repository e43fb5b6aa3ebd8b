package server

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"markethub/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Public market data, no credentials; any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

var clientSeq atomic.Int64

const writeWait = 10 * time.Second

// wsClient is one downstream connection. Pushes go through a bounded
// outbound queue drained by a single write pump; a full queue drops the
// oldest frame.
type wsClient struct {
	id   string
	conn *websocket.Conn
	out  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *wsClient) ID() string { return c.id }

// Send enqueues without blocking and reports whether the client is
// still alive.
func (c *wsClient) Send(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- msg:
	default:
		select {
		case <-c.out:
			metrics.MessagesDropped.Inc()
		default:
		}
		select {
		case c.out <- msg:
		default:
			return false
		}
	}
	return true
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := &wsClient{
		id:     fmt.Sprintf("%s#%d", r.RemoteAddr, clientSeq.Add(1)),
		conn:   conn,
		out:    make(chan []byte, s.opts.ClientBuffer),
		closed: make(chan struct{}),
	}

	frame := s.hub.AddClient(c)
	c.Send(frame)

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) writePump(c *wsClient) {
	defer c.close()
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.hub.CleanupClient(c)
				return
			}
			metrics.MessagesSent.WithLabelValues("push").Inc()
		}
	}
}

// readPump handles inbound control frames; a per-client rate limiter
// discards floods instead of processing them.
func (s *Server) readPump(c *wsClient) {
	defer func() {
		s.hub.CleanupClient(c)
		c.close()
	}()

	limiter := rate.NewLimiter(rate.Limit(s.opts.ClientMsgRate), s.opts.ClientMsgRate)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow() {
			continue
		}
		s.hub.HandleClientMessage(c, msg)
	}
}
