package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"markethub/internal/metrics"
)

// Coordinator tracks windowed request counts and explicit backoff per
// exchange. It never delays callers itself; it only advises them.
type Coordinator struct {
	mu      sync.Mutex
	window  time.Duration
	backoff time.Duration
	states  map[string]*state

	now func() time.Time // injectable for tests
}

type state struct {
	requestCount int
	windowStart  time.Time
	backoffUntil time.Time
}

// New creates a coordinator with the given accounting window and the
// default backoff applied when a rate-limit report carries no retry-after.
func New(window, backoff time.Duration) *Coordinator {
	return &Coordinator{
		window:  window,
		backoff: backoff,
		states:  make(map[string]*state),
		now:     time.Now,
	}
}

// CanRequest reports whether a request to the exchange is currently
// advisable. It also rolls the accounting window forward when expired.
func (c *Coordinator) CanRequest(exchange string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := c.state(exchange, now)

	if now.Before(st.backoffUntil) {
		return false
	}
	if now.Sub(st.windowStart) > c.window {
		st.windowStart = now
		st.requestCount = 0
	}
	return true
}

// RecordRequest counts a request against the exchange's current window.
func (c *Coordinator) RecordRequest(exchange string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(exchange, c.now()).requestCount++
}

// ReportRateLimit enters backoff for the exchange. A non-positive
// retryAfter falls back to the configured default.
func (c *Coordinator) ReportRateLimit(exchange string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = c.backoff
	}

	c.mu.Lock()
	now := c.now()
	st := c.state(exchange, now)
	st.backoffUntil = now.Add(retryAfter)
	c.mu.Unlock()

	metrics.RateLimited.WithLabelValues(exchange).Inc()
	log.Warn().
		Str("exchange", exchange).
		Dur("retry_after", retryAfter).
		Msg("Rate limited, backing off")
}

// RequestCount returns the count in the exchange's current window.
func (c *Coordinator) RequestCount(exchange string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(exchange, c.now()).requestCount
}

func (c *Coordinator) state(exchange string, now time.Time) *state {
	st, ok := c.states[exchange]
	if !ok {
		st = &state{windowStart: now}
		c.states[exchange] = st
	}
	return st
}
