package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"markethub/internal/market"
	"markethub/internal/metrics"
	"markethub/internal/ratelimit"
)

// ErrRateLimited marks a fetch refused locally or rejected upstream with
// HTTP 429. Callers treat it as "no data this cycle", not a failure.
var ErrRateLimited = errors.New("rate limited")

// Client is the shared REST fetch path for all exchanges: one HTTP
// client, the per-exchange rate-limit window, and a per-exchange circuit
// breaker around consecutive upstream failures.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Coordinator

	mu       sync.Mutex
	breakers map[market.Exchange]*gobreaker.CircuitBreaker
}

// NewClient wires the fetch path to the given rate-limit coordinator.
func NewClient(limiter *ratelimit.Coordinator) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter:  limiter,
		breakers: make(map[market.Exchange]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(ex market.Exchange) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[ex]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(ex),
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("exchange", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("REST circuit breaker state change")
		},
	})
	c.breakers[ex] = cb
	return cb
}

// GetJSON fetches a URL and decodes the JSON body into out. The request
// is refused with ErrRateLimited when the exchange is inside a backoff
// window; a 429 response reports the backoff and returns the same error.
func (c *Client) GetJSON(ctx context.Context, ex market.Exchange, rawURL string, params map[string]string, out any) error {
	return c.do(ctx, ex, http.MethodGet, rawURL, params, nil, out)
}

// PostJSON sends a JSON body and decodes the JSON response into out.
func (c *Client) PostJSON(ctx context.Context, ex market.Exchange, rawURL string, body any, out any) error {
	return c.do(ctx, ex, http.MethodPost, rawURL, nil, body, out)
}

func (c *Client) do(ctx context.Context, ex market.Exchange, method, rawURL string, params map[string]string, body any, out any) error {
	if c.limiter != nil && !c.limiter.CanRequest(string(ex)) {
		metrics.RateLimited.WithLabelValues(string(ex)).Inc()
		return ErrRateLimited
	}

	_, err := c.breaker(ex).Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, ex, method, rawURL, params, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s circuit open: %w", ex, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, ex market.Exchange, method, rawURL string, params map[string]string, body any, out any) error {
	reqURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	endpoint := reqURL.Path

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RestFetchDuration, string(ex), endpoint)

	if len(params) > 0 {
		q := reqURL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		reqURL.RawQuery = q.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.limiter != nil {
		c.limiter.RecordRequest(string(ex))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordRestError(string(ex), endpoint)
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RecordRestError(string(ex), endpoint)
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if c.limiter != nil {
			c.limiter.ReportRateLimit(string(ex), retryAfter(resp))
		}
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		metrics.RecordRestError(string(ex), endpoint)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		metrics.RecordRestError(string(ex), endpoint)
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// retryAfter parses the Retry-After header in seconds; zero means use
// the coordinator's default backoff.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
