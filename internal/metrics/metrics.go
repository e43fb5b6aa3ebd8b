package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics for the market data hub
var (
	// Upstream event metrics
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_events_received_total",
			Help: "Total number of normalized events received from exchange adapters",
		},
		[]string{"exchange", "channel"},
	)

	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_parse_errors_total",
			Help: "Total number of unparseable upstream frames",
		},
		[]string{"exchange"},
	)

	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hub_connection_status",
			Help: "WebSocket connection status per exchange (1=connected, 0=disconnected)",
		},
		[]string{"exchange"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"exchange"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_connection_errors_total",
			Help: "Total number of connection errors",
		},
		[]string{"exchange", "error_type"},
	)

	// Upstream subscription metrics
	UpstreamSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hub_upstream_subscriptions",
			Help: "Number of active upstream topic subscriptions per exchange",
		},
		[]string{"exchange"},
	)

	SubscriptionsRefused = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_subscriptions_refused_total",
			Help: "Subscriptions refused by per-socket topic caps",
		},
		[]string{"exchange"},
	)

	// REST pull metrics
	RestFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hub_rest_fetch_duration_seconds",
			Help:    "Time to fetch data from exchange REST APIs",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"exchange", "endpoint"},
	)

	RestFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_rest_fetch_errors_total",
			Help: "Total number of REST fetch errors",
		},
		[]string{"exchange", "endpoint"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_rate_limited_total",
			Help: "REST requests refused or backed off due to rate limiting",
		},
		[]string{"exchange"},
	)

	// Downstream client metrics
	ClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_clients_connected",
			Help: "Number of connected downstream clients",
		},
	)

	ClientSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_client_subscriptions",
			Help: "Total subscription keys across all downstream clients",
		},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_messages_sent_total",
			Help: "Messages pushed to downstream clients",
		},
		[]string{"type"},
	)

	MessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_messages_dropped_total",
			Help: "Downstream messages dropped on client buffer overflow",
		},
	)

	// Cache metrics
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hub_cache_entries",
			Help: "Number of entries per cache collection",
		},
		[]string{"collection"},
	)

	CacheSweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_cache_sweeps_total",
			Help: "Stale sweeper runs",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_cache_evictions_total",
			Help: "Entries deleted by the stale sweeper",
		},
	)

	// Demand tracker metrics
	DemandSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hub_demand_subscriptions",
			Help: "Tracked demand subscriptions per exchange",
		},
		[]string{"exchange"},
	)

	PendingCleanups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_demand_pending_cleanups",
			Help: "Delayed unsubscribe timers currently pending",
		},
	)

	// Redis mirror metrics
	MirrorPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_mirror_publish_errors_total",
			Help: "Redis mirror publish errors",
		},
		[]string{"channel"},
	)

	MirrorDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_mirror_dropped_total",
			Help: "Events dropped because the mirror queue was full",
		},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordEvent records a normalized upstream event
func RecordEvent(exchange, channel string) {
	EventsReceived.WithLabelValues(exchange, channel).Inc()
}

// RecordConnectionStatus records connection status
func RecordConnectionStatus(exchange string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(exchange).Set(status)
}

// RecordReconnect records a reconnection attempt
func RecordReconnect(exchange string) {
	ConnectionReconnects.WithLabelValues(exchange).Inc()
}

// RecordConnectionError records a connection error
func RecordConnectionError(exchange, errorType string) {
	ConnectionErrors.WithLabelValues(exchange, errorType).Inc()
}

// RecordRestError records a REST fetch error
func RecordRestError(exchange, endpoint string) {
	RestFetchErrors.WithLabelValues(exchange, endpoint).Inc()
}

// Server starts the Prometheus metrics HTTP server
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a new metrics server
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server gracefully
func (s *Server) Stop() error {
	return s.server.Close()
}
