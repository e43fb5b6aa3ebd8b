// Package server exposes the REST read surface and the downstream
// WebSocket endpoint over the hub.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"markethub/internal/hub"
	"markethub/internal/market"
)

// Options tunes the downstream client handling.
type Options struct {
	ClientBuffer  int // outbound queue length per WebSocket client
	ClientMsgRate int // inbound messages per second per client
}

// Server is the HTTP front of the hub.
type Server struct {
	hub  *hub.Hub
	opts Options
	srv  *http.Server
}

// New builds the router and binds it to addr.
func New(addr string, h *hub.Hub, opts Options) *Server {
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 256
	}
	if opts.ClientMsgRate <= 0 {
		opts.ClientMsgRate = 20
	}
	s := &Server{hub: h, opts: opts}

	r := mux.NewRouter()
	r.HandleFunc("/hub/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tickers/{exchange}", s.handleTickers).Methods(http.MethodGet)
	api.HandleFunc("/ticker/{exchange}/{symbol}", s.handleTicker).Methods(http.MethodGet)
	api.HandleFunc("/orderbook/{exchange}/{symbol}", s.handleOrderbook).Methods(http.MethodGet)
	api.HandleFunc("/trades/{exchange}/{symbol}", s.handleTrades).Methods(http.MethodGet)
	api.HandleFunc("/instruments/{exchange}", s.handleInstruments).Methods(http.MethodGet)
	api.HandleFunc("/funding/{exchange}", s.handleFunding).Methods(http.MethodGet)
	api.HandleFunc("/oi/{exchange}/{symbol}", s.handleOpenInterest).Methods(http.MethodGet)
	api.HandleFunc("/klines/{exchange}/{symbol}/{interval}", s.handleKlines).Methods(http.MethodGet)
	api.HandleFunc("/klines/{exchange}/{symbol}/{interval}/history", s.handleKlineHistory).Methods(http.MethodGet)
	api.HandleFunc("/liquidations/{exchange}/{symbol}", s.handleLiquidations).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// withStale folds the staleness marker into the payload without
// changing the shape for fresh reads.
func withStale(v any, stale bool) any {
	if !stale {
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return v
	}
	m["_stale"] = true
	return m
}

func limitParam(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func varsEx(r *http.Request) (market.Exchange, string) {
	v := mux.Vars(r)
	return market.Exchange(v["exchange"]), v["symbol"]
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.hub.HealthSnapshot()
	status := http.StatusOK
	if h.Status == "down" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleTickers(w http.ResponseWriter, r *http.Request) {
	ex, _ := varsEx(r)
	writeJSON(w, http.StatusOK, s.hub.GetTickers(r.Context(), ex))
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	ex, sym := varsEx(r)
	t, ok := s.hub.Cache().GetTicker(ex, sym)
	if !ok {
		writeError(w, http.StatusNotFound, "ticker not found")
		return
	}
	writeJSON(w, http.StatusOK, withStale(t, s.hub.Cache().IsStale("tickers", ex, sym)))
}

func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	ex, sym := varsEx(r)
	ob, ok := s.hub.Cache().GetOrderbook(ex, sym)
	if !ok {
		writeError(w, http.StatusNotFound, "orderbook not found")
		return
	}
	writeJSON(w, http.StatusOK, withStale(ob, s.hub.Cache().IsStale("orderbooks", ex, sym)))
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	ex, sym := varsEx(r)
	writeJSON(w, http.StatusOK, s.hub.Cache().GetTrades(ex, sym, limitParam(r, 50)))
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	ex, _ := varsEx(r)
	writeJSON(w, http.StatusOK, s.hub.Cache().GetInstruments(ex))
}

func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request) {
	ex, _ := varsEx(r)
	writeJSON(w, http.StatusOK, s.hub.Cache().GetAllFunding(ex))
}

func (s *Server) handleOpenInterest(w http.ResponseWriter, r *http.Request) {
	ex, sym := varsEx(r)
	oi, ok := s.hub.Cache().GetOpenInterest(ex, sym)
	if !ok {
		writeError(w, http.StatusNotFound, "open interest not found")
		return
	}
	writeJSON(w, http.StatusOK, withStale(oi, s.hub.Cache().IsStale("openInterest", ex, sym)))
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	ex, sym := varsEx(r)
	interval := mux.Vars(r)["interval"]
	candles, err := s.hub.GetKlinesWithFallback(r.Context(), ex, sym, interval, limitParam(r, 200))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, candles)
}

func (s *Server) handleKlineHistory(w http.ResponseWriter, r *http.Request) {
	ex, sym := varsEx(r)
	interval := mux.Vars(r)["interval"]
	var before int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before")
			return
		}
		before = n
	}
	candles, err := s.hub.FetchKlineHistory(r.Context(), ex, sym, interval, limitParam(r, 200), before)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, candles)
}

func (s *Server) handleLiquidations(w http.ResponseWriter, r *http.Request) {
	ex, sym := varsEx(r)
	writeJSON(w, http.StatusOK, s.hub.Cache().GetLiquidations(ex, sym, limitParam(r, 50)))
}
