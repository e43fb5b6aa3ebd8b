package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"markethub/internal/adapter"
	"markethub/internal/adapter/binance"
	"markethub/internal/adapter/bitunix"
	"markethub/internal/adapter/blofin"
	"markethub/internal/adapter/bybit"
	"markethub/internal/adapter/hyperliquid"
	"markethub/internal/cache"
	"markethub/internal/config"
	"markethub/internal/dedup"
	"markethub/internal/demand"
	"markethub/internal/hub"
	"markethub/internal/market"
	"markethub/internal/metrics"
	"markethub/internal/poller"
	"markethub/internal/publisher"
	"markethub/internal/ratelimit"
	"markethub/internal/rest"
	"markethub/internal/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Str("exchanges", cfg.Exchanges).
		Msg("Starting market data hub")

	metricsServer := metrics.NewServer(cfg.MetricsAddr)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	limiter := ratelimit.New(cfg.RateWindow, cfg.RateBackoff)
	restClient := rest.NewClient(limiter)
	adapters := buildAdapters(cfg, restClient)
	if len(adapters) == 0 {
		log.Fatal().Msg("No known exchanges enabled")
	}

	c := cache.New(cache.Options{
		TradeRing:       cfg.TradeRing,
		KlineRing:       cfg.KlineRing,
		LiquidationRing: cfg.LiquidationRing,
		StaleThreshold:  cfg.StaleThreshold,
		SweepInterval:   cfg.SweepInterval,
		SweepTTL:        cfg.SweepTTL,
		QueueSize:       cfg.ClientBuffer,
	})
	tracker := demand.New(adapters, cfg.CleanupDelay)
	p := poller.New(adapters, c, dedup.New(), cfg.PollInterval)

	var mirror hub.Publisher
	var redisMirror *publisher.Redis
	if cfg.RedisAddr != "" {
		redisMirror, err = publisher.New(cfg.RedisAddr)
		if err != nil {
			log.Warn().Err(err).Msg("Redis mirror unavailable, continuing without it")
		} else {
			mirror = redisMirror
		}
	}

	h := hub.New(hub.Options{
		ConnectBudget: cfg.ConnectBudget,
		StartupBudget: cfg.StartupBudget,
		HotSetSize:    cfg.HotSetSize,
		KlineWarmup:   cfg.HotKlineWarmup,
	}, c, adapters, tracker, p, mirror)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Hub start failed")
	}

	srv := server.New(cfg.HTTPAddr, h, server.Options{
		ClientBuffer:  cfg.ClientBuffer,
		ClientMsgRate: cfg.ClientMsgRate,
	})
	srv.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("Shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown failed")
	}
	h.Stop()
	if redisMirror != nil {
		redisMirror.Close()
	}
	if err := metricsServer.Stop(); err != nil {
		log.Warn().Err(err).Msg("Metrics server stop failed")
	}
	log.Info().Msg("Shutdown complete")
}

func buildAdapters(cfg *config.Config, rc *rest.Client) map[market.Exchange]adapter.Adapter {
	adapters := make(map[market.Exchange]adapter.Adapter)
	for _, name := range cfg.ExchangeList() {
		switch market.Exchange(name) {
		case market.Bybit:
			adapters[market.Bybit] = bybit.New(rc, cfg.PingInterval, cfg.ReconnectCap, cfg.BybitLiqCap)
		case market.Blofin:
			adapters[market.Blofin] = blofin.New(rc, cfg.PingInterval, cfg.ReconnectCap)
		case market.Bitunix:
			adapters[market.Bitunix] = bitunix.New(rc, cfg.PingInterval, cfg.ReconnectCap, cfg.BitunixSubLimit)
		case market.Hyperliquid:
			adapters[market.Hyperliquid] = hyperliquid.New(rc, cfg.PingInterval, cfg.ReconnectCap)
		case market.Binance:
			adapters[market.Binance] = binance.New(rc, cfg.ReconnectCap)
		default:
			log.Warn().Str("exchange", name).Msg("Unknown exchange in EXCHANGES, skipping")
		}
	}
	return adapters
}
