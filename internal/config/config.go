package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds every tunable of the hub. Values come from the
// environment, with an optional .env file for development.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:""`
	Exchanges   string `env:"EXCHANGES" envDefault:"bybit,blofin,bitunix,hyperliquid,binance"`

	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	StaleThreshold time.Duration `env:"STALE_THRESHOLD" envDefault:"5m"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`
	SweepTTL       time.Duration `env:"SWEEP_TTL" envDefault:"5m"`
	CleanupDelay   time.Duration `env:"CLEANUP_DELAY" envDefault:"60s"`

	HotSetSize     int `env:"HOT_SET_SIZE" envDefault:"30"`
	HotKlineWarmup int `env:"HOT_KLINE_WARMUP" envDefault:"3"`

	TradeRing       int `env:"TRADE_RING" envDefault:"100"`
	KlineRing       int `env:"KLINE_RING" envDefault:"500"`
	LiquidationRing int `env:"LIQUIDATION_RING" envDefault:"100"`

	BitunixSubLimit int `env:"BITUNIX_SUB_LIMIT" envDefault:"300"`
	BybitLiqCap     int `env:"BYBIT_LIQ_CAP" envDefault:"50"`

	PingInterval  time.Duration `env:"PING_INTERVAL" envDefault:"20s"`
	ReconnectCap  time.Duration `env:"RECONNECT_CAP" envDefault:"30s"`
	RateWindow    time.Duration `env:"RATE_WINDOW" envDefault:"60s"`
	RateBackoff   time.Duration `env:"RATE_BACKOFF" envDefault:"30s"`
	StartupBudget time.Duration `env:"STARTUP_BUDGET" envDefault:"15s"`
	ConnectBudget time.Duration `env:"CONNECT_BUDGET" envDefault:"10s"`

	ClientBuffer  int `env:"CLIENT_BUFFER" envDefault:"256"`
	ClientMsgRate int `env:"CLIENT_MSG_RATE" envDefault:"20"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment. A missing .env file is
// not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.TradeRing < 1 || c.KlineRing < 1 || c.LiquidationRing < 1 {
		return fmt.Errorf("ring sizes must be > 0")
	}
	if c.BitunixSubLimit < 1 {
		return fmt.Errorf("BITUNIX_SUB_LIMIT must be > 0, got %d", c.BitunixSubLimit)
	}
	if c.ClientBuffer < 1 {
		return fmt.Errorf("CLIENT_BUFFER must be > 0, got %d", c.ClientBuffer)
	}
	if len(c.ExchangeList()) == 0 {
		return fmt.Errorf("EXCHANGES must name at least one exchange")
	}
	return nil
}

// ExchangeList returns the enabled exchanges, trimmed and lowercased.
func (c *Config) ExchangeList() []string {
	var out []string
	for _, ex := range strings.Split(c.Exchanges, ",") {
		ex = strings.TrimSpace(strings.ToLower(ex))
		if ex != "" {
			out = append(out, ex)
		}
	}
	return out
}
