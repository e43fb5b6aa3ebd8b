package market

import (
	"strconv"
	"strings"
)

// intervalMinutes maps every interval token the exchanges use to its
// length in minutes. Bare numbers are Bybit style ("1".."720"), suffixed
// forms cover Blofin/Hyperliquid ("1m","4h","1d") and Bitunix
// ("1min","1day","1week","1month").
var intervalMinutes = map[string]int64{
	"D": 1440, "1d": 1440, "1day": 1440,
	"W": 10080, "1w": 10080, "1week": 10080,
	"M": 43200, "1M": 43200, "1month": 43200,
	"1h": 60, "2h": 120, "4h": 240, "6h": 360, "12h": 720,
}

// IntervalMs returns the candle interval length in milliseconds, or 0
// when the token is not recognized.
func IntervalMs(interval string) int64 {
	if m, ok := intervalMinutes[interval]; ok {
		return m * 60_000
	}
	tok := strings.TrimSuffix(interval, "min")
	tok = strings.TrimSuffix(tok, "m")
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil && n > 0 {
		return n * 60_000
	}
	return 0
}

// FloorToInterval rounds a ms timestamp down to the open time of the
// interval bucket containing it. Used by adapters whose kline frames
// carry event time instead of open time.
func FloorToInterval(ts int64, interval string) int64 {
	ms := IntervalMs(interval)
	if ms <= 0 {
		return ts
	}
	return ts - ts%ms
}

// DefaultKlineInterval is each exchange's native one-minute token, used
// when warming kline rings without a client-chosen interval.
func DefaultKlineInterval(ex Exchange) string {
	switch ex {
	case Bybit:
		return "1"
	case Bitunix:
		return "1min"
	}
	return "1m"
}

// StripQuote removes a trailing USDT/USDC quote (case-insensitive) from
// a symbol. Hyperliquid keys its streams by bare coin name.
func StripQuote(symbol string) string {
	upper := strings.ToUpper(symbol)
	for _, q := range []string{"USDT", "USDC"} {
		if strings.HasSuffix(upper, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)]
		}
	}
	return symbol
}
