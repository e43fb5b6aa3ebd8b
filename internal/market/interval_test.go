package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntervalMs(t *testing.T) {
	cases := map[string]int64{
		// Bybit bare minutes
		"1":   60_000,
		"15":  900_000,
		"720": 43_200_000,
		// suffixed minutes
		"1m":    60_000,
		"5m":    300_000,
		"30min": 1_800_000,
		// hours
		"1h":  3_600_000,
		"4h":  14_400_000,
		"12h": 43_200_000,
		// day / week / month tokens
		"D":      86_400_000,
		"1d":     86_400_000,
		"1day":   86_400_000,
		"W":      604_800_000,
		"1week":  604_800_000,
		"M":      2_592_000_000,
		"1M":     2_592_000_000,
		"1month": 2_592_000_000,
	}
	for in, want := range cases {
		assert.Equal(t, want, IntervalMs(in), "interval %q", in)
	}

	assert.Zero(t, IntervalMs("bogus"))
	assert.Zero(t, IntervalMs(""))
}

func TestFloorToInterval(t *testing.T) {
	assert.Equal(t, int64(60_000), FloorToInterval(90_500, "1min"))
	assert.Equal(t, int64(120_000), FloorToInterval(120_000, "1"))
	// Unknown interval passes the timestamp through.
	assert.Equal(t, int64(123), FloorToInterval(123, "bogus"))
}

func TestStripQuote(t *testing.T) {
	assert.Equal(t, "BTC", StripQuote("BTCUSDT"))
	assert.Equal(t, "ETH", StripQuote("ETHUSDC"))
	assert.Equal(t, "sol", StripQuote("solusdt"))
	// Bare coin and quote-only strings stay intact.
	assert.Equal(t, "BTC", StripQuote("BTC"))
	assert.Equal(t, "USDT", StripQuote("USDT"))
}
