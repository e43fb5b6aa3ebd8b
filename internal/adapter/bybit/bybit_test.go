package bybit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markethub/internal/market"
)

func TestSubscribeLiquidationsReturnsBeforeRanking(t *testing.T) {
	a := New(nil, 0, 0, 5)
	release := make(chan struct{})
	a.rankTickers = func(context.Context) (map[string]*market.Ticker, error) {
		<-release
		return nil, errors.New("upstream down")
	}

	done := make(chan error, 1)
	go func() { done <- a.SubscribeLiquidations() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("SubscribeLiquidations waited on the ranking fetch")
	}
	assert.True(t, a.LiquidationsTracked())

	// A failed ranking clears the flag so the next subscriber retries.
	close(release)
	assert.Eventually(t, func() bool { return !a.LiquidationsTracked() }, time.Second, 5*time.Millisecond)
}

func TestTickerFrameParsed(t *testing.T) {
	a := New(nil, 0, 0, 5)

	var got *market.Ticker
	a.SetDataHandler(func(ev market.Event) {
		if ev.Channel == market.ChannelTickers {
			got = ev.Data.(*market.Ticker)
		}
	})

	a.handleMessage([]byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":5,"data":{"symbol":"BTCUSDT","lastPrice":"100.5","turnover24h":"123","price24hPcnt":"0.05","openInterest":"9"}}`))

	require.NotNil(t, got)
	assert.Equal(t, 100.5, got.LastPrice)
	assert.Equal(t, 123.0, got.Turnover24h)
	assert.Equal(t, 0.05, got.Price24hPcnt)
	assert.Equal(t, 9.0, got.OpenInterest)
}

func TestLiquidationFrameParsed(t *testing.T) {
	a := New(nil, 0, 0, 5)

	var got *market.Liquidation
	a.SetDataHandler(func(ev market.Event) {
		if ev.Channel == market.ChannelLiquidations {
			got = ev.Data.(*market.Liquidation)
		}
	})

	a.handleMessage([]byte(`{"topic":"allLiquidation.BTCUSDT","ts":1,"data":[{"T":1700000000000,"s":"BTCUSDT","S":"Buy","v":"0.5","p":"30000"}]}`))

	require.NotNil(t, got)
	assert.Equal(t, "Buy", got.Side)
	assert.Equal(t, 30000.0, got.Price)
	assert.Equal(t, "BTCUSDT-1700000000000", got.ID)
}

func TestPongFrameIgnored(t *testing.T) {
	a := New(nil, 0, 0, 5)

	fired := false
	a.SetDataHandler(func(market.Event) { fired = true })

	a.handleMessage([]byte(`{"op":"pong","success":true,"ret_msg":"pong"}`))
	assert.False(t, fired)
}
