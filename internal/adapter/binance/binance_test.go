package binance

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"markethub/internal/market"
)

func TestTickerPercentScaledToFraction(t *testing.T) {
	a := New(nil, 0)

	var got *market.Ticker
	a.SetDataHandler(func(ev market.Event) {
		if ev.Channel == market.ChannelTickers {
			got = ev.Data.(*market.Ticker)
		}
	})

	a.handleMessage([]byte(`{"e":"24hrTicker","E":1,"s":"BTCUSDT","c":"110","o":"100","h":"120","l":"90","v":"5","q":"550","P":"10.000"}`))

	assert.NotNil(t, got)
	assert.InDelta(t, 0.10, got.Price24hPcnt, 1e-9)
	assert.Equal(t, 110.0, got.LastPrice)
	assert.Equal(t, 550.0, got.Turnover24h)
}

func TestForceOrderSideTitleCased(t *testing.T) {
	a := New(nil, 0)

	var got *market.Liquidation
	a.SetDataHandler(func(ev market.Event) {
		if ev.Channel == market.ChannelLiquidations {
			got = ev.Data.(*market.Liquidation)
		}
	})

	a.handleMessage([]byte(`{"e":"forceOrder","E":2,"o":{"s":"ETHUSDT","S":"SELL","q":"3","p":"2000","ap":"1999.5","T":1700000000000}}`))

	assert.NotNil(t, got)
	assert.Equal(t, "Sell", got.Side)
	assert.Equal(t, 1999.5, got.Price)
	assert.Equal(t, "ETHUSDT-1700000000000", got.ID)
}

func TestAggTradeSideFromMakerFlag(t *testing.T) {
	a := New(nil, 0)

	var got []market.Trade
	a.SetDataHandler(func(ev market.Event) {
		if ev.Channel == market.ChannelTrades {
			got = ev.Data.([]market.Trade)
		}
	})

	a.handleMessage([]byte(`{"e":"aggTrade","E":3,"s":"BTCUSDT","a":42,"p":"100.5","q":"0.2","m":true,"T":1700000000001}`))

	assert.Len(t, got, 1)
	assert.Equal(t, "sell", got[0].Side)
	assert.Equal(t, "42", got[0].TradeID)
}

func TestSubscriptionAckIgnored(t *testing.T) {
	a := New(nil, 0)

	fired := false
	a.SetDataHandler(func(market.Event) { fired = true })

	a.handleMessage([]byte(`{"result":null,"id":7}`))
	assert.False(t, fired)
}

func TestDepthFrameIsSnapshot(t *testing.T) {
	a := New(nil, 0)

	var got *market.BookDelta
	a.SetDataHandler(func(ev market.Event) {
		if ev.Channel == market.ChannelOrderbook {
			got = ev.Data.(*market.BookDelta)
		}
	})

	a.handleMessage([]byte(`{"e":"depthUpdate","E":4,"s":"BTCUSDT","T":1700000000002,"u":99,"b":[["100","1.5"]],"a":[["101","2"]]}`))

	assert.NotNil(t, got)
	assert.True(t, got.Snapshot)
	assert.Equal(t, int64(99), got.UpdateID)
	assert.Equal(t, 100.0, got.Bids[0].Price)
}
