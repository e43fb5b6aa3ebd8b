package bitunix

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"markethub/internal/market"
)

func TestTopicCapRefusesSubscribes(t *testing.T) {
	a := New(nil, 0, 0, 3)

	a.SubscribeSymbol("BTCUSDT", []string{market.ChannelTrades})
	a.SubscribeSymbol("ETHUSDT", []string{market.ChannelTrades})
	assert.Equal(t, 2, a.TopicCount())

	// The subscribe that reaches the cap still succeeds.
	a.SubscribeSymbol("SOLUSDT", []string{market.ChannelTrades})
	assert.Equal(t, 3, a.TopicCount())

	// Past the cap: refused, counter unchanged.
	a.SubscribeSymbol("XRPUSDT", []string{market.ChannelTrades})
	assert.Equal(t, 3, a.TopicCount())

	a.SubscribeKline("BTCUSDT", "1min")
	assert.Equal(t, 3, a.TopicCount())

	// Unsubscribing frees room for a new topic.
	a.UnsubscribeSymbol("BTCUSDT", []string{market.ChannelTrades})
	assert.Equal(t, 2, a.TopicCount())
	a.SubscribeKline("BTCUSDT", "1min")
	assert.Equal(t, 3, a.TopicCount())
}

func TestKlineOpenTimeFloored(t *testing.T) {
	a := New(nil, 0, 0, 0)

	var got *market.Candle
	a.SetDataHandler(func(ev market.Event) {
		if ev.Channel == market.ChannelKlines {
			got = ev.Data.(*market.Candle)
		}
	})

	a.handleMessage([]byte(`{"ch":"market_kline_1min","symbol":"BTCUSDT","ts":90500,"data":{"o":"1","h":"2","l":"0.5","c":"1.5","b":"10"}}`))

	assert.NotNil(t, got)
	assert.Equal(t, int64(60000), got.T)
	assert.Equal(t, 1.5, got.C)
}

func TestTickerPercentComputed(t *testing.T) {
	a := New(nil, 0, 0, 0)

	var got *market.Ticker
	a.SetDataHandler(func(ev market.Event) {
		if ev.Channel == market.ChannelTickers {
			got = ev.Data.(*market.Ticker)
		}
	})

	a.handleMessage([]byte(`{"ch":"ticker","symbol":"BTCUSDT","ts":1,"data":{"o":"100","h":"120","l":"90","la":"110","b":"5","q":"550"}}`))

	assert.NotNil(t, got)
	assert.InDelta(t, 0.10, got.Price24hPcnt, 1e-9)
	assert.Equal(t, 550.0, got.Turnover24h)
}
