package bitunix

import (
	"context"
	"fmt"
	"strconv"

	"markethub/internal/market"
)

type envelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

func (e envelope[T]) check() error {
	if e.Code != 0 {
		return fmt.Errorf("bitunix API error %d: %s", e.Code, e.Msg)
	}
	return nil
}

// FetchInstruments lists the tradable futures pairs.
func (a *Adapter) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	var out envelope[[]struct {
		Symbol      string `json:"symbol"`
		Base        string `json:"base"`
		Quote       string `json:"quote"`
		SymbolState string `json:"symbolStatus"`
		TickSize    string `json:"tickSize"`
		BasePrec    int    `json:"basePrecision"`
		MinTradeVol string `json:"minTradeVolume"`
		MaxLeverage string `json:"maxLeverage"`
	}]
	if err := a.rc.GetJSON(ctx, market.Bitunix, restURL+"/api/v1/futures/market/trading_pairs", nil, &out); err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}

	instruments := make([]market.Instrument, 0, len(out.Data))
	for _, item := range out.Data {
		lot := 1.0
		for i := 0; i < item.BasePrec; i++ {
			lot /= 10
		}
		instruments = append(instruments, market.Instrument{
			Symbol:      item.Symbol,
			BaseCoin:    item.Base,
			QuoteCoin:   item.Quote,
			Status:      item.SymbolState,
			TickSize:    parseF(item.TickSize),
			LotSize:     lot,
			MinOrderQty: parseF(item.MinTradeVol),
			MaxLeverage: parseF(item.MaxLeverage),
		})
	}
	return instruments, nil
}

// FetchTickers returns the full futures ticker set keyed by symbol.
func (a *Adapter) FetchTickers(ctx context.Context) (map[string]*market.Ticker, error) {
	var out envelope[[]struct {
		Symbol   string `json:"symbol"`
		Last     string `json:"lastPrice"`
		MarkP    string `json:"markPrice"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		BaseVol  string `json:"baseVol"`
		QuoteVol string `json:"quoteVol"`
	}]
	if err := a.rc.GetJSON(ctx, market.Bitunix, restURL+"/api/v1/futures/market/tickers", nil, &out); err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}

	tickers := make(map[string]*market.Ticker, len(out.Data))
	for _, r := range out.Data {
		last := parseF(r.Last)
		open := parseF(r.Open)
		var pcnt float64
		if open > 0 {
			pcnt = (last - open) / open
		}
		tickers[r.Symbol] = &market.Ticker{
			Symbol:       r.Symbol,
			LastPrice:    last,
			MarkPrice:    parseF(r.MarkP),
			High24h:      parseF(r.High),
			Low24h:       parseF(r.Low),
			Open24h:      open,
			Volume24h:    parseF(r.BaseVol),
			Turnover24h:  parseF(r.QuoteVol),
			Price24hPcnt: pcnt,
		}
	}
	return tickers, nil
}

// FetchFunding returns the current funding rate per symbol.
func (a *Adapter) FetchFunding(ctx context.Context) (map[string]*market.Funding, error) {
	var out envelope[[]struct {
		Symbol      string `json:"symbol"`
		FundingRate string `json:"fundingRate"`
		NextTime    int64  `json:"nextFundingTime"`
	}]
	if err := a.rc.GetJSON(ctx, market.Bitunix, restURL+"/api/v1/futures/market/funding_rate/batch", nil, &out); err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}

	funding := make(map[string]*market.Funding, len(out.Data))
	for _, r := range out.Data {
		funding[r.Symbol] = &market.Funding{
			Symbol:          r.Symbol,
			FundingRate:     parseF(r.FundingRate),
			NextFundingTime: r.NextTime,
		}
	}
	return funding, nil
}

// FetchKlines pulls up to limit candles ending at before (ms; zero means
// now), returned ascending by open time.
func (a *Adapter) FetchKlines(ctx context.Context, symbol, interval string, limit int, before int64) ([]market.Candle, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if before > 0 {
		params["endTime"] = strconv.FormatInt(before, 10)
	}
	var out envelope[[]struct {
		Time    int64  `json:"time"`
		Open    string `json:"open"`
		High    string `json:"high"`
		Low     string `json:"low"`
		Close   string `json:"close"`
		BaseVol string `json:"baseVol"`
	}]
	if err := a.rc.GetJSON(ctx, market.Bitunix, restURL+"/api/v1/futures/market/kline", params, &out); err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}

	candles := make([]market.Candle, 0, len(out.Data))
	for _, row := range out.Data {
		candles = append(candles, market.Candle{
			T:      market.FloorToInterval(row.Time, interval),
			O:      parseF(row.Open),
			H:      parseF(row.High),
			L:      parseF(row.Low),
			C:      parseF(row.Close),
			V:      parseF(row.BaseVol),
			Closed: true,
		})
	}
	return candles, nil
}
