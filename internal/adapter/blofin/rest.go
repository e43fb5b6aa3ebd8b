package blofin

import (
	"context"
	"fmt"
	"strconv"

	"markethub/internal/market"
)

type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

func (e envelope[T]) check() error {
	if e.Code != "0" {
		return fmt.Errorf("blofin API error %s: %s", e.Code, e.Msg)
	}
	return nil
}

// FetchInstruments lists Blofin's perpetual contracts.
func (a *Adapter) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	var out envelope[[]struct {
		InstID        string `json:"instId"`
		BaseCurrency  string `json:"baseCurrency"`
		QuoteCurrency string `json:"quoteCurrency"`
		State         string `json:"state"`
		TickSize      string `json:"tickSize"`
		LotSize       string `json:"lotSize"`
		MinSize       string `json:"minSize"`
		MaxLeverage   string `json:"maxLeverage"`
		ContractValue string `json:"contractValue"`
	}]
	if err := a.rc.GetJSON(ctx, market.Blofin, restURL+"/api/v1/market/instruments", nil, &out); err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}

	instruments := make([]market.Instrument, 0, len(out.Data))
	for _, item := range out.Data {
		instruments = append(instruments, market.Instrument{
			Symbol:        item.InstID,
			BaseCoin:      item.BaseCurrency,
			QuoteCoin:     item.QuoteCurrency,
			Status:        item.State,
			TickSize:      parseF(item.TickSize),
			LotSize:       parseF(item.LotSize),
			MinOrderQty:   parseF(item.MinSize),
			MaxLeverage:   parseF(item.MaxLeverage),
			ContractValue: parseF(item.ContractValue),
		})
	}
	return instruments, nil
}

// FetchTickers returns the full ticker set keyed by instId.
func (a *Adapter) FetchTickers(ctx context.Context) (map[string]*market.Ticker, error) {
	var out envelope[[]struct {
		InstID         string `json:"instId"`
		Last           string `json:"last"`
		AskPrice       string `json:"askPrice"`
		BidPrice       string `json:"bidPrice"`
		High24h        string `json:"high24h"`
		Low24h         string `json:"low24h"`
		Open24h        string `json:"open24h"`
		VolCurrency24h string `json:"volCurrency24h"`
	}]
	if err := a.rc.GetJSON(ctx, market.Blofin, restURL+"/api/v1/market/tickers", nil, &out); err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}

	tickers := make(map[string]*market.Ticker, len(out.Data))
	for _, r := range out.Data {
		last := parseF(r.Last)
		volBase := parseF(r.VolCurrency24h)
		open := parseF(r.Open24h)
		var pcnt float64
		if open > 0 {
			pcnt = (last - open) / open
		}
		tickers[r.InstID] = &market.Ticker{
			Symbol:       r.InstID,
			LastPrice:    last,
			Bid1Price:    parseF(r.BidPrice),
			Ask1Price:    parseF(r.AskPrice),
			High24h:      parseF(r.High24h),
			Low24h:       parseF(r.Low24h),
			Open24h:      open,
			Volume24h:    volBase,
			Turnover24h:  volBase * last,
			Price24hPcnt: pcnt,
		}
	}
	return tickers, nil
}

// FetchFunding returns the current funding rate per instId.
func (a *Adapter) FetchFunding(ctx context.Context) (map[string]*market.Funding, error) {
	var out envelope[[]struct {
		InstID      string `json:"instId"`
		FundingRate string `json:"fundingRate"`
		FundingTime string `json:"fundingTime"`
	}]
	if err := a.rc.GetJSON(ctx, market.Blofin, restURL+"/api/v1/market/funding-rate", nil, &out); err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}

	funding := make(map[string]*market.Funding, len(out.Data))
	for _, r := range out.Data {
		ft, _ := strconv.ParseInt(r.FundingTime, 10, 64)
		funding[r.InstID] = &market.Funding{
			Symbol:      r.InstID,
			FundingRate: parseF(r.FundingRate),
			FundingTime: ft,
		}
	}
	return funding, nil
}

// FetchKlines pulls up to limit candles older than before (ms; zero
// means now), returned ascending by open time.
func (a *Adapter) FetchKlines(ctx context.Context, symbol, interval string, limit int, before int64) ([]market.Candle, error) {
	params := map[string]string{
		"instId": symbol,
		"bar":    interval,
		"limit":  strconv.Itoa(limit),
	}
	if before > 0 {
		params["after"] = strconv.FormatInt(before, 10)
	}
	var out envelope[[][]string]
	if err := a.rc.GetJSON(ctx, market.Blofin, restURL+"/api/v1/market/candles", params, &out); err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}

	// Blofin returns newest first.
	candles := make([]market.Candle, 0, len(out.Data))
	for i := len(out.Data) - 1; i >= 0; i-- {
		row := out.Data[i]
		if len(row) < 6 {
			continue
		}
		t, _ := strconv.ParseInt(row[0], 10, 64)
		candles = append(candles, market.Candle{
			T:      t,
			O:      parseF(row[1]),
			H:      parseF(row[2]),
			L:      parseF(row[3]),
			C:      parseF(row[4]),
			V:      parseF(row[5]),
			Closed: len(row) > 8 && row[8] == "1",
		})
	}
	return candles, nil
}
