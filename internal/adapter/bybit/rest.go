package bybit

import (
	"context"
	"fmt"
	"strconv"

	"markethub/internal/market"
)

type envelope[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
}

func (e envelope[T]) check() error {
	if e.RetCode != 0 {
		return fmt.Errorf("bybit API error %d: %s", e.RetCode, e.RetMsg)
	}
	return nil
}

type tickerRow struct {
	Symbol            string `json:"symbol"`
	LastPrice         string `json:"lastPrice"`
	MarkPrice         string `json:"markPrice"`
	IndexPrice        string `json:"indexPrice"`
	Bid1Price         string `json:"bid1Price"`
	Ask1Price         string `json:"ask1Price"`
	HighPrice24h      string `json:"highPrice24h"`
	LowPrice24h       string `json:"lowPrice24h"`
	PrevPrice24h      string `json:"prevPrice24h"`
	Volume24h         string `json:"volume24h"`
	Turnover24h       string `json:"turnover24h"`
	Price24hPcnt      string `json:"price24hPcnt"`
	FundingRate       string `json:"fundingRate"`
	NextFundingTime   string `json:"nextFundingTime"`
	OpenInterest      string `json:"openInterest"`
	OpenInterestValue string `json:"openInterestValue"`
}

func (r tickerRow) ticker() *market.Ticker {
	nft, _ := strconv.ParseInt(r.NextFundingTime, 10, 64)
	return &market.Ticker{
		Symbol:          r.Symbol,
		LastPrice:       parseF(r.LastPrice),
		MarkPrice:       parseF(r.MarkPrice),
		IndexPrice:      parseF(r.IndexPrice),
		Bid1Price:       parseF(r.Bid1Price),
		Ask1Price:       parseF(r.Ask1Price),
		High24h:         parseF(r.HighPrice24h),
		Low24h:          parseF(r.LowPrice24h),
		Open24h:         parseF(r.PrevPrice24h),
		Volume24h:       parseF(r.Volume24h),
		Turnover24h:     parseF(r.Turnover24h),
		Price24hPcnt:    parseF(r.Price24hPcnt),
		FundingRate:     parseF(r.FundingRate),
		NextFundingTime: nft,
		OpenInterest:    parseF(r.OpenInterest),
	}
}

// FetchInstruments lists the linear perpetual contracts.
func (a *Adapter) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	var out envelope[struct {
		List []struct {
			Symbol      string `json:"symbol"`
			BaseCoin    string `json:"baseCoin"`
			QuoteCoin   string `json:"quoteCoin"`
			Status      string `json:"status"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
				MaxOrderQty string `json:"maxOrderQty"`
			} `json:"lotSizeFilter"`
			LeverageFilter struct {
				MinLeverage string `json:"minLeverage"`
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
		} `json:"list"`
	}]
	err := a.rc.GetJSON(ctx, market.Bybit, restURL+"/v5/market/instruments-info",
		map[string]string{"category": "linear", "limit": "1000"}, &out)
	if err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}

	instruments := make([]market.Instrument, 0, len(out.Result.List))
	for _, item := range out.Result.List {
		instruments = append(instruments, market.Instrument{
			Symbol:      item.Symbol,
			BaseCoin:    item.BaseCoin,
			QuoteCoin:   item.QuoteCoin,
			Status:      item.Status,
			TickSize:    parseF(item.PriceFilter.TickSize),
			LotSize:     parseF(item.LotSizeFilter.QtyStep),
			MinOrderQty: parseF(item.LotSizeFilter.MinOrderQty),
			MaxOrderQty: parseF(item.LotSizeFilter.MaxOrderQty),
			MinLeverage: parseF(item.LeverageFilter.MinLeverage),
			MaxLeverage: parseF(item.LeverageFilter.MaxLeverage),
		})
	}
	return instruments, nil
}

// FetchTickers returns the full linear ticker set keyed by symbol.
func (a *Adapter) FetchTickers(ctx context.Context) (map[string]*market.Ticker, error) {
	var out envelope[struct {
		List []tickerRow `json:"list"`
	}]
	err := a.rc.GetJSON(ctx, market.Bybit, restURL+"/v5/market/tickers",
		map[string]string{"category": "linear"}, &out)
	if err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}

	tickers := make(map[string]*market.Ticker, len(out.Result.List))
	for _, row := range out.Result.List {
		tickers[row.Symbol] = row.ticker()
	}
	return tickers, nil
}

// FetchFunding derives funding state from the ticker payload; Bybit has
// no separate bulk funding endpoint for linear contracts.
func (a *Adapter) FetchFunding(ctx context.Context) (map[string]*market.Funding, error) {
	tickers, err := a.FetchTickers(ctx)
	if err != nil {
		return nil, err
	}
	funding := make(map[string]*market.Funding, len(tickers))
	for sym, t := range tickers {
		if t.FundingRate == 0 && t.NextFundingTime == 0 {
			continue
		}
		funding[sym] = &market.Funding{
			Symbol:          sym,
			FundingRate:     t.FundingRate,
			NextFundingTime: t.NextFundingTime,
		}
	}
	return funding, nil
}

// FetchOpenInterest reads open interest for one symbol from its ticker.
func (a *Adapter) FetchOpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	var out envelope[struct {
		List []tickerRow `json:"list"`
	}]
	err := a.rc.GetJSON(ctx, market.Bybit, restURL+"/v5/market/tickers",
		map[string]string{"category": "linear", "symbol": symbol}, &out)
	if err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}
	if len(out.Result.List) == 0 {
		return nil, fmt.Errorf("bybit: no ticker for %s", symbol)
	}
	row := out.Result.List[0]
	return &market.OpenInterest{
		Symbol:            symbol,
		OpenInterest:      parseF(row.OpenInterest),
		OpenInterestValue: parseF(row.OpenInterestValue),
	}, nil
}

// FetchKlines pulls up to limit candles ending at before (ms; zero means
// now), returned ascending by open time.
func (a *Adapter) FetchKlines(ctx context.Context, symbol, interval string, limit int, before int64) ([]market.Candle, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if before > 0 {
		params["end"] = strconv.FormatInt(before, 10)
	}
	var out envelope[struct {
		List [][]string `json:"list"`
	}]
	if err := a.rc.GetJSON(ctx, market.Bybit, restURL+"/v5/market/kline", params, &out); err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}

	// Bybit returns newest first.
	candles := make([]market.Candle, 0, len(out.Result.List))
	for i := len(out.Result.List) - 1; i >= 0; i-- {
		row := out.Result.List[i]
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
			Closed: true,
		})
	}
	return candles, nil
}
