package binance

import (
	"context"
	"strconv"

	"markethub/internal/market"
)

// FetchInstruments lists USD-M futures symbols with their price and lot
// filters.
func (a *Adapter) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	var out struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Status     string `json:"status"`
			Filters    []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				MaxQty     string `json:"maxQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := a.rc.GetJSON(ctx, market.Binance, restURL+"/fapi/v1/exchangeInfo", nil, &out); err != nil {
		return nil, err
	}

	instruments := make([]market.Instrument, 0, len(out.Symbols))
	for _, s := range out.Symbols {
		inst := market.Instrument{
			Symbol:    s.Symbol,
			BaseCoin:  s.BaseAsset,
			QuoteCoin: s.QuoteAsset,
			Status:    s.Status,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				inst.TickSize = parseF(f.TickSize)
			case "LOT_SIZE":
				inst.LotSize = parseF(f.StepSize)
				inst.MinOrderQty = parseF(f.MinQty)
				inst.MaxOrderQty = parseF(f.MaxQty)
			}
		}
		instruments = append(instruments, inst)
	}
	return instruments, nil
}

// FetchTickers returns the rolling 24h ticker set keyed by symbol.
func (a *Adapter) FetchTickers(ctx context.Context) (map[string]*market.Ticker, error) {
	var rows []struct {
		Symbol   string `json:"symbol"`
		Last     string `json:"lastPrice"`
		Open     string `json:"openPrice"`
		High     string `json:"highPrice"`
		Low      string `json:"lowPrice"`
		Volume   string `json:"volume"`
		Quote    string `json:"quoteVolume"`
		PricePct string `json:"priceChangePercent"`
	}
	if err := a.rc.GetJSON(ctx, market.Binance, restURL+"/fapi/v1/ticker/24hr", nil, &rows); err != nil {
		return nil, err
	}

	tickers := make(map[string]*market.Ticker, len(rows))
	for _, r := range rows {
		tickers[r.Symbol] = &market.Ticker{
			Symbol:       r.Symbol,
			LastPrice:    parseF(r.Last),
			Open24h:      parseF(r.Open),
			High24h:      parseF(r.High),
			Low24h:       parseF(r.Low),
			Volume24h:    parseF(r.Volume),
			Turnover24h:  parseF(r.Quote),
			Price24hPcnt: parseF(r.PricePct) / 100,
		}
	}
	return tickers, nil
}

// FetchFunding reads the premium index, which carries the live funding
// rate and the next settlement time.
func (a *Adapter) FetchFunding(ctx context.Context) (map[string]*market.Funding, error) {
	var rows []struct {
		Symbol      string `json:"symbol"`
		FundingRate string `json:"lastFundingRate"`
		NextTime    int64  `json:"nextFundingTime"`
	}
	if err := a.rc.GetJSON(ctx, market.Binance, restURL+"/fapi/v1/premiumIndex", nil, &rows); err != nil {
		return nil, err
	}

	funding := make(map[string]*market.Funding, len(rows))
	for _, r := range rows {
		funding[r.Symbol] = &market.Funding{
			Symbol:          r.Symbol,
			FundingRate:     parseF(r.FundingRate),
			NextFundingTime: r.NextTime,
		}
	}
	return funding, nil
}

// FetchOpenInterest reads one symbol's open interest in contracts.
func (a *Adapter) FetchOpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	var out struct {
		Symbol       string `json:"symbol"`
		OpenInterest string `json:"openInterest"`
	}
	params := map[string]string{"symbol": symbol}
	if err := a.rc.GetJSON(ctx, market.Binance, restURL+"/fapi/v1/openInterest", params, &out); err != nil {
		return nil, err
	}
	return &market.OpenInterest{
		Symbol:       symbol,
		OpenInterest: parseF(out.OpenInterest),
	}, nil
}

// FetchKlines pulls up to limit candles ending at before (ms; zero means
// now); rows come back as positional arrays in ascending open time.
func (a *Adapter) FetchKlines(ctx context.Context, symbol, interval string, limit int, before int64) ([]market.Candle, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if before > 0 {
		params["endTime"] = strconv.FormatInt(before, 10)
	}
	// Rows are positional arrays mixing numbers (times) and quoted
	// decimals (prices).
	var rows [][]any
	if err := a.rc.GetJSON(ctx, market.Binance, restURL+"/fapi/v1/klines", params, &rows); err != nil {
		return nil, err
	}

	candles := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		candles = append(candles, market.Candle{
			T:      int64(anyF(row[0])),
			O:      anyF(row[1]),
			H:      anyF(row[2]),
			L:      anyF(row[3]),
			C:      anyF(row[4]),
			V:      anyF(row[5]),
			Closed: true,
		})
	}
	return candles, nil
}

func anyF(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		return parseF(x)
	}
	return 0
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseLevels(rows [][]string) []market.BookLevel {
	levels := make([]market.BookLevel, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			continue
		}
		levels = append(levels, market.BookLevel{Price: parseF(r[0]), Size: parseF(r[1])})
	}
	return levels
}

func strconvI(v int64) string {
	return strconv.FormatInt(v, 10)
}

func truncate(b []byte) string {
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
