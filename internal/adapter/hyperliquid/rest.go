package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"markethub/internal/market"
)

type metaUniverse struct {
	Universe []struct {
		Name        string `json:"name"`
		SzDecimals  int    `json:"szDecimals"`
		MaxLeverage int    `json:"maxLeverage"`
	} `json:"universe"`
}

type assetCtx struct {
	Funding      string `json:"funding"`
	OpenInterest string `json:"openInterest"`
	PrevDayPx    string `json:"prevDayPx"`
	DayNtlVlm    string `json:"dayNtlVlm"`
	DayBaseVlm   string `json:"dayBaseVlm"`
	MarkPx       string `json:"markPx"`
	MidPx        string `json:"midPx"`
	OraclePx     string `json:"oraclePx"`
}

// FetchInstruments lists the perp universe; the index of each asset is
// its wire identifier elsewhere in the API.
func (a *Adapter) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	var meta metaUniverse
	if err := a.rc.PostJSON(ctx, market.Hyperliquid, restURL, map[string]string{"type": "meta"}, &meta); err != nil {
		return nil, err
	}

	instruments := make([]market.Instrument, 0, len(meta.Universe))
	for i, u := range meta.Universe {
		lot := 1.0
		for d := 0; d < u.SzDecimals; d++ {
			lot /= 10
		}
		instruments = append(instruments, market.Instrument{
			Symbol:      u.Name,
			BaseCoin:    u.Name,
			QuoteCoin:   "USDC",
			Status:      "Trading",
			LotSize:     lot,
			MaxLeverage: float64(u.MaxLeverage),
			AssetIndex:  i,
		})
	}
	return instruments, nil
}

// metaAndCtxs fetches the universe and its parallel context array.
func (a *Adapter) metaAndCtxs(ctx context.Context) (metaUniverse, []assetCtx, error) {
	var raw []json.RawMessage
	if err := a.rc.PostJSON(ctx, market.Hyperliquid, restURL, map[string]string{"type": "metaAndAssetCtxs"}, &raw); err != nil {
		return metaUniverse{}, nil, err
	}
	if len(raw) < 2 {
		return metaUniverse{}, nil, fmt.Errorf("hyperliquid: short metaAndAssetCtxs response")
	}
	var meta metaUniverse
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return metaUniverse{}, nil, fmt.Errorf("hyperliquid meta: %w", err)
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return metaUniverse{}, nil, fmt.Errorf("hyperliquid asset ctxs: %w", err)
	}
	return meta, ctxs, nil
}

// FetchTickers builds tickers from the asset contexts, keyed by coin.
func (a *Adapter) FetchTickers(ctx context.Context) (map[string]*market.Ticker, error) {
	meta, ctxs, err := a.metaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}

	tickers := make(map[string]*market.Ticker, len(ctxs))
	for i, c := range ctxs {
		if i >= len(meta.Universe) {
			break
		}
		coin := meta.Universe[i].Name
		last := parseF(c.MidPx)
		open := parseF(c.PrevDayPx)
		var pcnt float64
		if open > 0 && last > 0 {
			pcnt = (last - open) / open
		}
		tickers[coin] = &market.Ticker{
			Symbol:       coin,
			LastPrice:    last,
			MarkPrice:    parseF(c.MarkPx),
			IndexPrice:   parseF(c.OraclePx),
			Open24h:      open,
			Volume24h:    parseF(c.DayBaseVlm),
			Turnover24h:  parseF(c.DayNtlVlm),
			Price24hPcnt: pcnt,
			FundingRate:  parseF(c.Funding),
			OpenInterest: parseF(c.OpenInterest),
		}
	}
	return tickers, nil
}

// FetchFunding derives funding from the asset contexts.
func (a *Adapter) FetchFunding(ctx context.Context) (map[string]*market.Funding, error) {
	meta, ctxs, err := a.metaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}
	funding := make(map[string]*market.Funding, len(ctxs))
	for i, c := range ctxs {
		if i >= len(meta.Universe) {
			break
		}
		coin := meta.Universe[i].Name
		funding[coin] = &market.Funding{
			Symbol:      coin,
			FundingRate: parseF(c.Funding),
		}
	}
	return funding, nil
}

// FetchOpenInterest reads one coin's open interest from the contexts.
func (a *Adapter) FetchOpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	meta, ctxs, err := a.metaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}
	coin := market.StripQuote(symbol)
	for i, c := range ctxs {
		if i >= len(meta.Universe) {
			break
		}
		if meta.Universe[i].Name != coin {
			continue
		}
		oi := parseF(c.OpenInterest)
		return &market.OpenInterest{
			Symbol:            symbol,
			OpenInterest:      oi,
			OpenInterestValue: oi * parseF(c.MarkPx),
		}, nil
	}
	return nil, fmt.Errorf("hyperliquid: unknown coin %s", coin)
}

// FetchKlines pulls a candle window ending at before (ms; zero means
// now); the window start is derived from limit and the interval length.
func (a *Adapter) FetchKlines(ctx context.Context, symbol, interval string, limit int, before int64) ([]market.Candle, error) {
	end := before
	if end <= 0 {
		end = time.Now().UnixMilli()
	}
	span := market.IntervalMs(interval)
	if span <= 0 {
		return nil, fmt.Errorf("hyperliquid: unknown interval %q", interval)
	}
	start := end - int64(limit)*span

	body := map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      market.StripQuote(symbol),
			"interval":  interval,
			"startTime": start,
			"endTime":   end,
		},
	}
	var rows []struct {
		T int64  `json:"t"`
		O string `json:"o"`
		H string `json:"h"`
		L string `json:"l"`
		C string `json:"c"`
		V string `json:"v"`
	}
	if err := a.rc.PostJSON(ctx, market.Hyperliquid, restURL, body, &rows); err != nil {
		return nil, err
	}

	candles := make([]market.Candle, 0, len(rows))
	for _, r := range rows {
		candles = append(candles, market.Candle{
			T:      r.T,
			O:      parseF(r.O),
			H:      parseF(r.H),
			L:      parseF(r.L),
			C:      parseF(r.C),
			V:      parseF(r.V),
			Closed: true,
		})
	}
	return candles, nil
}
