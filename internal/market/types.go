package market

import "time"

// Exchange identifies a supported upstream exchange.
type Exchange string

const (
	Bybit       Exchange = "bybit"
	Blofin      Exchange = "blofin"
	Bitunix     Exchange = "bitunix"
	Hyperliquid Exchange = "hyperliquid"
	Binance     Exchange = "binance"
)

// Channel names for the canonical event stream. These match the
// downstream client protocol verbatim.
const (
	ChannelTickers      = "tickers"
	ChannelOrderbook    = "orderbook"
	ChannelTrades       = "trades"
	ChannelKlines       = "klines"
	ChannelLiquidations = "liquidations"
	ChannelFunding      = "funding"
)

// AllSymbol is the pseudo-symbol under which every liquidation is
// mirrored for aggregate subscribers.
const AllSymbol = "ALL"

// Ticker is the merged per-(exchange,symbol) ticker state. Rates and
// price24hPcnt are fractions, not percentages. Zero-valued fields on an
// incoming ticker are treated as absent and do not overwrite cached state.
type Ticker struct {
	Symbol          string  `json:"symbol"`
	LastPrice       float64 `json:"lastPrice,omitempty"`
	MarkPrice       float64 `json:"markPrice,omitempty"`
	IndexPrice      float64 `json:"indexPrice,omitempty"`
	Bid1Price       float64 `json:"bid1Price,omitempty"`
	Ask1Price       float64 `json:"ask1Price,omitempty"`
	High24h         float64 `json:"high24h,omitempty"`
	Low24h          float64 `json:"low24h,omitempty"`
	Open24h         float64 `json:"open24h,omitempty"`
	Volume24h       float64 `json:"volume24h,omitempty"`
	Turnover24h     float64 `json:"turnover24h,omitempty"`
	Price24hPcnt    float64 `json:"price24hPcnt,omitempty"`
	FundingRate     float64 `json:"fundingRate,omitempty"`
	NextFundingTime int64   `json:"nextFundingTime,omitempty"`
	OpenInterest    float64 `json:"openInterest,omitempty"`
}

// BookLevel is a single price level of an orderbook side.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Orderbook holds bids sorted descending and asks sorted ascending.
type Orderbook struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	UpdateID  int64       `json:"updateId,omitempty"`
	CrossSeq  int64       `json:"crossSeq,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// BookDelta carries one incremental orderbook change. A level with
// Size == 0 removes that price; any other size upserts it. Snapshot
// deltas replace the book wholesale.
type BookDelta struct {
	Symbol   string      `json:"symbol"`
	Bids     []BookLevel `json:"bids"`
	Asks     []BookLevel `json:"asks"`
	UpdateID int64       `json:"updateId,omitempty"`
	CrossSeq int64       `json:"crossSeq,omitempty"`
	Ts       int64       `json:"timestamp"`
	Snapshot bool        `json:"snapshot"`
}

// Trade is a single public trade.
type Trade struct {
	TradeID   string  `json:"tradeId,omitempty"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Side      string  `json:"side"` // "buy" or "sell"
	Timestamp int64   `json:"timestamp"`
}

// Liquidation is a forced counter-trade closing a liquidated position.
// Side follows the forced trade ("Buy" or "Sell") across all exchanges.
type Liquidation struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Side      string  `json:"side"`
	Timestamp int64   `json:"timestamp"`
}

// Instrument describes a tradable contract's static parameters.
type Instrument struct {
	Symbol        string  `json:"symbol"`
	BaseCoin      string  `json:"baseCoin"`
	QuoteCoin     string  `json:"quoteCoin"`
	Status        string  `json:"status"`
	TickSize      float64 `json:"tickSize,omitempty"`
	LotSize       float64 `json:"lotSize,omitempty"`
	MinOrderQty   float64 `json:"minOrderQty,omitempty"`
	MaxOrderQty   float64 `json:"maxOrderQty,omitempty"`
	MinLeverage   float64 `json:"minLeverage,omitempty"`
	MaxLeverage   float64 `json:"maxLeverage,omitempty"`
	ContractValue float64 `json:"contractValue,omitempty"`
	AssetIndex    int     `json:"assetIndex,omitempty"` // Hyperliquid universe index
}

// Funding is the current funding state for a perpetual.
type Funding struct {
	Symbol          string  `json:"symbol"`
	FundingRate     float64 `json:"fundingRate"`
	NextFundingTime int64   `json:"nextFundingTime,omitempty"`
	FundingTime     int64   `json:"fundingTime,omitempty"`
}

// OpenInterest is the current open interest for a contract.
type OpenInterest struct {
	Symbol            string  `json:"symbol"`
	OpenInterest      float64 `json:"openInterest"`
	OpenInterestValue float64 `json:"openInterestValue,omitempty"`
}

// Candle is one kline bar keyed by open time in ms.
type Candle struct {
	T      int64   `json:"t"`
	O      float64 `json:"o"`
	H      float64 `json:"h"`
	L      float64 `json:"l"`
	C      float64 `json:"c"`
	V      float64 `json:"v"`
	Closed bool    `json:"closed,omitempty"`
}

// Event is the canonical shape every adapter normalizes into.
// Data holds one of: *Ticker, *BookDelta, []Trade, *Liquidation,
// *Candle, *Funding depending on Channel.
type Event struct {
	Exchange Exchange
	Channel  string
	Symbol   string
	Interval string
	Data     any
}

// Now returns the current time in ms since epoch, the timestamp unit
// used throughout the wire protocols.
func Now() int64 { return time.Now().UnixMilli() }
