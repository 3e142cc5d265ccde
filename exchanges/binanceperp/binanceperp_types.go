package binanceperp

import (
	"github.com/shopspring/decimal"
)

// ExchangeInfo holds the futures market catalogue
type ExchangeInfo struct {
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// SymbolInfo is one perpetual market's listing and filters
type SymbolInfo struct {
	Symbol       string         `json:"symbol"`
	ContractType string         `json:"contractType"`
	Status       string         `json:"status"`
	BaseAsset    string         `json:"baseAsset"`
	QuoteAsset   string         `json:"quoteAsset"`
	OrderTypes   []string       `json:"orderTypes"`
	Filters      []SymbolFilter `json:"filters"`
}

// SymbolFilter is a polymorphic market constraint keyed by filterType
type SymbolFilter struct {
	FilterType  string          `json:"filterType"`
	TickSize    decimal.Decimal `json:"tickSize"`
	MinQty      decimal.Decimal `json:"minQty"`
	MaxQty      decimal.Decimal `json:"maxQty"`
	StepSize    decimal.Decimal `json:"stepSize"`
	MinNotional decimal.Decimal `json:"notional"`
}

// OrderBookData is the REST depth snapshot
type OrderBookData struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// NewOrderResponse is the ack for POST /fapi/v1/order
type NewOrderResponse struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	CumQuote      decimal.Decimal `json:"cumQuote"`
	UpdateTime    int64           `json:"updateTime"`
}

// QueryOrderData is the response of GET /fapi/v1/order
type QueryOrderData struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	CumQuote      decimal.Decimal `json:"cumQuote"`
	UpdateTime    int64           `json:"updateTime"`
}

// AccountBalance is one entry of GET /fapi/v2/balance
type AccountBalance struct {
	Asset            string          `json:"asset"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

// PositionRisk is one entry of GET /fapi/v2/positionRisk
type PositionRisk struct {
	Symbol           string          `json:"symbol"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	UnRealizedProfit decimal.Decimal `json:"unRealizedProfit"`
	Leverage         decimal.Decimal `json:"leverage"`
	PositionSide     string          `json:"positionSide"`
}

// UserTrade is one fill from GET /fapi/v1/userTrades
type UserTrade struct {
	ID              int64           `json:"id"`
	OrderID         int64           `json:"orderId"`
	Symbol          string          `json:"symbol"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	QuoteQty        decimal.Decimal `json:"quoteQty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	Maker           bool            `json:"maker"`
	Time            int64           `json:"time"`
}

// PremiumIndex is the funding state of one market
type PremiumIndex struct {
	Symbol          string          `json:"symbol"`
	MarkPrice       decimal.Decimal `json:"markPrice"`
	IndexPrice      decimal.Decimal `json:"indexPrice"`
	LastFundingRate decimal.Decimal `json:"lastFundingRate"`
	NextFundingTime int64           `json:"nextFundingTime"`
}

// Income is one cashflow from GET /fapi/v1/income
type Income struct {
	Symbol     string          `json:"symbol"`
	IncomeType string          `json:"incomeType"`
	Income     decimal.Decimal `json:"income"`
	Asset      string          `json:"asset"`
	Time       int64           `json:"time"`
}

// PositionMode is the response of GET /fapi/v1/positionSide/dual
type PositionMode struct {
	DualSidePosition bool `json:"dualSidePosition"`
}

// ListenKey carries the user data stream key
type ListenKey struct {
	ListenKey string `json:"listenKey"`
}

// ServerTime is the response of GET /fapi/v1/time
type ServerTime struct {
	ServerTime int64 `json:"serverTime"`
}

// APIError is the venue's error body shape
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
