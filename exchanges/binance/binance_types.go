package binance

import (
	"github.com/shopspring/decimal"
)

// ExchangeInfo holds the venue's market catalogue
type ExchangeInfo struct {
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// SymbolInfo is one market's listing and filters
type SymbolInfo struct {
	Symbol     string         `json:"symbol"`
	Status     string         `json:"status"`
	BaseAsset  string         `json:"baseAsset"`
	QuoteAsset string         `json:"quoteAsset"`
	OrderTypes []string       `json:"orderTypes"`
	Filters    []SymbolFilter `json:"filters"`
}

// SymbolFilter is a polymorphic market constraint keyed by filterType
type SymbolFilter struct {
	FilterType  string          `json:"filterType"`
	MinPrice    decimal.Decimal `json:"minPrice"`
	MaxPrice    decimal.Decimal `json:"maxPrice"`
	TickSize    decimal.Decimal `json:"tickSize"`
	MinQty      decimal.Decimal `json:"minQty"`
	MaxQty      decimal.Decimal `json:"maxQty"`
	StepSize    decimal.Decimal `json:"stepSize"`
	MinNotional decimal.Decimal `json:"minNotional"`
}

// OrderBookData is the REST depth snapshot
type OrderBookData struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// NewOrderResponse is the ack for POST /api/v3/order
type NewOrderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	TransactTime        int64           `json:"transactTime"`
	Price               decimal.Decimal `json:"price"`
	OrigQty             decimal.Decimal `json:"origQty"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
}

// QueryOrderData is the response of GET /api/v3/order
type QueryOrderData struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	Price               decimal.Decimal `json:"price"`
	OrigQty             decimal.Decimal `json:"origQty"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	Side                string          `json:"side"`
	Type                string          `json:"type"`
	UpdateTime          int64           `json:"updateTime"`
}

// Account is the response of GET /api/v3/account
type Account struct {
	Balances []AccountBalance `json:"balances"`
}

// AccountBalance is one asset's holdings inside Account
type AccountBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Trade is one fill from GET /api/v3/myTrades
type Trade struct {
	ID              int64           `json:"id"`
	OrderID         int64           `json:"orderId"`
	Symbol          string          `json:"symbol"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	QuoteQty        decimal.Decimal `json:"quoteQty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	Time            int64           `json:"time"`
	IsBuyer         bool            `json:"isBuyer"`
	IsMaker         bool            `json:"isMaker"`
}

// ListenKey carries the user data stream key
type ListenKey struct {
	ListenKey string `json:"listenKey"`
}

// ServerTime is the response of GET /api/v3/time
type ServerTime struct {
	ServerTime int64 `json:"serverTime"`
}

// APIError is the venue's error body shape
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
