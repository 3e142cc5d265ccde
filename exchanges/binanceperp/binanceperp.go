// Package binanceperp implements the USDT-margined perpetual venue
// connector: REST catalogue, mark-price and depth streams, position and
// funding state, and the perpetual driver over the shared connector core.
package binanceperp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/exchanges/binance"
	"github.com/tidemark-io/tidemark/exchanges/request"
)

// Venue endpoints
const (
	Name = "binanceperp"

	apiURL       = "https://fapi.binance.com"
	wsURL        = "wss://fstream.binance.com"
	snapshotRows = 1000

	exchangeInfoPath = "/fapi/v1/exchangeInfo"
	depthPath        = "/fapi/v1/depth"
	serverTimePath   = "/fapi/v1/time"
	orderPath        = "/fapi/v1/order"
	balancePath      = "/fapi/v2/balance"
	positionRiskPath = "/fapi/v2/positionRisk"
	userTradesPath   = "/fapi/v1/userTrades"
	premiumIndexPath = "/fapi/v1/premiumIndex"
	incomePath       = "/fapi/v1/income"
	leveragePath     = "/fapi/v1/leverage"
	positionModePath = "/fapi/v1/positionSide/dual"
	listenKeyPath    = "/fapi/v1/listenKey"
)

// API is the futures REST surface behind the throttler. Signing reuses the
// spot HMAC scheme; only hosts and paths differ.
type API struct {
	baseURL   string
	apiKey    string
	requester *request.Requester
}

// APIOption tunes the REST client
type APIOption func(*apiOptions)

type apiOptions struct {
	rateLimitMultiplier float64
}

// WithRateLimitMultiplier scales the venue's published limits, for accounts
// sharing an IP weight budget across processes
func WithRateLimitMultiplier(m float64) APIOption {
	return func(o *apiOptions) { o.rateLimitMultiplier = m }
}

// NewAPI builds the futures REST client
func NewAPI(apiKey, secret string, timeSrc request.TimeProvider, apiOpts ...APIOption) (*API, error) {
	var cfg apiOptions
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	throttler, err := request.NewThrottler(request.ScaleLimits(rateLimits(), cfg.rateLimitMultiplier))
	if err != nil {
		return nil, fmt.Errorf("binanceperp throttler: %w", err)
	}
	opts := []request.RequesterOption{
		request.WithErrorChecker(checkAPIError),
	}
	if apiKey != "" {
		opts = append(opts, request.WithAuthenticator(&binance.Auth{APIKey: apiKey, Secret: secret}))
	}
	if timeSrc != nil {
		opts = append(opts, request.WithTimeProvider(timeSrc))
	}
	return &API{
		baseURL:   apiURL,
		apiKey:    apiKey,
		requester: request.New(Name, nil, throttler, opts...),
	}, nil
}

// SetBaseURL points the client at a different host, used by tests
func (a *API) SetBaseURL(u string) { a.baseURL = u }

func checkAPIError(_ int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return nil
	}
	if apiErr.Code < 0 {
		return fmt.Errorf("binanceperp error %d: %s", apiErr.Code, apiErr.Msg)
	}
	return nil
}

// GetExchangeInfo returns the futures market catalogue
func (a *API) GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	var resp ExchangeInfo
	return &resp, a.requester.SendPayload(ctx, &request.Item{
		Method:  http.MethodGet,
		Path:    a.baseURL + exchangeInfoPath,
		Result:  &resp,
		LimitID: exchangeInfoLimit,
	})
}

// GetOrderBook returns a depth snapshot for symbol
func (a *API) GetOrderBook(ctx context.Context, symbol string) (*OrderBookData, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(snapshotRows))
	var resp OrderBookData
	return &resp, a.requester.SendPayload(ctx, &request.Item{
		Method:  http.MethodGet,
		Path:    a.baseURL + depthPath,
		Params:  params,
		Result:  &resp,
		LimitID: orderbookLimit,
	})
}

// GetServerTime returns the venue clock reading
func (a *API) GetServerTime(ctx context.Context) (*ServerTime, error) {
	var resp ServerTime
	return &resp, a.requester.SendPayload(ctx, &request.Item{
		Method:  http.MethodGet,
		Path:    a.baseURL + serverTimePath,
		Result:  &resp,
		LimitID: serverTimeLimit,
	})
}

// NewOrderRequest carries futures order placement parameters
type NewOrderRequest struct {
	Symbol        string
	Side          string
	PositionSide  string
	Type          string
	TimeInForce   string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
	ReduceOnly    bool
}

// NewOrder places an order
func (a *API) NewOrder(ctx context.Context, o *NewOrderRequest) (*NewOrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	params.Set("side", o.Side)
	params.Set("type", o.Type)
	params.Set("quantity", o.Quantity.String())
	params.Set("newClientOrderId", o.ClientOrderID)
	if o.PositionSide != "" {
		params.Set("positionSide", o.PositionSide)
	}
	if o.TimeInForce != "" {
		params.Set("timeInForce", o.TimeInForce)
	}
	if !o.Price.IsZero() {
		params.Set("price", o.Price.String())
	}
	if o.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	var resp NewOrderResponse
	return &resp, a.requester.SendPayload(ctx, &request.Item{
		Method:        http.MethodPost,
		Path:          a.baseURL + orderPath,
		Params:        params,
		Result:        &resp,
		Authenticated: true,
		LimitID:       orderLimit,
	})
}

// CancelOrder cancels one order by client order id
func (a *API) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	return a.requester.SendPayload(ctx, &request.Item{
		Method:        http.MethodDelete,
		Path:          a.baseURL + orderPath,
		Params:        params,
		Authenticated: true,
		LimitID:       cancelOrderLimit,
	})
}

// QueryOrder returns the status of one order by client order id
func (a *API) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*QueryOrderData, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	var resp QueryOrderData
	return &resp, a.requester.SendPayload(ctx, &request.Item{
		Method:        http.MethodGet,
		Path:          a.baseURL + orderPath,
		Params:        params,
		Result:        &resp,
		Authenticated: true,
		LimitID:       queryOrderLimit,
	})
}

// GetBalances returns futures wallet balances
func (a *API) GetBalances(ctx context.Context) ([]AccountBalance, error) {
	var resp []AccountBalance
	return resp, a.requester.SendPayload(ctx, &request.Item{
		Method:        http.MethodGet,
		Path:          a.baseURL + balancePath,
		Result:        &resp,
		Authenticated: true,
		LimitID:       balanceLimit,
	})
}

// GetPositionRisk returns all positions
func (a *API) GetPositionRisk(ctx context.Context) ([]PositionRisk, error) {
	var resp []PositionRisk
	return resp, a.requester.SendPayload(ctx, &request.Item{
		Method:        http.MethodGet,
		Path:          a.baseURL + positionRiskPath,
		Result:        &resp,
		Authenticated: true,
		LimitID:       positionLimit,
	})
}

// GetUserTrades returns fills for symbol scoped to one order
func (a *API) GetUserTrades(ctx context.Context, symbol string, orderID int64) ([]UserTrade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if orderID > 0 {
		params.Set("orderId", strconv.FormatInt(orderID, 10))
	}
	var resp []UserTrade
	return resp, a.requester.SendPayload(ctx, &request.Item{
		Method:        http.MethodGet,
		Path:          a.baseURL + userTradesPath,
		Params:        params,
		Result:        &resp,
		Authenticated: true,
		LimitID:       userTradesLimit,
	})
}

// GetPremiumIndex returns mark price and funding state for symbol
func (a *API) GetPremiumIndex(ctx context.Context, symbol string) (*PremiumIndex, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp PremiumIndex
	return &resp, a.requester.SendPayload(ctx, &request.Item{
		Method:  http.MethodGet,
		Path:    a.baseURL + premiumIndexPath,
		Params:  params,
		Result:  &resp,
		LimitID: premiumIndexLimit,
	})
}

// GetFundingIncome returns the most recent funding fee cashflows for symbol,
// newest last
func (a *API) GetFundingIncome(ctx context.Context, symbol string, limit int) ([]Income, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("incomeType", "FUNDING_FEE")
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []Income
	return resp, a.requester.SendPayload(ctx, &request.Item{
		Method:        http.MethodGet,
		Path:          a.baseURL + incomePath,
		Params:        params,
		Result:        &resp,
		Authenticated: true,
		LimitID:       incomeLimit,
	})
}

// SetLeverage applies initial leverage for symbol
func (a *API) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return a.requester.SendPayload(ctx, &request.Item{
		Method:        http.MethodPost,
		Path:          a.baseURL + leveragePath,
		Params:        params,
		Authenticated: true,
		LimitID:       leverageLimit,
	})
}

// SetDualSidePosition switches between one-way and hedge mode
func (a *API) SetDualSidePosition(ctx context.Context, dual bool) error {
	params := url.Values{}
	params.Set("dualSidePosition", strconv.FormatBool(dual))
	return a.requester.SendPayload(ctx, &request.Item{
		Method:        http.MethodPost,
		Path:          a.baseURL + positionModePath,
		Params:        params,
		Authenticated: true,
		LimitID:       positionModeLimit,
	})
}

// GetListenKey opens a user data stream and returns its key
func (a *API) GetListenKey(ctx context.Context) (string, error) {
	var resp ListenKey
	err := a.requester.SendPayload(ctx, &request.Item{
		Method:  http.MethodPost,
		Path:    a.baseURL + listenKeyPath,
		Result:  &resp,
		Headers: a.keyHeader(),
		LimitID: listenKeyLimit,
	})
	return resp.ListenKey, err
}

// KeepAliveListenKey extends the user data stream validity
func (a *API) KeepAliveListenKey(ctx context.Context) error {
	return a.requester.SendPayload(ctx, &request.Item{
		Method:  http.MethodPut,
		Path:    a.baseURL + listenKeyPath,
		Headers: a.keyHeader(),
		LimitID: listenKeyLimit,
	})
}

func (a *API) keyHeader() map[string]string {
	if a.apiKey == "" {
		return nil
	}
	return map[string]string{"X-MBX-APIKEY": a.apiKey}
}
