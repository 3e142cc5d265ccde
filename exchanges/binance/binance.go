// Package binance implements the spot venue connector: REST catalogue,
// public depth and trade streams, the private user data stream and the
// driver wiring them into the shared connector core.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/exchanges/request"
)

// Venue endpoints
const (
	Name = "binance"

	apiURL       = "https://api.binance.com"
	wsURL        = "wss://stream.binance.com:9443"
	snapshotRows = 1000

	exchangeInfoPath = "/api/v3/exchangeInfo"
	depthPath        = "/api/v3/depth"
	serverTimePath   = "/api/v3/time"
	orderPath        = "/api/v3/order"
	accountPath      = "/api/v3/account"
	myTradesPath     = "/api/v3/myTrades"
	listenKeyPath    = "/api/v3/userDataStream"
)

// API is the venue's REST surface behind the throttler
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

// NewAPI builds the REST client. Credentials are optional; without them only
// public endpoints work.
func NewAPI(apiKey, secret string, timeSrc request.TimeProvider, apiOpts ...APIOption) (*API, error) {
	var cfg apiOptions
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	throttler, err := request.NewThrottler(request.ScaleLimits(rateLimits(), cfg.rateLimitMultiplier))
	if err != nil {
		return nil, fmt.Errorf("binance throttler: %w", err)
	}
	opts := []request.RequesterOption{
		request.WithErrorChecker(checkAPIError),
	}
	if apiKey != "" {
		opts = append(opts, request.WithAuthenticator(&Auth{APIKey: apiKey, Secret: secret}))
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

// checkAPIError surfaces the venue's {code, msg} error body on 2xx responses
func checkAPIError(_ int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		// arrays and non-error objects decode elsewhere
		return nil
	}
	if apiErr.Code < 0 {
		return fmt.Errorf("binance error %d: %s", apiErr.Code, apiErr.Msg)
	}
	return nil
}

// GetExchangeInfo returns the market catalogue with per-symbol filters
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

// NewOrderRequest carries order placement parameters
type NewOrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	TimeInForce   string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
}

// NewOrder places an order
func (a *API) NewOrder(ctx context.Context, o *NewOrderRequest) (*NewOrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	params.Set("side", o.Side)
	params.Set("type", o.Type)
	params.Set("quantity", o.Quantity.String())
	params.Set("newClientOrderId", o.ClientOrderID)
	if o.TimeInForce != "" {
		params.Set("timeInForce", o.TimeInForce)
	}
	if !o.Price.IsZero() {
		params.Set("price", o.Price.String())
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

// CancelExistingOrder cancels one order by client order id
func (a *API) CancelExistingOrder(ctx context.Context, symbol, clientOrderID string) error {
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

// GetAccount returns asset balances
func (a *API) GetAccount(ctx context.Context) (*Account, error) {
	var resp Account
	return &resp, a.requester.SendPayload(ctx, &request.Item{
		Method:        http.MethodGet,
		Path:          a.baseURL + accountPath,
		Result:        &resp,
		Authenticated: true,
		LimitID:       accountLimit,
	})
}

// GetMyTrades returns fills for symbol, optionally scoped to one order
func (a *API) GetMyTrades(ctx context.Context, symbol string, orderID int64) ([]Trade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if orderID > 0 {
		params.Set("orderId", strconv.FormatInt(orderID, 10))
	}
	var resp []Trade
	return resp, a.requester.SendPayload(ctx, &request.Item{
		Method:        http.MethodGet,
		Path:          a.baseURL + myTradesPath,
		Params:        params,
		Result:        &resp,
		Authenticated: true,
		LimitID:       myTradesLimit,
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
func (a *API) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	return a.requester.SendPayload(ctx, &request.Item{
		Method:  http.MethodPut,
		Path:    a.baseURL + listenKeyPath,
		Params:  params,
		Headers: a.keyHeader(),
		LimitID: listenKeyLimit,
	})
}

// keyHeader carries the API key for listen key endpoints, which are keyed
// but not signed
func (a *API) keyHeader() map[string]string {
	if a.apiKey == "" {
		return nil
	}
	return map[string]string{"X-MBX-APIKEY": a.apiKey}
}
