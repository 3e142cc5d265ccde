package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/currency"
	"github.com/tidemark-io/tidemark/events"
	"github.com/tidemark-io/tidemark/exchanges"
	"github.com/tidemark-io/tidemark/exchanges/account"
	"github.com/tidemark-io/tidemark/exchanges/fee"
	"github.com/tidemark-io/tidemark/exchanges/order"
	"github.com/tidemark-io/tidemark/exchanges/timesync"
	"github.com/tidemark-io/tidemark/log"
)

const clientOrderIDPrefix = "x-TMK"

// clientOrderIDMaxLen is the venue cap on newClientOrderId
const clientOrderIDMaxLen = 36

// Settings configures a spot connector instance
type Settings struct {
	APIKey          string
	Secret          string
	Pairs           currency.Pairs
	TradingRequired bool
	FeeOverrides    fee.Overrides

	// RateLimitMultiplier scales the venue's published limits, 0 means 1.0
	RateLimitMultiplier float64
}

// Driver is the venue half of the spot connector
type Driver struct {
	api     *API
	symbols *currency.SymbolMap
	base    *exchanges.Base
}

// NewConnector assembles the spot connector: REST client, time
// synchronizer, market data and user stream adapters, and the shared core
func NewConnector(bus *events.Bus, settings Settings) (*exchanges.Base, error) {
	var api *API
	sync := timesync.New(func(ctx context.Context) (time.Time, error) {
		st, err := api.GetServerTime(ctx)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(st.ServerTime), nil
	})
	api, err := NewAPI(settings.APIKey, settings.Secret, sync,
		WithRateLimitMultiplier(settings.RateLimitMultiplier))
	if err != nil {
		return nil, err
	}

	symbols := currency.NewSymbolMap(symbolLoader(api))
	drv := &Driver{api: api, symbols: symbols}
	userSource := NewUserSource(api)

	base, err := exchanges.NewBase(exchanges.Config{
		Name:                Name,
		Pairs:               settings.Pairs,
		BookSource:          NewBookSource(api, symbols, settings.Pairs),
		UserSource:          userSource,
		FeeSchema:           fee.Schema{MakerPercent: decimal.New(1, -3), TakerPercent: decimal.New(1, -3)},
		FeeOverrides:        settings.FeeOverrides,
		ClientOrderIDPrefix: clientOrderIDPrefix,
		ClientOrderIDMaxLen: clientOrderIDMaxLen,
		TradingRequired:     settings.TradingRequired,
		TimeSync:            sync,
	}, bus, drv)
	if err != nil {
		return nil, err
	}
	drv.base = base
	userSource.OnAuthFailure = func() { base.SetNetworkStatus(exchanges.NotConnected) }
	return base, nil
}

// symbolLoader maps the venue's trading symbols to canonical pairs
func symbolLoader(api *API) currency.SymbolLoader {
	return func(ctx context.Context) (map[string]currency.Pair, error) {
		info, err := api.GetExchangeInfo(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]currency.Pair, len(info.Symbols))
		for _, s := range info.Symbols {
			if s.Status != "TRADING" {
				continue
			}
			out[s.Symbol] = currency.NewPair(currency.NewCode(s.BaseAsset), currency.NewCode(s.QuoteAsset))
		}
		return out, nil
	}
}

// Name implements exchanges.Driver
func (d *Driver) Name() string { return Name }

// PlaceOrder implements exchanges.Driver
func (d *Driver) PlaceOrder(ctx context.Context, o *order.Order) (string, error) {
	native, err := d.native(ctx, o.Pair)
	if err != nil {
		return "", err
	}
	req := &NewOrderRequest{
		Symbol:        native,
		Side:          o.Side.String(),
		Quantity:      o.Amount,
		ClientOrderID: o.ClientOrderID,
	}
	switch o.Type {
	case order.Limit:
		req.Type = "LIMIT"
		req.TimeInForce = "GTC"
		req.Price = o.Price
	case order.LimitMaker:
		req.Type = "LIMIT_MAKER"
		req.Price = o.Price
	case order.Market:
		req.Type = "MARKET"
	default:
		return "", fmt.Errorf("%w: %s", order.ErrTypeIsInvalid, o.Type)
	}
	resp, err := d.api.NewOrder(ctx, req)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// CancelOrder implements exchanges.Driver
func (d *Driver) CancelOrder(ctx context.Context, o *order.Order) error {
	native, err := d.native(ctx, o.Pair)
	if err != nil {
		return err
	}
	return d.api.CancelExistingOrder(ctx, native, o.ClientOrderID)
}

// FetchBalances implements exchanges.Driver
func (d *Driver) FetchBalances(ctx context.Context) (map[currency.Code]account.Balance, error) {
	acct, err := d.api.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[currency.Code]account.Balance, len(acct.Balances))
	for _, b := range acct.Balances {
		total := b.Free.Add(b.Locked)
		if total.IsZero() {
			continue
		}
		out[currency.NewCode(b.Asset)] = account.Balance{Total: total, Available: b.Free}
	}
	return out, nil
}

// FetchTradingRules implements exchanges.Driver
func (d *Driver) FetchTradingRules(ctx context.Context) ([]exchanges.TradingRule, error) {
	info, err := d.api.GetExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}
	return tradingRulesFromInfo(info, d.symbols)
}

// tradingRulesFromInfo converts per-symbol filters into trading rules for
// mapped pairs
func tradingRulesFromInfo(info *ExchangeInfo, symbols *currency.SymbolMap) ([]exchanges.TradingRule, error) {
	rules := make([]exchanges.TradingRule, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		pair, err := symbols.Pair(s.Symbol)
		if err != nil {
			continue
		}
		rule := exchanges.TradingRule{Pair: pair}
		for _, t := range s.OrderTypes {
			if t == "MARKET" {
				rule.SupportsMarketOrders = true
			}
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				rule.PriceTick = f.TickSize
			case "LOT_SIZE":
				rule.MinOrderSize = f.MinQty
				rule.MaxOrderSize = f.MaxQty
				rule.SizeStep = f.StepSize
			case "NOTIONAL", "MIN_NOTIONAL":
				rule.MinNotional = f.MinNotional
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// FetchOrderUpdate implements exchanges.Driver
func (d *Driver) FetchOrderUpdate(ctx context.Context, o *order.Order) (*order.Update, error) {
	native, err := d.native(ctx, o.Pair)
	if err != nil {
		return nil, err
	}
	data, err := d.api.QueryOrder(ctx, native, o.ClientOrderID)
	if err != nil {
		return nil, err
	}
	return &order.Update{
		ClientOrderID:   data.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(data.OrderID, 10),
		Status:          statusFromVenue(data.Status),
		Timestamp:       time.UnixMilli(data.UpdateTime),
	}, nil
}

// FetchTradeUpdates implements exchanges.Driver
func (d *Driver) FetchTradeUpdates(ctx context.Context, o *order.Order) ([]order.TradeUpdate, error) {
	if o.ExchangeOrderID == "" {
		return nil, nil
	}
	native, err := d.native(ctx, o.Pair)
	if err != nil {
		return nil, err
	}
	orderID, err := strconv.ParseInt(o.ExchangeOrderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing exchange order id %q: %w", o.ExchangeOrderID, err)
	}
	trades, err := d.api.GetMyTrades(ctx, native, orderID)
	if err != nil {
		return nil, err
	}
	out := make([]order.TradeUpdate, len(trades))
	for i, t := range trades {
		out[i] = order.TradeUpdate{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			TradeID:         strconv.FormatInt(t.ID, 10),
			Price:           t.Price,
			FillBase:        t.Qty,
			FillQuote:       t.QuoteQty,
			Fee:             t.Commission,
			FeeAsset:        t.CommissionAsset,
			IsMaker:         t.IsMaker,
			Timestamp:       time.UnixMilli(t.Time),
		}
	}
	return out, nil
}

// HandleUserEvent implements exchanges.Driver: executionReport feeds the
// order state machine, outboundAccountPosition the balance book
func (d *Driver) HandleUserEvent(msg []byte) {
	event, err := jsonparser.GetString(msg, "e")
	if err != nil {
		log.Warnf(log.UserStream, "%s unexpected user event: %s", Name, msg)
		return
	}
	switch event {
	case "executionReport":
		d.handleExecutionReport(msg)
	case "outboundAccountPosition":
		d.handleAccountPosition(msg)
	}
}

func (d *Driver) handleExecutionReport(msg []byte) {
	clientOrderID, _ := jsonparser.GetString(msg, "c")
	if orig, err := jsonparser.GetString(msg, "C"); err == nil && orig != "" {
		// cancels carry the original id in C
		clientOrderID = orig
	}
	orderID, _ := jsonparser.GetInt(msg, "i")
	status, _ := jsonparser.GetString(msg, "X")
	execType, _ := jsonparser.GetString(msg, "x")
	ts, _ := jsonparser.GetInt(msg, "E")

	update := &order.Update{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: strconv.FormatInt(orderID, 10),
		Status:          statusFromVenue(status),
		Timestamp:       time.UnixMilli(ts),
	}

	if execType == "TRADE" {
		trade, err := tradeFromExecutionReport(msg, update)
		if err != nil {
			log.Warnf(log.UserStream, "%s malformed executionReport trade: %v", Name, err)
		} else {
			d.base.Orders().ProcessTradeUpdate(trade)
			return
		}
	}
	d.base.Orders().ProcessOrderUpdate(update)
}

func tradeFromExecutionReport(msg []byte, u *order.Update) (*order.TradeUpdate, error) {
	tradeID, err := jsonparser.GetInt(msg, "t")
	if err != nil {
		return nil, err
	}
	lastQty, err := getDecimal(msg, "l")
	if err != nil {
		return nil, err
	}
	lastPrice, err := getDecimal(msg, "L")
	if err != nil {
		return nil, err
	}
	lastQuote, err := getDecimal(msg, "Y")
	if err != nil {
		lastQuote = lastQty.Mul(lastPrice)
	}
	commission, _ := getDecimal(msg, "n")
	commissionAsset, _ := jsonparser.GetString(msg, "N")

	return &order.TradeUpdate{
		ClientOrderID:   u.ClientOrderID,
		ExchangeOrderID: u.ExchangeOrderID,
		TradeID:         strconv.FormatInt(tradeID, 10),
		Price:           lastPrice,
		FillBase:        lastQty,
		FillQuote:       lastQuote,
		Fee:             commission,
		FeeAsset:        commissionAsset,
		Timestamp:       u.Timestamp,
	}, nil
}

func (d *Driver) handleAccountPosition(msg []byte) {
	_, err := jsonparser.ArrayEach(msg, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
		asset, err := jsonparser.GetString(value, "a")
		if err != nil {
			return
		}
		free, err := getDecimal(value, "f")
		if err != nil {
			return
		}
		locked, err := getDecimal(value, "l")
		if err != nil {
			return
		}
		d.base.Balances().Update(currency.NewCode(asset), account.Balance{
			Total:     free.Add(locked),
			Available: free,
		})
	}, "B")
	if err != nil {
		log.Warnf(log.UserStream, "%s malformed outboundAccountPosition: %s", Name, msg)
	}
}

func getDecimal(data []byte, key string) (decimal.Decimal, error) {
	raw, err := jsonparser.GetString(data, key)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(raw)
}

// statusFromVenue maps the venue order status vocabulary onto the state
// machine's
func statusFromVenue(s string) order.Status {
	switch s {
	case "NEW":
		return order.Open
	case "PARTIALLY_FILLED":
		return order.PartiallyFilled
	case "FILLED":
		return order.Filled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return order.Cancelled
	case "REJECTED":
		return order.Failed
	default:
		return order.Status(s)
	}
}

func (d *Driver) native(ctx context.Context, pair currency.Pair) (string, error) {
	if err := d.symbols.EnsureLoaded(ctx); err != nil {
		return "", err
	}
	return d.symbols.Native(pair)
}
