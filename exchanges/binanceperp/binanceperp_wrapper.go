package binanceperp

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
	"github.com/tidemark-io/tidemark/exchanges/fundingrate"
	"github.com/tidemark-io/tidemark/exchanges/order"
	"github.com/tidemark-io/tidemark/exchanges/timesync"
	"github.com/tidemark-io/tidemark/log"
)

const clientOrderIDPrefix = "x-TMK"

const clientOrderIDMaxLen = 36

// Settings configures a perpetual connector instance
type Settings struct {
	APIKey          string
	Secret          string
	Pairs           currency.Pairs
	TradingRequired bool
	FeeOverrides    fee.Overrides

	// FundingFeePollInterval overrides the venue's 8 hour funding cadence
	FundingFeePollInterval time.Duration

	// RateLimitMultiplier scales the venue's published limits, 0 means 1.0
	RateLimitMultiplier float64
}

// Driver is the venue half of the perpetual connector
type Driver struct {
	api     *API
	symbols *currency.SymbolMap
	base    *exchanges.Base
}

// NewConnector assembles the perpetual connector over the shared core
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
		Name:                   Name,
		Pairs:                  settings.Pairs,
		BookSource:             NewBookSource(api, symbols, settings.Pairs),
		UserSource:             userSource,
		FeeSchema:              fee.Schema{MakerPercent: feePercent("0.0002"), TakerPercent: feePercent("0.0004")},
		FeeOverrides:           settings.FeeOverrides,
		ClientOrderIDPrefix:    clientOrderIDPrefix,
		ClientOrderIDMaxLen:    clientOrderIDMaxLen,
		TradingRequired:        settings.TradingRequired,
		Perpetual:              true,
		FundingFeePollInterval: settings.FundingFeePollInterval,
		TimeSync:               sync,
	}, bus, drv)
	if err != nil {
		return nil, err
	}
	drv.base = base
	userSource.OnAuthFailure = func() { base.SetNetworkStatus(exchanges.NotConnected) }
	return base, nil
}

func symbolLoader(api *API) currency.SymbolLoader {
	return func(ctx context.Context) (map[string]currency.Pair, error) {
		info, err := api.GetExchangeInfo(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]currency.Pair, len(info.Symbols))
		for _, s := range info.Symbols {
			if s.Status != "TRADING" || s.ContractType != "PERPETUAL" {
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
		PositionSide:  d.positionSide(o),
		ReduceOnly:    d.reduceOnly(o),
	}
	switch o.Type {
	case order.Limit:
		req.Type = "LIMIT"
		req.TimeInForce = "GTC"
		req.Price = o.Price
	case order.LimitMaker:
		// the venue expresses post-only as a time in force
		req.Type = "LIMIT"
		req.TimeInForce = "GTX"
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

// positionSide maps the order's intent onto the venue vocabulary under the
// current position mode
func (d *Driver) positionSide(o *order.Order) string {
	if d.base == nil || d.base.FundingBook().PositionMode() == fundingrate.OneWay {
		return "BOTH"
	}
	long := o.Side == order.Buy
	if o.PositionAction == order.PositionClose {
		long = !long
	}
	if long {
		return "LONG"
	}
	return "SHORT"
}

// reduceOnly applies to closes in one-way mode only; hedge mode rejects it
func (d *Driver) reduceOnly(o *order.Order) bool {
	return o.PositionAction == order.PositionClose &&
		d.base != nil &&
		d.base.FundingBook().PositionMode() == fundingrate.OneWay
}

// CancelOrder implements exchanges.Driver
func (d *Driver) CancelOrder(ctx context.Context, o *order.Order) error {
	native, err := d.native(ctx, o.Pair)
	if err != nil {
		return err
	}
	return d.api.CancelOrder(ctx, native, o.ClientOrderID)
}

// FetchBalances implements exchanges.Driver
func (d *Driver) FetchBalances(ctx context.Context) (map[currency.Code]account.Balance, error) {
	balances, err := d.api.GetBalances(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[currency.Code]account.Balance, len(balances))
	for _, b := range balances {
		if b.Balance.IsZero() {
			continue
		}
		out[currency.NewCode(b.Asset)] = account.Balance{
			Total:     b.Balance,
			Available: b.AvailableBalance,
		}
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

func tradingRulesFromInfo(info *ExchangeInfo, symbols *currency.SymbolMap) ([]exchanges.TradingRule, error) {
	rules := make([]exchanges.TradingRule, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.ContractType != "PERPETUAL" {
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
			case "MIN_NOTIONAL":
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
	trades, err := d.api.GetUserTrades(ctx, native, orderID)
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
			IsMaker:         t.Maker,
			Timestamp:       time.UnixMilli(t.Time),
		}
	}
	return out, nil
}

// FetchPositions implements exchanges.PerpetualDriver
func (d *Driver) FetchPositions(ctx context.Context) ([]fundingrate.Position, error) {
	risks, err := d.api.GetPositionRisk(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]fundingrate.Position, 0, len(risks))
	for _, r := range risks {
		pair, err := d.symbols.Pair(r.Symbol)
		if err != nil {
			continue
		}
		out = append(out, fundingrate.Position{
			Pair:          pair,
			Side:          positionSideFromVenue(r.PositionSide, r.PositionAmt.Sign()),
			Amount:        r.PositionAmt.Abs(),
			EntryPrice:    r.EntryPrice,
			UnrealizedPNL: r.UnRealizedProfit,
			Leverage:      int(r.Leverage.IntPart()),
		})
	}
	return out, nil
}

// FetchFundingInfo implements exchanges.PerpetualDriver
func (d *Driver) FetchFundingInfo(ctx context.Context, pair currency.Pair) (fundingrate.Info, error) {
	native, err := d.native(ctx, pair)
	if err != nil {
		return fundingrate.Info{}, err
	}
	idx, err := d.api.GetPremiumIndex(ctx, native)
	if err != nil {
		return fundingrate.Info{}, err
	}
	return fundingrate.Info{
		Pair:        pair,
		MarkPrice:   idx.MarkPrice,
		IndexPrice:  idx.IndexPrice,
		Rate:        idx.LastFundingRate,
		NextFunding: time.UnixMilli(idx.NextFundingTime),
	}, nil
}

// FetchLastFundingPayment implements exchanges.PerpetualDriver
func (d *Driver) FetchLastFundingPayment(ctx context.Context, pair currency.Pair) (fundingrate.Payment, error) {
	native, err := d.native(ctx, pair)
	if err != nil {
		return fundingrate.Payment{}, err
	}
	incomes, err := d.api.GetFundingIncome(ctx, native, 1)
	if err != nil {
		return fundingrate.Payment{}, err
	}
	if len(incomes) == 0 {
		return fundingrate.Payment{}, nil
	}
	latest := incomes[len(incomes)-1]
	info, _ := d.base.FundingBook().FundingInfo(pair)
	return fundingrate.Payment{
		Pair:      pair,
		Timestamp: time.UnixMilli(latest.Time),
		Amount:    latest.Income,
		Rate:      info.Rate,
	}, nil
}

// SubmitLeverage implements exchanges.PerpetualDriver
func (d *Driver) SubmitLeverage(ctx context.Context, pair currency.Pair, leverage int) error {
	native, err := d.native(ctx, pair)
	if err != nil {
		return err
	}
	return d.api.SetLeverage(ctx, native, leverage)
}

// SubmitPositionMode implements exchanges.PerpetualDriver
func (d *Driver) SubmitPositionMode(ctx context.Context, mode fundingrate.PositionMode) error {
	return d.api.SetDualSidePosition(ctx, mode == fundingrate.Hedge)
}

// HandleUserEvent implements exchanges.Driver: ORDER_TRADE_UPDATE feeds the
// order state machine, ACCOUNT_UPDATE balances and positions
func (d *Driver) HandleUserEvent(msg []byte) {
	event, err := jsonparser.GetString(msg, "e")
	if err != nil {
		log.Warnf(log.UserStream, "%s unexpected user event: %s", Name, msg)
		return
	}
	switch event {
	case "ORDER_TRADE_UPDATE":
		d.handleOrderTradeUpdate(msg)
	case "ACCOUNT_UPDATE":
		d.handleAccountUpdate(msg)
	}
}

func (d *Driver) handleOrderTradeUpdate(msg []byte) {
	data, _, _, err := jsonparser.Get(msg, "o")
	if err != nil {
		log.Warnf(log.UserStream, "%s malformed ORDER_TRADE_UPDATE: %s", Name, msg)
		return
	}
	clientOrderID, _ := jsonparser.GetString(data, "c")
	orderID, _ := jsonparser.GetInt(data, "i")
	status, _ := jsonparser.GetString(data, "X")
	execType, _ := jsonparser.GetString(data, "x")
	ts, _ := jsonparser.GetInt(msg, "E")

	update := &order.Update{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: strconv.FormatInt(orderID, 10),
		Status:          statusFromVenue(status),
		Timestamp:       time.UnixMilli(ts),
	}

	if execType == "TRADE" {
		tradeID, err := jsonparser.GetInt(data, "t")
		if err == nil {
			lastQty, qerr := getDecimal(data, "l")
			lastPrice, perr := getDecimal(data, "L")
			if qerr == nil && perr == nil {
				commission, _ := getDecimal(data, "n")
				commissionAsset, _ := jsonparser.GetString(data, "N")
				d.base.Orders().ProcessTradeUpdate(&order.TradeUpdate{
					ClientOrderID:   clientOrderID,
					ExchangeOrderID: update.ExchangeOrderID,
					TradeID:         strconv.FormatInt(tradeID, 10),
					Price:           lastPrice,
					FillBase:        lastQty,
					FillQuote:       lastQty.Mul(lastPrice),
					Fee:             commission,
					FeeAsset:        commissionAsset,
					Timestamp:       update.Timestamp,
				})
				return
			}
		}
		log.Warnf(log.UserStream, "%s malformed trade in ORDER_TRADE_UPDATE: %s", Name, data)
	}
	d.base.Orders().ProcessOrderUpdate(update)
}

func (d *Driver) handleAccountUpdate(msg []byte) {
	data, _, _, err := jsonparser.Get(msg, "a")
	if err != nil {
		log.Warnf(log.UserStream, "%s malformed ACCOUNT_UPDATE: %s", Name, msg)
		return
	}
	_, _ = jsonparser.ArrayEach(data, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
		asset, err := jsonparser.GetString(value, "a")
		if err != nil {
			return
		}
		balance, err := getDecimal(value, "wb")
		if err != nil {
			return
		}
		d.base.Balances().Update(currency.NewCode(asset), account.Balance{
			Total:     balance,
			Available: balance,
		})
	}, "B")

	_, _ = jsonparser.ArrayEach(data, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
		symbol, err := jsonparser.GetString(value, "s")
		if err != nil {
			return
		}
		pair, err := d.symbols.Pair(symbol)
		if err != nil {
			return
		}
		amt, err := getDecimal(value, "pa")
		if err != nil {
			return
		}
		entry, _ := getDecimal(value, "ep")
		pnl, _ := getDecimal(value, "up")
		side, _ := jsonparser.GetString(value, "ps")
		d.base.FundingBook().UpdatePosition(fundingrate.Position{
			Pair:          pair,
			Side:          positionSideFromVenue(side, amt.Sign()),
			Amount:        amt.Abs(),
			EntryPrice:    entry,
			UnrealizedPNL: pnl,
			Leverage:      d.base.FundingBook().Leverage(pair),
		})
	}, "P")
}

// positionSideFromVenue maps BOTH positions onto a direction by amount sign
func positionSideFromVenue(side string, sign int) fundingrate.PositionSide {
	switch side {
	case "LONG":
		return fundingrate.Long
	case "SHORT":
		return fundingrate.Short
	default:
		if sign < 0 {
			return fundingrate.Short
		}
		return fundingrate.Long
	}
}

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

func feePercent(s string) decimal.Decimal {
	out, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return out
}
