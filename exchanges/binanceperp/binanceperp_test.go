package binanceperp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/currency"
	"github.com/tidemark-io/tidemark/events"
	"github.com/tidemark-io/tidemark/exchanges"
	"github.com/tidemark-io/tidemark/exchanges/fundingrate"
	"github.com/tidemark-io/tidemark/exchanges/order"
	"github.com/tidemark-io/tidemark/exchanges/orderbook"
)

func d(s string) decimal.Decimal {
	out, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return out
}

func TestStatusFromVenue(t *testing.T) {
	t.Parallel()
	assert.Equal(t, order.Open, statusFromVenue("NEW"))
	assert.Equal(t, order.PartiallyFilled, statusFromVenue("PARTIALLY_FILLED"))
	assert.Equal(t, order.Filled, statusFromVenue("FILLED"))
	assert.Equal(t, order.Cancelled, statusFromVenue("CANCELED"))
	assert.Equal(t, order.Cancelled, statusFromVenue("EXPIRED_IN_MATCH"))
	assert.Equal(t, order.Failed, statusFromVenue("REJECTED"))
}

const exchangeInfoFixture = `{
  "serverTime": 1700000000000,
  "symbols": [
    {
      "symbol": "BTCUSDT",
      "contractType": "PERPETUAL",
      "status": "TRADING",
      "baseAsset": "BTC",
      "quoteAsset": "USDT",
      "orderTypes": ["LIMIT", "MARKET", "STOP"],
      "filters": [
        {"filterType": "PRICE_FILTER", "minPrice": "556.80", "maxPrice": "4529764", "tickSize": "0.10"},
        {"filterType": "LOT_SIZE", "minQty": "0.001", "maxQty": "1000", "stepSize": "0.001"},
        {"filterType": "MIN_NOTIONAL", "notional": "100"}
      ]
    },
    {
      "symbol": "BTCUSDT_250926",
      "contractType": "CURRENT_QUARTER",
      "status": "TRADING",
      "baseAsset": "BTC",
      "quoteAsset": "USDT",
      "orderTypes": ["LIMIT"],
      "filters": []
    },
    {
      "symbol": "DEADUSDT",
      "contractType": "PERPETUAL",
      "status": "BREAK",
      "baseAsset": "DEAD",
      "quoteAsset": "USDT",
      "orderTypes": ["LIMIT"],
      "filters": []
    }
  ]
}`

func loadedSymbols(t *testing.T, info *ExchangeInfo) *currency.SymbolMap {
	t.Helper()
	symbols := currency.NewSymbolMap(func(context.Context) (map[string]currency.Pair, error) {
		out := make(map[string]currency.Pair)
		for _, s := range info.Symbols {
			if s.Status != "TRADING" || s.ContractType != "PERPETUAL" {
				continue
			}
			out[s.Symbol] = currency.NewPair(currency.NewCode(s.BaseAsset), currency.NewCode(s.QuoteAsset))
		}
		return out, nil
	})
	require.NoError(t, symbols.EnsureLoaded(context.Background()))
	return symbols
}

func TestTradingRulesFromInfo(t *testing.T) {
	t.Parallel()
	var info ExchangeInfo
	require.NoError(t, json.Unmarshal([]byte(exchangeInfoFixture), &info))
	symbols := loadedSymbols(t, &info)

	rules, err := tradingRulesFromInfo(&info, symbols)
	require.NoError(t, err)
	require.Len(t, rules, 1, "quarterlies and halted symbols are excluded")

	r := rules[0]
	assert.Equal(t, "BTC-USDT", r.Pair.String())
	assert.True(t, r.PriceTick.Equal(d("0.10")))
	assert.True(t, r.MinOrderSize.Equal(d("0.001")))
	assert.True(t, r.MaxOrderSize.Equal(d("1000")))
	assert.True(t, r.SizeStep.Equal(d("0.001")))
	assert.True(t, r.MinNotional.Equal(d("100")))
	assert.True(t, r.SupportsMarketOrders)
}

// idleBookSource satisfies orderbook.DataSource for wiring-only tests
type idleBookSource struct{}

func (idleBookSource) FetchSnapshot(context.Context, currency.Pair) (*orderbook.Message, error) {
	return &orderbook.Message{UpdateID: 1}, nil
}

func (idleBookSource) ListenForSubscriptions(ctx context.Context, _ chan<- orderbook.Message) {
	<-ctx.Done()
}

type idleUserSource struct{}

func (idleUserSource) ListenForUserStream(ctx context.Context, _ chan<- []byte) {
	<-ctx.Done()
}

func newTestDriver(t *testing.T) (*Driver, currency.Pair) {
	t.Helper()
	var info ExchangeInfo
	require.NoError(t, json.Unmarshal([]byte(exchangeInfoFixture), &info))
	symbols := loadedSymbols(t, &info)
	pair, err := symbols.Pair("BTCUSDT")
	require.NoError(t, err)

	drv := &Driver{symbols: symbols}
	base, err := exchanges.NewBase(exchanges.Config{
		Name:                Name,
		Pairs:               currency.Pairs{pair},
		BookSource:          idleBookSource{},
		UserSource:          idleUserSource{},
		ClientOrderIDPrefix: clientOrderIDPrefix,
		ClientOrderIDMaxLen: clientOrderIDMaxLen,
		Perpetual:           true,
	}, events.NewBus(), drv)
	require.NoError(t, err)
	drv.base = base
	return drv, pair
}

func TestPositionSideMapping(t *testing.T) {
	t.Parallel()
	drv, pair := newTestDriver(t)

	buyOpen := order.NewOrder("a", pair, order.Buy, order.Limit, d("20000"), d("1"))
	buyOpen.PositionAction = order.PositionOpen
	sellClose := order.NewOrder("b", pair, order.Sell, order.Limit, d("20000"), d("1"))
	sellClose.PositionAction = order.PositionClose

	// one-way mode collapses everything to BOTH, closes carry reduceOnly
	assert.Equal(t, "BOTH", drv.positionSide(buyOpen))
	assert.Equal(t, "BOTH", drv.positionSide(sellClose))
	assert.False(t, drv.reduceOnly(buyOpen))
	assert.True(t, drv.reduceOnly(sellClose))

	// hedge mode names the position leg instead
	drv.base.FundingBook().SetPositionMode(fundingrate.Hedge)
	assert.Equal(t, "LONG", drv.positionSide(buyOpen))
	assert.Equal(t, "LONG", drv.positionSide(sellClose), "selling out of a long still targets the long leg")
	assert.False(t, drv.reduceOnly(sellClose), "hedge mode rejects reduceOnly")

	sellOpen := order.NewOrder("c", pair, order.Sell, order.Limit, d("20000"), d("1"))
	sellOpen.PositionAction = order.PositionOpen
	assert.Equal(t, "SHORT", drv.positionSide(sellOpen))
}

func TestPositionSideFromVenue(t *testing.T) {
	t.Parallel()
	assert.Equal(t, fundingrate.Long, positionSideFromVenue("LONG", 1))
	assert.Equal(t, fundingrate.Short, positionSideFromVenue("SHORT", 1))
	assert.Equal(t, fundingrate.Long, positionSideFromVenue("BOTH", 1))
	assert.Equal(t, fundingrate.Short, positionSideFromVenue("BOTH", -1))
}

func TestHandleOrderTradeUpdateLifecycle(t *testing.T) {
	t.Parallel()
	drv, pair := newTestDriver(t)
	o := order.NewOrder("x-TMKperp1", pair, order.Buy, order.Limit, d("20000"), d("0.2"))
	require.NoError(t, drv.base.Orders().StartTracking(o))

	// ack
	drv.HandleUserEvent([]byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000100,"o":{"s":"BTCUSDT","c":"x-TMKperp1","x":"NEW","X":"NEW","i":99}}`))
	assert.Equal(t, order.Open, o.Status)
	assert.Equal(t, "99", o.ExchangeOrderID)

	// first fill
	fill := `{"e":"ORDER_TRADE_UPDATE","E":1700000000200,"o":{"s":"BTCUSDT","c":"x-TMKperp1","x":"TRADE","X":"PARTIALLY_FILLED","i":99,"t":11,"l":"0.1","L":"20000","n":"0.4","N":"USDT"}}`
	drv.HandleUserEvent([]byte(fill))
	assert.Equal(t, order.PartiallyFilled, o.Status)
	assert.True(t, o.ExecutedBase.Equal(d("0.1")))

	// duplicate delivery of the same trade id changes nothing
	drv.HandleUserEvent([]byte(fill))
	assert.True(t, o.ExecutedBase.Equal(d("0.1")))

	// final fill
	drv.HandleUserEvent([]byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000300,"o":{"s":"BTCUSDT","c":"x-TMKperp1","x":"TRADE","X":"FILLED","i":99,"t":12,"l":"0.1","L":"20010","n":"0.4","N":"USDT"}}`))
	assert.Equal(t, order.Filled, o.Status)
	assert.True(t, o.ExecutedBase.Equal(d("0.2")))
	assert.True(t, o.ExecutedQuote.Equal(d("4001")))
}

func TestHandleAccountUpdate(t *testing.T) {
	t.Parallel()
	drv, pair := newTestDriver(t)
	drv.base.FundingBook().SetLeverage(pair, 5)

	drv.HandleUserEvent([]byte(`{"e":"ACCOUNT_UPDATE","E":1700000000000,"a":{
	  "B":[{"a":"USDT","wb":"1000.5","cw":"900"}],
	  "P":[{"s":"BTCUSDT","pa":"0.4","ep":"20000","up":"12.5","ps":"BOTH"}]
	}}`))

	assert.True(t, drv.base.Balances().Total(currency.USDT).Equal(d("1000.5")))

	pos, ok := drv.base.FundingBook().Position(pair, fundingrate.Long)
	require.True(t, ok)
	assert.True(t, pos.Amount.Equal(d("0.4")))
	assert.True(t, pos.EntryPrice.Equal(d("20000")))
	assert.True(t, pos.UnrealizedPNL.Equal(d("12.5")))
	assert.Equal(t, 5, pos.Leverage, "recorded leverage carries onto streamed positions")

	// flat update removes the position
	drv.HandleUserEvent([]byte(`{"e":"ACCOUNT_UPDATE","E":1700000000100,"a":{
	  "B":[],
	  "P":[{"s":"BTCUSDT","pa":"0","ep":"0","up":"0","ps":"BOTH"}]
	}}`))
	_, ok = drv.base.FundingBook().Position(pair, fundingrate.Long)
	assert.False(t, ok)
}

func TestParseDepthFrame(t *testing.T) {
	t.Parallel()
	var info ExchangeInfo
	require.NoError(t, json.Unmarshal([]byte(exchangeInfoFixture), &info))
	src := &BookSource{symbols: loadedSymbols(t, &info)}

	frame := `{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":300,"u":310,"pu":299,"b":[["20000.0","1.5"]],"a":[["20000.5","0"]]}}`
	msg, ok := src.parseFrame([]byte(frame))
	require.True(t, ok)
	assert.Equal(t, orderbook.DiffMessage, msg.Type)
	assert.Equal(t, "BTC-USDT", msg.Pair.String())
	assert.Equal(t, int64(310), msg.UpdateID)
	assert.Equal(t, int64(299), msg.PrevUpdateID, "futures diffs chain on pu")
	require.Len(t, msg.Bids, 1)
	assert.True(t, msg.Bids[0].Price.Equal(d("20000")))
	require.Len(t, msg.Asks, 1)
	assert.True(t, msg.Asks[0].Amount.IsZero())
}

func TestParseMarkPriceFrame(t *testing.T) {
	t.Parallel()
	var info ExchangeInfo
	require.NoError(t, json.Unmarshal([]byte(exchangeInfoFixture), &info))
	src := &BookSource{symbols: loadedSymbols(t, &info)}

	frame := `{"stream":"btcusdt@markPrice@1s","data":{"e":"markPriceUpdate","E":1700000000000,"s":"BTCUSDT","p":"20005.1","i":"20003.7","r":"0.0001","T":1700028800000}}`
	msg, ok := src.parseFrame([]byte(frame))
	require.True(t, ok)
	assert.Equal(t, orderbook.FundingInfoMessage, msg.Type)
	assert.Equal(t, "BTC-USDT", msg.Pair.String())
	assert.True(t, msg.MarkPrice.Equal(d("20005.1")))
	assert.True(t, msg.IndexPrice.Equal(d("20003.7")))
	assert.True(t, msg.FundingRate.Equal(d("0.0001")))
	assert.Equal(t, int64(1700028800000), msg.NextFunding.UnixMilli())
}

func TestParseAggTradeFrame(t *testing.T) {
	t.Parallel()
	var info ExchangeInfo
	require.NoError(t, json.Unmarshal([]byte(exchangeInfoFixture), &info))
	src := &BookSource{symbols: loadedSymbols(t, &info)}

	frame := `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1700000000000,"s":"BTCUSDT","p":"19999.9","q":"0.05"}}`
	msg, ok := src.parseFrame([]byte(frame))
	require.True(t, ok)
	assert.Equal(t, orderbook.TradeMessage, msg.Type)
	assert.True(t, msg.TradePrice.Equal(d("19999.9")))
	assert.True(t, msg.TradeAmount.Equal(d("0.05")))
}

func TestCheckAPIError(t *testing.T) {
	t.Parallel()
	assert.Error(t, checkAPIError(200, []byte(`{"code":-2019,"msg":"Margin is insufficient."}`)))
	assert.NoError(t, checkAPIError(200, []byte(`{"serverTime":1700000000000}`)))
	assert.NoError(t, checkAPIError(200, []byte(`[{"symbol":"BTCUSDT"}]`)))
}
