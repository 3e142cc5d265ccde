package binance

import (
	"time"

	"github.com/tidemark-io/tidemark/exchanges/request"
)

// Throttler pool ids; every endpoint limit links into one of these
const (
	requestWeightPool = "REQUEST_WEIGHT"
	ordersPool        = "ORDERS"
)

// Endpoint limit ids
const (
	exchangeInfoLimit = "exchangeInfo"
	orderbookLimit    = "orderbook"
	serverTimeLimit   = "serverTime"
	orderLimit        = "order"
	cancelOrderLimit  = "cancelOrder"
	queryOrderLimit   = "queryOrder"
	accountLimit      = "account"
	myTradesLimit     = "myTrades"
	listenKeyLimit    = "listenKey"
)

// rateLimits mirrors the venue's published weights: a 6000-weight request
// pool per minute plus a 100-order pool per 10 seconds
func rateLimits() []request.RateLimit {
	return []request.RateLimit{
		{ID: requestWeightPool, Capacity: 6000, Interval: time.Minute},
		{ID: ordersPool, Capacity: 100, Interval: 10 * time.Second},

		{ID: exchangeInfoLimit, Capacity: 6000, Interval: time.Minute, Weight: 20,
			LinkedLimits: []request.LinkedLimit{{ID: requestWeightPool, Weight: 20}}},
		{ID: orderbookLimit, Capacity: 6000, Interval: time.Minute, Weight: 50,
			LinkedLimits: []request.LinkedLimit{{ID: requestWeightPool, Weight: 50}}},
		{ID: serverTimeLimit, Capacity: 6000, Interval: time.Minute, Weight: 1,
			LinkedLimits: []request.LinkedLimit{{ID: requestWeightPool, Weight: 1}}},
		{ID: orderLimit, Capacity: 6000, Interval: time.Minute, Weight: 1,
			LinkedLimits: []request.LinkedLimit{
				{ID: requestWeightPool, Weight: 1},
				{ID: ordersPool, Weight: 1},
			}},
		{ID: cancelOrderLimit, Capacity: 6000, Interval: time.Minute, Weight: 1,
			LinkedLimits: []request.LinkedLimit{{ID: requestWeightPool, Weight: 1}}},
		{ID: queryOrderLimit, Capacity: 6000, Interval: time.Minute, Weight: 4,
			LinkedLimits: []request.LinkedLimit{{ID: requestWeightPool, Weight: 4}}},
		{ID: accountLimit, Capacity: 6000, Interval: time.Minute, Weight: 20,
			LinkedLimits: []request.LinkedLimit{{ID: requestWeightPool, Weight: 20}}},
		{ID: myTradesLimit, Capacity: 6000, Interval: time.Minute, Weight: 20,
			LinkedLimits: []request.LinkedLimit{{ID: requestWeightPool, Weight: 20}}},
		{ID: listenKeyLimit, Capacity: 6000, Interval: time.Minute, Weight: 2,
			LinkedLimits: []request.LinkedLimit{{ID: requestWeightPool, Weight: 2}}},
	}
}
