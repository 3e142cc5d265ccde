package binanceperp

import (
	"time"

	"github.com/tidemark-io/tidemark/exchanges/request"
)

// Throttler pool ids
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
	balanceLimit      = "balance"
	positionLimit     = "position"
	userTradesLimit   = "userTrades"
	premiumIndexLimit = "premiumIndex"
	incomeLimit       = "income"
	leverageLimit     = "leverage"
	positionModeLimit = "positionMode"
	listenKeyLimit    = "listenKey"
)

// rateLimits mirrors the futures API weights: a 2400-weight minute pool and
// a 300-order pool per 10 seconds
func rateLimits() []request.RateLimit {
	weighted := func(id string, weight int) request.RateLimit {
		return request.RateLimit{
			ID: id, Capacity: 2400, Interval: time.Minute, Weight: weight,
			LinkedLimits: []request.LinkedLimit{{ID: requestWeightPool, Weight: weight}},
		}
	}
	return []request.RateLimit{
		{ID: requestWeightPool, Capacity: 2400, Interval: time.Minute},
		{ID: ordersPool, Capacity: 300, Interval: 10 * time.Second},

		weighted(exchangeInfoLimit, 1),
		weighted(orderbookLimit, 20),
		weighted(serverTimeLimit, 1),
		{ID: orderLimit, Capacity: 2400, Interval: time.Minute, Weight: 1,
			LinkedLimits: []request.LinkedLimit{
				{ID: requestWeightPool, Weight: 1},
				{ID: ordersPool, Weight: 1},
			}},
		weighted(cancelOrderLimit, 1),
		weighted(queryOrderLimit, 1),
		weighted(balanceLimit, 5),
		weighted(positionLimit, 5),
		weighted(userTradesLimit, 5),
		weighted(premiumIndexLimit, 1),
		weighted(incomeLimit, 30),
		weighted(leverageLimit, 1),
		weighted(positionModeLimit, 1),
		weighted(listenKeyLimit, 1),
	}
}
