package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/currency"
)

// maxSeenTradeIDs bounds the per-order trade id dedupe set
const maxSeenTradeIDs = 256

// Order is an in-flight order owned by exactly one connector. All mutation
// goes through the Tracker.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Pair            currency.Pair
	Side            Side
	Type            Type
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Status          Status
	CreationTime    time.Time

	ExecutedBase  decimal.Decimal
	ExecutedQuote decimal.Decimal
	CumulativeFee decimal.Decimal

	// Perpetual only
	Leverage       int
	PositionAction PositionAction

	seenTradeIDs map[string]struct{}
	seenOrder    []string
}

// NewOrder returns an order in PendingCreate, entered into tracking before
// the placement network call goes out
func NewOrder(clientOrderID string, pair currency.Pair, side Side, ot Type, price, amount decimal.Decimal) *Order {
	return &Order{
		ClientOrderID:  clientOrderID,
		Pair:           pair,
		Side:           side,
		Type:           ot,
		Price:          price,
		Amount:         amount,
		Status:         PendingCreate,
		CreationTime:   time.Now(),
		PositionAction: PositionNil,
		seenTradeIDs:   make(map[string]struct{}),
	}
}

// IsDone reports whether the order reached a terminal state
func (o *Order) IsDone() bool {
	return o.Status.IsTerminal()
}

// RemainingBase returns the unfilled base amount
func (o *Order) RemainingBase() decimal.Decimal {
	return o.Amount.Sub(o.ExecutedBase)
}

// AverageFillPrice returns executed quote over executed base, zero before
// any fill
func (o *Order) AverageFillPrice() decimal.Decimal {
	if o.ExecutedBase.IsZero() {
		return decimal.Zero
	}
	return o.ExecutedQuote.Div(o.ExecutedBase)
}

// hasSeenTrade reports and records whether tradeID was already applied. The
// set is bounded; the oldest entries age out first.
func (o *Order) hasSeenTrade(tradeID string) bool {
	if _, ok := o.seenTradeIDs[tradeID]; ok {
		return true
	}
	o.seenTradeIDs[tradeID] = struct{}{}
	o.seenOrder = append(o.seenOrder, tradeID)
	if len(o.seenOrder) > maxSeenTradeIDs {
		delete(o.seenTradeIDs, o.seenOrder[0])
		o.seenOrder = o.seenOrder[1:]
	}
	return false
}

// applyFill folds a trade delta into the cumulative totals
func (o *Order) applyFill(t *TradeUpdate) {
	o.ExecutedBase = o.ExecutedBase.Add(t.FillBase)
	quote := t.FillQuote
	if quote.IsZero() {
		quote = t.FillBase.Mul(t.Price)
	}
	o.ExecutedQuote = o.ExecutedQuote.Add(quote)
	o.CumulativeFee = o.CumulativeFee.Add(t.Fee)
}

// isCompletelyFilled reports whether cumulative executed base covers the
// order amount
func (o *Order) isCompletelyFilled() bool {
	return o.ExecutedBase.GreaterThanOrEqual(o.Amount)
}
