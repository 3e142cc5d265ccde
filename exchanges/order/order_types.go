package order

import (
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/currency"
)

// Public errors
var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrSideIsInvalid     = errors.New("order side is invalid")
	ErrTypeIsInvalid     = errors.New("order type is invalid")
	ErrAmountIsInvalid   = errors.New("order amount is invalid")
	ErrPriceMustBeSet    = errors.New("price must be set for a limit order")
	ErrPairIsEmpty       = errors.New("order pair is empty")
	ErrOrderAlreadyKnown = errors.New("order already tracked")
)

// Side is the direction of an order
type Side string

// Order sides
const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// String implements the stringer interface
func (s Side) String() string { return string(s) }

// Type is the execution type of an order
type Type string

// Order types
const (
	Limit      Type = "LIMIT"
	LimitMaker Type = "LIMIT_MAKER"
	Market     Type = "MARKET"
)

// String implements the stringer interface
func (t Type) String() string { return string(t) }

// Status is the lifecycle state of an in-flight order
type Status string

// Order statuses. Terminal states are Filled, Cancelled and Failed.
const (
	PendingCreate   Status = "PENDING_CREATE"
	Open            Status = "OPEN"
	PartiallyFilled Status = "PARTIALLY_FILLED"
	Filled          Status = "FILLED"
	Cancelled       Status = "CANCELLED"
	Failed          Status = "FAILED"
)

// String implements the stringer interface
func (s Status) String() string { return string(s) }

// IsTerminal reports whether the status admits no further transitions
func (s Status) IsTerminal() bool {
	return s == Filled || s == Cancelled || s == Failed
}

// validTransitions is the allowed state graph; redundant inputs out of the
// websocket and polling paths are absorbed by rejecting anything else
var validTransitions = map[Status]map[Status]bool{
	PendingCreate:   {Open: true, Filled: true, PartiallyFilled: true, Cancelled: true, Failed: true},
	Open:            {PartiallyFilled: true, Filled: true, Cancelled: true, Failed: true},
	PartiallyFilled: {PartiallyFilled: true, Filled: true, Cancelled: true, Failed: true},
}

// canTransition reports whether from -> to is on the allowed graph
func canTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// PositionAction records whether a perpetual order opens or closes a
// position
type PositionAction string

// Position actions
const (
	PositionNil   PositionAction = "NIL"
	PositionOpen  PositionAction = "OPEN"
	PositionClose PositionAction = "CLOSE"
)

// Update carries an order status change from either the user stream or a
// REST status poll
type Update struct {
	ClientOrderID   string
	ExchangeOrderID string
	Status          Status
	Timestamp       time.Time
}

// TradeUpdate carries a single fill. FillBase and FillQuote are deltas for
// this trade, never cumulative totals; TradeID keys exactly-once delivery
// across the polling and streaming paths.
type TradeUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradeID         string
	Price           decimal.Decimal
	FillBase        decimal.Decimal
	FillQuote       decimal.Decimal
	Fee             decimal.Decimal
	FeeAsset        string
	IsMaker         bool
	Timestamp       time.Time
}

// CreatedEvent is emitted when the exchange acknowledges an order
type CreatedEvent struct {
	Timestamp       time.Time
	Pair            currency.Pair
	ClientOrderID   string
	ExchangeOrderID string
	Side            Side
	Type            Type
	Price           decimal.Decimal
	Amount          decimal.Decimal
}

// FilledEvent is emitted once per trade with the fill delta
type FilledEvent struct {
	Timestamp     time.Time
	Pair          currency.Pair
	ClientOrderID string
	TradeID       string
	Side          Side
	Type          Type
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	FeeAsset      string
}

// CompletedEvent is emitted after the final fill of an order
type CompletedEvent struct {
	Timestamp       time.Time
	Pair            currency.Pair
	ClientOrderID   string
	ExchangeOrderID string
	Side            Side
	Type            Type
	BaseAmount      decimal.Decimal
	QuoteAmount     decimal.Decimal
}

// CancelledEvent is emitted on a confirmed cancellation
type CancelledEvent struct {
	Timestamp       time.Time
	Pair            currency.Pair
	ClientOrderID   string
	ExchangeOrderID string
}

// FailureEvent is emitted when an order is rejected or fails
type FailureEvent struct {
	Timestamp     time.Time
	Pair          currency.Pair
	ClientOrderID string
	Type          Type
}

// NewClientOrderID mints a client order id under a stable venue prefix,
// truncated to the venue's maximum length
func NewClientOrderID(prefix string, maxLen int) string {
	id, err := uuid.NewV4()
	if err != nil {
		// crypto/rand failure; fall back to a time-derived suffix
		return truncate(prefix+strings.ReplaceAll(time.Now().Format("150405.000000000"), ".", ""), maxLen)
	}
	return truncate(prefix+strings.ReplaceAll(id.String(), "-", ""), maxLen)
}

func truncate(s string, maxLen int) string {
	if maxLen > 0 && len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
