package exchanges

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/currency"
	"github.com/tidemark-io/tidemark/exchanges/account"
	"github.com/tidemark-io/tidemark/exchanges/fee"
	"github.com/tidemark-io/tidemark/exchanges/fundingrate"
	"github.com/tidemark-io/tidemark/exchanges/order"
	"github.com/tidemark-io/tidemark/exchanges/orderbook"
	"github.com/tidemark-io/tidemark/exchanges/timesync"
	"github.com/tidemark-io/tidemark/exchanges/userstream"
)

// Public errors
var (
	ErrOrderBelowMinimum  = errors.New("order amount below venue minimum")
	ErrPriceQuantizedZero = errors.New("price quantizes to zero")
	ErrMarketUnsupported  = errors.New("market orders not supported for pair")
	ErrRuleNotFound       = errors.New("trading rule not found for pair")
	ErrNotStarted         = errors.New("connector network not started")
)

// Polling cadence. The status poll runs on the short interval while the
// private stream is quiet or lagging and relaxes to the long interval while
// it is fresh.
const (
	ShortPollInterval  = 5 * time.Second
	LongPollInterval   = 120 * time.Second
	ShortPollThreshold = 60 * time.Second

	// TradingRulesPollInterval is how often trading rules are refreshed
	TradingRulesPollInterval = time.Minute

	// FundingInfoPollInterval backs up the mark-price stream
	FundingInfoPollInterval = time.Minute

	// DefaultFundingFeePollInterval matches the common venue funding cadence
	DefaultFundingFeePollInterval = 8 * time.Hour

	// pollRetryBackoff spaces retries after a failed poll iteration
	pollRetryBackoff = 500 * time.Millisecond
)

// NetworkStatus is the connector's view of venue connectivity
type NetworkStatus uint8

// Network statuses
const (
	NotConnected NetworkStatus = iota
	Connected
)

// TradingRule is one pair's venue order constraints, immutable between
// refreshes
type TradingRule struct {
	Pair                 currency.Pair
	MinOrderSize         decimal.Decimal
	MaxOrderSize         decimal.Decimal
	PriceTick            decimal.Decimal
	SizeStep             decimal.Decimal
	MinNotional          decimal.Decimal
	SupportsMarketOrders bool
}

// CancellationResult reports the outcome of one cancel inside CancelAll
type CancellationResult struct {
	ClientOrderID string
	Success       bool
}

// Connector is the public contract a venue implementation satisfies.
// Strategies hold this; all venue specifics live behind it.
type Connector interface {
	Name() string
	StartNetwork(ctx context.Context) error
	StopNetwork()
	Ready() bool
	Tick(t time.Time)

	Buy(pair currency.Pair, amount decimal.Decimal, ot order.Type, price decimal.Decimal, opts ...OrderOption) (string, error)
	Sell(pair currency.Pair, amount decimal.Decimal, ot order.Type, price decimal.Decimal, opts ...OrderOption) (string, error)
	Cancel(pair currency.Pair, clientOrderID string) string
	CancelAll(timeout time.Duration) []CancellationResult

	GetFee(pair currency.Pair, side order.Side, ot order.Type, amount, price decimal.Decimal, isMaker bool) fee.TradeFee
	QuantizeOrderPrice(pair currency.Pair, price decimal.Decimal) decimal.Decimal
	QuantizeOrderAmount(pair currency.Pair, amount, price decimal.Decimal) decimal.Decimal

	TradingRules() map[string]TradingRule
	InFlightOrders() []*order.Order
	Balances() *account.Service
	OrderBook(pair currency.Pair) (*orderbook.OrderBook, error)
}

// PerpetualConnector adds the perpetual-only operations
type PerpetualConnector interface {
	Connector
	SetLeverage(ctx context.Context, pair currency.Pair, leverage int) error
	SetPositionMode(ctx context.Context, mode fundingrate.PositionMode) error
	GetFundingInfo(pair currency.Pair) (fundingrate.Info, error)
	Positions() []fundingrate.Position
}

// Driver is the venue-specific half of a connector: the REST and stream
// translation the Base skeleton drives. All methods take the fact as far as
// the venue wire format and back; state lives in the Base trackers.
type Driver interface {
	Name() string
	PlaceOrder(ctx context.Context, o *order.Order) (exchangeOrderID string, err error)
	CancelOrder(ctx context.Context, o *order.Order) error
	FetchBalances(ctx context.Context) (map[currency.Code]account.Balance, error)
	FetchTradingRules(ctx context.Context) ([]TradingRule, error)
	FetchOrderUpdate(ctx context.Context, o *order.Order) (*order.Update, error)
	FetchTradeUpdates(ctx context.Context, o *order.Order) ([]order.TradeUpdate, error)

	// HandleUserEvent translates one raw private-stream event into tracker
	// facts. Schema deviations are logged and skipped, never fatal.
	HandleUserEvent(msg []byte)
}

// PerpetualDriver extends Driver with the perpetual-only venue calls
type PerpetualDriver interface {
	Driver
	FetchPositions(ctx context.Context) ([]fundingrate.Position, error)
	FetchFundingInfo(ctx context.Context, pair currency.Pair) (fundingrate.Info, error)
	FetchLastFundingPayment(ctx context.Context, pair currency.Pair) (fundingrate.Payment, error)
	SubmitLeverage(ctx context.Context, pair currency.Pair, leverage int) error
	SubmitPositionMode(ctx context.Context, mode fundingrate.PositionMode) error
}

// OrderOption mutates a freshly minted order before tracking begins
type OrderOption func(*order.Order)

// WithLeverage stamps the perpetual leverage on the order
func WithLeverage(leverage int) OrderOption {
	return func(o *order.Order) { o.Leverage = leverage }
}

// WithPositionAction marks whether a perpetual order opens or closes a
// position
func WithPositionAction(a order.PositionAction) OrderOption {
	return func(o *order.Order) { o.PositionAction = a }
}

// Config wires a Base connector. BookSource and UserSource are the venue's
// market data and private stream adapters; Driver supplies the REST calls.
type Config struct {
	Name  string
	Pairs currency.Pairs

	BookSource orderbook.DataSource
	UserSource userstream.DataSource

	FeeSchema    fee.Schema
	FeeOverrides fee.Overrides

	ClientOrderIDPrefix string
	ClientOrderIDMaxLen int

	// TradingRequired gates the balance and user-stream terms of readiness;
	// market-data-only deployments leave it false
	TradingRequired bool

	// Perpetual marks the connector as a derivatives venue; the Driver must
	// then satisfy PerpetualDriver
	Perpetual bool

	FundingFeePollInterval time.Duration

	// TimeSync, when set, runs alongside the network tasks so request
	// signatures ride server-adjusted time
	TimeSync *timesync.Synchronizer
}
