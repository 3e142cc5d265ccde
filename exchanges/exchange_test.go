package exchanges

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/currency"
	"github.com/tidemark-io/tidemark/events"
	"github.com/tidemark-io/tidemark/exchanges/account"
	"github.com/tidemark-io/tidemark/exchanges/fee"
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

func testPair(t *testing.T) currency.Pair {
	t.Helper()
	p, err := currency.NewPairFromString("BTC-USDT")
	require.NoError(t, err)
	return p
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// fakeDriver scripts the venue half of the connector
type fakeDriver struct {
	mu          sync.Mutex
	nextID      int
	placed      []string
	placeErr    error
	placeGate   chan struct{}
	fastCancels map[string]bool
	cancelled   []string

	balances map[currency.Code]account.Balance
	rules    []TradingRule

	balanceCalls atomic.Int64

	payment    fundingrate.Payment
	paymentErr error
}

func (f *fakeDriver) Name() string { return "fakevenue" }

func (f *fakeDriver) PlaceOrder(_ context.Context, o *order.Order) (string, error) {
	f.mu.Lock()
	gate := f.placeGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.nextID++
	f.placed = append(f.placed, o.ClientOrderID)
	return "E" + o.ClientOrderID, nil
}

func (f *fakeDriver) CancelOrder(ctx context.Context, o *order.Order) error {
	f.mu.Lock()
	fast := f.fastCancels == nil || f.fastCancels[o.ClientOrderID]
	f.mu.Unlock()
	if !fast {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	f.cancelled = append(f.cancelled, o.ClientOrderID)
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) FetchBalances(context.Context) (map[currency.Code]account.Balance, error) {
	f.balanceCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[currency.Code]account.Balance, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

func (f *fakeDriver) FetchTradingRules(context.Context) ([]TradingRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules, nil
}

func (f *fakeDriver) FetchOrderUpdate(_ context.Context, o *order.Order) (*order.Update, error) {
	return &order.Update{ClientOrderID: o.ClientOrderID, Status: o.Status}, nil
}

func (f *fakeDriver) FetchTradeUpdates(context.Context, *order.Order) ([]order.TradeUpdate, error) {
	return nil, nil
}

func (f *fakeDriver) HandleUserEvent([]byte) {}

func (f *fakeDriver) FetchPositions(context.Context) ([]fundingrate.Position, error) {
	return nil, nil
}

func (f *fakeDriver) FetchFundingInfo(_ context.Context, pair currency.Pair) (fundingrate.Info, error) {
	return fundingrate.Info{Pair: pair, Rate: d("0.0001")}, nil
}

func (f *fakeDriver) FetchLastFundingPayment(context.Context, currency.Pair) (fundingrate.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payment, f.paymentErr
}

func (f *fakeDriver) SubmitLeverage(context.Context, currency.Pair, int) error { return nil }

func (f *fakeDriver) SubmitPositionMode(context.Context, fundingrate.PositionMode) error {
	return nil
}

// fakeBookSource serves one immediate snapshot and an idle stream
type fakeBookSource struct{}

func (fakeBookSource) FetchSnapshot(_ context.Context, pair currency.Pair) (*orderbook.Message, error) {
	return &orderbook.Message{
		Pair:     pair,
		UpdateID: 1,
		Bids:     []orderbook.Level{{Price: d("19999"), Amount: d("1")}},
		Asks:     []orderbook.Level{{Price: d("20001"), Amount: d("1")}},
	}, nil
}

func (fakeBookSource) ListenForSubscriptions(ctx context.Context, _ chan<- orderbook.Message) {
	<-ctx.Done()
}

// fakeUserSource emits one private event then idles
type fakeUserSource struct{}

func (fakeUserSource) ListenForUserStream(ctx context.Context, out chan<- []byte) {
	select {
	case out <- []byte(`{"e":"outboundAccountPosition"}`):
	case <-ctx.Done():
		return
	}
	<-ctx.Done()
}

type capture struct {
	mu     sync.Mutex
	events []events.Type
	loads  []any
}

func (c *capture) OnMarketEvent(t events.Type, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, t)
	c.loads = append(c.loads, payload)
}

func (c *capture) count(t events.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == t {
			n++
		}
	}
	return n
}

func newTestBase(t *testing.T, perpetual bool) (*Base, *fakeDriver, *events.Bus) {
	t.Helper()
	drv := &fakeDriver{
		balances: map[currency.Code]account.Balance{
			currency.USDT: {Total: d("10000"), Available: d("10000")},
		},
	}
	pair := testPair(t)
	drv.rules = []TradingRule{{
		Pair:         pair,
		MinOrderSize: d("0.01"),
		PriceTick:    d("0.1"),
		SizeStep:     d("0.001"),
		MinNotional:  d("10"),
	}}
	bus := events.NewBus()
	b, err := NewBase(Config{
		Name:                "fakevenue",
		Pairs:               currency.Pairs{pair},
		BookSource:          fakeBookSource{},
		UserSource:          fakeUserSource{},
		FeeSchema:           fee.Schema{MakerPercent: d("0.001"), TakerPercent: d("0.002")},
		ClientOrderIDPrefix: "TMK-",
		ClientOrderIDMaxLen: 32,
		TradingRequired:     true,
		Perpetual:           perpetual,
	}, bus, drv)
	require.NoError(t, err)
	b.SetTradingRules(drv.rules)
	return b, drv, bus
}

func subscribe(t *testing.T, bus *events.Bus, c *capture, tags ...events.Type) {
	t.Helper()
	for _, tag := range tags {
		_, err := bus.AddListener(tag, c)
		require.NoError(t, err)
	}
}

func TestBuyPlacesAndAcks(t *testing.T) {
	t.Parallel()
	b, drv, bus := newTestBase(t, false)
	c := &capture{}
	subscribe(t, bus, c, events.BuyOrderCreated)

	gate := make(chan struct{})
	drv.placeGate = gate

	id, err := b.Buy(testPair(t), d("0.1"), order.Limit, d("20000"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// the placement call is gated, so the pre-flight state is observable
	o, err := b.Orders().Get(id)
	require.NoError(t, err)
	assert.Equal(t, order.PendingCreate, o.Status, "tracked before the network call resolves")
	close(gate)

	waitFor(t, func() bool { return c.count(events.BuyOrderCreated) == 1 }, "creation ack never emitted")
	assert.Equal(t, "E"+id, o.ExchangeOrderID, "ack records the exchange order id")
	drv.mu.Lock()
	assert.Equal(t, []string{id}, drv.placed)
	drv.mu.Unlock()
}

func TestOrderBelowMinimumRefusedPreFlight(t *testing.T) {
	t.Parallel()
	b, drv, _ := newTestBase(t, false)

	_, err := b.Buy(testPair(t), d("0.001"), order.Limit, d("20000"))
	assert.ErrorIs(t, err, ErrOrderBelowMinimum)

	// below min notional: 0.02 * 400 = 8 < 10
	_, err = b.Buy(testPair(t), d("0.02"), order.Limit, d("400"))
	assert.ErrorIs(t, err, ErrOrderBelowMinimum)

	time.Sleep(50 * time.Millisecond)
	drv.mu.Lock()
	assert.Empty(t, drv.placed, "no placement call may be issued")
	drv.mu.Unlock()
	assert.Empty(t, b.InFlightOrders())
}

func TestMarketOrderUnsupportedRefused(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBase(t, false)
	_, err := b.Buy(testPair(t), d("0.1"), order.Market, decimal.Zero)
	assert.ErrorIs(t, err, ErrMarketUnsupported)
}

func TestQuantization(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBase(t, false)
	pair := testPair(t)

	assert.True(t, b.QuantizeOrderPrice(pair, d("20000.17")).Equal(d("20000.1")),
		"price snaps down to the tick grid")
	assert.True(t, b.QuantizeOrderAmount(pair, d("0.10190"), d("20000")).Equal(d("0.101")),
		"amount snaps down to the size step")
	assert.True(t, b.QuantizeOrderAmount(pair, d("0.009"), d("20000")).IsZero(),
		"below min size quantizes to zero")
	assert.True(t, b.QuantizeOrderPrice(pair, d("0.05")).IsZero(),
		"price below one tick quantizes to zero")
}

func TestPlacementRejectionIsTerminal(t *testing.T) {
	t.Parallel()
	b, drv, bus := newTestBase(t, false)
	drv.placeErr = errors.New("insufficient balance")
	c := &capture{}
	subscribe(t, bus, c, events.OrderFailure, events.BuyOrderCreated)

	id, err := b.Buy(testPair(t), d("0.1"), order.Limit, d("20000"))
	require.NoError(t, err)

	waitFor(t, func() bool { return c.count(events.OrderFailure) == 1 }, "rejection never surfaced")
	assert.Zero(t, c.count(events.BuyOrderCreated))
	_, err = b.Orders().Get(id)
	assert.ErrorIs(t, err, order.ErrOrderNotFound, "rejected orders leave tracking")
}

func TestCancelUnknownOrderIgnored(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBase(t, false)
	got := b.Cancel(testPair(t), "nope")
	assert.Equal(t, "nope", got)
}

func TestCancelAllTimeout(t *testing.T) {
	t.Parallel()
	b, drv, _ := newTestBase(t, false)
	pair := testPair(t)

	ids := make([]string, 10)
	for i := range ids {
		id, err := b.Buy(pair, d("0.1"), order.Limit, d("20000"))
		require.NoError(t, err)
		ids[i] = id
	}
	// only the first three cancels confirm inside the window
	drv.mu.Lock()
	drv.fastCancels = map[string]bool{ids[0]: true, ids[1]: true, ids[2]: true}
	drv.mu.Unlock()

	results := b.CancelAll(300 * time.Millisecond)
	require.Len(t, results, 10)

	succeeded := make(map[string]bool)
	for _, r := range results {
		if r.Success {
			succeeded[r.ClientOrderID] = true
		}
	}
	assert.Len(t, succeeded, 3)
	for _, id := range ids[:3] {
		assert.True(t, succeeded[id], "fast cancel %s must report success", id)
	}
}

func TestGetFee(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBase(t, false)
	f := b.GetFee(testPair(t), order.Buy, order.Limit, d("0.1"), d("20000"), true)
	assert.True(t, f.Percent.Equal(d("0.001")))
	assert.True(t, f.AppliedToCost)
}

func TestStartNetworkReadiness(t *testing.T) {
	t.Parallel()
	b, drv, _ := newTestBase(t, false)
	assert.False(t, b.Ready())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.StartNetwork(ctx))
	defer b.StopNetwork()

	// the tick raises the status poll that loads balances
	b.Tick(time.Now())
	waitFor(t, b.Ready, "connector never became ready")
	assert.GreaterOrEqual(t, drv.balanceCalls.Load(), int64(1))
	assert.True(t, b.Balances().Total(currency.USDT).Equal(d("10000")))

	b.StopNetwork()
	assert.False(t, b.Ready(), "stop clears readiness")
	assert.False(t, b.Balances().IsLoaded(), "stop clears balances")
}

func TestStopStartRecovers(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBase(t, false)
	ctx := context.Background()
	require.NoError(t, b.StartNetwork(ctx))
	b.StopNetwork()
	require.NoError(t, b.StartNetwork(ctx))
	defer b.StopNetwork()
	b.Tick(time.Now())
	waitFor(t, b.Ready, "connector did not recover readiness after restart")
}

func TestFundingPaymentEmission(t *testing.T) {
	t.Parallel()
	b, drv, bus := newTestBase(t, true)
	pair := testPair(t)
	c := &capture{}
	subscribe(t, bus, c, events.FundingPaymentCompleted)

	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// zero amount settlement produces no event
	drv.mu.Lock()
	drv.payment = fundingrate.Payment{Pair: pair, Timestamp: t0, Rate: d("0.0001")}
	drv.mu.Unlock()
	require.NoError(t, b.pollFundingPayments(ctx))
	assert.Zero(t, c.count(events.FundingPaymentCompleted))

	// a new nonzero payment fires exactly once
	drv.mu.Lock()
	drv.payment = fundingrate.Payment{
		Pair: pair, Timestamp: t0.Add(8 * time.Hour), Rate: d("0.0002"), Amount: d("-0.5"),
	}
	drv.mu.Unlock()
	require.NoError(t, b.pollFundingPayments(ctx))
	require.NoError(t, b.pollFundingPayments(ctx), "repeat of the same settlement")
	require.Equal(t, 1, c.count(events.FundingPaymentCompleted))

	c.mu.Lock()
	payload := c.loads[0].(fundingrate.PaymentCompletedEvent)
	c.mu.Unlock()
	assert.True(t, payload.Amount.Equal(d("-0.5")))
	assert.True(t, payload.Rate.Equal(d("0.0002")))
	assert.Equal(t, pair, payload.Pair)
}

func TestFundingPaymentPollPartialFailure(t *testing.T) {
	t.Parallel()
	b, drv, _ := newTestBase(t, true)
	drv.mu.Lock()
	drv.paymentErr = errors.New("venue 502")
	drv.mu.Unlock()
	assert.Error(t, b.pollFundingPayments(context.Background()),
		"a failed pair must surface so the poll re-arms")
}

func TestPerpetualOpsOnSpotConnector(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBase(t, false)
	pair := testPair(t)
	assert.ErrorIs(t, b.SetLeverage(context.Background(), pair, 5), ErrNotPerpetual)
	_, err := b.GetFundingInfo(pair)
	assert.ErrorIs(t, err, ErrNotPerpetual)
	assert.Nil(t, b.Positions())
}

func TestSetLeverageAndPositionMode(t *testing.T) {
	t.Parallel()
	b, _, bus := newTestBase(t, true)
	pair := testPair(t)
	c := &capture{}
	subscribe(t, bus, c, events.PositionModeChangeSucceeded)

	require.NoError(t, b.SetLeverage(context.Background(), pair, 10))
	assert.Equal(t, 10, b.FundingBook().Leverage(pair))

	require.NoError(t, b.SetPositionMode(context.Background(), fundingrate.Hedge))
	assert.Equal(t, fundingrate.Hedge, b.FundingBook().PositionMode())
	waitFor(t, func() bool { return c.count(events.PositionModeChangeSucceeded) == 1 },
		"mode change event not emitted")
}
