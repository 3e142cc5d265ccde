// Package exchanges provides the venue-neutral connector skeleton: the
// in-flight order book, status polling, readiness and order entry shared by
// every venue implementation.
package exchanges

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/currency"
	"github.com/tidemark-io/tidemark/events"
	"github.com/tidemark-io/tidemark/exchanges/account"
	"github.com/tidemark-io/tidemark/exchanges/fee"
	"github.com/tidemark-io/tidemark/exchanges/fundingrate"
	"github.com/tidemark-io/tidemark/exchanges/order"
	"github.com/tidemark-io/tidemark/exchanges/orderbook"
	"github.com/tidemark-io/tidemark/exchanges/userstream"
	"github.com/tidemark-io/tidemark/log"
)

var _ PerpetualConnector = (*Base)(nil)

// Base is the shared connector core. Venue packages embed it behind their
// Driver; strategies use it through the Connector interface.
type Base struct {
	cfg    Config
	driver Driver
	perp   PerpetualDriver

	bus      *events.Bus
	orders   *order.Tracker
	balances *account.Service
	books    *orderbook.Tracker
	stream   *userstream.Tracker
	funding  *fundingrate.Book

	mu          sync.Mutex
	rules       map[string]TradingRule
	rulesLoaded bool
	status      NetworkStatus
	netCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lastPoll    time.Time
	pollNow     chan struct{}
	fundingDue  chan struct{}
}

// NewBase assembles the connector core around a venue driver. For perpetual
// configs the driver must satisfy PerpetualDriver.
func NewBase(cfg Config, bus *events.Bus, driver Driver) (*Base, error) {
	if driver == nil {
		return nil, errors.New("driver is nil")
	}
	if bus == nil {
		return nil, errors.New("event bus is nil")
	}
	if len(cfg.Pairs) == 0 {
		return nil, errors.New("no trading pairs configured")
	}
	if cfg.FundingFeePollInterval <= 0 {
		cfg.FundingFeePollInterval = DefaultFundingFeePollInterval
	}
	b := &Base{
		cfg:        cfg,
		driver:     driver,
		bus:        bus,
		orders:     order.NewTracker(cfg.Name, bus),
		balances:   account.NewService(),
		books:      orderbook.NewTracker(cfg.Name, cfg.BookSource, cfg.Pairs),
		stream:     userstream.NewTracker(cfg.UserSource),
		funding:    fundingrate.NewBook(),
		rules:      make(map[string]TradingRule),
		pollNow:    make(chan struct{}, 1),
		fundingDue: make(chan struct{}, 1),
	}
	if cfg.Perpetual {
		pd, ok := driver.(PerpetualDriver)
		if !ok {
			return nil, fmt.Errorf("connector %s configured perpetual but driver lacks perpetual calls", cfg.Name)
		}
		b.perp = pd
		b.books.FundingHandler = b.onFundingMessage
	}
	return b, nil
}

// Name returns the venue name
func (b *Base) Name() string { return b.cfg.Name }

// Bus returns the event bus the connector emits on
func (b *Base) Bus() *events.Bus { return b.bus }

// Orders returns the in-flight order tracker; venue drivers feed stream
// facts through it
func (b *Base) Orders() *order.Tracker { return b.orders }

// Balances returns the connector's balance book
func (b *Base) Balances() *account.Service { return b.balances }

// FundingBook returns the perpetual state book
func (b *Base) FundingBook() *fundingrate.Book { return b.funding }

// OrderBook returns the live book for pair, read-only for callers
func (b *Base) OrderBook(pair currency.Pair) (*orderbook.OrderBook, error) {
	return b.books.Book(pair)
}

// Pairs returns the configured trading pairs
func (b *Base) Pairs() currency.Pairs { return b.cfg.Pairs }

// NetworkStatus returns the last venue connectivity assessment
func (b *Base) NetworkStatus() NetworkStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// SetNetworkStatus records venue connectivity; stream adapters flip this on
// hard auth failures
func (b *Base) SetNetworkStatus(s NetworkStatus) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

// StartNetwork launches the connector's long-running tasks: order book
// tracking, the private stream, its listener, status polling and trading
// rule refresh, plus the funding loops for perpetuals. Idempotent; a running
// network is stopped first.
func (b *Base) StartNetwork(ctx context.Context) error {
	b.StopNetwork()

	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.netCtx = ctx
	b.cancel = cancel
	b.status = Connected
	b.mu.Unlock()

	if err := b.books.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("%s order book tracker: %w", b.cfg.Name, err)
	}
	if b.cfg.TradingRequired {
		if err := b.stream.Start(ctx); err != nil {
			b.books.Stop()
			cancel()
			return fmt.Errorf("%s user stream: %w", b.cfg.Name, err)
		}
		b.spawn(func() { b.userStreamListenLoop(ctx) })
	}
	b.spawn(func() { b.statusPollLoop(ctx) })
	b.spawn(func() { b.tradingRulesLoop(ctx) })
	if b.cfg.TimeSync != nil {
		b.spawn(func() { b.cfg.TimeSync.Run(ctx, time.Minute) })
	}
	if b.perp != nil {
		b.spawn(func() { b.fundingInfoLoop(ctx) })
		b.spawn(func() { b.fundingFeeLoop(ctx) })
	}
	return nil
}

// StopNetwork cancels every task, closes the streams and clears balances,
// orders and positions. Safe to call when not started.
func (b *Base) StopNetwork() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.netCtx = nil
	b.status = NotConnected
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	b.books.Stop()
	b.stream.Stop()
	b.wg.Wait()

	b.balances.Clear()
	b.funding.Clear()
	for _, o := range b.orders.All() {
		b.orders.StopTracking(o.ClientOrderID)
	}
	b.mu.Lock()
	b.rulesLoaded = false
	b.lastPoll = time.Time{}
	b.mu.Unlock()
}

// Ready reports whether the connector can serve strategies: books and
// trading rules loaded, balances and at least one private event when trading
// is required, funding info for perpetuals
func (b *Base) Ready() bool {
	b.mu.Lock()
	rulesLoaded := b.rulesLoaded
	b.mu.Unlock()
	if !rulesLoaded || !b.books.Ready() {
		return false
	}
	if b.cfg.TradingRequired {
		if !b.balances.IsLoaded() || b.stream.LastRecvTime().IsZero() {
			return false
		}
	}
	if b.perp != nil && !b.funding.FundingInfoLoaded(b.cfg.Pairs) {
		return false
	}
	return true
}

// Tick schedules a status poll when one is due. The cadence tightens to the
// short interval whenever the private stream has been quiet past the
// threshold.
func (b *Base) Tick(t time.Time) {
	b.mu.Lock()
	running := b.cancel != nil
	last := b.lastPoll
	b.mu.Unlock()
	if !running {
		return
	}

	interval := LongPollInterval
	lastRecv := b.stream.LastRecvTime()
	if lastRecv.IsZero() || t.Sub(lastRecv) > ShortPollThreshold {
		interval = ShortPollInterval
	}
	if last.IsZero() || t.Sub(last) >= interval {
		select {
		case b.pollNow <- struct{}{}:
		default:
		}
	}
}

// spawn tracks a task goroutine for StopNetwork joins
func (b *Base) spawn(f func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f()
	}()
}

// userStreamListenLoop drains the private event queue into the driver's
// translator
func (b *Base) userStreamListenLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.stream.Queue():
			b.driver.HandleUserEvent(msg)
		}
	}
}

// statusPollLoop services poll requests raised by Tick. A failed iteration
// is retried after a short sleep; nothing escapes the loop.
func (b *Base) statusPollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.pollNow:
		}
		for {
			if err := b.pollOnce(ctx); err == nil {
				break
			} else if ctx.Err() != nil {
				return
			} else {
				log.Errorf(log.ExchangeSys, "%s status poll failed: %v", b.cfg.Name, err)
			}
			select {
			case <-time.After(pollRetryBackoff):
			case <-ctx.Done():
				return
			}
		}
		b.mu.Lock()
		b.lastPoll = time.Now()
		b.mu.Unlock()
	}
}

// pollOnce runs the balance, order status, trade history and position
// refreshes concurrently and joins their failures
func (b *Base) pollOnce(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	run := func(f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(ctx); err != nil {
				errs <- err
			}
		}()
	}
	run(b.updateBalances)
	run(b.updateOrderStatus)
	run(b.updateTradeHistory)
	if b.perp != nil {
		run(b.updatePositions)
	}
	wg.Wait()
	close(errs)

	var joined error
	for err := range errs {
		joined = errors.Join(joined, err)
	}
	return joined
}

func (b *Base) updateBalances(ctx context.Context) error {
	balances, err := b.driver.FetchBalances(ctx)
	if err != nil {
		return fmt.Errorf("balances: %w", err)
	}
	b.balances.ReplaceAll(balances)
	return nil
}

func (b *Base) updateOrderStatus(ctx context.Context) error {
	var joined error
	for _, o := range b.orders.Active() {
		u, err := b.driver.FetchOrderUpdate(ctx, o)
		if err != nil {
			joined = errors.Join(joined, fmt.Errorf("order status %s: %w", o.ClientOrderID, err))
			continue
		}
		b.orders.ProcessOrderUpdate(u)
	}
	return joined
}

func (b *Base) updateTradeHistory(ctx context.Context) error {
	var joined error
	for _, o := range b.orders.Active() {
		trades, err := b.driver.FetchTradeUpdates(ctx, o)
		if err != nil {
			joined = errors.Join(joined, fmt.Errorf("trade history %s: %w", o.ClientOrderID, err))
			continue
		}
		for i := range trades {
			b.orders.ProcessTradeUpdate(&trades[i])
		}
	}
	return joined
}

func (b *Base) updatePositions(ctx context.Context) error {
	positions, err := b.perp.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	b.funding.ReplacePositions(positions)
	return nil
}

// tradingRulesLoop loads rules at startup and refreshes them periodically
func (b *Base) tradingRulesLoop(ctx context.Context) {
	for {
		if err := b.refreshTradingRules(ctx); err != nil && ctx.Err() == nil {
			log.Errorf(log.ExchangeSys, "%s trading rules refresh failed: %v", b.cfg.Name, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(TradingRulesPollInterval):
		}
	}
}

func (b *Base) refreshTradingRules(ctx context.Context) error {
	rules, err := b.driver.FetchTradingRules(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]TradingRule, len(rules))
	for _, r := range rules {
		next[r.Pair.String()] = r
	}
	b.mu.Lock()
	b.rules = next
	b.rulesLoaded = true
	b.mu.Unlock()
	return nil
}

// SetTradingRules installs rules directly, used by tests and replayed
// sessions
func (b *Base) SetTradingRules(rules []TradingRule) {
	next := make(map[string]TradingRule, len(rules))
	for _, r := range rules {
		next[r.Pair.String()] = r
	}
	b.mu.Lock()
	b.rules = next
	b.rulesLoaded = true
	b.mu.Unlock()
}

// TradingRules returns a copy of the current rule set keyed by pair
func (b *Base) TradingRules() map[string]TradingRule {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]TradingRule, len(b.rules))
	for k, v := range b.rules {
		out[k] = v
	}
	return out
}

func (b *Base) rule(pair currency.Pair) (TradingRule, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rules[pair.String()]
	return r, ok
}

// InFlightOrders returns a snapshot of every tracked order
func (b *Base) InFlightOrders() []*order.Order {
	return b.orders.All()
}

// GetFee computes the fee for a prospective order from the venue schema and
// runtime overrides
func (b *Base) GetFee(pair currency.Pair, side order.Side, ot order.Type, _, _ decimal.Decimal, isMaker bool) fee.TradeFee {
	_ = pair
	return fee.Calculate(b.cfg.FeeSchema, b.cfg.FeeOverrides, side, ot, isMaker)
}

// QuantizeOrderPrice snaps price down onto the pair's tick grid
func (b *Base) QuantizeOrderPrice(pair currency.Pair, price decimal.Decimal) decimal.Decimal {
	r, ok := b.rule(pair)
	if !ok || r.PriceTick.IsZero() {
		return price
	}
	return price.Div(r.PriceTick).Floor().Mul(r.PriceTick)
}

// QuantizeOrderAmount snaps amount down onto the pair's size step and
// returns zero when the result violates the minimum size or notional
func (b *Base) QuantizeOrderAmount(pair currency.Pair, amount, price decimal.Decimal) decimal.Decimal {
	r, ok := b.rule(pair)
	if !ok {
		return amount
	}
	if !r.SizeStep.IsZero() {
		amount = amount.Div(r.SizeStep).Floor().Mul(r.SizeStep)
	}
	if amount.LessThan(r.MinOrderSize) {
		return decimal.Zero
	}
	if !r.MaxOrderSize.IsZero() && amount.GreaterThan(r.MaxOrderSize) {
		return decimal.Zero
	}
	if !price.IsZero() && !r.MinNotional.IsZero() && amount.Mul(price).LessThan(r.MinNotional) {
		return decimal.Zero
	}
	return amount
}

// Buy mints a client order id, enters the order into tracking and places it
// asynchronously. The id returns immediately; outcomes arrive as events.
func (b *Base) Buy(pair currency.Pair, amount decimal.Decimal, ot order.Type, price decimal.Decimal, opts ...OrderOption) (string, error) {
	return b.submitOrder(pair, order.Buy, amount, ot, price, opts...)
}

// Sell is the sell-side counterpart of Buy
func (b *Base) Sell(pair currency.Pair, amount decimal.Decimal, ot order.Type, price decimal.Decimal, opts ...OrderOption) (string, error) {
	return b.submitOrder(pair, order.Sell, amount, ot, price, opts...)
}

func (b *Base) submitOrder(pair currency.Pair, side order.Side, amount decimal.Decimal, ot order.Type, price decimal.Decimal, opts ...OrderOption) (string, error) {
	if r, ok := b.rule(pair); ok && ot == order.Market && !r.SupportsMarketOrders {
		return "", fmt.Errorf("%w: %s %s", ErrMarketUnsupported, b.cfg.Name, pair)
	}
	if ot != order.Market {
		price = b.QuantizeOrderPrice(pair, price)
		if price.IsZero() {
			return "", fmt.Errorf("%w: %s %s", ErrPriceQuantizedZero, b.cfg.Name, pair)
		}
	}
	amount = b.QuantizeOrderAmount(pair, amount, price)
	if amount.IsZero() {
		return "", fmt.Errorf("%w: %s %s", ErrOrderBelowMinimum, b.cfg.Name, pair)
	}

	clientOrderID := order.NewClientOrderID(b.cfg.ClientOrderIDPrefix, b.cfg.ClientOrderIDMaxLen)
	o := order.NewOrder(clientOrderID, pair, side, ot, price, amount)
	for _, opt := range opts {
		opt(o)
	}
	if err := b.orders.StartTracking(o); err != nil {
		return "", err
	}

	ctx := b.networkContext()
	go b.placeOrder(ctx, o)
	return clientOrderID, nil
}

// placeOrder runs the venue placement call. Success feeds the creation ack
// through the state machine; rejection is terminal for the order.
func (b *Base) placeOrder(ctx context.Context, o *order.Order) {
	exchangeOrderID, err := b.driver.PlaceOrder(ctx, o)
	if err != nil {
		log.Errorf(log.ExchangeSys, "%s order %s placement failed: %v", b.cfg.Name, o.ClientOrderID, err)
		b.orders.ProcessOrderUpdate(&order.Update{
			ClientOrderID: o.ClientOrderID,
			Status:        order.Failed,
			Timestamp:     time.Now(),
		})
		b.orders.StopTracking(o.ClientOrderID)
		return
	}
	b.orders.ProcessOrderUpdate(&order.Update{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: exchangeOrderID,
		Status:          order.Open,
		Timestamp:       time.Now(),
	})
}

// Cancel requests cancellation of one order, fire and forget. The CANCELLED
// transition arrives through the confirmation path, never from here.
func (b *Base) Cancel(pair currency.Pair, clientOrderID string) string {
	_ = pair
	o, err := b.orders.Get(clientOrderID)
	if err != nil || o.IsDone() {
		log.Debugf(log.ExchangeSys, "%s cancel of unknown or finished order %s ignored", b.cfg.Name, clientOrderID)
		return clientOrderID
	}
	ctx := b.networkContext()
	go func() {
		if err := b.driver.CancelOrder(ctx, o); err != nil {
			log.Errorf(log.ExchangeSys, "%s cancel %s failed: %v", b.cfg.Name, clientOrderID, err)
		}
	}()
	return clientOrderID
}

// CancelAll cancels every non-terminal order in parallel, shielded from the
// caller's cancellation, waiting up to timeout. One result per order; only
// cancels confirmed inside the window report success.
func (b *Base) CancelAll(timeout time.Duration) []CancellationResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	active := b.orders.Active()
	results := make([]CancellationResult, len(active))
	var wg sync.WaitGroup
	for i, o := range active {
		wg.Add(1)
		go func(i int, o *order.Order) {
			defer wg.Done()
			err := b.driver.CancelOrder(ctx, o)
			results[i] = CancellationResult{ClientOrderID: o.ClientOrderID, Success: err == nil}
			if err != nil {
				log.Warnf(log.ExchangeSys, "%s cancel-all: order %s not confirmed: %v", b.cfg.Name, o.ClientOrderID, err)
			}
		}(i, o)
	}
	wg.Wait()
	return results
}

// networkContext returns the running network context, or Background when the
// network is down so in-flight intents can still settle
func (b *Base) networkContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.netCtx != nil {
		return b.netCtx
	}
	return context.Background()
}
