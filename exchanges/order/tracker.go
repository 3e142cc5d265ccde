package order

import (
	"fmt"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/events"
	"github.com/tidemark-io/tidemark/log"
)

// Tracker owns a connector's in-flight order book. It merges order and trade
// updates from the websocket and polling paths, runs the state machine, and
// emits typed market events. The state machine absorbs redundant inputs, so
// both paths can feed the same facts safely.
type Tracker struct {
	venue string
	bus   *events.Bus

	// updateMu serializes update processing end to end, so the events for
	// one transition reach the bus before the next transition is applied.
	// mu alone is not enough: it is dropped before emission so listeners
	// can read tracker state.
	updateMu sync.Mutex

	mu     sync.Mutex
	orders map[string]*Order
	// byExchangeID resolves venue order ids arriving on streams that omit
	// the client id
	byExchangeID map[string]string
}

// NewTracker returns an empty tracker emitting on bus
func NewTracker(venue string, bus *events.Bus) *Tracker {
	return &Tracker{
		venue:        venue,
		bus:          bus,
		orders:       make(map[string]*Order),
		byExchangeID: make(map[string]string),
	}
}

// StartTracking enters o into the in-flight book. The order must be in
// PendingCreate; tracking starts before the placement call goes out.
func (t *Tracker) StartTracking(o *Order) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.orders[o.ClientOrderID]; ok {
		return fmt.Errorf("%w: %s", ErrOrderAlreadyKnown, o.ClientOrderID)
	}
	t.orders[o.ClientOrderID] = o
	return nil
}

// StopTracking drops an order from the in-flight book
func (t *Tracker) StopTracking(clientOrderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.orders[clientOrderID]; ok {
		if o.ExchangeOrderID != "" {
			delete(t.byExchangeID, o.ExchangeOrderID)
		}
		delete(t.orders, clientOrderID)
	}
}

// Get returns the tracked order for clientOrderID
func (t *Tracker) Get(clientOrderID string) (*Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
	}
	return o, nil
}

// GetByExchangeID resolves a venue order id to the tracked order
func (t *Tracker) GetByExchangeID(exchangeOrderID string) (*Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cid, ok := t.byExchangeID[exchangeOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: exchange id %s", ErrOrderNotFound, exchangeOrderID)
	}
	return t.orders[cid], nil
}

// All returns a snapshot of every tracked order
func (t *Tracker) All() []*Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Order, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, o)
	}
	return out
}

// Active returns the tracked orders not yet in a terminal state
func (t *Tracker) Active() []*Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Order, 0, len(t.orders))
	for _, o := range t.orders {
		if !o.IsDone() {
			out = append(out, o)
		}
	}
	return out
}

// ProcessOrderUpdate runs one status fact through the state machine.
// Transitions off the allowed graph are dropped, which makes redundant
// websocket and poll inputs harmless.
func (t *Tracker) ProcessOrderUpdate(u *Update) {
	t.updateMu.Lock()
	defer t.updateMu.Unlock()

	t.mu.Lock()
	o := t.resolve(u.ClientOrderID, u.ExchangeOrderID)
	if o == nil {
		t.mu.Unlock()
		log.Debugf(log.OrderMgr, "%s order update for untracked order %q/%q dropped",
			t.venue, u.ClientOrderID, u.ExchangeOrderID)
		return
	}

	if u.ExchangeOrderID != "" && o.ExchangeOrderID == "" {
		o.ExchangeOrderID = u.ExchangeOrderID
		t.byExchangeID[u.ExchangeOrderID] = o.ClientOrderID
	}

	if u.Status == o.Status || !canTransition(o.Status, u.Status) {
		t.mu.Unlock()
		return
	}
	prev := o.Status
	o.Status = u.Status
	snapshot := *o
	t.mu.Unlock()

	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	switch u.Status {
	case Open:
		t.emitCreated(&snapshot, ts)
	case Filled:
		// A FILLED status without the matching trade facts still completes
		// the order; the final fill delta, if any, arrived via trade updates
		t.emitCompleted(&snapshot, ts)
	case Cancelled:
		t.bus.Trigger(events.OrderCancelled, CancelledEvent{
			Timestamp:       ts,
			Pair:            snapshot.Pair,
			ClientOrderID:   snapshot.ClientOrderID,
			ExchangeOrderID: snapshot.ExchangeOrderID,
		})
	case Failed:
		t.bus.Trigger(events.OrderFailure, FailureEvent{
			Timestamp:     ts,
			Pair:          snapshot.Pair,
			ClientOrderID: snapshot.ClientOrderID,
			Type:          snapshot.Type,
		})
	case PartiallyFilled:
		if prev == PendingCreate {
			// Fill arrived before the creation ack; surface creation first
			t.emitCreated(&snapshot, ts)
		}
	}
}

// ProcessTradeUpdate applies one fill. TradeID dedupe makes delivery exactly
// once across the status poll and private stream paths; the emitted
// OrderFilled always carries the delta for this trade.
func (t *Tracker) ProcessTradeUpdate(u *TradeUpdate) {
	t.updateMu.Lock()
	defer t.updateMu.Unlock()

	t.mu.Lock()
	o := t.resolve(u.ClientOrderID, u.ExchangeOrderID)
	if o == nil {
		t.mu.Unlock()
		log.Debugf(log.OrderMgr, "%s trade update for untracked order %q/%q dropped",
			t.venue, u.ClientOrderID, u.ExchangeOrderID)
		return
	}
	if o.IsDone() || o.hasSeenTrade(u.TradeID) {
		t.mu.Unlock()
		return
	}

	if u.ExchangeOrderID != "" && o.ExchangeOrderID == "" {
		o.ExchangeOrderID = u.ExchangeOrderID
		t.byExchangeID[u.ExchangeOrderID] = o.ClientOrderID
	}

	firstFill := o.Status == PendingCreate
	o.applyFill(u)
	completed := o.isCompletelyFilled()
	switch {
	case completed:
		o.Status = Filled
	case o.Status != PartiallyFilled:
		o.Status = PartiallyFilled
	}
	snapshot := *o
	t.mu.Unlock()

	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if firstFill {
		t.emitCreated(&snapshot, ts)
	}
	t.bus.Trigger(events.OrderFilled, FilledEvent{
		Timestamp:     ts,
		Pair:          snapshot.Pair,
		ClientOrderID: snapshot.ClientOrderID,
		TradeID:       u.TradeID,
		Side:          snapshot.Side,
		Type:          snapshot.Type,
		Price:         u.Price,
		Amount:        u.FillBase,
		Fee:           u.Fee,
		FeeAsset:      u.FeeAsset,
	})
	if completed {
		t.emitCompleted(&snapshot, ts)
	}
}

// resolve finds an order by client id first, falling back to the exchange id
// map. Callers hold the tracker lock.
func (t *Tracker) resolve(clientOrderID, exchangeOrderID string) *Order {
	if clientOrderID != "" {
		if o, ok := t.orders[clientOrderID]; ok {
			return o
		}
	}
	if exchangeOrderID != "" {
		if cid, ok := t.byExchangeID[exchangeOrderID]; ok {
			return t.orders[cid]
		}
	}
	return nil
}

func (t *Tracker) emitCreated(o *Order, ts time.Time) {
	tag := events.BuyOrderCreated
	if o.Side == Sell {
		tag = events.SellOrderCreated
	}
	t.bus.Trigger(tag, CreatedEvent{
		Timestamp:       ts,
		Pair:            o.Pair,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Side:            o.Side,
		Type:            o.Type,
		Price:           o.Price,
		Amount:          o.Amount,
	})
}

func (t *Tracker) emitCompleted(o *Order, ts time.Time) {
	tag := events.BuyOrderCompleted
	if o.Side == Sell {
		tag = events.SellOrderCompleted
	}
	t.bus.Trigger(tag, CompletedEvent{
		Timestamp:       ts,
		Pair:            o.Pair,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Side:            o.Side,
		Type:            o.Type,
		BaseAmount:      o.ExecutedBase,
		QuoteAmount:     o.ExecutedQuote,
	})
}
