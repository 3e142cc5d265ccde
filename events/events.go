// Package events provides the typed market event bus consumed by strategies
// and recorders. The bus never pins listeners: subscription hands back a
// handle, and a released handle is pruned during delivery.
package events

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/tidemark-io/tidemark/log"
)

// Type tags a market event; the payload shape is fixed per tag
type Type uint16

// Market event tags
const (
	UnknownEvent Type = iota
	BuyOrderCreated
	SellOrderCreated
	OrderFilled
	OrderCancelled
	BuyOrderCompleted
	SellOrderCompleted
	OrderFailure
	FundingPaymentCompleted
	PositionModeChangeSucceeded
	PositionModeChangeFailed
	ReceivedAsset
	OrderExpired
)

var eventNames = map[Type]string{
	BuyOrderCreated:             "BuyOrderCreated",
	SellOrderCreated:            "SellOrderCreated",
	OrderFilled:                 "OrderFilled",
	OrderCancelled:              "OrderCancelled",
	BuyOrderCompleted:           "BuyOrderCompleted",
	SellOrderCompleted:          "SellOrderCompleted",
	OrderFailure:                "OrderFailure",
	FundingPaymentCompleted:     "FundingPaymentCompleted",
	PositionModeChangeSucceeded: "PositionModeChangeSucceeded",
	PositionModeChangeFailed:    "PositionModeChangeFailed",
	ReceivedAsset:               "ReceivedAsset",
	OrderExpired:                "OrderExpired",
}

// String implements the stringer interface
func (t Type) String() string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UnknownEvent(%d)", t)
}

var errListenerNil = errors.New("listener is nil")

// Listener receives events for subscribed tags. Listeners run synchronously
// during Trigger in registration order.
type Listener interface {
	OnMarketEvent(t Type, payload any)
}

// ListenerFunc adapts a function to the Listener interface
type ListenerFunc func(t Type, payload any)

// OnMarketEvent implements Listener
func (f ListenerFunc) OnMarketEvent(t Type, payload any) { f(t, payload) }

// Handle identifies one subscription. The owner must keep it alive and call
// Release when done; the bus treats a released handle as lapsed.
type Handle struct {
	listener Listener
	// released is atomic so Release may race with delivery on the bus
	released atomic.Bool
}

// Release lapses the subscription; safe to call more than once and safe to
// call while the bus is delivering
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.released.Store(true)
}

// Bus is a typed pub/sub hub keyed by event tag
type Bus struct {
	mu        sync.Mutex
	listeners map[Type][]*Handle
}

// NewBus returns an empty event bus
func NewBus() *Bus {
	return &Bus{listeners: make(map[Type][]*Handle)}
}

// AddListener subscribes l to tag t. Idempotent: re-adding the same listener
// for the same tag returns the existing handle.
func (b *Bus) AddListener(t Type, l Listener) (*Handle, error) {
	if l == nil {
		return nil, errListenerNil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.listeners[t] {
		if !h.released.Load() && sameListener(h.listener, l) {
			return h, nil
		}
	}
	h := &Handle{listener: l}
	b.listeners[t] = append(b.listeners[t], h)
	return h, nil
}

// RemoveListener lapses the subscription of l for tag t, tolerating
// listeners that were never added or already lapsed
func (b *Bus) RemoveListener(t Type, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.listeners[t] {
		if sameListener(h.listener, l) {
			h.released.Store(true)
		}
	}
}

// Trigger delivers payload to live listeners of t in registration order. A
// listener failure is logged but must not halt delivery; lapsed handles are
// pruned during iteration.
func (b *Bus) Trigger(t Type, payload any) {
	b.mu.Lock()
	handles := b.listeners[t]
	live := handles[:0]
	for _, h := range handles {
		if !h.released.Load() {
			live = append(live, h)
		}
	}
	b.listeners[t] = live
	targets := make([]Listener, len(live))
	for i := range live {
		targets[i] = live[i].listener
	}
	b.mu.Unlock()

	for i := range targets {
		deliver(targets[i], t, payload)
	}
}

// sameListener compares listener identity without tripping over
// uncomparable dynamic types such as ListenerFunc
func sameListener(a, b Listener) bool {
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if av.Type() != bv.Type() {
		return false
	}
	if av.Kind() == reflect.Func {
		return av.Pointer() == bv.Pointer()
	}
	if !av.Type().Comparable() {
		return false
	}
	return a == b
}

func deliver(l Listener, t Type, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf(log.EventMgr, "listener failed handling %s: %v", t, r)
		}
	}()
	l.OnMarketEvent(t, payload)
}

// Listeners returns the currently live listeners for t, having pruned lapsed
// handles
func (b *Bus) Listeners(t Type) []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	handles := b.listeners[t]
	live := handles[:0]
	var out []Listener
	for _, h := range handles {
		if !h.released.Load() {
			live = append(live, h)
			out = append(out, h.listener)
		}
	}
	b.listeners[t] = live
	return out
}
