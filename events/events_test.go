package events

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingListener struct {
	got []Type
}

func (c *countingListener) OnMarketEvent(t Type, _ any) {
	c.got = append(c.got, t)
}

type panickingListener struct{}

func (panickingListener) OnMarketEvent(Type, any) { panic("listener blew up") }

func TestAddListenerIdempotent(t *testing.T) {
	t.Parallel()
	b := NewBus()
	l := &countingListener{}

	h1, err := b.AddListener(OrderFilled, l)
	require.NoError(t, err)
	h2, err := b.AddListener(OrderFilled, l)
	require.NoError(t, err)
	assert.Same(t, h1, h2, "re-adding the same listener returns the existing handle")

	b.Trigger(OrderFilled, nil)
	assert.Len(t, l.got, 1)

	_, err = b.AddListener(OrderFilled, nil)
	assert.Error(t, err)
}

func TestTriggerOrderAndIsolation(t *testing.T) {
	t.Parallel()
	b := NewBus()

	var order []string
	_, err := b.AddListener(OrderCancelled, ListenerFunc(func(Type, any) {
		order = append(order, "first")
	}))
	require.NoError(t, err)
	_, err = b.AddListener(OrderCancelled, panickingListener{})
	require.NoError(t, err)
	_, err = b.AddListener(OrderCancelled, ListenerFunc(func(Type, any) {
		order = append(order, "last")
	}))
	require.NoError(t, err)

	b.Trigger(OrderCancelled, nil)
	assert.Equal(t, []string{"first", "last"}, order,
		"a listener failure must not halt delivery to later listeners")
}

func TestReleasedHandlePruned(t *testing.T) {
	t.Parallel()
	b := NewBus()
	l := &countingListener{}
	h, err := b.AddListener(OrderFilled, l)
	require.NoError(t, err)

	b.Trigger(OrderFilled, nil)
	h.Release()
	h.Release() // tolerated
	b.Trigger(OrderFilled, nil)

	assert.Len(t, l.got, 1, "released listener must not receive events")
	assert.Empty(t, b.Listeners(OrderFilled))
}

// Release may be called from a strategy goroutine while the connector is
// mid-delivery; the bus must stay race-free and stop delivering once the
// release is observed.
func TestReleaseDuringTrigger(t *testing.T) {
	t.Parallel()
	b := NewBus()
	var count atomic.Int64
	h, err := b.AddListener(OrderFilled, ListenerFunc(func(Type, any) {
		count.Add(1)
	}))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Trigger(OrderFilled, nil)
		}
	}()
	h.Release()
	<-done

	b.Trigger(OrderFilled, nil) // prunes the lapsed handle
	settled := count.Load()
	b.Trigger(OrderFilled, nil)
	assert.Equal(t, settled, count.Load(), "released handle must not receive further events")
	assert.Empty(t, b.Listeners(OrderFilled))
}

func TestRemoveListenerTolerant(t *testing.T) {
	t.Parallel()
	b := NewBus()
	l := &countingListener{}

	b.RemoveListener(OrderFailure, l) // never added
	_, err := b.AddListener(OrderFailure, l)
	require.NoError(t, err)
	b.RemoveListener(OrderFailure, l)
	b.RemoveListener(OrderFailure, l) // already lapsed

	b.Trigger(OrderFailure, nil)
	assert.Empty(t, l.got)
}

func TestTypeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "FundingPaymentCompleted", FundingPaymentCompleted.String())
	assert.Contains(t, Type(999).String(), "UnknownEvent")
}
