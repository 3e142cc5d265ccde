// Package userstream consumes a venue's authenticated private stream and
// hands raw events to the connector, stamping receive freshness used to
// choose the connector's polling cadence.
package userstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errAlreadyStarted = errors.New("user stream tracker already started")

// DataSource authenticates and subscribes the venue's private channels,
// pushing raw events to out until ctx is done. Implementations own their
// reconnect backoff and re-authentication.
type DataSource interface {
	ListenForUserStream(ctx context.Context, out chan<- []byte)
}

// Tracker consumes a DataSource and exposes its events on a queue. Every
// received event stamps LastRecvTime.
type Tracker struct {
	source DataSource

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	out      chan []byte
	lastRecv atomic.Int64
}

// NewTracker returns a tracker over source
func NewTracker(source DataSource) *Tracker {
	return &Tracker{
		source: source,
		out:    make(chan []byte, 256),
	}
}

// Start launches the data source listener
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return errAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	raw := make(chan []byte, 256)
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.source.ListenForUserStream(ctx, raw)
	}()
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-raw:
				t.lastRecv.Store(time.Now().UnixNano())
				select {
				case t.out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

// Stop cancels the listener and waits for it to drain
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

// Queue returns the raw private event queue
func (t *Tracker) Queue() <-chan []byte {
	return t.out
}

// LastRecvTime returns when the last private event arrived, zero before the
// first event
func (t *Tracker) LastRecvTime() time.Time {
	n := t.lastRecv.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
