// Package clock drives registered connectors and strategies with periodic
// ticks, either from wall time or from logical backtest time.
package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/log"
)

// Mode defines how the clock advances time
type Mode uint8

// Clock operating modes
const (
	Realtime Mode = iota
	Backtest
)

// DefaultTickSize is the standard tick interval
const DefaultTickSize = time.Second

var (
	errInvalidTickSize   = errors.New("tick size must be positive")
	errRealtimeOnly      = errors.New("operation only valid in realtime mode")
	errBacktestOnly      = errors.New("operation only valid in backtest mode")
	errIteratorNil       = errors.New("iterator is nil")
	errAlreadyRegistered = errors.New("iterator already registered")
)

// TimeIterator is the contract connectors and strategies satisfy to receive
// ticks. Registration order is tick order.
type TimeIterator interface {
	Tick(t time.Time)
	Ready() bool
}

// Clock emits one tick per iterator per tick boundary
type Clock struct {
	mode     Mode
	tickSize time.Duration

	mu        sync.Mutex
	iterators []TimeIterator
	current   time.Time

	// Errs surfaces iterator failures without halting the tick loop
	Errs chan error
}

// New returns a clock for the given mode; a non-positive tickSize gets
// DefaultTickSize
func New(mode Mode, tickSize time.Duration) *Clock {
	if tickSize <= 0 {
		tickSize = DefaultTickSize
	}
	return &Clock{
		mode:     mode,
		tickSize: tickSize,
		Errs:     make(chan error, 32),
	}
}

// AddIterator registers it; order of registration is preserved and is the
// tick order
func (c *Clock) AddIterator(it TimeIterator) error {
	if it == nil {
		return errIteratorNil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.iterators {
		if c.iterators[i] == it {
			return errAlreadyRegistered
		}
	}
	c.iterators = append(c.iterators, it)
	return nil
}

// RemoveIterator deregisters it, tolerating unknown iterators
func (c *Clock) RemoveIterator(it TimeIterator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.iterators {
		if c.iterators[i] == it {
			c.iterators = append(c.iterators[:i], c.iterators[i+1:]...)
			return
		}
	}
}

// CurrentTime returns the time of the last tick boundary
func (c *Clock) CurrentTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Run drives realtime ticks at each tickSize boundary until ctx is done
func (c *Clock) Run(ctx context.Context) error {
	if c.mode != Realtime {
		return errRealtimeOnly
	}
	for {
		now := time.Now()
		next := now.Truncate(c.tickSize).Add(c.tickSize)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case boundary := <-timer.C:
			_ = boundary
			c.tickAll(next)
		}
	}
}

// RunTil advances logical time up to target, ticking every boundary in
// between. Idempotent for already-reached targets; time never moves
// backwards.
func (c *Clock) RunTil(target time.Time) error {
	if c.mode != Backtest {
		return errBacktestOnly
	}
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if current.IsZero() {
		current = target.Truncate(c.tickSize)
	}
	for !current.Add(c.tickSize).After(target) {
		current = current.Add(c.tickSize)
		c.tickAll(current)
	}
	return nil
}

// tickAll invokes every iterator once for boundary t. A failure in one
// iterator must not prevent subsequent iterators from ticking.
func (c *Clock) tickAll(t time.Time) {
	c.mu.Lock()
	if t.Before(c.current) {
		c.mu.Unlock()
		return
	}
	c.current = t
	iterators := make([]TimeIterator, len(c.iterators))
	copy(iterators, c.iterators)
	c.mu.Unlock()

	for i := range iterators {
		c.safeTick(iterators[i], t)
	}
}

func (c *Clock) safeTick(it TimeIterator, t time.Time) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("clock iterator panic at %s: %v", t, r)
			log.Errorf(log.ClockMgr, "%v", err)
			select {
			case c.Errs <- err:
			default:
			}
		}
	}()
	it.Tick(t)
}
