package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/log"
)

var (
	errUnknownLimitID  = errors.New("unknown rate limit id")
	errDuplicateLimit  = errors.New("duplicate rate limit id")
	errInvalidCapacity = errors.New("rate limit capacity must be positive")
	errInvalidInterval = errors.New("rate limit interval must be positive")
	errUnknownPoolID   = errors.New("linked pool id is not a registered limit")
	errWeightOverflow  = errors.New("rate limit weight exceeds window capacity")
)

// LinkedLimit links a rate limit to a shared pool; an acquisition on the
// limit also consumes weight from the pool's capacity
type LinkedLimit struct {
	ID     string
	Weight int
}

// RateLimit describes one throttler key. A limit with no callers of its own
// acts purely as a pool for linked limits.
type RateLimit struct {
	ID           string
	Capacity     int
	Interval     time.Duration
	Weight       int
	LinkedLimits []LinkedLimit
}

type taskEntry struct {
	at     time.Time
	weight int
}

// Throttler gates outbound traffic with per-key sliding-window counters and
// linked pool limits. It never fails; it only delays, except when the
// caller's context is cancelled while waiting.
type Throttler struct {
	mu      sync.Mutex
	limits  map[string]*RateLimit
	entries map[string][]taskEntry

	// retryInterval floors the wait when the window maths would suggest an
	// immediate retry
	retryInterval time.Duration

	now func() time.Time
}

// NewThrottler builds a throttler from a set of limits. Linked pool IDs must
// themselves be registered limits.
func NewThrottler(limits []RateLimit) (*Throttler, error) {
	t := &Throttler{
		limits:        make(map[string]*RateLimit, len(limits)),
		entries:       make(map[string][]taskEntry, len(limits)),
		retryInterval: 100 * time.Millisecond,
		now:           time.Now,
	}
	for i := range limits {
		l := limits[i]
		if l.Capacity <= 0 {
			return nil, fmt.Errorf("%w: %s", errInvalidCapacity, l.ID)
		}
		if l.Interval <= 0 {
			return nil, fmt.Errorf("%w: %s", errInvalidInterval, l.ID)
		}
		if l.Weight <= 0 {
			l.Weight = 1
		}
		if l.Weight > l.Capacity {
			return nil, fmt.Errorf("%w: %s weight %d capacity %d", errWeightOverflow, l.ID, l.Weight, l.Capacity)
		}
		if _, ok := t.limits[l.ID]; ok {
			return nil, fmt.Errorf("%w: %s", errDuplicateLimit, l.ID)
		}
		t.limits[l.ID] = &l
	}
	for _, l := range t.limits {
		for _, linked := range l.LinkedLimits {
			pool, ok := t.limits[linked.ID]
			if !ok {
				return nil, fmt.Errorf("%w: %s -> %s", errUnknownPoolID, l.ID, linked.ID)
			}
			// A linked weight over the pool window can never be satisfied
			// and would loop Acquire forever
			w := linked.Weight
			if w <= 0 {
				w = 1
			}
			if w > pool.Capacity {
				return nil, fmt.Errorf("%w: %s -> %s weight %d capacity %d",
					errWeightOverflow, l.ID, linked.ID, w, pool.Capacity)
			}
		}
	}
	return t, nil
}

// Acquire blocks until limitID and every linked pool have spare capacity for
// the call's weight, then records the consumption. Cancellation while
// waiting records nothing. Release is implicit: entries age out of the
// window.
func (t *Throttler) Acquire(ctx context.Context, limitID string) error {
	t.mu.Lock()
	limit, ok := t.limits[limitID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", errUnknownLimitID, limitID)
	}

	for {
		now := t.now()
		wait := t.capacityShortfall(limit, now)
		if wait <= 0 {
			t.record(limit, now)
			t.mu.Unlock()
			return nil
		}
		if wait < t.retryInterval {
			wait = t.retryInterval
		}
		t.mu.Unlock()

		log.Debugf(log.RequestSys, "throttler: %s over capacity, waiting %s", limitID, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		t.mu.Lock()
	}
}

// capacityShortfall returns zero when the limit and all linked pools can take
// the weight now, else the shortest sleep after which one of the constrained
// windows frees capacity.
func (t *Throttler) capacityShortfall(l *RateLimit, now time.Time) time.Duration {
	var wait time.Duration
	check := func(id string, capacity int, interval time.Duration, weight int) {
		used, oldest := t.windowUsage(id, interval, now)
		if used+weight <= capacity {
			return
		}
		freeAt := oldest.Add(interval).Sub(now)
		if wait == 0 || freeAt < wait {
			wait = freeAt
		}
	}
	check(l.ID, l.Capacity, l.Interval, l.Weight)
	for _, linked := range l.LinkedLimits {
		pool := t.limits[linked.ID]
		w := linked.Weight
		if w <= 0 {
			w = 1
		}
		check(pool.ID, pool.Capacity, pool.Interval, w)
	}
	return wait
}

// windowUsage prunes aged entries for id and returns the weight consumed in
// the window plus the oldest surviving timestamp
func (t *Throttler) windowUsage(id string, interval time.Duration, now time.Time) (int, time.Time) {
	cutoff := now.Add(-interval)
	entries := t.entries[id]
	kept := entries[:0]
	used := 0
	var oldest time.Time
	for _, e := range entries {
		if e.at.Before(cutoff) {
			continue
		}
		if oldest.IsZero() || e.at.Before(oldest) {
			oldest = e.at
		}
		used += e.weight
		kept = append(kept, e)
	}
	t.entries[id] = kept
	return used, oldest
}

func (t *Throttler) record(l *RateLimit, now time.Time) {
	t.entries[l.ID] = append(t.entries[l.ID], taskEntry{at: now, weight: l.Weight})
	for _, linked := range l.LinkedLimits {
		w := linked.Weight
		if w <= 0 {
			w = 1
		}
		t.entries[linked.ID] = append(t.entries[linked.ID], taskEntry{at: now, weight: w})
	}
}

// ScaleLimits returns a copy of limits with every capacity multiplied by
// multiplier, floored at 1. A multiplier of 0 leaves the limits unchanged,
// so an unset config knob is a no-op.
func ScaleLimits(limits []RateLimit, multiplier float64) []RateLimit {
	if multiplier == 0 || multiplier == 1 {
		return limits
	}
	out := make([]RateLimit, len(limits))
	for i, l := range limits {
		scaled := int(float64(l.Capacity) * multiplier)
		if scaled < 1 {
			scaled = 1
		}
		l.Capacity = scaled
		out[i] = l
	}
	return out
}

// Usage returns the weight currently consumed within limitID's window,
// useful for tests and monitoring
func (t *Throttler) Usage(limitID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limits[limitID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", errUnknownLimitID, limitID)
	}
	used, _ := t.windowUsage(l.ID, l.Interval, t.now())
	return used, nil
}
