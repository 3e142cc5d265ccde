// Package timesync keeps a venue server-time offset so request signatures do
// not fail on local clock skew.
package timesync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/log"
)

const (
	// DefaultSampleSize bounds the rolling offset sample window
	DefaultSampleSize = 5
	// DefaultUpdateInterval is how often the background loop re-samples
	DefaultUpdateInterval = 30 * time.Second
)

// ServerTimeFunc fetches the venue's current server time
type ServerTimeFunc func(ctx context.Context) (time.Time, error)

// Synchronizer maintains a rolling sample of server-minus-local offsets and
// applies the median in Now(). It satisfies request.TimeProvider.
type Synchronizer struct {
	mu         sync.Mutex
	offsets    []time.Duration
	sampleSize int
	fetch      ServerTimeFunc
}

// New returns a synchronizer sampling server time via fetch
func New(fetch ServerTimeFunc) *Synchronizer {
	return &Synchronizer{
		sampleSize: DefaultSampleSize,
		fetch:      fetch,
	}
}

// Now returns local time adjusted by the median sampled offset
func (s *Synchronizer) Now() time.Time {
	return time.Now().Add(s.Offset())
}

// Offset returns the median of the rolling offset samples, zero when no
// sample has been taken yet
func (s *Synchronizer) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.offsets)
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, s.offsets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Update fetches one server-time sample and folds it into the window
func (s *Synchronizer) Update(ctx context.Context) error {
	local := time.Now()
	server, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	s.addSample(server.Sub(local))
	return nil
}

func (s *Synchronizer) addSample(offset time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets = append(s.offsets, offset)
	if len(s.offsets) > s.sampleSize {
		s.offsets = s.offsets[len(s.offsets)-s.sampleSize:]
	}
}

// Run re-samples the offset on interval until ctx is done. Fetch failures
// are logged and retried on the next interval.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	if err := s.Update(ctx); err != nil && ctx.Err() == nil {
		log.Warnf(log.TimeMgr, "initial server time sample failed: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Update(ctx); err != nil && ctx.Err() == nil {
				log.Warnf(log.TimeMgr, "server time sample failed: %v", err)
			}
		}
	}
}
