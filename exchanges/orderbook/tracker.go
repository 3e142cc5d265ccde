package orderbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/currency"
	"github.com/tidemark-io/tidemark/log"
)

const (
	// replayBufferSize bounds per-pair diffs held before the first snapshot
	replayBufferSize = 1000
	// DefaultSnapshotInterval is how often a fresh REST snapshot is merged
	DefaultSnapshotInterval = time.Hour
	// snapshotRetryBackoff spaces retries of a failed snapshot fetch
	snapshotRetryBackoff = 5 * time.Second
)

var (
	// ErrBookNotFound is returned for untracked pairs
	ErrBookNotFound = errors.New("order book not tracked for pair")

	errAlreadyStarted = errors.New("order book tracker already started")
	errNoPairs        = errors.New("no pairs to track")
)

// pairState is the tracker-private state per pair; only the dispatch
// routine mutates it
type pairState struct {
	book        *OrderBook
	replay      []Message
	hasSnapshot bool
	resnap      chan struct{}
}

// Tracker routes a venue data source's messages to per-pair books. Diffs
// arriving before a pair's first snapshot are buffered and replayed against
// the snapshot uid; stream discontinuities force a fresh snapshot.
type Tracker struct {
	venue  string
	source DataSource

	mu     sync.Mutex
	states map[string]*pairState

	// FundingHandler receives funding info piggybacked on the public feed
	FundingHandler func(Message)

	snapshotInterval time.Duration
	cancel           context.CancelFunc
	wg               sync.WaitGroup
}

// NewTracker returns a tracker for the given pairs fed by source
func NewTracker(venue string, source DataSource, pairs currency.Pairs) *Tracker {
	states := make(map[string]*pairState, len(pairs))
	for _, p := range pairs {
		states[p.String()] = &pairState{
			book:   New(p),
			resnap: make(chan struct{}, 1),
		}
	}
	return &Tracker{
		venue:            venue,
		source:           source,
		states:           states,
		snapshotInterval: DefaultSnapshotInterval,
	}
}

// Start launches the stream listener, the per-pair snapshot loops and the
// dispatch routine
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return errAlreadyStarted
	}
	if len(t.states) == 0 {
		t.mu.Unlock()
		return errNoPairs
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	msgs := make(chan Message, 1024)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.source.ListenForSubscriptions(ctx, msgs)
	}()

	for key, st := range t.states {
		t.wg.Add(1)
		go func(key string, st *pairState) {
			defer t.wg.Done()
			t.snapshotLoop(ctx, st.book.Pair(), st, msgs)
		}(key, st)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.dispatch(ctx, msgs)
	}()
	return nil
}

// Stop cancels all routines and waits for them to drain
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

// Ready reports whether every tracked pair has applied its first snapshot
func (t *Tracker) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.states {
		if !st.hasSnapshot {
			return false
		}
	}
	return true
}

// Book returns the order book for pair, readable while the tracker runs
func (t *Tracker) Book(pair currency.Pair) (*OrderBook, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[pair.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrBookNotFound, t.venue, pair)
	}
	return st.book, nil
}

// Pairs returns every tracked pair
func (t *Tracker) Pairs() currency.Pairs {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(currency.Pairs, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, st.book.Pair())
	}
	return out
}

// snapshotLoop fetches the initial snapshot, then refreshes on the snapshot
// interval and on demand after a stream discontinuity. Snapshots are pushed
// through the same channel as diffs so per-pair ordering is preserved.
func (t *Tracker) snapshotLoop(ctx context.Context, pair currency.Pair, st *pairState, out chan<- Message) {
	fetch := func() bool {
		for {
			snap, err := t.source.FetchSnapshot(ctx, pair)
			if err == nil {
				snap.Type = SnapshotMessage
				snap.Pair = pair
				select {
				case out <- *snap:
				case <-ctx.Done():
					return false
				}
				return true
			}
			if ctx.Err() != nil {
				return false
			}
			log.Errorf(log.OrderBook, "%s %s snapshot fetch failed: %v", t.venue, pair, err)
			select {
			case <-time.After(snapshotRetryBackoff):
			case <-ctx.Done():
				return false
			}
		}
	}

	if !fetch() {
		return
	}
	// The periodic refresh fires on interval boundaries (on the hour for the
	// default), not on an offset of whenever the tracker started
	timer := time.NewTimer(nextRefreshDelay(time.Now(), t.snapshotInterval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if !fetch() {
				return
			}
			timer.Reset(nextRefreshDelay(time.Now(), t.snapshotInterval))
		case <-st.resnap:
			if !fetch() {
				return
			}
		}
	}
}

// nextRefreshDelay returns the time until the next interval boundary after
// now, so every tracker refreshes on the same wall-clock schedule
func nextRefreshDelay(now time.Time, interval time.Duration) time.Duration {
	return now.Truncate(interval).Add(interval).Sub(now)
}

// dispatch serializes all message handling; it is the only writer of book
// and per-pair state
func (t *Tracker) dispatch(ctx context.Context, msgs <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgs:
			t.handle(&msg)
		}
	}
}

func (t *Tracker) handle(msg *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[msg.Pair.String()]
	if !ok {
		// Unknown pair, drop
		return
	}

	switch msg.Type {
	case SnapshotMessage:
		st.book.ApplySnapshot(msg.Bids, msg.Asks, msg.UpdateID, msg.Timestamp)
		st.hasSnapshot = true
		t.drainReplay(st)
	case DiffMessage:
		if !st.hasSnapshot {
			st.replay = append(st.replay, *msg)
			if len(st.replay) > replayBufferSize {
				st.replay = st.replay[1:]
			}
			return
		}
		t.applyDiff(st, msg)
	case TradeMessage:
		st.book.SetLastTradePrice(msg.TradePrice)
	case FundingInfoMessage:
		if t.FundingHandler != nil {
			t.FundingHandler(*msg)
		}
	}
}

// drainReplay applies buffered pre-snapshot diffs in arrival order,
// discarding those at or behind the snapshot uid
func (t *Tracker) drainReplay(st *pairState) {
	replay := st.replay
	st.replay = nil
	for i := range replay {
		if replay[i].UpdateID <= st.book.SnapshotUID() {
			continue
		}
		t.applyDiff(st, &replay[i])
	}
}

func (t *Tracker) applyDiff(st *pairState, msg *Message) {
	last := st.book.LastUpdateID()
	if msg.UpdateID <= last {
		// Already covered by the snapshot or an earlier diff
		return
	}
	if msg.PrevUpdateID != 0 && msg.PrevUpdateID > last {
		log.Warnf(log.OrderBook, "%s %s depth discontinuity: expected continuation of %d got %d, re-snapshotting",
			t.venue, st.book.Pair(), last, msg.PrevUpdateID)
		st.hasSnapshot = false
		st.replay = nil
		select {
		case st.resnap <- struct{}{}:
		default:
		}
		return
	}
	if err := st.book.ApplyDiff(msg.Bids, msg.Asks, msg.UpdateID, msg.Timestamp); err != nil {
		log.Errorf(log.OrderBook, "%s %s diff apply failed: %v", t.venue, st.book.Pair(), err)
	}
}
