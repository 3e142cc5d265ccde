// Package orderbook maintains per-pair bid/ask depth from venue snapshots
// and streaming diffs.
package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/currency"
)

var (
	// ErrStaleUpdate flags a diff at or behind the book's last applied id
	ErrStaleUpdate = errors.New("update id not beyond last applied update")
	// ErrEmptySide is returned when a best level is requested of an empty side
	ErrEmptySide = errors.New("order book side is empty")
)

// Level is one price level of depth
type Level struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// OrderBook holds one pair's depth. It is mutated only by its tracker's
// per-pair routine and read concurrently by strategies and the connector.
type OrderBook struct {
	pair currency.Pair

	mu   sync.RWMutex
	bids []Level // descending by price
	asks []Level // ascending by price

	snapshotUID    int64
	lastUpdateID   int64
	lastTradePrice decimal.Decimal
	lastUpdated    time.Time
}

// New returns an empty book for pair; it becomes usable on the first
// snapshot
func New(pair currency.Pair) *OrderBook {
	return &OrderBook{pair: pair}
}

// Pair returns the book's trading pair
func (b *OrderBook) Pair() currency.Pair { return b.pair }

// ApplySnapshot replaces both sides with a full snapshot, setting the
// snapshot uid and last update id
func (b *OrderBook) ApplySnapshot(bids, asks []Level, updateID int64, ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = sortSide(bids, true)
	b.asks = sortSide(asks, false)
	b.snapshotUID = updateID
	b.lastUpdateID = updateID
	b.lastUpdated = ts
}

// ApplyDiff applies an incremental update. Diffs at or behind the last
// applied id are rejected with ErrStaleUpdate so replays after a snapshot
// are harmless. Zero-amount levels are removed.
func (b *OrderBook) ApplyDiff(bids, asks []Level, updateID int64, ts time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if updateID <= b.lastUpdateID {
		return fmt.Errorf("%w: %d <= %d for %s", ErrStaleUpdate, updateID, b.lastUpdateID, b.pair)
	}
	for i := range bids {
		b.bids = upsertLevel(b.bids, bids[i], true)
	}
	for i := range asks {
		b.asks = upsertLevel(b.asks, asks[i], false)
	}
	b.lastUpdateID = updateID
	b.lastUpdated = ts
	return nil
}

// BestBid returns the highest bid level
func (b *OrderBook) BestBid() (Level, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return Level{}, fmt.Errorf("%w: bids %s", ErrEmptySide, b.pair)
	}
	return b.bids[0], nil
}

// BestAsk returns the lowest ask level
func (b *OrderBook) BestAsk() (Level, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return Level{}, fmt.Errorf("%w: asks %s", ErrEmptySide, b.pair)
	}
	return b.asks[0], nil
}

// MidPrice returns the midpoint of the best bid and ask
func (b *OrderBook) MidPrice() (decimal.Decimal, error) {
	bid, err := b.BestBid()
	if err != nil {
		return decimal.Zero, err
	}
	ask, err := b.BestAsk()
	if err != nil {
		return decimal.Zero, err
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), nil
}

// Bids returns a copy of the bid side, descending by price
func (b *OrderBook) Bids() []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Level, len(b.bids))
	copy(out, b.bids)
	return out
}

// Asks returns a copy of the ask side, ascending by price
func (b *OrderBook) Asks() []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Level, len(b.asks))
	copy(out, b.asks)
	return out
}

// SnapshotUID returns the update id of the last full snapshot applied
func (b *OrderBook) SnapshotUID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotUID
}

// LastUpdateID returns the id of the last diff or snapshot applied
func (b *OrderBook) LastUpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

// LastUpdated returns when the book last changed
func (b *OrderBook) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdated
}

// SetLastTradePrice records the price of the latest public trade
func (b *OrderBook) SetLastTradePrice(p decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastTradePrice = p
}

// LastTradePrice returns the last observed public trade price
func (b *OrderBook) LastTradePrice() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastTradePrice
}

// sortSide orders and prunes a snapshot side; bids descend, asks ascend
func sortSide(levels []Level, isBid bool) []Level {
	out := make([]Level, 0, len(levels))
	for i := range levels {
		if levels[i].Amount.IsPositive() {
			out = append(out, levels[i])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if isBid {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// upsertLevel inserts, replaces or removes (zero amount) a price level while
// keeping the side sorted
func upsertLevel(side []Level, l Level, isBid bool) []Level {
	idx := sort.Search(len(side), func(i int) bool {
		if isBid {
			return side[i].Price.LessThanOrEqual(l.Price)
		}
		return side[i].Price.GreaterThanOrEqual(l.Price)
	})
	exists := idx < len(side) && side[idx].Price.Equal(l.Price)
	switch {
	case l.Amount.IsZero() || l.Amount.IsNegative():
		if exists {
			return append(side[:idx], side[idx+1:]...)
		}
		return side
	case exists:
		side[idx] = l
		return side
	default:
		side = append(side, Level{})
		copy(side[idx+1:], side[idx:])
		side[idx] = l
		return side
	}
}
