// Package fundingrate holds perpetual-only connector state: funding info,
// the position book and leverage settings.
package fundingrate

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/currency"
)

// ErrFundingInfoNotFound is returned for pairs without funding data yet
var ErrFundingInfoNotFound = errors.New("funding info not found for pair")

// PositionSide is the direction of a perpetual position
type PositionSide string

// Position sides
const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
	Both  PositionSide = "BOTH"
)

// PositionMode selects between one-way and hedge position accounting
type PositionMode string

// Position modes
const (
	OneWay PositionMode = "ONEWAY"
	Hedge  PositionMode = "HEDGE"
)

// Info is the funding state of one perpetual pair
type Info struct {
	Pair        currency.Pair
	IndexPrice  decimal.Decimal
	MarkPrice   decimal.Decimal
	Rate        decimal.Decimal
	NextFunding time.Time
}

// Position is one perpetual position; mutated only by position-update events
type Position struct {
	Pair          currency.Pair
	Side          PositionSide
	UnrealizedPNL decimal.Decimal
	EntryPrice    decimal.Decimal
	Amount        decimal.Decimal
	Leverage      int
}

// Payment is one funding cashflow as reported by the venue
type Payment struct {
	Pair      currency.Pair
	Timestamp time.Time
	Rate      decimal.Decimal
	Amount    decimal.Decimal
}

// PaymentCompletedEvent is the payload of FundingPaymentCompleted
type PaymentCompletedEvent struct {
	Timestamp time.Time
	Pair      currency.Pair
	Rate      decimal.Decimal
	Amount    decimal.Decimal
}

// PositionModeChangeEvent is the payload of the position mode change events
type PositionModeChangeEvent struct {
	Timestamp time.Time
	Mode      PositionMode
	Message   string
}

type positionKey struct {
	pair string
	side PositionSide
}

// Book is the perpetual state a connector owns: positions, leverage table
// and per-pair funding info
type Book struct {
	mu           sync.RWMutex
	positions    map[positionKey]Position
	leverage     map[string]int
	funding      map[string]Info
	mode         PositionMode
	lastPayments map[string]time.Time
}

// NewBook returns an empty perpetual book in one-way mode
func NewBook() *Book {
	return &Book{
		positions:    make(map[positionKey]Position),
		leverage:     make(map[string]int),
		funding:      make(map[string]Info),
		mode:         OneWay,
		lastPayments: make(map[string]time.Time),
	}
}

// ReplacePositions swaps in the polled position set; flat positions
// (zero amount) are dropped
func (b *Book) ReplacePositions(positions []Position) {
	next := make(map[positionKey]Position, len(positions))
	for _, p := range positions {
		if p.Amount.IsZero() {
			continue
		}
		next[positionKey{pair: p.Pair.String(), side: p.Side}] = p
	}
	b.mu.Lock()
	b.positions = next
	b.mu.Unlock()
}

// UpdatePosition upserts a single position from a stream event; a zero
// amount removes it
func (b *Book) UpdatePosition(p Position) {
	key := positionKey{pair: p.Pair.String(), side: p.Side}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.Amount.IsZero() {
		delete(b.positions, key)
		return
	}
	b.positions[key] = p
}

// Positions returns a snapshot of open positions
func (b *Book) Positions() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out
}

// Position returns one position by pair and side
func (b *Book) Position(pair currency.Pair, side PositionSide) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[positionKey{pair: pair.String(), side: side}]
	return p, ok
}

// SetLeverage records the applied leverage for pair
func (b *Book) SetLeverage(pair currency.Pair, leverage int) {
	b.mu.Lock()
	b.leverage[pair.String()] = leverage
	b.mu.Unlock()
}

// Leverage returns the recorded leverage for pair, defaulting to 1
func (b *Book) Leverage(pair currency.Pair) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if l, ok := b.leverage[pair.String()]; ok {
		return l
	}
	return 1
}

// SetPositionMode records the venue-acknowledged position mode
func (b *Book) SetPositionMode(mode PositionMode) {
	b.mu.Lock()
	b.mode = mode
	b.mu.Unlock()
}

// PositionMode returns the current position mode
func (b *Book) PositionMode() PositionMode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mode
}

// UpdateFundingInfo stores the latest funding info for a pair, fed by both
// the periodic poll and the mark-price stream
func (b *Book) UpdateFundingInfo(info Info) {
	b.mu.Lock()
	b.funding[info.Pair.String()] = info
	b.mu.Unlock()
}

// FundingInfo returns the funding info for pair
func (b *Book) FundingInfo(pair currency.Pair) (Info, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.funding[pair.String()]
	if !ok {
		return Info{}, ErrFundingInfoNotFound
	}
	return info, nil
}

// FundingInfoLoaded reports whether every given pair has funding info
func (b *Book) FundingInfoLoaded(pairs currency.Pairs) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range pairs {
		if _, ok := b.funding[p.String()]; !ok {
			return false
		}
	}
	return true
}

// RecordPayment returns true when payment is new for its pair and nonzero,
// meaning a FundingPaymentCompleted event should fire. Repeats of the same
// timestamp are absorbed.
func (b *Book) RecordPayment(p Payment) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	last, ok := b.lastPayments[p.Pair.String()]
	if ok && !p.Timestamp.After(last) {
		return false
	}
	b.lastPayments[p.Pair.String()] = p.Timestamp
	return !p.Amount.IsZero()
}

// Clear resets all perpetual state, used by connector network teardown
func (b *Book) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[positionKey]Position)
	b.funding = make(map[string]Info)
	b.lastPayments = make(map[string]time.Time)
}
