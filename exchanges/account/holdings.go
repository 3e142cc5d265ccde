// Package account maintains a connector's asset balances, merged from the
// REST account poll and private-channel balance events.
package account

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/currency"
)

// Balance holds per-asset totals; Available never exceeds Total
type Balance struct {
	Total     decimal.Decimal
	Available decimal.Decimal
}

// Service is a connector's balance book
type Service struct {
	mu       sync.RWMutex
	balances map[currency.Code]Balance
}

// NewService returns an empty balance book
func NewService() *Service {
	return &Service{balances: make(map[currency.Code]Balance)}
}

// ReplaceAll swaps in a complete balance map; assets absent from the new
// map disappear, covering delistings and emptied wallets
func (s *Service) ReplaceAll(balances map[currency.Code]Balance) {
	next := make(map[currency.Code]Balance, len(balances))
	for code, b := range balances {
		next[code] = clamp(b)
	}
	s.mu.Lock()
	s.balances = next
	s.mu.Unlock()
}

// Update upserts one asset, as delivered by private-channel balance events
func (s *Service) Update(code currency.Code, b Balance) {
	s.mu.Lock()
	s.balances[code] = clamp(b)
	s.mu.Unlock()
}

// Total returns the total balance of an asset
func (s *Service) Total(code currency.Code) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[code].Total
}

// Available returns the spendable balance of an asset
func (s *Service) Available(code currency.Code) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[code].Available
}

// All returns a copy of the balance book
func (s *Service) All() map[currency.Code]Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[currency.Code]Balance, len(s.balances))
	for code, b := range s.balances {
		out[code] = b
	}
	return out
}

// Clear empties the book, used by connector network teardown
func (s *Service) Clear() {
	s.mu.Lock()
	s.balances = make(map[currency.Code]Balance)
	s.mu.Unlock()
}

// IsLoaded reports whether any balance has been recorded
func (s *Service) IsLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.balances) > 0
}

func clamp(b Balance) Balance {
	if b.Available.GreaterThan(b.Total) {
		b.Available = b.Total
	}
	return b
}
