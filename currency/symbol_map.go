package currency

import (
	"context"
	"fmt"
	"sync"
)

// SymbolLoader fetches the venue's native symbol to canonical pair mapping,
// usually from the exchange-info endpoint
type SymbolLoader func(ctx context.Context) (map[string]Pair, error)

// SymbolMap maintains the 1:1 bidirectional mapping between a venue's native
// symbols and canonical pairs. Loading is single flight; concurrent callers
// of EnsureLoaded share one underlying request.
type SymbolMap struct {
	mu       sync.Mutex
	loaded   bool
	toPair   map[string]Pair
	toNative map[Pair]string
	loader   SymbolLoader
}

// NewSymbolMap returns a symbol map that populates itself via loader on first
// use
func NewSymbolMap(loader SymbolLoader) *SymbolMap {
	return &SymbolMap{loader: loader}
}

// EnsureLoaded populates the map if it has not been populated yet. The mutex
// is held across the load so concurrent callers block on, and share, a single
// fetch.
func (s *SymbolMap) EnsureLoaded(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	mapping, err := s.loader(ctx)
	if err != nil {
		return fmt.Errorf("loading symbol map: %w", err)
	}
	s.replace(mapping)
	return nil
}

// Rebuild discards the current mapping and fetches a fresh one
func (s *SymbolMap) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mapping, err := s.loader(ctx)
	if err != nil {
		return fmt.Errorf("rebuilding symbol map: %w", err)
	}
	s.replace(mapping)
	return nil
}

func (s *SymbolMap) replace(mapping map[string]Pair) {
	s.toPair = make(map[string]Pair, len(mapping))
	s.toNative = make(map[Pair]string, len(mapping))
	for native, pair := range mapping {
		s.toPair[native] = pair
		s.toNative[pair] = native
	}
	s.loaded = true
}

// IsLoaded reports whether the map has been populated
func (s *SymbolMap) IsLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Pair resolves a venue native symbol to its canonical pair
func (s *SymbolMap) Pair(native string) (Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.toPair[native]
	if !ok {
		return Pair{}, fmt.Errorf("%w: native symbol %q", ErrPairNotFound, native)
	}
	return p, nil
}

// Native resolves a canonical pair to the venue native symbol
func (s *SymbolMap) Native(p Pair) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.toNative[p]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPairNotFound, p)
	}
	return n, nil
}

// Pairs returns every canonical pair currently mapped
func (s *SymbolMap) Pairs() Pairs {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Pairs, 0, len(s.toNative))
	for p := range s.toNative {
		out = append(out, p)
	}
	return out
}
