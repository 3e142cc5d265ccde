package currency

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Delimiter is the canonical trading pair delimiter; the system-wide pair
// form is BASE-QUOTE uppercase.
const Delimiter = "-"

var (
	// ErrPairNotFound is returned when a pair cannot be resolved in a
	// symbol map
	ErrPairNotFound = errors.New("trading pair not found")

	errEmptyPairString   = errors.New("empty trading pair string")
	errInvalidPairString = errors.New("invalid trading pair string")
)

// Pair holds a base and quote asset making up a market
type Pair struct {
	Base  Code
	Quote Code
}

// NewPair returns a pair from base and quote codes
func NewPair(base, quote Code) Pair {
	return Pair{Base: base, Quote: quote}
}

// NewPairFromStrings returns a pair from base and quote strings
func NewPairFromStrings(base, quote string) Pair {
	return Pair{Base: NewCode(base), Quote: NewCode(quote)}
}

// NewPairFromString parses the canonical BASE-QUOTE form, tolerating the
// common delimiters used by venue native symbols
func NewPairFromString(s string) (Pair, error) {
	if s == "" {
		return Pair{}, errEmptyPairString
	}
	for _, d := range []string{Delimiter, "_", "/", ":"} {
		if !strings.Contains(s, d) {
			continue
		}
		parts := strings.Split(s, d)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Pair{}, fmt.Errorf("%w: %q", errInvalidPairString, s)
		}
		return NewPairFromStrings(parts[0], parts[1]), nil
	}
	return Pair{}, fmt.Errorf("%w: %q no delimiter", errInvalidPairString, s)
}

// String returns the canonical BASE-QUOTE representation
func (p Pair) String() string {
	return p.Base.String() + Delimiter + p.Quote.String()
}

// Format joins base and quote with a bespoke delimiter, optionally lowercased,
// for venues with non-canonical native symbols
func (p Pair) Format(delimiter string, uppercase bool) string {
	s := p.Base.String() + delimiter + p.Quote.String()
	if !uppercase {
		return strings.ToLower(s)
	}
	return s
}

// IsEmpty returns whether the pair is missing a base or quote code
func (p Pair) IsEmpty() bool {
	return p.Base.IsEmpty() || p.Quote.IsEmpty()
}

// Equal compares two pairs
func (p Pair) Equal(o Pair) bool {
	return p.Base.Equal(o.Base) && p.Quote.Equal(o.Quote)
}

// MarshalJSON conforms type to the marshaler interface
func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON conforms type to the unmarshaler interface
func (p *Pair) UnmarshalJSON(d []byte) error {
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return err
	}
	pair, err := NewPairFromString(s)
	if err != nil {
		return err
	}
	*p = pair
	return nil
}

// Pairs defines a list of pairs
type Pairs []Pair

// Contains returns whether the list holds p
func (ps Pairs) Contains(p Pair) bool {
	for i := range ps {
		if ps[i].Equal(p) {
			return true
		}
	}
	return false
}

// Strings returns the canonical string form of every pair
func (ps Pairs) Strings() []string {
	out := make([]string, len(ps))
	for i := range ps {
		out[i] = ps[i].String()
	}
	return out
}
