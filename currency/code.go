package currency

import "strings"

// Code defines a single asset code e.g. BTC
type Code string

// Common asset codes
var (
	BTC  = NewCode("BTC")
	ETH  = NewCode("ETH")
	USDT = NewCode("USDT")
	USDC = NewCode("USDC")
	USD  = NewCode("USD")
	BUSD = NewCode("BUSD")
)

// NewCode returns an uppercased asset code
func NewCode(c string) Code {
	return Code(strings.ToUpper(strings.TrimSpace(c)))
}

// String implements the stringer interface
func (c Code) String() string {
	return string(c)
}

// Lower returns the lowercase string of the code
func (c Code) Lower() string {
	return strings.ToLower(string(c))
}

// IsEmpty returns true if the code is unset
func (c Code) IsEmpty() bool {
	return c == ""
}

// Equal compares two codes case insensitively
func (c Code) Equal(o Code) bool {
	return strings.EqualFold(string(c), string(o))
}
