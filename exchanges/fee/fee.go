// Package fee computes trade fees from a venue schema with optional runtime
// overrides.
package fee

import (
	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/currency"
	"github.com/tidemark-io/tidemark/exchanges/order"
)

// Schema is a venue's advertised fee structure
type Schema struct {
	MakerPercent decimal.Decimal
	TakerPercent decimal.Decimal

	// BuyPercentFeeDeductedFromReturns applies the buy fee against received
	// base rather than against quote cost
	BuyPercentFeeDeductedFromReturns bool
}

// Overrides carries user-configured fee replacements for one venue
type Overrides struct {
	MakerPercent *decimal.Decimal
	TakerPercent *decimal.Decimal
}

// TradeFee is the computed fee for one prospective order
type TradeFee struct {
	Percent decimal.Decimal

	// AppliedToCost is true when the percent applies to the quote cost of
	// the trade (buys, unless the schema deducts from returns); false when
	// it applies to the returned proceeds (sells)
	AppliedToCost bool
}

// Calculate returns the fee for an order of the given shape. Overrides win
// over the schema when set.
func Calculate(s Schema, o Overrides, side order.Side, _ order.Type, isMaker bool) TradeFee {
	percent := s.TakerPercent
	if isMaker {
		percent = s.MakerPercent
	}
	if isMaker && o.MakerPercent != nil {
		percent = *o.MakerPercent
	} else if !isMaker && o.TakerPercent != nil {
		percent = *o.TakerPercent
	}
	return TradeFee{
		Percent:       percent,
		AppliedToCost: side == order.Buy && !s.BuyPercentFeeDeductedFromReturns,
	}
}

// FeeAmount returns the absolute fee in quote units for amount at price
func (f TradeFee) FeeAmount(amount, price decimal.Decimal) decimal.Decimal {
	return amount.Mul(price).Mul(f.Percent)
}

// FlatFee is a fixed fee denominated in a specific asset, used by venues
// charging per-order amounts in a settlement token
type FlatFee struct {
	Asset  currency.Code
	Amount decimal.Decimal
}
