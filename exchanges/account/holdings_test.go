package account

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/tidemark-io/tidemark/currency"
)

func d(s string) decimal.Decimal {
	out, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return out
}

func TestReplaceAllRemovesStaleAssets(t *testing.T) {
	t.Parallel()
	s := NewService()
	assert.False(t, s.IsLoaded())

	s.ReplaceAll(map[currency.Code]Balance{
		currency.BTC:  {Total: d("1"), Available: d("0.5")},
		currency.USDT: {Total: d("1000"), Available: d("1000")},
	})
	assert.True(t, s.IsLoaded())
	assert.True(t, s.Total(currency.BTC).Equal(d("1")))

	// BTC absent from the refreshed map must disappear
	s.ReplaceAll(map[currency.Code]Balance{
		currency.USDT: {Total: d("900"), Available: d("800")},
	})
	assert.True(t, s.Total(currency.BTC).IsZero())
	assert.True(t, s.Available(currency.USDT).Equal(d("800")))
	assert.Len(t, s.All(), 1)
}

func TestUpdateSingleAsset(t *testing.T) {
	t.Parallel()
	s := NewService()
	s.Update(currency.ETH, Balance{Total: d("10"), Available: d("4")})
	assert.True(t, s.Available(currency.ETH).Equal(d("4")))
}

func TestAvailableClampedToTotal(t *testing.T) {
	t.Parallel()
	s := NewService()
	s.Update(currency.BTC, Balance{Total: d("1"), Available: d("2")})
	assert.True(t, s.Available(currency.BTC).Equal(d("1")),
		"available must never exceed total")
}

func TestClear(t *testing.T) {
	t.Parallel()
	s := NewService()
	s.Update(currency.BTC, Balance{Total: d("1"), Available: d("1")})
	s.Clear()
	assert.False(t, s.IsLoaded())
	assert.True(t, s.Total(currency.BTC).IsZero())
}
