package fundingrate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/currency"
)

func d(s string) decimal.Decimal {
	out, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return out
}

func btcPair(t *testing.T) currency.Pair {
	t.Helper()
	p, err := currency.NewPairFromString("BTC-USDT")
	require.NoError(t, err)
	return p
}

func TestPositionLifecycle(t *testing.T) {
	t.Parallel()
	b := NewBook()
	pair := btcPair(t)

	b.UpdatePosition(Position{Pair: pair, Side: Long, Amount: d("0.5"), EntryPrice: d("40000")})
	got, ok := b.Position(pair, Long)
	require.True(t, ok)
	assert.True(t, got.Amount.Equal(d("0.5")))

	// zero amount closes the position
	b.UpdatePosition(Position{Pair: pair, Side: Long, Amount: decimal.Zero})
	_, ok = b.Position(pair, Long)
	assert.False(t, ok)
}

func TestReplacePositionsDropsFlat(t *testing.T) {
	t.Parallel()
	b := NewBook()
	pair := btcPair(t)
	b.UpdatePosition(Position{Pair: pair, Side: Short, Amount: d("1")})

	b.ReplacePositions([]Position{
		{Pair: pair, Side: Long, Amount: d("0.2")},
		{Pair: pair, Side: Short, Amount: decimal.Zero},
	})
	assert.Len(t, b.Positions(), 1)
	_, ok := b.Position(pair, Short)
	assert.False(t, ok, "flat short dropped by refresh")
}

func TestLeverageDefaultsToOne(t *testing.T) {
	t.Parallel()
	b := NewBook()
	pair := btcPair(t)
	assert.Equal(t, 1, b.Leverage(pair))
	b.SetLeverage(pair, 10)
	assert.Equal(t, 10, b.Leverage(pair))
}

func TestPositionMode(t *testing.T) {
	t.Parallel()
	b := NewBook()
	assert.Equal(t, OneWay, b.PositionMode())
	b.SetPositionMode(Hedge)
	assert.Equal(t, Hedge, b.PositionMode())
}

func TestFundingInfo(t *testing.T) {
	t.Parallel()
	b := NewBook()
	pair := btcPair(t)

	_, err := b.FundingInfo(pair)
	assert.ErrorIs(t, err, ErrFundingInfoNotFound)
	assert.False(t, b.FundingInfoLoaded(currency.Pairs{pair}))

	b.UpdateFundingInfo(Info{Pair: pair, Rate: d("0.0001"), MarkPrice: d("40010")})
	info, err := b.FundingInfo(pair)
	require.NoError(t, err)
	assert.True(t, info.Rate.Equal(d("0.0001")))
	assert.True(t, b.FundingInfoLoaded(currency.Pairs{pair}))
}

func TestRecordPaymentDedupes(t *testing.T) {
	t.Parallel()
	b := NewBook()
	pair := btcPair(t)
	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	p := Payment{Pair: pair, Timestamp: ts, Rate: d("0.0001"), Amount: d("-0.42")}
	assert.True(t, b.RecordPayment(p), "first payment fires")
	assert.False(t, b.RecordPayment(p), "same timestamp absorbed")

	later := p
	later.Timestamp = ts.Add(8 * time.Hour)
	assert.True(t, b.RecordPayment(later))

	// a zero-amount settlement advances the marker without firing
	zero := Payment{Pair: pair, Timestamp: ts.Add(16 * time.Hour), Rate: d("0.0001")}
	assert.False(t, b.RecordPayment(zero))
}

func TestClear(t *testing.T) {
	t.Parallel()
	b := NewBook()
	pair := btcPair(t)
	b.UpdatePosition(Position{Pair: pair, Side: Long, Amount: d("1")})
	b.UpdateFundingInfo(Info{Pair: pair})
	b.Clear()
	assert.Empty(t, b.Positions())
	_, err := b.FundingInfo(pair)
	assert.ErrorIs(t, err, ErrFundingInfoNotFound)
}
