package orderbook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/currency"
)

var btcusdt = currency.NewPair(currency.BTC, currency.USDT)

func d(s string) decimal.Decimal {
	out, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return out
}

func lvl(price, amount string) Level {
	return Level{Price: d(price), Amount: d(amount)}
}

func seedBook(t *testing.T) *OrderBook {
	t.Helper()
	b := New(btcusdt)
	b.ApplySnapshot(
		[]Level{lvl("19999", "1"), lvl("20000", "2"), lvl("19998", "3")},
		[]Level{lvl("20002", "1"), lvl("20001", "2"), lvl("20003", "3")},
		100, time.Now())
	return b
}

func TestApplySnapshot(t *testing.T) {
	t.Parallel()
	b := seedBook(t)

	bid, err := b.BestBid()
	require.NoError(t, err)
	assert.True(t, bid.Price.Equal(d("20000")), "bids sorted descending")

	ask, err := b.BestAsk()
	require.NoError(t, err)
	assert.True(t, ask.Price.Equal(d("20001")), "asks sorted ascending")

	assert.True(t, bid.Price.LessThan(ask.Price), "book must not be crossed")
	assert.Equal(t, int64(100), b.SnapshotUID())
	assert.Equal(t, int64(100), b.LastUpdateID())

	mid, err := b.MidPrice()
	require.NoError(t, err)
	assert.True(t, mid.Equal(d("20000.5")))
}

func TestApplyDiff(t *testing.T) {
	t.Parallel()
	b := seedBook(t)

	// New best bid, removal of best ask, size change on a bid
	err := b.ApplyDiff(
		[]Level{lvl("20000.5", "1"), lvl("19999", "5")},
		[]Level{lvl("20001", "0")},
		101, time.Now())
	require.NoError(t, err)

	bid, err := b.BestBid()
	require.NoError(t, err)
	assert.True(t, bid.Price.Equal(d("20000.5")))

	ask, err := b.BestAsk()
	require.NoError(t, err)
	assert.True(t, ask.Price.Equal(d("20002")), "zero-size entry removes the level")

	assert.Equal(t, int64(101), b.LastUpdateID())
	assert.Equal(t, int64(100), b.SnapshotUID(), "snapshot uid unchanged by diffs")
}

// Applying snapshot S then any diff with update_id <= S.update_id produces
// the same book as applying S alone.
func TestStaleDiffRejected(t *testing.T) {
	t.Parallel()
	b := seedBook(t)
	before := b.Bids()

	err := b.ApplyDiff([]Level{lvl("50000", "9")}, nil, 100, time.Now())
	assert.ErrorIs(t, err, ErrStaleUpdate)
	err = b.ApplyDiff([]Level{lvl("50000", "9")}, nil, 42, time.Now())
	assert.ErrorIs(t, err, ErrStaleUpdate)

	assert.Equal(t, before, b.Bids(), "stale diffs must not mutate the book")
	assert.Equal(t, int64(100), b.LastUpdateID())
}

func TestEmptySide(t *testing.T) {
	t.Parallel()
	b := New(btcusdt)
	_, err := b.BestBid()
	assert.ErrorIs(t, err, ErrEmptySide)
	_, err = b.BestAsk()
	assert.ErrorIs(t, err, ErrEmptySide)
	_, err = b.MidPrice()
	assert.ErrorIs(t, err, ErrEmptySide)
}

func TestZeroAmountLevelsDroppedFromSnapshot(t *testing.T) {
	t.Parallel()
	b := New(btcusdt)
	b.ApplySnapshot(
		[]Level{lvl("100", "0"), lvl("99", "1")},
		[]Level{lvl("101", "1")},
		1, time.Now())
	bid, err := b.BestBid()
	require.NoError(t, err)
	assert.True(t, bid.Price.Equal(d("99")))
}

func TestLastTradePrice(t *testing.T) {
	t.Parallel()
	b := New(btcusdt)
	assert.True(t, b.LastTradePrice().IsZero())
	b.SetLastTradePrice(d("20123.4"))
	assert.True(t, b.LastTradePrice().Equal(d("20123.4")))
}

func TestUpsertMidLevels(t *testing.T) {
	t.Parallel()
	b := New(btcusdt)
	b.ApplySnapshot(
		[]Level{lvl("10", "1"), lvl("8", "1")},
		[]Level{lvl("12", "1"), lvl("14", "1")},
		1, time.Now())
	require.NoError(t, b.ApplyDiff(
		[]Level{lvl("9", "2")},
		[]Level{lvl("13", "2")},
		2, time.Now()))

	bids := b.Bids()
	require.Len(t, bids, 3)
	assert.True(t, bids[0].Price.Equal(d("10")))
	assert.True(t, bids[1].Price.Equal(d("9")))
	assert.True(t, bids[2].Price.Equal(d("8")))

	asks := b.Asks()
	require.Len(t, asks, 3)
	assert.True(t, asks[0].Price.Equal(d("12")))
	assert.True(t, asks[1].Price.Equal(d("13")))
	assert.True(t, asks[2].Price.Equal(d("14")))
}
