package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingIterator struct {
	name  string
	ticks []time.Time
	sink  *[]string
	panic bool
}

func (r *recordingIterator) Tick(t time.Time) {
	r.ticks = append(r.ticks, t)
	if r.sink != nil {
		*r.sink = append(*r.sink, r.name)
	}
	if r.panic {
		panic("iterator failure")
	}
}

func (r *recordingIterator) Ready() bool { return true }

func TestAddIterator(t *testing.T) {
	t.Parallel()
	c := New(Backtest, time.Second)
	it := &recordingIterator{name: "a"}
	require.NoError(t, c.AddIterator(it))
	assert.Error(t, c.AddIterator(it), "duplicate registration should error")
	assert.Error(t, c.AddIterator(nil))
}

func TestRunTilTickOrder(t *testing.T) {
	t.Parallel()
	c := New(Backtest, time.Second)
	var order []string
	a := &recordingIterator{name: "a", sink: &order}
	b := &recordingIterator{name: "b", sink: &order}
	require.NoError(t, c.AddIterator(a))
	require.NoError(t, c.AddIterator(b))

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, c.RunTil(start.Add(3*time.Second)))

	require.Len(t, a.ticks, 3)
	require.Len(t, b.ticks, 3)
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, order,
		"registration order is tick order at every boundary")
}

func TestRunTilIdempotent(t *testing.T) {
	t.Parallel()
	c := New(Backtest, time.Second)
	it := &recordingIterator{name: "a"}
	require.NoError(t, c.AddIterator(it))

	target := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	require.NoError(t, c.RunTil(target))
	n := len(it.ticks)
	require.NoError(t, c.RunTil(target))
	assert.Len(t, it.ticks, n, "re-running to a reached target must not tick")

	// Time never moves backwards
	require.NoError(t, c.RunTil(target.Add(-time.Minute)))
	assert.Len(t, it.ticks, n)
}

func TestTickPanicIsolation(t *testing.T) {
	t.Parallel()
	c := New(Backtest, time.Second)
	bad := &recordingIterator{name: "bad", panic: true}
	good := &recordingIterator{name: "good"}
	require.NoError(t, c.AddIterator(bad))
	require.NoError(t, c.AddIterator(good))

	target := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)
	require.NoError(t, c.RunTil(target))

	assert.Len(t, good.ticks, 1, "failure in one iterator must not stop the next")
	select {
	case err := <-c.Errs:
		assert.Contains(t, err.Error(), "iterator panic")
	default:
		t.Fatal("expected iterator failure on the error channel")
	}
}

func TestRealtimeModeGuards(t *testing.T) {
	t.Parallel()
	c := New(Realtime, time.Second)
	assert.Error(t, c.RunTil(time.Now()))
}
