package scatter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindow_KeepsNewestAndRunningTotal(t *testing.T) {
	t.Parallel()

	w := newWindow(3)
	sum, n, executed := w.totals()
	assert.Zero(t, sum)
	assert.Zero(t, n)
	assert.Zero(t, executed)
	assert.Empty(t, w.appendTo(nil))

	sample := func(i int) Stats {
		return Stats{Transactions: i, Requests: 10 * i, Duration: time.Duration(i) * time.Millisecond}
	}
	for i := 1; i <= 2; i++ {
		w.record(sample(i))
	}
	assert.Equal(t, []Stats{sample(1), sample(2)}, w.appendTo(nil))

	for i := 3; i <= 7; i++ {
		w.record(sample(i))
	}
	assert.Equal(t, []Stats{sample(5), sample(6), sample(7)}, w.appendTo(nil))

	sum, n, executed = w.totals()
	assert.Equal(t, Stats{Transactions: 18, Requests: 180, Duration: 18 * time.Millisecond}, sum)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(7), executed)
}

func TestWindow_MatchesRecomputedSum(t *testing.T) {
	t.Parallel()

	w := newWindow(4)
	for i := range 50 {
		w.record(Stats{Slots: i * i, Misses: i % 3, Entities: 1})

		var want Stats
		for _, s := range w.appendTo(nil) {
			want.Add(s)
		}
		got, _, _ := w.totals()
		assert.Equal(t, want, got, "after %d samples", i+1)
	}
}
