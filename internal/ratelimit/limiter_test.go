package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsInvalidBudget(t *testing.T) {
	_, err := New(0, time.Second)
	assert.Error(t, err)

	_, err = New(1, 0)
	assert.Error(t, err)

	l, err := New(5, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, l.Capacity())
	assert.Equal(t, time.Second, l.Window())
}

func TestLimiter_ReserveSlots(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	l, err := New(2, time.Second, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	// Two slots fit in the current window, the third waits for the first to age out.
	assert.Equal(t, base, l.reserve())
	assert.Equal(t, base, l.reserve())
	assert.Equal(t, base.Add(time.Second), l.reserve())
	assert.Equal(t, base.Add(time.Second), l.reserve())
	assert.Equal(t, base.Add(2*time.Second), l.reserve())

	// Once time passes the old issuances are pruned.
	now = base.Add(10 * time.Second)
	assert.Equal(t, 0, l.Issued())
	assert.Equal(t, now, l.reserve())
}

func TestLimiter_SlotsAreFIFO(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	l, err := New(3, time.Second, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	var prev time.Time
	for i := 0; i < 20; i++ {
		slot := l.reserve()
		assert.False(t, slot.Before(prev), "slot %d went backwards", i)
		prev = slot
		now = now.Add(37 * time.Millisecond)
	}
}

func TestLimiter_ConcurrentAcquireNeverExceedsCapacity(t *testing.T) {
	const (
		capacity = 3
		workers  = 10
		window   = 150 * time.Millisecond
		// Timers fire slightly late, never early.
		tolerance = 10 * time.Millisecond
	)
	l, err := New(capacity, window)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Acquire(context.Background()))
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, times, workers)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := capacity; i < len(times); i++ {
		gap := times[i].Sub(times[i-capacity])
		assert.GreaterOrEqual(t, gap, window-tolerance,
			"acquisitions %d and %d are only %s apart", i-capacity, i, gap)
	}
}

func TestLimiter_CancelledWaiterReturnsSlot(t *testing.T) {
	l, err := New(1, time.Hour)
	require.NoError(t, err)

	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.Issued())
}

func TestLimiter_MinInterval(t *testing.T) {
	l, err := New(100, time.Second, WithMinInterval(40*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
}
