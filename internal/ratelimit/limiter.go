// Package ratelimit bounds outbound lookups to a fixed number per rolling window.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a sliding-window gate. Callers reserve issuance slots in the
// order they take the lock, and no window of the configured duration ever
// contains more than capacity issuances.
type Limiter struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	// issued holds issuance times, including reserved future ones, in
	// non-decreasing order.
	issued []time.Time
	spacer *rate.Limiter
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMinInterval spaces consecutive issuances at least d apart.
func WithMinInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.spacer = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a limiter allowing capacity acquisitions per window.
func New(capacity int, window time.Duration, opts ...Option) (*Limiter, error) {
	if capacity <= 0 {
		return nil, errors.New("rate limit capacity must be positive")
	}
	if window <= 0 {
		return nil, errors.New("rate limit window must be positive")
	}
	l := &Limiter{
		capacity: capacity,
		window:   window,
		issued:   make([]time.Time, 0, capacity),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Acquire blocks until the caller may issue one request. It only returns an
// error when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.spacer != nil {
		if err := l.spacer.Wait(ctx); err != nil {
			return err
		}
	}

	slot := l.reserve()
	if err := l.sleep(ctx, slot.Sub(l.now())); err != nil {
		l.cancel(slot)
		return err
	}
	return nil
}

// reserve claims the earliest slot that keeps every window within capacity.
func (l *Limiter) reserve() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	slot := now
	n := len(l.issued)
	if n > 0 && l.issued[n-1].After(slot) {
		slot = l.issued[n-1]
	}
	if n >= l.capacity {
		if earliest := l.issued[n-l.capacity].Add(l.window); earliest.After(slot) {
			slot = earliest
		}
	}
	l.issued = append(l.issued, slot)
	return slot
}

// cancel gives back a slot that was never used. Removing an issuance can only
// lower window counts, so later reservations stay valid.
func (l *Limiter) cancel(slot time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.issued) - 1; i >= 0; i-- {
		if l.issued[i].Equal(slot) {
			l.issued = append(l.issued[:i], l.issued[i+1:]...)
			return
		}
	}
}

// prune drops issuances that fell out of the window. Must hold l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for ; i < len(l.issued); i++ {
		if l.issued[i].After(cutoff) {
			break
		}
	}
	l.issued = l.issued[i:]
}

// Issued returns the number of issuances, past or reserved, inside the
// current window.
func (l *Limiter) Issued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.issued)
}

// Capacity returns the configured per-window budget.
func (l *Limiter) Capacity() int { return l.capacity }

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration { return l.window }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
