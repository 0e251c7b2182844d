// Package memory holds in-process adapters used for tests and single-run
// pipelines that need no durability.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/cepresolver/internal/domain"
)

type entry struct {
	id        string
	item      domain.WorkItem
	visibleAt time.Time
	receipt   string
}

// Queue is a lease-based in-memory domain.Queue.
type Queue struct {
	mu         sync.Mutex
	entries    []*entry
	seq        int64
	visibility time.Duration
	now        func() time.Time
}

// NewQueue creates an empty queue. Leases expire after visibility.
func NewQueue(visibility time.Duration) *Queue {
	return &Queue{visibility: visibility, now: time.Now}
}

// SetClock overrides the clock, for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

func (q *Queue) Publish(_ context.Context, item domain.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	q.seq++
	q.entries = append(q.entries, &entry{
		id:        strconv.FormatInt(q.seq, 10),
		item:      item,
		visibleAt: now,
	})
	return nil
}

func (q *Queue) Receive(_ context.Context) (domain.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var next *entry
	for _, e := range q.entries {
		if e.visibleAt.After(now) {
			continue
		}
		if next == nil || e.visibleAt.Before(next.visibleAt) {
			next = e
		}
	}
	if next == nil {
		return domain.Delivery{}, domain.ErrQueueEmpty
	}

	next.receipt = uuid.NewString()
	next.visibleAt = now.Add(q.visibility)
	return domain.Delivery{ID: next.id, Receipt: next.receipt, Item: next.item}, nil
}

func (q *Queue) Ack(_ context.Context, d domain.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.id == d.ID && e.receipt == d.Receipt {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("item %s: %w", d.ID, domain.ErrLeaseLost)
}

func (q *Queue) Extend(_ context.Context, d domain.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.id == d.ID && e.receipt == d.Receipt {
			e.visibleAt = q.now().Add(q.visibility)
			return nil
		}
	}
	return fmt.Errorf("item %s: %w", d.ID, domain.ErrLeaseLost)
}

func (q *Queue) Requeue(_ context.Context, d domain.Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.id == d.ID && e.receipt == d.Receipt {
			e.item.Attempts = d.Item.Attempts
			e.visibleAt = q.now().Add(delay)
			e.receipt = ""
			return nil
		}
	}
	return fmt.Errorf("item %s: %w", d.ID, domain.ErrLeaseLost)
}

func (q *Queue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}
