package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/cepresolver/internal/domain"
)

// DefaultVisibilityTimeout is how long a received item stays leased before
// it becomes visible to other consumers again.
const DefaultVisibilityTimeout = 30 * time.Second

// Queue implements domain.Queue on a SQLite table. Received items are leased
// by pushing visible_at into the future and stamping a receipt.
type Queue struct {
	db         *sql.DB
	visibility time.Duration
	now        func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithVisibilityTimeout sets the lease duration.
func WithVisibilityTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithQueueClock overrides the clock, for tests.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue creates a queue on an already opened database.
func NewQueue(db *sql.DB, opts ...QueueOption) *Queue {
	q := &Queue{db: db, visibility: DefaultVisibilityTimeout, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish appends an item, visible immediately.
func (q *Queue) Publish(ctx context.Context, item domain.WorkItem) error {
	now := q.now()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_items (identifier, attempts, enqueued_at, visible_at) VALUES (?, ?, ?, ?)`,
		item.Identifier, item.Attempts, toNanos(item.EnqueuedAt), toNanos(now),
	)
	return domain.Unavailable("publish", err)
}

// Receive leases the oldest visible item.
func (q *Queue) Receive(ctx context.Context) (domain.Delivery, error) {
	now := q.now()
	receipt := uuid.NewString()
	row := q.db.QueryRowContext(ctx,
		`UPDATE queue_items SET receipt = ?, visible_at = ?
		 WHERE id = (
		     SELECT id FROM queue_items WHERE visible_at <= ?
		     ORDER BY visible_at ASC, id ASC LIMIT 1
		 )
		 RETURNING id, identifier, attempts, enqueued_at`,
		receipt, toNanos(now.Add(q.visibility)), toNanos(now),
	)

	var (
		id         int64
		item       domain.WorkItem
		enqueuedAt int64
	)
	err := row.Scan(&id, &item.Identifier, &item.Attempts, &enqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Delivery{}, domain.ErrQueueEmpty
	}
	if err != nil {
		return domain.Delivery{}, domain.Unavailable("receive", err)
	}
	item.EnqueuedAt = fromNanos(enqueuedAt)
	return domain.Delivery{ID: strconv.FormatInt(id, 10), Receipt: receipt, Item: item}, nil
}

// Ack removes a leased item. It returns ErrLeaseLost if the lease expired
// and the item was received again.
func (q *Queue) Ack(ctx context.Context, d domain.Delivery) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE id = ? AND receipt = ?`, d.ID, d.Receipt,
	)
	if err != nil {
		return domain.Unavailable("ack", err)
	}
	return checkLease(res, d)
}

// Extend pushes the lease of d a full visibility timeout past now.
func (q *Queue) Extend(ctx context.Context, d domain.Delivery) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_items SET visible_at = ? WHERE id = ? AND receipt = ?`,
		toNanos(q.now().Add(q.visibility)), d.ID, d.Receipt,
	)
	if err != nil {
		return domain.Unavailable("extend", err)
	}
	return checkLease(res, d)
}

// Requeue stores the item's attempt count and hides it for delay.
func (q *Queue) Requeue(ctx context.Context, d domain.Delivery, delay time.Duration) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_items SET attempts = ?, visible_at = ?, receipt = NULL
		 WHERE id = ? AND receipt = ?`,
		d.Item.Attempts, toNanos(q.now().Add(delay)), d.ID, d.Receipt,
	)
	if err != nil {
		return domain.Unavailable("requeue", err)
	}
	return checkLease(res, d)
}

// Len counts all items not yet acknowledged.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&n); err != nil {
		return 0, domain.Unavailable("len", err)
	}
	return n, nil
}

// RecoverStale releases every outstanding lease. Call it at startup, before
// any consumer runs, to redeliver items held by a crashed process.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_items SET receipt = NULL, visible_at = ? WHERE receipt IS NOT NULL`,
		toNanos(q.now()),
	)
	if err != nil {
		return 0, domain.Unavailable("recover stale", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func checkLease(res sql.Result, d domain.Delivery) error {
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Unavailable("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("item %s: %w", d.ID, domain.ErrLeaseLost)
	}
	return nil
}
