package domain

import (
	"context"
	"time"
)

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks

// Queue is the driven port for the durable work queue.
type Queue interface {
	Publish(ctx context.Context, item WorkItem) error
	// Receive leases the next visible item. It returns ErrQueueEmpty when
	// nothing is visible right now.
	Receive(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Extend restarts the visibility timeout of a lease still held by d.
	// It returns ErrLeaseLost once the item was received again.
	Extend(ctx context.Context, d Delivery) error
	// Requeue persists d.Item.Attempts and hides the item for delay.
	Requeue(ctx context.Context, d Delivery, delay time.Duration) error
	// Len counts unacknowledged items, including leased and delayed ones.
	Len(ctx context.Context) (int, error)
}

// Resolver is the driven port for the external lookup service.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (ResolvedRecord, error)
}

// Limiter gates outbound lookups.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// RecordStore is the persistence layer for resolved records.
type RecordStore interface {
	Upsert(ctx context.Context, rec ResolvedRecord) error
	Get(ctx context.Context, key string) (ResolvedRecord, error)
	ListResolved(ctx context.Context, from, to time.Time) ([]ResolvedRecord, error)
	CountResolved(ctx context.Context) (int, error)
}

// FailureRecorder is the append-only sink for terminal failures.
type FailureRecorder interface {
	Record(ctx context.Context, rec FailureRecord) error
}

// FailureReader gives reporting access to recorded failures.
type FailureReader interface {
	ListFailures(ctx context.Context, filter FailureFilter) ([]FailureRecord, error)
	FailureSummary(ctx context.Context) (map[ErrorKind]int, error)
}
