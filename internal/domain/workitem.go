package domain

import "time"

// WorkItem is a single identifier pending resolution.
type WorkItem struct {
	Identifier string
	EnqueuedAt time.Time
	// Attempts counts lookup attempts already made. Only the worker pool
	// changes it, and only on the way into a lookup.
	Attempts int
}

// NewWorkItem creates a fresh item for an already normalized identifier.
func NewWorkItem(identifier string, now time.Time) WorkItem {
	return WorkItem{Identifier: identifier, EnqueuedAt: now}
}

// CanRetry returns true if another attempt is allowed after a transient failure.
func (w WorkItem) CanRetry(maxAttempts int) bool {
	return w.Attempts < maxAttempts
}

// Delivery is a WorkItem leased to one consumer. Receipt identifies the lease
// and is opaque to everything but the queue that issued it.
type Delivery struct {
	ID      string
	Receipt string
	Item    WorkItem
}

// ResolvedRecord is the successful result of a lookup, keyed by identifier.
type ResolvedRecord struct {
	Key        string
	Attributes map[string]string
	ResolvedAt time.Time
}

// FailureRecord is the terminal artifact of a WorkItem that could not be resolved.
type FailureRecord struct {
	ID         string
	Identifier string
	Kind       ErrorKind
	Message    string
	Attempts   int
	FailedAt   time.Time
}

// FailureFilter narrows failure listings. Zero values match everything.
type FailureFilter struct {
	Identifier string
	Kind       ErrorKind
	Limit      int
}

// Report aggregates run counts for operators.
type Report struct {
	Resolved int
	Failed   int
	Pending  int
}
