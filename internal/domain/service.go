package domain

import (
	"context"
	"fmt"
	"time"
)

// Rejection explains why a raw identifier was not enqueued.
type Rejection struct {
	Raw    string
	Reason string
}

// IntakeResult summarizes a batch submission.
type IntakeResult struct {
	Accepted   []string
	Rejected   []Rejection
	Duplicates int
}

// IntakeService validates identifiers and publishes them to the queue. It also
// answers the end-of-run report.
type IntakeService struct {
	queue     Queue
	validator Validator
	records   RecordStore
	failures  FailureReader
	now       func() time.Time
}

// NewIntakeService creates a new IntakeService. records and failures may be nil
// when only submission is needed.
func NewIntakeService(queue Queue, validator Validator, records RecordStore, failures FailureReader) *IntakeService {
	return &IntakeService{
		queue:     queue,
		validator: validator,
		records:   records,
		failures:  failures,
		now:       time.Now,
	}
}

// Submit validates one raw identifier and publishes it.
func (s *IntakeService) Submit(ctx context.Context, raw string) (WorkItem, error) {
	id, err := s.validator.Normalize(raw)
	if err != nil {
		return WorkItem{}, err
	}
	item := NewWorkItem(id, s.now())
	if err := s.queue.Publish(ctx, item); err != nil {
		return WorkItem{}, fmt.Errorf("publish %s: %w", id, err)
	}
	return item, nil
}

// SubmitBatch publishes up to limit valid identifiers (0 means no limit).
// Identifiers repeated within the batch are published once.
func (s *IntakeService) SubmitBatch(ctx context.Context, raws []string, limit int) (IntakeResult, error) {
	var res IntakeResult
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		if limit > 0 && len(res.Accepted) >= limit {
			break
		}
		id, err := s.validator.Normalize(raw)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejection{Raw: raw, Reason: err.Error()})
			continue
		}
		if _, dup := seen[id]; dup {
			res.Duplicates++
			continue
		}
		seen[id] = struct{}{}
		if err := s.queue.Publish(ctx, NewWorkItem(id, s.now())); err != nil {
			return res, fmt.Errorf("publish %s: %w", id, err)
		}
		res.Accepted = append(res.Accepted, id)
	}
	return res, nil
}

// Report returns resolved, failed and pending counts.
func (s *IntakeService) Report(ctx context.Context) (Report, error) {
	var r Report
	pending, err := s.queue.Len(ctx)
	if err != nil {
		return r, fmt.Errorf("queue length: %w", err)
	}
	r.Pending = pending
	if s.records != nil {
		if r.Resolved, err = s.records.CountResolved(ctx); err != nil {
			return r, fmt.Errorf("count resolved: %w", err)
		}
	}
	if s.failures != nil {
		summary, err := s.failures.FailureSummary(ctx)
		if err != nil {
			return r, fmt.Errorf("failure summary: %w", err)
		}
		for _, n := range summary {
			r.Failed += n
		}
	}
	return r, nil
}
