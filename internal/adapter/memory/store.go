package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/cepresolver/internal/domain"
)

// Store keeps resolved records and failures in maps.
type Store struct {
	mu       sync.RWMutex
	records  map[string]domain.ResolvedRecord
	failures []domain.FailureRecord

	// Fail, when set, is consulted before every write. A non-nil result is
	// returned wrapped as a storage failure.
	Fail func(op string) error
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]domain.ResolvedRecord)}
}

func (s *Store) check(op string) error {
	if s.Fail == nil {
		return nil
	}
	return domain.Unavailable(op, s.Fail(op))
}

func (s *Store) Upsert(_ context.Context, rec domain.ResolvedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("upsert"); err != nil {
		return err
	}
	rec.Attributes = maps.Clone(rec.Attributes)
	s.records[rec.Key] = rec
	return nil
}

func (s *Store) Get(_ context.Context, key string) (domain.ResolvedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return domain.ResolvedRecord{}, domain.ErrRecordNotFound
	}
	return rec, nil
}

func (s *Store) ListResolved(_ context.Context, from, to time.Time) ([]domain.ResolvedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ResolvedRecord
	for _, rec := range s.records {
		if !from.IsZero() && rec.ResolvedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !rec.ResolvedAt.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b domain.ResolvedRecord) int {
		if c := a.ResolvedAt.Compare(b.ResolvedAt); c != 0 {
			return c
		}
		if a.Key < b.Key {
			return -1
		}
		if a.Key > b.Key {
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *Store) CountResolved(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *Store) Record(_ context.Context, rec domain.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("record failure"); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now()
	}
	s.failures = append(s.failures, rec)
	return nil
}

func (s *Store) ListFailures(_ context.Context, filter domain.FailureFilter) ([]domain.FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.FailureRecord
	for i := len(s.failures) - 1; i >= 0; i-- {
		f := s.failures[i]
		if filter.Identifier != "" && f.Identifier != filter.Identifier {
			continue
		}
		if filter.Kind != "" && f.Kind != filter.Kind {
			continue
		}
		out = append(out, f)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) FailureSummary(_ context.Context) (map[domain.ErrorKind]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary := make(map[domain.ErrorKind]int)
	for _, f := range s.failures {
		summary[f.Kind]++
	}
	return summary, nil
}
