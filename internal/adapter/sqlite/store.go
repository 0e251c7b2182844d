package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/cepresolver/internal/domain"
)

// Store implements domain.RecordStore, domain.FailureRecorder and
// domain.FailureReader using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store on an already opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Upsert inserts or updates the record for rec.Key.
func (s *Store) Upsert(ctx context.Context, rec domain.ResolvedRecord) error {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	now := toNanos(s.now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resolved_records (natural_key, attributes, resolved_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(natural_key) DO UPDATE SET
		     attributes = excluded.attributes,
		     resolved_at = excluded.resolved_at,
		     updated_at = excluded.updated_at`,
		rec.Key, string(attrs), toNanos(rec.ResolvedAt), now, now,
	)
	return domain.Unavailable("upsert record", err)
}

// Get retrieves the record for key.
func (s *Store) Get(ctx context.Context, key string) (domain.ResolvedRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT natural_key, attributes, resolved_at FROM resolved_records WHERE natural_key = ?`, key,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResolvedRecord{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.ResolvedRecord{}, domain.Unavailable("get record", err)
	}
	return rec, nil
}

// ListResolved returns records with from <= resolved_at < to. A zero bound is open.
func (s *Store) ListResolved(ctx context.Context, from, to time.Time) ([]domain.ResolvedRecord, error) {
	upper := int64(math.MaxInt64)
	if !to.IsZero() {
		upper = toNanos(to)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT natural_key, attributes, resolved_at FROM resolved_records
		 WHERE resolved_at >= ? AND resolved_at < ?
		 ORDER BY resolved_at ASC, natural_key ASC`,
		toNanos(from), upper,
	)
	if err != nil {
		return nil, domain.Unavailable("list records", err)
	}
	defer rows.Close()

	var recs []domain.ResolvedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, domain.Unavailable("scan record", err)
		}
		recs = append(recs, rec)
	}
	return recs, domain.Unavailable("list records", rows.Err())
}

// CountResolved returns the number of stored records.
func (s *Store) CountResolved(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resolved_records`).Scan(&n); err != nil {
		return 0, domain.Unavailable("count records", err)
	}
	return n, nil
}

// Record appends a failure row.
func (s *Store) Record(ctx context.Context, rec domain.FailureRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failure_records (id, identifier, error_kind, message, attempts, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Identifier, string(rec.Kind), rec.Message, rec.Attempts, toNanos(rec.FailedAt),
	)
	return domain.Unavailable("record failure", err)
}

// ListFailures returns failures matching filter, newest first.
func (s *Store) ListFailures(ctx context.Context, filter domain.FailureFilter) ([]domain.FailureRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Identifier != "" {
		where = append(where, "identifier = ?")
		args = append(args, filter.Identifier)
	}
	if filter.Kind != "" {
		where = append(where, "error_kind = ?")
		args = append(args, string(filter.Kind))
	}
	query := `SELECT id, identifier, error_kind, message, attempts, failed_at FROM failure_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY failed_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Unavailable("list failures", err)
	}
	defer rows.Close()

	var out []domain.FailureRecord
	for rows.Next() {
		var (
			rec      domain.FailureRecord
			kind     string
			failedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Identifier, &kind, &rec.Message, &rec.Attempts, &failedAt); err != nil {
			return nil, domain.Unavailable("scan failure", err)
		}
		rec.Kind = domain.ErrorKind(kind)
		rec.FailedAt = fromNanos(failedAt)
		out = append(out, rec)
	}
	return out, domain.Unavailable("list failures", rows.Err())
}

// FailureSummary counts failure rows by kind.
func (s *Store) FailureSummary(ctx context.Context) (map[domain.ErrorKind]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT error_kind, COUNT(*) FROM failure_records GROUP BY error_kind`)
	if err != nil {
		return nil, domain.Unavailable("failure summary", err)
	}
	defer rows.Close()

	summary := make(map[domain.ErrorKind]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, domain.Unavailable("scan summary", err)
		}
		summary[domain.ErrorKind(kind)] = n
	}
	return summary, domain.Unavailable("failure summary", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.ResolvedRecord, error) {
	var (
		rec        domain.ResolvedRecord
		attrs      string
		resolvedAt int64
	)
	if err := row.Scan(&rec.Key, &attrs, &resolvedAt); err != nil {
		return domain.ResolvedRecord{}, err
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
		return domain.ResolvedRecord{}, fmt.Errorf("decode attributes: %w", err)
	}
	rec.ResolvedAt = fromNanos(resolvedAt)
	return rec, nil
}
