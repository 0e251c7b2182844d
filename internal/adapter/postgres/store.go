// Package postgres implements the record store and failure recorder on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/cwygoda/cepresolver/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS resolved_records (
    natural_key TEXT PRIMARY KEY,
    attributes  JSONB       NOT NULL,
    resolved_at TIMESTAMPTZ NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_resolved_records_resolved_at ON resolved_records(resolved_at);

CREATE TABLE IF NOT EXISTS failure_records (
    id         UUID PRIMARY KEY,
    identifier TEXT        NOT NULL,
    error_kind TEXT        NOT NULL,
    message    TEXT        NOT NULL,
    attempts   INTEGER     NOT NULL,
    failed_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failure_records_identifier ON failure_records(identifier);
`

// Open connects to url, verifies the connection and applies the schema.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, domain.Unavailable("ping postgres", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// Store implements domain.RecordStore, domain.FailureRecorder and
// domain.FailureReader.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the clock used for defaulted timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewStore constructs a PostgreSQL-backed store.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Upsert(ctx context.Context, rec domain.ResolvedRecord) error {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	query := `
		INSERT INTO resolved_records (natural_key, attributes, resolved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (natural_key) DO UPDATE SET
			attributes = EXCLUDED.attributes,
			resolved_at = EXCLUDED.resolved_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query, rec.Key, string(attrs), rec.ResolvedAt, s.clock())
	return domain.Unavailable("upsert record", err)
}

func (s *Store) Get(ctx context.Context, key string) (domain.ResolvedRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT natural_key, attributes, resolved_at FROM resolved_records WHERE natural_key = $1`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResolvedRecord{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.ResolvedRecord{}, domain.Unavailable("get record", err)
	}
	return rec, nil
}

func (s *Store) ListResolved(ctx context.Context, from, to time.Time) ([]domain.ResolvedRecord, error) {
	var (
		where []string
		args  []any
	)
	if !from.IsZero() {
		args = append(args, from)
		where = append(where, fmt.Sprintf("resolved_at >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		where = append(where, fmt.Sprintf("resolved_at < $%d", len(args)))
	}
	query := `SELECT natural_key, attributes, resolved_at FROM resolved_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY resolved_at, natural_key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Unavailable("list records", err)
	}
	defer rows.Close()

	var out []domain.ResolvedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, domain.Unavailable("scan record", err)
		}
		out = append(out, rec)
	}
	return out, domain.Unavailable("list records", rows.Err())
}

func (s *Store) CountResolved(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resolved_records`).Scan(&n); err != nil {
		return 0, domain.Unavailable("count records", err)
	}
	return n, nil
}

func (s *Store) Record(ctx context.Context, rec domain.FailureRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = s.clock()
	}
	query := `
		INSERT INTO failure_records (id, identifier, error_kind, message, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Identifier, string(rec.Kind), rec.Message, rec.Attempts, rec.FailedAt)
	return domain.Unavailable("record failure", err)
}

func (s *Store) ListFailures(ctx context.Context, filter domain.FailureFilter) ([]domain.FailureRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Identifier != "" {
		args = append(args, filter.Identifier)
		where = append(where, fmt.Sprintf("identifier = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		where = append(where, fmt.Sprintf("error_kind = $%d", len(args)))
	}
	query := `SELECT id, identifier, error_kind, message, attempts, failed_at FROM failure_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY failed_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Unavailable("list failures", err)
	}
	defer rows.Close()

	var out []domain.FailureRecord
	for rows.Next() {
		var (
			rec  domain.FailureRecord
			kind string
		)
		if err := rows.Scan(&rec.ID, &rec.Identifier, &kind, &rec.Message, &rec.Attempts, &rec.FailedAt); err != nil {
			return nil, domain.Unavailable("scan failure", err)
		}
		rec.Kind = domain.ErrorKind(kind)
		out = append(out, rec)
	}
	return out, domain.Unavailable("list failures", rows.Err())
}

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
		rec   domain.ResolvedRecord
		attrs []byte
	)
	if err := row.Scan(&rec.Key, &attrs, &rec.ResolvedAt); err != nil {
		return domain.ResolvedRecord{}, err
	}
	if err := json.Unmarshal(attrs, &rec.Attributes); err != nil {
		return domain.ResolvedRecord{}, fmt.Errorf("decode attributes: %w", err)
	}
	return rec, nil
}
