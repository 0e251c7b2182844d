package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwygoda/cepresolver/internal/domain"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStore_UpsertAndGet(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rec := domain.ResolvedRecord{
		Key:        "01310100",
		Attributes: map[string]string{"logradouro": "Avenida Paulista", "uf": "SP"},
		ResolvedAt: at,
	}
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := store.Get(ctx, "01310100")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Attributes["logradouro"] != "Avenida Paulista" {
		t.Errorf("Get() logradouro = %q", got.Attributes["logradouro"])
	}
	if !got.ResolvedAt.Equal(at) {
		t.Errorf("Get() ResolvedAt = %v, want %v", got.ResolvedAt, at)
	}

	_, err = store.Get(ctx, "99999999")
	if !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("Get() error = %v, want %v", err, domain.ErrRecordNotFound)
	}
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	first := domain.ResolvedRecord{Key: "01310100", Attributes: map[string]string{"uf": "SP"}, ResolvedAt: time.Now()}
	second := domain.ResolvedRecord{Key: "01310100", Attributes: map[string]string{"uf": "RJ"}, ResolvedAt: time.Now()}

	for _, rec := range []domain.ResolvedRecord{first, first, second} {
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	n, err := store.CountResolved(ctx)
	if err != nil {
		t.Fatalf("CountResolved() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CountResolved() = %d, want 1", n)
	}

	got, _ := store.Get(ctx, "01310100")
	if got.Attributes["uf"] != "RJ" {
		t.Errorf("Get() uf = %q, want RJ (last write wins)", got.Attributes["uf"])
	}
}

func TestStore_ListResolved(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, key := range []string{"00000001", "00000002", "00000003"} {
		rec := domain.ResolvedRecord{
			Key:        key,
			Attributes: map[string]string{},
			ResolvedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	tests := []struct {
		name     string
		from, to time.Time
		want     []string
	}{
		{"unbounded", time.Time{}, time.Time{}, []string{"00000001", "00000002", "00000003"}},
		{"from only", base.Add(time.Hour), time.Time{}, []string{"00000002", "00000003"}},
		{"half open", base, base.Add(2 * time.Hour), []string{"00000001", "00000002"}},
		{"empty window", base.Add(10 * time.Hour), time.Time{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := store.ListResolved(ctx, tt.from, tt.to)
			if err != nil {
				t.Fatalf("ListResolved() error = %v", err)
			}
			if len(recs) != len(tt.want) {
				t.Fatalf("ListResolved() len = %d, want %d", len(recs), len(tt.want))
			}
			for i, rec := range recs {
				if rec.Key != tt.want[i] {
					t.Errorf("ListResolved()[%d] = %q, want %q", i, rec.Key, tt.want[i])
				}
			}
		})
	}
}

func TestStore_Failures(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	failures := []domain.FailureRecord{
		{Identifier: "00000000", Kind: domain.KindNotFound, Message: "not found", Attempts: 1, FailedAt: base},
		{Identifier: "11111111", Kind: domain.KindTransient, Message: "timeout", Attempts: 5, FailedAt: base.Add(time.Minute)},
		{Identifier: "00000000", Kind: domain.KindNotFound, Message: "not found", Attempts: 1, FailedAt: base.Add(2 * time.Minute)},
	}
	for _, f := range failures {
		if err := store.Record(ctx, f); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	all, err := store.ListFailures(ctx, domain.FailureFilter{})
	if err != nil {
		t.Fatalf("ListFailures() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListFailures() len = %d, want 3", len(all))
	}
	if all[0].ID == "" {
		t.Error("ListFailures()[0].ID empty, want generated id")
	}
	if !all[0].FailedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("ListFailures()[0].FailedAt = %v, want newest first", all[0].FailedAt)
	}

	byKind, _ := store.ListFailures(ctx, domain.FailureFilter{Kind: domain.KindTransient})
	if len(byKind) != 1 || byKind[0].Attempts != 5 {
		t.Errorf("ListFailures(kind=transient) = %+v", byKind)
	}

	limited, _ := store.ListFailures(ctx, domain.FailureFilter{Identifier: "00000000", Limit: 1})
	if len(limited) != 1 {
		t.Errorf("ListFailures(limit=1) len = %d, want 1", len(limited))
	}

	summary, err := store.FailureSummary(ctx)
	if err != nil {
		t.Fatalf("FailureSummary() error = %v", err)
	}
	if summary[domain.KindNotFound] != 2 || summary[domain.KindTransient] != 1 {
		t.Errorf("FailureSummary() = %v", summary)
	}
}

func TestStore_ClosedDatabaseIsUnavailable(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	db.Close()

	err := store.Upsert(context.Background(), domain.ResolvedRecord{Key: "01310100"})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Errorf("Upsert() error = %v, want %v", err, domain.ErrStorageUnavailable)
	}
	if domain.KindOf(err) != domain.KindStorageUnavailable {
		t.Errorf("KindOf() = %q, want %q", domain.KindOf(err), domain.KindStorageUnavailable)
	}
}
