package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/mock/gomock"

	"github.com/cwygoda/cepresolver/internal/adapter/memory"
	"github.com/cwygoda/cepresolver/internal/domain"
	"github.com/cwygoda/cepresolver/internal/domain/mocks"
	"github.com/cwygoda/cepresolver/internal/worker"
)

type testEnv struct {
	srv   *Server
	queue *memory.Queue
	store *memory.Store
}

func setupTestServer(opts ...Option) *testEnv {
	queue := memory.NewQueue(time.Minute)
	store := memory.NewStore()
	validator := domain.NewValidator(domain.DefaultIdentifierLength)
	svc := domain.NewIntakeService(queue, validator, store, store)
	return &testEnv{
		srv:   NewServer(svc, store, store, validator, ":8080", opts...),
		queue: queue,
		store: store,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func TestServer_Submit_Success(t *testing.T) {
	env := setupTestServer()

	body := `{"identifiers":["01310-100","01310100","abc","20040020"]}`
	req := httptest.NewRequest(http.MethodPost, "/identifiers", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	var resp submitResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(resp.Accepted) != 2 || resp.Accepted[0] != "01310100" {
		t.Errorf("accepted = %v, want [01310100 20040020]", resp.Accepted)
	}
	if len(resp.Rejected) != 1 || resp.Rejected[0].Raw != "abc" {
		t.Errorf("rejected = %v, want abc", resp.Rejected)
	}
	if resp.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", resp.Duplicates)
	}

	n, _ := env.queue.Len(context.Background())
	if n != 2 {
		t.Errorf("queue length = %d, want 2", n)
	}
}

func TestServer_Submit_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", `not json`},
		{"missing identifiers", `{}`},
		{"empty identifiers", `{"identifiers":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer()
			req := httptest.NewRequest(http.MethodPost, "/identifiers", bytes.NewBufferString(tt.body))
			rec := env.do(req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestServer_Submit_Signature(t *testing.T) {
	const secret = "s3cret"
	body := []byte(`{"identifiers":["01310100"]}`)
	now := time.Now().UTC().Format(time.RFC3339)
	stale := time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339)

	tests := []struct {
		name      string
		timestamp string
		signature string
		want      int
	}{
		{"valid", now, Sign(now, body, secret), http.StatusAccepted},
		{"missing timestamp", "", Sign(now, body, secret), http.StatusUnauthorized},
		{"bad timestamp", "yesterday", "x", http.StatusUnauthorized},
		{"stale timestamp", stale, Sign(stale, body, secret), http.StatusUnauthorized},
		{"missing signature", now, "", http.StatusUnauthorized},
		{"wrong secret", now, Sign(now, body, "other"), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(WithSecret(secret))
			req := httptest.NewRequest(http.MethodPost, "/identifiers", bytes.NewReader(body))
			if tt.timestamp != "" {
				req.Header.Set("X-Timestamp", tt.timestamp)
			}
			if tt.signature != "" {
				req.Header.Set("X-Signature", tt.signature)
			}
			rec := env.do(req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestServer_GetRecord(t *testing.T) {
	env := setupTestServer()
	env.store.Upsert(context.Background(), domain.ResolvedRecord{
		Key:        "01310100",
		Attributes: map[string]string{"logradouro": "Avenida Paulista"},
		ResolvedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	tests := []struct {
		name string
		path string
		want int
	}{
		{"found", "/records/01310100", http.StatusOK},
		{"found with separator", "/records/01310-100", http.StatusOK},
		{"not found", "/records/99999999", http.StatusNotFound},
		{"invalid", "/records/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			var resp recordResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if resp.Identifier != "01310100" || resp.Attributes["logradouro"] != "Avenida Paulista" {
				t.Errorf("response = %+v", resp)
			}
			if resp.ResolvedAt != "2024-01-01T00:00:00Z" {
				t.Errorf("resolved_at = %q", resp.ResolvedAt)
			}
		})
	}
}

func TestServer_ListRecords(t *testing.T) {
	env := setupTestServer()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, key := range []string{"00000001", "00000002"} {
		env.store.Upsert(context.Background(), domain.ResolvedRecord{Key: key, ResolvedAt: base.Add(time.Duration(i) * time.Hour)})
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/records?from=2024-01-01T00:30:00Z", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp []recordResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp) != 1 || resp[0].Identifier != "00000002" {
		t.Errorf("records = %+v, want only 00000002", resp)
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/records?to=yesterday", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestServer_ListFailures(t *testing.T) {
	env := setupTestServer()
	ctx := context.Background()
	env.store.Record(ctx, domain.FailureRecord{Identifier: "00000000", Kind: domain.KindNotFound, Attempts: 1})
	env.store.Record(ctx, domain.FailureRecord{Identifier: "11111111", Kind: domain.KindTransient, Attempts: 3})

	tests := []struct {
		name  string
		query string
		want  int
		count int
	}{
		{"all", "", http.StatusOK, 2},
		{"by kind", "?kind=not_found", http.StatusOK, 1},
		{"by identifier", "?identifier=11111111", http.StatusOK, 1},
		{"limit", "?limit=1", http.StatusOK, 1},
		{"unknown kind", "?kind=boom", http.StatusBadRequest, 0},
		{"bad limit", "?limit=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(http.MethodGet, "/failures"+tt.query, nil))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			var resp []failureResponse
			json.NewDecoder(rec.Body).Decode(&resp)
			if len(resp) != tt.count {
				t.Errorf("failures = %d, want %d", len(resp), tt.count)
			}
		})
	}
}

func TestServer_Stats(t *testing.T) {
	env := setupTestServer(WithPoolStats(func() worker.Stats { return worker.Stats{Succeeded: 4, Retried: 2} }))
	ctx := context.Background()
	env.queue.Publish(ctx, domain.WorkItem{Identifier: "20040020"})
	env.store.Upsert(ctx, domain.ResolvedRecord{Key: "01310100"})
	env.store.Record(ctx, domain.FailureRecord{Identifier: "00000000", Kind: domain.KindNotFound})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp statsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Resolved != 1 || resp.Failed != 1 || resp.Pending != 1 {
		t.Errorf("stats = %+v, want 1/1/1", resp)
	}
	if resp.Pool == nil || resp.Pool.Succeeded != 4 {
		t.Errorf("pool = %+v, want succeeded 4", resp.Pool)
	}
}

func TestServer_StorageUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	records := mocks.NewMockRecordStore(ctrl)
	records.EXPECT().Get(gomock.Any(), "01310100").
		Return(domain.ResolvedRecord{}, domain.Unavailable("get record", errors.New("connection refused")))

	validator := domain.NewValidator(domain.DefaultIdentifierLength)
	store := memory.NewStore()
	svc := domain.NewIntakeService(memory.NewQueue(time.Minute), validator, records, store)
	srv := NewServer(svc, records, store, validator, ":8080")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/records/01310100", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "cepresolver_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	env := setupTestServer(WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("cepresolver_test_total 1")) {
		t.Errorf("metrics body missing counter:\n%s", rec.Body.String())
	}
}

func TestServer_Health(t *testing.T) {
	env := setupTestServer()

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestServer_ContentType(t *testing.T) {
	env := setupTestServer()

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}
