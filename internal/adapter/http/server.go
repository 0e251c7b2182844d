package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cwygoda/cepresolver/internal/domain"
	"github.com/cwygoda/cepresolver/internal/worker"
)

const maxBodyBytes = 4 << 20

// Server is the HTTP adapter for intake and reporting.
type Server struct {
	intake    *domain.IntakeService
	records   domain.RecordStore
	failures  domain.FailureReader
	validator domain.Validator

	router  chi.Router
	server  *http.Server
	secret  string
	logger  *slog.Logger
	metrics http.Handler
	stats   func() worker.Stats
}

// Option configures a Server.
type Option func(*Server)

// WithSecret requires signed intake requests.
func WithSecret(secret string) Option {
	return func(s *Server) { s.secret = secret }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithPoolStats includes worker pool counters in /stats.
func WithPoolStats(stats func() worker.Stats) Option {
	return func(s *Server) { s.stats = stats }
}

// NewServer creates a new HTTP server.
func NewServer(
	intake *domain.IntakeService,
	records domain.RecordStore,
	failures domain.FailureReader,
	validator domain.Validator,
	addr string,
	opts ...Option,
) *Server {
	s := &Server{
		intake:    intake,
		records:   records,
		failures:  failures,
		validator: validator,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Group(func(r chi.Router) {
		if s.secret != "" {
			r.Use(RequireSignature(s.secret, s.logger))
		}
		r.Post("/identifiers", s.handleSubmit)
	})
	r.Get("/records", s.handleListRecords)
	r.Get("/records/{identifier}", s.handleGetRecord)
	r.Get("/failures", s.handleListFailures)
	r.Get("/stats", s.handleStats)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	s.router = r
}

// submitRequest is the request body for POST /identifiers.
type submitRequest struct {
	Identifiers []string `json:"identifiers"`
}

type rejectionResponse struct {
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
}

type submitResponse struct {
	Accepted   []string            `json:"accepted"`
	Rejected   []rejectionResponse `json:"rejected"`
	Duplicates int                 `json:"duplicates"`
}

// recordResponse is the JSON form of a ResolvedRecord.
type recordResponse struct {
	Identifier string            `json:"identifier"`
	Attributes map[string]string `json:"attributes"`
	ResolvedAt string            `json:"resolved_at"`
}

type failureResponse struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Kind       string `json:"error_kind"`
	Message    string `json:"message"`
	Attempts   int    `json:"attempt_count"`
	FailedAt   string `json:"failed_at"`
}

type statsResponse struct {
	Resolved int           `json:"resolved"`
	Failed   int           `json:"failed"`
	Pending  int           `json:"pending"`
	Pool     *worker.Stats `json:"pool,omitempty"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Identifiers) == 0 {
		s.writeError(w, http.StatusBadRequest, "identifiers are required")
		return
	}

	res, err := s.intake.SubmitBatch(r.Context(), req.Identifiers, 0)
	if err != nil {
		s.logger.Error("submit failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
		s.writeStoreError(w, err)
		return
	}

	resp := submitResponse{
		Accepted:   res.Accepted,
		Rejected:   make([]rejectionResponse, 0, len(res.Rejected)),
		Duplicates: res.Duplicates,
	}
	if resp.Accepted == nil {
		resp.Accepted = []string{}
	}
	for _, rej := range res.Rejected {
		resp.Rejected = append(resp.Rejected, rejectionResponse{Raw: rej.Raw, Reason: rej.Reason})
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := s.validator.Normalize(chi.URLParam(r, "identifier"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid identifier")
		return
	}

	rec, err := s.records.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			s.writeError(w, http.StatusNotFound, "record not found")
			return
		}
		s.logger.Error("get record failed", "identifier", id, "error", err)
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, recordToResponse(rec))
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid from: must be RFC3339")
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid to: must be RFC3339")
		return
	}

	recs, err := s.records.ListResolved(r.Context(), from, to)
	if err != nil {
		s.logger.Error("list records failed", "error", err)
		s.writeStoreError(w, err)
		return
	}

	out := make([]recordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordToResponse(rec))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.FailureFilter{
		Identifier: q.Get("identifier"),
		Kind:       domain.ErrorKind(q.Get("kind")),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown kind")
		return
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	failures, err := s.failures.ListFailures(r.Context(), filter)
	if err != nil {
		s.logger.Error("list failures failed", "error", err)
		s.writeStoreError(w, err)
		return
	}

	out := make([]failureResponse, 0, len(failures))
	for _, f := range failures {
		out = append(out, failureResponse{
			ID:         f.ID,
			Identifier: f.Identifier,
			Kind:       string(f.Kind),
			Message:    f.Message,
			Attempts:   f.Attempts,
			FailedAt:   f.FailedAt.UTC().Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.intake.Report(r.Context())
	if err != nil {
		s.logger.Error("report failed", "error", err)
		s.writeStoreError(w, err)
		return
	}
	resp := statsResponse{Resolved: report.Resolved, Failed: report.Failed, Pending: report.Pending}
	if s.stats != nil {
		st := s.stats()
		resp.Pool = &st
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrStorageUnavailable) {
		s.writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func recordToResponse(rec domain.ResolvedRecord) recordResponse {
	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return recordResponse{
		Identifier: rec.Key,
		Attributes: attrs,
		ResolvedAt: rec.ResolvedAt.UTC().Format(time.RFC3339),
	}
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
