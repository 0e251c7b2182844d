// Package worker runs the resolution state machine over queued identifiers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/cwygoda/cepresolver/internal/domain"
	"github.com/cwygoda/cepresolver/internal/metrics"
)

// Outcomes reported in logs and metrics.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
	OutcomeUnacked = "unacked"
	// OutcomeLeaseLost means another worker took the item over.
	OutcomeLeaseLost = "lease_lost"
)

// Options configures the pool.
type Options struct {
	Workers      int
	MaxAttempts  int
	Backoff      Backoff
	PollInterval time.Duration
	// LeaseTimeout is the queue's visibility timeout. Held leases are
	// renewed every third of it until the item is settled; zero disables
	// renewal.
	LeaseTimeout time.Duration
	// Drain makes workers exit once the queue holds no unacknowledged items.
	Drain bool
}

// Stats counts per-item outcomes since the pool was created.
type Stats struct {
	Succeeded int64
	Failed    int64
	Retried   int64
	Unacked   int64
	LeaseLost int64
}

// Pool pulls WorkItems and drives each to a terminal state.
type Pool struct {
	queue    domain.Queue
	limiter  domain.Limiter
	resolver domain.Resolver
	records  domain.RecordStore
	failures domain.FailureRecorder
	opts     Options

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	unacked   atomic.Int64
	leaseLost atomic.Int64
}

// Option configures optional Pool dependencies.
type Option func(*Pool)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// New creates a pool. It returns an error wrapping domain.ErrConfiguration
// when opts cannot run.
func New(
	queue domain.Queue,
	limiter domain.Limiter,
	resolver domain.Resolver,
	records domain.RecordStore,
	failures domain.FailureRecorder,
	opts Options,
	options ...Option,
) (*Pool, error) {
	if opts.Workers < 1 {
		return nil, fmt.Errorf("%w: workers must be positive, got %d", domain.ErrConfiguration, opts.Workers)
	}
	if opts.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts must be positive, got %d", domain.ErrConfiguration, opts.MaxAttempts)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	p := &Pool{
		queue:    queue,
		limiter:  limiter,
		resolver: resolver,
		records:  records,
		failures: failures,
		opts:     opts,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/cwygoda/cepresolver/internal/worker"),
		now:      time.Now,
	}
	for _, o := range options {
		o(p)
	}
	return p, nil
}

// Stats returns a snapshot of the outcome counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		Unacked:   p.unacked.Load(),
		LeaseLost: p.leaseLost.Load(),
	}
}

// Run starts the workers and blocks until ctx is cancelled or, with Drain,
// until the queue is empty. An item already received when ctx is cancelled
// is finished on a detached context.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		"workers", p.opts.Workers,
		"max_attempts", p.opts.MaxAttempts,
		"drain", p.opts.Drain,
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.opts.Workers {
		g.Go(func() error {
			p.loop(gctx, i)
			return nil
		})
	}
	err := g.Wait()

	s := p.Stats()
	p.logger.Info("worker pool stopped",
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"retried", s.Retried,
		"unacked", s.Unacked,
		"lease_lost", s.LeaseLost,
	)
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.With("worker", id)
	for ctx.Err() == nil {
		d, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, domain.ErrQueueEmpty) {
				log.Warn("receive failed", "error", err)
			} else if p.drained(ctx) {
				log.Debug("queue drained")
				return
			}
			if !sleep(ctx, p.opts.PollInterval) {
				return
			}
			continue
		}

		p.handle(ctx, log, d)
	}
}

func (p *Pool) drained(ctx context.Context) bool {
	n, err := p.queue.Len(ctx)
	if err != nil {
		return false
	}
	p.metrics.SetQueueDepth(n)
	return p.opts.Drain && n == 0
}

// handle moves one delivery through RateGated and InFlight to a terminal
// state. ctx only bounds the rate gate; everything after it runs detached.
// The lease is renewed from receipt until the lookup returns.
func (p *Pool) handle(ctx context.Context, log *slog.Logger, d domain.Delivery) {
	work := context.WithoutCancel(ctx)
	work, span := p.tracer.Start(work, "worker.handle",
		trace.WithAttributes(attribute.String("identifier", d.Item.Identifier)))
	defer span.End()

	log = log.With("identifier", d.Item.Identifier)

	hold := p.holdLease(work, log, d)
	defer hold.release()

	waitStart := p.now()
	if err := p.limiter.Acquire(ctx); err != nil {
		hold.release()
		// Shutting down before dispatch: hand the item back untouched.
		if err := p.queue.Requeue(work, d, 0); err != nil {
			log.Warn("release on shutdown failed", "error", err)
		}
		p.finish(log, span, OutcomeUnacked, d.Item.Attempts)
		return
	}
	p.metrics.ObserveLimiterWait(p.now().Sub(waitStart))

	// The gate may have outlasted a lease that could not be renewed.
	if err := p.queue.Extend(work, d); err != nil {
		hold.release()
		log.Warn("lease not held after rate gate, skipping lookup", "error", err)
		p.finish(log, span, settleOutcome(err, OutcomeUnacked), d.Item.Attempts)
		return
	}

	d.Item.Attempts++
	span.SetAttributes(attribute.Int("attempt", d.Item.Attempts))

	start := p.now()
	rec, err := p.resolver.Resolve(work, d.Item.Identifier)
	hold.release()
	if err == nil {
		p.metrics.ObserveLookup(OutcomeSuccess, p.now().Sub(start))
		p.succeed(work, log, span, d, rec)
		return
	}

	kind := domain.KindOf(err)
	p.metrics.ObserveLookup(string(kind), p.now().Sub(start))
	span.RecordError(err)

	switch kind {
	case domain.KindNotFound, domain.KindInvalid:
		p.fail(work, log, span, d, kind, err)
	default:
		if d.Item.CanRetry(p.opts.MaxAttempts) {
			p.retry(work, log, span, d, err)
			return
		}
		p.fail(work, log, span, d, domain.KindTransient, err)
	}
}

func (p *Pool) succeed(ctx context.Context, log *slog.Logger, span trace.Span, d domain.Delivery, rec domain.ResolvedRecord) {
	if err := p.records.Upsert(ctx, rec); err != nil {
		log.Warn("upsert failed, leaving item for redelivery", "attempt", d.Item.Attempts, "error", err)
		span.SetStatus(codes.Error, "upsert failed")
		p.finish(log, span, OutcomeUnacked, d.Item.Attempts)
		return
	}
	p.finish(log, span, p.ack(ctx, log, d, OutcomeSuccess), d.Item.Attempts)
}

func (p *Pool) retry(ctx context.Context, log *slog.Logger, span trace.Span, d domain.Delivery, cause error) {
	delay := p.opts.Backoff.Delay(d.Item.Attempts)
	if err := p.queue.Requeue(ctx, d, delay); err != nil {
		log.Warn("requeue failed", "attempt", d.Item.Attempts, "error", err)
		p.finish(log, span, settleOutcome(err, OutcomeUnacked), d.Item.Attempts)
		return
	}
	log.Info("transient failure, retry scheduled",
		"attempt", d.Item.Attempts,
		"delay", delay,
		"error", cause,
	)
	p.finish(log, span, OutcomeRetry, d.Item.Attempts)
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, span trace.Span, d domain.Delivery, kind domain.ErrorKind, cause error) {
	rec := domain.FailureRecord{
		ID:         uuid.NewString(),
		Identifier: d.Item.Identifier,
		Kind:       kind,
		Message:    failureMessage(cause),
		Attempts:   d.Item.Attempts,
		FailedAt:   p.now(),
	}
	if err := p.failures.Record(ctx, rec); err != nil {
		log.Warn("failure record not written, leaving item for redelivery", "attempt", d.Item.Attempts, "error", err)
		p.finish(log, span, OutcomeUnacked, d.Item.Attempts)
		return
	}
	outcome := p.ack(ctx, log, d, OutcomeFailed)
	if outcome == OutcomeFailed {
		log.Warn("permanent failure", "kind", kind, "attempt", d.Item.Attempts, "error", cause)
		span.SetStatus(codes.Error, string(kind))
	}
	p.finish(log, span, outcome, d.Item.Attempts)
}

// ack settles d after its terminal write and returns the outcome to report.
// The write is idempotent, so a failed ack only costs a repeated write.
func (p *Pool) ack(ctx context.Context, log *slog.Logger, d domain.Delivery, outcome string) string {
	if err := p.queue.Ack(ctx, d); err != nil {
		log.Warn("ack failed", "attempt", d.Item.Attempts, "error", err)
		return settleOutcome(err, OutcomeUnacked)
	}
	return outcome
}

// settleOutcome maps a queue error to OutcomeLeaseLost or otherwise.
func settleOutcome(err error, otherwise string) string {
	if errors.Is(err, domain.ErrLeaseLost) {
		return OutcomeLeaseLost
	}
	return otherwise
}

// lease renews a delivery's visibility timeout in the background.
type lease struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// release stops renewal and waits for it. Safe to call more than once.
func (l *lease) release() {
	l.once.Do(func() {
		l.cancel()
		<-l.done
	})
}

func (p *Pool) holdLease(ctx context.Context, log *slog.Logger, d domain.Delivery) *lease {
	ctx, cancel := context.WithCancel(ctx)
	l := &lease{cancel: cancel, done: make(chan struct{})}
	if p.opts.LeaseTimeout <= 0 {
		close(l.done)
		return l
	}

	go func() {
		defer close(l.done)
		t := time.NewTicker(p.opts.LeaseTimeout / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			err := p.queue.Extend(ctx, d)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return
			case errors.Is(err, domain.ErrLeaseLost):
				log.Warn("lease lost while held", "error", err)
				return
			default:
				log.Warn("lease renewal failed", "error", err)
			}
		}
	}()
	return l
}

func (p *Pool) finish(log *slog.Logger, span trace.Span, outcome string, attempt int) {
	switch outcome {
	case OutcomeSuccess:
		p.succeeded.Add(1)
	case OutcomeFailed:
		p.failed.Add(1)
	case OutcomeRetry:
		p.retried.Add(1)
		p.metrics.IncrementRetries()
	case OutcomeUnacked:
		p.unacked.Add(1)
	case OutcomeLeaseLost:
		p.leaseLost.Add(1)
	}
	p.metrics.ObserveOutcome(outcome)
	span.SetAttributes(attribute.String("outcome", outcome))
	log.Debug("item handled", "attempt", attempt, "outcome", outcome)
}

func failureMessage(err error) string {
	var le *domain.LookupError
	if errors.As(err, &le) && le.Message != "" {
		return le.Message
	}
	return err.Error()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
