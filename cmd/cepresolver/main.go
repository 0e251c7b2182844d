package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpAdapter "github.com/cwygoda/cepresolver/internal/adapter/http"
	"github.com/cwygoda/cepresolver/internal/adapter/viacep"
	"github.com/cwygoda/cepresolver/internal/config"
	"github.com/cwygoda/cepresolver/internal/domain"
	"github.com/cwygoda/cepresolver/internal/export"
	"github.com/cwygoda/cepresolver/internal/ingest"
	"github.com/cwygoda/cepresolver/internal/metrics"
	"github.com/cwygoda/cepresolver/internal/platform/logger"
	"github.com/cwygoda/cepresolver/internal/platform/otel"
	"github.com/cwygoda/cepresolver/internal/ratelimit"
	"github.com/cwygoda/cepresolver/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cepresolver: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cepresolver: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, os.Stdout); err != nil {
		log.Error("run failed", "error", err)
		stop()
		if errors.Is(err, domain.ErrConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger, stdout io.Writer) error {
	shutdownTracing, err := otel.Setup(ctx, "cepresolver", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	validator := domain.NewValidator(cfg.IdentifierLength)
	intake := domain.NewIntakeService(b.queue, validator, b.store, b.store)

	if cfg.Run.Input != "" {
		if err := ingestFile(ctx, intake, cfg, log); err != nil {
			return err
		}
	}

	limiter, err := ratelimit.New(cfg.Rate.Capacity, cfg.Rate.Window, ratelimit.WithMinInterval(cfg.Rate.MinInterval))
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	}
	client := viacep.New(cfg.Lookup.BaseURL, cfg.Lookup.Timeout, viacep.WithValidator(validator))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	pool, err := worker.New(b.queue, limiter, client, b.store, b.recorder, worker.Options{
		Workers:     cfg.Worker.Count,
		MaxAttempts: cfg.Worker.MaxAttempts,
		Backoff: worker.Backoff{
			Base:   cfg.Worker.BackoffBase,
			Max:    cfg.Worker.BackoffMax,
			Jitter: cfg.Worker.BackoffJitter,
		},
		PollInterval: cfg.Worker.PollInterval,
		LeaseTimeout: cfg.Worker.VisibilityTimeout,
		Drain:        !cfg.Run.Serve,
	}, worker.WithLogger(log), worker.WithMetrics(m))
	if err != nil {
		return err
	}

	var srv *httpAdapter.Server
	if cfg.Run.Serve {
		srv = httpAdapter.NewServer(intake, b.store, b.store, validator, cfg.HTTP.Addr,
			httpAdapter.WithSecret(cfg.HTTP.Secret),
			httpAdapter.WithLogger(log),
			httpAdapter.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
			httpAdapter.WithPoolStats(pool.Stats),
		)
		go func() {
			log.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("HTTP server error", "error", err)
			}
		}()
	}

	if err := pool.Run(ctx); err != nil {
		return err
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown error", "error", err)
		}
	}

	// Reporting and export run after cancellation too.
	final := context.WithoutCancel(ctx)
	report, err := intake.Report(final)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	reportOut := stdout
	if cfg.Run.Export != "" && cfg.Run.ExportOut == "" {
		// stdout carries the export document.
		reportOut = os.Stderr
	}
	fmt.Fprintf(reportOut, "resolved=%d failed=%d pending=%d\n", report.Resolved, report.Failed, report.Pending)

	if cfg.Run.Export != "" {
		if err := exportRecords(final, cfg, b.store, stdout, log); err != nil {
			return err
		}
	}

	log.Info("shutdown complete")
	return nil
}

func ingestFile(ctx context.Context, intake *domain.IntakeService, cfg *config.Config, log *slog.Logger) error {
	raws, err := ingest.ReadFile(cfg.Run.Input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	res, err := intake.SubmitBatch(ctx, raws, cfg.Run.MaxItems)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	log.Info("input enqueued",
		"file", cfg.Run.Input,
		"accepted", len(res.Accepted),
		"rejected", len(res.Rejected),
		"duplicates", res.Duplicates,
	)
	for _, rej := range res.Rejected {
		log.Debug("identifier rejected", "raw", rej.Raw, "reason", rej.Reason)
	}
	return nil
}

func exportRecords(ctx context.Context, cfg *config.Config, store domain.RecordStore, stdout io.Writer, log *slog.Logger) error {
	format, err := export.ParseFormat(cfg.Run.Export)
	if err != nil {
		return err
	}

	w := stdout
	if cfg.Run.ExportOut != "" {
		f, err := os.Create(cfg.Run.ExportOut)
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer f.Close()
		w = f
	}

	n, err := export.Run(ctx, store, format, time.Time{}, time.Time{}, w)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	log.Info("records exported", "format", format, "count", n, "out", cfg.Run.ExportOut)
	return nil
}
