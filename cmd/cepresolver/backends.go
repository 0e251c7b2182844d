package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cwygoda/cepresolver/internal/adapter/kafka"
	"github.com/cwygoda/cepresolver/internal/adapter/memory"
	"github.com/cwygoda/cepresolver/internal/adapter/postgres"
	"github.com/cwygoda/cepresolver/internal/adapter/redisqueue"
	"github.com/cwygoda/cepresolver/internal/adapter/sqlite"
	"github.com/cwygoda/cepresolver/internal/config"
	"github.com/cwygoda/cepresolver/internal/domain"
)

// store is what the binary needs from a persistence backend.
type store interface {
	domain.RecordStore
	domain.FailureRecorder
	domain.FailureReader
}

type backends struct {
	queue    domain.Queue
	store    store
	recorder domain.FailureRecorder
	closers  []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var sqliteDB *sql.DB
	if cfg.UsesPostgres() {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, func() { db.Close() })
		b.store = postgres.NewStore(db)
		log.Info("database opened", "backend", "postgres")
	} else {
		db, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		b.closers = append(b.closers, func() { db.Close() })
		b.store = sqlite.NewStore(db)
		sqliteDB = db
		log.Info("database opened", "backend", "sqlite", "path", cfg.DatabaseURL)
	}

	if b.queue, err = openQueue(ctx, cfg, sqliteDB, b, log); err != nil {
		return nil, err
	}

	b.recorder = b.store
	if len(cfg.Failures.Brokers) > 0 {
		rec, err := kafka.New(cfg.Failures.Brokers, cfg.Failures.Topic)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, rec.Close)
		if err := rec.EnsureTopic(ctx, 1, 1); err != nil {
			log.Warn("failure topic not created", "topic", cfg.Failures.Topic, "error", err)
		}
		b.recorder = domain.Recorders{b.store, rec}
		log.Info("failure events enabled", "topic", cfg.Failures.Topic)
	}
	return b, nil
}

func openQueue(ctx context.Context, cfg *config.Config, sqliteDB *sql.DB, b *backends, log *slog.Logger) (domain.Queue, error) {
	url := cfg.QueueURL
	visibility := cfg.Worker.VisibilityTimeout

	switch {
	case url == "" || url == "sqlite://" || url == "sqlite://"+cfg.DatabaseURL:
		if sqliteDB == nil {
			return nil, fmt.Errorf("%w: queue URL is required with a postgres database", domain.ErrConfiguration)
		}
		return recoverSQLiteQueue(ctx, sqlite.NewQueue(sqliteDB, sqlite.WithVisibilityTimeout(visibility)), log)

	case strings.HasPrefix(url, "sqlite://"):
		db, err := sqlite.Open(strings.TrimPrefix(url, "sqlite://"))
		if err != nil {
			return nil, fmt.Errorf("open queue database: %w", err)
		}
		b.closers = append(b.closers, func() { db.Close() })
		return recoverSQLiteQueue(ctx, sqlite.NewQueue(db, sqlite.WithVisibilityTimeout(visibility)), log)

	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		q, err := redisqueue.Open(ctx, url, redisqueue.WithVisibilityTimeout(visibility))
		if err != nil {
			return nil, fmt.Errorf("open redis queue: %w", err)
		}
		b.closers = append(b.closers, func() { q.Close() })
		log.Info("queue opened", "backend", "redis")
		return q, nil

	case url == "memory://":
		log.Warn("using in-memory queue; pending items are lost on exit")
		return memory.NewQueue(visibility), nil
	}
	return nil, fmt.Errorf("%w: unsupported queue URL %q", domain.ErrConfiguration, url)
}

// recoverSQLiteQueue releases leases left by a previous crashed run.
func recoverSQLiteQueue(ctx context.Context, q *sqlite.Queue, log *slog.Logger) (domain.Queue, error) {
	n, err := q.RecoverStale(ctx)
	if err != nil {
		log.Warn("failed to recover stale leases", "error", err)
	} else if n > 0 {
		log.Info("recovered stale leases", "count", n)
	}
	log.Info("queue opened", "backend", "sqlite")
	return q, nil
}
