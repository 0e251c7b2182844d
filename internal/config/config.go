package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/cwygoda/cepresolver/internal/domain"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CEPRESOLVER_"

// Config holds application configuration.
type Config struct {
	// QueueURL selects the queue backend: sqlite://path, redis://host:port/db
	// or memory://. Empty means the sqlite database at DatabaseURL.
	QueueURL string `toml:"queue_url" env:"QUEUE_URL"`
	// DatabaseURL is a SQLite file path or a postgres:// URL.
	DatabaseURL      string `toml:"database_url" env:"DATABASE_URL"`
	IdentifierLength int    `toml:"identifier_length" env:"IDENTIFIER_LENGTH"`

	Lookup   LookupConfig   `toml:"lookup" envPrefix:"LOOKUP_"`
	Rate     RateConfig     `toml:"rate" envPrefix:"RATE_"`
	Worker   WorkerConfig   `toml:"worker" envPrefix:"WORKER_"`
	HTTP     HTTPConfig     `toml:"http" envPrefix:"HTTP_"`
	Failures FailuresConfig `toml:"failures" envPrefix:"FAILURES_"`
	Log      LogConfig      `toml:"log" envPrefix:"LOG_"`
	Run      RunConfig      `toml:"run" envPrefix:"RUN_"`

	OTelEndpoint string `toml:"otel_endpoint" env:"OTEL_ENDPOINT"`
}

type LookupConfig struct {
	BaseURL string        `toml:"base_url" env:"BASE_URL"`
	Timeout time.Duration `toml:"timeout" env:"TIMEOUT"`
}

type RateConfig struct {
	Capacity    int           `toml:"capacity" env:"CAPACITY"`
	Window      time.Duration `toml:"window" env:"WINDOW"`
	MinInterval time.Duration `toml:"min_interval" env:"MIN_INTERVAL"`
}

type WorkerConfig struct {
	Count             int           `toml:"count" env:"COUNT"`
	MaxAttempts       int           `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	BackoffBase       time.Duration `toml:"backoff_base" env:"BACKOFF_BASE"`
	BackoffMax        time.Duration `toml:"backoff_max" env:"BACKOFF_MAX"`
	BackoffJitter     float64       `toml:"backoff_jitter" env:"BACKOFF_JITTER"`
	PollInterval      time.Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
	VisibilityTimeout time.Duration `toml:"visibility_timeout" env:"VISIBILITY_TIMEOUT"`
}

type HTTPConfig struct {
	Addr   string `toml:"addr" env:"ADDR"`
	Secret string `toml:"secret" env:"SECRET"`
}

// FailuresConfig adds a Kafka stream next to the database failure table
// when Brokers is set.
type FailuresConfig struct {
	Brokers []string `toml:"kafka_brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `toml:"kafka_topic" env:"KAFKA_TOPIC"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

// RunConfig controls a single invocation of the binary.
type RunConfig struct {
	Input     string `toml:"input" env:"INPUT"`
	MaxItems  int    `toml:"max_items" env:"MAX_ITEMS"`
	Serve     bool   `toml:"serve" env:"SERVE"`
	Export    string `toml:"export" env:"EXPORT"`
	ExportOut string `toml:"export_out" env:"EXPORT_OUT"`
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "cepresolver", "cepresolver.db")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DatabaseURL:      DefaultDBPath(),
		IdentifierLength: domain.DefaultIdentifierLength,
		Lookup: LookupConfig{
			BaseURL: "https://viacep.com.br/ws",
			Timeout: 30 * time.Second,
		},
		Rate: RateConfig{
			Capacity: 5,
			Window:   time.Second,
		},
		Worker: WorkerConfig{
			Count:             4,
			MaxAttempts:       3,
			BackoffBase:       time.Second,
			BackoffMax:        time.Minute,
			BackoffJitter:     0.2,
			PollInterval:      time.Second,
			VisibilityTimeout: 2 * time.Minute,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Failures: FailuresConfig{
			Topic: "cepresolver.failures",
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Run: RunConfig{MaxItems: 10000},
	}
}

// Load builds Config from defaults, an optional TOML file named by -config,
// CEPRESOLVER_* environment variables and finally explicitly set flags.
func Load(args []string) (*Config, error) {
	var path string
	fs := newFlagSet(Default(), &path)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", domain.ErrConfiguration, path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("%w: parse env: %w", domain.ErrConfiguration, err)
	}

	// Second pass: file and env values become flag defaults, so only flags
	// present in args override them.
	if err := newFlagSet(cfg, &path).Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newFlagSet(cfg *Config, configPath *string) *flag.FlagSet {
	fs := flag.NewFlagSet("cepresolver", flag.ContinueOnError)

	fs.StringVar(configPath, "config", *configPath, "TOML configuration file")
	fs.StringVar(&cfg.QueueURL, "queue", cfg.QueueURL, "Queue URL (sqlite://path, redis://host:port/db, memory://)")
	fs.StringVar(&cfg.DatabaseURL, "db", cfg.DatabaseURL, "SQLite database path or postgres:// URL")
	fs.IntVar(&cfg.IdentifierLength, "identifier-length", cfg.IdentifierLength, "Digits in a valid identifier")

	fs.StringVar(&cfg.Lookup.BaseURL, "lookup-url", cfg.Lookup.BaseURL, "Lookup service base URL")
	fs.DurationVar(&cfg.Lookup.Timeout, "lookup-timeout", cfg.Lookup.Timeout, "Per-call lookup timeout")

	fs.IntVar(&cfg.Rate.Capacity, "rate-capacity", cfg.Rate.Capacity, "Lookups allowed per rate window")
	fs.DurationVar(&cfg.Rate.Window, "rate-window", cfg.Rate.Window, "Rolling rate window")
	fs.DurationVar(&cfg.Rate.MinInterval, "rate-min-interval", cfg.Rate.MinInterval, "Minimum spacing between lookups")

	fs.IntVar(&cfg.Worker.Count, "workers", cfg.Worker.Count, "Worker pool size")
	fs.IntVar(&cfg.Worker.MaxAttempts, "max-attempts", cfg.Worker.MaxAttempts, "Maximum lookup attempts per identifier")
	fs.DurationVar(&cfg.Worker.BackoffBase, "backoff-base", cfg.Worker.BackoffBase, "Retry delay after the first attempt")
	fs.DurationVar(&cfg.Worker.BackoffMax, "backoff-max", cfg.Worker.BackoffMax, "Retry delay cap")
	fs.Float64Var(&cfg.Worker.BackoffJitter, "backoff-jitter", cfg.Worker.BackoffJitter, "Retry delay jitter fraction in [0,1]")
	fs.DurationVar(&cfg.Worker.PollInterval, "poll-interval", cfg.Worker.PollInterval, "Worker poll interval when the queue is empty")
	fs.DurationVar(&cfg.Worker.VisibilityTimeout, "visibility-timeout", cfg.Worker.VisibilityTimeout, "Queue lease duration")

	fs.StringVar(&cfg.HTTP.Addr, "addr", cfg.HTTP.Addr, "HTTP listen address")
	fs.StringVar(&cfg.HTTP.Secret, "secret", cfg.HTTP.Secret, "Shared secret for signed intake requests")

	fs.Func("kafka-brokers", "Comma-separated Kafka brokers for failure events", func(s string) error {
		cfg.Failures.Brokers = splitList(s)
		return nil
	})
	fs.StringVar(&cfg.Failures.Topic, "kafka-topic", cfg.Failures.Topic, "Kafka topic for failure events")

	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format (text, json)")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP/HTTP trace endpoint; empty disables tracing")

	fs.StringVar(&cfg.Run.Input, "input", cfg.Run.Input, "CSV file of identifiers to enqueue; empty skips intake")
	fs.IntVar(&cfg.Run.MaxItems, "max-items", cfg.Run.MaxItems, "Maximum identifiers to enqueue from -input (0 = all)")
	fs.BoolVar(&cfg.Run.Serve, "serve", cfg.Run.Serve, "Run the HTTP server and keep polling instead of draining")
	fs.StringVar(&cfg.Run.Export, "export", cfg.Run.Export, "Export resolved records after the run (json, xml)")
	fs.StringVar(&cfg.Run.ExportOut, "export-out", cfg.Run.ExportOut, "Export destination; empty writes to stdout")

	return fs
}

// Validate reports every invalid setting, wrapped in domain.ErrConfiguration.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.DatabaseURL != "", "database URL is required")
	check(c.QueueURL != "" || !c.UsesPostgres(), "queue URL is required with a postgres database")
	check(c.IdentifierLength > 0, "identifier length must be positive")
	check(c.Lookup.BaseURL != "", "lookup base URL is required")
	check(c.Lookup.Timeout > 0, "lookup timeout must be positive")
	check(c.Rate.Capacity > 0, "rate capacity must be positive")
	check(c.Rate.Window > 0, "rate window must be positive")
	check(c.Rate.MinInterval >= 0, "rate min interval must not be negative")
	check(c.Worker.Count > 0, "worker count must be positive")
	check(c.Worker.MaxAttempts > 0, "max attempts must be positive")
	check(c.Worker.BackoffBase >= 0, "backoff base must not be negative")
	check(c.Worker.BackoffMax >= c.Worker.BackoffBase, "backoff max must be at least backoff base")
	check(c.Worker.BackoffJitter >= 0 && c.Worker.BackoffJitter <= 1, "backoff jitter must be within [0,1]")
	check(c.Worker.PollInterval > 0, "poll interval must be positive")
	if hold := c.Lookup.Timeout + c.MaxGateWait(); c.Worker.VisibilityTimeout <= hold {
		check(false, "visibility timeout %s must exceed lookup timeout plus worst rate-gate wait (%s)",
			c.Worker.VisibilityTimeout, hold)
	}
	check(c.Run.MaxItems >= 0, "max items must not be negative")
	switch c.Run.Export {
	case "", "json", "xml":
	default:
		check(false, "unknown export format %q", c.Run.Export)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// MaxGateWait bounds how long a received item waits at the rate limiter:
// every other worker may be queued ahead of it, each taking a slot, and the
// spacer adds MinInterval per slot.
func (c *Config) MaxGateWait() time.Duration {
	if c.Rate.Capacity <= 0 || c.Worker.Count <= 0 {
		return 0
	}
	windows := (c.Worker.Count + c.Rate.Capacity - 1) / c.Rate.Capacity
	return time.Duration(windows)*c.Rate.Window + time.Duration(c.Worker.Count)*c.Rate.MinInterval
}

// UsesPostgres reports whether DatabaseURL points at PostgreSQL.
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
