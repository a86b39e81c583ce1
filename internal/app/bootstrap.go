// Package app bootstraps the shared plumbing every binary needs: env plus
// config, the slog default logger, the Redis-backed substrate, the schema
// registry, the idempotence guard, the DLQ publisher and the Prometheus
// registry. Binaries wire their own handlers on top.
package app

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/config"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/dlq"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/idempotence"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/infra"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/runtime"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/schema"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/substrate"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/trace"
)

// App is the assembled shared plumbing for one process.
type App struct {
	Cfg      config.Settings
	Store    substrate.Store
	Registry *schema.Registry
	Guard    *idempotence.Guard
	DLQ      *dlq.Publisher
	Trace    *trace.Logger
	Metrics  *runtime.Metrics
	Prom     *prometheus.Registry
}

// Bootstrap loads configuration, sets up logging and connects the
// substrate. component tags every log line from this process.
func Bootstrap(component string) (*App, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("[App] No .env file found")
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})).With("component", component)
	slog.SetDefault(logger)

	store, err := infra.NewRedisStore(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("connect substrate: %w", err)
	}

	registry, err := schema.Load(cfg.SchemasDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &App{
		Cfg:      cfg,
		Store:    store,
		Registry: registry,
		Guard:    idempotence.NewGuard(store, cfg.IdempotencePrefix),
		DLQ:      dlq.NewPublisher(store, cfg.DLQStream),
		Trace:    trace.NewLogger(store, cfg.TracePrefix),
		Metrics:  runtime.NewMetrics(prom, cfg.MetricsNamespace),
		Prom:     prom,
	}, nil
}

// ConsumerConfig builds the runtime config for a consumer loop of this
// process, defaulting group and consumer from the settings when empty.
func (a *App) ConsumerConfig(group, consumer, handlerErrReason string) runtime.Config {
	if group == "" {
		group = a.Cfg.ConsumerGroup
	}
	if consumer == "" {
		consumer = a.Cfg.ConsumerName
	}
	return runtime.Config{
		Stream:           a.Cfg.StreamName,
		Group:            group,
		Consumer:         consumer,
		Block:            a.Cfg.Block(),
		IdleReclaim:      a.Cfg.IdleReclaim(),
		ReclaimCount:     int64(a.Cfg.PendingReclaimCount),
		MaxAttempts:      a.Cfg.MaxAttempts,
		DedupeTTL:        a.Cfg.DedupeTTL(),
		HandlerTimeout:   a.Cfg.HandlerTimeout(),
		AttemptPrefix:    a.Cfg.KeyPrefix + ":attempts",
		HandlerErrReason: handlerErrReason,
	}
}

// Close releases the substrate connection.
func (a *App) Close() {
	if err := a.Store.Close(); err != nil {
		slog.Warn("[App] Substrate close failed", "error", err)
	}
}
