package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/app"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/backlog"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/dod"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/locks"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/ops"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/orchestrator"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/question"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/runtime"
)

// Group is the orchestrator's consumer group on the main stream.
const Group = "orchestrators"

func main() {
	a, err := app.Bootstrap("orchestrator")
	if err != nil {
		slog.Error("[Orchestrator] Bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	backlogStore := backlog.NewStore(a.Store, a.Cfg.KeyPrefix)
	questionStore := question.NewStore(a.Store, a.Cfg.KeyPrefix)

	orch := orchestrator.New(
		a.Store,
		backlogStore,
		questionStore,
		locks.NewService(a.Store),
		dod.NewRegistry(),
		a.Trace,
		orchestrator.NewMetrics(a.Prom, a.Cfg.MetricsNamespace),
		orchestrator.Config{
			Stream:     a.Cfg.StreamName,
			LockPrefix: a.Cfg.KeyPrefix + ":lock:dispatch",
			LockTTL:    a.Cfg.LockTTL(),
		},
	)

	consumer := runtime.NewConsumer(
		a.Store, a.Registry, a.Guard, a.DLQ, a.Metrics, orch.Handle,
		a.ConsumerConfig(Group, a.Cfg.ConsumerName, "orchestrator_handler_error"),
	)

	opsServer := ops.NewServer(a.Cfg.OpsAddr, a.Store, backlogStore, questionStore, a.Cfg.DLQStream, a.Prom)
	go func() {
		if err := opsServer.Start(); err != nil {
			slog.Error("[Orchestrator] Ops server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("[Orchestrator] Consumer stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[Orchestrator] Ops shutdown failed", "error", err)
	}
}
