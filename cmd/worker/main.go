package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/app"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/ops"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/reasoner"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/runtime"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/worker"
)

func main() {
	a, err := app.Bootstrap("worker")
	if err != nil {
		slog.Error("[Worker] Bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	var reasonerClient *reasoner.Client
	if a.Cfg.ReasonerURL != "" {
		reasonerClient = reasoner.NewClient(a.Cfg.ReasonerURL, a.Cfg.HandlerTimeout())
	}

	agent := worker.ByTarget(a.Cfg.AgentTarget, reasonerClient)
	if agent == nil {
		slog.Error("[Worker] Unknown agent target", "agent_target", a.Cfg.AgentTarget)
		os.Exit(1)
	}

	harness := worker.NewHarness(a.Store, a.Trace, agent, a.Cfg.StreamName, agent.Target())

	// Each agent target gets its own consumer group so every target sees
	// every dispatch and filters for its own.
	group := agent.Target() + "s"
	consumer := runtime.NewConsumer(
		a.Store, a.Registry, a.Guard, a.DLQ, a.Metrics, harness.Handle,
		a.ConsumerConfig(group, a.Cfg.ConsumerName, "worker_handler_error"),
	)

	opsServer := ops.NewServer(a.Cfg.OpsAddr, a.Store, nil, nil, a.Cfg.DLQStream, a.Prom)
	go func() {
		if err := opsServer.Start(); err != nil {
			slog.Error("[Worker] Ops server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("[Worker] Consumer stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[Worker] Ops shutdown failed", "error", err)
	}
}
