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
	"github.com/BourguignonSimon/DevTeamAutomated/internal/runtime"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/validator"
)

func main() {
	a, err := app.Bootstrap("validator")
	if err != nil {
		slog.Error("[Validator] Bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	consumer := runtime.NewConsumer(
		a.Store, a.Registry, a.Guard, a.DLQ, a.Metrics, validator.Handle,
		a.ConsumerConfig(validator.Group, a.Cfg.ConsumerName, "validator_handler_error"),
	)

	opsServer := ops.NewServer(a.Cfg.OpsAddr, a.Store, nil, nil, a.Cfg.DLQStream, a.Prom)
	go func() {
		if err := opsServer.Start(); err != nil {
			slog.Error("[Validator] Ops server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("[Validator] Consumer stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[Validator] Ops shutdown failed", "error", err)
	}
}
