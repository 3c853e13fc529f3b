package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/contratapro-lifecycle/internal/app"
	"github.com/angelmondragon/contratapro-lifecycle/internal/cron"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/config"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
)

// Exit codes understood by the scheduler that launches this binary.
const (
	exitOK         = 0
	exitFailed     = 1
	exitLeaseHeld  = 3
	exitRowFailure = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	logg := logger.New(logger.Options{ServiceName: "resolver"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		return exitFailed
	}

	logg = logger.New(logger.Options{
		ServiceName: "resolver",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithField(ctx, "env", cfg.App.Env)

	a, err := app.Build(ctx, cfg, logg, prometheus.DefaultRegisterer)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap resolver", err)
		return exitFailed
	}
	defer a.Close()

	report, err := a.RunResolver(ctx)
	switch {
	case errors.Is(err, cron.ErrLeaseHeld):
		logg.Info(ctx, "resolver run skipped, lease held")
		return exitLeaseHeld
	case err != nil:
		logg.Error(ctx, "resolver run failed", err)
		return exitFailed
	}

	if err := json.NewEncoder(os.Stdout).Encode(report); err != nil {
		logg.Error(ctx, "failed to write report", err)
	}
	if report.Failed() {
		logg.Error(ctx, "resolver run completed with failures", report.Err())
		return exitRowFailure
	}
	return exitOK
}
