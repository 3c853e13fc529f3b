// Package app wires the lifecycle engine for the command binaries.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/contratapro-lifecycle/internal/cron"
	"github.com/angelmondragon/contratapro-lifecycle/internal/notifications"
	"github.com/angelmondragon/contratapro-lifecycle/internal/payments"
	"github.com/angelmondragon/contratapro-lifecycle/internal/plans"
	"github.com/angelmondragon/contratapro-lifecycle/internal/resolver"
	"github.com/angelmondragon/contratapro-lifecycle/internal/subscriptions"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/clock"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/config"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/db"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/metrics"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/migrate"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/redis"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/square"
)

// App holds the long-lived clients and services shared by the binaries.
type App struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.Client
	Redis     *redis.Client
	Clock     clock.Clock
	Lifecycle *subscriptions.Service
	Resolver  *resolver.Resolver
	Runner    *cron.Runner
}

// Build connects to Postgres and Redis and assembles the lifecycle service, the resolver and
// the lease-guarded runner. Callers must Close the returned App.
func Build(ctx context.Context, cfg *config.Config, logg *logger.Logger, reg prometheus.Registerer) (*App, error) {
	clk, err := clock.Load(cfg.Resolver.Timezone)
	if err != nil {
		return nil, err
	}

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database: %w", err)
	}
	a := &App{Config: cfg, Logger: logg, DB: dbClient, Clock: clk}

	if err := migrate.EnsureSchema(ctx, cfg, logg, dbClient); err != nil {
		a.Close()
		return nil, fmt.Errorf("dev migrations: %w", err)
	}

	a.Redis, err = redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	gateway, err := buildGateway(ctx, cfg.Square, logg)
	if err != nil {
		a.Close()
		return nil, err
	}
	notifier, err := buildNotifier(cfg, dbClient, logg)
	if err != nil {
		a.Close()
		return nil, err
	}

	store := subscriptions.NewRepository(dbClient.DB(), dbClient)
	a.Lifecycle, err = subscriptions.NewService(subscriptions.ServiceParams{
		Store:       store,
		Catalog:     plans.NewRepository(dbClient.DB()),
		Gateway:     gateway,
		Notifier:    notifier,
		Idempotency: a.Redis,
		Clock:       clk,
		Logger:      logg,
		Config:      cfg.Lifecycle,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("lifecycle service: %w", err)
	}

	a.Resolver, err = resolver.New(resolver.Params{
		Candidates: store,
		Lifecycle:  a.Lifecycle,
		Notifier:   notifier,
		Clock:      clk,
		Logger:     logg,
		Metrics:    metrics.NewResolverMetrics(reg),
		Config:     cfg.Resolver,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("resolver: %w", err)
	}

	lock, err := cron.NewRedisLock(a.Redis, a.Redis.LeaseKey("resolver", cfg.App.Env), cfg.Resolver.LeaseTTL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("resolver lease: %w", err)
	}
	a.Runner, err = cron.NewRunner(cron.RunnerParams{
		Logger:  logg,
		Lock:    lock,
		Metrics: metrics.NewCronJobMetrics(reg),
		Clock:   clk,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("runner: %w", err)
	}
	return a, nil
}

// RunResolver executes one resolver run under the lease and returns its report.
func (a *App) RunResolver(ctx context.Context) (resolver.Report, error) {
	return resolver.RunUnderLease(ctx, a.Runner, a.Resolver)
}

// Close releases the connections opened by Build.
func (a *App) Close() {
	ctx := context.Background()
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error(ctx, "error closing redis", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error(ctx, "error closing database", err)
		}
	}
}

func buildGateway(ctx context.Context, cfg config.SquareConfig, logg *logger.Logger) (payments.Gateway, error) {
	if !cfg.Enabled() {
		logg.Warn(ctx, "square not configured; paid operations are unavailable")
		return nil, nil
	}
	client, err := square.NewClient(ctx, cfg, logg)
	if err != nil {
		return nil, fmt.Errorf("square client: %w", err)
	}
	gateway, err := payments.NewSquareGateway(payments.SquareParams{
		Client:          client,
		LocationID:      cfg.LocationID,
		PlanVariations:  cfg.PlanVariations,
		CheckoutBaseURL: cfg.CheckoutBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("square gateway: %w", err)
	}
	return gateway, nil
}

func buildNotifier(cfg *config.Config, dbClient *db.Client, logg *logger.Logger) (notifications.Notifier, error) {
	renderer, err := notifications.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("notification templates: %w", err)
	}

	var sender notifications.Gateway
	if cfg.Postmark.Enabled() {
		sender, err = notifications.NewPostmarkSender(cfg.Postmark, renderer)
		if err != nil {
			return nil, fmt.Errorf("postmark sender: %w", err)
		}
	} else {
		sender = notifications.NewLogSender(renderer, logg)
	}

	dispatcher, err := notifications.NewDispatcher(notifications.DispatcherParams{
		Directory:     notifications.NewDirectory(dbClient.DB()),
		Gateway:       sender,
		Logger:        logg,
		Timeout:       cfg.Resolver.NotificationTimeout,
		RatePerSecond: cfg.Postmark.RatePerSecond,
		Burst:         cfg.Postmark.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("notification dispatcher: %w", err)
	}
	return dispatcher, nil
}
