package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/contratapro-lifecycle/api/routes"
	"github.com/angelmondragon/contratapro-lifecycle/internal/app"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
)

const shutdownTimeout = 20 * time.Second

type ServiceParams struct {
	App *app.App
}

// Service serves health, metrics and the resolver trigger.
type Service struct {
	app  *app.App
	logg *logger.Logger
	srv  *http.Server
}

func NewService(params ServiceParams) (*Service, error) {
	if params.App == nil {
		return nil, errors.New("app is required")
	}
	a := params.App
	if a.Config == nil || a.Logger == nil || a.DB == nil || a.Redis == nil {
		return nil, errors.New("app is not fully built")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = a.Config.App.Port
	}

	handler := routes.NewRouter(a.Config, a.Logger, routes.Deps{
		DB:       a.DB,
		Redis:    a.Redis,
		Metrics:  promhttp.Handler(),
		Runner:   a.Runner,
		Resolver: a.Resolver,
	})

	return &Service{
		app:  a,
		logg: a.Logger,
		srv: &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.app.DB.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "redis", s.app.Redis.Ping); err != nil {
		return err
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run serves until ctx is cancelled, then drains in-flight requests. A resolver run in
// progress keeps its lease until it finishes or the lease expires.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	ctx = s.logg.WithFields(ctx, map[string]any{
		"env":  s.app.Config.App.Env,
		"addr": s.srv.Addr,
	})
	s.logg.Info(ctx, "starting worker server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logg.Info(ctx, "worker context canceled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return ctx.Err()
}
