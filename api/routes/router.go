package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/contratapro-lifecycle/api/controllers"
	"github.com/angelmondragon/contratapro-lifecycle/api/middleware"
	"github.com/angelmondragon/contratapro-lifecycle/internal/resolver"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/config"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
)

// Deps carries what the worker router exposes.
type Deps struct {
	DB       controllers.Pinger
	Redis    controllers.Pinger
	Metrics  http.Handler
	Runner   resolver.LeaseRunner
	Resolver resolver.Runnable
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"database": deps.DB,
			"redis":    deps.Redis,
		}))
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/internal/resolver", func(r chi.Router) {
		r.Post("/run", controllers.ResolverRun(cfg.Resolver.TriggerToken, cfg.Resolver.LeaseTTL, deps.Runner, deps.Resolver, logg))
	})

	return r
}
