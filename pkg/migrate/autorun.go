package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/config"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/db"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
)

// EnsureSchema applies the embedded migrations in dev when auto-migrate is enabled. Elsewhere
// it only compares the database version with the embedded set and warns when the store is
// behind, since the resolver and the lifecycle writes assume the latest columns.
func EnsureSchema(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}
	latest, err := LatestVersion("")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "schema_latest": latest})

	if cfg.App.IsDev() && cfg.FeatureFlags.AutoMigrate {
		logg.Info(ctx, "schema.migrate.start")
		if err := Run(ctx, sqlDB, "", "up"); err != nil {
			return fmt.Errorf("running goose up: %w", err)
		}
		logg.Info(ctx, "schema.migrate.complete")
		return nil
	}

	current, err := CurrentVersion(ctx, sqlDB)
	if err != nil {
		logg.Warn(logg.WithField(ctx, "error", err.Error()), "schema.version.unknown")
		return nil
	}
	if current < latest {
		logg.Warn(logg.WithField(ctx, "schema_current", current), "schema.behind")
	}
	return nil
}
