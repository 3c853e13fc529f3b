package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/config"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/db"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/migrate"
)

type options struct {
	cmd     string
	dir     string
	name    string
	version string
}

func main() {
	var opts options
	flag.StringVar(&opts.cmd, "cmd", "up", "migration command: up|down|status|version|create|validate")
	flag.StringVar(&opts.dir, "dir", migrate.DefaultDir, "goose migrations directory")
	flag.StringVar(&opts.name, "name", "", "migration name (for create)")
	flag.StringVar(&opts.version, "version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	_ = godotenv.Load()
	os.Exit(run(opts))
}

func run(opts options) int {
	logg := logger.New(logger.Options{ServiceName: "migrate"})

	// offline commands skip config and the database
	switch opts.cmd {
	case "create":
		if opts.name == "" {
			fmt.Fprintln(os.Stderr, "missing -name for create")
			return 1
		}
		path, err := migrate.CreateSQLMigration(opts.dir, opts.name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create migration: %v\n", err)
			return 1
		}
		fmt.Println("created migration:", path)
		return 0
	case "validate":
		if err := migrate.ValidateDir(opts.dir); err != nil {
			fmt.Fprintf(os.Stderr, "migration validation failed: %v\n", err)
			return 1
		}
		if err := migrate.ValidateLifecycleSchema(opts.dir); err != nil {
			fmt.Fprintf(os.Stderr, "schema validation failed: %v\n", err)
			return 1
		}
		fmt.Println("migration validation passed")
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		return 1
	}
	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env": cfg.App.Env,
		"cmd": opts.cmd,
		"dir": opts.dir,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "resource not working: database", err)
		return 1
	}
	defer dbClient.Close()

	sqlDB, err := dbClient.DB().DB()
	if err != nil {
		logg.Error(ctx, "resource not working: sql database", err)
		return 1
	}

	if err := execute(ctx, sqlDB, opts); err != nil {
		logg.Error(ctx, "migration failed", err)
		return 1
	}
	logg.Info(ctx, "migration complete")
	return 0
}

func execute(ctx context.Context, sqlDB *sql.DB, opts options) error {
	switch opts.cmd {
	case "up", "down", "status":
		return migrate.Run(ctx, sqlDB, opts.dir, opts.cmd)
	case "version":
		if opts.version == "" {
			return fmt.Errorf("missing -version for version command")
		}
		return migrate.MigrateToVersion(ctx, sqlDB, opts.dir, opts.version)
	default:
		return fmt.Errorf("unknown -cmd value: %s", opts.cmd)
	}
}
