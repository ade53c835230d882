package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/SAI09992/scrs/internal/app/migrate"
	"github.com/SAI09992/scrs/internal/repository"
	"github.com/SAI09992/scrs/internal/repository/sqlite"
	"github.com/SAI09992/scrs/pkg/config"
	"github.com/SAI09992/scrs/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	flag.Parse()

	cfg, err := config.LoadAPIConfig()
	log := logger.New("migrate", slog.LevelInfo)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var runner migrate.Runner
	switch cfg.StoreDriver {
	case config.StorePostgres:
		runner, err = migrate.OpenPostgres(cfg.DatabaseURL, cfg.MigrationsDir, log)
	case config.StoreSQLite:
		var store *sqlite.Store
		store, err = sqlite.Open(cfg.SQLitePath, repository.DefaultRetryPolicy())
		if err == nil {
			defer store.Close()
			runner, err = migrate.New(store.DB(), migrate.DriverSQLite, cfg.MigrationsDir, log)
		}
	default:
		log.Error("store driver has no migrations", "driver", cfg.StoreDriver)
		os.Exit(1)
	}
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	switch *command {
	case "up":
		if err := runner.Ensure(ctx); err != nil {
			log.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	case "status":
		if err := runner.Status(ctx); err != nil {
			log.Error("failed to fetch migration status", "error", err)
			os.Exit(1)
		}
	case "down":
		if err := runner.Down(ctx, *target); err != nil {
			log.Error("failed to roll back migrations", "error", err)
			os.Exit(1)
		}
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command)
}
