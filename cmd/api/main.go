package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SAI09992/scrs/internal/app/migrate"
	httpx "github.com/SAI09992/scrs/internal/http"
	"github.com/SAI09992/scrs/internal/repository"
	"github.com/SAI09992/scrs/internal/repository/memory"
	"github.com/SAI09992/scrs/internal/repository/postgres"
	"github.com/SAI09992/scrs/internal/repository/sqlite"
	"github.com/SAI09992/scrs/internal/service/admin"
	"github.com/SAI09992/scrs/internal/service/allocation"
	"github.com/SAI09992/scrs/internal/service/session"
	"github.com/SAI09992/scrs/internal/service/team"
	"github.com/SAI09992/scrs/internal/ws"
	"github.com/SAI09992/scrs/pkg/config"
	"github.com/SAI09992/scrs/pkg/logger"
)

func main() {
	cfg, err := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, health, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	hub := ws.NewHub()
	defer hub.Close()

	sessionSvc := session.New(store, hub, log, session.Config{
		Secret:            cfg.SessionSecret,
		TokenTTL:          cfg.SessionTokenTTL,
		DeviceCap:         cfg.DeviceCap,
		InactivityTimeout: cfg.InactivityTimeout,
	})
	ledgerSvc := allocation.New(store, hub, log)
	teamSvc := team.New(store, log)
	adminSvc := admin.New(
		admin.NewAuthorizer(cfg.AdminTokenSecret, cfg.AdminTokenIssuer),
		sessionSvc, ledgerSvc, teamSvc,
		team.DeletePolicy(cfg.TeamDeletePolicy),
		log,
	)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Dependencies{
		Sessions: sessionSvc,
		Ledger:   ledgerSvc,
		Teams:    teamSvc,
		Admin:    adminSvc,
		Hub:      hub,
		Limiter:  limiter,
		Health:   health,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "store", cfg.StoreDriver, "device_cap", cfg.DeviceCap)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func retryPolicy(cfg config.APIConfig) repository.RetryPolicy {
	return repository.RetryPolicy{
		Attempts:   cfg.StoreRetryAttempts,
		TxAttempts: cfg.TxMaxAttempts,
		BaseDelay:  cfg.StoreRetryBaseDelay,
	}
}

// openStore selects the document store and applies migrations for SQL
// drivers. The returned health check is nil for the memory store.
func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (repository.Store, func(context.Context) error, error) {
	policy := retryPolicy(cfg)
	switch cfg.StoreDriver {
	case config.StorePostgres:
		runner, err := migrate.OpenPostgres(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			return nil, nil, fmt.Errorf("configure migrations: %w", err)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			return nil, nil, err
		}
		if err := runner.Ensure(ctx); err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		store := postgres.New(pool, policy)
		return store, store.Ping, nil
	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.SQLitePath, policy)
		if err != nil {
			return nil, nil, err
		}
		runner, err := migrate.New(store.DB(), migrate.DriverSQLite, cfg.MigrationsDir, log)
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, store.Ping, nil
	default:
		log.Warn("using in-memory store; state is lost on restart")
		return memory.New(memory.WithRetryPolicy(policy)), nil, nil
	}
}
