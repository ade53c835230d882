package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/SAI09992/scrs/db"
)

// Drivers understood by the runner.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Runner wraps database migration capabilities.
type Runner struct {
	db      *sql.DB
	owned   bool
	dialect string
	fsys    fs.FS
	dir     string
	log     *slog.Logger
}

// New returns a goose-backed runner for an open database. When migrationsDir
// is empty the migrations embedded in the binary are used.
func New(conn *sql.DB, driver, migrationsDir string, log *slog.Logger) (Runner, error) {
	if conn == nil {
		return Runner{}, errors.New("nil database provided")
	}
	if log == nil {
		log = slog.Default()
	}

	var dialect string
	switch driver {
	case DriverPostgres:
		dialect = "postgres"
	case DriverSQLite:
		dialect = "sqlite3"
	default:
		return Runner{}, fmt.Errorf("unsupported migration driver %q", driver)
	}

	r := Runner{db: conn, dialect: dialect, log: log}
	if migrationsDir == "" {
		r.fsys = db.Migrations
		r.dir = path.Join("migrations", driver)
	} else {
		if _, err := os.Stat(migrationsDir); err != nil {
			return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
		}
		r.fsys = os.DirFS(migrationsDir)
		r.dir = "."
	}
	return r, nil
}

// OpenPostgres opens a database/sql handle through the pgx stdlib driver and
// returns a runner that owns it.
func OpenPostgres(dsn, migrationsDir string, log *slog.Logger) (Runner, error) {
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return Runner{}, fmt.Errorf("open sql connection: %w", err)
	}
	r, err := New(conn, DriverPostgres, migrationsDir, log)
	if err != nil {
		_ = conn.Close()
		return Runner{}, err
	}
	r.owned = true
	return r, nil
}

func (r Runner) configure() error {
	goose.SetBaseFS(r.fsys)
	if err := goose.SetDialect(r.dialect); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	return nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	if err := r.configure(); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	r.log.Info("applying migrations", "dialect", r.dialect, "dir", r.dir)
	if err := goose.UpContext(runCtx, r.db, r.dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	r.log.Info("migrations applied")
	return nil
}

// Status reports applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	if err := r.configure(); err != nil {
		return err
	}

	r.log.Info("migration status", "dialect", r.dialect, "dir", r.dir)
	if err := goose.StatusContext(ctx, r.db, r.dir); err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	return nil
}

// Down rolls back migrations either to the previous version or a specific target version.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	if err := r.configure(); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if targetVersion > 0 {
		r.log.Info("rolling back migrations", "target", targetVersion)
		if err := goose.DownToContext(runCtx, r.db, r.dir, targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
	} else {
		r.log.Info("rolling back latest migration")
		if err := goose.DownContext(runCtx, r.db, r.dir); err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
	}

	r.log.Info("rollback complete")
	return nil
}

// Ping ensures the database connection is alive.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the connection when the runner opened it.
func (r Runner) Close() {
	if r.owned {
		_ = r.db.Close()
	}
}
