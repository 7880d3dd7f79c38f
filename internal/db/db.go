package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/Dhoini/fleet-billing/pkg/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewPool creates a pgx connection pool and verifies it with a ping.
func NewPool(ctx context.Context, dsn string, log *logger.Logger) (*pgxpool.Pool, error) {
	log.Infow("Connecting to PostgreSQL")

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Infow("Successfully connected to PostgreSQL")
	return pool, nil
}

// Connect opens a sqlx handle through the pgx stdlib driver.
func Connect(ctx context.Context, dsn string, log *logger.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		log.Errorw("Failed to connect to database", "error", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(10 * time.Minute)
	return db, nil
}

// Migrations returns the embedded migration scripts in apply order.
func Migrations() ([]string, error) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	scripts := make([]string, 0, len(names))
	for _, name := range names {
		b, err := migrationsFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		scripts = append(scripts, string(b))
	}
	return scripts, nil
}

// Migrate applies every embedded script. Scripts are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *logger.Logger) error {
	scripts, err := Migrations()
	if err != nil {
		return err
	}
	for i, script := range scripts {
		if _, err := pool.Exec(ctx, script); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	log.Infow("Database migrations applied", "count", len(scripts))
	return nil
}
