// Package pg connects the key-value store to PostgreSQL: schema migration through
// golang-migrate, then a pgx pool.
package pg

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config describes one store database.
type Config struct {
	DSN string
	// Schema holds the numbered golang-migrate scripts at its root. Nil skips
	// migration.
	Schema         fs.FS
	MaxConns       int32
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

// SchemaVersion is the result of a migration run.
type SchemaVersion struct {
	Version uint
	Changed bool
}

// Connect migrates the schema and returns a pool that has answered a ping.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, SchemaVersion, error) {
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, SchemaVersion{}, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	var sv SchemaVersion
	if cfg.Schema != nil {
		if sv, err = Migrate(cfg.DSN, cfg.Schema); err != nil {
			return nil, sv, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, sv, fmt.Errorf("create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, sv, fmt.Errorf("ping: %w", err)
	}
	return pool, sv, nil
}

// Migrate brings the database at dsn up to the newest script in schema. A database
// left dirty by an interrupted run is refused.
func Migrate(dsn string, schema fs.FS) (SchemaVersion, error) {
	if schema == nil {
		return SchemaVersion{}, errors.New("migrate: no schema scripts")
	}
	src, err := iofs.New(schema, ".")
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("migrate: read scripts: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("migrate: open: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	before, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return SchemaVersion{}, fmt.Errorf("migrate: read version: %w", err)
	case dirty:
		return SchemaVersion{Version: before}, fmt.Errorf("migrate: version %d is dirty", before)
	}

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		return SchemaVersion{Version: before}, nil
	}
	if err != nil {
		return SchemaVersion{Version: before}, fmt.Errorf("migrate: up from %d: %w", before, err)
	}
	after, _, err := m.Version()
	if err != nil {
		return SchemaVersion{Version: before, Changed: true}, nil
	}
	return SchemaVersion{Version: after, Changed: after != before}, nil
}

// Probe checks that the pool answers and that table exists.
func Probe(ctx context.Context, pool *pgxpool.Pool, table string) error {
	if pool == nil {
		return errors.New("probe: no pool")
	}
	var present bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&present); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if !present {
		return fmt.Errorf("probe: table %s is missing", table)
	}
	return nil
}
