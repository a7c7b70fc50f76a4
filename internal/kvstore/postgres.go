package kvstore

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reportsched/internal/platform/pg"
)

const postgresMigrationsDir = "migrations/postgres"

// Postgres stores entries in the kv_entries table through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
	opts Options
}

// OpenPostgres applies the embedded migrations and connects a pool.
func OpenPostgres(ctx context.Context, dsn string, opts Options) (*Postgres, error) {
	schema, err := fs.Sub(migrations, postgresMigrationsDir)
	if err != nil {
		return nil, err
	}
	pool, sv, err := pg.Connect(ctx, pg.Config{DSN: dsn, Schema: schema})
	if err != nil {
		return nil, dependencyErr(err, "kvstore: open postgres")
	}
	if sv.Changed {
		opts.logger().Info("kvstore schema migrated", "backend", "postgres", "version", sv.Version)
	}
	return &Postgres{pool: pool, opts: opts}, nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM kv_entries WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, p.opts.now(),
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, dependencyErr(err, "kvstore: postgres get %s", key)
	}
	return value, true, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := p.opts.now()
	var expiresAt *time.Time
	if ttl > 0 {
		at := now.Add(ttl)
		expiresAt = &at
	}
	if value == nil {
		value = []byte{}
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		key, value, expiresAt, now,
	)
	if err != nil {
		return dependencyErr(err, "kvstore: postgres set %s", key)
	}
	return nil
}

// PurgeExpired deletes rows whose expiry has passed.
func (p *Postgres) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		p.opts.now(),
	)
	if err != nil {
		return 0, dependencyErr(err, "kvstore: postgres purge")
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := pg.Probe(ctx, p.pool, "kv_entries"); err != nil {
		return dependencyErr(err, "kvstore: postgres ping")
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
