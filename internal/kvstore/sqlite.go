package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"time"

	platformsqlite "reportsched/internal/platform/sqlite"
)

const sqliteMigrationsDir = "migrations/sqlite"

// SQLite stores entries in an embedded database. Expiry is stored as unix
// milliseconds; expired rows stay until PurgeExpired removes them.
type SQLite struct {
	db   *sql.DB
	opts Options
}

// OpenSQLite opens the database at path and brings its schema up to date.
// The path ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	schema, err := fs.Sub(migrations, sqliteMigrationsDir)
	if err != nil {
		return nil, err
	}
	db, err := platformsqlite.Open(ctx, path, platformsqlite.Options{Schema: schema})
	if err != nil {
		return nil, dependencyErr(err, "kvstore: open sqlite %s", path)
	}
	return &SQLite{db: db, opts: opts}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.opts.now().UnixMilli(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, dependencyErr(err, "kvstore: sqlite get %s", key)
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.opts.now()
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(ttl).UnixMilli(), Valid: true}
	}
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		key, value, expiresAt, now.UnixMilli(),
	)
	if err != nil {
		return dependencyErr(err, "kvstore: sqlite set %s", key)
	}
	return nil
}

// PurgeExpired deletes rows whose expiry has passed.
func (s *SQLite) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.opts.now().UnixMilli(),
	)
	if err != nil {
		return 0, dependencyErr(err, "kvstore: sqlite purge")
	}
	return res.RowsAffected()
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return dependencyErr(err, "kvstore: sqlite ping")
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
