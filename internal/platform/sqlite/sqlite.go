// Package sqlite opens the embedded database behind the key-value store and keeps
// its schema current.
//
// A file database is migrated with golang-migrate before it is opened. The in-memory
// database cannot be reached through a second connection, so its up scripts are run
// directly on the single connection it owns.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

// Memory is the path of a private in-memory database.
const Memory = ":memory:"

// Options configures Open.
type Options struct {
	// BusyTimeout is how long a writer waits for a lock. Zero means 5s.
	BusyTimeout time.Duration
	// Schema holds numbered golang-migrate scripts at its root. Nil skips migration.
	Schema fs.FS
}

// Open returns a pinged handle on the database at path with the schema applied.
func Open(ctx context.Context, path string, o Options) (*sql.DB, error) {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if path == Memory {
		return openMemory(ctx, o)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create %s: %w", dir, err)
		}
	}
	if o.Schema != nil {
		if err := migrateFile(path, o.Schema); err != nil {
			return nil, err
		}
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", o.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}
	return db, nil
}

func openMemory(ctx context.Context, o Options) (*sql.DB, error) {
	db, err := sql.Open("sqlite", Memory)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open memory: %w", err)
	}
	// Every connection gets its own empty database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if o.Schema != nil {
		if err := runUpScripts(ctx, db, o.Schema); err != nil {
			_ = db.Close()
			return nil, err
		}
	} else if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping memory: %w", err)
	}
	return db, nil
}

func migrateFile(path string, schema fs.FS) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("sqlite: resolve %s: %w", path, err)
	}
	src, err := iofs.New(schema, ".")
	if err != nil {
		return fmt.Errorf("sqlite: read scripts: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+filepath.ToSlash(abs))
	if err != nil {
		return fmt.Errorf("sqlite: migrate %s: %w", path, err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlite: migrate %s: %w", path, err)
	}
	return nil
}

func runUpScripts(ctx context.Context, db *sql.DB, schema fs.FS) error {
	names, err := fs.Glob(schema, "*.up.sql")
	if err != nil {
		return fmt.Errorf("sqlite: list scripts: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		script, err := fs.ReadFile(schema, name)
		if err != nil {
			return fmt.Errorf("sqlite: read %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(script)); err != nil {
			return fmt.Errorf("sqlite: apply %s: %w", name, err)
		}
	}
	return nil
}
