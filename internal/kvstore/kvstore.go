// Package kvstore is the key-value persistence behind scheduler state, completion
// markers and installation timestamps.
//
// Every backend offers the same contract: Get never returns an expired value, Set
// replaces the value and its expiry in one round-trip, and a zero TTL means the entry
// never expires. Backends are selected by DSN scheme:
//
//	memory://                      process-local map
//	sqlite://data/scheduler.db     embedded SQLite (a bare path means the same)
//	postgres://user@host/db        PostgreSQL through pgx
//	redis://host:6379/0            Redis through redigo
//	mongodb://host:27017/db        MongoDB with a TTL index
package kvstore

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"reportsched/internal/shared"
)

//go:embed migrations
var migrations embed.FS

// Store is a key-value store with per-entry expiry.
type Store interface {
	// Get returns the value stored under key. A missing or expired entry yields ok=false
	// and a nil error.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value under key. ttl <= 0 stores it without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// Purger is implemented by backends that keep expired rows until they are swept.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Options configures a backend.
type Options struct {
	// Now replaces time.Now when deciding whether an entry has expired.
	Now    func() time.Time
	Logger *slog.Logger
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = fmt.Errorf("kvstore: store closed: %w", shared.ErrDependencyFailure)

// Scheme returns the backend name a DSN selects.
func Scheme(dsn string) string {
	scheme, _, found := strings.Cut(dsn, "://")
	if !found {
		return "sqlite"
	}
	switch scheme = strings.ToLower(scheme); scheme {
	case "mem":
		return "memory"
	case "sqlite3", "file":
		return "sqlite"
	case "postgresql":
		return "postgres"
	case "rediss":
		return "redis"
	case "mongodb+srv":
		return "mongodb"
	default:
		return scheme
	}
}

// Open builds the backend selected by dsn.
func Open(ctx context.Context, dsn string, opts Options) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("kvstore: empty dsn: %w", shared.ErrValidation)
	}

	var (
		store Store
		err   error
	)
	switch Scheme(dsn) {
	case "memory":
		return NewMemory(opts), nil
	case "sqlite":
		store, err = asStore(OpenSQLite(ctx, sqlitePath(dsn), opts))
	case "postgres":
		store, err = asStore(OpenPostgres(ctx, dsn, opts))
	case "redis":
		store, err = asStore(OpenRedis(ctx, dsn))
	case "mongodb":
		store, err = asStore(OpenMongo(ctx, dsn, opts))
	default:
		return nil, fmt.Errorf("kvstore: unsupported scheme %q: %w", Scheme(dsn), shared.ErrValidation)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// asStore keeps a nil backend pointer from becoming a non-nil Store.
func asStore[S Store](s S, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

func sqlitePath(dsn string) string {
	_, path, found := strings.Cut(dsn, "://")
	if !found {
		return dsn
	}
	return path
}

func dependencyErr(err error, format string, args ...any) error {
	return shared.Wrapf(shared.MarkKind(err, shared.KindDependencyFailure), format, args...)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
