package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportsched/internal/shared"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store   Store
	advance func(time.Duration)
}

func runConformance(t *testing.T, newHarness func(t *testing.T) harness) {
	t.Run("missing key", func(t *testing.T) {
		h := newHarness(t)
		v, ok, err := h.store.Get(context.Background(), "absent")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, v)
	})

	t.Run("set then get", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.NoError(t, h.store.Set(ctx, "sched:v3:state:YQ", []byte(`{"a":1}`), time.Hour))

		v, ok, err := h.store.Get(ctx, "sched:v3:state:YQ")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, `{"a":1}`, string(v))
	})

	t.Run("overwrite replaces value", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.NoError(t, h.store.Set(ctx, "k", []byte("one"), 0))
		require.NoError(t, h.store.Set(ctx, "k", []byte("two"), 0))

		v, ok, err := h.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "two", string(v))
	})

	t.Run("ttl expiry", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.NoError(t, h.store.Set(ctx, "k", []byte("v"), time.Hour))

		h.advance(59 * time.Minute)
		_, ok, err := h.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok, "entry must live until its ttl")

		h.advance(2 * time.Minute)
		_, ok, err = h.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok, "expired entry must not be returned")
	})

	t.Run("overwrite drops ttl", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.NoError(t, h.store.Set(ctx, "k", []byte("v1"), time.Minute))
		require.NoError(t, h.store.Set(ctx, "k", []byte("v2"), 0))

		h.advance(time.Hour)
		v, ok, err := h.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v2", string(v))
	})

	t.Run("zero ttl never expires", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		require.NoError(t, h.store.Set(ctx, "marker", []byte(`{}`), 0))

		h.advance(1000 * time.Hour)
		_, ok, err := h.store.Get(ctx, "marker")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("binary values", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		value := []byte{0x00, 0xff, 0x10, '\n'}
		require.NoError(t, h.store.Set(ctx, "bin", value, 0))

		got, ok, err := h.store.Get(ctx, "bin")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, value, got)
	})

	t.Run("ping", func(t *testing.T) {
		h := newHarness(t)
		assert.NoError(t, h.store.Ping(context.Background()))
	})
}

func TestMemory(t *testing.T) {
	runConformance(t, func(t *testing.T) harness {
		clock := newFakeClock()
		s := NewMemory(Options{Now: clock.Now})
		t.Cleanup(func() { _ = s.Close() })
		return harness{store: s, advance: clock.Advance}
	})
}

func TestMemory_CopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(Options{})
	in := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", in, 0))
	in[0] = 'x'

	out, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
	out[0] = 'y'

	again, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestMemory_PurgeAndKeys(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemory(Options{Now: clock.Now})
	require.NoError(t, s.Set(ctx, "b", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))

	assert.Equal(t, []string{"a", "b"}, s.Keys())
	exp, ok := s.ExpiresAt("b")
	assert.True(t, ok)
	assert.Equal(t, clock.Now().Add(time.Minute), exp)

	clock.Advance(time.Hour)
	assert.Equal(t, []string{"a"}, s.Keys())

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemory_Closed(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(Options{})
	require.NoError(t, s.Close())

	_, _, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(ctx, "k", nil, 0), ErrClosed)
	assert.ErrorIs(t, s.Ping(ctx), ErrClosed)
}

func TestSQLite(t *testing.T) {
	runConformance(t, func(t *testing.T) harness {
		clock := newFakeClock()
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"), Options{Now: clock.Now})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return harness{store: s, advance: clock.Advance}
	})
}

func TestSQLite_InMemory(t *testing.T) {
	runConformance(t, func(t *testing.T) harness {
		clock := newFakeClock()
		s, err := OpenSQLite(context.Background(), ":memory:", Options{Now: clock.Now})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return harness{store: s, advance: clock.Advance}
	})
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := OpenSQLite(ctx, path, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestSQLite_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s, err := OpenSQLite(ctx, ":memory:", Options{Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Set(ctx, "short", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "long", []byte("1"), 48*time.Hour))
	require.NoError(t, s.Set(ctx, "forever", []byte("1"), 0))

	clock.Advance(time.Hour)
	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err := s.Get(ctx, "long")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis(t *testing.T) {
	runConformance(t, func(t *testing.T) harness {
		mr := miniredis.RunT(t)
		s, err := OpenRedis(context.Background(), "redis://"+mr.Addr())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return harness{store: s, advance: mr.FastForward}
	})
}

func TestRedis_SetsPX(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s, err := OpenRedis(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Set(ctx, "with-ttl", []byte("v"), 90*24*time.Hour))
	require.NoError(t, s.Set(ctx, "no-ttl", []byte("v"), 0))

	assert.Equal(t, 90*24*time.Hour, mr.TTL("with-ttl"))
	assert.Zero(t, mr.TTL("no-ttl"))
}

func TestRedis_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s, err := OpenRedis(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mr.Close()
	_, _, err = s.Get(ctx, "k")
	require.Error(t, err)
	assert.True(t, shared.IsDependencyFailure(err) || shared.IsTimeout(err))
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("KVSTORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KVSTORE_TEST_POSTGRES_DSN not set")
	}
	runConformance(t, func(t *testing.T) harness {
		clock := newFakeClock()
		s, err := OpenPostgres(context.Background(), dsn, Options{Now: clock.Now})
		require.NoError(t, err)
		t.Cleanup(func() {
			_, _ = s.pool.Exec(context.Background(), "TRUNCATE kv_entries")
			_ = s.Close()
		})
		return harness{store: s, advance: clock.Advance}
	})
}

func TestMongo(t *testing.T) {
	uri := os.Getenv("KVSTORE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("KVSTORE_TEST_MONGO_URI not set")
	}
	runConformance(t, func(t *testing.T) harness {
		clock := &fakeClock{now: time.Now()}
		s, err := OpenMongo(context.Background(), uri, Options{Now: clock.Now})
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.coll.Drop(context.Background())
			_ = s.Close()
		})
		return harness{store: s, advance: clock.Advance}
	})
}

func TestScheme(t *testing.T) {
	tests := map[string]string{
		"memory://":                      "memory",
		"mem://":                         "memory",
		"sqlite://data/scheduler.db":     "sqlite",
		"data/scheduler.db":              "sqlite",
		"file:///tmp/x.db":               "sqlite",
		"postgres://u@h/db":              "postgres",
		"postgresql://u@h/db":            "postgres",
		"redis://localhost:6379/0":       "redis",
		"rediss://localhost:6380":        "redis",
		"mongodb://localhost:27017/sch":  "mongodb",
		"mongodb+srv://cluster.example/": "mongodb",
		"etcd://localhost":               "etcd",
	}
	for dsn, want := range tests {
		assert.Equal(t, want, Scheme(dsn), dsn)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "memory://", Options{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	path := filepath.Join(t.TempDir(), "sub", "kv.db")
	s, err = Open(ctx, "sqlite://"+path, Options{})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	mr := miniredis.RunT(t)
	s, err = Open(ctx, "redis://"+mr.Addr(), Options{})
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, "etcd://localhost", Options{})
	assert.Nil(t, s)
	assert.True(t, shared.IsValidation(err))

	s, err = Open(ctx, "  ", Options{})
	assert.Nil(t, s)
	assert.True(t, shared.IsValidation(err))
}

func TestOpen_FailureReturnsNilStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := Open(ctx, "redis://127.0.0.1:1", Options{})
	require.Error(t, err)
	assert.Nil(t, s)
}
