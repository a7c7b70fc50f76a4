package storage

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportsched/internal/keycodec"
	"reportsched/internal/kvstore"
	"reportsched/internal/shared"
	"reportsched/internal/trigger"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// countingStore wraps a memory store, counts calls per key and fails chosen keys.
type countingStore struct {
	*kvstore.Memory

	mu     sync.Mutex
	gets   map[string]int
	sets   map[string]int
	getErr map[string]error
	setErr map[string]error
}

func newCountingStore(now func() time.Time) *countingStore {
	return &countingStore{
		Memory: kvstore.NewMemory(kvstore.Options{Now: now}),
		gets:   make(map[string]int),
		sets:   make(map[string]int),
		getErr: make(map[string]error),
		setErr: make(map[string]error),
	}
}

func (c *countingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	c.gets[key]++
	err := c.getErr[key]
	c.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	return c.Memory.Get(ctx, key)
}

func (c *countingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.sets[key]++
	err := c.setErr[key]
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Memory.Set(ctx, key, value, ttl)
}

func (c *countingStore) totalSets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.sets {
		n += v
	}
	return n
}

func (c *countingStore) seed(t *testing.T, key, value string) {
	t.Helper()
	require.NoError(t, c.Memory.Set(context.Background(), key, []byte(value), 0))
}

func (c *countingStore) raw(t *testing.T, key string) (string, bool) {
	t.Helper()
	v, ok, err := c.Memory.Get(context.Background(), key)
	require.NoError(t, err)
	return string(v), ok
}

func fixedNow() time.Time { return t0 }

func TestLayouts_Keys(t *testing.T) {
	tenant := "site one/α"
	tok3 := keycodec.Encode(tenant)

	state := StateLayout(time.Hour)
	assert.Equal(t, "sched:v3:state:"+tok3, state.Current.Key(tenant))
	assert.Equal(t, "scheduler_state_site_one_", state.Legacy[0].Key(tenant))
	assert.Equal(t, "scheduler-state-site one/α", state.Legacy[1].Key(tenant))
	assert.Equal(t, time.Hour, state.TTL)

	marker := MarkerLayout(trigger.Report12h)
	assert.Equal(t, "sched:v3:done:report_12h:"+tok3, marker.Current.Key(tenant))
	assert.Equal(t, "report_generated_report_12h_site_one_", marker.Legacy[0].Key(tenant))
	assert.Equal(t, "report-generated-report_12h-site one/α", marker.Legacy[1].Key(tenant))
	assert.Zero(t, marker.TTL)

	install := InstallLayout()
	assert.Equal(t, "sched:v3:install:"+tok3, install.Current.Key(tenant))
	assert.Equal(t, "install_timestamp_site_one_", install.Legacy[0].Key(tenant))
	assert.Equal(t, "install-timestamp-site one/α", install.Legacy[1].Key(tenant))

	assert.True(t, keycodec.Safe(state.Current.Key(tenant)))
	assert.True(t, keycodec.Safe(marker.Current.Key(tenant)))
}

func TestAccessor_CurrentHitDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(fixedNow)
	layout := StateLayout(time.Hour)
	store.seed(t, layout.Current.Key("acme"), "current")
	store.seed(t, layout.Legacy[0].Key("acme"), "legacy")

	acc := NewAccessor(store, nil)
	v, ok, err := acc.Read(ctx, "acme", layout)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "current", string(v))
	assert.Zero(t, store.totalSets())
	assert.Zero(t, store.gets[layout.Legacy[0].Key("acme")])
}

func TestAccessor_MigrationIsIdempotent(t *testing.T) {
	keys := []string{"acme", "ari:cloud:jira::site/5f2c", "  spaced key ", "ünïcödé"}

	for _, tenant := range keys {
		for i := range StateLayout(time.Hour).Legacy {
			ctx := context.Background()
			store := newCountingStore(fixedNow)
			layout := StateLayout(time.Hour)
			legacyKey := layout.Legacy[i].Key(tenant)
			currentKey := layout.Current.Key(tenant)
			store.seed(t, legacyKey, `{"v":1}`)

			acc := NewAccessor(store, nil)
			v, ok, err := acc.Read(ctx, tenant, layout)
			require.NoError(t, err)
			require.True(t, ok, "tenant %q generation %d", tenant, i)
			assert.Equal(t, `{"v":1}`, string(v))
			assert.Equal(t, 1, store.sets[currentKey])

			v, ok, err = acc.Read(ctx, tenant, layout)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, `{"v":1}`, string(v))
			assert.Equal(t, 1, store.sets[currentKey], "second read must not migrate again")
			assert.Equal(t, 1, store.gets[legacyKey], "second read must be served from the current key")

			_, stillThere := store.raw(t, legacyKey)
			assert.True(t, stillThere, "legacy data is never deleted")

			exp, _ := store.ExpiresAt(currentKey)
			assert.Equal(t, t0.Add(time.Hour), exp, "promotion uses the layout ttl")
		}
	}
}

func TestAccessor_LegacyOrder(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(fixedNow)
	layout := MarkerLayout(trigger.Report24h)
	store.seed(t, layout.Legacy[0].Key("a b"), "v2")
	store.seed(t, layout.Legacy[1].Key("a b"), "v1")

	v, ok, err := NewAccessor(store, nil).Read(ctx, "a b", layout)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", string(v))
}

func TestAccessor_DuplicateLegacyKeyReadOnce(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(fixedNow)
	layout := Layout{
		Name:    "dup",
		Current: KeyScheme{Generation: keycodec.GenCanonical, Pattern: "cur:%s"},
		Legacy: []KeyScheme{
			{Generation: keycodec.GenLossy, Pattern: "old:%s"},
			{Generation: keycodec.GenRaw, Pattern: "old:%s"},
		},
	}

	_, ok, err := NewAccessor(store, nil).Read(ctx, "plain", layout)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, store.gets["old:plain"])
}

func TestAccessor_LegacyReadErrorIsSkipped(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	store := newCountingStore(fixedNow)
	layout := StateLayout(time.Hour)
	store.getErr[layout.Legacy[0].Key("acme")] = errors.New("connection reset")
	store.seed(t, layout.Legacy[1].Key("acme"), "gen1")

	v, ok, err := NewAccessor(store, logger).Read(ctx, "acme", layout)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "gen1", string(v))
	assert.Contains(t, logs.String(), "legacy read failed")
	assert.Contains(t, logs.String(), `"generation":"v2"`)
}

func TestAccessor_PromotionFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	store := newCountingStore(fixedNow)
	layout := StateLayout(time.Hour)
	store.seed(t, layout.Legacy[0].Key("acme"), "gen2")
	store.setErr[layout.Current.Key("acme")] = errors.New("read-only replica")

	v, ok, err := NewAccessor(store, logger).Read(ctx, "acme", layout)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "gen2", string(v))
	assert.Contains(t, logs.String(), "legacy record promotion failed")
}

func TestAccessor_CurrentReadErrorIsReturned(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(fixedNow)
	layout := StateLayout(time.Hour)
	store.getErr[layout.Current.Key("acme")] = shared.MarkKind(errors.New("dial tcp"), shared.KindDependencyFailure)
	store.seed(t, layout.Legacy[0].Key("acme"), "gen2")

	_, ok, err := NewAccessor(store, nil).Read(ctx, "acme", layout)
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, shared.IsDependencyFailure(err))
	assert.Zero(t, store.gets[layout.Legacy[0].Key("acme")])
}

func TestAccessor_WriteTouchesOnlyCurrentKey(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(fixedNow)
	layout := StateLayout(time.Hour)
	store.seed(t, layout.Legacy[0].Key("acme"), "old")

	require.NoError(t, NewAccessor(store, nil).Write(ctx, "acme", layout, []byte("new")))

	v, ok := store.raw(t, layout.Current.Key("acme"))
	assert.True(t, ok)
	assert.Equal(t, "new", v)
	v, _ = store.raw(t, layout.Legacy[0].Key("acme"))
	assert.Equal(t, "old", v)
	assert.Equal(t, 1, store.totalSets())
}

func TestState_Mutations(t *testing.T) {
	st := NewState(t0)
	assert.Equal(t, t0, st.LastRunAt)
	assert.False(t, st.Generated(trigger.Report12h))
	assert.False(t, st.BackoffActive(t0))

	assert.Equal(t, 1, st.RecordAttempt(trigger.Report12h, t0))
	assert.Equal(t, 2, st.RecordAttempt(trigger.Report12h, t0.Add(time.Hour)))
	assert.Equal(t, t0.Add(time.Hour), st.LastAttemptAt[trigger.Report12h])

	until := st.RecordFailure(trigger.Report12h, t0, "boom", 2)
	assert.Equal(t, t0.Add(120*time.Minute), until)
	require.NotNil(t, st.LastError)
	assert.Equal(t, 2, st.LastError.Attempt)
	assert.True(t, st.BackoffActive(t0.Add(119*time.Minute)))
	assert.False(t, st.BackoffActive(t0.Add(120*time.Minute)))

	st.MarkGenerated(trigger.Report12h, t0.Add(3*time.Hour))
	st.MarkGenerated(trigger.Report12h, t0.Add(9*time.Hour))
	assert.Equal(t, t0.Add(3*time.Hour), st.GeneratedAt[trigger.Report12h])
	assert.Nil(t, st.LastError)
	assert.Nil(t, st.BackoffUntil)
	assert.Equal(t, 2, st.Attempts[trigger.Report12h], "counters survive success")
}

func TestStateStore_LoadDefault(t *testing.T) {
	store := newCountingStore(fixedNow)
	ss := NewStateStore(NewAccessor(store, nil), 0, fixedNow, nil)

	st := ss.Load(context.Background(), "acme")
	assert.Equal(t, t0, st.LastRunAt)
	assert.NotNil(t, st.Attempts)
	assert.NotNil(t, st.GeneratedAt)
	assert.Zero(t, store.totalSets(), "default is not persisted by Load")
	assert.Equal(t, DefaultStateTTL, ss.Layout().TTL)
}

func TestStateStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(fixedNow)
	ss := NewStateStore(NewAccessor(store, nil), 48*time.Hour, fixedNow, nil)

	st := NewState(t0)
	st.RecordAttempt(trigger.Report24h, t0)
	st.RecordFailure(trigger.Report24h, t0, "report service returned 503", 1)
	st.LastOutcome = "failed"
	require.NoError(t, ss.Save(ctx, "acme", st))

	exp, ok := store.ExpiresAt(ss.Layout().Current.Key("acme"))
	require.True(t, ok)
	assert.Equal(t, t0.Add(48*time.Hour), exp)

	got := ss.Load(ctx, "acme")
	assert.Equal(t, 1, got.Attempts[trigger.Report24h])
	require.NotNil(t, got.BackoffUntil)
	assert.True(t, got.BackoffUntil.Equal(t0.Add(30*time.Minute)))
	require.NotNil(t, got.LastError)
	assert.Equal(t, trigger.Report24h, got.LastError.Trigger)
	assert.Equal(t, "failed", got.LastOutcome)
}

func TestStateStore_JSONShape(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(fixedNow)
	ss := NewStateStore(NewAccessor(store, nil), time.Hour, fixedNow, nil)

	st := NewState(t0)
	st.MarkGenerated(trigger.Report12h, t0)
	require.NoError(t, ss.Save(ctx, "acme", st))

	raw, ok := store.raw(t, ss.Layout().Current.Key("acme"))
	require.True(t, ok)
	for _, field := range []string{`"last_run_at"`, `"generated_at"`, `"report_12h"`, `"last_error":null`, `"backoff_until":null`, `"attempts"`, `"last_attempt_at"`} {
		assert.Contains(t, raw, field)
	}
}

func TestStateStore_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(fixedNow)
	ss := NewStateStore(NewAccessor(store, nil), time.Hour, fixedNow, nil)
	store.seed(t, ss.Layout().Current.Key("acme"), "{not json")

	st, err := ss.LoadChecked(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, t0, st.LastRunAt)
	assert.Empty(t, st.Attempts)
}

func TestStateStore_ReadError(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(fixedNow)
	ss := NewStateStore(NewAccessor(store, nil), time.Hour, fixedNow, nil)
	store.getErr[ss.Layout().Current.Key("acme")] = context.DeadlineExceeded

	_, err := ss.LoadChecked(ctx, "acme")
	require.Error(t, err)
	assert.True(t, shared.IsTimeout(err))

	st := ss.Load(ctx, "acme")
	assert.Equal(t, t0, st.LastRunAt)
}

func TestStateStore_MigratesLegacyState(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(fixedNow)
	ss := NewStateStore(NewAccessor(store, nil), time.Hour, fixedNow, nil)
	store.seed(t, "scheduler_state_acme_corp", `{"attempts":{"report_12h":2},"generated_at":null}`)

	st := ss.Load(ctx, "acme corp")
	assert.Equal(t, 2, st.Attempts[trigger.Report12h])
	assert.NotNil(t, st.GeneratedAt)

	_, ok := store.raw(t, ss.Layout().Current.Key("acme corp"))
	assert.True(t, ok)
}

func TestMarkerStore_WriteOnce(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(fixedNow)
	ms := NewMarkerStore(NewAccessor(store, nil))

	ok, err := ms.Exists(ctx, "acme", trigger.Report12h)
	require.NoError(t, err)
	assert.False(t, ok)

	wrote, err := ms.Write(ctx, "acme", trigger.Report12h, t0)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = ms.Write(ctx, "acme", trigger.Report12h, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, wrote)

	mk, ok, err := ms.Get(ctx, "acme", trigger.Report12h)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mk.CompletedAt.Equal(t0), "first marker is never overwritten")

	exp, _ := store.ExpiresAt(MarkerLayout(trigger.Report12h).Current.Key("acme"))
	assert.True(t, exp.IsZero(), "markers never expire")

	ok, err = ms.Exists(ctx, "acme", trigger.Report24h)
	require.NoError(t, err)
	assert.False(t, ok, "markers are per trigger")
}

func TestMarkerStore_LegacyMarker(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(fixedNow)
	ms := NewMarkerStore(NewAccessor(store, nil))
	store.seed(t, "report-generated-report_24h-tenant/1", "true")

	ok, err := ms.Exists(ctx, "tenant/1", trigger.Report24h)
	require.NoError(t, err)
	assert.True(t, ok)

	mk, ok, err := ms.Get(ctx, "tenant/1", trigger.Report24h)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mk.CompletedAt.IsZero())

	wrote, err := ms.Write(ctx, "tenant/1", trigger.Report24h, t0)
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestDecodeMarker(t *testing.T) {
	assert.True(t, decodeMarker([]byte(`{"completed_at":"2024-06-01T09:00:00Z"}`)).CompletedAt.Equal(t0))
	assert.True(t, decodeMarker([]byte(`"2024-06-01T09:00:00Z"`)).CompletedAt.Equal(t0))
	assert.True(t, decodeMarker([]byte("2024-06-01T09:00:00Z\n")).CompletedAt.Equal(t0))
	assert.True(t, decodeMarker([]byte("1")).CompletedAt.IsZero())
}

func TestMarkerStore_ExistsError(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(fixedNow)
	ms := NewMarkerStore(NewAccessor(store, nil))
	store.getErr[MarkerLayout(trigger.Report12h).Current.Key("acme")] = errors.New("down")

	_, err := ms.Exists(ctx, "acme", trigger.Report12h)
	require.Error(t, err)

	wrote, err := ms.Write(ctx, "acme", trigger.Report12h, t0)
	require.Error(t, err)
	assert.False(t, wrote)
}
