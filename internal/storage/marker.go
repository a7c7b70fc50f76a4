package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"reportsched/internal/shared"
	"reportsched/internal/trigger"
)

// Marker records that a trigger completed for a tenant. Its presence alone is what
// matters; the timestamp is informational.
type Marker struct {
	CompletedAt time.Time `json:"completed_at"`
}

// MarkerStore reads and writes completion markers.
type MarkerStore struct {
	acc *Accessor
}

// NewMarkerStore returns a marker store backed by acc.
func NewMarkerStore(acc *Accessor) *MarkerStore {
	return &MarkerStore{acc: acc}
}

// Exists reports whether the marker for name exists under any key generation.
func (m *MarkerStore) Exists(ctx context.Context, tenantKey string, name trigger.Name) (bool, error) {
	_, ok, err := m.acc.Read(ctx, tenantKey, MarkerLayout(name))
	return ok, err
}

// Get returns the marker for name. Markers written by older releases may hold a bare
// timestamp or an arbitrary flag value; those decode with a zero or parsed CompletedAt.
func (m *MarkerStore) Get(ctx context.Context, tenantKey string, name trigger.Name) (Marker, bool, error) {
	raw, ok, err := m.acc.Read(ctx, tenantKey, MarkerLayout(name))
	if err != nil || !ok {
		return Marker{}, ok, err
	}
	return decodeMarker(raw), true, nil
}

func decodeMarker(raw []byte) Marker {
	var mk Marker
	if err := json.Unmarshal(raw, &mk); err == nil {
		return mk
	}
	if t, err := time.Parse(time.RFC3339Nano, strings.Trim(strings.TrimSpace(string(raw)), `"`)); err == nil {
		return Marker{CompletedAt: t}
	}
	return Marker{}
}

// Write creates the marker for name unless it already exists. It reports whether a
// marker was written. Existence is checked immediately before the write, which narrows
// but does not close the window for two concurrent writers; both would write the same
// logical fact.
func (m *MarkerStore) Write(ctx context.Context, tenantKey string, name trigger.Name, at time.Time) (bool, error) {
	exists, err := m.Exists(ctx, tenantKey, name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	raw, err := json.Marshal(Marker{CompletedAt: at})
	if err != nil {
		return false, shared.MarkKind(shared.Wrap(err, "encode marker"), shared.KindInternal)
	}
	if err := m.acc.Write(ctx, tenantKey, MarkerLayout(name), raw); err != nil {
		return false, err
	}
	return true, nil
}
