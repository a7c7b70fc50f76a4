package storage

import (
	"context"
	"log/slog"

	"reportsched/internal/kvstore"
	"reportsched/internal/shared"
)

// Accessor reads records through every generation of a layout and writes them under
// the current generation only.
//
// A hit on a legacy key is copied to the current key before it is returned, so the
// next read is served from the current key. Legacy keys are never written or deleted.
type Accessor struct {
	store  kvstore.Store
	logger *slog.Logger
}

// NewAccessor returns an accessor over store. A nil logger discards output.
func NewAccessor(store kvstore.Store, logger *slog.Logger) *Accessor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Accessor{store: store, logger: logger}
}

// Read returns the value stored for tenantKey. Only a failure to read the current key
// is returned as an error; failed legacy reads are logged and skipped.
func (a *Accessor) Read(ctx context.Context, tenantKey string, layout Layout) ([]byte, bool, error) {
	current := layout.Current.Key(tenantKey)
	value, ok, err := a.store.Get(ctx, current)
	if err != nil {
		return nil, false, shared.Wrapf(err, "read %s record", layout.Name)
	}
	if ok {
		return value, true, nil
	}

	tried := map[string]struct{}{current: {}}
	for _, scheme := range layout.Legacy {
		key := scheme.Key(tenantKey)
		if _, seen := tried[key]; seen {
			continue
		}
		tried[key] = struct{}{}

		value, ok, err := a.store.Get(ctx, key)
		if err != nil {
			a.logger.WarnContext(ctx, "legacy read failed",
				"layout", layout.Name,
				"generation", scheme.Generation.String(),
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}

		a.promote(ctx, layout, current, scheme, value)
		return value, true, nil
	}

	return nil, false, nil
}

func (a *Accessor) promote(ctx context.Context, layout Layout, current string, from KeyScheme, value []byte) {
	if err := a.store.Set(ctx, current, value, layout.TTL); err != nil {
		a.logger.WarnContext(ctx, "legacy record promotion failed",
			"layout", layout.Name,
			"generation", from.Generation.String(),
			"key", current,
			"error", err,
		)
		return
	}
	a.logger.InfoContext(ctx, "legacy record promoted",
		"layout", layout.Name,
		"generation", from.Generation.String(),
		"key", current,
	)
}

// Write stores value under the current key with the layout TTL.
func (a *Accessor) Write(ctx context.Context, tenantKey string, layout Layout, value []byte) error {
	if err := a.store.Set(ctx, layout.Current.Key(tenantKey), value, layout.TTL); err != nil {
		return shared.Wrapf(err, "write %s record", layout.Name)
	}
	return nil
}
