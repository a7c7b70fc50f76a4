// Package install records and reads the moment a tenant installed the application.
package install

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"reportsched/internal/keycodec"
	"reportsched/internal/shared"
	"reportsched/internal/storage"
)

// Provider keeps one installation timestamp per tenant. The first recorded timestamp
// wins; later calls to Record leave it unchanged.
type Provider struct {
	acc    *storage.Accessor
	layout storage.Layout
	logger *slog.Logger
}

// NewProvider returns a provider backed by acc.
func NewProvider(acc *storage.Accessor, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{acc: acc, layout: storage.InstallLayout(), logger: logger}
}

// Load returns the tenant's installation timestamp. A value that cannot be parsed is
// reported as absent and logged.
func (p *Provider) Load(ctx context.Context, tenantKey string) (time.Time, bool, error) {
	raw, ok, err := p.acc.Read(ctx, tenantKey, p.layout)
	if err != nil || !ok {
		return time.Time{}, false, err
	}

	at, ok := Parse(string(raw))
	if !ok {
		p.logger.WarnContext(ctx, "unparsable install timestamp",
			"tenant_token", keycodec.Encode(tenantKey),
			"value", shared.Truncate(string(raw), 64),
		)
		return time.Time{}, false, nil
	}
	return at, true, nil
}

// Record stores at as the installation timestamp unless one already exists. It returns
// the effective timestamp and whether this call recorded it.
func (p *Provider) Record(ctx context.Context, tenantKey string, at time.Time) (time.Time, bool, error) {
	existing, ok, err := p.Load(ctx, tenantKey)
	if err != nil {
		return time.Time{}, false, err
	}
	if ok {
		return existing, false, nil
	}

	at = at.UTC()
	if err := p.acc.Write(ctx, tenantKey, p.layout, []byte(at.Format(time.RFC3339Nano))); err != nil {
		return time.Time{}, false, err
	}
	p.logger.InfoContext(ctx, "install timestamp recorded",
		"tenant_token", keycodec.Encode(tenantKey),
		"installed_at", at,
	)
	return at, true, nil
}

// minUnixMilli is 1973-03-03 in unix milliseconds.
const minUnixMilli = 100_000_000_000

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// Parse reads an installation timestamp in any format older releases stored: ISO-8601
// text (zone-less values are UTC), a JSON string or {"installed_at": ...} document, or
// unix milliseconds.
func Parse(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if strings.HasPrefix(s, "{") {
		var doc struct {
			InstalledAt string `json:"installed_at"`
		}
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return time.Time{}, false
		}
		return Parse(doc.InstalledAt)
	}
	s = strings.Trim(s, `"`)

	// Bare integers are unix milliseconds; smaller values (a year, seconds) are not
	// timestamps any release wrote.
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms >= minUnixMilli {
		return time.UnixMilli(ms).UTC(), true
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
