// Package storage persists per-tenant scheduler records on top of kvstore, reading
// through every historical key layout and writing only the current one.
package storage

import (
	"fmt"
	"time"

	"reportsched/internal/keycodec"
	"reportsched/internal/trigger"
)

// DefaultStateTTL is the retention of a scheduler state record. Every save restarts it.
const DefaultStateTTL = 90 * 24 * time.Hour

// KeyScheme builds storage keys for one token generation. Pattern holds a single %s
// verb that receives the tenant token.
type KeyScheme struct {
	Generation keycodec.Generation
	Pattern    string
}

// Key returns the storage key for tenantKey under this scheme.
func (k KeyScheme) Key(tenantKey string) string {
	return fmt.Sprintf(k.Pattern, keycodec.EncodeWith(k.Generation, tenantKey))
}

// Layout describes where one kind of record lives: the current scheme used for every
// write, legacy schemes tried in order on a miss, and the TTL applied to writes.
type Layout struct {
	Name    string
	Current KeyScheme
	Legacy  []KeyScheme
	TTL     time.Duration
}

// StateLayout is the layout of scheduler state records.
func StateLayout(ttl time.Duration) Layout {
	return Layout{
		Name:    "state",
		Current: KeyScheme{Generation: keycodec.GenCanonical, Pattern: "sched:v3:state:%s"},
		Legacy: []KeyScheme{
			{Generation: keycodec.GenLossy, Pattern: "scheduler_state_%s"},
			{Generation: keycodec.GenRaw, Pattern: "scheduler-state-%s"},
		},
		TTL: ttl,
	}
}

// MarkerLayout is the layout of completion markers for one trigger. Markers never expire.
func MarkerLayout(name trigger.Name) Layout {
	n := string(name)
	return Layout{
		Name:    "marker",
		Current: KeyScheme{Generation: keycodec.GenCanonical, Pattern: "sched:v3:done:" + n + ":%s"},
		Legacy: []KeyScheme{
			{Generation: keycodec.GenLossy, Pattern: "report_generated_" + n + "_%s"},
			{Generation: keycodec.GenRaw, Pattern: "report-generated-" + n + "-%s"},
		},
	}
}

// InstallLayout is the layout of installation timestamps. They never expire.
func InstallLayout() Layout {
	return Layout{
		Name:    "install",
		Current: KeyScheme{Generation: keycodec.GenCanonical, Pattern: "sched:v3:install:%s"},
		Legacy: []KeyScheme{
			{Generation: keycodec.GenLossy, Pattern: "install_timestamp_%s"},
			{Generation: keycodec.GenRaw, Pattern: "install-timestamp-%s"},
		},
	}
}
