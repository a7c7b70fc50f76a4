// Package trigger defines the one-time report triggers and the retry backoff schedule.
package trigger

import "time"

// Name identifies a trigger. Names are stable: they appear in storage keys and in
// persisted state, so they must never be renamed.
type Name string

const (
	Report12h Name = "report_12h"
	Report24h Name = "report_24h"
)

// Trigger fires once the installation age reaches From and stays eligible until it
// reaches Until. A zero Until means the trigger never stops being eligible.
type Trigger struct {
	Name  Name
	From  time.Duration
	Until time.Duration
}

// All lists the triggers in evaluation order.
var All = []Trigger{
	{Name: Report12h, From: 12 * time.Hour, Until: 24 * time.Hour},
	{Name: Report24h, From: 24 * time.Hour},
}

// Eligible reports whether an installation of the given age falls into the trigger window.
func (t Trigger) Eligible(age time.Duration) bool {
	if age < t.From {
		return false
	}
	return t.Until == 0 || age < t.Until
}

// Lookup returns the trigger with the given name.
func Lookup(name Name) (Trigger, bool) {
	for _, t := range All {
		if t.Name == name {
			return t, true
		}
	}
	return Trigger{}, false
}

// Due returns the trigger that should fire for an installation made at installedAt,
// evaluated at now. Triggers for which completed returns true are skipped. A negative
// age (clock skew) never selects anything.
func Due(installedAt, now time.Time, completed func(Name) bool) (Name, bool) {
	age := now.Sub(installedAt)
	if age < 0 {
		return "", false
	}
	for _, t := range All {
		if !t.Eligible(age) {
			continue
		}
		if completed != nil && completed(t.Name) {
			continue
		}
		return t.Name, true
	}
	return "", false
}

// AllComplete reports whether every trigger is completed.
func AllComplete(completed func(Name) bool) bool {
	for _, t := range All {
		if !completed(t.Name) {
			return false
		}
	}
	return true
}

var backoffTiers = []time.Duration{
	30 * time.Minute,
	120 * time.Minute,
	1440 * time.Minute,
}

// Backoff returns the delay before the next attempt after attempt failed attempts.
// Attempts below one are treated as the first attempt; from the third attempt on the
// delay stays at one day.
func Backoff(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return backoffTiers[0]
	case attempt >= len(backoffTiers):
		return backoffTiers[len(backoffTiers)-1]
	default:
		return backoffTiers[attempt-1]
	}
}
