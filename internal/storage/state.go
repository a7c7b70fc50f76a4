package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"reportsched/internal/keycodec"
	"reportsched/internal/shared"
	"reportsched/internal/trigger"
)

// LastError is the most recent failed attempt.
type LastError struct {
	At      time.Time    `json:"at"`
	Message string       `json:"message"`
	Trigger trigger.Name `json:"trigger"`
	Attempt int          `json:"attempt"`
}

// State is the per-tenant scheduler record. It is always saved whole.
//
// Attempt counters only grow and a generation timestamp, once set, is kept as is.
type State struct {
	LastRunAt     time.Time                  `json:"last_run_at"`
	GeneratedAt   map[trigger.Name]time.Time `json:"generated_at"`
	LastError     *LastError                 `json:"last_error"`
	BackoffUntil  *time.Time                 `json:"backoff_until"`
	Attempts      map[trigger.Name]int       `json:"attempts"`
	LastAttemptAt map[trigger.Name]time.Time `json:"last_attempt_at"`
	LastOutcome   string                     `json:"last_outcome,omitempty"`
}

// NewState returns the default record for a tenant seen for the first time at now.
func NewState(now time.Time) State {
	return State{
		LastRunAt:     now,
		GeneratedAt:   make(map[trigger.Name]time.Time),
		Attempts:      make(map[trigger.Name]int),
		LastAttemptAt: make(map[trigger.Name]time.Time),
	}
}

func (s *State) normalize() {
	if s.GeneratedAt == nil {
		s.GeneratedAt = make(map[trigger.Name]time.Time)
	}
	if s.Attempts == nil {
		s.Attempts = make(map[trigger.Name]int)
	}
	if s.LastAttemptAt == nil {
		s.LastAttemptAt = make(map[trigger.Name]time.Time)
	}
}

// Generated reports whether the state records a successful generation of name.
func (s State) Generated(name trigger.Name) bool {
	_, ok := s.GeneratedAt[name]
	return ok
}

// BackoffActive reports whether retries are deferred at now.
func (s State) BackoffActive(now time.Time) bool {
	return s.BackoffUntil != nil && now.Before(*s.BackoffUntil)
}

// RecordAttempt counts an attempt of name made at at and returns the new count.
func (s *State) RecordAttempt(name trigger.Name, at time.Time) int {
	s.normalize()
	s.Attempts[name]++
	s.LastAttemptAt[name] = at
	return s.Attempts[name]
}

// MarkGenerated records a successful generation and clears the failure bookkeeping.
// An existing generation timestamp is left unchanged.
func (s *State) MarkGenerated(name trigger.Name, at time.Time) {
	s.normalize()
	if _, ok := s.GeneratedAt[name]; !ok {
		s.GeneratedAt[name] = at
	}
	s.ClearFailure()
}

// RecordFailure stores the failure of attempt and defers retries by the backoff tier
// for that attempt.
func (s *State) RecordFailure(name trigger.Name, at time.Time, message string, attempt int) time.Time {
	until := at.Add(trigger.Backoff(attempt))
	s.LastError = &LastError{At: at, Message: message, Trigger: name, Attempt: attempt}
	s.BackoffUntil = &until
	return until
}

// ClearFailure drops the last error and any backoff deadline.
func (s *State) ClearFailure() {
	s.LastError = nil
	s.BackoffUntil = nil
}

// StateStore loads and saves State records.
type StateStore struct {
	acc    *Accessor
	layout Layout
	now    func() time.Time
	logger *slog.Logger
}

// NewStateStore returns a store that keeps records for ttl after each save.
func NewStateStore(acc *Accessor, ttl time.Duration, now func() time.Time, logger *slog.Logger) *StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StateStore{acc: acc, layout: StateLayout(ttl), now: now, logger: logger}
}

// Layout returns the key layout of state records.
func (s *StateStore) Layout() Layout { return s.layout }

// Load returns the tenant's state, or a fresh default when the record is missing,
// unreadable or corrupt. It never fails.
func (s *StateStore) Load(ctx context.Context, tenantKey string) State {
	st, err := s.LoadChecked(ctx, tenantKey)
	if err != nil {
		s.logger.WarnContext(ctx, "state read failed, using default",
			"tenant_token", keycodec.Encode(tenantKey),
			"error", err,
		)
		return NewState(s.now())
	}
	return st
}

// LoadChecked is Load without the fallback for storage errors. A corrupt record still
// yields the default.
func (s *StateStore) LoadChecked(ctx context.Context, tenantKey string) (State, error) {
	raw, ok, err := s.acc.Read(ctx, tenantKey, s.layout)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return NewState(s.now()), nil
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		s.logger.WarnContext(ctx, "corrupt state record, using default",
			"tenant_token", keycodec.Encode(tenantKey),
			"error", err,
		)
		return NewState(s.now()), nil
	}
	st.normalize()
	return st, nil
}

// Save overwrites the tenant's record and restarts its TTL.
func (s *StateStore) Save(ctx context.Context, tenantKey string, st State) error {
	st.normalize()
	raw, err := json.Marshal(st)
	if err != nil {
		return shared.MarkKind(shared.Wrap(err, "encode state"), shared.KindInternal)
	}
	return s.acc.Write(ctx, tenantKey, s.layout, raw)
}
