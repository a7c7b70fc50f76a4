// Package orchestrator runs the per-tenant report schedule: one invocation decides
// whether a trigger is due, runs it at most once and records the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"reportsched/internal/keycodec"
	"reportsched/internal/shared"
	"reportsched/internal/storage"
	"reportsched/internal/tenant"
	"reportsched/internal/trigger"
)

// GenerateRequest asks the report service for one trigger's report.
type GenerateRequest struct {
	TenantKey   string
	TenantToken string
	CloudID     string
	Trigger     trigger.Name
	Attempt     int
	RunID       string
}

// IdempotencyKey identifies the logical report across retries and overlapping runs.
func (r GenerateRequest) IdempotencyKey() string {
	return string(r.Trigger) + ":" + r.TenantToken
}

// GenerateResult is what the report service reported. An error returned alongside it
// means the service could not be asked or did not answer.
type GenerateResult struct {
	Success bool
	Error   string
}

// Generator produces reports.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// Notification describes a generated report.
type Notification struct {
	TenantToken string
	CloudID     string
	Trigger     trigger.Name
	GeneratedAt time.Time
	Attempt     int
	RunID       string
}

// Notifier is told about generated reports. Its errors never change a run's outcome.
type Notifier interface {
	NotifyGenerated(ctx context.Context, n Notification) error
}

// InstallSource provides installation timestamps.
type InstallSource interface {
	Load(ctx context.Context, tenantKey string) (time.Time, bool, error)
}

// Deps are the collaborators of an Orchestrator. Resolver, Notifier, Logger, Now and
// NewRunID are optional.
type Deps struct {
	Resolver  tenant.Resolver
	States    *storage.StateStore
	Markers   *storage.MarkerStore
	Installs  InstallSource
	Generator Generator
	Notifier  Notifier
	Logger    *slog.Logger
	Now       func() time.Time
	NewRunID  func() string
}

// Orchestrator executes runs. It is safe for concurrent use; runs share no state.
type Orchestrator struct {
	resolver  tenant.Resolver
	states    *storage.StateStore
	markers   *storage.MarkerStore
	installs  InstallSource
	generator Generator
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
	newRunID  func() string
}

// New validates d and returns an Orchestrator.
func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.States == nil:
		return nil, errors.New("orchestrator: state store is required")
	case d.Markers == nil:
		return nil, errors.New("orchestrator: marker store is required")
	case d.Installs == nil:
		return nil, errors.New("orchestrator: install source is required")
	case d.Generator == nil:
		return nil, errors.New("orchestrator: generator is required")
	}

	o := &Orchestrator{
		resolver:  d.Resolver,
		states:    d.States,
		markers:   d.Markers,
		installs:  d.Installs,
		generator: d.Generator,
		notifier:  d.Notifier,
		logger:    d.Logger,
		now:       d.Now,
		newRunID:  d.NewRunID,
	}
	if o.resolver == nil {
		o.resolver = tenant.Default
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newRunID == nil {
		o.newRunID = uuid.NewString
	}
	return o, nil
}

// Run performs one invocation for the tenant described by ic. It always returns a
// Result: errors and panics are logged and reported in the body.
//
// Cancellation of ctx is not observed once the run has started, so a run always
// reaches a terminal state and persists it.
func (o *Orchestrator) Run(ctx context.Context, ic tenant.InvocationContext) (res Result) {
	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	now := o.now().UTC()
	res = Result{RunID: o.newRunID(), Timestamp: now}
	log := o.logger.With("run_id", res.RunID)

	defer func() {
		if p := recover(); p != nil {
			log.ErrorContext(ctx, "run panicked", "panic", p, "stack", string(debug.Stack()))
			res.fail(OutcomeError, CodeInternal, "internal error")
		}
	}()

	id, ok := o.resolver.Resolve(ic)
	if !ok {
		log.WarnContext(ctx, "tenant identity not resolvable")
		res.Outcome = OutcomeNoTenant
		res.Message = "tenant identity could not be resolved"
		res.StatusCode = http.StatusBadRequest
		return res
	}

	r := &run{
		o:     o,
		key:   id.Key,
		token: keycodec.Encode(id.Key),
		now:   now,
		res:   res,
	}
	r.res.CloudID = id.CloudID
	r.log = log.With("tenant_token", r.token, "tenant_source", string(id.Source))

	res = r.execute(ctx)
	r.log.InfoContext(ctx, "run finished",
		"outcome", string(res.Outcome),
		"success", res.Success,
		"duration", time.Since(started),
	)
	return res
}

type run struct {
	o     *Orchestrator
	log   *slog.Logger
	key   string
	token string
	now   time.Time

	state  storage.State
	loaded bool
	saved  bool

	res    Result
	notify *Notification
}

func (r *run) execute(ctx context.Context) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			r.log.ErrorContext(ctx, "run panicked", "panic", p, "stack", string(debug.Stack()))
			r.res.fail(OutcomeError, CodeInternal, "internal error")
			r.notify = nil
			r.persist(ctx)
			res = r.res
		}
	}()

	r.decide(ctx)
	r.persist(ctx)

	if r.notify != nil && r.o.notifier != nil {
		if err := r.o.notifier.NotifyGenerated(ctx, *r.notify); err != nil {
			r.log.WarnContext(ctx, "generation notification failed", "error", err)
		}
	}
	return r.res
}

func (r *run) decide(ctx context.Context) {
	st, err := r.o.states.LoadChecked(ctx, r.key)
	if err != nil {
		r.storageError(ctx, "load state", err)
		return
	}
	r.state = st
	r.loaded = true

	installedAt, ok, err := r.o.installs.Load(ctx, r.key)
	if err != nil {
		r.storageError(ctx, "load install timestamp", err)
		return
	}
	if !ok {
		r.res.ok(OutcomeWaitingInstall, "waiting for install timestamp")
		return
	}

	completed, anyDone, err := r.completion(ctx)
	if err != nil {
		r.storageError(ctx, "check completion markers", err)
		return
	}

	due, ok := trigger.Due(installedAt, r.now, func(n trigger.Name) bool { return completed[n] })
	if !ok {
		if !anyDone {
			r.res.ok(OutcomeNothingDue, "no trigger due")
			return
		}
		if candidate, ok := trigger.Due(installedAt, r.now, nil); ok {
			r.res.setDue(candidate)
		}
		r.res.ok(OutcomeAlreadyDone, "report already generated")
		return
	}
	r.res.setDue(due)
	r.log = r.log.With("trigger", string(due))

	// The marker may have been written by an overlapping run since completion() read it.
	done, err := r.o.markers.Exists(ctx, r.key, due)
	if err != nil {
		r.storageError(ctx, "re-check completion marker", err)
		return
	}
	if done {
		r.res.ok(OutcomeAlreadyDone, "report already generated")
		return
	}

	if r.state.BackoffActive(r.now) {
		until := *r.state.BackoffUntil
		r.res.AttemptCount = r.state.Attempts[due]
		r.res.BackoffUntil = &until
		r.res.ok(OutcomeDeferred, "retry deferred until "+until.UTC().Format(time.RFC3339))
		r.log.DebugContext(ctx, "backoff active", "backoff_until", until)
		return
	}

	attempt := r.state.RecordAttempt(due, r.now)
	r.res.AttemptCount = attempt

	gen, err := r.invoke(ctx, due, attempt)
	if err == nil && gen.Success {
		r.succeeded(ctx, due, attempt)
		return
	}
	r.failed(ctx, due, attempt, gen, err)
}

// completion reports which triggers are complete. A marker is authoritative; a
// generation recorded in state without its marker means the marker write was lost, so
// the marker is restored.
func (r *run) completion(ctx context.Context) (map[trigger.Name]bool, bool, error) {
	completed := make(map[trigger.Name]bool, len(trigger.All))
	anyDone := false
	for _, t := range trigger.All {
		exists, err := r.o.markers.Exists(ctx, r.key, t.Name)
		if err != nil {
			return nil, false, err
		}
		if !exists && r.state.Generated(t.Name) {
			r.log.WarnContext(ctx, "completion marker missing, restoring", "trigger", string(t.Name))
			if _, err := r.o.markers.Write(ctx, r.key, t.Name, r.state.GeneratedAt[t.Name]); err != nil {
				r.log.ErrorContext(ctx, "completion marker restore failed", "trigger", string(t.Name), "error", err)
			}
			exists = true
		}
		completed[t.Name] = exists
		anyDone = anyDone || exists
	}
	return completed, anyDone, nil
}

func (r *run) invoke(ctx context.Context, name trigger.Name, attempt int) (res GenerateResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.ErrorContext(ctx, "report generator panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("report generator panicked: %v", p)
		}
	}()

	return r.o.generator.Generate(ctx, GenerateRequest{
		TenantKey:   r.key,
		TenantToken: r.token,
		CloudID:     r.res.CloudID,
		Trigger:     name,
		Attempt:     attempt,
		RunID:       r.res.RunID,
	})
}

func (r *run) succeeded(ctx context.Context, name trigger.Name, attempt int) {
	wrote, err := r.o.markers.Write(ctx, r.key, name, r.now)
	if err != nil {
		r.log.ErrorContext(ctx, "completion marker write failed", "attempt", attempt, "error", err)
	}
	r.state.MarkGenerated(name, r.now)

	r.res.ReportGenerated = true
	r.res.ok(OutcomeGenerated, fmt.Sprintf("%s report generated", name))
	r.log.InfoContext(ctx, "report generated", "attempt", attempt, "marker_written", wrote)

	r.notify = &Notification{
		TenantToken: r.token,
		CloudID:     r.res.CloudID,
		Trigger:     name,
		GeneratedAt: r.now,
		Attempt:     attempt,
		RunID:       r.res.RunID,
	}
}

// failed records a failed attempt. The attempt counter was incremented before the
// generator was called, so reported failures and errors use the same backoff tier.
func (r *run) failed(ctx context.Context, name trigger.Name, attempt int, gen GenerateResult, err error) {
	message := gen.Error
	if err != nil {
		message = "report generation error: " + shared.Truncate(err.Error(), 200)
		r.log.ErrorContext(ctx, "report generator error", "attempt", attempt, "error", err)
	} else {
		if message == "" {
			message = "report generation failed"
		}
		r.log.WarnContext(ctx, "report generation failed", "attempt", attempt, "reason", message)
	}

	until := r.state.RecordFailure(name, r.now, message, attempt)
	r.res.BackoffUntil = &until
	r.res.fail(OutcomeFailed, "", message)
}

func (r *run) storageError(ctx context.Context, op string, err error) {
	r.log.ErrorContext(ctx, op+" failed", "error", err)
	r.res.fail(OutcomeError, errorCode(err), op+" failed")
}

// persist saves state once. A run that could not read its state never saves, since
// the default would overwrite the stored attempt counters.
func (r *run) persist(ctx context.Context) {
	if !r.loaded || r.saved {
		return
	}
	r.saved = true

	r.state.LastRunAt = r.now
	r.state.LastOutcome = string(r.res.Outcome)
	if err := r.o.states.Save(ctx, r.key, r.state); err != nil {
		r.log.ErrorContext(ctx, "save state failed", "error", err)
		if r.res.Outcome != OutcomeError {
			generated := r.res.ReportGenerated
			r.res.fail(OutcomeError, errorCode(err), "save state failed")
			r.res.ReportGenerated = generated
		}
	}
}
