package orchestrator

import (
	"net/http"
	"time"

	"reportsched/internal/shared"
	"reportsched/internal/trigger"
)

// Outcome is the terminal state a run ended in.
type Outcome string

const (
	OutcomeNoTenant       Outcome = "no_tenant"
	OutcomeWaitingInstall Outcome = "waiting_install"
	OutcomeNothingDue     Outcome = "nothing_due"
	OutcomeAlreadyDone    Outcome = "already_done"
	OutcomeDeferred       Outcome = "deferred"
	OutcomeGenerated      Outcome = "generated"
	OutcomeFailed         Outcome = "failed"
	OutcomeError          Outcome = "error"
)

// Error codes reported with OutcomeError.
const (
	CodeStorageUnavailable = "storage_unavailable"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal_error"
)

// Result is the response of one run. Logical failures are carried in the body; only
// OutcomeNoTenant has a non-200 StatusCode.
type Result struct {
	Success         bool          `json:"success"`
	Message         string        `json:"message"`
	CloudID         string        `json:"cloudId,omitempty"`
	DueTrigger      *trigger.Name `json:"due_trigger"`
	ReportGenerated bool          `json:"report_generated"`
	AttemptCount    int           `json:"attempt_count,omitempty"`
	BackoffUntil    *time.Time    `json:"backoff_until,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	Outcome         Outcome       `json:"outcome"`
	ErrorCode       string        `json:"error_code,omitempty"`

	RunID      string `json:"-"`
	StatusCode int    `json:"-"`
}

func (r *Result) setDue(name trigger.Name) {
	n := name
	r.DueTrigger = &n
}

func (r *Result) fail(outcome Outcome, code, message string) {
	r.Success = false
	r.Outcome = outcome
	r.ErrorCode = code
	r.Message = message
	r.StatusCode = http.StatusOK
}

func (r *Result) ok(outcome Outcome, message string) {
	r.Success = true
	r.Outcome = outcome
	r.Message = message
	r.StatusCode = http.StatusOK
}

// errorCode maps an error to the code exposed in results.
func errorCode(err error) string {
	switch shared.KindOf(err) {
	case shared.KindTimeout, shared.KindCanceled:
		return CodeTimeout
	case shared.KindDependencyFailure, shared.KindNotFound:
		return CodeStorageUnavailable
	default:
		return CodeInternal
	}
}
