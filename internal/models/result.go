package models

import (
	"time"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
)

// ExecutionResult is the outcome of one remote phase against one host.
type ExecutionResult struct {
	Phase          string            `json:"phase"`
	Success        bool              `json:"success"`
	ErrorKind      errors.Kind       `json:"error_kind,omitempty"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	Elapsed        time.Duration     `json:"elapsed"`
	Retries        int               `json:"retries"`
	OSFamily       string            `json:"os_family,omitempty"`
	Checks         []CheckOutcome    `json:"checks,omitempty"`
	RebootRequired bool              `json:"reboot_required,omitempty"`
	Escalations    []string          `json:"escalations,omitempty"`
	Diagnostics    map[string]string `json:"diagnostics,omitempty"`
}

// CheckOutcome is one measured check inside a phase.
type CheckOutcome struct {
	Name      string      `json:"name"`
	Passed    bool        `json:"passed"`
	Advisory  bool        `json:"advisory,omitempty"`
	Value     float64     `json:"value,omitempty"`
	Threshold float64     `json:"threshold,omitempty"`
	Unit      string      `json:"unit,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	ErrorKind errors.Kind `json:"error_kind,omitempty"`
	Retries   int         `json:"retries,omitempty"`
}

// FailedCheck returns the first blocking check that failed.
func (r *ExecutionResult) FailedCheck() (CheckOutcome, bool) {
	if r == nil {
		return CheckOutcome{}, false
	}
	for _, c := range r.Checks {
		if !c.Passed && !c.Advisory {
			return c, true
		}
	}
	return CheckOutcome{}, false
}

// Event is a lifecycle notification handed to the Notifier.
type Event struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"`
	Server    string             `json:"server,omitempty"`
	Quarter   calendar.QuarterID `json:"quarter"`
	Payload   map[string]any     `json:"payload,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Event types.
const (
	EventApprovalRequested = "approval_requested"
	EventApproved          = "approved"
	EventRejected          = "rejected"
	EventScheduled         = "scheduled"
	EventSchedulingFailed  = "scheduling_failed"
	EventPreCheckPassed    = "precheck_passed"
	EventPreCheckFailed    = "precheck_failed"
	EventExecuted          = "executed"
	EventExecutionFailed   = "execution_failed"
	EventCompleted         = "completed"
	EventValidationFailed  = "validation_failed"
	EventRolledBack        = "rolled_back"
	EventRollbackFailed    = "rollback_failed"
	EventVendorFixFailed   = "vendor_fix_failed"
	EventInvalidTransition = "invalid_transition"
	EventServerError       = "server_error"
	EventQuarterClosed     = "quarter_closed"
	EventBatchSummary      = "batch_summary"
)
