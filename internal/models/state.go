package models

// State is the lifecycle state of a server within one quarter.
type State string

const (
	StateUnscheduled      State = "Unscheduled"
	StatePendingApproval  State = "PendingApproval"
	StateApproved         State = "Approved"
	StateScheduled        State = "Scheduled"
	StatePreCheckRunning  State = "PreCheckRunning"
	StatePreCheckFailed   State = "PreCheckFailed"
	StatePreCheckPassed   State = "PreCheckPassed"
	StateExecuting        State = "Executing"
	StateExecutionFailed  State = "ExecutionFailed"
	StateExecuted         State = "Executed"
	StatePostValidating   State = "PostValidating"
	StateCompleted        State = "Completed"
	StateValidationFailed State = "ValidationFailed"
	StateRolledBack       State = "RolledBack"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateUnscheduled,
	StatePendingApproval,
	StateApproved,
	StateScheduled,
	StatePreCheckRunning,
	StatePreCheckFailed,
	StatePreCheckPassed,
	StateExecuting,
	StateExecutionFailed,
	StateExecuted,
	StatePostValidating,
	StateCompleted,
	StateValidationFailed,
	StateRolledBack,
}
