package workflow

import (
	"github.com/looplab/fsm"

	"github.com/devghori1264/quarterpatch/internal/models"
)

// Event drives the machine.
type Event string

const (
	EventRequestApproval  Event = "request_approval"
	EventApprove          Event = "approve"
	EventReject           Event = "reject"
	EventSchedule         Event = "schedule"
	EventScheduleDue      Event = "schedule_due"
	EventPrecheckPass     Event = "precheck_pass"
	EventPrecheckFail     Event = "precheck_fail"
	EventRecheck          Event = "recheck"
	EventExecute          Event = "execute"
	EventExecutionSuccess Event = "execution_success"
	EventExecutionFailure Event = "execution_failure"
	EventRetrigger        Event = "retrigger"
	EventValidate         Event = "validate"
	EventPostcheckPass    Event = "postcheck_pass"
	EventPostcheckFail    Event = "postcheck_fail"

	// EventRollback is recorded in history only; it is not part of the table.
	EventRollback Event = "rollback"
)

// AllEvents lists every table event.
var AllEvents = []Event{
	EventRequestApproval, EventApprove, EventReject, EventSchedule, EventScheduleDue,
	EventPrecheckPass, EventPrecheckFail, EventRecheck, EventExecute,
	EventExecutionSuccess, EventExecutionFailure, EventRetrigger,
	EventValidate, EventPostcheckPass, EventPostcheckFail,
}

func s(states ...models.State) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

// Transitions is the legal (state, event) -> state table.
var Transitions = []fsm.EventDesc{
	{Name: string(EventRequestApproval), Src: s(models.StateUnscheduled), Dst: string(models.StatePendingApproval)},
	{Name: string(EventApprove), Src: s(models.StatePendingApproval), Dst: string(models.StateApproved)},
	{Name: string(EventReject), Src: s(models.StatePendingApproval), Dst: string(models.StateUnscheduled)},
	{Name: string(EventSchedule), Src: s(models.StateApproved), Dst: string(models.StateScheduled)},
	{Name: string(EventScheduleDue), Src: s(models.StateApproved, models.StateScheduled), Dst: string(models.StatePreCheckRunning)},
	{Name: string(EventPrecheckPass), Src: s(models.StatePreCheckRunning), Dst: string(models.StatePreCheckPassed)},
	{Name: string(EventPrecheckFail), Src: s(models.StatePreCheckRunning), Dst: string(models.StatePreCheckFailed)},
	{Name: string(EventRecheck), Src: s(models.StatePreCheckFailed), Dst: string(models.StatePreCheckRunning)},
	{Name: string(EventExecute), Src: s(models.StatePreCheckPassed), Dst: string(models.StateExecuting)},
	{Name: string(EventExecutionSuccess), Src: s(models.StateExecuting), Dst: string(models.StateExecuted)},
	{Name: string(EventExecutionFailure), Src: s(models.StateExecuting), Dst: string(models.StateExecutionFailed)},
	{Name: string(EventRetrigger), Src: s(models.StateExecutionFailed), Dst: string(models.StateScheduled)},
	{Name: string(EventValidate), Src: s(models.StateExecuted), Dst: string(models.StatePostValidating)},
	{Name: string(EventPostcheckPass), Src: s(models.StatePostValidating), Dst: string(models.StateCompleted)},
	{Name: string(EventPostcheckFail), Src: s(models.StatePostValidating), Dst: string(models.StateValidationFailed)},
}

// Next returns the destination of ev from st according to the table.
func Next(st models.State, ev Event) (models.State, bool) {
	for _, t := range Transitions {
		if t.Name != string(ev) {
			continue
		}
		for _, src := range t.Src {
			if src == string(st) {
				return models.State(t.Dst), true
			}
		}
	}
	return "", false
}
