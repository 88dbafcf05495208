// Package workflow owns the lifecycle of one server within one quarter.
//
// Transitions are table driven (see Transitions) and evaluated by looplab/fsm.
// The machine holds no timers: every time-dependent decision takes the caller's
// now, so the batch orchestrator decides when time-based events fire.
package workflow

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/looplab/fsm"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
)

// Policy tunes time guards and retry bounds.
type Policy struct {
	// PrecheckLead is how long before the slot pre-checks may start.
	PrecheckLead time.Duration
	// RecheckDelay separates a failed pre-check from its automatic re-check.
	RecheckDelay time.Duration
	// MaxAutoRechecks bounds automatic re-checks per quarter.
	MaxAutoRechecks int
	// RollbackOnExecutionFailure lets ExecutionFailed be rolled back like ValidationFailed.
	RollbackOnExecutionFailure bool
}

// DefaultPolicy allows exactly one automatic re-check.
func DefaultPolicy() Policy {
	return Policy{
		PrecheckLead:    2 * time.Hour,
		RecheckDelay:    30 * time.Minute,
		MaxAutoRechecks: 1,
	}
}

// Machine is the state machine for one (server, quarter).
type Machine struct {
	server  string
	quarter calendar.QuarterID
	plan    *models.QuarterPlan
	slotAt  time.Time
	policy  Policy
	fsm     *fsm.FSM
}

// New builds a machine over rec's plan for q. The plan is mutated in place as
// events are accepted.
func New(rec *models.ServerRecord, q calendar.QuarterID, policy Policy) *Machine {
	plan := rec.Plan(q)
	if plan.State == "" {
		plan.State = models.StateUnscheduled
	}
	slotAt, _ := rec.SlotTime(q)
	return &Machine{
		server:  rec.Name,
		quarter: q,
		plan:    plan,
		slotAt:  slotAt,
		policy:  policy,
		fsm:     fsm.NewFSM(string(plan.State), fsm.Events(Transitions), fsm.Callbacks{}),
	}
}

// State returns the current state.
func (m *Machine) State() models.State { return models.State(m.fsm.Current()) }

// Plan returns the plan the machine mutates.
func (m *Machine) Plan() *models.QuarterPlan { return m.plan }

// Server returns the server name.
func (m *Machine) Server() string { return m.server }

// Can reports whether ev is defined for the current state, ignoring guards.
func (m *Machine) Can(ev Event) bool { return m.fsm.Can(string(ev)) }

// SetSlot records the slot used by the schedule_due guard.
func (m *Machine) SetSlot(at time.Time) { m.slotAt = at }

// FireOption changes how Fire evaluates guards.
type FireOption func(*fireOptions)

type fireOptions struct {
	force bool
}

// WithForce skips time guards (due times and re-check delay). It never makes an
// undefined transition legal and never lifts the re-check bound.
func WithForce() FireOption {
	return func(o *fireOptions) { o.force = true }
}

// Fire applies ev at now. Events undefined for the current state, or whose guard
// rejects them, fail with ErrInvalidTransition and leave the machine unchanged.
func (m *Machine) Fire(ctx context.Context, ev Event, now time.Time, opts ...FireOption) error {
	var o fireOptions
	for _, opt := range opts {
		opt(&o)
	}

	from := m.State()
	if !m.Can(ev) {
		return m.invalid(ev, from, "event not defined for state")
	}
	if err := m.guard(ev, now, o); err != nil {
		return err
	}

	if err := m.fsm.Event(ctx, string(ev)); err != nil {
		var invalid fsm.InvalidEventError
		var unknown fsm.UnknownEventError
		if stderrors.As(err, &invalid) || stderrors.As(err, &unknown) {
			return m.invalid(ev, from, err.Error())
		}
		return errors.Wrapf(err, "%s: %s from %s", m.server, ev, from)
	}

	m.apply(ev, now)
	m.record(from, string(ev), now)
	return nil
}

func (m *Machine) guard(ev Event, now time.Time, o fireOptions) error {
	switch ev {
	case EventScheduleDue:
		if m.slotAt.IsZero() {
			return m.invalid(ev, m.State(), "no patch slot assigned")
		}
		if !o.force && !m.ScheduleDue(now) {
			return m.invalid(ev, m.State(), "pre-check window opens at "+m.slotAt.Add(-m.policy.PrecheckLead).Format(time.RFC3339))
		}
	case EventRecheck:
		if m.plan.PrecheckFailures > m.policy.MaxAutoRechecks || m.plan.RecheckAt == nil {
			return m.invalid(ev, m.State(), "automatic re-check already used")
		}
		if !o.force && now.Before(*m.plan.RecheckAt) {
			return m.invalid(ev, m.State(), "re-check not due until "+m.plan.RecheckAt.Format(time.RFC3339))
		}
	case EventValidate:
		if !o.force && !m.ValidationDue(now) {
			return m.invalid(ev, m.State(), "validation deferred until "+m.plan.ValidateAfter.Format(time.RFC3339))
		}
	}
	return nil
}

// apply updates plan bookkeeping for an accepted event.
func (m *Machine) apply(ev Event, now time.Time) {
	p := m.plan
	switch ev {
	case EventRequestApproval:
		p.Approval = models.ApprovalPending
	case EventApprove:
		p.Approval = models.ApprovalApproved
	case EventReject:
		p.Approval = models.ApprovalRejected
		p.PatchDate, p.PatchTime, p.Forced = "", "", false
		m.slotAt = time.Time{}
	case EventPrecheckFail:
		p.PrecheckFailures++
		if p.PrecheckFailures <= m.policy.MaxAutoRechecks {
			at := now.Add(m.policy.RecheckDelay)
			p.RecheckAt = &at
		} else {
			p.RecheckAt = nil
		}
	case EventRecheck:
		p.RetryCount++
		p.RecheckAt = nil
	case EventPrecheckPass:
		p.RecheckAt = nil
	case EventRetrigger:
		p.RetryCount++
		p.PrecheckFailures = 0
		p.RecheckAt = nil
		p.ValidateAfter = nil
		p.RebootRequired = false
	case EventValidate:
		p.ValidateAfter = nil
	}
	p.State = m.State()
}

func (m *Machine) record(from models.State, event string, now time.Time) {
	m.plan.History = append(m.plan.History, models.Transition{From: from, To: m.State(), Event: event, At: now})
}

func (m *Machine) invalid(ev Event, from models.State, detail string) error {
	return errors.WithDetailf(
		errors.Wrapf(errors.ErrInvalidTransition, "%s %s: %s from %s", m.server, m.quarter, ev, from),
		"%s", detail)
}

// ScheduleDue reports whether the pre-check window for the slot has opened.
func (m *Machine) ScheduleDue(now time.Time) bool {
	s := m.State()
	if s != models.StateApproved && s != models.StateScheduled {
		return false
	}
	if m.slotAt.IsZero() {
		return false
	}
	return !now.Before(m.slotAt.Add(-m.policy.PrecheckLead))
}

// RecheckDue reports whether the single automatic re-check may run.
func (m *Machine) RecheckDue(now time.Time) bool {
	if m.State() != models.StatePreCheckFailed || m.plan.RecheckAt == nil {
		return false
	}
	return !now.Before(*m.plan.RecheckAt)
}

// ValidationDue reports whether post-patch validation may start.
func (m *Machine) ValidationDue(now time.Time) bool {
	if m.State() != models.StateExecuted {
		return false
	}
	return m.plan.ValidateAfter == nil || !now.Before(*m.plan.ValidateAfter)
}

// DeferValidation records when post-patch validation becomes due.
func (m *Machine) DeferValidation(at time.Time) {
	m.plan.ValidateAfter = &at
}

// Terminal reports whether nothing but a manual action can move the machine.
func (m *Machine) Terminal() bool {
	switch m.State() {
	case models.StateCompleted, models.StateRolledBack, models.StateExecutionFailed, models.StateValidationFailed:
		return true
	case models.StatePreCheckFailed:
		return m.plan.RecheckAt == nil
	}
	return false
}

// CanRollBack reports whether MarkRolledBack is allowed by policy.
func (m *Machine) CanRollBack() bool {
	switch m.State() {
	case models.StateValidationFailed:
		return true
	case models.StateExecutionFailed:
		return m.policy.RollbackOnExecutionFailure
	}
	return false
}

// MarkRolledBack records a successful rollback. It sits outside the transition
// table: RolledBack has no outgoing events.
func (m *Machine) MarkRolledBack(now time.Time) error {
	from := m.State()
	if !m.CanRollBack() {
		return m.invalid(EventRollback, from, "rollback not permitted")
	}
	m.fsm.SetState(string(models.StateRolledBack))
	m.plan.State = models.StateRolledBack
	m.record(from, string(EventRollback), now)
	return nil
}
