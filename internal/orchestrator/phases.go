package orchestrator

import (
	"context"
	"time"

	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
	"github.com/devghori1264/quarterpatch/internal/remote"
	"github.com/devghori1264/quarterpatch/internal/workflow"
)

func (j *job) requestApproval(ctx context.Context) {
	if !j.fire(ctx, workflow.EventRequestApproval) {
		return
	}
	if j.dry() {
		j.dryRun("request approval")
		return
	}
	j.succeed("")
	j.emit(models.EventApprovalRequested, map[string]any{
		"owners":     j.rec.Owners,
		"host_group": j.rec.HostGroup,
	})
}

// precheck opens the pre-check window (or takes the automatic re-check) and
// runs the pre-check phase.
func (j *job) precheck(ctx context.Context) {
	ev := workflow.EventScheduleDue
	if j.m.State() == models.StatePreCheckFailed {
		ev = workflow.EventRecheck
	}
	if !j.fire(ctx, ev) {
		return
	}
	if j.dry() {
		j.dryRun("run pre-checks")
		return
	}

	res := j.run(ctx, remote.PhasePreCheck)
	for _, esc := range res.Escalations {
		j.emit(models.EventVendorFixFailed, map[string]any{"detail": esc})
	}
	if res.Success {
		if j.fire(ctx, workflow.EventPrecheckPass) {
			j.succeed("")
			j.emit(models.EventPreCheckPassed, resultPayload(res))
		}
		return
	}

	if !j.fire(ctx, workflow.EventPrecheckFail) {
		return
	}
	j.failResult(res)
	payload := resultPayload(res)
	if at := j.m.Plan().RecheckAt; at != nil {
		payload["recheck_at"] = at.UTC().Format(time.RFC3339)
		j.out.Reason = "automatic re-check at " + at.UTC().Format(time.RFC3339)
	} else {
		j.out.Reason = "pre-check failed again, manual action required"
	}
	j.emit(models.EventPreCheckFailed, payload)
}

// execute patches a pre-checked server once its slot has started. Validation
// follows immediately unless a reboot was triggered.
func (j *job) execute(ctx context.Context) {
	if j.m.State() == models.StatePreCheckPassed && !j.b.req.Force {
		if at, ok := j.rec.SlotTime(j.b.req.Quarter); ok && j.b.now.Before(at) {
			err := errors.WithDetailf(
				errors.Wrapf(errors.ErrInvalidTransition, "%s %s: %s before slot", j.rec.Name, j.b.req.Quarter, workflow.EventExecute),
				"slot starts at %s", at.Format(time.RFC3339))
			j.invalid(workflow.EventExecute, err)
			return
		}
	}
	if !j.fire(ctx, workflow.EventExecute) {
		return
	}
	if j.dry() {
		j.dryRun("patch")
		return
	}

	res := j.run(ctx, remote.PhaseExecute)
	if !res.Success {
		if !j.fire(ctx, workflow.EventExecutionFailure) {
			return
		}
		j.failResult(res)
		j.emit(models.EventExecutionFailed, resultPayload(res))
		if j.m.CanRollBack() {
			j.rollback(ctx)
		}
		return
	}

	if !j.fire(ctx, workflow.EventExecutionSuccess) {
		return
	}
	j.m.Plan().RebootRequired = res.RebootRequired
	payload := resultPayload(res)
	payload["reboot_required"] = res.RebootRequired
	j.emit(models.EventExecuted, payload)

	if res.RebootRequired && j.o.cfg.RebootWait > 0 {
		at := j.b.now.Add(j.o.cfg.RebootWait)
		j.m.DeferValidation(at)
		j.succeed("rebooting, validation due at " + at.UTC().Format(time.RFC3339))
		return
	}
	j.validate(ctx)
}

// validate runs post-patch validation and rolls back on failure.
func (j *job) validate(ctx context.Context) {
	if !j.fire(ctx, workflow.EventValidate) {
		return
	}
	if j.dry() {
		j.dryRun("validate")
		return
	}

	res := j.run(ctx, remote.PhasePostCheck)
	if res.Success {
		if j.fire(ctx, workflow.EventPostcheckPass) {
			j.succeed("")
			j.emit(models.EventCompleted, resultPayload(res))
		}
		return
	}
	if !j.fire(ctx, workflow.EventPostcheckFail) {
		return
	}
	j.failResult(res)
	j.emit(models.EventValidationFailed, resultPayload(res))
	j.rollback(ctx)
}

// rollback is best effort; the failure that caused it stays on the outcome.
func (j *job) rollback(ctx context.Context) {
	res := j.run(ctx, remote.PhaseRollback)
	if !res.Success {
		j.log.Errorw("rollback failed", "kind", res.ErrorKind, "error", res.Error)
		j.out.Reason = "rollback failed: " + res.Error
		j.emit(models.EventRollbackFailed, resultPayload(res))
		return
	}
	if err := j.m.MarkRolledBack(j.b.now); err != nil {
		j.invalid(workflow.EventRollback, err)
		return
	}
	j.out.To = j.m.State()
	j.out.Reason = "rolled back"
	j.emit(models.EventRolledBack, resultPayload(res))
}
