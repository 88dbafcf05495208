package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
	"github.com/devghori1264/quarterpatch/internal/notify"
	"github.com/devghori1264/quarterpatch/internal/workflow"
)

// job carries one server through one batch phase.
type job struct {
	o      *Orchestrator
	b      *batch
	rec    *models.ServerRecord
	m      *workflow.Machine
	log    *zap.SugaredLogger
	out    Outcome
	events []models.Event
	dirty  bool
}

type jobFunc func(j *job, ctx context.Context)

func phaseJob(p Phase) jobFunc {
	switch p {
	case PhaseApproval:
		return (*job).requestApproval
	case PhasePreCheck:
		return (*job).precheck
	case PhaseExecute:
		return (*job).execute
	case PhasePostCheck:
		return (*job).validate
	}
	return func(j *job, _ context.Context) {
		j.failWith(errors.Wrapf(errors.ErrValidationFailed, "phase %s has no per-server job", p))
	}
}

// eligible reports, from the batch snapshot, whether rec is due for the phase.
func (o *Orchestrator) eligible(b *batch, rec *models.ServerRecord) bool {
	q := b.req.Quarter
	m := workflow.New(rec.Clone(), q, o.cfg.Policy)
	p := m.Plan()
	force := b.req.Force
	switch b.req.Phase {
	case PhaseApproval:
		return m.State() == models.StateUnscheduled && p.Approval == models.ApprovalNone
	case PhaseSchedule:
		return m.State() == models.StateApproved && !p.HasSlot()
	case PhasePreCheck:
		switch m.State() {
		case models.StateApproved, models.StateScheduled:
			return p.HasSlot() && (force || m.ScheduleDue(b.now))
		case models.StatePreCheckFailed:
			return p.RecheckAt != nil && (force || m.RecheckDue(b.now))
		}
	case PhaseExecute:
		if m.State() != models.StatePreCheckPassed {
			return false
		}
		at, ok := rec.SlotTime(q)
		return force || (ok && !b.now.Before(at))
	case PhasePostCheck:
		return m.State() == models.StateExecuted && (force || m.ValidationDue(b.now))
	}
	return false
}

// withJob runs fn for snap under the server's lock and commits the result.
// Outside dry runs the record is re-read so admin changes made after the
// snapshot are not overwritten.
func (o *Orchestrator) withJob(ctx context.Context, b *batch, snap *models.ServerRecord, fn jobFunc) Outcome {
	unlock := o.locks.Lock(snap.Name)
	defer unlock()

	ctx, span := o.tracer.Start(ctx, "server."+b.req.Phase.String(), trace.WithAttributes(
		attribute.String("server", snap.Name),
		attribute.String("run_id", b.id),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return Outcome{Server: snap.Name, Skipped: true, Reason: "batch cancelled"}
	}

	rec := snap.Clone()
	if !b.req.DryRun {
		fresh, err := o.store.Get(ctx, snap.Name)
		switch {
		case errors.Is(err, errors.ErrNotFound):
			return Outcome{Server: snap.Name, Skipped: true, Reason: "removed from inventory"}
		case err != nil:
			o.log.Errorw("server read failed", "server", snap.Name, "error", err)
			return Outcome{Server: snap.Name, ErrorKind: errors.KindOf(err), Error: err.Error()}
		}
		rec = fresh
	}

	m := workflow.New(rec, b.req.Quarter, o.cfg.Policy)
	j := &job{
		o:   o,
		b:   b,
		rec: rec,
		m:   m,
		log: o.log.With("run_id", b.id, "server", rec.Name, "quarter", b.req.Quarter.String()),
		out: Outcome{Server: rec.Name, From: m.State(), To: m.State()},
	}
	fn(j, ctx)
	j.commit(ctx)

	span.SetAttributes(attribute.String("state", string(j.out.To)))
	if !j.out.Success && !j.out.Skipped {
		span.SetStatus(codes.Error, j.out.Error)
	}
	return j.out
}

func (j *job) dry() bool { return j.b.req.DryRun }

func (j *job) fireOpts() []workflow.FireOption {
	if j.b.req.Force {
		return []workflow.FireOption{workflow.WithForce()}
	}
	return nil
}

// fire applies ev. A rejected event is logged at error level and fails the job.
// Events fire on a detached context: a result that came back is always recorded,
// even after the batch context ended.
func (j *job) fire(ctx context.Context, ev workflow.Event) bool {
	if err := j.m.Fire(context.WithoutCancel(ctx), ev, j.b.now, j.fireOpts()...); err != nil {
		j.invalid(ev, err)
		return false
	}
	j.dirty = true
	j.out.To = j.m.State()
	if !j.dry() {
		j.o.metrics.Transition(string(ev))
	}
	return true
}

func (j *job) invalid(ev workflow.Event, err error) {
	j.log.Errorw("invalid transition", "event", ev, "state", j.m.State(), "error", err,
		"detail", errors.FlattenDetails(err))
	if !j.dry() {
		j.o.metrics.InvalidTransition()
	}
	j.failWith(err)
	j.emit(models.EventInvalidTransition, map[string]any{
		"event": string(ev),
		"state": string(j.m.State()),
		"error": err.Error(),
	})
}

func (j *job) failWith(err error) {
	j.out.Success = false
	j.out.ErrorKind = errors.KindOf(err)
	j.out.Error = err.Error()
}

func (j *job) failResult(res models.ExecutionResult) {
	j.out.Success = false
	j.out.ErrorKind = res.ErrorKind
	j.out.Error = res.Error
}

func (j *job) succeed(reason string) {
	j.out.Success = true
	j.out.Reason = reason
}

func (j *job) dryRun(what string) {
	j.succeed("dry run: would " + what)
}

func (j *job) emit(eventType string, payload map[string]any) {
	ev := notify.New(eventType, j.rec.Name, payload, j.o.clock())
	ev.Quarter = j.b.req.Quarter
	j.events = append(j.events, ev)
}

// run executes a remote phase and keeps its result on the plan.
func (j *job) run(ctx context.Context, phase string) models.ExecutionResult {
	done := j.o.metrics.Track()
	res := j.o.exec.Run(ctx, phase, j.rec.Target())
	done()
	j.o.metrics.ObserveServer(phase, res.Success, res.ErrorKind, res.Retries)

	kept := res
	j.m.Plan().LastResult = &kept
	j.dirty = true
	j.out.Results = append(j.out.Results, res)
	return res
}

// commit writes the record when it changed, then emits the buffered events.
// A failed write replaces them with a single server_error event.
func (j *job) commit(ctx context.Context) {
	if j.dry() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if j.dirty {
		if err := j.o.store.Write(ctx, j.rec); err != nil {
			j.log.Errorw("record write failed", "state", j.m.State(), "error", err)
			j.failWith(err)
			j.events = nil
			j.emit(models.EventServerError, map[string]any{
				"error":      err.Error(),
				"error_kind": string(errors.KindOf(err)),
				"state":      string(j.m.State()),
			})
		}
	}
	for _, ev := range j.events {
		j.o.notifier.Emit(ctx, ev)
	}
}

func resultPayload(res models.ExecutionResult) map[string]any {
	payload := map[string]any{
		"phase":      res.Phase,
		"success":    res.Success,
		"retries":    res.Retries,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	}
	if res.ErrorKind != errors.KindNone {
		payload["error_kind"] = string(res.ErrorKind)
		payload["error"] = res.Error
	}
	if res.OSFamily != "" {
		payload["os_family"] = res.OSFamily
	}
	if c, ok := res.FailedCheck(); ok {
		payload["failed_check"] = c.Name
		payload["value"] = c.Value
		payload["threshold"] = c.Threshold
	}
	return payload
}
