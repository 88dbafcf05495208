package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
	"github.com/devghori1264/quarterpatch/internal/scheduler"
	"github.com/devghori1264/quarterpatch/internal/workflow"
)

// Constraints builds the scheduler constraints for quarter q at now.
func (o *Orchestrator) Constraints(q calendar.QuarterID, now time.Time, force bool) scheduler.Constraints {
	return scheduler.Constraints{
		Quarter:       q,
		Now:           now,
		MaxPerHour:    o.cfg.MaxPerHour,
		GroupLimits:   o.cfg.GroupLimits,
		Window:        o.cfg.Window,
		GroupPriority: o.cfg.GroupPriority,
		Freeze:        o.cfg.Freeze,
		Force:         force,
	}
}

// Usage counts the slots already held in quarter q, ignoring exclude.
func Usage(recs []*models.ServerRecord, q calendar.QuarterID, exclude string) scheduler.Usage {
	var slots []scheduler.Slot
	for _, r := range recs {
		if r.Name == exclude {
			continue
		}
		at, ok := r.SlotTime(q)
		if !ok {
			continue
		}
		slots = append(slots, scheduler.Slot{Server: r.Name, HostGroup: r.HostGroup, At: at})
	}
	return scheduler.UsageFromSlots(slots)
}

// Candidate converts a record into a scheduling candidate.
func Candidate(rec *models.ServerRecord) (scheduler.Candidate, error) {
	loc := rec.Location()
	c := scheduler.Candidate{Name: rec.Name, HostGroup: rec.HostGroup, Location: loc}
	var err error
	if rec.Earliest != "" {
		if c.Earliest, err = calendar.ParseDateIn(rec.Earliest, loc); err != nil {
			return c, errors.Mark(errors.Wrapf(err, "%s earliest hint", rec.Name), errors.ErrValidationFailed)
		}
	}
	if rec.Latest != "" {
		if c.Latest, err = calendar.ParseDateIn(rec.Latest, loc); err != nil {
			return c, errors.Mark(errors.Wrapf(err, "%s latest hint", rec.Name), errors.ErrValidationFailed)
		}
	}
	return c, nil
}

// schedulePass places every approved server without a slot. It runs on one
// goroutine under the slot lock: the usage counters are threaded through the
// scheduler call and come from a read taken after the lock was acquired.
func (o *Orchestrator) schedulePass(ctx context.Context, b *batch, selected []*models.ServerRecord) ([]Outcome, error) {
	unlock := o.LockSlots()
	defer unlock()

	q := b.req.Quarter
	all := b.all
	if !b.req.DryRun {
		fresh, err := o.store.ReadAll(ctx)
		if err != nil {
			return nil, errors.Infrastructure(err, "read inventory")
		}
		all = fresh
	}
	current := make(map[string]*models.ServerRecord, len(all))
	for _, r := range all {
		current[r.Name] = r
	}

	byName := make(map[string]*models.ServerRecord, len(selected))
	var cands []scheduler.Candidate
	var outcomes []Outcome

	for _, snap := range selected {
		if cur, ok := current[snap.Name]; ok && !b.req.DryRun {
			snap = cur
		}
		if !o.eligible(b, snap) {
			if b.explicit(snap.Name) {
				outcomes = append(outcomes, o.withJob(ctx, b, snap, func(j *job, ctx context.Context) {
					j.fire(ctx, workflow.EventSchedule)
				}))
			}
			continue
		}
		c, err := Candidate(snap)
		if err != nil {
			outcomes = append(outcomes, Outcome{Server: snap.Name, ErrorKind: errors.KindOf(err), Error: err.Error()})
			continue
		}
		byName[snap.Name] = snap
		cands = append(cands, c)
	}

	res, _, err := scheduler.Schedule(cands, o.Constraints(q, b.now, b.req.Force), Usage(all, q, ""))
	if err != nil {
		return nil, errors.Wrap(err, "schedule")
	}

	for _, slot := range res.Slots {
		slot := slot
		outcomes = append(outcomes, o.withJob(ctx, b, byName[slot.Server], func(j *job, ctx context.Context) {
			p := j.m.Plan()
			p.PatchDate, p.PatchTime, p.Forced = slot.Date, slot.Time, slot.Forced
			j.m.SetSlot(slot.At)
			if !j.fire(ctx, workflow.EventSchedule) {
				return
			}
			j.out.Slot = &slot
			if j.dry() {
				j.dryRun("schedule " + slot.Date + " " + slot.Time)
				return
			}
			j.succeed("")
			j.emit(models.EventScheduled, map[string]any{
				"date":   slot.Date,
				"time":   slot.Time,
				"at":     slot.At.UTC().Format(time.RFC3339),
				"forced": slot.Forced,
			})
		}))
	}

	for _, f := range res.Failures {
		f := f
		if !b.req.DryRun {
			o.metrics.SchedulingFailure(f.Constraint)
		}
		outcomes = append(outcomes, o.withJob(ctx, b, byName[f.Server], func(j *job, _ context.Context) {
			j.failWith(f.Err())
			j.out.Reason = f.Constraint
			j.emit(models.EventSchedulingFailed, map[string]any{
				"constraint": f.Constraint,
				"reason":     f.Reason,
			})
		}))
	}

	sort.SliceStable(outcomes, func(i, k int) bool { return outcomes[i].Server < outcomes[k].Server })
	return outcomes, nil
}
