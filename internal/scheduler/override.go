package scheduler

import (
	"fmt"
	"time"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
)

// Constraint names reported by ConstraintViolation.
const (
	ConstraintFreezeWindow  = "freeze-window"
	ConstraintQuarterBounds = "quarter-bounds"
	ConstraintCapacity      = "capacity"
	ConstraintTimeWindow    = "time-window"
)

// ConstraintViolation rejects a manual slot. It is marked ErrValidationFailed.
type ConstraintViolation struct {
	Server     string
	Constraint string
	Detail     string
}

func (v *ConstraintViolation) Error() string {
	return fmt.Sprintf("override for %s violates %s: %s", v.Server, v.Constraint, v.Detail)
}

// ValidateOverride checks a manually chosen slot. Breaches are honored only when
// c.Force is set. Quarter bounds are never overridable: the slot must fall in the
// current or next occurrence of the quarter as seen from c.Now, and not before c.Now.
func ValidateOverride(slot Slot, c Constraints, usage Usage) error {
	if !c.Quarter.Valid() {
		return errors.Wrapf(errors.ErrValidationFailed, "unknown quarter %d", int(c.Quarter))
	}
	violation := func(constraint, detail string) error {
		return errors.Mark(&ConstraintViolation{Server: slot.Server, Constraint: constraint, Detail: detail}, errors.ErrValidationFailed)
	}

	if c.Now.IsZero() {
		return errors.Wrap(errors.ErrValidationFailed, "override validation requires a reference time")
	}

	start, end, err := calendar.Bounds(c.Quarter, c.Now.In(slot.At.Location()))
	if err != nil {
		return err
	}
	if slot.At.Before(start) || !slot.At.Before(end) {
		return violation(ConstraintQuarterBounds, fmt.Sprintf("%s is outside %s (%s to %s)",
			slot.At.Format(calendar.DateLayout), c.Quarter, start.Format(calendar.DateLayout), end.Format(calendar.DateLayout)))
	}
	if slot.At.Before(c.Now) {
		return violation(ConstraintQuarterBounds, fmt.Sprintf("%s is in the past", slot.At.Format(time.RFC3339)))
	}
	if c.Force {
		return nil
	}
	if c.Freeze.Contains(slot.At) {
		return violation(ConstraintFreezeWindow, fmt.Sprintf("%s (%s) falls in freeze window %s",
			slot.At.Format(calendar.DateLayout), slot.At.Weekday(), c.Freeze))
	}
	if h := slot.At.Hour(); c.Window.Hours() > 0 && (h < c.Window.StartHour || h >= c.Window.EndHour) {
		return violation(ConstraintTimeWindow, fmt.Sprintf("%s is outside %02d:00-%02d:00",
			slot.At.Format(calendar.ClockLayout), c.Window.StartHour, c.Window.EndHour))
	}
	if limit := c.Limit(slot.HostGroup); usage.Count(slot.HostGroup, slot.At) >= limit {
		return violation(ConstraintCapacity, fmt.Sprintf("host group %q already has %d start(s) at %s",
			slot.HostGroup, limit, slot.At.Truncate(time.Hour).Format(time.RFC3339)))
	}
	return nil
}
