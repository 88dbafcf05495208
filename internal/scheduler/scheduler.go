// Package scheduler assigns patch slots to approved servers under hourly
// host-group capacity, an allowed time window and the freeze calendar.
//
// Capacity is carried in an explicit Usage value: Schedule takes the usage seen
// so far and returns the usage after its own allocations, so a pass is a pure
// function of its inputs and can be replayed deterministically.
package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
)

// Candidate is an approved server that still needs a slot.
type Candidate struct {
	Name      string
	HostGroup string
	// Location is the server timezone; slots are expressed in it.
	Location *time.Location
	// Earliest and Latest optionally narrow the walk. Zero means no hint.
	Earliest time.Time
	Latest   time.Time
}

// Window is the allowed start-hour range [StartHour, EndHour) in server local time.
type Window struct {
	StartHour int
	EndHour   int
}

// Hours returns the number of hour buckets in the window.
func (w Window) Hours() int { return w.EndHour - w.StartHour }

// Constraints bound one scheduling pass.
type Constraints struct {
	Quarter calendar.QuarterID
	Now     time.Time
	// MaxPerHour caps how many servers of one host group start in one hour.
	MaxPerHour int
	// GroupLimits overrides MaxPerHour per host group. Zero means no capacity.
	GroupLimits   map[string]int
	Window        Window
	GroupPriority map[string]int
	Freeze        calendar.FreezeWindow
	// Force allows slots inside the freeze window.
	Force bool
}

// Limit returns the hourly cap for group.
func (c Constraints) Limit(group string) int {
	if l, ok := c.GroupLimits[group]; ok {
		return l
	}
	return c.MaxPerHour
}

func (c Constraints) validate() error {
	if !c.Quarter.Valid() {
		return errors.Wrapf(errors.ErrValidationFailed, "unknown quarter %d", int(c.Quarter))
	}
	if c.Window.StartHour < 0 || c.Window.EndHour > 24 || c.Window.Hours() <= 0 {
		return errors.Wrapf(errors.ErrValidationFailed, "time window %02d:00-%02d:00 is empty or out of range",
			c.Window.StartHour, c.Window.EndHour)
	}
	if c.Now.IsZero() {
		return errors.Wrap(errors.ErrValidationFailed, "scheduling requires a reference time")
	}
	return nil
}

// Slot is an assigned start for one server.
type Slot struct {
	Server    string    `json:"server"`
	HostGroup string    `json:"host_group"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	At        time.Time `json:"at"`
	Forced    bool      `json:"forced,omitempty"`
}

// Failure reports a server left without a slot. Not fatal to the pass.
type Failure struct {
	Server     string `json:"server"`
	HostGroup  string `json:"host_group"`
	Constraint string `json:"constraint"`
	Reason     string `json:"reason"`
}

// Err returns the failure as a SchedulingConflict error.
func (f Failure) Err() error {
	return errors.Wrapf(errors.ErrSchedulingConflict, "%s: %s (%s)", f.Server, f.Reason, f.Constraint)
}

// Result is the outcome of one pass.
type Result struct {
	Slots    []Slot    `json:"slots"`
	Failures []Failure `json:"failures,omitempty"`
}

// Schedule assigns one slot per candidate. usage is not modified; the returned
// Usage includes every slot allocated by this pass.
func Schedule(candidates []Candidate, c Constraints, usage Usage) (Result, Usage, error) {
	if err := c.validate(); err != nil {
		return Result{}, usage, err
	}
	next := usage.Clone()
	res := Result{Slots: []Slot{}}
	if len(candidates) == 0 {
		return res, next, nil
	}

	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := c.GroupPriority[ordered[i].HostGroup], c.GroupPriority[ordered[j].HostGroup]
		if pi != pj {
			return pi > pj
		}
		if ordered[i].HostGroup != ordered[j].HostGroup {
			return ordered[i].HostGroup < ordered[j].HostGroup
		}
		return ordered[i].Name < ordered[j].Name
	})

	seen := make(map[string]bool, len(ordered))
	for _, cand := range ordered {
		if seen[cand.Name] {
			res.Failures = append(res.Failures, Failure{
				Server: cand.Name, HostGroup: cand.HostGroup,
				Constraint: "duplicate", Reason: "server listed more than once",
			})
			continue
		}
		seen[cand.Name] = true

		slot, failure := place(cand, c, next)
		if failure != nil {
			res.Failures = append(res.Failures, *failure)
			continue
		}
		next.add(cand.HostGroup, slot.At)
		res.Slots = append(res.Slots, slot)
	}
	return res, next, nil
}

// place walks forward day by day until an hour bucket has capacity.
func place(cand Candidate, c Constraints, usage Usage) (Slot, *Failure) {
	fail := func(constraint, reason string) (Slot, *Failure) {
		return Slot{}, &Failure{Server: cand.Name, HostGroup: cand.HostGroup, Constraint: constraint, Reason: reason}
	}

	limit := c.Limit(cand.HostGroup)
	if limit <= 0 {
		return fail("capacity", fmt.Sprintf("host group %q has no hourly capacity", cand.HostGroup))
	}

	loc := cand.Location
	if loc == nil {
		loc = time.UTC
	}
	now := c.Now.In(loc)
	qStart, qEnd, err := calendar.Bounds(c.Quarter, now)
	if err != nil {
		return fail("quarter-bounds", err.Error())
	}

	first := qStart
	if today := calendar.Day(now); today.After(first) {
		first = today
	}
	if !cand.Earliest.IsZero() {
		if e := calendar.Day(cand.Earliest.In(loc)); e.After(first) {
			first = e
		}
	}
	last := qEnd
	if !cand.Latest.IsZero() {
		if l := calendar.Day(cand.Latest.In(loc)).AddDate(0, 0, 1); l.Before(last) {
			last = l
		}
	}
	if !first.Before(last) {
		return fail("hints", "earliest/latest hints leave no day inside the quarter")
	}

	frozenDays := 0
	for d := first; d.Before(last); d = d.AddDate(0, 0, 1) {
		if c.Freeze.Contains(d) && !c.Force {
			frozenDays++
			continue
		}
		for h := c.Window.StartHour; h < c.Window.EndHour; h++ {
			at := time.Date(d.Year(), d.Month(), d.Day(), h, 0, 0, 0, loc)
			if at.Before(now) {
				continue
			}
			if usage.Count(cand.HostGroup, at) >= limit {
				continue
			}
			return Slot{
				Server:    cand.Name,
				HostGroup: cand.HostGroup,
				Date:      at.Format(calendar.DateLayout),
				Time:      at.Format(calendar.ClockLayout),
				At:        at,
				Forced:    c.Force && c.Freeze.Contains(d),
			}, nil
		}
	}
	if frozenDays > 0 && !c.Force {
		return fail("capacity", fmt.Sprintf("no free %02d:00-%02d:00 bucket before %s (%d frozen days skipped)",
			c.Window.StartHour, c.Window.EndHour, last.Format(calendar.DateLayout), frozenDays))
	}
	return fail("capacity", fmt.Sprintf("no free %02d:00-%02d:00 bucket before %s",
		c.Window.StartHour, c.Window.EndHour, last.Format(calendar.DateLayout)))
}
