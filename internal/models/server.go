package models

import (
	"sort"
	"time"

	"github.com/devghori1264/quarterpatch/internal/calendar"
)

// ServerRecord is the inventory entry for one host, keyed by Name.
// Shared between the orchestrator, the service layer and storage.
type ServerRecord struct {
	Name      string                              `json:"name"`
	HostGroup string                              `json:"host_group"`
	OSFamily  string                              `json:"os_family,omitempty"`
	Timezone  string                              `json:"timezone,omitempty"`
	Owners    []string                            `json:"owners,omitempty"`
	Address   string                              `json:"address,omitempty"`
	Port      int                                 `json:"port,omitempty"`
	User      string                              `json:"user,omitempty"`
	Earliest  string                              `json:"earliest,omitempty"`
	Latest    string                              `json:"latest,omitempty"`
	Plans     map[calendar.QuarterID]*QuarterPlan `json:"plans,omitempty"`
	Archive   []QuarterPlan                       `json:"archive,omitempty"`
	Version   int64                               `json:"version"`
	CreatedAt time.Time                           `json:"created_at"`
	UpdatedAt time.Time                           `json:"updated_at"`
	Metadata  map[string]string                   `json:"metadata,omitempty"`
}

// ApprovalStatus is the owner decision for one quarter.
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = ""
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// QuarterPlan holds the schedule and lifecycle of a server for one quarter.
// Schedule fields (date, time, approval) and lifecycle fields (state, result,
// counters) are written by different components.
type QuarterPlan struct {
	Quarter    calendar.QuarterID `json:"quarter"`
	PatchDate  string             `json:"patch_date,omitempty"`
	PatchTime  string             `json:"patch_time,omitempty"`
	Approval   ApprovalStatus     `json:"approval_status,omitempty"`
	ApprovedBy string             `json:"approved_by,omitempty"`
	Forced     bool               `json:"forced,omitempty"`

	State            State            `json:"state"`
	LastResult       *ExecutionResult `json:"last_result,omitempty"`
	RetryCount       int              `json:"retry_count"`
	PrecheckFailures int              `json:"precheck_failures"`
	RecheckAt        *time.Time       `json:"recheck_at,omitempty"`
	ValidateAfter    *time.Time       `json:"validate_after,omitempty"`
	RebootRequired   bool             `json:"reboot_required,omitempty"`
	History          []Transition     `json:"history,omitempty"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
}

// Transition is one accepted state change.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

// HasSlot reports whether a patch date and time are assigned.
func (p *QuarterPlan) HasSlot() bool {
	return p != nil && p.PatchDate != "" && p.PatchTime != ""
}

// Plan returns the plan for q, creating an Unscheduled one when absent.
func (r *ServerRecord) Plan(q calendar.QuarterID) *QuarterPlan {
	if r.Plans == nil {
		r.Plans = make(map[calendar.QuarterID]*QuarterPlan)
	}
	p, ok := r.Plans[q]
	if !ok || p == nil {
		p = &QuarterPlan{Quarter: q, State: StateUnscheduled}
		r.Plans[q] = p
	}
	return p
}

// PeekPlan returns the plan for q without creating it.
func (r *ServerRecord) PeekPlan(q calendar.QuarterID) (*QuarterPlan, bool) {
	p, ok := r.Plans[q]
	return p, ok && p != nil
}

// Location resolves the server timezone, defaulting to UTC.
func (r *ServerRecord) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SlotTime resolves the plan's patch date and time in the server timezone.
func (r *ServerRecord) SlotTime(q calendar.QuarterID) (time.Time, bool) {
	p, ok := r.PeekPlan(q)
	if !ok || !p.HasSlot() {
		return time.Time{}, false
	}
	at, err := calendar.Combine(p.PatchDate, p.PatchTime, r.Location())
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// Target returns the remote execution target for this record.
func (r *ServerRecord) Target() Target {
	addr := r.Address
	if addr == "" {
		addr = r.Name
	}
	return Target{Name: r.Name, Address: addr, Port: r.Port, User: r.User, OSFamily: r.OSFamily}
}

// Clone returns a deep copy, so concurrent workers never share plan pointers.
func (r *ServerRecord) Clone() *ServerRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Owners = append([]string(nil), r.Owners...)
	out.Archive = append([]QuarterPlan(nil), r.Archive...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.Plans != nil {
		out.Plans = make(map[calendar.QuarterID]*QuarterPlan, len(r.Plans))
		for q, p := range r.Plans {
			if p == nil {
				continue
			}
			cp := *p
			cp.History = append([]Transition(nil), p.History...)
			out.Plans[q] = &cp
		}
	}
	return &out
}

// SortByName orders records by Name in place.
func SortByName(recs []*ServerRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
}

// Target is the addressing information a remote transport needs.
type Target struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	OSFamily string `json:"os_family,omitempty"`
}
