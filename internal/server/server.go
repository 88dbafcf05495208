// Package server is the administrative facade over the inventory and the
// batch orchestrator. Every admin mutation runs under the same per-server
// lock the orchestrator uses, so a manual approval can not interleave with a
// batch job on the same record.
package server

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
	"github.com/devghori1264/quarterpatch/internal/notify"
	"github.com/devghori1264/quarterpatch/internal/orchestrator"
	"github.com/devghori1264/quarterpatch/internal/scheduler"
	"github.com/devghori1264/quarterpatch/internal/storage"
	"github.com/devghori1264/quarterpatch/internal/workflow"
)

// ServiceName is the gRPC health service name reported next to the overall status.
const ServiceName = "quarterpatch.Patchd"

// ErrBusy is returned when a batch is already running and the caller gave up waiting.
var ErrBusy = errors.New("a batch run is already in progress")

// Server implements the admin operations.
type Server struct {
	store    storage.Gateway
	orch     *orchestrator.Orchestrator
	locks    orchestrator.Locker
	notifier notify.Notifier
	log      *zap.SugaredLogger
	clock    func() time.Time
	health   *health.Server
	// run holds one token; RunBatch takes it for the duration of a batch.
	run chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLocker shares the orchestrator's per-server locks.
func WithLocker(l orchestrator.Locker) Option { return func(s *Server) { s.locks = l } }

func WithNotifier(n notify.Notifier) Option { return func(s *Server) { s.notifier = n } }

func WithLogger(l *zap.SugaredLogger) Option { return func(s *Server) { s.log = l } }

func WithClock(c func() time.Time) Option { return func(s *Server) { s.clock = c } }

// New creates the facade. The health status starts NOT_SERVING until SetServing.
func New(store storage.Gateway, orch *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{
		store:  store,
		orch:   orch,
		health: health.NewServer(),
		run:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locks == nil {
		s.locks = &orchestrator.KeyLocks{}
	}
	if s.notifier == nil {
		s.notifier = notify.Multi(nil)
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	s.log = s.log.Named("server")
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// RegisterGRPC registers the standard health service.
func (s *Server) RegisterGRPC(gs grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(gs, s.health)
}

// Health exposes the health server, mostly for tests.
func (s *Server) Health() *health.Server { return s.health }

// SetServing flips the health status once the store is open.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Shutdown marks every service NOT_SERVING.
func (s *Server) Shutdown() { s.health.Shutdown() }

// ---------- batch runs ----------

// RunBatch runs one orchestrator batch. Batches never overlap; a second call
// waits until the first finishes or ctx is done. Once started, a batch is not
// cancelled with ctx: remote phases end on their own timeouts.
func (s *Server) RunBatch(ctx context.Context, req orchestrator.Request) (*orchestrator.Summary, error) {
	select {
	case s.run <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Mark(errors.Wrap(ctx.Err(), "waiting for running batch"), ErrBusy)
	}
	defer func() { <-s.run }()
	return s.orch.Run(context.WithoutCancel(ctx), req)
}

// ---------- inventory ----------

// ImportResult lists what Import did per server.
type ImportResult struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
}

// Import creates or updates inventory entries. Existing plans, archive and
// metadata are kept; only the inventory fields are replaced. The whole batch
// is validated before anything is written.
func (s *Server) Import(ctx context.Context, recs []*models.ServerRecord) (ImportResult, error) {
	var res ImportResult
	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		if err := validateRecord(r); err != nil {
			return res, err
		}
		if seen[r.Name] {
			return res, errors.Wrapf(errors.ErrValidationFailed, "server %q listed more than once", r.Name)
		}
		seen[r.Name] = true
	}

	for _, in := range recs {
		created, err := s.upsert(ctx, in)
		if err != nil {
			return res, err
		}
		if created {
			res.Created = append(res.Created, in.Name)
		} else {
			res.Updated = append(res.Updated, in.Name)
		}
	}
	s.log.Infow("inventory imported", "created", len(res.Created), "updated", len(res.Updated))
	return res, nil
}

func (s *Server) upsert(ctx context.Context, in *models.ServerRecord) (bool, error) {
	unlock := s.locks.Lock(in.Name)
	defer unlock()

	rec, err := s.store.Get(ctx, in.Name)
	created := errors.Is(err, errors.ErrNotFound)
	switch {
	case created:
		rec = &models.ServerRecord{Name: in.Name}
	case err != nil:
		return false, err
	}
	rec.HostGroup = in.HostGroup
	rec.OSFamily = in.OSFamily
	rec.Timezone = in.Timezone
	rec.Owners = append([]string(nil), in.Owners...)
	rec.Address = in.Address
	rec.Port = in.Port
	rec.User = in.User
	rec.Earliest = in.Earliest
	rec.Latest = in.Latest
	if len(in.Metadata) > 0 {
		if rec.Metadata == nil {
			rec.Metadata = map[string]string{}
		}
		for k, v := range in.Metadata {
			rec.Metadata[k] = v
		}
	}
	return created, s.store.Write(ctx, rec)
}

func validateRecord(r *models.ServerRecord) error {
	if r == nil || strings.TrimSpace(r.Name) == "" {
		return errors.Wrap(errors.ErrValidationFailed, "server name is required")
	}
	if r.HostGroup == "" {
		return errors.Wrapf(errors.ErrValidationFailed, "server %q: host_group is required", r.Name)
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return errors.Mark(errors.Wrapf(err, "server %q: timezone", r.Name), errors.ErrValidationFailed)
		}
	}
	if r.Port < 0 || r.Port > 65535 {
		return errors.Wrapf(errors.ErrValidationFailed, "server %q: port %d out of range", r.Name, r.Port)
	}
	_, err := orchestrator.Candidate(r)
	return err
}

func (s *Server) List(ctx context.Context) ([]*models.ServerRecord, error) {
	return s.store.ReadAll(ctx)
}

func (s *Server) Get(ctx context.Context, name string) (*models.ServerRecord, error) {
	return s.store.Get(ctx, name)
}

// Remove deletes a server from the inventory.
func (s *Server) Remove(ctx context.Context, name string) error {
	unlock := s.locks.Lock(name)
	defer unlock()
	if _, err := s.store.Get(ctx, name); err != nil {
		return err
	}
	return s.store.Delete(ctx, name)
}

// ---------- lifecycle actions ----------

// Approve records the owner's approval for quarter q.
func (s *Server) Approve(ctx context.Context, name string, q calendar.QuarterID, by string) (*models.QuarterPlan, error) {
	return s.transition(ctx, name, q, func(rec *models.ServerRecord, m *workflow.Machine, now time.Time) (string, map[string]any, error) {
		if err := m.Fire(ctx, workflow.EventApprove, now); err != nil {
			return "", nil, err
		}
		m.Plan().ApprovedBy = by
		return models.EventApproved, map[string]any{"by": by}, nil
	})
}

// Reject returns the server to Unscheduled and clears any slot.
func (s *Server) Reject(ctx context.Context, name string, q calendar.QuarterID, by, reason string) (*models.QuarterPlan, error) {
	return s.transition(ctx, name, q, func(rec *models.ServerRecord, m *workflow.Machine, now time.Time) (string, map[string]any, error) {
		if err := m.Fire(ctx, workflow.EventReject, now); err != nil {
			return "", nil, err
		}
		m.Plan().ApprovedBy = by
		return models.EventRejected, map[string]any{"by": by, "reason": reason}, nil
	})
}

// Retrigger moves a failed execution back to Scheduled with a fresh pre-check budget.
func (s *Server) Retrigger(ctx context.Context, name string, q calendar.QuarterID) (*models.QuarterPlan, error) {
	return s.transition(ctx, name, q, func(rec *models.ServerRecord, m *workflow.Machine, now time.Time) (string, map[string]any, error) {
		if err := m.Fire(ctx, workflow.EventRetrigger, now); err != nil {
			return "", nil, err
		}
		return models.EventScheduled, map[string]any{
			"date":      m.Plan().PatchDate,
			"time":      m.Plan().PatchTime,
			"retrigger": true,
		}, nil
	})
}

// OverrideRequest is a manually chosen slot.
type OverrideRequest struct {
	Server  string             `json:"server"`
	Quarter calendar.QuarterID `json:"quarter"`
	Date    string             `json:"date"`
	Time    string             `json:"time"`
	Force   bool               `json:"force"`
}

// Override assigns a manual slot to an Approved or Scheduled server. The slot
// is validated against the freeze window, the hour window and the capacity
// used by every other server; Force lifts all but the quarter bounds. Usage is
// read under the orchestrator's slot lock, so a concurrent schedule pass can
// not fill the same hour.
func (s *Server) Override(ctx context.Context, req OverrideRequest) (*models.QuarterPlan, error) {
	unlock := s.orch.LockSlots()
	defer unlock()

	all, err := s.store.ReadAll(ctx)
	if err != nil {
		return nil, errors.Infrastructure(err, "read inventory")
	}
	usage := orchestrator.Usage(all, req.Quarter, req.Server)

	return s.transition(ctx, req.Server, req.Quarter, func(rec *models.ServerRecord, m *workflow.Machine, now time.Time) (string, map[string]any, error) {
		st := m.State()
		if st != models.StateApproved && st != models.StateScheduled {
			return "", nil, errors.WithHint(
				errors.Wrapf(errors.ErrInvalidTransition, "%s %s: override from %s", rec.Name, req.Quarter, st),
				"overrides are accepted for Approved or Scheduled servers")
		}
		at, err := calendar.Combine(req.Date, req.Time, rec.Location())
		if err != nil {
			return "", nil, err
		}
		slot := scheduler.Slot{Server: rec.Name, HostGroup: rec.HostGroup, Date: req.Date, Time: req.Time, At: at}
		if err := scheduler.ValidateOverride(slot, s.orch.Constraints(req.Quarter, now, req.Force), usage); err != nil {
			return "", nil, err
		}

		p := m.Plan()
		p.PatchDate, p.PatchTime = req.Date, req.Time
		p.Forced = req.Force && s.orch.Config().Freeze.Contains(at)
		m.SetSlot(at)
		if st == models.StateApproved {
			if err := m.Fire(ctx, workflow.EventSchedule, now); err != nil {
				return "", nil, err
			}
		}
		return models.EventScheduled, map[string]any{
			"date":     req.Date,
			"time":     req.Time,
			"at":       at.UTC().Format(time.RFC3339),
			"forced":   p.Forced,
			"override": true,
		}, nil
	})
}

type mutation func(rec *models.ServerRecord, m *workflow.Machine, now time.Time) (string, map[string]any, error)

// transition runs fn on a fresh copy of the record under its lock, writes it
// and emits the resulting event.
func (s *Server) transition(ctx context.Context, name string, q calendar.QuarterID, fn mutation) (*models.QuarterPlan, error) {
	if !q.Valid() {
		return nil, errors.Wrapf(errors.ErrValidationFailed, "unknown quarter %d", int(q))
	}
	unlock := s.locks.Lock(name)
	defer unlock()

	rec, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	m := workflow.New(rec, q, s.orch.Config().Policy)
	eventType, payload, err := fn(rec, m, now)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidTransition) {
			s.log.Errorw("invalid transition", "server", name, "quarter", q.String(), "state", m.State(), "error", err)
		}
		return nil, err
	}
	if err := s.store.Write(ctx, rec); err != nil {
		return nil, err
	}

	ev := notify.New(eventType, name, payload, now)
	ev.Quarter = q
	s.notifier.Emit(ctx, ev)
	s.log.Infow(eventType, "server", name, "quarter", q.String(), "state", m.State())
	return m.Plan(), nil
}

// ---------- quarter close ----------

// CloseResult reports a quarter close.
type CloseResult struct {
	Quarter  calendar.QuarterID `json:"quarter"`
	Archived []string           `json:"archived"`
	// Skipped maps servers left open to the reason.
	Skipped map[string]string `json:"skipped,omitempty"`
}

// CloseQuarter archives every plan for q so the next cycle starts from
// Unscheduled. Plans with remote work in progress are left open unless force.
func (s *Server) CloseQuarter(ctx context.Context, q calendar.QuarterID, force bool) (CloseResult, error) {
	res := CloseResult{Quarter: q, Skipped: map[string]string{}}
	if !q.Valid() {
		return res, errors.Wrapf(errors.ErrValidationFailed, "unknown quarter %d", int(q))
	}
	all, err := s.store.ReadAll(ctx)
	if err != nil {
		return res, errors.Infrastructure(err, "read inventory")
	}

	now := s.clock()
	for _, snap := range all {
		if _, ok := snap.PeekPlan(q); !ok {
			continue
		}
		reason, err := s.archive(ctx, snap.Name, q, now, force)
		if err != nil {
			return res, err
		}
		if reason != "" {
			res.Skipped[snap.Name] = reason
			continue
		}
		res.Archived = append(res.Archived, snap.Name)
	}
	sort.Strings(res.Archived)

	ev := notify.New(models.EventQuarterClosed, "", map[string]any{
		"archived": len(res.Archived),
		"skipped":  len(res.Skipped),
	}, now)
	ev.Quarter = q
	s.notifier.Emit(ctx, ev)
	s.log.Infow("quarter closed", "quarter", q.String(), "archived", len(res.Archived), "skipped", len(res.Skipped))
	return res, nil
}

func (s *Server) archive(ctx context.Context, name string, q calendar.QuarterID, now time.Time, force bool) (string, error) {
	unlock := s.locks.Lock(name)
	defer unlock()

	rec, err := s.store.Get(ctx, name)
	if errors.Is(err, errors.ErrNotFound) {
		return "removed", nil
	}
	if err != nil {
		return "", err
	}
	p, ok := rec.PeekPlan(q)
	if !ok {
		return "no plan", nil
	}
	switch p.State {
	case models.StatePreCheckRunning, models.StateExecuting, models.StatePostValidating:
		if !force {
			return "remote work in progress (" + string(p.State) + ")", nil
		}
	}

	closed := *p
	closed.ClosedAt = &now
	rec.Archive = append(rec.Archive, closed)
	delete(rec.Plans, q)
	return "", s.store.Write(ctx, rec)
}
