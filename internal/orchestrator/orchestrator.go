// Package orchestrator runs one lifecycle phase over a batch of servers.
//
// A run reads the whole inventory first; failing that, it aborts before any
// mutation. Each selected server then gets its own job: fresh record under the
// server's lock, workflow events, remote phases through the Executor, one write
// and the buffered events. Per-server failures end up in the Summary, never as
// the returned error.
package orchestrator

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/metrics"
	"github.com/devghori1264/quarterpatch/internal/models"
	"github.com/devghori1264/quarterpatch/internal/notify"
	"github.com/devghori1264/quarterpatch/internal/scheduler"
	"github.com/devghori1264/quarterpatch/internal/storage"
	"github.com/devghori1264/quarterpatch/internal/tracing"
	"github.com/devghori1264/quarterpatch/internal/workflow"
)

// Phase numbers the administrative phases.
type Phase int

const (
	PhaseApproval Phase = iota + 1
	PhaseSchedule
	PhasePreCheck
	PhaseExecute
	PhasePostCheck
)

var phaseNames = map[Phase]string{
	PhaseApproval:  "approval",
	PhaseSchedule:  "schedule",
	PhasePreCheck:  "precheck",
	PhaseExecute:   "execute",
	PhasePostCheck: "postcheck",
}

func (p Phase) String() string {
	if n, ok := phaseNames[p]; ok {
		return n
	}
	return "phase-" + strconv.Itoa(int(p))
}

// Valid reports whether p is one of the five phases.
func (p Phase) Valid() bool { return p >= PhaseApproval && p <= PhasePostCheck }

// ParsePhase accepts a number ("3") or a name ("precheck").
func ParsePhase(s string) (Phase, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil && Phase(n).Valid() {
		return Phase(n), nil
	}
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return 0, errors.WithHint(errors.Wrapf(errors.ErrValidationFailed, "unknown phase %q", s),
		"phases are 1 approval, 2 schedule, 3 precheck, 4 execute, 5 postcheck")
}

// Executor runs a remote phase. *remote.Engine implements it.
type Executor interface {
	Run(ctx context.Context, phase string, t models.Target) models.ExecutionResult
}

// Config tunes scheduling and fan-out.
type Config struct {
	Workers       int
	MaxPerHour    int
	GroupLimits   map[string]int
	GroupPriority map[string]int
	Window        scheduler.Window
	Freeze        calendar.FreezeWindow
	Policy        workflow.Policy
	// RebootWait defers post-patch validation after a reboot.
	RebootWait time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    5,
		MaxPerHour: 5,
		Window:     scheduler.Window{StartHour: 20, EndHour: 24},
		Freeze:     calendar.DefaultFreeze,
		Policy:     workflow.DefaultPolicy(),
		RebootWait: 15 * time.Minute,
	}
}

// Request selects one run.
type Request struct {
	Phase   Phase              `json:"phase"`
	Quarter calendar.QuarterID `json:"quarter"`
	// Servers restricts the run to named servers. Empty means every eligible one.
	Servers []string  `json:"servers,omitempty"`
	DryRun  bool      `json:"dry_run,omitempty"`
	Force   bool      `json:"force,omitempty"`
	Now     time.Time `json:"now,omitempty"`
}

// Outcome is what happened to one server.
type Outcome struct {
	Server    string                   `json:"server"`
	From      models.State             `json:"from,omitempty"`
	To        models.State             `json:"to,omitempty"`
	Success   bool                     `json:"success"`
	Skipped   bool                     `json:"skipped,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
	ErrorKind errors.Kind              `json:"error_kind,omitempty"`
	Error     string                   `json:"error,omitempty"`
	Slot      *scheduler.Slot          `json:"slot,omitempty"`
	Results   []models.ExecutionResult `json:"results,omitempty"`
}

// Summary reports a run.
type Summary struct {
	RunID     string             `json:"run_id"`
	Phase     Phase              `json:"phase"`
	Quarter   calendar.QuarterID `json:"quarter"`
	DryRun    bool               `json:"dry_run,omitempty"`
	Force     bool               `json:"force,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	Elapsed   time.Duration      `json:"elapsed"`
	Processed int                `json:"processed"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Skipped   int                `json:"skipped"`
	Outcomes  []Outcome          `json:"outcomes"`
}

// Outcome returns the outcome for server.
func (s *Summary) Outcome(server string) (Outcome, bool) {
	for _, o := range s.Outcomes {
		if o.Server == server {
			return o, true
		}
	}
	return Outcome{}, false
}

// Orchestrator runs batches.
type Orchestrator struct {
	store    storage.Gateway
	exec     Executor
	notifier notify.Notifier
	metrics  *metrics.Metrics
	locks    Locker
	log      *zap.SugaredLogger
	tracer   trace.Tracer
	cfg      Config
	clock    func() time.Time
	// slots serialises slot assignment: schedule passes and manual overrides.
	slots    sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithLocker(l Locker) Option { return func(o *Orchestrator) { o.locks = l } }
func WithLogger(l *zap.SugaredLogger) Option { return func(o *Orchestrator) { o.log = l } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.clock = now } }
func WithNotifier(n notify.Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }
func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// New builds an orchestrator.
func New(store storage.Gateway, exec Executor, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxPerHour <= 0 {
		cfg.MaxPerHour = def.MaxPerHour
	}
	if cfg.Window == (scheduler.Window{}) {
		cfg.Window = def.Window
	}
	if cfg.Policy == (workflow.Policy{}) {
		cfg.Policy = def.Policy
	}
	o := &Orchestrator{
		store:    store,
		exec:     exec,
		notifier: notify.Multi{},
		locks:    noLocks{},
		log:      zap.NewNop().Sugar(),
		tracer:   tracing.Tracer(),
		cfg:      cfg,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Named("orchestrator")
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// LockSlots holds slot assignment until unlock is called. Usage read while
// holding it stays accurate until unlock.
func (o *Orchestrator) LockSlots() (unlock func()) {
	o.slots.Lock()
	return o.slots.Unlock
}

// batch is the state shared by the jobs of one run.
type batch struct {
	id      string
	req     Request
	now     time.Time
	named   map[string]bool
	span    trace.Span
	all     []*models.ServerRecord
	started time.Time
}

func (b *batch) explicit(name string) bool { return b.named[name] }

// Run executes req. Only InfrastructureUnavailable and invalid requests are
// returned as errors.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Summary, error) {
	started := o.clock()
	if !req.Phase.Valid() {
		return nil, errors.Wrapf(errors.ErrValidationFailed, "unknown phase %d", int(req.Phase))
	}
	if req.Now.IsZero() {
		req.Now = started
	}
	if req.Quarter == 0 {
		req.Quarter = calendar.QuarterOf(req.Now)
	}
	if !req.Quarter.Valid() {
		return nil, errors.Wrapf(errors.ErrValidationFailed, "unknown quarter %d", int(req.Quarter))
	}

	b := &batch{id: uuid.NewString(), req: req, now: req.Now, named: map[string]bool{}, started: started}
	for _, s := range req.Servers {
		if s = strings.TrimSpace(s); s != "" {
			b.named[s] = true
		}
	}

	ctx, span := o.tracer.Start(ctx, "batch."+req.Phase.String(), trace.WithAttributes(
		attribute.String("run_id", b.id),
		attribute.String("quarter", req.Quarter.String()),
		attribute.Bool("dry_run", req.DryRun),
		attribute.Bool("force", req.Force),
	))
	defer span.End()
	b.span = span

	log := o.log.With("run_id", b.id, "phase", req.Phase.String(), "quarter", req.Quarter.String(), "dry_run", req.DryRun)

	recs, err := o.store.ReadAll(ctx)
	if err != nil {
		if !errors.IsInfrastructure(err) {
			err = errors.Infrastructure(err, "read inventory")
		}
		log.Errorw("inventory unavailable, batch aborted", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "inventory unavailable")
		o.metrics.ObserveBatch(req.Phase.String(), err, o.clock().Sub(started))
		return nil, err
	}
	b.all = recs

	selected, outcomes := o.selectRecords(b)
	log.Infow("batch started", "servers", len(selected))

	var more []Outcome
	if req.Phase == PhaseSchedule {
		more, err = o.schedulePass(ctx, b, selected)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.metrics.ObserveBatch(req.Phase.String(), err, o.clock().Sub(started))
			return nil, err
		}
	} else {
		more = o.fanOut(ctx, b, selected)
	}
	outcomes = append(outcomes, more...)

	sum := o.summarize(b, outcomes)
	o.metrics.ObserveBatch(req.Phase.String(), nil, sum.Elapsed)
	span.SetAttributes(
		attribute.Int("processed", sum.Processed),
		attribute.Int("failed", sum.Failed),
	)
	if !req.DryRun {
		ev := notify.New(models.EventBatchSummary, "", map[string]any{
			"run_id":    sum.RunID,
			"phase":     req.Phase.String(),
			"processed": sum.Processed,
			"succeeded": sum.Succeeded,
			"failed":    sum.Failed,
			"skipped":   sum.Skipped,
		}, o.clock())
		ev.Quarter = req.Quarter
		o.notifier.Emit(ctx, ev)
	}
	log.Infow("batch finished", "processed", sum.Processed, "succeeded", sum.Succeeded,
		"failed", sum.Failed, "skipped", sum.Skipped, "elapsed", sum.Elapsed)
	return sum, nil
}

// selectRecords returns the records the phase should look at. Named servers
// missing from the inventory become failed outcomes.
func (o *Orchestrator) selectRecords(b *batch) ([]*models.ServerRecord, []Outcome) {
	if len(b.named) == 0 {
		return b.all, nil
	}
	found := make(map[string]bool, len(b.named))
	var out []*models.ServerRecord
	for _, r := range b.all {
		if b.named[r.Name] {
			out = append(out, r)
			found[r.Name] = true
		}
	}
	var missing []Outcome
	for _, name := range b.req.Servers {
		name = strings.TrimSpace(name)
		if name == "" || found[name] {
			continue
		}
		found[name] = true
		missing = append(missing, Outcome{
			Server: name, ErrorKind: errors.KindValidationFailed,
			Error: "server not in inventory",
		})
	}
	return out, missing
}

// fanOut runs one job per eligible or named record under the worker limit.
func (o *Orchestrator) fanOut(ctx context.Context, b *batch, recs []*models.ServerRecord) []Outcome {
	var jobs []*models.ServerRecord
	for _, rec := range recs {
		if b.explicit(rec.Name) || o.eligible(b, rec) {
			jobs = append(jobs, rec)
		}
	}
	outcomes := make([]Outcome, len(jobs))
	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i, rec := range jobs {
		i, rec := i, rec
		g.Go(func() error {
			outcomes[i] = o.withJob(ctx, b, rec, phaseJob(b.req.Phase))
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) summarize(b *batch, outcomes []Outcome) *Summary {
	sum := &Summary{
		RunID:     b.id,
		Phase:     b.req.Phase,
		Quarter:   b.req.Quarter,
		DryRun:    b.req.DryRun,
		Force:     b.req.Force,
		StartedAt: b.started,
		Elapsed:   o.clock().Sub(b.started),
		Outcomes:  make([]Outcome, 0, len(outcomes)),
	}
	for _, out := range outcomes {
		switch {
		case out.Skipped:
			sum.Skipped++
		case out.Success:
			sum.Processed++
			sum.Succeeded++
		default:
			sum.Processed++
			sum.Failed++
		}
		sum.Outcomes = append(sum.Outcomes, out)
	}
	return sum
}
