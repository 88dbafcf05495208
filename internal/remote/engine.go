// Package remote runs probe, pre-check, patch, post-check and rollback against
// one host through a Transport. Phases are ordered lists of checks; adding an OS
// family or a vendor correction is a registration, not an edit.
package remote

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
)

// RebootWhenSignalMissing decides the reboot when the host cannot tell whether
// one is needed.
const RebootWhenSignalMissing = true

// Phase names.
const (
	PhaseProbe     = "probe"
	PhasePreCheck  = "precheck"
	PhaseExecute   = "execute"
	PhasePostCheck = "postcheck"
	PhaseRollback  = "rollback"
)

// Config tunes the engine.
type Config struct {
	PhaseTimeout   time.Duration
	CommandTimeout time.Duration
	ConnectRetries int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	Thresholds     Thresholds
	// TriggerReboot issues RebootCommand after a patch that needs a reboot.
	TriggerReboot bool
	RebootCommand string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PhaseTimeout:   30 * time.Minute,
		CommandTimeout: 20 * time.Minute,
		ConnectRetries: 3,
		RetryInitial:   2 * time.Second,
		RetryMax:       30 * time.Second,
		Thresholds:     DefaultThresholds(),
		TriggerReboot:  true,
		RebootCommand:  "shutdown -r +1",
	}
}

// Phase produces one ExecutionResult for one target.
type Phase interface {
	Name() string
	Run(ctx context.Context, t models.Target) models.ExecutionResult
}

// Engine dispatches phases against targets.
type Engine struct {
	transport Transport
	registry  *Registry
	plugins   []VendorPlugin
	cfg       Config
	log       *zap.SugaredLogger
	now       func() time.Time
	phases    map[string]Phase
	runner    *runner
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry replaces the OS-family adapter registry.
func WithRegistry(r *Registry) Option { return func(e *Engine) { e.registry = r } }

// WithVendorPlugins sets the pre-patch vendor corrections.
func WithVendorPlugins(p ...VendorPlugin) Option {
	return func(e *Engine) { e.plugins = append(e.plugins, p...) }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(e *Engine) { e.log = l } }

// WithClock overrides the clock used for StartedAt and Elapsed.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine builds an engine over t with the stock phases registered.
func NewEngine(t Transport, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = def.PhaseTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.ConnectRetries < 0 {
		cfg.ConnectRetries = 0
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.RebootCommand == "" {
		cfg.RebootCommand = def.RebootCommand
	}

	e := &Engine{
		transport: t,
		registry:  DefaultRegistry(),
		cfg:       cfg,
		log:       zap.NewNop().Sugar(),
		now:       time.Now,
		phases:    make(map[string]Phase),
	}
	for _, o := range opts {
		o(e)
	}
	e.runner = &runner{transport: t, cfg: cfg}

	e.Register(probePhase{e})
	e.Register(precheckPhase{e})
	e.Register(executePhase{e})
	e.Register(postcheckPhase{e})
	e.Register(rollbackPhase{e})
	return e
}

// Register adds or replaces a phase.
func (e *Engine) Register(p Phase) { e.phases[p.Name()] = p }

// Runner exposes the retrying command runner.
func (e *Engine) Runner() Runner { return e.runner }

// Run executes the named phase under the phase timeout. It never returns an
// error; failures are described by the result.
func (e *Engine) Run(ctx context.Context, phase string, t models.Target) models.ExecutionResult {
	start := e.now()
	p, ok := e.phases[phase]
	if !ok {
		return models.ExecutionResult{
			Phase:     phase,
			ErrorKind: errors.KindValidationFailed,
			Error:     "unknown phase " + phase,
			StartedAt: start,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	defer cancel()

	res := p.Run(ctx, t)
	res.Phase = phase
	res.StartedAt = start
	res.Elapsed = e.now().Sub(start)
	if !res.Success && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ErrorKind = errors.KindTimeout
	}
	for _, c := range res.Checks {
		res.Retries += c.Retries
	}

	log := e.log.With("server", t.Name, "phase", phase, "elapsed", res.Elapsed)
	if res.Success {
		log.Debugw("phase succeeded", "checks", len(res.Checks))
	} else {
		log.Warnw("phase failed", "kind", res.ErrorKind, "error", res.Error)
	}
	return res
}

// detect classifies the host once. The inventory hint is used only when
// /etc/os-release cannot be read.
func (e *Engine) detect(ctx context.Context, t models.Target) (Family, models.CheckOutcome) {
	out := models.CheckOutcome{Name: "os-family"}
	res, retries, err := e.runner.Run(ctx, t, osReleaseCommand)
	out.Retries = retries
	if err != nil {
		out.ErrorKind = errors.KindOf(err)
		out.Detail = err.Error()
		return FamilyUnsupported, out
	}

	var fam Family
	var id string
	if res.OK() {
		fam, id = FamilyFromOSRelease(res.Stdout)
	} else {
		id = t.OSFamily
		fam = ParseFamily(t.OSFamily)
	}
	if _, ok := e.registry.Lookup(fam); !ok {
		fam = FamilyUnsupported
	}
	if fam == FamilyUnsupported {
		out.ErrorKind = errors.KindUnsupportedPlatform
		out.Detail = "no adapter for distro " + quoteID(id)
		return fam, out
	}
	out.Passed = true
	out.Detail = fam.String() + " (" + id + ")"
	return fam, out
}

func quoteID(id string) string {
	if id == "" {
		return `""`
	}
	return id
}

// fail finalises res with the first blocking failed check.
func fail(res models.ExecutionResult) models.ExecutionResult {
	res.Success = false
	if c, ok := res.FailedCheck(); ok {
		res.ErrorKind = c.ErrorKind
		res.Error = c.Name + ": " + c.Detail
	}
	if res.ErrorKind == errors.KindNone {
		res.ErrorKind = errors.KindUnknown
	}
	return res
}

func passed(res models.ExecutionResult) bool {
	_, failed := res.FailedCheck()
	return !failed
}

// runner applies the connectivity retry policy around a Transport.
type runner struct {
	transport Transport
	cfg       Config
}

func (r *runner) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitial
	b.MaxInterval = r.cfg.RetryMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.ConnectRetries)), ctx)
}

func (r *runner) timeout(ctx context.Context) time.Duration {
	timeout := r.cfg.CommandTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	return timeout
}

// Run retries connection failures with exponential backoff. Command results,
// including non-zero exits, and command timeouts are returned without retry.
func (r *runner) Run(ctx context.Context, t models.Target, command string) (CommandResult, int, error) {
	var res CommandResult
	attempts := 0
	verb := command
	if i := strings.IndexByte(verb, ' '); i > 0 {
		verb = verb[:i]
	}

	op := func() error {
		attempts++
		out, err := r.transport.Execute(ctx, t, command, r.timeout(ctx))
		if err == nil {
			res = out
			return nil
		}
		err = errors.Wrapf(err, "%s: %s", t.Name, verb)
		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(errors.Mark(err, errors.ErrTimeout))
		case errors.Is(err, errors.ErrConnectivity):
			return err
		case errors.Is(err, errors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			// the command ran past its own timeout; running it again is not safe
			return backoff.Permanent(errors.Mark(err, errors.ErrTimeout))
		}
		return errors.Mark(err, errors.ErrConnectivity)
	}

	err := backoff.Retry(op, r.backOff(ctx))
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, errors.ErrTimeout) {
			err = errors.Mark(err, errors.ErrTimeout)
		}
		return res, retries, err
	}
	return res, retries, nil
}
