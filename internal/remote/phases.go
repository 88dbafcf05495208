package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
)

// hostGone reports failures after which no further command can succeed.
func hostGone(c models.CheckOutcome) bool {
	return c.ErrorKind == errors.KindConnectivity || c.ErrorKind == errors.KindTimeout
}

type probePhase struct{ e *Engine }

func (probePhase) Name() string { return PhaseProbe }

func (p probePhase) Run(ctx context.Context, t models.Target) models.ExecutionResult {
	var res models.ExecutionResult
	res.Checks = append(res.Checks, ConnectivityCheck{}.Run(ctx, p.e.runner, t))
	if !passed(res) {
		return fail(res)
	}
	res.Success = true
	return res
}

// precheckPhase: connectivity, platform, resources, then vendor corrections.
type precheckPhase struct{ e *Engine }

func (precheckPhase) Name() string { return PhasePreCheck }

func (p precheckPhase) Run(ctx context.Context, t models.Target) models.ExecutionResult {
	var res models.ExecutionResult
	r := p.e.runner

	conn := ConnectivityCheck{}.Run(ctx, r, t)
	res.Checks = append(res.Checks, conn)
	if !conn.Passed {
		return fail(res)
	}

	fam, fc := p.e.detect(ctx, t)
	res.Checks = append(res.Checks, fc)
	res.OSFamily = fam.String()
	if !fc.Passed {
		return fail(res)
	}

	for _, c := range ResourceChecks(p.e.cfg.Thresholds) {
		out := c.Run(ctx, r, t)
		res.Checks = append(res.Checks, out)
		if hostGone(out) {
			return fail(res)
		}
	}

	for _, plugin := range p.e.plugins {
		p.e.vendor(ctx, plugin, t, &res)
	}

	if !passed(res) {
		return fail(res)
	}
	res.Success = true
	return res
}

func (e *Engine) vendor(ctx context.Context, plugin VendorPlugin, t models.Target, res *models.ExecutionResult) {
	name := "vendor:" + plugin.Name()
	applies, err := plugin.Applies(ctx, e.runner, t)
	if err != nil {
		if res.Diagnostics == nil {
			res.Diagnostics = make(map[string]string)
		}
		res.Diagnostics[name] = "applicability probe failed: " + err.Error()
		return
	}
	if !applies {
		return
	}

	out := models.CheckOutcome{Name: name, Advisory: true}
	fix, err := plugin.CheckAndFix(ctx, e.runner, t)
	if err != nil {
		out.ErrorKind = errors.KindOf(err)
		out.Detail = err.Error()
		res.Escalations = append(res.Escalations, fmt.Sprintf("%s: %v", plugin.Name(), err))
		e.log.Warnw("vendor correction failed", "server", t.Name, "plugin", plugin.Name(), "error", err)
	} else {
		out.Passed = true
		out.Detail = fix.Detail
		if fix.Changed {
			e.log.Infow("vendor correction applied", "server", t.Name, "plugin", plugin.Name(), "detail", fix.Detail)
		}
	}
	res.Checks = append(res.Checks, out)
}

// executePhase applies updates and decides on the reboot.
type executePhase struct{ e *Engine }

func (executePhase) Name() string { return PhaseExecute }

func (p executePhase) Run(ctx context.Context, t models.Target) models.ExecutionResult {
	var res models.ExecutionResult
	r := p.e.runner

	fam, fc := p.e.detect(ctx, t)
	res.Checks = append(res.Checks, fc)
	res.OSFamily = fam.String()
	if !fc.Passed {
		return fail(res)
	}
	adapter, _ := p.e.registry.Lookup(fam)

	out, retries, err := r.Run(ctx, t, adapter.PatchCommand())
	switch {
	case err != nil:
		res.Checks = append(res.Checks, outcomeFromRunErr("patch", retries, err))
		return fail(res)
	case !adapter.PatchSucceeded(out):
		c := commandFailed("patch", out)
		c.Retries = retries
		res.Checks = append(res.Checks, c)
		return fail(res)
	}
	res.Checks = append(res.Checks, models.CheckOutcome{
		Name: "patch", Passed: true, Retries: retries,
		Detail: tail(strings.TrimSpace(out.Stdout), 512),
	})

	signal := models.CheckOutcome{Name: "reboot-signal", Passed: true, Advisory: true}
	required := RebootWhenSignalMissing
	sig, retries, err := r.Run(ctx, t, adapter.RebootSignalCommand())
	signal.Retries = retries
	if err != nil {
		signal.Detail = "signal unavailable: " + err.Error()
	} else if req, known := adapter.RebootRequired(sig); known {
		required = req
		signal.Detail = fmt.Sprintf("reboot required: %t", req)
	} else {
		signal.Detail = fmt.Sprintf("signal unavailable (exit %d), rebooting by policy", sig.ExitCode)
	}
	res.Checks = append(res.Checks, signal)
	res.RebootRequired = required

	if required && p.e.cfg.TriggerReboot {
		out, retries, err := r.Run(ctx, t, p.e.cfg.RebootCommand)
		switch {
		case err != nil:
			res.Checks = append(res.Checks, outcomeFromRunErr("reboot", retries, err))
			return fail(res)
		case !out.OK():
			c := commandFailed("reboot", out)
			c.Retries = retries
			res.Checks = append(res.Checks, c)
			return fail(res)
		}
		res.Checks = append(res.Checks, models.CheckOutcome{Name: "reboot", Passed: true, Retries: retries, Detail: "reboot scheduled"})
	}

	res.Success = true
	return res
}

// postcheckPhase verifies the host came back and its package state is sane.
type postcheckPhase struct{ e *Engine }

func (postcheckPhase) Name() string { return PhasePostCheck }

func (p postcheckPhase) Run(ctx context.Context, t models.Target) models.ExecutionResult {
	var res models.ExecutionResult
	r := p.e.runner

	conn := ConnectivityCheck{}.Run(ctx, r, t)
	res.Checks = append(res.Checks, conn)
	if !conn.Passed {
		return fail(res)
	}
	fam, fc := p.e.detect(ctx, t)
	res.Checks = append(res.Checks, fc)
	res.OSFamily = fam.String()
	if !fc.Passed {
		return fail(res)
	}
	adapter, _ := p.e.registry.Lookup(fam)

	out, retries, err := r.Run(ctx, t, adapter.HealthCommand())
	health := models.CheckOutcome{Name: "package-health", Retries: retries}
	switch {
	case err != nil:
		health = outcomeFromRunErr("package-health", retries, err)
	case !adapter.HealthOK(out):
		health.ErrorKind = errors.KindValidationFailed
		health.Detail = tail(strings.TrimSpace(out.Stdout+"\n"+out.Stderr), 512)
	default:
		health.Passed = true
	}
	res.Checks = append(res.Checks, health)
	if hostGone(health) {
		return fail(res)
	}

	res.Checks = append(res.Checks, systemState(ctx, r, t))

	if !passed(res) {
		return fail(res)
	}
	res.Success = true
	return res
}

func systemState(ctx context.Context, r Runner, t models.Target) models.CheckOutcome {
	c := models.CheckOutcome{Name: "system-state"}
	out, retries, err := r.Run(ctx, t, join("systemctl", "is-system-running"))
	c.Retries = retries
	if err != nil {
		return outcomeFromRunErr(c.Name, retries, err)
	}
	state := strings.TrimSpace(out.Stdout)
	c.Detail = state
	switch state {
	case "running":
		c.Passed = true
	case "degraded", "maintenance", "starting", "initializing", "stopping":
		c.ErrorKind = errors.KindValidationFailed
		c.Detail = "system is " + state
	default:
		// hosts without systemd
		c.Passed = true
		c.Advisory = true
	}
	return c
}

// rollbackPhase undoes the last patch where the family supports it.
type rollbackPhase struct{ e *Engine }

func (rollbackPhase) Name() string { return PhaseRollback }

func (p rollbackPhase) Run(ctx context.Context, t models.Target) models.ExecutionResult {
	var res models.ExecutionResult
	r := p.e.runner

	fam, fc := p.e.detect(ctx, t)
	res.Checks = append(res.Checks, fc)
	res.OSFamily = fam.String()
	if !fc.Passed {
		return fail(res)
	}
	adapter, _ := p.e.registry.Lookup(fam)

	cmd := adapter.RollbackCommand()
	if cmd == "" {
		res.Checks = append(res.Checks, models.CheckOutcome{
			Name: "rollback", ErrorKind: errors.KindUnsupportedPlatform,
			Detail: fam.String() + " hosts have no automatic rollback",
		})
		return fail(res)
	}
	out, retries, err := r.Run(ctx, t, cmd)
	switch {
	case err != nil:
		res.Checks = append(res.Checks, outcomeFromRunErr("rollback", retries, err))
		return fail(res)
	case !out.OK():
		c := commandFailed("rollback", out)
		c.Retries = retries
		res.Checks = append(res.Checks, c)
		return fail(res)
	}
	res.Checks = append(res.Checks, models.CheckOutcome{Name: "rollback", Passed: true, Retries: retries})
	res.Success = true
	return res
}
