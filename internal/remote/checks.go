package remote

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
)

// Check is one step of a phase.
type Check interface {
	Name() string
	Run(ctx context.Context, r Runner, target models.Target) models.CheckOutcome
}

// Thresholds bound the resource pre-checks.
type Thresholds struct {
	RootDiskPercent float64 `mapstructure:"root_disk_percent"`
	BootDiskPercent float64 `mapstructure:"boot_disk_percent"`
	VarDiskPercent  float64 `mapstructure:"var_disk_percent"`
	LoadPerCPU      float64 `mapstructure:"load_per_cpu"`
	MemoryPercent   float64 `mapstructure:"memory_percent"`
}

// DefaultThresholds are the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RootDiskPercent: 80,
		BootDiskPercent: 70,
		VarDiskPercent:  85,
		LoadPerCPU:      2.0,
		MemoryPercent:   90,
	}
}

// ResourceChecks builds the ordered resource pre-check list for t.
func ResourceChecks(t Thresholds) []Check {
	return []Check{
		DiskCheck{Mount: "/", MaxPercent: t.RootDiskPercent},
		DiskCheck{Mount: "/boot", MaxPercent: t.BootDiskPercent},
		DiskCheck{Mount: "/var", MaxPercent: t.VarDiskPercent},
		LoadCheck{MaxPerCPU: t.LoadPerCPU},
		MemoryCheck{MaxPercent: t.MemoryPercent},
		SessionCheck{},
	}
}

// outcomeFromRunErr turns a Runner error into a failed outcome.
func outcomeFromRunErr(name string, retries int, err error) models.CheckOutcome {
	return models.CheckOutcome{
		Name:      name,
		ErrorKind: errors.KindOf(err),
		Detail:    err.Error(),
		Retries:   retries,
	}
}

func commandFailed(name string, res CommandResult) models.CheckOutcome {
	return models.CheckOutcome{
		Name:      name,
		ErrorKind: errors.KindCommandFailed,
		Detail:    fmt.Sprintf("exit %d: %s", res.ExitCode, tail(strings.TrimSpace(res.Stderr), 256)),
	}
}

func threshold(name string, value, max float64, unit string) models.CheckOutcome {
	out := models.CheckOutcome{
		Name:      name,
		Passed:    value <= max,
		Value:     value,
		Threshold: max,
		Unit:      unit,
	}
	if !out.Passed {
		out.ErrorKind = errors.KindThresholdExceeded
		out.Detail = fmt.Sprintf("%s at %.1f%s exceeds %.1f%s", name, value, unit, max, unit)
	}
	return out
}

// ConnectivityCheck proves a command round-trips.
type ConnectivityCheck struct{}

func (ConnectivityCheck) Name() string { return "connectivity" }

func (c ConnectivityCheck) Run(ctx context.Context, r Runner, t models.Target) models.CheckOutcome {
	res, retries, err := r.Run(ctx, t, "uname -r")
	if err != nil {
		return outcomeFromRunErr(c.Name(), retries, err)
	}
	if !res.OK() {
		out := commandFailed(c.Name(), res)
		out.Retries = retries
		return out
	}
	return models.CheckOutcome{Name: c.Name(), Passed: true, Detail: "kernel " + strings.TrimSpace(res.Stdout), Retries: retries}
}

// DiskCheck bounds the used percentage of one mount. A mount that does not
// exist as a separate path passes.
type DiskCheck struct {
	Mount      string
	MaxPercent float64
}

func (c DiskCheck) Name() string { return "disk:" + c.Mount }

func (c DiskCheck) Run(ctx context.Context, r Runner, t models.Target) models.CheckOutcome {
	res, retries, err := r.Run(ctx, t, join("df", "-P", c.Mount))
	if err != nil {
		return outcomeFromRunErr(c.Name(), retries, err)
	}
	if !res.OK() {
		return models.CheckOutcome{Name: c.Name(), Passed: true, Advisory: true, Detail: "mount not present", Retries: retries}
	}
	pct, err := parseDFPercent(res.Stdout)
	if err != nil {
		out := models.CheckOutcome{Name: c.Name(), ErrorKind: errors.KindCommandFailed, Detail: err.Error(), Retries: retries}
		return out
	}
	out := threshold(c.Name(), pct, c.MaxPercent, "%")
	out.Retries = retries
	return out
}

// parseDFPercent reads the capacity column of POSIX df output.
func parseDFPercent(out string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, errors.Newf("unexpected df output %q", tail(out, 128))
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return 0, errors.Newf("unexpected df line %q", lines[len(lines)-1])
	}
	pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[4], "%"), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse df capacity %q", fields[4])
	}
	return pct, nil
}

// LoadCheck bounds the one-minute load average per CPU.
type LoadCheck struct {
	MaxPerCPU float64
}

func (LoadCheck) Name() string { return "load" }

func (c LoadCheck) Run(ctx context.Context, r Runner, t models.Target) models.CheckOutcome {
	res, retries, err := r.Run(ctx, t, "cat /proc/loadavg && nproc")
	if err != nil {
		return outcomeFromRunErr(c.Name(), retries, err)
	}
	if !res.OK() {
		out := commandFailed(c.Name(), res)
		out.Retries = retries
		return out
	}
	perCPU, err := parseLoad(res.Stdout)
	if err != nil {
		return models.CheckOutcome{Name: c.Name(), ErrorKind: errors.KindCommandFailed, Detail: err.Error(), Retries: retries}
	}
	out := threshold(c.Name(), perCPU, c.MaxPerCPU, "/cpu")
	out.Retries = retries
	return out
}

func parseLoad(out string) (float64, error) {
	lines := strings.Fields(out)
	// loadavg has five fields followed by the nproc line
	if len(lines) < 6 {
		return 0, errors.Newf("unexpected load output %q", tail(out, 128))
	}
	load1, err := strconv.ParseFloat(lines[0], 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse loadavg")
	}
	cpus, err := strconv.Atoi(lines[len(lines)-1])
	if err != nil || cpus < 1 {
		return 0, errors.Newf("unexpected cpu count %q", lines[len(lines)-1])
	}
	return load1 / float64(cpus), nil
}

// MemoryCheck bounds used memory as a percentage of MemTotal.
type MemoryCheck struct {
	MaxPercent float64
}

func (MemoryCheck) Name() string { return "memory" }

func (c MemoryCheck) Run(ctx context.Context, r Runner, t models.Target) models.CheckOutcome {
	res, retries, err := r.Run(ctx, t, "cat /proc/meminfo")
	if err != nil {
		return outcomeFromRunErr(c.Name(), retries, err)
	}
	if !res.OK() {
		out := commandFailed(c.Name(), res)
		out.Retries = retries
		return out
	}
	pct, err := parseMeminfo(res.Stdout)
	if err != nil {
		return models.CheckOutcome{Name: c.Name(), ErrorKind: errors.KindCommandFailed, Detail: err.Error(), Retries: retries}
	}
	out := threshold(c.Name(), pct, c.MaxPercent, "%")
	out.Retries = retries
	return out
}

func parseMeminfo(out string) (float64, error) {
	vals := map[string]float64{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		f := strings.Fields(rest)
		if len(f) == 0 {
			continue
		}
		if v, err := strconv.ParseFloat(f[0], 64); err == nil {
			vals[key] = v
		}
	}
	total := vals["MemTotal"]
	avail, ok := vals["MemAvailable"]
	if !ok {
		avail = vals["MemFree"] + vals["Buffers"] + vals["Cached"]
	}
	if total <= 0 {
		return 0, errors.New("meminfo has no MemTotal")
	}
	return (1 - avail/total) * 100, nil
}

// SessionCheck counts logged-in sessions. It is advisory and always passes.
type SessionCheck struct{}

func (SessionCheck) Name() string { return "sessions" }

func (c SessionCheck) Run(ctx context.Context, r Runner, t models.Target) models.CheckOutcome {
	out := models.CheckOutcome{Name: c.Name(), Passed: true, Advisory: true}
	res, retries, err := r.Run(ctx, t, "who")
	out.Retries = retries
	if err != nil {
		out.Detail = "session count unavailable: " + err.Error()
		return out
	}
	n := 0
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	out.Value = float64(n)
	if n > 0 {
		out.Detail = fmt.Sprintf("%d active session(s)", n)
	}
	return out
}
