package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/orchestrator"
	"github.com/devghori1264/quarterpatch/internal/remote"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quarterpatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsMatchComponentDefaults(t *testing.T) {
	cfg, err := FromViper(New())
	require.NoError(t, err)

	assert.Equal(t, remote.DefaultConfig(), cfg.Engine())

	want := orchestrator.DefaultConfig()
	got := cfg.Orchestrator()
	assert.Equal(t, want.Workers, got.Workers)
	assert.Equal(t, want.MaxPerHour, got.MaxPerHour)
	assert.Equal(t, want.Window, got.Window)
	assert.Equal(t, want.Freeze, got.Freeze)
	assert.Equal(t, want.Policy, got.Policy)
	assert.Equal(t, want.RebootWait, got.RebootWait)

	assert.Equal(t, 5*time.Minute, cfg.Batch.PollInterval)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
	assert.Equal(t, 10*time.Second, cfg.Transport().ConnectTimeout)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
storage:
  in_memory: true
schedule:
  window_start: 21
  window_end: 23
  max_per_hour: 2
  freeze: none
  group_limits:
    db: 1
workflow:
  recheck_delay: 45m
  rollback_on_execution_failure: true
remote:
  thresholds:
    root_disk_percent: 75
  vendor:
    boot_order_vendors: [HPE]
batch:
  workers: 8
`)
	t.Setenv("QUARTERPATCH_BATCH_WORKERS", "3")
	t.Setenv("QUARTERPATCH_SSH_PASSWORD", "hunter2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Batch.Workers, "environment wins over the file")
	assert.Equal(t, "hunter2", cfg.Transport().Password)

	oc := cfg.Orchestrator()
	assert.Equal(t, 21, oc.Window.StartHour)
	assert.Equal(t, 23, oc.Window.EndHour)
	assert.Equal(t, 2, oc.MaxPerHour)
	assert.Equal(t, map[string]int{"db": 1}, oc.GroupLimits)
	assert.Equal(t, calendar.NoFreeze, oc.Freeze)
	assert.Equal(t, 45*time.Minute, oc.Policy.RecheckDelay)
	assert.True(t, oc.Policy.RollbackOnExecutionFailure)

	ec := cfg.Engine()
	assert.Equal(t, 75.0, ec.Thresholds.RootDiskPercent)
	assert.Equal(t, 70.0, ec.Thresholds.BootDiskPercent, "unset keys keep their default")

	plugins := cfg.VendorPlugins()
	require.Len(t, plugins, 1)
	assert.Equal(t, remote.BootOrderPlugin{Vendors: []string{"HPE"}}, plugins[0])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"empty window":   "schedule:\n  window_start: 22\n  window_end: 22\n",
		"window past 24": "schedule:\n  window_end: 25\n",
		"no capacity":    "schedule:\n  max_per_hour: 0\n",
		"bad freeze":     "schedule:\n  freeze: someday-never\n",
		"no workers":     "batch:\n  workers: 0\n",
		"no store path":  "storage:\n  path: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrValidationFailed), err.Error())
		})
	}
}
