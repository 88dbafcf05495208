package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devghori1264/quarterpatch/internal/api"
	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
	"github.com/devghori1264/quarterpatch/internal/orchestrator"
	"github.com/devghori1264/quarterpatch/internal/server"
	"github.com/devghori1264/quarterpatch/internal/storage"
)

type okExec struct{}

func (okExec) Run(_ context.Context, phase string, _ models.Target) models.ExecutionResult {
	return models.ExecutionResult{Phase: phase, Success: true}
}

func startPatchd(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	pterm.DisableOutput()
	t.Cleanup(pterm.EnableOutput)

	store, err := storage.NewBadgerStore(storage.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := func() time.Time { return time.Date(2026, time.May, 1, 10, 0, 0, 0, time.UTC) }
	orch := orchestrator.New(store, okExec{}, orchestrator.DefaultConfig(), orchestrator.WithClock(now))
	ts := httptest.NewServer(api.NewHTTPHandler(server.New(store, orch, server.WithClock(now)), nil))
	t.Cleanup(ts.Close)
	return ts
}

func patchctl(t *testing.T, ts *httptest.Server, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"--server", ts.URL}, args...))
	return cmd.ExecuteContext(context.Background())
}

func TestCommandsAgainstPatchd(t *testing.T) {
	ts := startPatchd(t)
	fleet := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(fleet, []byte(fleetYAML), 0o600))

	require.NoError(t, patchctl(t, ts, "ping"))
	require.NoError(t, patchctl(t, ts, "import", fleet))
	require.NoError(t, patchctl(t, ts, "run", "--phase", "1", "--quarter", "3"))
	require.NoError(t, patchctl(t, ts, "approve", "web01", "db01", "-q", "3", "--by", "owner"))
	require.NoError(t, patchctl(t, ts, "run", "--phase", "schedule", "-q", "3", "--dry-run"))
	require.NoError(t, patchctl(t, ts, "run", "--phase", "schedule", "-q", "3", "--servers", "web01"))
	require.NoError(t, patchctl(t, ts, "override", "db01", "-q", "3", "--date", "2026-05-13", "--time", "21:00"))
	require.NoError(t, patchctl(t, ts, "list", "-q", "3"))

	c := newClient(ts.URL, time.Second, zap.NewNop().Sugar())
	var recs []*models.ServerRecord
	require.NoError(t, c.do(context.Background(), http.MethodGet, "/api/v1/servers", nil, &recs))
	require.Len(t, recs, 2)
	for _, r := range recs {
		p, ok := r.PeekPlan(calendar.Q3)
		require.True(t, ok, r.Name)
		assert.Equal(t, models.StateScheduled, p.State, r.Name)
	}

	err := patchctl(t, ts, "approve", "web01", "-q", "3")
	assert.Error(t, err, "already approved")
	require.NoError(t, patchctl(t, ts, "close-quarter", "Q3"))
}

func TestClientSurfacesServerErrors(t *testing.T) {
	ts := startPatchd(t)
	c := newClient(ts.URL, time.Second, zap.NewNop().Sugar())

	err := c.do(context.Background(), http.MethodGet, serverPath("ghost", ""), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	down := newClient("http://127.0.0.1:1", 200*time.Millisecond, zap.NewNop().Sugar())
	err = down.do(context.Background(), http.MethodGet, "/ping", nil, nil)
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestRunRequiresAValidPhase(t *testing.T) {
	ts := startPatchd(t)
	assert.Error(t, patchctl(t, ts, "run", "--phase", "deploy"))
	assert.Error(t, patchctl(t, ts, "run"))
	assert.Error(t, patchctl(t, ts, "close-quarter", "Q9"))
}
