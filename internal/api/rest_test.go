package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/metrics"
	"github.com/devghori1264/quarterpatch/internal/models"
	"github.com/devghori1264/quarterpatch/internal/orchestrator"
	"github.com/devghori1264/quarterpatch/internal/server"
	"github.com/devghori1264/quarterpatch/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type okExec struct{}

func (okExec) Run(_ context.Context, phase string, _ models.Target) models.ExecutionResult {
	return models.ExecutionResult{Phase: phase, Success: true}
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	store, err := storage.NewBadgerStore(storage.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := func() time.Time { return time.Date(2026, time.May, 1, 10, 0, 0, 0, time.UTC) }
	reg := prometheus.NewRegistry()
	orch := orchestrator.New(store, okExec{}, orchestrator.DefaultConfig(),
		orchestrator.WithClock(now), orchestrator.WithMetrics(metrics.New(reg)))
	r := NewHTTPHandler(server.New(store, orch, server.WithClock(now)), nil)
	RegisterMetrics(r, reg)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestPing(t *testing.T) {
	w := do(t, newRouter(t), http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")
}

func TestLifecycleOverHTTP(t *testing.T) {
	r := newRouter(t)

	w := do(t, r, http.MethodPut, "/api/v1/servers", []models.ServerRecord{
		{Name: "web01", HostGroup: "web"},
		{Name: "web02", HostGroup: "web"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.ElementsMatch(t, []string{"web01", "web02"}, decode[server.ImportResult](t, w).Created)

	w = do(t, r, http.MethodPost, "/api/v1/runs", RunRequest{Phase: "approval", Quarter: calendar.Q3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[orchestrator.Summary](t, w).Succeeded)

	w = do(t, r, http.MethodPost, "/api/v1/servers/web01/approve", ApprovalRequest{Quarter: calendar.Q3, By: "owner"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.StateApproved, decode[models.QuarterPlan](t, w).State)

	w = do(t, r, http.MethodPost, "/api/v1/servers/web01/approve", ApprovalRequest{Quarter: calendar.Q3})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errors.KindInvalidTransition, decode[ErrorResponse](t, w).Kind)

	w = do(t, r, http.MethodPost, "/api/v1/servers/web02/reject", ApprovalRequest{Quarter: calendar.Q3, Reason: "db migration"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StateUnscheduled, decode[models.QuarterPlan](t, w).State)

	w = do(t, r, http.MethodPost, "/api/v1/runs", RunRequest{Phase: "2", Quarter: calendar.Q3})
	require.Equal(t, http.StatusOK, w.Code)
	sum := decode[orchestrator.Summary](t, w)
	require.Len(t, sum.Outcomes, 1)
	require.NotNil(t, sum.Outcomes[0].Slot)
	assert.Equal(t, "2026-05-06", sum.Outcomes[0].Slot.Date)

	w = do(t, r, http.MethodGet, "/api/v1/servers/web01", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rec := decode[models.ServerRecord](t, w)
	assert.Equal(t, models.StateScheduled, rec.Plans[calendar.Q3].State)

	w = do(t, r, http.MethodPost, "/api/v1/quarters/3/close", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.ElementsMatch(t, []string{"web01", "web02"}, decode[server.CloseResult](t, w).Archived)

	w = do(t, r, http.MethodGet, "/api/v1/servers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.ServerRecord](t, w), 2)

	w = do(t, r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "quarterpatch_batch_runs_total")
}

func TestOverrideErrorsNameTheConstraint(t *testing.T) {
	r := newRouter(t)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPut, "/api/v1/servers", []models.ServerRecord{{Name: "web01", HostGroup: "web"}}).Code)

	w := do(t, r, http.MethodPost, "/api/v1/servers/web01/override",
		OverrideRequest{Quarter: calendar.Q3, Date: "2026-05-06", Time: "20:00"})
	assert.Equal(t, http.StatusConflict, w.Code, "Unscheduled servers can not take a slot")

	w = do(t, r, http.MethodPost, "/api/v1/servers/ghost/override",
		OverrideRequest{Quarter: calendar.Q3, Date: "2026-05-06", Time: "20:00"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBadRequests(t *testing.T) {
	r := newRouter(t)
	cases := []struct {
		method, path string
		body         any
		want         int
	}{
		{http.MethodPost, "/api/v1/runs", map[string]any{}, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/runs", RunRequest{Phase: "deploy"}, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/runs", RunRequest{Phase: "3", Quarter: 9}, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/servers/web01/approve", map[string]any{}, http.StatusBadRequest},
		{http.MethodPut, "/api/v1/servers", []models.ServerRecord{{Name: "x"}}, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/quarters/third/close", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/servers/ghost", nil, http.StatusNotFound},
		{http.MethodDelete, "/api/v1/servers/ghost", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		w := do(t, r, tc.method, tc.path, tc.body)
		assert.Equal(t, tc.want, w.Code, "%s %s: %s", tc.method, tc.path, w.Body.String())
		assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "application/json"))
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(errors.Infrastructure(errors.New("disk"), "read")))
	assert.Equal(t, http.StatusConflict, StatusFor(errors.Wrap(errors.ErrSchedulingConflict, "x")))
	assert.Equal(t, http.StatusConflict, StatusFor(errors.Mark(context.DeadlineExceeded, server.ErrBusy)))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("boom")))
}
