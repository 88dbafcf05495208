package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/orchestrator"
)

type recordingRunner struct {
	mu   sync.Mutex
	reqs []orchestrator.Request
	fail orchestrator.Phase
}

func (r *recordingRunner) RunBatch(_ context.Context, req orchestrator.Request) (*orchestrator.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if req.Phase == r.fail {
		return nil, errors.Infrastructure(errors.New("closed"), "read inventory")
	}
	return &orchestrator.Summary{Phase: req.Phase, Processed: 1, Succeeded: 1}, nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func TestRunDueRunsTimedPhasesInOrder(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := &recordingRunner{fail: orchestrator.PhaseExecute}
	now := time.Date(2026, time.June, 3, 20, 0, 0, 0, time.UTC)

	runDue(context.Background(), r, now, zap.New(core).Sugar())

	var phases []orchestrator.Phase
	for _, req := range r.reqs {
		phases = append(phases, req.Phase)
		assert.Equal(t, calendar.Q3, req.Quarter)
		assert.True(t, req.Now.Equal(now))
	}
	assert.Equal(t, duePhases, phases, "a failed phase does not stop the next one")
	assert.Equal(t, 1, logs.FilterMessage("scheduled batch failed").Len())
	assert.Equal(t, 2, logs.FilterMessage("scheduled batch").Len())
}

func TestPollLoopStopsWithContext(t *testing.T) {
	r := &recordingRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pollLoop(ctx, r, 5*time.Millisecond, time.Now, zap.NewNop().Sugar())
	}()

	assert.Eventually(t, func() bool { return r.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll loop did not stop")
	}
}

func TestPollLoopDisabled(t *testing.T) {
	r := &recordingRunner{}
	pollLoop(context.Background(), r, 0, time.Now, zap.NewNop().Sugar())
	assert.Zero(t, r.count())
}
