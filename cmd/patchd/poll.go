package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/orchestrator"
)

type batchRunner interface {
	RunBatch(ctx context.Context, req orchestrator.Request) (*orchestrator.Summary, error)
}

// duePhases are the time-triggered phases. Approval and scheduling stay manual.
var duePhases = []orchestrator.Phase{
	orchestrator.PhasePreCheck,
	orchestrator.PhaseExecute,
	orchestrator.PhasePostCheck,
}

// pollLoop evaluates the time triggers every interval until ctx is done.
// A zero interval disables polling.
func pollLoop(ctx context.Context, r batchRunner, interval time.Duration, clock func() time.Time, log *zap.SugaredLogger) {
	if interval <= 0 {
		log.Infow("polling disabled")
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			runDue(ctx, r, clock(), log)
		}
	}
}

// runDue runs the due phases for the current quarter in order. A failed phase
// is logged and the next one still runs.
func runDue(ctx context.Context, r batchRunner, now time.Time, log *zap.SugaredLogger) {
	q := calendar.QuarterOf(now)
	for _, p := range duePhases {
		if ctx.Err() != nil {
			return
		}
		sum, err := r.RunBatch(ctx, orchestrator.Request{Phase: p, Quarter: q, Now: now})
		if err != nil {
			log.Errorw("scheduled batch failed", "phase", p.String(), "quarter", q.String(), "error", err)
			continue
		}
		if sum.Processed > 0 {
			log.Infow("scheduled batch", "phase", p.String(), "quarter", q.String(),
				"succeeded", sum.Succeeded, "failed", sum.Failed, "run_id", sum.RunID)
		}
	}
}
