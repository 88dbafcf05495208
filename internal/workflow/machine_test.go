package workflow

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
)

var (
	slotDate = "2026-05-06"
	slotTime = "20:00"
	slotAt   = time.Date(2026, time.May, 6, 20, 0, 0, 0, time.UTC)
)

func record(state models.State) *models.ServerRecord {
	rec := &models.ServerRecord{Name: "web01", HostGroup: "web"}
	p := rec.Plan(calendar.Q3)
	p.State = state
	p.PatchDate, p.PatchTime = slotDate, slotTime
	return rec
}

func TestEveryUndefinedEventIsRejected(t *testing.T) {
	ctx := context.Background()
	now := slotAt
	past := now.Add(-time.Hour)

	for _, st := range models.AllStates {
		for _, ev := range AllEvents {
			rec := record(st)
			p := rec.Plan(calendar.Q3)
			// satisfy guards so only the table decides
			p.PrecheckFailures = 1
			p.RecheckAt = &past

			m := New(rec, calendar.Q3, DefaultPolicy())
			err := m.Fire(ctx, ev, now, WithForce())

			dst, legal := Next(st, ev)
			if legal {
				require.NoError(t, err, "%s --%s-->", st, ev)
				assert.Equal(t, dst, m.State())
				assert.Equal(t, dst, p.State)
				require.Len(t, p.History, 1)
				assert.Equal(t, st, p.History[0].From)
				continue
			}
			require.Error(t, err, "%s --%s--> must be rejected", st, ev)
			assert.True(t, errors.Is(err, errors.ErrInvalidTransition), "%s --%s-->: %v", st, ev, err)
			assert.Equal(t, st, m.State(), "rejected event must not move the machine")
			assert.Empty(t, p.History)
		}
	}
}

func TestRandomEventSequencesStayInsideTable(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		m := New(record(models.StateUnscheduled), calendar.Q3, DefaultPolicy())
		now := slotAt.Add(-48 * time.Hour)
		for step := 0; step < 40; step++ {
			ev := AllEvents[rng.Intn(len(AllEvents))]
			before := m.State()
			dst, legal := Next(before, ev)
			now = now.Add(time.Hour)
			err := m.Fire(ctx, ev, now)
			if !legal {
				require.True(t, errors.Is(err, errors.ErrInvalidTransition))
			}
			if err != nil {
				assert.Equal(t, before, m.State())
				continue
			}
			assert.Equal(t, dst, m.State())
		}
	}
}

func TestApprovalFlow(t *testing.T) {
	ctx := context.Background()
	now := slotAt.Add(-72 * time.Hour)
	m := New(record(models.StateUnscheduled), calendar.Q3, DefaultPolicy())

	require.True(t, errors.Is(m.Fire(ctx, EventApprove, now), errors.ErrInvalidTransition),
		"approval only legal from PendingApproval")

	require.NoError(t, m.Fire(ctx, EventRequestApproval, now))
	assert.Equal(t, models.ApprovalPending, m.Plan().Approval)
	require.NoError(t, m.Fire(ctx, EventReject, now))
	assert.Equal(t, models.StateUnscheduled, m.State())
	assert.Equal(t, models.ApprovalRejected, m.Plan().Approval)
	assert.False(t, m.Plan().HasSlot(), "reject clears the slot")

	require.NoError(t, m.Fire(ctx, EventRequestApproval, now))
	require.NoError(t, m.Fire(ctx, EventApprove, now))
	assert.Equal(t, models.StateApproved, m.State())
	assert.Equal(t, models.ApprovalApproved, m.Plan().Approval)
}

func TestScheduleDueGuard(t *testing.T) {
	ctx := context.Background()
	policy := DefaultPolicy()
	m := New(record(models.StateScheduled), calendar.Q3, policy)

	early := slotAt.Add(-policy.PrecheckLead - time.Minute)
	assert.False(t, m.ScheduleDue(early))
	err := m.Fire(ctx, EventScheduleDue, early)
	require.True(t, errors.Is(err, errors.ErrInvalidTransition))
	assert.Equal(t, models.StateScheduled, m.State())

	onTime := slotAt.Add(-policy.PrecheckLead)
	assert.True(t, m.ScheduleDue(onTime))
	require.NoError(t, m.Fire(ctx, EventScheduleDue, onTime))
	assert.Equal(t, models.StatePreCheckRunning, m.State())
}

func TestScheduleDueWithoutSlotIsRejectedEvenWhenForced(t *testing.T) {
	rec := &models.ServerRecord{Name: "db01"}
	rec.Plan(calendar.Q3).State = models.StateApproved
	m := New(rec, calendar.Q3, DefaultPolicy())
	err := m.Fire(context.Background(), EventScheduleDue, slotAt, WithForce())
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestPreCheckFailedIsRetriedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	policy := DefaultPolicy()
	m := New(record(models.StatePreCheckRunning), calendar.Q3, policy)
	now := slotAt.Add(-time.Hour)

	require.NoError(t, m.Fire(ctx, EventPrecheckFail, now))
	assert.Equal(t, models.StatePreCheckFailed, m.State())
	assert.False(t, m.Terminal(), "one automatic re-check is pending")
	require.NotNil(t, m.Plan().RecheckAt)
	assert.Equal(t, now.Add(policy.RecheckDelay), *m.Plan().RecheckAt)

	assert.False(t, m.RecheckDue(now))
	require.True(t, errors.Is(m.Fire(ctx, EventRecheck, now), errors.ErrInvalidTransition), "delay not elapsed")

	later := now.Add(policy.RecheckDelay)
	assert.True(t, m.RecheckDue(later))
	require.NoError(t, m.Fire(ctx, EventRecheck, later))
	assert.Equal(t, models.StatePreCheckRunning, m.State())
	assert.Equal(t, 1, m.Plan().RetryCount)

	require.NoError(t, m.Fire(ctx, EventPrecheckFail, later))
	assert.True(t, m.Terminal())
	assert.Nil(t, m.Plan().RecheckAt)
	assert.False(t, m.RecheckDue(later.Add(24*time.Hour)))

	err := m.Fire(ctx, EventRecheck, later.Add(24*time.Hour), WithForce())
	require.True(t, errors.Is(err, errors.ErrInvalidTransition), "force never lifts the re-check bound")
	assert.Equal(t, models.StatePreCheckFailed, m.State())
	assert.Equal(t, 2, m.Plan().PrecheckFailures)
}

func TestExecutionAndValidationPath(t *testing.T) {
	ctx := context.Background()
	now := slotAt
	m := New(record(models.StatePreCheckPassed), calendar.Q3, DefaultPolicy())

	require.NoError(t, m.Fire(ctx, EventExecute, now))
	require.NoError(t, m.Fire(ctx, EventExecutionSuccess, now))
	m.DeferValidation(now.Add(10 * time.Minute))

	assert.False(t, m.ValidationDue(now))
	require.True(t, errors.Is(m.Fire(ctx, EventValidate, now), errors.ErrInvalidTransition))

	require.NoError(t, m.Fire(ctx, EventValidate, now.Add(10*time.Minute)))
	require.NoError(t, m.Fire(ctx, EventPostcheckPass, now.Add(11*time.Minute)))
	assert.Equal(t, models.StateCompleted, m.State())
	assert.True(t, m.Terminal())
	assert.Len(t, m.Plan().History, 4)
}

func TestRollbackSitsOutsideTable(t *testing.T) {
	ctx := context.Background()
	now := slotAt
	m := New(record(models.StatePostValidating), calendar.Q3, DefaultPolicy())

	require.True(t, errors.Is(m.MarkRolledBack(now), errors.ErrInvalidTransition))

	require.NoError(t, m.Fire(ctx, EventPostcheckFail, now))
	require.True(t, m.CanRollBack())
	require.NoError(t, m.MarkRolledBack(now))
	assert.Equal(t, models.StateRolledBack, m.State())
	assert.Equal(t, models.StateRolledBack, m.Plan().State)

	for _, ev := range AllEvents {
		assert.False(t, m.Can(ev), "RolledBack accepts no %s", ev)
	}
	last := m.Plan().History[len(m.Plan().History)-1]
	assert.Equal(t, string(EventRollback), last.Event)
}

func TestRollbackOnExecutionFailureIsPolicy(t *testing.T) {
	off := New(record(models.StateExecutionFailed), calendar.Q3, DefaultPolicy())
	assert.False(t, off.CanRollBack())
	assert.Error(t, off.MarkRolledBack(slotAt))

	policy := DefaultPolicy()
	policy.RollbackOnExecutionFailure = true
	on := New(record(models.StateExecutionFailed), calendar.Q3, policy)
	require.NoError(t, on.MarkRolledBack(slotAt))
	assert.Equal(t, models.StateRolledBack, on.State())
}

func TestRetriggerAfterExecutionFailure(t *testing.T) {
	rec := record(models.StateExecutionFailed)
	rec.Plan(calendar.Q3).PrecheckFailures = 1
	m := New(rec, calendar.Q3, DefaultPolicy())
	assert.True(t, m.Terminal())

	require.NoError(t, m.Fire(context.Background(), EventRetrigger, slotAt))
	assert.Equal(t, models.StateScheduled, m.State())
	assert.Equal(t, 0, m.Plan().PrecheckFailures)
	assert.Equal(t, 1, m.Plan().RetryCount)
}

func TestEmptyStateStartsUnscheduled(t *testing.T) {
	rec := &models.ServerRecord{Name: "legacy", Plans: map[calendar.QuarterID]*models.QuarterPlan{
		calendar.Q2: {Quarter: calendar.Q2},
	}}
	m := New(rec, calendar.Q2, DefaultPolicy())
	assert.Equal(t, models.StateUnscheduled, m.State())
}
