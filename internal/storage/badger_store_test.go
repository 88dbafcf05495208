package storage

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
)

func newStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	rec := &models.ServerRecord{Name: "web01", HostGroup: "web", Timezone: "Europe/Berlin"}
	p := rec.Plan(calendar.Q3)
	p.State = models.StateScheduled
	p.PatchDate, p.PatchTime = "2026-05-06", "20:00"

	require.NoError(t, s.Write(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := s.Get(ctx, "web01")
	require.NoError(t, err)
	gp, ok := got.PeekPlan(calendar.Q3)
	require.True(t, ok)
	assert.Equal(t, models.StateScheduled, gp.State)
	assert.Equal(t, "2026-05-06", gp.PatchDate)
	assert.Equal(t, "20:00", gp.PatchTime)
	assert.Equal(t, "Europe/Berlin", got.Timezone)

	at, ok := got.SlotTime(calendar.Q3)
	require.True(t, ok)
	berlin, _ := time.LoadLocation("Europe/Berlin")
	assert.True(t, at.Equal(time.Date(2026, time.May, 6, 20, 0, 0, 0, berlin)))

	require.NoError(t, s.Write(ctx, got))
	assert.Equal(t, int64(2), got.Version)
}

func TestGetMissing(t *testing.T) {
	_, err := newStore(t).Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.False(t, errors.IsInfrastructure(err))
}

func TestReadAllSortedAndScoped(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, n := range []string{"web02", "db01", "app01"} {
		require.NoError(t, s.Write(ctx, &models.ServerRecord{Name: n}))
	}
	recs, err := s.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "app01", recs[0].Name)
	assert.Equal(t, "db01", recs[1].Name)
	assert.Equal(t, "web02", recs[2].Name)

	require.NoError(t, s.Delete(ctx, "db01"))
	require.NoError(t, s.Delete(ctx, "db01"))
	recs, err = s.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestWriteRejectsNamelessRecord(t *testing.T) {
	err := newStore(t).Write(context.Background(), &models.ServerRecord{})
	assert.True(t, errors.Is(err, errors.ErrValidationFailed))
}

func TestClosedStoreIsInfrastructureFailure(t *testing.T) {
	s, err := NewBadgerStore(Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.ReadAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsInfrastructure(err))
	assert.Equal(t, errors.KindInfrastructureUnavailable, errors.KindOf(err))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := NewBadgerStore(Options{})
	assert.Error(t, err)
}
