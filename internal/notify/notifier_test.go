package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/models"
)

func TestNewEvent(t *testing.T) {
	now := time.Date(2026, time.May, 6, 22, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	ev := New(models.EventScheduled, "web01", map[string]any{"date": "2026-05-06"}, now)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
	assert.True(t, ev.Timestamp.Equal(now))
	assert.Equal(t, "patch.events.scheduled", Subject(ev.Type))
}

func TestLogAndMulti(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rec := &Recorder{}
	n := Multi{NewLog(zap.New(core).Sugar()), rec}

	ev := New(models.EventPreCheckFailed, "db01", nil, time.Now())
	ev.Quarter = calendar.Q3
	n.Emit(context.Background(), ev)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, models.EventPreCheckFailed, entry.Message)
	assert.Equal(t, "events", entry.LoggerName)
	assert.Equal(t, "db01", entry.ContextMap()["server"])

	assert.Len(t, rec.Events(), 1)
	assert.Len(t, rec.OfType(models.EventPreCheckFailed), 1)
	assert.Empty(t, rec.OfType(models.EventCompleted))
}

func TestPublisherNeverFailsCaller(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	p := &Publisher{log: zap.New(core).Sugar()}
	p.Emit(context.Background(), New(models.EventExecuted, "web01", nil, time.Now()))
	assert.Equal(t, 1, logs.FilterMessage("event not published").Len())
	p.Close()
}

func TestNewPublisherUnreachable(t *testing.T) {
	_, err := NewPublisher("nats://127.0.0.1:1", nil)
	assert.Error(t, err)
}
