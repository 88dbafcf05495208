// Package notify delivers lifecycle events. Delivery is fire-and-forget: a
// notifier never fails the operation that produced the event.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devghori1264/quarterpatch/internal/models"
)

// Notifier receives lifecycle events.
type Notifier interface {
	Emit(ctx context.Context, ev models.Event)
}

// New fills in the id and timestamp of an event.
func New(eventType, server string, payload map[string]any, now time.Time) models.Event {
	return models.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Server:    server,
		Payload:   payload,
		Timestamp: now.UTC(),
	}
}

// Log writes events to a zap logger.
type Log struct {
	log *zap.SugaredLogger
}

// NewLog returns a notifier logging at info level under "events".
func NewLog(l *zap.SugaredLogger) *Log {
	return &Log{log: l.Named("events")}
}

func (n *Log) Emit(_ context.Context, ev models.Event) {
	n.log.Infow(ev.Type, "id", ev.ID, "server", ev.Server, "quarter", ev.Quarter, "payload", ev.Payload)
}

// Multi fans events out to several notifiers in order.
type Multi []Notifier

func (m Multi) Emit(ctx context.Context, ev models.Event) {
	for _, n := range m {
		n.Emit(ctx, ev)
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *Recorder) Emit(_ context.Context, ev models.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []models.Event {
	var out []models.Event
	for _, ev := range r.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
