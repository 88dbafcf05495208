package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
)

// SubjectPrefix is prepended to the event type to form the NATS subject.
const SubjectPrefix = "patch.events."

// Publisher emits events on NATS.
type Publisher struct {
	nc  *nats.Conn
	url string
	log *zap.SugaredLogger
}

// NewPublisher connects to url, reconnecting forever in the background.
func NewPublisher(url string, log *zap.SugaredLogger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("nats")
	opts := []nats.Option{
		nats.Name("quarterpatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warnw("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connect nats %s", url)
	}
	return &Publisher{nc: nc, url: url, log: log}, nil
}

// Subject returns the subject an event type is published on.
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

// Emit publishes ev as JSON. Failures are logged, never returned.
func (p *Publisher) Emit(ctx context.Context, ev models.Event) {
	if err := p.publish(ctx, ev); err != nil {
		p.log.Warnw("event not published", "type", ev.Type, "server", ev.Server, "error", err)
	}
}

func (p *Publisher) publish(ctx context.Context, ev models.Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return errors.New("nats not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	return p.nc.Publish(Subject(ev.Type), payload)
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
