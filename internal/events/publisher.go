package events

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/opsgate/internal/model"
)

const (
	// StreamName is the JetStream stream holding every opsgate event
	StreamName = "OPSGATE"

	SubjectAll          = "opsgate.>"
	SubjectJobExecution = "opsgate.jobs.execution"
	SubjectDispatch     = "opsgate.webhooks.dispatch"
)

// Publisher announces scheduler and webhook outcomes to other processes
type Publisher interface {
	PublishExecution(ctx context.Context, exec *model.JobExecution) error
	PublishDispatch(ctx context.Context, result *model.DispatchResult) error
	Connected() bool
}

// NopPublisher drops every event. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishExecution(ctx context.Context, exec *model.JobExecution) error {
	return nil
}

func (NopPublisher) PublishDispatch(ctx context.Context, result *model.DispatchResult) error {
	return nil
}

func (NopPublisher) Connected() bool { return false }

// JetStreamPublisher publishes events to a JetStream stream
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewJetStreamPublisher creates the publisher and makes sure the stream exists
func NewJetStreamPublisher(nc *nats.Conn, logger *zap.Logger) (*JetStreamPublisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create JetStream context")
	}

	p := &JetStreamPublisher{
		nc:     nc,
		js:     js,
		logger: logger.Named("event-publisher"),
	}

	if err := p.setupStream(); err != nil {
		return nil, err
	}
	return p, nil
}

// setupStream creates the event stream if it does not exist yet
func (p *JetStreamPublisher) setupStream() error {
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectAll},
		Storage:  nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return errors.Wrapf(err, "failed to create stream %s", StreamName)
	}
	return nil
}

// PublishExecution implements Publisher.PublishExecution
func (p *JetStreamPublisher) PublishExecution(ctx context.Context, exec *model.JobExecution) error {
	return p.publish(ctx, SubjectJobExecution, exec.ID, exec)
}

// PublishDispatch implements Publisher.PublishDispatch
func (p *JetStreamPublisher) PublishDispatch(ctx context.Context, result *model.DispatchResult) error {
	return p.publish(ctx, SubjectDispatch, result.ID, result)
}

// Connected reports whether the underlying connection is up
func (p *JetStreamPublisher) Connected() bool {
	return p.nc.IsConnected()
}

func (p *JetStreamPublisher) publish(ctx context.Context, subject, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	// The message id lets JetStream drop duplicates of the same event
	if _, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(id)); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.String("id", id),
			zap.Error(err))
		return errors.Wrapf(err, "failed to publish to %s", subject)
	}

	p.logger.Debug("Event published",
		zap.String("subject", subject),
		zap.String("id", id))
	return nil
}
