package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-broker/contracts"
	"github.com/glimte/mmate-broker/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/mmate-broker/internal/rabbitmq"

// DefaultConfirmTimeout is how long Publish waits for a broker confirm.
const DefaultConfirmTimeout = 5 * time.Second

// Publisher publishes envelopes to one topic exchange. It is safe for
// concurrent use; all publishers with the same identity share one channel.
type Publisher struct {
	cache          *Cache
	identity       Identity
	exchange       string
	applicationID  string
	confirmTimeout time.Duration
	confirms       bool
	logger         *slog.Logger
	tracer         trace.Tracer

	// ID of the channel the exchange was last declared on.
	prepared atomic.Pointer[string]
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithConfirmMode enables or disables publisher confirms
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirms = enabled
	}
}

// WithApplicationID sets the AppId stamped on envelopes that have none
func WithApplicationID(id string) PublisherOption {
	return func(p *Publisher) {
		p.applicationID = id
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher for exchange. No broker I/O happens until
// the first Publish.
func NewPublisher(cache *Cache, identity Identity, exchange string, options ...PublisherOption) *Publisher {
	p := &Publisher{
		cache:          cache,
		identity:       identity,
		exchange:       exchange,
		confirmTimeout: DefaultConfirmTimeout,
		confirms:       true,
		logger:         slog.Default(),
		tracer:         otel.Tracer(tracerName),
	}

	for _, opt := range options {
		opt(p)
	}

	p.logger = p.logger.With("component", "publisher", "exchange", exchange)
	return p
}

// Exchange returns the exchange the publisher writes to.
func (p *Publisher) Exchange() string {
	return p.exchange
}

// Publish sends env to the exchange with topic as routing key. With confirms
// enabled it returns only after the broker has accepted the message.
func (p *Publisher) Publish(ctx context.Context, topic string, env *contracts.MessageEnvelope) error {
	if env == nil {
		return &PublishError{
			Exchange:   p.exchange,
			RoutingKey: topic,
			Err:        errors.New("nil envelope"),
			Timestamp:  time.Now(),
		}
	}

	ctx, span := p.tracer.Start(ctx, p.exchange+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", p.exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", topic),
		),
	)
	defer span.End()

	start := time.Now()
	msgID, err := p.publish(ctx, topic, env)
	metrics.PublishLatency.Observe(time.Since(start).Seconds())

	span.SetAttributes(attribute.String("messaging.message.id", msgID))
	if err != nil {
		metrics.PublishedTotal.WithLabelValues(p.exchange, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("failed to publish message",
			"topic", topic,
			"message_id", msgID,
			"error", err,
		)
		return &PublishError{
			Exchange:   p.exchange,
			RoutingKey: topic,
			MessageID:  msgID,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	metrics.PublishedTotal.WithLabelValues(p.exchange, "ok").Inc()
	p.logger.Debug("message published", "topic", topic, "message_id", msgID)
	return nil
}

func (p *Publisher) publish(ctx context.Context, topic string, env *contracts.MessageEnvelope) (string, error) {
	msg := toPublishing(env, topic, p.applicationID, time.Now())
	if msg.Type == "" {
		return msg.MessageId, ErrMissingMessageType
	}

	ch, err := p.cache.Acquire(ctx, p.identity, PublisherChannel, "")
	if err != nil {
		return msg.MessageId, err
	}

	if err := p.prepare(ch); err != nil {
		return msg.MessageId, err
	}

	confirm, err := ch.PublishDeferred(ctx, p.exchange, topic, msg)
	if err != nil {
		return msg.MessageId, err
	}

	if !p.confirms || confirm == nil {
		return msg.MessageId, nil
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case <-confirm.Done():
		if !confirm.Acked() {
			return msg.MessageId, ErrPublishNotConfirmed
		}
		return msg.MessageId, nil
	case <-timer.C:
		return msg.MessageId, ErrPublishTimeout
	case <-ctx.Done():
		return msg.MessageId, ctx.Err()
	}
}

// prepare declares the exchange and enables confirms once per channel
// instance. Both operations are idempotent, so racing publishers may repeat
// them harmlessly.
func (p *Publisher) prepare(ch *CachedChannel) error {
	if last := p.prepared.Load(); last != nil && *last == ch.ID {
		return nil
	}

	if p.confirms {
		if err := ch.Confirm(false); err != nil {
			return &ChannelError{Op: "enable confirms", ChannelID: ch.ID, Err: err, Timestamp: time.Now()}
		}
	}

	if err := declareTopicExchange(ch, p.exchange); err != nil {
		return err
	}

	id := ch.ID
	p.prepared.Store(&id)
	return nil
}
