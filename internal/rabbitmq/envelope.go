package rabbitmq

import (
	"fmt"
	"strconv"
	"time"

	"github.com/glimte/mmate-broker/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// toPublishing maps an envelope onto AMQP message properties. Missing
// message ids, timestamps and application ids are filled in; a missing
// message type becomes the topic, since subscribers refuse untyped messages.
func toPublishing(env *contracts.MessageEnvelope, topic, applicationID string, now time.Time) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:   env.ContentType,
		MessageId:     env.MessageID,
		AppId:         env.ApplicationID,
		CorrelationId: env.CorrelationID,
		Type:          env.MessageDescription,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     env.CreationTimestamp,
		Body:          env.Body,
	}

	if msg.MessageId == "" {
		msg.MessageId = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if msg.AppId == "" {
		msg.AppId = applicationID
	}
	if msg.Type == "" {
		msg.Type = topic
	}

	return msg
}

// fromDelivery builds the envelope handed to message handlers. A delivery
// without a message id or type cannot be dispatched and yields
// ErrMalformedDelivery.
func fromDelivery(d amqp.Delivery, channelID string) (*contracts.MessageEnvelope, error) {
	if d.MessageId == "" {
		return nil, fmt.Errorf("%w: missing message id", ErrMalformedDelivery)
	}
	if d.Type == "" {
		return nil, fmt.Errorf("%w: missing message type", ErrMalformedDelivery)
	}

	return &contracts.MessageEnvelope{
		MessageID:          d.MessageId,
		ApplicationID:      d.AppId,
		CorrelationID:      d.CorrelationId,
		ContentType:        d.ContentType,
		MessageDescription: d.Type,
		CreationTimestamp:  d.Timestamp,
		Body:               d.Body,
		DeliveryTag:        strconv.FormatUint(d.DeliveryTag, 10),
		ChannelID:          channelID,
	}, nil
}

// parseDeliveryTag recovers the broker delivery tag from an envelope.
func parseDeliveryTag(env *contracts.MessageEnvelope) (uint64, error) {
	if !env.IsDelivery() {
		return 0, ErrInvalidDeliveryTag
	}
	tag, err := strconv.ParseUint(env.DeliveryTag, 10, 64)
	if err != nil || tag == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDeliveryTag, env.DeliveryTag)
	}
	return tag, nil
}
