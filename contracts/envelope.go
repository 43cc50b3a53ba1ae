package contracts

import (
	"context"
	"time"
)

// MessageEnvelope is the transport-neutral shape of a message travelling
// through the broker.
type MessageEnvelope struct {
	MessageID     string `json:"messageId"`
	ApplicationID string `json:"applicationId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	ContentType   string `json:"contentType,omitempty"`

	// MessageDescription tags the payload with its topic or event type.
	MessageDescription string    `json:"messageDescription"`
	CreationTimestamp  time.Time `json:"creationTimestamp"`
	Body               []byte    `json:"body"`

	// DeliveryTag is set on received messages only. It is the decimal form of
	// the broker's delivery tag and is valid only on the channel named by
	// ChannelID.
	DeliveryTag string `json:"deliveryTag,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
}

// IsDelivery reports whether the envelope was produced by a consumer and can
// therefore be acknowledged or rejected.
func (e *MessageEnvelope) IsDelivery() bool {
	return e != nil && e.DeliveryTag != ""
}

// Age returns how long ago the message was created.
func (e *MessageEnvelope) Age(now time.Time) time.Duration {
	if e.CreationTimestamp.IsZero() {
		return 0
	}
	return now.Sub(e.CreationTimestamp)
}

// MessageHandler processes a received envelope. The handler owns the outcome
// of the delivery: it must acknowledge, reject or requeue it through the
// subscriber that invoked it.
type MessageHandler func(ctx context.Context, msg *MessageEnvelope) error
