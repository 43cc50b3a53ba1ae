package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue arguments understood by RabbitMQ.
const (
	argQueueType          = "x-queue-type"
	argDeliveryLimit      = "x-delivery-limit"
	argDeadLetterExchange = "x-dead-letter-exchange"

	queueTypeQuorum = "quorum"
	exchangeKind    = amqp.ExchangeTopic
	deadLetterQueue = ".dlq"
)

// QueueTopology describes a subscriber's main queue and its dead-letter
// companion.
type QueueTopology struct {
	MainQueue          string
	DeadLetterQueue    string
	DeadLetterExchange string
	DeliveryLimit      int
	RequeueDelay       time.Duration
}

// NewQueueTopology derives the topology for queue. The dead-letter queue is
// always named after the main queue.
func NewQueueTopology(queue, deadLetterExchange string, deliveryLimit int, requeueDelay time.Duration) QueueTopology {
	return QueueTopology{
		MainQueue:          queue,
		DeadLetterQueue:    DeadLetterQueueName(queue),
		DeadLetterExchange: deadLetterExchange,
		DeliveryLimit:      deliveryLimit,
		RequeueDelay:       requeueDelay,
	}
}

// DeadLetterQueueName returns the dead-letter queue name for queue.
func DeadLetterQueueName(queue string) string {
	return queue + deadLetterQueue
}

// MainQueueArgs returns the quorum queue arguments of the main queue.
func (t QueueTopology) MainQueueArgs() amqp.Table {
	return amqp.Table{
		argQueueType:          queueTypeQuorum,
		argDeliveryLimit:      int32(t.DeliveryLimit),
		argDeadLetterExchange: t.DeadLetterExchange,
	}
}

// QueueStatus is the outcome of a passive queue lookup.
type QueueStatus int

const (
	// QueueMissing means the broker does not know the queue
	QueueMissing QueueStatus = iota
	// QueueAvailable means the queue exists and can be bound
	QueueAvailable
	// QueueUnavailable means the queue exists but its home node is down
	QueueUnavailable
)

func (s QueueStatus) String() string {
	switch s {
	case QueueMissing:
		return "missing"
	case QueueAvailable:
		return "available"
	case QueueUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Exists reports whether the queue is known to the broker.
func (s QueueStatus) Exists() bool {
	return s != QueueMissing
}

// inspectQueue passively declares name on a short-lived channel. A failed
// passive declare closes the channel it ran on, which is why the lookup never
// uses a cached channel.
func inspectQueue(conn Connection, name string) (QueueStatus, error) {
	ch, err := conn.Channel()
	if err != nil {
		return QueueMissing, &TopologyError{
			Component: "queue",
			Name:      name,
			Op:        "inspect",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	_, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
	switch {
	case err == nil:
		return QueueAvailable, nil
	case IsNodeDown(err):
		return QueueUnavailable, nil
	case IsNotFound(err):
		return QueueMissing, nil
	default:
		return QueueMissing, &TopologyError{
			Component: "queue",
			Name:      name,
			Op:        "inspect",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}

func declareTopicExchange(ch Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,
		exchangeKind,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func declareMainQueue(ch Channel, t QueueTopology) error {
	_, err := ch.QueueDeclare(
		t.MainQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		t.MainQueueArgs(),
	)
	if err != nil {
		return &TopologyError{Component: "queue", Name: t.MainQueue, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func declareDeadLetterQueue(ch Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// bindTopics binds queue to exchange once per topic. Rebinding an existing
// key is a no-op on the broker.
func bindTopics(ch Channel, queue, exchange string, topics []string) error {
	for _, topic := range topics {
		if err := ch.QueueBind(queue, topic, exchange, false, nil); err != nil {
			return &TopologyError{
				Component: "binding",
				Name:      queue + "<-" + exchange + ":" + topic,
				Op:        "bind",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}
	return nil
}
