package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/glimte/mmate-broker/contracts"
	"github.com/glimte/mmate-broker/internal/metrics"
	"github.com/glimte/mmate-broker/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SubscriberState is the lifecycle state of a Subscriber.
type SubscriberState int

const (
	StateDisconnected SubscriberState = iota
	StateConnecting
	StateReady
	StateConsuming
)

func (s SubscriberState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateConsuming:
		return "consuming"
	default:
		return "unknown"
	}
}

// ConnectionErrorHandler is told when the subscriber's channel was shut down
// by the broker or the network. Consumers are not restarted automatically.
type ConnectionErrorHandler func(event ShutdownEvent)

// SubscriberSettings are the validated settings of one subscriber.
type SubscriberSettings struct {
	Exchange           string
	DeadLetterExchange string
	DeliveryLimit      int
	RequeueDelay       time.Duration
	// ConsumerName gives the subscriber its own channel. Subscribers with
	// an empty name share one channel per identity.
	ConsumerName string
}

// Subscriber consumes from quorum queues bound to a topic exchange. Handlers
// own the outcome of each delivery and settle it through Acknowledge,
// Reject or RequeueWithDelay.
type Subscriber struct {
	cache    *Cache
	identity Identity
	settings SubscriberSettings
	logger   *slog.Logger
	tracer   trace.Tracer
	retry    reliability.RetryPolicy
	onError  ConnectionErrorHandler

	// ctx is handed to message handlers and cancelled by Close.
	ctx     context.Context
	cancel  context.CancelFunc
	closing chan struct{}

	connectMu sync.Mutex
	mu        sync.Mutex
	state     SubscriberState
	channel   *CachedChannel
	consumers map[string]*consumer
	closed    bool

	inflight sync.Map // inflightKey -> queue name
	dispatch sync.WaitGroup
	requeues sync.WaitGroup
}

// inflightKey identifies an unsettled delivery. Tags restart at 1 on every
// channel, so the channel id is part of the key.
type inflightKey struct {
	channel string
	tag     uint64
}

type consumer struct {
	queue   string
	tag     string
	channel *CachedChannel
	handler contracts.MessageHandler
}

// SubscriberOption configures the subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithConnectRetry replaces the connect retry policy. The default retries
// every second until the context is cancelled.
func WithConnectRetry(policy reliability.RetryPolicy) SubscriberOption {
	return func(s *Subscriber) {
		s.retry = policy
	}
}

// WithConnectionErrorHandler sets the upstream shutdown notification
func WithConnectionErrorHandler(handler ConnectionErrorHandler) SubscriberOption {
	return func(s *Subscriber) {
		s.onError = handler
	}
}

// NewSubscriber creates a subscriber. No broker I/O happens until the first
// Subscribe.
func NewSubscriber(cache *Cache, identity Identity, settings SubscriberSettings, options ...SubscriberOption) (*Subscriber, error) {
	if cache == nil || settings.Exchange == "" || settings.DeadLetterExchange == "" {
		return nil, ErrInvalidConfiguration
	}
	if settings.DeliveryLimit < 0 || settings.RequeueDelay < 0 {
		return nil, fmt.Errorf("%w: delivery limit and requeue delay must not be negative", ErrInvalidConfiguration)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		cache:     cache,
		identity:  identity,
		settings:  settings,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		retry:     reliability.NewFixedDelay(time.Second, reliability.Unlimited),
		ctx:       ctx,
		cancel:    cancel,
		closing:   make(chan struct{}),
		consumers: make(map[string]*consumer),
	}

	for _, opt := range options {
		opt(s)
	}

	s.logger = s.logger.With("component", "subscriber", "exchange", settings.Exchange)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Subscriber) State() SubscriberState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) setState(state SubscriberState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.state = state
	}
}

// Subscribe provisions queue and its dead-letter queue, binds every topic
// and starts consuming. prefetch bounds the consumer's unacknowledged
// deliveries; 0 means unlimited.
func (s *Subscriber) Subscribe(ctx context.Context, topics []string, queue string, handler contracts.MessageHandler, prefetch int) error {
	if handler == nil || queue == "" || prefetch < 0 {
		return fmt.Errorf("%w: queue, handler and a non-negative prefetch are required", ErrInvalidConfiguration)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSubscriberClosed
	}

	ch, err := s.ready(ctx)
	if err != nil {
		return err
	}

	topology := NewQueueTopology(queue, s.settings.DeadLetterExchange, s.settings.DeliveryLimit, s.settings.RequeueDelay)
	logger := s.logger.With("queue", queue)

	if err := declareMainQueue(ch, topology); err != nil {
		return err
	}

	status, err := s.InspectQueue(ctx, topology.DeadLetterQueue)
	if err != nil {
		return err
	}

	switch status {
	case QueueMissing:
		if err := declareDeadLetterQueue(ch, topology.DeadLetterQueue); err != nil {
			return err
		}
	case QueueUnavailable:
		logger.Warn("dead-letter queue exists but its node is unreachable, skipping binding",
			"dead_letter_queue", topology.DeadLetterQueue)
	}

	if err := bindTopics(ch, queue, s.settings.Exchange, topics); err != nil {
		return err
	}
	if status != QueueUnavailable {
		if err := bindTopics(ch, topology.DeadLetterQueue, topology.DeadLetterExchange, topics); err != nil {
			return err
		}
	}

	s.mu.Lock()
	existing, ok := s.consumers[queue]
	s.mu.Unlock()
	if ok && existing.channel.ID == ch.ID && !ch.IsClosed() {
		logger.Debug("queue already consumed, bindings updated", "topics", topics)
		return nil
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return &ConsumerError{Queue: queue, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	c := &consumer{
		queue:   queue,
		tag:     queue + "-" + uuid.New().String(),
		channel: ch,
		handler: handler,
	}

	deliveries, err := ch.Consume(
		queue,
		c.tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: c.tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if err := ch.Cancel(c.tag, false); err != nil {
			logger.Warn("failed to cancel consumer after close", "consumer_tag", c.tag, "error", err)
		}
		return ErrSubscriberClosed
	}
	s.consumers[queue] = c
	s.state = StateConsuming
	s.dispatch.Add(1)
	s.mu.Unlock()

	go s.consume(c, deliveries)

	logger.Info("subscribed",
		"topics", topics,
		"consumer_tag", c.tag,
		"prefetch", prefetch,
		"dead_letter_queue", topology.DeadLetterQueue,
		"dead_letter_status", status.String(),
	)
	return nil
}

// ready returns the channel the subscriber is set up on, connecting first
// when there is none or it has closed.
func (s *Subscriber) ready(ctx context.Context) (*CachedChannel, error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch != nil && !ch.IsClosed() {
		return ch, nil
	}

	s.setState(StateConnecting)

	err := reliability.RetryNotify(ctx, s.retry, func() error {
		acquired, err := s.cache.Acquire(ctx, s.identity, SubscriberChannel, s.settings.ConsumerName)
		if err != nil {
			if errors.Is(err, ErrCacheClosed) {
				return reliability.Permanent(err)
			}
			return err
		}
		if err := s.setup(acquired); err != nil {
			return err
		}
		ch = acquired
		return nil
	}, func(attempt int, err error, next time.Duration) {
		s.logger.Warn("subscriber connection attempt failed",
			"attempt", attempt,
			"retry_in", next,
			"error", err,
		)
	})
	if err != nil {
		s.setState(StateDisconnected)
		return nil, err
	}

	s.mu.Lock()
	s.channel = ch
	if !s.closed {
		s.state = StateReady
	}
	s.mu.Unlock()

	s.logger.Info("subscriber ready", "channel_id", ch.ID)
	return ch, nil
}

// setup declares both exchanges, limits each consumer to one unacknowledged
// delivery until Subscribe sets its prefetch and starts watching for
// shutdown. Quorum queues refuse consumers on a channel with global QoS.
func (s *Subscriber) setup(ch *CachedChannel) error {
	if err := declareTopicExchange(ch, s.settings.Exchange); err != nil {
		return err
	}
	if err := declareTopicExchange(ch, s.settings.DeadLetterExchange); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return &ChannelError{Op: "qos", ChannelID: ch.ID, Err: err, Timestamp: time.Now()}
	}

	go s.watch(ch, ch.NotifyClose(make(chan *amqp.Error, 1)))
	return nil
}

func (s *Subscriber) watch(ch *CachedChannel, notifyClose <-chan *amqp.Error) {
	err, ok := <-notifyClose

	s.mu.Lock()
	current := s.channel == ch
	if current {
		s.channel = nil
		if !s.closed {
			if ok && err != nil {
				s.state = StateConnecting
			} else {
				s.state = StateDisconnected
			}
		}
	}
	s.mu.Unlock()
	s.forget(ch.ID)

	if !ok || IsApplicationClose(err) {
		s.logger.Debug("subscriber channel closed by application", "channel_id", ch.ID)
		return
	}

	s.logger.Error("subscriber channel shut down",
		"channel_id", ch.ID,
		"code", err.Code,
		"reason", err.Reason,
	)

	if current && s.onError != nil {
		event := newShutdownEvent(s.identity, "channel", err)
		event.ChannelType = SubscriberChannel
		event.Scope = s.settings.ConsumerName
		event.ChannelID = ch.ID
		s.onError(event)
	}
}

func (s *Subscriber) consume(c *consumer, deliveries <-chan amqp.Delivery) {
	defer s.dispatch.Done()

	for d := range deliveries {
		s.handleDelivery(c, d)
	}

	s.mu.Lock()
	if s.consumers[c.queue] == c {
		delete(s.consumers, c.queue)
	}
	s.mu.Unlock()

	s.logger.Debug("consumer stopped", "queue", c.queue, "consumer_tag", c.tag)
}

func (s *Subscriber) handleDelivery(c *consumer, d amqp.Delivery) {
	receivedAt := time.Now()

	ctx, span := s.tracer.Start(s.ctx, c.queue+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", c.queue),
			attribute.String("messaging.message.id", d.MessageId),
			attribute.String("messaging.message.conversation_id", d.CorrelationId),
			attribute.String("messaging.rabbitmq.destination.routing_key", d.RoutingKey),
		),
	)
	defer span.End()

	logger := s.logger.With(
		"queue", c.queue,
		"message_id", d.MessageId,
		"application_id", d.AppId,
		"correlation_id", d.CorrelationId,
		"received_at", receivedAt,
	)
	metrics.DeliveriesTotal.WithLabelValues(c.queue, metrics.OutcomeReceived).Inc()

	env, err := fromDelivery(d, c.channel.ID)
	if err != nil {
		logger.Warn("rejecting malformed delivery", "error", err)
		span.SetStatus(codes.Error, err.Error())
		metrics.DeliveriesTotal.WithLabelValues(c.queue, metrics.OutcomePoison).Inc()
		if err := c.channel.Nack(d.DeliveryTag, false, false); err != nil {
			logger.Error("failed to reject malformed delivery", "error", err)
		}
		return
	}

	s.inflight.Store(inflightKey{channel: c.channel.ID, tag: d.DeliveryTag}, c.queue)

	if err := s.invoke(ctx, c.handler, env); err != nil {
		logger.Error("message handler failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// invoke runs the handler, turning a panic into an error.
func (s *Subscriber) invoke(ctx context.Context, handler contracts.MessageHandler, env *contracts.MessageEnvelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, env)
}

// Acknowledge acks exactly the delivery carried by env.
func (s *Subscriber) Acknowledge(ctx context.Context, env *contracts.MessageEnvelope) error {
	ch, tag, err := s.deliveryChannel(env)
	if err != nil {
		return err
	}

	if err := ch.Ack(tag, false); err != nil {
		return &ConsumerError{Op: "ack", Err: err, Timestamp: time.Now()}
	}

	elapsed := env.Age(time.Now())
	metrics.DeliveriesTotal.WithLabelValues(s.settle(ch.ID, tag), metrics.OutcomeAcked).Inc()
	metrics.ProcessingDuration.Observe(elapsed.Seconds())

	s.logger.Debug("message acknowledged",
		"message_id", env.MessageID,
		"correlation_id", env.CorrelationID,
		"processing_time", elapsed,
	)
	return nil
}

// Reject nacks the delivery carried by env. With requeue false the broker
// dead-letters it.
func (s *Subscriber) Reject(ctx context.Context, env *contracts.MessageEnvelope, requeue bool) error {
	ch, tag, err := s.deliveryChannel(env)
	if err != nil {
		return err
	}

	if err := ch.Nack(tag, false, requeue); err != nil {
		return &ConsumerError{Op: "nack", Err: err, Timestamp: time.Now()}
	}

	outcome := metrics.OutcomeRejected
	if requeue {
		outcome = metrics.OutcomeRequeued
	}
	metrics.DeliveriesTotal.WithLabelValues(s.settle(ch.ID, tag), outcome).Inc()

	s.logger.Debug("message rejected", "message_id", env.MessageID, "requeue", requeue)
	return nil
}

// RequeueWithDelay returns the delivery to its queue after the configured
// requeue delay. It returns once the delivery is validated; the nack happens
// in the background and is issued early if ctx is cancelled or the
// subscriber closes.
func (s *Subscriber) RequeueWithDelay(ctx context.Context, env *contracts.MessageEnvelope) error {
	ch, tag, err := s.deliveryChannel(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.nackRequeue(ch, tag, env.MessageID)
	}
	s.requeues.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.requeues.Done()

		timer := time.NewTimer(s.settings.RequeueDelay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			s.logger.Warn("requeue delay interrupted, requeueing now",
				"message_id", env.MessageID, "error", ctx.Err())
		case <-s.closing:
		}

		if err := s.nackRequeue(ch, tag, env.MessageID); err != nil {
			s.logger.Error("failed to requeue message", "message_id", env.MessageID, "error", err)
		}
	}()

	return nil
}

func (s *Subscriber) nackRequeue(ch *CachedChannel, tag uint64, messageID string) error {
	if err := ch.Nack(tag, false, true); err != nil {
		return &ConsumerError{Op: "requeue", Err: err, Timestamp: time.Now()}
	}
	metrics.DeliveriesTotal.WithLabelValues(s.settle(ch.ID, tag), metrics.OutcomeRequeued).Inc()
	s.logger.Debug("message requeued", "message_id", messageID, "delay", s.settings.RequeueDelay)
	return nil
}

// deliveryChannel resolves the channel env was delivered on. Delivery tags
// are only meaningful on that channel, so envelopes from a replaced channel
// are refused.
func (s *Subscriber) deliveryChannel(env *contracts.MessageEnvelope) (*CachedChannel, uint64, error) {
	if env == nil {
		return nil, 0, ErrInvalidDeliveryTag
	}

	tag, err := parseDeliveryTag(env)
	if err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()

	if ch == nil || ch.ID != env.ChannelID {
		return nil, 0, fmt.Errorf("%w: message %s", ErrStaleDelivery, env.MessageID)
	}
	return ch, tag, nil
}

func (s *Subscriber) settle(channelID string, tag uint64) string {
	if queue, ok := s.inflight.LoadAndDelete(inflightKey{channel: channelID, tag: tag}); ok {
		return queue.(string)
	}
	return "unknown"
}

// forget drops the unsettled deliveries of a closed channel. The broker
// redelivers them on another channel with new tags.
func (s *Subscriber) forget(channelID string) {
	s.inflight.Range(func(k, _ any) bool {
		if k.(inflightKey).channel == channelID {
			s.inflight.Delete(k)
		}
		return true
	})
}

// Unsubscribe cancels the consumer of queue. Bindings and queues are kept.
func (s *Subscriber) Unsubscribe(queue string) error {
	s.mu.Lock()
	c, ok := s.consumers[queue]
	if ok {
		delete(s.consumers, queue)
	}
	if len(s.consumers) == 0 && s.state == StateConsuming {
		s.state = StateReady
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	if c.channel.IsClosed() {
		return nil
	}
	if err := c.channel.Cancel(c.tag, false); err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: c.tag, Op: "cancel", Err: err, Timestamp: time.Now()}
	}

	s.logger.Info("unsubscribed", "queue", queue, "consumer_tag", c.tag)
	return nil
}

// InspectQueue reports whether name exists and is reachable, using a
// short-lived channel on the subscriber's connection.
func (s *Subscriber) InspectQueue(ctx context.Context, name string) (QueueStatus, error) {
	conn, err := s.cache.Connection(ctx, s.identity)
	if err != nil {
		return QueueMissing, err
	}
	return inspectQueue(conn, name)
}

// Close flushes pending delayed requeues, cancels every consumer and waits
// for in-flight handlers. The shared channel stays open; it belongs to the
// cache.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	consumers := make([]*consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.consumers = make(map[string]*consumer)
	s.mu.Unlock()

	s.requeues.Wait()

	var errs []error
	for _, c := range consumers {
		if c.channel.IsClosed() {
			continue
		}
		if err := c.channel.Cancel(c.tag, false); err != nil {
			errs = append(errs, &ConsumerError{Queue: c.queue, ConsumerTag: c.tag, Op: "cancel", Err: err, Timestamp: time.Now()})
		}
	}

	s.cancel()
	s.dispatch.Wait()

	s.mu.Lock()
	s.state = StateDisconnected
	s.channel = nil
	s.mu.Unlock()

	s.logger.Info("subscriber closed")
	return errors.Join(errs...)
}
