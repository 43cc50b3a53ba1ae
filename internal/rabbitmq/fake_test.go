package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker hands out fakeConnections and counts dials.
type fakeBroker struct {
	mu       sync.Mutex
	dials    atomic.Int32
	dialErr  error
	conns    []*fakeConnection
	passive   func(name string) error
	onDialed  func(*fakeConnection)
	onConsume func(queue string)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{}
}

func (b *fakeBroker) dialer() Dialer {
	return func(ctx context.Context, id Identity) (Connection, error) {
		b.dials.Add(1)

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.dialErr != nil {
			return nil, b.dialErr
		}

		conn := &fakeConnection{broker: b}
		b.conns = append(b.conns, conn)
		if b.onDialed != nil {
			b.onDialed(conn)
		}
		return conn, nil
	}
}

func (b *fakeBroker) lastConnection() *fakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

type fakeConnection struct {
	broker   *fakeBroker
	mu       sync.Mutex
	closed   bool
	opened   atomic.Int32
	channels []*fakeChannel
	notify   []chan *amqp.Error
	chErr    error
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.opened.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chErr != nil {
		return nil, c.chErr
	}
	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := newFakeChannel()
	if c.broker != nil {
		ch.passive = c.broker.passive
		ch.onConsume = c.broker.onConsume
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown closes the connection and its channels, reporting err to every
// close listener. A nil err mimics an application close.
func (c *fakeConnection) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	listeners := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, l := range listeners {
		if err != nil {
			l <- err
		}
		close(l)
	}
}

func (c *fakeConnection) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

type ackCall struct {
	Tag     uint64
	Requeue bool
}

// fakeChannel records every call a publisher or subscriber makes.
type fakeChannel struct {
	mu        sync.Mutex
	closed    bool
	notify    []chan *amqp.Error
	exchanges []string
	queues    map[string]amqp.Table
	bindings  []string
	qos       [][3]any
	confirms  int
	published []amqp.Publishing
	acks      []uint64
	nacks     []ackCall
	cancelled []string
	consumers map[string]chan amqp.Delivery

	passive    func(name string) error
	declareErr error
	nackCh     chan ackCall
	confirm    func() Confirmation
	onConsume  func(queue string)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		queues:    make(map[string]amqp.Table),
		consumers: make(map[string]chan amqp.Delivery),
		nackCh:    make(chan ackCall, 100),
	}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, name+":"+kind)
	return c.declareErr
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return amqp.Queue{}, c.declareErr
	}
	c.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if c.passive != nil {
		if err := c.passive(name); err != nil {
			// The broker closes a channel after a failed passive declare.
			c.shutdown(nil)
			return amqp.Queue{}, err
		}
	}
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, exchange+"/"+key+"->"+name)
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qos = append(c.qos, [3]any{prefetchCount, prefetchSize, global})
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	deliveries := make(chan amqp.Delivery, 16)
	c.consumers[consumer] = deliveries
	onConsume := c.onConsume
	c.mu.Unlock()

	if onConsume != nil {
		onConsume(queue)
	}
	return deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.consumers[consumer]; ok {
		close(d)
		delete(c.consumers, consumer)
	}
	c.cancelled = append(c.cancelled, consumer)
	return nil
}

func (c *fakeChannel) Confirm(noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms++
	return nil
}

func (c *fakeChannel) PublishDeferred(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	c.published = append(c.published, msg)
	if c.confirm != nil {
		return c.confirm(), nil
	}
	return ackedConfirmation(true), nil
}

func (c *fakeChannel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, tag)
	return nil
}

func (c *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	c.mu.Lock()
	call := ackCall{Tag: tag, Requeue: requeue}
	c.nacks = append(c.nacks, call)
	c.mu.Unlock()
	c.nackCh <- call
	return nil
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *fakeChannel) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	listeners := c.notify
	c.notify = nil
	consumers := c.consumers
	c.consumers = make(map[string]chan amqp.Delivery)
	c.mu.Unlock()

	for _, d := range consumers {
		close(d)
	}
	for _, l := range listeners {
		if err != nil {
			l <- err
		}
		close(l)
	}
}

// deliver pushes a delivery to the consumer registered on queue.
func (c *fakeChannel) deliver(d amqp.Delivery) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, deliveries := range c.consumers {
		deliveries <- d
		return true
	}
	return false
}

func (c *fakeChannel) snapshotAcks() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.acks...)
}

func (c *fakeChannel) snapshotBindings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bindings...)
}

func (c *fakeChannel) snapshotPublished() []amqp.Publishing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]amqp.Publishing(nil), c.published...)
}

func (c *fakeChannel) snapshotCancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

func (c *fakeChannel) consumerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.consumers)
}

type ackedConfirmation bool

func (a ackedConfirmation) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

func (a ackedConfirmation) Acked() bool {
	return bool(a)
}

// pendingConfirmation never completes.
type pendingConfirmation struct{}

func (pendingConfirmation) Done() <-chan struct{} { return make(chan struct{}) }
func (pendingConfirmation) Acked() bool           { return false }

var errDialRefused = errors.New("dial tcp: connection refused")

func fakeCache(b *fakeBroker, opts ...CacheOption) *Cache {
	return NewCache(append([]CacheOption{WithDialer(b.dialer()), WithRebuildOnShutdown(false)}, opts...)...)
}

func testIdentity() Identity {
	return NewIdentity("rabbit.local", 0, false, "guest", "secret", "/")
}

// underlying returns the fake behind a cached channel.
func underlying(ch *CachedChannel) *fakeChannel {
	return ch.Channel.(*fakeChannel)
}
