package rabbitmq

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of *amqp.Connection the cache relies on.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel used by publishers and subscribers.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Confirm(noWait bool) error
	// PublishDeferred publishes msg and returns its pending confirmation, or
	// nil when the channel is not in confirm mode.
	PublishDeferred(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Confirmation is a publisher confirm that may not have arrived yet.
type Confirmation interface {
	Done() <-chan struct{}
	Acked() bool
}

// Dialer opens a connection for an identity.
type Dialer func(ctx context.Context, id Identity) (Connection, error)

// DialOptions tunes the default dialer.
type DialOptions struct {
	Heartbeat      time.Duration
	ConnectionName string
	TLSConfig      *tls.Config
	Timeout        time.Duration
}

// NewDialer returns a Dialer backed by amqp.DialConfig.
func NewDialer(opts DialOptions) Dialer {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return func(ctx context.Context, id Identity) (Connection, error) {
		cfg := amqp.Config{
			Vhost:      id.VirtualHost,
			Heartbeat:  opts.Heartbeat,
			Properties: amqp.NewConnectionProperties(),
		}
		if opts.ConnectionName != "" {
			cfg.Properties.SetClientConnectionName(opts.ConnectionName)
		}
		if id.UseTLS {
			cfg.TLSClientConfig = opts.TLSConfig
			if cfg.TLSClientConfig == nil {
				cfg.TLSClientConfig = &tls.Config{ServerName: id.Host, MinVersion: tls.VersionTLS12}
			}
		}

		connCh := make(chan *amqp.Connection, 1)
		errCh := make(chan error, 1)
		go func() {
			conn, err := amqp.DialConfig(id.URL(), cfg)
			if err != nil {
				errCh <- err
				return
			}
			connCh <- conn
		}()

		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()

		select {
		case conn := <-connCh:
			return &amqpConnection{Connection: conn}, nil
		case err := <-errCh:
			return nil, err
		case <-timer.C:
			go closeLate(connCh)
			return nil, ErrConnectionTimeout
		case <-ctx.Done():
			go closeLate(connCh)
			return nil, ctx.Err()
		}
	}
}

// closeLate closes a connection that finished dialling after its caller gave up.
func closeLate(connCh <-chan *amqp.Connection) {
	select {
	case conn := <-connCh:
		_ = conn.Close()
	case <-time.After(time.Minute):
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelCreationFailed, err)
	}
	return &amqpChannel{Channel: ch}, nil
}

type amqpChannel struct {
	*amqp.Channel
}

func (c *amqpChannel) PublishDeferred(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, nil
	}
	return dc, nil
}
