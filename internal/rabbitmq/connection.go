package rabbitmq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-broker/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// rebuildTimeout bounds a rebuild triggered by a shutdown notification.
const rebuildTimeout = 30 * time.Second

// lazyConnection is a cache entry that dials at most once. Handles that lose
// the LoadOrStore race are dropped without ever dialling.
type lazyConnection struct {
	id    Identity
	key   string
	once  sync.Once
	ready atomic.Bool
	conn  Connection
	err   error
}

func (l *lazyConnection) materialized() bool {
	return l.ready.Load()
}

// get dials on first use. Every caller waits on the same dial, so it runs
// detached from the first caller's cancellation and is bounded by the
// dialer's own timeout.
func (l *lazyConnection) get(ctx context.Context, c *Cache) (Connection, error) {
	l.once.Do(func() {
		l.conn, l.err = c.dialConnection(context.WithoutCancel(ctx), l)
		if l.err == nil {
			l.ready.Store(true)
		}
	})
	return l.conn, l.err
}

// connection returns the open connection for id, replacing a closed entry.
func (c *Cache) connection(ctx context.Context, id Identity) (Connection, *lazyConnection, error) {
	key := id.Key()

	for attempt := 0; attempt < maxStaleReplacements; attempt++ {
		if c.closed.Load() {
			return nil, nil, ErrCacheClosed
		}

		v, ok := c.conns.Load(key)
		if !ok {
			v, _ = c.conns.LoadOrStore(key, &lazyConnection{id: id, key: key})
		}
		lz := v.(*lazyConnection)

		conn, err := lz.get(ctx, c)
		if err != nil {
			c.conns.CompareAndDelete(key, lz)
			return nil, nil, &ConnectionError{
				Op:        "connect",
				Endpoint:  id.String(),
				Err:       err,
				Timestamp: time.Now(),
			}
		}

		if !conn.IsClosed() {
			return conn, lz, nil
		}

		if c.conns.CompareAndSwap(key, lz, &lazyConnection{id: id, key: key}) {
			c.evictChannels(key)
			c.logger.Info("replacing closed connection", "identity", id)
		}
	}

	return nil, nil, &ConnectionError{
		Op:        "connect",
		Endpoint:  id.String(),
		Err:       ErrConnectionClosed,
		Timestamp: time.Now(),
	}
}

func (c *Cache) dialConnection(ctx context.Context, l *lazyConnection) (Connection, error) {
	conn, err := c.dial(ctx, l.id)
	if err != nil {
		c.logger.Error("failed to connect to RabbitMQ", "identity", l.id, "error", err)
		return nil, err
	}

	if c.closed.Load() {
		_ = conn.Close()
		return nil, ErrCacheClosed
	}

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.watchConnection(l, notifyClose)

	metrics.ConnectionsCreated.Inc()
	c.logger.Info("connected to RabbitMQ", "identity", l.id)
	c.notifyConnected(l.id)

	return conn, nil
}

// watchConnection evicts the entry when the connection closes and, for
// broker-initiated closes, rebuilds it.
func (c *Cache) watchConnection(l *lazyConnection, notifyClose <-chan *amqp.Error) {
	err, ok := <-notifyClose
	if !ok || IsApplicationClose(err) {
		c.logger.Debug("connection closed by application", "identity", l.id)
		c.evictConnection(l)
		return
	}

	c.logger.Error("connection closed by broker",
		"identity", l.id,
		"code", err.Code,
		"reason", err.Reason,
	)
	metrics.Shutdowns.WithLabelValues("connection").Inc()

	c.evictConnection(l)
	c.notifyShutdown(newShutdownEvent(l.id, "connection", err))

	if c.rebuild && !c.closed.Load() {
		c.rebuildConnection(l.id)
	}
}

func (c *Cache) rebuildConnection(id Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
	defer cancel()

	if _, _, err := c.connection(ctx, id); err != nil {
		c.logger.Warn("connection rebuild failed, next acquire will retry",
			"identity", id, "error", err)
	}
}

// evictConnection removes l and every channel of its key, unless the entry
// was already replaced.
func (c *Cache) evictConnection(l *lazyConnection) {
	if c.conns.CompareAndDelete(l.key, l) {
		c.evictChannels(l.key)
	}
}

func (c *Cache) evictChannels(connKey string) {
	c.channels.Range(func(k, v any) bool {
		if k.(channelKey).conn == connKey {
			c.channels.CompareAndDelete(k, v)
		}
		return true
	})
}
