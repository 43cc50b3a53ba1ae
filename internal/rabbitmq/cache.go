package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// maxStaleReplacements bounds how often one Acquire call replaces an entry
// that turned out closed right after materializing.
const maxStaleReplacements = 3

// ChannelType separates publisher and subscriber channels that share a
// connection.
type ChannelType int

const (
	// PublisherChannel is used for exchange declaration and publishing
	PublisherChannel ChannelType = iota
	// SubscriberChannel is used for topology, consumption and settlement
	SubscriberChannel
)

func (t ChannelType) String() string {
	switch t {
	case PublisherChannel:
		return "publisher"
	case SubscriberChannel:
		return "subscriber"
	default:
		return "unknown"
	}
}

// ShutdownEvent describes a connection or channel closed by the broker or
// the network.
type ShutdownEvent struct {
	Identity    Identity
	Resource    string // "connection" or "channel"
	ChannelType ChannelType
	Scope       string
	ChannelID   string
	Code        int
	Reason      string
	Timestamp   time.Time
}

func newShutdownEvent(id Identity, resource string, err *amqp.Error) ShutdownEvent {
	ev := ShutdownEvent{
		Identity:  id,
		Resource:  resource,
		Timestamp: time.Now(),
	}
	if err != nil {
		ev.Code = err.Code
		ev.Reason = err.Reason
	}
	return ev
}

// StateListener receives cache state change notifications
type StateListener interface {
	OnConnected(id Identity)
	OnShutdown(event ShutdownEvent)
}

type channelKey struct {
	conn  string
	typ   ChannelType
	scope string
}

// Cache owns every broker connection and channel used by publishers and
// subscribers. Entries are keyed by identity and created lazily; concurrent
// callers asking for the same key converge on one materialized resource.
type Cache struct {
	dial     Dialer
	logger   *slog.Logger
	rebuild  bool
	conns    sync.Map // identity key -> *lazyConnection
	channels sync.Map // channelKey -> *lazyChannel
	closed   atomic.Bool

	listeners   []StateListener
	listenersMu sync.RWMutex
}

// CacheOption configures the Cache
type CacheOption func(*Cache)

// WithCacheLogger sets the logger
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) CacheOption {
	return func(c *Cache) {
		c.dial = dial
	}
}

// WithRebuildOnShutdown controls whether broker-initiated shutdowns trigger
// an immediate rebuild of the evicted entry. Enabled by default.
func WithRebuildOnShutdown(enabled bool) CacheOption {
	return func(c *Cache) {
		c.rebuild = enabled
	}
}

// NewCache creates an empty connection cache
func NewCache(options ...CacheOption) *Cache {
	c := &Cache{
		dial:    NewDialer(DialOptions{}),
		logger:  slog.Default(),
		rebuild: true,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Acquire returns the live channel cached for id, type and scope, creating
// the connection and channel if needed. The caller borrows the channel and
// must not close it.
func (c *Cache) Acquire(ctx context.Context, id Identity, typ ChannelType, scope string) (*CachedChannel, error) {
	key := channelKey{conn: id.Key(), typ: typ, scope: scope}

	if ch, ok := c.lookup(key); ok {
		return ch, nil
	}

	for attempt := 0; attempt < maxStaleReplacements; attempt++ {
		conn, owner, err := c.connection(ctx, id)
		if err != nil {
			return nil, err
		}

		fresh := &lazyChannel{key: key, id: id, owner: owner}
		v, _ := c.channels.LoadOrStore(key, fresh)
		lc := v.(*lazyChannel)

		if lc.owner != owner {
			// Left over from a replaced connection.
			c.channels.CompareAndSwap(key, lc, fresh)
			continue
		}

		ch, err := lc.get(c, conn)
		if err != nil {
			c.channels.CompareAndDelete(key, lc)
			return nil, &ChannelError{
				Op:        "create channel",
				ChannelID: key.String(),
				Err:       err,
				Timestamp: time.Now(),
			}
		}

		if ch.IsClosed() {
			c.channels.CompareAndDelete(key, lc)
			continue
		}
		return ch, nil
	}

	return nil, &ChannelError{
		Op:        "acquire",
		ChannelID: key.String(),
		Err:       ErrChannelClosed,
		Timestamp: time.Now(),
	}
}

// Connection returns the live connection cached for id. It is used for
// short-lived channels that must not disturb the cached ones, such as
// passive queue lookups.
func (c *Cache) Connection(ctx context.Context, id Identity) (Connection, error) {
	conn, _, err := c.connection(ctx, id)
	return conn, err
}

// lookup implements the liveness check: a missing or unmaterialized entry is
// not open; a closed connection evicts both entries; a closed channel evicts
// only itself.
func (c *Cache) lookup(key channelKey) (*CachedChannel, bool) {
	cv, okCh := c.channels.Load(key)
	nv, okConn := c.conns.Load(key.conn)
	if !okCh || !okConn {
		return nil, false
	}

	lc := cv.(*lazyChannel)
	ln := nv.(*lazyConnection)
	if !lc.materialized() || !ln.materialized() {
		return nil, false
	}

	if ln.conn.IsClosed() {
		c.evictConnection(ln)
		return nil, false
	}

	if lc.ch.IsClosed() || lc.owner != ln {
		c.channels.CompareAndDelete(key, lc)
		return nil, false
	}

	return lc.ch, true
}

// IsOpen reports whether a live channel is cached for the key.
func (c *Cache) IsOpen(id Identity, typ ChannelType, scope string) bool {
	_, ok := c.lookup(channelKey{conn: id.Key(), typ: typ, scope: scope})
	return ok
}

// Close closes every cached channel and connection. Subsequent calls to
// Acquire fail with ErrCacheClosed.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	c.channels.Range(func(k, v any) bool {
		lc := v.(*lazyChannel)
		if lc.materialized() && !lc.ch.IsClosed() {
			if err := lc.ch.Channel.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.channels.Delete(k)
		return true
	})

	c.conns.Range(func(k, v any) bool {
		ln := v.(*lazyConnection)
		if ln.materialized() && !ln.conn.IsClosed() {
			if err := ln.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.conns.Delete(k)
		return true
	})

	c.logger.Info("connection cache closed")
	return errors.Join(errs...)
}

// AddStateListener adds a state listener
func (c *Cache) AddStateListener(listener StateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// RemoveStateListener removes a state listener
func (c *Cache) RemoveStateListener(listener StateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	for i, l := range c.listeners {
		if l == listener {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			break
		}
	}
}

func (c *Cache) notifyConnected(id Identity) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.listeners {
		go listener.OnConnected(id)
	}
}

func (c *Cache) notifyShutdown(event ShutdownEvent) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.listeners {
		go listener.OnShutdown(event)
	}
}

func (k channelKey) String() string {
	if k.scope == "" {
		return k.typ.String()
	}
	return k.typ.String() + "/" + k.scope
}
