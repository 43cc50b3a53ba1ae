package rabbitmq

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-broker/internal/metrics"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// CachedChannel is a channel owned by the cache. Borrowers must not close it.
type CachedChannel struct {
	Channel
	ID    string
	Type  ChannelType
	Scope string
}

// lazyChannel is the channel counterpart of lazyConnection. owner is the
// connection handle the channel was opened on; a channel is never reused
// once its owner has been replaced.
type lazyChannel struct {
	key   channelKey
	id    Identity
	owner *lazyConnection
	once  sync.Once
	ready atomic.Bool
	ch    *CachedChannel
	err   error
}

func (l *lazyChannel) materialized() bool {
	return l.ready.Load()
}

func (l *lazyChannel) get(c *Cache, conn Connection) (*CachedChannel, error) {
	l.once.Do(func() {
		l.ch, l.err = c.openChannel(l, conn)
		if l.err == nil {
			l.ready.Store(true)
		}
	})
	return l.ch, l.err
}

func (c *Cache) openChannel(l *lazyChannel, conn Connection) (*CachedChannel, error) {
	ch, err := conn.Channel()
	if err != nil {
		c.logger.Error("failed to open channel",
			"identity", l.id,
			"type", l.key.typ.String(),
			"error", err,
		)
		return nil, err
	}

	if c.closed.Load() {
		_ = ch.Close()
		return nil, ErrCacheClosed
	}

	cached := &CachedChannel{
		Channel: ch,
		ID:      uuid.New().String(),
		Type:    l.key.typ,
		Scope:   l.key.scope,
	}

	notifyClose := ch.NotifyClose(make(chan *amqp.Error, 1))
	go c.watchChannel(l, cached, notifyClose)

	metrics.ChannelsCreated.WithLabelValues(l.key.typ.String()).Inc()
	c.logger.Debug("channel opened",
		"identity", l.id,
		"type", l.key.typ.String(),
		"scope", l.key.scope,
		"channel_id", cached.ID,
	)

	return cached, nil
}

// watchChannel evicts the channel entry on close and, for broker-initiated
// closes, opens a replacement through Acquire.
func (c *Cache) watchChannel(l *lazyChannel, ch *CachedChannel, notifyClose <-chan *amqp.Error) {
	err, ok := <-notifyClose
	if !ok || IsApplicationClose(err) {
		c.logger.Debug("channel closed by application",
			"type", l.key.typ.String(), "channel_id", ch.ID)
		c.channels.CompareAndDelete(l.key, l)
		return
	}

	c.logger.Warn("channel closed by broker",
		"identity", l.id,
		"type", l.key.typ.String(),
		"channel_id", ch.ID,
		"code", err.Code,
		"reason", err.Reason,
	)
	metrics.Shutdowns.WithLabelValues("channel").Inc()

	c.channels.CompareAndDelete(l.key, l)

	event := newShutdownEvent(l.id, "channel", err)
	event.ChannelType = l.key.typ
	event.Scope = l.key.scope
	event.ChannelID = ch.ID
	c.notifyShutdown(event)

	if c.rebuild && !c.closed.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
		defer cancel()

		if _, err := c.Acquire(ctx, l.id, l.key.typ, l.key.scope); err != nil {
			c.logger.Warn("channel rebuild failed, next acquire will retry",
				"identity", l.id, "type", l.key.typ.String(), "error", err)
		}
	}
}
