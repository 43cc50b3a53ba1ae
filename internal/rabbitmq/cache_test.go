package rabbitmq

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	connected chan Identity
	shutdowns chan ShutdownEvent
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		connected: make(chan Identity, 10),
		shutdowns: make(chan ShutdownEvent, 10),
	}
}

func (l *recordingListener) OnConnected(id Identity) {
	l.connected <- id
}

func (l *recordingListener) OnShutdown(event ShutdownEvent) {
	l.shutdowns <- event
}

func TestCacheAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent acquires build one connection and one channel per type", func(t *testing.T) {
		broker := newFakeBroker()
		cache := fakeCache(broker)
		defer cache.Close()

		const callers = 50
		var wg sync.WaitGroup
		results := make([]*CachedChannel, callers*2)
		errs := make([]error, callers*2)

		for i := 0; i < callers; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = cache.Acquire(ctx, testIdentity(), PublisherChannel, "")
			}(i)
			go func(i int) {
				defer wg.Done()
				results[callers+i], errs[callers+i] = cache.Acquire(ctx, testIdentity(), SubscriberChannel, "")
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), broker.dials.Load())
		assert.Equal(t, 2, broker.lastConnection().channelCount())

		for i := 1; i < callers; i++ {
			assert.Same(t, results[0], results[i])
			assert.Same(t, results[callers], results[callers+i])
		}
		assert.NotEqual(t, results[0].ID, results[callers].ID)
		assert.Equal(t, PublisherChannel, results[0].Type)
		assert.Equal(t, SubscriberChannel, results[callers].Type)
	})

	t.Run("different identities get different connections", func(t *testing.T) {
		broker := newFakeBroker()
		cache := fakeCache(broker)
		defer cache.Close()

		_, err := cache.Acquire(ctx, testIdentity(), PublisherChannel, "")
		require.NoError(t, err)
		_, err = cache.Acquire(ctx, NewIdentity("rabbit.local", 0, false, "guest", "other", "/"), PublisherChannel, "")
		require.NoError(t, err)

		assert.Equal(t, int32(2), broker.dials.Load())
	})

	t.Run("scope gives a subscriber its own channel", func(t *testing.T) {
		broker := newFakeBroker()
		cache := fakeCache(broker)
		defer cache.Close()

		shared, err := cache.Acquire(ctx, testIdentity(), SubscriberChannel, "")
		require.NoError(t, err)
		scoped, err := cache.Acquire(ctx, testIdentity(), SubscriberChannel, "billing")
		require.NoError(t, err)

		assert.NotSame(t, shared, scoped)
		assert.Equal(t, "billing", scoped.Scope)
		assert.Equal(t, int32(1), broker.dials.Load())
	})

	t.Run("closed channel is replaced on the same connection", func(t *testing.T) {
		broker := newFakeBroker()
		cache := fakeCache(broker)
		defer cache.Close()

		first, err := cache.Acquire(ctx, testIdentity(), PublisherChannel, "")
		require.NoError(t, err)

		underlying(first).shutdown(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED"})
		assert.False(t, cache.IsOpen(testIdentity(), PublisherChannel, ""))

		second, err := cache.Acquire(ctx, testIdentity(), PublisherChannel, "")
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		assert.False(t, second.IsClosed())
		assert.Equal(t, int32(1), broker.dials.Load())
		assert.Equal(t, 2, broker.lastConnection().channelCount())
	})

	t.Run("closed connection is replaced together with its channels", func(t *testing.T) {
		broker := newFakeBroker()
		cache := fakeCache(broker)
		defer cache.Close()

		first, err := cache.Acquire(ctx, testIdentity(), SubscriberChannel, "")
		require.NoError(t, err)
		oldConn := broker.lastConnection()

		oldConn.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})

		second, err := cache.Acquire(ctx, testIdentity(), SubscriberChannel, "")
		require.NoError(t, err)

		assert.Equal(t, int32(2), broker.dials.Load())
		assert.NotSame(t, oldConn, broker.lastConnection())
		assert.NotEqual(t, first.ID, second.ID)
		assert.Equal(t, 1, broker.lastConnection().channelCount())
	})

	t.Run("dial failure is returned and the next call dials again", func(t *testing.T) {
		broker := newFakeBroker()
		broker.dialErr = errDialRefused
		cache := fakeCache(broker)
		defer cache.Close()

		_, err := cache.Acquire(ctx, testIdentity(), PublisherChannel, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, errDialRefused)

		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.NotContains(t, connErr.Error(), "secret")

		broker.mu.Lock()
		broker.dialErr = nil
		broker.mu.Unlock()

		_, err = cache.Acquire(ctx, testIdentity(), PublisherChannel, "")
		require.NoError(t, err)
		assert.Equal(t, int32(2), broker.dials.Load())
	})

	t.Run("cancelled first caller does not fail the callers waiting on its dial", func(t *testing.T) {
		var dials atomic.Int32
		started := make(chan struct{})
		release := make(chan struct{})
		dial := func(ctx context.Context, id Identity) (Connection, error) {
			if dials.Add(1) == 1 {
				close(started)
			}
			select {
			case <-release:
				return &fakeConnection{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		cache := NewCache(WithDialer(dial), WithRebuildOnShutdown(false))
		defer cache.Close()

		firstCtx, cancel := context.WithCancel(ctx)
		first := make(chan error, 1)
		go func() {
			_, err := cache.Acquire(firstCtx, testIdentity(), PublisherChannel, "")
			first <- err
		}()
		<-started

		second := make(chan error, 1)
		go func() {
			_, err := cache.Acquire(ctx, testIdentity(), PublisherChannel, "")
			second <- err
		}()

		cancel()
		time.Sleep(10 * time.Millisecond)
		close(release)

		require.NoError(t, <-second)
		require.NoError(t, <-first)
		assert.Equal(t, int32(1), dials.Load())
	})

	t.Run("channel failure is wrapped in a channel error", func(t *testing.T) {
		broker := newFakeBroker()
		broker.onDialed = func(c *fakeConnection) {
			c.chErr = ErrChannelCreationFailed
		}
		cache := fakeCache(broker)
		defer cache.Close()

		_, err := cache.Acquire(ctx, testIdentity(), PublisherChannel, "")

		var chErr *ChannelError
		require.ErrorAs(t, err, &chErr)
		assert.ErrorIs(t, err, ErrChannelCreationFailed)
	})
}

func TestCacheShutdownHandling(t *testing.T) {
	ctx := context.Background()

	t.Run("broker close notifies listeners and rebuilds", func(t *testing.T) {
		broker := newFakeBroker()
		cache := NewCache(WithDialer(broker.dialer()))
		defer cache.Close()

		listener := newRecordingListener()
		cache.AddStateListener(listener)

		_, err := cache.Acquire(ctx, testIdentity(), PublisherChannel, "")
		require.NoError(t, err)

		select {
		case id := <-listener.connected:
			assert.Equal(t, testIdentity().Key(), id.Key())
		case <-time.After(time.Second):
			t.Fatal("no connected notification")
		}

		broker.lastConnection().shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})

		select {
		case event := <-listener.shutdowns:
			assert.Equal(t, amqp.ConnectionForced, event.Code)
			assert.Equal(t, "CONNECTION_FORCED", event.Reason)
		case <-time.After(time.Second):
			t.Fatal("no shutdown notification")
		}

		assert.Eventually(t, func() bool {
			return cache.IsOpen(testIdentity(), PublisherChannel, "")
		}, time.Second, 10*time.Millisecond)
		assert.GreaterOrEqual(t, broker.dials.Load(), int32(2))
	})

	t.Run("application close does not notify listeners", func(t *testing.T) {
		broker := newFakeBroker()
		cache := NewCache(WithDialer(broker.dialer()))

		listener := newRecordingListener()
		cache.AddStateListener(listener)

		_, err := cache.Acquire(ctx, testIdentity(), PublisherChannel, "")
		require.NoError(t, err)
		require.NoError(t, cache.Close())

		select {
		case event := <-listener.shutdowns:
			t.Fatalf("unexpected shutdown event %+v", event)
		case <-time.After(50 * time.Millisecond):
		}
		assert.Equal(t, int32(1), broker.dials.Load())
	})

	t.Run("removed listener is not notified", func(t *testing.T) {
		broker := newFakeBroker()
		cache := fakeCache(broker)
		defer cache.Close()

		listener := newRecordingListener()
		cache.AddStateListener(listener)
		cache.RemoveStateListener(listener)

		_, err := cache.Acquire(ctx, testIdentity(), PublisherChannel, "")
		require.NoError(t, err)

		select {
		case <-listener.connected:
			t.Fatal("removed listener was notified")
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestCacheClose(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	cache := fakeCache(broker)

	ch, err := cache.Acquire(ctx, testIdentity(), SubscriberChannel, "")
	require.NoError(t, err)
	conn := broker.lastConnection()

	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close())

	assert.True(t, ch.IsClosed())
	assert.True(t, conn.IsClosed())

	_, err = cache.Acquire(ctx, testIdentity(), SubscriberChannel, "")
	assert.ErrorIs(t, err, ErrCacheClosed)

	_, err = cache.Connection(ctx, testIdentity())
	assert.ErrorIs(t, err, ErrCacheClosed)
}
