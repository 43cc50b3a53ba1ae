// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-broker/config"
	"github.com/glimte/mmate-broker/internal/rabbitmq"
)

func init() {
	Register(config.DefaultImplementation, newRabbitMQ)
}

// rabbitMQ is the built-in implementation. All of its publishers and
// subscribers share one connection cache.
type rabbitMQ struct {
	cache    *rabbitmq.Cache
	logger   *slog.Logger
	onError  ConnectionErrorHandler
	dialOpts sync.Map // identity key -> rabbitmq.DialOptions
}

func newRabbitMQ(opts Options) (Implementation, error) {
	r := &rabbitMQ{
		logger:  opts.Logger,
		onError: opts.ConnectionErrorHandler,
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = r.dial
	}

	r.cache = rabbitmq.NewCache(
		rabbitmq.WithDialer(dialer),
		rabbitmq.WithCacheLogger(opts.Logger),
	)
	return r, nil
}

// dial uses the heartbeat and connection name of the role that first
// registered the identity.
func (r *rabbitMQ) dial(ctx context.Context, id rabbitmq.Identity) (rabbitmq.Connection, error) {
	var opts rabbitmq.DialOptions
	if v, ok := r.dialOpts.Load(id.Key()); ok {
		opts = v.(rabbitmq.DialOptions)
	}
	return rabbitmq.NewDialer(opts)(ctx, id)
}

func (r *rabbitMQ) identity(c config.Connection) rabbitmq.Identity {
	id := rabbitmq.NewIdentity(c.Endpoint, c.Port, c.UseSSL, c.Username, c.Password, c.VirtualHost)
	r.dialOpts.LoadOrStore(id.Key(), rabbitmq.DialOptions{
		Heartbeat:      c.Heartbeat,
		ConnectionName: c.ApplicationID,
	})
	return id
}

func (r *rabbitMQ) NewPublisher(settings map[string]string) (Publisher, error) {
	cfg, err := config.ParsePublisher(settings)
	if err != nil {
		return nil, err
	}

	return rabbitmq.NewPublisher(r.cache, r.identity(cfg.Connection), cfg.Exchange,
		rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout),
		rabbitmq.WithApplicationID(cfg.ApplicationID),
		rabbitmq.WithPublisherLogger(r.logger),
	), nil
}

func (r *rabbitMQ) NewSubscriber(settings map[string]string) (Subscriber, error) {
	cfg, err := config.ParseSubscriber(settings)
	if err != nil {
		return nil, err
	}

	options := []rabbitmq.SubscriberOption{
		rabbitmq.WithSubscriberLogger(r.logger),
	}
	if r.onError != nil {
		options = append(options, rabbitmq.WithConnectionErrorHandler(rabbitmq.ConnectionErrorHandler(r.onError)))
	}

	sub, err := rabbitmq.NewSubscriber(r.cache, r.identity(cfg.Connection), rabbitmq.SubscriberSettings{
		Exchange:           cfg.Exchange,
		DeadLetterExchange: cfg.DeadLetterExchange,
		DeliveryLimit:      cfg.DeliveryLimit,
		RequeueDelay:       cfg.RequeueDelay,
		ConsumerName:       cfg.ConsumerName,
	}, options...)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *rabbitMQ) Close() error {
	return r.cache.Close()
}
