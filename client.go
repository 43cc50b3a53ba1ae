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

// Package broker is a fault-tolerant client layer for topic-based message
// brokers. A Service owns the broker connections; publishers and
// subscribers built from it share those connections.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-broker/config"
	"github.com/glimte/mmate-broker/contracts"
	"github.com/glimte/mmate-broker/internal/rabbitmq"
)

// ErrInvalidConfiguration is wrapped by every settings validation error.
var ErrInvalidConfiguration = config.ErrInvalidConfiguration

// ErrServiceClosed is returned after Close.
var ErrServiceClosed = errors.New("broker: service is closed")

// QueueStatus is the result of a passive queue lookup.
type QueueStatus = rabbitmq.QueueStatus

// Queue lookup results.
const (
	QueueMissing     = rabbitmq.QueueMissing
	QueueAvailable   = rabbitmq.QueueAvailable
	QueueUnavailable = rabbitmq.QueueUnavailable
)

// Publisher publishes envelopes to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg *contracts.MessageEnvelope) error
}

// Subscriber consumes from queues bound to a topic exchange. Handlers settle
// every delivery through Acknowledge, Reject or RequeueWithDelay.
type Subscriber interface {
	Subscribe(ctx context.Context, topics []string, queue string, handler contracts.MessageHandler, prefetch int) error
	Acknowledge(ctx context.Context, msg *contracts.MessageEnvelope) error
	Reject(ctx context.Context, msg *contracts.MessageEnvelope, requeue bool) error
	RequeueWithDelay(ctx context.Context, msg *contracts.MessageEnvelope) error
	Unsubscribe(queue string) error
	InspectQueue(ctx context.Context, name string) (QueueStatus, error)
	Close() error
}

// Implementation builds publishers and subscribers for one broker
// technology from flat role settings.
type Implementation interface {
	NewPublisher(settings map[string]string) (Publisher, error)
	NewSubscriber(settings map[string]string) (Subscriber, error)
	Close() error
}

// Service is the main entry point. It owns one implementation and every
// subscriber created through it.
type Service struct {
	impl   Implementation
	name   string
	logger *slog.Logger

	mu          sync.Mutex
	subscribers []Subscriber
	closed      bool
}

// NewService creates a service backed by the rabbitmq implementation unless
// WithImplementation names another one.
func NewService(options ...Option) (*Service, error) {
	cfg := &serviceConfig{
		implementation: config.DefaultImplementation,
		options: Options{
			Logger: slog.Default(),
		},
	}

	for _, opt := range options {
		opt(cfg)
	}

	factory, err := Lookup(cfg.implementation)
	if err != nil {
		return nil, err
	}

	impl, err := factory(cfg.options)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s implementation: %w", cfg.implementation, err)
	}

	return &Service{
		impl:   impl,
		name:   cfg.implementation,
		logger: cfg.options.Logger,
	}, nil
}

// NewServiceFromFile creates a service from a loaded configuration file.
// The file's logger settings are used unless options override them.
func NewServiceFromFile(f *config.File, options ...Option) (*Service, error) {
	base := []Option{
		WithImplementation(f.Implementation),
		WithLogger(f.Logger.NewLogger(logOutput)),
	}
	return NewService(append(base, options...)...)
}

// Implementation returns the name of the implementation in use.
func (s *Service) Implementation() string {
	return s.name
}

// NewPublisher validates settings and returns a publisher. Invalid settings
// fail here, before any connection is attempted.
func (s *Service) NewPublisher(settings map[string]string) (Publisher, error) {
	if s.isClosed() {
		return nil, ErrServiceClosed
	}
	return s.impl.NewPublisher(settings)
}

// NewSubscriber validates settings and returns a subscriber owned by the
// service. Invalid settings fail here, before any connection is attempted.
func (s *Service) NewSubscriber(settings map[string]string) (Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}

	sub, err := s.impl.NewSubscriber(settings)
	if err != nil {
		return nil, err
	}
	s.subscribers = append(s.subscribers, sub)
	return sub, nil
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes every subscriber, then every broker connection.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subscribers := s.subscribers
	s.subscribers = nil
	s.mu.Unlock()

	var errs []error
	for _, sub := range subscribers {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.impl.Close(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("broker service closed", "implementation", s.name)
	return errors.Join(errs...)
}
