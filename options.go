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
	"io"
	"log/slog"
	"os"

	"github.com/glimte/mmate-broker/internal/rabbitmq"
)

// logOutput receives logs of loggers built from configuration files.
var logOutput io.Writer = os.Stderr

// ShutdownEvent describes a connection or channel shut down by the broker.
type ShutdownEvent = rabbitmq.ShutdownEvent

// ConnectionErrorHandler is told when a subscriber's channel was shut down
// for a reason other than our own Close.
type ConnectionErrorHandler func(event ShutdownEvent)

// Dialer opens broker connections. Tests replace it to run without a broker.
type Dialer = rabbitmq.Dialer

// Options are handed to an implementation factory.
type Options struct {
	Logger                 *slog.Logger
	ConnectionErrorHandler ConnectionErrorHandler
	Dialer                 Dialer
}

// serviceConfig holds service configuration
type serviceConfig struct {
	implementation string
	options        Options
}

// Option configures the service
type Option func(*serviceConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *serviceConfig) {
		cfg.options.Logger = logger
	}
}

// WithImplementation selects a registered broker implementation by name
func WithImplementation(name string) Option {
	return func(cfg *serviceConfig) {
		cfg.implementation = name
	}
}

// WithConnectionErrorHandler sets the handler told about subscriber shutdowns
func WithConnectionErrorHandler(handler ConnectionErrorHandler) Option {
	return func(cfg *serviceConfig) {
		cfg.options.ConnectionErrorHandler = handler
	}
}

// WithDialer replaces the connection dialer
func WithDialer(dialer Dialer) Option {
	return func(cfg *serviceConfig) {
		cfg.options.Dialer = dialer
	}
}
