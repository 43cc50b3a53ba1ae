// Package metrics provides Prometheus metrics for the broker client.
// It tracks publishes, consumer deliveries and their settlement, and the
// lifecycle of cached connections and channels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "mmate_broker"
)

// Delivery outcomes recorded by DeliveriesTotal.
const (
	OutcomeReceived = "received"
	OutcomePoison   = "poison"
	OutcomeAcked    = "acked"
	OutcomeRejected = "rejected"
	OutcomeRequeued = "requeued"
)

// Publish metrics.
var (
	// PublishedTotal counts publish attempts by exchange and result.
	PublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Total number of messages published, by result",
		},
		[]string{"exchange", "result"},
	)

	// PublishLatency measures publish time including the broker confirm.
	PublishLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Time to publish a message and receive its confirm in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)
)

// Consumer metrics.
var (
	// DeliveriesTotal counts deliveries by queue and outcome.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of deliveries handled by subscribers, by outcome",
		},
		[]string{"queue", "outcome"},
	)

	// ProcessingDuration measures the time from message creation to acknowledgment.
	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "end_to_end_processing_seconds",
			Help:      "Time from message creation to acknowledgment in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
	)
)

// Connection metrics.
var (
	// ConnectionsCreated counts dialled broker connections.
	ConnectionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_created_total",
			Help:      "Total number of broker connections established",
		},
	)

	// ChannelsCreated counts opened channels by channel type.
	ChannelsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_created_total",
			Help:      "Total number of channels opened, by channel type",
		},
		[]string{"type"},
	)

	// Shutdowns counts unexpected connection or channel shutdowns.
	Shutdowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shutdowns_total",
			Help:      "Total number of broker-initiated shutdowns, by resource",
		},
		[]string{"resource"},
	)
)
