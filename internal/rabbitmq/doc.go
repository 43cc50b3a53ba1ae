// Package rabbitmq provides the RabbitMQ side of the broker client.
//
// This package includes:
//   - Cache: owns connections and channels keyed by Identity, created lazily and
//     replaced when the broker closes them
//   - Publisher: publishes envelopes to a durable topic exchange with confirms
//   - Subscriber: provisions quorum queues with dead-lettering and hands
//     deliveries to handlers that settle them explicitly
//
// Publishers and subscribers borrow channels from the Cache and never close
// them. Closing the Cache closes everything it created.
package rabbitmq
