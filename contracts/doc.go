// Package contracts defines the message envelope exchanged with the broker
// and the handler signature subscribers invoke.
//
// Envelopes built by a caller carry a topic description, body and optional
// identifiers. Envelopes handed to a handler additionally carry the delivery
// tag and the ID of the channel that received them; both are needed to
// acknowledge, reject or requeue the delivery.
package contracts
