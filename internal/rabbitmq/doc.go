// Package rabbitmq implements the broker side of the event bus on top of
// AMQP 0-9-1.
//
// This package includes:
//   - ConnectionManager: owns the single connection and channel, recovers a
//     failed channel in place and re-dials a lost connection with a bounded,
//     fixed-interval loop
//   - TopologyRegistry: remembers declared exchanges so they can be reasserted
//   - ConsumerRegistry: one subscription record per queue, replayed after recovery
//   - Publisher: exchange publishing and direct queue sends with flow control
//   - Consumer: declare/bind/consume with ack-on-success, nack-and-requeue otherwise
//
// Every channel operation goes through ConnectionManager.Do, which connects
// lazily and serializes operations with recovery replay.
package rabbitmq
