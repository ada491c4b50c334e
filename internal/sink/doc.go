// Package sink forwards decoded snapshots to external systems.
//
// Sinks:
//   - AMQP: publishes each snapshot to a RabbitMQ exchange
//   - Redis: stores the latest snapshot under a key and publishes it on a channel
//
// A Forwarder adapts any Publisher into a connection.Handler. It encodes on
// the event loop and publishes from its own goroutine through a bounded queue,
// dropping snapshots when the queue is full.
package sink
