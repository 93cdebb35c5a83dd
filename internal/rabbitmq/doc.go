// Package rabbitmq is the AMQP core of relay.
//
// This package includes:
//   - ConnectionManager: one connection per id, created on demand and replaced
//     once the broker closes it
//   - Executor: a lazily opened channel that asserts each target's topology
//     once and exposes publish and subscribe primitives
//   - Producer: publishing that waits out broker flow control instead of
//     failing or dropping messages
//   - Consumer: acknowledgement on success, dead-lettering on failure, and
//     replies for messages that carry a reply-to
//   - Requester: request/reply over an exclusive, auto-deleted reply queue
//
// Every queue Q is paired with a dead-letter exchange and queue named
// Q-dlx. Queues behind a routed exchange also carry a message TTL, after
// which unconsumed messages move to the dead-letter queue.
package rabbitmq
