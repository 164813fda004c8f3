// Package rabbitmq publishes status-change notifications to a RabbitMQ broker.
//
// This package includes:
//   - Endpoints: the ordered broker address set
//   - ConnectionManager: owns the single lazily created connection and
//     replaces it once it is found closed
//   - ChannelPool: reuses channels with borrow/release semantics and drops
//     closed ones
//   - Publisher: borrows a channel, writes one message, returns the channel
//   - Observer: shutdown and blocked/unblocked notifications
//
// Nothing in this package retries. Failures are returned as
// *ConnectionError, *ChannelError or *PublishError and the caller decides.
package rabbitmq
