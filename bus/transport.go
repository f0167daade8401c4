// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import "context"

// Transport is a single physical connection to the pub/sub broker. The
// client owns reconnection, so implementations must not reconnect on their
// own.
type Transport interface {
	// Connect dials the broker. Every inbound message on any subscribed
	// pattern is passed to onMessage. The returned channel receives one value
	// when the established connection is lost.
	Connect(ctx context.Context, onMessage func(topic string, payload []byte)) (<-chan error, error)

	// Subscribe sends a subscribe request for pattern on the current connection.
	Subscribe(ctx context.Context, pattern string, qos byte) error

	// Publish sends a message on the current connection. An error wrapping
	// ErrUnconfirmed means the message was handed to the connection and may
	// still be delivered; the client never sends it again. Any other error
	// means the message did not leave the client.
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error

	// Disconnect closes the current connection, if any.
	Disconnect()
}
