// Package relay defines how transport messages travel between peers.
//
// The queue engine only persists; moving a committed outgoing message to
// a remote endpoint, and feeding remotely received messages into the
// local main queue, is the relay's job. Implementations live in the
// natsrelay and redisrelay sub-packages.
package relay

import (
	"context"

	"github.com/ShawnSpooner/rhino-esb/endpoint"
	"github.com/ShawnSpooner/rhino-esb/queue"
)

// Relay carries transport messages between endpoints.
// Implementations must be safe for concurrent use.
type Relay interface {
	// Deliver hands one message to the peer addressed by dest.
	// An error leaves the message owned by the caller for retry.
	Deliver(ctx context.Context, dest endpoint.Endpoint, msg *queue.Message) error

	// Listen consumes messages addressed to the local endpoint and
	// hands each to handler. It blocks until ctx is canceled.
	// A handler error leaves the message unacknowledged with the
	// carrier so it is redelivered.
	Listen(ctx context.Context, local endpoint.Endpoint, handler func(*queue.Message) error) error

	// Close releases carrier connections.
	Close() error
}
