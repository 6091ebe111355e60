// Package broker defines an ordered, namespaced message bus. The broker
// transport uses it to carry JSON-RPC frames between a client and a server
// that do not share a byte stream: each direction of a session is one
// namespace, and frames are delivered to subscribers in publish order.
package broker

import (
	"context"
)

// FromStart, passed as lastEventID, replays a namespace from its first
// retained message.
const FromStart = "0"

// Broker handles message queuing and delivery. Delivery is ordered within a
// namespace; there is no ordering relation between namespaces.
type Broker interface {
	// Publish appends message to namespace and returns its event ID. Event IDs
	// increase monotonically within a namespace.
	Publish(ctx context.Context, namespace string, message []byte) (eventID string, err error)

	// Subscribe calls handler for each message of namespace, in order, until
	// ctx ends or handler returns an error. An empty lastEventID starts with
	// the next published message; FromStart replays everything retained;
	// any other ID resumes after that message.
	Subscribe(ctx context.Context, namespace string, lastEventID string, handler MessageHandler) error

	// Cleanup removes all resources associated with a namespace. Active
	// subscriptions to it return nil.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageHandler processes one delivered message.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// MessageEnvelope wraps a message with metadata for ordered delivery.
type MessageEnvelope struct {
	// ID is a unique, monotonically increasing identifier for this message within the namespace
	ID string `json:"id"`
	// Data is one or more newline-terminated JSON-RPC messages
	Data []byte `json:"data"`
}
