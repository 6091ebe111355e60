// Package memory provides an in-memory broker.Broker. State is process-local,
// so it suits single-process deployments and tests.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/ggoodman/mcp-client-go/broker"
)

// Broker implements broker.Broker with per-namespace retained history.
type Broker struct {
	mu         sync.Mutex
	namespaces map[string]*namespace
	counter    int64
}

type namespace struct {
	messages []broker.MessageEnvelope
	// wake is closed and replaced on every publish and on cleanup.
	wake   chan struct{}
	closed bool
}

// New creates a new memory-based broker instance.
func New() *Broker {
	return &Broker{namespaces: make(map[string]*namespace)}
}

// ns returns the live namespace for name, creating it when needed. Callers
// hold b.mu.
func (b *Broker) ns(name string) *namespace {
	n, ok := b.namespaces[name]
	if !ok {
		n = &namespace{wake: make(chan struct{})}
		b.namespaces[name] = n
	}
	return n
}

func (b *Broker) Publish(ctx context.Context, namespaceName string, message []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.ns(namespaceName)
	b.counter++
	id := strconv.FormatInt(b.counter, 10)
	n.messages = append(n.messages, broker.MessageEnvelope{
		ID:   id,
		Data: append([]byte(nil), message...),
	})
	close(n.wake)
	n.wake = make(chan struct{})
	return id, nil
}

func (b *Broker) Subscribe(ctx context.Context, namespaceName string, lastEventID string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	n := b.ns(namespaceName)
	next := startIndex(n.messages, lastEventID)
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if n.closed {
			b.mu.Unlock()
			return nil
		}
		if next < len(n.messages) {
			env := n.messages[next]
			next++
			b.mu.Unlock()

			if err := handler(ctx, env); err != nil {
				return err
			}
			continue
		}
		wake := n.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// startIndex finds the first message to deliver for lastEventID.
func startIndex(msgs []broker.MessageEnvelope, lastEventID string) int {
	if lastEventID == "" {
		return len(msgs)
	}
	after, err := strconv.ParseInt(lastEventID, 10, 64)
	if err != nil {
		return len(msgs)
	}
	for i, m := range msgs {
		id, _ := strconv.ParseInt(m.ID, 10, 64)
		if id > after {
			return i
		}
	}
	return len(msgs)
}

func (b *Broker) Cleanup(ctx context.Context, namespaceName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.namespaces[namespaceName]
	if !ok {
		return nil
	}
	delete(b.namespaces, namespaceName)
	n.closed = true
	n.messages = nil
	close(n.wake)
	return nil
}

var _ broker.Broker = (*Broker)(nil)
