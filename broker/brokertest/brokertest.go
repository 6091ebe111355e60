// Package brokertest is a conformance suite for broker.Broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-client-go/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("SubscribeReceivesNewMessages", func(t *testing.T) {
		testSubscribeReceivesNewMessages(t, factory)
	})
	t.Run("ReplayFromStart", func(t *testing.T) {
		testReplayFromStart(t, factory)
	})
	t.Run("ResumeFromLastEventID", func(t *testing.T) {
		testResumeFromLastEventID(t, factory)
	})
	t.Run("OrderPreserved", func(t *testing.T) {
		testOrderPreserved(t, factory)
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
	t.Run("ContextCancellation", func(t *testing.T) {
		testContextCancellation(t, factory)
	})
	t.Run("Cleanup", func(t *testing.T) {
		testCleanup(t, factory)
	})
}

func uniqueNamespace(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func frame(i int) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"test/%d"}`+"\n", i))
}

// collect subscribes in the background and gathers n envelopes.
func collect(ctx context.Context, b broker.Broker, ns, lastEventID string, n int) (<-chan []broker.MessageEnvelope, <-chan error) {
	out := make(chan []broker.MessageEnvelope, 1)
	errCh := make(chan error, 1)
	var got []broker.MessageEnvelope
	errDone := errors.New("done")
	go func() {
		err := b.Subscribe(ctx, ns, lastEventID, func(ctx context.Context, env broker.MessageEnvelope) error {
			got = append(got, env)
			if len(got) == n {
				return errDone
			}
			return nil
		})
		if errors.Is(err, errDone) {
			out <- got
			return
		}
		errCh <- err
	}()
	return out, errCh
}

func await(t *testing.T, out <-chan []broker.MessageEnvelope, errCh <-chan error) []broker.MessageEnvelope {
	t.Helper()
	select {
	case got := <-out:
		return got
	case err := <-errCh:
		t.Fatalf("subscription ended early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for messages")
	}
	return nil
}

func publish(t *testing.T, b broker.Broker, ns string, data []byte) string {
	t.Helper()
	id, err := b.Publish(context.Background(), ns, data)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id == "" {
		t.Fatal("Publish returned an empty event ID")
	}
	return id
}

func testSubscribeReceivesNewMessages(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)
	defer func() { _ = b.Cleanup(context.Background(), ns) }()

	publish(t, b, ns, frame(0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, errCh := collect(ctx, b, ns, "", 1)

	// Give the subscription time to register before publishing.
	time.Sleep(100 * time.Millisecond)
	id := publish(t, b, ns, frame(1))

	got := await(t, out, errCh)
	if got[0].ID != id || string(got[0].Data) != string(frame(1)) {
		t.Fatalf("expected only the new message, got %+v", got[0])
	}
}

func testReplayFromStart(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)
	defer func() { _ = b.Cleanup(context.Background(), ns) }()

	for i := 0; i < 3; i++ {
		publish(t, b, ns, frame(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, errCh := collect(ctx, b, ns, broker.FromStart, 3)
	got := await(t, out, errCh)
	for i, env := range got {
		if string(env.Data) != string(frame(i)) {
			t.Fatalf("message %d = %s", i, env.Data)
		}
	}
}

func testResumeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)
	defer func() { _ = b.Cleanup(context.Background(), ns) }()

	first := publish(t, b, ns, frame(0))
	publish(t, b, ns, frame(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, errCh := collect(ctx, b, ns, first, 1)
	got := await(t, out, errCh)
	if string(got[0].Data) != string(frame(1)) {
		t.Fatalf("resumed at %s", got[0].Data)
	}
}

func testOrderPreserved(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)
	defer func() { _ = b.Cleanup(context.Background(), ns) }()

	const n = 50
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, errCh := collect(ctx, b, ns, broker.FromStart, n)

	for i := 0; i < n; i++ {
		publish(t, b, ns, frame(i))
	}
	got := await(t, out, errCh)
	for i, env := range got {
		if string(env.Data) != string(frame(i)) {
			t.Fatalf("message %d out of order: %s", i, env.Data)
		}
	}
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	nsA, nsB := uniqueNamespace(t)+"-a", uniqueNamespace(t)+"-b"
	defer func() {
		_ = b.Cleanup(context.Background(), nsA)
		_ = b.Cleanup(context.Background(), nsB)
	}()

	publish(t, b, nsA, frame(1))
	publish(t, b, nsB, frame(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, errCh := collect(ctx, b, nsB, broker.FromStart, 1)
	got := await(t, out, errCh)
	if string(got[0].Data) != string(frame(2)) {
		t.Fatalf("namespace b received %s", got[0].Data)
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)
	defer func() { _ = b.Cleanup(context.Background(), ns) }()

	publish(t, b, ns, frame(0))
	boom := errors.New("boom")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := b.Subscribe(ctx, ns, broker.FromStart, func(context.Context, broker.MessageEnvelope) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func testContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)
	defer func() { _ = b.Cleanup(context.Background(), ns) }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, ns, "", func(context.Context, broker.MessageEnvelope) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not observe cancellation")
	}
}

func testCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)

	publish(t, b, ns, frame(0))
	if err := b.Cleanup(context.Background(), ns); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	var mu sync.Mutex
	var seen int
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = b.Subscribe(ctx, ns, broker.FromStart, func(context.Context, broker.MessageEnvelope) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	})
	mu.Lock()
	defer mu.Unlock()
	if seen != 0 {
		t.Fatalf("cleaned namespace replayed %d messages", seen)
	}
	_ = b.Cleanup(context.Background(), ns)
}
