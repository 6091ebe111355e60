package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-client-go/broker"
	"github.com/ggoodman/mcp-client-go/broker/brokertest"
)

func TestMemoryBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		return New()
	})
}

func TestCleanupReleasesSubscribers(t *testing.T) {
	b := New()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "ns", "", func(context.Context, broker.MessageEnvelope) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	if err := b.Cleanup(ctx, "ns"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after cleanup, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber not released by cleanup")
	}
}

func TestEventIDsIncrease(t *testing.T) {
	b := New()
	ctx := context.Background()

	a, _ := b.Publish(ctx, "x", []byte("1"))
	c, _ := b.Publish(ctx, "y", []byte("2"))
	d, _ := b.Publish(ctx, "x", []byte("3"))
	if !(a < d) || a == c || c == d {
		t.Fatalf("ids not monotonic: %s %s %s", a, c, d)
	}
}

func TestStartIndexUnknownID(t *testing.T) {
	msgs := []broker.MessageEnvelope{{ID: "3"}, {ID: "7"}}
	for _, tc := range []struct {
		last string
		want int
	}{
		{"", 2},
		{broker.FromStart, 0},
		{"3", 1},
		{"5", 1},
		{"7", 2},
		{"garbage", 2},
	} {
		if got := startIndex(msgs, tc.last); got != tc.want {
			t.Errorf("startIndex(%q) = %d, want %d", tc.last, got, tc.want)
		}
	}
}
