package brokertransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	mcpclient "github.com/ggoodman/mcp-client-go"
	"github.com/ggoodman/mcp-client-go/broker"
	"github.com/ggoodman/mcp-client-go/broker/memory"
	"github.com/ggoodman/mcp-client-go/mcp"
)

var (
	_ mcpclient.Transport = (*Transport)(nil)
	_ mcpclient.Starter   = (*Transport)(nil)
)

type receiverFunc func(ctx context.Context, data []byte) error

func (f receiverFunc) Receive(ctx context.Context, data []byte) error { return f(ctx, data) }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func collector() (receiverFunc, <-chan string) {
	ch := make(chan string, 64)
	return func(ctx context.Context, data []byte) error {
		ch <- string(data)
		return nil
	}, ch
}

func next(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return ""
	}
}

func TestFramesFlowBothWays(t *testing.T) {
	t.Parallel()

	b := memory.New()
	ctx := context.Background()
	client := New(b, "s1", WithLogger(discardLogger()))
	server := New(b, "s1", AsServer(), WithLogger(discardLogger()), WithCleanupOnClose(false))
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	toClient, clientIn := collector()
	toServer, serverIn := collector()
	if err := client.Start(ctx, toClient); err != nil {
		t.Fatal(err)
	}
	if err := server.Start(ctx, toServer); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := client.Send(ctx, []byte(fmt.Sprintf("c%d\n", i))); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		if got, want := next(t, serverIn), fmt.Sprintf("c%d\n", i); got != want {
			t.Fatalf("server got %q, want %q", got, want)
		}
	}

	if err := server.Send(ctx, []byte("s0\n")); err != nil {
		t.Fatal(err)
	}
	if got := next(t, clientIn); got != "s0\n" {
		t.Fatalf("client got %q", got)
	}
	if client.LastEventID() == "" {
		t.Fatal("last event id not tracked")
	}
}

func TestRepliesPublishedBeforeStartAreDelivered(t *testing.T) {
	t.Parallel()

	b := memory.New()
	ctx := context.Background()
	if _, err := b.Publish(ctx, ServerToClient("early"), []byte("hello\n")); err != nil {
		t.Fatal(err)
	}

	tr := New(b, "early", WithLogger(discardLogger()))
	t.Cleanup(func() { _ = tr.Close() })
	recv, in := collector()
	if err := tr.Start(ctx, recv); err != nil {
		t.Fatal(err)
	}
	if got := next(t, in); got != "hello\n" {
		t.Fatalf("got %q", got)
	}
}

func TestResumeFrom(t *testing.T) {
	t.Parallel()

	b := memory.New()
	ctx := context.Background()
	first, _ := b.Publish(ctx, ServerToClient("r"), []byte("one\n"))
	_, _ = b.Publish(ctx, ServerToClient("r"), []byte("two\n"))

	tr := New(b, "r", WithResumeFrom(first), WithLogger(discardLogger()))
	t.Cleanup(func() { _ = tr.Close() })
	recv, in := collector()
	if err := tr.Start(ctx, recv); err != nil {
		t.Fatal(err)
	}
	if got := next(t, in); got != "two\n" {
		t.Fatalf("got %q", got)
	}
}

func TestCloseCleansUpNamespaces(t *testing.T) {
	t.Parallel()

	b := memory.New()
	ctx := context.Background()
	tr := New(b, "gone", WithLogger(discardLogger()))
	recv, _ := collector()
	if err := tr.Start(ctx, recv); err != nil {
		t.Fatal(err)
	}
	if err := tr.Send(ctx, []byte("x\n")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Send(ctx, []byte("y\n")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	// Nothing is replayed from the cleaned namespace.
	subCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	var seen int
	_ = b.Subscribe(subCtx, ClientToServer("gone"), broker.FromStart, func(context.Context, broker.MessageEnvelope) error {
		seen++
		return nil
	})
	if seen != 0 {
		t.Fatalf("replayed %d frames after cleanup", seen)
	}
}

// TestClientOverBroker runs a full client against a scripted server on the
// other side of the broker.
func TestClientOverBroker(t *testing.T) {
	t.Parallel()

	b := memory.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := New(b, "e2e", AsServer(), WithLogger(discardLogger()), WithCleanupOnClose(false))
	t.Cleanup(func() { _ = server.Close() })
	err := server.Start(ctx, receiverFunc(func(ctx context.Context, data []byte) error {
		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(data, &msg); err != nil || msg.ID == nil {
			return nil
		}
		var result string
		switch msg.Method {
		case string(mcp.InitializeMethod):
			result = `{"protocolVersion":"2025-06-18","capabilities":{"prompts":{}},"serverInfo":{"name":"broker","version":"1"}}`
		case string(mcp.PromptsListMethod):
			result = `{"prompts":[{"name":"greet"}]}`
		default:
			return nil
		}
		_, err := b.Publish(ctx, ServerToClient("e2e"), []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`+"\n", msg.ID, result)))
		return err
	}))
	if err != nil {
		t.Fatal(err)
	}

	c := mcpclient.New(New(b, "e2e", WithLogger(discardLogger())), mcpclient.WithLogger(discardLogger()))
	defer func() { _ = c.Close(ctx) }()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	res, err := c.ListPrompts(ctx, "")
	if err != nil {
		t.Fatalf("ListPrompts: %v", err)
	}
	if len(res.Prompts) != 1 || res.Prompts[0].Name != "greet" {
		t.Fatalf("prompts = %+v", res.Prompts)
	}
}
