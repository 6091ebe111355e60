// Package brokertransport carries MCP frames over a broker.Broker, so a client
// and a server can talk without sharing a connection. Each session uses two
// namespaces: "<session>:c2s" for client-to-server frames and
// "<session>:s2c" for server-to-client frames. The broker's per-namespace
// ordering is the transport's ordering.
package brokertransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ggoodman/mcp-client-go/broker"
	"github.com/ggoodman/mcp-client-go/mcp"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("brokertransport: transport closed")

// Receiver accepts each inbound frame.
type Receiver = interface {
	Receive(ctx context.Context, data []byte) error
}

// ClientToServer returns the namespace carrying a session's client frames.
func ClientToServer(sessionID string) string { return sessionID + ":c2s" }

// ServerToClient returns the namespace carrying a session's server frames.
func ServerToClient(sessionID string) string { return sessionID + ":s2c" }

// Transport publishes outbound frames to one namespace of a session and
// delivers the other namespace's frames to a Receiver.
type Transport struct {
	b       broker.Broker
	session string
	log     *slog.Logger

	out, in    string
	resumeFrom string
	cleanup    bool
	versions   []string

	mu          sync.Mutex
	started     bool
	closed      bool
	cancel      context.CancelFunc
	done        chan struct{}
	lastEventID string
}

// Option customizes a Transport.
type Option func(*Transport)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// AsServer swaps the namespaces so the transport speaks for the server side
// of the session.
func AsServer() Option {
	return func(t *Transport) {
		t.out, t.in = ServerToClient(t.session), ClientToServer(t.session)
	}
}

// WithResumeFrom starts delivery after the given event ID instead of from
// the beginning of the inbound namespace.
func WithResumeFrom(eventID string) Option {
	return func(t *Transport) { t.resumeFrom = eventID }
}

// WithCleanupOnClose controls whether Close removes both namespaces.
// Defaults to true.
func WithCleanupOnClose(cleanup bool) Option {
	return func(t *Transport) { t.cleanup = cleanup }
}

// WithProtocolVersions restricts the revisions the transport reports.
func WithProtocolVersions(versions ...string) Option {
	return func(t *Transport) { t.versions = versions }
}

// New constructs the client side of session sessionID on b.
func New(b broker.Broker, sessionID string, opts ...Option) *Transport {
	t := &Transport{
		b:          b,
		session:    sessionID,
		log:        slog.Default(),
		out:        ClientToServer(sessionID),
		in:         ServerToClient(sessionID),
		resumeFrom: broker.FromStart,
		cleanup:    true,
		versions:   mcp.SupportedProtocolVersions,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start subscribes to the inbound namespace. Delivery starts from the first
// retained frame, so replies published before Start are not lost.
func (t *Transport) Start(ctx context.Context, r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.started {
		return errors.New("brokertransport: already started")
	}
	t.started = true

	subCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.subscribe(subCtx, r)
	return nil
}

func (t *Transport) subscribe(ctx context.Context, r Receiver) {
	defer close(t.done)

	err := t.b.Subscribe(ctx, t.in, t.resumeFrom, func(ctx context.Context, env broker.MessageEnvelope) error {
		t.mu.Lock()
		t.lastEventID = env.ID
		t.mu.Unlock()
		if err := r.Receive(ctx, env.Data); err != nil {
			t.log.DebugContext(ctx, "brokertransport.receive.fail",
				slog.String("session_id", t.session),
				slog.String("event_id", env.ID),
				slog.String("err", err.Error()))
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		t.log.ErrorContext(ctx, "brokertransport.subscribe.fail",
			slog.String("session_id", t.session),
			slog.String("namespace", t.in),
			slog.String("err", err.Error()))
		return
	}
	t.log.DebugContext(ctx, "brokertransport.subscribe.end", slog.String("session_id", t.session))
}

// Send publishes one frame to the outbound namespace.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if _, err := t.b.Publish(ctx, t.out, data); err != nil {
		return fmt.Errorf("brokertransport: publish: %w", err)
	}
	return nil
}

func (t *Transport) SupportedProtocolVersions() []string {
	return slices.Clone(t.versions)
}

// LastEventID returns the ID of the last delivered frame, for resuming with
// WithResumeFrom.
func (t *Transport) LastEventID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEventID
}

// Done is closed once the subscription has ended.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Close stops delivery and, unless disabled, removes the session's
// namespaces.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, started := t.cancel, t.started
	t.mu.Unlock()

	if started {
		cancel()
		<-t.done
	}
	if !t.cleanup {
		return nil
	}
	ctx := context.Background()
	return errors.Join(t.b.Cleanup(ctx, t.out), t.b.Cleanup(ctx, t.in))
}
