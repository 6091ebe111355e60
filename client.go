package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/mcp-client-go/internal/engine"
	"github.com/ggoodman/mcp-client-go/internal/sessioncore"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcperr"
	"github.com/ggoodman/mcp-client-go/storage"
)

// rootsKey is the storage key holding the persisted root set.
const rootsKey = "roots"

type (
	Operation    = engine.Operation
	Progress     = engine.Progress
	ProgressFunc = engine.ProgressFunc
	BatchResult  = engine.BatchResult
	Request      = engine.Request
	Session      = sessioncore.Session
	State        = sessioncore.State
)

// ErrNotConnected is returned by Initialize before Connect.
var ErrNotConnected = errors.New("client not connected")

// Client is an MCP client bound to one Transport. It is safe for concurrent
// use.
type Client struct {
	t   Transport
	eng *engine.Engine
	log *slog.Logger

	info           mcp.ImplementationInfo
	caps           mcp.ClientCapabilities
	version        string
	timeout        time.Duration
	onLog          LogHandler
	onSampling     SamplingHandler
	onNotification NotificationHandler
	store          storage.Storage
	rootsTTL       time.Duration
	rootsSession   string

	mu        sync.Mutex
	connected bool
	stopRead  context.CancelFunc
}

// New constructs a Client that speaks over t.
func New(t Transport, opts ...Option) *Client {
	c := &Client{
		t:       t,
		log:     slog.Default(),
		info:    mcp.ImplementationInfo{Name: "mcp-client-go", Version: "dev"},
		version: mcp.LatestProtocolVersion,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.onSampling != nil && c.caps.Sampling == nil {
		c.caps.Sampling = &struct{}{}
	}

	eopts := []engine.Option{
		engine.WithLogger(c.log),
		engine.WithClientInfo(c.info, c.caps, c.version),
	}
	if c.timeout > 0 {
		eopts = append(eopts, engine.WithDefaultTimeout(c.timeout))
	}
	if c.onLog != nil {
		eopts = append(eopts, engine.WithLogCallback(engine.LogFunc(c.onLog)))
	}
	if c.onSampling != nil {
		eopts = append(eopts, engine.WithSamplingCallback(engine.SamplingFunc(c.onSampling)))
	}
	if c.onNotification != nil {
		eopts = append(eopts, engine.WithNotificationCallback(engine.NotificationFunc(c.onNotification)))
	}
	c.eng = engine.New(transportWriter{t: t}, eopts...)
	return c
}

// Connect starts the transport's read side, marks the session connected and
// restores persisted roots.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	if s, ok := c.t.(Starter); ok {
		readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		if err := s.Start(readCtx, c); err != nil {
			cancel()
			return fmt.Errorf("failed to start transport: %w", err)
		}
		c.stopRead = cancel
	}
	if err := c.eng.Connect(); err != nil {
		return err
	}
	c.connected = true

	if err := c.loadRoots(ctx); err != nil {
		c.log.WarnContext(ctx, "client.roots.load.fail", slog.String("err", err.Error()))
	}
	return nil
}

// Initialize performs the initialize handshake and sends
// notifications/initialized once the server's answer is accepted.
func (c *Client) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	if vs := c.t.SupportedProtocolVersions(); len(vs) > 0 && !slices.Contains(vs, c.version) {
		return nil, mcperr.InvalidRequest("protocol version not supported by transport", map[string]any{
			"requested": c.version,
			"supported": vs,
		})
	}

	start := time.Now()
	res, err := c.eng.Initialize(ctx, c.timeout)
	if err != nil {
		c.log.ErrorContext(ctx, "client.initialize.fail",
			slog.String("err", err.Error()),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return nil, err
	}
	c.log.InfoContext(ctx, "client.initialize.ok",
		slog.String("protocol_version", res.ProtocolVersion),
		slog.String("server", res.ServerInfo.Name),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return res, nil
}

// Receive hands raw bytes from the transport to the client. Undecodable
// payloads are logged, dropped and reported.
func (c *Client) Receive(ctx context.Context, data []byte) error {
	return c.eng.Receive(ctx, data)
}

// Call submits op and waits for its result. If ctx ends first the request
// is cancelled.
func (c *Client) Call(ctx context.Context, op Operation) (json.RawMessage, error) {
	return c.eng.Call(ctx, op)
}

// Batch submits ops as one JSON-RPC batch and returns their outcomes in
// submission order. Either every operation is sent or none is. Batches need a
// session negotiated on 2025-03-26; see WithProtocolVersion.
func (c *Client) Batch(ctx context.Context, ops []Operation) ([]BatchResult, error) {
	return c.eng.Batch(ctx, ops)
}

// Cancel cancels a pending request and notifies the server.
func (c *Client) Cancel(id, reason string) error {
	return c.eng.Cancel(id, reason)
}

// CancelAll cancels every pending request, oldest first.
func (c *Client) CancelAll(reason string) []Request {
	return c.eng.CancelAll(reason)
}

func (c *Client) State() State { return c.eng.State() }

// Session returns the negotiated session, or nil before initialization.
func (c *Client) Session() *Session { return c.eng.Session() }

// PendingCount reports how many requests are in flight.
func (c *Client) PendingCount() int { return c.eng.PendingCount() }

// Close cancels pending requests with reason "client closed", flushes the
// cancellation notices until ctx ends and closes the transport.
func (c *Client) Close(ctx context.Context) error {
	err := c.eng.Close(ctx)

	c.mu.Lock()
	if c.stopRead != nil {
		c.stopRead()
		c.stopRead = nil
	}
	c.connected = false
	c.mu.Unlock()

	if tErr := c.t.Close(); tErr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close transport: %w", tErr))
	}
	return err
}
