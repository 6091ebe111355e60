package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-client-go/internal/logctx"
	"github.com/ggoodman/mcp-client-go/internal/sessioncore"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcperr"
	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("engine closed")
)

// LogFunc receives notifications/message from the server.
type LogFunc func(ctx context.Context, msg mcp.LoggingMessageNotification)

// SamplingFunc answers sampling/createMessage requests from the server.
type SamplingFunc func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)

// NotificationFunc receives server notifications the engine does not consume
// itself, such as list_changed and resources/updated.
type NotificationFunc func(ctx context.Context, method string, params json.RawMessage)

// Engine is the client's request correlation engine. All state lives on a
// single event loop goroutine: caller operations, inbound messages and timer
// expirations are serialized through it in arrival order. Callbacks never run
// on the loop; progress, log and notification callbacks each have a serial
// worker, so every kind is delivered in the order the server sent it.
type Engine struct {
	w   MessageWriter
	log *slog.Logger

	defaultTimeout time.Duration
	sendTimeout    time.Duration
	onLog          LogFunc
	onSampling     SamplingFunc
	onNotification NotificationFunc
	newID          func() string

	events chan func()
	done   chan struct{}
	out    *outbox

	progressQ *dispatcher
	logQ      *dispatcher
	noteQ     *dispatcher

	// Everything below is owned by the loop.
	hs       *sessioncore.Handshake
	pending  map[string]*Request
	batches  map[string]*batch
	progress progressRoutes
	roots    *rootSet
	inbound  map[string]context.CancelFunc
	closed   bool
	stopping bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithDefaultTimeout overrides the per-operation timeout used when an
// Operation leaves Timeout unset.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithSendTimeout bounds each transport write. Default is 10s.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sendTimeout = d
		}
	}
}

// WithClientInfo sets what the client reports about itself in initialize,
// along with the capabilities it advertises and the protocol revision it asks for.
func WithClientInfo(info mcp.ImplementationInfo, caps mcp.ClientCapabilities, version string) Option {
	return func(e *Engine) { e.hs = sessioncore.NewHandshake(info, caps, version) }
}

// WithLogCallback delivers notifications/message to fn, one at a time and in
// arrival order.
func WithLogCallback(fn LogFunc) Option { return func(e *Engine) { e.onLog = fn } }

// WithSamplingCallback answers sampling/createMessage with fn. Without it the
// engine replies method not found. Each request runs on its own goroutine
// and is cancelled when the server sends notifications/cancelled for it.
func WithSamplingCallback(fn SamplingFunc) Option { return func(e *Engine) { e.onSampling = fn } }

// WithNotificationCallback receives every notification the engine does not
// handle itself, in arrival order.
func WithNotificationCallback(fn NotificationFunc) Option {
	return func(e *Engine) { e.onNotification = fn }
}

// withIDGenerator replaces uuid generation; tests use it for stable ids.
func withIDGenerator(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

// New starts an Engine writing through w. Callers must Close it.
func New(w MessageWriter, opts ...Option) *Engine {
	e := &Engine{
		w:              w,
		log:            slog.Default(),
		defaultTimeout: DefaultTimeout,
		sendTimeout:    10 * time.Second,
		newID:          uuid.NewString,
		events:         make(chan func()),
		done:           make(chan struct{}),
		hs: sessioncore.NewHandshake(
			mcp.ImplementationInfo{Name: "mcp-client-go", Version: "dev"},
			mcp.ClientCapabilities{},
			mcp.LatestProtocolVersion,
		),
		pending:  make(map[string]*Request),
		batches:  make(map[string]*batch),
		progress: make(progressRoutes),
		roots:    newRootSet(),
		inbound:  make(map[string]context.CancelFunc),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	e.log = logctx.Wrap(e.log)
	e.out = newOutbox(e.w, e.sendTimeout, e.log)
	e.progressQ, e.logQ, e.noteQ = newDispatcher(), newDispatcher(), newDispatcher()
	go e.out.run()
	go e.loop()
	return e
}

func (e *Engine) loop() {
	defer close(e.done)
	for fn := range e.events {
		fn()
		if e.stopping {
			return
		}
	}
}

// post hands fn to the loop. It reports false once the loop has exited.
func (e *Engine) post(fn func()) bool {
	select {
	case e.events <- fn:
		return true
	case <-e.done:
		return false
	}
}

// exec runs fn on the loop and waits for it to return.
func (e *Engine) exec(fn func()) bool {
	finished := make(chan struct{})
	if !e.post(func() { defer close(finished); fn() }) {
		return false
	}
	<-finished
	return true
}

func (e *Engine) ctxFor(method, id, kind string) context.Context {
	ctx := logctx.WithRPCMessage(context.Background(), &logctx.RPCMessage{Method: method, ID: id, Type: kind})
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		State:           string(e.hs.State()),
		ProtocolVersion: e.hs.RequestedVersion(),
	})
}

// Connect records that the transport is up (disconnected -> connected).
func (e *Engine) Connect() error {
	var err error
	if !e.exec(func() {
		if e.closed {
			err = ErrClosed
			return
		}
		if cErr := e.hs.Connected(); cErr != nil {
			err = cErr
		}
	}) {
		return ErrClosed
	}
	return err
}

// State reports the handshake state.
func (e *Engine) State() sessioncore.State {
	st := sessioncore.StateDisconnected
	e.exec(func() { st = e.hs.State() })
	return st
}

// Session returns a copy of the negotiated session, or nil.
func (e *Engine) Session() *sessioncore.Session {
	var s *sessioncore.Session
	e.exec(func() {
		if cur := e.hs.Session(); cur != nil {
			cp := *cur
			s = &cp
		}
	})
	return s
}

// PendingCount reports how many requests are in flight.
func (e *Engine) PendingCount() int {
	n := 0
	e.exec(func() { n = len(e.pending) })
	return n
}

// Close cancels every pending request with reason "client closed", queues a
// best-effort cancellation notice for each and stops the loop. Queued writes
// are flushed until ctx ends; the transport is not waited on beyond that.
func (e *Engine) Close(ctx context.Context) error {
	ran := e.exec(func() {
		if e.closed {
			return
		}
		cancelled := e.cancelAll("client closed")
		for key, cancel := range e.inbound {
			delete(e.inbound, key)
			cancel()
		}
		e.log.InfoContext(context.Background(), "engine.close", slog.Int("cancelled", len(cancelled)))
		e.closed = true
		e.stopping = true
	})
	if !ran {
		return nil
	}
	<-e.done
	e.progressQ.close()
	e.logQ.close()
	e.noteQ.close()
	return e.out.close(ctx)
}

// Done is closed once the engine has shut down.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) timeoutFor(op Operation) time.Duration {
	if op.Timeout > 0 {
		return op.Timeout
	}
	return e.defaultTimeout
}

// freshID returns an id that is not currently live.
func (e *Engine) freshID() string {
	for {
		id := e.newID()
		if _, live := e.pending[id]; !live {
			return id
		}
	}
}

func (e *Engine) errClosed() *mcperr.Error {
	return mcperr.New(mcperr.ReasonInternalError, ErrClosed.Error(), nil)
}
