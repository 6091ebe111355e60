package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcperr"
)

// Initialize runs the handshake: it sends initialize, validates the answer,
// negotiates the protocol version and, on success, sends
// notifications/initialized. The engine must be connected.
//
// An invalid or mismatched answer is returned as an error and leaves the
// handshake in the initializing state. A timeout, error reply or
// cancellation of the initialize request returns it to connected.
func (e *Engine) Initialize(ctx context.Context, timeout time.Duration) (*mcp.InitializeResult, error) {
	var (
		p   *Pending
		err error
	)
	if !e.exec(func() { p, err = e.startInitialize(timeout) }) {
		return nil, e.errClosed()
	}
	if err != nil {
		return nil, err
	}

	raw, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, mcperr.Internal(fmt.Sprintf("decode initialize result: %v", err))
	}
	return &res, nil
}

func (e *Engine) startInitialize(timeout time.Duration) (*Pending, error) {
	if e.closed {
		return nil, e.errClosed()
	}
	id := e.freshID()
	b, err := e.hs.StartInitialization(id)
	if err != nil {
		return nil, err
	}
	req := e.track(id, Operation{Method: string(mcp.InitializeMethod), Timeout: timeout}, "")
	req.done = make(chan Outcome, 1)
	e.send(b, nil, id)

	e.log.InfoContext(e.ctxFor(string(mcp.InitializeMethod), id, "request"), "engine.initialize.start")
	return &Pending{ID: id, e: e, done: req.done}, nil
}

// completeHandshake runs on the loop when the initialize request resolves and
// returns the outcome the caller should see.
func (e *Engine) completeHandshake(o Outcome) Outcome {
	if o.Err != nil {
		e.hs.AbortInitialization()
		e.log.Warn("engine.initialize.fail", slog.String("reason", string(o.Err.Reason)), slog.String("err", o.Err.Error()))
		return o
	}

	res, err := e.hs.HandleInitializeResponse(o.Result)
	if err != nil {
		e.log.Warn("engine.initialize.rejected", slog.String("err", err.Error()))
		return Outcome{Err: mcperr.As(err)}
	}
	note, err := e.hs.CompleteInitialization()
	if err != nil {
		return Outcome{Err: mcperr.As(err)}
	}
	e.send(note, nil)

	e.log.Info("engine.initialize.ok",
		slog.String("protocol_version", res.ProtocolVersion),
		slog.String("server", res.ServerInfo.Name),
		slog.String("server_version", res.ServerInfo.Version),
	)
	return o
}
