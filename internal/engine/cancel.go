package engine

import (
	"log/slog"
	"sort"

	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcperr"
)

// Cancel fails a pending request with request_cancelled and sends the server
// a cancellation notice. Unknown ids fail with request_not_found.
func (e *Engine) Cancel(id, reason string) error {
	var err error
	if !e.exec(func() { err = e.cancel(id, reason) }) {
		return e.errClosed()
	}
	return err
}

func (e *Engine) cancel(id, reason string) error {
	req, ok := e.pending[id]
	if !ok {
		return mcperr.RequestNotFound(id)
	}
	e.notify(string(mcp.CancelledNotificationMethod), mcp.CancelledNotification{RequestID: id, Reason: reason})
	e.resolve(id, Outcome{Err: mcperr.Cancelled(reason)})
	e.log.DebugContext(e.ctxFor(req.Method, id, "request"), "engine.cancel.ok", slog.String("reason", reason))
	return nil
}

// CancelAll cancels every pending request with the same reason and returns
// the requests that were cancelled, oldest first.
func (e *Engine) CancelAll(reason string) []Request {
	var out []Request
	if !e.exec(func() { out = e.cancelAll(reason) }) {
		return nil
	}
	return out
}

func (e *Engine) cancelAll(reason string) []Request {
	snap := make([]Request, 0, len(e.pending))
	for _, req := range e.pending {
		snap = append(snap, req.snapshot())
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].StartedAt.Before(snap[j].StartedAt) })

	for _, r := range snap {
		_ = e.cancel(r.ID, reason)
	}
	if len(snap) > 0 {
		e.log.Info("engine.cancel_all", slog.Int("count", len(snap)), slog.String("reason", reason))
	}
	return snap
}
