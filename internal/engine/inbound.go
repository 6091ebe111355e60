package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ggoodman/mcp-client-go/internal/codec"
	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcp/sampling"
	"github.com/ggoodman/mcp-client-go/mcperr"
)

// Receive decodes a payload from the transport and applies every message in
// it, in order. A payload with any undecodable line is dropped whole and the
// decode error returned.
func (e *Engine) Receive(ctx context.Context, data []byte) error {
	msgs, err := codec.Decode(data)
	if err != nil {
		e.log.WarnContext(ctx, "engine.receive.decode.fail", slog.String("err", err.Error()), slog.Int("bytes", len(data)))
		return err
	}
	if !e.post(func() {
		for _, msg := range msgs {
			e.handleInbound(msg)
		}
	}) {
		return ErrClosed
	}
	return nil
}

func (e *Engine) handleInbound(msg *jsonrpc.AnyMessage) {
	switch msg.Kind() {
	case jsonrpc.KindResponse:
		id := msg.ID.String()
		if !e.resolve(id, Outcome{Result: msg.Result}) {
			e.log.DebugContext(e.ctxFor("", id, "response"), "engine.resolve.unknown_id")
		}
	case jsonrpc.KindError:
		if msg.ID.IsNil() {
			e.log.Warn("engine.receive.uncorrelated_error",
				slog.Int("code", int(msg.Error.Code)),
				slog.String("message", msg.Error.Message),
			)
			return
		}
		id := msg.ID.String()
		werr := mcperr.FromJSONRPC(mcperr.WireError{
			Code:    int(msg.Error.Code),
			Message: msg.Error.Message,
			Data:    msg.Error.Data,
		})
		if !e.resolve(id, Outcome{Err: werr}) {
			e.log.DebugContext(e.ctxFor("", id, "error"), "engine.resolve.unknown_id")
		}
	case jsonrpc.KindRequest:
		e.handleServerRequest(msg)
	case jsonrpc.KindNotification:
		e.handleNotification(msg)
	}
}

func (e *Engine) reply(id any, result any) {
	b, err := codec.Encode(codec.Result(id, result))
	if err != nil {
		e.log.Error("engine.reply.encode.fail", slog.String("err", err.Error()))
		return
	}
	e.send(b, nil)
}

func (e *Engine) replyError(id any, rerr *mcperr.Error) {
	b, err := codec.Encode(codec.ErrorReply(id, rerr))
	if err != nil {
		e.log.Error("engine.reply.encode.fail", slog.String("err", err.Error()))
		return
	}
	e.send(b, nil)
}

func (e *Engine) handleServerRequest(msg *jsonrpc.AnyMessage) {
	id := msg.ID.Value()
	ctx := e.ctxFor(msg.Method, msg.ID.String(), "request")

	switch mcp.Method(msg.Method) {
	case mcp.PingMethod:
		e.reply(id, mcp.EmptyResult{})
	case mcp.RootsListMethod:
		e.reply(id, mcp.ListRootsResult{Roots: e.roots.list()})
	case mcp.SamplingCreateMessageMethod:
		e.startSampling(ctx, msg)
	default:
		e.log.DebugContext(ctx, "engine.server_request.unsupported")
		e.replyError(id, mcperr.MethodNotFound(msg.Method))
	}
}

// startSampling runs the sampling callback on its own goroutine. The reply is
// posted back to the loop, unless the server cancelled the request meanwhile.
func (e *Engine) startSampling(logCtx context.Context, msg *jsonrpc.AnyMessage) {
	id := msg.ID.Value()
	key := msg.ID.String()
	if e.onSampling == nil {
		e.replyError(id, mcperr.MethodNotFound(msg.Method))
		return
	}
	var req mcp.CreateMessageRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil {
		e.replyError(id, mcperr.InvalidParams(msg.Method, err))
		return
	}
	if err := sampling.Validate(&req); err != nil {
		e.replyError(id, mcperr.InvalidParams(msg.Method, err))
		return
	}

	ctx, cancel := context.WithCancel(logCtx)
	e.inbound[key] = cancel
	fn := e.onSampling
	go func() {
		res, err := fn(ctx, &req)
		e.post(func() {
			if _, live := e.inbound[key]; !live {
				return
			}
			delete(e.inbound, key)
			cancel()
			if err != nil {
				e.log.WarnContext(logCtx, "engine.sampling.fail", slog.String("err", err.Error()))
				if me, ok := err.(*mcperr.Error); ok {
					e.replyError(id, me)
					return
				}
				e.replyError(id, mcperr.Execution(err.Error(), nil))
				return
			}
			if res == nil {
				e.replyError(id, mcperr.Execution("sampling handler returned no result", nil))
				return
			}
			e.reply(id, res)
		})
	}()
}

func (e *Engine) handleNotification(msg *jsonrpc.AnyMessage) {
	ctx := e.ctxFor(msg.Method, "", "notification")

	switch mcp.Method(msg.Method) {
	case mcp.ProgressNotificationMethod:
		var p mcp.ProgressNotificationParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			e.log.WarnContext(ctx, "engine.progress.decode.fail", slog.String("err", err.Error()))
			return
		}
		cb, ok := e.progress.lookup(progressKey(p.ProgressToken))
		if !ok {
			e.log.DebugContext(ctx, "engine.progress.unknown_token")
			return
		}
		e.progressQ.enqueue(func() { cb(p.ProgressToken, p.Progress, p.Total) })

	case mcp.LoggingMessageNotificationMethod:
		if e.onLog == nil {
			return
		}
		var n mcp.LoggingMessageNotification
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			e.log.WarnContext(ctx, "engine.log_message.decode.fail", slog.String("err", err.Error()))
			return
		}
		fn := e.onLog
		e.logQ.enqueue(func() { fn(ctx, n) })

	case mcp.CancelledNotificationMethod:
		var n mcp.CancelledNotification
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			return
		}
		key := jsonrpc.NewRequestID(normalizeID(n.RequestID)).String()
		if cancel, ok := e.inbound[key]; ok {
			delete(e.inbound, key)
			cancel()
			e.log.DebugContext(ctx, "engine.server_request.cancelled", slog.String("id", key), slog.String("reason", n.Reason))
		}

	default:
		if e.onNotification == nil {
			return
		}
		params := append(json.RawMessage(nil), msg.Params...)
		fn, method := e.onNotification, msg.Method
		e.noteQ.enqueue(func() { fn(ctx, method, params) })
	}
}

// normalizeID maps a JSON-decoded id onto the forms RequestID accepts.
func normalizeID(v any) any {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	return v
}

// RegisterProgress routes progress notifications carrying token to fn until
// UnregisterProgress is called. A later operation using the same token takes
// over the route while it is in flight.
func (e *Engine) RegisterProgress(token mcp.ProgressToken, fn ProgressFunc) {
	e.exec(func() { e.progress.add(progressKey(token), "", fn) })
}

// UnregisterProgress removes the route added by RegisterProgress for token.
// Routes held by in-flight operations are left alone.
func (e *Engine) UnregisterProgress(token mcp.ProgressToken) {
	e.exec(func() { e.progress.remove(progressKey(token), "") })
}
