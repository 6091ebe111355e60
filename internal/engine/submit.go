package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ggoodman/mcp-client-go/internal/codec"
	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-client-go/internal/sessioncore"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcperr"
)

// Submit validates op against the negotiated capabilities, registers it and
// queues the encoded request for sending. A rejected operation leaves no
// state behind: no request is tracked, no timer armed, no callback kept.
func (e *Engine) Submit(op Operation) (*Pending, error) {
	var (
		p   *Pending
		err error
	)
	if !e.exec(func() { p, err = e.submit(op) }) {
		return nil, e.errClosed()
	}
	return p, err
}

// Call submits op and waits for its result.
func (e *Engine) Call(ctx context.Context, op Operation) (json.RawMessage, error) {
	p, err := e.Submit(op)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

func (e *Engine) submit(op Operation) (*Pending, error) {
	if e.closed {
		return nil, e.errClosed()
	}
	msg, err := e.prepare(op)
	if err != nil {
		e.log.DebugContext(e.ctxFor(op.Method, "", "request"), "engine.submit.rejected", slog.String("err", err.Error()))
		return nil, err
	}
	id := e.freshID()
	b, err := codec.Encode(codec.Request(id, op.Method, msg))
	if err != nil {
		return nil, err
	}

	req := e.track(id, op, "")
	req.done = make(chan Outcome, 1)
	e.send(b, op.Headers, id)

	e.log.DebugContext(e.ctxFor(op.Method, id, "request"), "engine.submit.ok")
	return &Pending{ID: id, e: e, done: req.done}, nil
}

// prepare gates op on the session and returns the params to put on the wire.
func (e *Engine) prepare(op Operation) (map[string]any, error) {
	if op.Method == string(mcp.InitializeMethod) {
		return nil, mcperr.InvalidRequest("initialize is driven by the handshake", map[string]any{"method": op.Method})
	}
	if err := sessioncore.ValidateMethod(op.Method, e.hs.ServerCapabilities()); err != nil {
		return nil, err
	}
	params := withProgressToken(op.Params, op.Progress)
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

// withProgressToken copies params, adding _meta.progressToken only when both
// a token and a callback were supplied.
func withProgressToken(params map[string]any, p *Progress) map[string]any {
	if p == nil || p.Token == nil || p.Callback == nil {
		return params
	}
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	meta := map[string]any{}
	if existing, ok := params["_meta"].(map[string]any); ok {
		for k, v := range existing {
			meta[k] = v
		}
	}
	meta["progressToken"] = p.Token
	out["_meta"] = meta
	return out
}

// track stores a request record, registers its progress callback and arms
// its deadline.
func (e *Engine) track(id string, op Operation, batchID string) *Request {
	req := &Request{
		ID:        id,
		Method:    op.Method,
		BatchID:   batchID,
		StartedAt: time.Now(),
	}
	if op.Progress != nil && op.Progress.Token != nil && op.Progress.Callback != nil {
		req.progressKey = progressKey(op.Progress.Token)
		e.progress.add(req.progressKey, id, op.Progress.Callback)
	}
	req.timer = time.AfterFunc(e.timeoutFor(op), func() {
		e.post(func() { e.expire(id) })
	})
	e.pending[id] = req
	return req
}

// send queues b. A write failure resolves every listed request with
// send_failure.
func (e *Engine) send(b []byte, headers map[string]string, ids ...string) {
	item := outgoing{msg: jsonrpc.Message(b), headers: headers}
	if len(ids) > 0 {
		item.onErr = func(err error) {
			e.post(func() {
				for _, id := range ids {
					e.resolve(id, Outcome{Err: mcperr.SendFailure(err)})
				}
			})
		}
	}
	e.out.enqueue(item)
}

// notify queues a notification. Failures are only logged.
func (e *Engine) notify(method string, params any) {
	b, err := codec.Encode(codec.Notification(method, params))
	if err != nil {
		e.log.Error("engine.notify.encode.fail", slog.String("method", method), slog.String("err", err.Error()))
		return
	}
	e.send(b, nil)
}

// SubmitBatch submits ops as one wire batch. Every op is validated before
// anything is registered: one rejected op rejects the whole batch and nothing
// is tracked. Batching needs a negotiated protocol revision that allows it.
func (e *Engine) SubmitBatch(ops []Operation) (*PendingBatch, error) {
	var (
		p   *PendingBatch
		err error
	)
	if !e.exec(func() { p, err = e.submitBatch(ops) }) {
		return nil, e.errClosed()
	}
	return p, err
}

// Batch submits ops as a batch and waits for every member.
func (e *Engine) Batch(ctx context.Context, ops []Operation) ([]BatchResult, error) {
	p, err := e.SubmitBatch(ops)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

func (e *Engine) submitBatch(ops []Operation) (*PendingBatch, error) {
	if e.closed {
		return nil, e.errClosed()
	}
	if len(ops) == 0 {
		return nil, mcperr.InvalidRequest("empty batch", nil)
	}
	if v := e.hs.NegotiatedVersion(); !mcp.SupportsBatching(v) {
		return nil, mcperr.InvalidRequest("batching is not supported by the negotiated protocol version", map[string]any{
			"protocol_version":   v,
			"minimum_version":    mcp.MinBatchProtocolVersion,
			"supported_versions": slices.Clone(mcp.BatchProtocolVersions),
		})
	}

	ids := make([]string, len(ops))
	msgs := make([]map[string]any, len(ops))
	seen := make(map[string]struct{}, len(ops))
	for i, op := range ops {
		params, err := e.prepare(op)
		if err != nil {
			me := mcperr.As(err)
			data := map[string]any{"index": i}
			for k, v := range me.Data {
				data[k] = v
			}
			return nil, &mcperr.Error{Code: me.Code, Reason: me.Reason, Message: me.Message, Data: data}
		}
		id := e.freshID()
		for {
			if _, dup := seen[id]; !dup {
				break
			}
			id = e.freshID()
		}
		seen[id] = struct{}{}
		ids[i] = id
		msgs[i] = codec.Request(id, op.Method, params)
	}

	b, err := codec.EncodeBatch(msgs)
	if err != nil {
		return nil, err
	}

	batchID := e.newID()
	bt := &batch{
		id:        batchID,
		order:     ids,
		results:   make(map[string]BatchResult, len(ops)),
		remaining: len(ops),
		done:      make(chan batchOutcome, 1),
	}
	e.batches[batchID] = bt

	var headers map[string]string
	for i, op := range ops {
		e.track(ids[i], op, batchID)
		if headers == nil {
			headers = op.Headers
		}
	}
	e.send(b, headers, ids...)

	e.log.DebugContext(context.Background(), "engine.submit_batch.ok", slog.String("batch_id", batchID), slog.Int("size", len(ops)))
	return &PendingBatch{ID: batchID, IDs: append([]string(nil), ids...), e: e, done: bt.done}, nil
}

// finish removes a pending request and disarms everything attached to it.
func (e *Engine) finish(id string) (*Request, bool) {
	req, ok := e.pending[id]
	if !ok {
		return nil, false
	}
	delete(e.pending, id)
	if req.timer != nil {
		req.timer.Stop()
	}
	if req.progressKey != "" {
		e.progress.remove(req.progressKey, id)
	}
	return req, true
}

// resolve completes id with o. Ids that are no longer pending are ignored,
// which makes resolution after timeout or cancellation a no-op.
func (e *Engine) resolve(id string, o Outcome) bool {
	req, ok := e.finish(id)
	if !ok {
		return false
	}
	if req.Method == string(mcp.InitializeMethod) && id == e.hs.InitializeRequestID() {
		o = e.completeHandshake(o)
	}
	e.deliver(req, o)
	return true
}

func (e *Engine) deliver(req *Request, o Outcome) {
	if req.BatchID == "" {
		req.done <- o
		return
	}
	bt, ok := e.batches[req.BatchID]
	if !ok {
		return
	}
	bt.results[req.ID] = BatchResult{ID: req.ID, Method: req.Method, Result: o.Result, Err: o.Err}
	bt.remaining--
	if bt.remaining > 0 {
		return
	}
	delete(e.batches, bt.id)
	ordered := make([]BatchResult, 0, len(bt.order))
	for _, id := range bt.order {
		ordered = append(ordered, bt.results[id])
	}
	bt.done <- batchOutcome{results: ordered}
}

// expire fails id with request_timeout if it is still pending and tells the
// server to stop working on it. Running it more than once is harmless.
func (e *Engine) expire(id string) {
	req, ok := e.pending[id]
	if !ok {
		return
	}
	elapsed := time.Since(req.StartedAt)
	e.log.WarnContext(e.ctxFor(req.Method, id, "request"), "engine.request.timeout", slog.Int64("dur_ms", elapsed.Milliseconds()))
	e.resolve(id, Outcome{Err: mcperr.Timeout(req.Method, elapsed)})
	e.notify(string(mcp.CancelledNotificationMethod), mcp.CancelledNotification{
		RequestID: id,
		Reason:    fmt.Sprintf("request timed out after %s", elapsed.Truncate(time.Millisecond)),
	})
}
