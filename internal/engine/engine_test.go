package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-client-go/internal/codec"
	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-client-go/internal/sessioncore"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcperr"
	"github.com/google/go-cmp/cmp"
)

// recorder captures every write the engine makes.
type recorder struct {
	writes chan []byte

	mu   sync.Mutex
	fail error
}

func newRecorder() *recorder { return &recorder{writes: make(chan []byte, 256)} }

func (r *recorder) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	r.mu.Lock()
	err := r.fail
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.writes <- append([]byte(nil), msg...)
	return nil
}

func (r *recorder) failWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

// next returns the messages of the next write.
func (r *recorder) next(t *testing.T) []*jsonrpc.AnyMessage {
	t.Helper()
	select {
	case b := <-r.writes:
		msgs, err := codec.Decode(b)
		if err != nil {
			t.Fatalf("engine wrote undecodable bytes %q: %v", b, err)
		}
		return msgs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a write")
		return nil
	}
}

func (r *recorder) nextOne(t *testing.T) *jsonrpc.AnyMessage {
	t.Helper()
	msgs := r.next(t)
	if len(msgs) != 1 {
		t.Fatalf("expected a single message, got %d", len(msgs))
	}
	return msgs[0]
}

func (r *recorder) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case b := <-r.writes:
		t.Fatalf("unexpected write %q", b)
	case <-time.After(d):
	}
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type harness struct {
	e   *Engine
	rec *recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	rec := newRecorder()
	e := New(rec, append([]Option{WithLogger(discardLogger())}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return &harness{e: e, rec: rec}
}

func (h *harness) receive(t *testing.T, s string) {
	t.Helper()
	if err := h.e.Receive(context.Background(), []byte(s)); err != nil {
		t.Fatalf("Receive(%s): %v", s, err)
	}
}

func (h *harness) respond(t *testing.T, id string, result string) {
	t.Helper()
	h.receive(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`, id, result))
}

// initialize runs the handshake against a server that answers with version
// and capabilities caps.
func (h *harness) initialize(t *testing.T, version, caps string) {
	t.Helper()
	if err := h.e.Connect(); err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := h.e.Initialize(context.Background(), 0)
		errCh <- err
	}()

	req := h.rec.nextOne(t)
	if req.Method != string(mcp.InitializeMethod) {
		t.Fatalf("first write was %q", req.Method)
	}
	h.respond(t, req.ID.String(), fmt.Sprintf(`{"protocolVersion":%q,"capabilities":%s,"serverInfo":{"name":"srv","version":"1"}}`, version, caps))
	if err := <-errCh; err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if note := h.rec.nextOne(t); note.Method != string(mcp.InitializedNotificationMethod) {
		t.Fatalf("expected initialized notification, got %q", note.Method)
	}
}

func newInitialized(t *testing.T, caps string, opts ...Option) *harness {
	t.Helper()
	h := newHarness(t, opts...)
	h.initialize(t, mcp.LatestProtocolVersion, caps)
	return h
}

// newBatching initializes on 2025-03-26, the one revision that allows batches.
func newBatching(t *testing.T, caps string) *harness {
	t.Helper()
	h := newHarness(t, WithClientInfo(mcp.ImplementationInfo{Name: "c", Version: "1"}, mcp.ClientCapabilities{}, mcp.ProtocolVersion20250326))
	h.initialize(t, mcp.ProtocolVersion20250326, caps)
	return h
}

func TestInitializeNegotiates(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	if st := h.e.State(); st != sessioncore.StateInitialized {
		t.Fatalf("state = %s", st)
	}
	sess := h.e.Session()
	if sess == nil || sess.ServerInfo.Name != "srv" || sess.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("session = %+v", sess)
	}
}

func TestInitializeVersionMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_ = h.e.Connect()
	errCh := make(chan error, 1)
	go func() {
		_, err := h.e.Initialize(context.Background(), 0)
		errCh <- err
	}()
	req := h.rec.nextOne(t)
	h.respond(t, req.ID.String(), `{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"srv"}}`)

	err := <-errCh
	if !mcperr.IsReason(err, mcperr.ReasonInvalidRequest) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	if st := h.e.State(); st != sessioncore.StateInitializing {
		t.Fatalf("state = %s", st)
	}
	if _, err := h.e.Submit(Operation{Method: "tools/list"}); !mcperr.IsReason(err, mcperr.ReasonInternalError) {
		t.Fatalf("expected not-initialized error, got %v", err)
	}
	h.rec.expectQuiet(t, 50*time.Millisecond)
}

func TestInitializeErrorReplyReturnsToConnected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_ = h.e.Connect()
	errCh := make(chan error, 1)
	go func() {
		_, err := h.e.Initialize(context.Background(), 0)
		errCh <- err
	}()
	req := h.rec.nextOne(t)
	h.receive(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":-32603,"message":"boom"}}`, req.ID.String()))

	if err := <-errCh; !mcperr.IsReason(err, mcperr.ReasonInternalError) {
		t.Fatalf("expected internal_error, got %v", err)
	}
	if st := h.e.State(); st != sessioncore.StateConnected {
		t.Fatalf("state = %s, want connected", st)
	}
}

func TestInitializeBeforeConnectFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if _, err := h.e.Initialize(context.Background(), 0); !mcperr.IsReason(err, mcperr.ReasonInvalidRequest) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestSubmitBeforeInitialize(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.e.Submit(Operation{Method: "tools/list"})
	if !mcperr.IsReason(err, mcperr.ReasonInternalError) {
		t.Fatalf("expected internal_error, got %v", err)
	}
	if n := h.e.PendingCount(); n != 0 {
		t.Fatalf("pending = %d", n)
	}

	// ping is exempt from the gate.
	p, err := h.e.Submit(Operation{Method: "ping"})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	req := h.rec.nextOne(t)
	h.respond(t, req.ID.String(), `{}`)
	if _, err := p.Wait(context.Background()); err != nil {
		t.Fatalf("ping wait: %v", err)
	}
}

func TestCallRoundTrip(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	done := make(chan json.RawMessage, 1)
	go func() {
		res, err := h.e.Call(context.Background(), Operation{
			Method: "tools/call",
			Params: map[string]any{"name": "echo", "arguments": map[string]any{"x": 1}},
		})
		if err != nil {
			t.Errorf("Call: %v", err)
		}
		done <- res
	}()

	req := h.rec.nextOne(t)
	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"name": "echo", "arguments": map[string]any{"x": float64(1)}}, params); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}
	h.respond(t, req.ID.String(), `{"content":[{"type":"text","text":"hi"}]}`)

	if got := string(<-done); got != `{"content":[{"type":"text","text":"hi"}]}` {
		t.Fatalf("result = %s", got)
	}
	if n := h.e.PendingCount(); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestCapabilityGateLeavesNoState(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	_, err := h.e.Submit(Operation{
		Method:   "resources/list",
		Progress: &Progress{Token: "t", Callback: func(mcp.ProgressToken, float64, *float64) {}},
	})
	if !mcperr.IsReason(err, mcperr.ReasonMethodNotFound) {
		t.Fatalf("expected method_not_found, got %v", err)
	}
	if n := h.e.PendingCount(); n != 0 {
		t.Fatalf("pending = %d", n)
	}
	var progress int
	h.e.exec(func() { progress = len(h.e.progress) })
	if progress != 0 {
		t.Fatalf("progress callbacks = %d", progress)
	}
	h.rec.expectQuiet(t, 50*time.Millisecond)
}

func TestInvalidParamsRejected(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"resources":{}}`)
	_, err := h.e.Submit(Operation{Method: "resources/read", Params: map[string]any{}})
	if !mcperr.IsReason(err, mcperr.ReasonInvalidParams) {
		t.Fatalf("expected invalid_params, got %v", err)
	}
	if n := h.e.PendingCount(); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestTimeoutRacingResponseResolvesOnce(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		h := newInitialized(t, `{"tools":{}}`)
		p, err := h.e.Submit(Operation{Method: "tools/list", Timeout: 50 * time.Millisecond})
		if err != nil {
			t.Fatal(err)
		}
		req := h.rec.nextOne(t)

		time.Sleep(50 * time.Millisecond)
		h.respond(t, req.ID.String(), `{"tools":[]}`)

		_, err = p.Wait(context.Background())
		if err != nil && !mcperr.IsReason(err, mcperr.ReasonRequestTimeout) {
			t.Fatalf("unexpected outcome: %v", err)
		}
		if n := h.e.PendingCount(); n != 0 {
			t.Fatalf("pending = %d", n)
		}
		select {
		case o := <-p.done:
			t.Fatalf("second outcome delivered: %+v", o)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestTimeoutSendsCancellation(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	p, err := h.e.Submit(Operation{Method: "tools/list", Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	req := h.rec.nextOne(t)

	_, err = p.Wait(context.Background())
	e := mcperr.As(err)
	if e == nil || e.Reason != mcperr.ReasonRequestTimeout || e.Data["method"] != "tools/list" {
		t.Fatalf("expected request_timeout for tools/list, got %v", err)
	}
	if _, ok := e.Data["elapsed_ms"]; !ok {
		t.Fatalf("timeout carries no elapsed time: %+v", e.Data)
	}

	note := h.rec.nextOne(t)
	if note.Method != string(mcp.CancelledNotificationMethod) {
		t.Fatalf("expected cancellation notice, got %q", note.Method)
	}
	var params mcp.CancelledNotification
	_ = json.Unmarshal(note.Params, &params)
	if params.RequestID != req.ID.String() {
		t.Fatalf("notice for %v, want %s", params.RequestID, req.ID.String())
	}

	// A late reply is dropped quietly.
	h.respond(t, req.ID.String(), `{"tools":[]}`)
	h.rec.expectQuiet(t, 30*time.Millisecond)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	p, _ := h.e.Submit(Operation{Method: "tools/list"})
	req := h.rec.nextOne(t)

	if err := h.e.Cancel(p.ID, "user abort"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	_, err := p.Wait(context.Background())
	if e := mcperr.As(err); e == nil || e.Reason != mcperr.ReasonRequestCancelled || e.Data["reason"] != "user abort" {
		t.Fatalf("unexpected outcome %v", err)
	}
	note := h.rec.nextOne(t)
	if note.Method != string(mcp.CancelledNotificationMethod) {
		t.Fatalf("expected notice, got %q", note.Method)
	}
	if !json.Valid(note.Params) || req.ID.String() != p.ID {
		t.Fatal("notice does not reference the request")
	}

	if err := h.e.Cancel(p.ID, "again"); !mcperr.IsReason(err, mcperr.ReasonRequestNotFound) {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestWaitContextCancelsRequest(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	p, _ := h.e.Submit(Operation{Method: "tools/list"})
	h.rec.nextOne(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Wait(ctx)
	if !mcperr.IsReason(err, mcperr.ReasonRequestCancelled) {
		t.Fatalf("expected request_cancelled, got %v", err)
	}
	if n := h.e.PendingCount(); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestCancelAll(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	var pendings []*Pending
	for i := 0; i < 5; i++ {
		p, err := h.e.Submit(Operation{Method: "tools/list"})
		if err != nil {
			t.Fatal(err)
		}
		pendings = append(pendings, p)
		h.rec.nextOne(t)
	}

	cancelled := h.e.CancelAll("shutdown")
	if len(cancelled) != 5 {
		t.Fatalf("cancelled %d, want 5", len(cancelled))
	}
	if n := h.e.PendingCount(); n != 0 {
		t.Fatalf("pending = %d", n)
	}
	for _, p := range pendings {
		_, err := p.Wait(context.Background())
		e := mcperr.As(err)
		if e == nil || e.Reason != mcperr.ReasonRequestCancelled || e.Data["reason"] != "shutdown" {
			t.Fatalf("unexpected outcome %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		if m := h.rec.nextOne(t); m.Method != string(mcp.CancelledNotificationMethod) {
			t.Fatalf("notice %d: %q", i, m.Method)
		}
	}
}

func TestCloseCancelsPending(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	p, _ := h.e.Submit(Operation{Method: "tools/list"})
	h.rec.nextOne(t)

	if err := h.e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := p.Wait(context.Background())
	if e := mcperr.As(err); e == nil || e.Data["reason"] != "client closed" {
		t.Fatalf("unexpected outcome %v", err)
	}
	if m := h.rec.nextOne(t); m.Method != string(mcp.CancelledNotificationMethod) {
		t.Fatalf("expected flushed notice, got %q", m.Method)
	}
	if _, err := h.e.Submit(Operation{Method: "ping"}); err == nil {
		t.Fatal("submit after close succeeded")
	}
}

func TestSendFailure(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	h.rec.failWith(errors.New("pipe closed"))
	p, err := h.e.Submit(Operation{Method: "tools/list"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Wait(context.Background())
	e := mcperr.As(err)
	if e == nil || e.Reason != mcperr.ReasonSendFailure || e.Data["error"] != "pipe closed" {
		t.Fatalf("unexpected outcome %v", err)
	}
}

func TestMessageWriterFuncFailureFailsInitialize(t *testing.T) {
	t.Parallel()

	var writes atomic.Int32
	w := MessageWriterFunc(func(ctx context.Context, msg jsonrpc.Message) error {
		writes.Add(1)
		return errors.New("no route")
	})
	e := New(w, WithLogger(discardLogger()))
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	if err := e.Connect(); err != nil {
		t.Fatal(err)
	}

	_, err := e.Initialize(context.Background(), time.Second)
	if !mcperr.IsReason(err, mcperr.ReasonSendFailure) {
		t.Fatalf("expected send_failure, got %v", err)
	}
	if n := writes.Load(); n != 1 {
		t.Fatalf("writes = %d", n)
	}
	if st := e.State(); st != sessioncore.StateConnected {
		t.Fatalf("state = %s, want connected", st)
	}
}

func TestErrorReplyMapsReason(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"resources":{}}`)
	p, _ := h.e.Submit(Operation{Method: "resources/read", Params: map[string]any{"uri": "file:///x"}})
	req := h.rec.nextOne(t)
	h.receive(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":-32002,"message":"nope","data":{"uri":"file:///x"}}}`, req.ID.String()))

	_, err := p.Wait(context.Background())
	want := &mcperr.Error{Code: -32002, Reason: mcperr.ReasonResourceNotFound, Message: "nope", Data: map[string]any{"uri": "file:///x"}}
	if diff := cmp.Diff(want, mcperr.As(err)); diff != "" {
		t.Fatalf("error mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchResultsInSubmissionOrder(t *testing.T) {
	t.Parallel()

	h := newBatching(t, `{"tools":{},"prompts":{}}`)
	pb, err := h.e.SubmitBatch([]Operation{
		{Method: "tools/list"},
		{Method: "prompts/list"},
		{Method: "ping"},
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	msgs := h.rec.next(t)
	if len(msgs) != 3 {
		t.Fatalf("batch wrote %d messages", len(msgs))
	}

	// Reply out of order, one of them an error, in a single batch payload.
	h.receive(t, fmt.Sprintf(`[{"jsonrpc":"2.0","id":%q,"result":{"ok":3}},{"jsonrpc":"2.0","id":%q,"error":{"code":-32601,"message":"no"}}]`,
		msgs[2].ID.String(), msgs[1].ID.String()))
	h.respond(t, msgs[0].ID.String(), `{"ok":1}`)

	res, err := pb.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	var methods []string
	for _, r := range res {
		methods = append(methods, r.Method)
	}
	if diff := cmp.Diff([]string{"tools/list", "prompts/list", "ping"}, methods); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if string(res[0].Result) != `{"ok":1}` || res[1].Err == nil || res[1].Err.Reason != mcperr.ReasonMethodNotFound {
		t.Fatalf("unexpected results %+v", res)
	}
	if n := h.e.PendingCount(); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestBatchIsAllOrNothing(t *testing.T) {
	t.Parallel()

	h := newBatching(t, `{"tools":{}}`)
	_, err := h.e.SubmitBatch([]Operation{
		{Method: "tools/list"},
		{Method: "resources/list"},
		{Method: "ping"},
	})
	e := mcperr.As(err)
	if e == nil || e.Reason != mcperr.ReasonMethodNotFound || e.Data["index"] != 1 {
		t.Fatalf("unexpected error %v", err)
	}
	if n := h.e.PendingCount(); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
	var batches int
	h.e.exec(func() { batches = len(h.e.batches) })
	if batches != 0 {
		t.Fatalf("batches = %d", batches)
	}
	h.rec.expectQuiet(t, 50*time.Millisecond)
}

func TestBatchRequiresProtocolSupport(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithClientInfo(mcp.ImplementationInfo{Name: "c", Version: "1"}, mcp.ClientCapabilities{}, mcp.ProtocolVersion20241105))
	h.initialize(t, mcp.ProtocolVersion20241105, `{"tools":{}}`)

	_, err := h.e.SubmitBatch([]Operation{{Method: "tools/list"}})
	e := mcperr.As(err)
	if e == nil || e.Reason != mcperr.ReasonInvalidRequest || e.Data["minimum_version"] != mcp.MinBatchProtocolVersion {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestBatchRejectedOnLatestRevision(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	_, err := h.e.SubmitBatch([]Operation{{Method: "tools/list"}, {Method: "ping"}})
	e := mcperr.As(err)
	if e == nil || e.Reason != mcperr.ReasonInvalidRequest {
		t.Fatalf("expected invalid_request on %s, got %v", mcp.LatestProtocolVersion, err)
	}
	if e.Data["protocol_version"] != mcp.ProtocolVersion20250618 || e.Data["minimum_version"] != mcp.ProtocolVersion20250326 {
		t.Fatalf("unexpected data %v", e.Data)
	}
	if diff := cmp.Diff([]string{mcp.ProtocolVersion20250326}, e.Data["supported_versions"]); diff != "" {
		t.Fatalf("supported_versions mismatch (-want +got):\n%s", diff)
	}
	if n := h.e.PendingCount(); n != 0 {
		t.Fatalf("pending = %d", n)
	}
	h.rec.expectQuiet(t, 50*time.Millisecond)
}

func TestBatchTimeoutCompletesBatch(t *testing.T) {
	t.Parallel()

	h := newBatching(t, `{"tools":{}}`)
	pb, err := h.e.SubmitBatch([]Operation{
		{Method: "tools/list"},
		{Method: "ping", Timeout: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	msgs := h.rec.next(t)
	h.respond(t, msgs[0].ID.String(), `{"tools":[]}`)

	res, err := pb.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res[0].Err != nil || res[1].Err == nil || res[1].Err.Reason != mcperr.ReasonRequestTimeout {
		t.Fatalf("unexpected results %+v", res)
	}
}

func TestProgressTokenInjection(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	cb := func(mcp.ProgressToken, float64, *float64) {}

	_, err := h.e.Submit(Operation{Method: "tools/call", Params: map[string]any{"name": "a"}, Progress: &Progress{Token: "p1", Callback: cb}})
	if err != nil {
		t.Fatal(err)
	}
	var withToken map[string]any
	_ = json.Unmarshal(h.rec.nextOne(t).Params, &withToken)
	if diff := cmp.Diff(map[string]any{"name": "a", "_meta": map[string]any{"progressToken": "p1"}}, withToken); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}

	// A token without a callback is not sent.
	_, err = h.e.Submit(Operation{Method: "tools/call", Params: map[string]any{"name": "b"}, Progress: &Progress{Token: "p2"}})
	if err != nil {
		t.Fatal(err)
	}
	var without map[string]any
	_ = json.Unmarshal(h.rec.nextOne(t).Params, &without)
	if _, ok := without["_meta"]; ok {
		t.Fatalf("unexpected _meta in %v", without)
	}
}

func TestProgressDispatchDoesNotBlock(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)

	release := make(chan struct{})
	var calls atomic.Int32
	type call struct {
		token    mcp.ProgressToken
		progress float64
		total    float64
	}
	got := make(chan call, 4)
	h.e.RegisterProgress("tok1", func(token mcp.ProgressToken, progress float64, total *float64) {
		calls.Add(1)
		c := call{token: token, progress: progress}
		if total != nil {
			c.total = *total
		}
		got <- c
		<-release
	})

	h.receive(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"tok1","progress":5,"total":10}}`)

	// The callback is blocked; the engine must still resolve requests.
	p, _ := h.e.Submit(Operation{Method: "tools/list"})
	req := h.rec.nextOne(t)
	h.respond(t, req.ID.String(), `{"tools":[]}`)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); err != nil {
		t.Fatalf("request blocked behind progress callback: %v", err)
	}
	close(release)

	c := <-got
	if diff := cmp.Diff(call{token: "tok1", progress: 5, total: 10}, c, cmp.AllowUnexported(call{})); diff != "" {
		t.Fatalf("callback args mismatch (-want +got):\n%s", diff)
	}
	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("callback invoked %d times", n)
	}
}

func TestProgressCallbackReleasedWithRequest(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	var calls atomic.Int32
	p, _ := h.e.Submit(Operation{
		Method:   "tools/call",
		Params:   map[string]any{"name": "slow"},
		Progress: &Progress{Token: 7, Callback: func(mcp.ProgressToken, float64, *float64) { calls.Add(1) }},
	})
	req := h.rec.nextOne(t)

	h.receive(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":7,"progress":1}}`)
	h.respond(t, req.ID.String(), `{"content":[]}`)
	if _, err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.receive(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":7,"progress":2}}`)

	time.Sleep(30 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("callback invoked %d times, want 1", n)
	}
}

func TestSharedProgressTokenSurvivesFirstCompletion(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	var firstCalls, secondCalls atomic.Int32
	first, _ := h.e.Submit(Operation{
		Method:   "tools/call",
		Params:   map[string]any{"name": "a"},
		Progress: &Progress{Token: "shared", Callback: func(mcp.ProgressToken, float64, *float64) { firstCalls.Add(1) }},
	})
	firstReq := h.rec.nextOne(t)
	second, _ := h.e.Submit(Operation{
		Method:   "tools/call",
		Params:   map[string]any{"name": "b"},
		Progress: &Progress{Token: "shared", Callback: func(mcp.ProgressToken, float64, *float64) { secondCalls.Add(1) }},
	})
	secondReq := h.rec.nextOne(t)

	h.respond(t, firstReq.ID.String(), `{"content":[]}`)
	if _, err := first.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.receive(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"shared","progress":1}}`)

	deadline := time.Now().Add(time.Second)
	for secondCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := secondCalls.Load(); n != 1 {
		t.Fatalf("second callback invoked %d times, want 1", n)
	}
	if n := firstCalls.Load(); n != 0 {
		t.Fatalf("first callback invoked %d times after it resolved", n)
	}

	h.respond(t, secondReq.ID.String(), `{"content":[]}`)
	if _, err := second.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	var routes int
	h.e.exec(func() { routes = len(h.e.progress) })
	if routes != 0 {
		t.Fatalf("progress routes left = %d", routes)
	}
}

func TestRegisteredProgressOutlivesOperation(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	got := make(chan float64, 4)
	h.e.RegisterProgress("job", func(_ mcp.ProgressToken, progress float64, _ *float64) { got <- progress })

	p, _ := h.e.Submit(Operation{
		Method:   "tools/call",
		Params:   map[string]any{"name": "a"},
		Progress: &Progress{Token: "job", Callback: func(mcp.ProgressToken, float64, *float64) {}},
	})
	req := h.rec.nextOne(t)
	h.respond(t, req.ID.String(), `{"content":[]}`)
	if _, err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.receive(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"job","progress":3}}`)
	select {
	case v := <-got:
		if v != 3 {
			t.Fatalf("progress = %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("registered callback lost when the operation finished")
	}

	h.e.UnregisterProgress("job")
	h.receive(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"job","progress":4}}`)
	select {
	case v := <-got:
		t.Fatalf("callback invoked after UnregisterProgress with %v", v)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestCallbacksPreserveArrivalOrder(t *testing.T) {
	t.Parallel()

	const n = 50
	logs := make(chan any, n)
	progress := make(chan float64, n)
	h := newHarness(t,
		WithLogCallback(func(_ context.Context, msg mcp.LoggingMessageNotification) { logs <- msg.Data }),
	)
	h.e.RegisterProgress("p", func(_ mcp.ProgressToken, v float64, _ *float64) { progress <- v })

	var payload strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&payload, `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":%d}}`+"\n", i)
		fmt.Fprintf(&payload, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"p","progress":%d}}`+"\n", i)
	}
	h.receive(t, payload.String())

	for i := 0; i < n; i++ {
		select {
		case v := <-logs:
			if v != float64(i) {
				t.Fatalf("log %d carried %v", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("log %d not delivered", i)
		}
		select {
		case v := <-progress:
			if v != float64(i) {
				t.Fatalf("progress %d carried %v", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("progress %d not delivered", i)
		}
	}
}

func TestDispatcherRunsInOrderAndStops(t *testing.T) {
	t.Parallel()

	d := newDispatcher()
	var got []int
	var mu sync.Mutex
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		d.enqueue(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue not drained")
	}
	mu.Lock()
	for i, v := range got {
		if v != i {
			mu.Unlock()
			t.Fatalf("position %d ran callback %d", i, v)
		}
	}
	mu.Unlock()

	d.close()
	select {
	case <-d.done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestRootsAreIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.e.AddRoot(mcp.Root{URI: "file:///a", Name: "A"})
	got := h.e.AddRoot(mcp.Root{URI: "file:///a", Name: "A"})
	if diff := cmp.Diff([]mcp.Root{{URI: "file:///a", Name: "A"}}, got); diff != "" {
		t.Fatalf("roots mismatch (-want +got):\n%s", diff)
	}
	if got := h.e.RemoveRoot("file:///missing"); len(got) != 1 {
		t.Fatalf("removing an absent root changed the set: %v", got)
	}
	h.e.AddRoot(mcp.Root{URI: "file:///b"})
	if got := h.e.RemoveRoot("file:///a"); len(got) != 1 || got[0].URI != "file:///b" {
		t.Fatalf("unexpected roots %v", got)
	}
	if got := h.e.ClearRoots(); len(got) != 0 {
		t.Fatalf("clear left %v", got)
	}
}

func TestRootsListChangedNotification(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithClientInfo(
		mcp.ImplementationInfo{Name: "c", Version: "1"},
		mcp.ClientCapabilities{Roots: &mcp.RootsCapability{ListChanged: true}},
		"",
	))
	// Before initialization changes are silent.
	h.e.AddRoot(mcp.Root{URI: "file:///pre"})
	h.rec.expectQuiet(t, 20*time.Millisecond)

	h.initialize(t, mcp.LatestProtocolVersion, `{}`)
	h.e.AddRoot(mcp.Root{URI: "file:///a"})
	if m := h.rec.nextOne(t); m.Method != string(mcp.RootsListChangedNotificationMethod) {
		t.Fatalf("expected list_changed, got %q", m.Method)
	}
	h.e.AddRoot(mcp.Root{URI: "file:///a"})
	h.rec.expectQuiet(t, 20*time.Millisecond)
}

func TestServerRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.e.AddRoot(mcp.Root{URI: "file:///work", Name: "work"})

	h.receive(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if m := h.rec.nextOne(t); m.Kind() != jsonrpc.KindResponse || m.ID.String() != "1" || string(m.Result) != `{}` {
		t.Fatalf("unexpected ping reply %+v", m)
	}

	h.receive(t, `{"jsonrpc":"2.0","id":"r","method":"roots/list"}`)
	m := h.rec.nextOne(t)
	var roots mcp.ListRootsResult
	if err := json.Unmarshal(m.Result, &roots); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]mcp.Root{{URI: "file:///work", Name: "work"}}, roots.Roots); diff != "" {
		t.Fatalf("roots mismatch (-want +got):\n%s", diff)
	}

	h.receive(t, `{"jsonrpc":"2.0","id":2,"method":"elicitation/create","params":{}}`)
	m = h.rec.nextOne(t)
	if m.Kind() != jsonrpc.KindError || int(m.Error.Code) != mcperr.CodeMethodNotFound {
		t.Fatalf("unexpected reply %+v", m)
	}
}

func TestSamplingCallback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithSamplingCallback(func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
		if req.MaxTokens != 16 {
			return nil, errors.New("bad max tokens")
		}
		return &mcp.CreateMessageResult{
			Role:    mcp.RoleAssistant,
			Content: mcp.ContentBlock{Type: "text", Text: "hello"},
			Model:   "test-model",
		}, nil
	}))

	h.receive(t, `{"jsonrpc":"2.0","id":9,"method":"sampling/createMessage","params":{"messages":[{"role":"user","content":{"type":"text","text":"hi"}}],"maxTokens":16}}`)
	m := h.rec.nextOne(t)
	var res mcp.CreateMessageResult
	if err := json.Unmarshal(m.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.Model != "test-model" || res.Content.Text != "hello" {
		t.Fatalf("unexpected result %+v", res)
	}

	h.receive(t, `{"jsonrpc":"2.0","id":10,"method":"sampling/createMessage","params":{"messages":[{"role":"user","content":{"type":"text","text":"hi"}}],"maxTokens":8}}`)
	m = h.rec.nextOne(t)
	if m.Kind() != jsonrpc.KindError || int(m.Error.Code) != mcperr.CodeServerError {
		t.Fatalf("expected execution error reply, got %+v", m)
	}

	// Malformed requests never reach the callback.
	h.receive(t, `{"jsonrpc":"2.0","id":11,"method":"sampling/createMessage","params":{"messages":[],"maxTokens":16}}`)
	m = h.rec.nextOne(t)
	if m.Kind() != jsonrpc.KindError || int(m.Error.Code) != mcperr.CodeInvalidParams {
		t.Fatalf("expected invalid params reply, got %+v", m)
	}
}

func TestSamplingCancelledByServer(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	h := newHarness(t, WithSamplingCallback(func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	h.receive(t, `{"jsonrpc":"2.0","id":3,"method":"sampling/createMessage","params":{"messages":[{"role":"user","content":{"type":"text","text":"hi"}}],"maxTokens":1}}`)
	<-started
	h.receive(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":3,"reason":"nvm"}}`)
	h.rec.expectQuiet(t, 50*time.Millisecond)
}

func TestLogAndNotificationCallbacks(t *testing.T) {
	t.Parallel()

	logs := make(chan mcp.LoggingMessageNotification, 1)
	notes := make(chan string, 1)
	h := newHarness(t,
		WithLogCallback(func(ctx context.Context, msg mcp.LoggingMessageNotification) { logs <- msg }),
		WithNotificationCallback(func(ctx context.Context, method string, params json.RawMessage) { notes <- method }),
	)

	h.receive(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"hi"}}`+"\n"+
		`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)

	select {
	case l := <-logs:
		if l.Level != mcp.LoggingLevelInfo || l.Data != "hi" {
			t.Fatalf("unexpected log %+v", l)
		}
	case <-time.After(time.Second):
		t.Fatal("log callback not invoked")
	}
	select {
	case n := <-notes:
		if n != "notifications/tools/list_changed" {
			t.Fatalf("notification %q", n)
		}
	case <-time.After(time.Second):
		t.Fatal("notification callback not invoked")
	}
}

func TestReceiveDropsMalformedPayload(t *testing.T) {
	t.Parallel()

	h := newInitialized(t, `{"tools":{}}`)
	p, _ := h.e.Submit(Operation{Method: "tools/list"})
	req := h.rec.nextOne(t)

	payload := fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{}}`+"\n{not json", req.ID.String())
	if err := h.e.Receive(context.Background(), []byte(payload)); !mcperr.IsReason(err, mcperr.ReasonParseError) {
		t.Fatalf("expected parse_error, got %v", err)
	}
	if n := h.e.PendingCount(); n != 1 {
		t.Fatalf("partial payload applied: pending = %d", n)
	}
	_ = h.e.Cancel(p.ID, "done")
}

func TestUniqueIDs(t *testing.T) {
	t.Parallel()

	ids := []string{"dup", "dup", "fresh"}
	var i int
	h := newHarness(t, withIDGenerator(func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}))
	p1, _ := h.e.Submit(Operation{Method: "ping"})
	p2, _ := h.e.Submit(Operation{Method: "ping"})
	if p1.ID == p2.ID {
		t.Fatalf("duplicate id %q", p1.ID)
	}
}
