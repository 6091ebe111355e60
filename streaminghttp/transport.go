package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-client-go/internal/logctx"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/oauth2"
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("streaminghttp: transport closed")
	// ErrSessionExpired is returned when the server no longer recognizes the
	// session id. The caller must reconnect and initialize again.
	ErrSessionExpired = errors.New("streaminghttp: session expired")
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	acceptHeaderValue    = jsonMediaType.String() + ", " + eventStreamMediaType.String()
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "MCP-Protocol-Version"

	maxErrorBody = 4 << 10
)

// Receiver accepts each inbound frame.
type Receiver = interface {
	Receive(ctx context.Context, data []byte) error
}

// Transport is a Streamable HTTP client transport. Every outbound payload is
// POSTed to the endpoint; the reply body, JSON or an event stream, is read in
// the background and handed to the Receiver.
type Transport struct {
	endpoint     string
	hc           *http.Client
	log          *slog.Logger
	headers      http.Header
	tokenSource  oauth2.TokenSource
	maxEventSize int

	ctx    context.Context // bounds response streams
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	r               Receiver
	sessionID       string
	protocolVersion string
	closed          bool
}

// New constructs a Transport for the MCP endpoint at endpoint.
func New(endpoint string, opts ...Option) (*Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("streaminghttp: invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("streaminghttp: unsupported endpoint scheme %q", u.Scheme)
	}

	t := &Transport{
		endpoint:     u.String(),
		hc:           http.DefaultClient,
		log:          slog.Default(),
		headers:      http.Header{},
		maxEventSize: 4 << 20,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = logctx.Wrap(t.log)
	if t.tokenSource != nil {
		base := t.hc.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		hc := *t.hc
		hc.Transport = &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, t.tokenSource), Base: base}
		t.hc = &hc
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

// Start registers r for inbound frames. Response streams still open when
// ctx ends are abandoned.
func (t *Transport) Start(ctx context.Context, r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.r != nil {
		return errors.New("streaminghttp: already started")
	}
	t.r = r
	context.AfterFunc(ctx, t.cancel)
	return nil
}

// SupportedProtocolVersions lists the revisions that define this transport.
func (t *Transport) SupportedProtocolVersions() []string {
	return []string{mcp.ProtocolVersion20250326, mcp.ProtocolVersion20250618}
}

// SessionID returns the id assigned by the server, if any.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *Transport) Send(ctx context.Context, data []byte) error {
	return t.SendWithHeaders(ctx, data, nil)
}

// SendWithHeaders POSTs data with extra headers. ctx bounds the request up to
// the response headers; the body is consumed afterwards in the background.
func (t *Transport) SendWithHeaders(ctx context.Context, data []byte, headers map[string]string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	sessionID, version := t.sessionID, t.protocolVersion
	t.mu.Unlock()

	rd := &logctx.RequestData{RequestID: uuid.NewString(), Method: http.MethodPost, Endpoint: t.endpoint}
	logCtx := logctx.WithRequestData(ctx, rd)
	reqCtx, cancel := context.WithCancel(logctx.WithRequestData(t.ctx, rd))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		cancel()
		return fmt.Errorf("streaminghttp: build request: %w", err)
	}
	t.applyHeaders(req, sessionID, version)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", jsonMediaType.String())
	req.Header.Set("Accept", acceptHeaderValue)

	// The send deadline applies until response headers arrive.
	stop := context.AfterFunc(ctx, cancel)
	start := time.Now()
	resp, err := t.hc.Do(req)
	stop()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("streaminghttp: post: %w", err)
	}

	if sid := resp.Header.Get(mcpSessionIDHeader); sid != "" {
		t.mu.Lock()
		if t.sessionID != sid {
			t.log.InfoContext(logCtx, "streaminghttp.session.assigned", slog.String("session_id", sid))
		}
		t.sessionID = sid
		t.mu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		_ = resp.Body.Close()
		cancel()
		return nil
	case resp.StatusCode == http.StatusNotFound && sessionID != "":
		_ = resp.Body.Close()
		cancel()
		t.mu.Lock()
		t.sessionID = ""
		t.mu.Unlock()
		t.log.WarnContext(logCtx, "streaminghttp.session.expired", slog.String("session_id", sessionID))
		return ErrSessionExpired
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_ = resp.Body.Close()
		cancel()
		authErr := newAuthError(resp)
		t.log.WarnContext(logCtx, "streaminghttp.auth.fail",
			slog.Int("status", resp.StatusCode),
			slog.String("resource_metadata", authErr.ResourceMetadata))
		return authErr
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("streaminghttp: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	mt, err := contenttype.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("streaminghttp: response content type: %w", err)
	}

	t.log.DebugContext(logCtx, "streaminghttp.post.ok",
		slog.Int("status", resp.StatusCode),
		slog.String("content_type", mt.String()),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))

	sniff := isInitialize(data)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		defer func() { _ = resp.Body.Close() }()

		switch {
		case sameMIME(mt, eventStreamMediaType):
			t.readEventStream(reqCtx, resp.Body, sniff)
		case sameMIME(mt, jsonMediaType):
			t.readJSON(reqCtx, resp.Body, sniff)
		default:
			t.log.WarnContext(reqCtx, "streaminghttp.response.unsupported", slog.String("content_type", mt.String()))
		}
	}()
	return nil
}

func (t *Transport) applyHeaders(req *http.Request, sessionID, version string) {
	for k, vs := range t.headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	if sessionID != "" {
		req.Header.Set(mcpSessionIDHeader, sessionID)
	}
	if version != "" {
		req.Header.Set(mcpProtocolVersionHeader, version)
	}
}

func (t *Transport) readJSON(ctx context.Context, body io.Reader, sniff bool) {
	b, err := io.ReadAll(body)
	if err != nil {
		t.log.ErrorContext(ctx, "streaminghttp.read.fail", slog.String("err", err.Error()))
		return
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return
	}
	t.deliver(ctx, b, sniff)
}

func (t *Transport) readEventStream(ctx context.Context, body io.Reader, sniff bool) {
	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: t.maxEventSize}) {
		if err != nil {
			if ctx.Err() == nil {
				t.log.ErrorContext(ctx, "streaminghttp.sse.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		if ev.Type != "" && ev.Type != "message" {
			continue
		}
		if ev.Data == "" {
			continue
		}
		t.deliver(ctx, []byte(ev.Data), sniff)
	}
}

// deliver hands one body or event to the receiver as a single line. A value
// spread over several lines is compacted; anything that is not one JSON
// value, such as newline-delimited objects, is passed through as is.
func (t *Transport) deliver(ctx context.Context, frame []byte, sniff bool) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, frame); err == nil {
		frame = buf.Bytes()
	}
	if sniff {
		t.learnVersion(frame)
	}
	if len(frame) == 0 || frame[len(frame)-1] != '\n' {
		frame = append(frame, '\n')
	}

	t.mu.Lock()
	r := t.r
	t.mu.Unlock()
	if r == nil {
		t.log.WarnContext(ctx, "streaminghttp.receive.unregistered")
		return
	}
	if err := r.Receive(ctx, frame); err != nil {
		t.log.DebugContext(ctx, "streaminghttp.receive.fail", slog.String("err", err.Error()))
	}
}

// learnVersion records the negotiated revision from an initialize result so
// later requests carry the protocol version header.
func (t *Transport) learnVersion(frame []byte) {
	var msg struct {
		Result *struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	if json.Unmarshal(bytes.TrimSpace(frame), &msg) != nil || msg.Result == nil || msg.Result.ProtocolVersion == "" {
		return
	}
	t.mu.Lock()
	t.protocolVersion = msg.Result.ProtocolVersion
	t.mu.Unlock()
}

// Close ends the session with a best-effort DELETE and abandons open
// response streams.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessionID, version := t.sessionID, t.protocolVersion
	t.mu.Unlock()

	if sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint, nil)
		if err == nil {
			t.applyHeaders(req, sessionID, version)
			if resp, err := t.hc.Do(req); err != nil {
				t.log.WarnContext(ctx, "streaminghttp.session.delete.fail", slog.String("err", err.Error()))
			} else {
				_ = resp.Body.Close()
			}
		}
		cancel()
	}

	t.cancel()
	t.wg.Wait()
	return nil
}

func isInitialize(data []byte) bool {
	var msg struct {
		Method string `json:"method"`
	}
	return json.Unmarshal(bytes.TrimSpace(data), &msg) == nil && msg.Method == string(mcp.InitializeMethod)
}

func sameMIME(a, b contenttype.MediaType) bool {
	return a.Type == b.Type && a.Subtype == b.Subtype
}
