package sessioncore

import (
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-client-go/internal/codec"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcperr"
)

// State is the connection lifecycle state of a client session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateInitializing State = "initializing"
	StateInitialized  State = "initialized"
)

// Session is the negotiated view of one connection.
type Session struct {
	ProtocolVersion string
	ServerInfo      mcp.ImplementationInfo
	Capabilities    mcp.ServerCapabilities
	Instructions    string
	Initialized     bool

	// capabilityKeys is the raw top-level key set of the server's
	// capabilities object; the capability gate works on it.
	capabilityKeys map[string]json.RawMessage
}

// Handshake drives disconnected -> connected -> initializing -> initialized.
// It is not safe for concurrent use; the engine owns it from its event loop.
type Handshake struct {
	state State

	clientInfo       mcp.ImplementationInfo
	clientCaps       mcp.ClientCapabilities
	requestedVersion string

	initRequestID string
	session       *Session
}

// NewHandshake returns a state machine in the disconnected state.
func NewHandshake(info mcp.ImplementationInfo, caps mcp.ClientCapabilities, version string) *Handshake {
	if version == "" {
		version = mcp.LatestProtocolVersion
	}
	return &Handshake{
		state:            StateDisconnected,
		clientInfo:       info,
		clientCaps:       caps,
		requestedVersion: version,
	}
}

func (h *Handshake) State() State { return h.state }

func (h *Handshake) RequestedVersion() string { return h.requestedVersion }

func (h *Handshake) ClientCapabilities() mcp.ClientCapabilities { return h.clientCaps }

// InitializeRequestID is the id of the in-flight initialize request, if any.
func (h *Handshake) InitializeRequestID() string { return h.initRequestID }

// Connected records that the transport is up.
func (h *Handshake) Connected() error {
	if h.state != StateDisconnected {
		return wrongState("connect", h.state, StateDisconnected)
	}
	h.state = StateConnected
	return nil
}

// Disconnected drops all negotiated state.
func (h *Handshake) Disconnected() {
	h.state = StateDisconnected
	h.initRequestID = ""
	h.session = nil
}

// StartInitialization encodes the initialize request under id and moves to
// initializing. It is only legal from connected.
func (h *Handshake) StartInitialization(id string) ([]byte, error) {
	if h.state != StateConnected {
		return nil, wrongState("start initialization", h.state, StateConnected)
	}
	params := mcp.InitializeRequest{
		ProtocolVersion: h.requestedVersion,
		Capabilities:    h.clientCaps,
		ClientInfo:      h.clientInfo,
	}
	b, err := codec.Encode(codec.Request(id, string(mcp.InitializeMethod), params))
	if err != nil {
		return nil, err
	}
	h.initRequestID = id
	h.state = StateInitializing
	return b, nil
}

// HandleInitializeResponse validates the server's answer and negotiates the
// protocol version. On success the session exists but is not yet initialized;
// CompleteInitialization finishes the exchange. On failure the state is left
// untouched.
func (h *Handshake) HandleInitializeResponse(result json.RawMessage) (*mcp.InitializeResult, error) {
	if h.state != StateInitializing {
		return nil, wrongState("handle initialize response", h.state, StateInitializing)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result, &fields); err != nil {
		return nil, mcperr.InvalidRequest("initialize result must be an object", nil)
	}
	for _, k := range []string{"protocolVersion", "capabilities", "serverInfo"} {
		if _, ok := fields[k]; !ok {
			return nil, mcperr.InvalidRequest("initialize result missing "+k, map[string]any{"field": k})
		}
	}

	var version string
	if err := json.Unmarshal(fields["protocolVersion"], &version); err != nil {
		return nil, mcperr.InvalidRequest("protocolVersion must be a string", nil)
	}

	var capKeys map[string]json.RawMessage
	if err := json.Unmarshal(fields["capabilities"], &capKeys); err != nil || capKeys == nil {
		return nil, mcperr.InvalidRequest("capabilities must be an object", nil)
	}

	info, err := parseServerInfo(fields["serverInfo"])
	if err != nil {
		return nil, err
	}

	// Negotiation is exact match. A server offering a different revision is
	// rejected rather than downgraded to.
	if version != h.requestedVersion {
		return nil, mcperr.InvalidRequest("unsupported protocol version", map[string]any{
			"requested": h.requestedVersion,
			"received":  version,
		})
	}

	var res mcp.InitializeResult
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, mcperr.InvalidRequest(fmt.Sprintf("decode initialize result: %v", err), nil)
	}
	res.ServerInfo = info

	h.session = &Session{
		ProtocolVersion: version,
		ServerInfo:      info,
		Capabilities:    res.Capabilities,
		Instructions:    res.Instructions,
		capabilityKeys:  capKeys,
	}
	return &res, nil
}

func parseServerInfo(raw json.RawMessage) (mcp.ImplementationInfo, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return mcp.ImplementationInfo{}, mcperr.InvalidRequest("serverInfo must be an object", nil)
	}
	name, ok := fields["name"].(string)
	if !ok || name == "" {
		return mcp.ImplementationInfo{}, mcperr.InvalidRequest("serverInfo.name is required", nil)
	}
	info := mcp.ImplementationInfo{Name: name}
	if v, present := fields["version"]; present {
		s, ok := v.(string)
		if !ok {
			return mcp.ImplementationInfo{}, mcperr.InvalidRequest("serverInfo.version must be a string", nil)
		}
		info.Version = s
	}
	if s, ok := fields["title"].(string); ok {
		info.Title = s
	}
	return info, nil
}

// CompleteInitialization encodes notifications/initialized and flips the
// session to initialized.
func (h *Handshake) CompleteInitialization() ([]byte, error) {
	if h.state != StateInitializing || h.session == nil {
		return nil, wrongState("complete initialization", h.state, StateInitializing)
	}
	b, err := codec.Encode(codec.Notification(string(mcp.InitializedNotificationMethod), nil))
	if err != nil {
		return nil, err
	}
	h.session.Initialized = true
	h.state = StateInitialized
	h.initRequestID = ""
	return b, nil
}

// AbortInitialization returns an initializing handshake to connected, used
// when the initialize request itself fails (timeout, error reply).
func (h *Handshake) AbortInitialization() {
	if h.state == StateInitializing {
		h.state = StateConnected
		h.initRequestID = ""
		h.session = nil
	}
}

// Session returns the negotiated session, or nil before a valid response.
func (h *Handshake) Session() *Session { return h.session }

// ServerCapabilities returns the server's capability keys. It is nil unless
// the state is initialized.
func (h *Handshake) ServerCapabilities() map[string]json.RawMessage {
	if h.state != StateInitialized || h.session == nil {
		return nil
	}
	return h.session.capabilityKeys
}

// NegotiatedVersion is the agreed protocol revision, or "" before initialized.
func (h *Handshake) NegotiatedVersion() string {
	if h.state != StateInitialized || h.session == nil {
		return ""
	}
	return h.session.ProtocolVersion
}

func wrongState(op string, got, want State) *mcperr.Error {
	return mcperr.InvalidRequest(fmt.Sprintf("cannot %s in state %s", op, got), map[string]any{
		"state":    string(got),
		"expected": string(want),
	})
}
