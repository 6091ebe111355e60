// Package codec defines the wire grammar of the client and rejects anything
// that does not match it. It is independent of transport: it turns bytes into
// classified messages and message maps into newline-terminated bytes.
//
// Batches are encoded in array form and the decoder accepts array lines, so
// an encoded batch always round-trips through Decode.
package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-client-go/mcperr"
)

// Decode parses one JSON value or several newline-delimited values. Each line
// is parsed and validated independently, and a single bad line fails the
// whole payload. Array lines are expanded in order.
func Decode(data []byte) ([]*jsonrpc.AnyMessage, error) {
	var out []*jsonrpc.AnyMessage

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msgs, err := decodeLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	if err := sc.Err(); err != nil {
		return nil, mcperr.ParseError(err)
	}
	if len(out) == 0 {
		return nil, mcperr.ParseError(errors.New("empty payload"))
	}
	return out, nil
}

func decodeLine(line []byte) ([]*jsonrpc.AnyMessage, error) {
	if !json.Valid(line) {
		return nil, mcperr.ParseError(errors.New("invalid JSON"))
	}

	if line[0] == '[' {
		var members []json.RawMessage
		if err := json.Unmarshal(line, &members); err != nil {
			return nil, mcperr.ParseError(err)
		}
		if len(members) == 0 {
			return nil, mcperr.InvalidRequest("empty batch", nil)
		}
		out := make([]*jsonrpc.AnyMessage, 0, len(members))
		for _, m := range members {
			msg, err := decodeOne(m)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
		return out, nil
	}

	msg, err := decodeOne(line)
	if err != nil {
		return nil, err
	}
	return []*jsonrpc.AnyMessage{msg}, nil
}

func decodeOne(raw []byte) (*jsonrpc.AnyMessage, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, mcperr.ParseError(err)
	}
	obj, ok := generic.(map[string]any)
	if !ok {
		return nil, mcperr.InvalidRequest("message must be a JSON object", nil)
	}
	if err := validate(obj); err != nil {
		return nil, err
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, mcperr.InvalidRequest(err.Error(), nil)
	}
	return &msg, nil
}

// Encode injects "jsonrpc":"2.0", validates msg against the schema for its
// kind and returns it serialized with a trailing newline.
func Encode(msg map[string]any) ([]byte, error) {
	withVersion := injectVersion(msg)
	if err := validateOutbound(withVersion); err != nil {
		return nil, err
	}
	b, err := json.Marshal(withVersion)
	if err != nil {
		return nil, mcperr.Internal(fmt.Sprintf("marshal message: %v", err))
	}
	return append(b, '\n'), nil
}

// EncodeBatch validates every member before encoding the batch as a single
// JSON array. A single invalid member fails the whole batch.
func EncodeBatch(msgs []map[string]any) ([]byte, error) {
	if len(msgs) == 0 {
		return nil, mcperr.InvalidRequest("empty batch", nil)
	}
	members := make([]map[string]any, 0, len(msgs))
	for i, m := range msgs {
		withVersion := injectVersion(m)
		if err := validateOutbound(withVersion); err != nil {
			e := mcperr.As(err)
			data := map[string]any{"index": i}
			for k, v := range e.Data {
				data[k] = v
			}
			return nil, &mcperr.Error{Code: e.Code, Reason: e.Reason, Message: e.Message, Data: data}
		}
		members = append(members, withVersion)
	}
	b, err := json.Marshal(members)
	if err != nil {
		return nil, mcperr.Internal(fmt.Sprintf("marshal batch: %v", err))
	}
	return append(b, '\n'), nil
}

func injectVersion(msg map[string]any) map[string]any {
	out := make(map[string]any, len(msg)+1)
	for k, v := range msg {
		out[k] = v
	}
	out["jsonrpc"] = jsonrpc.ProtocolVersion
	return out
}

// validateOutbound normalizes Go values into their JSON form before running
// the schema checks, so typed structs and ints validate like decoded JSON.
func validateOutbound(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return mcperr.InvalidRequest(fmt.Sprintf("message is not JSON serializable: %v", err), nil)
	}
	var norm map[string]any
	if err := json.Unmarshal(b, &norm); err != nil {
		return mcperr.Internal(fmt.Sprintf("normalize message: %v", err))
	}
	return validate(norm)
}

func validate(obj map[string]any) error {
	t := table()
	kind := classify(obj)
	if kind == "" {
		return mcperr.InvalidRequest("message is neither request, notification, response nor error", nil)
	}
	if err := t.envelopes[kind].Validate(obj); err != nil {
		return mcperr.InvalidRequest(fmt.Sprintf("invalid %s envelope", kind), map[string]any{"error": err.Error()})
	}
	if kind != envRequest && kind != envNotification {
		return nil
	}

	method, _ := obj["method"].(string)
	params, present := obj["params"].(map[string]any)
	if !present {
		params = map[string]any{}
	}
	if err := t.paramsSchema(method, params).Validate(params); err != nil {
		return mcperr.InvalidParams(method, err)
	}
	return nil
}
