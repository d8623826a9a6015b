// ABOUTME: Inner-layer payload types carried inside sealed envelopes
// ABOUTME: Request/response correlation plus events and keepalive frames

package protocol

import (
	"encoding/json"
	"fmt"
)

// PayloadType discriminates the decrypted envelope payloads.
type PayloadType string

const (
	PayloadRequest  PayloadType = "request"
	PayloadResponse PayloadType = "response"
	PayloadEvent    PayloadType = "event"
	PayloadPing     PayloadType = "ping"
	PayloadPong     PayloadType = "pong"
)

// ErrUnknownPayloadType is returned for payload discriminants this
// protocol version does not define.
var ErrUnknownPayloadType = fmt.Errorf("unknown payload type")

// Well-known request methods.
const (
	MethodInvoke   = "node.invoke"
	MethodRegister = "node.register"
)

// Request asks the peer to perform a method. ID correlates the
// eventual Response.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request with the same ID.
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Event is a one-way notification with no correlation.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
}

// Ping carries the sender's timestamp for latency measurement.
type Ping struct {
	Timestamp int64 `json:"ts"`
}

// Pong echoes the Ping's timestamp back.
type Pong struct {
	Timestamp int64 `json:"ts"`
}

// InvokeParams is the params object of a node.invoke request. Args is
// opaque to the gateway and passed through to the capability untouched.
type InvokeParams struct {
	Capability string          `json:"capability"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// InvokeResult is the payload of a node.invoke response.
type InvokeResult struct {
	Success      bool            `json:"success"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// RegisterParams is the params object of a node.register request, sent
// by an agent to re-advertise its capability set mid-session.
type RegisterParams struct {
	Capabilities []string `json:"capabilities"`
	Platform     string   `json:"platform,omitempty"`
}

type payloadFrame struct {
	Type PayloadType     `json:"type"`
	Body json.RawMessage `json:"body"`
}

// EncodePayload wraps an inner message in its tagged form, ready for
// sealing into an envelope.
func EncodePayload(msg any) ([]byte, error) {
	var pt PayloadType
	switch msg.(type) {
	case *Request, Request:
		pt = PayloadRequest
	case *Response, Response:
		pt = PayloadResponse
	case *Event, Event:
		pt = PayloadEvent
	case *Ping, Ping:
		pt = PayloadPing
	case *Pong, Pong:
		pt = PayloadPong
	default:
		return nil, fmt.Errorf("encoding payload: unsupported message type %T", msg)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding payload body: %w", err)
	}
	return json.Marshal(payloadFrame{Type: pt, Body: body})
}

// DecodePayload parses a decrypted payload into its concrete type.
func DecodePayload(data []byte) (any, error) {
	var f payloadFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	var msg any
	switch f.Type {
	case PayloadRequest:
		msg = &Request{}
	case PayloadResponse:
		msg = &Response{}
	case PayloadEvent:
		msg = &Event{}
	case PayloadPing:
		msg = &Ping{}
	case PayloadPong:
		msg = &Pong{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadType, f.Type)
	}

	if err := json.Unmarshal(f.Body, msg); err != nil {
		return nil, fmt.Errorf("decoding %s body: %w", f.Type, err)
	}
	return msg, nil
}
