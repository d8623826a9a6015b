// ABOUTME: Outer-layer frame types: handshake messages and the encrypted envelope
// ABOUTME: EncodeFrame/DecodeFrame convert between Go types and tagged JSON

package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates the outer wire frames.
type FrameType string

const (
	FrameChallenge    FrameType = "challenge"
	FrameAuthRequest  FrameType = "auth-request"
	FrameAuthResponse FrameType = "auth-response"
	FrameEnvelope     FrameType = "envelope"
)

// ErrUnknownFrameType is returned when a frame carries a type
// discriminant this protocol version does not define.
var ErrUnknownFrameType = fmt.Errorf("unknown frame type")

// Challenge is the first message on a new connection, sent by the
// gateway in plaintext before any authentication.
type Challenge struct {
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"ts"`
}

// AuthRequest is the agent's plaintext reply to a Challenge. Exactly
// one of DeviceToken or PairingCode must be set: a token reconnects an
// already-paired device, a code pairs a new one.
type AuthRequest struct {
	DeviceToken string `json:"deviceToken,omitempty"`

	PairingCode       string `json:"pairingCode,omitempty"`
	DeviceID          string `json:"deviceId,omitempty"`
	DevicePublicKey   string `json:"devicePublicKey,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
	DeviceName        string `json:"deviceName,omitempty"`
	Platform          string `json:"platform,omitempty"`
	Arch              string `json:"arch,omitempty"`

	Capabilities []string `json:"capabilities,omitempty"`
}

// AuthResponse closes the plaintext portion of the handshake. When OK
// is true every later frame on the connection must be an Envelope.
type AuthResponse struct {
	OK           bool     `json:"ok"`
	DeviceToken  string   `json:"deviceToken,omitempty"`
	ConnectionID string   `json:"connectionId,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Error        string   `json:"error,omitempty"`

	// ServerPublicKey is sent after a first-time pairing so the device
	// can run the same key derivation. Absent on token reconnects.
	ServerPublicKey string `json:"serverPublicKey,omitempty"`
	// InitialSequence is the last sequence the gateway accepted for
	// this device; the agent resumes its outbound counter above it.
	InitialSequence uint64 `json:"initialSequence,omitempty"`
}

// Envelope wraps every post-handshake message. Nonce, Ciphertext and
// Tag are base64 in JSON. DeviceID and Sequence travel in the clear and
// are bound into the AEAD as associated data.
type Envelope struct {
	DeviceID   string `json:"deviceId"`
	Sequence   uint64 `json:"sequence"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
}

// AssociatedData returns the header bytes authenticated alongside the
// ciphertext. Tampering with the plaintext header then fails decryption.
func (e *Envelope) AssociatedData() []byte {
	return []byte(fmt.Sprintf("%s:%d", e.DeviceID, e.Sequence))
}

type frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeFrame wraps a message in its tagged outer frame.
func EncodeFrame(msg any) ([]byte, error) {
	var ft FrameType
	switch msg.(type) {
	case *Challenge, Challenge:
		ft = FrameChallenge
	case *AuthRequest, AuthRequest:
		ft = FrameAuthRequest
	case *AuthResponse, AuthResponse:
		ft = FrameAuthResponse
	case *Envelope, Envelope:
		ft = FrameEnvelope
	default:
		return nil, fmt.Errorf("encoding frame: unsupported message type %T", msg)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding frame payload: %w", err)
	}
	return json.Marshal(frame{Type: ft, Payload: payload})
}

// DecodeFrame parses a tagged outer frame into its concrete message
// type. Frames with an unrecognized discriminant fail with
// ErrUnknownFrameType.
func DecodeFrame(data []byte) (any, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	var msg any
	switch f.Type {
	case FrameChallenge:
		msg = &Challenge{}
	case FrameAuthRequest:
		msg = &AuthRequest{}
	case FrameAuthResponse:
		msg = &AuthResponse{}
	case FrameEnvelope:
		msg = &Envelope{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}

	if err := json.Unmarshal(f.Payload, msg); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", f.Type, err)
	}
	return msg, nil
}
