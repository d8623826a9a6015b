// ABOUTME: Sealing and opening of encrypted message envelopes
// ABOUTME: Enforces device lookup, revocation, replay and AEAD checks in order

// Package envelope applies and verifies the authenticated-encrypted
// wrapper carried by every post-handshake message.
//
// Opening an inbound envelope runs a fixed check order: device lookup,
// revocation, sequence replay, AEAD authentication. Each failure maps
// to a distinct error for logging, but callers must never reveal which
// check failed to the remote peer.
package envelope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/latticehq/lattice-gateway/internal/crypto"
	"github.com/latticehq/lattice-gateway/internal/protocol"
	"github.com/latticehq/lattice-gateway/internal/store"
)

// Verification failures, in check order. Internal diagnostics only:
// the wire response to any of these is generic or absent.
var (
	ErrUnknownDevice    = errors.New("unknown device")
	ErrDeviceRevoked    = errors.New("device revoked")
	ErrReplayedSequence = errors.New("replayed or out-of-order sequence")
	ErrAuthFailed       = errors.New("envelope authentication failed")
)

// Codec seals outbound and opens inbound envelopes against the device
// store.
type Codec struct {
	store  store.Store
	logger *slog.Logger
}

// NewCodec creates a codec backed by the given device store.
func NewCodec(st store.Store) *Codec {
	return &Codec{
		store:  st,
		logger: slog.Default().With("component", "envelope"),
	}
}

// Open verifies and decrypts an inbound agent-to-platform envelope.
// On success the device's sequence counter has been advanced and the
// decrypted payload is returned alongside the device record.
func (c *Codec) Open(ctx context.Context, env *protocol.Envelope) ([]byte, *store.Device, error) {
	device, err := c.store.GetDevice(ctx, env.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, nil, fmt.Errorf("looking up device: %w", err)
	}

	if device.Revoked {
		return nil, nil, ErrDeviceRevoked
	}

	if env.Sequence <= device.LastSequence {
		return nil, nil, ErrReplayedSequence
	}

	sealed := &crypto.Sealed{
		Nonce:      env.Nonce,
		Ciphertext: env.Ciphertext,
		Tag:        env.Tag,
	}
	plaintext, err := crypto.Open(device.EncryptC2S, sealed, env.AssociatedData())
	if err != nil {
		return nil, nil, ErrAuthFailed
	}

	// Persist the counter only after full verification. A concurrent
	// connection winning the race is equivalent to a replay here.
	if err := c.store.UpdateSequence(ctx, env.DeviceID, env.Sequence); err != nil {
		if errors.Is(err, store.ErrStaleSequence) {
			return nil, nil, ErrReplayedSequence
		}
		return nil, nil, fmt.Errorf("advancing sequence: %w", err)
	}
	device.LastSequence = env.Sequence

	return plaintext, device, nil
}

// Seal encrypts a platform-to-agent payload under the device's
// server-to-client key. The caller owns the outbound sequence counter
// and must pass strictly increasing values per device session.
func (c *Codec) Seal(device *store.Device, sequence uint64, plaintext []byte) (*protocol.Envelope, error) {
	env := &protocol.Envelope{
		DeviceID: device.DeviceID,
		Sequence: sequence,
	}
	sealed, err := crypto.Seal(device.EncryptS2C, plaintext, env.AssociatedData())
	if err != nil {
		return nil, fmt.Errorf("sealing envelope: %w", err)
	}
	env.Nonce = sealed.Nonce
	env.Ciphertext = sealed.Ciphertext
	env.Tag = sealed.Tag
	return env, nil
}
