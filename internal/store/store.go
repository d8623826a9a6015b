// ABOUTME: Store interface and data types for lattice-gateway persistence
// ABOUTME: Defines Device, PairingCode structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrStaleSequence is returned by UpdateSequence when the stored
// counter is already at or past the submitted value.
var ErrStaleSequence = errors.New("sequence not newer than stored value")

// Pairing code consumption failures. These stay internal to the
// gateway; peers only ever see a generic pairing failure.
var (
	ErrCodeNotFound = errors.New("pairing code not found")
	ErrCodeExpired  = errors.New("pairing code expired")
	ErrCodeConsumed = errors.New("pairing code already consumed")
	ErrCodeExists   = errors.New("pairing code already exists")
)

// Device is a paired agent identity. Revoked devices are kept for
// audit listing but never pass authentication again.
type Device struct {
	DeviceID    string
	UserID      string
	DisplayName string
	Platform    string
	Arch        string

	// PublicKey is the device's X25519 public key presented at pairing.
	// Fingerprint is its display form shown to the user.
	PublicKey   []byte
	Fingerprint string

	// DeviceToken is the bearer credential most recently issued to the
	// device. Replaced on every successful handshake.
	DeviceToken string

	// Derived session keys from pairing-time key exchange.
	EncryptC2S []byte
	EncryptS2C []byte
	AuthKey    []byte

	// LastSequence only ever increases. Inbound envelopes at or below
	// it are replays.
	LastSequence uint64

	Revoked      bool
	PairedAt     time.Time
	LastActiveAt time.Time
}

// PairingCode is a short-lived, single-use code binding a new device
// to the user who requested it.
type PairingCode struct {
	Code       string
	UserID     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Store is the persistence boundary for devices and pairing codes.
type Store interface {
	// SaveDevice inserts a device or replaces an existing record with
	// the same device ID.
	SaveDevice(ctx context.Context, device *Device) error

	// GetDevice returns the device or ErrNotFound. Revoked devices are
	// returned too; callers check the flag.
	GetDevice(ctx context.Context, deviceID string) (*Device, error)

	// ListDevicesForUser returns all devices for a user, revoked
	// included, newest pairing first.
	ListDevicesForUser(ctx context.Context, userID string) ([]*Device, error)

	// RevokeDevice marks a device revoked. ErrNotFound if it does not
	// exist. Revoking an already-revoked device is a no-op.
	RevokeDevice(ctx context.Context, deviceID string) error

	// RevokeAllDevices marks every device of the user revoked and
	// returns the affected device IDs so callers can close their
	// connections.
	RevokeAllDevices(ctx context.Context, userID string) ([]string, error)

	// UpdateSequence advances the device's replay counter. The update
	// is atomic: if the stored value is already >= seq it returns
	// ErrStaleSequence and leaves the record untouched.
	UpdateSequence(ctx context.Context, deviceID string, seq uint64) error

	// UpdateDeviceToken replaces the device's bearer credential.
	UpdateDeviceToken(ctx context.Context, deviceID, token string) error

	// TouchDevice records activity on the device.
	TouchDevice(ctx context.Context, deviceID string, at time.Time) error

	// CreatePairingCode stores a fresh code. Colliding with a stored
	// code, swept or not, fails with ErrCodeExists so the issuer can
	// retry with a new code.
	CreatePairingCode(ctx context.Context, code *PairingCode) error

	// ConsumePairingCode atomically claims a code. First successful
	// claim wins; later claims fail with ErrCodeConsumed, expired codes
	// with ErrCodeExpired, unknown ones with ErrCodeNotFound.
	ConsumePairingCode(ctx context.Context, code string, now time.Time) (*PairingCode, error)

	// DeleteExpiredPairingCodes removes codes past their TTL and
	// returns how many were deleted.
	DeleteExpiredPairingCodes(ctx context.Context, now time.Time) (int64, error)

	// Close releases the underlying resources.
	Close() error
}
