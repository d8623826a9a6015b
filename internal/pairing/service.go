// ABOUTME: Pairing service: code issuance, code consumption and device enrollment
// ABOUTME: Binds a pairing code to the user who requested it and runs key exchange

// Package pairing orchestrates first-time device enrollment.
//
// A logged-in user asks for a short code, types it into the agent, and
// the agent presents it together with a fresh public key during its
// handshake. Completing the code runs the key exchange, persists the
// device record and mints its first reconnection token. Codes are
// single-use and expire after a short TTL.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/latticehq/lattice-gateway/internal/auth"
	"github.com/latticehq/lattice-gateway/internal/crypto"
	"github.com/latticehq/lattice-gateway/internal/registry"
	"github.com/latticehq/lattice-gateway/internal/store"
)

// ErrPairingFailed covers every code-consumption failure. The concrete
// reason (unknown, expired, already used) is logged server-side only.
var ErrPairingFailed = errors.New("pairing failed")

// DefaultCodeTTL is how long an issued code stays claimable.
const DefaultCodeTTL = 300 * time.Second

// codeIssueAttempts bounds retries when a generated code collides with
// a live one.
const codeIssueAttempts = 5

// DeviceMaterial is what a pairing device presents alongside its code.
type DeviceMaterial struct {
	DeviceID    string
	PublicKey   string
	Fingerprint string
	DisplayName string
	Platform    string
	Arch        string
}

// Service issues and completes pairing codes.
type Service struct {
	store    store.Store
	keys     *crypto.KeyPair
	tokens   *auth.JWTVerifier
	registry *registry.Registry
	ttl      time.Duration
	logger   *slog.Logger
}

// NewService creates a pairing service. keys is the platform's key
// pair used for all key exchanges. ttl <= 0 selects DefaultCodeTTL.
func NewService(st store.Store, keys *crypto.KeyPair, tokens *auth.JWTVerifier, reg *registry.Registry, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &Service{
		store:    st,
		keys:     keys,
		tokens:   tokens,
		registry: reg,
		ttl:      ttl,
		logger:   slog.Default().With("component", "pairing"),
	}
}

// ServerPublicKey returns the platform's public key in wire encoding.
func (s *Service) ServerPublicKey() string {
	return crypto.EncodePublicKey(s.keys.Public)
}

// Initiate issues a fresh code bound to the user. Collisions with live
// codes are retried a few times before giving up.
func (s *Service) Initiate(ctx context.Context, userID string) (*store.PairingCode, error) {
	now := time.Now().UTC()
	var lastErr error
	for i := 0; i < codeIssueAttempts; i++ {
		code, err := crypto.GeneratePairingCode()
		if err != nil {
			return nil, err
		}
		pc := &store.PairingCode{
			Code:      code,
			UserID:    userID,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		if err := s.store.CreatePairingCode(ctx, pc); err != nil {
			lastErr = err
			continue
		}
		s.logger.Info("pairing code issued", "user_id", userID, "expires_at", pc.ExpiresAt)
		return pc, nil
	}
	return nil, fmt.Errorf("issuing pairing code: %w", lastErr)
}

// Complete atomically consumes the code, runs key exchange against the
// device's public key, persists the device and mints its first token.
// Any consumption failure surfaces as ErrPairingFailed.
func (s *Service) Complete(ctx context.Context, code string, m DeviceMaterial) (*store.Device, string, error) {
	now := time.Now().UTC()
	pc, err := s.store.ConsumePairingCode(ctx, code, now)
	if err != nil {
		if errors.Is(err, store.ErrCodeNotFound) || errors.Is(err, store.ErrCodeExpired) || errors.Is(err, store.ErrCodeConsumed) {
			s.logger.Warn("pairing code rejected", "reason", err)
			return nil, "", ErrPairingFailed
		}
		return nil, "", fmt.Errorf("consuming pairing code: %w", err)
	}

	if m.DeviceID == "" {
		return nil, "", ErrPairingFailed
	}

	publicKey, err := crypto.ParsePublicKey(m.PublicKey)
	if err != nil {
		s.logger.Warn("pairing rejected: bad public key", "device_id", m.DeviceID, "error", err)
		return nil, "", ErrPairingFailed
	}

	keys, err := s.keys.DeriveSessionKeys(publicKey, m.DeviceID)
	if err != nil {
		return nil, "", fmt.Errorf("deriving session keys: %w", err)
	}

	initialSeq, err := crypto.GenerateInitialSequence()
	if err != nil {
		return nil, "", err
	}

	token, err := s.tokens.Generate(m.DeviceID, pc.UserID)
	if err != nil {
		return nil, "", fmt.Errorf("minting device token: %w", err)
	}

	fingerprint := m.Fingerprint
	if fingerprint == "" {
		fingerprint = crypto.Fingerprint(publicKey)
	}

	device := &store.Device{
		DeviceID:     m.DeviceID,
		UserID:       pc.UserID,
		DisplayName:  m.DisplayName,
		Platform:     m.Platform,
		Arch:         m.Arch,
		PublicKey:    publicKey,
		Fingerprint:  fingerprint,
		DeviceToken:  token,
		EncryptC2S:   keys.EncryptC2S,
		EncryptS2C:   keys.EncryptS2C,
		AuthKey:      keys.Auth,
		LastSequence: initialSeq,
		PairedAt:     now,
		LastActiveAt: now,
	}
	if err := s.store.SaveDevice(ctx, device); err != nil {
		return nil, "", fmt.Errorf("persisting device: %w", err)
	}

	s.logger.Info("device paired",
		"device_id", device.DeviceID,
		"user_id", device.UserID,
		"platform", device.Platform,
		"fingerprint", device.Fingerprint)
	return device, token, nil
}

// Unpair revokes a single device and closes its live connection. When
// userID is non-empty the device must belong to that user; the mismatch
// reads as not-found so callers cannot enumerate other users' device IDs.
func (s *Service) Unpair(ctx context.Context, userID, deviceID string) error {
	if userID != "" {
		device, err := s.store.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		if device.UserID != userID {
			return store.ErrNotFound
		}
	}
	if err := s.store.RevokeDevice(ctx, deviceID); err != nil {
		return err
	}
	if conn := s.registry.GetByDevice(deviceID); conn != nil {
		s.registry.Unregister(conn.ID)
		_ = conn.Transport.Close()
	}
	s.logger.Info("device unpaired", "device_id", deviceID)
	return nil
}

// RevokeAll revokes every device of the user and forcibly closes their
// live connections. Emergency logout.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int, error) {
	ids, err := s.store.RevokeAllDevices(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, deviceID := range ids {
		if conn := s.registry.GetByDevice(deviceID); conn != nil {
			s.registry.Unregister(conn.ID)
			_ = conn.Transport.Close()
		}
	}
	s.logger.Info("revoked all devices", "user_id", userID, "count", len(ids))
	return len(ids), nil
}

// sweepInterval is how often expired codes are garbage-collected.
const sweepInterval = time.Minute

// RunSweeper deletes expired pairing codes until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.store.DeleteExpiredPairingCodes(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("sweeping expired pairing codes", "error", err)
			}
		}
	}
}
