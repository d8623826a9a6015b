// ABOUTME: Random material generation for pairing codes and sequence numbers
// ABOUTME: All randomness comes from crypto/rand, never math/rand

package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// GeneratePairingCode returns a random 6-digit code for the user to type
// into the agent. Uniqueness among live codes is the caller's concern.
func GeneratePairingCode() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating pairing code: %w", err)
	}
	n := binary.BigEndian.Uint64(buf[:]) % 1000000
	return fmt.Sprintf("%06d", n), nil
}

// GenerateInitialSequence returns a random starting point for a device's
// sequence counter. Starting away from zero means a re-paired device
// cannot accidentally replay sequence numbers from a previous pairing.
func GenerateInitialSequence() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generating initial sequence: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]) % 1000000, nil
}

// GenerateChallengeNonce returns random bytes for the handshake challenge.
func GenerateChallengeNonce() ([]byte, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating challenge nonce: %w", err)
	}
	return nonce, nil
}
