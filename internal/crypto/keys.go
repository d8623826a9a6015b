// ABOUTME: X25519 key pair generation and session key derivation via HKDF
// ABOUTME: Both sides of a pairing derive identical directional keys

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 keys and derived symmetric keys.
	KeySize = 32

	// protocolInfo is the fixed HKDF info prefix. Bumping the protocol
	// version changes every derived key, invalidating old sessions.
	protocolInfo = "lattice-agent-v1"

	// saltSuffix is appended to the device ID to form the HKDF salt.
	saltSuffix = "platform"
)

// ErrInvalidKey indicates a malformed or unusable public key.
var ErrInvalidKey = errors.New("invalid public key")

// KeyPair is an X25519 key pair. Private key material is generated fresh
// per pairing and discarded once session keys are derived.
type KeyPair struct {
	Public  []byte
	private []byte
}

// GenerateKeyPair creates a new X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	private := make([]byte, KeySize)
	if _, err := rand.Read(private); err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}

	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}

	return &KeyPair{Public: public, private: private}, nil
}

// KeyPairFromPrivate reconstructs a key pair from a base64-encoded
// private key, for platforms that persist their identity across
// restarts.
func KeyPairFromPrivate(encoded string) (*KeyPair, error) {
	private, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(private) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(private), KeySize)
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	return &KeyPair{Public: public, private: private}, nil
}

// EncodePrivate returns the base64 private key for persistence. Handle
// with the same care as any other secret.
func (kp *KeyPair) EncodePrivate() string {
	return base64.StdEncoding.EncodeToString(kp.private)
}

// SessionKeys holds the three independent keys derived from a pairing.
// Directions are named from the agent's perspective: C2S protects
// agent-to-platform traffic, S2C protects platform-to-agent traffic.
type SessionKeys struct {
	EncryptC2S []byte
	EncryptS2C []byte
	Auth       []byte
}

// DeriveSessionKeys performs the X25519 agreement between our private key
// and the peer's public key, then expands the shared secret with
// HKDF-SHA256 into three 256-bit keys. The salt binds the derivation to
// the device identity; the info string binds it to the protocol version.
// Both sides of the exchange derive identical keys.
func (kp *KeyPair) DeriveSessionKeys(peerPublic []byte, deviceID string) (*SessionKeys, error) {
	if len(peerPublic) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(peerPublic), KeySize)
	}

	shared, err := curve25519.X25519(kp.private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	defer zeroBytes(shared)

	salt := []byte(deviceID + saltSuffix)
	prk := hkdf.Extract(sha256.New, shared, salt)
	defer zeroBytes(prk)

	keys := &SessionKeys{}
	for _, k := range []struct {
		label string
		dst   *[]byte
	}{
		{"encrypt-c2s", &keys.EncryptC2S},
		{"encrypt-s2c", &keys.EncryptS2C},
		{"auth", &keys.Auth},
	} {
		buf := make([]byte, KeySize)
		r := hkdf.Expand(sha256.New, prk, []byte(protocolInfo+k.label))
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("expanding %s key: %w", k.label, err)
		}
		*k.dst = buf
	}

	return keys, nil
}

// ParsePublicKey decodes a base64-encoded raw 32-byte X25519 public key.
func ParsePublicKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), KeySize)
	}
	return key, nil
}

// EncodePublicKey encodes a raw public key as base64 for the wire.
func EncodePublicKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// Fingerprint computes the base64 SHA-256 digest of key material, used to
// display a short verification string to the user during pairing.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// zeroBytes overwrites sensitive material before it goes out of scope.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
