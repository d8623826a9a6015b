// ABOUTME: AES-256-GCM sealing and opening for enveloped messages
// ABOUTME: Fresh random nonce per message, associated data binds the header

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// NonceSize is the AES-GCM nonce length in bytes.
	NonceSize = 12

	// TagSize is the AES-GCM authentication tag length in bytes.
	TagSize = 16
)

// ErrDecryptFailed indicates AEAD authentication failure: wrong key,
// corrupted ciphertext, or tampered associated data.
var ErrDecryptFailed = errors.New("decryption failed")

// Sealed is the output of an AEAD encryption: nonce, ciphertext, and the
// authentication tag, kept separate for the wire format.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// Seal encrypts plaintext under key with a fresh random nonce. The
// associated data is authenticated but not encrypted; callers pass the
// envelope header so it cannot be swapped between messages.
func Seal(key, plaintext, associatedData []byte) (*Sealed, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, associatedData)
	split := len(sealed) - TagSize
	return &Sealed{
		Nonce:      nonce,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
	}, nil
}

// Open decrypts and authenticates a sealed message. Any modification of
// nonce, ciphertext, tag, or associated data yields ErrDecryptFailed.
func Open(key []byte, msg *Sealed, associatedData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(msg.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrDecryptFailed, len(msg.Nonce))
	}

	sealed := make([]byte, 0, len(msg.Ciphertext)+len(msg.Tag))
	sealed = append(sealed, msg.Ciphertext...)
	sealed = append(sealed, msg.Tag...)

	plaintext, err := aead.Open(nil, msg.Nonce, sealed, associatedData)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aead, nil
}
