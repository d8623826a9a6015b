// ABOUTME: Tests for AES-256-GCM sealing and opening
// ABOUTME: Covers round trips, tamper rejection, and associated data binding

package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte(`{"type":"request","method":"screen.capture"}`)
	ad := []byte("device-1:42")

	sealed, err := Seal(key, plaintext, ad)
	require.NoError(t, err)
	require.Len(t, sealed.Nonce, NonceSize)
	require.Len(t, sealed.Tag, TagSize)
	assert.NotEqual(t, plaintext, sealed.Ciphertext)

	opened, err := Open(key, sealed, ad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSeal_FreshNoncePerCall(t *testing.T) {
	key := testKey(t)
	a, err := Seal(key, []byte("hello"), nil)
	require.NoError(t, err)
	b, err := Seal(key, []byte("hello"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestOpen_RejectsTamperedCiphertext(t *testing.T) {
	key := testKey(t)
	sealed, err := Seal(key, []byte("payload"), []byte("ad"))
	require.NoError(t, err)

	sealed.Ciphertext[0] ^= 0x01
	_, err = Open(key, sealed, []byte("ad"))
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpen_RejectsTamperedTag(t *testing.T) {
	key := testKey(t)
	sealed, err := Seal(key, []byte("payload"), nil)
	require.NoError(t, err)

	sealed.Tag[0] ^= 0x01
	_, err = Open(key, sealed, nil)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpen_RejectsWrongAssociatedData(t *testing.T) {
	key := testKey(t)
	sealed, err := Seal(key, []byte("payload"), []byte("device-1:7"))
	require.NoError(t, err)

	_, err = Open(key, sealed, []byte("device-1:8"))
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpen_RejectsWrongKey(t *testing.T) {
	sealed, err := Seal(testKey(t), []byte("payload"), nil)
	require.NoError(t, err)

	_, err = Open(testKey(t), sealed, nil)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestGeneratePairingCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := GeneratePairingCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, c := range code {
			assert.True(t, c >= '0' && c <= '9')
		}
		seen[code] = true
	}
	// 50 draws from a million values should essentially never all collide.
	assert.Greater(t, len(seen), 1)
}

func TestGenerateInitialSequence_Bounded(t *testing.T) {
	for i := 0; i < 20; i++ {
		seq, err := GenerateInitialSequence()
		require.NoError(t, err)
		assert.Less(t, seq, uint64(1000000))
	}
}
