// ABOUTME: Tests for X25519 key agreement and HKDF session key derivation
// ABOUTME: Verifies both sides of an exchange derive identical key material

package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.Len(t, kp.Public, KeySize)

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.Public, other.Public, "key pairs must be unique")
}

func TestDeriveSessionKeys_BothSidesAgree(t *testing.T) {
	server, err := GenerateKeyPair()
	require.NoError(t, err)
	device, err := GenerateKeyPair()
	require.NoError(t, err)

	const deviceID = "device-abc123"

	serverKeys, err := server.DeriveSessionKeys(device.Public, deviceID)
	require.NoError(t, err)
	deviceKeys, err := device.DeriveSessionKeys(server.Public, deviceID)
	require.NoError(t, err)

	assert.Equal(t, serverKeys.EncryptC2S, deviceKeys.EncryptC2S)
	assert.Equal(t, serverKeys.EncryptS2C, deviceKeys.EncryptS2C)
	assert.Equal(t, serverKeys.Auth, deviceKeys.Auth)
}

func TestDeriveSessionKeys_DistinctKeys(t *testing.T) {
	server, err := GenerateKeyPair()
	require.NoError(t, err)
	device, err := GenerateKeyPair()
	require.NoError(t, err)

	keys, err := server.DeriveSessionKeys(device.Public, "device-1")
	require.NoError(t, err)

	assert.Len(t, keys.EncryptC2S, KeySize)
	assert.Len(t, keys.EncryptS2C, KeySize)
	assert.Len(t, keys.Auth, KeySize)
	assert.NotEqual(t, keys.EncryptC2S, keys.EncryptS2C)
	assert.NotEqual(t, keys.EncryptC2S, keys.Auth)
	assert.NotEqual(t, keys.EncryptS2C, keys.Auth)
}

func TestDeriveSessionKeys_DeviceIDChangesKeys(t *testing.T) {
	server, err := GenerateKeyPair()
	require.NoError(t, err)
	device, err := GenerateKeyPair()
	require.NoError(t, err)

	a, err := server.DeriveSessionKeys(device.Public, "device-a")
	require.NoError(t, err)
	b, err := server.DeriveSessionKeys(device.Public, "device-b")
	require.NoError(t, err)

	assert.NotEqual(t, a.EncryptC2S, b.EncryptC2S)
}

func TestDeriveSessionKeys_RejectsBadPublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = kp.DeriveSessionKeys([]byte("too-short"), "device-1")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestParsePublicKey_RoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded := EncodePublicKey(kp.Public)
	decoded, err := ParsePublicKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, decoded)
}

func TestParsePublicKey_RejectsGarbage(t *testing.T) {
	_, err := ParsePublicKey("not base64!!!")
	assert.Error(t, err)

	_, err = ParsePublicKey("AAAA")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestFingerprint_Stable(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.Equal(t, Fingerprint(kp.Public), Fingerprint(kp.Public))

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, Fingerprint(kp.Public), Fingerprint(other.Public))
}
