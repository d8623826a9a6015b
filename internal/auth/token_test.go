// ABOUTME: Tests for device token minting and verification
// ABOUTME: Covers claim extraction, tampering, expiry and wrong-secret cases

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"), 0)

	token, err := v.Generate("dev-1", "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", claims.DeviceID)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestGenerate_TokensAreUnique(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"), 0)

	a, err := v.Generate("dev-1", "user-1")
	require.NoError(t, err)
	b, err := v.Generate("dev-1", "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "jti must make reissued tokens distinct")
}

func TestVerify_WrongSecret(t *testing.T) {
	minter := NewJWTVerifier([]byte("secret-a"), 0)
	verifier := NewJWTVerifier([]byte("secret-b"), 0)

	token, err := minter.Generate("dev-1", "user-1")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Expired(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"), time.Millisecond)

	token, err := v.Generate("dev-1", "user-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_Garbage(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"), 0)

	_, err := v.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_MissingClaims(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTVerifier(secret, 0)

	// Token with sub but no uid
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "dev-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerify_RejectsUnsignedAlg(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"), 0)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "dev-1",
		"uid": "user-1",
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
