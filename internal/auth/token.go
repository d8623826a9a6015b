// ABOUTME: JWT device token minting and verification for agent reconnection
// ABOUTME: Uses HS256 signing with configurable secret

// Package auth issues and verifies the bearer credentials a paired
// device presents to reconnect without re-running key exchange.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// DefaultTokenTTL is how long a minted device token stays valid. Long
// by design: agents may be offline for weeks between reconnects, and a
// fresh token is minted on every successful handshake anyway.
const DefaultTokenTTL = 90 * 24 * time.Hour

// DeviceClaims is what a verified device token asserts.
type DeviceClaims struct {
	DeviceID string
	UserID   string
}

// TokenVerifier defines the interface for device token verification
type TokenVerifier interface {
	Verify(tokenString string) (*DeviceClaims, error)
}

// JWTVerifier mints and verifies HS256 signed device tokens
type JWTVerifier struct {
	secret []byte
	ttl    time.Duration
}

// NewJWTVerifier creates a verifier with the given secret. ttl <= 0
// selects DefaultTokenTTL.
func NewJWTVerifier(secret []byte, ttl time.Duration) *JWTVerifier {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTVerifier{secret: secret, ttl: ttl}
}

// Verify validates the token and extracts the device identity from the
// "sub" and "uid" claims.
func (v *JWTVerifier) Verify(tokenString string) (*DeviceClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	uid, ok := claims["uid"].(string)
	if !ok || uid == "" {
		return nil, fmt.Errorf("%w: uid", ErrMissingClaim)
	}

	return &DeviceClaims{DeviceID: sub, UserID: uid}, nil
}

// Generate mints a fresh device token. Each token carries a unique jti
// so reissued tokens are distinguishable in logs.
func (v *JWTVerifier) Generate(deviceID, userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": deviceID,
		"uid": userID,
		"jti": uuid.New().String(),
		"iat": now.Unix(),
		"exp": now.Add(v.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
