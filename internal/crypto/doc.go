// ABOUTME: Cryptographic primitives for device pairing and session encryption
// ABOUTME: X25519 key agreement, HKDF key derivation, and AES-256-GCM sealing

// Package crypto implements the key agreement and symmetric encryption
// used between the gateway and paired agent devices.
//
// Pairing performs a one-time X25519 Diffie-Hellman agreement between a
// platform key pair generated for the pairing and the device's key pair.
// The raw shared secret is never stored: it is immediately expanded with
// HKDF-SHA256 into three independent 256-bit keys, one per direction of
// traffic plus a message-authentication key. All post-handshake traffic
// is sealed with AES-256-GCM under the direction-appropriate key.
package crypto
