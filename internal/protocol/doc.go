// ABOUTME: Wire message definitions for the gateway protocol
// ABOUTME: Closed tagged unions decoded by explicit type discriminant

// Package protocol defines the JSON messages exchanged between the
// gateway and agents.
//
// Two layers exist. The outer layer carries handshake messages in
// plaintext (Challenge, AuthRequest, AuthResponse) and, once a session
// is established, Envelope frames containing AEAD-sealed payloads. The
// inner layer is the decrypted payload: Request, Response, Event, Ping
// and Pong.
//
// Both layers use an explicit "type" discriminant. Unknown
// discriminants are an error, never silently ignored.
package protocol
