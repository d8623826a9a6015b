// Package gateway orchestrates the lattice-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the lattice-gateway
// server. It owns and manages all major components: the agent websocket
// endpoint, the HTTP API, the device store, the connection registry,
// the invocation router and the pairing service.
//
// # Handshake
//
// Agents connect to /ws/agent. The server immediately sends a plaintext
// challenge, the agent answers with either a device token (reconnect)
// or pairing material (first-time setup), and on success the server
// replies with a fresh token and connection ID. Every frame after that
// must be an encrypted envelope, in both directions.
//
// # HTTP API
//
// Collaborator endpoints in api.go, consumed by the workflow engine:
//
//   - POST /api/invoke - Invoke a capability on an agent
//   - GET /api/connections?user= - List a user's live connections
//   - GET /api/devices?user= - List a user's paired devices
//   - POST /api/devices/revoke - Revoke one device or all of a user's
//   - POST /api/pairing - Issue a pairing code
//   - GET /api/stats - Registry and router counters
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//	gw.Shutdown(shutdownCtx)
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - handshake.go: websocket upgrade, challenge/auth, session loop
//   - api.go: collaborator HTTP handlers
package gateway
