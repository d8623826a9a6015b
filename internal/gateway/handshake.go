// ABOUTME: Agent websocket handler: challenge, authentication and session loop
// ABOUTME: Every post-handshake frame must arrive as a sealed envelope

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/latticehq/lattice-gateway/internal/crypto"
	"github.com/latticehq/lattice-gateway/internal/pairing"
	"github.com/latticehq/lattice-gateway/internal/protocol"
	"github.com/latticehq/lattice-gateway/internal/registry"
	"github.com/latticehq/lattice-gateway/internal/store"
)

const (
	defaultChallengeValidity = 5 * time.Minute
	defaultPingInterval      = 30 * time.Second

	// maxConsecutiveFailures closes a connection that keeps sending
	// unverifiable envelopes. A single bad message is tolerated.
	maxConsecutiveFailures = 5

	// maxFrameSize bounds a single websocket message.
	maxFrameSize = 1 << 20

	writeTimeout = 10 * time.Second
)

// genericAuthError is the only failure detail the wire ever carries.
// Which specific check failed stays in the server log.
const genericAuthError = "authentication failed"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are native processes, not browsers; origin checks do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTransport adapts a websocket connection to the registry's
// Transport interface. Writes are serialized by a mutex since gorilla
// allows only one concurrent writer.
type wsTransport struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) writeFrame(msg any) error {
	data, err := protocol.EncodeFrame(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) SendEnvelope(env *protocol.Envelope) error {
	return t.writeFrame(env)
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

// handleAgentSocket upgrades the connection and runs the handshake
// followed by the encrypted session loop. One goroutine per agent;
// inbound messages on a single connection are strictly sequential.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	transport := &wsTransport{ws: ws}
	logger := g.logger.With("remote", r.RemoteAddr)

	conn, device, err := g.runHandshake(r.Context(), transport)
	if err != nil {
		// One diagnostic line, generic error on the wire.
		logger.Warn("handshake failed", "error", err)
		_ = transport.writeFrame(&protocol.AuthResponse{OK: false, Error: genericAuthError})
		_ = ws.Close()
		return
	}

	logger = logger.With("connection_id", conn.ID, "device_id", device.DeviceID)
	logger.Info("agent session established", "user_id", conn.UserID, "platform", conn.Platform)

	pingCtx, cancelPing := context.WithCancel(context.Background())
	go g.runPingLoop(pingCtx, conn, device, logger)

	g.runSession(conn, device, transport, logger)

	cancelPing()
	g.registry.Unregister(conn.ID)
	g.router.FailConnection(conn.ID)
	_ = ws.Close()
	logger.Info("agent session closed")
}

// runHandshake executes the plaintext portion: challenge out, auth
// request in, auth response out. On success the connection is already
// registered and in the connected state.
func (g *Gateway) runHandshake(ctx context.Context, transport *wsTransport) (*registry.Connection, *store.Device, error) {
	nonce, err := crypto.GenerateChallengeNonce()
	if err != nil {
		return nil, nil, err
	}
	challenge := &protocol.Challenge{
		Nonce:     crypto.EncodePublicKey(nonce), // base64, same wire encoding as keys
		Timestamp: time.Now().UnixMilli(),
	}
	if err := transport.writeFrame(challenge); err != nil {
		return nil, nil, fmt.Errorf("sending challenge: %w", err)
	}

	// The agent has the challenge validity window to authenticate.
	_ = transport.ws.SetReadDeadline(time.Now().Add(g.challengeValidity))
	_, data, err := transport.ws.ReadMessage()
	if err != nil {
		return nil, nil, fmt.Errorf("reading auth request: %w", err)
	}
	_ = transport.ws.SetReadDeadline(time.Time{})

	msg, err := protocol.DecodeFrame(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding auth request: %w", err)
	}
	req, ok := msg.(*protocol.AuthRequest)
	if !ok {
		return nil, nil, fmt.Errorf("expected auth-request, got %T", msg)
	}

	device, freshToken, paired, err := g.authenticate(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	conn := registry.NewConnection(
		uuid.New().String(),
		device.UserID,
		device.DeviceID,
		device.Platform,
		transport,
		uint64(time.Now().UnixMilli()),
	)
	conn.SetCapabilities(req.Capabilities)
	conn.SetStatus(registry.StatusConnected)
	if superseded := g.registry.Register(conn); superseded != nil {
		g.router.FailConnection(superseded.ID)
		_ = superseded.Transport.Close()
	}

	resp := &protocol.AuthResponse{
		OK:           true,
		DeviceToken:  freshToken,
		ConnectionID: conn.ID,
		Scopes:       []string{"node.invoke"},
	}
	// The device resumes its envelope counter from here on every
	// connect, so an agent never has to persist it.
	resp.InitialSequence = device.LastSequence
	if paired {
		// First-time pairing: the device still needs the platform key
		// to run the same derivation.
		resp.ServerPublicKey = g.pairing.ServerPublicKey()
	}
	if err := transport.writeFrame(resp); err != nil {
		g.registry.Unregister(conn.ID)
		return nil, nil, fmt.Errorf("sending auth response: %w", err)
	}
	return conn, device, nil
}

// authenticate resolves the request: device token first, then pairing
// code, then reject. paired is true when this handshake enrolled a new
// device.
func (g *Gateway) authenticate(ctx context.Context, req *protocol.AuthRequest) (device *store.Device, token string, paired bool, err error) {
	switch {
	case req.DeviceToken != "":
		claims, err := g.tokens.Verify(req.DeviceToken)
		if err != nil {
			return nil, "", false, fmt.Errorf("verifying device token: %w", err)
		}
		device, err := g.store.GetDevice(ctx, claims.DeviceID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", false, fmt.Errorf("token for unknown device %s", claims.DeviceID)
		}
		if err != nil {
			return nil, "", false, err
		}
		if device.Revoked {
			return nil, "", false, fmt.Errorf("token for revoked device %s", device.DeviceID)
		}
		if device.UserID != claims.UserID {
			return nil, "", false, fmt.Errorf("token user mismatch for device %s", device.DeviceID)
		}

		// Mint a fresh token on every reconnect
		fresh, err := g.tokens.Generate(device.DeviceID, device.UserID)
		if err != nil {
			return nil, "", false, err
		}
		if err := g.store.UpdateDeviceToken(ctx, device.DeviceID, fresh); err != nil {
			return nil, "", false, err
		}
		return device, fresh, false, nil

	case req.PairingCode != "":
		material := pairing.DeviceMaterial{
			DeviceID:    req.DeviceID,
			PublicKey:   req.DevicePublicKey,
			Fingerprint: req.DeviceFingerprint,
			DisplayName: req.DeviceName,
			Platform:    req.Platform,
			Arch:        req.Arch,
		}
		device, token, err := g.pairing.Complete(ctx, req.PairingCode, material)
		if err != nil {
			return nil, "", false, err
		}
		return device, token, true, nil

	default:
		return nil, "", false, errors.New("auth request carries neither token nor pairing code")
	}
}

// runSession reads envelopes until the connection drops or misbehaves.
func (g *Gateway) runSession(conn *registry.Connection, device *store.Device, transport *wsTransport, logger *slog.Logger) {
	ctx := context.Background()
	failures := 0

	for {
		_, data, err := transport.ws.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.DecodeFrame(data)
		if err != nil {
			// Malformed frame or unknown type after handshake is a
			// protocol error: close the connection.
			logger.Warn("protocol error on established session", "error", err)
			return
		}
		env, ok := msg.(*protocol.Envelope)
		if !ok {
			logger.Warn("plaintext frame on established session", "type", fmt.Sprintf("%T", msg))
			return
		}

		plaintext, dev, err := g.codec.Open(ctx, env)
		if err != nil {
			// Drop silently; no step-specific detail crosses the wire.
			failures++
			logger.Warn("envelope verification failed", "error", err, "consecutive", failures)
			if failures >= maxConsecutiveFailures {
				logger.Warn("closing connection after repeated envelope failures")
				return
			}
			continue
		}
		failures = 0
		device = dev
		conn.Touch()

		if err := g.dispatchPayload(ctx, conn, device, plaintext, logger); err != nil {
			logger.Warn("payload dispatch failed", "error", err)
			return
		}
	}
}

// dispatchPayload routes one decrypted inbound payload.
func (g *Gateway) dispatchPayload(ctx context.Context, conn *registry.Connection, device *store.Device, plaintext []byte, logger *slog.Logger) error {
	msg, err := protocol.DecodePayload(plaintext)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case *protocol.Response:
		result := &protocol.InvokeResult{}
		if m.OK {
			if err := json.Unmarshal(m.Payload, result); err != nil {
				result = &protocol.InvokeResult{
					Success:      false,
					ErrorCode:    "BAD_RESULT",
					ErrorMessage: "agent returned an unparseable result",
				}
			}
		} else {
			result = &protocol.InvokeResult{
				Success:      false,
				ErrorCode:    "AGENT_ERROR",
				ErrorMessage: m.Error,
			}
		}
		g.router.HandleResponse(m.ID, result)

	case *protocol.Request:
		return g.handleAgentRequest(conn, device, m, logger)

	case *protocol.Ping:
		pong, err := protocol.EncodePayload(&protocol.Pong{Timestamp: m.Timestamp})
		if err != nil {
			return err
		}
		return g.sendSealed(conn, device, pong)

	case *protocol.Pong:
		sent := time.UnixMilli(m.Timestamp)
		conn.SetLatency(time.Since(sent))

	case *protocol.Event:
		logger.Debug("agent event", "name", m.Name, "seq", m.Seq)

	default:
		return fmt.Errorf("unhandled payload type %T", msg)
	}
	return nil
}

// handleAgentRequest serves requests initiated by the agent.
func (g *Gateway) handleAgentRequest(conn *registry.Connection, device *store.Device, req *protocol.Request, logger *slog.Logger) error {
	resp := &protocol.Response{ID: req.ID, OK: true}

	switch req.Method {
	case protocol.MethodRegister:
		var params protocol.RegisterParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.OK = false
			resp.Error = "bad register params"
		} else {
			conn.SetCapabilities(params.Capabilities)
			logger.Info("agent re-advertised capabilities", "count", len(params.Capabilities))
		}
	default:
		resp.OK = false
		resp.Error = fmt.Sprintf("unknown method %q", req.Method)
	}

	payload, err := protocol.EncodePayload(resp)
	if err != nil {
		return err
	}
	return g.sendSealed(conn, device, payload)
}

// sendSealed seals a payload under the device's key and writes it.
func (g *Gateway) sendSealed(conn *registry.Connection, device *store.Device, payload []byte) error {
	env, err := g.codec.Seal(device, conn.NextSequence(), payload)
	if err != nil {
		return err
	}
	return conn.Transport.SendEnvelope(env)
}

// runPingLoop sends sealed pings for liveness and latency measurement.
func (g *Gateway) runPingLoop(ctx context.Context, conn *registry.Connection, device *store.Device, logger *slog.Logger) {
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping, err := protocol.EncodePayload(&protocol.Ping{Timestamp: time.Now().UnixMilli()})
			if err != nil {
				return
			}
			if err := g.sendSealed(conn, device, ping); err != nil {
				logger.Debug("ping send failed", "error", err)
				return
			}
		}
	}
}
