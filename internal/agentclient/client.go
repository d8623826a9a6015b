// ABOUTME: Agent-side client for the gateway websocket protocol
// ABOUTME: Handles the handshake, the encrypted session and capability dispatch

package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/latticehq/lattice-gateway/internal/crypto"
	"github.com/latticehq/lattice-gateway/internal/protocol"
)

var (
	// ErrAuthFailed means the gateway rejected the handshake. The wire
	// error is intentionally generic; there is nothing to branch on.
	ErrAuthFailed = errors.New("agentclient: authentication failed")

	// ErrNoCredentials means the client has neither a pairing code nor
	// a device token to present.
	ErrNoCredentials = errors.New("agentclient: no pairing code or device token")

	// ErrNoSessionKeys means a token reconnect succeeded but no session
	// keys were supplied. Keys are only issued during pairing; a client
	// that lost them must re-pair.
	ErrNoSessionKeys = errors.New("agentclient: session keys missing, re-pairing required")

	// ErrSessionClosed is returned from Serve when the gateway closes
	// the connection.
	ErrSessionClosed = errors.New("agentclient: session closed")
)

const (
	handshakeTimeout = 30 * time.Second
	writeTimeout     = 10 * time.Second
	maxFrameSize     = 1 << 20
)

// Handler executes one capability invocation. The returned bytes become
// the invocation's data payload.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Credentials is everything the agent must persist across restarts to
// reconnect without re-pairing.
type Credentials struct {
	DeviceToken string
	SessionKeys *crypto.SessionKeys
}

// Options configures a Client.
type Options struct {
	// URL is the gateway's agent websocket endpoint, e.g.
	// ws://gateway:8090/ws/agent.
	URL string

	DeviceID   string
	DeviceName string
	Platform   string
	Arch       string

	// PairingCode drives a first-time pairing handshake.
	PairingCode string

	// Credentials drives a token reconnect. Ignored while PairingCode
	// is set.
	Credentials *Credentials

	// OnCredentials is called whenever the gateway issues fresh
	// credentials: after pairing and after every reconnect (tokens are
	// rotated per handshake). Use it to persist them.
	OnCredentials func(Credentials)

	Logger *slog.Logger
}

// Client connects to the gateway as an agent, answers capability
// invocations and keeps the envelope sequence discipline.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	creds    Credentials

	sessionMu sync.Mutex
	ws        *websocket.Conn
	writeMu   sync.Mutex
	keys      *crypto.SessionKeys
	recvSeq   uint64

	// sendSeq is shared between the Serve read goroutine (replies) and
	// whatever goroutine the application calls SendEvent from.
	sendSeq atomic.Uint64
}

// New creates a Client. Register handlers before calling Connect so the
// capability list advertised during the handshake is complete.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("agentclient: URL is required")
	}
	if opts.DeviceID == "" {
		return nil, errors.New("agentclient: DeviceID is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		opts:     opts,
		logger:   logger.With("component", "agentclient"),
		handlers: make(map[string]Handler),
	}
	if opts.Credentials != nil {
		c.creds = *opts.Credentials
	}
	return c, nil
}

// Handle registers a capability handler. Re-registering a name replaces
// the previous handler.
func (c *Client) Handle(capability string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[capability] = h
}

func (c *Client) capabilities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	caps := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		caps = append(caps, name)
	}
	return caps
}

// Credentials returns the most recently issued credentials.
func (c *Client) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// Connect dials the gateway and runs the handshake. On success the
// client is ready for Serve.
func (c *Client) Connect(ctx context.Context) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	ws.SetReadLimit(maxFrameSize)

	if err := c.handshake(ws); err != nil {
		_ = ws.Close()
		return err
	}
	c.ws = ws
	return nil
}

func (c *Client) handshake(ws *websocket.Conn) error {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msg, err := readFrame(ws)
	if err != nil {
		return fmt.Errorf("reading challenge: %w", err)
	}
	if _, ok := msg.(*protocol.Challenge); !ok {
		return fmt.Errorf("expected challenge, got %T", msg)
	}

	req := &protocol.AuthRequest{
		Capabilities: c.capabilities(),
	}
	var pairKeys *crypto.KeyPair
	creds := c.Credentials()
	switch {
	case c.opts.PairingCode != "":
		pairKeys, err = crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		req.PairingCode = c.opts.PairingCode
		req.DeviceID = c.opts.DeviceID
		req.DevicePublicKey = crypto.EncodePublicKey(pairKeys.Public)
		req.DeviceFingerprint = crypto.Fingerprint(pairKeys.Public)
		req.DeviceName = c.opts.DeviceName
		req.Platform = c.opts.Platform
		req.Arch = c.opts.Arch
	case creds.DeviceToken != "":
		req.DeviceToken = creds.DeviceToken
	default:
		return ErrNoCredentials
	}

	if err := writeFrame(ws, req); err != nil {
		return fmt.Errorf("sending auth request: %w", err)
	}

	msg, err = readFrame(ws)
	if err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}
	resp, ok := msg.(*protocol.AuthResponse)
	if !ok {
		return fmt.Errorf("expected auth response, got %T", msg)
	}
	if !resp.OK {
		return ErrAuthFailed
	}

	keys := creds.SessionKeys
	if resp.ServerPublicKey != "" {
		// First-time pairing: derive the session keys now
		serverPub, err := crypto.ParsePublicKey(resp.ServerPublicKey)
		if err != nil {
			return fmt.Errorf("parsing server public key: %w", err)
		}
		keys, err = pairKeys.DeriveSessionKeys(serverPub, c.opts.DeviceID)
		if err != nil {
			return fmt.Errorf("deriving session keys: %w", err)
		}
	}
	if keys == nil {
		return ErrNoSessionKeys
	}
	// Resume the envelope counter from the gateway's last accepted
	// sequence; anything at or below it would be dropped as a replay.
	c.sendSeq.Store(resp.InitialSequence)

	c.keys = keys
	c.recvSeq = 0
	newCreds := Credentials{DeviceToken: resp.DeviceToken, SessionKeys: keys}
	c.mu.Lock()
	c.creds = newCreds
	c.mu.Unlock()
	// Pairing codes are single use; never present one twice
	c.opts.PairingCode = ""
	if c.opts.OnCredentials != nil {
		c.opts.OnCredentials(newCreds)
	}

	c.logger.Info("connected to gateway", "connection_id", resp.ConnectionID, "scopes", resp.Scopes)
	return nil
}

// Serve runs the encrypted session until the connection drops or ctx is
// cancelled. Invocation handlers run on the read goroutine; keep them
// quick or spawn your own goroutine and respond asynchronously.
func (c *Client) Serve(ctx context.Context) error {
	c.sessionMu.Lock()
	ws := c.ws
	c.sessionMu.Unlock()
	if ws == nil {
		return errors.New("agentclient: not connected")
	}

	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-readDone:
		}
	}()

	for {
		_ = ws.SetReadDeadline(time.Time{})
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		msg, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		env, ok := msg.(*protocol.Envelope)
		if !ok {
			c.logger.Warn("dropping unexpected plaintext frame", "type", fmt.Sprintf("%T", msg))
			continue
		}
		if err := c.handleEnvelope(ctx, env); err != nil {
			c.logger.Warn("dropping envelope", "error", err)
		}
	}
}

// Close tears down the websocket, if any.
func (c *Client) Close() error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.ws == nil {
		return nil
	}
	err := c.ws.Close()
	c.ws = nil
	return err
}

func (c *Client) handleEnvelope(ctx context.Context, env *protocol.Envelope) error {
	// Gateway-to-agent sequences are strictly increasing per session
	if env.Sequence <= c.recvSeq && c.recvSeq != 0 {
		return fmt.Errorf("replayed sequence %d", env.Sequence)
	}
	sealed := &crypto.Sealed{Nonce: env.Nonce, Ciphertext: env.Ciphertext, Tag: env.Tag}
	plaintext, err := crypto.Open(c.keys.EncryptS2C, sealed, env.AssociatedData())
	if err != nil {
		return err
	}
	c.recvSeq = env.Sequence

	msg, err := protocol.DecodePayload(plaintext)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *protocol.Request:
		return c.handleRequest(ctx, m)
	case *protocol.Ping:
		return c.sendPayload(&protocol.Pong{Timestamp: m.Timestamp})
	case *protocol.Response, *protocol.Pong, *protocol.Event:
		// Agents do not initiate requests today
		return nil
	default:
		return fmt.Errorf("unhandled payload type %T", msg)
	}
}

func (c *Client) handleRequest(ctx context.Context, req *protocol.Request) error {
	if req.Method != protocol.MethodInvoke {
		return c.sendPayload(&protocol.Response{
			ID: req.ID, OK: false, Error: fmt.Sprintf("unknown method %q", req.Method),
		})
	}
	var params protocol.InvokeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return c.sendPayload(&protocol.Response{ID: req.ID, OK: false, Error: "bad invoke params"})
	}

	c.mu.RLock()
	handler := c.handlers[params.Capability]
	c.mu.RUnlock()

	result := protocol.InvokeResult{Success: true}
	if handler == nil {
		result.Success = false
		result.ErrorCode = "CAPABILITY_NOT_FOUND"
		result.ErrorMessage = fmt.Sprintf("no handler for %q", params.Capability)
	} else if data, err := handler(ctx, params.Args); err != nil {
		result.Success = false
		result.ErrorCode = "HANDLER_ERROR"
		result.ErrorMessage = err.Error()
	} else {
		result.Data = data
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.sendPayload(&protocol.Response{ID: req.ID, OK: true, Payload: payload})
}

// SendEvent pushes a named event to the gateway. Safe for concurrent
// use with the session's own replies.
func (c *Client) SendEvent(name string, payload json.RawMessage) error {
	seq := c.sendSeq.Add(1)
	return c.sendPayloadSeq(seq, &protocol.Event{Name: name, Payload: payload, Seq: seq})
}

func (c *Client) sendPayload(msg any) error {
	return c.sendPayloadSeq(c.sendSeq.Add(1), msg)
}

func (c *Client) sendPayloadSeq(seq uint64, msg any) error {
	plaintext, err := protocol.EncodePayload(msg)
	if err != nil {
		return err
	}
	env := &protocol.Envelope{DeviceID: c.opts.DeviceID, Sequence: seq}
	sealed, err := crypto.Seal(c.keys.EncryptC2S, plaintext, env.AssociatedData())
	if err != nil {
		return err
	}
	env.Nonce = sealed.Nonce
	env.Ciphertext = sealed.Ciphertext
	env.Tag = sealed.Tag

	c.sessionMu.Lock()
	ws := c.ws
	c.sessionMu.Unlock()
	if ws == nil {
		return ErrSessionClosed
	}
	return writeFrameLocked(&c.writeMu, ws, env)
}

func readFrame(ws *websocket.Conn) (any, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeFrame(data)
}

func writeFrame(ws *websocket.Conn, msg any) error {
	data, err := protocol.EncodeFrame(msg)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func writeFrameLocked(mu *sync.Mutex, ws *websocket.Conn, msg any) error {
	mu.Lock()
	defer mu.Unlock()
	return writeFrame(ws, msg)
}
