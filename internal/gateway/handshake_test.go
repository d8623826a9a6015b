// ABOUTME: End-to-end tests for the agent handshake and encrypted session loop
// ABOUTME: Drives a real websocket client through pairing, reconnect and invocation

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticehq/lattice-gateway/internal/auth"
	"github.com/latticehq/lattice-gateway/internal/config"
	"github.com/latticehq/lattice-gateway/internal/crypto"
	"github.com/latticehq/lattice-gateway/internal/envelope"
	"github.com/latticehq/lattice-gateway/internal/invoke"
	"github.com/latticehq/lattice-gateway/internal/pairing"
	"github.com/latticehq/lattice-gateway/internal/protocol"
	"github.com/latticehq/lattice-gateway/internal/registry"
	"github.com/latticehq/lattice-gateway/internal/store"
)

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	tokens := auth.NewJWTVerifier([]byte("test-secret"), 0)
	reg := registry.New()
	codec := envelope.NewCodec(st)
	router := invoke.NewRouter(reg, codec, st, 0)
	psvc := pairing.NewService(st, keys, tokens, reg, 0)

	g := &Gateway{
		config:            &config.Config{},
		store:             st,
		registry:          reg,
		codec:             codec,
		router:            router,
		pairing:           psvc,
		tokens:            tokens,
		keys:              keys,
		logger:            slog.Default().With("component", "gateway"),
		serverID:          "test-gateway",
		challengeValidity: defaultChallengeValidity,
		pingInterval:      time.Hour, // keep the ping loop out of these tests
		invokeTimeout:     2 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.HandleFunc("/ws/agent", g.handleAgentSocket)
	g.registerAPIRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return g, srv, st
}

func dialAgent(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeFrame(data)
	require.NoError(t, err)
	return msg
}

func writeFrame(t *testing.T, ws *websocket.Conn, msg any) {
	t.Helper()
	data, err := protocol.EncodeFrame(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

// testAgent is the client side of an established encrypted session.
type testAgent struct {
	t            *testing.T
	ws           *websocket.Conn
	keys         *crypto.SessionKeys
	deviceID     string
	seq          uint64
	token        string
	connectionID string
}

// pairAgent runs a complete first-time pairing handshake.
func pairAgent(t *testing.T, g *Gateway, srv *httptest.Server, deviceID string, caps ...string) *testAgent {
	t.Helper()
	pc, err := g.pairing.Initiate(context.Background(), "user-1")
	require.NoError(t, err)

	ws := dialAgent(t, srv)
	_, ok := readFrame(t, ws).(*protocol.Challenge)
	require.True(t, ok, "first frame must be a challenge")

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	writeFrame(t, ws, &protocol.AuthRequest{
		PairingCode:     pc.Code,
		DeviceID:        deviceID,
		DevicePublicKey: crypto.EncodePublicKey(kp.Public),
		DeviceName:      "Test Agent",
		Platform:        "linux",
		Arch:            "amd64",
		Capabilities:    caps,
	})

	resp, ok := readFrame(t, ws).(*protocol.AuthResponse)
	require.True(t, ok)
	require.True(t, resp.OK, "pairing handshake rejected: %s", resp.Error)
	require.NotEmpty(t, resp.DeviceToken)
	require.NotEmpty(t, resp.ConnectionID)
	require.NotEmpty(t, resp.ServerPublicKey)

	serverPub, err := crypto.ParsePublicKey(resp.ServerPublicKey)
	require.NoError(t, err)
	keys, err := kp.DeriveSessionKeys(serverPub, deviceID)
	require.NoError(t, err)

	return &testAgent{
		t:            t,
		ws:           ws,
		keys:         keys,
		deviceID:     deviceID,
		seq:          resp.InitialSequence,
		token:        resp.DeviceToken,
		connectionID: resp.ConnectionID,
	}
}

func (a *testAgent) sealPayload(seq uint64, msg any) *protocol.Envelope {
	a.t.Helper()
	payload, err := protocol.EncodePayload(msg)
	require.NoError(a.t, err)
	env := &protocol.Envelope{DeviceID: a.deviceID, Sequence: seq}
	sealed, err := crypto.Seal(a.keys.EncryptC2S, payload, env.AssociatedData())
	require.NoError(a.t, err)
	env.Nonce = sealed.Nonce
	env.Ciphertext = sealed.Ciphertext
	env.Tag = sealed.Tag
	return env
}

func (a *testAgent) sendPayload(msg any) *protocol.Envelope {
	a.t.Helper()
	a.seq++
	env := a.sealPayload(a.seq, msg)
	writeFrame(a.t, a.ws, env)
	return env
}

func (a *testAgent) readPayload() any {
	a.t.Helper()
	env, ok := readFrame(a.t, a.ws).(*protocol.Envelope)
	require.True(a.t, ok, "expected an envelope")
	sealed := &crypto.Sealed{Nonce: env.Nonce, Ciphertext: env.Ciphertext, Tag: env.Tag}
	plaintext, err := crypto.Open(a.keys.EncryptS2C, sealed, env.AssociatedData())
	require.NoError(a.t, err)
	msg, err := protocol.DecodePayload(plaintext)
	require.NoError(a.t, err)
	return msg
}

func TestHandshake_PairingFlow(t *testing.T) {
	g, srv, st := newTestGateway(t)
	agent := pairAgent(t, g, srv, "dev-1", "shell.execute")

	// Device persisted with the agent's derived keys
	device, err := st.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, agent.keys.EncryptC2S, device.EncryptC2S)
	assert.Equal(t, "user-1", device.UserID)

	// Connection registered and active
	conn := g.registry.Get(agent.connectionID)
	require.NotNil(t, conn)
	assert.True(t, conn.Active())
	assert.True(t, conn.HasCapability("shell.execute"))
}

func TestHandshake_TokenReconnect(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	agent := pairAgent(t, g, srv, "dev-1", "shell.execute")
	token := agent.token
	_ = agent.ws.Close()

	// Reconnect with the token alone; no key exchange this time
	ws := dialAgent(t, srv)
	_, ok := readFrame(t, ws).(*protocol.Challenge)
	require.True(t, ok)
	writeFrame(t, ws, &protocol.AuthRequest{
		DeviceToken:  token,
		Capabilities: []string{"shell.execute"},
	})

	resp, ok := readFrame(t, ws).(*protocol.AuthResponse)
	require.True(t, ok)
	require.True(t, resp.OK, "token reconnect rejected: %s", resp.Error)
	assert.Empty(t, resp.ServerPublicKey, "no key exchange on reconnect")
	assert.NotEqual(t, token, resp.DeviceToken, "a fresh token is minted per handshake")
	assert.Equal(t, agent.seq, resp.InitialSequence, "counter resumes from the last accepted sequence")
}

func TestHandshake_UnknownPairingCodeGenericError(t *testing.T) {
	_, srv, _ := newTestGateway(t)
	ws := dialAgent(t, srv)
	_, ok := readFrame(t, ws).(*protocol.Challenge)
	require.True(t, ok)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	writeFrame(t, ws, &protocol.AuthRequest{
		PairingCode:     "000000",
		DeviceID:        "dev-x",
		DevicePublicKey: crypto.EncodePublicKey(kp.Public),
		Platform:        "linux",
	})

	resp, ok := readFrame(t, ws).(*protocol.AuthResponse)
	require.True(t, ok)
	assert.False(t, resp.OK)
	assert.Equal(t, genericAuthError, resp.Error, "wire error must not reveal the failing check")
}

func TestHandshake_RevokedDeviceTokenRejected(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	agent := pairAgent(t, g, srv, "dev-1")
	token := agent.token
	_ = agent.ws.Close()

	require.NoError(t, g.pairing.Unpair(context.Background(), "user-1", "dev-1"))

	ws := dialAgent(t, srv)
	readFrame(t, ws)
	writeFrame(t, ws, &protocol.AuthRequest{DeviceToken: token})

	resp, ok := readFrame(t, ws).(*protocol.AuthResponse)
	require.True(t, ok)
	assert.False(t, resp.OK)
	assert.Equal(t, genericAuthError, resp.Error)
}

func TestHandshake_EmptyAuthRequestRejected(t *testing.T) {
	_, srv, _ := newTestGateway(t)
	ws := dialAgent(t, srv)
	readFrame(t, ws)
	writeFrame(t, ws, &protocol.AuthRequest{})

	resp, ok := readFrame(t, ws).(*protocol.AuthResponse)
	require.True(t, ok)
	assert.False(t, resp.OK)
}

func TestSession_InvokeRoundTrip(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	agent := pairAgent(t, g, srv, "dev-1", "shell.execute")

	type invokeOut struct {
		result *protocol.InvokeResult
		err    error
	}
	out := make(chan invokeOut, 1)
	go func() {
		result, err := g.router.Invoke(context.Background(), agent.connectionID,
			"shell.execute", json.RawMessage(`{"cmd":"uname"}`), 2*time.Second)
		out <- invokeOut{result, err}
	}()

	// Agent side: receive the sealed request, execute, reply
	msg := agent.readPayload()
	req, ok := msg.(*protocol.Request)
	require.True(t, ok)
	assert.Equal(t, protocol.MethodInvoke, req.Method)
	var params protocol.InvokeParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, "shell.execute", params.Capability)

	resultJSON, err := json.Marshal(protocol.InvokeResult{
		Success: true,
		Data:    json.RawMessage(`{"out":"Linux"}`),
	})
	require.NoError(t, err)
	agent.sendPayload(&protocol.Response{ID: req.ID, OK: true, Payload: resultJSON})

	got := <-out
	require.NoError(t, got.err)
	assert.True(t, got.result.Success)
	assert.JSONEq(t, `{"out":"Linux"}`, string(got.result.Data))
	assert.Equal(t, 0, g.router.PendingCount())
}

func TestSession_ReplayDroppedSessionSurvives(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	agent := pairAgent(t, g, srv, "dev-1")

	// Send a register request and consume the ack
	caps, err := json.Marshal(protocol.RegisterParams{Capabilities: []string{"clipboard.read"}})
	require.NoError(t, err)
	env := agent.sendPayload(&protocol.Request{ID: "r1", Method: protocol.MethodRegister, Params: caps})
	resp, ok := agent.readPayload().(*protocol.Response)
	require.True(t, ok)
	assert.True(t, resp.OK)

	// Replay the exact same envelope: silently dropped
	writeFrame(t, agent.ws, env)

	// The session still works afterwards
	caps2, err := json.Marshal(protocol.RegisterParams{Capabilities: []string{"clipboard.read", "shell.execute"}})
	require.NoError(t, err)
	agent.sendPayload(&protocol.Request{ID: "r2", Method: protocol.MethodRegister, Params: caps2})
	resp2, ok := agent.readPayload().(*protocol.Response)
	require.True(t, ok)
	assert.True(t, resp2.OK)
	assert.Equal(t, "r2", resp2.ID)

	conn := g.registry.Get(agent.connectionID)
	require.NotNil(t, conn)
	assert.True(t, conn.HasCapability("shell.execute"))
}

func TestSession_RepeatedBadEnvelopesCloseConnection(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	agent := pairAgent(t, g, srv, "dev-1")

	// Garbage envelopes at fresh sequences: AEAD fails every time
	for i := 0; i < maxConsecutiveFailures; i++ {
		agent.seq++
		env := &protocol.Envelope{
			DeviceID:   agent.deviceID,
			Sequence:   agent.seq,
			Nonce:      make([]byte, crypto.NonceSize),
			Ciphertext: []byte("garbage"),
			Tag:        make([]byte, crypto.TagSize),
		}
		writeFrame(t, agent.ws, env)
	}

	// Server closes the connection after the failure budget
	_ = agent.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := agent.ws.ReadMessage()
	assert.Error(t, err)
}

func TestSession_PlaintextFrameClosesConnection(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	agent := pairAgent(t, g, srv, "dev-1")

	// A plaintext auth-request after the handshake is a protocol error
	writeFrame(t, agent.ws, &protocol.AuthRequest{DeviceToken: agent.token})

	_ = agent.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := agent.ws.ReadMessage()
	assert.Error(t, err)

	// The registry entry is gone once the session unwinds
	assert.Eventually(t, func() bool {
		return g.registry.Get(agent.connectionID) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_DeviceSupersededOnSecondConnection(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	first := pairAgent(t, g, srv, "dev-1", "shell.execute")

	// Same device reconnects with its token while the old socket is open
	ws := dialAgent(t, srv)
	readFrame(t, ws)
	writeFrame(t, ws, &protocol.AuthRequest{DeviceToken: first.token, Capabilities: []string{"shell.execute"}})
	resp, ok := readFrame(t, ws).(*protocol.AuthResponse)
	require.True(t, ok)
	require.True(t, resp.OK)

	// Old connection superseded, new one owns the device index
	assert.Nil(t, g.registry.Get(first.connectionID))
	conn := g.registry.GetByDevice("dev-1")
	require.NotNil(t, conn)
	assert.Equal(t, resp.ConnectionID, conn.ID)
}
