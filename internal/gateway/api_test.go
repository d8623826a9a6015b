// ABOUTME: Tests for the collaborator HTTP API endpoints
// ABOUTME: Exercises invoke routing errors, listings, pairing and revocation

package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticehq/lattice-gateway/internal/protocol"
)

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func getJSON(t *testing.T, srv *httptest.Server, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestAPI_IssuePairingCode(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	resp, body := postJSON(t, srv, "/api/pairing", map[string]string{"userId": "user-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	code, _ := body["code"].(string)
	assert.Len(t, code, 6)
	assert.Greater(t, body["expiresIn"].(float64), float64(0))
	assert.NotEmpty(t, body["expiresAt"])
}

func TestAPI_IssuePairingCodeRequiresUser(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	resp, body := postJSON(t, srv, "/api/pairing", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", body["error"])
}

func TestAPI_InvokeNoNodeAvailable(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	resp, body := postJSON(t, srv, "/api/invoke", map[string]any{
		"userId":     "user-1",
		"capability": "shell.execute",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NO_NODE_AVAILABLE", body["error"])
}

func TestAPI_InvokeUnknownConnection(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	resp, body := postJSON(t, srv, "/api/invoke", map[string]any{
		"connectionId": "no-such-conn",
		"capability":   "shell.execute",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "CONNECTION_INACTIVE", body["error"])
}

func TestAPI_InvokeRequiresCapability(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	resp, body := postJSON(t, srv, "/api/invoke", map[string]any{"userId": "user-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", body["error"])
}

func TestAPI_ListConnections(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	agent := pairAgent(t, g, srv, "dev-1", "shell.execute")

	resp, body := getJSON(t, srv, "/api/connections?user=user-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conns := body["connections"].([]any)
	require.Len(t, conns, 1)
	info := conns[0].(map[string]any)
	assert.Equal(t, agent.connectionID, info["connectionId"])
	assert.Equal(t, "dev-1", info["deviceId"])
	assert.Equal(t, "connected", info["status"])
	assert.Contains(t, info["capabilities"], "shell.execute")
}

func TestAPI_ListConnectionsRequiresUser(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	resp, _ := getJSON(t, srv, "/api/connections")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ListDevices(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	agent := pairAgent(t, g, srv, "dev-1")
	_ = agent

	resp, body := getJSON(t, srv, "/api/devices?user=user-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	devices := body["devices"].([]any)
	require.Len(t, devices, 1)
	info := devices[0].(map[string]any)
	assert.Equal(t, "dev-1", info["deviceId"])
	assert.Equal(t, false, info["revoked"])
	assert.Equal(t, true, info["connected"])
}

func TestAPI_RevokeDevice(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	pairAgent(t, g, srv, "dev-1")

	resp, body := postJSON(t, srv, "/api/devices/revoke", map[string]string{"deviceId": "dev-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["revoked"])

	// Device shows up as revoked afterwards
	_, listing := getJSON(t, srv, "/api/devices?user=user-1")
	info := listing["devices"].([]any)[0].(map[string]any)
	assert.Equal(t, true, info["revoked"])
}

func TestAPI_RevokeUnknownDevice(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	resp, body := postJSON(t, srv, "/api/devices/revoke", map[string]string{"deviceId": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["error"])
}

func TestAPI_RevokeAllForUser(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	pairAgent(t, g, srv, "dev-1")
	pairAgent(t, g, srv, "dev-2")

	resp, body := postJSON(t, srv, "/api/devices/revoke", map[string]string{"userId": "user-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["revoked"])
}

func TestAPI_Stats(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	pairAgent(t, g, srv, "dev-1", "shell.execute")

	resp, body := getJSON(t, srv, "/api/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, g.serverID, body["serverId"])
	reg := body["registry"].(map[string]any)
	assert.Equal(t, float64(1), reg["connections"])
	assert.Equal(t, float64(1), reg["devices"])
	platforms := reg["platforms"].(map[string]any)
	assert.Equal(t, float64(1), platforms["linux"])
	assert.Equal(t, float64(0), body["pendingInvocations"])
}

func TestAPI_TokenGuard(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	g.apiToken = "collab-secret"

	// No credentials
	resp, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong token
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct token
	req, err = http.NewRequest(http.MethodGet, srv.URL+"/api/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer collab-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open for load balancers
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_Broadcast(t *testing.T) {
	g, srv, _ := newTestGateway(t)
	first := pairAgent(t, g, srv, "dev-1")
	second := pairAgent(t, g, srv, "dev-2")

	resp, body := postJSON(t, srv, "/api/broadcast", map[string]any{
		"userId":  "user-1",
		"name":    "workspace.updated",
		"payload": map[string]string{"workspace": "ws-7"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["delivered"])

	for _, agent := range []*testAgent{first, second} {
		event, ok := agent.readPayload().(*protocol.Event)
		require.True(t, ok, "expected an event for %s", agent.deviceID)
		assert.Equal(t, "workspace.updated", event.Name)
		assert.JSONEq(t, `{"workspace":"ws-7"}`, string(event.Payload))
	}
}

func TestAPI_BroadcastNoConnections(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	resp, body := postJSON(t, srv, "/api/broadcast", map[string]any{
		"userId": "user-9",
		"name":   "workspace.updated",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["delivered"])
}

func TestAPI_BroadcastRequiresUserAndName(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	resp, body := postJSON(t, srv, "/api/broadcast", map[string]any{"userId": "user-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", body["error"])
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	for _, path := range []string{"/api/invoke", "/api/broadcast", "/api/pairing", "/api/devices/revoke"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)
	}
}

func TestAPI_HealthAndReadiness(t *testing.T) {
	g, srv, _ := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Not ready with zero agents
	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// Ready once one connects
	pairAgent(t, g, srv, "dev-1")
	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
