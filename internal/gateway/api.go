// ABOUTME: Collaborator HTTP API consumed by the workflow engine
// ABOUTME: Invocation, connection listing, pairing codes, revocation and stats

package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/latticehq/lattice-gateway/internal/invoke"
	"github.com/latticehq/lattice-gateway/internal/registry"
	"github.com/latticehq/lattice-gateway/internal/store"
)

// registerAPIRoutes wires the collaborator endpoints onto the mux.
// Every route sits behind the shared-secret guard.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/invoke", g.requireAPIAuth(g.handleInvoke))
	mux.HandleFunc("/api/broadcast", g.requireAPIAuth(g.handleBroadcast))
	mux.HandleFunc("/api/connections", g.requireAPIAuth(g.handleListConnections))
	mux.HandleFunc("/api/devices", g.requireAPIAuth(g.handleListDevices))
	mux.HandleFunc("/api/devices/revoke", g.requireAPIAuth(g.handleRevoke))
	mux.HandleFunc("/api/pairing", g.requireAPIAuth(g.handleIssuePairingCode))
	mux.HandleFunc("/api/stats", g.requireAPIAuth(g.handleStats))
}

// requireAPIAuth enforces the auth.api_token shared secret as a bearer
// token. An empty configured token disables the check.
func (g *Gateway) requireAPIAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.apiToken != "" {
			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(g.apiToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API token")
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

type invokeRequest struct {
	ConnectionID string          `json:"connectionId,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	Platform     string          `json:"platform,omitempty"`
	Capability   string          `json:"capability"`
	Args         json.RawMessage `json:"args,omitempty"`
	TimeoutMS    int64           `json:"timeoutMs,omitempty"`
}

// handleInvoke routes a capability request by connection ID, by user,
// or by user+platform. Routing failures come back as structured JSON,
// never as connection teardown.
func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "POST required")
		return
	}

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if req.Capability == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "capability is required")
		return
	}

	timeout := g.invokeTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	var result any
	var err error
	switch {
	case req.ConnectionID != "":
		result, err = g.router.Invoke(r.Context(), req.ConnectionID, req.Capability, req.Args, timeout)
	case req.UserID != "" && req.Platform != "":
		result, err = g.router.InvokeOnPlatform(r.Context(), req.UserID, req.Platform, req.Capability, req.Args, timeout)
	case req.UserID != "":
		result, err = g.router.InvokeForUser(r.Context(), req.UserID, req.Capability, req.Args, timeout)
	default:
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "connectionId or userId is required")
		return
	}

	if err != nil {
		status, code := invokeErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type broadcastRequest struct {
	UserID  string          `json:"userId"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// handleBroadcast fans an event out to every live connection of a user.
func (g *Gateway) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "POST required")
		return
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "userId and name are required")
		return
	}

	delivered, err := g.BroadcastToUser(r.Context(), req.UserID, req.Name, req.Payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

// invokeErrorStatus maps router errors onto HTTP status codes.
func invokeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, invoke.ErrTooManyRequests):
		return http.StatusTooManyRequests, "TOO_MANY_REQUESTS"
	case errors.Is(err, invoke.ErrTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, invoke.ErrConnectionLost):
		return http.StatusBadGateway, "CONNECTION_LOST"
	case errors.Is(err, invoke.ErrConnectionInactive):
		return http.StatusNotFound, "CONNECTION_INACTIVE"
	case errors.Is(err, invoke.ErrCapabilityNotFound):
		return http.StatusNotFound, "CAPABILITY_NOT_FOUND"
	case errors.Is(err, invoke.ErrNoNodeAvailable):
		return http.StatusNotFound, "NO_NODE_AVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

type connectionInfo struct {
	ConnectionID string   `json:"connectionId"`
	DeviceID     string   `json:"deviceId"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status"`
	ConnectedAt  string   `json:"connectedAt"`
	LatencyMS    int64    `json:"latencyMs"`
}

func connectionToInfo(c *registry.Connection) connectionInfo {
	return connectionInfo{
		ConnectionID: c.ID,
		DeviceID:     c.DeviceID,
		Platform:     c.Platform,
		Capabilities: c.Capabilities(),
		Status:       string(c.Status()),
		ConnectedAt:  c.ConnectedAt.Format(time.RFC3339),
		LatencyMS:    c.Latency().Milliseconds(),
	}
}

// handleListConnections lists a user's live connections.
func (g *Gateway) handleListConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "GET required")
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "user query parameter is required")
		return
	}

	conns := g.registry.GetAllForUser(userID)
	infos := make([]connectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, connectionToInfo(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": infos})
}

type deviceInfo struct {
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName"`
	Platform    string `json:"platform"`
	Fingerprint string `json:"fingerprint"`
	Revoked     bool   `json:"revoked"`
	PairedAt    string `json:"pairedAt"`
	Connected   bool   `json:"connected"`
}

// handleListDevices lists a user's paired devices, revoked included.
func (g *Gateway) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "GET required")
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "user query parameter is required")
		return
	}

	devices, err := g.store.ListDevicesForUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "listing devices failed")
		return
	}
	infos := make([]deviceInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, deviceInfo{
			DeviceID:    d.DeviceID,
			DisplayName: d.DisplayName,
			Platform:    d.Platform,
			Fingerprint: d.Fingerprint,
			Revoked:     d.Revoked,
			PairedAt:    d.PairedAt.Format(time.RFC3339),
			Connected:   g.registry.GetByDevice(d.DeviceID) != nil,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": infos})
}

type revokeRequest struct {
	DeviceID string `json:"deviceId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// handleRevoke unpairs one device or all of a user's devices.
func (g *Gateway) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "POST required")
		return
	}

	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	switch {
	case req.DeviceID != "":
		if err := g.pairing.Unpair(r.Context(), req.UserID, req.DeviceID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "NOT_FOUND", "no such device")
				return
			}
			writeError(w, http.StatusInternalServerError, "INTERNAL", "revocation failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revoked": 1})
	case req.UserID != "":
		n, err := g.pairing.RevokeAll(r.Context(), req.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", "revocation failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
	default:
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "deviceId or userId is required")
	}
}

type pairingRequest struct {
	UserID string `json:"userId"`
}

// handleIssuePairingCode issues a code for an authenticated user.
func (g *Gateway) handleIssuePairingCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "POST required")
		return
	}

	var req pairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "userId is required")
		return
	}

	code, err := g.pairing.Initiate(r.Context(), req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "issuing pairing code failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":      code.Code,
		"expiresIn": int64(time.Until(code.ExpiresAt).Seconds()),
		"expiresAt": code.ExpiresAt.Format(time.RFC3339),
	})
}

// handleStats reports registry and router counters.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "GET required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"serverId":           g.serverID,
		"registry":           g.registry.Stats(),
		"pendingInvocations": g.router.PendingCount(),
	})
}
