// ABOUTME: In-memory index of live agent connections
// ABOUTME: Indexed by connection ID, user ID and device ID; one live connection per device

// Package registry tracks live agent connections in memory.
//
// Every registered connection is reachable by connection ID, by owning
// user (one user may run many devices) and by device ID (at most one
// live connection per device; a new registration supersedes the old
// one). All methods are safe for concurrent use, and iteration for
// broadcasts works on snapshots so no lock is held during sends.
package registry

import (
	"log/slog"
	"sync"
	"time"
)

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Connections  int            `json:"connections"`
	Users        int            `json:"users"`
	Devices      int            `json:"devices"`
	Platforms    map[string]int `json:"platforms"`
	Capabilities map[string]int `json:"capabilities"`
}

// Registry holds all live connections.
type Registry struct {
	mu       sync.RWMutex
	byConn   map[string]*Connection
	byUser   map[string]map[string]*Connection
	byDevice map[string]*Connection
	logger   *slog.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byConn:   make(map[string]*Connection),
		byUser:   make(map[string]map[string]*Connection),
		byDevice: make(map[string]*Connection),
		logger:   slog.Default().With("component", "registry"),
	}
}

// Register adds a connection to all three indexes. If the device
// already has a live connection the old one is superseded and
// returned; the caller is responsible for closing its transport.
func (r *Registry) Register(conn *Connection) (superseded *Connection) {
	r.mu.Lock()

	if prev, ok := r.byDevice[conn.DeviceID]; ok && prev.ID != conn.ID {
		r.removeLocked(prev)
		superseded = prev
	}

	r.byConn[conn.ID] = conn
	if _, ok := r.byUser[conn.UserID]; !ok {
		r.byUser[conn.UserID] = make(map[string]*Connection)
	}
	r.byUser[conn.UserID][conn.ID] = conn
	r.byDevice[conn.DeviceID] = conn

	r.mu.Unlock()

	if superseded != nil {
		superseded.SetStatus(StatusDisconnected)
		r.logger.Info("superseding existing device connection",
			"device_id", conn.DeviceID,
			"old_connection_id", superseded.ID,
			"new_connection_id", conn.ID)
	}
	r.logger.Info("connection registered",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"device_id", conn.DeviceID)
	return superseded
}

// Unregister removes a connection from all indexes. Idempotent: it is
// safe to call from both the transport-close path and explicit
// revocation. Returns the removed connection, or nil if it was already
// gone.
func (r *Registry) Unregister(connectionID string) *Connection {
	r.mu.Lock()
	conn, ok := r.byConn[connectionID]
	if ok {
		r.removeLocked(conn)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	conn.SetStatus(StatusDisconnected)
	r.logger.Info("connection unregistered", "connection_id", connectionID)
	return conn
}

// removeLocked drops the connection from all indexes. Caller holds
// the write lock.
func (r *Registry) removeLocked(conn *Connection) {
	delete(r.byConn, conn.ID)
	if userConns, ok := r.byUser[conn.UserID]; ok {
		delete(userConns, conn.ID)
		if len(userConns) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	// Only clear the device index if it still points at this connection;
	// a superseding registration may already own the slot.
	if cur, ok := r.byDevice[conn.DeviceID]; ok && cur.ID == conn.ID {
		delete(r.byDevice, conn.DeviceID)
	}
}

// Get returns the connection by ID, or nil.
func (r *Registry) Get(connectionID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connectionID]
}

// GetByDevice returns the device's live connection, or nil.
func (r *Registry) GetByDevice(deviceID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byDevice[deviceID]
}

// GetAllForUser returns a snapshot of the user's connections.
func (r *Registry) GetAllForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	return conns
}

// FindWithCapability returns the first active connection of the user
// advertising the capability, or nil.
func (r *Registry) FindWithCapability(userID, capability string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byUser[userID] {
		if c.Active() && c.HasCapability(capability) {
			return c
		}
	}
	return nil
}

// FindAllWithCapability returns every active connection of the user
// advertising the capability.
func (r *Registry) FindAllWithCapability(userID, capability string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var conns []*Connection
	for _, c := range r.byUser[userID] {
		if c.Active() && c.HasCapability(capability) {
			conns = append(conns, c)
		}
	}
	return conns
}

// FindByPlatform returns the first active connection of the user on
// the given platform, or nil.
func (r *Registry) FindByPlatform(userID, platform string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byUser[userID] {
		if c.Active() && c.Platform == platform {
			return c
		}
	}
	return nil
}

// Touch records activity on the connection, if it is still registered.
func (r *Registry) Touch(connectionID string) {
	if c := r.Get(connectionID); c != nil {
		c.Touch()
	}
}

// Snapshot returns a copy of all live connections. Broadcast paths
// iterate this instead of holding the registry lock during sends.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.byConn))
	for _, c := range r.byConn {
		conns = append(conns, c)
	}
	return conns
}

// Stats summarizes the registry for the operator API.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{
		Connections:  len(r.byConn),
		Users:        len(r.byUser),
		Devices:      len(r.byDevice),
		Platforms:    make(map[string]int),
		Capabilities: make(map[string]int),
	}
	for _, c := range r.byConn {
		stats.Platforms[c.Platform]++
		for _, name := range c.Capabilities() {
			stats.Capabilities[name]++
		}
	}
	return stats
}

// lastActiveCutoff is how long a connection may stay silent before the
// stale sweeper closes it.
const lastActiveCutoff = 5 * time.Minute

// SweepStale closes and unregisters connections with no activity past
// the cutoff. Returns how many were closed.
func (r *Registry) SweepStale(now time.Time) int {
	var stale []*Connection
	for _, c := range r.Snapshot() {
		if now.Sub(c.LastActiveAt()) > lastActiveCutoff {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		r.logger.Info("closing stale connection",
			"connection_id", c.ID,
			"last_active", c.LastActiveAt())
		r.Unregister(c.ID)
		_ = c.Transport.Close()
	}
	return len(stale)
}
