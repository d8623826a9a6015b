// ABOUTME: Connection type representing one live, authenticated agent session
// ABOUTME: Tracks status, capabilities, latency and the outbound sequence counter

package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/latticehq/lattice-gateway/internal/protocol"
)

// Status is a connection's lifecycle state.
type Status string

const (
	// StatusConnecting covers the window between the websocket upgrade
	// and a completed handshake.
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Transport is the minimal surface the registry and router need from
// the underlying connection. The websocket handler implements it.
type Transport interface {
	// SendEnvelope writes a sealed envelope to the peer. Safe for
	// concurrent use.
	SendEnvelope(env *protocol.Envelope) error
	// Close tears down the physical connection.
	Close() error
}

// Connection is one authenticated agent session. It references, but
// does not own, the device record.
type Connection struct {
	ID       string
	UserID   string
	DeviceID string
	Platform string

	Transport Transport

	ConnectedAt time.Time

	mu           sync.RWMutex
	status       Status
	capabilities map[string]struct{}
	lastActiveAt time.Time
	latency      time.Duration

	// outSeq drives platform-to-agent envelope sequencing. Seeded away
	// from zero so a reconnect never reuses sequence numbers within the
	// same session keys.
	outSeq atomic.Uint64
}

// NewConnection creates a connection in the connecting state.
func NewConnection(id, userID, deviceID, platform string, transport Transport, initialSeq uint64) *Connection {
	c := &Connection{
		ID:           id,
		UserID:       userID,
		DeviceID:     deviceID,
		Platform:     platform,
		Transport:    transport,
		ConnectedAt:  time.Now().UTC(),
		status:       StatusConnecting,
		capabilities: make(map[string]struct{}),
		lastActiveAt: time.Now().UTC(),
	}
	c.outSeq.Store(initialSeq)
	return c
}

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus moves the connection to a new lifecycle state.
func (c *Connection) SetStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// Active reports whether the connection can carry traffic.
func (c *Connection) Active() bool {
	return c.Status() == StatusConnected
}

// SetCapabilities replaces the advertised capability set. Agents may
// re-advertise mid-session.
func (c *Connection) SetCapabilities(caps []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities = make(map[string]struct{}, len(caps))
	for _, name := range caps {
		c.capabilities[name] = struct{}{}
	}
}

// HasCapability reports whether the agent advertised the capability.
func (c *Connection) HasCapability(capability string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.capabilities[capability]
	return ok
}

// Capabilities returns a sorted-insensitive copy of the advertised set.
func (c *Connection) Capabilities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	caps := make([]string, 0, len(c.capabilities))
	for name := range c.capabilities {
		caps = append(caps, name)
	}
	return caps
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActiveAt = time.Now().UTC()
}

// LastActiveAt returns the time of the most recent activity.
func (c *Connection) LastActiveAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActiveAt
}

// SetLatency records a measured round-trip time from a ping exchange.
func (c *Connection) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

// Latency returns the last measured round-trip time.
func (c *Connection) Latency() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latency
}

// NextSequence returns the next outbound envelope sequence number.
func (c *Connection) NextSequence() uint64 {
	return c.outSeq.Add(1)
}
