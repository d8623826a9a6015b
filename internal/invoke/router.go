// ABOUTME: Capability invocation router with request/response correlation
// ABOUTME: Per-call timeouts, connection-loss propagation and a global pending cap

// Package invoke routes capability requests to live agent connections
// and correlates the encrypted responses back to their callers.
//
// Every in-flight call holds one entry in a shared pending table. The
// table is bounded: past the ceiling new calls fail fast with
// ErrTooManyRequests before anything is sent. Closing a connection
// immediately fails all of its pending calls instead of letting them
// ride out their timeouts.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice-gateway/internal/envelope"
	"github.com/latticehq/lattice-gateway/internal/protocol"
	"github.com/latticehq/lattice-gateway/internal/registry"
	"github.com/latticehq/lattice-gateway/internal/store"
)

// Routing failures returned synchronously to callers. None of them
// tear down the target connection.
var (
	ErrConnectionInactive = errors.New("connection not active")
	ErrCapabilityNotFound = errors.New("capability not advertised by connection")
	ErrNoNodeAvailable    = errors.New("no active connection with capability")
	ErrTooManyRequests    = errors.New("too many pending invocations")
	ErrTimeout            = errors.New("invocation timed out")
	ErrConnectionLost     = errors.New("connection lost before response")
)

const (
	// DefaultTimeout bounds a single invocation.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxPending caps in-flight invocations across all connections.
	DefaultMaxPending = 10000
)

type outcome struct {
	result *protocol.InvokeResult
	err    error
}

type pendingInvocation struct {
	requestID    string
	connectionID string
	ch           chan outcome
	createdAt    time.Time
}

// Router correlates outbound capability requests with inbound results.
type Router struct {
	registry   *registry.Registry
	codec      *envelope.Codec
	store      store.Store
	maxPending int
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingInvocation
	byConn  map[string]map[string]*pendingInvocation
}

// NewRouter creates a router over the given registry and store.
// maxPending <= 0 selects DefaultMaxPending.
func NewRouter(reg *registry.Registry, codec *envelope.Codec, st store.Store, maxPending int) *Router {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Router{
		registry:   reg,
		codec:      codec,
		store:      st,
		maxPending: maxPending,
		logger:     slog.Default().With("component", "invoke"),
		pending:    make(map[string]*pendingInvocation),
		byConn:     make(map[string]map[string]*pendingInvocation),
	}
}

// Invoke sends a capability request on the connection and waits for
// the correlated result, the timeout, the connection closing, or ctx
// cancellation. timeout <= 0 selects DefaultTimeout.
func (r *Router) Invoke(ctx context.Context, connectionID, capability string, args json.RawMessage, timeout time.Duration) (*protocol.InvokeResult, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	conn := r.registry.Get(connectionID)
	if conn == nil || !conn.Active() {
		return nil, ErrConnectionInactive
	}
	if !conn.HasCapability(capability) {
		return nil, ErrCapabilityNotFound
	}

	p, err := r.addPending(connectionID)
	if err != nil {
		return nil, err
	}

	if err := r.send(ctx, conn, p.requestID, capability, args); err != nil {
		r.removePending(p.requestID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.ch:
		return out.result, out.err
	case <-timer.C:
		r.removePending(p.requestID)
		r.logger.Warn("invocation timed out",
			"request_id", p.requestID,
			"connection_id", connectionID,
			"capability", capability)
		return nil, ErrTimeout
	case <-ctx.Done():
		r.removePending(p.requestID)
		return nil, ctx.Err()
	}
}

// InvokeForUser resolves the first active connection of the user
// advertising the capability and invokes on it.
func (r *Router) InvokeForUser(ctx context.Context, userID, capability string, args json.RawMessage, timeout time.Duration) (*protocol.InvokeResult, error) {
	conn := r.registry.FindWithCapability(userID, capability)
	if conn == nil {
		return nil, ErrNoNodeAvailable
	}
	return r.Invoke(ctx, conn.ID, capability, args, timeout)
}

// InvokeOnPlatform targets the user's first active connection on the
// given platform.
func (r *Router) InvokeOnPlatform(ctx context.Context, userID, platform, capability string, args json.RawMessage, timeout time.Duration) (*protocol.InvokeResult, error) {
	conn := r.registry.FindByPlatform(userID, platform)
	if conn == nil {
		return nil, ErrNoNodeAvailable
	}
	return r.Invoke(ctx, conn.ID, capability, args, timeout)
}

// HandleResponse delivers an agent's result to the waiting caller.
// Results for unknown request IDs (already timed out, connection
// already failed) are logged and dropped, never misdelivered.
func (r *Router) HandleResponse(requestID string, result *protocol.InvokeResult) {
	r.mu.Lock()
	p, ok := r.pending[requestID]
	if ok {
		r.removeLocked(p)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("dropping late result for unknown request", "request_id", requestID)
		return
	}

	// Buffered channel: delivery never blocks even if the caller is
	// concurrently giving up.
	p.ch <- outcome{result: result}
}

// FailConnection resolves every pending invocation addressed to the
// connection with ErrConnectionLost. Called when the transport closes.
func (r *Router) FailConnection(connectionID string) {
	r.mu.Lock()
	conns := r.byConn[connectionID]
	failed := make([]*pendingInvocation, 0, len(conns))
	for _, p := range conns {
		r.removeLocked(p)
		failed = append(failed, p)
	}
	r.mu.Unlock()

	for _, p := range failed {
		p.ch <- outcome{err: ErrConnectionLost}
	}
	if len(failed) > 0 {
		r.logger.Info("failed pending invocations for closed connection",
			"connection_id", connectionID,
			"count", len(failed))
	}
}

// PendingCount returns the number of in-flight invocations.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Router) addPending(connectionID string) (*pendingInvocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) >= r.maxPending {
		return nil, ErrTooManyRequests
	}

	p := &pendingInvocation{
		requestID:    uuid.New().String(),
		connectionID: connectionID,
		ch:           make(chan outcome, 1),
		createdAt:    time.Now(),
	}
	r.pending[p.requestID] = p
	if _, ok := r.byConn[connectionID]; !ok {
		r.byConn[connectionID] = make(map[string]*pendingInvocation)
	}
	r.byConn[connectionID][p.requestID] = p
	return p, nil
}

func (r *Router) removePending(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[requestID]; ok {
		r.removeLocked(p)
	}
}

// removeLocked drops the entry from both indexes. Caller holds the lock.
func (r *Router) removeLocked(p *pendingInvocation) {
	delete(r.pending, p.requestID)
	if conns, ok := r.byConn[p.connectionID]; ok {
		delete(conns, p.requestID)
		if len(conns) == 0 {
			delete(r.byConn, p.connectionID)
		}
	}
}

// send seals and writes the node.invoke request on the connection.
func (r *Router) send(ctx context.Context, conn *registry.Connection, requestID, capability string, args json.RawMessage) error {
	params, err := json.Marshal(protocol.InvokeParams{Capability: capability, Args: args})
	if err != nil {
		return fmt.Errorf("encoding invoke params: %w", err)
	}
	payload, err := protocol.EncodePayload(&protocol.Request{
		ID:     requestID,
		Method: protocol.MethodInvoke,
		Params: params,
	})
	if err != nil {
		return fmt.Errorf("encoding invoke request: %w", err)
	}

	device, err := r.store.GetDevice(ctx, conn.DeviceID)
	if err != nil {
		return fmt.Errorf("loading device for send: %w", err)
	}
	env, err := r.codec.Seal(device, conn.NextSequence(), payload)
	if err != nil {
		return err
	}
	if err := conn.Transport.SendEnvelope(env); err != nil {
		return fmt.Errorf("sending invoke request: %w", err)
	}
	return nil
}
