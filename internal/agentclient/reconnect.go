// ABOUTME: Bounded exponential-backoff reconnect loop for the agent client
// ABOUTME: Explicit state machine with context cancellation

package agentclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// State is the reconnect loop's observable state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackoff      State = "backoff"
	StateStopped      State = "stopped"
)

// ErrRetriesExhausted means the supervisor gave up after the configured
// number of consecutive failed connection attempts.
var ErrRetriesExhausted = errors.New("agentclient: reconnect attempts exhausted")

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = time.Minute
	defaultMaxAttempts    = 10
)

// SupervisorOptions tunes the reconnect loop.
type SupervisorOptions struct {
	// InitialBackoff is the delay after the first failure. Doubles per
	// consecutive failure up to MaxBackoff.
	InitialBackoff time.Duration

	MaxBackoff time.Duration

	// MaxAttempts bounds consecutive failed connection attempts before
	// the supervisor returns ErrRetriesExhausted. Zero means the
	// default; negative means retry forever.
	MaxAttempts int

	// OnStateChange observes transitions. Called synchronously from
	// the supervisor goroutine.
	OnStateChange func(State)
}

// Supervisor keeps a Client connected, reconnecting with exponential
// backoff after drops. A successful session resets the attempt counter.
type Supervisor struct {
	client *Client
	opts   SupervisorOptions

	mu    sync.RWMutex
	state State
}

// NewSupervisor wraps a client in a reconnect loop.
func NewSupervisor(client *Client, opts SupervisorOptions) *Supervisor {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &Supervisor{client: client, opts: opts, state: StateDisconnected}
}

// State returns the current reconnect state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(next)
	}
}

// Run connects and serves until ctx is cancelled or the retry budget is
// spent. Authentication rejections are terminal: retrying a bad
// credential only burns the pairing window.
func (s *Supervisor) Run(ctx context.Context) error {
	attempts := 0
	backoff := s.opts.InitialBackoff

	for {
		s.setState(StateConnecting)
		err := s.client.Connect(ctx)
		if err == nil {
			s.setState(StateConnected)
			attempts = 0
			backoff = s.opts.InitialBackoff

			err = s.client.Serve(ctx)
			_ = s.client.Close()
		}

		if ctx.Err() != nil {
			s.setState(StateStopped)
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrNoCredentials) || errors.Is(err, ErrNoSessionKeys) {
			s.setState(StateStopped)
			return err
		}

		attempts++
		if s.opts.MaxAttempts > 0 && attempts >= s.opts.MaxAttempts {
			s.setState(StateStopped)
			return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, err)
		}

		s.client.logger.Warn("connection lost, backing off",
			"attempt", attempts, "backoff", backoff, "error", err)
		s.setState(StateBackoff)
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff = min(backoff*2, s.opts.MaxBackoff)
	}
}

// jitter spreads reconnect storms: uniform in [d/2, d).
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
