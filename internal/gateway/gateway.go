// ABOUTME: Gateway orchestrator that coordinates the HTTP server and agent sessions
// ABOUTME: Wires store, registry, router and pairing; manages listener lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/latticehq/lattice-gateway/internal/auth"
	"github.com/latticehq/lattice-gateway/internal/config"
	"github.com/latticehq/lattice-gateway/internal/crypto"
	"github.com/latticehq/lattice-gateway/internal/envelope"
	"github.com/latticehq/lattice-gateway/internal/invoke"
	"github.com/latticehq/lattice-gateway/internal/pairing"
	"github.com/latticehq/lattice-gateway/internal/registry"
	"github.com/latticehq/lattice-gateway/internal/store"
)

// Gateway orchestrates the lattice-gateway server components. It owns
// the agent websocket endpoint, the collaborator HTTP API and all the
// shared state behind them. There is exactly one Gateway per process;
// nothing in this package uses package-level mutable state.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    *registry.Registry
	codec       *envelope.Codec
	router      *invoke.Router
	pairing     *pairing.Service
	tokens      *auth.JWTVerifier
	keys        *crypto.KeyPair
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance in logs
	serverID string

	// apiToken guards the collaborator API; empty disables the guard
	apiToken string

	challengeValidity time.Duration
	pingInterval      time.Duration
	invokeTimeout     time.Duration
}

// initStore opens the SQLite store from configuration.
func initStore(cfg *config.Config) (store.Store, error) {
	return store.NewSQLiteStore(cfg.Database.Path)
}

// initKeys loads the platform key pair from config or generates a
// fresh one. An ephemeral pair is fully functional: derived session
// keys are persisted per device, the platform key is only used during
// pairing itself.
func initKeys(cfg *config.Config, logger *slog.Logger) (*crypto.KeyPair, error) {
	if cfg.Auth.PrivateKey != "" {
		keys, err := crypto.KeyPairFromPrivate(cfg.Auth.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("loading platform key: %w", err)
		}
		return keys, nil
	}
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	logger.Warn("auth.private_key not set, generated an ephemeral platform key",
		"fingerprint", crypto.Fingerprint(keys.Public))
	return keys, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	keys, err := initKeys(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	tokens := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), 0)
	reg := registry.New()
	codec := envelope.NewCodec(s)
	router := invoke.NewRouter(reg, codec, s, cfg.Gateway.MaxPendingInvocations)
	pairingSvc := pairing.NewService(s, keys, tokens, reg, cfg.Pairing.CodeTTL)

	gw := &Gateway{
		config:            cfg,
		store:             s,
		registry:          reg,
		codec:             codec,
		router:            router,
		pairing:           pairingSvc,
		tokens:            tokens,
		keys:              keys,
		logger:            logger.With("component", "gateway"),
		serverID:          generateServerID(),
		apiToken:          cfg.Auth.APIToken,
		challengeValidity: cfg.Gateway.ChallengeValidity,
		pingInterval:      cfg.Gateway.PingInterval,
		invokeTimeout:     cfg.Gateway.InvokeTimeout,
	}
	if gw.challengeValidity <= 0 {
		gw.challengeValidity = defaultChallengeValidity
	}
	if gw.pingInterval <= 0 {
		gw.pingInterval = defaultPingInterval
	}
	if gw.invokeTimeout <= 0 {
		gw.invokeTimeout = invoke.DefaultTimeout
	}
	if gw.apiToken == "" {
		logger.Warn("auth.api_token not set, collaborator API is unauthenticated")
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Agent connections
	mux.HandleFunc("/ws/agent", gw.handleAgentSocket)

	// Collaborator API for the workflow engine
	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Registry exposes the connection registry to in-process collaborators.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Router exposes the invocation router to in-process collaborators.
func (g *Gateway) Router() *invoke.Router { return g.router }

// Pairing exposes the pairing service to in-process collaborators.
func (g *Gateway) Pairing() *pairing.Service { return g.pairing }

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	// Background maintenance: expired pairing codes and stale connections
	maintCtx, cancelMaint := context.WithCancel(ctx)
	defer cancelMaint()
	go g.pairing.RunSweeper(maintCtx)
	go g.runStaleSweeper(maintCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// staleSweepInterval is how often silent connections are checked.
const staleSweepInterval = time.Minute

// runStaleSweeper closes connections with no recent activity.
func (g *Gateway) runStaleSweeper(ctx context.Context) {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.registry.SweepStale(time.Now()); n > 0 {
				g.logger.Info("swept stale connections", "count", n)
			}
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the gateway and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Close every live agent connection; their read loops unwind and
	// fail any remaining pending invocations.
	for _, conn := range g.registry.Snapshot() {
		g.registry.Unregister(conn.ID)
		_ = conn.Transport.Close()
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "lattice-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.CertFile != "" && tsCfg.KeyFile != "" {
		return g.createTailscaleTLSListener()
	}
	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	stats := g.registry.Stats()
	if stats.Connections == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", stats.Connections)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("lattice-gateway-%d", time.Now().UnixNano()%1000000)
}
