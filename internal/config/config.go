// ABOUTME: Configuration loading and parsing for lattice-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete lattice-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	CertFile  string `yaml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file"`  // TLS key file
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret signs device tokens. Typically set via ${LATTICE_JWT_SECRET}.
	JWTSecret string `yaml:"jwt_secret"`
	// PrivateKey is the platform's base64 X25519 private key. If empty
	// a fresh key pair is generated at startup.
	PrivateKey string `yaml:"private_key"`
	// APIToken guards the collaborator HTTP API. Callers present it as
	// a bearer token. Empty disables the guard.
	APIToken string `yaml:"api_token"`
}

// GatewayConfig holds invocation routing configuration
type GatewayConfig struct {
	MaxPendingInvocations int `yaml:"max_pending_invocations"`

	InvokeTimeout     time.Duration `yaml:"-"`
	ChallengeValidity time.Duration `yaml:"-"`
	PingInterval      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	InvokeTimeoutRaw     string `yaml:"invoke_timeout"`
	ChallengeValidityRaw string `yaml:"challenge_validity"`
	PingIntervalRaw      string `yaml:"ping_interval"`
}

// PairingConfig holds pairing code configuration
type PairingConfig struct {
	CodeTTL time.Duration `yaml:"-"`

	CodeTTLRaw string `yaml:"code_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Gateway.MaxPendingInvocations < 0 {
		return fmt.Errorf("gateway.max_pending_invocations must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Gateway.InvokeTimeoutRaw != "" {
		cfg.Gateway.InvokeTimeout, err = time.ParseDuration(cfg.Gateway.InvokeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing invoke_timeout %q: %w", cfg.Gateway.InvokeTimeoutRaw, err)
		}
	}

	if cfg.Gateway.ChallengeValidityRaw != "" {
		cfg.Gateway.ChallengeValidity, err = time.ParseDuration(cfg.Gateway.ChallengeValidityRaw)
		if err != nil {
			return fmt.Errorf("parsing challenge_validity %q: %w", cfg.Gateway.ChallengeValidityRaw, err)
		}
	}

	if cfg.Gateway.PingIntervalRaw != "" {
		cfg.Gateway.PingInterval, err = time.ParseDuration(cfg.Gateway.PingIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing ping_interval %q: %w", cfg.Gateway.PingIntervalRaw, err)
		}
	}

	if cfg.Pairing.CodeTTLRaw != "" {
		cfg.Pairing.CodeTTL, err = time.ParseDuration(cfg.Pairing.CodeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing code_ttl %q: %w", cfg.Pairing.CodeTTLRaw, err)
		}
	}

	return nil
}
