// ABOUTME: Package documentation for configuration loading
// ABOUTME: Describes file locations, env expansion and duration fields

// Package config handles configuration loading for lattice-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${LATTICE_JWT_SECRET}"
//
// Unset variables expand to the empty string, which then fails
// validation for required fields.
//
// # Durations
//
// Timing fields are written as Go duration strings ("30s", "5m") and
// parsed at load time:
//
//	gateway:
//	  invoke_timeout: "30s"
//	  challenge_validity: "5m"
//	pairing:
//	  code_ttl: "300s"
package config
