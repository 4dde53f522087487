// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gate daemon's configuration, loaded from a single YAML
// file. The file is the only source of truth — environment variables
// never override values, they are only substituted where the file
// explicitly references them with ${VAR} or ${VAR:-default}.
type Config struct {
	// Name is this gate's identifier, e.g. "atelier/gate/workspace-7".
	// Capability tokens must carry it as their audience.
	Name string `yaml:"name"`

	// Listen configures the HTTP listeners.
	Listen ListenConfig `yaml:"listen"`

	// Tunnel configures the tunnel relay listener.
	Tunnel TunnelConfig `yaml:"tunnel"`

	// Trust configures credential validation.
	Trust TrustConfig `yaml:"trust"`

	// PolicyPath is the JSONC guardrail policy file.
	PolicyPath string `yaml:"policy_path"`

	// Health configures upstream health probing for readiness.
	Health HealthConfig `yaml:"health"`
}

// ListenConfig names the gate's HTTP listeners. At least one of
// Address and SocketPath must be set.
type ListenConfig struct {
	// Address is the TCP listen address, e.g. "127.0.0.1:7428". Empty
	// disables the TCP listener.
	Address string `yaml:"address"`

	// SocketPath is the Unix socket path for same-host callers. Empty
	// disables the Unix listener.
	SocketPath string `yaml:"socket_path"`
}

// TunnelConfig configures the relay side of the tunnel protocol.
type TunnelConfig struct {
	// Enabled starts the tunnel listener.
	Enabled bool `yaml:"enabled"`

	// Address is the tunnel TCP listen address.
	Address string `yaml:"address"`

	// AuthTokenPath is the file holding the shared tunnel credential.
	// Required when the tunnel is enabled — there is no open-relay
	// mode.
	AuthTokenPath string `yaml:"auth_token_path"`
}

// TrustConfig names the gate's credential validation material. All key
// files here hold public verification keys, stored as raw 32-byte
// Ed25519 keys the way lib/identity writes them.
type TrustConfig struct {
	// Issuer is the expected control-plane identifier on capability
	// and identity tokens.
	Issuer string `yaml:"issuer"`

	// CapabilityKeyPath is the control plane's Ed25519 public key used
	// to verify capability tokens.
	CapabilityKeyPath string `yaml:"capability_key_path"`

	// ServiceKeys maps key version to the public key file for that
	// version of the service identity signing key.
	ServiceKeys map[int]string `yaml:"service_keys"`

	// AcceptedServices is the list of service subjects allowed to
	// present identity tokens. An empty list denies every identity
	// token.
	AcceptedServices []string `yaml:"accepted_services"`

	// RotationGrace is how long a retired service key remains
	// acceptable. Zero selects the validator default.
	RotationGrace time.Duration `yaml:"rotation_grace"`

	// ReplayCacheSize bounds the JTI replay guard. Zero selects the
	// guard default.
	ReplayCacheSize int `yaml:"replay_cache_size"`
}

// HealthConfig tunes the upstream health monitor.
type HealthConfig struct {
	// ProbeInterval is how often upstreams are probed. Zero selects 15s.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// ProbeTimeout bounds each probe dial. Zero selects 3s.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// CacheTTL is how long a probe result stays fresh. A result older
	// than this reads as unknown (not ready). Zero selects 60s.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// LoadConfig reads, expands, and validates a gate configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	config.expandVariables()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &config, nil
}

// expandVariables substitutes ${VAR} and ${VAR:-default} references in
// path-valued fields.
func (c *Config) expandVariables() {
	c.Listen.SocketPath = expandVars(c.Listen.SocketPath)
	c.Tunnel.AuthTokenPath = expandVars(c.Tunnel.AuthTokenPath)
	c.Trust.CapabilityKeyPath = expandVars(c.Trust.CapabilityKeyPath)
	for version, path := range c.Trust.ServiceKeys {
		c.Trust.ServiceKeys[version] = expandVars(path)
	}
	c.PolicyPath = expandVars(c.PolicyPath)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns from the
// environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate checks the configuration, accumulating every problem so the
// operator sees the full list at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if c.Listen.Address == "" && c.Listen.SocketPath == "" {
		errs = append(errs, fmt.Errorf("listen: at least one of address and socket_path is required"))
	}
	if c.Tunnel.Enabled {
		if c.Tunnel.Address == "" {
			errs = append(errs, fmt.Errorf("tunnel: address is required when enabled"))
		}
		if c.Tunnel.AuthTokenPath == "" {
			errs = append(errs, fmt.Errorf("tunnel: auth_token_path is required when enabled"))
		}
	}
	if c.Trust.Issuer == "" {
		errs = append(errs, fmt.Errorf("trust: issuer is required"))
	}
	if c.Trust.CapabilityKeyPath == "" {
		errs = append(errs, fmt.Errorf("trust: capability_key_path is required"))
	}
	for version, path := range c.Trust.ServiceKeys {
		if version <= 0 {
			errs = append(errs, fmt.Errorf("trust: service key version %d must be positive", version))
		}
		if path == "" {
			errs = append(errs, fmt.Errorf("trust: service key version %d has an empty path", version))
		}
	}
	if c.PolicyPath == "" {
		errs = append(errs, fmt.Errorf("policy_path is required"))
	}
	if c.Health.ProbeInterval < 0 || c.Health.ProbeTimeout < 0 || c.Health.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("health: intervals must not be negative"))
	}

	return errors.Join(errs...)
}
