// Package config provides configuration parsing and validation for tunsocks.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUDPBufferSize is the tunnel datagram capacity.
	DefaultUDPBufferSize = 1500

	// DefaultUDPPoolSize is the per-session limit of queued frames.
	DefaultUDPPoolSize = 512
)

// Config represents the complete tunnel configuration.
type Config struct {
	Tunnel TunnelConfig `yaml:"tunnel"`
	SOCKS5 SOCKS5Config `yaml:"socks5"`
	UDP    UDPConfig    `yaml:"udp"`
	Misc   MiscConfig   `yaml:"misc"`
	Health HealthConfig `yaml:"health"`
}

// TunnelConfig describes the TUN device.
type TunnelConfig struct {
	Name string        `yaml:"name"` // interface name
	FD   int           `yaml:"fd"`   // inherited descriptor, -1 to create the device
	MTU  int           `yaml:"mtu"`
	IPv4 InterfaceAddr `yaml:"ipv4"`
	IPv6 InterfaceAddr `yaml:"ipv6"`
}

// InterfaceAddr is an address assigned to the tunnel interface.
type InterfaceAddr struct {
	Address string `yaml:"address"`
	Gateway string `yaml:"gateway"`
	Prefix  int    `yaml:"prefix"`
}

// SOCKS5Config defines the upstream SOCKS5 server.
type SOCKS5Config struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UDPRelay string `yaml:"udp_relay"` // overrides the relay address returned by the server
}

// Endpoint returns the server address in host:port form.
func (s SOCKS5Config) Endpoint() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// UDPConfig tunes UDP session forwarding.
type UDPConfig struct {
	BufferSize  int           `yaml:"buffer_size"`
	PoolSize    int           `yaml:"pool_size"`
	MaxSessions int           `yaml:"max_sessions"` // 0 = unlimited
	IdleTimeout time.Duration `yaml:"idle_timeout"` // 0 = never expire
}

// MiscConfig contains process-wide settings.
type MiscConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	ReadWriteTimeout time.Duration `yaml:"read_write_timeout"`
	LogLevel         string        `yaml:"log_level"`  // debug, info, warn, error
	LogFormat        string        `yaml:"log_format"` // text, json
	PIDFile          string        `yaml:"pid_file"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Tunnel: TunnelConfig{
			Name: "tun0",
			FD:   -1,
			MTU:  8500,
		},
		SOCKS5: SOCKS5Config{
			Address: "127.0.0.1",
			Port:    1080,
		},
		UDP: UDPConfig{
			BufferSize: DefaultUDPBufferSize,
			PoolSize:   DefaultUDPPoolSize,
		},
		Misc: MiscConfig{
			ConnectTimeout:   5 * time.Second,
			ReadWriteTimeout: 60 * time.Second,
			LogLevel:         "info",
			LogFormat:        "text",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Tunnel
	if c.Tunnel.FD < 0 && c.Tunnel.Name == "" {
		errs = append(errs, "tunnel.name is required when tunnel.fd is not set")
	}
	if c.Tunnel.MTU < 576 || c.Tunnel.MTU > 65535 {
		errs = append(errs, "tunnel.mtu must be between 576 and 65535")
	}
	if err := validateInterfaceAddr(c.Tunnel.IPv4, true); err != nil {
		errs = append(errs, fmt.Sprintf("tunnel.ipv4: %v", err))
	}
	if err := validateInterfaceAddr(c.Tunnel.IPv6, false); err != nil {
		errs = append(errs, fmt.Sprintf("tunnel.ipv6: %v", err))
	}

	// SOCKS5
	if c.SOCKS5.Address == "" {
		errs = append(errs, "socks5.address is required")
	}
	if c.SOCKS5.Port < 1 || c.SOCKS5.Port > 65535 {
		errs = append(errs, "socks5.port must be between 1 and 65535")
	}
	if c.SOCKS5.Password != "" && c.SOCKS5.Username == "" {
		errs = append(errs, "socks5.username is required when a password is set")
	}
	if len(c.SOCKS5.Username) > 255 || len(c.SOCKS5.Password) > 255 {
		errs = append(errs, "socks5 credentials must be at most 255 bytes")
	}
	if c.SOCKS5.UDPRelay != "" {
		if _, err := netip.ParseAddrPort(c.SOCKS5.UDPRelay); err != nil {
			errs = append(errs, fmt.Sprintf("socks5.udp_relay: invalid address: %s", c.SOCKS5.UDPRelay))
		}
	}

	// UDP
	if c.UDP.BufferSize < 512 || c.UDP.BufferSize > 65535 {
		errs = append(errs, "udp.buffer_size must be between 512 and 65535")
	}
	if c.UDP.PoolSize < 1 {
		errs = append(errs, "udp.pool_size must be positive")
	}
	if c.UDP.MaxSessions < 0 {
		errs = append(errs, "udp.max_sessions must not be negative")
	}
	if c.UDP.IdleTimeout < 0 {
		errs = append(errs, "udp.idle_timeout must not be negative")
	}

	// Misc
	if c.Misc.ConnectTimeout <= 0 {
		errs = append(errs, "misc.connect_timeout must be positive")
	}
	if c.Misc.ReadWriteTimeout < 0 {
		errs = append(errs, "misc.read_write_timeout must not be negative")
	}
	if !isValidLogLevel(c.Misc.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Misc.LogLevel))
	}
	if !isValidLogFormat(c.Misc.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Misc.LogFormat))
	}

	// Health
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// validateInterfaceAddr checks an optional interface address block.
func validateInterfaceAddr(a InterfaceAddr, v4 bool) error {
	if a.Address == "" {
		if a.Gateway != "" {
			return fmt.Errorf("gateway set without address")
		}
		return nil
	}

	maxPrefix := 128
	if v4 {
		maxPrefix = 32
	}

	for field, s := range map[string]string{"address": a.Address, "gateway": a.Gateway} {
		if s == "" {
			continue
		}
		ip, err := netip.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("invalid %s: %s", field, s)
		}
		if ip.Is4() != v4 {
			return fmt.Errorf("%s %s has the wrong address family", field, s)
		}
	}
	if a.Prefix < 0 || a.Prefix > maxPrefix {
		return fmt.Errorf("prefix must be between 0 and %d", maxPrefix)
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.SOCKS5.Password != "" {
		redacted.SOCKS5.Password = redactedValue
	}
	return &redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.SOCKS5.Password != ""
}
