package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Tunnel.Name != "tun0" {
		t.Errorf("Tunnel.Name = %s, want tun0", cfg.Tunnel.Name)
	}
	if cfg.Tunnel.FD != -1 {
		t.Errorf("Tunnel.FD = %d, want -1", cfg.Tunnel.FD)
	}
	if cfg.Tunnel.MTU != 8500 {
		t.Errorf("Tunnel.MTU = %d, want 8500", cfg.Tunnel.MTU)
	}
	if cfg.SOCKS5.Endpoint() != "127.0.0.1:1080" {
		t.Errorf("SOCKS5.Endpoint() = %s, want 127.0.0.1:1080", cfg.SOCKS5.Endpoint())
	}
	if cfg.UDP.BufferSize != DefaultUDPBufferSize {
		t.Errorf("UDP.BufferSize = %d, want %d", cfg.UDP.BufferSize, DefaultUDPBufferSize)
	}
	if cfg.UDP.PoolSize != DefaultUDPPoolSize {
		t.Errorf("UDP.PoolSize = %d, want %d", cfg.UDP.PoolSize, DefaultUDPPoolSize)
	}
	if cfg.Misc.ConnectTimeout != 5*time.Second {
		t.Errorf("Misc.ConnectTimeout = %v, want 5s", cfg.Misc.ConnectTimeout)
	}
	if cfg.Misc.ReadWriteTimeout != 60*time.Second {
		t.Errorf("Misc.ReadWriteTimeout = %v, want 60s", cfg.Misc.ReadWriteTimeout)
	}
	if cfg.Misc.LogLevel != "info" {
		t.Errorf("Misc.LogLevel = %s, want info", cfg.Misc.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
tunnel:
  name: "tun1"
  mtu: 1500
  ipv4:
    address: "198.18.0.1"
    gateway: "198.18.0.2"
    prefix: 15
  ipv6:
    address: "fc00::1"
    gateway: "fc00::2"
    prefix: 7

socks5:
  address: "10.0.0.5"
  port: 1081
  username: "alice"
  password: "secret"
  udp_relay: "10.0.0.5:40000"

udp:
  buffer_size: 2048
  pool_size: 64
  max_sessions: 1000
  idle_timeout: 2m

misc:
  connect_timeout: 3s
  read_write_timeout: 30s
  log_level: "debug"
  log_format: "json"
  pid_file: "/run/tunsocks.pid"

health:
  enabled: true
  address: "127.0.0.1:9091"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Tunnel.Name != "tun1" {
		t.Errorf("Tunnel.Name = %s, want tun1", cfg.Tunnel.Name)
	}
	if cfg.Tunnel.MTU != 1500 {
		t.Errorf("Tunnel.MTU = %d, want 1500", cfg.Tunnel.MTU)
	}
	if cfg.Tunnel.IPv4.Prefix != 15 {
		t.Errorf("Tunnel.IPv4.Prefix = %d, want 15", cfg.Tunnel.IPv4.Prefix)
	}
	if cfg.Tunnel.IPv6.Address != "fc00::1" {
		t.Errorf("Tunnel.IPv6.Address = %s, want fc00::1", cfg.Tunnel.IPv6.Address)
	}
	if cfg.SOCKS5.Endpoint() != "10.0.0.5:1081" {
		t.Errorf("SOCKS5.Endpoint() = %s, want 10.0.0.5:1081", cfg.SOCKS5.Endpoint())
	}
	if cfg.SOCKS5.UDPRelay != "10.0.0.5:40000" {
		t.Errorf("SOCKS5.UDPRelay = %s, want 10.0.0.5:40000", cfg.SOCKS5.UDPRelay)
	}
	if cfg.UDP.PoolSize != 64 {
		t.Errorf("UDP.PoolSize = %d, want 64", cfg.UDP.PoolSize)
	}
	if cfg.UDP.MaxSessions != 1000 {
		t.Errorf("UDP.MaxSessions = %d, want 1000", cfg.UDP.MaxSessions)
	}
	if cfg.UDP.IdleTimeout != 2*time.Minute {
		t.Errorf("UDP.IdleTimeout = %v, want 2m", cfg.UDP.IdleTimeout)
	}
	if cfg.Misc.ConnectTimeout != 3*time.Second {
		t.Errorf("Misc.ConnectTimeout = %v, want 3s", cfg.Misc.ConnectTimeout)
	}
	if cfg.Misc.LogFormat != "json" {
		t.Errorf("Misc.LogFormat = %s, want json", cfg.Misc.LogFormat)
	}
	if cfg.Misc.PIDFile != "/run/tunsocks.pid" {
		t.Errorf("Misc.PIDFile = %s, want /run/tunsocks.pid", cfg.Misc.PIDFile)
	}
	if !cfg.Health.Enabled {
		t.Error("Health.Enabled should be true")
	}
	// Unset fields keep their defaults
	if cfg.Health.ReadTimeout != 10*time.Second {
		t.Errorf("Health.ReadTimeout = %v, want 10s", cfg.Health.ReadTimeout)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	yamlConfig := `
socks5:
  address: "proxy.example.com"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.SOCKS5.Endpoint() != "proxy.example.com:1080" {
		t.Errorf("SOCKS5.Endpoint() = %s, want proxy.example.com:1080", cfg.SOCKS5.Endpoint())
	}
	if cfg.UDP.PoolSize != DefaultUDPPoolSize {
		t.Errorf("UDP.PoolSize = %d, want %d", cfg.UDP.PoolSize, DefaultUDPPoolSize)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	invalidYAML := `
tunnel:
  name: [invalid
`

	_, err := Parse([]byte(invalidYAML))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name: "invalid log level",
			yaml: `
misc:
  log_level: "invalid"
`,
			wantError: "invalid log_level",
		},
		{
			name: "invalid log format",
			yaml: `
misc:
  log_format: "invalid"
`,
			wantError: "invalid log_format",
		},
		{
			name: "mtu too small",
			yaml: `
tunnel:
  mtu: 100
`,
			wantError: "tunnel.mtu must be between",
		},
		{
			name: "missing tunnel name",
			yaml: `
tunnel:
  name: ""
`,
			wantError: "tunnel.name is required",
		},
		{
			name: "ipv4 address family",
			yaml: `
tunnel:
  ipv4:
    address: "fc00::1"
    prefix: 24
`,
			wantError: "wrong address family",
		},
		{
			name: "ipv6 prefix too long",
			yaml: `
tunnel:
  ipv6:
    address: "fc00::1"
    prefix: 129
`,
			wantError: "prefix must be between 0 and 128",
		},
		{
			name: "gateway without address",
			yaml: `
tunnel:
  ipv4:
    gateway: "198.18.0.2"
`,
			wantError: "gateway set without address",
		},
		{
			name: "missing socks5 address",
			yaml: `
socks5:
  address: ""
`,
			wantError: "socks5.address is required",
		},
		{
			name: "socks5 port out of range",
			yaml: `
socks5:
  port: 70000
`,
			wantError: "socks5.port must be between",
		},
		{
			name: "password without username",
			yaml: `
socks5:
  password: "secret"
`,
			wantError: "socks5.username is required",
		},
		{
			name: "invalid udp relay",
			yaml: `
socks5:
  udp_relay: "not-an-address"
`,
			wantError: "socks5.udp_relay",
		},
		{
			name: "zero pool size",
			yaml: `
udp:
  pool_size: 0
`,
			wantError: "udp.pool_size must be positive",
		},
		{
			name: "buffer size too small",
			yaml: `
udp:
  buffer_size: 64
`,
			wantError: "udp.buffer_size must be between",
		},
		{
			name: "negative max sessions",
			yaml: `
udp:
  max_sessions: -1
`,
			wantError: "udp.max_sessions must not be negative",
		},
		{
			name: "zero connect timeout",
			yaml: `
misc:
  connect_timeout: 0s
`,
			wantError: "misc.connect_timeout must be positive",
		},
		{
			name: "health enabled without address",
			yaml: `
health:
  enabled: true
  address: ""
`,
			wantError: "health.address is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestParse_MultipleValidationErrors(t *testing.T) {
	yamlConfig := `
socks5:
  port: 0
udp:
  pool_size: 0
`

	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Fatal("Parse() should fail")
	}
	for _, want := range []string{"socks5.port", "udp.pool_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Error = %v, want to contain %q", err, want)
		}
	}
}

func TestParse_InheritedFD(t *testing.T) {
	yamlConfig := `
tunnel:
  name: ""
  fd: 3
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Tunnel.FD != 3 {
		t.Errorf("Tunnel.FD = %d, want 3", cfg.Tunnel.FD)
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_SOCKS_HOST", "192.0.2.10")
	t.Setenv("TEST_SOCKS_PASS", "hunter2")
	t.Setenv("TEST_TUN_NAME", "tunx")

	yamlConfig := `
tunnel:
  name: "$TEST_TUN_NAME"
socks5:
  address: "${TEST_SOCKS_HOST}"
  username: "bob"
  password: "${TEST_SOCKS_PASS}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Tunnel.Name != "tunx" {
		t.Errorf("Tunnel.Name = %s, want tunx", cfg.Tunnel.Name)
	}
	if cfg.SOCKS5.Address != "192.0.2.10" {
		t.Errorf("SOCKS5.Address = %s, want 192.0.2.10", cfg.SOCKS5.Address)
	}
	if cfg.SOCKS5.Password != "hunter2" {
		t.Errorf("SOCKS5.Password = %s, want hunter2", cfg.SOCKS5.Password)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
socks5:
  address: "${NONEXISTENT_VAR:-127.0.0.2}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.SOCKS5.Address != "127.0.0.2" {
		t.Errorf("SOCKS5.Address = %s, want 127.0.0.2", cfg.SOCKS5.Address)
	}
}

func TestParse_EnvVarNotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
misc:
  pid_file: "${NONEXISTENT_VAR}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Should keep the original placeholder if not found
	if cfg.Misc.PIDFile != "${NONEXISTENT_VAR}" {
		t.Errorf("Misc.PIDFile = %s, want ${NONEXISTENT_VAR}", cfg.Misc.PIDFile)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	tmpDir := t.TempDir()

	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
misc:
  log_level: "debug"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Misc.LogLevel != "debug" {
		t.Errorf("Misc.LogLevel = %s, want debug", cfg.Misc.LogLevel)
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Default()
	cfg.SOCKS5.Username = "alice"
	cfg.SOCKS5.Password = "secret"

	if !cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = false, want true")
	}

	redacted := cfg.Redacted()
	if redacted.SOCKS5.Password != redactedValue {
		t.Errorf("Redacted password = %s, want %s", redacted.SOCKS5.Password, redactedValue)
	}
	if redacted.SOCKS5.Username != "alice" {
		t.Errorf("Redacted username = %s, want alice", redacted.SOCKS5.Username)
	}
	if cfg.SOCKS5.Password != "secret" {
		t.Error("Redacted() modified the original config")
	}

	s := cfg.String()
	if strings.Contains(s, "secret") {
		t.Error("String() leaked the SOCKS5 password")
	}
	if !strings.Contains(cfg.StringUnsafe(), "secret") {
		t.Error("StringUnsafe() should include the SOCKS5 password")
	}
}

func TestConfig_NoSensitiveData(t *testing.T) {
	cfg := Default()
	if cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = true for default config")
	}
	if cfg.Redacted().SOCKS5.Password != "" {
		t.Error("Redacted() should leave an empty password empty")
	}
}

func TestDurationParsing(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"1h30m", 90 * time.Minute},
		{"500ms", 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			yamlConfig := "udp:\n  idle_timeout: " + tt.input + "\n"

			cfg, err := Parse([]byte(yamlConfig))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if cfg.UDP.IdleTimeout != tt.want {
				t.Errorf("UDP.IdleTimeout = %v, want %v", cfg.UDP.IdleTimeout, tt.want)
			}
		})
	}
}
