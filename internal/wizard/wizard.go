// Package wizard provides an interactive setup wizard for tunsocks.
package wizard

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/tunsocks/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds the values collected by the wizard forms.
type Answers struct {
	TunName     string
	MTU         string
	IPv4Address string // CIDR, optional

	SOCKS5Address string // host:port
	Username      string
	Password      string
	UDPRelay      string

	MaxSessions string
	IdleTimeout string

	LogLevel      string
	HealthEnabled bool
}

// DefaultAnswers returns the values pre-filled in the forms.
func DefaultAnswers() Answers {
	def := config.Default()
	return Answers{
		TunName:       def.Tunnel.Name,
		MTU:           strconv.Itoa(def.Tunnel.MTU),
		SOCKS5Address: def.SOCKS5.Endpoint(),
		MaxSessions:   "0",
		IdleTimeout:   def.Misc.ReadWriteTimeout.String(),
		LogLevel:      def.Misc.LogLevel,
		HealthEnabled: true,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	answers := DefaultAnswers()

	// Step 1: Config path
	configPath, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	// Step 2: TUN device
	if err := w.askTunnelConfig(&answers); err != nil {
		return nil, err
	}

	// Step 3: SOCKS5 server
	if err := w.askSOCKS5Config(&answers); err != nil {
		return nil, err
	}

	// Step 4: Advanced options
	if err := w.askAdvancedOptions(&answers); err != nil {
		return nil, err
	}

	cfg, err := BuildConfig(answers)
	if err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _                             _
 | |_ _   _ _ __  ___  ___   ___| | _____
 | __| | | | '_ \/ __|/ _ \ / __| |/ / __|
 | |_| |_| | | | \__ \ (_) | (__|   <\__ \
  \__|\__,_|_| |_|___/\___/ \___|_|\_\___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  TUN to SOCKS5 UDP relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (configPath string, err error) {
	configPath = "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where to write the configuration file."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askTunnelConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TUN Device").
				Description("Configure the interface applications send traffic through."),

			huh.NewInput().
				Title("Interface Name").
				Placeholder("tun0").
				Value(&a.TunName).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("interface name is required")
					}
					if len(s) > 15 {
						return fmt.Errorf("interface name must be at most 15 characters")
					}
					return nil
				}),

			huh.NewInput().
				Title("MTU").
				Placeholder("8500").
				Value(&a.MTU).
				Validate(validateMTU),

			huh.NewInput().
				Title("IPv4 Address (optional)").
				Description("Address assigned to the interface in CIDR form").
				Placeholder("198.18.0.1/15").
				Value(&a.IPv4Address).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					p, err := netip.ParsePrefix(s)
					if err != nil || !p.Addr().Is4() {
						return fmt.Errorf("invalid IPv4 CIDR: %s", s)
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askSOCKS5Config(a *Answers) error {
	var enableAuth bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("SOCKS5 Server").
				Description("UDP traffic is relayed through this server's UDP ASSOCIATE."),

			huh.NewInput().
				Title("Server Address").
				Placeholder("127.0.0.1:1080").
				Value(&a.SOCKS5Address).
				Validate(validateHostPort),

			huh.NewInput().
				Title("UDP Relay Override (optional)").
				Description("Use this ip:port instead of the relay address the server returns").
				Value(&a.UDPRelay).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					if _, err := netip.ParseAddrPort(s); err != nil {
						return fmt.Errorf("invalid relay address: %s", s)
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Enable authentication?").
				Description("Use username/password authentication").
				Value(&enableAuth),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if enableAuth {
		authForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Username").
					Value(&a.Username).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("username required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Password").
					EchoMode(huh.EchoModePassword).
					Value(&a.Password),
			),
		).WithTheme(w.theme)

		if err := authForm.Run(); err != nil {
			return err
		}
	}

	return nil
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Session limits, monitoring and logging."),

			huh.NewInput().
				Title("Max UDP Sessions").
				Description("0 for unlimited").
				Value(&a.MaxSessions).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 0 {
						return fmt.Errorf("must be a non-negative number")
					}
					return nil
				}),

			huh.NewInput().
				Title("Session Idle Timeout").
				Placeholder("60s").
				Value(&a.IdleTimeout).
				Validate(func(s string) error {
					d, err := time.ParseDuration(s)
					if err != nil || d < 0 {
						return fmt.Errorf("invalid duration: %s", s)
					}
					return nil
				}),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /sessions, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// BuildConfig turns wizard answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Tunnel.Name = a.TunName
	if a.MTU != "" {
		mtu, err := strconv.Atoi(a.MTU)
		if err != nil {
			return nil, fmt.Errorf("invalid mtu: %s", a.MTU)
		}
		cfg.Tunnel.MTU = mtu
	}
	if a.IPv4Address != "" {
		p, err := netip.ParsePrefix(a.IPv4Address)
		if err != nil {
			return nil, fmt.Errorf("invalid ipv4 address: %w", err)
		}
		cfg.Tunnel.IPv4.Address = p.Addr().String()
		cfg.Tunnel.IPv4.Prefix = p.Bits()
	}

	// SOCKS5
	host, portStr, err := net.SplitHostPort(a.SOCKS5Address)
	if err != nil {
		return nil, fmt.Errorf("invalid socks5 address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid socks5 port: %s", portStr)
	}
	cfg.SOCKS5.Address = host
	cfg.SOCKS5.Port = port
	cfg.SOCKS5.Username = a.Username
	cfg.SOCKS5.Password = a.Password
	cfg.SOCKS5.UDPRelay = a.UDPRelay

	// UDP
	if a.MaxSessions != "" {
		n, err := strconv.Atoi(a.MaxSessions)
		if err != nil {
			return nil, fmt.Errorf("invalid max sessions: %s", a.MaxSessions)
		}
		cfg.UDP.MaxSessions = n
	}
	if a.IdleTimeout != "" {
		d, err := time.ParseDuration(a.IdleTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid idle timeout: %w", err)
		}
		cfg.UDP.IdleTimeout = d
	}

	if a.LogLevel != "" {
		cfg.Misc.LogLevel = a.LogLevel
	}

	// Health
	cfg.Health.Enabled = a.HealthEnabled

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteConfig writes cfg to path as YAML. The file may hold SOCKS5
// credentials and is created owner-readable only.
func WriteConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# tunsocks configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Interface:    %s (mtu %d)\n", cfg.Tunnel.Name, cfg.Tunnel.MTU)
	fmt.Printf("  SOCKS5:       %s\n", cfg.SOCKS5.Endpoint())
	if cfg.SOCKS5.Username != "" {
		fmt.Printf("  Auth user:    %s\n", cfg.SOCKS5.Username)
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the tunnel:")
	fmt.Printf("    tunsocks run -c %s\n", configPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateMTU(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("mtu must be a number")
	}
	if n < 576 || n > 65535 {
		return fmt.Errorf("mtu must be between 576 and 65535")
	}
	return nil
}

func validateHostPort(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("host is required")
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port: %s", port)
	}
	return nil
}
