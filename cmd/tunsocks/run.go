package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/tunsocks/internal/config"
	"github.com/postalsys/tunsocks/internal/health"
	"github.com/postalsys/tunsocks/internal/logging"
	"github.com/postalsys/tunsocks/internal/metrics"
	"github.com/postalsys/tunsocks/internal/service"
	"github.com/postalsys/tunsocks/internal/sysinfo"
	"github.com/postalsys/tunsocks/internal/tun"
	"github.com/postalsys/tunsocks/internal/tunnel"
	"github.com/postalsys/tunsocks/internal/wizard"
)

const shutdownTimeout = 10 * time.Second

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Run the setup wizard and write a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tunnel",
		Long:  "Open the TUN device and relay its UDP traffic through the SOCKS5 server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func run(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Misc.LogLevel, cfg.Misc.LogFormat)
	slog.SetDefault(logger)

	dev, err := openDevice(cfg, logger)
	if err != nil {
		return err
	}

	t, err := tunnel.New(tunnel.Options{
		Config:  cfg,
		Device:  dev,
		Logger:  logger,
		Metrics: metrics.Default(),
	})
	if err != nil {
		dev.Close()
		return fmt.Errorf("failed to create tunnel: %w", err)
	}

	if cfg.Misc.PIDFile != "" {
		if err := writePIDFile(cfg.Misc.PIDFile); err != nil {
			t.Close()
			return err
		}
		defer os.Remove(cfg.Misc.PIDFile)
	}

	var hs *health.Server
	if cfg.Health.Enabled {
		hs = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, t)
		if err := hs.Start(); err != nil {
			t.Close()
			return fmt.Errorf("failed to start health server: %w", err)
		}
		logger.Info("health server listening", "address", hs.Address().String())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- t.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("tunnel failed", logging.KeyError, runErr)
		}
	}
	stop()

	// Graceful shutdown with timeout
	done := make(chan error, 1)
	go func() {
		done <- t.Close()
	}()

	select {
	case err := <-done:
		if err != nil && runErr == nil {
			runErr = err
		}
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out", logging.KeyDuration, shutdownTimeout.String())
	}

	if hs != nil {
		hs.Stop()
	}

	return runErr
}

// openDevice wraps the inherited descriptor or creates the interface and
// assigns the configured addresses.
func openDevice(cfg *config.Config, logger *slog.Logger) (*tun.Device, error) {
	if cfg.Tunnel.FD >= 0 {
		dev, err := tun.FromFD(cfg.Tunnel.FD, cfg.Tunnel.MTU)
		if err != nil {
			return nil, fmt.Errorf("failed to use tun fd %d: %w", cfg.Tunnel.FD, err)
		}
		logger.Info("using inherited tun device",
			logging.KeyDevice, dev.Name(),
			"fd", cfg.Tunnel.FD)
		return dev, nil
	}

	dev, err := tun.Open(cfg.Tunnel.Name, cfg.Tunnel.MTU)
	if err != nil {
		return nil, fmt.Errorf("failed to open tun device: %w", err)
	}

	for _, ia := range []config.InterfaceAddr{cfg.Tunnel.IPv4, cfg.Tunnel.IPv6} {
		if ia.Address == "" {
			continue
		}
		prefix, peer, err := interfacePrefix(ia)
		if err != nil {
			dev.Close()
			return nil, err
		}
		if err := tun.AddrAdd(nil, dev.Name(), prefix, peer); err != nil {
			dev.Close()
			return nil, err
		}
	}

	logger.Info("tun device ready",
		logging.KeyDevice, dev.Name(),
		"mtu", dev.MTU())
	return dev, nil
}

// interfacePrefix converts a validated address block. A zero prefix means a
// host address.
func interfacePrefix(ia config.InterfaceAddr) (netip.Prefix, netip.Addr, error) {
	addr, err := netip.ParseAddr(ia.Address)
	if err != nil {
		return netip.Prefix{}, netip.Addr{}, fmt.Errorf("invalid interface address %q: %w", ia.Address, err)
	}

	bits := ia.Prefix
	if bits == 0 {
		bits = addr.BitLen()
	}

	var peer netip.Addr
	if ia.Gateway != "" {
		peer, err = netip.ParseAddr(ia.Gateway)
		if err != nil {
			return netip.Prefix{}, netip.Addr{}, fmt.Errorf("invalid gateway %q: %w", ia.Gateway, err)
		}
	}

	return netip.PrefixFrom(addr, bits), peer, nil
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create pid file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

func checkCmd() *cobra.Command {
	var configPath string
	var showSecrets bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Long:  "Load and validate the configuration, then print it with secrets redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration %s is valid.\n\n", configPath)
			if showSecrets {
				fmt.Fprint(out, cfg.StringUnsafe())
			} else {
				fmt.Fprint(out, cfg.String())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print credentials unredacted")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			info := sysinfo.Collect()
			fmt.Fprintf(cmd.OutOrStdout(), "tunsocks %s (%s, %s/%s)\n",
				info.Version, info.GoVersion, info.OS, info.Arch)
		},
	}
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd service",
	}

	var configPath string
	install := &cobra.Command{
		Use:   "install",
		Short: "Install and start the systemd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			svc := service.DefaultConfig(configPath)
			svc.PIDFile = cfg.Misc.PIDFile
			return service.Install(svc)
		},
	}
	install.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the systemd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return service.Uninstall("tunsocks")
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the systemd service state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsInstalled("tunsocks") {
				fmt.Fprintln(cmd.OutOrStdout(), "not installed")
				return nil
			}
			st, err := service.Status("tunsocks")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st)
			return nil
		},
	}

	cmd.AddCommand(install, uninstall, status)
	return cmd
}
