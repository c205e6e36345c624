// Package tunnel connects a TUN device to the network stack and relays every
// UDP flow through the SOCKS5 server.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/tunsocks/internal/config"
	"github.com/postalsys/tunsocks/internal/logging"
	"github.com/postalsys/tunsocks/internal/metrics"
	"github.com/postalsys/tunsocks/internal/netstack"
	"github.com/postalsys/tunsocks/internal/session"
	"github.com/postalsys/tunsocks/internal/socks5"
	"github.com/postalsys/tunsocks/internal/udp"
)

// ErrAlreadyStarted is returned by a second call to Run.
var ErrAlreadyStarted = errors.New("tunnel already started")

// Options carries the tunnel's collaborators.
type Options struct {
	Config *config.Config

	// Device is the packet device. The tunnel closes it on Close.
	Device io.ReadWriteCloser

	// NewUpstream overrides the SOCKS5 client factory.
	NewUpstream session.UpstreamFactory

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Stats is a snapshot of the tunnel.
type Stats struct {
	StartedAt         time.Time `json:"started_at"`
	Uptime            string    `json:"uptime"`
	ActiveSessions    int       `json:"active_sessions"`
	BuffersInUse      int       `json:"buffers_in_use"`
	MTU               int       `json:"mtu"`
	Upstream          string    `json:"upstream"`
	MaxSessions       int       `json:"max_sessions"`
	SessionPoolSize   int       `json:"session_pool_size"`
	SessionBufferSize int       `json:"session_buffer_size"`
}

// Tunnel relays the UDP traffic of a TUN device through a SOCKS5 server.
type Tunnel struct {
	cfg     *config.Config
	dev     io.ReadWriteCloser
	stack   *netstack.Stack
	handler *udp.Handler
	logger  *slog.Logger

	startedAt time.Time
	running   chan struct{}
	started   atomic.Bool
	active    atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// New builds the network stack and session handler around dev.
func New(opts Options) (*Tunnel, error) {
	if opts.Config == nil {
		return nil, errors.New("nil config")
	}
	if opts.Device == nil {
		return nil, errors.New("nil device")
	}

	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	t := &Tunnel{
		cfg:       cfg,
		dev:       opts.Device,
		logger:    logging.Component(logger, "tunnel"),
		startedAt: time.Now(),
		running:   make(chan struct{}),
	}

	stack, err := netstack.New(netstack.Config{
		MTU:        cfg.Tunnel.MTU,
		BufferSize: cfg.UDP.BufferSize,
		Logger:     logger,
	}, t.handleFlow)
	if err != nil {
		return nil, fmt.Errorf("create network stack: %w", err)
	}
	t.stack = stack

	newUpstream := opts.NewUpstream
	if newUpstream == nil {
		newUpstream, err = UpstreamFactory(cfg, logger, opts.Metrics)
		if err != nil {
			stack.Close()
			return nil, err
		}
	}

	idle := cfg.UDP.IdleTimeout
	if idle == 0 {
		idle = cfg.Misc.ReadWriteTimeout
	}

	t.handler = udp.NewHandler(udp.Config{
		MaxSessions:    cfg.UDP.MaxSessions,
		IdleTimeout:    idle,
		PoolSize:       cfg.UDP.PoolSize,
		ConnectTimeout: cfg.Misc.ConnectTimeout,
	}, udp.Options{
		Lock:        stack,
		Buffers:     stack.Buffers(),
		NewUpstream: newUpstream,
		Logger:      logger,
		Metrics:     opts.Metrics,
	})

	return t, nil
}

// UpstreamFactory returns a factory creating one SOCKS5 UDP client per
// session from the socks5 and misc sections of cfg.
func UpstreamFactory(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (session.UpstreamFactory, error) {
	var relay netip.AddrPort
	if cfg.SOCKS5.UDPRelay != "" {
		var err error
		relay, err = netip.ParseAddrPort(cfg.SOCKS5.UDPRelay)
		if err != nil {
			return nil, fmt.Errorf("invalid udp relay address: %w", err)
		}
	}

	var creds *socks5.Credentials
	if cfg.SOCKS5.Username != "" {
		creds = &socks5.Credentials{
			Username: cfg.SOCKS5.Username,
			Password: cfg.SOCKS5.Password,
		}
	}

	clientCfg := socks5.ClientConfig{
		Server:           cfg.SOCKS5.Endpoint(),
		Credentials:      creds,
		Relay:            relay,
		HandshakeTimeout: cfg.Misc.ConnectTimeout,
		Dialer: &net.Dialer{
			Timeout:   cfg.Misc.ConnectTimeout,
			KeepAlive: cfg.Misc.ReadWriteTimeout,
		},
		Logger:  logger,
		Metrics: m,
	}

	return func() (session.Upstream, error) {
		return socks5.NewUDPClient(clientCfg), nil
	}, nil
}

// handleFlow runs on the stack's packet path.
func (t *Tunnel) handleFlow(ep *netstack.UDPEndpoint) {
	// Flows can arrive before New has finished wiring the handler.
	if t.handler == nil {
		ep.Remove()
		return
	}
	if err := t.handler.HandleFlow(ep); err != nil {
		t.logger.Debug("udp flow refused",
			logging.KeyRemoteAddr, ep.RemoteAddress().String(),
			logging.KeyLocalAddr, ep.LocalAddress().String(),
			logging.KeyError, err)
	}
}

// Run pumps packets between the device and the stack until ctx is done or
// the device fails.
func (t *Tunnel) Run(ctx context.Context) error {
	if t.started.Swap(true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the device unblocks the pending read.
	stop := context.AfterFunc(ctx, func() {
		t.dev.Close()
	})
	defer stop()

	t.active.Store(true)
	defer t.active.Store(false)
	close(t.running)
	t.logger.Info("tunnel running",
		"mtu", t.stack.MTU(),
		"upstream", t.cfg.SOCKS5.Endpoint())

	err := t.stack.Attach(ctx, t.dev)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Running is closed once Run has started.
func (t *Tunnel) Running() <-chan struct{} {
	return t.running
}

// IsRunning reports whether Run is relaying packets.
func (t *Tunnel) IsRunning() bool {
	return t.active.Load()
}

// Close terminates every session, waits for them and shuts the stack and
// the device down.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.handler.Close()
		t.stack.Close()
		if err := t.dev.Close(); err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(err, net.ErrClosed) {
			t.closeErr = err
		}
		t.logger.Info("tunnel stopped")
	})
	return t.closeErr
}

// Stats returns a snapshot of the tunnel.
func (t *Tunnel) Stats() Stats {
	t.stack.Lock()
	inUse := t.stack.Buffers().Outstanding()
	t.stack.Unlock()

	return Stats{
		StartedAt:         t.startedAt,
		Uptime:            time.Since(t.startedAt).Truncate(time.Second).String(),
		ActiveSessions:    t.handler.ActiveCount(),
		BuffersInUse:      inUse,
		MTU:               t.stack.MTU(),
		Upstream:          t.cfg.SOCKS5.Endpoint(),
		MaxSessions:       t.cfg.UDP.MaxSessions,
		SessionPoolSize:   t.cfg.UDP.PoolSize,
		SessionBufferSize: t.cfg.UDP.BufferSize,
	}
}

// Sessions returns a snapshot of every live session.
func (t *Tunnel) Sessions() []session.Stats {
	return t.handler.Sessions()
}
