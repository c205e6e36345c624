package tunnel

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/postalsys/tunsocks/internal/chaos"
	"github.com/postalsys/tunsocks/internal/config"
	"github.com/postalsys/tunsocks/internal/session"
)

// chanDevice is an in-memory packet device.
type chanDevice struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newChanDevice() *chanDevice {
	return &chanDevice{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (d *chanDevice) Read(p []byte) (int, error) {
	select {
	case pkt := <-d.in:
		return copy(p, pkt), nil
	case <-d.closed:
		return 0, os.ErrClosed
	}
}

func (d *chanDevice) Write(p []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, os.ErrClosed
	default:
	}
	d.out <- append([]byte(nil), p...)
	return len(p), nil
}

func (d *chanDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

// echoUpstream answers every datagram with its payload reversed, sent from
// the destination it was addressed to.
type echoUpstream struct {
	mu      sync.Mutex
	replies []reply
	ready   chan struct{}
}

type reply struct {
	payload []byte
	from    session.Address
}

func newEchoUpstream() *echoUpstream {
	return &echoUpstream{ready: make(chan struct{}, 1)}
}

func (u *echoUpstream) Connect(ctx context.Context) error { return nil }
func (u *echoUpstream) Close() error                      { return nil }

func (u *echoUpstream) SendTo(payload []byte, addr session.Address) (int, error) {
	rev := make([]byte, len(payload))
	for i, b := range payload {
		rev[len(payload)-1-i] = b
	}

	u.mu.Lock()
	u.replies = append(u.replies, reply{payload: rev, from: addr})
	u.mu.Unlock()

	select {
	case u.ready <- struct{}{}:
	default:
	}
	return len(payload), nil
}

func (u *echoUpstream) Probe() (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.replies) == 0 {
		return 0, session.ErrWouldBlock
	}
	return len(u.replies[0].payload), nil
}

func (u *echoUpstream) ReceiveFrom(buf []byte) (int, session.Address, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.replies) == 0 {
		return 0, session.Address{}, session.ErrWouldBlock
	}
	r := u.replies[0]
	u.replies = u.replies[1:]
	if len(r.payload) > len(buf) {
		return 0, r.from, io.ErrShortBuffer
	}
	return copy(buf, r.payload), r.from, nil
}

func (u *echoUpstream) Ready() <-chan struct{} {
	return u.ready
}

func buildUDPv4(src, dst netip.AddrPort, payload []byte) []byte {
	total := header.IPv4MinimumSize + header.UDPMinimumSize + len(payload)
	b := make([]byte, total)

	ip := header.IPv4(b)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     tcpip.AddrFrom4(src.Addr().As4()),
		DstAddr:     tcpip.AddrFrom4(dst.Addr().As4()),
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	u := header.UDP(b[header.IPv4MinimumSize:])
	u.Encode(&header.UDPFields{
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Length:  uint16(header.UDPMinimumSize + len(payload)),
	})
	copy(u.Payload(), payload)
	return b
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Tunnel.MTU = 1500
	return cfg
}

func newEcho() (session.Upstream, error) {
	return newEchoUpstream(), nil
}

func startTunnel(t *testing.T, cfg *config.Config) (*Tunnel, *chanDevice, context.CancelFunc, chan error) {
	t.Helper()
	return startTunnelWith(t, cfg, newEcho)
}

func startTunnelWith(t *testing.T, cfg *config.Config, newUpstream session.UpstreamFactory) (*Tunnel, *chanDevice, context.CancelFunc, chan error) {
	t.Helper()

	dev := newChanDevice()
	tun, err := New(Options{
		Config:      cfg,
		Device:      dev,
		NewUpstream: newUpstream,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- tun.Run(ctx) }()
	<-tun.Running()

	t.Cleanup(func() {
		cancel()
		tun.Close()
	})
	return tun, dev, cancel, errCh
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Device: newChanDevice()}); err == nil {
		t.Error("New without config should fail")
	}
	if _, err := New(Options{Config: testConfig()}); err == nil {
		t.Error("New without device should fail")
	}
}

func TestTunnel_RelaysUDP(t *testing.T) {
	tun, dev, _, _ := startTunnel(t, testConfig())

	app := netip.MustParseAddrPort("10.0.0.2:40000")
	dst := netip.MustParseAddrPort("8.8.8.8:53")
	dev.in <- buildUDPv4(app, dst, []byte("ping"))

	var pkt []byte
	select {
	case pkt = <-dev.out:
	case <-time.After(3 * time.Second):
		t.Fatal("no reply written to the device")
	}

	ip := header.IPv4(pkt)
	if !ip.IsValid(len(pkt)) {
		t.Fatal("reply is not a valid IPv4 packet")
	}
	if got := ip.SourceAddress(); got != tcpip.AddrFrom4(dst.Addr().As4()) {
		t.Errorf("reply source = %v, want %v", got, dst.Addr())
	}
	if got := ip.DestinationAddress(); got != tcpip.AddrFrom4(app.Addr().As4()) {
		t.Errorf("reply destination = %v, want %v", got, app.Addr())
	}

	u := header.UDP(ip.Payload())
	if u.SourcePort() != dst.Port() || u.DestinationPort() != app.Port() {
		t.Errorf("reply ports = %d -> %d, want %d -> %d",
			u.SourcePort(), u.DestinationPort(), dst.Port(), app.Port())
	}
	if string(u.Payload()) != "gnip" {
		t.Errorf("reply payload = %q, want %q", u.Payload(), "gnip")
	}

	stats := tun.Stats()
	if stats.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", stats.ActiveSessions)
	}
	if stats.MTU != 1500 {
		t.Errorf("MTU = %d, want 1500", stats.MTU)
	}
	if stats.Upstream != "127.0.0.1:1080" {
		t.Errorf("Upstream = %q, want %q", stats.Upstream, "127.0.0.1:1080")
	}

	sessions := tun.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("Sessions() returned %d entries, want 1", len(sessions))
	}
	if sessions[0].LocalAddr != dst.String() {
		t.Errorf("session LocalAddr = %q, want %q", sessions[0].LocalAddr, dst.String())
	}
}

func TestTunnel_SessionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.UDP.MaxSessions = 1
	tun, dev, _, _ := startTunnel(t, cfg)

	app := netip.MustParseAddrPort("10.0.0.2:40000")
	dev.in <- buildUDPv4(app, netip.MustParseAddrPort("8.8.8.8:53"), []byte("a"))
	<-dev.out

	dev.in <- buildUDPv4(app, netip.MustParseAddrPort("1.1.1.1:53"), []byte("b"))
	select {
	case <-dev.out:
		t.Error("flow beyond the session limit was relayed")
	case <-time.After(200 * time.Millisecond):
	}

	if n := tun.Stats().ActiveSessions; n != 1 {
		t.Errorf("ActiveSessions = %d, want 1", n)
	}
}

func TestTunnel_RunTwice(t *testing.T) {
	tun, _, _, _ := startTunnel(t, testConfig())

	if err := tun.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Run() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestTunnel_UpstreamLoss(t *testing.T) {
	injector := chaos.NewFaultInjector(chaos.FaultConfig{
		Type:        chaos.FaultDisconnect,
		Probability: 1.0,
	})
	tun, dev, _, _ := startTunnelWith(t, testConfig(), chaos.WrapFactory(newEcho, injector))

	app := netip.MustParseAddrPort("10.0.0.2:40000")
	dst := netip.MustParseAddrPort("8.8.8.8:53")
	dev.in <- buildUDPv4(app, dst, []byte("lost"))

	select {
	case <-dev.out:
		t.Fatal("datagram dropped upstream produced a reply")
	case <-time.After(200 * time.Millisecond):
	}
	if n := tun.Stats().ActiveSessions; n != 1 {
		t.Fatalf("ActiveSessions = %d after upstream loss, want 1", n)
	}

	injector.Disable()
	dev.in <- buildUDPv4(app, dst, []byte("kept"))

	select {
	case pkt := <-dev.out:
		u := header.UDP(header.IPv4(pkt).Payload())
		if string(u.Payload()) != "tpek" {
			t.Errorf("reply payload = %q, want %q", u.Payload(), "tpek")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not recover after upstream loss")
	}

	if got := injector.Stats()[chaos.FaultDisconnect]; got != 1 {
		t.Errorf("injected drops = %d, want 1", got)
	}
}

func TestTunnel_RunStopsOnCancel(t *testing.T) {
	tun, _, cancel, errCh := startTunnel(t, testConfig())

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() = %v, want nil after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := tun.Close(); err != nil {
		t.Errorf("Close error: %v", err)
	}
	if err := tun.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
}

func TestTunnel_CloseEndsSessions(t *testing.T) {
	tun, dev, _, _ := startTunnel(t, testConfig())

	dev.in <- buildUDPv4(
		netip.MustParseAddrPort("10.0.0.2:40000"),
		netip.MustParseAddrPort("9.9.9.9:53"),
		[]byte("x"))
	<-dev.out

	if err := tun.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if n := len(tun.Sessions()); n != 0 {
		t.Errorf("Sessions() after Close = %d entries, want 0", n)
	}
}

func TestUpstreamFactory(t *testing.T) {
	cfg := testConfig()
	cfg.SOCKS5.Username = "user"
	cfg.SOCKS5.Password = "pass"
	cfg.SOCKS5.UDPRelay = "127.0.0.1:1081"

	factory, err := UpstreamFactory(cfg, nil, nil)
	if err != nil {
		t.Fatalf("UpstreamFactory error: %v", err)
	}

	a, err := factory()
	if err != nil {
		t.Fatalf("factory() error: %v", err)
	}
	b, _ := factory()
	if a == b {
		t.Error("factory should create a new client per session")
	}

	cfg.SOCKS5.UDPRelay = "not-an-address"
	if _, err := UpstreamFactory(cfg, nil, nil); err == nil {
		t.Error("UpstreamFactory should reject an invalid relay address")
	}
}
