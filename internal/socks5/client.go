package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/postalsys/tunsocks/internal/logging"
	"github.com/postalsys/tunsocks/internal/metrics"
	"github.com/postalsys/tunsocks/internal/recovery"
	"github.com/postalsys/tunsocks/internal/session"
)

const (
	// DefaultReplyQueueSize is the number of relay replies buffered per client.
	DefaultReplyQueueSize = 64

	maxDatagramSize = 65535
)

var (
	// ErrNotConnected is returned by I/O methods before Connect succeeded.
	ErrNotConnected = errors.New("socks5 client not connected")

	// ErrClientClosed is returned once the client has been closed.
	ErrClientClosed = errors.New("socks5 client closed")

	// ErrControlClosed is returned after the server closed the TCP control
	// connection, which ends the UDP association.
	ErrControlClosed = errors.New("socks5 control connection closed")
)

// ClientConfig configures a UDPClient.
type ClientConfig struct {
	// Server is the SOCKS5 server in host:port form.
	Server string

	// Credentials enables username/password authentication when set.
	Credentials *Credentials

	// Relay overrides the relay address announced by the server.
	Relay netip.AddrPort

	// HandshakeTimeout bounds the handshake when ctx has no deadline.
	HandshakeTimeout time.Duration

	// QueueSize is the number of replies buffered before new ones are dropped.
	QueueSize int

	Dialer  *net.Dialer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type datagram struct {
	addr    netip.AddrPort
	payload []byte
}

// UDPClient is a SOCKS5 UDP ASSOCIATE client bound to one association.
//
// SendTo, Probe and ReceiveFrom are meant to be called from a single
// goroutine. Close may be called from any goroutine.
type UDPClient struct {
	cfg     ClientConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctrl    net.Conn
	relay   net.Conn
	relayTo netip.AddrPort

	replies chan datagram
	ready   chan struct{}
	closed  chan struct{}
	sendBuf []byte

	mu   sync.Mutex
	head *datagram
	err  error

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ session.Upstream = (*UDPClient)(nil)

// NewUDPClient creates an unconnected client.
func NewUDPClient(cfg ClientConfig) *UDPClient {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultReplyQueueSize
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &UDPClient{
		cfg:     cfg,
		logger:  logging.Component(logger, "socks5"),
		metrics: cfg.Metrics,
		replies: make(chan datagram, cfg.QueueSize),
		ready:   make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// Connect dials the server, authenticates and sets up the UDP association.
func (c *UDPClient) Connect(ctx context.Context) error {
	start := time.Now()

	ctrl, err := c.cfg.Dialer.DialContext(ctx, "tcp", c.cfg.Server)
	if err != nil {
		c.metrics.RecordHandshakeError("dial")
		return fmt.Errorf("dial socks5 server: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok && c.cfg.HandshakeTimeout > 0 {
		deadline = time.Now().Add(c.cfg.HandshakeTimeout)
	}
	if !deadline.IsZero() {
		ctrl.SetDeadline(deadline)
	}

	// Unblock the handshake when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		ctrl.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := negotiate(ctrl, c.cfg.Credentials); err != nil {
		ctrl.Close()
		c.metrics.RecordHandshakeError("auth")
		return fmt.Errorf("socks5 authentication: %w", err)
	}

	bound, err := associate(ctrl)
	if err != nil {
		ctrl.Close()
		c.metrics.RecordHandshakeError("associate")
		return fmt.Errorf("socks5 udp associate: %w", err)
	}

	relayTo := c.resolveRelay(ctrl, bound)
	relay, err := c.cfg.Dialer.DialContext(ctx, "udp", relayTo.String())
	if err != nil {
		ctrl.Close()
		c.metrics.RecordHandshakeError("relay")
		return fmt.Errorf("dial udp relay %s: %w", relayTo, err)
	}

	if !stop() {
		ctrl.Close()
		relay.Close()
		return ctx.Err()
	}
	ctrl.SetDeadline(time.Time{})

	c.ctrl = ctrl
	c.relay = relay
	c.relayTo = relayTo

	c.wg.Add(2)
	go c.readLoop()
	go c.watchControl()

	c.metrics.RecordHandshake(time.Since(start).Seconds())
	c.logger.Debug("udp association established",
		logging.KeyRelayAddr, relayTo.String(),
		logging.KeyDuration, time.Since(start))

	return nil
}

// resolveRelay picks the address datagrams are sent to.
func (c *UDPClient) resolveRelay(ctrl net.Conn, bound netip.AddrPort) netip.AddrPort {
	if c.cfg.Relay.IsValid() {
		return c.cfg.Relay
	}
	if bound.Addr().IsValid() && !bound.Addr().IsUnspecified() {
		return bound
	}

	// An unspecified bound address means "the address you reached me on".
	if remote, err := netip.ParseAddrPort(ctrl.RemoteAddr().String()); err == nil {
		return netip.AddrPortFrom(remote.Addr().Unmap(), bound.Port())
	}
	return bound
}

// RelayAddr returns the relay address in use. It is invalid before Connect.
func (c *UDPClient) RelayAddr() netip.AddrPort {
	return c.relayTo
}

// associate sends UDP ASSOCIATE and returns the bound relay address.
//
//	+----+-----+-------+------+----------+----------+
//	|VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+----+-----+-------+------+----------+----------+
//	| 1  |  1  | X'00' |  1   | Variable |    2     |
//	+----+-----+-------+------+----------+----------+
func associate(rw io.ReadWriter) (netip.AddrPort, error) {
	// The client address is not known in advance, so send 0.0.0.0:0.
	req := []byte{SOCKS5Version, CmdUDPAssociate, 0x00, AddrTypeIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := rw.Write(req); err != nil {
		return netip.AddrPort{}, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(rw, header); err != nil {
		return netip.AddrPort{}, err
	}
	if header[0] != SOCKS5Version {
		return netip.AddrPort{}, fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}
	if header[1] != ReplySucceeded {
		return netip.AddrPort{}, &ReplyError{Code: header[1]}
	}

	var addr netip.Addr
	switch header[3] {
	case AddrTypeIPv4:
		var b [4]byte
		if _, err := io.ReadFull(rw, b[:]); err != nil {
			return netip.AddrPort{}, err
		}
		addr = netip.AddrFrom4(b)

	case AddrTypeIPv6:
		var b [16]byte
		if _, err := io.ReadFull(rw, b[:]); err != nil {
			return netip.AddrPort{}, err
		}
		addr = netip.AddrFrom16(b)

	case AddrTypeDomain:
		// Domain-bound relays are not resolvable here; the caller falls
		// back to the server address.
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(rw, lenBuf); err != nil {
			return netip.AddrPort{}, err
		}
		if _, err := io.CopyN(io.Discard, rw, int64(lenBuf[0])); err != nil {
			return netip.AddrPort{}, err
		}
		addr = netip.IPv4Unspecified()

	default:
		return netip.AddrPort{}, fmt.Errorf("unsupported address type: %d", header[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(rw, portBuf); err != nil {
		return netip.AddrPort{}, err
	}

	return netip.AddrPortFrom(addr, binary.BigEndian.Uint16(portBuf)), nil
}

// SendTo wraps payload in a UDP request header for addr and sends it to the
// relay. It returns the number of payload bytes sent.
func (c *UDPClient) SendTo(payload []byte, addr session.Address) (int, error) {
	if c.relay == nil {
		return 0, ErrNotConnected
	}
	if err := c.failure(); err != nil {
		return 0, err
	}

	c.sendBuf = AppendUDPHeader(c.sendBuf[:0], addr)
	headerLen := len(c.sendBuf)
	c.sendBuf = append(c.sendBuf, payload...)

	n, err := c.relay.Write(c.sendBuf)
	if err != nil {
		return 0, err
	}
	return n - headerLen, nil
}

// Probe reports the size of the next pending reply without consuming it.
// It returns session.ErrWouldBlock when nothing is pending.
func (c *UDPClient) Probe() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d := c.peekLocked(); d != nil {
		return len(d.payload), nil
	}
	if c.err != nil {
		return 0, c.err
	}
	if c.relay == nil {
		return 0, ErrNotConnected
	}
	return 0, session.ErrWouldBlock
}

// ReceiveFrom consumes the next pending reply into buf and returns its
// length and the remote address the relay reported. A reply longer than buf
// is discarded with io.ErrShortBuffer. A domain-name source is reported as
// the zero address.
func (c *UDPClient) ReceiveFrom(buf []byte) (int, session.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.peekLocked()
	if d == nil {
		if c.err != nil {
			return 0, session.Address{}, c.err
		}
		return 0, session.Address{}, session.ErrWouldBlock
	}
	c.head = nil

	if len(d.payload) > len(buf) {
		return 0, d.addr, io.ErrShortBuffer
	}
	return copy(buf, d.payload), d.addr, nil
}

// peekLocked loads the next reply into head. c.mu must be held.
func (c *UDPClient) peekLocked() *datagram {
	if c.head != nil {
		return c.head
	}
	select {
	case d := <-c.replies:
		c.head = &d
	default:
	}
	return c.head
}

// Ready returns a channel signalled when a reply arrives or the client fails.
func (c *UDPClient) Ready() <-chan struct{} {
	return c.ready
}

// Close tears the association down and waits for the client goroutines.
func (c *UDPClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.fail(ErrClientClosed)
		if c.ctrl != nil {
			c.ctrl.Close()
		}
		if c.relay != nil {
			c.relay.Close()
		}
	})
	c.wg.Wait()
	return nil
}

func (c *UDPClient) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// fail records the first terminal error and wakes the consumer.
func (c *UDPClient) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.signal()
}

func (c *UDPClient) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *UDPClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// readLoop parses relayed datagrams and queues the replies.
func (c *UDPClient) readLoop() {
	defer c.wg.Done()
	defer recovery.RecoverWithCallback(c.logger, "socks5-relay-reader", func(any) {
		c.fail(errors.New("relay reader panicked"))
	})

	buf := make([]byte, maxDatagramSize)
	for {
		n, err := c.relay.Read(buf)
		if err != nil {
			if !c.isClosed() {
				c.logger.Debug("relay read failed", logging.KeyError, err)
				c.fail(fmt.Errorf("read udp relay: %w", err))
			}
			return
		}

		header, payload, err := ParseUDPHeader(buf[:n])
		if err != nil {
			c.metrics.RecordDrop(metrics.DropMalformed)
			c.logger.Debug("dropping relay datagram", logging.KeyError, err)
			continue
		}
		// A domain-name source is handed on as the zero address so the
		// session fails it as an unsupported family.
		addr, err := header.AddrPort()
		if err != nil && !errors.Is(err, ErrDomainAddress) {
			c.metrics.RecordDrop(metrics.DropMalformed)
			continue
		}

		d := datagram{addr: addr, payload: append([]byte(nil), payload...)}
		select {
		case c.replies <- d:
			c.signal()
		default:
			c.metrics.RecordDrop(metrics.DropOverflow)
		}
	}
}

// watchControl fails the client when the server closes the TCP control
// connection.
func (c *UDPClient) watchControl() {
	defer c.wg.Done()
	defer recovery.RecoverWithLog(c.logger, "socks5-control-watcher")

	io.Copy(io.Discard, c.ctrl)
	if !c.isClosed() {
		c.logger.Debug("control connection closed by server")
		c.fail(ErrControlClosed)
	}
}
