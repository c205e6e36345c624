package netstack

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/postalsys/tunsocks/internal/logging"
	"github.com/postalsys/tunsocks/internal/recovery"
	"github.com/postalsys/tunsocks/internal/session"
)

// ErrSourceMismatch is returned by SendFrom when the source address differs
// from the address the endpoint is bound to.
var ErrSourceMismatch = errors.New("source address does not match endpoint")

// UDPEndpoint is the stack side of one UDP flow. It is bound to the flow's
// original destination and connected to the application that sent it.
type UDPEndpoint struct {
	stack  *Stack
	conn   *gonet.UDPConn
	local  netip.AddrPort
	remote netip.AddrPort
	logger *slog.Logger

	mu      sync.Mutex
	hook    session.ReceiveHook
	removed bool

	startOnce sync.Once
}

var _ session.Endpoint = (*UDPEndpoint)(nil)

func newUDPEndpoint(s *Stack, r *udp.ForwarderRequest) (*UDPEndpoint, error) {
	id := r.ID()

	var wq waiter.Queue
	ep, tcpErr := r.CreateEndpoint(&wq)
	if tcpErr != nil {
		return nil, fmt.Errorf("create endpoint: %s", tcpErr)
	}

	local := toAddrPort(id.LocalAddress, id.LocalPort)
	remote := toAddrPort(id.RemoteAddress, id.RemotePort)
	if !local.IsValid() || !remote.IsValid() {
		ep.Abort()
		return nil, fmt.Errorf("invalid flow addresses %s:%d -> %s:%d",
			id.RemoteAddress, id.RemotePort, id.LocalAddress, id.LocalPort)
	}

	return &UDPEndpoint{
		stack:  s,
		conn:   gonet.NewUDPConn(&wq, ep),
		local:  local,
		remote: remote,
		logger: s.logger.With(
			slog.String(logging.KeyLocalAddr, local.String()),
			slog.String(logging.KeyRemoteAddr, remote.String())),
	}, nil
}

func toAddrPort(addr tcpip.Address, port uint16) netip.AddrPort {
	ip, ok := netip.AddrFromSlice(addr.AsSlice())
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ip, port)
}

// SetReceiveHook registers the function receiving datagrams from the
// application. The first non-nil hook starts the endpoint's reader; nil
// detaches the current hook.
func (e *UDPEndpoint) SetReceiveHook(hook session.ReceiveHook) {
	e.mu.Lock()
	e.hook = hook
	e.mu.Unlock()

	if hook != nil {
		e.startOnce.Do(func() {
			go e.readLoop()
		})
	}
}

func (e *UDPEndpoint) currentHook() session.ReceiveHook {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hook
}

// readLoop delivers datagrams to the hook. A read failure is reported once
// with a nil payload.
func (e *UDPEndpoint) readLoop() {
	defer recovery.RecoverWithLog(e.logger, "udp-endpoint-reader")

	buf := make([]byte, e.stack.mtu)
	for {
		n, err := e.conn.Read(buf)
		if err != nil {
			if hook := e.currentHook(); hook != nil {
				e.logger.Debug("endpoint read failed", logging.KeyError, err)
				hook(nil)
			}
			return
		}
		if n > e.stack.bufSize {
			e.logger.Debug("dropping oversized datagram", logging.KeyBytes, n)
			continue
		}

		hook := e.currentHook()
		if hook == nil {
			continue
		}
		hook(append([]byte(nil), buf[:n]...))
	}
}

// SendFrom delivers payload to the application as if sent from the flow's
// original destination. The caller holds the stack lock; on success the
// buffer is returned to the stack's pool.
func (e *UDPEndpoint) SendFrom(payload []byte, from session.Address) error {
	if from.Addr().Unmap() != e.local.Addr().Unmap() || from.Port() != e.local.Port() {
		return fmt.Errorf("%w: %s, bound to %s", ErrSourceMismatch, from, e.local)
	}

	if _, err := e.conn.Write(payload); err != nil {
		return err
	}

	e.stack.buffers.Put(payload)
	return nil
}

// LocalAddress returns the flow's original destination.
func (e *UDPEndpoint) LocalAddress() session.Address {
	return e.local
}

// RemoteAddress returns the application's address.
func (e *UDPEndpoint) RemoteAddress() session.Address {
	return e.remote
}

// RemoteFamily returns the address family of the application side.
func (e *UDPEndpoint) RemoteFamily() session.Family {
	return session.FamilyOf(e.remote)
}

// Remove detaches the hook and closes the endpoint. It is idempotent.
func (e *UDPEndpoint) Remove() error {
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil
	}
	e.removed = true
	e.hook = nil
	e.mu.Unlock()

	return e.conn.Close()
}
