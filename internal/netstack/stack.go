// Package netstack hosts the user-space TCP/IP stack that terminates the
// tunnel's IP traffic and turns each UDP flow into an endpoint.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/postalsys/tunsocks/internal/logging"
	"github.com/postalsys/tunsocks/internal/session"
)

const (
	nicID = 1

	// DefaultMTU is used when Config.MTU is not set.
	DefaultMTU = 1500

	// DefaultQueueSize is the outbound packet queue of the link endpoint.
	DefaultQueueSize = 1024
)

var (
	// ErrUnknownPacket is returned for packets that are neither IPv4 nor IPv6.
	ErrUnknownPacket = errors.New("not an IP packet")

	// ErrStackClosed is returned once the stack has been closed.
	ErrStackClosed = errors.New("network stack closed")
)

// FlowHandler is called for every new UDP flow. It runs on the stack's
// packet-processing goroutine and must not block.
type FlowHandler func(ep *UDPEndpoint)

// Config configures a Stack.
type Config struct {
	MTU       int
	QueueSize int

	// BufferSize is the receive-buffer size of the shared pool and the
	// largest datagram accepted from the tunnel.
	BufferSize int

	// BufferLimit caps outstanding receive buffers. 0 means unlimited.
	BufferLimit int

	Logger *slog.Logger
}

// Stack is a gVisor network stack fed from a packet link.
//
// The embedded mutex is the lock shared by every session relaying through
// this stack. It guards the buffer pool and endpoint sends.
type Stack struct {
	sync.Mutex

	stack   *stack.Stack
	link    *channel.Endpoint
	buffers *session.BufferPool
	mtu     int
	bufSize int
	handler FlowHandler
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a stack and installs the UDP forwarder.
func New(cfg Config, handler FlowHandler) (*Stack, error) {
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = session.DefaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	s := &Stack{
		link:    channel.New(cfg.QueueSize, uint32(cfg.MTU), ""),
		buffers: session.NewBufferPool(cfg.BufferSize, cfg.BufferLimit),
		mtu:     cfg.MTU,
		bufSize: cfg.BufferSize,
		handler: handler,
		logger:  logging.Component(logger, "netstack"),
		done:    make(chan struct{}),
	}

	s.stack = stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			ipv6.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			udp.NewProtocol,
		},
	})

	if err := s.stack.CreateNIC(nicID, s.link); err != nil {
		s.stack.Close()
		return nil, fmt.Errorf("create NIC: %v", err)
	}

	// Accept packets for any destination and answer from any source.
	if err := s.stack.SetPromiscuousMode(nicID, true); err != nil {
		s.stack.Close()
		return nil, fmt.Errorf("set promiscuous mode: %v", err)
	}
	if err := s.stack.SetSpoofing(nicID, true); err != nil {
		s.stack.Close()
		return nil, fmt.Errorf("set spoofing: %v", err)
	}

	s.stack.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	fwd := udp.NewForwarder(s.stack, s.handleUDP)
	s.stack.SetTransportProtocolHandler(udp.ProtocolNumber, fwd.HandlePacket)

	return s, nil
}

// Buffers returns the receive-buffer pool shared by the stack's sessions.
// It must only be used with the stack locked.
func (s *Stack) Buffers() *session.BufferPool {
	return s.buffers
}

// MTU returns the link MTU.
func (s *Stack) MTU() int {
	return s.mtu
}

func (s *Stack) handleUDP(r *udp.ForwarderRequest) {
	id := r.ID()

	if s.handler == nil {
		return
	}

	ep, err := newUDPEndpoint(s, r)
	if err != nil {
		s.logger.Debug("forward udp request failed",
			logging.KeyLocalAddr, fmt.Sprintf("%s:%d", id.LocalAddress, id.LocalPort),
			logging.KeyRemoteAddr, fmt.Sprintf("%s:%d", id.RemoteAddress, id.RemotePort),
			logging.KeyError, err)
		return
	}

	s.handler(ep)
}

// WritePacket injects an IP packet read from the tunnel into the stack.
func (s *Stack) WritePacket(pkt []byte) error {
	if len(pkt) == 0 {
		return ErrUnknownPacket
	}

	var proto tcpip.NetworkProtocolNumber
	switch header.IPVersion(pkt) {
	case header.IPv4Version:
		proto = header.IPv4ProtocolNumber
	case header.IPv6Version:
		proto = header.IPv6ProtocolNumber
	default:
		return ErrUnknownPacket
	}

	pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(pkt),
	})
	s.link.InjectInbound(proto, pkb)
	pkb.DecRef()

	return nil
}

// ReadPacket copies the next outbound IP packet into buf. It blocks until a
// packet is available, ctx is done or the stack is closed.
func (s *Stack) ReadPacket(ctx context.Context, buf []byte) (int, error) {
	pkt := s.link.ReadContext(ctx)
	if pkt == nil {
		select {
		case <-s.done:
			return 0, ErrStackClosed
		default:
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 0, ErrStackClosed
	}
	defer pkt.DecRef()

	view := pkt.ToView()
	defer view.Release()

	return copy(buf, view.AsSlice()), nil
}

// Attach pumps packets between dev and the stack until ctx is done or either
// direction fails. The caller closes dev to unblock a pending read.
func (s *Stack) Attach(ctx context.Context, dev io.ReadWriter) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		buf := make([]byte, s.mtu)
		for {
			n, err := dev.Read(buf)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("read tunnel: %w", err)
			}
			if err := s.WritePacket(buf[:n]); err != nil {
				s.logger.Debug("dropping tunnel packet", logging.KeyError, err)
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, s.mtu)
		for {
			n, err := s.ReadPacket(ctx, buf)
			if err != nil {
				return err
			}
			if _, err := dev.Write(buf[:n]); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("write tunnel: %w", err)
			}
		}
	})

	return g.Wait()
}

// Close shuts the stack down. Every UDP endpoint is closed, which ends the
// sessions relaying through them.
func (s *Stack) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.link.Close()
		s.stack.Close()
		s.stack.Wait()
	})
}
