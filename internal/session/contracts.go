package session

import (
	"context"
	"errors"
)

var (
	// ErrWouldBlock is returned by Upstream.Probe when no reply is pending.
	ErrWouldBlock = errors.New("operation would block")

	// ErrEndpointClosed is returned by endpoint operations after Remove.
	ErrEndpointClosed = errors.New("endpoint closed")
)

// ReceiveHook is invoked by the network stack for every datagram arriving on
// an endpoint. A nil payload signals that the endpoint was closed. The hook
// owns payload from the moment it is called.
type ReceiveHook func(payload []byte)

// Endpoint is a UDP endpoint of the virtual network stack, bound to the
// original destination of one tunnel-side flow.
type Endpoint interface {
	// SetReceiveHook registers the datagram callback. A nil hook detaches it.
	SetReceiveHook(hook ReceiveHook)

	// SendFrom delivers payload to the tunnel side with from as its source.
	// The endpoint takes ownership of payload on success.
	SendFrom(payload []byte, from Address) error

	// LocalAddress returns the address and port the endpoint is bound to.
	LocalAddress() Address

	// RemoteFamily returns the family of the tunnel-side peer.
	RemoteFamily() Family

	// Remove detaches the endpoint from the stack and releases it.
	Remove() error
}

// Client is the capability the session base drives before splicing.
type Client interface {
	// Connect performs the proxy handshake.
	Connect(ctx context.Context) error

	// Close releases the client. It is safe to call more than once.
	Close() error
}

// Upstream is a SOCKS5 UDP relay channel.
type Upstream interface {
	Client

	// SendTo sends one datagram addressed to addr through the relay.
	SendTo(payload []byte, addr Address) (int, error)

	// Probe reports the size of the next pending reply without consuming
	// it. It returns ErrWouldBlock when nothing is pending.
	Probe() (int, error)

	// ReceiveFrom consumes the next pending reply into buf and returns its
	// length and the source address echoed by the relay. A reply that does
	// not fit in buf is consumed and discarded, and io.ErrShortBuffer is
	// returned. A source that is not an IP address is returned as the zero
	// Address.
	ReceiveFrom(buf []byte) (int, Address, error)

	// Ready is signalled whenever a reply becomes pending or the channel fails.
	Ready() <-chan struct{}
}

// UpstreamFactory creates the upstream client owned by a new session.
type UpstreamFactory func() (Upstream, error)
