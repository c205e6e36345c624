package session

import (
	"context"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"
)

type delivery struct {
	payload []byte
	from    Address
}

type fakeEndpoint struct {
	mu        sync.Mutex
	hook      ReceiveHook
	local     Address
	delivered []delivery
	sendErr   error
	removed   int
}

func newFakeEndpoint(local string) *fakeEndpoint {
	return &fakeEndpoint{local: mustAddr(local)}
}

func (e *fakeEndpoint) SetReceiveHook(hook ReceiveHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hook = hook
}

func (e *fakeEndpoint) SendFrom(payload []byte, from Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sendErr != nil {
		return e.sendErr
	}
	e.delivered = append(e.delivered, delivery{
		payload: append([]byte(nil), payload...),
		from:    from,
	})
	return nil
}

func (e *fakeEndpoint) LocalAddress() Address {
	return e.local
}

func (e *fakeEndpoint) RemoteFamily() Family {
	return FamilyOf(e.local)
}

func (e *fakeEndpoint) Remove() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed++
	return nil
}

// deliver simulates the network stack receiving a datagram.
func (e *fakeEndpoint) deliver(payload []byte) bool {
	e.mu.Lock()
	hook := e.hook
	e.mu.Unlock()

	if hook == nil {
		return false
	}
	hook(payload)
	return true
}

func (e *fakeEndpoint) hasHook() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hook != nil
}

func (e *fakeEndpoint) deliveries() []delivery {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]delivery(nil), e.delivered...)
}

type sentDatagram struct {
	payload []byte
	addr    Address
}

type fakeUpstream struct {
	mu         sync.Mutex
	sent       []sentDatagram
	replies    []delivery
	sendErr    error
	probeErr   error
	connectErr error
	probes     int
	closed     int
	ready      chan struct{}
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{ready: make(chan struct{}, 1)}
}

func (u *fakeUpstream) Connect(ctx context.Context) error {
	return u.connectErr
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed++
	return nil
}

func (u *fakeUpstream) SendTo(payload []byte, addr Address) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.sendErr != nil {
		return 0, u.sendErr
	}
	u.sent = append(u.sent, sentDatagram{
		payload: append([]byte(nil), payload...),
		addr:    addr,
	})
	return len(payload), nil
}

func (u *fakeUpstream) Probe() (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.probes++
	if u.probeErr != nil {
		return 0, u.probeErr
	}
	if len(u.replies) == 0 {
		return 0, ErrWouldBlock
	}
	return len(u.replies[0].payload), nil
}

func (u *fakeUpstream) ReceiveFrom(buf []byte) (int, Address, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.replies) == 0 {
		return 0, Address{}, ErrWouldBlock
	}
	r := u.replies[0]
	u.replies = u.replies[1:]
	if len(r.payload) > len(buf) {
		return 0, r.from, io.ErrShortBuffer
	}
	return copy(buf, r.payload), r.from, nil
}

func (u *fakeUpstream) Ready() <-chan struct{} {
	return u.ready
}

func (u *fakeUpstream) addReply(payload []byte, from Address) {
	u.mu.Lock()
	u.replies = append(u.replies, delivery{payload: payload, from: from})
	u.mu.Unlock()

	select {
	case u.ready <- struct{}{}:
	default:
	}
}

func (u *fakeUpstream) sentDatagrams() []sentDatagram {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]sentDatagram(nil), u.sent...)
}

func (u *fakeUpstream) probeCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.probes
}

func mustAddr(s string) Address {
	return netip.MustParseAddrPort(s)
}

func newTestSession(t *testing.T, ep *fakeEndpoint, up *fakeUpstream, poolSize int) (*UDPSession, *BufferPool) {
	t.Helper()

	buffers := NewBufferPool(DefaultBufferSize, 0)
	s, err := NewUDP(ep, &sync.Mutex{}, Config{
		NewUpstream: func() (Upstream, error) { return up, nil },
		Buffers:     buffers,
		PoolSize:    poolSize,
	})
	if err != nil {
		t.Fatalf("NewUDP error: %v", err)
	}
	return s, buffers
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
