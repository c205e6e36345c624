package chaos

import (
	"context"
	"errors"
	"time"

	"github.com/postalsys/tunsocks/internal/session"
)

// ErrInjected is returned by a handshake failed on purpose.
var ErrInjected = errors.New("chaos: injected fault")

// Upstream wraps a session.Upstream and applies the injector's faults:
// FaultDelay and FaultError to Connect, FaultDisconnect to SendTo.
type Upstream struct {
	session.Upstream
	injector *FaultInjector
}

// WrapUpstream returns u with fault injection applied.
func WrapUpstream(u session.Upstream, injector *FaultInjector) *Upstream {
	return &Upstream{Upstream: u, injector: injector}
}

// WrapFactory wraps every upstream produced by newUpstream.
func WrapFactory(newUpstream session.UpstreamFactory, injector *FaultInjector) session.UpstreamFactory {
	return func() (session.Upstream, error) {
		u, err := newUpstream()
		if err != nil {
			return nil, err
		}
		return WrapUpstream(u, injector), nil
	}
}

// Connect performs the wrapped handshake after any injected delay.
func (u *Upstream) Connect(ctx context.Context) error {
	if d := u.injector.MaybeDelay(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if u.injector.MaybeError() {
		return ErrInjected
	}
	return u.Upstream.Connect(ctx)
}

// SendTo forwards payload unless a disconnect fault fires, in which case the
// datagram is reported as sent and discarded.
func (u *Upstream) SendTo(payload []byte, addr session.Address) (int, error) {
	if u.injector.MaybeDisconnect() {
		return len(payload), nil
	}
	return u.Upstream.SendTo(payload, addr)
}
