package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/tunsocks/internal/logging"
	"github.com/postalsys/tunsocks/internal/metrics"
)

const (
	// DefaultBufferSize is the tunnel datagram capacity.
	DefaultBufferSize = 1500

	// DefaultPoolSize is the maximum number of queued frames per session.
	DefaultPoolSize = 512
)

// Config holds the settings of a UDP session.
type Config struct {
	// Context is the parent of the session's task. Cancelling it
	// terminates the session.
	Context context.Context

	// NewUpstream creates the session's SOCKS5 UDP client.
	NewUpstream UpstreamFactory

	// Buffers is the receive-buffer pool shared by every session of the
	// stack. It is guarded by the shared lock.
	Buffers *BufferPool

	// PoolSize is the queued-frame admission limit.
	PoolSize int

	// ConnectTimeout bounds the upstream handshake. 0 means no limit.
	ConnectTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// UDPSession bridges one tunnel-side UDP flow with a SOCKS5 UDP relay.
type UDPSession struct {
	base *Base

	// endpoint is guarded by lock and nil once finalized.
	endpoint Endpoint
	local    Address
	lock     sync.Locker
	buffers  *BufferPool

	upstream Upstream
	queue    *FrameQueue

	state     atomic.Int32
	observe   func(State)
	finalized atomic.Bool

	lastActivity  atomic.Int64
	bytesForward  atomic.Uint64
	bytesBackward atomic.Uint64
	dropped       atomic.Uint64

	dropLog rate.Sometimes
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewUDP creates a session forwarding the flow behind ep. lock is the lock
// shared by every session touching the same network stack. The receive hook
// is registered before NewUDP returns.
func NewUDP(ep Endpoint, lock sync.Locker, cfg Config) (*UDPSession, error) {
	if ep == nil {
		return nil, errors.New("nil endpoint")
	}
	if lock == nil {
		return nil, errors.New("nil shared lock")
	}
	if cfg.NewUpstream == nil {
		return nil, errors.New("no upstream factory")
	}

	upstream, err := cfg.NewUpstream()
	if err != nil {
		return nil, fmt.Errorf("create upstream client: %w", err)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	buffers := cfg.Buffers
	if buffers == nil {
		buffers = NewBufferPool(DefaultBufferSize, 0)
	}

	base := newBase(cfg.Context, upstream, cfg.ConnectTimeout, cfg.Logger)
	local := ep.LocalAddress()

	s := &UDPSession{
		base:     base,
		endpoint: ep,
		local:    local,
		lock:     lock,
		buffers:  buffers,
		upstream: upstream,
		queue:    NewFrameQueue(poolSize),
		dropLog:  rate.Sometimes{Interval: time.Second},
		logger: logging.Component(base.logger, "udp-session").With(
			slog.String(logging.KeyLocalAddr, local.String())),
		metrics: cfg.Metrics,
	}
	s.touch()

	ep.SetReceiveHook(s.handleDatagram)

	s.metrics.RecordSessionOpen()
	s.logger.Debug("udp session created")

	return s, nil
}

// Base returns the generic session state.
func (s *UDPSession) Base() *Base {
	return s.base
}

// ID returns the session identifier.
func (s *UDPSession) ID() uint64 {
	return s.base.id
}

// LocalAddress returns the flow's original destination.
func (s *UDPSession) LocalAddress() Address {
	return s.local
}

// Terminate asks the session to stop.
func (s *UDPSession) Terminate() {
	s.base.Terminate()
}

// State returns the current splice state.
func (s *UDPSession) State() State {
	return State(s.state.Load())
}

func (s *UDPSession) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	if s.observe != nil {
		s.observe(st)
	}
}

// Queued returns the number of frames waiting for upstream delivery.
func (s *UDPSession) Queued() int {
	return s.queue.Len()
}

// IdleFor returns how long the session has seen no traffic.
func (s *UDPSession) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *UDPSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Stats is a point-in-time snapshot of a session.
type Stats struct {
	ID            uint64    `json:"id"`
	LocalAddr     string    `json:"local_addr"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	Queued        int       `json:"queued"`
	BytesForward  uint64    `json:"bytes_forward"`
	BytesBackward uint64    `json:"bytes_backward"`
	Dropped       uint64    `json:"dropped"`
}

// Stats returns a snapshot of the session counters.
func (s *UDPSession) Stats() Stats {
	return Stats{
		ID:            s.base.id,
		LocalAddr:     s.local.String(),
		State:         s.State().String(),
		CreatedAt:     s.base.createdAt,
		Queued:        s.queue.Len(),
		BytesForward:  s.bytesForward.Load(),
		BytesBackward: s.bytesBackward.Load(),
		Dropped:       s.dropped.Load(),
	}
}

// handleDatagram is the endpoint receive hook. It runs on the network
// stack's goroutines and only touches the frame queue and the task.
func (s *UDPSession) handleDatagram(payload []byte) {
	if payload == nil {
		s.logger.Debug("endpoint closed by network stack")
		s.base.Terminate()
		return
	}

	f := &Frame{
		Addr:    FrameAddress(s.local),
		Payload: payload,
	}
	if !s.queue.Push(f) {
		s.dropped.Add(1)
		if s.queue.Closed() {
			s.metrics.RecordDrop(metrics.DropTeardown)
			return
		}
		s.metrics.RecordDrop(metrics.DropAdmission)
		s.dropLog.Do(func() {
			s.logger.Warn("frame queue full, dropping datagrams",
				logging.KeyCount, s.queue.Cap())
		})
		return
	}

	s.metrics.RecordFrameQueued()
	s.touch()
	s.base.task.Wake()
}

// Finalize drains undelivered frames, detaches the endpoint and tears down
// the base. It is safe to call more than once.
func (s *UDPSession) Finalize() {
	// Closing first keeps datagrams already inside the hook from being
	// queued after the drain.
	discarded := s.queue.Close()

	s.lock.Lock()
	if s.endpoint != nil {
		s.endpoint.SetReceiveHook(nil)
		if err := s.endpoint.Remove(); err != nil {
			s.logger.Debug("remove endpoint", logging.KeyError, err)
		}
		s.endpoint = nil
	}
	s.lock.Unlock()

	s.base.destruct()
	s.setState(StateTerminated)

	if discarded > 0 {
		s.metrics.RecordFramesDiscarded(discarded)
	}

	if s.finalized.Swap(true) {
		return
	}

	s.metrics.RecordSessionClose(time.Since(s.base.createdAt).Seconds())
	s.logger.Debug("udp session closed",
		logging.KeyDuration, time.Since(s.base.createdAt),
		"bytes_forward", s.bytesForward.Load(),
		"bytes_backward", s.bytesBackward.Load(),
		"discarded", discarded)
}
