package udp

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/postalsys/tunsocks/internal/logging"
	"github.com/postalsys/tunsocks/internal/metrics"
	"github.com/postalsys/tunsocks/internal/recovery"
	"github.com/postalsys/tunsocks/internal/session"
)

// ErrSessionLimit is returned by HandleFlow when MaxSessions is reached.
var ErrSessionLimit = errors.New("udp session limit reached")

// ErrHandlerClosed is returned by HandleFlow after Close.
var ErrHandlerClosed = errors.New("udp handler closed")

// Handler manages the UDP sessions of one network stack.
type Handler struct {
	mu       sync.RWMutex
	sessions map[uint64]*session.UDPSession
	closed   bool

	config      Config
	lock        sync.Locker
	buffers     *session.BufferPool
	newUpstream session.UpstreamFactory
	logger      *slog.Logger
	metrics     *metrics.Metrics

	// Cleanup
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options carries the collaborators of a Handler.
type Options struct {
	// Lock is the lock shared by every session of the stack.
	Lock sync.Locker

	// Buffers is the stack's receive-buffer pool.
	Buffers *session.BufferPool

	// NewUpstream creates the SOCKS5 client of each session.
	NewUpstream session.UpstreamFactory

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// NewHandler creates a new UDP handler.
func NewHandler(cfg Config, opts Options) *Handler {
	ctx, cancel := context.WithCancel(context.Background())

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	lock := opts.Lock
	if lock == nil {
		lock = &sync.Mutex{}
	}

	h := &Handler{
		sessions:    make(map[uint64]*session.UDPSession),
		config:      cfg,
		lock:        lock,
		buffers:     opts.Buffers,
		newUpstream: opts.NewUpstream,
		logger:      logging.Component(logger, "udp"),
		metrics:     opts.Metrics,
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start cleanup goroutine if timeout is configured
	if cfg.IdleTimeout > 0 {
		h.wg.Add(1)
		go h.cleanupLoop()
	}

	return h
}

// HandleFlow creates a session for a new flow and runs it in the
// background. It does not block, so it can be called from the stack's
// packet-processing path. When the flow is refused the endpoint is removed.
func (h *Handler) HandleFlow(ep session.Endpoint) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.refuse(ep)
		return ErrHandlerClosed
	}
	if h.config.MaxSessions > 0 && len(h.sessions) >= h.config.MaxSessions {
		h.mu.Unlock()
		h.refuse(ep)
		h.metrics.RecordSessionRejected()
		h.metrics.RecordDrop(metrics.DropLimit)
		h.logger.Warn("udp session limit reached",
			logging.KeyLocalAddr, ep.LocalAddress().String(),
			logging.KeyCount, h.config.MaxSessions)
		return ErrSessionLimit
	}

	s, err := session.NewUDP(ep, h.lock, session.Config{
		Context:        h.ctx,
		NewUpstream:    h.newUpstream,
		Buffers:        h.buffers,
		PoolSize:       h.config.PoolSize,
		ConnectTimeout: h.config.ConnectTimeout,
		Logger:         h.logger,
		Metrics:        h.metrics,
	})
	if err != nil {
		h.mu.Unlock()
		h.refuse(ep)
		h.logger.Warn("failed to create udp session",
			logging.KeyLocalAddr, ep.LocalAddress().String(),
			logging.KeyError, err)
		return err
	}

	// Registered with wg before Close can observe the session.
	h.sessions[s.ID()] = s
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		defer recovery.RecoverWithLog(h.logger, "udp-session")
		defer h.removeSession(s.ID())
		if err := session.Run(s); err != nil {
			h.logger.Debug("udp session ended",
				logging.KeySessionID, s.ID(),
				logging.KeyError, err)
		}
	}()

	return nil
}

// refuse removes the endpoint of a flow that gets no session. Removal
// happens under the shared stack lock, as in session finalization.
func (h *Handler) refuse(ep session.Endpoint) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if err := ep.Remove(); err != nil {
		h.logger.Debug("remove refused endpoint", logging.KeyError, err)
	}
}

// ActiveCount returns the number of active sessions.
func (h *Handler) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.sessions)
}

// Session returns a session by ID.
func (h *Handler) Session(id uint64) *session.UDPSession {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.sessions[id]
}

// Sessions returns a snapshot of every active session, oldest first.
func (h *Handler) Sessions() []session.Stats {
	h.mu.RLock()
	stats := make([]session.Stats, 0, len(h.sessions))
	for _, s := range h.sessions {
		stats = append(stats, s.Stats())
	}
	h.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].ID < stats[j].ID
	})
	return stats
}

// Close terminates every session and waits for them to finish.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	// Sessions derive their task context from h.ctx.
	h.cancel()

	// Wait for goroutines
	h.wg.Wait()

	return nil
}

func (h *Handler) removeSession(id uint64) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// cleanupLoop periodically terminates idle sessions.
func (h *Handler) cleanupLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.cleanupExpired()
		}
	}
}

// cleanupExpired terminates sessions that exceeded the idle timeout. The
// session goroutine unregisters them once finalized.
func (h *Handler) cleanupExpired() {
	h.mu.RLock()
	var expired []*session.UDPSession
	for _, s := range h.sessions {
		if s.IdleFor() >= h.config.IdleTimeout {
			expired = append(expired, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range expired {
		h.logger.Debug("udp session idle, terminating",
			logging.KeySessionID, s.ID(),
			logging.KeyDuration, s.IdleFor().String())
		s.Terminate()
	}
}
