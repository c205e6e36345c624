package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/tunsocks/internal/logging"
)

var nextID atomic.Uint64

// Splicer is the set of operations the session base dispatches to a session
// variant.
type Splicer interface {
	// Splice forwards traffic in both directions until the session terminates.
	Splice()

	// Finalize releases everything the variant owns. It may run more than once.
	Finalize()
}

// Session is a session variant built on a Base.
type Session interface {
	Splicer
	Base() *Base
}

// Base holds the state shared by all session variants: identity, the owning
// task and the upstream client capability.
type Base struct {
	id             uint64
	task           *Task
	client         Client
	logger         *slog.Logger
	createdAt      time.Time
	connectTimeout time.Duration

	closeOnce sync.Once
}

func newBase(parent context.Context, client Client, connectTimeout time.Duration, logger *slog.Logger) *Base {
	if parent == nil {
		parent = context.Background()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	id := nextID.Add(1)
	return &Base{
		id:             id,
		task:           NewTask(parent),
		client:         client,
		logger:         logger.With(slog.Uint64(logging.KeySessionID, id)),
		createdAt:      time.Now(),
		connectTimeout: connectTimeout,
	}
}

// ID returns the process-unique session identifier.
func (b *Base) ID() uint64 {
	return b.id
}

// Task returns the task owning the session.
func (b *Base) Task() *Task {
	return b.task
}

// CreatedAt returns when the session was constructed.
func (b *Base) CreatedAt() time.Time {
	return b.createdAt
}

// Terminate asks the session to stop. The splice loop observes the request
// at its next iteration.
func (b *Base) Terminate() {
	b.task.Terminate()
}

// destruct terminates the task and closes the client once.
func (b *Base) destruct() {
	b.closeOnce.Do(func() {
		b.task.Terminate()
		if b.client != nil {
			if err := b.client.Close(); err != nil {
				b.logger.Debug("close upstream client", logging.KeyError, err)
			}
		}
	})
}

// Run drives s through its whole life: the client handshake, the splice
// loop and finalization. Finalize always runs, also when the handshake fails.
func Run(s Session) error {
	b := s.Base()
	defer s.Finalize()

	ctx := b.task.Context()
	if b.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.connectTimeout)
		defer cancel()
	}

	if err := b.client.Connect(ctx); err != nil {
		b.logger.Warn("upstream handshake failed", logging.KeyError, err)
		return fmt.Errorf("connect upstream: %w", err)
	}

	s.Splice()
	return nil
}
