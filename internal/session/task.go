package session

import (
	"context"
	"errors"
	"runtime"
)

// ErrTerminated is returned by Task.Yield once the task has been terminated.
var ErrTerminated = errors.New("task terminated")

// YieldKind selects how a task gives up control.
type YieldKind int

const (
	// YieldImmediate lets other goroutines run and resumes right away.
	YieldImmediate YieldKind = iota
	// YieldWaitIO suspends until I/O readiness, a wake, or termination.
	YieldWaitIO
)

// Task is the execution context owning one session. Wake and Terminate may be
// called from any goroutine.
type Task struct {
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
}

// NewTask creates a task that terminates when parent is cancelled.
func NewTask(parent context.Context) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

// Wake ends a pending YieldWaitIO. Wakes coalesce: several calls before the
// task suspends resume it once.
func (t *Task) Wake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Terminate requests cooperative cancellation of the task.
func (t *Task) Terminate() {
	t.cancel()
}

// Terminated reports whether Terminate was called or the parent was cancelled.
func (t *Task) Terminated() bool {
	return t.ctx.Err() != nil
}

// Context returns a context cancelled on termination.
func (t *Task) Context() context.Context {
	return t.ctx
}

// Yield gives up control. With YieldWaitIO it blocks until ready fires, the
// task is woken, or it is terminated. It returns ErrTerminated when the task
// should stop.
func (t *Task) Yield(kind YieldKind, ready <-chan struct{}) error {
	switch kind {
	case YieldWaitIO:
		select {
		case <-t.wake:
		case <-ready:
		case <-t.ctx.Done():
		}
	default:
		runtime.Gosched()
	}

	if t.ctx.Err() != nil {
		return ErrTerminated
	}
	return nil
}
