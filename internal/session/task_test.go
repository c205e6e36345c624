package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTask_YieldImmediate(t *testing.T) {
	task := NewTask(context.Background())

	if err := task.Yield(YieldImmediate, nil); err != nil {
		t.Errorf("Yield(YieldImmediate) error: %v", err)
	}
}

func TestTask_WakeResumesWaitIO(t *testing.T) {
	task := NewTask(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- task.Yield(YieldWaitIO, nil)
	}()

	select {
	case <-done:
		t.Fatal("Yield(YieldWaitIO) returned before a wake")
	case <-time.After(20 * time.Millisecond):
	}

	task.Wake()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Yield error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Yield did not resume after Wake")
	}
}

func TestTask_WakeBeforeYield(t *testing.T) {
	task := NewTask(context.Background())

	task.Wake()
	task.Wake()

	if err := task.Yield(YieldWaitIO, nil); err != nil {
		t.Errorf("Yield error = %v, want nil", err)
	}
}

func TestTask_ReadyResumesWaitIO(t *testing.T) {
	task := NewTask(context.Background())
	ready := make(chan struct{}, 1)
	ready <- struct{}{}

	if err := task.Yield(YieldWaitIO, ready); err != nil {
		t.Errorf("Yield error = %v, want nil", err)
	}
}

func TestTask_Terminate(t *testing.T) {
	task := NewTask(context.Background())
	if task.Terminated() {
		t.Fatal("new task is terminated")
	}

	done := make(chan error, 1)
	go func() {
		done <- task.Yield(YieldWaitIO, nil)
	}()

	task.Terminate()

	select {
	case err := <-done:
		if !errors.Is(err, ErrTerminated) {
			t.Errorf("Yield error = %v, want ErrTerminated", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Yield did not return after Terminate")
	}

	if !task.Terminated() {
		t.Error("Terminated() = false after Terminate")
	}
	if err := task.Yield(YieldImmediate, nil); !errors.Is(err, ErrTerminated) {
		t.Errorf("Yield after Terminate = %v, want ErrTerminated", err)
	}
}

func TestTask_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := NewTask(ctx)

	cancel()

	if !task.Terminated() {
		t.Error("task not terminated after parent cancel")
	}
	if task.Context().Err() == nil {
		t.Error("task context not cancelled")
	}
}
