package session

import (
	"strconv"
	"sync"
	"testing"
)

func TestFrameQueue_FIFO(t *testing.T) {
	q := NewFrameQueue(100)

	for i := 0; i < 40; i++ {
		if !q.Push(&Frame{Payload: []byte(strconv.Itoa(i))}) {
			t.Fatalf("Push(%d) rejected", i)
		}
	}
	if q.Len() != 40 {
		t.Errorf("Len() = %d, want 40", q.Len())
	}

	for i := 0; i < 40; i++ {
		f := q.PopFront()
		if f == nil {
			t.Fatalf("PopFront() returned nil at %d", i)
		}
		if string(f.Payload) != strconv.Itoa(i) {
			t.Errorf("PopFront() = %q, want %q", f.Payload, strconv.Itoa(i))
		}
	}

	if f := q.PopFront(); f != nil {
		t.Errorf("PopFront() on empty queue = %v, want nil", f)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestFrameQueue_WrapAround(t *testing.T) {
	q := NewFrameQueue(4)

	next := 0
	want := 0
	for round := 0; round < 10; round++ {
		for q.Push(&Frame{Payload: []byte(strconv.Itoa(next))}) {
			next++
		}
		for i := 0; i < 3; i++ {
			f := q.PopFront()
			if string(f.Payload) != strconv.Itoa(want) {
				t.Fatalf("round %d: PopFront() = %q, want %d", round, f.Payload, want)
			}
			want++
		}
	}
}

func TestFrameQueue_Capacity(t *testing.T) {
	q := NewFrameQueue(3)

	for i := 0; i < 3; i++ {
		if !q.Push(&Frame{}) {
			t.Fatalf("Push(%d) rejected below capacity", i)
		}
	}
	if q.Push(&Frame{}) {
		t.Error("Push accepted a frame beyond capacity")
	}
	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}
	if q.Cap() != 3 {
		t.Errorf("Cap() = %d, want 3", q.Cap())
	}
}

func TestFrameQueue_FrontDoesNotUnlink(t *testing.T) {
	q := NewFrameQueue(2)
	if q.Front() != nil {
		t.Error("Front() on empty queue should be nil")
	}

	f := &Frame{Payload: []byte("a")}
	q.Push(f)

	if q.Front() != f {
		t.Error("Front() should return the head frame")
	}
	if q.Len() != 1 {
		t.Errorf("Len() after Front() = %d, want 1", q.Len())
	}
}

func TestFrameQueue_Drain(t *testing.T) {
	q := NewFrameQueue(10)
	frames := make([]*Frame, 5)
	for i := range frames {
		frames[i] = &Frame{Payload: []byte("x")}
		q.Push(frames[i])
	}

	if n := q.Drain(); n != 5 {
		t.Errorf("Drain() = %d, want 5", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Drain() = %d, want 0", q.Len())
	}
	for i, f := range frames {
		if f.Payload != nil {
			t.Errorf("frame %d payload not released", i)
		}
	}

	if n := q.Drain(); n != 0 {
		t.Errorf("second Drain() = %d, want 0", n)
	}
}

func TestFrameQueue_ConcurrentPushPop(t *testing.T) {
	const (
		capacity  = 16
		writers   = 8
		perWriter = 500
	)
	q := NewFrameQueue(capacity)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := 0
			for i := 0; i < perWriter; i++ {
				if q.Push(&Frame{}) {
					n++
				}
				if l := q.Len(); l > capacity {
					t.Errorf("Len() = %d, exceeds capacity %d", l, capacity)
				}
			}
			mu.Lock()
			accepted += n
			mu.Unlock()
		}()
	}

	stop := make(chan struct{})
	consumed := make(chan int)
	go func() {
		popped := 0
		for {
			if q.PopFront() != nil {
				popped++
				continue
			}
			select {
			case <-stop:
				consumed <- popped
				return
			default:
			}
		}
	}()

	wg.Wait()
	close(stop)
	popped := <-consumed
	popped += q.Drain()

	if popped != accepted {
		t.Errorf("consumed %d frames, want %d accepted", popped, accepted)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after draining, want 0", q.Len())
	}
}

func TestFrameQueue_Close(t *testing.T) {
	tests := []struct {
		name    string
		pending int
	}{
		{"empty", 0},
		{"partially filled", 2},
		{"full", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewFrameQueue(4)
			for i := 0; i < tt.pending; i++ {
				q.Push(&Frame{Payload: []byte(strconv.Itoa(i))})
			}

			if n := q.Close(); n != tt.pending {
				t.Errorf("Close() = %d, want %d", n, tt.pending)
			}
			if !q.Closed() {
				t.Error("Closed() = false, want true")
			}
			if q.Push(&Frame{Payload: []byte("late")}) {
				t.Error("Push after Close accepted")
			}
			if q.Len() != 0 {
				t.Errorf("Len() = %d, want 0", q.Len())
			}
			if n := q.Close(); n != 0 {
				t.Errorf("second Close() = %d, want 0", n)
			}
		})
	}
}
