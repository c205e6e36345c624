package session

import "sync"

// Frame is one tunnel-side datagram waiting for upstream delivery.
type Frame struct {
	Addr    Address
	Payload []byte
}

// release drops the frame's payload. The frame must already be unlinked.
func (f *Frame) release() {
	f.Payload = nil
}

// FrameQueue is a bounded FIFO of frames backed by a ring buffer.
//
// It is the single serialization point between the endpoint's receive hook,
// which runs on the network stack's goroutines, and the owning session.
type FrameQueue struct {
	mu       sync.Mutex
	ring     []*Frame
	head     int
	count    int
	capacity int
	closed   bool
}

// NewFrameQueue creates a queue that admits at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{capacity: capacity}
}

// Push appends f at the tail. It returns false without queueing when the
// queue already holds capacity frames or has been closed.
func (q *FrameQueue) Push(f *Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.count >= q.capacity {
		return false
	}

	if q.count == len(q.ring) {
		q.grow()
	}

	q.ring[(q.head+q.count)%len(q.ring)] = f
	q.count++
	return true
}

// grow doubles the ring, capped at capacity. Must be called with mu held.
func (q *FrameQueue) grow() {
	size := len(q.ring) * 2
	if size == 0 {
		size = 16
	}
	if size > q.capacity {
		size = q.capacity
	}

	ring := make([]*Frame, size)
	for i := 0; i < q.count; i++ {
		ring[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	q.ring = ring
	q.head = 0
}

// Front returns the head frame without unlinking it, or nil if the queue is empty.
func (q *FrameQueue) Front() *Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	return q.ring[q.head]
}

// PopFront unlinks and returns the head frame, or nil if the queue is empty.
func (q *FrameQueue) PopFront() *Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.popLocked()
}

func (q *FrameQueue) popLocked() *Frame {
	if q.count == 0 {
		return nil
	}

	f := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	return f
}

// Drain unlinks and releases every queued frame. It returns how many frames
// were discarded.
func (q *FrameQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.drainLocked()
}

// Close refuses every later Push and drains the queue. It returns how many
// frames were discarded.
func (q *FrameQueue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	return q.drainLocked()
}

// Closed reports whether Close has been called.
func (q *FrameQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.closed
}

func (q *FrameQueue) drainLocked() int {
	n := 0
	for f := q.popLocked(); f != nil; f = q.popLocked() {
		f.release()
		n++
	}
	return n
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.count
}

// Cap returns the admission limit.
func (q *FrameQueue) Cap() int {
	return q.capacity
}
