package session

import "errors"

// ErrPoolExhausted is returned when every buffer of a pool is in use.
var ErrPoolExhausted = errors.New("buffer pool exhausted")

// BufferPool hands out fixed-size receive buffers shared by all sessions of
// a network stack.
//
// BufferPool is not safe for concurrent use. Callers hold the stack's shared
// lock around Get and Put.
type BufferPool struct {
	size        int
	limit       int
	outstanding int
	free        [][]byte
}

// NewBufferPool creates a pool of size-byte buffers. At most limit buffers
// may be outstanding at once; 0 means unlimited.
func NewBufferPool(size, limit int) *BufferPool {
	return &BufferPool{
		size:  size,
		limit: limit,
	}
}

// Get returns a full-length buffer.
func (p *BufferPool) Get() ([]byte, error) {
	if p.limit > 0 && p.outstanding >= p.limit {
		return nil, ErrPoolExhausted
	}
	p.outstanding++

	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return buf[:p.size], nil
	}
	return make([]byte, p.size), nil
}

// Put returns buf to the pool. Buffers not obtained from Get are ignored.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) < p.size || p.outstanding == 0 {
		return
	}
	p.outstanding--
	p.free = append(p.free, buf[:p.size])
}

// Size returns the length of the buffers handed out by Get.
func (p *BufferPool) Size() int {
	return p.size
}

// Outstanding returns the number of buffers currently handed out.
func (p *BufferPool) Outstanding() int {
	return p.outstanding
}
