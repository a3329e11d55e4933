package process

import "sync"

// RingBuffer is an io.Writer that retains only the last size bytes written.
type RingBuffer struct {
	mu      sync.Mutex
	data    []byte
	pos     int
	full    bool
	written int64
}

// NewRingBuffer creates a RingBuffer holding at most size bytes.
// A non-positive size falls back to DefaultTailBytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultTailBytes
	}
	return &RingBuffer{data: make([]byte, size)}
}

// Write implements io.Writer. It never fails.
func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	r.written += int64(n)
	size := len(r.data)

	if n >= size {
		copy(r.data, p[n-size:])
		r.pos = 0
		r.full = true
		return n, nil
	}

	if r.pos+n >= size {
		r.full = true
	}
	k := copy(r.data[r.pos:], p)
	copy(r.data, p[k:])
	r.pos = (r.pos + n) % size
	return n, nil
}

// Bytes returns a copy of the retained bytes in write order.
func (r *RingBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]byte, r.pos)
		copy(out, r.data[:r.pos])
		return out
	}
	out := make([]byte, 0, len(r.data))
	out = append(out, r.data[r.pos:]...)
	return append(out, r.data[:r.pos]...)
}

// String returns the retained bytes as a string.
func (r *RingBuffer) String() string {
	return string(r.Bytes())
}

// Truncated reports whether more bytes were written than retained.
func (r *RingBuffer) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written > int64(len(r.data))
}
