package acquire

import (
	"sync"

	"github.com/markuskreitzer/picodaq/internal/domain"
)

// ringBuffer is the bounded frame store behind a streaming session. The
// producer (driver batch callback) appends; the consumer drains. When free
// space runs out the oldest unread frames are dropped and the overflow
// counter advances; streaming hardware cannot be backpressured.
type ringBuffer struct {
	mu       sync.Mutex
	frames   []domain.Frame
	capacity int
	head     int // index of oldest unread frame
	count    int // unread frames
	nextSeq  uint64
	written  uint64
	overflow uint64
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{
		frames:   make([]domain.Frame, capacity),
		capacity: capacity,
		nextSeq:  1,
	}
}

// write appends values as one frame, dropping the oldest unread frame when
// the ring is full.
func (r *ringBuffer) write(values []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == r.capacity {
		r.head = (r.head + 1) % r.capacity
		r.count--
		r.overflow++
	}
	idx := (r.head + r.count) % r.capacity
	r.frames[idx] = domain.Frame{Seq: r.nextSeq, Values: values}
	r.nextSeq++
	r.count++
	r.written++
}

// drain removes and returns up to max of the oldest unread frames in
// sequence order. A nil result means nothing is buffered.
func (r *ringBuffer) drain(max int) []domain.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	if max <= 0 || max > r.count {
		max = r.count
	}
	out := make([]domain.Frame, max)
	for i := 0; i < max; i++ {
		out[i] = r.frames[(r.head+i)%r.capacity]
	}
	r.head = (r.head + max) % r.capacity
	r.count -= max
	return out
}

func (r *ringBuffer) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// stats returns total frames written and frames lost to overflow.
func (r *ringBuffer) stats() (written, overflow uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written, r.overflow
}
