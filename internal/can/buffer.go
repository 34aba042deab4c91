package can

import "sync"

// DefaultBufferSize is the number of frames kept when no size is configured.
const DefaultBufferSize = 2000

// FrameBuffer is a bounded FIFO of captured frames. When full, Push evicts
// the oldest frame so the producer never blocks.
type FrameBuffer struct {
	mu   sync.Mutex
	buf  []Frame
	head int // index of the oldest frame
	size int
}

func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &FrameBuffer{buf: make([]Frame, capacity)}
}

// Push appends f and reports whether an older frame was evicted to make room.
func (b *FrameBuffer) Push(f Frame) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == len(b.buf) {
		b.buf[b.head] = f
		b.head = (b.head + 1) % len(b.buf)
		return true
	}
	b.buf[(b.head+b.size)%len(b.buf)] = f
	b.size++
	return false
}

// Pop removes and returns the oldest frame.
func (b *FrameBuffer) Pop() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return Frame{}, false
	}
	f := b.buf[b.head]
	b.buf[b.head] = Frame{}
	b.head = (b.head + 1) % len(b.buf)
	b.size--
	return f, true
}

func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *FrameBuffer) Cap() int { return len(b.buf) }

// Clear drops every buffered frame.
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.buf {
		b.buf[i] = Frame{}
	}
	b.head, b.size = 0, 0
}
