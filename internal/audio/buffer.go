package audio

import (
	"sync"
)

// StreamBuffer accumulates 16-bit PCM samples for one session until the
// transcription step drains them. Append and DrainAll are safe against
// each other: a drain sees a consistent snapshot with no duplicated or
// lost samples relative to appends ordered around it.
type StreamBuffer struct {
	mu      sync.Mutex
	samples []int16
}

// NewStreamBuffer creates an empty stream buffer.
func NewStreamBuffer() *StreamBuffer {
	return &StreamBuffer{}
}

// Append adds samples to the buffer.
func (b *StreamBuffer) Append(samples []int16) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	b.samples = append(b.samples, samples...)
	b.mu.Unlock()
}

// DrainAll atomically returns the accumulated samples and clears the buffer.
// Draining an empty buffer returns nil.
func (b *StreamBuffer) DrainAll() []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.samples
	b.samples = nil
	return out
}

// Len returns the current buffered sample count.
func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}
