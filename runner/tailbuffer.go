package runner

import (
	"sync"
)

const defaultRawTailBytes = 5 * 1024 * 1024 // 5MB of raw output kept per bundle

// tailBuffer keeps the most recent bytes written to it so a representative
// snippet of a bundle's raw output can be attached without retaining the
// whole stream in memory
type tailBuffer struct {
	maxBytes int

	mu        sync.Mutex
	data      []byte
	truncated bool
}

func newTailBuffer(maxBytes int) *tailBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultRawTailBytes
	}
	return &tailBuffer{maxBytes: maxBytes}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if len(b.data) > b.maxBytes {
		b.data = b.data[len(b.data)-b.maxBytes:]
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Truncated reports whether writes exceeded the retained window
func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
