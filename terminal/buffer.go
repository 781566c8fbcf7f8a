package terminal

import "sync"

// DefaultOutputLimit bounds a terminal's retained output when the agent
// does not set one.
const DefaultOutputLimit = 1 << 20

// OutputBuffer keeps the newest bytes of a stream up to a fixed limit.
// Once the limit is exceeded the oldest bytes are dropped and Truncated
// reports true from then on. It implements io.Writer.
type OutputBuffer struct {
	mu        sync.Mutex
	limit     int
	data      []byte
	truncated bool
}

func NewOutputBuffer(limit int) *OutputBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &OutputBuffer{limit: limit}
}

func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if over := len(b.data) - b.limit; over > 0 {
		copy(b.data, b.data[over:])
		b.data = b.data[:b.limit]
		b.truncated = true
	}
	return len(p), nil
}

// String returns the retained output.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Truncated reports whether any bytes have been dropped.
func (b *OutputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
