package logging

import (
	"os"
	"sync"
)

// CrashBuffer is a thread-safe circular byte buffer holding the most recent
// log output. It implements io.Writer and overwrites the oldest data when
// full, so a post-mortem dump always shows the last few MB of activity.
type CrashBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int // index of the oldest byte, meaningful only when count == len(buf)
	count int // bytes currently held
}

// NewCrashBuffer creates a crash buffer with the given capacity in bytes.
func NewCrashBuffer(size int) *CrashBuffer {
	if size <= 0 {
		size = 4 * 1024 * 1024
	}
	return &CrashBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. Never fails; wraps when the buffer is full.
func (cb *CrashBuffer) Write(p []byte) (int, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := len(p)
	size := len(cb.buf)

	if n >= size {
		copy(cb.buf, p[n-size:])
		cb.start = 0
		cb.count = size
		return n, nil
	}

	writePos := (cb.start + cb.count) % size
	tail := size - writePos
	if n <= tail {
		copy(cb.buf[writePos:], p)
	} else {
		copy(cb.buf[writePos:], p[:tail])
		copy(cb.buf, p[tail:])
	}

	cb.count += n
	if cb.count > size {
		cb.start = (cb.start + cb.count - size) % size
		cb.count = size
	}
	return n, nil
}

// Bytes returns the buffered contents in chronological order.
func (cb *CrashBuffer) Bytes() []byte {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	size := len(cb.buf)
	out := make([]byte, cb.count)
	for i := 0; i < cb.count; i++ {
		out[i] = cb.buf[(cb.start+i)%size]
	}
	return out
}

// DumpToFile writes the buffered contents to a file.
func (cb *CrashBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, cb.Bytes(), 0o644)
}
