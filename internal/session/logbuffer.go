package session

import "sync"

// DefaultLogCapacity is the number of log lines kept for display.
const DefaultLogCapacity = 500

// LogBuffer is a fixed-size ring of log lines. When full, the oldest line is
// overwritten so a long build cannot grow memory without bound.
type LogBuffer struct {
	lines []string
	size  int
	head  int // next write position
	full  bool
	mu    sync.RWMutex
}

// NewLogBuffer creates a buffer holding at most size lines.
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = DefaultLogCapacity
	}
	return &LogBuffer{
		lines: make([]string, size),
		size:  size,
	}
}

// Add appends a line, dropping the oldest one when full.
func (b *LogBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines[b.head] = line
	b.head = (b.head + 1) % b.size
	if b.head == 0 {
		b.full = true
	}
}

// Lines returns the buffered lines oldest first.
func (b *LogBuffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		out := make([]string, b.head)
		copy(out, b.lines[:b.head])
		return out
	}
	// Wrap-around: head -> end + start -> head
	out := make([]string, 0, b.size)
	out = append(out, b.lines[b.head:]...)
	return append(out, b.lines[:b.head]...)
}

// Len returns the number of buffered lines.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return b.size
	}
	return b.head
}

// Reset clears the buffer.
func (b *LogBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.full = false
	for i := range b.lines {
		b.lines[i] = ""
	}
}
