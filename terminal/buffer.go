package terminal

import (
	"sync"
	"unicode/utf8"
)

// DefaultBufferBytes is the per-session output history kept for attach
const DefaultBufferBytes = 256 * 1024

// OutputBuffer is a fixed-capacity circular buffer of recent terminal output.
// Once full, each write evicts the oldest bytes. Storage is allocated on the
// first write so idle sessions cost nothing.
type OutputBuffer struct {
	mu            sync.Mutex
	data          []byte
	capacity      int
	writePosition int
	totalWritten  uint64
}

// NewOutputBuffer creates a buffer holding at most capacity bytes
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferBytes
	}
	return &OutputBuffer{capacity: capacity}
}

// Write appends data, evicting the oldest bytes when full
func (b *OutputBuffer) Write(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) == 0 {
		return
	}
	if b.data == nil {
		b.data = make([]byte, b.capacity)
	}
	// Only the tail of an oversized write can survive.
	if len(data) > b.capacity {
		b.totalWritten += uint64(len(data) - b.capacity)
		data = data[len(data)-b.capacity:]
	}

	for offset := 0; offset < len(data); {
		n := copy(b.data[b.writePosition:], data[offset:])
		b.writePosition = (b.writePosition + n) % b.capacity
		offset += n
	}
	b.totalWritten += uint64(len(data))
}

// Snapshot returns the buffered output in order. When older output has been
// evicted the result starts at the next UTF-8 rune boundary.
func (b *OutputBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := b.storedLocked()
	if stored == 0 {
		return nil
	}

	result := make([]byte, stored)
	start := (b.writePosition - stored + b.capacity) % b.capacity
	n := copy(result, b.data[start:])
	if n < stored {
		copy(result[n:], b.data[:stored-n])
	}

	if b.totalWritten > uint64(b.capacity) {
		skip := 0
		for skip < len(result) && skip < utf8.UTFMax && !utf8.RuneStart(result[skip]) {
			skip++
		}
		result = result[skip:]
	}
	return result
}

// Len returns the number of bytes currently held
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storedLocked()
}

// Total returns the number of bytes ever written
func (b *OutputBuffer) Total() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalWritten
}

func (b *OutputBuffer) storedLocked() int {
	if b.totalWritten < uint64(b.capacity) {
		return int(b.totalWritten)
	}
	return b.capacity
}

// splitIncompleteRune splits a trailing partial UTF-8 sequence off p so
// output events never carry half a character.
func splitIncompleteRune(p []byte) (complete, rest []byte) {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if !utf8.FullRune(p[i:]) {
				return p[:i], p[i:]
			}
			break
		}
	}
	return p, nil
}
