// Package ringbuffer provides a fixed-capacity, timestamped FIFO log.
package ringbuffer

import (
	"fmt"
	"time"
)

// Entry is a value stamped with the time it was pushed.
type Entry[T any] struct {
	Timestamp time.Time
	Value     T
}

// TimestampedBuffer keeps the most recent Cap() entries. Pushing into a full
// buffer evicts the oldest entry. It is not safe for concurrent use.
type TimestampedBuffer[T any] struct {
	entries []Entry[T]
	head    int // index of the oldest entry
	size    int
	now     func() time.Time
}

// New creates a buffer holding up to capacity entries, stamped with time.Now.
func New[T any](capacity int) (*TimestampedBuffer[T], error) {
	return NewWithClock[T](capacity, time.Now)
}

// NewWithClock creates a buffer that stamps entries with the given clock.
func NewWithClock[T any](capacity int, now func() time.Time) (*TimestampedBuffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring buffer capacity must be positive, got %d", capacity)
	}
	if now == nil {
		now = time.Now
	}
	return &TimestampedBuffer[T]{
		entries: make([]Entry[T], capacity),
		now:     now,
	}, nil
}

// Push appends v, evicting the oldest entry when the buffer is full.
func (b *TimestampedBuffer[T]) Push(v T) {
	entry := Entry[T]{Timestamp: b.now(), Value: v}
	if b.size < len(b.entries) {
		b.entries[(b.head+b.size)%len(b.entries)] = entry
		b.size++
		return
	}
	b.entries[b.head] = entry
	b.head = (b.head + 1) % len(b.entries)
}

// Pull returns all entries oldest first and empties the buffer.
func (b *TimestampedBuffer[T]) Pull() []Entry[T] {
	out := make([]Entry[T], b.size)
	for i := 0; i < b.size; i++ {
		idx := (b.head + i) % len(b.entries)
		out[i] = b.entries[idx]
		b.entries[idx] = Entry[T]{}
	}
	b.head, b.size = 0, 0
	return out
}

// Len returns the number of buffered entries.
func (b *TimestampedBuffer[T]) Len() int {
	return b.size
}

// Cap returns the buffer capacity.
func (b *TimestampedBuffer[T]) Cap() int {
	return len(b.entries)
}
