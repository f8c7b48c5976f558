package hipaa

import "sync"

// DefaultRingCapacity bounds the in-memory audit ring.
const DefaultRingCapacity = 1000

// RingBuffer is a bounded, thread-safe buffer of audit entries. When full,
// the oldest entry is dropped to make room.
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []AuditLogEntry
	head     int // next write position
	tail     int // oldest entry
	count    int
	capacity int

	dropped int64
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &RingBuffer{
		entries:  make([]AuditLogEntry, capacity),
		capacity: capacity,
	}
}

// Enqueue adds an entry, dropping the oldest if necessary.
func (b *RingBuffer) Enqueue(e AuditLogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.capacity {
		b.tail = (b.tail + 1) % b.capacity
		b.count--
		b.dropped++
	}

	b.entries[b.head] = e
	b.head = (b.head + 1) % b.capacity
	b.count++
}

// Snapshot copies the held entries, oldest first.
func (b *RingBuffer) Snapshot() []AuditLogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]AuditLogEntry, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.entries[(b.tail+i)%b.capacity]
	}
	return out
}

// Len returns the current number of entries in the buffer.
func (b *RingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Dropped returns the total number of evicted entries.
func (b *RingBuffer) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
