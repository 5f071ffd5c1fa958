package delivery

import (
	"sync"
)

// UpdateRing is a fixed-size ring of recent delivery updates. A consumer
// attaching mid-turn replays the ring to rebuild indicator state that the
// live channel already dropped or delivered to nobody.
type UpdateRing struct {
	buf  []Update
	size int
	head int // write position
	tail int // read position
	full bool
	mu   sync.RWMutex
}

// NewUpdateRing creates a ring holding up to size updates. When full, the
// oldest update is overwritten.
func NewUpdateRing(size int) *UpdateRing {
	if size <= 0 {
		size = 64
	}
	return &UpdateRing{
		buf:  make([]Update, size),
		size: size,
	}
}

// Append records an update, overwriting the oldest when full.
func (r *UpdateRing) Append(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		r.tail = (r.tail + 1) % r.size
	}
	r.buf[r.head] = u
	r.head = (r.head + 1) % r.size
	if r.head == r.tail {
		r.full = true
	}
}

// Snapshot returns the retained updates oldest-first.
func (r *UpdateRing) Snapshot() []Update {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full && r.head == r.tail {
		return []Update{}
	}

	if r.full && r.head == r.tail {
		result := make([]Update, r.size)
		copy(result, r.buf[r.tail:])
		copy(result[r.size-r.tail:], r.buf[:r.head])
		return result
	}

	if r.head > r.tail {
		result := make([]Update, r.head-r.tail)
		copy(result, r.buf[r.tail:r.head])
		return result
	}

	size := (r.size - r.tail) + r.head
	result := make([]Update, size)
	copy(result, r.buf[r.tail:])
	copy(result[r.size-r.tail:], r.buf[:r.head])
	return result
}

// Len returns the number of retained updates.
func (r *UpdateRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full && r.head == r.tail {
		return 0
	}
	if r.full && r.head == r.tail {
		return r.size
	}
	if r.head > r.tail {
		return r.head - r.tail
	}
	return (r.size - r.tail) + r.head
}

// Reset clears the ring.
func (r *UpdateRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.head = 0
	r.tail = 0
	r.full = false
}

// Capacity returns the maximum number of retained updates.
func (r *UpdateRing) Capacity() int {
	return r.size
}
