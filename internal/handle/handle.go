// Package handle implements a generation-counted table of opaque identifiers
// for live host-side objects. Handles replace raw references at API
// boundaries: using a handle after its object was removed reports an
// invalid-handle error instead of touching freed state, even when the slot
// has been reused for a new object.
package handle

import (
	"sync"

	"github.com/guestkit/guestkit/internal/model"
)

// Handle is an opaque identifier: slot index in the low 32 bits, slot
// generation in the high 32 bits. The zero Handle is never issued.
type Handle uint64

func (h Handle) index() uint32      { return uint32(h) }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

func makeHandle(index, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

type slot[T any] struct {
	generation uint32
	live       bool
	value      T
}

// Table is a concurrency-safe arena of handles. The zero value is ready to
// use.
type Table[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
}

// Insert stores v and returns its handle.
func (t *Table[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		s := &t.slots[idx]
		s.live = true
		s.value = v
		return makeHandle(idx, s.generation)
	}

	// Slot 0 is reserved so the zero Handle stays invalid.
	if len(t.slots) == 0 {
		t.slots = append(t.slots, slot[T]{})
	}
	idx := uint32(len(t.slots))
	t.slots = append(t.slots, slot[T]{generation: 1, live: true, value: v})
	return makeHandle(idx, 1)
}

// Get returns the value for h. A stale or unknown handle returns
// model.ErrInvalidHandle.
func (t *Table[T]) Get(h Handle) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero T
	idx := h.index()
	if idx == 0 || int(idx) >= len(t.slots) {
		return zero, model.ErrInvalidHandle
	}
	s := &t.slots[idx]
	if !s.live || s.generation != h.generation() {
		return zero, model.ErrInvalidHandle
	}
	return s.value, nil
}

// Remove deletes h and returns its value. The slot's generation is bumped so
// later reuse can never satisfy the old handle.
func (t *Table[T]) Remove(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	idx := h.index()
	if idx == 0 || int(idx) >= len(t.slots) {
		return zero, model.ErrInvalidHandle
	}
	s := &t.slots[idx]
	if !s.live || s.generation != h.generation() {
		return zero, model.ErrInvalidHandle
	}
	v := s.value
	s.live = false
	s.value = zero
	s.generation++
	t.free = append(t.free, idx)
	return v, nil
}

// Values returns a snapshot of every live value. Useful for bulk teardown.
func (t *Table[T]) Values() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]T, 0, len(t.slots))
	for i := range t.slots {
		if t.slots[i].live {
			out = append(out, t.slots[i].value)
		}
	}
	return out
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for i := range t.slots {
		if t.slots[i].live {
			n++
		}
	}
	return n
}
