// Package topk implements a min-heap of (priority, payload) entries used to keep
// the best K results of a streaming computation.
//
// The heap itself is unbounded; retention is the caller's policy. Insert then
// extract-min-and-discard while Len() exceeds the keep count to retain the K
// entries with the largest priority. Callers that want the K smallest values of
// a metric store the metric negated.
package topk

import "container/heap"

// Entry pairs a priority with an opaque payload. The heap never mutates the
// payload.
type Entry[T any] struct {
	Priority float64 `json:"priority"`
	Payload  T       `json:"payload"`
}

// Heap is a binary min-heap ordered by Entry.Priority. The zero value is ready
// to use. Not safe for concurrent use.
type Heap[T any] struct {
	entries entries[T]
}

// New returns a heap with capacity preallocated for keep+1 entries.
func New[T any](keep int) *Heap[T] {
	return &Heap[T]{entries: make(entries[T], 0, keep+1)}
}

// Len returns the number of held entries.
func (h *Heap[T]) Len() int { return len(h.entries) }

// Insert adds an entry in O(log n).
func (h *Heap[T]) Insert(priority float64, payload T) {
	heap.Push(&h.entries, Entry[T]{Priority: priority, Payload: payload})
}

// InsertBounded inserts an entry and then evicts minimum entries until at most
// keep remain. It returns the evicted entries, if any.
func (h *Heap[T]) InsertBounded(priority float64, payload T, keep int) []Entry[T] {
	h.Insert(priority, payload)
	var evicted []Entry[T]
	for h.Len() > keep {
		e, _ := h.ExtractMin()
		evicted = append(evicted, e)
	}
	return evicted
}

// Peek returns the minimum entry without removing it. ok is false when empty.
func (h *Heap[T]) Peek() (e Entry[T], ok bool) {
	if len(h.entries) == 0 {
		return e, false
	}
	return h.entries[0], true
}

// ExtractMin removes and returns the minimum entry. ok is false when the heap
// is empty.
func (h *Heap[T]) ExtractMin() (e Entry[T], ok bool) {
	if len(h.entries) == 0 {
		return e, false
	}
	return heap.Pop(&h.entries).(Entry[T]), true
}

// Entries returns a copy of the held entries in heap order.
func (h *Heap[T]) Entries() []Entry[T] {
	out := make([]Entry[T], len(h.entries))
	copy(out, h.entries)
	return out
}

// entries adapts a slice to container/heap.
type entries[T any] []Entry[T]

func (e entries[T]) Len() int           { return len(e) }
func (e entries[T]) Less(i, j int) bool { return e[i].Priority < e[j].Priority }
func (e entries[T]) Swap(i, j int)      { e[i], e[j] = e[j], e[i] }

func (e *entries[T]) Push(x any) { *e = append(*e, x.(Entry[T])) }

func (e *entries[T]) Pop() any {
	old := *e
	n := len(old)
	last := old[n-1]
	var zero Entry[T]
	old[n-1] = zero
	*e = old[:n-1]
	return last
}
