// Package active holds the currently active in-memory artifact for a
// class (ruleset, scoring model) and hot-swaps it without disturbing
// in-flight consumers.
//
// A reader's Current() snapshot stays valid for as long as the reader
// keeps the reference; the garbage collector reclaims the old value once
// the last such reference is dropped. Readers never observe a torn value:
// the swap is a single pointer exchange.
package active

import "sync/atomic"

// Holder is a process-wide slot for one artifact class.
type Holder[T any] struct {
	ptr atomic.Pointer[T]
}

// NewHolder returns an empty holder.
func NewHolder[T any]() *Holder[T] {
	return &Holder[T]{}
}

// Current returns the active snapshot, or nil when nothing is loaded.
func (h *Holder[T]) Current() *T {
	return h.ptr.Load()
}

// Swap installs v and returns the previous value. Passing nil clears the
// holder explicitly.
func (h *Holder[T]) Swap(v *T) *T {
	return h.ptr.Swap(v)
}

// CompareAndSwap installs next only if the holder still carries prev.
// Used by loaders that race against an operator-triggered reload.
func (h *Holder[T]) CompareAndSwap(prev, next *T) bool {
	return h.ptr.CompareAndSwap(prev, next)
}
