// Package notify provides the listener registry used for supervisor, drive
// and per-device notifications.
package notify

import (
	"slices"
	"sync"
)

// Hub delivers values to its subscribers synchronously, in subscription
// order. Subscribing and cancelling are safe from any goroutine; Publish
// runs listeners on the caller's goroutine.
type Hub[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

// Subscribe registers fn and returns a function removing it.
func (h *Hub[T]) Subscribe(fn func(T)) (cancel func()) {
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[int]func(T))
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Publish calls every listener with v. A listener cancelled by an earlier
// one during the same Publish is skipped.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		h.mu.Lock()
		fn, ok := h.subs[id]
		h.mu.Unlock()
		if ok {
			fn(v)
		}
	}
}
