package socket

import "sync/atomic"

// Holder keeps the owner of a socket alive while asynchronous work on it is
// pending. It starts with one reference, held by the creator; onRelease
// runs when the last reference is released.
type Holder struct {
	refs      atomic.Int64
	onRelease func()
}

// NewHolder returns a holder with one reference.
func NewHolder(onRelease func()) *Holder {
	h := &Holder{onRelease: onRelease}
	h.refs.Store(1)
	return h
}

// Retain adds a reference.
func (h *Holder) Retain() {
	if h == nil {
		return
	}
	h.refs.Add(1)
}

// Release drops a reference.
func (h *Holder) Release() {
	if h == nil {
		return
	}
	switch n := h.refs.Add(-1); {
	case n == 0:
		if h.onRelease != nil {
			h.onRelease()
		}
	case n < 0:
		panic("socket: holder released more often than retained")
	}
}

// Refs returns the current reference count.
func (h *Holder) Refs() int64 {
	if h == nil {
		return 0
	}
	return h.refs.Load()
}
