package teec

import "sync"

// generation-tagged handles replace the original implementation's raw,
// cyclic pointer graph (Context <-> Session <-> SharedMemory) with opaque
// {index, generation} tokens. A stale handle (its slot reused after the
// referent was released) is detected instead of dereferenced.

// Handle identifies a live entry of type T in a Registry[T].
type Handle[T any] struct {
	index      int
	generation uint32
}

// Valid reports whether the handle was ever issued (the zero handle, as in
// an uninitialized Param.Parent reference, is never valid).
func (h Handle[T]) Valid() bool { return h.generation != 0 }

// ContextHandle identifies a live Context.
type ContextHandle = Handle[*Context]

// SessionHandle identifies a live Session within a Context.
type SessionHandle = Handle[*Session]

// SharedMemHandle identifies a live SharedMemory within a Context.
type SharedMemHandle = Handle[*SharedMemory]

type slot[T any] struct {
	generation uint32
	value      T
	live       bool
	refcount   int32  // outstanding Lookup holders, guarded by Registry.mu
	closing    bool   // remove was called; finalize once refcount drops to 0
	onIdle     func() // run once, when closing transitions from busy to idle
}

// Registry is an arena of generation-tagged slots. Freed slots are reused,
// so the arena never grows unboundedly under steady-state churn, while a
// handle minted before a slot's reuse is rejected by lookup rather than
// silently resolving to the new occupant.
type Registry[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []int
}

// NewRegistry returns an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

// insert places value in a free slot (reusing one if available) and returns
// its handle.
func (r *Registry[T]) insert(value T) Handle[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]

		s := &r.slots[idx]
		s.value = value
		s.live = true

		return Handle[T]{index: idx, generation: s.generation}
	}

	idx := len(r.slots)
	r.slots = append(r.slots, slot[T]{generation: 1, value: value, live: true})

	return Handle[T]{index: idx, generation: 1}
}

// lookup resolves a handle to its value without touching its refcount. ok is
// false for a stale or never-issued handle. Used by diagnostics and tests
// that only need a liveness check, not an acquire/release pair.
func (r *Registry[T]) lookup(h Handle[T]) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T

	if h.index < 0 || h.index >= len(r.slots) {
		return zero, false
	}

	s := &r.slots[h.index]
	if !s.live || s.generation != h.generation {
		return zero, false
	}

	return s.value, true
}

// Lookup resolves handle to its value and increments the slot's refcount for
// the duration of the caller's use, returning a release closure the caller
// must call exactly once when done (an in-flight invocation, e.g.). A slot
// already marked for removal by remove rejects new lookups, so once teardown
// has begun no new holder can start. ok is false for a stale, never-issued,
// or already-closing handle.
func (r *Registry[T]) Lookup(h Handle[T]) (value T, release func(), ok bool) {
	r.mu.Lock()

	if h.index < 0 || h.index >= len(r.slots) {
		r.mu.Unlock()
		var zero T
		return zero, nil, false
	}

	s := &r.slots[h.index]
	if !s.live || s.generation != h.generation || s.closing {
		r.mu.Unlock()
		var zero T
		return zero, nil, false
	}

	s.refcount++
	value = s.value
	r.mu.Unlock()

	var once sync.Once

	return value, func() {
		once.Do(func() { r.releaseHandle(h) })
	}, true
}

// releaseHandle drops one reference acquired by Lookup. If the slot was
// already marked closing and this was the last outstanding reference, the
// slot is finalized here, under the registry's own mutex, never inside the
// lookup path itself.
func (r *Registry[T]) releaseHandle(h Handle[T]) {
	r.mu.Lock()

	if h.index < 0 || h.index >= len(r.slots) {
		r.mu.Unlock()
		return
	}

	s := &r.slots[h.index]
	if s.generation != h.generation {
		r.mu.Unlock()
		return
	}

	if s.refcount > 0 {
		s.refcount--
	}

	if !s.closing || s.refcount != 0 {
		r.mu.Unlock()
		return
	}

	cb := s.onIdle
	r.finalize(h.index)
	r.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// remove marks the slot for removal, so Lookup rejects it from then on; the
// generation is bumped when the slot is finalized, after which every handle
// referencing it is rejected by lookup as well. If a Lookup-issued
// reference is still outstanding, the slot's value is kept alive (accessible
// only to holders that already acquired it) until the last release finalizes
// it; destruction never happens inline within a concurrent Lookup call. ok is
// false if the handle was already stale or already removed.
func (r *Registry[T]) remove(h Handle[T]) bool {
	return r.removeNotify(h, nil)
}

// removeNotify is remove, plus an onIdle callback run exactly once, as soon
// as the slot has no outstanding Lookup holders left: synchronously here if
// it is already idle, or from the tail of the last releaseHandle call
// otherwise. Used by Session.Close so the driver-level close call itself
// waits out any in-flight InvokeCommand instead of racing it.
func (r *Registry[T]) removeNotify(h Handle[T], onIdle func()) bool {
	r.mu.Lock()

	if h.index < 0 || h.index >= len(r.slots) {
		r.mu.Unlock()
		return false
	}

	s := &r.slots[h.index]
	if !s.live || s.generation != h.generation || s.closing {
		r.mu.Unlock()
		return false
	}

	s.closing = true

	if s.refcount == 0 {
		r.finalize(h.index)
		r.mu.Unlock()

		if onIdle != nil {
			onIdle()
		}

		return true
	}

	s.onIdle = onIdle
	r.mu.Unlock()

	return true
}

// finalize clears a closing, idle slot and returns its index to the free
// list. Callers must hold r.mu.
func (r *Registry[T]) finalize(idx int) {
	s := &r.slots[idx]

	var zero T
	s.value = zero
	s.live = false
	s.closing = false
	s.refcount = 0
	s.onIdle = nil
	s.generation++
	r.free = append(r.free, idx)
}

// len reports the number of currently live entries, used by diagnostics
// (SharedMemoryStats, pool Dump).
func (r *Registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for i := range r.slots {
		if r.slots[i].live {
			n++
		}
	}

	return n
}

// each calls fn for every entry that was live at the moment of the call. The
// live set is snapshotted under the lock and fn runs after it is released, so
// fn is free to call back into the Registry (e.g. Session.Close, which
// removes its own entry) without deadlocking.
func (r *Registry[T]) each(fn func(h Handle[T], value T)) {
	r.mu.Lock()

	type liveEntry struct {
		h Handle[T]
		v T
	}

	live := make([]liveEntry, 0, len(r.slots))

	for i := range r.slots {
		if r.slots[i].live {
			live = append(live, liveEntry{h: Handle[T]{index: i, generation: r.slots[i].generation}, v: r.slots[i].value})
		}
	}

	r.mu.Unlock()

	for _, e := range live {
		fn(e.h, e.v)
	}
}
