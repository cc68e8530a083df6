// Package revert provides a small helper for unwinding partially completed
// multi-step operations (opening a session, mmap'ing a shared-memory slot,
// registering an agent channel) on the error path, without hand-written
// cascades of conditional cleanup. Usage:
//
//	reverter := revert.New()
//	defer reverter.Fail()
//
//	... step 1 ...
//	reverter.Add(func() { undo step 1 })
//
//	... step 2 ...
//	reverter.Add(func() { undo step 2 })
//
//	reverter.Success()
package revert

// Hook is a single cleanup action.
type Hook func()

// Reverter accumulates cleanup hooks in the order they should run (LIFO) and
// either runs them (Fail) or discards them (Success).
type Reverter struct {
	hooks    []Hook
	succeeded bool
}

// New returns an empty Reverter.
func New() *Reverter {
	return &Reverter{}
}

// Add appends a cleanup hook. Hooks run in reverse order of addition.
func (r *Reverter) Add(hook Hook) {
	r.hooks = append(r.hooks, hook)
}

// Fail runs every accumulated hook in reverse order, unless Success was
// already called. Safe to call unconditionally via defer.
func (r *Reverter) Fail() {
	if r.succeeded {
		return
	}

	for i := len(r.hooks) - 1; i >= 0; i-- {
		r.hooks[i]()
	}

	r.hooks = nil
}

// Success marks the operation as completed; the subsequent Fail() (normally
// deferred) becomes a no-op.
func (r *Reverter) Success() {
	r.succeeded = true
}

// Clone returns a new Reverter with the same accumulated hooks, useful when a
// constructor wants to hand ownership of partial cleanup to its caller.
func (r *Reverter) Clone() *Reverter {
	clone := &Reverter{hooks: make([]Hook, len(r.hooks))}
	copy(clone.hooks, r.hooks)
	return clone
}
