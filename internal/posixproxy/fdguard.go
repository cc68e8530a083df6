package posixproxy

import (
	"sync"

	"golang.org/x/sys/unix"
)

// fdGuard tracks host-only file descriptors that must never be closable,
// dup'able, or dup2-targetable by TEE-issued requests: the preserved driver
// fd and a "pre-close" sentinel fd, per dispatch invariant 1.
type fdGuard struct {
	mu        sync.RWMutex
	protected map[int]bool
}

func newFDGuard(fds ...int) *fdGuard {
	g := &fdGuard{protected: make(map[int]bool, len(fds))}
	for _, fd := range fds {
		g.protected[fd] = true
	}

	return g
}

func (g *fdGuard) isProtected(fd int) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.protected[fd]
}

// errEPERM and errEBADF are the two responses dispatch invariant 1 allows
// for an operation attempted against a protected fd.
var (
	errEPERM = unix.EPERM
	errEBADF = unix.EBADF
)
