// Package pkgstore stages large payloads (sendto/recvfrom/pkg_send/pkg_recv)
// that don't fit a single tasklet entry, keyed by (fd, tee-index), with
// reference counting and a background sweeper that reclaims anything the TEE
// side never released.
package pkgstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/opentee/teec/internal/logger"
)

const giB = 1 << 30

// sweepInterval is how often the background sweeper runs.
const sweepInterval = 10 * time.Second

// pkgTimeout returns how long a pkg of length n may live before the sweeper
// reclaims it: ceil(len / 1GiB) * 10s.
func pkgTimeout(n int) time.Duration {
	blocks := (n + giB - 1) / giB
	if blocks < 1 {
		blocks = 1
	}

	return time.Duration(blocks) * sweepInterval
}

type key struct {
	fd       int32
	teeIndex uint64
}

type pkg struct {
	buf      []byte
	refcount int
	created  time.Time
}

// Store holds in-flight large payloads. now is injected so tests can drive
// the sweeper deterministically instead of depending on wall-clock time.
type Store struct {
	mu   sync.Mutex
	pkgs map[key]*pkg
	now  func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	log      logger.Logger
}

// New returns an empty Store using time.Now for age calculations.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock returns an empty Store using the given clock, for tests.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		pkgs:   make(map[key]*pkg),
		now:    now,
		stopCh: make(chan struct{}),
		log:    logger.AddContext(logger.Ctx{"component": "pkgstore"}),
	}
}

// Put inserts a new pkg with refcount 1. Fails if (fd, teeIndex) already
// exists.
func (s *Store) Put(fd int32, teeIndex uint64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{fd: fd, teeIndex: teeIndex}
	if _, exists := s.pkgs[k]; exists {
		return fmt.Errorf("pkgstore: pkg (fd=%d, index=%d) already exists", fd, teeIndex)
	}

	s.pkgs[k] = &pkg{buf: buf, refcount: 1, created: s.now()}

	return nil
}

// PkgHandle is an opaque reference returned by Get; Release must be called
// exactly once per handle to balance its refcount contribution.
type PkgHandle struct {
	key key
	buf []byte
}

// Bytes returns the staged payload.
func (h PkgHandle) Bytes() []byte { return h.buf }

// Get looks up (fd, teeIndex), incrementing its refcount. Callers that both
// look up and later signal completion must call Release twice in total (the
// original acquisition plus the completion signal), per the staging
// contract.
func (s *Store) Get(fd int32, teeIndex uint64) (PkgHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{fd: fd, teeIndex: teeIndex}

	p, ok := s.pkgs[k]
	if !ok {
		return PkgHandle{}, fmt.Errorf("pkgstore: pkg (fd=%d, index=%d) not found", fd, teeIndex)
	}

	p.refcount++

	return PkgHandle{key: k, buf: p.buf}, nil
}

// Release decrements the pkg's refcount; at zero it is unlinked and its
// buffer freed.
func (s *Store) Release(h PkgHandle) {
	s.releaseKey(h.key)
}

// ReleaseByIndex decrements the refcount of the pkg identified by
// (fd, teeIndex) directly, for callers that never held a PkgHandle.
func (s *Store) ReleaseByIndex(fd int32, teeIndex uint64) {
	s.releaseKey(key{fd: fd, teeIndex: teeIndex})
}

func (s *Store) releaseKey(k key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pkgs[k]
	if !ok {
		return
	}

	p.refcount--
	if p.refcount <= 0 {
		delete(s.pkgs, k)
	}
}

// Sweep drops every pkg whose age exceeds its size-derived timeout,
// regardless of refcount, guarding against TEE-side leaks. It is safe to
// call directly (as the sweeper goroutine does on a timer, and as tests do
// with an injected clock).
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	dropped := 0

	for k, p := range s.pkgs {
		if now.Sub(p.created) > pkgTimeout(len(p.buf)) {
			delete(s.pkgs, k)
			dropped++
		}
	}

	if dropped > 0 {
		s.log.Debug("pkgstore sweep reclaimed entries", logger.Ctx{"count": dropped})
	}

	return dropped
}

// StartSweeper runs Sweep every sweepInterval until Stop is called.
func (s *Store) StartSweeper() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the background sweeper goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
