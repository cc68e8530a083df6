package teec

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SharedMemFlags describes the direction(s) a SharedMemory buffer may be
// used for in subsequent invocations.
type SharedMemFlags uint8

const (
	SharedMemInput SharedMemFlags = 1 << iota
	SharedMemOutput
	SharedMemInOut = SharedMemInput | SharedMemOutput
	// SharedMemSharedInOut selects a plain heap buffer instead of an
	// mmap'd one, for data that must not be mapped into the driver.
	SharedMemSharedInOut SharedMemFlags = 1 << iota
)

var pageSize = uint64(unix.Getpagesize())

// SharedMemory is a byte buffer registered or allocated through a Context for
// use in subsequent invocations.
type SharedMemory struct {
	ctx       *Context
	handle    SharedMemHandle
	refcount  atomic.Int32
	mu        sync.Mutex
	buf       []byte
	size      uint64
	Flags     SharedMemFlags
	allocated bool
	slot      int // bitmap slot index, meaningful iff allocated && !SharedInOut
	released  bool
}

// Size returns the buffer's length.
func (s *SharedMemory) Size() uint64 { return s.size }

// Bytes exposes the underlying buffer. Callers must not retain it past
// Release.
func (s *SharedMemory) Bytes() []byte { return s.buf }

// shmBitmap is a fixed-width (>=64 bit) allocation bitmap guarded by its own
// mutex, kept separate from the shared-mem list mutex so allocation paths
// never block on list iteration (and vice versa), per the concurrency model.
type shmBitmap struct {
	mu   sync.Mutex
	bits uint64
}

const bitmapBits = 64

// allocate finds the first zero bit, sets it, and returns its index. Returns
// (-1, false) if the bitmap is full.
func (b *shmBitmap) allocate() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < bitmapBits; i++ {
		if b.bits&(1<<uint(i)) == 0 {
			b.bits |= 1 << uint(i)
			return i, true
		}
	}

	return -1, false
}

func (b *shmBitmap) release(slot int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bits &^= 1 << uint(slot)
}

// isSet reports whether a bit is currently allocated; used by the round-trip
// invariant checks in tests.
func (b *shmBitmap) isSet(slot int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bits&(1<<uint(slot)) != 0
}

// popcount reports the number of set bits, i.e. live allocations.
func (b *shmBitmap) popcount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for i := 0; i < bitmapBits; i++ {
		if b.bits&(1<<uint(i)) != 0 {
			n++
		}
	}

	return n
}

// AllocateSharedMemory finds a free bitmap slot, mmaps it against the
// context's driver fd (or, for SharedMemSharedInOut, allocates a plain heap
// buffer), and registers the result in the context's shared-mem list.
func (c *Context) AllocateSharedMemory(size uint64, flags SharedMemFlags) (*SharedMemory, error) {
	shm := &SharedMemory{
		ctx:       c,
		size:      size,
		Flags:     flags,
		allocated: true,
	}
	shm.refcount.Store(1)

	if flags == SharedMemSharedInOut {
		if size > 0 {
			shm.buf = make([]byte, size)
		}
	} else {
		slot, ok := c.shmBitmap.allocate()
		if !ok {
			return nil, NewError(OutOfMemory, fmt.Errorf("shared-memory bitmap exhausted (max %d slots)", bitmapBits))
		}

		shm.slot = slot

		if size > 0 {
			buf, err := unix.Mmap(c.driverFD(), int64(uint64(slot)*pageSize), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
			if err != nil {
				c.shmBitmap.release(slot)
				return nil, NewError(OutOfMemory, fmt.Errorf("mmap shared memory: %w", err))
			}

			shm.buf = buf
		}
	}

	handle := c.shmRegistry.insert(shm)
	shm.handle = handle

	return shm, nil
}

// RegisterSharedMemory wraps a caller-supplied buffer (allocated=false) for
// use in subsequent invocations; ownership stays with the caller.
func (c *Context) RegisterSharedMemory(buf []byte, flags SharedMemFlags) (*SharedMemory, error) {
	shm := &SharedMemory{
		ctx:   c,
		buf:   buf,
		size:  uint64(len(buf)),
		Flags: flags,
	}
	shm.refcount.Store(1)

	handle := c.shmRegistry.insert(shm)
	shm.handle = handle

	return shm, nil
}

// Release decrements the buffer's refcount; at zero it munmaps (or frees,
// for SharedMemSharedInOut) the buffer and clears its bitmap bit.
func (s *SharedMemory) Release() {
	if s.refcount.Add(-1) > 0 {
		return
	}

	s.destroy()
}

// acquire increments the refcount for a holder (e.g. a partial memref
// parameter referencing this buffer in an in-flight invocation).
func (s *SharedMemory) acquire() {
	s.refcount.Add(1)
}

func (s *SharedMemory) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}

	s.released = true
	s.ctx.shmRegistry.remove(s.handle)

	if !s.allocated {
		// Caller-registered: we never owned the buffer.
		return
	}

	if s.Flags == SharedMemSharedInOut {
		s.buf = nil
		return
	}

	if len(s.buf) > 0 {
		_ = unix.Munmap(s.buf)
	}

	s.ctx.shmBitmap.release(s.slot)
	s.buf = nil
}

func uintptrOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&buf[0]))
}
