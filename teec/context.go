package teec

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/opentee/teec/internal/logger"
	"github.com/opentee/teec/internal/revert"
)

// Context is a CA's single, shared binding to the driver: one open fd, one
// shared-memory bitmap, one session registry. A process normally keeps
// exactly one live Context for its lifetime.
type Context struct {
	driver *Driver
	log    logger.Logger

	shmRegistry     *Registry[*SharedMemory]
	shmBitmap       shmBitmap
	sessionRegistry *Registry[*Session]

	mu       sync.Mutex
	refcount atomic.Int32
	closed   bool
}

// InitializeContext dials the authentication broker, obtains a driver fd
// over SCM_RIGHTS, and returns a ready Context. name is an opaque identity
// string used only for logging here; the broker derives the CA's real
// identity itself from SO_PEERCRED rather than trusting anything the client
// claims.
func InitializeContext(name string) (*Context, error) {
	rv := revert.New()
	defer rv.Fail()

	fd, err := DialBroker()
	if err != nil {
		return nil, fmt.Errorf("initialize context: %w", err)
	}

	driver := WrapFD(fd, ClientDevice)
	rv.Add(func() { _ = driver.Close() })

	ctx := &Context{
		driver:          driver,
		log:             logger.AddContext(logger.Ctx{"context": name}),
		shmRegistry:     NewRegistry[*SharedMemory](),
		sessionRegistry: NewRegistry[*Session](),
	}
	ctx.refcount.Store(1)

	rv.Success()
	ctx.log.Debug("context initialized")

	return ctx, nil
}

// FromFD adopts a driver fd already opened elsewhere (e.g. handed over by the
// broker across a Unix socket via SCM_RIGHTS) instead of opening the device
// directly.
func FromFD(fd int, name string) *Context {
	ctx := &Context{
		driver:          WrapFD(fd, ClientDevice),
		log:             logger.AddContext(logger.Ctx{"context": name}),
		shmRegistry:     NewRegistry[*SharedMemory](),
		sessionRegistry: NewRegistry[*Session](),
	}
	ctx.refcount.Store(1)

	return ctx
}

// driverFD exposes the bound driver fd for shared-memory mmap calls.
func (c *Context) driverFD() int {
	return c.driver.fd
}

// FinalizeContext releases every still-live session and shared-memory buffer
// (a CA that forgot to clean up should not leak driver-side state) and closes
// the device fd. Calling it twice is safe; the second call is a no-op.
func (c *Context) FinalizeContext() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.sessionRegistry.each(func(_ SessionHandle, s *Session) {
		_ = s.Close()
	})

	c.shmRegistry.each(func(_ SharedMemHandle, s *SharedMemory) {
		s.destroy()
	})

	_ = c.driver.Close()
	c.log.Debug("context finalized")
}

// SharedMemStats summarizes the shared-memory pool's current occupancy, for
// diagnostic dumps.
type SharedMemStats struct {
	LiveBuffers   int
	BitmapSlots   int
	BitmapInUse   int
	BitmapFreeMin int // bitmapBits - BitmapInUse, kept explicit for callers that don't want to redo the subtraction
}

// SharedMemoryStats reports the pool's current occupancy.
func (c *Context) SharedMemoryStats() SharedMemStats {
	inUse := c.shmBitmap.popcount()

	return SharedMemStats{
		LiveBuffers:   c.shmRegistry.len(),
		BitmapSlots:   bitmapBits,
		BitmapInUse:   inUse,
		BitmapFreeMin: bitmapBits - inUse,
	}
}
