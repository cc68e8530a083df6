package teec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShmBitmapAllocateReleaseRoundTrip(t *testing.T) {
	var b shmBitmap

	slot, ok := b.allocate()
	require.True(t, ok)
	assert.Equal(t, 0, slot)
	assert.True(t, b.isSet(slot))
	assert.Equal(t, 1, b.popcount())

	b.release(slot)
	assert.False(t, b.isSet(slot))
	assert.Equal(t, 0, b.popcount())
}

func TestShmBitmapExhaustionReturnsFalseAfterAllBitsSet(t *testing.T) {
	var b shmBitmap

	for i := 0; i < bitmapBits; i++ {
		_, ok := b.allocate()
		require.True(t, ok)
	}

	_, ok := b.allocate()
	assert.False(t, ok)
	assert.Equal(t, bitmapBits, b.popcount())
}

func TestAllocateSharedMemorySharedInOutUsesHeapBuffer(t *testing.T) {
	ctx := newTestContext(t)

	shm, err := ctx.AllocateSharedMemory(32, SharedMemSharedInOut)
	require.NoError(t, err)

	assert.Len(t, shm.Bytes(), 32)
	assert.Equal(t, uint64(32), shm.Size())
	assert.Equal(t, 0, ctx.shmBitmap.popcount()) // the heap path never touches the bitmap

	_, ok := ctx.shmRegistry.lookup(shm.handle)
	assert.True(t, ok)

	shm.Release()

	_, ok = ctx.shmRegistry.lookup(shm.handle)
	assert.False(t, ok)
	assert.Nil(t, shm.Bytes())
}

func TestRegisterSharedMemoryWrapsCallerBufferWithoutOwningIt(t *testing.T) {
	ctx := newTestContext(t)

	buf := []byte("caller-owned")
	shm, err := ctx.RegisterSharedMemory(buf, SharedMemInput)
	require.NoError(t, err)

	assert.Equal(t, buf, shm.Bytes())

	shm.Release()

	_, ok := ctx.shmRegistry.lookup(shm.handle)
	assert.False(t, ok)
	// Caller-registered memory is never ours to free; the backing slice
	// must survive the release untouched.
	assert.Equal(t, "caller-owned", string(buf))
}

func TestSharedMemoryReleaseRespectsAcquiredRefcount(t *testing.T) {
	ctx := newTestContext(t)

	shm, err := ctx.AllocateSharedMemory(16, SharedMemSharedInOut)
	require.NoError(t, err)

	shm.acquire() // refcount now 2, as a partial-memref holder would do

	shm.Release()
	_, ok := ctx.shmRegistry.lookup(shm.handle)
	assert.True(t, ok, "buffer must survive while a second holder is outstanding")

	shm.Release()
	_, ok = ctx.shmRegistry.lookup(shm.handle)
	assert.False(t, ok)
}

func TestSharedMemoryDestroyIsIdempotent(t *testing.T) {
	ctx := newTestContext(t)

	shm, err := ctx.AllocateSharedMemory(8, SharedMemSharedInOut)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		shm.destroy()
		shm.destroy()
	})
}
