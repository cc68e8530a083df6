package teec

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionInvokeCommandShortCircuitsWhenAlreadyDead(t *testing.T) {
	s := &Session{uuid: uuid.New()}
	s.dead.Store(true)

	err := s.InvokeCommand(1, &Operation{})

	tErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, TargetDead, tErr.Code)
}

func TestSessionCloseDoesNotTouchDriverWhileRefsRemain(t *testing.T) {
	ctx := newTestContext(t)
	s := &Session{ctx: ctx, uuid: uuid.New()}
	s.refcount.Store(2)
	s.handle = ctx.sessionRegistry.insert(s)

	require.NoError(t, s.Close())

	// Still referenced once: the registry entry must survive.
	_, ok := ctx.sessionRegistry.lookup(s.handle)
	assert.True(t, ok)
}

func TestSessionCloseRemovesFromRegistryOnLastRelease(t *testing.T) {
	ctx := newTestContext(t)
	s := &Session{ctx: ctx, uuid: uuid.New()}
	s.refcount.Store(1)
	s.handle = ctx.sessionRegistry.insert(s)

	// The underlying ioctl is unwired in this test binary, so the driver
	// call itself fails, but the registry entry must already be gone: a
	// session past its last release is never looked up again regardless of
	// whether the driver-side close succeeded.
	_ = s.Close()

	_, ok := ctx.sessionRegistry.lookup(s.handle)
	assert.False(t, ok)
}

func TestSessionInvokeCommandFailsWhenRegistryEntryAlreadyRemoved(t *testing.T) {
	ctx := newTestContext(t)
	s := &Session{ctx: ctx, uuid: uuid.New()}
	s.handle = ctx.sessionRegistry.insert(s)

	require.True(t, ctx.sessionRegistry.remove(s.handle))

	err := s.InvokeCommand(1, &Operation{})
	tErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, TargetDead, tErr.Code)
}

func TestSessionCloseDefersDriverCloseUntilInFlightLookupReleases(t *testing.T) {
	ctx := newTestContext(t)
	s := &Session{ctx: ctx, uuid: uuid.New()}
	s.refcount.Store(1)
	s.handle = ctx.sessionRegistry.insert(s)

	// Simulate an in-flight InvokeCommand holding the registry reference.
	_, release, ok := ctx.sessionRegistry.Lookup(s.handle)
	require.True(t, ok)

	closeDone := make(chan error, 1)
	go func() { closeDone <- s.Close() }()

	select {
	case <-closeDone:
		t.Fatal("Close returned while an invocation was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	_, stillLive := ctx.sessionRegistry.lookup(s.handle)
	assert.True(t, stillLive, "registry entry must survive while the invocation holds it")

	release()

	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the in-flight invocation released")
	}

	_, liveAfterClose := ctx.sessionRegistry.lookup(s.handle)
	assert.False(t, liveAfterClose)
}

func TestSessionDeadReflectsDeadFlag(t *testing.T) {
	s := &Session{uuid: uuid.New()}
	assert.False(t, s.Dead())

	s.dead.Store(true)
	assert.True(t, s.Dead())
}
