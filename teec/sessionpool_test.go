package teec

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/semaphore"

	"github.com/opentee/teec/internal/logger"
)

func TestCreateSessionPoolRejectsCapacityBelowMin(t *testing.T) {
	_, err := CreateSessionPool(&Context{}, uuid.New(), LoginPublic, MinPoolSize-1)
	assertBadParameters(t, err)
}

func TestCreateSessionPoolRejectsCapacityAboveMax(t *testing.T) {
	_, err := CreateSessionPool(&Context{}, uuid.New(), LoginPublic, MaxPoolSize+1)
	assertBadParameters(t, err)
}

func assertBadParameters(t *testing.T, err error) {
	t.Helper()

	tErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *teec.Error, got %T (%v)", err, err)
	}

	assert.Equal(t, BadParameters, tErr.Code)
}

func newFakePool(t *testing.T, capacity int) *SessionPool {
	t.Helper()

	p := &SessionPool{
		capacity: capacity,
		slots:    make([]poolSlot, capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
		log:      logger.AddContext(logger.Ctx{"pool": "test"}),
	}

	for i := range p.slots {
		p.slots[i] = poolSlot{session: &Session{}}
	}

	p.opened = capacity

	return p
}

func TestSessionPoolQueryReportsInUseAndDead(t *testing.T) {
	p := newFakePool(t, 5)

	p.slots[1].inUse = true
	p.slots[2].dead = true

	stats := p.Query()
	assert.Equal(t, 5, stats.Capacity)
	assert.Equal(t, 5, stats.Opened)
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, 1, stats.Dead)
}

func TestSessionPoolDumpRendersFixedWidthRows(t *testing.T) {
	p := newFakePool(t, 40)

	p.slots[3].inUse = true
	p.slots[35].dead = true

	out := p.Dump()

	// Two 32-slots-per-line rows for a 40-slot pool.
	assert.Contains(t, out, "0-31")
	assert.Contains(t, out, "32-39")
}
