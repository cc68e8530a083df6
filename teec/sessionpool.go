package teec

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/semaphore"

	"github.com/opentee/teec/internal/logger"
)

// MinPoolSize and MaxPoolSize bound a SessionPool's declared capacity,
// matching the original implementation's TEEC_SESSION_POOL_MIN/MAX.
const (
	MinPoolSize = 5
	MaxPoolSize = 100
)

type poolSlot struct {
	session *Session
	dead    bool
	inUse   bool
}

// SessionPool is a warm cache of sessions against one (Context, UUID) pair.
// It exists so a CA that invokes a TA command frequently does not pay
// OpenSession's cost on every call.
type SessionPool struct {
	ctx      *Context
	uuid     uuid.UUID
	login    LoginType
	capacity int

	mu    sync.Mutex
	slots []poolSlot
	sem   *semaphore.Weighted
	opened int

	log logger.Logger
}

// PoolStats is the Query() snapshot.
type PoolStats struct {
	Capacity int
	Opened   int
	InUse    int
	Dead     int
}

// CreateSessionPool validates capacity, opens one session synchronously, and
// spawns a detached goroutine to open the remaining capacity-1 sessions in
// the background. The pool is usable (Invoke can block on the semaphore)
// before that goroutine finishes.
func CreateSessionPool(ctx *Context, id uuid.UUID, login LoginType, capacity int) (*SessionPool, error) {
	if capacity < MinPoolSize || capacity > MaxPoolSize {
		return nil, NewError(BadParameters, fmt.Errorf("session pool capacity %d outside [%d, %d]", capacity, MinPoolSize, MaxPoolSize))
	}

	p := &SessionPool{
		ctx:      ctx,
		uuid:     id,
		login:    login,
		capacity: capacity,
		slots:    make([]poolSlot, capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
		log:      logger.AddContext(logger.Ctx{"pool": id.String()}),
	}

	// The semaphore starts logically empty (value 0): acquire capacity
	// units up front so Invoke's Acquire blocks until sessions are
	// actually posted back by the Release calls below and in
	// fillRemaining.
	if !p.sem.TryAcquire(int64(capacity)) {
		return nil, NewError(Generic, fmt.Errorf("session pool: semaphore setup failed"))
	}

	s, err := ctx.OpenSession(id, login, nil)
	if err != nil {
		return nil, fmt.Errorf("session pool create: %w", err)
	}

	p.mu.Lock()
	p.slots[0] = poolSlot{session: s}
	p.opened = 1
	p.mu.Unlock()
	p.sem.Release(1)

	go p.fillRemaining()

	return p, nil
}

func (p *SessionPool) fillRemaining() {
	for i := 1; i < p.capacity; i++ {
		s, err := p.ctx.OpenSession(p.uuid, p.login, nil)
		if err != nil {
			p.log.Warn("session pool background open failed", logger.Ctx{"slot": i, "err": err.Error()})
			continue
		}

		p.mu.Lock()
		p.slots[i] = poolSlot{session: s}
		p.opened++
		p.mu.Unlock()
		p.sem.Release(1)
	}

	p.log.Debug("session pool warm-up complete", logger.Ctx{"opened": p.opened})
}

// Invoke waits for an available session, runs commandID with op against it,
// and returns the slot to the pool unless the target reported itself dead.
func (p *SessionPool) Invoke(ctx context.Context, commandID uint32, op *Operation) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("session pool invoke: %w", err)
	}

	p.mu.Lock()
	slot := -1
	for i := range p.slots {
		if p.slots[i].session != nil && !p.slots[i].inUse && !p.slots[i].dead {
			slot = i
			break
		}
	}

	if slot < 0 {
		p.mu.Unlock()
		p.log.Error("session pool: semaphore granted but no free slot", logger.Ctx{"dump": p.dumpLocked()})
		return NewError(BadParameters, fmt.Errorf("session pool: no free slot despite semaphore grant"))
	}

	p.slots[slot].inUse = true
	session := p.slots[slot].session
	p.mu.Unlock()

	err := session.InvokeCommand(commandID, op)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.slots[slot].inUse = false

	if tErr, ok := err.(*Error); ok && tErr.Code == TargetDead {
		p.slots[slot].dead = true
		p.log.Warn("session pool: target dead, quarantining slot", logger.Ctx{"slot": slot, "dump": p.dumpLocked()})
		// Do not release the semaphore: a dead slot never becomes
		// available again.
		return err
	}

	p.sem.Release(1)

	return err
}

// Query returns a point-in-time snapshot of the pool's counters.
func (p *SessionPool) Query() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{Capacity: p.capacity, Opened: p.opened}

	for i := range p.slots {
		if p.slots[i].session == nil {
			continue
		}
		if p.slots[i].dead {
			stats.Dead++
			continue
		}
		if p.slots[i].inUse {
			stats.InUse++
		}
	}

	return stats
}

// Destroy closes every session opened so far. It does not wait for in-flight
// invocations; callers must quiesce the pool first.
func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		if p.slots[i].session != nil {
			_ = p.slots[i].session.Close()
			p.slots[i].session = nil
		}
	}

	p.log.Debug("session pool destroyed")
}

// Dump renders the usage bitmap and dead-flag array as fixed-width text, 32
// slots per line, via tablewriter.
func (p *SessionPool) Dump() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.dumpLocked()
}

func (p *SessionPool) dumpLocked() string {
	var buf strings.Builder
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"slot range", "in_use", "dead"})

	const perLine = 32
	for start := 0; start < len(p.slots); start += perLine {
		end := start + perLine
		if end > len(p.slots) {
			end = len(p.slots)
		}

		var inUse, dead strings.Builder
		for i := start; i < end; i++ {
			if p.slots[i].inUse {
				inUse.WriteByte('1')
			} else {
				inUse.WriteByte('0')
			}
			if p.slots[i].dead {
				dead.WriteByte('1')
			} else {
				dead.WriteByte('0')
			}
		}

		table.Append([]string{fmt.Sprintf("%d-%d", start, end-1), inUse.String(), dead.String()})
	}

	table.Render()

	return buf.String()
}
