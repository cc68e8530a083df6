package xtasklet

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opentee/teec/internal/logger"
)

// Handler processes one dequeued request and returns the bytes to enqueue as
// its response.
type Handler func(ctx context.Context, req []byte) []byte

// Tasklet owns a pair of rings (task and result) and a pool of worker
// goroutines that pull from the task ring, invoke Handler, and push onto the
// result ring, per the create(shm, shmSz, concurrency, handler, priv)
// contract.
type Tasklet struct {
	taskRing   *Ring
	resultRing *Ring
	handler    Handler

	group  *errgroup.Group
	cancel context.CancelFunc
	log    logger.Logger
}

// Create splits shm into a task half and a result half, each sized for
// entryCount entries, and starts concurrency worker goroutines.
func Create(shm []byte, entryCount, concurrency int, handler Handler) (*Tasklet, error) {
	half := len(shm) / 2

	taskRing, err := NewRing(shm[:half], entryCount)
	if err != nil {
		return nil, err
	}

	resultRing, err := NewRing(shm[half:], entryCount)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	t := &Tasklet{
		taskRing:   taskRing,
		resultRing: resultRing,
		handler:    handler,
		group:      group,
		cancel:     cancel,
		log:        logger.AddContext(logger.Ctx{"component": "xtasklet"}),
	}

	for i := 0; i < concurrency; i++ {
		workerID := i
		group.Go(func() error {
			return t.workerLoop(gctx, workerID)
		})
	}

	return t, nil
}

func (t *Tasklet) workerLoop(ctx context.Context, id int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		req, err := t.taskRing.Dequeue(100 * time.Millisecond)
		if err != nil {
			if err == ErrInterrupted {
				return nil
			}

			// Timeout: loop back around and check ctx.Done again.
			continue
		}

		resp := t.handler(ctx, req)

		if err := t.resultRing.Enqueue(resp, -1); err != nil {
			t.log.Warn("xtasklet worker: enqueue result failed", logger.Ctx{"worker": id, "err": err.Error()})
		}
	}
}

// Destroy interrupts both rings, signals workers to stop, and waits for the
// pool to drain.
func (t *Tasklet) Destroy() {
	t.taskRing.Interrupt()
	t.resultRing.Interrupt()
	t.cancel()
	_ = t.group.Wait()
}

// SubmitAndWait enqueues req on the task ring and blocks for its matching
// response on the result ring. Used by the control tasklet's synchronous
// create/destroy/reconfigure commands, where there is exactly one outstanding
// request at a time.
func (t *Tasklet) SubmitAndWait(req []byte, timeout time.Duration) ([]byte, error) {
	if err := t.taskRing.Enqueue(req, timeout); err != nil {
		return nil, err
	}

	return t.resultRing.Dequeue(timeout)
}
