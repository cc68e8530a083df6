package agent

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/opentee/teec/internal/logger"
	"github.com/opentee/teec/teec"
)

// Dispatch handles one request already sitting in an agent's shared control
// buffer, producing the bytes to publish back before SEND_EVENT_RESPONSE.
type Dispatch func(control []byte) []byte

// Channel owns one registered agent id: it registers with a driver already
// open on the private device to get a shared control buffer, and runs a
// wait/dispatch/respond loop until its context is cancelled.
type Channel struct {
	name   string
	id     uint32
	driver *teec.Driver
	buf    []byte
	handle Dispatch
	log    logger.Logger
}

// Open registers agent id against driver, which must already be bound to the
// private device (agents never go through the broker, per spec.md §4.G).
func Open(driver *teec.Driver, name string, id uint32, bufSize int, handle Dispatch) (*Channel, error) {
	buf := make([]byte, bufSize)

	if err := driver.RegisterAgent(id, buf); err != nil {
		return nil, fmt.Errorf("agent %s: register: %w", name, err)
	}

	return &Channel{
		name:   name,
		id:     id,
		driver: driver,
		buf:    buf,
		handle: handle,
		log:    logger.AddContext(logger.Ctx{"agent": name, "id": id}),
	}, nil
}

// Run blocks servicing requests until ctx is cancelled, observed at every
// WAIT_EVENT suspension point as spec.md §9 requires of background workers.
func (c *Channel) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return c.close()
		}

		if err := c.driver.WaitEvent(c.id); err != nil {
			c.log.Error("wait event failed", logger.Ctx{"error": err.Error()})
			return c.close()
		}

		if ctx.Err() != nil {
			return c.close()
		}

		reply := c.handle(c.buf)
		copy(c.buf, reply)

		if err := c.driver.SendEventResponse(c.id); err != nil {
			c.log.Error("send event response failed", logger.Ctx{"error": err.Error()})
			return c.close()
		}
	}
}

func (c *Channel) close() error {
	return c.driver.UnregisterAgent(c.id)
}

// Group supervises a set of Channels as an errgroup, giving the agent
// framework clean shutdown and error propagation instead of fire-and-forget
// goroutines.
type Group struct {
	eg  *errgroup.Group
	ctx context.Context
}

// NewGroup derives a cancellable context for every Channel's Run loop from
// parent.
func NewGroup(parent context.Context) (*Group, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	eg, gctx := errgroup.WithContext(ctx)

	return &Group{eg: eg, ctx: gctx}, cancel
}

// Spawn runs ch.Run under the group's supervision.
func (g *Group) Spawn(ch *Channel) {
	g.eg.Go(func() error {
		return ch.Run(g.ctx)
	})
}

// Wait blocks until every spawned channel has returned.
func (g *Group) Wait() error {
	return g.eg.Wait()
}
