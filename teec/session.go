package teec

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opentee/teec/internal/logger"
	"github.com/opentee/teec/internal/revert"
)

// LoginType selects which identity the driver should record for a session,
// forwarded as the invoke struct's Login field. The broker's identity
// classifier is what actually decides which of these a given caller gets.
type LoginType uint32

const (
	LoginPublic LoginType = iota
	LoginUser
	LoginGroup
	LoginApplication
	LoginUserApplication
	LoginGroupApplication
)

// Session is a logical channel to one Trusted Application. It holds only its
// own identity plus a weak back-link to its Context: the Context, not the
// Session, owns the registry entry.
type Session struct {
	ctx      *Context
	handle   SessionHandle
	driverID uint32
	uuid     uuid.UUID
	login    LoginType

	refcount atomic.Int32
	dead     atomic.Bool

	log logger.Logger
}

// UUID returns the TA identifier this session was opened against.
func (s *Session) UUID() uuid.UUID { return s.uuid }

// Dead reports whether the target has been observed to have died (a
// TargetDead error on some prior invocation); a dead session must never be
// reused and callers pooling sessions should discard it instead of closing
// it normally into the pool.
func (s *Session) Dead() bool { return s.dead.Load() }

// OpenSession opens a channel to the TA identified by id, using connData as
// the operation's parameters (commonly empty) and login as the identity the
// driver should record.
func (c *Context) OpenSession(id uuid.UUID, login LoginType, connData *Operation) (*Session, error) {
	rv := revert.New()
	defer rv.Fail()

	if connData == nil {
		connData = &Operation{}
	}

	var rawUUID [16]byte
	copy(rawUUID[:], id[:])

	args, err := Encode(connData, rawUUID, 0, 0, uint32(login))
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	driverID, err := c.driver.InvokeOpenSession(args)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}
	rv.Add(func() { _ = c.driver.InvokeCloseSession(driverID) })

	s := &Session{
		ctx:      c,
		driverID: driverID,
		uuid:     id,
		login:    login,
		log:      logger.AddContext(logger.Ctx{"session": driverID, "uuid": id.String()}),
	}
	s.refcount.Store(1)

	s.handle = c.sessionRegistry.insert(s)

	rv.Success()
	s.log.Debug("session opened")

	return s, nil
}

// InvokeCommand sends commandID with op's parameters against this session.
// op.Started is set before the ioctl so RequestCancellation has a valid
// target for the duration of the call.
func (s *Session) InvokeCommand(commandID uint32, op *Operation) error {
	if s.dead.Load() {
		return NewError(TargetDead, fmt.Errorf("session %d: target already dead", s.driverID))
	}

	// Hold a registry reference for the duration of the call so Close
	// running concurrently on another goroutine cannot tear the session down
	// out from under an in-flight invocation; the session lifetime invariant
	// that no in-flight invocation survives Close depends on this.
	_, release, ok := s.ctx.sessionRegistry.Lookup(s.handle)
	if !ok {
		return NewError(TargetDead, fmt.Errorf("session %d: already closed", s.driverID))
	}
	defer release()

	var rawUUID [16]byte
	copy(rawUUID[:], s.uuid[:])

	args, err := Encode(op, rawUUID, s.driverID, commandID, uint32(s.login))
	if err != nil {
		return fmt.Errorf("invoke command %d: %w", commandID, err)
	}

	op.Started = true
	err = s.ctx.driver.InvokeSendCommand(args)
	op.Started = false

	if err != nil {
		if tErr, ok := err.(*Error); ok && tErr.Code == TargetDead {
			s.dead.Store(true)
		}

		return fmt.Errorf("invoke command %d on session %d: %w", commandID, s.driverID, err)
	}

	return nil
}

// RequestCancellation asks the driver to cancel whichever invocation is
// currently in flight on this session, if any. It is safe to call even if no
// invocation is running; the driver is expected to treat that as a no-op.
func (s *Session) RequestCancellation() error {
	if err := s.ctx.driver.InvokeCancelCommand(s.driverID); err != nil {
		return fmt.Errorf("cancel session %d: %w", s.driverID, err)
	}

	return nil
}

// acquire bumps the session's reference count for an in-flight invocation or
// a pool holding it warm.
func (s *Session) acquire() {
	s.refcount.Add(1)
}

// Close decrements the reference count; the session is only actually closed
// against the driver once both the CA has called Close and no invocation
// still holds a reference, matching the lifetime rule. The registry's own
// refcount (bumped by InvokeCommand's Lookup for the call's duration) gates
// the driver-level close itself: if an invocation is still in flight when
// Close is called, the driver close is deferred until that invocation's
// Lookup reference is released, so the session is never torn down out from
// under it.
func (s *Session) Close() error {
	if s.refcount.Add(-1) > 0 {
		return nil
	}

	closeErr := make(chan error, 1)

	if !s.ctx.sessionRegistry.removeNotify(s.handle, func() {
		closeErr <- s.ctx.driver.InvokeCloseSession(s.driverID)
	}) {
		// Already removed by a concurrent or prior Close; nothing to do.
		return nil
	}

	if err := <-closeErr; err != nil {
		return fmt.Errorf("close session %d: %w", s.driverID, err)
	}

	s.log.Debug("session closed")

	return nil
}
