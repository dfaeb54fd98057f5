package turn

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrStopRequested is the cancellation cause recorded when the user stops a turn.
var ErrStopRequested = errors.New("stop requested")

// errTurnReleased is the cause used to free the context once a turn is over.
var errTurnReleased = errors.New("turn released")

// Canceller is a single-use stop trigger for one turn. Its context is handed
// to the HTTP request and the stream decoder, so firing it both aborts the
// transfer and ends the fragment sequence.
type Canceller struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	requested bool
	released  bool
}

// NewCanceller derives a trigger from parent. Cancelling parent (connection
// closed, shutdown) is observed as a stop too.
func NewCanceller(parent context.Context) *Canceller {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Canceller{ctx: ctx, cancel: cancel}
}

// Cancel fires the trigger. Repeated calls are no-ops and the signal never
// resets.
func (c *Canceller) Cancel() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requested || c.released {
		return
	}
	c.requested = true
	c.cancel(ErrStopRequested)
}

func (c *Canceller) Context() context.Context {
	return c.ctx
}

// Fired reports whether the turn was stopped, by Cancel or by its parent.
func (c *Canceller) Fired() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requested {
		return true
	}
	return !c.released && c.ctx.Err() != nil
}

// Cause returns why the turn was stopped, or nil.
func (c *Canceller) Cause() error {
	if !c.Fired() {
		return nil
	}
	return context.Cause(c.ctx)
}

// release frees the context after the turn reached a terminal state. Later
// Cancel calls do nothing.
func (c *Canceller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	if !c.requested && c.ctx.Err() == nil {
		c.released = true
	}
	c.cancel(errTurnReleased)
}
