package api

import "github.com/kolkov/taskgc/internal/rt/heap"

// Runtime errors are heap records: slot 0 holds the message string. A
// raised error lives in the context's error slot (a precise root) until
// handled; task completion moves it into the task handle's error slot so
// the waiter can re-raise it.

// Canonical runtime error messages.
const (
	ErrTaskCancelled = "task cancelled"
	ErrChanClosed    = "channel closed"
	ErrChanFull      = "channel full"
	ErrChanEmpty     = "channel empty"
)

// Raise raises a fresh error with the given message on the context.
func (rt *Runtime) Raise(ctx *Ctx, msg string) {
	s := rt.NewString(ctx, msg)
	ctx.PushAddr(s)
	e := rt.NewRecord(ctx, 1, 1)
	ctx.Pop()
	rt.heap.SetSlot(e, 0, uint64(s))
	ctx.err = e
}

// RaiseObject raises an existing error object on the context.
func (rt *Runtime) RaiseObject(ctx *Ctx, e heap.Addr) {
	ctx.err = e
}

// HasError reports whether an error is raised on the context.
func (c *Ctx) HasError() bool { return c.err != 0 }

// Error returns the raised error object, 0 when none.
func (c *Ctx) Error() heap.Addr { return c.err }

// ErrorMessage returns the raised error's message, "" when none.
func (c *Ctx) ErrorMessage() string {
	if c.err == 0 {
		return ""
	}
	return c.rt.heap.StringAt(heap.Addr(c.rt.heap.Slot(c.err, 0)))
}

// ClearError handles the raised error, if any, and returns it.
func (c *Ctx) ClearError() heap.Addr {
	e := c.err
	c.err = 0
	return e
}
