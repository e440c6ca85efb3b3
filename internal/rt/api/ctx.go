package api

import (
	"github.com/kolkov/taskgc/internal/rt/fiber"
	"github.com/kolkov/taskgc/internal/rt/heap"
)

// defaultStackSlots sizes a fresh shadow stack. Stacks grow on demand.
const defaultStackSlots = 256

// Ctx is one execution context: the per-task state the collector scans
// for roots. Every runtime operation takes the calling context.
//
// Program code must keep live heap addresses visible through the context
// (stack, registers) or the global table; the collector cannot see Go
// locals. The usual shape is a Push at acquisition and a matching Pop
// when the value dies or has been stored somewhere scanned.
type Ctx struct {
	rt *Runtime

	stack []uint64
	sp    int
	regs  [16]uint64

	err  heap.Addr // raised error object, 0 when none
	task heap.Addr // the task this context runs, 0 for the main context

	fib *fiber.Fiber
}

func (rt *Runtime) newCtx() *Ctx {
	c := &Ctx{rt: rt, stack: make([]uint64, defaultStackSlots)}
	rt.ctxMu.Lock()
	rt.ctxs[c] = struct{}{}
	rt.ctxMu.Unlock()
	return c
}

func (rt *Runtime) dropCtx(c *Ctx) {
	rt.ctxMu.Lock()
	delete(rt.ctxs, c)
	rt.ctxMu.Unlock()
}

// Runtime returns the owning runtime.
func (c *Ctx) Runtime() *Runtime { return c.rt }

// Task returns the handle of the task this context runs, 0 for main.
func (c *Ctx) Task() heap.Addr { return c.task }

// Push roots a word on the shadow stack.
func (c *Ctx) Push(v uint64) {
	if c.sp == len(c.stack) {
		grown := make([]uint64, 2*len(c.stack))
		copy(grown, c.stack)
		c.stack = grown
	}
	c.stack[c.sp] = v
	c.sp++
}

// PushAddr roots a heap address on the shadow stack.
func (c *Ctx) PushAddr(a heap.Addr) { c.Push(uint64(a)) }

// Pop removes and returns the top of the shadow stack.
func (c *Ctx) Pop() uint64 {
	c.sp--
	v := c.stack[c.sp]
	c.stack[c.sp] = 0
	return v
}

// PopN removes the top n stack words.
func (c *Ctx) PopN(n int) {
	for i := 0; i < n; i++ {
		c.sp--
		c.stack[c.sp] = 0
	}
}

// SP returns the stack depth, for save/restore around a call frame.
func (c *Ctx) SP() int { return c.sp }

// Unwind truncates the stack back to a saved depth.
func (c *Ctx) Unwind(sp int) {
	for c.sp > sp {
		c.sp--
		c.stack[c.sp] = 0
	}
}

// Reg reads register i. Registers are scanned as roots like the stack.
func (c *Ctx) Reg(i int) uint64 { return c.regs[i] }

// SetReg writes register i.
func (c *Ctx) SetReg(i int, v uint64) { c.regs[i] = v }
