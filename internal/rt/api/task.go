package api

import (
	"fmt"
	"os"
	"sync"

	"github.com/kolkov/taskgc/internal/rt/heap"
)

// taskState is the Go-side sync resource behind a task handle in
// threaded mode. Waiters park on the cond until the done slot flips.
// Reaped with the handle.
type taskState struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func (rt *Runtime) newTaskState(task heap.Addr) *taskState {
	ts := &taskState{}
	ts.cond = sync.NewCond(&ts.mu)
	rt.syncMu.Lock()
	rt.tasks[task] = ts
	rt.syncMu.Unlock()
	return ts
}

func (rt *Runtime) taskState(task heap.Addr) *taskState {
	rt.syncMu.Lock()
	defer rt.syncMu.Unlock()
	return rt.tasks[task]
}

// yield is the deterministic preemption point: scheduled strategies hand
// control back at every primitive operation. A no-op in threaded mode
// and under Sequential.
func (rt *Runtime) yield() {
	if rt.sched != nil {
		rt.sched.Yield()
	}
}

// Spawn deep-copies the closure's environment, allocates a task handle
// and starts the task per the runtime mode: a goroutine in threaded
// mode, a fiber under a scheduled strategy, or an inline run-to-
// completion under Sequential. Returns the task handle.
func (rt *Runtime) Spawn(ctx *Ctx, closure heap.Addr) heap.Addr {
	ctx.PushAddr(closure)
	rt.maybeCollect(heap.TaskHandleSize)
	copied := rt.heap.DeepCopy(closure)
	// No gate between here and the handle allocation, so the unrooted
	// copy cannot be swept out from under us.
	task := rt.heap.NewTask(copied)
	ctx.Pop()
	ctx.PushAddr(task)

	child := rt.newCtx()
	child.task = task

	switch {
	case rt.mode == Threaded:
		rt.newTaskState(task)
		go func() {
			rt.world.Register()
			rt.runTask(child, task)
			rt.world.Deregister()
		}()

	case rt.strategy == Sequential:
		rt.runTask(child, task)

	default:
		// The fiber becomes ready but does not run yet; the spawner
		// keeps control until its next primitive operation. That is
		// what makes cancel-before-start a schedulable outcome.
		child.fib = rt.sched.Spawn(child, func() {
			// A schedule teardown can unwind this fiber mid-body; the
			// context must stop being a root source either way.
			defer rt.dropCtx(child)
			rt.runTask(child, task)
		})
	}

	ctx.Pop()
	return ret(ctx, task)
}

// runTask is the task trampoline: runs the closure body unless the task
// was cancelled before it started, then publishes result, error and the
// done flag on the handle.
func (rt *Runtime) runTask(ctx *Ctx, task heap.Addr) {
	var result uint64
	if rt.heap.Slot(task, heap.TaskCancelled) == 0 {
		closure := heap.Addr(rt.heap.Slot(task, heap.TaskClosure))
		fn := rt.lookupFunc(rt.closureFunc(closure))
		result = fn(ctx, closure)
	}
	rt.finishTask(ctx, task, result)
}

func (rt *Runtime) finishTask(ctx *Ctx, task heap.Addr, result uint64) {
	err := ctx.ClearError()
	publish := func() {
		rt.heap.SetSlot(task, heap.TaskResult, result)
		if err != 0 {
			rt.heap.SetSlot(task, heap.TaskErr, uint64(err))
		}
		rt.heap.SetSlot(task, heap.TaskDone, 1)
	}

	// The detached flag is read inside the publish critical section;
	// with TaskDetach writing it under the same lock, exactly one of
	// the two sides observes the other's write and reports the error.
	detached := false
	if rt.mode == Threaded {
		ts := rt.taskState(task)
		ts.mu.Lock()
		publish()
		detached = rt.heap.Slot(task, heap.TaskDetached) != 0
		ts.cond.Broadcast()
		ts.mu.Unlock()
	} else {
		publish()
		detached = rt.heap.Slot(task, heap.TaskDetached) != 0
		if rt.sched != nil {
			rt.sched.WakeTask(uint64(task))
		}
	}
	if err != 0 && detached {
		rt.reportDetachedError(task)
	}
	// The handle's scanned slots now root the result and error; the
	// context can stop being a root source.
	rt.dropCtx(ctx)
}

// TaskGet blocks until the task completes and returns its result. A
// stored error is re-raised on the caller. A task that was cancelled
// before producing a result or error raises "task cancelled".
func (rt *Runtime) TaskGet(ctx *Ctx, task heap.Addr) uint64 {
	ctx.PushAddr(task)
	defer ctx.Pop()

	if rt.mode == Threaded {
		ts := rt.taskState(task)
		ts.mu.Lock()
		for rt.heap.Slot(task, heap.TaskDone) == 0 {
			rt.world.EnterSafe()
			ts.cond.Wait()
			// Rejoining the world can park for a pause in effect, and
			// no one waits out a pause holding ts.mu: a mutator queued
			// on the lock counts as running and would wedge the stop.
			ts.mu.Unlock()
			rt.world.LeaveSafe()
			ts.mu.Lock()
		}
		ts.mu.Unlock()
	} else {
		for rt.heap.Slot(task, heap.TaskDone) == 0 {
			if rt.sched == nil {
				// Sequential tasks complete at the spawn point, so an
				// unfinished task here means the handle was never run.
				rt.Raise(ctx, ErrTaskCancelled)
				return 0
			}
			rt.sched.BlockTask(uint64(task))
		}
	}

	result := rt.heap.Slot(task, heap.TaskResult)
	if e := rt.heap.Slot(task, heap.TaskErr); e != 0 {
		rt.RaiseObject(ctx, heap.Addr(e))
		return result
	}
	if rt.heap.Slot(task, heap.TaskCancelled) != 0 && result == 0 {
		rt.Raise(ctx, ErrTaskCancelled)
		return 0
	}
	return result
}

// TaskCancel requests cooperative cancellation: the flag is set, the
// body observes it through Cancelled, and blocking channel operations
// raise "task cancelled" at their next wake. A task cancelled before it
// starts completes without running its body.
func (rt *Runtime) TaskCancel(task heap.Addr) {
	if rt.mode == Threaded {
		if ts := rt.taskState(task); ts != nil {
			ts.mu.Lock()
			rt.heap.SetSlot(task, heap.TaskCancelled, 1)
			ts.cond.Broadcast()
			ts.mu.Unlock()
			return
		}
	}
	rt.heap.SetSlot(task, heap.TaskCancelled, 1)
}

// TaskDetach marks the task as unobserved: no one will call TaskGet. An
// error the task has already stored, or stores later, is reported to
// stderr since no waiter will ever re-raise it.
func (rt *Runtime) TaskDetach(task heap.Addr) {
	if rt.mode == Threaded {
		if ts := rt.taskState(task); ts != nil {
			ts.mu.Lock()
			rt.heap.SetSlot(task, heap.TaskDetached, 1)
			done := rt.heap.Slot(task, heap.TaskDone) != 0
			ts.mu.Unlock()
			if done {
				rt.reportDetachedError(task)
			}
			return
		}
	}
	rt.heap.SetSlot(task, heap.TaskDetached, 1)
	if rt.heap.Slot(task, heap.TaskDone) != 0 {
		rt.reportDetachedError(task)
	}
}

// reportDetachedError prints a completed detached task's stored error.
func (rt *Runtime) reportDetachedError(task heap.Addr) {
	e := heap.Addr(rt.heap.Slot(task, heap.TaskErr))
	if e == 0 {
		return
	}
	msg := rt.heap.StringAt(heap.Addr(rt.heap.Slot(e, 0)))
	fmt.Fprintf(os.Stderr, "taskgc: detached task error: %s\n", msg)
}

// TaskDone reports whether the task has completed.
func (rt *Runtime) TaskDone(task heap.Addr) bool {
	if rt.mode == Threaded {
		if ts := rt.taskState(task); ts != nil {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			return rt.heap.Slot(task, heap.TaskDone) != 0
		}
	}
	return rt.heap.Slot(task, heap.TaskDone) != 0
}

// Cancelled reports whether the calling context's own task has been
// asked to stop. The main context is never cancelled.
func (rt *Runtime) Cancelled(ctx *Ctx) bool {
	return ctx.task != 0 && rt.heap.Slot(ctx.task, heap.TaskCancelled) != 0
}
