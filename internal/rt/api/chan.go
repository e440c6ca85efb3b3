package api

import (
	"sync"

	"github.com/kolkov/taskgc/internal/rt/fiber"
	"github.com/kolkov/taskgc/internal/rt/heap"
)

// chanState is the Go-side sync resource behind a channel handle.
// Threaded mode parks on the conds; deterministic mode uses only
// recvWaiting, which counts receivers committed to taking an element.
// A capacity-0 sender deposits only while a committed receiver exists,
// which is what makes the handoff a rendezvous. Reaped with the handle.
type chanState struct {
	mu          sync.Mutex
	notEmpty    *sync.Cond
	notFull     *sync.Cond
	recvWaiting int
}

func (rt *Runtime) newChanState(ch heap.Addr) *chanState {
	cs := &chanState{}
	cs.notEmpty = sync.NewCond(&cs.mu)
	cs.notFull = sync.NewCond(&cs.mu)
	rt.syncMu.Lock()
	rt.chans[ch] = cs
	rt.syncMu.Unlock()
	return cs
}

func (rt *Runtime) chanState(ch heap.Addr) *chanState {
	rt.syncMu.Lock()
	defer rt.syncMu.Unlock()
	return rt.chans[ch]
}

// Ring accessors. Callers hold the channel's mutex in threaded mode; in
// deterministic mode only one fiber runs.

func (rt *Runtime) chanClosed(ch heap.Addr) bool {
	return rt.heap.Slot(ch, heap.ChanClosed) != 0
}

func (rt *Runtime) chanCount(ch heap.Addr) uint64 {
	return rt.heap.Slot(ch, heap.ChanCount)
}

func (rt *Runtime) chanEnqueue(ch heap.Addr, v uint64) {
	buf := heap.Addr(rt.heap.Slot(ch, heap.ChanBuf))
	capacity := rt.heap.Slot(ch, heap.ChanCap)
	if capacity == 0 {
		rt.heap.SetWord(buf, 0, v)
		rt.heap.SetSlot(ch, heap.ChanCount, 1)
		return
	}
	tail := rt.heap.Slot(ch, heap.ChanTail)
	rt.heap.SetWord(buf, int(tail), v)
	rt.heap.SetSlot(ch, heap.ChanTail, (tail+1)%capacity)
	rt.heap.SetSlot(ch, heap.ChanCount, rt.heap.Slot(ch, heap.ChanCount)+1)
}

func (rt *Runtime) chanDequeue(ch heap.Addr) uint64 {
	buf := heap.Addr(rt.heap.Slot(ch, heap.ChanBuf))
	capacity := rt.heap.Slot(ch, heap.ChanCap)
	if capacity == 0 {
		rt.heap.SetSlot(ch, heap.ChanCount, 0)
		return rt.heap.Word(buf, 0)
	}
	head := rt.heap.Slot(ch, heap.ChanHead)
	v := rt.heap.Word(buf, int(head))
	rt.heap.SetSlot(ch, heap.ChanHead, (head+1)%capacity)
	rt.heap.SetSlot(ch, heap.ChanCount, rt.heap.Slot(ch, heap.ChanCount)-1)
	return v
}

// canSend reports whether a send can complete right now: ring space for
// buffered channels, a committed receiver and a free handoff slot for
// rendezvous channels.
func (rt *Runtime) canSend(ch heap.Addr, cs *chanState) bool {
	capacity := rt.heap.Slot(ch, heap.ChanCap)
	count := rt.chanCount(ch)
	if capacity == 0 {
		return cs.recvWaiting > 0 && count == 0
	}
	return count < capacity
}

// Send delivers val into the channel, blocking while it is full (or, at
// capacity 0, until a receiver commits). Raises "channel closed" if the
// channel is or becomes closed before delivery, "task cancelled" if the
// calling task is cancelled.
func (rt *Runtime) Send(ctx *Ctx, ch heap.Addr, val uint64) {
	if rt.Cancelled(ctx) {
		rt.Raise(ctx, ErrTaskCancelled)
		return
	}
	cs := rt.chanState(ch)
	ctx.Push(val)
	defer ctx.Pop()

	if rt.mode == Threaded {
		// Raise allocates and can initiate a collection, and LeaveSafe
		// parks for one already in effect. Neither may happen while
		// cs.mu is held: a mutator queued on the lock counts as running
		// and never reaches a safepoint, so the stop would wait forever.
		cs.mu.Lock()
		for {
			if rt.chanClosed(ch) {
				cs.mu.Unlock()
				rt.Raise(ctx, ErrChanClosed)
				return
			}
			if rt.Cancelled(ctx) {
				cs.mu.Unlock()
				rt.Raise(ctx, ErrTaskCancelled)
				return
			}
			if rt.canSend(ch, cs) {
				rt.chanEnqueue(ch, val)
				cs.notEmpty.Broadcast()
				cs.mu.Unlock()
				return
			}
			rt.world.EnterSafe()
			cs.notFull.Wait()
			cs.mu.Unlock()
			rt.world.LeaveSafe()
			cs.mu.Lock()
		}
	}

	rt.recordChanOp(ch)
	rt.yield()
	for {
		if rt.chanClosed(ch) {
			rt.Raise(ctx, ErrChanClosed)
			return
		}
		if rt.Cancelled(ctx) {
			rt.Raise(ctx, ErrTaskCancelled)
			return
		}
		if rt.canSend(ch, cs) {
			rt.chanEnqueue(ch, val)
			rt.wakeReceivers(ch)
			return
		}
		rt.blockOrDeadlock(blockSend, ch)
	}
}

// Recv takes the next element from the channel, blocking while it is
// empty. A closed channel drains its remaining elements first, then
// raises "channel closed".
func (rt *Runtime) Recv(ctx *Ctx, ch heap.Addr) uint64 {
	if rt.Cancelled(ctx) {
		rt.Raise(ctx, ErrTaskCancelled)
		return 0
	}
	cs := rt.chanState(ch)

	if rt.mode == Threaded {
		// As in Send, the mutex drops before every Raise and around
		// LeaveSafe. The commitment is withdrawn and the count rechecked
		// under one continuous lock hold, so a rendezvous deposit made
		// for this receiver is always taken before any raise.
		cs.mu.Lock()
		cs.recvWaiting++
		cs.notFull.Broadcast()
		for rt.chanCount(ch) == 0 {
			if rt.chanClosed(ch) {
				cs.recvWaiting--
				cs.mu.Unlock()
				rt.Raise(ctx, ErrChanClosed)
				return 0
			}
			if rt.Cancelled(ctx) {
				cs.recvWaiting--
				cs.mu.Unlock()
				rt.Raise(ctx, ErrTaskCancelled)
				return 0
			}
			rt.world.EnterSafe()
			cs.notEmpty.Wait()
			cs.mu.Unlock()
			rt.world.LeaveSafe()
			cs.mu.Lock()
		}
		v := rt.chanDequeue(ch)
		cs.recvWaiting--
		cs.notFull.Broadcast()
		cs.mu.Unlock()
		ctx.regs[RetReg] = v
		return v
	}

	rt.recordChanOp(ch)
	rt.yield()
	cs.recvWaiting++
	rt.wakeSenders(ch)
	for rt.chanCount(ch) == 0 {
		if rt.chanClosed(ch) {
			cs.recvWaiting--
			rt.Raise(ctx, ErrChanClosed)
			return 0
		}
		if rt.Cancelled(ctx) {
			cs.recvWaiting--
			rt.Raise(ctx, ErrTaskCancelled)
			return 0
		}
		rt.blockOrDeadlock(blockRecv, ch)
	}
	v := rt.chanDequeue(ch)
	cs.recvWaiting--
	rt.wakeSenders(ch)
	ctx.regs[RetReg] = v
	return v
}

// TrySend attempts a non-blocking send. Raises "channel closed" or
// "channel full" when it cannot deliver.
func (rt *Runtime) TrySend(ctx *Ctx, ch heap.Addr, val uint64) {
	if rt.Cancelled(ctx) {
		rt.Raise(ctx, ErrTaskCancelled)
		return
	}
	cs := rt.chanState(ch)
	if rt.mode == Threaded {
		cs.mu.Lock()
		switch {
		case rt.chanClosed(ch):
			cs.mu.Unlock()
			rt.Raise(ctx, ErrChanClosed)
		case rt.canSend(ch, cs):
			rt.chanEnqueue(ch, val)
			cs.notEmpty.Broadcast()
			cs.mu.Unlock()
		default:
			cs.mu.Unlock()
			rt.Raise(ctx, ErrChanFull)
		}
		return
	}
	rt.recordChanOp(ch)
	switch {
	case rt.chanClosed(ch):
		rt.Raise(ctx, ErrChanClosed)
	case rt.canSend(ch, cs):
		rt.chanEnqueue(ch, val)
		rt.wakeReceivers(ch)
	default:
		rt.Raise(ctx, ErrChanFull)
	}
}

// TryRecv attempts a non-blocking receive. Raises "channel closed" on a
// drained closed channel and "channel empty" otherwise when nothing is
// buffered.
func (rt *Runtime) TryRecv(ctx *Ctx, ch heap.Addr) uint64 {
	if rt.Cancelled(ctx) {
		rt.Raise(ctx, ErrTaskCancelled)
		return 0
	}
	cs := rt.chanState(ch)
	if rt.mode == Threaded {
		cs.mu.Lock()
		if rt.chanCount(ch) > 0 {
			v := rt.chanDequeue(ch)
			cs.notFull.Broadcast()
			cs.mu.Unlock()
			ctx.regs[RetReg] = v
			return v
		}
		closed := rt.chanClosed(ch)
		cs.mu.Unlock()
		if closed {
			rt.Raise(ctx, ErrChanClosed)
		} else {
			rt.Raise(ctx, ErrChanEmpty)
		}
		return 0
	}
	rt.recordChanOp(ch)
	if rt.chanCount(ch) > 0 {
		v := rt.chanDequeue(ch)
		rt.wakeSenders(ch)
		ctx.regs[RetReg] = v
		return v
	}
	if rt.chanClosed(ch) {
		rt.Raise(ctx, ErrChanClosed)
	} else {
		rt.Raise(ctx, ErrChanEmpty)
	}
	return 0
}

// Close marks the channel closed and wakes everyone parked on it.
// Closing an already closed channel is a no-op. Buffered elements remain
// receivable.
func (rt *Runtime) Close(ch heap.Addr) {
	cs := rt.chanState(ch)
	if rt.mode == Threaded {
		cs.mu.Lock()
		rt.heap.SetSlot(ch, heap.ChanClosed, 1)
		cs.notEmpty.Broadcast()
		cs.notFull.Broadcast()
		cs.mu.Unlock()
		return
	}
	rt.recordChanOp(ch)
	rt.heap.SetSlot(ch, heap.ChanClosed, 1)
	if rt.sched != nil {
		rt.sched.WakeAll(uint64(ch))
	}
}

// AddSender registers one producer on the channel.
func (rt *Runtime) AddSender(ch heap.Addr) {
	cs := rt.chanState(ch)
	if rt.mode == Threaded {
		cs.mu.Lock()
		defer cs.mu.Unlock()
	}
	rt.heap.SetSlot(ch, heap.ChanSenders, rt.heap.Slot(ch, heap.ChanSenders)+1)
}

// RemoveSender deregisters one producer; dropping the last one closes
// the channel. An unmatched remove is ignored rather than underflowing.
func (rt *Runtime) RemoveSender(ch heap.Addr) {
	cs := rt.chanState(ch)
	closing := false
	if rt.mode == Threaded {
		cs.mu.Lock()
		n := rt.heap.Slot(ch, heap.ChanSenders)
		if n > 0 {
			n--
			rt.heap.SetSlot(ch, heap.ChanSenders, n)
			closing = n == 0
		}
		if closing {
			rt.heap.SetSlot(ch, heap.ChanClosed, 1)
			cs.notEmpty.Broadcast()
			cs.notFull.Broadcast()
		}
		cs.mu.Unlock()
		return
	}
	n := rt.heap.Slot(ch, heap.ChanSenders)
	if n > 0 {
		n--
		rt.heap.SetSlot(ch, heap.ChanSenders, n)
		closing = n == 0
	}
	if closing {
		rt.Close(ch)
	}
}

// ChanLen returns how many elements are buffered right now.
func (rt *Runtime) ChanLen(ch heap.Addr) uint64 {
	cs := rt.chanState(ch)
	if rt.mode == Threaded {
		cs.mu.Lock()
		defer cs.mu.Unlock()
	}
	return rt.chanCount(ch)
}

// ChanCap returns the channel's capacity.
func (rt *Runtime) ChanCap(ch heap.Addr) uint64 {
	return rt.heap.Slot(ch, heap.ChanCap)
}

// Deterministic-mode plumbing.

type blockKind int

const (
	blockSend blockKind = iota
	blockRecv
)

func (rt *Runtime) recordChanOp(ch heap.Addr) {
	if rt.sched != nil {
		rt.sched.RecordChannelOp(uint64(ch))
	}
}

func (rt *Runtime) wakeSenders(ch heap.Addr) {
	if rt.sched != nil {
		rt.sched.WakeSenders(uint64(ch))
	}
}

func (rt *Runtime) wakeReceivers(ch heap.Addr) {
	if rt.sched != nil {
		rt.sched.WakeReceivers(uint64(ch))
	}
}

// blockOrDeadlock parks the current fiber on the channel. Under
// Sequential there is no other fiber to unblock us, so a would-block
// operation is already a deadlock.
func (rt *Runtime) blockOrDeadlock(kind blockKind, ch heap.Addr) {
	if rt.sched == nil {
		fiber.Fatal("deadlock: channel operation would block under the sequential strategy", nil)
	}
	if kind == blockSend {
		rt.sched.BlockSend(uint64(ch))
	} else {
		rt.sched.BlockRecv(uint64(ch))
	}
}
