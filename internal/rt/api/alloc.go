package api

import "github.com/kolkov/taskgc/internal/rt/heap"

// Allocation gates. Every allocating operation funnels through
// maybeCollect first: in threaded mode that is the safepoint poll plus a
// possible stop-the-world collection, in deterministic mode an inline
// collection. Each gate is a point where any unrooted address can
// disappear.
//
// Freshly allocated addresses are handed back through the context's
// linkage register (a scanned root), so a result stays reachable from
// the moment it exists until the caller's next allocation, by which
// point the caller must have moved it to the stack or into another
// object. Without this, a collection initiated by some other thread
// could sweep a result that so far lives only in a Go local.

// RetReg is the linkage register: allocators deposit their result there
// before returning.
const RetReg = 15

func ret(ctx *Ctx, a heap.Addr) heap.Addr {
	ctx.regs[RetReg] = uint64(a)
	return a
}

func (rt *Runtime) maybeCollect(need uint64) {
	switch rt.mode {
	case Threaded:
		rt.world.Safepoint()
		if rt.heap.NeedsCollect(need) {
			rt.collectSTW()
		}
	case Deterministic:
		if rt.heap.NeedsCollect(need) {
			rt.heap.Collect(rt)
		}
	}
}

// collectSTW initiates a stop-the-world collection. Initiation is
// serialized under gcMu; the initiator steps into a safe region while
// acquiring it so that a pause already in progress never waits on this
// goroutine's lock queue position. After acquiring gcMu the threshold is
// rechecked: the collection this goroutine queued up for may already
// have happened.
func (rt *Runtime) collectSTW() {
	rt.world.EnterSafe()
	rt.gcMu.Lock()
	rt.world.LeaveSafe()
	if rt.heap.NeedsCollect(0) {
		rt.world.StopTheWorld()
		rt.heap.Collect(rt)
		rt.world.Resume()
	}
	rt.gcMu.Unlock()
}

// Collect forces a collection regardless of the threshold.
func (rt *Runtime) Collect() {
	switch rt.mode {
	case Threaded:
		rt.world.EnterSafe()
		rt.gcMu.Lock()
		rt.world.LeaveSafe()
		rt.world.StopTheWorld()
		rt.heap.Collect(rt)
		rt.world.Resume()
		rt.gcMu.Unlock()
	case Deterministic:
		rt.heap.Collect(rt)
	}
}

// NewRecord allocates a plain record with the given slot count, of which
// the leading scanSlots can hold heap addresses.
func (rt *Runtime) NewRecord(ctx *Ctx, slots, scanSlots int) heap.Addr {
	rt.maybeCollect(uint64(slots) * heap.WordSize)
	return ret(ctx, rt.heap.Alloc(uint64(slots)*heap.WordSize, heap.TagObject, uint16(scanSlots)))
}

// NewString allocates a string object.
func (rt *Runtime) NewString(ctx *Ctx, s string) heap.Addr {
	rt.maybeCollect(uint64(len(s)))
	return ret(ctx, rt.heap.NewString(s))
}

// NewArray allocates an array of length elements.
func (rt *Runtime) NewArray(ctx *Ctx, length, capacity uint64) heap.Addr {
	rt.maybeCollect(heap.ArrayHandleSize + capacity*heap.WordSize)
	return ret(ctx, rt.heap.NewArray(length, capacity))
}

// NewBytes allocates a byte buffer of length elements.
func (rt *Runtime) NewBytes(ctx *Ctx, length, capacity uint64) heap.Addr {
	rt.maybeCollect(heap.BytesHandleSize + capacity)
	return ret(ctx, rt.heap.NewBytes(length, capacity))
}

// NewTrait allocates a trait handle.
func (rt *Runtime) NewTrait(ctx *Ctx, data heap.Addr, vtable uint64) heap.Addr {
	ctx.PushAddr(data)
	rt.maybeCollect(heap.TraitHandleSize)
	ctx.Pop()
	return ret(ctx, rt.heap.NewTrait(data, vtable))
}

// NewMap allocates an empty map.
func (rt *Runtime) NewMap(ctx *Ctx, capacity uint64) heap.Addr {
	rt.maybeCollect(heap.MapHandleSize + capacity*(2*heap.WordSize+1))
	return ret(ctx, rt.heap.NewMap(capacity))
}

// NewSet allocates an empty set.
func (rt *Runtime) NewSet(ctx *Ctx, capacity uint64) heap.Addr {
	rt.maybeCollect(heap.SetHandleSize + capacity*(heap.WordSize+1))
	return ret(ctx, rt.heap.NewSet(capacity))
}

// NewChannel allocates a channel of the given capacity. Capacity 0 is a
// rendezvous channel.
func (rt *Runtime) NewChannel(ctx *Ctx, capacity uint64) heap.Addr {
	rt.maybeCollect(heap.ChanHandleSize + capacity*heap.WordSize)
	ch := rt.heap.NewChannel(capacity)
	rt.newChanState(ch)
	return ret(ctx, ch)
}

// NewStringSlice allocates a view over a string object.
func (rt *Runtime) NewStringSlice(ctx *Ctx, backing heap.Addr, offset, length uint64) heap.Addr {
	ctx.PushAddr(backing)
	rt.maybeCollect(heap.SliceHandleSize)
	ctx.Pop()
	return ret(ctx, rt.heap.NewStringSlice(backing, offset, length))
}

// NewClosure allocates a closure record binding fn to the environment
// words. Layout: the environment occupies the scanned prefix, the
// function id sits after it, out of the collector's sight.
func (rt *Runtime) NewClosure(ctx *Ctx, fn FuncID, env []uint64) heap.Addr {
	n := len(env)
	for _, v := range env {
		ctx.Push(v)
	}
	a := rt.NewRecord(ctx, n+1, n)
	ctx.PopN(n)
	for i, v := range env {
		rt.heap.SetSlot(a, i, v)
	}
	rt.heap.SetSlot(a, n, uint64(fn))
	return ret(ctx, a)
}

// closureFunc extracts the function id from a closure record: the slot
// past the scanned environment.
func (rt *Runtime) closureFunc(closure heap.Addr) FuncID {
	n := int(rt.heap.ScanSlotsOf(closure))
	return FuncID(rt.heap.Slot(closure, n))
}
