package api

import (
	"time"

	"github.com/kolkov/taskgc/internal/rt/fiber"
	"github.com/kolkov/taskgc/internal/rt/heap"
)

// SelectArm is one case of a select: a send of Val into Chan, or a
// receive from Chan.
type SelectArm struct {
	Chan heap.Addr
	Send bool
	Val  uint64
}

// DefaultArm is the index Select returns when no arm was ready and a
// default case was present.
const DefaultArm = -1

// selectPollFloor and selectPollCeil bound the threaded-mode backoff
// between readiness sweeps.
const (
	selectPollFloor = 100 * time.Microsecond
	selectPollCeil  = time.Millisecond
)

// Select waits until one of the arms can fire, fires it, and returns the
// arm's index plus the received value for a receive arm. With
// hasDefault, an all-blocked select returns DefaultArm immediately.
// When every arm's channel is closed (and drained, for receives) it
// raises "channel closed". While blocked, the select counts as a
// waiting receiver on each receive arm, so a capacity-0 sender can
// rendezvous with it.
//
// Arm order is shuffled before every sweep so that a persistently ready
// pair of arms does not starve one side. Threaded mode seeds the shuffle
// from the clock and the arm handles; deterministic mode draws from the
// scheduler's generator, so replaying a choice sequence replays the same
// select outcomes.
func (rt *Runtime) Select(ctx *Ctx, arms []SelectArm, hasDefault bool) (int, uint64) {
	if rt.Cancelled(ctx) {
		rt.Raise(ctx, ErrTaskCancelled)
		return DefaultArm, 0
	}
	if len(arms) == 0 {
		if hasDefault {
			return DefaultArm, 0
		}
		rt.Raise(ctx, ErrChanClosed)
		return DefaultArm, 0
	}

	// Root pending send values for the duration.
	for _, arm := range arms {
		if arm.Send {
			ctx.Push(arm.Val)
		} else {
			ctx.Push(0)
		}
	}
	defer ctx.PopN(len(arms))

	if rt.mode == Deterministic {
		for _, arm := range arms {
			rt.recordChanOp(arm.Chan)
		}
		rt.yield()
	}

	rng := rt.selectSeed(arms)
	order := make([]int, len(arms))
	backoff := selectPollFloor
	committed := false
	defer func() {
		if committed {
			rt.uncommitRecvArms(arms)
		}
	}()
	for {
		shuffle(order, &rng)

		allClosed := true
		for _, i := range order {
			fired, v, closed := rt.tryArm(ctx, arms[i])
			if fired {
				return i, v
			}
			if !closed {
				allClosed = false
			}
		}
		if allClosed {
			rt.Raise(ctx, ErrChanClosed)
			return DefaultArm, 0
		}
		if hasDefault {
			return DefaultArm, 0
		}
		if rt.Cancelled(ctx) {
			rt.Raise(ctx, ErrTaskCancelled)
			return DefaultArm, 0
		}

		// A parked select counts as a committed receiver on each of its
		// receive arms; a rendezvous sender will not deposit without
		// that commitment.
		if !committed {
			rt.commitRecvArms(arms)
			committed = true
		}

		switch {
		case rt.mode == Threaded:
			rt.world.EnterSafe()
			time.Sleep(backoff)
			rt.world.LeaveSafe()
			if backoff < selectPollCeil {
				backoff *= 2
			}
		case rt.sched != nil:
			chans := make([]uint64, len(arms))
			for i, arm := range arms {
				chans[i] = uint64(arm.Chan)
			}
			rt.sched.BlockSelect(chans)
		default:
			fiber.Fatal("deadlock: select would block under the sequential strategy", nil)
		}
	}
}

// tryArm attempts one arm without blocking or raising. Returns whether
// it fired, the received value, and whether the arm's channel counts as
// closed for the all-closed rule (a closed channel with buffered
// elements does not, receives still succeed on it).
func (rt *Runtime) tryArm(ctx *Ctx, arm SelectArm) (fired bool, v uint64, closed bool) {
	cs := rt.chanState(arm.Chan)
	if rt.mode == Threaded {
		cs.mu.Lock()
		defer cs.mu.Unlock()
	}

	isClosed := rt.chanClosed(arm.Chan)
	if arm.Send {
		if isClosed {
			return false, 0, true
		}
		if rt.canSend(arm.Chan, cs) {
			rt.chanEnqueue(arm.Chan, arm.Val)
			if rt.mode == Threaded {
				cs.notEmpty.Broadcast()
			} else {
				rt.wakeReceivers(arm.Chan)
			}
			return true, 0, false
		}
		return false, 0, false
	}

	if rt.chanCount(arm.Chan) > 0 {
		v = rt.chanDequeue(arm.Chan)
		if rt.mode == Threaded {
			cs.notFull.Broadcast()
		} else {
			rt.wakeSenders(arm.Chan)
		}
		ctx.regs[RetReg] = v
		return true, v, false
	}
	return false, 0, isClosed
}

// commitRecvArms registers the blocking select as a waiting receiver on
// every receive arm and wakes parked senders so capacity-0 sends can
// pair with it. Withdrawn by uncommitRecvArms when the select resolves.
func (rt *Runtime) commitRecvArms(arms []SelectArm) {
	for _, arm := range arms {
		if arm.Send {
			continue
		}
		cs := rt.chanState(arm.Chan)
		if rt.mode == Threaded {
			cs.mu.Lock()
			cs.recvWaiting++
			cs.notFull.Broadcast()
			cs.mu.Unlock()
		} else {
			cs.recvWaiting++
			rt.wakeSenders(arm.Chan)
		}
	}
}

func (rt *Runtime) uncommitRecvArms(arms []SelectArm) {
	for _, arm := range arms {
		if arm.Send {
			continue
		}
		cs := rt.chanState(arm.Chan)
		if rt.mode == Threaded {
			cs.mu.Lock()
			cs.recvWaiting--
			cs.mu.Unlock()
		} else {
			cs.recvWaiting--
		}
	}
}

// selectSeed picks the shuffle seed stream for one Select call.
func (rt *Runtime) selectSeed(arms []SelectArm) uint64 {
	if rt.mode == Deterministic {
		if rt.sched != nil {
			return rt.sched.NextRand()
		}
		// Sequential: stable per-call stream from the arm handles.
		seed := uint64(0x9e3779b97f4a7c15)
		for _, arm := range arms {
			seed = seed*31 + uint64(arm.Chan)
		}
		return seed
	}
	seed := uint64(time.Now().UnixNano())
	for _, arm := range arms {
		seed ^= uint64(arm.Chan)
	}
	return seed
}

func nextRand(rng *uint64) uint64 {
	*rng = *rng*6364136223846793005 + 1442695040888963407
	return *rng
}

// shuffle fills order with a Fisher-Yates permutation of 0..len-1.
func shuffle(order []int, rng *uint64) {
	for i := range order {
		order[i] = i
	}
	for i := len(order) - 1; i > 0; i-- {
		j := int(nextRand(rng)>>33) % (i + 1)
		order[i], order[j] = order[j], order[i]
	}
}
