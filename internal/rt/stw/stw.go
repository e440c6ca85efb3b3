// Package stw coordinates stop-the-world pauses between mutator
// goroutines in threaded mode. Mutators poll a safepoint flag at
// allocation sites and park until the world resumes; a mutator about to
// block in a primitive first enters a safe region, declaring that its
// roots are stable and the collector need not wait for it.
//
// The protocol is counter-based. Every registered mutator is "running"
// until it either acks a pending stop request or enters a safe region.
// The initiator raises the request, waits until it is the only running
// mutator, does its work, then lowers the request and broadcasts resume.
// A mutator leaving a safe region while a pause is still in progress
// waits for the resume broadcast before touching the heap again; that is
// what makes blocking primitives safe: a goroutine parked in a channel
// wait holds no unstable roots, so the world can stop without it, but it
// cannot run again until the world restarts.
package stw

import "sync"

// World tracks registered mutators and mediates pauses.
type World struct {
	mu      sync.Mutex
	cond    *sync.Cond // broadcast on resume and on running-count drops
	running int        // mutators currently outside safe regions
	pending bool       // a stop has been requested
	stopped bool       // the pause is in effect
}

// New creates a world with no registered mutators.
func New() *World {
	w := &World{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Register adds the calling goroutine as a running mutator. Pair with
// Deregister when the goroutine finishes.
func (w *World) Register() {
	w.mu.Lock()
	for w.pending || w.stopped {
		w.cond.Wait()
	}
	w.running++
	w.mu.Unlock()
}

// Deregister removes the calling goroutine from the running count,
// possibly unblocking a waiting initiator.
func (w *World) Deregister() {
	w.mu.Lock()
	w.running--
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Safepoint is the poll point. If a stop is pending the caller acks it,
// parks until the resume broadcast, then rejoins the running set. Called
// on every allocation.
func (w *World) Safepoint() {
	w.mu.Lock()
	if w.pending || w.stopped {
		w.running--
		w.cond.Broadcast()
		for w.pending || w.stopped {
			w.cond.Wait()
		}
		w.running++
	}
	w.mu.Unlock()
}

// EnterSafe declares the caller's roots stable for the duration of an
// imminent blocking operation. The collector will not wait for a mutator
// inside a safe region. Must be paired with LeaveSafe.
func (w *World) EnterSafe() {
	w.mu.Lock()
	w.running--
	w.cond.Broadcast()
	w.mu.Unlock()
}

// LeaveSafe rejoins the running set, first waiting out any pause still in
// effect.
func (w *World) LeaveSafe() {
	w.mu.Lock()
	for w.pending || w.stopped {
		w.cond.Wait()
	}
	w.running++
	w.mu.Unlock()
}

// StopTheWorld brings every other mutator to a halt and returns with the
// pause in effect. The caller must itself be a registered, running
// mutator; it stays "running" and counts as the one mutator the wait
// excludes. Pair with Resume.
func (w *World) StopTheWorld() {
	w.mu.Lock()
	w.pending = true
	for w.running > 1 {
		w.cond.Wait()
	}
	w.pending = false
	w.stopped = true
	w.mu.Unlock()
}

// Resume lifts the pause and releases every parked mutator.
func (w *World) Resume() {
	w.mu.Lock()
	w.stopped = false
	w.cond.Broadcast()
	w.mu.Unlock()
}
