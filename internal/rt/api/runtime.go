// Package api wires the managed heap, the stop-the-world coordinator and
// the deterministic fiber scheduler into one runtime. It implements the
// task and channel primitives twice, once per execution mode:
//
//   - Threaded: tasks are goroutines, blocking primitives park on
//     mutex/cond pairs, and collections stop the world through the
//     safepoint protocol.
//   - Deterministic: tasks are fibers under the cooperative scheduler,
//     blocking primitives park through the scheduler, and collections
//     run inline at allocation points since only one fiber ever runs.
//
// Program code holds heap values only through a Ctx: its shadow stack,
// register file and the global root table are what the collector scans.
// A heap address kept solely in a Go variable is invisible to the
// collector and may be reclaimed at the next allocation.
package api

import (
	"sync"

	"github.com/kolkov/taskgc/internal/rt/fiber"
	"github.com/kolkov/taskgc/internal/rt/heap"
	"github.com/kolkov/taskgc/internal/rt/stw"
)

// Mode selects how tasks execute.
type Mode int

const (
	// Threaded runs tasks as goroutines with real parallelism.
	Threaded Mode = iota

	// Deterministic runs tasks as fibers under the cooperative
	// scheduler, enabling replayable and exhaustive scheduling.
	Deterministic
)

// FuncID names a registered task function.
type FuncID uint64

// TaskFunc is the body of a task. env is the (deep-copied) closure
// record; results come back as the return value, errors through the Ctx
// error slot.
type TaskFunc func(ctx *Ctx, env heap.Addr) uint64

// Config configures a Runtime.
type Config struct {
	Mode Mode

	// GCThreshold is the initial collection threshold in bytes.
	GCThreshold uint64

	// Globals is the size of the global root table.
	Globals int

	// Strategy, Seed, MaxDepth and MaxSchedules configure the
	// deterministic scheduler; ignored in threaded mode.
	Strategy     Strategy
	Seed         uint64
	MaxDepth     int
	MaxSchedules int
}

// Strategy selects the deterministic scheduling policy.
type Strategy int

const (
	// Sequential runs spawned tasks to completion inline at the spawn
	// point. No interleaving at all; the baseline strategy.
	Sequential Strategy = iota

	// RoundRobin cycles through ready fibers at every preemption point.
	RoundRobin

	// Random picks ready fibers with a seeded generator.
	Random

	// Exhaustive explores distinct interleavings with partial-order
	// reduction, hunting for deadlocks.
	Exhaustive
)

// Runtime is one instance of the managed runtime.
type Runtime struct {
	mode Mode
	heap *heap.Heap

	world *stw.World // threaded mode only

	gcMu sync.Mutex // serializes collection initiation in threaded mode

	funcsMu sync.RWMutex
	funcs   []TaskFunc

	ctxMu sync.Mutex
	ctxs  map[*Ctx]struct{}

	globalsMu sync.Mutex
	globals   []uint64

	syncMu sync.Mutex
	chans  map[heap.Addr]*chanState
	tasks  map[heap.Addr]*taskState

	strategy Strategy
	sched    *fiber.Scheduler
	explorer *fiber.Explorer

	main *Ctx
}

// New creates a runtime in the configured mode. The calling goroutine
// becomes the main context's mutator; use MainCtx to get it. Shutdown
// releases everything.
func New(cfg Config) *Runtime {
	rt := &Runtime{
		mode:    cfg.Mode,
		ctxs:    make(map[*Ctx]struct{}),
		globals: make([]uint64, cfg.Globals),
		chans:   make(map[heap.Addr]*chanState),
		tasks:   make(map[heap.Addr]*taskState),
	}
	rt.heap = heap.New(heap.Config{Threshold: cfg.GCThreshold, Reaper: reaper{rt}})

	switch cfg.Mode {
	case Threaded:
		rt.world = stw.New()
		rt.world.Register()
	case Deterministic:
		rt.strategy = cfg.Strategy
		switch cfg.Strategy {
		case Sequential:
			// Spawns run inline; no scheduler needed.
		case Exhaustive:
			rt.explorer = fiber.NewExplorer(cfg.MaxSchedules)
			rt.sched = fiber.NewScheduler(fiber.Config{
				Strategy: fiber.Exhaustive,
				Seed:     cfg.Seed,
				MaxDepth: cfg.MaxDepth,
				Explorer: rt.explorer,
			})
		case Random:
			rt.sched = fiber.NewScheduler(fiber.Config{Strategy: fiber.Random, Seed: cfg.Seed, MaxDepth: cfg.MaxDepth})
		default:
			rt.sched = fiber.NewScheduler(fiber.Config{Strategy: fiber.RoundRobin, Seed: cfg.Seed, MaxDepth: cfg.MaxDepth})
		}
	}

	rt.main = rt.newCtx()
	return rt
}

// Shutdown tears the runtime down: drops the heap and, in threaded mode,
// deregisters the main mutator. Outstanding tasks must have completed.
func (rt *Runtime) Shutdown() {
	rt.heap.Shutdown()
	if rt.world != nil {
		rt.world.Deregister()
	}
}

// Mode returns the runtime's execution mode.
func (rt *Runtime) Mode() Mode { return rt.mode }

// MainCtx returns the context owned by the goroutine that created the
// runtime.
func (rt *Runtime) MainCtx() *Ctx { return rt.main }

// Heap exposes the underlying heap for stats and direct object access.
func (rt *Runtime) Heap() *heap.Heap { return rt.heap }

// RegisterFunc adds a task function to the registry and returns its id.
// Registration is expected to happen up front, before tasks start.
func (rt *Runtime) RegisterFunc(fn TaskFunc) FuncID {
	rt.funcsMu.Lock()
	defer rt.funcsMu.Unlock()
	rt.funcs = append(rt.funcs, fn)
	return FuncID(len(rt.funcs) - 1)
}

func (rt *Runtime) lookupFunc(id FuncID) TaskFunc {
	rt.funcsMu.RLock()
	defer rt.funcsMu.RUnlock()
	return rt.funcs[id]
}

// Global reads slot i of the global root table.
func (rt *Runtime) Global(i int) uint64 {
	rt.globalsMu.Lock()
	defer rt.globalsMu.Unlock()
	return rt.globals[i]
}

// SetGlobal writes slot i of the global root table. Values stored here
// are roots for every collection.
func (rt *Runtime) SetGlobal(i int, v uint64) {
	rt.globalsMu.Lock()
	defer rt.globalsMu.Unlock()
	rt.globals[i] = v
}

// reaper adapts the runtime to the heap's sweep callback: when a task or
// channel handle is swept, its Go-side sync state goes with it.
type reaper struct{ rt *Runtime }

func (r reaper) ReapSync(tag heap.Tag, handle heap.Addr) {
	r.rt.syncMu.Lock()
	defer r.rt.syncMu.Unlock()
	switch tag {
	case heap.TagChannel:
		delete(r.rt.chans, handle)
	case heap.TagTask:
		delete(r.rt.tasks, handle)
	}
}

// VisitRootWords feeds the collector every conservative root range: the
// global table, then each live context's register file and the live
// portion of its shadow stack.
func (rt *Runtime) VisitRootWords(fn func(words []uint64)) {
	rt.globalsMu.Lock()
	fn(rt.globals)
	rt.globalsMu.Unlock()

	rt.ctxMu.Lock()
	defer rt.ctxMu.Unlock()
	for c := range rt.ctxs {
		fn(c.regs[:])
		fn(c.stack[:c.sp])
	}
}

// VisitRootAddrs feeds the collector the precise roots: each context's
// raised error object and its own task handle.
func (rt *Runtime) VisitRootAddrs(fn func(a heap.Addr)) {
	rt.ctxMu.Lock()
	defer rt.ctxMu.Unlock()
	for c := range rt.ctxs {
		if c.err != 0 {
			fn(c.err)
		}
		if c.task != 0 {
			fn(c.task)
		}
	}
}
