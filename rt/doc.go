// Package rt implements a managed runtime with a conservative
// stop-the-world mark-sweep collector, structured task concurrency and
// channels, and a deterministic scheduler that can exhaustively explore
// task interleavings.
//
// # Quick Start
//
// Create a runtime, allocate through its context, spawn tasks, and shut
// it down when done:
//
//	r := rt.NewThreaded()
//	defer r.Shutdown()
//	ctx := r.MainCtx()
//
//	fn := r.RegisterFunc(func(ctx *rt.Ctx, env rt.Addr) uint64 {
//		return r.Heap().Slot(env, 0) * 2
//	})
//	task := r.Spawn(ctx, r.NewClosure(ctx, fn, []uint64{21}))
//	fmt.Println(r.TaskGet(ctx, task)) // 42
//
// # The Virtual Heap
//
// The runtime manages its own heap of objects addressed by [Addr]
// values in a virtual 64-bit address space. The collector is
// conservative: it scans root word ranges and classifies every word
// against the live allocation intervals, so interior pointers (into an
// object or into an array's backing buffer) keep the owner alive.
//
// Because the collector cannot see Go locals, a program keeps values
// alive through its [Ctx]: push addresses on the context's shadow stack,
// keep them in its registers, or store them in the global root table.
// Every allocation is a point where an unrooted address may be
// reclaimed. Allocators deposit their result in the context's linkage
// register, so a fresh address is safe until the caller's next
// allocation.
//
// # Tasks and Channels
//
// Spawn deep-copies the closure's environment, so tasks share no mutable
// state: strings, task handles and channel handles are shared by
// reference, everything else is cloned. Tasks communicate through
// channels; capacity 0 gives a rendezvous channel whose sends block
// until a receiver commits. Select waits on several channels at once.
//
// Errors are heap objects raised on the context. A task's raised error
// travels through its handle and re-raises at TaskGet. Cancellation is
// cooperative: TaskCancel sets a flag, the body polls it with Cancelled,
// and blocking channel operations raise "task cancelled" when they
// observe it.
//
// # Deterministic Testing
//
// In [Deterministic] mode tasks run as fibers with exactly one runnable
// at a time, so an execution is fully determined by its scheduling
// choices. RunTest drives a test body under a [Strategy]:
//
//	r := rt.NewDeterministic(rt.Exhaustive, 0)
//	defer r.Shutdown()
//	report := r.RunTest(func(ctx *rt.Ctx) {
//		// spawn tasks, exchange values over channels
//	})
//	if report.Failed() {
//		// some interleaving deadlocked
//	}
//
// The exhaustive strategy applies dynamic partial-order reduction:
// alternative scheduling choices that commute with the one taken are
// never explored, which keeps the schedule count tractable. Deadlocked
// schedules are recorded in the report with the choice sequence that
// produced them.
//
// Tuning comes from the environment: TASKGC_MAX_SCHEDULES and
// TASKGC_MAX_DEPTH bound the exploration, TASKGC_SEED seeds the random
// strategy, TASKGC_ITERATIONS sets its schedule count.
package rt
