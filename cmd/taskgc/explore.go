// explore.go implements the 'taskgc explore' command.
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/taskgc/rt"
)

// exploreCommand runs one built-in scenario under the exhaustive
// strategy and reports every schedule that deadlocked, including the
// scheduling choice sequence that reproduces it.
func exploreCommand(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Error: explore needs exactly one scenario name")
		os.Exit(1)
	}
	scenario, ok := scenarios[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown scenario: %s\n", args[0])
		os.Exit(1)
	}

	r := rt.New(rt.Config{Mode: rt.Deterministic, Strategy: rt.Exhaustive})
	defer r.Shutdown()

	report := r.RunTest(scenario(r))
	fmt.Printf("%s: %s\n", args[0], report)
	for _, f := range report.Deadlocks {
		fmt.Printf("  %s\n", f)
		fmt.Printf("    choices: %v\n", f.Choices)
		for _, b := range f.Blocked {
			fmt.Printf("    %s\n", b)
		}
	}
	if report.Failed() {
		os.Exit(1)
	}
}

// A scenario registers its task functions against the runtime up front
// and returns the test body.
type scenario func(r *rt.Runtime) func(ctx *rt.Ctx)

var scenarios = map[string]scenario{
	"crossed":  crossedScenario,
	"pingpong": pingpongScenario,
	"pipeline": pipelineScenario,
}

// crossedScenario: two tasks each send on their first rendezvous channel
// before receiving on their second, with the channels crossed. Every
// interleaving deadlocks.
func crossedScenario(r *rt.Runtime) func(ctx *rt.Ctx) {
	swap := r.RegisterFunc(func(ctx *rt.Ctx, env rt.Addr) uint64 {
		h := r.Heap()
		out := rt.Addr(h.Slot(env, 0))
		in := rt.Addr(h.Slot(env, 1))
		r.Send(ctx, out, 1)
		if ctx.HasError() {
			return 0
		}
		r.Recv(ctx, in)
		return 0
	})
	return func(ctx *rt.Ctx) {
		a := r.NewChannel(ctx, 0)
		ctx.PushAddr(a)
		b := r.NewChannel(ctx, 0)
		ctx.PushAddr(b)
		defer ctx.PopN(2)
		r.TaskDetach(r.Spawn(ctx, r.NewClosure(ctx, swap, []uint64{uint64(a), uint64(b)})))
		r.TaskDetach(r.Spawn(ctx, r.NewClosure(ctx, swap, []uint64{uint64(b), uint64(a)})))
	}
}

// pingpongScenario: the same two channels, but the second task receives
// before it sends, so the pair always completes.
func pingpongScenario(r *rt.Runtime) func(ctx *rt.Ctx) {
	sendRecv := r.RegisterFunc(func(ctx *rt.Ctx, env rt.Addr) uint64 {
		h := r.Heap()
		r.Send(ctx, rt.Addr(h.Slot(env, 0)), 1)
		if ctx.HasError() {
			return 0
		}
		return r.Recv(ctx, rt.Addr(h.Slot(env, 1)))
	})
	recvSend := r.RegisterFunc(func(ctx *rt.Ctx, env rt.Addr) uint64 {
		h := r.Heap()
		v := r.Recv(ctx, rt.Addr(h.Slot(env, 0)))
		if ctx.HasError() {
			return 0
		}
		r.Send(ctx, rt.Addr(h.Slot(env, 1)), v+1)
		return v
	})
	return func(ctx *rt.Ctx) {
		a := r.NewChannel(ctx, 0)
		ctx.PushAddr(a)
		b := r.NewChannel(ctx, 0)
		ctx.PushAddr(b)
		defer ctx.PopN(2)
		t1 := r.Spawn(ctx, r.NewClosure(ctx, sendRecv, []uint64{uint64(a), uint64(b)}))
		ctx.PushAddr(t1)
		t2 := r.Spawn(ctx, r.NewClosure(ctx, recvSend, []uint64{uint64(a), uint64(b)}))
		ctx.PushAddr(t2)
		r.TaskGet(ctx, t1)
		r.TaskGet(ctx, t2)
		ctx.PopN(2)
	}
}

// pipelineScenario: producer -> relay -> consumer over two buffered
// channels, closed by sender refcount. Deadlock free on every schedule.
func pipelineScenario(r *rt.Runtime) func(ctx *rt.Ctx) {
	produce := r.RegisterFunc(func(ctx *rt.Ctx, env rt.Addr) uint64 {
		ch := rt.Addr(r.Heap().Slot(env, 0))
		for i := uint64(0); i < 5; i++ {
			r.Send(ctx, ch, i)
			if ctx.HasError() {
				return 0
			}
		}
		r.RemoveSender(ch)
		return 0
	})
	relay := r.RegisterFunc(func(ctx *rt.Ctx, env rt.Addr) uint64 {
		h := r.Heap()
		in := rt.Addr(h.Slot(env, 0))
		out := rt.Addr(h.Slot(env, 1))
		n := uint64(0)
		for {
			v := r.Recv(ctx, in)
			if ctx.HasError() {
				ctx.ClearError()
				break
			}
			r.Send(ctx, out, v)
			n++
		}
		r.RemoveSender(out)
		return n
	})
	return func(ctx *rt.Ctx) {
		a := r.NewChannel(ctx, 2)
		ctx.PushAddr(a)
		b := r.NewChannel(ctx, 2)
		ctx.PushAddr(b)
		defer ctx.PopN(2)
		r.AddSender(a)
		r.AddSender(b)

		r.TaskDetach(r.Spawn(ctx, r.NewClosure(ctx, produce, []uint64{uint64(a)})))
		t := r.Spawn(ctx, r.NewClosure(ctx, relay, []uint64{uint64(a), uint64(b)}))
		ctx.PushAddr(t)

		for {
			r.Recv(ctx, b)
			if ctx.HasError() {
				ctx.ClearError()
				break
			}
		}
		r.TaskGet(ctx, t)
		ctx.Pop()
	}
}
