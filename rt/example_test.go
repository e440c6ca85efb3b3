package rt_test

import (
	"fmt"

	"github.com/kolkov/taskgc/rt"
)

// Example demonstrates spawning a task and collecting its result in
// threaded mode.
func Example() {
	r := rt.NewThreaded()
	defer r.Shutdown()
	ctx := r.MainCtx()

	double := r.RegisterFunc(func(ctx *rt.Ctx, env rt.Addr) uint64 {
		return r.Heap().Slot(env, 0) * 2
	})

	task := r.Spawn(ctx, r.NewClosure(ctx, double, []uint64{21}))
	fmt.Println(r.TaskGet(ctx, task))

	// Output:
	// 42
}

// Example_channels demonstrates a producer task feeding a buffered
// channel, drained by the main context until close.
func Example_channels() {
	r := rt.NewDeterministic(rt.Sequential, 0)
	defer r.Shutdown()

	produce := r.RegisterFunc(func(ctx *rt.Ctx, env rt.Addr) uint64 {
		ch := rt.Addr(r.Heap().Slot(env, 0))
		for i := uint64(1); i <= 3; i++ {
			r.Send(ctx, ch, i*10)
		}
		r.Close(ch)
		return 0
	})

	r.RunTest(func(ctx *rt.Ctx) {
		ch := r.NewChannel(ctx, 3)
		ctx.PushAddr(ch)
		defer ctx.Pop()

		r.Spawn(ctx, r.NewClosure(ctx, produce, []uint64{uint64(ch)}))
		for {
			v := r.Recv(ctx, ch)
			if ctx.HasError() {
				ctx.ClearError()
				break
			}
			fmt.Println(v)
		}
	})

	// Output:
	// 10
	// 20
	// 30
}

// Example_deadlock demonstrates the exhaustive scheduler proving that
// two tasks crossing rendezvous sends deadlock on every interleaving.
func Example_deadlock() {
	r := rt.NewDeterministic(rt.Exhaustive, 0)
	defer r.Shutdown()

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

	report := r.RunTest(func(ctx *rt.Ctx) {
		a := r.NewChannel(ctx, 0)
		ctx.PushAddr(a)
		b := r.NewChannel(ctx, 0)
		ctx.PushAddr(b)
		defer ctx.PopN(2)

		r.TaskDetach(r.Spawn(ctx, r.NewClosure(ctx, swap, []uint64{uint64(a), uint64(b)})))
		r.TaskDetach(r.Spawn(ctx, r.NewClosure(ctx, swap, []uint64{uint64(b), uint64(a)})))
	})
	fmt.Println(report.Failed())

	// Output:
	// true
}
