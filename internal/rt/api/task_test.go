package api

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kolkov/taskgc/internal/rt/heap"
)

func TestTaskRoundTripThreaded(t *testing.T) {
	rt := New(Config{Mode: Threaded})
	defer rt.Shutdown()
	ctx := rt.MainCtx()

	double := rt.RegisterFunc(func(ctx *Ctx, env heap.Addr) uint64 {
		return rt.Heap().Slot(env, 0) * 2
	})
	task := rt.Spawn(ctx, rt.NewClosure(ctx, double, []uint64{21}))
	ctx.PushAddr(task)
	defer ctx.Pop()

	if got := rt.TaskGet(ctx, task); got != 42 {
		t.Errorf("TaskGet = %d, want 42", got)
	}
	if ctx.HasError() {
		t.Errorf("unexpected error: %s", ctx.ErrorMessage())
	}
	if !rt.TaskDone(task) {
		t.Error("completed task not done")
	}
}

func TestTaskErrorReRaisesAtGet(t *testing.T) {
	rt := New(Config{Mode: Threaded})
	defer rt.Shutdown()
	ctx := rt.MainCtx()

	boom := rt.RegisterFunc(func(ctx *Ctx, env heap.Addr) uint64 {
		rt.Raise(ctx, "boom")
		return 0
	})
	task := rt.Spawn(ctx, rt.NewClosure(ctx, boom, nil))
	ctx.PushAddr(task)
	defer ctx.Pop()

	rt.TaskGet(ctx, task)
	if !ctx.HasError() {
		t.Fatal("task error not re-raised")
	}
	if got := ctx.ErrorMessage(); got != "boom" {
		t.Errorf("error = %q, want %q", got, "boom")
	}
	ctx.ClearError()
}

func TestCancelBeforeStartSkipsBody(t *testing.T) {
	rt := New(Config{Mode: Deterministic, Strategy: RoundRobin})
	defer rt.Shutdown()

	var ran atomic.Bool
	body := rt.RegisterFunc(func(ctx *Ctx, env heap.Addr) uint64 {
		ran.Store(true)
		return 7
	})

	rt.RunTest(func(ctx *Ctx) {
		// The fiber does not run until the next primitive operation, so
		// the cancel lands before its trampoline starts.
		task := rt.Spawn(ctx, rt.NewClosure(ctx, body, nil))
		ctx.PushAddr(task)
		defer ctx.Pop()
		rt.TaskCancel(task)

		rt.TaskGet(ctx, task)
		if !ctx.HasError() {
			t.Error("get on a cancelled, never-run task raised no error")
		}
		if got := ctx.ErrorMessage(); got != ErrTaskCancelled {
			t.Errorf("error = %q, want %q", got, ErrTaskCancelled)
		}
		ctx.ClearError()
	})
	if ran.Load() {
		t.Error("cancelled task body ran")
	}
}

func TestCooperativeCancellation(t *testing.T) {
	rt := New(Config{Mode: Threaded})
	defer rt.Shutdown()
	ctx := rt.MainCtx()

	started := make(chan struct{})
	spin := rt.RegisterFunc(func(ctx *Ctx, env heap.Addr) uint64 {
		close(started)
		for !rt.Cancelled(ctx) {
			time.Sleep(time.Millisecond)
		}
		return 7
	})
	task := rt.Spawn(ctx, rt.NewClosure(ctx, spin, nil))
	ctx.PushAddr(task)
	defer ctx.Pop()

	<-started
	rt.TaskCancel(task)
	// The body observed the cancel and still produced a result, so the
	// result wins over the cancelled flag.
	if got := rt.TaskGet(ctx, task); got != 7 {
		t.Errorf("TaskGet = %d, want 7", got)
	}
	if ctx.HasError() {
		t.Errorf("unexpected error: %s", ctx.ErrorMessage())
	}
}

func TestDetachedTaskStillRuns(t *testing.T) {
	rt := New(Config{Mode: Threaded})
	defer rt.Shutdown()
	ctx := rt.MainCtx()

	done := make(chan struct{})
	fire := rt.RegisterFunc(func(ctx *Ctx, env heap.Addr) uint64 {
		close(done)
		return 0
	})
	task := rt.Spawn(ctx, rt.NewClosure(ctx, fire, nil))
	rt.TaskDetach(task)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("detached task never ran")
	}
}

// Whichever of completion and detach happens second reports the error,
// and only that side: the done and detached flags are exchanged inside
// one critical section, so the report fires exactly once per task.
func TestDetachedTaskErrorReportedOnce(t *testing.T) {
	capture := func(fn func()) string {
		old := os.Stderr
		r, w, err := os.Pipe()
		if err != nil {
			t.Fatal(err)
		}
		os.Stderr = w
		fn()
		w.Close()
		os.Stderr = old
		out, _ := io.ReadAll(r)
		return string(out)
	}

	// Detach after completion: the detach side reports.
	out := capture(func() {
		rt := New(Config{Mode: Deterministic, Strategy: Sequential})
		defer rt.Shutdown()
		boom := rt.RegisterFunc(func(ctx *Ctx, env heap.Addr) uint64 {
			rt.Raise(ctx, "boom")
			return 0
		})
		rt.RunTest(func(ctx *Ctx) {
			task := rt.Spawn(ctx, rt.NewClosure(ctx, boom, nil))
			ctx.PushAddr(task)
			rt.TaskDetach(task)
			ctx.Pop()
		})
	})
	if got := strings.Count(out, "detached task error: boom"); got != 1 {
		t.Errorf("detach after completion reported %d times, want once:\n%s", got, out)
	}

	// Detach before the body runs: the completion side reports.
	out = capture(func() {
		rt := New(Config{Mode: Deterministic, Strategy: RoundRobin})
		defer rt.Shutdown()
		boom := rt.RegisterFunc(func(ctx *Ctx, env heap.Addr) uint64 {
			rt.Raise(ctx, "boom")
			return 0
		})
		rt.RunTest(func(ctx *Ctx) {
			task := rt.Spawn(ctx, rt.NewClosure(ctx, boom, nil))
			ctx.PushAddr(task)
			rt.TaskDetach(task)
			ctx.Pop()
		})
	})
	if got := strings.Count(out, "detached task error: boom"); got != 1 {
		t.Errorf("detach before completion reported %d times, want once:\n%s", got, out)
	}
}

func TestSpawnDeepCopiesEnvironment(t *testing.T) {
	rt := New(Config{Mode: Threaded})
	defer rt.Shutdown()
	ctx := rt.MainCtx()
	h := rt.Heap()

	arr := rt.NewArray(ctx, 1, 1)
	ctx.PushAddr(arr)
	defer ctx.Pop()
	data := heap.Addr(h.Slot(arr, heap.ArrayData))
	h.SetWord(data, 0, 1)

	scribble := rt.RegisterFunc(func(ctx *Ctx, env heap.Addr) uint64 {
		copied := heap.Addr(h.Slot(env, 0))
		copiedData := heap.Addr(h.Slot(copied, heap.ArrayData))
		h.SetWord(copiedData, 0, 99)
		return h.Word(copiedData, 0)
	})
	task := rt.Spawn(ctx, rt.NewClosure(ctx, scribble, []uint64{uint64(arr)}))
	ctx.PushAddr(task)

	if got := rt.TaskGet(ctx, task); got != 99 {
		t.Fatalf("task saw %d in its copy, want 99", got)
	}
	ctx.Pop()

	if got := h.Word(data, 0); got != 1 {
		t.Errorf("spawner's array mutated to %d through the task's copy", got)
	}
}

func TestClosureFuncRegistry(t *testing.T) {
	rt := New(Config{Mode: Threaded})
	defer rt.Shutdown()
	ctx := rt.MainCtx()

	a := rt.RegisterFunc(func(ctx *Ctx, env heap.Addr) uint64 { return 1 })
	b := rt.RegisterFunc(func(ctx *Ctx, env heap.Addr) uint64 { return 2 })
	if a == b {
		t.Fatal("distinct functions share an id")
	}

	cl := rt.NewClosure(ctx, b, []uint64{10, 20, 30})
	if got := rt.closureFunc(cl); got != b {
		t.Errorf("closureFunc = %d, want %d", got, b)
	}
	if got := rt.Heap().Slot(cl, 1); got != 20 {
		t.Errorf("env slot 1 = %d, want 20", got)
	}
}

func TestManyConcurrentTasks(t *testing.T) {
	rt := New(Config{Mode: Threaded})
	defer rt.Shutdown()
	ctx := rt.MainCtx()

	square := rt.RegisterFunc(func(ctx *Ctx, env heap.Addr) uint64 {
		n := rt.Heap().Slot(env, 0)
		return n * n
	})

	const n = 32
	tasks := make([]heap.Addr, n)
	for i := range tasks {
		tasks[i] = rt.Spawn(ctx, rt.NewClosure(ctx, square, []uint64{uint64(i)}))
		ctx.PushAddr(tasks[i])
	}
	for i := n - 1; i >= 0; i-- {
		if got, want := rt.TaskGet(ctx, tasks[i]), uint64(i*i); got != want {
			t.Errorf("task %d = %d, want %d", i, got, want)
		}
	}
	ctx.PopN(n)
}
