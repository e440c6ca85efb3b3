package api

import (
	"testing"
	"time"

	"github.com/kolkov/taskgc/internal/rt/heap"
)

func TestSelectFiresOnlyReadyArm(t *testing.T) {
	rt := New(Config{Mode: Threaded})
	defer rt.Shutdown()
	ctx := rt.MainCtx()

	empty := rt.NewChannel(ctx, 2)
	ctx.PushAddr(empty)
	loaded := rt.NewChannel(ctx, 2)
	ctx.PushAddr(loaded)
	defer ctx.PopN(2)
	rt.Send(ctx, loaded, 77)

	arms := []SelectArm{
		{Chan: empty},
		{Chan: loaded},
	}
	for i := 0; i < 10; i++ {
		rt.Send(ctx, loaded, 77)
		idx, v := rt.Select(ctx, arms, false)
		if idx != 1 || v != 77 {
			t.Fatalf("Select = (%d, %d), want (1, 77)", idx, v)
		}
	}
}

func TestSelectSendArm(t *testing.T) {
	rt := New(Config{Mode: Threaded})
	defer rt.Shutdown()
	ctx := rt.MainCtx()

	full := rt.NewChannel(ctx, 1)
	ctx.PushAddr(full)
	open := rt.NewChannel(ctx, 1)
	ctx.PushAddr(open)
	defer ctx.PopN(2)
	rt.Send(ctx, full, 1)

	arms := []SelectArm{
		{Chan: full, Send: true, Val: 8},
		{Chan: open, Send: true, Val: 9},
	}
	idx, _ := rt.Select(ctx, arms, false)
	if idx != 1 {
		t.Fatalf("Select fired arm %d, want the open send arm 1", idx)
	}
	if got := rt.Recv(ctx, open); got != 9 {
		t.Errorf("Recv = %d, want 9", got)
	}
}

func TestSelectDefault(t *testing.T) {
	rt := New(Config{Mode: Threaded})
	defer rt.Shutdown()
	ctx := rt.MainCtx()

	ch := rt.NewChannel(ctx, 1)
	ctx.PushAddr(ch)
	defer ctx.Pop()

	idx, _ := rt.Select(ctx, []SelectArm{{Chan: ch}}, true)
	if idx != DefaultArm {
		t.Fatalf("Select on empty channel = %d, want DefaultArm", idx)
	}

	rt.Send(ctx, ch, 3)
	idx, v := rt.Select(ctx, []SelectArm{{Chan: ch}}, true)
	if idx != 0 || v != 3 {
		t.Errorf("Select = (%d, %d), want (0, 3)", idx, v)
	}
}

func TestSelectAllClosedRaises(t *testing.T) {
	rt := New(Config{Mode: Threaded})
	defer rt.Shutdown()
	ctx := rt.MainCtx()

	a := rt.NewChannel(ctx, 1)
	ctx.PushAddr(a)
	b := rt.NewChannel(ctx, 1)
	ctx.PushAddr(b)
	defer ctx.PopN(2)
	rt.Send(ctx, a, 4)
	rt.Close(a)
	rt.Close(b)

	// A closed channel with a buffered element is still receivable.
	idx, v := rt.Select(ctx, []SelectArm{{Chan: a}, {Chan: b}}, false)
	if idx != 0 || v != 4 || ctx.HasError() {
		t.Fatalf("Select = (%d, %d) err=%v, want buffered (0, 4)", idx, v, ctx.HasError())
	}

	rt.Select(ctx, []SelectArm{{Chan: a}, {Chan: b}}, false)
	if ctx.ErrorMessage() != ErrChanClosed {
		t.Fatalf("all-closed select raised %q, want %q", ctx.ErrorMessage(), ErrChanClosed)
	}
	ctx.ClearError()
}

func TestSelectBlocksUntilPeerSends(t *testing.T) {
	rt := New(Config{Mode: Threaded})
	defer rt.Shutdown()
	ctx := rt.MainCtx()

	a := rt.NewChannel(ctx, 1)
	ctx.PushAddr(a)
	b := rt.NewChannel(ctx, 1)
	ctx.PushAddr(b)
	defer ctx.PopN(2)

	feed := rt.RegisterFunc(func(ctx *Ctx, env heap.Addr) uint64 {
		time.Sleep(10 * time.Millisecond)
		rt.Send(ctx, heap.Addr(rt.Heap().Slot(env, 0)), 42)
		return 0
	})
	task := rt.Spawn(ctx, rt.NewClosure(ctx, feed, []uint64{uint64(b)}))
	ctx.PushAddr(task)
	defer ctx.Pop()

	idx, v := rt.Select(ctx, []SelectArm{{Chan: a}, {Chan: b}}, false)
	if idx != 1 || v != 42 {
		t.Fatalf("Select = (%d, %d), want (1, 42)", idx, v)
	}
	rt.TaskGet(ctx, task)
}

// A blocked select must count as a committed receiver, or a rendezvous
// sender never gets permission to deposit and the pair livelocks.
func TestSelectPairsWithRendezvousSend(t *testing.T) {
	rt := New(Config{Mode: Threaded})
	defer rt.Shutdown()
	ctx := rt.MainCtx()

	ch := rt.NewChannel(ctx, 0)
	ctx.PushAddr(ch)
	defer ctx.Pop()

	feed := rt.RegisterFunc(func(ctx *Ctx, env heap.Addr) uint64 {
		rt.Send(ctx, heap.Addr(rt.Heap().Slot(env, 0)), 42)
		return 0
	})
	task := rt.Spawn(ctx, rt.NewClosure(ctx, feed, []uint64{uint64(ch)}))
	ctx.PushAddr(task)
	defer ctx.Pop()

	idx, v := rt.Select(ctx, []SelectArm{{Chan: ch}}, false)
	if idx != 0 || v != 42 {
		t.Fatalf("Select = (%d, %d), want (0, 42)", idx, v)
	}
	rt.TaskGet(ctx, task)
}

// Same pairing under exhaustive exploration: a sender and a
// select-receiver on a rendezvous channel can always meet, so no
// explored schedule may deadlock.
func TestExhaustiveSelectRendezvousPairs(t *testing.T) {
	rt := New(Config{Mode: Deterministic, Strategy: Exhaustive, MaxSchedules: 64})
	defer rt.Shutdown()

	feed := rt.RegisterFunc(func(ctx *Ctx, env heap.Addr) uint64 {
		rt.Send(ctx, heap.Addr(rt.Heap().Slot(env, 0)), 42)
		return 0
	})

	rep := rt.RunTest(func(ctx *Ctx) {
		ch := rt.NewChannel(ctx, 0)
		ctx.PushAddr(ch)
		task := rt.Spawn(ctx, rt.NewClosure(ctx, feed, []uint64{uint64(ch)}))
		ctx.PushAddr(task)

		idx, v := rt.Select(ctx, []SelectArm{{Chan: ch}}, false)
		if idx != 0 || v != 42 {
			t.Errorf("Select = (%d, %d), want (0, 42)", idx, v)
		}
		rt.TaskGet(ctx, task)
		ctx.PopN(2)
	})

	if rep.Failed() {
		t.Fatalf("sender and select-receiver deadlocked: %v", rep)
	}
	if rep.Schedules == 0 {
		t.Error("no schedules explored")
	}
}

func TestSelectNoArms(t *testing.T) {
	rt := New(Config{Mode: Threaded})
	defer rt.Shutdown()
	ctx := rt.MainCtx()

	idx, _ := rt.Select(ctx, nil, true)
	if idx != DefaultArm {
		t.Errorf("empty select with default = %d, want DefaultArm", idx)
	}
	rt.Select(ctx, nil, false)
	if ctx.ErrorMessage() != ErrChanClosed {
		t.Errorf("empty select raised %q, want %q", ctx.ErrorMessage(), ErrChanClosed)
	}
	ctx.ClearError()
}
