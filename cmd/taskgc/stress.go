// stress.go implements the 'taskgc stress' command.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kolkov/taskgc/rt"
)

// stressCommand hammers the threaded runtime: several tasks build and
// drop linked structures as fast as they can while the collector keeps
// the heap bounded. Prints collection stats at the end.
func stressCommand(args []string) {
	seconds := 2
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Fprintf(os.Stderr, "Error: invalid duration %q\n", args[0])
			os.Exit(1)
		}
		seconds = n
	}

	r := rt.NewThreaded()
	defer r.Shutdown()
	ctx := r.MainCtx()

	const workers = 4
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)

	churn := r.RegisterFunc(func(ctx *rt.Ctx, env rt.Addr) uint64 {
		h := r.Heap()
		iters := uint64(0)
		for time.Now().Before(deadline) {
			// Build a small list, keep only its head rooted, drop it.
			head := r.NewRecord(ctx, 2, 1)
			ctx.PushAddr(head)
			for i := 0; i < 64; i++ {
				node := r.NewRecord(ctx, 2, 1)
				h.SetSlot(node, 0, uint64(head))
				h.SetSlot(node, 1, iters)
				ctx.Pop()
				ctx.PushAddr(node)
				head = node
			}
			ctx.Pop()
			iters++
		}
		return iters
	})

	fmt.Printf("stressing with %d workers for %ds...\n", workers, seconds)
	tasks := make([]rt.Addr, 0, workers)
	for i := 0; i < workers; i++ {
		t := r.Spawn(ctx, r.NewClosure(ctx, churn, nil))
		ctx.PushAddr(t)
		tasks = append(tasks, t)
	}
	var total uint64
	for _, t := range tasks {
		total += r.TaskGet(ctx, t)
	}
	ctx.PopN(len(tasks))

	h := r.Heap()
	fmt.Printf("iterations:  %d\n", total)
	fmt.Printf("collections: %d\n", h.Collections())
	fmt.Printf("live bytes:  %d\n", h.BytesAllocated())
	fmt.Printf("threshold:   %d\n", h.Threshold())
}
