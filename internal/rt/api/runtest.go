package api

import (
	"fmt"
	"os"
	"strconv"

	"github.com/kolkov/taskgc/internal/rt/fiber"
)

// Environment knobs for the deterministic test driver.
const (
	EnvMaxSchedules = "TASKGC_MAX_SCHEDULES" // exhaustive schedule cap
	EnvMaxDepth     = "TASKGC_MAX_DEPTH"     // choice points per schedule
	EnvSeed         = "TASKGC_SEED"          // random strategy / select shuffle seed
	EnvIterations   = "TASKGC_ITERATIONS"    // schedules per random run
)

// DefaultIterations is how many schedules the Random strategy runs when
// TASKGC_ITERATIONS is unset.
const DefaultIterations = 100

// ApplyEnv overlays the environment knobs on a config. Explicit config
// values win; only zero fields are filled in.
func ApplyEnv(cfg Config) Config {
	if cfg.MaxSchedules == 0 {
		cfg.MaxSchedules = envInt(EnvMaxSchedules)
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = envInt(EnvMaxDepth)
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(envInt(EnvSeed))
	}
	return cfg
}

func envInt(name string) int {
	s := os.Getenv(name)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		fmt.Fprintf(os.Stderr, "taskgc: invalid %s=%q\n", name, s)
		return 0
	}
	return n
}

// Report is the outcome of a deterministic test run.
type Report struct {
	Strategy  Strategy
	Schedules int
	Deadlocks []fiber.Failure
}

// Failed reports whether any explored schedule deadlocked.
func (r Report) Failed() bool { return len(r.Deadlocks) > 0 }

func (r Report) String() string {
	if r.Failed() {
		return fmt.Sprintf("explored %d schedules: %d deadlocked", r.Schedules, len(r.Deadlocks))
	}
	return fmt.Sprintf("explored %d schedules: ok", r.Schedules)
}

// RunTest drives root under the configured deterministic strategy:
//
//   - Sequential runs it once with inline spawns.
//   - RoundRobin runs one fully interleaved schedule.
//   - Random runs TASKGC_ITERATIONS randomized schedules.
//   - Exhaustive explores distinct interleavings until the reduced
//     search space (or the schedule cap) is exhausted, recording every
//     deadlock instead of aborting on it.
//
// Under the non-exploring strategies a deadlocked schedule is a fatal
// runtime error with a per-fiber blocking diagnostic.
func (rt *Runtime) RunTest(root func(ctx *Ctx)) Report {
	if rt.mode != Deterministic {
		panic("api: RunTest requires a deterministic-mode runtime")
	}
	rep := Report{Strategy: rt.strategy}

	switch rt.strategy {
	case Sequential:
		root(rt.main)
		rep.Schedules = 1

	case Exhaustive:
		for {
			deadlocked, blocked := rt.runSchedule(root)
			if deadlocked {
				rt.explorer.RecordDeadlock(blocked)
			}
			if !rt.explorer.Next() {
				break
			}
		}
		rep.Schedules = rt.explorer.Schedules
		rep.Deadlocks = rt.explorer.Failures

	case Random:
		n := envInt(EnvIterations)
		if n == 0 {
			n = DefaultIterations
		}
		for i := 0; i < n; i++ {
			if deadlocked, blocked := rt.runSchedule(root); deadlocked {
				fiber.Fatal(fmt.Sprintf("deadlock detected on randomized schedule %d", i+1), blocked)
			}
		}
		rep.Schedules = n

	default: // RoundRobin
		if deadlocked, blocked := rt.runSchedule(root); deadlocked {
			fiber.Fatal("deadlock detected on round-robin schedule", blocked)
		}
		rep.Schedules = 1
	}
	return rep
}

// runSchedule executes root once as fiber 0 under the scheduler.
func (rt *Runtime) runSchedule(root func(ctx *Ctx)) (bool, []fiber.BlockedInfo) {
	ctx := rt.newCtx()
	deadlocked, blocked := rt.sched.Run(ctx, func() { root(ctx) })
	rt.dropCtx(ctx)
	return deadlocked, blocked
}
