// Package rt provides the public API for the taskgc managed runtime.
//
// See doc.go for detailed documentation and examples.
package rt

import (
	internal "github.com/kolkov/taskgc/internal/rt/api"
	"github.com/kolkov/taskgc/internal/rt/heap"
)

// Core types, re-exported from the runtime internals.
type (
	// Runtime is one instance of the managed runtime: a heap with its
	// collector plus the task and channel machinery of one execution
	// mode.
	Runtime = internal.Runtime

	// Ctx is an execution context. Every heap address a program wants
	// to keep alive must be reachable from some context's shadow stack
	// or registers, or from the global root table.
	Ctx = internal.Ctx

	// Config configures a Runtime for New.
	Config = internal.Config

	// Mode selects threaded or deterministic execution.
	Mode = internal.Mode

	// Strategy selects the deterministic scheduling policy.
	Strategy = internal.Strategy

	// FuncID names a registered task function.
	FuncID = internal.FuncID

	// TaskFunc is a task body: it receives the calling context and its
	// deep-copied closure record.
	TaskFunc = internal.TaskFunc

	// SelectArm is one case of a Select call.
	SelectArm = internal.SelectArm

	// Report is the outcome of a deterministic test run.
	Report = internal.Report

	// Addr is a virtual heap address; 0 is nil.
	Addr = heap.Addr

	// Tag identifies the kind of a heap object.
	Tag = heap.Tag
)

// Execution modes.
const (
	// Threaded runs tasks as goroutines with real parallelism and
	// stop-the-world collections.
	Threaded = internal.Threaded

	// Deterministic runs tasks as cooperatively scheduled fibers for
	// replayable and exhaustive testing.
	Deterministic = internal.Deterministic
)

// Deterministic scheduling strategies.
const (
	// Sequential runs spawned tasks to completion at the spawn point.
	Sequential = internal.Sequential

	// RoundRobin interleaves ready fibers in order at every primitive
	// operation.
	RoundRobin = internal.RoundRobin

	// Random interleaves ready fibers with a seeded generator; a
	// failing seed reproduces the failing schedule exactly.
	Random = internal.Random

	// Exhaustive explores distinct interleavings with partial-order
	// reduction, recording every deadlock it can reach.
	Exhaustive = internal.Exhaustive
)

// DefaultArm is returned by Select when the default case fires.
const DefaultArm = internal.DefaultArm

// Canonical runtime error messages, as returned by Ctx.ErrorMessage.
const (
	ErrTaskCancelled = internal.ErrTaskCancelled
	ErrChanClosed    = internal.ErrChanClosed
	ErrChanFull      = internal.ErrChanFull
	ErrChanEmpty     = internal.ErrChanEmpty
)

// Heap object kinds, for programs that inspect handles directly.
const (
	TagObject      = heap.TagObject
	TagString      = heap.TagString
	TagArray       = heap.TagArray
	TagTrait       = heap.TagTrait
	TagMap         = heap.TagMap
	TagSet         = heap.TagSet
	TagTask        = heap.TagTask
	TagBytes       = heap.TagBytes
	TagChannel     = heap.TagChannel
	TagStringSlice = heap.TagStringSlice
)

// New creates a runtime. Zero-valued config fields are filled from the
// TASKGC_* environment knobs where those exist (schedule cap, depth cap,
// seed).
//
// The calling goroutine owns the main context; use MainCtx to get it and
// Shutdown to tear the runtime down.
func New(cfg Config) *Runtime {
	return internal.New(internal.ApplyEnv(cfg))
}

// NewThreaded creates a runtime in threaded mode with default tuning.
func NewThreaded() *Runtime {
	return New(Config{Mode: Threaded})
}

// NewDeterministic creates a deterministic-mode runtime with the given
// scheduling strategy.
func NewDeterministic(strategy Strategy, seed uint64) *Runtime {
	return New(Config{Mode: Deterministic, Strategy: strategy, Seed: seed})
}
