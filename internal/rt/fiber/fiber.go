// Package fiber implements the deterministic cooperative scheduler used
// in test mode. Each fiber is a goroutine, but the scheduler enforces
// that exactly one of them runs at a time through a resume/yield channel
// handshake, so a whole program execution is fully determined by the
// sequence of scheduling choices. That sequence is what the exhaustive
// explorer (explore.go) records, replays and perturbs.
//
// The scheduler is deliberately ignorant of the runtime's semantics: it
// sees fibers, opaque uint64 handles they block on, and wake
// notifications. What a "task" or "channel" means is the caller's
// business.
package fiber

import (
	"fmt"
	"os"
)

// State is a fiber's scheduling state.
type State int

const (
	Ready State = iota
	Running
	BlockedTask   // waiting for a task handle to complete
	BlockedSend   // waiting for ring space or a receiver on a channel handle
	BlockedRecv   // waiting for an element on a channel handle
	BlockedSelect // waiting for any of several channel handles
	Completed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case BlockedTask:
		return "blocked on task"
	case BlockedSend:
		return "blocked sending"
	case BlockedRecv:
		return "blocked receiving"
	case BlockedSelect:
		return "blocked in select"
	case Completed:
		return "completed"
	}
	return "unknown"
}

// Fiber is one cooperatively scheduled execution strand.
type Fiber struct {
	id      int
	state   State
	body    func()
	resume  chan struct{}
	started bool

	wait      uint64   // handle blocked on (BlockedTask/Send/Recv)
	selectSet []uint64 // handles blocked on (BlockedSelect)

	// Data carries the caller's per-fiber context.
	Data any
}

// ID returns the fiber's schedule-local identifier. Fiber 0 is the root.
func (f *Fiber) ID() int { return f.id }

// BlockedInfo describes one blocked fiber at a deadlock.
type BlockedInfo struct {
	Fiber  int
	State  State
	Handle uint64
}

func (b BlockedInfo) String() string {
	if b.State == BlockedSelect {
		return fmt.Sprintf("fiber %d: %s", b.Fiber, b.State)
	}
	return fmt.Sprintf("fiber %d: %s 0x%x", b.Fiber, b.State, b.Handle)
}

// abortSchedule is the panic sentinel used to unwind leaked fibers when a
// schedule is torn down early.
type abortSchedule struct{}

// Config tunes a Scheduler.
type Config struct {
	Strategy Strategy
	Seed     uint64
	MaxDepth int       // cap on recorded choice points per schedule; 0 means DefaultMaxDepth
	Explorer *Explorer // required iff Strategy == Exhaustive
}

// DefaultMaxDepth bounds one schedule's recorded choice points.
const DefaultMaxDepth = 4096

// Scheduler runs one schedule at a time: spawn fibers, then Run until
// they all complete or the schedule deadlocks. The same Scheduler is
// reused across schedules of an exhaustive exploration; per-schedule
// state resets in Run.
type Scheduler struct {
	cfg      Config
	rng      uint64
	fibers   []*Fiber
	current  int
	yielded  chan struct{}
	aborting bool
	depth    int
	lastPick int
}

// NewScheduler creates a scheduler. The seed drives both the Random
// strategy and the deterministic select shuffle (see NextRand).
func NewScheduler(cfg Config) *Scheduler {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	return &Scheduler{cfg: cfg, rng: seed, yielded: make(chan struct{})}
}

// NextRand steps the scheduler's linear congruential generator. Select
// uses it to shuffle arm order so that replaying the same choice
// sequence replays the same select outcomes.
func (s *Scheduler) NextRand() uint64 {
	s.rng = s.rng*6364136223846793005 + 1442695040888963407
	return s.rng
}

// Spawn registers a new ready fiber and returns it. Legal both before
// Run and from inside a running fiber.
func (s *Scheduler) Spawn(data any, body func()) *Fiber {
	f := &Fiber{
		id:     len(s.fibers),
		state:  Ready,
		body:   body,
		resume: make(chan struct{}),
		Data:   data,
	}
	s.fibers = append(s.fibers, f)
	return f
}

// Current returns the running fiber. Only meaningful from fiber code.
func (s *Scheduler) Current() *Fiber {
	return s.fibers[s.current]
}

// start launches the fiber's goroutine. The goroutine immediately waits
// for its first resume; completion and aborts both funnel through the
// yielded channel so the scheduler loop always regains control.
func (s *Scheduler) start(f *Fiber) {
	f.started = true
	go func() {
		<-f.resume
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(abortSchedule); !ok {
					panic(r)
				}
			}
			f.state = Completed
			s.yielded <- struct{}{}
		}()
		f.body()
	}()
}

// Yield hands control back to the scheduler and parks until this fiber
// is chosen again. Fiber code must call it at every preemption point.
func (s *Scheduler) Yield() {
	f := s.fibers[s.current]
	s.yielded <- struct{}{}
	<-f.resume
	if s.aborting {
		panic(abortSchedule{})
	}
}

// BlockTask parks the current fiber until Wake observes the task handle.
func (s *Scheduler) BlockTask(task uint64) {
	f := s.fibers[s.current]
	f.state = BlockedTask
	f.wait = task
	s.Yield()
}

// BlockSend parks the current fiber as a sender on the channel handle.
func (s *Scheduler) BlockSend(ch uint64) {
	f := s.fibers[s.current]
	f.state = BlockedSend
	f.wait = ch
	s.Yield()
}

// BlockRecv parks the current fiber as a receiver on the channel handle.
func (s *Scheduler) BlockRecv(ch uint64) {
	f := s.fibers[s.current]
	f.state = BlockedRecv
	f.wait = ch
	s.Yield()
}

// BlockSelect parks the current fiber until any of the channel handles
// sees activity.
func (s *Scheduler) BlockSelect(chans []uint64) {
	f := s.fibers[s.current]
	f.state = BlockedSelect
	f.selectSet = append(f.selectSet[:0], chans...)
	s.Yield()
}

// WakeTask readies every fiber blocked on the task handle.
func (s *Scheduler) WakeTask(task uint64) {
	for _, f := range s.fibers {
		if f.state == BlockedTask && f.wait == task {
			f.state = Ready
		}
	}
}

// WakeSenders readies every fiber blocked sending on the channel handle,
// plus selects watching it.
func (s *Scheduler) WakeSenders(ch uint64) {
	s.wakeChan(ch, BlockedSend)
}

// WakeReceivers readies every fiber blocked receiving on the channel
// handle, plus selects watching it.
func (s *Scheduler) WakeReceivers(ch uint64) {
	s.wakeChan(ch, BlockedRecv)
}

// WakeAll readies every fiber blocked on the channel handle in any way.
// Used on close.
func (s *Scheduler) WakeAll(ch uint64) {
	s.wakeChan(ch, BlockedSend)
	s.wakeChan(ch, BlockedRecv)
}

func (s *Scheduler) wakeChan(ch uint64, st State) {
	for _, f := range s.fibers {
		if f.state == st && f.wait == ch {
			f.state = Ready
			continue
		}
		if f.state == BlockedSelect {
			for _, c := range f.selectSet {
				if c == ch {
					f.state = Ready
					break
				}
			}
		}
	}
}

// RecordChannelOp notes that the current fiber touched a channel handle.
// Feeds the exhaustive explorer's dependency tracking; a no-op otherwise.
func (s *Scheduler) RecordChannelOp(ch uint64) {
	if s.cfg.Explorer != nil {
		s.cfg.Explorer.TouchChannel(s.current, ch)
	}
}

// ready collects the ids of all ready fibers in id order.
func (s *Scheduler) ready(ids []int) []int {
	ids = ids[:0]
	for _, f := range s.fibers {
		if f.state == Ready {
			ids = append(ids, f.id)
		}
	}
	return ids
}

// Run executes one full schedule of the root body. It returns
// (true, blocked) when the schedule deadlocked: some fibers remain
// blocked with none ready. On normal completion it returns (false, nil).
func (s *Scheduler) Run(data any, root func()) (deadlocked bool, blocked []BlockedInfo) {
	s.fibers = s.fibers[:0]
	s.aborting = false
	s.depth = 0
	s.lastPick = -1
	if s.cfg.Explorer != nil {
		s.cfg.Explorer.BeginSchedule()
	}
	s.Spawn(data, root)

	var scratch []int
	for {
		ids := s.ready(scratch)
		scratch = ids
		if len(ids) == 0 {
			done := true
			for _, f := range s.fibers {
				if f.state != Completed {
					done = false
					blocked = append(blocked, BlockedInfo{Fiber: f.id, State: f.state, Handle: f.wait})
				}
			}
			s.teardown()
			if done {
				return false, nil
			}
			return true, blocked
		}

		choice := s.pick(ids)
		f := s.fibers[choice]
		s.current = choice
		f.state = Running
		if !f.started {
			s.start(f)
		}
		f.resume <- struct{}{}
		<-s.yielded
		if f.state == Running {
			f.state = Ready
		}
	}
}

// teardown unwinds every started, uncompleted fiber so its goroutine
// does not leak into the next schedule. Resumed fibers panic out through
// the abortSchedule sentinel.
func (s *Scheduler) teardown() {
	s.aborting = true
	for _, f := range s.fibers {
		if f.started && f.state != Completed {
			f.resume <- struct{}{}
			<-s.yielded
		}
	}
}

// Fatal reports an unrecoverable scheduling failure, dumping the blocked
// fibers, and terminates the process. Non-exploring strategies use it
// when a schedule deadlocks.
func Fatal(reason string, blocked []BlockedInfo) {
	fmt.Fprintf(os.Stderr, "taskgc: %s\n", reason)
	for _, b := range blocked {
		fmt.Fprintf(os.Stderr, "  %s\n", b)
	}
	os.Exit(1)
}
