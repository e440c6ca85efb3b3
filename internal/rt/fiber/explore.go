package fiber

import "fmt"

// Exhaustive exploration with dynamic partial-order reduction. Each
// schedule records, at every choice point, the chosen fiber and the full
// ready set. After a schedule finishes the explorer searches the trace
// backwards for a choice point with an untried alternative that is
// dependent on the fiber actually chosen there; if it finds one, the
// next schedule replays the trace up to that point and forces the
// alternative. Alternatives independent of the chosen fiber commute with
// it and are skipped, which is what prunes the interleaving space.
//
// Two fibers are dependent when they touched the same channel during a
// schedule. The dependency matrix accumulates incrementally across the
// whole exploration rather than being recomputed per trace: once a pair
// has ever conflicted, it stays dependent. That over-approximates
// dependence in later schedules (never under-approximates within the
// pruning already done), trading a little extra exploration for a much
// simpler replay machine.

// choicePoint is one recorded scheduling decision.
type choicePoint struct {
	chosen int
	ready  []int
}

// Failure records one deadlocked schedule.
type Failure struct {
	Schedule int   // 1-based index of the failing schedule
	Choices  []int // the fiber choice sequence that produced it
	Blocked  []BlockedInfo
}

func (f Failure) String() string {
	return fmt.Sprintf("schedule %d deadlocked after %d choices (%d fibers blocked)",
		f.Schedule, len(f.Choices), len(f.Blocked))
}

// Explorer drives an exhaustive exploration across schedules. It owns
// the state that must survive schedule boundaries: the replay prefix,
// the dependency matrix and the failure log.
type Explorer struct {
	// MaxSchedules caps the exploration. 0 means no cap.
	MaxSchedules int

	trace  []choicePoint
	prefix []int // choices to replay at the start of the next schedule
	forced int   // choice to force right after the prefix; -1 when none

	deps      map[[2]int]bool  // unordered dependent fiber pairs
	chanTouch map[uint64][]int // per-schedule: channel handle -> touching fibers

	Schedules int
	Failures  []Failure
}

// NewExplorer creates an explorer with an empty search state.
func NewExplorer(maxSchedules int) *Explorer {
	return &Explorer{
		MaxSchedules: maxSchedules,
		forced:       -1,
		deps:         make(map[[2]int]bool),
	}
}

// BeginSchedule resets per-schedule state. The scheduler calls it at the
// top of every Run.
func (e *Explorer) BeginSchedule() {
	e.trace = e.trace[:0]
	e.chanTouch = make(map[uint64][]int)
	e.Schedules++
}

// Choose records a choice point and returns the fiber to run: the replay
// prefix first, then the forced alternative, then first-ready. A replay
// choice no longer in the ready set means the forced perturbation
// changed enabledness upstream; exploration degrades to first-ready for
// the rest of the schedule rather than aborting.
func (e *Explorer) Choose(ready []int) int {
	depth := len(e.trace)
	pick := ready[0]
	switch {
	case depth < len(e.prefix):
		if containsFiber(ready, e.prefix[depth]) {
			pick = e.prefix[depth]
		}
	case depth == len(e.prefix) && e.forced >= 0:
		if containsFiber(ready, e.forced) {
			pick = e.forced
		}
	}
	e.trace = append(e.trace, choicePoint{chosen: pick, ready: append([]int(nil), ready...)})
	return pick
}

// TouchChannel marks the fiber as having accessed the channel handle this
// schedule, making it dependent on every other fiber that has.
func (e *Explorer) TouchChannel(fiber int, ch uint64) {
	touched := e.chanTouch[ch]
	for _, other := range touched {
		if other != fiber {
			e.deps[pairKey(fiber, other)] = true
		}
	}
	if !containsFiber(touched, fiber) {
		e.chanTouch[ch] = append(touched, fiber)
	}
}

// RecordDeadlock logs a deadlocked schedule so exploration can continue.
func (e *Explorer) RecordDeadlock(blocked []BlockedInfo) {
	choices := make([]int, len(e.trace))
	for i, cp := range e.trace {
		choices[i] = cp.chosen
	}
	e.Failures = append(e.Failures, Failure{
		Schedule: e.Schedules,
		Choices:  choices,
		Blocked:  blocked,
	})
}

// Next computes the replay state for the next schedule. It returns false
// when the search space is exhausted or the schedule cap is reached.
func (e *Explorer) Next() bool {
	if e.MaxSchedules > 0 && e.Schedules >= e.MaxSchedules {
		return false
	}
	for d := len(e.trace) - 1; d >= 0; d-- {
		cp := e.trace[d]
		start := indexOfFiber(cp.ready, cp.chosen) + 1
		for j := start; j < len(cp.ready); j++ {
			alt := cp.ready[j]
			if !e.deps[pairKey(alt, cp.chosen)] {
				continue
			}
			e.prefix = e.prefix[:0]
			for i := 0; i < d; i++ {
				e.prefix = append(e.prefix, e.trace[i].chosen)
			}
			e.forced = alt
			return true
		}
	}
	return false
}

func pairKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

func containsFiber(ids []int, id int) bool {
	return indexOfFiber(ids, id) >= 0
}

func indexOfFiber(ids []int, id int) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
