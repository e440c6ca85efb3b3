package fiber

// Strategy selects which ready fiber runs at each preemption point.
type Strategy int

const (
	// RoundRobin cycles through ready fibers in id order. The default;
	// deterministic and cheap, good for smoke-testing concurrency code.
	RoundRobin Strategy = iota

	// Random picks uniformly from the ready set using the seeded
	// generator, so a failing seed reproduces the failing schedule.
	Random

	// Exhaustive systematically explores distinct interleavings with
	// dynamic partial-order reduction. Requires Config.Explorer.
	Exhaustive
)

func (st Strategy) String() string {
	switch st {
	case RoundRobin:
		return "round-robin"
	case Random:
		return "random"
	case Exhaustive:
		return "exhaustive"
	}
	return "unknown"
}

// pick chooses from the non-empty ready set per the configured strategy.
// Exhaustive recording stops past MaxDepth; beyond it scheduling falls
// back to first-ready so a runaway schedule still terminates with a
// bounded search tree.
func (s *Scheduler) pick(ready []int) int {
	switch s.cfg.Strategy {
	case Random:
		return ready[int(s.NextRand()>>33)%len(ready)]

	case Exhaustive:
		if s.depth >= s.cfg.MaxDepth {
			return ready[0]
		}
		s.depth++
		return s.cfg.Explorer.Choose(ready)

	default: // RoundRobin
		for _, id := range ready {
			if id > s.lastPick {
				s.lastPick = id
				return id
			}
		}
		s.lastPick = ready[0]
		return ready[0]
	}
}
