package ai

import "math/rand"

// Hybrid runs utility, behavior tree and Q-learning side by side and
// keeps the most confident answer. Ties resolve utility first, then
// behavior tree, then Q-learning.
type Hybrid struct {
	utility *Utility
	tree    *BehaviorTree
	learner *QLearning
}

// NewHybrid builds the three member strategies; the Q-learner shares
// the agent's table.
func NewHybrid(cfg Config, table *QTable, rng *rand.Rand) *Hybrid {
	return &Hybrid{
		utility: NewUtility(cfg.Weights),
		tree:    NewBehaviorTree(),
		learner: NewQLearning(cfg, table, rng),
	}
}

func (h *Hybrid) Name() string { return StrategyHybrid }

func (h *Hybrid) Decide(p Perception, t Traits) Action {
	// Member order is the tie-break order.
	candidates := []Action{
		h.utility.Decide(p, t),
		h.tree.Decide(p, t),
		h.learner.Decide(p, t),
	}

	best := Idle()
	bestConf := -1.0
	for _, c := range candidates {
		if !c.WellFormed() {
			continue
		}
		if c.Confidence > bestConf {
			best, bestConf = c, c.Confidence
		}
	}
	return best
}

func (h *Hybrid) Learn(prev Perception, a Action, reward float64) {
	h.learner.Learn(prev, a, reward)
}
