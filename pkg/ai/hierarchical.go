package ai

import "math/rand"

// Goal categories of the hierarchical policy selector.
const (
	GoalSurvive   = "survive"
	GoalEngage    = "engage"
	GoalExplore   = "explore"
	GoalSocialize = "socialize"
)

var goalOrder = []string{GoalEngage, GoalExplore, GoalSocialize, GoalSurvive}

// Hierarchical is the two-tier strategy: a coarse utility rule picks a
// goal category, then a per-goal sub-strategy produces the concrete
// action. Confidence is goal confidence times sub-strategy confidence.
type Hierarchical struct {
	subs map[string]Strategy
}

// NewHierarchical wires the stock goal -> sub-strategy mapping:
// survive and explore run the behavior tree, engage runs Q-learning
// over the shared table, socialize runs utility.
func NewHierarchical(cfg Config, table *QTable, rng *rand.Rand) *Hierarchical {
	return &Hierarchical{
		subs: map[string]Strategy{
			GoalSurvive:   NewBehaviorTree(),
			GoalEngage:    NewQLearning(cfg, table, rng),
			GoalExplore:   NewBehaviorTree(),
			GoalSocialize: NewUtility(cfg.Weights),
		},
	}
}

func (h *Hierarchical) Name() string { return StrategyHierarchical }

// goalScores applies the utility rule on a coarse feature set.
func goalScores(p Perception, t Traits) map[string]float64 {
	hp := p.HPRatio()
	return map[string]float64{
		GoalSurvive:   (1-hp)*0.7 + p.Threat*0.5,
		GoalEngage:    p.Threat*0.4 + t.Aggression*0.4 + boolTo(len(p.Enemies) > 0, 0.3),
		GoalExplore:   0.2 + boolTo(len(p.Items) > 0, 0.2),
		GoalSocialize: t.Sociability*0.5 + boolTo(len(p.Allies) > 0, 0.3),
	}
}

func boolTo(b bool, v float64) float64 {
	if b {
		return v
	}
	return 0
}

func (h *Hierarchical) pickGoal(p Perception, t Traits) (string, float64) {
	scores := goalScores(p, t)
	var sum float64
	best := ""
	bestScore := -1.0
	for _, g := range goalOrder { // fixed order fixes tie-breaking
		s := scores[g]
		if s > 0 {
			sum += s
		}
		if s > bestScore {
			best, bestScore = g, s
		}
	}
	if sum <= 0 {
		return best, 0
	}
	return best, bestScore / sum
}

func (h *Hierarchical) Decide(p Perception, t Traits) Action {
	goal, goalConf := h.pickGoal(p, t)
	sub := h.subs[goal]
	a := sub.Decide(p, t)
	if !a.WellFormed() {
		return Idle()
	}
	a.Confidence = goalConf * a.Confidence
	return a
}

// Learn forwards to the engage sub-strategy, the only learner.
func (h *Hierarchical) Learn(prev Perception, a Action, reward float64) {
	h.subs[GoalEngage].Learn(prev, a, reward)
}
