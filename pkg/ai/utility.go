package ai

import (
	"fmt"
	"math"
)

// Feature names recognized by utility weights.
const (
	FeatureHPRatio       = "hp_ratio"
	FeatureMPRatio       = "mp_ratio"
	FeatureThreat        = "threat"
	FeatureEnemyDistance = "enemy_distance"
	FeatureAllyCount     = "ally_count"
	FeatureAggression    = "aggression"
	FeatureSociability   = "sociability"
)

// UtilityWeight binds one feature to one candidate action type. Min and
// Max normalize the raw feature into [0,1] before weighting; a negative
// Weight penalizes.
type UtilityWeight struct {
	Name    string  `yaml:"name" mapstructure:"name"` // action type the weight scores
	Feature string  `yaml:"feature" mapstructure:"feature"`
	Weight  float64 `yaml:"weight" mapstructure:"weight"`
	Min     float64 `yaml:"min" mapstructure:"min"`
	Max     float64 `yaml:"max" mapstructure:"max"`
}

// Validate checks the weight entry is well formed.
func (w UtilityWeight) Validate() error {
	if ActionIndex(ActionType(w.Name)) < 0 {
		return fmt.Errorf("utility weight names unknown action %q", w.Name)
	}
	switch w.Feature {
	case FeatureHPRatio, FeatureMPRatio, FeatureThreat, FeatureEnemyDistance,
		FeatureAllyCount, FeatureAggression, FeatureSociability:
	default:
		return fmt.Errorf("utility weight %q uses unknown feature %q", w.Name, w.Feature)
	}
	if w.Max <= w.Min {
		return fmt.Errorf("utility weight %q has max <= min", w.Name)
	}
	return nil
}

// DefaultWeights is the stock scoring table. Operators override it in
// config; the loader hot-reloads changes.
func DefaultWeights() []UtilityWeight {
	return []UtilityWeight{
		{Name: "attack", Feature: FeatureThreat, Weight: 0.6, Min: 0, Max: 1},
		{Name: "attack", Feature: FeatureHPRatio, Weight: 0.4, Min: 0.3, Max: 1},
		{Name: "attack", Feature: FeatureAggression, Weight: 0.5, Min: 0, Max: 1},
		{Name: "flee", Feature: FeatureThreat, Weight: 0.8, Min: 0.5, Max: 1},
		{Name: "flee", Feature: FeatureHPRatio, Weight: -0.9, Min: 0, Max: 0.4},
		{Name: "use_skill", Feature: FeatureMPRatio, Weight: 0.5, Min: 0.2, Max: 1},
		{Name: "use_skill", Feature: FeatureThreat, Weight: 0.3, Min: 0, Max: 1},
		{Name: "use_item", Feature: FeatureHPRatio, Weight: -0.7, Min: 0, Max: 0.5},
		{Name: "move", Feature: FeatureEnemyDistance, Weight: 0.4, Min: 0, Max: 50},
		{Name: "chat", Feature: FeatureSociability, Weight: 0.4, Min: 0, Max: 1},
		{Name: "chat", Feature: FeatureAllyCount, Weight: 0.3, Min: 0, Max: 8},
		{Name: "idle", Feature: FeatureThreat, Weight: -0.2, Min: 0, Max: 1},
	}
}

// Utility scores every candidate action type from weighted, normalized
// features and picks the best. Confidence is winner/sum of scores.
type Utility struct {
	weights []UtilityWeight
}

// NewUtility creates a utility strategy with the given weight table.
// Nil or empty weights fall back to the defaults.
func NewUtility(weights []UtilityWeight) *Utility {
	if len(weights) == 0 {
		weights = DefaultWeights()
	}
	return &Utility{weights: weights}
}

func (u *Utility) Name() string { return StrategyUtility }

// SetWeights swaps the scoring table; used by config hot reload.
func (u *Utility) SetWeights(weights []UtilityWeight) {
	if len(weights) > 0 {
		u.weights = weights
	}
}

func featureValue(feature string, p Perception, t Traits) float64 {
	switch feature {
	case FeatureHPRatio:
		return p.HPRatio()
	case FeatureMPRatio:
		return p.MPRatio()
	case FeatureThreat:
		return p.Threat
	case FeatureEnemyDistance:
		if _, d, ok := p.NearestEnemy(); ok {
			return d
		}
		return math.Inf(1)
	case FeatureAllyCount:
		return float64(len(p.Allies))
	case FeatureAggression:
		return t.Aggression
	case FeatureSociability:
		return t.Sociability
	default:
		return 0
	}
}

func normalize(v, min, max float64) float64 {
	if max <= min {
		return 0
	}
	n := (v - min) / (max - min)
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// Scores returns the raw per-action-type scores. Exposed for the
// hierarchical strategy and for tests.
func (u *Utility) Scores(p Perception, t Traits) map[ActionType]float64 {
	scores := make(map[ActionType]float64, len(ActionSpace))
	for _, w := range u.weights {
		v := featureValue(w.Feature, p, t)
		if math.IsInf(v, 1) {
			// No enemy in sight: distance features contribute nothing.
			continue
		}
		scores[ActionType(w.Name)] += w.Weight * normalize(v, w.Min, w.Max)
	}
	return scores
}

// actionPriority ranks action types when utility scores tie: flee
// outranks attack, attack outranks skills, and so on down to idle.
func actionPriority(at ActionType) int {
	switch at {
	case ActionFlee:
		return 9
	case ActionAttack, ActionInteract:
		return 7
	case ActionUseSkill:
		return 6
	case ActionUseItem:
		return 5
	case ActionMove:
		return 3
	case ActionChat:
		return 1
	default:
		return 0
	}
}

func (u *Utility) Decide(p Perception, t Traits) Action {
	scores := u.Scores(p, t)

	var sum float64
	best := ActionType("")
	bestScore := math.Inf(-1)
	for _, at := range ActionSpace { // lexical order is the final tie-break
		s := scores[at]
		if s > 0 {
			sum += s
		}
		switch {
		case s > bestScore:
			best, bestScore = at, s
		case s == bestScore && actionPriority(at) > actionPriority(best):
			best = at
		}
	}
	if best == "" || bestScore <= 0 {
		return Idle()
	}

	confidence := 0.0
	if sum > 0 {
		confidence = bestScore / sum
	}
	return u.materialize(best, p, confidence)
}

func (u *Utility) Learn(Perception, Action, float64) {}

// materialize fills in the type-specific fields of the winning action
// from the perception.
func (u *Utility) materialize(at ActionType, p Perception, confidence float64) Action {
	a := Action{Type: at, Confidence: confidence, Priority: actionPriority(at), Valid: true}
	switch at {
	case ActionAttack, ActionInteract:
		enemy, _, ok := p.NearestEnemy()
		if !ok {
			return Idle()
		}
		a.TargetID = enemy.ID
	case ActionUseSkill:
		enemy, _, ok := p.NearestEnemy()
		if !ok {
			return Idle()
		}
		a.TargetID = enemy.ID
		a.SkillID = "auto"
	case ActionUseItem:
		if len(p.Items) == 0 {
			a.ItemID = "healing"
		} else {
			a.ItemID = p.Items[0].ID
		}
	case ActionMove:
		if enemy, _, ok := p.NearestEnemy(); ok {
			a.TargetPos = enemy.Offset
		} else if len(p.Items) > 0 {
			a.TargetPos = p.Items[0].Offset
		} else {
			a.TargetPos = Vec3{X: 1}
		}
	case ActionChat:
		a.Text = "..."
	}
	return a
}
