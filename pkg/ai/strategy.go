package ai

import (
	"fmt"
	"math/rand"
)

// Strategy maps a perception to an action. Learn is a no-op for every
// strategy except Q-learning. Implementations must be safe for use by a
// single agent at a time; the scheduler never runs two ticks of one
// agent concurrently.
type Strategy interface {
	Name() string
	Decide(p Perception, t Traits) Action
	Learn(prev Perception, a Action, reward float64)
}

// Strategy names recognized by the factory and the wire protocol.
const (
	StrategyUtility      = "utility"
	StrategyBehaviorTree = "behavior_tree"
	StrategyQLearning    = "q_learning"
	StrategyHierarchical = "hierarchical"
	StrategyHybrid       = "hybrid"
)

// Config carries the tunables of all strategies. The zero value is
// usable; SetDefaults fills in the documented defaults.
type Config struct {
	// Utility scoring weights; hot-reloadable.
	Weights []UtilityWeight `yaml:"weights" mapstructure:"weights"`

	// Q-learning.
	Epsilon      float64 `yaml:"epsilon" mapstructure:"epsilon"`             // exploration rate
	LearningRate float64 `yaml:"learning_rate" mapstructure:"learning_rate"` // alpha
	Discount     float64 `yaml:"discount" mapstructure:"discount"`           // gamma
	MaxQEntries  int     `yaml:"max_q_entries" mapstructure:"max_q_entries"`
}

// SetDefaults applies the documented strategy defaults.
func (c *Config) SetDefaults() {
	if len(c.Weights) == 0 {
		c.Weights = DefaultWeights()
	}
	if c.Epsilon == 0 {
		c.Epsilon = 0.1
	}
	if c.LearningRate == 0 {
		c.LearningRate = 0.1
	}
	if c.Discount == 0 {
		c.Discount = 0.9
	}
	if c.MaxQEntries == 0 {
		c.MaxQEntries = 10000
	}
}

// Validate rejects out-of-range tunables.
func (c *Config) Validate() error {
	if c.Epsilon < 0 || c.Epsilon > 1 {
		return fmt.Errorf("epsilon must be in [0,1], got %v", c.Epsilon)
	}
	if c.LearningRate < 0 || c.LearningRate > 1 {
		return fmt.Errorf("learning_rate must be in [0,1], got %v", c.LearningRate)
	}
	if c.Discount < 0 || c.Discount > 1 {
		return fmt.Errorf("discount must be in [0,1], got %v", c.Discount)
	}
	if c.MaxQEntries < 0 {
		return fmt.Errorf("max_q_entries must be >= 0, got %d", c.MaxQEntries)
	}
	for _, w := range c.Weights {
		if err := w.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// New constructs a strategy by name. The Q-table is shared learning
// state owned by the agent; non-learning strategies ignore it. rng may
// be nil, in which case the global source is used.
func New(name string, cfg Config, table *QTable, rng *rand.Rand) (Strategy, error) {
	cfg.SetDefaults()
	switch name {
	case StrategyUtility:
		return NewUtility(cfg.Weights), nil
	case StrategyBehaviorTree:
		return NewBehaviorTree(), nil
	case StrategyQLearning:
		return NewQLearning(cfg, table, rng), nil
	case StrategyHierarchical:
		return NewHierarchical(cfg, table, rng), nil
	case StrategyHybrid:
		return NewHybrid(cfg, table, rng), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// KnownStrategy reports whether name is a recognized strategy.
func KnownStrategy(name string) bool {
	switch name {
	case StrategyUtility, StrategyBehaviorTree, StrategyQLearning,
		StrategyHierarchical, StrategyHybrid:
		return true
	}
	return false
}
