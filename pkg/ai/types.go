// Package ai holds the decision core: the perception snapshot each agent
// sees every tick, the action value it emits, and the five pluggable
// strategies that map one to the other.
package ai

import (
	"math"
	"sort"
)

// ActionType is the tag of an Action variant.
type ActionType string

const (
	ActionMove     ActionType = "move"
	ActionAttack   ActionType = "attack"
	ActionUseSkill ActionType = "use_skill"
	ActionUseItem  ActionType = "use_item"
	ActionInteract ActionType = "interact"
	ActionChat     ActionType = "chat"
	ActionFlee     ActionType = "flee"
	ActionIdle     ActionType = "idle"
)

// ActionSpace is every action type in lexical order. The order is load
// bearing: Q-tables index into it and utility tie-breaks fall back to
// it when priorities are also equal.
var ActionSpace = []ActionType{
	ActionAttack,
	ActionChat,
	ActionFlee,
	ActionIdle,
	ActionInteract,
	ActionMove,
	ActionUseItem,
	ActionUseSkill,
}

func init() {
	sort.Slice(ActionSpace, func(i, j int) bool { return ActionSpace[i] < ActionSpace[j] })
}

// ActionIndex returns the position of t in ActionSpace, -1 if unknown.
func ActionIndex(t ActionType) int {
	for i, a := range ActionSpace {
		if a == t {
			return i
		}
	}
	return -1
}

// Vec3 is a world position or offset.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Length returns the euclidean norm.
func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Finite reports whether all components are finite.
func (v Vec3) Finite() bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}

// ActorInfo describes a nearby enemy or ally relative to the perceiving
// agent.
type ActorInfo struct {
	ID     string  `json:"id"`
	Offset Vec3    `json:"offset"`
	HP     int     `json:"hp"`
	Level  int     `json:"level"`
	Threat float64 `json:"threat"`
}

// ItemInfo describes a nearby pickup.
type ItemInfo struct {
	ID     string `json:"id"`
	Offset Vec3   `json:"offset"`
}

// StatusEffect is an active buff or debuff.
type StatusEffect struct {
	Name      string  `json:"name"`
	Remaining float64 `json:"remaining_s"`
	Intensity float64 `json:"intensity"`
}

// Perception is the per-tick snapshot a strategy decides on. It is a
// plain value; strategies must not retain or mutate it.
type Perception struct {
	HP     int `json:"hp"`
	MaxHP  int `json:"max_hp"`
	MP     int `json:"mp"`
	MaxMP  int `json:"max_mp"`
	Level  int `json:"level"`

	Threat  float64        `json:"threat"` // [0,1]
	Enemies []ActorInfo    `json:"enemies,omitempty"`
	Allies  []ActorInfo    `json:"allies,omitempty"`
	Items   []ItemInfo     `json:"items,omitempty"`
	Effects []StatusEffect `json:"effects,omitempty"`
}

// HPRatio returns hp/max_hp in [0,1]; 0 when max_hp is 0.
func (p Perception) HPRatio() float64 {
	if p.MaxHP <= 0 {
		return 0
	}
	return float64(p.HP) / float64(p.MaxHP)
}

// MPRatio returns mp/max_mp in [0,1]; 0 when max_mp is 0.
func (p Perception) MPRatio() float64 {
	if p.MaxMP <= 0 {
		return 0
	}
	return float64(p.MP) / float64(p.MaxMP)
}

// NearestEnemy returns the closest enemy and its distance.
func (p Perception) NearestEnemy() (ActorInfo, float64, bool) {
	if len(p.Enemies) == 0 {
		return ActorInfo{}, 0, false
	}
	best := p.Enemies[0]
	bestDist := best.Offset.Length()
	for _, e := range p.Enemies[1:] {
		if d := e.Offset.Length(); d < bestDist {
			best, bestDist = e, d
		}
	}
	return best, bestDist, true
}

// Traits are the fixed personality knobs of an agent, each in [0,1].
type Traits struct {
	Aggression   float64 `json:"aggression"`
	Intelligence float64 `json:"intelligence"`
	Sociability  float64 `json:"sociability"`
}

// Action is the tagged value a strategy emits. Only the fields of the
// tagged variant are meaningful; the rest stay zero.
type Action struct {
	Type      ActionType     `json:"type"`
	TargetID  string         `json:"target_id,omitempty"`
	TargetPos Vec3           `json:"target_pos,omitempty"`
	SkillID   string         `json:"skill_id,omitempty"`
	ItemID    string         `json:"item_id,omitempty"`
	Text      string         `json:"text,omitempty"`
	Params    map[string]any `json:"params,omitempty"`

	Confidence float64 `json:"confidence"` // [0,1]
	Priority   int     `json:"priority"`   // [0,10]
	Valid      bool    `json:"valid"`
}

// Idle is the universal fallback action: valid, zero confidence.
func Idle() Action {
	return Action{Type: ActionIdle, Valid: true}
}

// WellFormed reports whether the action satisfies the type-specific
// field requirements and its scalar bounds.
func (a Action) WellFormed() bool {
	if !a.Valid {
		return false
	}
	if math.IsNaN(a.Confidence) || math.IsInf(a.Confidence, 0) || a.Confidence < 0 || a.Confidence > 1 {
		return false
	}
	if a.Priority < 0 || a.Priority > 10 {
		return false
	}
	switch a.Type {
	case ActionMove:
		return a.TargetPos.Finite()
	case ActionAttack, ActionInteract:
		return a.TargetID != ""
	case ActionUseSkill:
		return a.SkillID != ""
	case ActionUseItem:
		return a.ItemID != ""
	case ActionChat:
		return a.Text != ""
	case ActionFlee, ActionIdle:
		return true
	default:
		return false
	}
}
