package ai

import (
	"math/rand"
	"reflect"
	"testing"
)

func combatPerception() Perception {
	return Perception{
		HP: 80, MaxHP: 100, MP: 40, MaxMP: 50, Level: 10,
		Threat: 0.7,
		Enemies: []ActorInfo{
			{ID: "enemy-1", Offset: Vec3{X: 3}, HP: 60, Level: 9, Threat: 0.7},
			{ID: "enemy-2", Offset: Vec3{X: 20}, HP: 90, Level: 12, Threat: 0.4},
		},
		Allies: []ActorInfo{{ID: "ally-1", Offset: Vec3{Y: 4}, HP: 70, Level: 10}},
	}
}

func calmPerception() Perception {
	return Perception{HP: 100, MaxHP: 100, MP: 50, MaxMP: 50, Level: 10}
}

func TestActionSpaceIsLexical(t *testing.T) {
	for i := 1; i < len(ActionSpace); i++ {
		if ActionSpace[i-1] >= ActionSpace[i] {
			t.Fatalf("ActionSpace not in lexical order at %d: %v", i, ActionSpace)
		}
	}
}

func TestActionWellFormed(t *testing.T) {
	tests := []struct {
		name string
		a    Action
		want bool
	}{
		{"idle", Idle(), true},
		{"attack with target", Action{Type: ActionAttack, TargetID: "x", Valid: true}, true},
		{"attack without target", Action{Type: ActionAttack, Valid: true}, false},
		{"move finite", Action{Type: ActionMove, TargetPos: Vec3{X: 1}, Valid: true}, true},
		{"invalid flag", Action{Type: ActionFlee}, false},
		{"confidence out of range", Action{Type: ActionFlee, Confidence: 1.5, Valid: true}, false},
		{"priority out of range", Action{Type: ActionFlee, Priority: 11, Valid: true}, false},
		{"skill without id", Action{Type: ActionUseSkill, Valid: true}, false},
	}
	for _, tt := range tests {
		if got := tt.a.WellFormed(); got != tt.want {
			t.Errorf("%s: WellFormed() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestUtilityDeterministic(t *testing.T) {
	u := NewUtility(nil)
	p := combatPerception()
	traits := Traits{Aggression: 0.8, Intelligence: 0.5, Sociability: 0.2}

	first := u.Decide(p, traits)
	for i := 0; i < 10; i++ {
		if got := u.Decide(p, traits); !reflect.DeepEqual(got, first) {
			t.Fatalf("utility not pure: run %d got %+v, want %+v", i, got, first)
		}
	}
	if !first.WellFormed() {
		t.Fatalf("utility produced malformed action: %+v", first)
	}
}

func TestUtilityAggressorAttacks(t *testing.T) {
	u := NewUtility(nil)
	a := u.Decide(combatPerception(), Traits{Aggression: 0.9})
	if a.Type != ActionAttack && a.Type != ActionUseSkill {
		t.Errorf("aggressive agent under threat chose %q", a.Type)
	}
	if a.TargetID != "enemy-1" {
		t.Errorf("expected nearest enemy target, got %q", a.TargetID)
	}
}

func TestUtilityConfidenceNormalized(t *testing.T) {
	u := NewUtility(nil)
	a := u.Decide(combatPerception(), Traits{Aggression: 0.9})
	if a.Confidence < 0 || a.Confidence > 1 {
		t.Errorf("confidence %v out of [0,1]", a.Confidence)
	}
}

func TestUtilityFallbackIdle(t *testing.T) {
	// All-zero weights produce no positive score anywhere.
	u := NewUtility([]UtilityWeight{{Name: "attack", Feature: FeatureThreat, Weight: 0, Min: 0, Max: 1}})
	a := u.Decide(calmPerception(), Traits{})
	if a.Type != ActionIdle || a.Confidence != 0 {
		t.Errorf("expected idle fallback with zero confidence, got %+v", a)
	}
}

func TestUtilityTieBreaksByPriority(t *testing.T) {
	// attack and flee score identically; flee carries the higher
	// priority and must win the tie.
	u := NewUtility([]UtilityWeight{
		{Name: "attack", Feature: FeatureThreat, Weight: 0.5, Min: 0, Max: 1},
		{Name: "flee", Feature: FeatureThreat, Weight: 0.5, Min: 0, Max: 1},
	})
	p := combatPerception()
	p.Threat = 1
	if a := u.Decide(p, Traits{}); a.Type != ActionFlee {
		t.Errorf("score tie resolved to %q, want flee", a.Type)
	}
}

func TestUtilityTieBreaksLexicallyOnEqualPriority(t *testing.T) {
	// attack and interact share a priority; lexical order picks attack.
	u := NewUtility([]UtilityWeight{
		{Name: "attack", Feature: FeatureThreat, Weight: 0.5, Min: 0, Max: 1},
		{Name: "interact", Feature: FeatureThreat, Weight: 0.5, Min: 0, Max: 1},
	})
	p := combatPerception()
	p.Threat = 1
	if a := u.Decide(p, Traits{}); a.Type != ActionAttack {
		t.Errorf("equal-priority tie resolved to %q, want attack", a.Type)
	}
}

func TestBehaviorTreeDeterministic(t *testing.T) {
	b := NewBehaviorTree()
	p := combatPerception()
	traits := Traits{Aggression: 0.8}
	first := b.Decide(p, traits)
	for i := 0; i < 10; i++ {
		if got := b.Decide(p, traits); !reflect.DeepEqual(got, first) {
			t.Fatalf("behavior tree not pure: got %+v, want %+v", got, first)
		}
	}
}

func TestBehaviorTreeBranches(t *testing.T) {
	b := NewBehaviorTree()

	hurt := combatPerception()
	hurt.HP = 10
	if a := b.Decide(hurt, Traits{}); a.Type != ActionFlee {
		t.Errorf("low hp under threat: got %q, want flee", a.Type)
	}

	melee := combatPerception()
	if a := b.Decide(melee, Traits{Aggression: 0.8}); a.Type != ActionAttack {
		t.Errorf("enemy in melee range: got %q, want attack", a.Type)
	}

	far := combatPerception()
	far.Enemies = []ActorInfo{{ID: "enemy-1", Offset: Vec3{X: 30}}}
	if a := b.Decide(far, Traits{Aggression: 0.8}); a.Type != ActionMove {
		t.Errorf("distant enemy: got %q, want move", a.Type)
	}

	if a := b.Decide(calmPerception(), Traits{}); a.Type != ActionIdle || a.Confidence != 0 {
		t.Errorf("nothing to do: got %+v, want idle fallback", a)
	}
}

func TestBehaviorTreeConfidence(t *testing.T) {
	b := NewBehaviorTree()
	a := b.Decide(combatPerception(), Traits{Aggression: 0.8})
	if a.Confidence != treeConfidence {
		t.Errorf("tree action confidence = %v, want %v", a.Confidence, treeConfidence)
	}
}

func TestHierarchicalConfidenceProduct(t *testing.T) {
	h := NewHierarchical(Config{}, NewQTable(100), rand.New(rand.NewSource(1)))
	a := h.Decide(combatPerception(), Traits{Aggression: 0.2, Sociability: 0.1})
	if !a.WellFormed() && a.Type != ActionIdle {
		t.Fatalf("hierarchical produced malformed action: %+v", a)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		t.Errorf("confidence %v out of [0,1]", a.Confidence)
	}
}

func TestHybridPrefersHighestConfidence(t *testing.T) {
	table := NewQTable(100)
	h := NewHybrid(Config{Epsilon: -1}, table, rand.New(rand.NewSource(1)))
	// Behavior tree answers with fixed 0.8 confidence; an empty Q-table
	// yields sigmoid(0)=0.5 and utility rarely exceeds 0.8.
	a := h.Decide(combatPerception(), Traits{Aggression: 0.8})
	if !a.WellFormed() {
		t.Fatalf("hybrid produced malformed action: %+v", a)
	}
	if a.Confidence < 0.5 {
		t.Errorf("hybrid kept a low-confidence candidate: %+v", a)
	}
}

func TestFactoryKnowsAllStrategies(t *testing.T) {
	for _, name := range []string{
		StrategyUtility, StrategyBehaviorTree, StrategyQLearning,
		StrategyHierarchical, StrategyHybrid,
	} {
		s, err := New(name, Config{}, NewQTable(10), rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatalf("New(%q) error = %v", name, err)
		}
		if s.Name() != name {
			t.Errorf("strategy name = %q, want %q", s.Name(), name)
		}
	}
	if _, err := New("nope", Config{}, nil, nil); err == nil {
		t.Error("New with unknown name should fail")
	}
}
