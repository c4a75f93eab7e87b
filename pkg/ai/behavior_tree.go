package ai

// The behavior tree is static: a root selector over survival, combat,
// recovery and social branches, traversed depth-first left-to-right.
// The first action leaf whose preconditions pass wins.

type btStatus int

const (
	btFailure btStatus = iota
	btSuccess
)

type btContext struct {
	p Perception
	t Traits

	// Set by the first succeeding action leaf.
	action Action
	done   bool
}

type btNode interface {
	tick(ctx *btContext) btStatus
}

// sequence succeeds only if every child succeeds, in order.
type sequence struct {
	children []btNode
}

func (n *sequence) tick(ctx *btContext) btStatus {
	for _, c := range n.children {
		if ctx.done {
			return btSuccess
		}
		if c.tick(ctx) == btFailure {
			return btFailure
		}
	}
	return btSuccess
}

// selector succeeds on the first succeeding child.
type selector struct {
	children []btNode
}

func (n *selector) tick(ctx *btContext) btStatus {
	for _, c := range n.children {
		if ctx.done {
			return btSuccess
		}
		if c.tick(ctx) == btSuccess {
			return btSuccess
		}
	}
	return btFailure
}

// condition evaluates a predicate on the perception.
type condition struct {
	pred func(p Perception, t Traits) bool
}

func (n *condition) tick(ctx *btContext) btStatus {
	if n.pred(ctx.p, ctx.t) {
		return btSuccess
	}
	return btFailure
}

// actionLeaf produces the tree's action. A leaf that cannot build a
// well-formed action fails, letting traversal continue.
type actionLeaf struct {
	build func(p Perception, t Traits) (Action, bool)
}

func (n *actionLeaf) tick(ctx *btContext) btStatus {
	a, ok := n.build(ctx.p, ctx.t)
	if !ok {
		return btFailure
	}
	ctx.action = a
	ctx.done = true
	return btSuccess
}

// treeConfidence is the fixed confidence of any tree-produced action.
const treeConfidence = 0.8

// BehaviorTree is the static-tree strategy.
type BehaviorTree struct {
	root btNode
}

// NewBehaviorTree builds the stock tree.
func NewBehaviorTree() *BehaviorTree {
	return &BehaviorTree{root: defaultTree()}
}

func (b *BehaviorTree) Name() string { return StrategyBehaviorTree }

func (b *BehaviorTree) Decide(p Perception, t Traits) Action {
	ctx := &btContext{p: p, t: t}
	b.root.tick(ctx)
	if !ctx.done {
		return Idle()
	}
	ctx.action.Confidence = treeConfidence
	return ctx.action
}

func (b *BehaviorTree) Learn(Perception, Action, float64) {}

func defaultTree() btNode {
	return &selector{children: []btNode{
		// Survival: badly hurt and threatened -> flee.
		&sequence{children: []btNode{
			&condition{pred: func(p Perception, t Traits) bool {
				return p.HPRatio() < 0.25 && p.Threat > 0.4
			}},
			&actionLeaf{build: func(p Perception, t Traits) (Action, bool) {
				return Action{Type: ActionFlee, Priority: 9, Valid: true}, true
			}},
		}},
		// Recovery: hurt but safe -> use a healing item.
		&sequence{children: []btNode{
			&condition{pred: func(p Perception, t Traits) bool {
				return p.HPRatio() < 0.5 && p.Threat < 0.2
			}},
			&actionLeaf{build: func(p Perception, t Traits) (Action, bool) {
				return Action{Type: ActionUseItem, ItemID: "healing", Priority: 6, Valid: true}, true
			}},
		}},
		// Combat: enemy in sight and willing to fight.
		&sequence{children: []btNode{
			&condition{pred: func(p Perception, t Traits) bool {
				return len(p.Enemies) > 0 && (t.Aggression > 0.3 || p.Threat > 0.6)
			}},
			&selector{children: []btNode{
				// Close enough to strike.
				&sequence{children: []btNode{
					&condition{pred: func(p Perception, t Traits) bool {
						_, d, ok := p.NearestEnemy()
						return ok && d <= 5
					}},
					&actionLeaf{build: func(p Perception, t Traits) (Action, bool) {
						enemy, _, ok := p.NearestEnemy()
						if !ok {
							return Action{}, false
						}
						return Action{Type: ActionAttack, TargetID: enemy.ID, Priority: 7, Valid: true}, true
					}},
				}},
				// Otherwise advance on the target.
				&actionLeaf{build: func(p Perception, t Traits) (Action, bool) {
					enemy, _, ok := p.NearestEnemy()
					if !ok {
						return Action{}, false
					}
					return Action{Type: ActionMove, TargetPos: enemy.Offset, Priority: 4, Valid: true}, true
				}},
			}},
		}},
		// Loot: item nearby and nothing hostile.
		&sequence{children: []btNode{
			&condition{pred: func(p Perception, t Traits) bool {
				return len(p.Items) > 0 && p.Threat < 0.3
			}},
			&actionLeaf{build: func(p Perception, t Traits) (Action, bool) {
				return Action{Type: ActionMove, TargetPos: p.Items[0].Offset, Priority: 2, Valid: true}, true
			}},
		}},
		// Social: allies around and a social disposition.
		&sequence{children: []btNode{
			&condition{pred: func(p Perception, t Traits) bool {
				return len(p.Allies) > 0 && t.Sociability > 0.5
			}},
			&actionLeaf{build: func(p Perception, t Traits) (Action, bool) {
				return Action{Type: ActionChat, Text: "切磋否？", Priority: 1, Valid: true}, true
			}},
		}},
	}}
}
