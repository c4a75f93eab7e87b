package ai

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// stateKey discretizes a perception into (hp decile, mp decile, threat
// decile, nearest-enemy distance bucket).
func stateKey(p Perception) string {
	hp := decile(p.HPRatio())
	mp := decile(p.MPRatio())
	th := decile(p.Threat)
	return fmt.Sprintf("h%d:m%d:t%d:d%d", hp, mp, th, distanceBucket(p))
}

func decile(v float64) int {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 9
	}
	return int(v * 10)
}

// distanceBucket: 0 = melee (<5), 1 = near (<15), 2 = far (<40),
// 3 = out of range or no enemy.
func distanceBucket(p Perception) int {
	_, d, ok := p.NearestEnemy()
	if !ok {
		return 3
	}
	switch {
	case d < 5:
		return 0
	case d < 15:
		return 1
	case d < 40:
		return 2
	default:
		return 3
	}
}

type qRow struct {
	values [8]float64 // indexed by ActionIndex
	stamp  uint64     // last-update sequence, for eviction
}

// QTable is the bounded learning state of one agent. When full it
// evicts the least-recently-updated row. Safe for concurrent readers
// and writers; the persistence synchronizer snapshots it while the
// scheduler learns.
type QTable struct {
	mu      sync.Mutex
	rows    map[string]*qRow
	maxRows int
	clock   uint64
}

// NewQTable creates a table bounded to maxRows entries (10k if <= 0).
func NewQTable(maxRows int) *QTable {
	if maxRows <= 0 {
		maxRows = 10000
	}
	return &QTable{rows: make(map[string]*qRow), maxRows: maxRows}
}

// Len returns the number of state rows.
func (q *QTable) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rows)
}

// Get returns Q[state, action].
func (q *QTable) Get(state string, action ActionType) float64 {
	idx := ActionIndex(action)
	if idx < 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	row, ok := q.rows[state]
	if !ok {
		return 0
	}
	return row.values[idx]
}

// Set writes Q[state, action], evicting the stalest row if the table
// is at capacity and state is new.
func (q *QTable) Set(state string, action ActionType, value float64) {
	idx := ActionIndex(action)
	if idx < 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	row, ok := q.rows[state]
	if !ok {
		if len(q.rows) >= q.maxRows {
			q.evictLocked()
		}
		row = &qRow{}
		q.rows[state] = row
	}
	q.clock++
	row.values[idx] = value
	row.stamp = q.clock
}

// Max returns max over actions of Q[state, action] together with the
// argmax action (first in ActionSpace order on ties).
func (q *QTable) Max(state string) (ActionType, float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	row, ok := q.rows[state]
	if !ok {
		return ActionSpace[0], 0
	}
	best, bestVal := ActionSpace[0], row.values[0]
	for i := 1; i < len(row.values); i++ {
		if row.values[i] > bestVal {
			best, bestVal = ActionSpace[i], row.values[i]
		}
	}
	return best, bestVal
}

// Snapshot copies the table into a plain map for persistence.
func (q *QTable) Snapshot() map[string][8]float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string][8]float64, len(q.rows))
	for k, row := range q.rows {
		out[k] = row.values
	}
	return out
}

// Restore loads rows produced by Snapshot, respecting the bound.
func (q *QTable) Restore(rows map[string][8]float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k, values := range rows {
		if len(q.rows) >= q.maxRows {
			break
		}
		q.clock++
		q.rows[k] = &qRow{values: values, stamp: q.clock}
	}
}

func (q *QTable) evictLocked() {
	var victim string
	var oldest uint64 = math.MaxUint64
	for k, row := range q.rows {
		if row.stamp < oldest {
			victim, oldest = k, row.stamp
		}
	}
	if victim != "" {
		delete(q.rows, victim)
	}
}

// QLearning is the tabular epsilon-greedy strategy. The table is the
// agent's learning state; the strategy instance carries only tunables
// and the last decided state.
type QLearning struct {
	table   *QTable
	epsilon float64
	alpha   float64
	gamma   float64
	rng     *rand.Rand

	// lastState is the most recent decision's state bucket; Learn uses
	// it as the successor state in the TD target.
	lastState string
}

// NewQLearning creates the strategy over the given (shared) table.
func NewQLearning(cfg Config, table *QTable, rng *rand.Rand) *QLearning {
	cfg.SetDefaults()
	if table == nil {
		table = NewQTable(cfg.MaxQEntries)
	}
	return &QLearning{
		table:   table,
		epsilon: cfg.Epsilon,
		alpha:   cfg.LearningRate,
		gamma:   cfg.Discount,
		rng:     rng,
	}
}

func (s *QLearning) Name() string { return StrategyQLearning }

// Table exposes the learning state for persistence snapshots.
func (s *QLearning) Table() *QTable { return s.table }

func (s *QLearning) intn(n int) int {
	if s.rng != nil {
		return s.rng.Intn(n)
	}
	return rand.Intn(n)
}

func (s *QLearning) float64() float64 {
	if s.rng != nil {
		return s.rng.Float64()
	}
	return rand.Float64()
}

func (s *QLearning) Decide(p Perception, t Traits) Action {
	state := stateKey(p)
	s.lastState = state

	var chosen ActionType
	var qval float64
	if s.epsilon > 0 && s.float64() < s.epsilon {
		chosen = ActionSpace[s.intn(len(ActionSpace))]
		qval = s.table.Get(state, chosen)
	} else {
		chosen, qval = s.table.Max(state)
	}

	a := materializeLearned(chosen, p)
	a.Confidence = normalizeQ(qval)
	return a
}

// Learn applies the TD update Q <- Q + alpha*(r + gamma*max Q[next] - Q).
// The successor state is the bucket of the most recent Decide call.
func (s *QLearning) Learn(prev Perception, a Action, reward float64) {
	state := stateKey(prev)
	next := s.lastState
	if next == "" {
		next = state
	}
	current := s.table.Get(state, a.Type)
	_, nextMax := s.table.Max(next)
	updated := current + s.alpha*(reward+s.gamma*nextMax-current)
	s.table.Set(state, a.Type, updated)
}

// normalizeQ squashes a raw Q-value into [0,1] confidence.
func normalizeQ(q float64) float64 {
	return 1 / (1 + math.Exp(-q))
}

// materializeLearned builds a well-formed action for a learned action
// type, downgrading to idle when the perception cannot support it.
func materializeLearned(at ActionType, p Perception) Action {
	a := Action{Type: at, Valid: true}
	switch at {
	case ActionAttack, ActionInteract:
		enemy, _, ok := p.NearestEnemy()
		if !ok {
			return Idle()
		}
		a.TargetID = enemy.ID
		a.Priority = 7
	case ActionUseSkill:
		enemy, _, ok := p.NearestEnemy()
		if !ok {
			return Idle()
		}
		a.TargetID = enemy.ID
		a.SkillID = "auto"
		a.Priority = 6
	case ActionUseItem:
		if len(p.Items) > 0 {
			a.ItemID = p.Items[0].ID
		} else {
			a.ItemID = "healing"
		}
		a.Priority = 5
	case ActionMove:
		if enemy, _, ok := p.NearestEnemy(); ok {
			a.TargetPos = enemy.Offset
		} else {
			a.TargetPos = Vec3{X: 1}
		}
		a.Priority = 3
	case ActionFlee:
		a.Priority = 9
	case ActionChat:
		a.Text = "..."
		a.Priority = 1
	case ActionIdle:
		a.Priority = 0
	}
	return a
}
