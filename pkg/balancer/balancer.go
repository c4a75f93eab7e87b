// Package balancer assigns agents to game-server shards and produces
// rebalance migrations when counts drift apart.
package balancer

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/wulin-online/swarm/pkg/agent"
	"github.com/wulin-online/swarm/pkg/fault"
)

// Assignment strategies.
const (
	StrategyRoundRobin       = "round_robin"
	StrategyLeastConnections = "least_connections"
	StrategyWeighted         = "weighted"
)

// Debug makes counter underflow panic instead of saturating at zero.
// Tests enable it; release builds leave it off.
var Debug bool

// Shard is one game-server destination.
type Shard struct {
	ID       int
	Name     string
	Capacity int
	Weight   float64
	Enabled  bool
	Healthy  bool
	Count    int
	LastSeen time.Time
}

// ShardConfig is the config-file shape of a shard entry.
type ShardConfig struct {
	ID       int     `yaml:"id" mapstructure:"id"`
	Name     string  `yaml:"name" mapstructure:"name"`
	Capacity int     `yaml:"capacity" mapstructure:"capacity"`
	Weight   float64 `yaml:"weight" mapstructure:"weight"`
	Enabled  bool    `yaml:"enabled" mapstructure:"enabled"`
}

// Migration is one rebalance move.
type Migration struct {
	AgentID string
	From    int
	To      int
}

// Balancer holds the shard table. All operations are safe for
// concurrent use.
type Balancer struct {
	mu        sync.Mutex
	shards    map[int]*Shard
	order     []int // ascending shard ids, fixes iteration order
	strategy  string
	rrCounter int
	tolerance float64
	healthTTL time.Duration
	rng       *rand.Rand
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithStrategy sets the assignment strategy (default least_connections).
func WithStrategy(name string) Option {
	return func(b *Balancer) { b.strategy = name }
}

// WithTolerance sets the rebalance tolerance (default 0.15).
func WithTolerance(t float64) Option {
	return func(b *Balancer) { b.tolerance = t }
}

// WithHealthTimeout sets how long a shard may miss heartbeats before
// being marked unhealthy (default 30s).
func WithHealthTimeout(d time.Duration) Option {
	return func(b *Balancer) { b.healthTTL = d }
}

// WithRand pins the random source used by weighted assignment.
func WithRand(rng *rand.Rand) Option {
	return func(b *Balancer) { b.rng = rng }
}

// New creates a balancer over the configured shards.
func New(shards []ShardConfig, opts ...Option) (*Balancer, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("balancer needs at least one shard")
	}
	b := &Balancer{
		shards:    make(map[int]*Shard, len(shards)),
		strategy:  StrategyLeastConnections,
		tolerance: 0.15,
		healthTTL: 30 * time.Second,
	}
	now := time.Now()
	for _, sc := range shards {
		if sc.ID < 1 {
			return nil, fmt.Errorf("shard id %d invalid", sc.ID)
		}
		if _, dup := b.shards[sc.ID]; dup {
			return nil, fmt.Errorf("duplicate shard id %d", sc.ID)
		}
		weight := sc.Weight
		if weight <= 0 {
			weight = 1
		}
		b.shards[sc.ID] = &Shard{
			ID:       sc.ID,
			Name:     sc.Name,
			Capacity: sc.Capacity,
			Weight:   weight,
			Enabled:  sc.Enabled,
			Healthy:  true,
			LastSeen: now,
		}
		b.order = append(b.order, sc.ID)
	}
	sort.Ints(b.order)
	for _, opt := range opts {
		opt(b)
	}
	switch b.strategy {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyWeighted:
	default:
		return nil, fmt.Errorf("unknown balance strategy %q", b.strategy)
	}
	return b, nil
}

func (b *Balancer) intn(n int) int {
	if b.rng != nil {
		return b.rng.Intn(n)
	}
	return rand.Intn(n)
}

// usable reports whether a shard can accept one more agent.
func usable(s *Shard) bool {
	return s.Enabled && s.Healthy && (s.Capacity <= 0 || s.Count < s.Capacity)
}

// Assign picks a shard under the current strategy and increments its
// counter. It implements agent.ShardAssigner.
func (b *Balancer) Assign(hint agent.AssignHint) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if hint.PreferShard > 0 {
		s, ok := b.shards[hint.PreferShard]
		if !ok {
			return 0, fault.New(fault.NotFound, "balancer.assign", "shard %d", hint.PreferShard)
		}
		if !usable(s) {
			return 0, fault.New(fault.CapacityExceeded, "balancer.assign",
				"shard %d cannot accept agents", hint.PreferShard)
		}
		s.Count++
		return s.ID, nil
	}

	var pick *Shard
	switch b.strategy {
	case StrategyRoundRobin:
		pick = b.pickRoundRobinLocked()
	case StrategyWeighted:
		pick = b.pickWeightedLocked()
	default:
		pick = b.pickLeastConnectionsLocked()
	}
	if pick == nil {
		return 0, fault.New(fault.CapacityExceeded, "balancer.assign", "no shard can accept the agent")
	}
	pick.Count++
	return pick.ID, nil
}

func (b *Balancer) pickRoundRobinLocked() *Shard {
	for i := 0; i < len(b.order); i++ {
		id := b.order[b.rrCounter%len(b.order)]
		b.rrCounter++
		if s := b.shards[id]; usable(s) {
			return s
		}
	}
	return nil
}

func (b *Balancer) pickLeastConnectionsLocked() *Shard {
	var best *Shard
	for _, id := range b.order { // ascending id order breaks ties
		s := b.shards[id]
		if !usable(s) {
			continue
		}
		if best == nil || s.Count < best.Count {
			best = s
		}
	}
	return best
}

func (b *Balancer) pickWeightedLocked() *Shard {
	var total float64
	for _, id := range b.order {
		if s := b.shards[id]; usable(s) {
			total += s.Weight
		}
	}
	if total <= 0 {
		return nil
	}
	target := float64(b.intn(1000)) / 1000 * total
	for _, id := range b.order {
		s := b.shards[id]
		if !usable(s) {
			continue
		}
		target -= s.Weight
		if target < 0 {
			return s
		}
	}
	// Rounding fell off the end; take the last usable shard.
	for i := len(b.order) - 1; i >= 0; i-- {
		if s := b.shards[b.order[i]]; usable(s) {
			return s
		}
	}
	return nil
}

// Release decrements a shard counter. Underflow panics when Debug is
// set and saturates at zero otherwise.
func (b *Balancer) Release(shardID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.shards[shardID]
	if !ok {
		return
	}
	if s.Count <= 0 {
		if Debug {
			panic(fmt.Sprintf("balancer: release on empty shard %d", shardID))
		}
		slog.Warn("balancer counter underflow", "shard", shardID)
		s.Count = 0
		return
	}
	s.Count--
}

// SetStrategy hot-swaps the assignment strategy.
func (b *Balancer) SetStrategy(name string) error {
	switch name {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyWeighted:
	default:
		return fmt.Errorf("unknown balance strategy %q", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strategy = name
	return nil
}

// UpdateShard hot-patches capacity, weight and enabled of one shard.
func (b *Balancer) UpdateShard(shardID int, capacity int, weight float64, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.shards[shardID]
	if !ok {
		return fault.New(fault.NotFound, "balancer.update_shard", "shard %d", shardID)
	}
	s.Capacity = capacity
	if weight > 0 {
		s.Weight = weight
	}
	s.Enabled = enabled
	return nil
}

// Heartbeat records a shard as alive and healthy.
func (b *Balancer) Heartbeat(shardID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.shards[shardID]; ok {
		s.LastSeen = time.Now()
		if !s.Healthy {
			slog.Info("shard recovered", "shard", shardID)
		}
		s.Healthy = true
	}
}

// SweepHealth marks shards without a heartbeat within the timeout as
// unhealthy. Returns the ids that changed state.
func (b *Balancer) SweepHealth(now time.Time) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var flipped []int
	for _, id := range b.order {
		s := b.shards[id]
		if s.Healthy && now.Sub(s.LastSeen) > b.healthTTL {
			s.Healthy = false
			flipped = append(flipped, id)
			slog.Warn("shard missed heartbeats", "shard", id, "last_seen", s.LastSeen)
		}
	}
	return flipped
}

// Shards returns a snapshot of the shard table in id order.
func (b *Balancer) Shards() []Shard {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Shard, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.shards[id])
	}
	return out
}

// TotalCount returns the sum of shard counters.
func (b *Balancer) TotalCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sum := 0
	for _, s := range b.shards {
		sum += s.Count
	}
	return sum
}

// Rebalance plans migrations that bring every healthy shard within
// ±tolerance of the mean, draining unhealthy shards entirely. The
// lister supplies the agents currently on a shard; moves are greedy
// from the most loaded to the least loaded. The plan does not mutate
// counters; applying each migration does.
func (b *Balancer) Rebalance(lister func(shardID int) []string) []Migration {
	b.mu.Lock()

	type load struct {
		id    int
		count int
	}
	var healthy []load
	var drain []int
	total := 0
	for _, id := range b.order {
		s := b.shards[id]
		total += s.Count
		if s.Enabled && s.Healthy {
			healthy = append(healthy, load{id: s.ID, count: s.Count})
		} else if s.Count > 0 {
			drain = append(drain, s.ID)
		}
	}
	tolerance := b.tolerance
	b.mu.Unlock()

	if len(healthy) == 0 {
		return nil
	}

	// Pull agent lists outside the lock; the scheduler holds the only
	// rebalance loop so the plan cannot race another plan.
	pending := make(map[int][]string, len(healthy)+len(drain))
	for _, l := range healthy {
		pending[l.id] = lister(l.id)
	}

	var plan []Migration

	// First evacuate disabled/unhealthy shards round-robin onto the
	// healthy ones.
	targetIdx := 0
	for _, id := range drain {
		for _, agentID := range lister(id) {
			to := &healthy[targetIdx%len(healthy)]
			targetIdx++
			plan = append(plan, Migration{AgentID: agentID, From: id, To: to.id})
			to.count++
		}
	}

	// Tolerance gates whether a rebalance happens at all; once any
	// shard drifts outside it, the plan equalizes fully (down to the
	// indivisible-agent remainder).
	mean := float64(total) / float64(len(healthy))
	slack := mean * tolerance

	balanced := true
	for _, l := range healthy {
		d := float64(l.count) - mean
		if d < 0 {
			d = -d
		}
		if d > slack && d >= 1 {
			balanced = false
			break
		}
	}
	if balanced {
		return plan
	}

	for {
		sort.Slice(healthy, func(i, j int) bool {
			if healthy[i].count != healthy[j].count {
				return healthy[i].count > healthy[j].count
			}
			return healthy[i].id < healthy[j].id
		})
		most := &healthy[0]
		least := &healthy[len(healthy)-1]
		if most.count-least.count <= 1 {
			break
		}
		agents := pending[most.id]
		if len(agents) == 0 {
			break
		}
		agentID := agents[len(agents)-1]
		pending[most.id] = agents[:len(agents)-1]
		plan = append(plan, Migration{AgentID: agentID, From: most.id, To: least.id})
		most.count--
		least.count++
	}

	return plan
}
