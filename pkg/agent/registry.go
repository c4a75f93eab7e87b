package agent

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wulin-online/swarm/pkg/ai"
	"github.com/wulin-online/swarm/pkg/fault"
)

// ShardAssigner is the balancer surface the registry needs: a shard on
// create, a counter decrement on delete. Both are called under the
// registry's lock so shard counters and agent shard ids stay
// consistent.
type ShardAssigner interface {
	Assign(hint AssignHint) (int, error)
	Release(shardID int)
}

// AssignHint carries what the balancer may want to know about the
// agent being placed.
type AssignHint struct {
	Academy    int
	Department int
	TeamID     int
	// PreferShard, when nonzero, asks for a specific shard; used by
	// restore-from-storage and by tests exercising rebalance.
	PreferShard int
}

// Seed is the caller-supplied part of a new agent.
type Seed struct {
	Name         string
	Academy      int
	Department   int
	TeamID       int
	Level        int
	Traits       ai.Traits
	StrategyName string
}

// entry is the registry-private wrapper: the canonical record plus the
// live strategy instance.
type entry struct {
	agent    Agent
	strategy ai.Strategy
}

// Registry exclusively owns agent state. Operations are linearizable:
// one RW mutex guards the records, team rosters and the balancer
// callbacks so external observers always see a consistent view.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*entry
	teams    map[int]map[string]struct{}
	assigner ShardAssigner

	maxAgents int
	stratCfg  ai.Config
	rng       *rand.Rand

	closed bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxAgents caps the registry population (default 1000).
func WithMaxAgents(n int) Option {
	return func(r *Registry) { r.maxAgents = n }
}

// WithStrategyConfig sets the strategy tunables used when
// instantiating per-agent strategies.
func WithStrategyConfig(cfg ai.Config) Option {
	return func(r *Registry) { r.stratCfg = cfg }
}

// WithRand sets the random source for strategy exploration; tests pin
// it for determinism.
func WithRand(rng *rand.Rand) Option {
	return func(r *Registry) { r.rng = rng }
}

// NewRegistry creates an empty registry bound to a shard assigner.
func NewRegistry(assigner ShardAssigner, opts ...Option) *Registry {
	r := &Registry{
		agents:    make(map[string]*entry),
		teams:     make(map[int]map[string]struct{}),
		assigner:  assigner,
		maxAgents: 1000,
	}
	r.stratCfg.SetDefaults()
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close rejects all further mutations with shutdown_in_progress.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Create assigns an id and a shard, inserts the agent and returns a
// snapshot. Fails with capacity_exceeded when no shard can accept it.
func (r *Registry) Create(seed Seed) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Agent{}, fault.New(fault.ShutdownInProgress, "registry.create", "registry closed")
	}
	if len(r.agents) >= r.maxAgents {
		return Agent{}, fault.New(fault.CapacityExceeded, "registry.create",
			"registry at max_agents=%d", r.maxAgents)
	}

	shardID, err := r.assigner.Assign(AssignHint{
		Academy:    seed.Academy,
		Department: seed.Department,
		TeamID:     seed.TeamID,
	})
	if err != nil {
		return Agent{}, fault.Wrap(fault.CapacityExceeded, "registry.create", err)
	}

	now := time.Now()
	level := seed.Level
	if level <= 0 {
		level = 1
	}
	name := seed.Name
	if name == "" {
		name = RandomName(seed.Academy, r.rng)
	}
	strategyName := seed.StrategyName
	if strategyName == "" {
		strategyName = ai.StrategyUtility
	}

	a := Agent{
		ID:           uuid.NewString(),
		Name:         name,
		Academy:      seed.Academy,
		Department:   seed.Department,
		TeamID:       seed.TeamID,
		ShardID:      shardID,
		Level:        level,
		MaxHP:        100 + 20*(level-1),
		MaxMP:        50 + 10*(level-1),
		Traits:       seed.Traits,
		State:        StateIdle,
		CreatedAt:    now,
		QTable:       ai.NewQTable(r.stratCfg.MaxQEntries),
		StrategyName: strategyName,
		Dirty:        true,
		DirtySeq:     1,
	}
	a.HP = a.MaxHP
	a.MP = a.MaxMP

	if err := a.Validate(); err != nil {
		r.assigner.Release(shardID)
		return Agent{}, fault.Wrap(fault.InvariantViolation, "registry.create", err)
	}

	strategy, err := ai.New(strategyName, r.stratCfg, a.QTable, r.rng)
	if err != nil {
		r.assigner.Release(shardID)
		return Agent{}, fault.Wrap(fault.InvariantViolation, "registry.create", err)
	}

	r.agents[a.ID] = &entry{agent: a, strategy: strategy}
	if a.TeamID > 0 {
		r.rosterAddLocked(a.TeamID, a.ID)
	}
	return a, nil
}

// Get returns an immutable copy of the agent.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return Agent{}, fault.New(fault.NotFound, "registry.get", "agent %s", id)
	}
	return e.agent, nil
}

// Update applies the mutator under the registry lock. The mutator runs
// on a scratch copy; any invariant violation discards the whole
// mutation. The dirty flag is set on success.
func (r *Registry) Update(id string, mutate func(*Agent) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fault.New(fault.ShutdownInProgress, "registry.update", "registry closed")
	}
	e, ok := r.agents[id]
	if !ok {
		return fault.New(fault.NotFound, "registry.update", "agent %s", id)
	}

	scratch := e.agent
	if err := mutate(&scratch); err != nil {
		return err
	}

	// Identity and placement are not the mutator's to change.
	if scratch.ID != e.agent.ID || scratch.ShardID != e.agent.ShardID {
		return fault.New(fault.InvariantViolation, "registry.update",
			"mutator changed identity or shard of %s", id)
	}
	// Leaving dead requires an explicit respawn.
	if e.agent.State == StateDead && scratch.State != StateDead {
		return fault.New(fault.InvariantViolation, "registry.update",
			"agent %s is dead; use Respawn", id)
	}
	if err := scratch.Validate(); err != nil {
		return fault.Wrap(fault.InvariantViolation, "registry.update", err)
	}

	if scratch.TeamID != e.agent.TeamID {
		if e.agent.TeamID > 0 {
			r.rosterRemoveLocked(e.agent.TeamID, id)
		}
		if scratch.TeamID > 0 {
			r.rosterAddLocked(scratch.TeamID, id)
		}
	}

	scratch.Dirty = true
	scratch.DirtySeq = e.agent.DirtySeq + 1
	e.agent = scratch
	return nil
}

// Respawn is the explicit transition out of dead.
func (r *Registry) Respawn(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fault.New(fault.ShutdownInProgress, "registry.respawn", "registry closed")
	}
	e, ok := r.agents[id]
	if !ok {
		return fault.New(fault.NotFound, "registry.respawn", "agent %s", id)
	}
	if e.agent.State != StateDead {
		return fault.New(fault.InvariantViolation, "registry.respawn",
			"agent %s is %s, not dead", id, e.agent.State)
	}
	e.agent.HP = e.agent.MaxHP
	e.agent.MP = e.agent.MaxMP
	e.agent.State = StateReturning
	e.agent.Dirty = true
	e.agent.DirtySeq++
	return nil
}

// Delete removes the agent, releases its shard slot and drops it from
// any team roster.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return fault.New(fault.NotFound, "registry.delete", "agent %s", id)
	}
	if e.agent.TeamID > 0 {
		r.rosterRemoveLocked(e.agent.TeamID, id)
	}
	r.assigner.Release(e.agent.ShardID)
	delete(r.agents, id)
	return nil
}

// List returns snapshots matching the filter; nil matches everything.
// Order is unspecified.
func (r *Registry) List(filter func(Agent) bool) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, e := range r.agents {
		if filter == nil || filter(e.agent) {
			out = append(out, e.agent)
		}
	}
	return out
}

// ListShard returns snapshots of all agents on one shard.
func (r *Registry) ListShard(shardID int) []Agent {
	return r.List(func(a Agent) bool { return a.ShardID == shardID })
}

// Count returns the population.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// IDs returns every agent id. Order is unspecified.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

// TeamMembers returns the roster of a team.
func (r *Registry) TeamMembers(teamID int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.teams[teamID]))
	for id := range r.teams[teamID] {
		out = append(out, id)
	}
	return out
}

// StrategyOf returns the live strategy instance of an agent. The
// scheduler is the only caller and never runs two ticks of one agent
// concurrently.
func (r *Registry) StrategyOf(id string) (ai.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "registry.strategy", "agent %s", id)
	}
	return e.strategy, nil
}

// SetStrategy hot-swaps the agent's strategy, keeping its Q-table.
func (r *Registry) SetStrategy(id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return fault.New(fault.NotFound, "registry.set_strategy", "agent %s", id)
	}
	strategy, err := ai.New(name, r.stratCfg, e.agent.QTable, r.rng)
	if err != nil {
		return fault.Wrap(fault.MalformedPayload, "registry.set_strategy", err)
	}
	e.strategy = strategy
	e.agent.StrategyName = name
	e.agent.Dirty = true
	e.agent.DirtySeq++
	return nil
}

// ReloadStrategyConfig applies new strategy tunables to every live
// agent, rebuilding each strategy instance around its existing Q-table
// so learned state survives the reload.
func (r *Registry) ReloadStrategyConfig(cfg ai.Config) {
	cfg.SetDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stratCfg = cfg
	for _, e := range r.agents {
		strategy, err := ai.New(e.agent.StrategyName, cfg, e.agent.QTable, r.rng)
		if err != nil {
			// Unknown strategy names cannot appear here; entries are
			// only created through ai.New in the first place.
			continue
		}
		e.strategy = strategy
	}
}

// Migrate moves an agent to another shard, keeping the balancer's
// counters in step under the registry lock.
func (r *Registry) Migrate(id string, toShard int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return fault.New(fault.NotFound, "registry.migrate", "agent %s", id)
	}
	if toShard < 1 || toShard > NumShards {
		return fault.New(fault.InvariantViolation, "registry.migrate",
			"shard %d out of range", toShard)
	}
	if e.agent.ShardID == toShard {
		return nil
	}
	if _, err := r.assigner.Assign(AssignHint{PreferShard: toShard}); err != nil {
		return fault.Wrap(fault.CapacityExceeded, "registry.migrate", err)
	}
	r.assigner.Release(e.agent.ShardID)
	e.agent.ShardID = toShard
	e.agent.Dirty = true
	e.agent.DirtySeq++
	return nil
}

// DirtyAgents returns snapshots of all agents with the dirty flag set.
// Callers persist the batch as one transaction.
func (r *Registry) DirtyAgents() []Agent {
	return r.List(func(a Agent) bool { return a.Dirty })
}

// ClearDirty clears the flag for agents whose committed snapshot is
// still current. An agent dirtied again after the snapshot was taken
// keeps its flag and rides the next batch.
func (r *Registry) ClearDirty(snapshot []Agent, syncedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range snapshot {
		e, ok := r.agents[s.ID]
		if !ok {
			continue
		}
		e.agent.LastDBSyncAt = syncedAt
		if e.agent.DirtySeq == s.DirtySeq {
			e.agent.Dirty = false
		}
	}
}

// TouchTick stamps last_tick_at without marking the agent dirty; tick
// bookkeeping alone is not worth a persistence round trip.
func (r *Registry) TouchTick(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[id]; ok {
		e.agent.LastTickAt = at
	}
}

func (r *Registry) rosterAddLocked(teamID int, id string) {
	roster, ok := r.teams[teamID]
	if !ok {
		roster = make(map[string]struct{})
		r.teams[teamID] = roster
	}
	roster[id] = struct{}{}
}

func (r *Registry) rosterRemoveLocked(teamID int, id string) {
	if roster, ok := r.teams[teamID]; ok {
		delete(roster, id)
		if len(roster) == 0 {
			delete(r.teams, teamID)
		}
	}
}
