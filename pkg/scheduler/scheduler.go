// Package scheduler drives the swarm: a worker pool sweeps every
// active agent on a fixed tick, drains the command queue, and asks the
// balancer to even out the shards. All agent mutation flows through
// the registry; the scheduler never holds agent state of its own
// beyond per-agent bookkeeping counters.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wulin-online/swarm/pkg/agent"
	"github.com/wulin-online/swarm/pkg/ai"
	"github.com/wulin-online/swarm/pkg/balancer"
	"github.com/wulin-online/swarm/pkg/command"
	"github.com/wulin-online/swarm/pkg/fault"
	"github.com/wulin-online/swarm/pkg/logger"
	"github.com/wulin-online/swarm/pkg/observability"
	"github.com/wulin-online/swarm/pkg/wire"
)

// Notifier receives the notifications the scheduler emits while
// applying actions. The protocol server's broadcast hub implements it.
type Notifier interface {
	Broadcast(m wire.Message)
}

// Snapshotter receives the final dirty-agent snapshot during Stop. The
// persistence synchronizer implements it.
type Snapshotter interface {
	UpsertAgents(ctx context.Context, agents []agent.Agent) error
}

// Config holds the scheduler tunables.
type Config struct {
	TickInterval    time.Duration // default 100ms
	DrainInterval   time.Duration // default 100ms
	BalanceInterval time.Duration // default 5s
	Workers         int           // default max(4, 2×NumCPU)
	DrainBatch      int           // commands pulled per drain, default 256
	TickBudget      time.Duration // soft per-agent budget, default 1ms
	DemoteAfter     int           // consecutive overruns or failures, default 3
	StopTimeout     time.Duration // default 10s
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 100 * time.Millisecond
	}
	if c.BalanceInterval <= 0 {
		c.BalanceInterval = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2 * runtime.NumCPU()
		if c.Workers < 4 {
			c.Workers = 4
		}
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 256
	}
	if c.TickBudget <= 0 {
		c.TickBudget = time.Millisecond
	}
	if c.DemoteAfter <= 0 {
		c.DemoteAfter = 3
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
}

// Command payloads. The queue keeps payloads opaque; these are the
// shapes the drain task decodes.

// CreatePayload seeds a new agent.
type CreatePayload struct {
	Name       string    `json:"name,omitempty"`
	Academy    int       `json:"academy"`
	Department int       `json:"department"`
	TeamID     int       `json:"team_id,omitempty"`
	Level      int       `json:"level,omitempty"`
	Traits     ai.Traits `json:"traits,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
}

// UpdatePayload patches mutable agent fields; nil pointers leave the
// field untouched.
type UpdatePayload struct {
	TeamID   *int     `json:"team_id,omitempty"`
	Strategy *string  `json:"strategy,omitempty"`
	Pos      *ai.Vec3 `json:"pos,omitempty"`
}

// ControlPayload is a queued system_control.
type ControlPayload struct {
	Action string `json:"action"`
}

// Scheduler owns the periodic tasks and the per-agent tick
// bookkeeping.
type Scheduler struct {
	reg      *agent.Registry
	queue    *command.Queue
	bal      *balancer.Balancer
	notifier Notifier
	snap     Snapshotter
	cfg      Config
	log      *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	mailbox map[string][]ai.Action
	slow    map[string]int
	fails   map[string]int

	paused atomic.Bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithSnapshotter sets the sink for the final snapshot taken on Stop.
func WithSnapshotter(sn Snapshotter) Option {
	return func(s *Scheduler) { s.snap = sn }
}

// WithRand pins the random source; tests use it to make combat rolls
// deterministic.
func WithRand(rng *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = rng }
}

// New builds a scheduler over the registry, queue and balancer.
func New(reg *agent.Registry, queue *command.Queue, bal *balancer.Balancer, cfg Config, opts ...Option) *Scheduler {
	cfg.SetDefaults()
	s := &Scheduler{
		reg:     reg,
		queue:   queue,
		bal:     bal,
		cfg:     cfg,
		log:     logger.GetLogger().With("component", "scheduler"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		mailbox: make(map[string][]ai.Action),
		slow:    make(map[string]int),
		fails:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier binds the notification sink after construction; the
// protocol server needs the scheduler first and vice versa.
func (s *Scheduler) SetNotifier(n Notifier) { s.notifier = n }

// Start launches the drain, tick and balance loops. It returns
// immediately; the loops run until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)

	s.group.Go(func() error { return s.loop(ctx, s.cfg.DrainInterval, s.drainOnce) })
	s.group.Go(func() error { return s.loop(ctx, s.cfg.TickInterval, s.tickOnce) })
	s.group.Go(func() error { return s.loop(ctx, s.cfg.BalanceInterval, s.balanceOnce) })
	s.log.Info("scheduler started",
		"workers", s.cfg.Workers,
		"tick_interval", s.cfg.TickInterval)
}

// Stop cancels the loops, waits up to StopTimeout for them to drain,
// then snapshots remaining dirty agents to storage.
func (s *Scheduler) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		s.log.Warn("scheduler stop timed out", "timeout", s.cfg.StopTimeout)
	}

	if s.snap != nil {
		dirty := s.reg.DirtyAgents()
		if len(dirty) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
			defer cancel()
			if err := s.snap.UpsertAgents(ctx, dirty); err != nil {
				s.log.Error("final snapshot failed", "error", err, "agents", len(dirty))
				return err
			}
			s.log.Info("final snapshot written", "agents", len(dirty))
		}
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, step func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			step()
		}
	}
}

// Pause suspends ticking; queued commands keep draining.
func (s *Scheduler) Pause() {
	s.paused.Store(true)
	s.broadcastSystemEvent(wire.SystemEventPause, "")
}

// Resume restarts ticking.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
	s.broadcastSystemEvent(wire.SystemEventResume, "")
}

// Paused reports whether ticking is suspended.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Reset restores every agent to full vitals and idle, reviving the
// dead, and clears all mailboxes.
func (s *Scheduler) Reset() {
	for _, a := range s.reg.List(nil) {
		if a.State == agent.StateDead {
			if err := s.reg.Respawn(a.ID); err != nil {
				s.log.Warn("reset respawn failed", "agent", a.ID, "error", err)
				continue
			}
		}
		err := s.reg.Update(a.ID, func(a *agent.Agent) error {
			a.HP = a.MaxHP
			a.MP = a.MaxMP
			a.State = agent.StateIdle
			return nil
		})
		if err != nil {
			s.log.Warn("reset failed", "agent", a.ID, "error", err)
		}
	}
	s.mu.Lock()
	s.mailbox = make(map[string][]ai.Action)
	s.mu.Unlock()
}

// Post queues an externally supplied action for an agent; the next
// tick applies it instead of consulting the strategy.
func (s *Scheduler) Post(agentID string, act ai.Action) {
	s.mu.Lock()
	s.mailbox[agentID] = append(s.mailbox[agentID], act)
	s.mu.Unlock()
}

func (s *Scheduler) takeMail(agentID string) (ai.Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	box := s.mailbox[agentID]
	if len(box) == 0 {
		return ai.Action{}, false
	}
	act := box[0]
	if len(box) == 1 {
		delete(s.mailbox, agentID)
	} else {
		s.mailbox[agentID] = box[1:]
	}
	return act, true
}

// drainOnce pulls a batch of commands and dispatches them.
func (s *Scheduler) drainOnce() {
	for _, cmd := range s.queue.DequeueBatch(s.cfg.DrainBatch) {
		if err := s.dispatch(cmd); err != nil {
			s.log.Warn("command failed",
				"type", cmd.Type, "agent", cmd.AgentID, "error", err)
		}
	}
}

func (s *Scheduler) dispatch(cmd command.Command) error {
	switch cmd.Type {
	case command.TypeCreate:
		var p CreatePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fault.Wrap(fault.MalformedPayload, "scheduler.dispatch", err)
		}
		_, err := s.reg.Create(agent.Seed{
			Name:         p.Name,
			Academy:      p.Academy,
			Department:   p.Department,
			TeamID:       p.TeamID,
			Level:        p.Level,
			Traits:       p.Traits,
			StrategyName: p.Strategy,
		})
		return err

	case command.TypeUpdate:
		var p UpdatePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fault.Wrap(fault.MalformedPayload, "scheduler.dispatch", err)
		}
		if p.Strategy != nil {
			if err := s.reg.SetStrategy(cmd.AgentID, *p.Strategy); err != nil {
				return err
			}
		}
		if p.TeamID == nil && p.Pos == nil {
			return nil
		}
		return s.reg.Update(cmd.AgentID, func(a *agent.Agent) error {
			if p.TeamID != nil {
				a.TeamID = *p.TeamID
			}
			if p.Pos != nil {
				a.Pos = *p.Pos
			}
			return nil
		})

	case command.TypeDelete:
		return s.reg.Delete(cmd.AgentID)

	case command.TypeBroadcastAction:
		var act ai.Action
		if err := json.Unmarshal(cmd.Payload, &act); err != nil {
			return fault.Wrap(fault.MalformedPayload, "scheduler.dispatch", err)
		}
		s.Post(cmd.AgentID, act)
		return nil

	case command.TypeSystemControl:
		var p ControlPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fault.Wrap(fault.MalformedPayload, "scheduler.dispatch", err)
		}
		switch p.Action {
		case wire.SystemPauseAll:
			s.Pause()
		case wire.SystemResumeAll:
			s.Resume()
		case wire.SystemResetAll:
			s.Reset()
		default:
			return fault.New(fault.MalformedPayload, "scheduler.dispatch",
				"unknown control action %q", p.Action)
		}
		return nil

	default:
		return fault.New(fault.MalformedPayload, "scheduler.dispatch",
			"unknown command type %q", cmd.Type)
	}
}

// tickOnce sweeps every active agent through the worker pool.
func (s *Scheduler) tickOnce() {
	if s.paused.Load() {
		return
	}
	now := time.Now()
	metrics := observability.Global()
	metrics.SetAgentCount(context.Background(), s.reg.Count())
	metrics.SetQueueDepth(context.Background(), "command_queue", s.queue.Len())
	agents := s.reg.List(func(a agent.Agent) bool {
		if a.State == agent.StateOffline || a.State == agent.StateDead {
			return false
		}
		return now.Sub(a.LastTickAt) >= s.cfg.TickInterval
	})
	if len(agents) == 0 {
		return
	}

	work := make(chan agent.Agent)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range work {
				s.tickAgent(a, now)
			}
		}()
	}
	for _, a := range agents {
		work <- a
	}
	close(work)
	wg.Wait()
	metrics.RecordTick(context.Background(), time.Since(now), len(agents))
}

// tickAgent runs one agent's decision and applies it. Strategy panics
// and malformed actions degrade to idle; repeats demote the strategy.
func (s *Scheduler) tickAgent(a agent.Agent, now time.Time) {
	defer s.reg.TouchTick(a.ID, now)

	p := s.perceive(a)

	act, fromMail := s.takeMail(a.ID)
	if !fromMail {
		strategy, err := s.reg.StrategyOf(a.ID)
		if err != nil {
			return // deleted between list and tick
		}
		start := time.Now()
		act = s.decide(strategy, p, a.Traits)
		if elapsed := time.Since(start); elapsed > s.cfg.TickBudget {
			s.noteSlow(a.ID, elapsed)
		} else {
			s.clearSlow(a.ID)
		}
	}

	if !act.WellFormed() {
		s.noteFailure(a.ID)
		act = ai.Idle()
	} else {
		s.clearFailure(a.ID)
	}

	if err := s.ExecuteAction(a.ID, act); err != nil {
		s.log.Debug("tick action rejected", "agent", a.ID, "action", act.Type, "error", err)
		act = ai.Idle()
		_ = s.ExecuteAction(a.ID, act)
	}

	if !fromMail {
		if strategy, err := s.reg.StrategyOf(a.ID); err == nil {
			strategy.Learn(p, act, s.reward(p, act))
		}
	}
}

// decide invokes the strategy, converting a panic into an invalid
// action so one agent cannot take down a worker.
func (s *Scheduler) decide(strategy ai.Strategy, p ai.Perception, t ai.Traits) (act ai.Action) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("strategy panicked", "strategy", strategy.Name(), "panic", r)
			act = ai.Action{}
		}
	}()
	return strategy.Decide(p, t)
}

func (s *Scheduler) noteSlow(id string, elapsed time.Duration) {
	s.mu.Lock()
	s.slow[id]++
	n := s.slow[id]
	s.mu.Unlock()
	if n >= s.cfg.DemoteAfter {
		s.log.Warn("agent over tick budget, demoting strategy",
			"agent", id, "consecutive", n, "last_elapsed", elapsed)
		s.demote(id)
		s.clearSlow(id)
	}
}

func (s *Scheduler) clearSlow(id string) {
	s.mu.Lock()
	delete(s.slow, id)
	s.mu.Unlock()
}

func (s *Scheduler) noteFailure(id string) {
	s.mu.Lock()
	s.fails[id]++
	n := s.fails[id]
	s.mu.Unlock()
	if n >= s.cfg.DemoteAfter {
		s.log.Warn("agent strategy failing, demoting", "agent", id, "consecutive", n)
		s.demote(id)
		s.clearFailure(id)
	}
}

func (s *Scheduler) clearFailure(id string) {
	s.mu.Lock()
	delete(s.fails, id)
	s.mu.Unlock()
}

func (s *Scheduler) demote(id string) {
	if err := s.reg.SetStrategy(id, ai.StrategyUtility); err != nil {
		s.log.Warn("demotion failed", "agent", id, "error", err)
	}
}

// balanceOnce asks the balancer for a migration plan and applies it.
func (s *Scheduler) balanceOnce() {
	plan := s.bal.Rebalance(func(shardID int) []string {
		agents := s.reg.ListShard(shardID)
		ids := make([]string, 0, len(agents))
		for _, a := range agents {
			ids = append(ids, a.ID)
		}
		return ids
	})
	for _, m := range plan {
		if err := s.reg.Migrate(m.AgentID, m.To); err != nil {
			s.log.Warn("migration failed",
				"agent", m.AgentID, "from", m.From, "to", m.To, "error", err)
		}
	}
	if len(plan) > 0 {
		s.log.Info("rebalanced", "migrations", len(plan))
	}
}

func (s *Scheduler) roll(damageMin, damageMax int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return damageMin + s.rng.Intn(damageMax-damageMin+1)
}

func (s *Scheduler) broadcast(m wire.Message, err error) {
	if err != nil || s.notifier == nil {
		return
	}
	s.notifier.Broadcast(m)
}

func (s *Scheduler) broadcastSystemEvent(eventType, agentID string) {
	m, err := wire.NewNotification(wire.NotifySystemEvent, wire.SystemEvent{
		EventType: eventType,
		AIID:      agentID,
	})
	s.broadcast(m, err)
}
