package persistence

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wulin-online/swarm/pkg/agent"
	"github.com/wulin-online/swarm/pkg/balancer"
	"github.com/wulin-online/swarm/pkg/logger"
	"github.com/wulin-online/swarm/pkg/observability"
)

// AgentSource is the registry surface the synchronizer drains. The
// snapshot handed back to ClearDirty carries each agent's DirtySeq so
// one dirtied again during the commit stays dirty.
type AgentSource interface {
	DirtyAgents() []agent.Agent
	ClearDirty(snapshot []agent.Agent, syncedAt time.Time)
}

// ShardSource feeds the server_status table.
type ShardSource interface {
	Shards() []balancer.Shard
}

// event is one queued agent_events row.
type event struct {
	agentID string
	kind    string
	payload []byte
}

// Syncer runs the periodic persistence tasks: the dirty-agent drain,
// the connection heartbeat, the retention sweep and the reconnect
// loop. Writes flow through the Store; the Syncer owns the cadence.
type Syncer struct {
	store  *Store
	agents AgentSource
	shards ShardSource
	cfg    Config
	log    *slog.Logger

	events chan event

	cancel context.CancelFunc
	g      *errgroup.Group
}

// NewSyncer binds the periodic tasks to a store and its sources.
func NewSyncer(store *Store, agents AgentSource, shards ShardSource) *Syncer {
	return &Syncer{
		store:  store,
		agents: agents,
		shards: shards,
		cfg:    store.cfg,
		log:    logger.GetLogger().With("component", "syncer"),
		events: make(chan event, 1024),
	}
}

// Start launches the periodic tasks.
func (s *Syncer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.g, ctx = errgroup.WithContext(ctx)

	s.g.Go(func() error { return s.drainLoop(ctx) })
	s.g.Go(func() error { return s.heartbeatLoop(ctx) })
	s.g.Go(func() error { return s.retentionLoop(ctx) })
	s.g.Go(func() error { return s.reconnectLoop(ctx) })
	s.g.Go(func() error { return s.eventLoop(ctx) })
}

// Stop drains one final batch and waits for the tasks to exit.
func (s *Syncer) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.g.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.drainOnce(ctx); err != nil {
		s.log.Error("final drain failed", "error", err)
	}
}

// Record queues one event-log row. Rows are dropped when the queue is
// full; the event log is best-effort.
func (s *Syncer) Record(agentID, kind string, payload []byte) {
	select {
	case s.events <- event{agentID: agentID, kind: kind, payload: payload}:
	default:
	}
}

func (s *Syncer) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.store.Healthy() {
				continue
			}
			if err := s.drainOnce(ctx); err != nil {
				s.log.Warn("dirty drain failed", "error", err)
			}
		}
	}
}

// drainOnce snapshots the dirty set, commits it in one transaction and
// clears the flags of the committed rows. An agent dirtied again after
// the snapshot stays dirty and rides the next batch.
func (s *Syncer) drainOnce(ctx context.Context) error {
	dirty := s.agents.DirtyAgents()
	if len(dirty) > 0 {
		start := time.Now()
		err := s.store.UpsertAgents(ctx, dirty)
		observability.Global().RecordBatch(ctx, len(dirty), time.Since(start), err)
		if err != nil {
			return err
		}
		s.agents.ClearDirty(dirty, time.Now())
		s.log.Debug("drained dirty agents", "count", len(dirty))
	}

	if s.shards == nil {
		return nil
	}
	shards := s.shards.Shards()
	statuses := make([]ShardStatus, len(shards))
	for i, sh := range shards {
		statuses[i] = ShardStatus{
			ShardID:  sh.ID,
			Name:     sh.Name,
			Count:    sh.Count,
			Capacity: sh.Capacity,
		}
	}
	return s.store.UpsertServerStatus(ctx, statuses)
}

func (s *Syncer) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.store.Heartbeat(ctx); err != nil {
				s.log.Warn("database heartbeat failed", "error", err)
			}
		}
	}
}

func (s *Syncer) retentionLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RetentionEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.store.Healthy() {
				continue
			}
			agents, events, err := s.store.PurgeExpired(ctx, time.Now())
			if err != nil {
				s.log.Warn("retention sweep failed", "error", err)
				continue
			}
			if agents > 0 || events > 0 {
				s.log.Info("retention sweep", "agents", agents, "events", events)
			}
		}
	}
}

// reconnectLoop probes an unhealthy store until it answers again.
func (s *Syncer) reconnectLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.store.Healthy() {
				continue
			}
			if err := s.store.Heartbeat(ctx); err != nil {
				s.log.Debug("reconnect attempt failed", "error", err)
				continue
			}
			s.log.Info("database connection restored")
		}
	}
}

func (s *Syncer) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			// Flush whatever is queued before exiting.
			for {
				select {
				case ev := <-s.events:
					s.writeEvent(ev)
				default:
					return nil
				}
			}
		case ev := <-s.events:
			s.writeEvent(ev)
		}
	}
}

// writeEvent ignores the loop context: event rows carry the store's own
// query timeout and may flush during shutdown.
func (s *Syncer) writeEvent(ev event) {
	if !s.store.Healthy() {
		return
	}
	if err := s.store.LogEvent(context.Background(), ev.agentID, ev.kind, ev.payload); err != nil {
		s.log.Debug("event log write failed", "error", err)
	}
}
