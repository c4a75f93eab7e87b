// Package runtime assembles the swarm components from a loaded
// configuration and owns their start and stop ordering.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wulin-online/swarm/pkg/agent"
	"github.com/wulin-online/swarm/pkg/balancer"
	"github.com/wulin-online/swarm/pkg/command"
	"github.com/wulin-online/swarm/pkg/config"
	"github.com/wulin-online/swarm/pkg/llm"
	"github.com/wulin-online/swarm/pkg/logger"
	"github.com/wulin-online/swarm/pkg/observability"
	"github.com/wulin-online/swarm/pkg/persistence"
	"github.com/wulin-online/swarm/pkg/scheduler"
	"github.com/wulin-online/swarm/pkg/server"
	"github.com/wulin-online/swarm/pkg/telemetry"
)

// Stages an InitError can name, so callers can map failures to exit
// codes.
const (
	StagePersistence = "persistence"
	StageServer      = "server"
	StageTelemetry   = "telemetry"
)

// InitError wraps a startup failure with the stage that produced it.
type InitError struct {
	Stage string
	Err   error
}

func (e *InitError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *InitError) Unwrap() error { return e.Err }

// App is the assembled process: registry, balancer, scheduler,
// protocol server and the optional persistence, LLM and telemetry
// subsystems.
type App struct {
	cfg *config.Config
	log *slog.Logger

	registry   *agent.Registry
	balancer   *balancer.Balancer
	queue      *command.Queue
	scheduler  *scheduler.Scheduler
	server     *server.Server
	store      *persistence.Store
	syncer     *persistence.Syncer
	dispatcher *llm.Dispatcher
	telemetry  *telemetry.Server

	cancel context.CancelFunc
}

// New wires the components together. The persistence store is opened
// here so a bad connection string fails fast, before any listener
// binds.
func New(cfg *config.Config) (*App, error) {
	app := &App{
		cfg: cfg,
		log: logger.GetLogger().With("component", "runtime"),
	}

	metrics, err := observability.InitMetrics(context.Background(),
		observability.MetricsConfig{Enabled: cfg.Telemetry.Enabled})
	if err != nil {
		return nil, &InitError{Stage: StageTelemetry, Err: err}
	}
	observability.SetGlobal(metrics)

	bal, err := balancer.New(cfg.Balancer.Shards, cfg.BalancerOptions()...)
	if err != nil {
		return nil, fmt.Errorf("balancer: %w", err)
	}
	app.balancer = bal

	app.registry = agent.NewRegistry(bal,
		agent.WithMaxAgents(cfg.Scheduler.MaxAgents),
		agent.WithStrategyConfig(cfg.AI),
	)
	app.queue = command.NewQueue(cfg.Scheduler.QueueCapacity)

	var schedOpts []scheduler.Option
	if cfg.Persistence.Enabled {
		store, err := persistence.Open(cfg.PersistenceConfig())
		if err != nil {
			return nil, &InitError{Stage: StagePersistence, Err: err}
		}
		app.store = store
		app.syncer = persistence.NewSyncer(store, app.registry, bal)
		schedOpts = append(schedOpts, scheduler.WithSnapshotter(store))
	}

	app.scheduler = scheduler.New(app.registry, app.queue, bal,
		cfg.SchedulerConfig(), schedOpts...)
	app.server = server.New(app.registry, app.queue, app.scheduler, cfg.ServerConfig())
	app.scheduler.SetNotifier(app.server)

	if cfg.LLM.Enabled {
		d, err := llm.New(cfg.LLMConfig())
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
		app.dispatcher = d
	}

	if cfg.Telemetry.Enabled {
		app.telemetry = telemetry.New(cfg.TelemetryConfig(), app)
	}
	return app, nil
}

// Start brings the subsystems up: background loops first, listeners
// last, so a bind failure leaves nothing half-started that Stop cannot
// unwind.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.syncer != nil {
		a.syncer.Start(ctx)
	}
	if a.dispatcher != nil {
		a.dispatcher.Start(ctx)
	}
	a.scheduler.Start(ctx)

	if err := a.server.Start(ctx); err != nil {
		a.stopBackground()
		return &InitError{Stage: StageServer, Err: err}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Start(); err != nil {
			a.server.Stop()
			a.stopBackground()
			return &InitError{Stage: StageTelemetry, Err: err}
		}
	}

	a.log.Info("swarm started",
		"addr", a.server.Addr().String(),
		"shards", len(a.balancer.Shards()),
		"persistence", a.store != nil,
		"llm", a.dispatcher != nil,
	)
	return nil
}

// Stop shuts down in dependency order: listeners first so no new work
// arrives, then the scheduler with its final snapshot, then the drains
// that flush what the scheduler left behind.
func (a *App) Stop() error {
	var errs []error

	if err := a.server.Stop(); err != nil {
		errs = append(errs, err)
	}
	a.registry.Close()
	if err := a.scheduler.Stop(); err != nil {
		errs = append(errs, err)
	}
	a.stopBackground()
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.telemetry.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}

	a.log.Info("swarm stopped", "errors", len(errs))
	return errors.Join(errs...)
}

func (a *App) stopBackground() {
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.syncer != nil {
		a.syncer.Stop()
	}
}

// ApplyReload pushes the hot-reloadable sections of a freshly loaded
// configuration into the running components. Listener addresses and
// pool sizes need a restart and are left alone.
func (a *App) ApplyReload(cfg *config.Config) {
	a.registry.ReloadStrategyConfig(cfg.AI)

	if err := a.balancer.SetStrategy(cfg.Balancer.Strategy); err != nil {
		a.log.Warn("reload: balancer strategy rejected",
			"strategy", cfg.Balancer.Strategy, "error", err)
	}
	for _, sh := range cfg.Balancer.Shards {
		if err := a.balancer.UpdateShard(sh.ID, sh.Capacity, sh.Weight, sh.Enabled); err != nil {
			a.log.Warn("reload: shard update rejected", "shard", sh.ID, "error", err)
		}
	}

	a.log.Info("configuration reload applied",
		"strategy", cfg.Balancer.Strategy, "epsilon", cfg.AI.Epsilon)
}

// Snapshot implements telemetry.StatsSource.
func (a *App) Snapshot() telemetry.Snapshot {
	snap := telemetry.Snapshot{
		Timestamp:  time.Now().UnixMilli(),
		Agents:     a.registry.Count(),
		Sessions:   a.server.SessionCount(),
		QueueDepth: a.queue.Len(),
		Shards:     make(map[string]int),
	}
	for _, sh := range a.balancer.Shards() {
		snap.Shards[fmt.Sprintf("%d", sh.ID)] = sh.Count
	}
	if a.dispatcher != nil {
		stats := a.dispatcher.Stats()
		snap.LLM = map[string]int64{
			"total":      stats.Total,
			"successful": stats.Successful,
			"failed":     stats.Failed,
			"queued":     int64(stats.Queued),
		}
	}
	if a.store != nil {
		snap.DBHealthy = a.store.Healthy()
	}
	return snap
}

// Scheduler exposes the control surface for embedding callers.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Registry exposes the agent registry for embedding callers.
func (a *App) Registry() *agent.Registry { return a.registry }
