// Package config loads the swarm configuration: YAML with environment
// variable expansion, defaults, validation and file watching for the
// hot-reloadable sections.
package config

import (
	"fmt"
	"time"

	"github.com/wulin-online/swarm/pkg/agent"
	"github.com/wulin-online/swarm/pkg/ai"
	"github.com/wulin-online/swarm/pkg/balancer"
	"github.com/wulin-online/swarm/pkg/client"
	"github.com/wulin-online/swarm/pkg/llm"
	"github.com/wulin-online/swarm/pkg/persistence"
	"github.com/wulin-online/swarm/pkg/scheduler"
	"github.com/wulin-online/swarm/pkg/server"
	"github.com/wulin-online/swarm/pkg/telemetry"
)

// Config is the full swarm configuration tree.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	AI          ai.Config         `yaml:"ai" mapstructure:"ai"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" mapstructure:"scheduler"`
	Balancer    BalancerConfig    `yaml:"balancer" mapstructure:"balancer"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Client      ClientConfig      `yaml:"client" mapstructure:"client"`
	LLM         LLMConfig         `yaml:"llm" mapstructure:"llm"`
	Persistence PersistenceConfig `yaml:"persistence" mapstructure:"persistence"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" mapstructure:"telemetry"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // simple, verbose
	File   string `yaml:"file" mapstructure:"file"`     // empty logs to stderr
}

type SchedulerConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
	DrainInterval   time.Duration `yaml:"drain_interval" mapstructure:"drain_interval"`
	BalanceInterval time.Duration `yaml:"balance_interval" mapstructure:"balance_interval"`
	Workers         int           `yaml:"workers" mapstructure:"workers"`
	MaxAgents       int           `yaml:"max_agents" mapstructure:"max_agents"`
	TickBudget      time.Duration `yaml:"tick_budget" mapstructure:"tick_budget"`
	StopTimeout     time.Duration `yaml:"stop_timeout" mapstructure:"stop_timeout"`
	QueueCapacity   int           `yaml:"queue_capacity" mapstructure:"queue_capacity"`
}

type BalancerConfig struct {
	Strategy      string                 `yaml:"strategy" mapstructure:"strategy"`
	Tolerance     float64                `yaml:"tolerance" mapstructure:"tolerance"`
	HealthTimeout time.Duration          `yaml:"health_timeout" mapstructure:"health_timeout"`
	Shards        []balancer.ShardConfig `yaml:"shards" mapstructure:"shards"`
}

type ServerConfig struct {
	ListenHost        string        `yaml:"listen_host" mapstructure:"listen_host"`
	ListenPort        int           `yaml:"listen_port" mapstructure:"listen_port"`
	UnixSocket        string        `yaml:"unix_socket" mapstructure:"unix_socket"`
	MaxClients        int           `yaml:"max_clients" mapstructure:"max_clients"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
}

type ClientConfig struct {
	ServerAddr           string        `yaml:"server_addr" mapstructure:"server_addr"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval" mapstructure:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
	RequestTimeout       time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	MaxRetries           int           `yaml:"max_retries" mapstructure:"max_retries"`
}

type LLMConfig struct {
	Enabled      bool                `yaml:"enabled" mapstructure:"enabled"`
	Backends     []llm.BackendConfig `yaml:"backends" mapstructure:"backends"`
	Strategy     string              `yaml:"strategy" mapstructure:"strategy"`
	QueueSize    int                 `yaml:"queue_size" mapstructure:"queue_size"`
	DefaultModel string              `yaml:"default_model" mapstructure:"default_model"`
	MaxRetries   int                 `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay   time.Duration       `yaml:"retry_delay" mapstructure:"retry_delay"`
}

type PersistenceConfig struct {
	Enabled            bool          `yaml:"enabled" mapstructure:"enabled"`
	ConnectionString   string        `yaml:"connection_string" mapstructure:"connection_string"`
	PoolSize           int           `yaml:"pool_size" mapstructure:"pool_size"`
	ConnectionTimeout  time.Duration `yaml:"connection_timeout" mapstructure:"connection_timeout"`
	QueryTimeout       time.Duration `yaml:"query_timeout" mapstructure:"query_timeout"`
	BatchInterval      time.Duration `yaml:"batch_interval" mapstructure:"batch_interval"`
	RetentionDays      int           `yaml:"retention_days" mapstructure:"retention_days"`
	EventRetentionDays int           `yaml:"event_retention_days" mapstructure:"event_retention_days"`
}

type TelemetryConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
}

// SetDefaults fills zero fields across all sections.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	c.AI.SetDefaults()
	if c.Scheduler.MaxAgents <= 0 {
		c.Scheduler.MaxAgents = 1000
	}
	if c.Scheduler.QueueCapacity <= 0 {
		c.Scheduler.QueueCapacity = 10000
	}
	if c.Balancer.Strategy == "" {
		c.Balancer.Strategy = balancer.StrategyLeastConnections
	}
	if c.Balancer.Tolerance <= 0 {
		c.Balancer.Tolerance = 0.15
	}
	if c.Balancer.HealthTimeout <= 0 {
		c.Balancer.HealthTimeout = 30 * time.Second
	}
	if len(c.Balancer.Shards) == 0 {
		for i := 1; i <= agent.NumShards; i++ {
			c.Balancer.Shards = append(c.Balancer.Shards, balancer.ShardConfig{
				ID:       i,
				Name:     fmt.Sprintf("shard-%d", i),
				Capacity: 250,
				Weight:   1,
				Enabled:  true,
			})
		}
	}
	if c.Server.ListenHost == "" {
		c.Server.ListenHost = "0.0.0.0"
	}
	if c.Server.ListenPort <= 0 {
		c.Server.ListenPort = 8765
	}
	if c.Server.MaxClients <= 0 {
		c.Server.MaxClients = 64
	}
	if c.Server.HeartbeatInterval <= 0 {
		c.Server.HeartbeatInterval = 30 * time.Second
	}
	if c.Client.ServerAddr == "" {
		c.Client.ServerAddr = "127.0.0.1:8765"
	}
	if c.Telemetry.ListenAddr == "" {
		c.Telemetry.ListenAddr = ":9090"
	}
	if c.Persistence.ConnectionString == "" {
		c.Persistence.ConnectionString = "sqlite://swarm.db"
	}
	if c.Persistence.RetentionDays <= 0 {
		c.Persistence.RetentionDays = 60
	}
	if c.Persistence.EventRetentionDays <= 0 {
		c.Persistence.EventRetentionDays = 30
	}
}

// Validate rejects configurations the components would choke on.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if err := c.AI.Validate(); err != nil {
		return fmt.Errorf("ai: %w", err)
	}
	switch c.Balancer.Strategy {
	case balancer.StrategyRoundRobin, balancer.StrategyLeastConnections, balancer.StrategyWeighted:
	default:
		return fmt.Errorf("balancer.strategy: unknown strategy %q", c.Balancer.Strategy)
	}
	if c.Balancer.Tolerance <= 0 || c.Balancer.Tolerance >= 1 {
		return fmt.Errorf("balancer.tolerance: must be in (0,1), got %v", c.Balancer.Tolerance)
	}
	if len(c.Balancer.Shards) != agent.NumShards {
		return fmt.Errorf("balancer.shards: need exactly %d shards, got %d",
			agent.NumShards, len(c.Balancer.Shards))
	}
	for _, sh := range c.Balancer.Shards {
		if sh.ID < 1 || sh.ID > agent.NumShards {
			return fmt.Errorf("balancer.shards: shard id %d out of range", sh.ID)
		}
		if sh.Capacity <= 0 {
			return fmt.Errorf("balancer.shards: shard %d has no capacity", sh.ID)
		}
	}
	if c.Server.ListenPort < 1 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("server.listen_port: %d out of range", c.Server.ListenPort)
	}
	if c.LLM.Enabled && len(c.LLM.Backends) == 0 {
		return fmt.Errorf("llm: enabled with no backends")
	}
	if c.Persistence.PoolSize < 0 || c.Persistence.PoolSize > 50 {
		return fmt.Errorf("persistence.pool_size: %d outside [0,50]", c.Persistence.PoolSize)
	}
	return nil
}

// SchedulerConfig maps onto the scheduler's own tunables.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		TickInterval:    c.Scheduler.TickInterval,
		DrainInterval:   c.Scheduler.DrainInterval,
		BalanceInterval: c.Scheduler.BalanceInterval,
		Workers:         c.Scheduler.Workers,
		TickBudget:      c.Scheduler.TickBudget,
		StopTimeout:     c.Scheduler.StopTimeout,
	}
}

// BalancerOptions maps onto the balancer's functional options.
func (c *Config) BalancerOptions() []balancer.Option {
	return []balancer.Option{
		balancer.WithStrategy(c.Balancer.Strategy),
		balancer.WithTolerance(c.Balancer.Tolerance),
		balancer.WithHealthTimeout(c.Balancer.HealthTimeout),
	}
}

// ServerConfig maps onto the protocol server's tunables.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		ListenAddr:        fmt.Sprintf("%s:%d", c.Server.ListenHost, c.Server.ListenPort),
		UnixSocket:        c.Server.UnixSocket,
		MaxClients:        c.Server.MaxClients,
		HeartbeatInterval: c.Server.HeartbeatInterval,
	}
}

// ClientConfig maps onto the management client's tunables.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		ServerAddr:           c.Client.ServerAddr,
		ReconnectInterval:    c.Client.ReconnectInterval,
		MaxReconnectAttempts: c.Client.MaxReconnectAttempts,
		RequestTimeout:       c.Client.RequestTimeout,
		HeartbeatInterval:    c.Client.HeartbeatInterval,
		MaxRetries:           c.Client.MaxRetries,
	}
}

// LLMConfig maps onto the dispatcher's tunables.
func (c *Config) LLMConfig() llm.Config {
	return llm.Config{
		Backends:     c.LLM.Backends,
		Strategy:     c.LLM.Strategy,
		QueueSize:    c.LLM.QueueSize,
		DefaultModel: c.LLM.DefaultModel,
		MaxRetries:   c.LLM.MaxRetries,
		RetryDelay:   c.LLM.RetryDelay,
	}
}

// PersistenceConfig maps onto the store's tunables.
func (c *Config) PersistenceConfig() persistence.Config {
	return persistence.Config{
		ConnectionString: c.Persistence.ConnectionString,
		PoolSize:         c.Persistence.PoolSize,
		ConnTimeout:      c.Persistence.ConnectionTimeout,
		QueryTimeout:     c.Persistence.QueryTimeout,
		BatchInterval:    c.Persistence.BatchInterval,
		AgentRetention:   time.Duration(c.Persistence.RetentionDays) * 24 * time.Hour,
		EventRetention:   time.Duration(c.Persistence.EventRetentionDays) * 24 * time.Hour,
	}
}

// TelemetryConfig maps onto the admin server's tunables.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		ListenAddr: c.Telemetry.ListenAddr,
	}
}
