// Package persistence syncs agent state to a SQL database: a bounded
// connection pool, batched transactional upserts, an event log and the
// periodic drain/heartbeat/retention tasks.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/wulin-online/swarm/pkg/agent"
	"github.com/wulin-online/swarm/pkg/fault"
	"github.com/wulin-online/swarm/pkg/logger"
)

// Config holds the persistence tunables.
type Config struct {
	ConnectionString string
	PoolSize         int           // default 10, clamped to [1,50]
	ConnTimeout      time.Duration // acquire/connect budget, default 30s
	QueryTimeout     time.Duration // per-statement budget, default 10s
	BatchInterval    time.Duration // dirty drain, default 5s
	HeartbeatEvery   time.Duration // select 1, default 60s
	RetentionEvery   time.Duration // purge sweep, default 24h
	AgentRetention   time.Duration // offline agents, default 60 days
	EventRetention   time.Duration // event rows, default 30 days
	RetryInterval    time.Duration // reconnect cadence, default 5s
}

// SetDefaults fills zero fields and clamps the pool size.
func (c *Config) SetDefaults() {
	if c.ConnectionString == "" {
		c.ConnectionString = "sqlite://swarm.db"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.PoolSize > 50 {
		c.PoolSize = 50
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 30 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 5 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 60 * time.Second
	}
	if c.RetentionEvery <= 0 {
		c.RetentionEvery = 24 * time.Hour
	}
	if c.AgentRetention <= 0 {
		c.AgentRetention = 60 * 24 * time.Hour
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 30 * 24 * time.Hour
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
}

// Store is the database handle shared by the synchronizer and the
// admin surface. Safe for concurrent use; each statement checks out
// its own connection from the pool.
type Store struct {
	db      *sql.DB
	dialect string // sqlite, mysql, postgres
	cfg     Config
	log     *slog.Logger

	healthy atomic.Bool
}

// driverFor maps a connection string scheme to a driver and DSN.
func driverFor(connStr string) (driver, dsn, dialect string) {
	switch {
	case strings.HasPrefix(connStr, "postgres://"), strings.HasPrefix(connStr, "postgresql://"):
		return "postgres", connStr, "postgres"
	case strings.HasPrefix(connStr, "mysql://"):
		return "mysql", strings.TrimPrefix(connStr, "mysql://"), "mysql"
	case strings.HasPrefix(connStr, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(connStr, "sqlite://"), "sqlite"
	default:
		return "sqlite3", connStr, "sqlite"
	}
}

// Open connects, sizes the pool and bootstraps the schema.
func Open(cfg Config) (*Store, error) {
	cfg.SetDefaults()
	driver, dsn, dialect := driverFor(cfg.ConnectionString)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fault.Wrap(fault.ConnectionFailed, "persistence.open", err)
	}

	// SQLite allows one writer; a single connection serializes access
	// and avoids "database is locked" errors.
	if dialect == "sqlite" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.PoolSize)
		db.SetMaxIdleConns(cfg.PoolSize)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.ConnectionFailed, "persistence.open", err)
	}

	if dialect == "sqlite" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			slog.Warn("failed to enable WAL mode", "error", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=10000"); err != nil {
			slog.Warn("failed to set busy timeout", "error", err)
		}
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		cfg:     cfg,
		log:     logger.GetLogger().With("component", "persistence"),
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.healthy.Store(true)
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Healthy reports whether the last database interaction succeeded.
func (s *Store) Healthy() bool {
	return s.healthy.Load()
}

// Dialect returns the resolved SQL dialect.
func (s *Store) Dialect() string {
	return s.dialect
}

const createAgentsTableSQL = `
CREATE TABLE IF NOT EXISTS agents (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(64) NOT NULL,
    academy INTEGER NOT NULL,
    department INTEGER NOT NULL,
    team_id INTEGER NOT NULL,
    shard_id INTEGER NOT NULL,
    level INTEGER NOT NULL,
    hp INTEGER NOT NULL,
    mp INTEGER NOT NULL,
    pos_x DOUBLE PRECISION NOT NULL,
    pos_y DOUBLE PRECISION NOT NULL,
    pos_z DOUBLE PRECISION NOT NULL,
    state INTEGER NOT NULL,
    aggression DOUBLE PRECISION NOT NULL,
    intelligence DOUBLE PRECISION NOT NULL,
    sociability DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMP NOT NULL,
    last_update TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_shard_id ON agents(shard_id);
CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state);
`

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS agent_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id VARCHAR(64) NOT NULL,
    kind VARCHAR(64) NOT NULL,
    payload TEXT,
    at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_agent_id ON agent_events(agent_id);
CREATE INDEX IF NOT EXISTS idx_events_at ON agent_events(at);
`

const createStatusTableSQL = `
CREATE TABLE IF NOT EXISTS server_status (
    shard_id INTEGER PRIMARY KEY,
    name VARCHAR(64) NOT NULL,
    current_count INTEGER NOT NULL,
    capacity INTEGER NOT NULL,
    last_update TIMESTAMP NOT NULL
);
`

func (s *Store) initSchema(ctx context.Context) error {
	eventsSQL := createEventsTableSQL
	switch s.dialect {
	case "postgres":
		eventsSQL = strings.Replace(eventsSQL,
			"id INTEGER PRIMARY KEY AUTOINCREMENT", "id BIGSERIAL PRIMARY KEY", 1)
	case "mysql":
		eventsSQL = strings.Replace(eventsSQL,
			"id INTEGER PRIMARY KEY AUTOINCREMENT", "id BIGINT PRIMARY KEY AUTO_INCREMENT", 1)
	}

	for _, ddl := range []string{createAgentsTableSQL, eventsSQL, createStatusTableSQL} {
		for _, stmt := range strings.Split(ddl, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fault.Wrap(fault.QueryFailed, "persistence.schema", err)
			}
		}
	}
	return nil
}

// bind rewrites ? placeholders to $n for postgres.
func (s *Store) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const upsertAgentColumns = `id, name, academy, department, team_id, shard_id, level, hp, mp,
pos_x, pos_y, pos_z, state, aggression, intelligence, sociability, created_at, last_update`

func (s *Store) upsertAgentSQL() string {
	insert := `INSERT INTO agents (` + upsertAgentColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == "mysql" {
		return insert + `
ON DUPLICATE KEY UPDATE name=VALUES(name), academy=VALUES(academy),
department=VALUES(department), team_id=VALUES(team_id), shard_id=VALUES(shard_id),
level=VALUES(level), hp=VALUES(hp), mp=VALUES(mp),
pos_x=VALUES(pos_x), pos_y=VALUES(pos_y), pos_z=VALUES(pos_z),
state=VALUES(state), aggression=VALUES(aggression),
intelligence=VALUES(intelligence), sociability=VALUES(sociability),
last_update=VALUES(last_update)`
	}
	return s.bind(insert + `
ON CONFLICT (id) DO UPDATE SET name=excluded.name, academy=excluded.academy,
department=excluded.department, team_id=excluded.team_id, shard_id=excluded.shard_id,
level=excluded.level, hp=excluded.hp, mp=excluded.mp,
pos_x=excluded.pos_x, pos_y=excluded.pos_y, pos_z=excluded.pos_z,
state=excluded.state, aggression=excluded.aggression,
intelligence=excluded.intelligence, sociability=excluded.sociability,
last_update=excluded.last_update`)
}

func agentArgs(a agent.Agent, now time.Time) []interface{} {
	created := a.CreatedAt
	if created.IsZero() {
		created = now
	}
	return []interface{}{
		a.ID, a.Name, a.Academy, a.Department, a.TeamID, a.ShardID,
		a.Level, a.HP, a.MP,
		a.Pos.X, a.Pos.Y, a.Pos.Z,
		int(a.State),
		a.Traits.Aggression, a.Traits.Intelligence, a.Traits.Sociability,
		created, now,
	}
}

// UpsertAgents writes the batch inside one transaction. Any row failure
// rolls back the whole batch and surfaces as batch_failed.
func (s *Store) UpsertAgents(ctx context.Context, agents []agent.Agent) error {
	if len(agents) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.healthy.Store(false)
		return fault.Wrap(fault.ConnectionFailed, "persistence.upsert", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.upsertAgentSQL())
	if err != nil {
		tx.Rollback()
		return fault.Wrap(fault.QueryFailed, "persistence.upsert", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, a := range agents {
		if _, err := stmt.ExecContext(ctx, agentArgs(a, now)...); err != nil {
			tx.Rollback()
			return fault.New(fault.BatchFailed, "persistence.upsert",
				"agent %s: %v", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.BatchFailed, "persistence.upsert", err)
	}
	return nil
}

// UpsertAgent writes one snapshot.
func (s *Store) UpsertAgent(ctx context.Context, a agent.Agent) error {
	return s.UpsertAgents(ctx, []agent.Agent{a})
}

// LogEvent appends one row to the event log.
func (s *Store) LogEvent(ctx context.Context, agentID, kind string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		s.bind(`INSERT INTO agent_events (agent_id, kind, payload, at) VALUES (?, ?, ?, ?)`),
		agentID, kind, string(payload), time.Now().UTC())
	if err != nil {
		return fault.Wrap(fault.QueryFailed, "persistence.log_event", err)
	}
	return nil
}

// LoadAgents reads stored snapshots, optionally filtered by shard
// (0 means all). Max vitals are derived from level; stored hp and mp
// are clamped into range.
func (s *Store) LoadAgents(ctx context.Context, shardID int) ([]agent.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	query := `SELECT ` + upsertAgentColumns + ` FROM agents`
	var args []interface{}
	if shardID > 0 {
		query += ` WHERE shard_id = ?`
		args = append(args, shardID)
	}
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fault.Wrap(fault.QueryFailed, "persistence.load", err)
	}
	defer rows.Close()

	var out []agent.Agent
	for rows.Next() {
		var a agent.Agent
		var state int
		if err := rows.Scan(
			&a.ID, &a.Name, &a.Academy, &a.Department, &a.TeamID, &a.ShardID,
			&a.Level, &a.HP, &a.MP,
			&a.Pos.X, &a.Pos.Y, &a.Pos.Z,
			&state,
			&a.Traits.Aggression, &a.Traits.Intelligence, &a.Traits.Sociability,
			&a.CreatedAt, &a.LastDBSyncAt,
		); err != nil {
			return nil, fault.Wrap(fault.QueryFailed, "persistence.load", err)
		}
		a.State = agent.State(state)
		a.MaxHP = 100 + 20*(a.Level-1)
		a.MaxMP = 50 + 10*(a.Level-1)
		if a.HP > a.MaxHP {
			a.HP = a.MaxHP
		}
		if a.MP > a.MaxMP {
			a.MP = a.MaxMP
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.QueryFailed, "persistence.load", err)
	}
	return out, nil
}

// ShardStatus is one row of the server_status table.
type ShardStatus struct {
	ShardID  int
	Name     string
	Count    int
	Capacity int
}

// UpsertServerStatus refreshes the per-shard occupancy rows.
func (s *Store) UpsertServerStatus(ctx context.Context, statuses []ShardStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	insert := `INSERT INTO server_status (shard_id, name, current_count, capacity, last_update)
VALUES (?, ?, ?, ?, ?)`
	var query string
	if s.dialect == "mysql" {
		query = insert + `
ON DUPLICATE KEY UPDATE name=VALUES(name), current_count=VALUES(current_count),
capacity=VALUES(capacity), last_update=VALUES(last_update)`
	} else {
		query = s.bind(insert + `
ON CONFLICT (shard_id) DO UPDATE SET name=excluded.name,
current_count=excluded.current_count, capacity=excluded.capacity,
last_update=excluded.last_update`)
	}

	now := time.Now().UTC()
	for _, st := range statuses {
		if _, err := s.db.ExecContext(ctx, query,
			st.ShardID, st.Name, st.Count, st.Capacity, now); err != nil {
			return fault.Wrap(fault.QueryFailed, "persistence.server_status", err)
		}
	}
	return nil
}

// Heartbeat issues select 1 on a checked-out connection and folds the
// outcome into the health flag.
func (s *Store) Heartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnTimeout)
	defer cancel()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		s.healthy.Store(false)
		return fault.Wrap(fault.ConnectionFailed, "persistence.heartbeat", err)
	}
	defer conn.Close()

	var one int
	if err := conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		s.healthy.Store(false)
		return fault.Wrap(fault.QueryFailed, "persistence.heartbeat", err)
	}
	s.healthy.Store(true)
	return nil
}

// PurgeExpired deletes offline agents and event rows past retention.
// Returns rows removed from each table.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (agents, events int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		s.bind(`DELETE FROM agents WHERE state = ? AND last_update < ?`),
		int(agent.StateOffline), now.Add(-s.cfg.AgentRetention).UTC())
	if err != nil {
		return 0, 0, fault.Wrap(fault.QueryFailed, "persistence.purge", err)
	}
	agents, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		s.bind(`DELETE FROM agent_events WHERE at < ?`),
		now.Add(-s.cfg.EventRetention).UTC())
	if err != nil {
		return agents, 0, fault.Wrap(fault.QueryFailed, "persistence.purge", err)
	}
	events, _ = res.RowsAffected()
	return agents, events, nil
}
