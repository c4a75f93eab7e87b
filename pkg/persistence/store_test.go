package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wulin-online/swarm/pkg/agent"
	"github.com/wulin-online/swarm/pkg/ai"
	"github.com/wulin-online/swarm/pkg/fault"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		ConnectionString: "sqlite://" + filepath.Join(t.TempDir(), "swarm.db"),
		QueryTimeout:     5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleAgent(id string, shard int) agent.Agent {
	return agent.Agent{
		ID:         id,
		Name:       "白雲生",
		Academy:    agent.AcademyShengmen,
		Department: agent.DepartmentSword,
		TeamID:     7,
		ShardID:    shard,
		Level:      3,
		HP:         120,
		MaxHP:      140,
		MP:         60,
		MaxMP:      70,
		Pos:        ai.Vec3{X: 10, Y: 0, Z: -4},
		Traits:     ai.Traits{Aggression: 0.6, Intelligence: 0.4, Sociability: 0.2},
		State:      agent.StateIdle,
		CreatedAt:  time.Now().Add(-time.Hour),
	}
}

func TestDriverSelection(t *testing.T) {
	for _, tc := range []struct {
		connStr, driver, dialect string
	}{
		{"postgres://u:p@localhost/swarm", "postgres", "postgres"},
		{"postgresql://u:p@localhost/swarm", "postgres", "postgres"},
		{"mysql://u:p@tcp(localhost:3306)/swarm", "mysql", "mysql"},
		{"sqlite:///var/lib/swarm.db", "sqlite3", "sqlite"},
		{"swarm.db", "sqlite3", "sqlite"},
	} {
		driver, _, dialect := driverFor(tc.connStr)
		assert.Equal(t, tc.driver, driver, tc.connStr)
		assert.Equal(t, tc.dialect, dialect, tc.connStr)
	}
}

func TestUpsertAndLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleAgent("a-1", 1)
	b := sampleAgent("a-2", 2)
	b.Name = "夜未央"
	require.NoError(t, s.UpsertAgents(ctx, []agent.Agent{a, b}))

	loaded, err := s.LoadAgents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	byID := map[string]agent.Agent{loaded[0].ID: loaded[0], loaded[1].ID: loaded[1]}
	got := byID["a-1"]
	assert.Equal(t, "白雲生", got.Name)
	assert.Equal(t, agent.AcademyShengmen, got.Academy)
	assert.Equal(t, 7, got.TeamID)
	assert.Equal(t, 1, got.ShardID)
	assert.Equal(t, 120, got.HP)
	assert.Equal(t, 140, got.MaxHP, "max hp derived from level")
	assert.Equal(t, 70, got.MaxMP)
	assert.InDelta(t, 0.6, got.Traits.Aggression, 1e-9)
	assert.Equal(t, agent.StateIdle, got.State)
	assert.InDelta(t, 10, got.Pos.X, 1e-9)
}

func TestUpsertReplacesExistingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleAgent("a-1", 1)
	require.NoError(t, s.UpsertAgent(ctx, a))

	a.HP = 5
	a.State = agent.StateFighting
	require.NoError(t, s.UpsertAgent(ctx, a))

	loaded, err := s.LoadAgents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, loaded, 1, "upsert must not duplicate")
	assert.Equal(t, 5, loaded[0].HP)
	assert.Equal(t, agent.StateFighting, loaded[0].State)
}

func TestLoadAgentsFiltersByShard(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgents(ctx, []agent.Agent{
		sampleAgent("a-1", 1), sampleAgent("a-2", 2), sampleAgent("a-3", 2),
	}))

	loaded, err := s.LoadAgents(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
	for _, a := range loaded {
		assert.Equal(t, 2, a.ShardID)
	}
}

// A per-row failure rolls back the whole batch: either every row
// commits or none does.
func TestBatchRollsBackOnRowFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
CREATE TRIGGER reject_negative_hp BEFORE INSERT ON agents
WHEN NEW.hp < 0 BEGIN SELECT RAISE(ABORT, 'negative hp'); END`)
	require.NoError(t, err)

	good := sampleAgent("a-1", 1)
	bad := sampleAgent("a-2", 1)
	bad.HP = -1

	err = s.UpsertAgents(ctx, []agent.Agent{good, bad})
	require.Error(t, err)
	assert.Equal(t, fault.BatchFailed, fault.KindOf(err))

	loaded, err := s.LoadAgents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, loaded, "no row of a failed batch may survive")
}

func TestHeartbeatTracksHealth(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Heartbeat(ctx))
	assert.True(t, s.Healthy())

	require.NoError(t, s.db.Close())
	require.Error(t, s.Heartbeat(ctx))
	assert.False(t, s.Healthy())
}

func TestServerStatusUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertServerStatus(ctx, []ShardStatus{
		{ShardID: 1, Name: "shard-1", Count: 10, Capacity: 100},
	}))
	require.NoError(t, s.UpsertServerStatus(ctx, []ShardStatus{
		{ShardID: 1, Name: "shard-1", Count: 42, Capacity: 100},
	}))

	var count, rows int
	require.NoError(t, s.db.QueryRow(
		`SELECT current_count, (SELECT COUNT(*) FROM server_status) FROM server_status WHERE shard_id = 1`).
		Scan(&count, &rows))
	assert.Equal(t, 42, count)
	assert.Equal(t, 1, rows)
}

func TestPurgeExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	offline := sampleAgent("a-old", 1)
	offline.HP = 0
	offline.State = agent.StateOffline
	alive := sampleAgent("a-new", 1)
	require.NoError(t, s.UpsertAgents(ctx, []agent.Agent{offline, alive}))
	require.NoError(t, s.LogEvent(ctx, "a-old", "ai_death", []byte(`{"killer":"a-new"}`)))

	// Inside both retention windows: nothing goes.
	agents, events, err := s.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, agents)
	assert.Zero(t, events)

	// Past both windows: the offline agent and the event go, the
	// non-offline agent stays.
	agents, events, err = s.PurgeExpired(ctx, time.Now().Add(61*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), agents)
	assert.Equal(t, int64(1), events)

	loaded, err := s.LoadAgents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "a-new", loaded[0].ID)
}
