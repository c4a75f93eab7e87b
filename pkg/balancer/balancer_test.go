package balancer

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wulin-online/swarm/pkg/agent"
	"github.com/wulin-online/swarm/pkg/fault"
)

func fourShards(capacity int) []ShardConfig {
	shards := make([]ShardConfig, 0, 4)
	for i := 1; i <= 4; i++ {
		shards = append(shards, ShardConfig{ID: i, Capacity: capacity, Weight: 1, Enabled: true})
	}
	return shards
}

func TestRoundRobinCycles(t *testing.T) {
	b, err := New(fourShards(100), WithStrategy(StrategyRoundRobin))
	require.NoError(t, err)

	var got []int
	for i := 0; i < 8; i++ {
		id, err := b.Assign(agent.AssignHint{})
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 1, 2, 3, 4}, got)
}

func TestLeastConnectionsPicksSmallest(t *testing.T) {
	b, err := New(fourShards(100))
	require.NoError(t, err)

	// Preload shard 1 and 2.
	for i := 0; i < 3; i++ {
		_, err := b.Assign(agent.AssignHint{PreferShard: 1})
		require.NoError(t, err)
	}
	_, err = b.Assign(agent.AssignHint{PreferShard: 2})
	require.NoError(t, err)

	// 3 and 4 are empty; ties break by id.
	id, err := b.Assign(agent.AssignHint{})
	require.NoError(t, err)
	assert.Equal(t, 3, id)
}

func TestWeightedRespectsWeights(t *testing.T) {
	shards := []ShardConfig{
		{ID: 1, Capacity: 0, Weight: 9, Enabled: true},
		{ID: 2, Capacity: 0, Weight: 1, Enabled: true},
	}
	b, err := New(shards, WithStrategy(StrategyWeighted), WithRand(rand.New(rand.NewSource(11))))
	require.NoError(t, err)

	counts := map[int]int{}
	for i := 0; i < 1000; i++ {
		id, err := b.Assign(agent.AssignHint{})
		require.NoError(t, err)
		counts[id]++
	}
	assert.Greater(t, counts[1], 800, "weight-9 shard should dominate: %v", counts)
	assert.Greater(t, counts[2], 0, "weight-1 shard should still receive some")
}

func TestCapacityExhaustion(t *testing.T) {
	b, err := New([]ShardConfig{{ID: 1, Capacity: 2, Weight: 1, Enabled: true}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := b.Assign(agent.AssignHint{})
		require.NoError(t, err)
	}
	_, err = b.Assign(agent.AssignHint{})
	assert.Equal(t, fault.CapacityExceeded, fault.KindOf(err))
}

func TestReleaseUnderflowSaturates(t *testing.T) {
	b, err := New(fourShards(10))
	require.NoError(t, err)
	b.Release(1)
	assert.Equal(t, 0, b.Shards()[0].Count)
}

func TestReleaseUnderflowPanicsInDebug(t *testing.T) {
	Debug = true
	defer func() {
		Debug = false
		if recover() == nil {
			t.Error("expected panic in debug mode")
		}
	}()
	b, err := New(fourShards(10))
	require.NoError(t, err)
	b.Release(1)
}

func TestHealthSweepAndSkip(t *testing.T) {
	b, err := New(fourShards(100), WithHealthTimeout(time.Second), WithStrategy(StrategyRoundRobin))
	require.NoError(t, err)

	// Sweep far in the future: every shard is stale.
	flipped := b.SweepHealth(time.Now().Add(time.Hour))
	assert.Len(t, flipped, 4)

	_, err = b.Assign(agent.AssignHint{})
	assert.Equal(t, fault.CapacityExceeded, fault.KindOf(err))

	b.Heartbeat(2)
	id, err := b.Assign(agent.AssignHint{})
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}

// Accounting: after arbitrary assigns and releases the counter total
// matches the net population.
func TestCounterAccounting(t *testing.T) {
	b, err := New(fourShards(0))
	require.NoError(t, err)

	live := 0
	var assigned []int
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 500; i++ {
		if rng.Intn(3) > 0 || len(assigned) == 0 {
			id, err := b.Assign(agent.AssignHint{})
			require.NoError(t, err)
			assigned = append(assigned, id)
			live++
		} else {
			idx := rng.Intn(len(assigned))
			b.Release(assigned[idx])
			assigned = append(assigned[:idx], assigned[idx+1:]...)
			live--
		}
	}
	assert.Equal(t, live, b.TotalCount())
}

// S4: 80 agents piled on shard 1 of 4 rebalance to {19,20,21} per
// shard with exactly 60 migrations.
func TestRebalanceConvergence(t *testing.T) {
	b, err := New(fourShards(100), WithTolerance(0.15))
	require.NoError(t, err)

	agents := map[int][]string{}
	for i := 0; i < 80; i++ {
		id, err := b.Assign(agent.AssignHint{PreferShard: 1})
		require.NoError(t, err)
		agents[id] = append(agents[id], fmt.Sprintf("agent-%d", i))
	}

	plan := b.Rebalance(func(shardID int) []string { return agents[shardID] })
	assert.Len(t, plan, 60)

	counts := map[int]int{1: 80, 2: 0, 3: 0, 4: 0}
	for _, m := range plan {
		counts[m.From]--
		counts[m.To]++
	}
	for id, c := range counts {
		assert.Contains(t, []int{19, 20, 21}, c, "shard %d count %d", id, c)
	}
}

func TestRebalanceDrainsUnhealthy(t *testing.T) {
	b, err := New(fourShards(100), WithHealthTimeout(time.Millisecond))
	require.NoError(t, err)

	agents := map[int][]string{}
	for i := 0; i < 12; i++ {
		id, err := b.Assign(agent.AssignHint{PreferShard: i%4 + 1})
		require.NoError(t, err)
		agents[id] = append(agents[id], fmt.Sprintf("agent-%d", i))
	}

	time.Sleep(5 * time.Millisecond)
	b.SweepHealth(time.Now())
	b.Heartbeat(2)
	b.Heartbeat(3)
	b.Heartbeat(4)

	plan := b.Rebalance(func(shardID int) []string { return agents[shardID] })
	moved := map[string]bool{}
	for _, m := range plan {
		if m.From == 1 {
			moved[m.AgentID] = true
		}
		assert.NotEqual(t, 1, m.To, "migration into unhealthy shard")
	}
	for _, agentID := range agents[1] {
		assert.True(t, moved[agentID], "agent %s left on unhealthy shard", agentID)
	}
}

func TestSetStrategyValidation(t *testing.T) {
	b, err := New(fourShards(10))
	require.NoError(t, err)
	require.NoError(t, b.SetStrategy(StrategyWeighted))
	assert.Error(t, b.SetStrategy("bogus"))
}

func TestUpdateShardHotConfig(t *testing.T) {
	b, err := New(fourShards(10))
	require.NoError(t, err)
	require.NoError(t, b.UpdateShard(2, 50, 3, false))

	s := b.Shards()[1]
	assert.Equal(t, 50, s.Capacity)
	assert.Equal(t, 3.0, s.Weight)
	assert.False(t, s.Enabled)

	assert.Equal(t, fault.NotFound, fault.KindOf(b.UpdateShard(99, 1, 1, true)))
}
