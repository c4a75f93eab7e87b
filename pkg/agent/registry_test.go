package agent

import (
	"math/rand"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wulin-online/swarm/pkg/fault"
)

// fakeAssigner hands out shards round-robin and counts per shard.
type fakeAssigner struct {
	mu     sync.Mutex
	next   int
	counts [NumShards + 1]int
}

func (f *fakeAssigner) Assign(hint AssignHint) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hint.PreferShard > 0 {
		f.counts[hint.PreferShard]++
		return hint.PreferShard, nil
	}
	shard := f.next%NumShards + 1
	f.next++
	f.counts[shard]++
	return shard, nil
}

func (f *fakeAssigner) Release(shardID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[shardID]--
}

func (f *fakeAssigner) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := 0
	for _, c := range f.counts {
		sum += c
	}
	return sum
}

func newTestRegistry(t *testing.T) (*Registry, *fakeAssigner) {
	t.Helper()
	fa := &fakeAssigner{}
	return NewRegistry(fa, WithRand(rand.New(rand.NewSource(1)))), fa
}

func seed() Seed {
	return Seed{Academy: AcademyShengmen, Department: DepartmentSword}
}

func TestCreateAssignsShardAndDefaults(t *testing.T) {
	r, fa := newTestRegistry(t)

	a, err := r.Create(seed())
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.GreaterOrEqual(t, a.ShardID, 1)
	assert.LessOrEqual(t, a.ShardID, NumShards)
	assert.Equal(t, a.MaxHP, a.HP)
	assert.Equal(t, a.MaxMP, a.MP)
	assert.Equal(t, StateIdle, a.State)
	assert.True(t, a.Dirty)
	assert.LessOrEqual(t, utf8.RuneCountInString(a.Name), MaxNameLength)
	assert.Equal(t, 1, fa.total())
}

func TestCreateCapacity(t *testing.T) {
	fa := &fakeAssigner{}
	r := NewRegistry(fa, WithMaxAgents(2))
	_, err := r.Create(seed())
	require.NoError(t, err)
	_, err = r.Create(seed())
	require.NoError(t, err)
	_, err = r.Create(seed())
	require.Error(t, err)
	assert.Equal(t, fault.CapacityExceeded, fault.KindOf(err))
	assert.Equal(t, 2, fa.total())
}

func TestGetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, err := r.Create(seed())
	require.NoError(t, err)

	got, err := r.Get(a.ID)
	require.NoError(t, err)
	got.HP = 1 // mutating the copy must not leak back

	again, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.MaxHP, again.HP)
}

func TestGetNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Get("missing")
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestUpdateEnforcesInvariants(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, err := r.Create(seed())
	require.NoError(t, err)

	// hp above max is refused, and the record is untouched.
	err = r.Update(a.ID, func(ag *Agent) error {
		ag.HP = ag.MaxHP + 1
		return nil
	})
	assert.Equal(t, fault.InvariantViolation, fault.KindOf(err))

	got, _ := r.Get(a.ID)
	assert.Equal(t, a.MaxHP, got.HP)

	// hp 0 without dead state is inconsistent.
	err = r.Update(a.ID, func(ag *Agent) error {
		ag.HP = 0
		return nil
	})
	assert.Equal(t, fault.InvariantViolation, fault.KindOf(err))

	// hp 0 with dead state is the valid way to die.
	err = r.Update(a.ID, func(ag *Agent) error {
		ag.HP = 0
		ag.State = StateDead
		return nil
	})
	require.NoError(t, err)
}

func TestDeadRequiresRespawn(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, err := r.Create(seed())
	require.NoError(t, err)

	require.NoError(t, r.Update(a.ID, func(ag *Agent) error {
		ag.HP = 0
		ag.State = StateDead
		return nil
	}))

	err = r.Update(a.ID, func(ag *Agent) error {
		ag.HP = 10
		ag.State = StateIdle
		return nil
	})
	assert.Equal(t, fault.InvariantViolation, fault.KindOf(err))

	require.NoError(t, r.Respawn(a.ID))
	got, _ := r.Get(a.ID)
	assert.Equal(t, StateReturning, got.State)
	assert.Equal(t, got.MaxHP, got.HP)
}

func TestUpdateCannotMoveShard(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, err := r.Create(seed())
	require.NoError(t, err)

	err = r.Update(a.ID, func(ag *Agent) error {
		ag.ShardID = ag.ShardID%NumShards + 1
		return nil
	})
	assert.Equal(t, fault.InvariantViolation, fault.KindOf(err))
}

func TestNameLengthBound(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, err := r.Create(seed())
	require.NoError(t, err)

	err = r.Update(a.ID, func(ag *Agent) error {
		ag.Name = "七個字太長了吧"
		return nil
	})
	assert.Equal(t, fault.InvariantViolation, fault.KindOf(err))
}

func TestTeamRosterConsistency(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, err := r.Create(seed())
	require.NoError(t, err)
	b, err := r.Create(seed())
	require.NoError(t, err)

	require.NoError(t, r.Update(a.ID, func(ag *Agent) error { ag.TeamID = 7; return nil }))
	require.NoError(t, r.Update(b.ID, func(ag *Agent) error { ag.TeamID = 7; return nil }))
	assert.ElementsMatch(t, []string{a.ID, b.ID}, r.TeamMembers(7))

	// Moving teams removes from the old roster.
	require.NoError(t, r.Update(a.ID, func(ag *Agent) error { ag.TeamID = 8; return nil }))
	assert.ElementsMatch(t, []string{b.ID}, r.TeamMembers(7))
	assert.ElementsMatch(t, []string{a.ID}, r.TeamMembers(8))

	// Deleting removes from the roster.
	require.NoError(t, r.Delete(a.ID))
	assert.Empty(t, r.TeamMembers(8))
}

func TestDeleteReleasesShard(t *testing.T) {
	r, fa := newTestRegistry(t)
	a, err := r.Create(seed())
	require.NoError(t, err)
	require.NoError(t, r.Delete(a.ID))
	assert.Equal(t, 0, fa.total())
	assert.Equal(t, fault.NotFound, fault.KindOf(r.Delete(a.ID)))
}

func TestMigrateKeepsCountsConsistent(t *testing.T) {
	r, fa := newTestRegistry(t)
	a, err := r.Create(seed())
	require.NoError(t, err)

	target := a.ShardID%NumShards + 1
	require.NoError(t, r.Migrate(a.ID, target))

	got, _ := r.Get(a.ID)
	assert.Equal(t, target, got.ShardID)
	assert.Equal(t, 1, fa.total())
}

func TestDirtyLifecycle(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, err := r.Create(seed())
	require.NoError(t, err)

	dirty := r.DirtyAgents()
	require.Len(t, dirty, 1)

	r.ClearDirty(dirty, time.Now())
	assert.Empty(t, r.DirtyAgents())

	require.NoError(t, r.Update(a.ID, func(ag *Agent) error { ag.XP += 10; return nil }))
	assert.Len(t, r.DirtyAgents(), 1)
}

func TestClearDirtyKeepsMidBatchUpdate(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, err := r.Create(seed())
	require.NoError(t, err)

	snap := r.DirtyAgents()
	require.Len(t, snap, 1)

	// A mutation lands while the snapshot's rows are being committed.
	require.NoError(t, r.Update(a.ID, func(ag *Agent) error { ag.XP += 10; return nil }))

	r.ClearDirty(snap, time.Now())
	dirty := r.DirtyAgents()
	require.Len(t, dirty, 1, "update after the snapshot must ride the next batch")

	r.ClearDirty(dirty, time.Now())
	assert.Empty(t, r.DirtyAgents())

	got, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.XP)
	assert.False(t, got.Dirty)
}

func TestSetStrategyHotSwap(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, err := r.Create(seed())
	require.NoError(t, err)

	require.NoError(t, r.SetStrategy(a.ID, "behavior_tree"))
	s, err := r.StrategyOf(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "behavior_tree", s.Name())

	err = r.SetStrategy(a.ID, "nope")
	assert.Equal(t, fault.MalformedPayload, fault.KindOf(err))
}

func TestClosedRegistryRejects(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, err := r.Create(seed())
	require.NoError(t, err)

	r.Close()
	_, err = r.Create(seed())
	assert.Equal(t, fault.ShutdownInProgress, fault.KindOf(err))
	err = r.Update(a.ID, func(ag *Agent) error { return nil })
	assert.Equal(t, fault.ShutdownInProgress, fault.KindOf(err))
}

func TestConcurrentCreateDelete(t *testing.T) {
	fa := &fakeAssigner{}
	r := NewRegistry(fa, WithMaxAgents(10000))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				a, err := r.Create(seed())
				if err != nil {
					continue
				}
				if j%2 == 0 {
					_ = r.Delete(a.ID)
				}
			}
		}()
	}
	wg.Wait()

	// Balancer accounting: shard counters match the population.
	assert.Equal(t, r.Count(), fa.total())
}
