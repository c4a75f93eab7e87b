// Package agent defines the simulated player record and the registry
// that exclusively owns all agent state.
package agent

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/wulin-online/swarm/pkg/ai"
)

// State is the lifecycle state of an agent. The numeric values are
// persisted; do not reorder.
type State int

const (
	StateOffline State = iota
	StateIdle
	StateMoving
	StateFighting
	StateUsingSkill
	StateChatting
	StateQuesting
	StateDead
	StateReturning
)

var stateNames = map[State]string{
	StateOffline:    "offline",
	StateIdle:       "idle",
	StateMoving:     "moving",
	StateFighting:   "fighting",
	StateUsingSkill: "using_skill",
	StateChatting:   "chatting",
	StateQuesting:   "questing",
	StateDead:       "dead",
	StateReturning:  "returning",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Academies. The canonical set is the three carried on the wire.
const (
	AcademyShengmen  = 1 // 聖門
	AcademyXuanyan   = 2 // 懸岩
	AcademyFenghuang = 3 // 鳳凰
)

// Departments (combat roles).
const (
	DepartmentSword   = 1
	DepartmentBow     = 2
	DepartmentMartial = 3
	DepartmentQigong  = 4
)

// MaxNameLength bounds display names, in code points.
const MaxNameLength = 6

// NumShards is the fixed number of game-server shards.
const NumShards = 4

// Agent is one simulated player. The registry owns the canonical copy;
// Get hands out value copies. QTable is shared learning state with its
// own synchronization.
type Agent struct {
	ID         string
	Name       string
	Academy    int
	Department int
	TeamID     int // 0 = unaffiliated
	ShardID    int // 1..4

	HP    int
	MaxHP int
	MP    int
	MaxMP int
	Level int
	XP    int

	Pos    ai.Vec3
	Facing float64
	MapID  int

	Traits ai.Traits

	State State

	CreatedAt    time.Time
	LastTickAt   time.Time
	LastDBSyncAt time.Time

	// QTable is mutated only by the learning strategy.
	QTable *ai.QTable

	StrategyName string

	// Dirty marks unsynced state. DirtySeq increments with every
	// dirtying mutation; the flag is cleared only when the sequence the
	// synchronizer snapshotted is still current.
	Dirty    bool
	DirtySeq uint64
}

// Validate checks every structural invariant of the record.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent has no id")
	}
	if utf8.RuneCountInString(a.Name) > MaxNameLength {
		return fmt.Errorf("name %q exceeds %d code points", a.Name, MaxNameLength)
	}
	if a.Academy < AcademyShengmen || a.Academy > AcademyFenghuang {
		return fmt.Errorf("academy %d out of range", a.Academy)
	}
	if a.Department < DepartmentSword || a.Department > DepartmentQigong {
		return fmt.Errorf("department %d out of range", a.Department)
	}
	if a.ShardID < 1 || a.ShardID > NumShards {
		return fmt.Errorf("shard %d out of range", a.ShardID)
	}
	if a.TeamID < 0 {
		return fmt.Errorf("team id %d negative", a.TeamID)
	}
	if a.MaxHP <= 0 || a.MaxMP < 0 {
		return fmt.Errorf("max vitals invalid: max_hp=%d max_mp=%d", a.MaxHP, a.MaxMP)
	}
	if a.HP < 0 || a.HP > a.MaxHP {
		return fmt.Errorf("hp %d outside [0,%d]", a.HP, a.MaxHP)
	}
	if a.MP < 0 || a.MP > a.MaxMP {
		return fmt.Errorf("mp %d outside [0,%d]", a.MP, a.MaxMP)
	}
	if (a.State == StateDead) != (a.HP == 0) {
		return fmt.Errorf("state %s inconsistent with hp %d", a.State, a.HP)
	}
	if bad := traitOutOfRange(a.Traits); bad != "" {
		return fmt.Errorf("trait %s outside [0,1]", bad)
	}
	return nil
}

func traitOutOfRange(t ai.Traits) string {
	switch {
	case t.Aggression < 0 || t.Aggression > 1:
		return "aggression"
	case t.Intelligence < 0 || t.Intelligence > 1:
		return "intelligence"
	case t.Sociability < 0 || t.Sociability > 1:
		return "sociability"
	}
	return ""
}
