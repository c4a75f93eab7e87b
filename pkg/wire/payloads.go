package wire

import (
	"encoding/json"

	"github.com/wulin-online/swarm/pkg/ai"
)

// AgentStatus is the wire view of one agent, used by spawn_ai and
// get_status responses and by state-change notifications.
type AgentStatus struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Academy    int     `json:"academy"`
	Department int     `json:"department"`
	TeamID     int     `json:"team_id"`
	ShardID    int     `json:"shard_id"`
	Level      int     `json:"level"`
	HP         int     `json:"hp"`
	MaxHP      int     `json:"max_hp"`
	MP         int     `json:"mp"`
	MaxMP      int     `json:"max_mp"`
	State      string  `json:"state"`
	Position   ai.Vec3 `json:"position"`
	Strategy   string  `json:"strategy,omitempty"`
}

// SpawnAIRequest creates count agents.
type SpawnAIRequest struct {
	Academy    int `json:"academy"`
	Department int `json:"department"`
	Count      int `json:"count"`
	TeamID     int `json:"team_id"`
}

// SpawnAIResponse lists what was created.
type SpawnAIResponse struct {
	AIList []AgentStatus `json:"ai_list"`
	Count  int           `json:"count"`
}

// AICommandRequest pushes one action onto an agent.
type AICommandRequest struct {
	AIID   string         `json:"ai_id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// AICommandResponse acknowledges an ai_command.
type AICommandResponse struct {
	AIID    string `json:"ai_id"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// AssignTeamRequest moves agents onto a team.
type AssignTeamRequest struct {
	AIIDs  []string `json:"ai_ids"`
	TeamID int      `json:"team_id"`
}

// AssignTeamResponse acknowledges an assign_team.
type AssignTeamResponse struct {
	TeamID  int      `json:"team_id"`
	AIIDs   []string `json:"ai_ids"`
	Success bool     `json:"success"`
}

// GetStatusRequest asks for specific agents, or all when AIIDs is
// absent.
type GetStatusRequest struct {
	AIIDs []string `json:"ai_ids,omitempty"`
}

// GetStatusResponse carries the snapshots.
type GetStatusResponse struct {
	AIStatus []AgentStatus `json:"ai_status"`
}

// DeleteAIRequest deletes one agent or a whole team.
type DeleteAIRequest struct {
	AIID   string `json:"ai_id,omitempty"`
	TeamID int    `json:"team_id,omitempty"`
}

// DeleteAIResponse acknowledges a delete_ai.
type DeleteAIResponse struct {
	AIID    string `json:"ai_id,omitempty"`
	TeamID  int    `json:"team_id,omitempty"`
	Success bool   `json:"success"`
}

// BatchOperationRequest wraps nested requests executed in order.
type BatchOperationRequest struct {
	Operations []Message `json:"operations"`
}

// BatchOperationResponse carries the nested responses, index-aligned
// with the request's operations.
type BatchOperationResponse struct {
	Results []Message `json:"results"`
}

// System control actions.
const (
	SystemPauseAll  = "pause_all"
	SystemResumeAll = "resume_all"
	SystemResetAll  = "reset_all"
)

// SystemControlRequest pauses, resumes or resets the whole swarm.
type SystemControlRequest struct {
	Action string `json:"action"`
}

// SystemControlResponse acknowledges a system_control.
type SystemControlResponse struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
}

// AIStateChange notifies a lifecycle state transition.
type AIStateChange struct {
	AIID     string  `json:"ai_id"`
	NewState string  `json:"new_state"`
	Position ai.Vec3 `json:"position"`
}

// Battle event types.
const (
	BattleEventAttack = "attack"
	BattleEventSkill  = "skill"
	BattleEventFlee   = "flee"
)

// BattleEvent notifies combat activity.
type BattleEvent struct {
	AIID      string          `json:"ai_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AttackEventData is the payload of an attack battle_event.
type AttackEventData struct {
	Target   string `json:"target"`
	Damage   int    `json:"damage"`
	TargetHP int    `json:"target_hp"`
}

// System event types.
const (
	SystemEventLevelUp = "ai_level_up"
	SystemEventDeath   = "ai_death"
	SystemEventPause   = "system_pause"
	SystemEventResume  = "system_resume"
)

// SystemEvent notifies swarm-wide occurrences.
type SystemEvent struct {
	EventType string          `json:"event_type"`
	AIID      string          `json:"ai_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}
