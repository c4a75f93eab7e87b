package server

import (
	"encoding/json"

	"github.com/wulin-online/swarm/pkg/agent"
	"github.com/wulin-online/swarm/pkg/ai"
	"github.com/wulin-online/swarm/pkg/command"
	"github.com/wulin-online/swarm/pkg/fault"
	"github.com/wulin-online/swarm/pkg/wire"
)

func errKind(err error) string {
	if k := fault.KindOf(err); k != "" {
		return string(k)
	}
	return string(fault.MalformedPayload)
}

func (s *Server) respond(req wire.Message, data any) wire.Message {
	resp, err := wire.NewResponse(req, data)
	if err != nil {
		s.log.Error("response marshal failed", "cmd", req.Cmd, "error", err)
		return wire.NewErrorResponse(req, string(fault.MalformedPayload))
	}
	return resp
}

func agentStatusOf(a agent.Agent) wire.AgentStatus {
	return wire.AgentStatus{
		ID:         a.ID,
		Name:       a.Name,
		Academy:    a.Academy,
		Department: a.Department,
		TeamID:     a.TeamID,
		ShardID:    a.ShardID,
		Level:      a.Level,
		HP:         a.HP,
		MaxHP:      a.MaxHP,
		MP:         a.MP,
		MaxMP:      a.MaxMP,
		State:      a.State.String(),
		Position:   a.Pos,
		Strategy:   a.StrategyName,
	}
}

// handleSpawnAI creates count agents as one unit: a failure midway
// rolls the earlier creations back.
func (s *Server) handleSpawnAI(req wire.Message) wire.Message {
	var p wire.SpawnAIRequest
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return wire.NewErrorResponse(req, string(fault.MalformedPayload))
	}
	if p.Count <= 0 {
		return wire.NewErrorResponse(req, string(fault.MalformedPayload))
	}

	created := make([]wire.AgentStatus, 0, p.Count)
	for i := 0; i < p.Count; i++ {
		a, err := s.reg.Create(agent.Seed{
			Academy:    p.Academy,
			Department: p.Department,
			TeamID:     p.TeamID,
		})
		if err != nil {
			for _, st := range created {
				_ = s.reg.Delete(st.ID)
			}
			return wire.NewErrorResponse(req, errKind(err))
		}
		created = append(created, agentStatusOf(a))
	}
	return s.respond(req, wire.SpawnAIResponse{AIList: created, Count: len(created)})
}

// actionFromRequest translates the wire action name and params into
// the decision core's tagged value.
func actionFromRequest(p wire.AICommandRequest) (ai.Action, error) {
	act := ai.Action{Type: ai.ActionType(p.Action), Valid: true, Confidence: 1, Priority: 8}

	str := func(key string) string {
		v, _ := p.Params[key].(string)
		return v
	}
	num := func(key string) float64 {
		v, _ := p.Params[key].(float64)
		return v
	}

	switch act.Type {
	case ai.ActionMove:
		act.TargetPos = ai.Vec3{X: num("x"), Y: num("y"), Z: num("z")}
	case ai.ActionAttack, ai.ActionInteract:
		act.TargetID = str("target_id")
	case ai.ActionUseSkill:
		act.SkillID = str("skill_id")
		act.Params = p.Params
	case ai.ActionUseItem:
		act.ItemID = str("item_id")
	case ai.ActionChat:
		act.Text = str("text")
	case ai.ActionFlee, ai.ActionIdle:
	default:
		return ai.Action{}, fault.New(fault.MalformedPayload, "server.ai_command",
			"unknown action %q", p.Action)
	}
	if !act.WellFormed() {
		return ai.Action{}, fault.New(fault.MalformedPayload, "server.ai_command",
			"action %q missing required params", p.Action)
	}
	return act, nil
}

func (s *Server) handleAICommand(req wire.Message) wire.Message {
	var p wire.AICommandRequest
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return wire.NewErrorResponse(req, string(fault.MalformedPayload))
	}

	act, err := actionFromRequest(p)
	if err == nil {
		if queued, _ := p.Params["queued"].(bool); queued {
			err = s.enqueueAction(p.AIID, act)
		} else {
			err = s.ctl.ExecuteAction(p.AIID, act)
		}
	}
	if err != nil {
		resp := wire.NewErrorResponse(req, errKind(err))
		if data, merr := json.Marshal(wire.AICommandResponse{
			AIID: p.AIID, Action: p.Action, Success: false, Error: errKind(err),
		}); merr == nil {
			resp.Data = data
		}
		return resp
	}
	return s.respond(req, wire.AICommandResponse{AIID: p.AIID, Action: p.Action, Success: true})
}

// enqueueAction defers an action to the scheduler's next drain cycle
// instead of executing it inline.
func (s *Server) enqueueAction(agentID string, act ai.Action) error {
	payload, err := json.Marshal(act)
	if err != nil {
		return fault.Wrap(fault.MalformedPayload, "server.ai_command", err)
	}
	return s.queue.Enqueue(command.Command{
		Type:     command.TypeBroadcastAction,
		AgentID:  agentID,
		Payload:  payload,
		Priority: command.PriorityNormal,
	})
}

func (s *Server) handleAssignTeam(req wire.Message) wire.Message {
	var p wire.AssignTeamRequest
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return wire.NewErrorResponse(req, string(fault.MalformedPayload))
	}
	if p.TeamID < 0 || len(p.AIIDs) == 0 {
		return wire.NewErrorResponse(req, string(fault.MalformedPayload))
	}

	for _, id := range p.AIIDs {
		err := s.reg.Update(id, func(a *agent.Agent) error {
			a.TeamID = p.TeamID
			return nil
		})
		if err != nil {
			return wire.NewErrorResponse(req, errKind(err))
		}
	}
	return s.respond(req, wire.AssignTeamResponse{TeamID: p.TeamID, AIIDs: p.AIIDs, Success: true})
}

func (s *Server) handleGetStatus(req wire.Message) wire.Message {
	var p wire.GetStatusRequest
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return wire.NewErrorResponse(req, string(fault.MalformedPayload))
		}
	}

	var statuses []wire.AgentStatus
	if len(p.AIIDs) == 0 {
		for _, a := range s.reg.List(nil) {
			statuses = append(statuses, agentStatusOf(a))
		}
	} else {
		for _, id := range p.AIIDs {
			a, err := s.reg.Get(id)
			if err != nil {
				return wire.NewErrorResponse(req, errKind(err))
			}
			statuses = append(statuses, agentStatusOf(a))
		}
	}
	return s.respond(req, wire.GetStatusResponse{AIStatus: statuses})
}

func (s *Server) handleDeleteAI(req wire.Message) wire.Message {
	var p wire.DeleteAIRequest
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return wire.NewErrorResponse(req, string(fault.MalformedPayload))
	}

	switch {
	case p.AIID != "":
		if err := s.reg.Delete(p.AIID); err != nil {
			return wire.NewErrorResponse(req, errKind(err))
		}
	case p.TeamID > 0:
		for _, id := range s.reg.TeamMembers(p.TeamID) {
			if err := s.reg.Delete(id); err != nil {
				return wire.NewErrorResponse(req, errKind(err))
			}
		}
	default:
		return wire.NewErrorResponse(req, string(fault.MalformedPayload))
	}
	return s.respond(req, wire.DeleteAIResponse{AIID: p.AIID, TeamID: p.TeamID, Success: true})
}

// handleBatch runs nested requests in order; results stay
// index-aligned with the operations.
func (s *Server) handleBatch(req wire.Message) wire.Message {
	var p wire.BatchOperationRequest
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return wire.NewErrorResponse(req, string(fault.MalformedPayload))
	}

	results := make([]wire.Message, 0, len(p.Operations))
	for _, op := range p.Operations {
		if op.Kind != wire.KindRequest || op.Cmd == wire.CmdBatchOperation {
			results = append(results, wire.NewErrorResponse(op, string(fault.MalformedPayload)))
			continue
		}
		results = append(results, s.dispatch(op))
	}
	return s.respond(req, wire.BatchOperationResponse{Results: results})
}

func (s *Server) handleSystemControl(req wire.Message) wire.Message {
	var p wire.SystemControlRequest
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return wire.NewErrorResponse(req, string(fault.MalformedPayload))
	}

	switch p.Action {
	case wire.SystemPauseAll:
		s.ctl.Pause()
	case wire.SystemResumeAll:
		s.ctl.Resume()
	case wire.SystemResetAll:
		s.ctl.Reset()
	default:
		return wire.NewErrorResponse(req, string(fault.MalformedPayload))
	}
	return s.respond(req, wire.SystemControlResponse{Action: p.Action, Success: true})
}

func (s *Server) handleHeartbeat(req wire.Message) wire.Message {
	return s.respond(req, nil)
}
