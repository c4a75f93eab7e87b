package scheduler

import (
	"encoding/json"
	"math"

	"github.com/wulin-online/swarm/pkg/agent"
	"github.com/wulin-online/swarm/pkg/ai"
	"github.com/wulin-online/swarm/pkg/fault"
	"github.com/wulin-online/swarm/pkg/wire"
)

// Combat tuning. Real damage formulas live on the game servers; the
// orchestrator simulates outcomes so the swarm behaves plausibly
// without one.
const (
	damageMin = 50
	damageMax = 150

	perceptionRadius = 40.0
	itemHealAmount   = 25
	xpPerKill        = 50
)

// perceive builds the tick snapshot for one agent from its own record
// and its shard neighbors. Agents of another academy read as enemies,
// teammates and academy fellows as allies.
func (s *Scheduler) perceive(a agent.Agent) ai.Perception {
	p := ai.Perception{
		HP:    a.HP,
		MaxHP: a.MaxHP,
		MP:    a.MP,
		MaxMP: a.MaxMP,
		Level: a.Level,
	}

	for _, other := range s.reg.ListShard(a.ShardID) {
		if other.ID == a.ID || other.State == agent.StateDead || other.State == agent.StateOffline {
			continue
		}
		offset := ai.Vec3{
			X: other.Pos.X - a.Pos.X,
			Y: other.Pos.Y - a.Pos.Y,
			Z: other.Pos.Z - a.Pos.Z,
		}
		if offset.Length() > perceptionRadius {
			continue
		}
		info := ai.ActorInfo{
			ID:     other.ID,
			Offset: offset,
			HP:     other.HP,
			Level:  other.Level,
			Threat: threatOf(a, other),
		}
		if ally(a, other) {
			p.Allies = append(p.Allies, info)
		} else {
			p.Enemies = append(p.Enemies, info)
			p.Threat += info.Threat
		}
	}
	if p.Threat > 1 {
		p.Threat = 1
	}
	return p
}

func ally(a, other agent.Agent) bool {
	if a.TeamID > 0 && a.TeamID == other.TeamID {
		return true
	}
	return a.Academy == other.Academy
}

// threatOf rates one neighbor in [0,1]: level advantage scaled by the
// neighbor's remaining hp.
func threatOf(a, other agent.Agent) float64 {
	levelEdge := float64(other.Level-a.Level)/10 + 0.3
	hpShare := 0.0
	if other.MaxHP > 0 {
		hpShare = float64(other.HP) / float64(other.MaxHP)
	}
	t := levelEdge * hpShare
	return math.Max(0, math.Min(1, t))
}

// ExecuteAction applies one action to the registry and emits the
// matching notifications. Callers include the tick loop and the
// protocol server's ai_command handler; both receive typed errors
// (invariant_violation for an mp-gated skill, not_found for a missing
// target) with no partial mutation left behind.
func (s *Scheduler) ExecuteAction(id string, act ai.Action) error {
	if !act.WellFormed() {
		return fault.New(fault.MalformedPayload, "scheduler.execute",
			"malformed %s action", act.Type)
	}

	switch act.Type {
	case ai.ActionAttack:
		return s.executeAttack(id, act)
	case ai.ActionUseSkill:
		return s.executeSkill(id, act)
	case ai.ActionMove:
		return s.transition(id, agent.StateMoving, func(a *agent.Agent) {
			a.Pos = act.TargetPos
		})
	case ai.ActionFlee:
		err := s.transition(id, agent.StateMoving, func(a *agent.Agent) {
			// Away from origin; the game server resolves real pathing.
			a.Pos.X += 10
			a.Pos.Z += 10
		})
		if err != nil {
			return err
		}
		m, merr := wire.NewNotification(wire.NotifyBattleEvent, wire.BattleEvent{
			AIID:      id,
			EventType: wire.BattleEventFlee,
		})
		s.broadcast(m, merr)
		return nil
	case ai.ActionUseItem:
		return s.transition(id, agent.StateIdle, func(a *agent.Agent) {
			a.HP += itemHealAmount
			if a.HP > a.MaxHP {
				a.HP = a.MaxHP
			}
		})
	case ai.ActionInteract:
		return s.transition(id, agent.StateQuesting, nil)
	case ai.ActionChat:
		return s.transition(id, agent.StateChatting, nil)
	case ai.ActionIdle:
		return s.transition(id, agent.StateIdle, nil)
	default:
		return fault.New(fault.MalformedPayload, "scheduler.execute",
			"unknown action type %q", act.Type)
	}
}

// transition moves the agent into a state, applies an optional extra
// mutation, and broadcasts the state change.
func (s *Scheduler) transition(id string, state agent.State, extra func(*agent.Agent)) error {
	var pos ai.Vec3
	err := s.reg.Update(id, func(a *agent.Agent) error {
		a.State = state
		if extra != nil {
			extra(a)
		}
		pos = a.Pos
		return nil
	})
	if err != nil {
		return err
	}
	m, merr := wire.NewNotification(wire.NotifyAIStateChange, wire.AIStateChange{
		AIID:     id,
		NewState: state.String(),
		Position: pos,
	})
	s.broadcast(m, merr)
	return nil
}

func (s *Scheduler) executeAttack(id string, act ai.Action) error {
	target, err := s.reg.Get(act.TargetID)
	if err != nil {
		return err
	}
	if target.State == agent.StateDead {
		return fault.New(fault.InvariantViolation, "scheduler.attack",
			"target %s is dead", act.TargetID)
	}

	damage := s.roll(damageMin, damageMax)
	var targetHP int
	var killed bool
	err = s.reg.Update(act.TargetID, func(a *agent.Agent) error {
		a.HP -= damage
		if a.HP <= 0 {
			a.HP = 0
			a.State = agent.StateDead
			killed = true
		} else if a.State == agent.StateIdle {
			a.State = agent.StateFighting
		}
		targetHP = a.HP
		return nil
	})
	if err != nil {
		return err
	}

	var leveled bool
	err = s.reg.Update(id, func(a *agent.Agent) error {
		a.State = agent.StateFighting
		if killed {
			a.XP += xpPerKill
			for a.XP >= a.Level*100 {
				a.XP -= a.Level * 100
				a.Level++
				a.MaxHP += 20
				a.MaxMP += 10
				leveled = true
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	m, merr := wire.NewNotification(wire.NotifyBattleEvent, wire.BattleEvent{
		AIID:      id,
		EventType: wire.BattleEventAttack,
		Data:      mustJSON(wire.AttackEventData{Target: act.TargetID, Damage: damage, TargetHP: targetHP}),
	})
	s.broadcast(m, merr)

	if killed {
		s.broadcastSystemEvent(wire.SystemEventDeath, act.TargetID)
	}
	if leveled {
		s.broadcastSystemEvent(wire.SystemEventLevelUp, id)
	}
	return nil
}

func (s *Scheduler) executeSkill(id string, act ai.Action) error {
	cost := agent.DefaultSkillCost
	if skill, ok := agent.FindSkill(act.SkillID); ok {
		cost = skill.MPCost
	}
	err := s.reg.Update(id, func(a *agent.Agent) error {
		if a.MP < cost {
			return fault.New(fault.InvariantViolation, "scheduler.skill",
				"agent %s has mp %d, skill %s costs %d", id, a.MP, act.SkillID, cost)
		}
		a.MP -= cost
		a.State = agent.StateUsingSkill
		return nil
	})
	if err != nil {
		return err
	}
	m, merr := wire.NewNotification(wire.NotifyBattleEvent, wire.BattleEvent{
		AIID:      id,
		EventType: wire.BattleEventSkill,
		Data:      mustJSON(map[string]string{"skill_id": act.SkillID}),
	})
	s.broadcast(m, merr)
	return nil
}

// reward shapes the learning signal from the perception the decision
// saw and the action taken. Coarse on purpose; the learner only needs
// a consistent gradient.
func (s *Scheduler) reward(p ai.Perception, act ai.Action) float64 {
	hp := p.HPRatio()
	switch act.Type {
	case ai.ActionAttack:
		if hp > 0.5 {
			return 0.5
		}
		return -0.2
	case ai.ActionFlee:
		if hp < 0.3 && p.Threat > 0.3 {
			return 0.6
		}
		return -0.3
	case ai.ActionUseItem:
		if hp < 0.6 {
			return 0.4
		}
		return -0.1
	case ai.ActionUseSkill:
		if p.MPRatio() > 0.3 && len(p.Enemies) > 0 {
			return 0.3
		}
		return -0.2
	case ai.ActionChat:
		if p.Threat < 0.2 {
			return 0.1
		}
		return -0.4
	case ai.ActionIdle:
		if p.Threat > 0.5 {
			return -0.5
		}
		return 0
	default:
		return 0.05
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
