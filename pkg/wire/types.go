// Package wire implements the framed JSON protocol spoken between the
// management console, the orchestrator and the game servers: a 4-byte
// little-endian length prefix followed by one UTF-8 JSON object.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the four message shapes.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindHeartbeat    Kind = "heartbeat"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Command names.
const (
	CmdSpawnAI        = "spawn_ai"
	CmdAICommand      = "ai_command"
	CmdAssignTeam     = "assign_team"
	CmdGetStatus      = "get_status"
	CmdDeleteAI       = "delete_ai"
	CmdBatchOperation = "batch_operation"
	CmdSystemControl  = "system_control"
	CmdHeartbeat      = "heartbeat"
)

// Notification names.
const (
	NotifyAIStateChange = "ai_state_change"
	NotifyBattleEvent   = "battle_event"
	NotifySystemEvent   = "system_event"
)

// Message is one frame body. Data stays raw so intermediate hops never
// re-encode command payloads.
type Message struct {
	Kind      Kind            `json:"kind"`
	Cmd       string          `json:"cmd,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp int64           `json:"timestamp"` // milliseconds since epoch
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewRequest builds a request frame; data may be nil.
func NewRequest(requestID, cmd string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Kind:      KindRequest,
		Cmd:       cmd,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
	}, nil
}

// NewResponse builds an ok response mirroring the request's cmd and id.
func NewResponse(req Message, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Kind:      KindResponse,
		Cmd:       req.Cmd,
		RequestID: req.RequestID,
		Timestamp: time.Now().UnixMilli(),
		Status:    StatusOK,
		Data:      raw,
	}, nil
}

// NewErrorResponse builds an error response carrying the error kind.
func NewErrorResponse(req Message, errKind string) Message {
	return Message{
		Kind:      KindResponse,
		Cmd:       req.Cmd,
		RequestID: req.RequestID,
		Timestamp: time.Now().UnixMilli(),
		Status:    StatusError,
		Error:     errKind,
	}
}

// NewNotification builds a broadcast frame; notifications carry no
// request id.
func NewNotification(topic string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Kind:      KindNotification,
		Cmd:       topic,
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
	}, nil
}

// NewHeartbeat builds a heartbeat frame.
func NewHeartbeat() Message {
	return Message{Kind: KindHeartbeat, Timestamp: time.Now().UnixMilli()}
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// Validate checks the structural rules for each kind.
func (m Message) Validate() error {
	switch m.Kind {
	case KindRequest:
		if m.Cmd == "" {
			return fmt.Errorf("request without cmd")
		}
		if m.RequestID == "" {
			return fmt.Errorf("request without request_id")
		}
	case KindResponse:
		if m.RequestID == "" {
			return fmt.Errorf("response without request_id")
		}
		if m.Status != StatusOK && m.Status != StatusError {
			return fmt.Errorf("response with status %q", m.Status)
		}
	case KindNotification:
		if m.Cmd == "" {
			return fmt.Errorf("notification without topic")
		}
	case KindHeartbeat:
	default:
		return fmt.Errorf("unknown kind %q", m.Kind)
	}
	return nil
}
