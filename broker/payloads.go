package broker

import (
	"encoding/json"

	"github.com/BaSui01/synapse/types"
)

// Wire payloads for the named jobs. Both sides of every queue (the
// orchestration cycle and the execution workers) share these definitions so
// the contract lives in one place.

// StartTurnPayload begins a new turn from an inbound user message.
type StartTurnPayload struct {
	GroupID   string `json:"group_id"`
	Content   string `json:"content"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	TurnID    string `json:"turn_id"`
}

// RunAgentPayload asks an execution worker to invoke one agent. The full
// message history and roster are serialized once per dispatch so workers
// need no checkpoint access.
type RunAgentPayload struct {
	Alias       string              `json:"alias"`
	Messages    []types.Message     `json:"messages"`
	Members     []types.GroupMember `json:"members"`
	ThreadID    string              `json:"thread_id"`
	GatheringID string              `json:"gathering_id,omitempty"`
}

// RunToolPayload asks an execution worker to invoke one tool call.
type RunToolPayload struct {
	ToolName    string          `json:"tool_name"`
	Arguments   json.RawMessage `json:"arguments"`
	ToolCallID  string          `json:"tool_call_id"`
	ThreadID    string          `json:"thread_id"`
	GatheringID string          `json:"gathering_id,omitempty"`
}

// WorkerResultPayload re-enters the orchestration cycle with one produced
// message. GatheringID is set only for gathered agent dispatches.
type WorkerResultPayload struct {
	ThreadID    string        `json:"thread_id"`
	Message     types.Message `json:"message"`
	GatheringID string        `json:"gathering_id,omitempty"`
}
