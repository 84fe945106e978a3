package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Distinguished sender aliases. User and Orchestrator are present in every
// group; SenderSystemError tags messages synthesized from failed agent or
// tool invocations so the router can hand them back to the Orchestrator.
const (
	SenderUser         = "User"
	SenderOrchestrator = "Orchestrator"
	SenderSystemError  = "system_error"
)

// TaskCompleteMarker is the token the Orchestrator emits to end a turn.
const TaskCompleteMarker = "TASK_COMPLETE"

// ToolCall represents a tool invocation request carried by a message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry in a conversation. Content is always a single string;
// multi-part model output must be flattened with FlattenContent before a
// Message is constructed.
type Message struct {
	ID              string     `json:"id"`
	SenderAlias     string     `json:"sender_alias"`
	Content         string     `json:"content"`
	ToolCalls       []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID      string     `json:"tool_call_id,omitempty"`
	ParentMessageID string     `json:"parent_message_id,omitempty"`
	Timestamp       time.Time  `json:"timestamp,omitempty"`
}

// NewMessage creates a message with a generated id and the current time.
func NewMessage(sender, content string) Message {
	return Message{
		ID:          uuid.New().String(),
		SenderAlias: sender,
		Content:     content,
		Timestamp:   time.Now().UTC(),
	}
}

// NewToolMessage creates a tool result message correlated to the originating
// call id.
func NewToolMessage(toolCallID, toolName, content string) Message {
	m := NewMessage(toolName, content)
	m.ToolCallID = toolCallID
	return m
}

// NewErrorMessage creates a message tagged with the distinguished error
// sender. Workers substitute these for failed units of work so a gathering
// always reaches its expected count.
func NewErrorMessage(content string) Message {
	return NewMessage(SenderSystemError, content)
}

// WithToolCalls returns a copy of the message carrying the given tool calls.
func (m Message) WithToolCalls(calls []ToolCall) Message {
	m.ToolCalls = calls
	return m
}

// HasToolCalls reports whether the message requests tool execution.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// IsTaskComplete reports whether the message content carries the
// turn-completion marker.
func (m Message) IsTaskComplete() bool {
	return strings.Contains(m.Content, TaskCompleteMarker)
}

// FlattenContent normalizes a multi-part payload to a single string by
// concatenating the primary text parts, two newlines apart. Provider
// adapters use it so the rest of the engine only ever sees string content.
func FlattenContent(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	return strings.Join(parts, "\n\n")
}
