package types

import "time"

// GroupMember is the snapshot of one participant's configuration, valid for
// the duration of a turn. Provider selects the LLM adapter; Tools is the
// allow-list of tool names the member may call.
type GroupMember struct {
	ID           string   `json:"id"`
	Alias        string   `json:"alias"`
	SystemPrompt string   `json:"system_prompt"`
	Tools        []string `json:"tools,omitempty"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	Temperature  float64  `json:"temperature"`
}

// TurnState is the versioned record of one conversation turn, checkpointed
// between job invocations. Messages is append-only; routing fields are
// written only by the router and LastSavedIndex only by persistence.
type TurnState struct {
	Messages       []Message     `json:"messages"`
	GroupID        string        `json:"group_id"`
	GroupMembers   []GroupMember `json:"group_members"`
	NextActors     []string      `json:"next_actors"`
	TurnCount      int           `json:"turn_count"`
	LastSavedIndex int           `json:"last_saved_index"`
	TurnID         string        `json:"turn_id"`
	// StartedAt marks when the current turn began, for duration metrics.
	StartedAt time.Time `json:"started_at"`
}

// LastMessage returns the most recent message, or nil when the state holds
// none. When a gathered batch was appended, the batch keeps completion order
// and the final element is "the last message" the router inspects.
func (s *TurnState) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// UnsavedMessages returns the suffix of Messages that persistence has not yet
// flushed. The returned slice aliases Messages and must not be mutated.
func (s *TurnState) UnsavedMessages() []Message {
	if s.LastSavedIndex >= len(s.Messages) {
		return nil
	}
	return s.Messages[s.LastSavedIndex:]
}

// Member returns the member configuration for the given alias.
func (s *TurnState) Member(alias string) (GroupMember, bool) {
	for _, m := range s.GroupMembers {
		if m.Alias == alias {
			return m, true
		}
	}
	return GroupMember{}, false
}
