// Package storage provides the durable relational log: groups, member
// rosters, users, and the append-only message history. Message inserts are
// idempotent by id so the persistence step can be retried safely under
// at-least-once job delivery.
package storage

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/synapse/types"
)

// Group is a conversation with a fixed participant roster.
type Group struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerID   string    `gorm:"size:36;index" json:"owner_id"`
	Name      string    `gorm:"size:255" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Members  []GroupMember `gorm:"foreignKey:GroupID" json:"members,omitempty"`
	Messages []Message     `gorm:"foreignKey:GroupID" json:"-"`
}

// GroupMember is one participant's stored configuration. Tools holds the
// JSON-encoded allow-list of tool names.
type GroupMember struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	GroupID      string    `gorm:"size:36;index" json:"group_id"`
	Alias        string    `gorm:"size:255" json:"alias"`
	SystemPrompt string    `gorm:"type:text" json:"system_prompt"`
	Tools        string    `gorm:"type:text" json:"-"`
	Provider     string    `gorm:"size:64;default:openai" json:"provider"`
	Model        string    `gorm:"size:128;default:gpt-4o" json:"model"`
	Temperature  float64   `gorm:"default:0.1" json:"temperature"`
	CreatedAt    time.Time `json:"created_at"`
}

// ToSnapshot converts the stored row into the per-turn roster snapshot.
func (m GroupMember) ToSnapshot() types.GroupMember {
	var tools []string
	if m.Tools != "" {
		_ = json.Unmarshal([]byte(m.Tools), &tools)
	}
	return types.GroupMember{
		ID:           m.ID,
		Alias:        m.Alias,
		SystemPrompt: m.SystemPrompt,
		Tools:        tools,
		Provider:     m.Provider,
		Model:        m.Model,
		Temperature:  m.Temperature,
	}
}

// Message is one durably stored conversation message. Meta carries the full
// JSON-encoded types.Message for audit and client hydration.
type Message struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	GroupID     string    `gorm:"size:36;index:idx_messages_group_time,priority:1" json:"group_id"`
	TurnID      string    `gorm:"size:36;index" json:"turn_id"`
	SenderAlias string    `gorm:"size:255" json:"sender_alias"`
	Content     string    `gorm:"type:text" json:"content"`
	Meta        string    `gorm:"type:text" json:"-"`
	CreatedAt   time.Time `gorm:"index:idx_messages_group_time,priority:2" json:"created_at"`
}

// User is an account that owns groups and authenticates against the API.
type User struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Username     string    `gorm:"size:255;uniqueIndex" json:"username"`
	PasswordHash string    `gorm:"size:255" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
