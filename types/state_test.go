package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnState_LastMessage(t *testing.T) {
	var s TurnState
	assert.Nil(t, s.LastMessage())

	s.Messages = append(s.Messages, NewMessage(SenderUser, "first"), NewMessage(SenderOrchestrator, "second"))
	last := s.LastMessage()
	require.NotNil(t, last)
	assert.Equal(t, "second", last.Content)
}

func TestTurnState_UnsavedMessages(t *testing.T) {
	s := TurnState{
		Messages: []Message{
			NewMessage(SenderUser, "a"),
			NewMessage(SenderOrchestrator, "b"),
			NewMessage("Agent One", "c"),
		},
		LastSavedIndex: 1,
	}

	unsaved := s.UnsavedMessages()
	require.Len(t, unsaved, 2)
	assert.Equal(t, "b", unsaved[0].Content)

	s.LastSavedIndex = 3
	assert.Nil(t, s.UnsavedMessages())
}

func TestTurnState_Member(t *testing.T) {
	s := TurnState{GroupMembers: []GroupMember{
		{Alias: "Orchestrator", Provider: "openai"},
		{Alias: "Agent One", Provider: "claude"},
	}}

	m, ok := s.Member("Agent One")
	require.True(t, ok)
	assert.Equal(t, "claude", m.Provider)

	_, ok = s.Member("Nobody")
	assert.False(t, ok)
}
