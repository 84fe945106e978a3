package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/synapse/types"
)

func stateWith(turnCount int, msgs ...types.Message) *types.TurnState {
	return &types.TurnState{
		GroupID:   "g-1",
		Messages:  msgs,
		TurnCount: turnCount,
	}
}

func TestRoute_CeilingForcesTermination(t *testing.T) {
	// Mentions are present, but the fuse takes priority.
	msg := types.NewMessage(types.SenderOrchestrator, "@[Agent One] keep going")
	decision := Route(stateWith(DefaultTurnCeiling, msg), DefaultTurnCeiling)

	assert.True(t, decision.Finished)
	assert.Equal(t, FinishCeiling, decision.Reason)
	assert.Empty(t, decision.NextActors)
	assert.Equal(t, DefaultTurnCeiling+1, decision.TurnCount)
}

func TestRoute_ErrorSenderRoutesToOrchestrator(t *testing.T) {
	msg := types.NewErrorMessage(`Agent "Agent One" failed to respond: timeout`)
	decision := Route(stateWith(3, msg), DefaultTurnCeiling)

	assert.False(t, decision.Finished)
	assert.Equal(t, []string{types.SenderOrchestrator}, decision.NextActors)
	assert.Equal(t, 4, decision.TurnCount)
}

func TestRoute_TaskCompleteFromOrchestratorFinishes(t *testing.T) {
	msg := types.NewMessage(types.SenderOrchestrator, "All done. TASK_COMPLETE")
	decision := Route(stateWith(5, msg), DefaultTurnCeiling)

	assert.True(t, decision.Finished)
	assert.Equal(t, FinishTaskComplete, decision.Reason)
	assert.Empty(t, decision.NextActors)
}

func TestRoute_TaskCompleteFromAgentDoesNotFinish(t *testing.T) {
	// Only the orchestrator may end the turn.
	msg := types.NewMessage("Agent One", "I think we are finished. TASK_COMPLETE")
	decision := Route(stateWith(5, msg), DefaultTurnCeiling)

	assert.False(t, decision.Finished)
	assert.Equal(t, []string{types.SenderOrchestrator}, decision.NextActors)
}

func TestRoute_ToolCallsYieldNoActors(t *testing.T) {
	msg := types.NewMessage("Agent One", "checking").WithToolCalls([]types.ToolCall{
		{ID: "call-1", Name: "web_search", Arguments: []byte(`{"query":"x"}`)},
	})
	decision := Route(stateWith(2, msg), DefaultTurnCeiling)

	assert.False(t, decision.Finished)
	assert.Empty(t, decision.NextActors)
}

func TestRoute_MentionsDedupAndExcludeSelf(t *testing.T) {
	msg := types.NewMessage(types.SenderOrchestrator, "hello @[Agent One] and @[Agent One]")
	decision := Route(stateWith(1, msg), DefaultTurnCeiling)
	assert.Equal(t, []string{"Agent One"}, decision.NextActors)

	selfMsg := types.NewMessage("Agent One", "hello @[Agent One] and @[Agent One]")
	selfDecision := Route(stateWith(1, selfMsg), DefaultTurnCeiling)
	assert.NotContains(t, selfDecision.NextActors, "Agent One")
}

func TestRoute_MentionsPreserveFirstMentionOrder(t *testing.T) {
	msg := types.NewMessage(types.SenderOrchestrator, "@[Writer] then @[Researcher] then @[Writer]")
	decision := Route(stateWith(1, msg), DefaultTurnCeiling)
	assert.Equal(t, []string{"Writer", "Researcher"}, decision.NextActors)
}

func TestRoute_NonOrchestratorHandsControlBack(t *testing.T) {
	msg := types.NewMessage("Agent One", "here is what I found")
	decision := Route(stateWith(2, msg), DefaultTurnCeiling)
	assert.Equal(t, []string{types.SenderOrchestrator}, decision.NextActors)
}

func TestRoute_UserMessageRoutesToOrchestrator(t *testing.T) {
	msg := types.NewMessage(types.SenderUser, "please research X")
	decision := Route(stateWith(0, msg), DefaultTurnCeiling)
	assert.Equal(t, []string{types.SenderOrchestrator}, decision.NextActors)
	assert.Equal(t, 1, decision.TurnCount)
}

func TestRoute_OrchestratorSilenceFinishes(t *testing.T) {
	msg := types.NewMessage(types.SenderOrchestrator, "hmm, interesting")
	decision := Route(stateWith(4, msg), DefaultTurnCeiling)

	assert.True(t, decision.Finished)
	assert.Equal(t, FinishOrchestratorSilent, decision.Reason)
}

func TestMentions_AliasCharacterSet(t *testing.T) {
	actors := Mentions("ping @[agent_2] @[Dr. Who-Two] @[A B]", "Orchestrator")
	assert.Equal(t, []string{"agent_2", "Dr. Who-Two", "A B"}, actors)
}

func TestMentions_NoMatches(t *testing.T) {
	assert.Nil(t, Mentions("no calls here, just an email a@b.com", "Orchestrator"))
}
