package agents

import (
	"context"
	"fmt"

	"github.com/BaSui01/synapse/tools"
	"github.com/BaSui01/synapse/types"
)

// Provider tags accepted in a group member's configuration.
const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
)

// InvokeRequest carries everything a provider needs for one completion.
type InvokeRequest struct {
	System      string
	Messages    []types.Message
	Model       string
	Temperature float64
	// Tools the model may call this turn. Empty means no tool use.
	Tools []tools.Schema
	// Self is the alias of the agent being invoked. History messages from
	// this alias map to the assistant role, everything else to user turns.
	Self string
	// Stop sequences trim the completion at the protocol boundary.
	Stop []string
}

// Invocation is the normalized result of one completion.
type Invocation struct {
	// Parts holds the text blocks of the reply in order.
	Parts []string
	// ToolCalls requested by the model, if any.
	ToolCalls []types.ToolCall
}

// Text joins the reply blocks the same way the transcript stores them.
func (inv *Invocation) Text() string {
	return types.FlattenContent(inv.Parts)
}

// transcriptLine renders another participant's message the way it reads in
// the shared group transcript.
func transcriptLine(m types.Message) string {
	return fmt.Sprintf("%s: %s", m.SenderAlias, m.Content)
}

// Provider adapts one LLM API to the invocation contract.
type Provider interface {
	// Name returns the provider tag this adapter serves.
	Name() string
	// Invoke performs one completion. Implementations return an error for
	// transport or API failures; the caller decides how failures surface
	// in the conversation.
	Invoke(ctx context.Context, req InvokeRequest) (*Invocation, error)
}
