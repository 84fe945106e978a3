package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/synapse/tools"
	"github.com/BaSui01/synapse/types"
)

type fakeProvider struct {
	name    string
	result  *Invocation
	err     error
	lastReq InvokeRequest
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Invoke(_ context.Context, req InvokeRequest) (*Invocation, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testMembers() []types.GroupMember {
	return []types.GroupMember{
		{Alias: types.SenderOrchestrator, Provider: "openai", Model: "gpt-4o"},
		{Alias: types.SenderUser},
		{Alias: "Researcher", Provider: "openai", Model: "gpt-4o", Temperature: 0.3, Tools: []string{"current_time"}},
		{Alias: "Writer", Provider: "claude", Model: "claude-sonnet-4"},
	}
}

func TestRunner_Run(t *testing.T) {
	fake := &fakeProvider{
		name:   "openai",
		result: &Invocation{Parts: []string{"Found it. " + StopSequence}},
	}
	registry := tools.NewRegistry(tools.NewCurrentTime())
	runner := NewRunner([]Provider{fake}, registry, nil, zap.NewNop())

	history := []types.Message{types.NewMessage(types.SenderUser, "look this up")}
	msg := runner.Run(context.Background(), "Researcher", history, testMembers())

	assert.Equal(t, "Researcher", msg.SenderAlias)
	assert.Equal(t, "Found it.", msg.Content)
	assert.False(t, msg.HasToolCalls())

	assert.Equal(t, "Researcher", fake.lastReq.Self)
	assert.Equal(t, "gpt-4o", fake.lastReq.Model)
	assert.Equal(t, []string{StopSequence}, fake.lastReq.Stop)
	require.Len(t, fake.lastReq.Tools, 1)
	assert.Equal(t, "current_time", fake.lastReq.Tools[0].Name)
	assert.Contains(t, fake.lastReq.System, "current_time")
}

func TestRunner_Run_Orchestrator(t *testing.T) {
	fake := &fakeProvider{
		name:   "openai",
		result: &Invocation{Parts: []string{"@[Researcher] please dig in."}},
	}
	runner := NewRunner([]Provider{fake}, nil, nil, zap.NewNop())

	msg := runner.Run(context.Background(), types.SenderOrchestrator, nil, testMembers())

	assert.Equal(t, types.SenderOrchestrator, msg.SenderAlias)
	// The orchestrator administrates only; it never gets tools.
	assert.Empty(t, fake.lastReq.Tools)
	assert.Contains(t, fake.lastReq.System, "Orchestrator")
	assert.Contains(t, fake.lastReq.System, "Researcher, Writer")
	assert.NotContains(t, fake.lastReq.System, "Researcher, Writer, User")
}

func TestRunner_Run_ToolCalls(t *testing.T) {
	fake := &fakeProvider{
		name: "openai",
		result: &Invocation{
			Parts:     []string{"Let me check."},
			ToolCalls: []types.ToolCall{{ID: "call-1", Name: "current_time", Arguments: []byte(`{}`)}},
		},
	}
	runner := NewRunner([]Provider{fake}, tools.NewRegistry(tools.NewCurrentTime()), nil, zap.NewNop())

	msg := runner.Run(context.Background(), "Researcher", nil, testMembers())

	require.True(t, msg.HasToolCalls())
	assert.Equal(t, "call-1", msg.ToolCalls[0].ID)
}

func TestRunner_Run_ProviderFailureBecomesErrorMessage(t *testing.T) {
	fake := &fakeProvider{name: "openai", err: errors.New("rate limited")}
	runner := NewRunner([]Provider{fake}, nil, nil, zap.NewNop())

	msg := runner.Run(context.Background(), "Researcher", nil, testMembers())

	assert.Equal(t, types.SenderSystemError, msg.SenderAlias)
	assert.Contains(t, msg.Content, "Researcher")
	assert.Contains(t, msg.Content, "rate limited")
}

func TestRunner_Run_UnknownMember(t *testing.T) {
	runner := NewRunner(nil, nil, nil, zap.NewNop())

	msg := runner.Run(context.Background(), "Ghost", nil, testMembers())

	assert.Equal(t, types.SenderSystemError, msg.SenderAlias)
	assert.Contains(t, msg.Content, "Ghost")
}

func TestRunner_Run_UnconfiguredProvider(t *testing.T) {
	fake := &fakeProvider{name: "openai", result: &Invocation{}}
	runner := NewRunner([]Provider{fake}, nil, nil, zap.NewNop())

	msg := runner.Run(context.Background(), "Writer", nil, testMembers())

	assert.Equal(t, types.SenderSystemError, msg.SenderAlias)
	assert.Contains(t, msg.Content, "claude")
}
