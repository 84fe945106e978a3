package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/synapse/tools"
	"github.com/BaSui01/synapse/types"
)

// Runner invokes one agent against its configured provider and converts the
// outcome into a transcript message. Failures never escape as errors: a
// failed invocation becomes a system_error message so the turn can continue
// and gatherings still reach their expected count.
type Runner struct {
	providers map[string]Provider
	registry  *tools.Registry
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewRunner creates a runner over the given provider adapters. A nil limiter
// disables rate limiting.
func NewRunner(providers []Provider, registry *tools.Registry, limiter *rate.Limiter, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Runner{
		providers: byName,
		registry:  registry,
		limiter:   limiter,
		logger:    logger.With(zap.String("component", "agent_runner")),
	}
}

// Run invokes the named member over the given transcript. The returned
// message is always usable: provider failures, unknown members, and unknown
// providers all yield a system_error message instead.
func (r *Runner) Run(ctx context.Context, alias string, messages []types.Message, members []types.GroupMember) types.Message {
	var member *types.GroupMember
	for i := range members {
		if members[i].Alias == alias {
			member = &members[i]
			break
		}
	}
	if member == nil {
		r.logger.Warn("agent not in roster", zap.String("alias", alias))
		return types.NewErrorMessage(fmt.Sprintf("Agent %q is not a member of this group.", alias))
	}

	provider, ok := r.providers[member.Provider]
	if !ok {
		r.logger.Warn("provider not configured",
			zap.String("alias", alias),
			zap.String("provider", member.Provider))
		return types.NewErrorMessage(fmt.Sprintf("Agent %q failed to respond: provider %q is not configured.", alias, member.Provider))
	}

	req := InvokeRequest{
		Messages:    messages,
		Model:       member.Model,
		Temperature: member.Temperature,
		Self:        alias,
		Stop:        []string{StopSequence},
	}
	if alias == types.SenderOrchestrator {
		req.System = OrchestratorPrompt(members)
	} else {
		schemas := r.schemas(member)
		req.System = AgentPrompt(*member, schemas)
		req.Tools = schemas
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return types.NewErrorMessage(fmt.Sprintf("Agent %q failed to respond: %v", alias, err))
		}
	}

	inv, err := provider.Invoke(ctx, req)
	if err != nil {
		r.logger.Error("agent invocation failed",
			zap.String("alias", alias),
			zap.String("provider", member.Provider),
			zap.Error(err))
		return types.NewErrorMessage(fmt.Sprintf("Agent %q failed to respond: %v", alias, err))
	}

	msg := types.NewMessage(alias, trimProtocol(inv.Text()))
	if len(inv.ToolCalls) > 0 {
		msg = msg.WithToolCalls(inv.ToolCalls)
	}
	r.logger.Debug("agent responded",
		zap.String("alias", alias),
		zap.Int("tool_calls", len(inv.ToolCalls)))
	return msg
}

func (r *Runner) schemas(member *types.GroupMember) []tools.Schema {
	if r.registry == nil {
		return nil
	}
	return r.registry.Schemas(member.Tools)
}

// trimProtocol strips the stop sequence if the provider echoed it back.
func trimProtocol(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, StopSequence)
	return strings.TrimSpace(text)
}
