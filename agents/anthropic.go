package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/BaSui01/synapse/types"
)

const anthropicMaxTokens = 4096

// AnthropicProvider adapts the Anthropic Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates an adapter with an explicit API key.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &AnthropicProvider{client: &client}
}

// NewAnthropicProviderFromClient creates an adapter from an existing client.
func NewAnthropicProviderFromClient(client *anthropic.Client) *AnthropicProvider {
	return &AnthropicProvider{client: client}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return ProviderClaude }

// Invoke implements Provider.
func (p *AnthropicProvider) Invoke(ctx context.Context, req InvokeRequest) (*Invocation, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		Messages:    p.buildMessages(req),
		MaxTokens:   anthropicMaxTokens,
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if len(req.Tools) > 0 {
		toolParams, err := p.buildTools(req)
		if err != nil {
			return nil, err
		}
		params.Tools = toolParams
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	inv := &Invocation{}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text := block.AsText()
			if text.Text != "" {
				inv.Parts = append(inv.Parts, text.Text)
			}
		case "tool_use":
			use := block.AsToolUse()
			args, err := json.Marshal(use.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic tool input: %w", err)
			}
			inv.ToolCalls = append(inv.ToolCalls, types.ToolCall{
				ID:        use.ID,
				Name:      use.Name,
				Arguments: args,
			})
		}
	}
	return inv, nil
}

// buildMessages converts the transcript into Anthropic messages. Consecutive
// non-self messages collapse into one user turn so the strict role
// alternation the API expects always holds.
func (p *AnthropicProvider) buildMessages(req InvokeRequest) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	var pendingUser []anthropic.ContentBlockParamUnion

	flushUser := func() {
		if len(pendingUser) > 0 {
			messages = append(messages, anthropic.NewUserMessage(pendingUser...))
			pendingUser = nil
		}
	}

	for _, m := range req.Messages {
		switch {
		case m.ToolCallID != "":
			pendingUser = append(pendingUser, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case m.SenderAlias == req.Self:
			flushUser()
			var content []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				content = append(content, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input interface{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						input = string(tc.Arguments)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}
		default:
			pendingUser = append(pendingUser, anthropic.NewTextBlock(transcriptLine(m)))
		}
	}
	flushUser()
	return messages
}

func (p *AnthropicProvider) buildTools(req InvokeRequest) ([]anthropic.ToolUnionParam, error) {
	toolParams := make([]anthropic.ToolUnionParam, len(req.Tools))
	for i, schema := range req.Tools {
		inputSchema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if len(schema.Parameters) > 0 {
			var params struct {
				Properties map[string]interface{} `json:"properties"`
				Required   []string               `json:"required"`
			}
			if err := json.Unmarshal(schema.Parameters, &params); err != nil {
				return nil, fmt.Errorf("tool %s parameters: %w", schema.Name, err)
			}
			inputSchema.Properties = params.Properties
			inputSchema.Required = params.Required
		}
		toolParams[i] = anthropic.ToolUnionParamOfTool(inputSchema, schema.Name)
	}
	return toolParams, nil
}
