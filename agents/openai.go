package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BaSui01/synapse/types"
)

// OpenAIProvider adapts the Chat Completions API.
type OpenAIProvider struct {
	client *openai.Client
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates an adapter with an explicit API key.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIProvider{client: &client}
}

// NewOpenAIProviderFromClient creates an adapter from an existing client.
func NewOpenAIProviderFromClient(client *openai.Client) *OpenAIProvider {
	return &OpenAIProvider{client: client}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

// Invoke implements Provider.
func (p *OpenAIProvider) Invoke(ctx context.Context, req InvokeRequest) (*Invocation, error) {
	params := openai.ChatCompletionNewParams{
		Messages:    p.buildMessages(req),
		Model:       req.Model,
		Temperature: openai.Float(req.Temperature),
	}
	if len(req.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	if len(req.Tools) > 0 {
		toolParams := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, schema := range req.Tools {
			var parameters openai.FunctionParameters
			if len(schema.Parameters) > 0 {
				if err := json.Unmarshal(schema.Parameters, &parameters); err != nil {
					return nil, fmt.Errorf("tool %s parameters: %w", schema.Name, err)
				}
			}
			toolParams[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        schema.Name,
					Description: openai.String(schema.Description),
					Parameters:  parameters,
				},
			}
		}
		params.Tools = toolParams
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api error: no choices returned")
	}

	choice := resp.Choices[0]
	inv := &Invocation{}
	if choice.Message.Content != "" {
		inv.Parts = append(inv.Parts, choice.Message.Content)
	}
	for _, tc := range choice.Message.ToolCalls {
		inv.ToolCalls = append(inv.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return inv, nil
}

// buildMessages converts the conversation transcript into chat messages. The
// group chat is multi-party, so every history entry is prefixed with its
// sender alias and carried in the user role, except the invoked agent's own
// prior messages which map to the assistant role.
func (p *OpenAIProvider) buildMessages(req InvokeRequest) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch {
		case m.ToolCallID != "":
			messages = append(messages, openai.ToolMessage(m.Content, m.ToolCallID))
		case m.SenderAlias == req.Self && m.HasToolCalls():
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: toolCalls,
			}
			if m.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(m.Content),
				}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case m.SenderAlias == req.Self:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(transcriptLine(m)))
		}
	}
	return messages
}
