package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/BaSui01/synapse/types"
)

// GeminiProvider adapts the Google GenAI API.
type GeminiProvider struct {
	client *genai.Client
}

var _ Provider = (*GeminiProvider)(nil)

// NewGeminiProvider creates an adapter with an explicit API key.
func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// NewGeminiProviderFromClient creates an adapter from an existing client.
func NewGeminiProviderFromClient(client *genai.Client) *GeminiProvider {
	return &GeminiProvider{client: client}
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return ProviderGemini }

// Invoke implements Provider.
func (p *GeminiProvider) Invoke(ctx context.Context, req InvokeRequest) (*Invocation, error) {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if len(req.Stop) > 0 {
		config.StopSequences = req.Stop
	}
	if len(req.Tools) > 0 {
		declarations := make([]*genai.FunctionDeclaration, len(req.Tools))
		for i, schema := range req.Tools {
			decl := &genai.FunctionDeclaration{
				Name:        schema.Name,
				Description: schema.Description,
			}
			if len(schema.Parameters) > 0 {
				var params genai.Schema
				if err := json.Unmarshal(schema.Parameters, &params); err != nil {
					return nil, fmt.Errorf("tool %s parameters: %w", schema.Name, err)
				}
				decl.Parameters = &params
			}
			declarations[i] = decl
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, p.buildContents(req), config)
	if err != nil {
		return nil, fmt.Errorf("genai api error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("genai api error: no candidates returned")
	}

	inv := &Invocation{}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			inv.Parts = append(inv.Parts, part.Text)
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("genai function args: %w", err)
			}
			id := part.FunctionCall.ID
			if id == "" {
				// The API does not always assign call ids; the transcript
				// needs one to pair the response with the call.
				id = uuid.NewString()
			}
			inv.ToolCalls = append(inv.ToolCalls, types.ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	return inv, nil
}

// buildContents converts the transcript into GenAI contents. The invoked
// agent's own messages map to the model role, everything else to user turns.
func (p *GeminiProvider) buildContents(req InvokeRequest) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch {
		case m.ToolCallID != "":
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{genai.NewPartFromFunctionResponse(m.SenderAlias, map[string]any{
					"result": m.Content,
				})},
			})
		case m.SenderAlias == req.Self:
			parts := make([]*genai.Part, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if len(tc.Arguments) > 0 {
					_ = json.Unmarshal(tc.Arguments, &args)
				}
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		default:
			contents = append(contents, genai.NewContentFromText(transcriptLine(m), genai.RoleUser))
		}
	}
	return contents
}
