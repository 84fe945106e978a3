package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebSearch performs web searches through a Tavily-compatible HTTP API.
type WebSearch struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewWebSearch creates a web search tool. An empty endpoint uses the Tavily
// production API.
func NewWebSearch(apiKey, endpoint string) *WebSearch {
	if endpoint == "" {
		endpoint = "https://api.tavily.com/search"
	}
	return &WebSearch{
		apiKey:   apiKey,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Schema returns the tool's function-calling description.
func (w *WebSearch) Schema() Schema {
	return Schema{
		Name:        "web_search",
		Description: "Performs a web search to find information on a given query. Best for real-time information or specific facts.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The search query"}
			},
			"required": ["query"]
		}`),
	}
}

type webSearchArgs struct {
	Query string `json:"query"`
}

type webSearchRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
}

type webSearchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Invoke runs the search and formats the results as one string.
func (w *WebSearch) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var parsed webSearchArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", fmt.Errorf("invalid web_search arguments: %w", err)
	}
	if parsed.Query == "" {
		return "", fmt.Errorf("web_search requires a non-empty query")
	}

	body, err := json.Marshal(webSearchRequest{
		APIKey:      w.apiKey,
		Query:       parsed.Query,
		SearchDepth: "advanced",
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("web search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("web search returned status %d: %s", resp.StatusCode, data)
	}

	var result webSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode search response: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Search results for %q:\n", parsed.Query)
	for i, r := range result.Results {
		fmt.Fprintf(&buf, "%d. %s (%s)\n%s\n", i+1, r.Title, r.URL, r.Content)
	}
	return buf.String(), nil
}

// Ensure WebSearch implements Tool
var _ Tool = (*WebSearch)(nil)
