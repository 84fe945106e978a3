package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTool struct {
	name   string
	result string
}

func (s staticTool) Schema() Schema {
	return Schema{Name: s.name, Description: "static", Parameters: json.RawMessage(`{}`)}
}

func (s staticTool) Invoke(context.Context, json.RawMessage) (string, error) {
	return s.result, nil
}

func TestRegistry_Invoke(t *testing.T) {
	r := NewRegistry(staticTool{name: "echo", result: "hi"})

	out, err := r.Invoke(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = r.Invoke(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func TestRegistry_SchemasHonorAllowList(t *testing.T) {
	r := NewRegistry(
		staticTool{name: "a"},
		staticTool{name: "b"},
		staticTool{name: "c"},
	)

	schemas := r.Schemas([]string{"c", "a", "unknown"})
	require.Len(t, schemas, 2)
	assert.Equal(t, "c", schemas[0].Name)
	assert.Equal(t, "a", schemas[1].Name)

	assert.Empty(t, r.Schemas(nil))
	assert.Equal(t, []string{"a", "b", "c"}, r.Names())
}

func TestWebSearch_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req webSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "golang", req.Query)

		json.NewEncoder(w).Encode(webSearchResponse{ //nolint:errcheck
			Results: []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Content string `json:"content"`
			}{
				{Title: "Go", URL: "https://go.dev", Content: "The Go programming language"},
			},
		})
	}))
	defer srv.Close()

	ws := NewWebSearch("test-key", srv.URL)
	out, err := ws.Invoke(context.Background(), json.RawMessage(`{"query":"golang"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "go.dev")
}

func TestWebSearch_RequiresQuery(t *testing.T) {
	ws := NewWebSearch("k", "http://unused")
	_, err := ws.Invoke(context.Background(), json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestCurrentTime_Invoke(t *testing.T) {
	ct := NewCurrentTime()
	ct.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	out, err := ct.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "2026")

	_, err = ct.Invoke(context.Background(), json.RawMessage(`{"timezone":"Not/AZone"}`))
	assert.Error(t, err)
}
