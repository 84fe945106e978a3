// Package tools defines the tool invocation capability consumed by the
// execution workers. The registry is an explicit, injected mapping from tool
// name to implementation, never a process-wide global, so tests and
// deployments can assemble exactly the capabilities they want.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Schema describes a tool to the language model for function calling.
type Schema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Tool is one invocable capability. Invoke returns a plain string result;
// failures are returned as errors and converted to descriptive error strings
// at the worker boundary.
type Tool interface {
	// Schema returns the tool's function-calling description.
	Schema() Schema

	// Invoke runs the tool with JSON-encoded arguments.
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry maps tool names to implementations.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a registry from the given tools.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		r.tools[t.Schema().Name] = t
	}
	return r
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the schemas for the given allow-list of tool names,
// skipping names that are not registered. A nil allow-list yields nothing:
// members only get tools they were explicitly granted.
func (r *Registry) Schemas(allowed []string) []Schema {
	schemas := make([]Schema, 0, len(allowed))
	for _, name := range allowed {
		if t, ok := r.tools[name]; ok {
			schemas = append(schemas, t.Schema())
		}
	}
	return schemas
}

// Invoke runs the named tool. An unknown name is an error the caller wraps
// into a descriptive result string rather than a crash.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("tool %q not found", name)
	}
	return t.Invoke(ctx, args)
}
