package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CurrentTime reports the current time, optionally in a named IANA location.
type CurrentTime struct {
	now func() time.Time
}

// NewCurrentTime creates the current_time tool.
func NewCurrentTime() *CurrentTime {
	return &CurrentTime{now: time.Now}
}

// Schema returns the tool's function-calling description.
func (c *CurrentTime) Schema() Schema {
	return Schema{
		Name:        "current_time",
		Description: "Returns the current date and time, optionally for a given IANA timezone such as Europe/Berlin.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {"type": "string", "description": "IANA timezone name; defaults to UTC"}
			}
		}`),
	}
}

type currentTimeArgs struct {
	Timezone string `json:"timezone"`
}

// Invoke formats the current time in the requested location.
func (c *CurrentTime) Invoke(_ context.Context, args json.RawMessage) (string, error) {
	var parsed currentTimeArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return "", fmt.Errorf("invalid current_time arguments: %w", err)
		}
	}

	loc := time.UTC
	if parsed.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(parsed.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q: %w", parsed.Timezone, err)
		}
	}

	return c.now().In(loc).Format(time.RFC1123), nil
}

// Ensure CurrentTime implements Tool
var _ Tool = (*CurrentTime)(nil)
