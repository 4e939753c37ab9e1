// Package tools hosts the capabilities the LLM may invoke through the
// tool-call protocol: built-in web search and page fetching, plus any
// tools discovered from configured MCP servers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is one capability exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON schema of the tool's arguments.
	Parameters() json.RawMessage
	// Run executes the tool. Errors are reported back to the LLM as a
	// tool-failure result, never surfaced to the user directly.
	Run(ctx context.Context, args map[string]any) (string, error)
}

// SearchError reports a failed web search. It terminates the tool call,
// not the session.
type SearchError struct {
	Query string
	Err   error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search %q failed: %v", e.Query, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}
