package tools

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/daiyosei/cirno-go/internal/logger"
)

// Manager holds the registered tools and exports their definitions in
// the shape the chat-completion API expects.
type Manager struct {
	tools map[string]Tool
	order []string
}

// NewManager creates an empty tool manager.
func NewManager() *Manager {
	return &Manager{tools: make(map[string]Tool)}
}

// Register adds a tool. A duplicate name keeps the first registration.
func (m *Manager) Register(t Tool) {
	if _, exists := m.tools[t.Name()]; exists {
		logger.L.Warn("tool already registered, skipping", "tool", t.Name())
		return
	}
	m.tools[t.Name()] = t
	m.order = append(m.order, t.Name())
	logger.L.Info("registered tool", "tool", t.Name())
}

// Get retrieves a tool by name.
func (m *Manager) Get(name string) (Tool, error) {
	t, ok := m.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return t, nil
}

// Definitions returns the tool list in registration order for the LLM
// request payload.
func (m *Manager) Definitions() []openai.Tool {
	out := make([]openai.Tool, 0, len(m.order))
	for _, name := range m.order {
		t := m.tools[name]
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

// Run executes a named tool and formats failures as a string the LLM
// can act on, so a broken tool never aborts the conversation.
func (m *Manager) Run(ctx context.Context, name string, args map[string]any) string {
	t, err := m.Get(name)
	if err != nil {
		return "Error: " + err.Error()
	}
	out, err := t.Run(ctx, args)
	if err != nil {
		logger.L.Warn("tool execution failed", "tool", name, "error", err)
		return fmt.Sprintf("Error: tool %s failed: %v", name, err)
	}
	return out
}
