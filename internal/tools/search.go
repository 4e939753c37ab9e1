package tools

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/sashabaranov/go-openai"

	"github.com/daiyosei/cirno-go/internal/logger"
	"github.com/daiyosei/cirno-go/internal/provider"
)

const searchSystemPrompt = "You are a helpful search assistant with live web access. " +
	"Search for the user's query and provide a detailed summary of the key findings."

// SearchRegistry is the part of the provider registry the search tool
// needs.
type SearchRegistry interface {
	SearchCapable() (*provider.Adapter, error)
}

// WebSearch answers a query by delegating to a search-capable LLM
// endpoint. When none is configured it degrades to returning a search
// engine link instead of failing the conversation.
type WebSearch struct {
	registry SearchRegistry
}

// NewWebSearch creates the search tool.
func NewWebSearch(registry SearchRegistry) *WebSearch {
	return &WebSearch{registry: registry}
}

func (s *WebSearch) Name() string        { return "search_web" }
func (s *WebSearch) Description() string { return "Search the internet for current information." }

func (s *WebSearch) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "What to search for"}
		},
		"required": ["query"]
	}`)
}

// Run performs the search. Network failures surface as *SearchError.
func (s *WebSearch) Run(ctx context.Context, args map[string]any) (string, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return "", err
	}
	logger.L.Info("searching web", "query", query)

	adapter, err := s.registry.SearchCapable()
	if err != nil {
		link := "https://www.google.com/search?q=" + url.QueryEscape(query)
		return "Search capability unavailable. You can check this link: " + link, nil
	}

	msg, err := adapter.Complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: searchSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: query},
	}, nil)
	if err != nil {
		return "", &SearchError{Query: query, Err: err}
	}
	return "[Search results]\n" + msg.Content, nil
}
