// Package provider wraps configured LLM endpoints behind a uniform
// chat-completion interface and selects among them by capability.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/daiyosei/cirno-go/internal/config"
)

// Error kinds for failed provider calls.
const (
	KindTimeout   = "timeout"
	KindAuth      = "auth"
	KindRateLimit = "rate_limit"
	KindOther     = "other"
)

// Error reports a failed LLM call. The orchestrator degrades to a
// fallback reply on any of these rather than crashing.
type Error struct {
	Provider string
	Kind     string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client is the minimal subset of openai.Client the adapter uses; it is
// easy to mock in tests.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Adapter binds one ProviderConfig to its API client.
type Adapter struct {
	cfg    config.ProviderConfig
	client Client
}

// NewAdapter creates an adapter for an OpenAI-compatible endpoint.
func NewAdapter(cfg config.ProviderConfig) *Adapter {
	c := openai.DefaultConfig(cfg.APIKey)
	c.BaseURL = cfg.BaseURL
	return &Adapter{cfg: cfg, client: openai.NewClientWithConfig(c)}
}

// NewAdapterWithClient injects a client; used by tests.
func NewAdapterWithClient(cfg config.ProviderConfig, client Client) *Adapter {
	return &Adapter{cfg: cfg, client: client}
}

// Name returns the configured provider name.
func (a *Adapter) Name() string { return a.cfg.Name }

// Has reports whether the provider advertises the capability.
func (a *Adapter) Has(capability string) bool { return a.cfg.Has(capability) }

// Complete sends the accumulated context to the endpoint and returns
// the assistant message (text and/or tool calls).
func (a *Adapter) Complete(ctx context.Context, msgs []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		Messages:    msgs,
		Tools:       tools,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	})
	if err != nil {
		return openai.ChatCompletionMessage{}, a.classify(err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, &Error{Provider: a.cfg.Name, Kind: KindOther, Err: errors.New("empty choices in response")}
	}
	return resp.Choices[0].Message, nil
}

func (a *Adapter) classify(err error) *Error {
	kind := KindOther
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		kind = KindTimeout
	default:
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.HTTPStatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				kind = KindAuth
			case http.StatusTooManyRequests:
				kind = KindRateLimit
			}
		}
	}
	return &Error{Provider: a.cfg.Name, Kind: kind, Err: err}
}
