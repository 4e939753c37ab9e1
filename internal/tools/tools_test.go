package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/daiyosei/cirno-go/internal/config"
	"github.com/daiyosei/cirno-go/internal/provider"
)

type fakeTool struct {
	name string
	out  string
	err  error
}

func (f *fakeTool) Name() string                { return f.name }
func (f *fakeTool) Description() string         { return "fake" }
func (f *fakeTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Run(ctx context.Context, args map[string]any) (string, error) {
	return f.out, f.err
}

func TestManager_RegisterAndDefinitions(t *testing.T) {
	m := NewManager()
	m.Register(&fakeTool{name: "alpha"})
	m.Register(&fakeTool{name: "beta"})
	m.Register(&fakeTool{name: "alpha", out: "dup"}) // first registration wins

	defs := m.Definitions()
	require.Len(t, defs, 2)
	require.Equal(t, "alpha", defs[0].Function.Name)
	require.Equal(t, "beta", defs[1].Function.Name)

	got, err := m.Get("alpha")
	require.NoError(t, err)
	require.Equal(t, "alpha", got.Name())

	_, err = m.Get("gamma")
	require.Error(t, err)
}

func TestManager_RunFormatsFailures(t *testing.T) {
	m := NewManager()
	m.Register(&fakeTool{name: "ok", out: "done"})
	m.Register(&fakeTool{name: "broken", err: errors.New("boom")})

	require.Equal(t, "done", m.Run(context.Background(), "ok", nil))
	require.Contains(t, m.Run(context.Background(), "broken", nil), "boom")
	require.Contains(t, m.Run(context.Background(), "missing", nil), "tool not found")
}

type mockLLM struct {
	resp openai.ChatCompletionResponse
	err  error
	last openai.ChatCompletionRequest
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.last = req
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	return m.resp, nil
}

type fakeRegistry struct {
	adapter *provider.Adapter
	err     error
}

func (f *fakeRegistry) SearchCapable() (*provider.Adapter, error) {
	return f.adapter, f.err
}

func TestWebSearch_DelegatesToProvider(t *testing.T) {
	mc := &mockLLM{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "Tokyo is sunny, 25C."}}},
	}}
	adapter := provider.NewAdapterWithClient(
		config.ProviderConfig{Name: "searcher", Capabilities: []string{config.CapSearch}}, mc)

	s := NewWebSearch(&fakeRegistry{adapter: adapter})
	out, err := s.Run(context.Background(), map[string]any{"query": "weather in Tokyo"})
	require.NoError(t, err)
	require.Contains(t, out, "Tokyo is sunny")
	require.Equal(t, "weather in Tokyo", mc.last.Messages[len(mc.last.Messages)-1].Content)
}

func TestWebSearch_NoProviderDegradesToLink(t *testing.T) {
	s := NewWebSearch(&fakeRegistry{err: errors.New("none configured")})
	out, err := s.Run(context.Background(), map[string]any{"query": "weather in Tokyo"})
	require.NoError(t, err)
	require.Contains(t, out, "google.com/search?q=weather+in+Tokyo")
}

func TestWebSearch_ProviderFailureIsSearchError(t *testing.T) {
	adapter := provider.NewAdapterWithClient(
		config.ProviderConfig{Name: "searcher"}, &mockLLM{err: errors.New("network down")})

	s := NewWebSearch(&fakeRegistry{adapter: adapter})
	_, err := s.Run(context.Background(), map[string]any{"query": "anything"})
	var serr *SearchError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "anything", serr.Query)
}

func TestWebSearch_MissingQuery(t *testing.T) {
	s := NewWebSearch(&fakeRegistry{})
	_, err := s.Run(context.Background(), map[string]any{})
	require.Error(t, err)
}

func TestStripHTML(t *testing.T) {
	in := `<html><head><style>p{color:red}</style><script>alert(1)</script></head>` +
		`<body><p>hello</p><p>world</p></body></html>`
	out := stripHTML(in)
	require.Contains(t, out, "hello")
	require.Contains(t, out, "world")
	require.NotContains(t, out, "alert")
	require.NotContains(t, out, "<p>")
}
