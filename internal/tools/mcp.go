package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/daiyosei/cirno-go/internal/config"
	"github.com/daiyosei/cirno-go/internal/logger"
)

var emptyObjectSchema = json.RawMessage(`{"type": "object", "properties": {}}`)

// MCPClient is the subset of the mcp-go client the bridge needs; it is
// easy to mock in tests.
type MCPClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// mcpTool proxies one remote MCP tool through the Tool interface.
type mcpTool struct {
	name        string
	description string
	schema      json.RawMessage
	client      MCPClient
}

func (t *mcpTool) Name() string                { return t.name }
func (t *mcpTool) Description() string         { return t.description }
func (t *mcpTool) Parameters() json.RawMessage { return t.schema }

func (t *mcpTool) Run(ctx context.Context, args map[string]any) (string, error) {
	result, err := t.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: t.name, Arguments: args},
	})
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", t.name, err)
	}
	if result == nil {
		return "", fmt.Errorf("mcp call %s: empty result", t.name)
	}

	var text string
	for _, item := range result.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			text = tc.Text
			break
		}
	}
	if result.IsError {
		if text == "" {
			text = "tool execution resulted in an error without specific text"
		}
		return "", fmt.Errorf("mcp call %s: %s", t.name, text)
	}
	if text == "" {
		raw, merr := json.Marshal(result)
		if merr != nil {
			return "tool executed successfully, but the result could not be formatted", nil
		}
		text = string(raw)
	}
	return text, nil
}

// RegisterMCPServers connects to each configured MCP server, discovers
// its tools, and registers them with the manager. A server that fails
// to connect is skipped; startup continues with the remaining tools.
// The returned clients should be closed on shutdown.
func RegisterMCPServers(ctx context.Context, m *Manager, servers []config.MCPServer) []MCPClient {
	var clients []MCPClient
	for _, serverCfg := range servers {
		mcpC, err := dialMCP(serverCfg)
		if err != nil {
			logger.L.Error("failed to create MCP client", "name", serverCfg.Name, "error", err)
			continue
		}
		if mcpC == nil {
			continue
		}

		if serverCfg.Type != config.ClientTypeStdio {
			if err := mcpC.Start(ctx); err != nil {
				logger.L.Error("failed to start MCP client transport", "name", serverCfg.Name, "error", err)
				closeQuiet(mcpC)
				continue
			}
		}

		if _, err := mcpC.Initialize(ctx, mcp.InitializeRequest{
			Params: mcp.InitializeParams{Capabilities: mcp.ClientCapabilities{}},
		}); err != nil {
			logger.L.Error("failed to initialize MCP client", "name", serverCfg.Name, "error", err)
			closeQuiet(mcpC)
			continue
		}
		logger.L.Info("MCP server initialized", "name", serverCfg.Name)
		clients = append(clients, mcpC)

		RegisterMCPTools(ctx, m, mcpC, serverCfg.Name)
	}
	return clients
}

// RegisterMCPTools lists one client's tools and registers each with the
// manager.
func RegisterMCPTools(ctx context.Context, m *Manager, mcpC MCPClient, serverName string) {
	serverTools, err := mcpC.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		logger.L.Warn("failed to list tools for MCP server", "name", serverName, "error", err)
		return
	}
	if serverTools == nil {
		return
	}
	for _, remote := range serverTools.Tools {
		m.Register(&mcpTool{
			name:        remote.Name,
			description: remote.Description,
			schema:      mcpToolSchema(remote, serverName),
			client:      mcpC,
		})
	}
}

func dialMCP(serverCfg config.MCPServer) (*client.Client, error) {
	switch serverCfg.Type {
	case config.ClientTypeSSE:
		var opts []transport.ClientOption
		if len(serverCfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(serverCfg.Headers))
		}
		return client.NewSSEMCPClient(serverCfg.URL, opts...)
	case config.ClientTypeStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(serverCfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(serverCfg.Headers))
		}
		return client.NewStreamableHttpClient(serverCfg.URL, opts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range serverCfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		return client.NewStdioMCPClient(serverCfg.Command, env, serverCfg.Args...)
	case "":
		logger.L.Warn("MCP server type not specified, skipping", "name", serverCfg.Name)
		return nil, nil
	default:
		logger.L.Warn("unsupported MCP server type, skipping", "type", serverCfg.Type, "name", serverCfg.Name)
		return nil, nil
	}
}

func mcpToolSchema(remote mcp.Tool, serverName string) json.RawMessage {
	if len(remote.RawInputSchema) > 0 && string(remote.RawInputSchema) != "null" {
		return remote.RawInputSchema
	}
	schemaBytes, err := json.Marshal(remote.InputSchema)
	if err != nil {
		logger.L.Error("failed to marshal input schema for MCP tool, using empty schema", "tool", remote.Name, "error", err)
		return emptyObjectSchema
	}
	if s := string(schemaBytes); s == "{}" || s == "null" {
		logger.L.Warn("MCP tool has an empty schema, using default empty object schema", "tool", remote.Name, "name", serverName)
		return emptyObjectSchema
	}
	return json.RawMessage(schemaBytes)
}

func closeQuiet(c MCPClient) {
	if err := c.Close(); err != nil {
		logger.L.Warn("MCP client close error", "error", err)
	}
}
