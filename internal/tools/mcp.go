package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mirelk/stepflow/pkg/schema"
)

// MCPClient connects to a remote MCP server over streamable HTTP and
// exposes its tools to the registry. Safe for concurrent use after Connect.
type MCPClient struct {
	url     string
	headers map[string]string

	mu        sync.RWMutex
	client    *client.Client
	connected bool
}

// NewMCPClient creates an unconnected client for the given endpoint.
func NewMCPClient(url string, headers map[string]string) *MCPClient {
	return &MCPClient{url: url, headers: headers}
}

// Connect establishes the connection and performs the protocol handshake.
// Calling Connect on a connected client is a no-op.
func (c *MCPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	var opts []transport.StreamableHTTPCOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.headers))
	}

	mcpClient, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return fmt.Errorf("create MCP client: %w", err)
	}

	_, err = mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    "stepflow",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("initialize MCP protocol: %w", err)
	}

	c.client = mcpClient
	c.connected = true
	return nil
}

// Close shuts down the client connection.
func (c *MCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	return c.client.Close()
}

// ListTools returns the tools advertised by the remote server.
func (c *MCPClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return nil, fmt.Errorf("MCP client not connected")
	}
	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list MCP tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool executes a remote tool and returns the raw result.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return nil, fmt.Errorf("MCP client not connected")
	}
	result, err := c.client.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("call MCP tool %q: %w", name, err)
	}
	return result, nil
}

// RegisterMCPTools connects the client, lists the remote tools, and
// registers each under "prefix.<name>". Returns the number registered.
func RegisterMCPTools(ctx context.Context, reg *Registry, c *MCPClient, prefix string) (int, error) {
	if err := c.Connect(ctx); err != nil {
		return 0, err
	}

	remote, err := c.ListTools(ctx)
	if err != nil {
		return 0, err
	}

	ts := make([]Tool, 0, len(remote))
	for _, rt := range remote {
		ts = append(ts, &mcpTool{client: c, name: rt.Name, description: rt.Description})
	}
	return reg.RegisterPrefixed(prefix, ts)
}

// mcpTool adapts one remote MCP tool to the Tool interface.
type mcpTool struct {
	client      *MCPClient
	name        string
	description string
}

func (t *mcpTool) Name() string        { return t.name }
func (t *mcpTool) Description() string { return t.description }

func (t *mcpTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	result, err := t.client.CallTool(ctx, t.name, params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolFailed, "mcp tool %q: %v", t.name, err).WithCause(err)
	}

	text := collectText(result)
	if result.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeToolFailed, "mcp tool %q failed: %s", t.name, text)
	}

	// JSON text payloads become structured results; anything else is
	// surfaced verbatim.
	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return parsed, nil
	}
	return map[string]any{"content": text}, nil
}

func collectText(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
