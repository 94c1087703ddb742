// Package upstream supervises the broker's connections to MCP servers:
// lifecycle, transport selection, credential injection and tool
// discovery.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
)

// startTimeout bounds the window from transport open to a completed MCP
// handshake.
const startTimeout = 30 * time.Second

// Conn is a live MCP connection. The Router Gate and tool discovery see
// only this interface, so tests substitute fakes without a real
// transport.
type Conn interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]contracts.ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Close() error
}

// mcpConn adapts an mcp-go client to Conn.
type mcpConn struct {
	client *client.Client
}

func newMCPConn(c *client.Client) *mcpConn {
	return &mcpConn{client: c}
}

func (c *mcpConn) Initialize(ctx context.Context) error {
	if err := c.client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "mcpbroker",
		Version: "1.0.0",
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	if _, err := c.client.Initialize(ctx, initRequest); err != nil {
		return fmt.Errorf("MCP handshake failed: %w", err)
	}
	return nil
}

func (c *mcpConn) ListTools(ctx context.Context) ([]contracts.ToolInfo, error) {
	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}

	tools := make([]contracts.ToolInfo, 0, len(result.Tools))
	for i := range result.Tools {
		tool := &result.Tools[i]
		info := contracts.ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
		}
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			var schema map[string]any
			if json.Unmarshal(raw, &schema) == nil && len(schema) > 0 {
				info.InputSchema = schema
			}
		}
		tools = append(tools, info)
	}
	return tools, nil
}

func (c *mcpConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args
	return c.client.CallTool(ctx, request)
}

func (c *mcpConn) Close() error {
	return c.client.Close()
}
