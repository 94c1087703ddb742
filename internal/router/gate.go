// Package router is the request gate between downstream API clients and
// upstream MCP servers. Every inbound tool call passes its ordered
// checks: authentication, server authorization, tool policy, liveness.
package router

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/token"
	"github.com/mcpbroker/mcpbroker-go/internal/toolfilter"
	"github.com/mcpbroker/mcpbroker-go/internal/upstream"
)

// ServerDirectory is the slice of the Server Manager the gate needs:
// name resolution and live connections.
type ServerDirectory interface {
	ResolveID(nameOrID string) (string, error)
	Conn(serverID string) (upstream.Conn, error)
}

// ToolCall is one inbound request. Server accepts either a server id or
// a server name.
type ToolCall struct {
	Token    string
	Server   string
	ToolName string
	Args     map[string]any
}

// Gate authenticates, authorizes and forwards tool calls.
type Gate struct {
	tokens  *token.Service
	filter  *toolfilter.Service
	servers ServerDirectory
	logger  *zap.Logger
}

// NewGate creates the router gate.
func NewGate(tokens *token.Service, filter *toolfilter.Service, servers ServerDirectory, logger *zap.Logger) *Gate {
	return &Gate{
		tokens:  tokens,
		filter:  filter,
		servers: servers,
		logger:  logger.Named("router"),
	}
}

// CallTool runs the full check chain and forwards the call. The upstream
// response is returned verbatim; upstream failures are wrapped in
// UpstreamError with the message passed through.
func (g *Gate) CallTool(ctx context.Context, call *ToolCall) (*mcp.CallToolResult, error) {
	identity, serverID, err := g.authorize(ctx, call.Token, call.Server)
	if err != nil {
		return nil, err
	}

	upstreamName, pref, err := g.resolveTool(ctx, serverID, call.ToolName, &identity.ClientID)
	if err != nil {
		return nil, err
	}
	if !pref.Enabled {
		g.logger.Debug("Tool call denied by policy",
			zap.String("server_id", serverID),
			zap.String("tool", call.ToolName),
			zap.String("client_id", identity.ClientID))
		return nil, contracts.ErrToolDisabled
	}

	conn, err := g.servers.Conn(serverID)
	if err != nil {
		return nil, err
	}

	result, err := conn.CallTool(ctx, upstreamName, call.Args)
	if err != nil {
		return nil, &contracts.UpstreamError{ServerID: serverID, Err: err}
	}
	return result, nil
}

// ListTools returns the tools of one server visible to the presenting
// token: enabled tools only, with name and description overrides
// applied, in upstream order.
func (g *Gate) ListTools(ctx context.Context, tokenID, server string) ([]contracts.ToolInfo, error) {
	identity, serverID, err := g.authorize(ctx, tokenID, server)
	if err != nil {
		return nil, err
	}

	conn, err := g.servers.Conn(serverID)
	if err != nil {
		return nil, err
	}
	tools, err := conn.ListTools(ctx)
	if err != nil {
		return nil, &contracts.UpstreamError{ServerID: serverID, Err: err}
	}

	out := make([]contracts.ToolInfo, 0, len(tools))
	for _, tool := range tools {
		pref, err := g.filter.Resolve(ctx, serverID, tool.Name, &identity.ClientID)
		if err != nil {
			return nil, err
		}
		if !pref.Enabled {
			continue
		}
		shaped := tool
		if pref.CustomName != nil && *pref.CustomName != "" {
			shaped.OriginalName = tool.Name
			shaped.Name = *pref.CustomName
		}
		if pref.CustomDescription != nil && *pref.CustomDescription != "" {
			shaped.Description = *pref.CustomDescription
		}
		out = append(out, shaped)
	}
	return out, nil
}

// authorize runs checks 1 through 3: token validity, server resolution,
// grant membership.
func (g *Gate) authorize(ctx context.Context, tokenID, server string) (*token.Identity, string, error) {
	identity, err := g.tokens.Validate(ctx, tokenID)
	if err != nil {
		return nil, "", err
	}

	serverID, err := g.servers.ResolveID(server)
	if err != nil {
		return nil, "", err
	}

	// An empty grant set denies everything; access is always explicit.
	granted := false
	for _, id := range identity.ServerIDs {
		if id == serverID {
			granted = true
			break
		}
	}
	if !granted {
		return nil, "", contracts.ErrForbidden
	}
	return identity, serverID, nil
}

// resolveTool maps the presented tool name to the upstream name and its
// effective policy. Clients see custom names in list-tools output, so a
// presented name is first tried verbatim, then as a custom-name alias in
// the client scope, then in the global scope.
func (g *Gate) resolveTool(ctx context.Context, serverID, presented string, clientID *string) (string, contracts.ResolvedPreference, error) {
	if row, err := g.aliasRow(ctx, serverID, presented, clientID); err != nil {
		return "", contracts.ResolvedPreference{}, err
	} else if row != nil {
		pref, err := g.filter.Resolve(ctx, serverID, row.ToolName, clientID)
		if err != nil {
			return "", contracts.ResolvedPreference{}, err
		}
		return row.ToolName, pref, nil
	}

	pref, err := g.filter.Resolve(ctx, serverID, presented, clientID)
	if err != nil {
		return "", contracts.ResolvedPreference{}, err
	}
	return presented, pref, nil
}

// aliasRow finds the preference row whose custom name matches the
// presented name, preferring the client scope over the global one.
func (g *Gate) aliasRow(ctx context.Context, serverID, presented string, clientID *string) (*contracts.ToolPreference, error) {
	scopes := [][]*contracts.ToolPreference{}
	if clientID != nil {
		rows, err := g.filter.ListScope(ctx, serverID, clientID)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, rows)
	}
	rows, err := g.filter.ListScope(ctx, serverID, nil)
	if err != nil {
		return nil, err
	}
	scopes = append(scopes, rows)

	for _, scope := range scopes {
		for _, row := range scope {
			if row.CustomName != nil && *row.CustomName == presented {
				return row, nil
			}
		}
	}
	return nil, nil
}
