package router_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/crypto"
	"github.com/mcpbroker/mcpbroker-go/internal/router"
	"github.com/mcpbroker/mcpbroker-go/internal/store"
	"github.com/mcpbroker/mcpbroker-go/internal/token"
	"github.com/mcpbroker/mcpbroker-go/internal/toolfilter"
	"github.com/mcpbroker/mcpbroker-go/internal/upstream"
)

type fakeConn struct {
	tools     []contracts.ToolInfo
	lastName  string
	lastArgs  map[string]any
	callErr   error
	callCount int
}

func (c *fakeConn) Initialize(ctx context.Context) error { return nil }

func (c *fakeConn) ListTools(ctx context.Context) ([]contracts.ToolInfo, error) {
	return c.tools, nil
}

func (c *fakeConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c.callCount++
	c.lastName = name
	c.lastArgs = args
	if c.callErr != nil {
		return nil, c.callErr
	}
	return mcp.NewToolResultText("ok: " + name), nil
}

func (c *fakeConn) Close() error { return nil }

// fakeDirectory maps server names and ids to fake connections.
type fakeDirectory struct {
	ids   map[string]string
	conns map[string]upstream.Conn
}

func (d *fakeDirectory) ResolveID(nameOrID string) (string, error) {
	if _, ok := d.conns[nameOrID]; ok {
		return nameOrID, nil
	}
	if id, ok := d.ids[nameOrID]; ok {
		return id, nil
	}
	// Ids without a live connection still resolve.
	for _, id := range d.ids {
		if id == nameOrID {
			return id, nil
		}
	}
	return "", contracts.ErrNotFound
}

func (d *fakeDirectory) Conn(serverID string) (upstream.Conn, error) {
	conn, ok := d.conns[serverID]
	if !ok {
		return nil, contracts.ErrServerNotRunning
	}
	return conn, nil
}

type gateFixture struct {
	store   *store.Store
	tokens  *token.Service
	filter  *toolfilter.Service
	dir     *fakeDirectory
	gate    *router.Gate
	conn    *fakeConn
	tokenID string
}

// newGateFixture builds a gate over a real store with one client, one
// granted server "srv-1" (name "alpha") and one ungranted "srv-2".
func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	ctx := context.Background()

	key, err := crypto.NewRandomKey()
	require.NoError(t, err)
	box, err := crypto.NewBox(key, 1)
	require.NoError(t, err)
	st, err := store.Open(ctx, t.TempDir(), box, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	for i, name := range []string{"alpha", "beta"} {
		require.NoError(t, st.CreateServer(ctx, &contracts.Server{
			ID: fmt.Sprintf("srv-%d", i+1), Name: name,
			ServerType: contracts.ServerTypeLocal, Command: "echo",
			Created: contracts.NowMillis(), Updated: contracts.NowMillis(),
		}))
	}
	require.NoError(t, st.CreateClient(ctx, &contracts.Client{
		ID: "client-1", Name: "cli", Created: contracts.NowMillis(), Updated: contracts.NowMillis(),
	}))

	tokens := token.NewService(st, zap.NewNop())
	tok, err := tokens.Generate(ctx, "client-1", []string{"srv-1"}, nil)
	require.NoError(t, err)

	filter := toolfilter.NewService(st, zap.NewNop())
	conn := &fakeConn{}
	dir := &fakeDirectory{
		ids:   map[string]string{"alpha": "srv-1", "beta": "srv-2"},
		conns: map[string]upstream.Conn{"srv-1": conn},
	}

	return &gateFixture{
		store:   st,
		tokens:  tokens,
		filter:  filter,
		dir:     dir,
		gate:    router.NewGate(tokens, filter, dir, zap.NewNop()),
		conn:    conn,
		tokenID: tok.ID,
	}
}

func TestCallTool_HappyPath(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	result, err := f.gate.CallTool(ctx, &router.ToolCall{
		Token:    f.tokenID,
		Server:   "alpha",
		ToolName: "search",
		Args:     map[string]any{"q": "golang"},
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 1, f.conn.callCount)
	assert.Equal(t, "search", f.conn.lastName)
	assert.Equal(t, map[string]any{"q": "golang"}, f.conn.lastArgs)
}

func TestCallTool_ChecksInOrder(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	_, err := f.gate.CallTool(ctx, &router.ToolCall{Token: "bogus", Server: "alpha", ToolName: "search"})
	assert.ErrorIs(t, err, contracts.ErrUnauthenticated)

	_, err = f.gate.CallTool(ctx, &router.ToolCall{Token: f.tokenID, Server: "ghost", ToolName: "search"})
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	_, err = f.gate.CallTool(ctx, &router.ToolCall{Token: f.tokenID, Server: "beta", ToolName: "search"})
	assert.ErrorIs(t, err, contracts.ErrForbidden)

	assert.Zero(t, f.conn.callCount)
}

func TestCallTool_DisabledTool(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	require.NoError(t, f.filter.SetPreference(ctx, &contracts.ToolPreference{
		ServerID: "srv-1", ToolName: "search", Enabled: false,
	}))

	_, err := f.gate.CallTool(ctx, &router.ToolCall{Token: f.tokenID, Server: "alpha", ToolName: "search"})
	assert.ErrorIs(t, err, contracts.ErrToolDisabled)
	assert.Zero(t, f.conn.callCount)
}

func TestCallTool_ClientScopeOverridesGlobal(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	clientID := "client-1"

	require.NoError(t, f.filter.SetPreference(ctx, &contracts.ToolPreference{
		ServerID: "srv-1", ToolName: "search", Enabled: true,
	}))
	require.NoError(t, f.filter.SetPreference(ctx, &contracts.ToolPreference{
		ServerID: "srv-1", ToolName: "search", ClientID: &clientID, Enabled: false,
	}))

	_, err := f.gate.CallTool(ctx, &router.ToolCall{Token: f.tokenID, Server: "alpha", ToolName: "search"})
	assert.ErrorIs(t, err, contracts.ErrToolDisabled)
}

func TestCallTool_ServerNotRunning(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	delete(f.dir.conns, "srv-1")

	_, err := f.gate.CallTool(ctx, &router.ToolCall{Token: f.tokenID, Server: "srv-1", ToolName: "search"})
	assert.ErrorIs(t, err, contracts.ErrServerNotRunning)
}

func TestCallTool_EmptyGrantSetDeniesAll(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	tok, err := f.tokens.Generate(ctx, "client-1", nil, nil)
	require.NoError(t, err)

	_, err = f.gate.CallTool(ctx, &router.ToolCall{Token: tok.ID, Server: "alpha", ToolName: "search"})
	assert.ErrorIs(t, err, contracts.ErrForbidden)
}

func TestCallTool_CustomNameAliasForwardsOriginal(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	custom := "find_code"

	require.NoError(t, f.filter.SetPreference(ctx, &contracts.ToolPreference{
		ServerID: "srv-1", ToolName: "search", Enabled: true, CustomName: &custom,
	}))

	_, err := f.gate.CallTool(ctx, &router.ToolCall{Token: f.tokenID, Server: "alpha", ToolName: "find_code"})
	require.NoError(t, err)
	assert.Equal(t, "search", f.conn.lastName)
}

func TestCallTool_UpstreamErrorPassedThrough(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.conn.callErr = fmt.Errorf("tool exploded")

	_, err := f.gate.CallTool(ctx, &router.ToolCall{Token: f.tokenID, Server: "alpha", ToolName: "search"})
	var upstreamErr *contracts.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Contains(t, upstreamErr.Error(), "tool exploded")
}

func TestListTools_ShapesAndFilters(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	custom := "find_code"
	desc := "search the indexed codebase"

	f.conn.tools = []contracts.ToolInfo{
		{Name: "search", Description: "plain search"},
		{Name: "delete", Description: "dangerous"},
		{Name: "status", Description: "health"},
	}
	require.NoError(t, f.filter.SetPreference(ctx, &contracts.ToolPreference{
		ServerID: "srv-1", ToolName: "search", Enabled: true,
		CustomName: &custom, CustomDescription: &desc,
	}))
	require.NoError(t, f.filter.SetPreference(ctx, &contracts.ToolPreference{
		ServerID: "srv-1", ToolName: "delete", Enabled: false,
	}))

	tools, err := f.gate.ListTools(ctx, f.tokenID, "alpha")
	require.NoError(t, err)

	// Disabled tools drop out, upstream order is preserved.
	require.Len(t, tools, 2)
	assert.Equal(t, "find_code", tools[0].Name)
	assert.Equal(t, "search", tools[0].OriginalName)
	assert.Equal(t, desc, tools[0].Description)
	assert.Equal(t, "status", tools[1].Name)
}

func TestListTools_AuthChecksApply(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	_, err := f.gate.ListTools(ctx, "bogus", "alpha")
	assert.ErrorIs(t, err, contracts.ErrUnauthenticated)

	_, err = f.gate.ListTools(ctx, f.tokenID, "beta")
	assert.ErrorIs(t, err, contracts.ErrForbidden)
}

// TestCallTool_AuthorizationProperty drives randomized grant sets and
// tool policies through the gate and checks the outcome against the
// predicate: a call succeeds exactly when the token is valid, the server
// is granted and the effective preference is enabled.
func TestCallTool_AuthorizationProperty(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	rapid.Check(t, func(t *rapid.T) {
		grantAlpha := rapid.Bool().Draw(t, "grantAlpha")
		validToken := rapid.Bool().Draw(t, "validToken")
		hasRow := rapid.Bool().Draw(t, "hasRow")
		enabled := rapid.Bool().Draw(t, "enabled")

		var grants []string
		if grantAlpha {
			grants = []string{"srv-1"}
		}
		tok, err := f.tokens.Generate(ctx, "client-1", grants, nil)
		require.NoError(t, err)
		defer func() { _ = f.tokens.Revoke(ctx, tok.ID) }()

		if hasRow {
			require.NoError(t, f.filter.SetPreference(ctx, &contracts.ToolPreference{
				ServerID: "srv-1", ToolName: "search", Enabled: enabled,
			}))
		} else {
			require.NoError(t, f.filter.Reset(ctx, "srv-1", nil))
		}

		presented := tok.ID
		if !validToken {
			presented = "not-a-token"
		}

		_, err = f.gate.CallTool(ctx, &router.ToolCall{
			Token: presented, Server: "alpha", ToolName: "search",
		})

		// Missing row means the implicit enabled default applies.
		wantOK := validToken && grantAlpha && (!hasRow || enabled)
		if wantOK {
			require.NoError(t, err)
		} else {
			require.Error(t, err)
		}
	})
}
