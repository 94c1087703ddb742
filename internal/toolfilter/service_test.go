package toolfilter_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/crypto"
	"github.com/mcpbroker/mcpbroker-go/internal/store"
	"github.com/mcpbroker/mcpbroker-go/internal/toolfilter"
)

func newFixture(t *testing.T) (*toolfilter.Service, *store.Store) {
	t.Helper()
	key, err := crypto.NewRandomKey()
	require.NoError(t, err)
	box, err := crypto.NewBox(key, 1)
	require.NoError(t, err)

	st, err := store.Open(context.Background(), t.TempDir(), box, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.CreateServer(ctx, &contracts.Server{
		ID: "srvA", Name: "alpha", ServerType: contracts.ServerTypeLocal,
		Created: contracts.NowMillis(), Updated: contracts.NowMillis(),
	}))
	require.NoError(t, st.CreateClient(ctx, &contracts.Client{
		ID: "c1", Name: "cli", Created: contracts.NowMillis(), Updated: contracts.NowMillis(),
	}))

	return toolfilter.NewService(st, zap.NewNop()), st
}

func announce(names ...string) []contracts.ToolInfo {
	out := make([]contracts.ToolInfo, 0, len(names))
	for _, n := range names {
		out = append(out, contracts.ToolInfo{Name: n, Description: "does " + n})
	}
	return out
}

func TestResolve_ImplicitDefault(t *testing.T) {
	svc, _ := newFixture(t)

	pref, err := svc.Resolve(context.Background(), "srvA", "unknown-tool", nil)
	require.NoError(t, err)
	assert.True(t, pref.Enabled)
	assert.Nil(t, pref.CustomName)
	assert.Nil(t, pref.CustomDescription)
}

func TestResolve_ClientRowWinsOverGlobal(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	clientID := "c1"

	require.NoError(t, svc.SetPreference(ctx, &contracts.ToolPreference{
		ServerID: "srvA", ToolName: "t1", Enabled: true,
	}))
	require.NoError(t, svc.SetPreference(ctx, &contracts.ToolPreference{
		ServerID: "srvA", ToolName: "t1", ClientID: &clientID, Enabled: false,
	}))

	pref, err := svc.Resolve(ctx, "srvA", "t1", &clientID)
	require.NoError(t, err)
	assert.False(t, pref.Enabled)

	// Global scope is unaffected.
	pref, err = svc.Resolve(ctx, "srvA", "t1", nil)
	require.NoError(t, err)
	assert.True(t, pref.Enabled)
}

func TestResolve_FallsBackToGlobal(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	clientID := "c1"

	require.NoError(t, svc.SetPreference(ctx, &contracts.ToolPreference{
		ServerID: "srvA", ToolName: "t1", Enabled: false,
	}))

	pref, err := svc.Resolve(ctx, "srvA", "t1", &clientID)
	require.NoError(t, err)
	assert.False(t, pref.Enabled)
}

func TestSyncDiscoveredTools_InitializesGlobalRows(t *testing.T) {
	svc, st := newFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.SyncDiscoveredTools(ctx, "srvA", announce("t1", "t2")))

	rows, err := st.ListToolPreferences(ctx, "srvA", nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Enabled)
	assert.Equal(t, "does t1", rows[0].OriginalDescription)
}

func TestSyncDiscoveredTools_UpdatesOnlyOriginalDescription(t *testing.T) {
	svc, st := newFixture(t)
	ctx := context.Background()
	custom := "my tool"

	require.NoError(t, svc.SyncDiscoveredTools(ctx, "srvA", announce("t1")))
	require.NoError(t, svc.SetPreference(ctx, &contracts.ToolPreference{
		ServerID: "srvA", ToolName: "t1", Enabled: false,
		OriginalDescription: "does t1", CustomName: &custom,
	}))

	// Upstream changes the description; enabled flag and custom name must
	// survive.
	require.NoError(t, svc.SyncDiscoveredTools(ctx, "srvA", []contracts.ToolInfo{
		{Name: "t1", Description: "does t1 v2"},
	}))

	row, err := st.GetToolPreference(ctx, "srvA", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, "does t1 v2", row.OriginalDescription)
	assert.False(t, row.Enabled)
	require.NotNil(t, row.CustomName)
	assert.Equal(t, "my tool", *row.CustomName)
}

func TestSyncDiscoveredTools_RemovesVanishedTools(t *testing.T) {
	svc, st := newFixture(t)
	ctx := context.Background()
	clientID := "c1"

	require.NoError(t, svc.SyncDiscoveredTools(ctx, "srvA", announce("t1", "t2")))
	require.NoError(t, svc.SetPreference(ctx, &contracts.ToolPreference{
		ServerID: "srvA", ToolName: "t2", ClientID: &clientID, Enabled: false,
	}))

	require.NoError(t, svc.SyncDiscoveredTools(ctx, "srvA", announce("t1")))

	_, err := st.GetToolPreference(ctx, "srvA", "t2", nil)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	_, err = st.GetToolPreference(ctx, "srvA", "t2", &clientID)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestSetAllEnabled(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.SyncDiscoveredTools(ctx, "srvA", announce("t1", "t2", "t3")))
	require.NoError(t, svc.SetAllEnabled(ctx, "srvA", nil, false))

	for _, name := range []string{"t1", "t2", "t3"} {
		pref, err := svc.Resolve(ctx, "srvA", name, nil)
		require.NoError(t, err)
		assert.False(t, pref.Enabled, name)
	}
}

func TestReset_RestoresImplicitDefault(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.SetPreference(ctx, &contracts.ToolPreference{
		ServerID: "srvA", ToolName: "t1", Enabled: false,
	}))
	require.NoError(t, svc.Reset(ctx, "srvA", nil))

	pref, err := svc.Resolve(ctx, "srvA", "t1", nil)
	require.NoError(t, err)
	assert.True(t, pref.Enabled)
}

func TestCacheInvalidation_SeesWritesImmediately(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()

	// Warm the cache with the implicit default.
	pref, err := svc.Resolve(ctx, "srvA", "t1", nil)
	require.NoError(t, err)
	require.True(t, pref.Enabled)

	require.NoError(t, svc.SetPreference(ctx, &contracts.ToolPreference{
		ServerID: "srvA", ToolName: "t1", Enabled: false,
	}))

	pref, err = svc.Resolve(ctx, "srvA", "t1", nil)
	require.NoError(t, err)
	assert.False(t, pref.Enabled)
}
