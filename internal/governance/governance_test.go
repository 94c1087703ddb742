package governance

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/crypto"
	"github.com/mcpbroker/mcpbroker-go/internal/store"
)

type fixture struct {
	dataDir string
	store   *store.Store
	auditor *Auditor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dataDir := t.TempDir()

	key, err := crypto.NewRandomKey()
	require.NoError(t, err)
	box, err := crypto.NewBox(key, 1)
	require.NoError(t, err)
	require.NoError(t, crypto.WriteKey(dataDir, key))

	st, err := store.Open(context.Background(), dataDir, box, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	auditor, err := NewAuditor(dataDir, st, 90, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditor.Close() })

	return &fixture{dataDir: dataDir, store: st, auditor: auditor}
}

func TestAuditor_AllSinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.auditor.Log(ctx, EventTokenRefreshed, SeverityInfo, "srvA", map[string]any{"refresh_count": 3})

	recent := f.auditor.Recent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, EventTokenRefreshed, recent[0].EventType)
	assert.Equal(t, "srvA", recent[0].ServerID)

	raw, err := os.ReadFile(filepath.Join(f.dataDir, AuditFileName))
	require.NoError(t, err)
	var entry Entry
	require.NoError(t, json.Unmarshal(raw[:len(raw)-1], &entry))
	assert.Equal(t, recent[0].ID, entry.ID)

	rows, err := f.store.ListAudit(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(EventTokenRefreshed), rows[0].EventType)
}

func TestAuditor_FileRetentionTrim(t *testing.T) {
	dataDir := t.TempDir()
	old := Entry{ID: "old", Timestamp: time.Now().AddDate(0, 0, -120).UnixMilli(), EventType: EventTokenCreated, Severity: SeverityInfo}
	fresh := Entry{ID: "fresh", Timestamp: contracts.NowMillis(), EventType: EventTokenCreated, Severity: SeverityInfo}
	var lines []byte
	for _, e := range []Entry{old, fresh} {
		raw, err := json.Marshal(e)
		require.NoError(t, err)
		lines = append(lines, raw...)
		lines = append(lines, '\n')
	}
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, AuditFileName), lines, 0o600))

	key, err := crypto.NewRandomKey()
	require.NoError(t, err)
	box, err := crypto.NewBox(key, 1)
	require.NoError(t, err)
	st, err := store.Open(context.Background(), dataDir, box, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	auditor, err := NewAuditor(dataDir, st, 90, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditor.Close() })

	raw, err := os.ReadFile(filepath.Join(dataDir, AuditFileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"fresh"`)
	assert.NotContains(t, string(raw), `"old"`)
}

func TestRateLimiter_AuthenticationWindow(t *testing.T) {
	f := newFixture(t)
	rl := NewRateLimiter(f.auditor, zap.NewNop())
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	now := base
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, rl.Allow(ctx, OpAuthentication, "srvA"))
	}

	err := rl.Allow(ctx, OpAuthentication, "srvA")
	var limited *contracts.RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, base.Add(24*time.Hour), limited.ResetAt)

	// Reset time is monotone within the window.
	now = base.Add(6 * time.Hour)
	err = rl.Allow(ctx, OpAuthentication, "srvA")
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, base.Add(24*time.Hour), limited.ResetAt)

	// A different server has its own window.
	require.NoError(t, rl.Allow(ctx, OpAuthentication, "srvB"))

	// After the window expires the quota refills.
	now = base.Add(24*time.Hour + time.Minute)
	assert.NoError(t, rl.Allow(ctx, OpAuthentication, "srvA"))
}

func TestRateLimiter_RefreshQuotaAndReset(t *testing.T) {
	f := newFixture(t)
	rl := NewRateLimiter(f.auditor, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.NoError(t, rl.Allow(ctx, OpTokenRefresh, "srvA"))
	}
	var limited *contracts.RateLimitedError
	require.ErrorAs(t, rl.Allow(ctx, OpTokenRefresh, "srvA"), &limited)

	rl.Reset(OpTokenRefresh, "srvA")
	assert.NoError(t, rl.Allow(ctx, OpTokenRefresh, "srvA"))
}

func TestRotator_ReencryptsUnderNewKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateServer(ctx, &contracts.Server{
		ID: "srvA", Name: "alpha", ServerType: contracts.ServerTypeRemote,
		RemoteURL: "https://mcp.example.com", BearerToken: "hunter2",
		Created: contracts.NowMillis(), Updated: contracts.NowMillis(),
	}))
	require.NoError(t, f.store.SaveOAuthToken(ctx, &contracts.OAuthToken{
		ServerID: "srvA", AccessToken: "at-secret", RefreshToken: "rt-secret",
		TokenType: "Bearer", LastUsed: contracts.NowMillis(),
	}))

	oldKey, err := os.ReadFile(filepath.Join(f.dataDir, crypto.KeyFileName))
	require.NoError(t, err)

	rot := NewRotator(f.store, f.auditor, f.dataDir, 90, zap.NewNop())
	require.NoError(t, rot.RotateNow(ctx))

	assert.Equal(t, 2, f.store.Box().Version())

	newKey, err := os.ReadFile(filepath.Join(f.dataDir, crypto.KeyFileName))
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)

	tok, err := f.store.GetOAuthToken(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "at-secret", tok.AccessToken)
	assert.Equal(t, "rt-secret", tok.RefreshToken)

	srv, err := f.store.GetServer(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", srv.BearerToken)

	meta, err := rot.readMetadata()
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Version)
	assert.Greater(t, meta.NextDueAt, time.Now().UnixMilli())
}

func TestRotator_DueInitializesSchedule(t *testing.T) {
	f := newFixture(t)
	rot := NewRotator(f.store, f.auditor, f.dataDir, 90, zap.NewNop())

	due, err := rot.Due()
	require.NoError(t, err)
	assert.False(t, due)

	meta, err := rot.readMetadata()
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Version)
}

func newBackupFixture(t *testing.T) (*fixture, *BackupManager) {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateServer(ctx, &contracts.Server{
		ID: "srvA", Name: "alpha", ServerType: contracts.ServerTypeRemote,
		RemoteURL: "https://mcp.example.com",
		Created:   contracts.NowMillis(), Updated: contracts.NowMillis(),
	}))
	require.NoError(t, f.store.SaveOAuthConfig(ctx, &contracts.OAuthConfig{
		ServerID: "srvA", Provider: "github", ClientID: "cid", ClientSecret: "cs-secret",
	}))
	require.NoError(t, f.store.SaveOAuthToken(ctx, &contracts.OAuthToken{
		ServerID: "srvA", AccessToken: "at-secret", TokenType: "Bearer",
		LastUsed: contracts.NowMillis(),
	}))

	bm, err := NewBackupManager(f.store, f.auditor, f.dataDir, "1.0.0-test", 7, zap.NewNop())
	require.NoError(t, err)
	return f, bm
}

func TestBackup_EncryptedRoundTrip(t *testing.T) {
	f, bm := newBackupFixture(t)
	ctx := context.Background()

	path, err := bm.Create(ctx, "correct horse", false)
	require.NoError(t, err)

	// The plaintext secrets must not appear in the file.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "at-secret")
	assert.NotContains(t, string(raw), "cs-secret")

	meta, err := bm.ReadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.ConfigCount)
	assert.Equal(t, 1, meta.TokenCount)

	require.NoError(t, f.store.DeleteOAuthToken(ctx, "srvA"))
	require.NoError(t, f.store.DeleteOAuthConfig(ctx, "srvA"))

	require.NoError(t, bm.Restore(ctx, path, "correct horse"))

	tok, err := f.store.GetOAuthToken(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "at-secret", tok.AccessToken)
	cfg, err := f.store.GetOAuthConfig(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "cs-secret", cfg.ClientSecret)
}

func TestBackup_SealedWithoutPassphrase(t *testing.T) {
	f, bm := newBackupFixture(t)
	ctx := context.Background()

	path, err := bm.Create(ctx, "", false)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var file backupFile
	require.NoError(t, json.Unmarshal(raw, &file))
	assert.True(t, file.Sealed)
	assert.False(t, file.Encrypted)
	assert.Equal(t, 1, file.Metadata.KeyVersion)

	// Secrets appear neither in the file nor in its decoded payload.
	blob, err := base64.StdEncoding.DecodeString(file.Payload)
	require.NoError(t, err)
	for _, secret := range []string{"at-secret", "cs-secret"} {
		assert.NotContains(t, string(raw), secret)
		assert.NotContains(t, string(blob), secret)
	}

	require.NoError(t, f.store.DeleteOAuthToken(ctx, "srvA"))
	require.NoError(t, f.store.DeleteOAuthConfig(ctx, "srvA"))

	require.NoError(t, bm.Restore(ctx, path, ""))

	tok, err := f.store.GetOAuthToken(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "at-secret", tok.AccessToken)
	cfg, err := f.store.GetOAuthConfig(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "cs-secret", cfg.ClientSecret)
}

func TestStartupArtifactsHoldNoPlaintextSecrets(t *testing.T) {
	f, bm := newBackupFixture(t)
	ctx := context.Background()

	secrets := []string{"at-secret", "rt-secret", "cs-secret"}
	require.NoError(t, f.store.SaveOAuthToken(ctx, &contracts.OAuthToken{
		ServerID: "srvA", AccessToken: "at-secret", RefreshToken: "rt-secret",
		TokenType: "Bearer", LastUsed: contracts.NowMillis(),
	}))

	// The same governance work startup performs.
	mig := NewMigrator(f.store, bm, f.auditor, f.dataDir, zap.NewNop())
	require.NoError(t, mig.Migrate(ctx))
	require.NoError(t, bm.MaybeCreateDaily(ctx, ""))

	err := filepath.WalkDir(f.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		for _, secret := range secrets {
			assert.NotContains(t, string(raw), secret, "plaintext secret in %s", path)
		}

		// Backup payloads are base64; inspect them decoded as well.
		if strings.HasPrefix(filepath.Base(path), "backup-") && strings.HasSuffix(path, ".json") {
			var file backupFile
			if json.Unmarshal(raw, &file) == nil && file.Payload != "" {
				blob, err := base64.StdEncoding.DecodeString(file.Payload)
				require.NoError(t, err)
				for _, secret := range secrets {
					assert.NotContains(t, string(blob), secret, "plaintext secret in payload of %s", path)
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestBackup_WrongPassphrase(t *testing.T) {
	_, bm := newBackupFixture(t)
	ctx := context.Background()

	path, err := bm.Create(ctx, "right", false)
	require.NoError(t, err)
	assert.Error(t, bm.Restore(ctx, path, "wrong"))
}

func TestBackup_ChecksumMismatchRejected(t *testing.T) {
	_, bm := newBackupFixture(t)
	ctx := context.Background()

	path, err := bm.Create(ctx, "", false)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var file backupFile
	require.NoError(t, json.Unmarshal(raw, &file))
	file.Metadata.Checksum = "00" + file.Metadata.Checksum[2:]
	tampered, err := json.Marshal(&file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	err = bm.Restore(ctx, path, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestBackup_AutomaticPruneKeepsManual(t *testing.T) {
	_, bm := newBackupFixture(t)
	bm.keepDaily = 2
	ctx := context.Background()

	manual, err := bm.Create(ctx, "", false)
	require.NoError(t, err)

	var autoPaths []string
	for i := 0; i < 4; i++ {
		// Distinct file names need distinct creation seconds.
		time.Sleep(1100 * time.Millisecond)
		p, err := bm.Create(ctx, "", true)
		require.NoError(t, err)
		autoPaths = append(autoPaths, p)
	}

	assert.FileExists(t, manual)
	assert.NoFileExists(t, autoPaths[0])
	assert.NoFileExists(t, autoPaths[1])
	assert.FileExists(t, autoPaths[2])
	assert.FileExists(t, autoPaths[3])

	history, err := bm.History()
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestMigrator_MigrateAndRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateServer(ctx, &contracts.Server{
		ID: "srvA", Name: "alpha", ServerType: contracts.ServerTypeRemote,
		RemoteURL: "https://mcp.example.com",
		Created:   contracts.NowMillis(), Updated: contracts.NowMillis(),
	}))
	require.NoError(t, f.store.SaveOAuthConfig(ctx, &contracts.OAuthConfig{
		ServerID: "srvA", Provider: "custom",
		TokenEndpoint: "  https://idp.example.com/token  ",
		Scopes:        []string{"read", "read", "write"},
	}))
	require.NoError(t, f.store.SaveOAuthToken(ctx, &contracts.OAuthToken{
		ServerID: "srvA", AccessToken: "at", TokenType: "bearer",
	}))

	bm, err := NewBackupManager(f.store, f.auditor, f.dataDir, "1.0.0-test", 7, zap.NewNop())
	require.NoError(t, err)
	mig := NewMigrator(f.store, bm, f.auditor, f.dataDir, zap.NewNop())

	v, err := mig.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)

	require.NoError(t, mig.Migrate(ctx))

	v, err = mig.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, LatestDatasetVersion, v)

	// The pre-migration backup was created.
	history, err := bm.History()
	require.NoError(t, err)
	require.Len(t, history, 1)

	cfg, err := f.store.GetOAuthConfig(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.com/token", cfg.TokenEndpoint)
	assert.Equal(t, []string{"read", "write"}, cfg.Scopes)
	assert.Equal(t, "authorization_code", cfg.GrantType)

	tok, err := f.store.GetOAuthToken(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.NotZero(t, tok.LastUsed)

	// Roll back to 1.1.0: everything after it is undone.
	require.NoError(t, mig.Rollback(ctx, "1.1.0"))
	v, err = mig.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", v)

	cfg, err = f.store.GetOAuthConfig(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "  https://idp.example.com/token  ", cfg.TokenEndpoint)
	assert.Equal(t, []string{"read", "read", "write"}, cfg.Scopes)
	assert.Empty(t, cfg.GrantType)

	tok, err = f.store.GetOAuthToken(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)

	// Migrating again converges on the latest version.
	require.NoError(t, mig.Migrate(ctx))
	v, err = mig.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, LatestDatasetVersion, v)
}

func TestMigrator_SnapshotsSealedAndRollbackRestores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateServer(ctx, &contracts.Server{
		ID: "srvA", Name: "alpha", ServerType: contracts.ServerTypeRemote,
		RemoteURL: "https://mcp.example.com",
		Created:   contracts.NowMillis(), Updated: contracts.NowMillis(),
	}))
	require.NoError(t, f.store.SaveOAuthConfig(ctx, &contracts.OAuthConfig{
		ServerID: "srvA", Provider: "github", ClientID: "cid", ClientSecret: "cs-secret",
	}))
	require.NoError(t, f.store.SaveOAuthToken(ctx, &contracts.OAuthToken{
		ServerID: "srvA", AccessToken: "at-secret", RefreshToken: "rt-secret",
		TokenType: "bearer",
	}))

	bm, err := NewBackupManager(f.store, f.auditor, f.dataDir, "1.0.0-test", 7, zap.NewNop())
	require.NoError(t, err)
	mig := NewMigrator(f.store, bm, f.auditor, f.dataDir, zap.NewNop())
	require.NoError(t, mig.Migrate(ctx))

	// Rollback snapshots persist across restarts, so the state file must
	// hold secret fields only in sealed form.
	raw, err := os.ReadFile(filepath.Join(f.dataDir, MigrationStateFileName))
	require.NoError(t, err)
	for _, secret := range []string{"at-secret", "rt-secret", "cs-secret"} {
		assert.NotContains(t, string(raw), secret)
	}

	require.NoError(t, mig.Rollback(ctx, "1.0.0"))

	tok, err := f.store.GetOAuthToken(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "at-secret", tok.AccessToken)
	assert.Equal(t, "rt-secret", tok.RefreshToken)
	assert.Equal(t, "bearer", tok.TokenType)

	cfg, err := f.store.GetOAuthConfig(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "cs-secret", cfg.ClientSecret)
}

func TestMigrator_MigrateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bm, err := NewBackupManager(f.store, f.auditor, f.dataDir, "1.0.0-test", 7, zap.NewNop())
	require.NoError(t, err)
	mig := NewMigrator(f.store, bm, f.auditor, f.dataDir, zap.NewNop())

	require.NoError(t, mig.Migrate(ctx))
	require.NoError(t, mig.Migrate(ctx))

	// Second Migrate found nothing pending and took no extra backup.
	history, err := bm.History()
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
