package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/store"
)

// MigrationStateFileName tracks the OAuth dataset version, distinct from
// the SQL schema version the store manages.
const MigrationStateFileName = "oauth-migration-state.json"

// initialDatasetVersion is assumed when no state file exists.
const initialDatasetVersion = "1.0.0"

// datasetMigration transforms the OAuth dataset from one version to the
// next. Reverse is handled by restoring the pre-migration snapshot, so a
// migration only declares its forward transform.
type datasetMigration struct {
	version     string
	description string
	forward     func(*dataset)
}

// dataset is the in-memory image of the migratable OAuth data.
type dataset struct {
	Configs []*contracts.OAuthConfig `json:"configs"`
	Tokens  []*contracts.OAuthToken  `json:"tokens"`
}

// migrationState is the on-disk migration record.
type migrationState struct {
	CurrentVersion string `json:"current_version"`
	Applied        []struct {
		Version     string `json:"version"`
		Description string `json:"description"`
		AppliedAt   int64  `json:"applied_at"`
	} `json:"applied"`
	// Snapshots keyed by the version they precede, consumed on rollback.
	// Secret fields inside a snapshot are sealed under the master key
	// before the state file is written.
	Snapshots map[string]*dataset `json:"snapshots"`
}

// datasetMigrations is the ordered migration chain. Versions must be
// strictly increasing.
var datasetMigrations = []datasetMigration{
	{
		version:     "1.1.0",
		description: "normalize token type to Bearer",
		forward: func(d *dataset) {
			for _, t := range d.Tokens {
				if strings.EqualFold(t.TokenType, "bearer") || t.TokenType == "" {
					t.TokenType = "Bearer"
				}
			}
		},
	},
	{
		version:     "1.2.0",
		description: "deduplicate scope lists",
		forward: func(d *dataset) {
			for _, c := range d.Configs {
				c.Scopes = dedupe(c.Scopes)
			}
			for _, t := range d.Tokens {
				t.Scopes = dedupe(t.Scopes)
			}
		},
	},
	{
		version:     "1.3.0",
		description: "default grant type to authorization_code",
		forward: func(d *dataset) {
			for _, c := range d.Configs {
				if c.GrantType == "" {
					c.GrantType = "authorization_code"
				}
			}
		},
	},
	{
		version:     "1.5.0",
		description: "trim whitespace in endpoint URLs",
		forward: func(d *dataset) {
			for _, c := range d.Configs {
				c.DiscoveryURL = strings.TrimSpace(c.DiscoveryURL)
				c.AuthorizationEndpoint = strings.TrimSpace(c.AuthorizationEndpoint)
				c.TokenEndpoint = strings.TrimSpace(c.TokenEndpoint)
				c.RevocationEndpoint = strings.TrimSpace(c.RevocationEndpoint)
				c.IntrospectionEndpoint = strings.TrimSpace(c.IntrospectionEndpoint)
				c.UserinfoEndpoint = strings.TrimSpace(c.UserinfoEndpoint)
			}
		},
	},
	{
		version:     "2.0.0",
		description: "backfill refresh accounting fields",
		forward: func(d *dataset) {
			for _, t := range d.Tokens {
				if t.LastUsed == 0 {
					t.LastUsed = contracts.NowMillis()
				}
			}
		},
	},
}

// LatestDatasetVersion is the version a fully migrated dataset carries.
var LatestDatasetVersion = datasetMigrations[len(datasetMigrations)-1].version

// Migrator applies the dataset migration chain with snapshot-based
// rollback. An unconditional backup is taken before any migration runs.
type Migrator struct {
	store   *store.Store
	backup  *BackupManager
	auditor *Auditor
	logger  *zap.Logger
	dataDir string
}

// NewMigrator creates the dataset migrator.
func NewMigrator(st *store.Store, backup *BackupManager, auditor *Auditor, dataDir string, logger *zap.Logger) *Migrator {
	return &Migrator{
		store:   st,
		backup:  backup,
		auditor: auditor,
		logger:  logger.Named("dataset-migration"),
		dataDir: dataDir,
	}
}

// CurrentVersion returns the recorded dataset version.
func (m *Migrator) CurrentVersion() (string, error) {
	state, err := m.readState()
	if err != nil {
		return "", err
	}
	return state.CurrentVersion, nil
}

// Migrate applies every pending migration in order. Before the first
// pending migration a full backup is created; before each individual
// migration a snapshot of the dataset is captured for rollback. A failed
// persist leaves the recorded version at the last fully applied
// migration.
func (m *Migrator) Migrate(ctx context.Context) error {
	state, err := m.readState()
	if err != nil {
		return err
	}
	pending := pendingAfter(state.CurrentVersion)
	if len(pending) == 0 {
		return nil
	}

	if _, err := m.backup.Create(ctx, "", true); err != nil {
		return fmt.Errorf("pre-migration backup failed: %w", err)
	}

	data, err := m.load(ctx)
	if err != nil {
		return err
	}

	for _, mig := range pending {
		snapshot, err := cloneDataset(data)
		if err != nil {
			return fmt.Errorf("failed to snapshot dataset before %s: %w", mig.version, err)
		}
		if err := sealSecrets(m.store.Box(), snapshot.Configs, snapshot.Tokens); err != nil {
			return fmt.Errorf("failed to seal snapshot for %s: %w", mig.version, err)
		}
		state.Snapshots[mig.version] = snapshot
		mig.forward(data)

		if err := m.persist(ctx, data); err != nil {
			delete(state.Snapshots, mig.version)
			if werr := m.writeState(state); werr != nil {
				m.logger.Error("Failed to record migration state after error", zap.Error(werr))
			}
			return fmt.Errorf("dataset migration %s failed: %w", mig.version, err)
		}

		state.CurrentVersion = mig.version
		state.Applied = append(state.Applied, struct {
			Version     string `json:"version"`
			Description string `json:"description"`
			AppliedAt   int64  `json:"applied_at"`
		}{mig.version, mig.description, contracts.NowMillis()})
		if err := m.writeState(state); err != nil {
			return err
		}

		m.auditor.Log(ctx, EventMigrationApplied, SeverityInfo, "", map[string]any{
			"version":     mig.version,
			"description": mig.description,
		})
		m.logger.Info("Applied dataset migration",
			zap.String("version", mig.version),
			zap.String("description", mig.description))
	}
	return nil
}

// Rollback restores the dataset to the target version using the stored
// snapshots, unwinding migrations newest first.
func (m *Migrator) Rollback(ctx context.Context, targetVersion string) error {
	state, err := m.readState()
	if err != nil {
		return err
	}
	if state.CurrentVersion == targetVersion {
		return nil
	}
	if !isKnownVersion(targetVersion) {
		return fmt.Errorf("unknown dataset version %q", targetVersion)
	}

	for i := len(datasetMigrations) - 1; i >= 0; i-- {
		mig := datasetMigrations[i]
		if versionLTE(mig.version, targetVersion) {
			break
		}
		if versionLTE(mig.version, state.CurrentVersion) {
			snapshot, ok := state.Snapshots[mig.version]
			if !ok {
				return fmt.Errorf("no rollback snapshot for version %s", mig.version)
			}
			if err := openSecrets(m.store.Box(), snapshot.Configs, snapshot.Tokens); err != nil {
				return fmt.Errorf("failed to unseal snapshot for %s: %w", mig.version, err)
			}
			if err := m.persist(ctx, snapshot); err != nil {
				return fmt.Errorf("rollback of %s failed: %w", mig.version, err)
			}
			delete(state.Snapshots, mig.version)
			if len(state.Applied) > 0 && state.Applied[len(state.Applied)-1].Version == mig.version {
				state.Applied = state.Applied[:len(state.Applied)-1]
			}
			state.CurrentVersion = previousVersion(mig.version)
			if err := m.writeState(state); err != nil {
				return err
			}

			m.auditor.Log(ctx, EventMigrationRolledBack, SeverityWarning, "", map[string]any{
				"version": mig.version,
			})
			m.logger.Info("Rolled back dataset migration", zap.String("version", mig.version))
		}
	}
	return nil
}

func (m *Migrator) load(ctx context.Context) (*dataset, error) {
	configs, err := m.store.ListOAuthConfigs(ctx)
	if err != nil {
		return nil, err
	}
	tokens, err := m.store.ListOAuthTokens(ctx)
	if err != nil {
		return nil, err
	}
	return &dataset{Configs: configs, Tokens: tokens}, nil
}

func (m *Migrator) persist(ctx context.Context, d *dataset) error {
	for _, cfg := range d.Configs {
		if err := m.store.SaveOAuthConfig(ctx, cfg); err != nil {
			return err
		}
	}
	for _, tok := range d.Tokens {
		if err := m.store.SaveOAuthToken(ctx, tok); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) statePath() string {
	return filepath.Join(m.dataDir, MigrationStateFileName)
}

func (m *Migrator) readState() (*migrationState, error) {
	raw, err := os.ReadFile(m.statePath())
	if os.IsNotExist(err) {
		return &migrationState{
			CurrentVersion: initialDatasetVersion,
			Snapshots:      make(map[string]*dataset),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	var state migrationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", MigrationStateFileName, err)
	}
	if state.CurrentVersion == "" {
		state.CurrentVersion = initialDatasetVersion
	}
	if state.Snapshots == nil {
		state.Snapshots = make(map[string]*dataset)
	}
	return &state, nil
}

func (m *Migrator) writeState(state *migrationState) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.statePath(), raw, 0o600)
}

func pendingAfter(current string) []datasetMigration {
	var out []datasetMigration
	for _, mig := range datasetMigrations {
		if !versionLTE(mig.version, current) {
			out = append(out, mig)
		}
	}
	return out
}

func isKnownVersion(v string) bool {
	if v == initialDatasetVersion {
		return true
	}
	for _, mig := range datasetMigrations {
		if mig.version == v {
			return true
		}
	}
	return false
}

// previousVersion returns the version immediately before v in the chain.
func previousVersion(v string) string {
	prev := initialDatasetVersion
	for _, mig := range datasetMigrations {
		if mig.version == v {
			return prev
		}
		prev = mig.version
	}
	return prev
}

// versionLTE compares dotted numeric versions segment by segment.
func versionLTE(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		var an, bn int
		fmt.Sscanf(as[i], "%d", &an)
		fmt.Sscanf(bs[i], "%d", &bn)
		if an != bn {
			return an < bn
		}
	}
	return len(as) <= len(bs)
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func cloneDataset(d *dataset) (*dataset, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out dataset
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
