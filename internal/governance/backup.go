package governance

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/crypto"
	"github.com/mcpbroker/mcpbroker-go/internal/store"
)

const (
	// BackupDirName holds backup files under the data directory.
	BackupDirName = "oauth-backups"

	// BackupHistoryFileName records created backups for pruning.
	BackupHistoryFileName = "backup-history.json"

	// backupFormatVersion is the backup file layout version.
	backupFormatVersion = "1.0"
)

// BackupMetadata describes a backup file without exposing its payload.
type BackupMetadata struct {
	Version       string `json:"version"`
	CreatedAt     int64  `json:"created_at"`
	AppVersion    string `json:"app_version,omitempty"`
	MachineIDHash string `json:"machine_id_hash"`
	ConfigCount   int    `json:"config_count"`
	TokenCount    int    `json:"token_count"`
	KeyVersion    int    `json:"key_version,omitempty"`
	Checksum      string `json:"checksum"`
}

// backupPayload is the dataset captured by a backup. Secret fields are
// never written to disk in the clear: they are either sealed under the
// master key or the whole payload is passphrase-encrypted.
type backupPayload struct {
	Configs []*contracts.OAuthConfig `json:"configs"`
	Tokens  []*contracts.OAuthToken  `json:"tokens"`
}

// backupFile is the on-disk envelope. Encrypted means the whole payload
// is wrapped under a passphrase; Sealed means the secret fields inside
// the payload are ciphertext under the master key.
type backupFile struct {
	Metadata  BackupMetadata `json:"metadata"`
	Encrypted bool           `json:"encrypted"`
	Sealed    bool           `json:"sealed,omitempty"`
	Payload   string         `json:"payload"`
}

// historyEntry tracks one created backup.
type historyEntry struct {
	ID        string `json:"id"`
	File      string `json:"file"`
	CreatedAt int64  `json:"created_at"`
	Automatic bool   `json:"automatic"`
}

// BackupManager creates and restores portable snapshots of the OAuth
// dataset. Automatic daily backups are pruned to a fixed count; manual
// backups are kept until deleted by the operator.
type BackupManager struct {
	store      *store.Store
	auditor    *Auditor
	logger     *zap.Logger
	dataDir    string
	appVersion string
	keepDaily  int
}

// NewBackupManager creates the manager and ensures the backup directory
// exists.
func NewBackupManager(st *store.Store, auditor *Auditor, dataDir, appVersion string, keepDaily int, logger *zap.Logger) (*BackupManager, error) {
	dir := filepath.Join(dataDir, BackupDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &BackupManager{
		store:      st,
		auditor:    auditor,
		logger:     logger.Named("backup"),
		dataDir:    dataDir,
		appVersion: appVersion,
		keepDaily:  keepDaily,
	}, nil
}

// Create writes a backup file and returns its path. A non-empty
// passphrase encrypts the whole payload; without one the secret fields
// are sealed under the current master key, so such a backup is only
// restorable on an installation holding that key.
func (m *BackupManager) Create(ctx context.Context, passphrase string, automatic bool) (string, error) {
	payload, err := m.collect(ctx)
	if err != nil {
		return "", err
	}
	sealed := passphrase == ""
	if sealed {
		if err := sealSecrets(m.store.Box(), payload.Configs, payload.Tokens); err != nil {
			return "", fmt.Errorf("failed to seal backup secrets: %w", err)
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(raw)
	file := backupFile{
		Metadata: BackupMetadata{
			Version:       backupFormatVersion,
			CreatedAt:     contracts.NowMillis(),
			AppVersion:    m.appVersion,
			MachineIDHash: machineIDHash(),
			ConfigCount:   len(payload.Configs),
			TokenCount:    len(payload.Tokens),
			Checksum:      hex.EncodeToString(sum[:]),
		},
		Sealed: sealed,
	}
	if sealed {
		file.Metadata.KeyVersion = m.store.Box().Version()
	}
	if passphrase != "" {
		sealed, err := crypto.BackupEncrypt(raw, passphrase)
		if err != nil {
			return "", err
		}
		file.Encrypted = true
		file.Payload = base64.StdEncoding.EncodeToString(sealed)
	} else {
		file.Payload = base64.StdEncoding.EncodeToString(raw)
	}

	name := fmt.Sprintf("backup-%s.json", time.Now().Format("20060102-150405"))
	path := filepath.Join(m.dataDir, BackupDirName, name)
	out, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	if err := m.appendHistory(historyEntry{
		ID:        ulid.Make().String(),
		File:      name,
		CreatedAt: file.Metadata.CreatedAt,
		Automatic: automatic,
	}); err != nil {
		m.logger.Warn("Failed to record backup history", zap.Error(err))
	}
	if automatic {
		if err := m.pruneAutomatic(); err != nil {
			m.logger.Warn("Failed to prune old backups", zap.Error(err))
		}
	}

	m.auditor.Log(ctx, EventBackupCreated, SeverityInfo, "", map[string]any{
		"file":      name,
		"automatic": automatic,
		"encrypted": file.Encrypted,
		"configs":   len(payload.Configs),
		"tokens":    len(payload.Tokens),
	})
	m.logger.Info("Created backup",
		zap.String("file", name),
		zap.Bool("automatic", automatic),
		zap.Int("configs", len(payload.Configs)),
		zap.Int("tokens", len(payload.Tokens)))
	return path, nil
}

// MaybeCreateDaily creates an automatic backup unless one already exists
// for today.
func (m *BackupManager) MaybeCreateDaily(ctx context.Context, passphrase string) error {
	history, err := m.readHistory()
	if err != nil {
		return err
	}
	today := time.Now().Format("2006-01-02")
	for _, e := range history {
		if e.Automatic && time.UnixMilli(e.CreatedAt).Format("2006-01-02") == today {
			return nil
		}
	}
	_, err = m.Create(ctx, passphrase, true)
	return err
}

// Restore reads a backup file, verifies its checksum and replaces the
// stored OAuth dataset with its contents. Token and secret values are
// re-encrypted under the current master key as they are written back.
func (m *BackupManager) Restore(ctx context.Context, path, passphrase string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	var file backupFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse backup: %w", err)
	}

	blob, err := base64.StdEncoding.DecodeString(file.Payload)
	if err != nil {
		return fmt.Errorf("failed to decode backup payload: %w", err)
	}
	if file.Encrypted {
		if passphrase == "" {
			return fmt.Errorf("backup is encrypted and no passphrase was given")
		}
		blob, err = crypto.BackupDecrypt(blob, passphrase)
		if err != nil {
			return err
		}
	}

	sum := sha256.Sum256(blob)
	if hex.EncodeToString(sum[:]) != file.Metadata.Checksum {
		return fmt.Errorf("backup checksum mismatch, file is corrupt or tampered")
	}

	var payload backupPayload
	if err := json.Unmarshal(blob, &payload); err != nil {
		return fmt.Errorf("failed to parse backup payload: %w", err)
	}
	if file.Sealed {
		if err := openSecrets(m.store.Box(), payload.Configs, payload.Tokens); err != nil {
			return fmt.Errorf("failed to unseal backup under the current master key: %w", err)
		}
	}

	for _, cfg := range payload.Configs {
		if err := m.store.SaveOAuthConfig(ctx, cfg); err != nil {
			return err
		}
	}
	for _, tok := range payload.Tokens {
		if err := m.store.SaveOAuthToken(ctx, tok); err != nil {
			return err
		}
	}

	m.auditor.Log(ctx, EventBackupRestored, SeverityWarning, "", map[string]any{
		"file":    filepath.Base(path),
		"configs": len(payload.Configs),
		"tokens":  len(payload.Tokens),
	})
	m.logger.Info("Restored backup",
		zap.String("file", filepath.Base(path)),
		zap.Int("configs", len(payload.Configs)),
		zap.Int("tokens", len(payload.Tokens)))
	return nil
}

// ReadMetadata returns a backup file's metadata without decrypting it.
func (m *BackupManager) ReadMetadata(path string) (*BackupMetadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file backupFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse backup: %w", err)
	}
	return &file.Metadata, nil
}

// History lists recorded backups, newest first.
func (m *BackupManager) History() ([]historyEntry, error) {
	history, err := m.readHistory()
	if err != nil {
		return nil, err
	}
	sort.Slice(history, func(i, j int) bool { return history[i].CreatedAt > history[j].CreatedAt })
	return history, nil
}

func (m *BackupManager) collect(ctx context.Context) (*backupPayload, error) {
	configs, err := m.store.ListOAuthConfigs(ctx)
	if err != nil {
		return nil, err
	}
	tokens, err := m.store.ListOAuthTokens(ctx)
	if err != nil {
		return nil, err
	}
	return &backupPayload{Configs: configs, Tokens: tokens}, nil
}

// pruneAutomatic removes the oldest automatic backups beyond the keep
// count. Manual backups are never pruned.
func (m *BackupManager) pruneAutomatic() error {
	history, err := m.readHistory()
	if err != nil {
		return err
	}
	var auto []historyEntry
	for _, e := range history {
		if e.Automatic {
			auto = append(auto, e)
		}
	}
	if len(auto) <= m.keepDaily {
		return nil
	}
	sort.Slice(auto, func(i, j int) bool { return auto[i].CreatedAt < auto[j].CreatedAt })
	doomed := make(map[string]bool)
	for _, e := range auto[:len(auto)-m.keepDaily] {
		doomed[e.ID] = true
		path := filepath.Join(m.dataDir, BackupDirName, e.File)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("Failed to remove old backup", zap.String("file", e.File), zap.Error(err))
		}
	}

	kept := history[:0]
	for _, e := range history {
		if !doomed[e.ID] {
			kept = append(kept, e)
		}
	}
	return m.writeHistory(kept)
}

func (m *BackupManager) historyPath() string {
	return filepath.Join(m.dataDir, BackupHistoryFileName)
}

func (m *BackupManager) readHistory() ([]historyEntry, error) {
	raw, err := os.ReadFile(m.historyPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var history []historyEntry
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", BackupHistoryFileName, err)
	}
	return history, nil
}

func (m *BackupManager) writeHistory(history []historyEntry) error {
	raw, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.historyPath(), raw, 0o600)
}

func (m *BackupManager) appendHistory(e historyEntry) error {
	history, err := m.readHistory()
	if err != nil {
		return err
	}
	return m.writeHistory(append(history, e))
}

// machineIDHash identifies the originating machine without recording the
// hostname itself.
func machineIDHash() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	sum := sha256.Sum256([]byte(host))
	return hex.EncodeToString(sum[:8])
}
