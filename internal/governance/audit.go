// Package governance carries the OAuth operational controls: audit
// logging, rate limiting, key rotation, encrypted backups and versioned
// dataset migrations.
package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/store"
)

// AuditFileName is the newline-delimited JSON audit log under the data
// directory.
const AuditFileName = "oauth-audit.log"

// ringCapacity bounds the in-memory tail of the audit log.
const ringCapacity = 10000

// EventType enumerates auditable OAuth events.
type EventType string

const (
	EventTokenCreated          EventType = "token_created"
	EventTokenRefreshed        EventType = "token_refreshed"
	EventTokenRevoked          EventType = "token_revoked"
	EventTokenExpired          EventType = "token_expired"
	EventTokenValidationFailed EventType = "token_validation_failed"
	EventKeyRotated            EventType = "key_rotated"
	EventSuspiciousActivity    EventType = "suspicious_activity"
	EventRateLimitExceeded     EventType = "rate_limit_exceeded"
	EventAuthStarted           EventType = "authentication_started"
	EventAuthCompleted         EventType = "authentication_completed"
	EventAuthFailed            EventType = "authentication_failed"
	EventConfigChanged         EventType = "configuration_changed"
	EventConfigDeleted         EventType = "configuration_deleted"
	EventBackupCreated         EventType = "backup_created"
	EventBackupRestored        EventType = "backup_restored"
	EventMigrationApplied      EventType = "migration_applied"
	EventMigrationRolledBack   EventType = "migration_rolled_back"
)

// Severity grades an audit entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Entry is one audit record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Severity  Severity       `json:"severity"`
	ServerID  string         `json:"server_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Auditor appends entries to a bounded memory ring, an append-only file
// and the store's audit table. Critical entries additionally surface on
// stderr.
type Auditor struct {
	store    *store.Store
	logger   *zap.Logger
	filePath string

	mu   sync.Mutex
	ring []*Entry
	file *os.File
}

// NewAuditor opens the audit file for appending and trims file retention.
func NewAuditor(dataDir string, st *store.Store, retainDays int, logger *zap.Logger) (*Auditor, error) {
	path := filepath.Join(dataDir, AuditFileName)

	a := &Auditor{
		store:    st,
		logger:   logger.Named("audit"),
		filePath: path,
	}
	if retainDays > 0 {
		if err := a.trimFile(retainDays); err != nil {
			a.logger.Warn("Failed to trim audit file retention", zap.Error(err))
		}
		cutoff := time.Now().AddDate(0, 0, -retainDays).UnixMilli()
		if _, err := st.PruneAudit(context.Background(), cutoff); err != nil {
			a.logger.Warn("Failed to prune audit table", zap.Error(err))
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	a.file = file
	return a, nil
}

// Close releases the audit file handle.
func (a *Auditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Log records one event across all three sinks. Persistence failures are
// logged but never block the calling operation.
func (a *Auditor) Log(ctx context.Context, eventType EventType, severity Severity, serverID string, details map[string]any) {
	entry := &Entry{
		ID:        ulid.Make().String(),
		Timestamp: contracts.NowMillis(),
		EventType: eventType,
		Severity:  severity,
		ServerID:  serverID,
		Details:   details,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		a.logger.Error("Failed to marshal audit entry", zap.Error(err))
		return
	}

	a.mu.Lock()
	a.ring = append(a.ring, entry)
	if len(a.ring) > ringCapacity {
		a.ring = a.ring[len(a.ring)-ringCapacity:]
	}
	if a.file != nil {
		if _, err := a.file.Write(append(line, '\n')); err != nil {
			a.logger.Error("Failed to append audit file", zap.Error(err))
		}
	}
	a.mu.Unlock()

	detailsJSON, _ := json.Marshal(details)
	if err := a.store.AppendAudit(ctx, &store.AuditRow{
		ID:        entry.ID,
		Timestamp: entry.Timestamp,
		EventType: string(eventType),
		Severity:  string(severity),
		ServerID:  serverID,
		Details:   string(detailsJSON),
	}); err != nil {
		a.logger.Error("Failed to persist audit entry", zap.Error(err))
	}

	if severity == SeverityCritical {
		fmt.Fprintf(os.Stderr, "AUDIT CRITICAL %s server=%s %s\n",
			eventType, serverID, string(line))
	}
}

// Recent returns up to n entries from the memory ring, newest last.
func (a *Auditor) Recent(n int) []*Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.ring) {
		n = len(a.ring)
	}
	out := make([]*Entry, n)
	copy(out, a.ring[len(a.ring)-n:])
	return out
}

// trimFile rewrites the audit file keeping only entries newer than the
// retention cutoff.
func (a *Auditor) trimFile(retainDays int) error {
	raw, err := os.ReadFile(a.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	cutoff := time.Now().AddDate(0, 0, -retainDays).UnixMilli()
	var kept []byte
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '\n' {
			if i > start {
				line := raw[start:i]
				var e Entry
				if json.Unmarshal(line, &e) == nil && e.Timestamp >= cutoff {
					kept = append(kept, line...)
					kept = append(kept, '\n')
				}
			}
			start = i + 1
		}
	}
	return os.WriteFile(a.filePath, kept, 0o600)
}
