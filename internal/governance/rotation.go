package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/crypto"
	"github.com/mcpbroker/mcpbroker-go/internal/store"
)

// KeysFileName tracks the active key version and rotation schedule.
const KeysFileName = "oauth-keys.json"

// rotationCheckInterval is how often the scheduler wakes to compare the
// clock against the due date.
const rotationCheckInterval = time.Hour

// keyMetadata is the on-disk rotation record next to the key file.
type keyMetadata struct {
	Version   int   `json:"version"`
	RotatedAt int64 `json:"rotated_at"`
	NextDueAt int64 `json:"next_due_at"`
}

// Rotator re-encrypts the store under a fresh master key on a fixed
// period. Rotation is atomic with respect to readers: the store swaps to
// the new key only after every encrypted row has been rewritten in one
// transaction.
type Rotator struct {
	store   *store.Store
	auditor *Auditor
	logger  *zap.Logger
	dataDir string
	period  time.Duration

	mu sync.Mutex
}

// NewRotator creates a rotator with the given rotation period in days.
func NewRotator(st *store.Store, auditor *Auditor, dataDir string, periodDays int, logger *zap.Logger) *Rotator {
	return &Rotator{
		store:   st,
		auditor: auditor,
		logger:  logger.Named("rotation"),
		dataDir: dataDir,
		period:  time.Duration(periodDays) * 24 * time.Hour,
	}
}

// Start runs the rotation scheduler until the context is cancelled. It
// wakes hourly and rotates when the recorded due date has passed.
func (r *Rotator) Start(ctx context.Context) {
	ticker := time.NewTicker(rotationCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := r.Due()
			if err != nil {
				r.logger.Warn("Failed to read rotation schedule", zap.Error(err))
				continue
			}
			if !due {
				continue
			}
			if err := r.RotateNow(ctx); err != nil {
				r.logger.Error("Scheduled key rotation failed", zap.Error(err))
			}
		}
	}
}

// Due reports whether the rotation period has elapsed. A missing
// metadata file initializes the schedule from now without rotating.
func (r *Rotator) Due() (bool, error) {
	meta, err := r.readMetadata()
	if os.IsNotExist(err) {
		return false, r.writeMetadata(&keyMetadata{
			Version:   r.store.Box().Version(),
			RotatedAt: time.Now().UnixMilli(),
			NextDueAt: time.Now().Add(r.period).UnixMilli(),
		})
	}
	if err != nil {
		return false, err
	}
	return time.Now().UnixMilli() >= meta.NextDueAt, nil
}

// RotateNow generates a new key, re-encrypts every encrypted column in a
// single transaction, persists the new key file and advances the
// schedule.
func (r *Rotator) RotateNow(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldVersion := r.store.Box().Version()
	newKey, err := crypto.NewRandomKey()
	if err != nil {
		return fmt.Errorf("failed to generate rotation key: %w", err)
	}
	newBox, err := crypto.NewBox(newKey, oldVersion+1)
	if err != nil {
		return err
	}

	if err := r.store.ReencryptAll(ctx, newBox); err != nil {
		r.auditor.Log(ctx, EventSuspiciousActivity, SeverityCritical, "", map[string]any{
			"operation": "key_rotation",
			"error":     err.Error(),
		})
		return fmt.Errorf("failed to re-encrypt store: %w", err)
	}

	// The store now reads and writes under the new key. Losing the key
	// file here would strand the data, so write it before anything else.
	if err := crypto.WriteKey(r.dataDir, newKey); err != nil {
		return fmt.Errorf("failed to persist rotated key: %w", err)
	}

	now := time.Now()
	if err := r.writeMetadata(&keyMetadata{
		Version:   newBox.Version(),
		RotatedAt: now.UnixMilli(),
		NextDueAt: now.Add(r.period).UnixMilli(),
	}); err != nil {
		r.logger.Warn("Failed to update rotation metadata", zap.Error(err))
	}

	r.auditor.Log(ctx, EventKeyRotated, SeverityInfo, "", map[string]any{
		"old_version": oldVersion,
		"new_version": newBox.Version(),
	})
	r.logger.Info("Rotated master encryption key",
		zap.Int("old_version", oldVersion),
		zap.Int("new_version", newBox.Version()))
	return nil
}

// CurrentKeyVersion reads the active key version from the rotation
// metadata file. A missing or unreadable file means the key has never
// been rotated.
func CurrentKeyVersion(dataDir string) int {
	raw, err := os.ReadFile(filepath.Join(dataDir, KeysFileName))
	if err != nil {
		return 1
	}
	var meta keyMetadata
	if err := json.Unmarshal(raw, &meta); err != nil || meta.Version < 1 {
		return 1
	}
	return meta.Version
}

func (r *Rotator) metadataPath() string {
	return filepath.Join(r.dataDir, KeysFileName)
}

func (r *Rotator) readMetadata() (*keyMetadata, error) {
	raw, err := os.ReadFile(r.metadataPath())
	if err != nil {
		return nil, err
	}
	var meta keyMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", KeysFileName, err)
	}
	return &meta, nil
}

func (r *Rotator) writeMetadata(meta *keyMetadata) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.metadataPath(), raw, 0o600)
}
