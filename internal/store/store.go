// Package store implements the broker's transactional persistence on a
// single-file SQLite database. It owns the schema-evolution runner and is
// the authoritative consistency barrier between components.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/crypto"
)

// DBFileName is the relational store file under the data directory.
const DBFileName = "store.db"

// Store wraps the SQLite database plus the encryption box used for
// sensitive columns. SQLite serializes writers; readers outside a
// transaction may observe any committed state.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	boxMu sync.RWMutex
	box   *crypto.Box
}

// Open opens (or creates) the store file with WAL durability and foreign
// keys enforced, then applies pending schema migrations. A migration
// failure aborts startup.
func Open(ctx context.Context, dataDir string, box *crypto.Box, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		filepath.Join(dataDir, DBFileName))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &contracts.StoreError{Op: "open", Err: err}
	}

	s := &Store{db: db, box: box, logger: logger.Named("store")}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests and the governance layer.
func (s *Store) DB() *sql.DB { return s.db }

// Box returns the current encryption box.
func (s *Store) Box() *crypto.Box {
	s.boxMu.RLock()
	defer s.boxMu.RUnlock()
	return s.box
}

// SetBox swaps the encryption box after a committed key rotation.
func (s *Store) SetBox(box *crypto.Box) {
	s.boxMu.Lock()
	defer s.boxMu.Unlock()
	s.box = box
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.StoreError{Op: "begin", Err: err}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &contracts.StoreError{Op: "commit", Err: err}
	}
	return nil
}

func (s *Store) encrypt(plaintext string) (string, error) {
	return s.Box().Encrypt(plaintext)
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	return s.Box().Decrypt(ciphertext)
}

// encryptJSON marshals v and encrypts the result; nil-ish values encrypt to
// the empty string.
func (s *Store) encryptJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return "", nil
	}
	return s.encrypt(string(raw))
}

func (s *Store) decryptJSON(ciphertext string, out any) error {
	plain, err := s.decrypt(ciphertext)
	if err != nil {
		return err
	}
	if plain == "" {
		return nil
	}
	return json.Unmarshal([]byte(plain), out)
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return "", nil
	}
	return string(raw), nil
}

func unmarshalJSON(raw string, out any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

// nullString maps "" to SQL NULL so optional text columns stay NULL.
func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func fromNull(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}
