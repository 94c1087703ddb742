package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
)

// Migration is one named, ordered schema-evolution step. Up must be
// idempotent against partially-applied states: introspect the schema before
// altering it. Down is optional; when present it is attempted after a
// failed Up before startup aborts.
type Migration struct {
	ID          string
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// Migrate applies pending migrations in order inside transactions.
// Re-running against an up-to-date database makes zero schema changes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS migrations (
			id         TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return &contracts.MigrationError{ID: "bootstrap", Err: err}
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM migrations`)
	if err != nil {
		return &contracts.MigrationError{ID: "bootstrap", Err: err}
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return &contracts.MigrationError{ID: "bootstrap", Err: err}
		}
		applied[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return &contracts.MigrationError{ID: "bootstrap", Err: err}
	}

	for _, m := range schemaMigrations {
		if applied[m.ID] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		s.logger.Info("Applied schema migration",
			zap.String("id", m.ID),
			zap.String("description", m.Description))
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.Up(ctx, tx); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO migrations (id, applied_at) VALUES (?, ?)`,
			m.ID, contracts.NowMillis())
		return err
	})
	if err == nil {
		return nil
	}

	// The forward transaction rolled back. When a reverse step exists,
	// attempt it best-effort against whatever state remains, then abort
	// startup either way.
	if m.Down != nil {
		s.logger.Warn("Migration failed, attempting reverse step",
			zap.String("id", m.ID), zap.Error(err))
		if revErr := s.WithTx(ctx, func(tx *sql.Tx) error {
			return m.Down(ctx, tx)
		}); revErr != nil {
			s.logger.Error("Reverse step failed", zap.String("id", m.ID), zap.Error(revErr))
		}
	}
	return &contracts.MigrationError{ID: m.ID, Err: err}
}

// SchemaVersion returns the id of the newest applied migration, or "".
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM migrations ORDER BY id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &contracts.StoreError{Op: "schema-version", Err: err}
	}
	return id, nil
}

// tableHasColumn introspects the live schema so ALTER steps stay idempotent
// against a partially-applied database.
func tableHasColumn(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

var schemaMigrations = []Migration{
	{
		ID:          "0001_initial",
		Description: "servers, clients, tokens, tool preferences, oauth tables",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS servers (
					id                   TEXT PRIMARY KEY,
					name                 TEXT NOT NULL UNIQUE,
					server_type          TEXT NOT NULL,
					command              TEXT,
					args                 TEXT,
					env                  TEXT,
					remote_url           TEXT,
					bearer_token         TEXT,
					input_params         TEXT,
					auto_start           INTEGER NOT NULL DEFAULT 0,
					disabled             INTEGER NOT NULL DEFAULT 0,
					latest_known_version TEXT,
					tool_permissions     TEXT,
					created              INTEGER NOT NULL,
					updated              INTEGER NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS clients (
					id          TEXT PRIMARY KEY,
					name        TEXT NOT NULL,
					description TEXT,
					created     INTEGER NOT NULL,
					updated     INTEGER NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS tokens (
					id        TEXT PRIMARY KEY,
					client_id TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
					scopes    TEXT,
					issued_at INTEGER NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_tokens_client ON tokens(client_id)`,
				`CREATE TABLE IF NOT EXISTS token_servers (
					token_id  TEXT NOT NULL REFERENCES tokens(id) ON DELETE CASCADE,
					server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
					PRIMARY KEY (token_id, server_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_token_servers_server ON token_servers(server_id)`,
				`CREATE TABLE IF NOT EXISTS tool_prefs (
					server_id            TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
					tool_name            TEXT NOT NULL,
					client_id            TEXT REFERENCES clients(id) ON DELETE CASCADE,
					enabled              INTEGER NOT NULL DEFAULT 1,
					original_description TEXT,
					custom_name          TEXT,
					custom_description   TEXT
				)`,
				// SQLite treats NULLs as distinct in UNIQUE constraints, so the
				// global scope (client_id NULL) needs a COALESCE index to stay
				// one-row-per-tuple.
				`CREATE UNIQUE INDEX IF NOT EXISTS ux_tool_prefs
					ON tool_prefs(server_id, tool_name, COALESCE(client_id, ''))`,
				`CREATE INDEX IF NOT EXISTS idx_tool_prefs_server ON tool_prefs(server_id)`,
				`CREATE INDEX IF NOT EXISTS idx_tool_prefs_client ON tool_prefs(client_id)`,
				`CREATE TABLE IF NOT EXISTS oauth_configs (
					server_id              TEXT PRIMARY KEY REFERENCES servers(id) ON DELETE CASCADE,
					provider               TEXT NOT NULL,
					discovery_url          TEXT,
					client_id              TEXT,
					client_secret          TEXT,
					scopes                 TEXT,
					grant_type             TEXT,
					authorization_endpoint TEXT,
					token_endpoint         TEXT,
					revocation_endpoint    TEXT,
					introspection_endpoint TEXT,
					userinfo_endpoint      TEXT,
					use_pkce               INTEGER NOT NULL DEFAULT 1,
					dynamic_registration   INTEGER NOT NULL DEFAULT 0,
					audience               TEXT,
					additional_params      TEXT
				)`,
				`CREATE TABLE IF NOT EXISTS oauth_tokens (
					server_id     TEXT PRIMARY KEY REFERENCES servers(id) ON DELETE CASCADE,
					access_token  TEXT NOT NULL,
					refresh_token TEXT,
					id_token      TEXT,
					token_type    TEXT,
					expires_at    INTEGER,
					scopes        TEXT,
					refresh_count INTEGER NOT NULL DEFAULT 0,
					last_used     INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE INDEX IF NOT EXISTS idx_oauth_tokens_expires ON oauth_tokens(expires_at)`,
				`CREATE TABLE IF NOT EXISTS oauth_auth_states (
					state          TEXT PRIMARY KEY,
					server_id      TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
					code_verifier  TEXT,
					code_challenge TEXT,
					redirect_uri   TEXT NOT NULL,
					scopes         TEXT,
					created_at     INTEGER NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_auth_states_state ON oauth_auth_states(state)`,
				`CREATE INDEX IF NOT EXISTS idx_auth_states_created ON oauth_auth_states(created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_auth_states_server ON oauth_auth_states(server_id)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("exec %.40q: %w", stmt, err)
				}
			}
			return nil
		},
	},
	{
		ID:          "0002_audit_log",
		Description: "append-only audit log table",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`CREATE TABLE IF NOT EXISTS audit_log (
					id         TEXT PRIMARY KEY,
					ts         INTEGER NOT NULL,
					event_type TEXT NOT NULL,
					severity   TEXT NOT NULL,
					server_id  TEXT,
					details    TEXT
				)`); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts)`)
			return err
		},
		Down: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS audit_log`)
			return err
		},
	},
	{
		ID:          "0003_oauth_dynamic_registration",
		Description: "persist RFC 7591 registration management credentials",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			for _, col := range []string{"registration_client_uri", "registration_access_token"} {
				has, err := tableHasColumn(ctx, tx, "oauth_configs", col)
				if err != nil {
					return err
				}
				if has {
					continue
				}
				if _, err := tx.ExecContext(ctx,
					fmt.Sprintf(`ALTER TABLE oauth_configs ADD COLUMN %s TEXT`, col)); err != nil {
					return err
				}
			}
			return nil
		},
		Down: func(ctx context.Context, tx *sql.Tx) error {
			for _, col := range []string{"registration_client_uri", "registration_access_token"} {
				has, err := tableHasColumn(ctx, tx, "oauth_configs", col)
				if err != nil {
					return err
				}
				if !has {
					continue
				}
				if _, err := tx.ExecContext(ctx,
					fmt.Sprintf(`ALTER TABLE oauth_configs DROP COLUMN %s`, col)); err != nil {
					return err
				}
			}
			return nil
		},
	},
}
