package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
)

// UpsertToolPreference inserts or replaces the row for the preference's
// (server, tool, client) tuple.
func (s *Store) UpsertToolPreference(ctx context.Context, p *contracts.ToolPreference) error {
	var clientID sql.NullString
	if p.ClientID != nil {
		clientID = sql.NullString{String: *p.ClientID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_prefs
			(server_id, tool_name, client_id, enabled, original_description,
			 custom_name, custom_description)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id, tool_name, COALESCE(client_id, '')) DO UPDATE SET
			enabled = excluded.enabled,
			original_description = excluded.original_description,
			custom_name = excluded.custom_name,
			custom_description = excluded.custom_description`,
		p.ServerID, p.ToolName, clientID, boolInt(p.Enabled),
		nullString(p.OriginalDescription), nullPtr(p.CustomName),
		nullPtr(p.CustomDescription))
	if err != nil {
		return wrapStore("upsert-tool-pref", err)
	}
	return nil
}

// GetToolPreference fetches the exact row for the tuple; clientID nil means
// the global scope. Returns ErrNotFound when no row exists.
func (s *Store) GetToolPreference(ctx context.Context, serverID, toolName string, clientID *string) (*contracts.ToolPreference, error) {
	query := `
		SELECT server_id, tool_name, client_id, enabled, original_description,
			custom_name, custom_description
		FROM tool_prefs WHERE server_id = ? AND tool_name = ? AND `
	args := []any{serverID, toolName}
	if clientID == nil {
		query += `client_id IS NULL`
	} else {
		query += `client_id = ?`
		args = append(args, *clientID)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	return scanToolPref(row)
}

// ListToolPreferences returns all rows in one (server, client) scope.
func (s *Store) ListToolPreferences(ctx context.Context, serverID string, clientID *string) ([]*contracts.ToolPreference, error) {
	query := `
		SELECT server_id, tool_name, client_id, enabled, original_description,
			custom_name, custom_description
		FROM tool_prefs WHERE server_id = ? AND `
	args := []any{serverID}
	if clientID == nil {
		query += `client_id IS NULL`
	} else {
		query += `client_id = ?`
		args = append(args, *clientID)
	}
	query += ` ORDER BY tool_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStore("list-tool-prefs", err)
	}
	defer rows.Close()

	var out []*contracts.ToolPreference
	for rows.Next() {
		p, err := scanToolPref(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListToolNames returns the distinct tool names with a global row for a
// server; used by discovery cleanup.
func (s *Store) ListToolNames(ctx context.Context, serverID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tool_name FROM tool_prefs WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, wrapStore("list-tool-names", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapStore("list-tool-names", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteToolPreferences removes every row (global and client-specific) for
// the named tools of a server.
func (s *Store) DeleteToolPreferences(ctx context.Context, serverID string, toolNames []string) error {
	if len(toolNames) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(toolNames)), ",")
	args := make([]any, 0, len(toolNames)+1)
	args = append(args, serverID)
	for _, name := range toolNames {
		args = append(args, name)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_prefs WHERE server_id = ? AND tool_name IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return wrapStore("delete-tool-prefs", err)
	}
	return nil
}

// SetAllToolsEnabled flips the enabled flag for every row in one scope.
func (s *Store) SetAllToolsEnabled(ctx context.Context, serverID string, clientID *string, enabled bool) error {
	query := `UPDATE tool_prefs SET enabled = ? WHERE server_id = ? AND `
	args := []any{boolInt(enabled), serverID}
	if clientID == nil {
		query += `client_id IS NULL`
	} else {
		query += `client_id = ?`
		args = append(args, *clientID)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return wrapStore("set-all-tools", err)
	}
	return nil
}

// ResetToolPreferences drops every row in one scope, restoring the implicit
// enabled default (for the global scope) or the global cascade (for a
// client scope).
func (s *Store) ResetToolPreferences(ctx context.Context, serverID string, clientID *string) error {
	query := `DELETE FROM tool_prefs WHERE server_id = ? AND `
	args := []any{serverID}
	if clientID == nil {
		query += `client_id IS NULL`
	} else {
		query += `client_id = ?`
		args = append(args, *clientID)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return wrapStore("reset-tool-prefs", err)
	}
	return nil
}

func scanToolPref(row rowScanner) (*contracts.ToolPreference, error) {
	var p contracts.ToolPreference
	var clientID, origDesc, customName, customDesc sql.NullString
	var enabled int
	err := row.Scan(&p.ServerID, &p.ToolName, &clientID, &enabled,
		&origDesc, &customName, &customDesc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, wrapStore("scan-tool-pref", err)
	}
	if clientID.Valid {
		p.ClientID = &clientID.String
	}
	p.Enabled = enabled != 0
	p.OriginalDescription = fromNull(origDesc)
	if customName.Valid {
		p.CustomName = &customName.String
	}
	if customDesc.Valid {
		p.CustomDescription = &customDesc.String
	}
	return &p, nil
}

func nullPtr(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
