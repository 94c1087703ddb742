package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
)

// CreateToken persists a token and its server grants in one transaction.
func (s *Store) CreateToken(ctx context.Context, t *contracts.Token) error {
	scopes, err := marshalJSON(t.Scopes)
	if err != nil {
		return wrapStore("create-token", err)
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tokens (id, client_id, scopes, issued_at)
			VALUES (?, ?, ?, ?)`,
			t.ID, t.ClientID, nullString(scopes), t.IssuedAt); err != nil {
			return wrapStore("create-token", err)
		}
		for _, serverID := range t.ServerIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO token_servers (token_id, server_id) VALUES (?, ?)`,
				t.ID, serverID); err != nil {
				return wrapStore("create-token", err)
			}
		}
		return nil
	})
}

// GetToken loads a token with its current server grant set. Server
// deletions shrink the set through the token_servers cascade, so the
// returned ServerIDs always reflect live servers.
func (s *Store) GetToken(ctx context.Context, id string) (*contracts.Token, error) {
	var (
		t      contracts.Token
		scopes sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, scopes, issued_at FROM tokens WHERE id = ?`, id).
		Scan(&t.ID, &t.ClientID, &scopes, &t.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, wrapStore("get-token", err)
	}
	if err := unmarshalJSON(fromNull(scopes), &t.Scopes); err != nil {
		return nil, wrapStore("get-token", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id FROM token_servers WHERE token_id = ? ORDER BY server_id`, id)
	if err != nil {
		return nil, wrapStore("get-token", err)
	}
	defer rows.Close()
	for rows.Next() {
		var serverID string
		if err := rows.Scan(&serverID); err != nil {
			return nil, wrapStore("get-token", err)
		}
		t.ServerIDs = append(t.ServerIDs, serverID)
	}
	return &t, rows.Err()
}

// ListTokensByClient returns every token issued to a client.
func (s *Store) ListTokensByClient(ctx context.Context, clientID string) ([]*contracts.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tokens WHERE client_id = ? ORDER BY issued_at`, clientID)
	if err != nil {
		return nil, wrapStore("list-tokens", err)
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, wrapStore("list-tokens", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapStore("list-tokens", err)
	}

	out := make([]*contracts.Token, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetToken(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteToken revokes a token; its server grants cascade.
func (s *Store) DeleteToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	if err != nil {
		return wrapStore("delete-token", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.ErrNotFound
	}
	return nil
}
