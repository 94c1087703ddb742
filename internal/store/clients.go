package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
)

// CreateClient persists a new API client.
func (s *Store) CreateClient(ctx context.Context, c *contracts.Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, description, created, updated)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, nullString(c.Description), c.Created, c.Updated)
	if err != nil {
		return wrapStore("create-client", err)
	}
	return nil
}

// GetClient loads one client by id.
func (s *Store) GetClient(ctx context.Context, id string) (*contracts.Client, error) {
	var (
		c    contracts.Client
		desc sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created, updated
		FROM clients WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &desc, &c.Created, &c.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, wrapStore("get-client", err)
	}
	c.Description = fromNull(desc)
	return &c, nil
}

// GetClientByName loads one client by name.
func (s *Store) GetClientByName(ctx context.Context, name string) (*contracts.Client, error) {
	var (
		c    contracts.Client
		desc sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created, updated
		FROM clients WHERE name = ?`, name).
		Scan(&c.ID, &c.Name, &desc, &c.Created, &c.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, wrapStore("get-client-by-name", err)
	}
	c.Description = fromNull(desc)
	return &c, nil
}

// ListClients returns every client ordered by name.
func (s *Store) ListClients(ctx context.Context) ([]*contracts.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, created, updated
		FROM clients ORDER BY name`)
	if err != nil {
		return nil, wrapStore("list-clients", err)
	}
	defer rows.Close()

	var out []*contracts.Client
	for rows.Next() {
		var (
			c    contracts.Client
			desc sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &desc, &c.Created, &c.Updated); err != nil {
			return nil, wrapStore("list-clients", err)
		}
		c.Description = fromNull(desc)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteClient removes the client; its tokens and client-scoped tool
// preferences cascade.
func (s *Store) DeleteClient(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return wrapStore("delete-client", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.ErrNotFound
	}
	return nil
}
