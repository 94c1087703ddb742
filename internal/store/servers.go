package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
)

// Sensitive server fields (args, env, remote URL, bearer token, input
// params) live in encrypted columns; see the data-handling decision in
// DESIGN.md.

const serverColumns = `id, name, server_type, command, args, env, remote_url,
	bearer_token, input_params, auto_start, disabled, latest_known_version,
	tool_permissions, created, updated`

// CreateServer persists a new server record. Name collisions surface as a
// StoreError from the unique constraint.
func (s *Store) CreateServer(ctx context.Context, srv *contracts.Server) error {
	args, err := s.encryptJSON(srv.Args)
	if err != nil {
		return wrapStore("create-server", err)
	}
	env, err := s.encryptJSON(srv.Env)
	if err != nil {
		return wrapStore("create-server", err)
	}
	remoteURL, err := s.encrypt(srv.RemoteURL)
	if err != nil {
		return wrapStore("create-server", err)
	}
	bearer, err := s.encrypt(srv.BearerToken)
	if err != nil {
		return wrapStore("create-server", err)
	}
	params, err := s.encryptJSON(srv.InputParams)
	if err != nil {
		return wrapStore("create-server", err)
	}
	perms, err := marshalJSON(srv.ToolPermissions)
	if err != nil {
		return wrapStore("create-server", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.Name, string(srv.ServerType), nullString(srv.Command),
		nullString(args), nullString(env), nullString(remoteURL),
		nullString(bearer), nullString(params),
		boolInt(srv.AutoStart), boolInt(srv.Disabled),
		nullString(srv.LatestKnownVersion), nullString(perms),
		srv.Created, srv.Updated)
	if err != nil {
		return wrapStore("create-server", err)
	}
	return nil
}

// UpdateServer rewrites every mutable column of an existing record.
func (s *Store) UpdateServer(ctx context.Context, srv *contracts.Server) error {
	args, err := s.encryptJSON(srv.Args)
	if err != nil {
		return wrapStore("update-server", err)
	}
	env, err := s.encryptJSON(srv.Env)
	if err != nil {
		return wrapStore("update-server", err)
	}
	remoteURL, err := s.encrypt(srv.RemoteURL)
	if err != nil {
		return wrapStore("update-server", err)
	}
	bearer, err := s.encrypt(srv.BearerToken)
	if err != nil {
		return wrapStore("update-server", err)
	}
	params, err := s.encryptJSON(srv.InputParams)
	if err != nil {
		return wrapStore("update-server", err)
	}
	perms, err := marshalJSON(srv.ToolPermissions)
	if err != nil {
		return wrapStore("update-server", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET name = ?, server_type = ?, command = ?, args = ?,
			env = ?, remote_url = ?, bearer_token = ?, input_params = ?,
			auto_start = ?, disabled = ?, latest_known_version = ?,
			tool_permissions = ?, updated = ?
		WHERE id = ?`,
		srv.Name, string(srv.ServerType), nullString(srv.Command),
		nullString(args), nullString(env), nullString(remoteURL),
		nullString(bearer), nullString(params),
		boolInt(srv.AutoStart), boolInt(srv.Disabled),
		nullString(srv.LatestKnownVersion), nullString(perms),
		contracts.NowMillis(), srv.ID)
	if err != nil {
		return wrapStore("update-server", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

// GetServer loads one server by id.
func (s *Store) GetServer(ctx context.Context, id string) (*contracts.Server, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	return s.scanServer(row)
}

// GetServerByName loads one server by its unique name.
func (s *Store) GetServerByName(ctx context.Context, name string) (*contracts.Server, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE name = ?`, name)
	return s.scanServer(row)
}

// ListServers returns every persisted server ordered by name.
func (s *Store) ListServers(ctx context.Context) ([]*contracts.Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, wrapStore("list-servers", err)
	}
	defer rows.Close()

	var out []*contracts.Server
	for rows.Next() {
		srv, err := s.scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// DeleteServer removes the record. Foreign keys cascade the deletion into
// token_servers, tool_prefs and the oauth tables.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return wrapStore("delete-server", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanServer(row rowScanner) (*contracts.Server, error) {
	var (
		srv                                        contracts.Server
		serverType                                 string
		command, args, env, remoteURL              sql.NullString
		bearer, params, latestVersion, permissions sql.NullString
		autoStart, disabled                        int
	)
	err := row.Scan(&srv.ID, &srv.Name, &serverType, &command, &args, &env,
		&remoteURL, &bearer, &params, &autoStart, &disabled,
		&latestVersion, &permissions, &srv.Created, &srv.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, wrapStore("scan-server", err)
	}

	srv.ServerType = contracts.ServerType(serverType)
	srv.Command = fromNull(command)
	srv.AutoStart = autoStart != 0
	srv.Disabled = disabled != 0
	srv.LatestKnownVersion = fromNull(latestVersion)

	if err := s.decryptJSON(fromNull(args), &srv.Args); err != nil {
		return nil, err
	}
	if err := s.decryptJSON(fromNull(env), &srv.Env); err != nil {
		return nil, err
	}
	if srv.RemoteURL, err = s.decrypt(fromNull(remoteURL)); err != nil {
		return nil, err
	}
	if srv.BearerToken, err = s.decrypt(fromNull(bearer)); err != nil {
		return nil, err
	}
	if err := s.decryptJSON(fromNull(params), &srv.InputParams); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(fromNull(permissions), &srv.ToolPermissions); err != nil {
		return nil, wrapStore("scan-server", err)
	}
	return &srv, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func wrapStore(op string, err error) error {
	return &contracts.StoreError{Op: op, Err: err}
}
