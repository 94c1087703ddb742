package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/crypto"
)

// SaveOAuthConfig inserts or replaces the per-server OAuth configuration.
// The client secret and registration access token are encrypted.
func (s *Store) SaveOAuthConfig(ctx context.Context, cfg *contracts.OAuthConfig) error {
	secret, err := s.encrypt(cfg.ClientSecret)
	if err != nil {
		return err
	}
	regToken, err := s.encrypt(cfg.RegistrationAccessToken)
	if err != nil {
		return err
	}
	scopes, err := marshalJSON(cfg.Scopes)
	if err != nil {
		return wrapStore("save-oauth-config", err)
	}
	extra, err := marshalJSON(cfg.AdditionalParams)
	if err != nil {
		return wrapStore("save-oauth-config", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_configs
			(server_id, provider, discovery_url, client_id, client_secret,
			 scopes, grant_type, authorization_endpoint, token_endpoint,
			 revocation_endpoint, introspection_endpoint, userinfo_endpoint,
			 use_pkce, dynamic_registration, audience, additional_params,
			 registration_client_uri, registration_access_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id) DO UPDATE SET
			provider = excluded.provider,
			discovery_url = excluded.discovery_url,
			client_id = excluded.client_id,
			client_secret = excluded.client_secret,
			scopes = excluded.scopes,
			grant_type = excluded.grant_type,
			authorization_endpoint = excluded.authorization_endpoint,
			token_endpoint = excluded.token_endpoint,
			revocation_endpoint = excluded.revocation_endpoint,
			introspection_endpoint = excluded.introspection_endpoint,
			userinfo_endpoint = excluded.userinfo_endpoint,
			use_pkce = excluded.use_pkce,
			dynamic_registration = excluded.dynamic_registration,
			audience = excluded.audience,
			additional_params = excluded.additional_params,
			registration_client_uri = excluded.registration_client_uri,
			registration_access_token = excluded.registration_access_token`,
		cfg.ServerID, cfg.Provider, nullString(cfg.DiscoveryURL),
		nullString(cfg.ClientID), nullString(secret), nullString(scopes),
		nullString(cfg.GrantType), nullString(cfg.AuthorizationEndpoint),
		nullString(cfg.TokenEndpoint), nullString(cfg.RevocationEndpoint),
		nullString(cfg.IntrospectionEndpoint), nullString(cfg.UserinfoEndpoint),
		boolInt(cfg.UsePKCE), boolInt(cfg.DynamicRegistration),
		nullString(cfg.Audience), nullString(extra),
		nullString(cfg.RegistrationClientURI), nullString(regToken))
	if err != nil {
		return wrapStore("save-oauth-config", err)
	}
	return nil
}

// GetOAuthConfig loads the configuration for a server.
func (s *Store) GetOAuthConfig(ctx context.Context, serverID string) (*contracts.OAuthConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT server_id, provider, discovery_url, client_id, client_secret,
			scopes, grant_type, authorization_endpoint, token_endpoint,
			revocation_endpoint, introspection_endpoint, userinfo_endpoint,
			use_pkce, dynamic_registration, audience, additional_params,
			registration_client_uri, registration_access_token
		FROM oauth_configs WHERE server_id = ?`, serverID)

	var cfg contracts.OAuthConfig
	var discoveryURL, clientID, secret, scopes, grantType sql.NullString
	var authEP, tokenEP, revokeEP, introspectEP, userinfoEP sql.NullString
	var audience, extra, regURI, regToken sql.NullString
	var usePKCE, dynReg int

	err := row.Scan(&cfg.ServerID, &cfg.Provider, &discoveryURL, &clientID,
		&secret, &scopes, &grantType, &authEP, &tokenEP, &revokeEP,
		&introspectEP, &userinfoEP, &usePKCE, &dynReg, &audience, &extra,
		&regURI, &regToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, wrapStore("get-oauth-config", err)
	}

	cfg.DiscoveryURL = fromNull(discoveryURL)
	cfg.ClientID = fromNull(clientID)
	if cfg.ClientSecret, err = s.decrypt(fromNull(secret)); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(fromNull(scopes), &cfg.Scopes); err != nil {
		return nil, wrapStore("get-oauth-config", err)
	}
	cfg.GrantType = fromNull(grantType)
	cfg.AuthorizationEndpoint = fromNull(authEP)
	cfg.TokenEndpoint = fromNull(tokenEP)
	cfg.RevocationEndpoint = fromNull(revokeEP)
	cfg.IntrospectionEndpoint = fromNull(introspectEP)
	cfg.UserinfoEndpoint = fromNull(userinfoEP)
	cfg.UsePKCE = usePKCE != 0
	cfg.DynamicRegistration = dynReg != 0
	cfg.Audience = fromNull(audience)
	if err := unmarshalJSON(fromNull(extra), &cfg.AdditionalParams); err != nil {
		return nil, wrapStore("get-oauth-config", err)
	}
	cfg.RegistrationClientURI = fromNull(regURI)
	if cfg.RegistrationAccessToken, err = s.decrypt(fromNull(regToken)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListOAuthConfigs returns every configured server's OAuth configuration.
func (s *Store) ListOAuthConfigs(ctx context.Context) ([]*contracts.OAuthConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT server_id FROM oauth_configs ORDER BY server_id`)
	if err != nil {
		return nil, wrapStore("list-oauth-configs", err)
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, wrapStore("list-oauth-configs", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapStore("list-oauth-configs", err)
	}

	out := make([]*contracts.OAuthConfig, 0, len(ids))
	for _, id := range ids {
		cfg, err := s.GetOAuthConfig(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// DeleteOAuthConfig removes the configuration for a server.
func (s *Store) DeleteOAuthConfig(ctx context.Context, serverID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_configs WHERE server_id = ?`, serverID); err != nil {
		return wrapStore("delete-oauth-config", err)
	}
	return nil
}

// SaveOAuthToken inserts or replaces the token row for a server. Token
// values are encrypted; at most one row exists per server.
func (s *Store) SaveOAuthToken(ctx context.Context, tok *contracts.OAuthToken) error {
	access, err := s.encrypt(tok.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.encrypt(tok.RefreshToken)
	if err != nil {
		return err
	}
	idToken, err := s.encrypt(tok.IDToken)
	if err != nil {
		return err
	}
	scopes, err := marshalJSON(tok.Scopes)
	if err != nil {
		return wrapStore("save-oauth-token", err)
	}

	var expiresAt sql.NullInt64
	if tok.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: *tok.ExpiresAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens
			(server_id, access_token, refresh_token, id_token, token_type,
			 expires_at, scopes, refresh_count, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			id_token = excluded.id_token,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes,
			refresh_count = excluded.refresh_count,
			last_used = excluded.last_used`,
		tok.ServerID, access, nullString(refresh), nullString(idToken),
		nullString(tok.TokenType), expiresAt, nullString(scopes),
		tok.RefreshCount, tok.LastUsed)
	if err != nil {
		return wrapStore("save-oauth-token", err)
	}
	return nil
}

// GetOAuthToken loads and decrypts the token row for a server.
func (s *Store) GetOAuthToken(ctx context.Context, serverID string) (*contracts.OAuthToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT server_id, access_token, refresh_token, id_token, token_type,
			expires_at, scopes, refresh_count, last_used
		FROM oauth_tokens WHERE server_id = ?`, serverID)

	var tok contracts.OAuthToken
	var access string
	var refresh, idToken, tokenType, scopes sql.NullString
	var expiresAt sql.NullInt64

	err := row.Scan(&tok.ServerID, &access, &refresh, &idToken, &tokenType,
		&expiresAt, &scopes, &tok.RefreshCount, &tok.LastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, wrapStore("get-oauth-token", err)
	}

	if tok.AccessToken, err = s.decrypt(access); err != nil {
		return nil, err
	}
	if tok.RefreshToken, err = s.decrypt(fromNull(refresh)); err != nil {
		return nil, err
	}
	if tok.IDToken, err = s.decrypt(fromNull(idToken)); err != nil {
		return nil, err
	}
	tok.TokenType = fromNull(tokenType)
	if expiresAt.Valid {
		tok.ExpiresAt = &expiresAt.Int64
	}
	if err := unmarshalJSON(fromNull(scopes), &tok.Scopes); err != nil {
		return nil, wrapStore("get-oauth-token", err)
	}
	return &tok, nil
}

// ListOAuthTokens returns every server's decrypted token row.
func (s *Store) ListOAuthTokens(ctx context.Context) ([]*contracts.OAuthToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT server_id FROM oauth_tokens ORDER BY server_id`)
	if err != nil {
		return nil, wrapStore("list-oauth-tokens", err)
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, wrapStore("list-oauth-tokens", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapStore("list-oauth-tokens", err)
	}

	out := make([]*contracts.OAuthToken, 0, len(ids))
	for _, id := range ids {
		tok, err := s.GetOAuthToken(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, nil
}

// DeleteOAuthToken removes the token row for a server.
func (s *Store) DeleteOAuthToken(ctx context.Context, serverID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE server_id = ?`, serverID); err != nil {
		return wrapStore("delete-oauth-token", err)
	}
	return nil
}

// SaveAuthState persists an in-flight authorization; the PKCE verifier is
// encrypted.
func (s *Store) SaveAuthState(ctx context.Context, st *contracts.AuthState) error {
	verifier, err := s.encrypt(st.CodeVerifier)
	if err != nil {
		return err
	}
	scopes, err := marshalJSON(st.Scopes)
	if err != nil {
		return wrapStore("save-auth-state", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_auth_states
			(state, server_id, code_verifier, code_challenge, redirect_uri,
			 scopes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.State, st.ServerID, nullString(verifier),
		nullString(st.CodeChallenge), st.RedirectURI, nullString(scopes),
		st.CreatedAt)
	if err != nil {
		return wrapStore("save-auth-state", err)
	}
	return nil
}

// GetAuthState loads an in-flight authorization by its state parameter.
func (s *Store) GetAuthState(ctx context.Context, state string) (*contracts.AuthState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state, server_id, code_verifier, code_challenge, redirect_uri,
			scopes, created_at
		FROM oauth_auth_states WHERE state = ?`, state)

	var st contracts.AuthState
	var verifier, challenge, scopes sql.NullString
	err := row.Scan(&st.State, &st.ServerID, &verifier, &challenge,
		&st.RedirectURI, &scopes, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, wrapStore("get-auth-state", err)
	}

	if st.CodeVerifier, err = s.decrypt(fromNull(verifier)); err != nil {
		return nil, err
	}
	st.CodeChallenge = fromNull(challenge)
	if err := unmarshalJSON(fromNull(scopes), &st.Scopes); err != nil {
		return nil, wrapStore("get-auth-state", err)
	}
	return &st, nil
}

// DeleteAuthState removes a completed or abandoned authorization row.
func (s *Store) DeleteAuthState(ctx context.Context, state string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_auth_states WHERE state = ?`, state); err != nil {
		return wrapStore("delete-auth-state", err)
	}
	return nil
}

// PruneAuthStates garbage-collects rows created before the cutoff and
// returns the number removed.
func (s *Store) PruneAuthStates(ctx context.Context, cutoffMillis int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_auth_states WHERE created_at < ?`, cutoffMillis)
	if err != nil {
		return 0, wrapStore("prune-auth-states", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReencryptAll rewrites every encrypted column under newBox inside a single
// transaction, then swaps the store's box. Failure leaves the old key
// authoritative.
func (s *Store) ReencryptAll(ctx context.Context, newBox *crypto.Box) error {
	oldBox := s.Box()

	reencrypt := func(ciphertext string) (string, error) {
		plain, err := oldBox.Decrypt(ciphertext)
		if err != nil {
			return "", err
		}
		return newBox.Encrypt(plain)
	}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := reencryptColumns(ctx, tx, reencrypt, "oauth_tokens", "server_id",
			"access_token", "refresh_token", "id_token"); err != nil {
			return err
		}
		if err := reencryptColumns(ctx, tx, reencrypt, "oauth_configs", "server_id",
			"client_secret", "registration_access_token"); err != nil {
			return err
		}
		if err := reencryptColumns(ctx, tx, reencrypt, "oauth_auth_states", "state",
			"code_verifier"); err != nil {
			return err
		}
		return reencryptColumns(ctx, tx, reencrypt, "servers", "id",
			"args", "env", "remote_url", "bearer_token", "input_params")
	})
	if err != nil {
		return err
	}
	s.SetBox(newBox)
	return nil
}

func reencryptColumns(ctx context.Context, tx *sql.Tx, fn func(string) (string, error), table, keyCol string, cols ...string) error {
	colList := keyCol
	for _, c := range cols {
		colList += ", " + c
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+colList+` FROM `+table)
	if err != nil {
		return wrapStore("reencrypt", err)
	}

	type rowUpdate struct {
		key    string
		values []sql.NullString
	}
	var updates []rowUpdate
	for rows.Next() {
		u := rowUpdate{values: make([]sql.NullString, len(cols))}
		dest := make([]any, 0, len(cols)+1)
		dest = append(dest, &u.key)
		for i := range u.values {
			dest = append(dest, &u.values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return wrapStore("reencrypt", err)
		}
		updates = append(updates, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapStore("reencrypt", err)
	}

	for _, u := range updates {
		set := ""
		args := make([]any, 0, len(cols)+1)
		for i, c := range cols {
			if i > 0 {
				set += ", "
			}
			set += c + " = ?"
			if !u.values[i].Valid {
				args = append(args, sql.NullString{})
				continue
			}
			next, err := fn(u.values[i].String)
			if err != nil {
				return err
			}
			args = append(args, nullString(next))
		}
		args = append(args, u.key)
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET `+set+` WHERE `+keyCol+` = ?`, args...); err != nil {
			return wrapStore("reencrypt", err)
		}
	}
	return nil
}
