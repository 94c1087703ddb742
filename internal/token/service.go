// Package token issues and validates the opaque bearer credentials that
// downstream API clients present to the Router Gate.
package token

import (
	"context"
	"crypto/subtle"
	"errors"

	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/crypto"
	"github.com/mcpbroker/mcpbroker-go/internal/store"
)

// Identity is the result of validating a presented token.
type Identity struct {
	ClientID  string
	ServerIDs []string
	Scopes    []string
}

// Service is the single source of truth for which tokens exist and what
// they can see.
type Service struct {
	store  *store.Store
	logger *zap.Logger
}

// NewService creates the token service.
func NewService(st *store.Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger.Named("token")}
}

// Generate mints a new opaque token for a client over an explicit server
// set. An empty set is allowed and denies everything.
func (s *Service) Generate(ctx context.Context, clientID string, serverIDs, scopes []string) (*contracts.Token, error) {
	if _, err := s.store.GetClient(ctx, clientID); err != nil {
		return nil, err
	}

	id, err := crypto.RandomToken(32)
	if err != nil {
		return nil, err
	}
	t := &contracts.Token{
		ID:        id,
		ClientID:  clientID,
		ServerIDs: serverIDs,
		Scopes:    scopes,
		IssuedAt:  contracts.NowMillis(),
	}
	if err := s.store.CreateToken(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("Issued token",
		zap.String("client_id", clientID),
		zap.Int("server_count", len(serverIDs)))
	return t, nil
}

// Revoke deletes a token.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	if err := s.store.DeleteToken(ctx, tokenID); err != nil {
		return err
	}
	s.logger.Info("Revoked token")
	return nil
}

// ListByClient returns every token issued to a client.
func (s *Service) ListByClient(ctx context.Context, clientID string) ([]*contracts.Token, error) {
	return s.store.ListTokensByClient(ctx, clientID)
}

// Validate resolves a presented token id to its identity. Unknown or
// malformed ids yield ErrUnauthenticated. The presented string comes from
// an untrusted caller, so the final comparison is constant-time.
func (s *Service) Validate(ctx context.Context, presented string) (*Identity, error) {
	if presented == "" {
		return nil, contracts.ErrUnauthenticated
	}
	t, err := s.store.GetToken(ctx, presented)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return nil, contracts.ErrUnauthenticated
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(t.ID), []byte(presented)) != 1 {
		return nil, contracts.ErrUnauthenticated
	}
	return &Identity{
		ClientID:  t.ClientID,
		ServerIDs: t.ServerIDs,
		Scopes:    t.Scopes,
	}, nil
}
