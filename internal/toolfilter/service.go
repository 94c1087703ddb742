// Package toolfilter resolves per-(server, client) tool policy: whether a
// tool is exposed, and under what name and description.
package toolfilter

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/store"
)

// Service caches preference rows per (server, client) scope and keeps them
// in sync with upstream tool discovery.
type Service struct {
	store  *store.Store
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]map[string]*contracts.ToolPreference
}

// NewService creates the tool filter service.
func NewService(st *store.Store, logger *zap.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger.Named("toolfilter"),
		cache:  make(map[string]map[string]*contracts.ToolPreference),
	}
}

// scopeKey builds the cache key for one (server, client) scope; the global
// scope uses an empty client component.
func scopeKey(serverID string, clientID *string) string {
	if clientID == nil {
		return serverID + "\x00"
	}
	return serverID + "\x00" + *clientID
}

// Resolve returns the effective policy for (server, tool, client):
// the client-specific row if present, else the global row, else an
// implicit enabled default.
func (s *Service) Resolve(ctx context.Context, serverID, toolName string, clientID *string) (contracts.ResolvedPreference, error) {
	if clientID != nil {
		row, err := s.scopeRow(ctx, serverID, clientID, toolName)
		if err != nil {
			return contracts.ResolvedPreference{}, err
		}
		if row != nil {
			return resolved(row), nil
		}
	}
	row, err := s.scopeRow(ctx, serverID, nil, toolName)
	if err != nil {
		return contracts.ResolvedPreference{}, err
	}
	if row != nil {
		return resolved(row), nil
	}
	return contracts.ResolvedPreference{Enabled: true}, nil
}

func resolved(row *contracts.ToolPreference) contracts.ResolvedPreference {
	return contracts.ResolvedPreference{
		Enabled:           row.Enabled,
		CustomName:        row.CustomName,
		CustomDescription: row.CustomDescription,
	}
}

// scopeRow reads one tool's row from the scope cache, loading the scope
// from the store on a miss. The cache is read under a short lock and never
// during store I/O.
func (s *Service) scopeRow(ctx context.Context, serverID string, clientID *string, toolName string) (*contracts.ToolPreference, error) {
	key := scopeKey(serverID, clientID)

	s.mu.RLock()
	scope, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return scope[toolName], nil
	}

	rows, err := s.store.ListToolPreferences(ctx, serverID, clientID)
	if err != nil {
		return nil, err
	}
	scope = make(map[string]*contracts.ToolPreference, len(rows))
	for _, row := range rows {
		scope[row.ToolName] = row
	}

	s.mu.Lock()
	s.cache[key] = scope
	s.mu.Unlock()
	return scope[toolName], nil
}

// invalidate drops the cached scope after any write to it. Client-specific
// scopes are dropped wholesale when the global scope changes shape.
func (s *Service) invalidate(serverID string, clientID *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clientID == nil {
		// Global writes can affect every client scope of the server.
		prefix := serverID + "\x00"
		for key := range s.cache {
			if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
				delete(s.cache, key)
			}
		}
		return
	}
	delete(s.cache, scopeKey(serverID, clientID))
}

// SyncDiscoveredTools reconciles stored preferences with the tool set a
// newly-running server announced. New tools get a global enabled row
// capturing the announced description; existing rows only track
// description drift; rows for vanished tools are removed along with their
// client-specific overrides.
func (s *Service) SyncDiscoveredTools(ctx context.Context, serverID string, announced []contracts.ToolInfo) error {
	existingNames, err := s.store.ListToolNames(ctx, serverID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(announced))

	for _, tool := range announced {
		seen[tool.Name] = true

		row, err := s.store.GetToolPreference(ctx, serverID, tool.Name, nil)
		if errors.Is(err, contracts.ErrNotFound) {
			if err := s.store.UpsertToolPreference(ctx, &contracts.ToolPreference{
				ServerID:            serverID,
				ToolName:            tool.Name,
				Enabled:             true,
				OriginalDescription: tool.Description,
			}); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if row.OriginalDescription != tool.Description {
			row.OriginalDescription = tool.Description
			if err := s.store.UpsertToolPreference(ctx, row); err != nil {
				return err
			}
		}
	}

	var vanished []string
	for _, name := range existingNames {
		if !seen[name] {
			vanished = append(vanished, name)
		}
	}
	if len(vanished) > 0 {
		s.logger.Info("Removing preferences for vanished tools",
			zap.String("server_id", serverID),
			zap.Strings("tools", vanished))
		if err := s.store.DeleteToolPreferences(ctx, serverID, vanished); err != nil {
			return err
		}
	}

	s.invalidate(serverID, nil)
	return nil
}

// SetPreference upserts one row in a scope.
func (s *Service) SetPreference(ctx context.Context, p *contracts.ToolPreference) error {
	if err := s.store.UpsertToolPreference(ctx, p); err != nil {
		return err
	}
	s.invalidate(p.ServerID, p.ClientID)
	return nil
}

// SetAllEnabled enables or disables every tool in one scope.
func (s *Service) SetAllEnabled(ctx context.Context, serverID string, clientID *string, enabled bool) error {
	if err := s.store.SetAllToolsEnabled(ctx, serverID, clientID, enabled); err != nil {
		return err
	}
	s.invalidate(serverID, clientID)
	return nil
}

// Reset drops every row in one scope, restoring defaults.
func (s *Service) Reset(ctx context.Context, serverID string, clientID *string) error {
	if err := s.store.ResetToolPreferences(ctx, serverID, clientID); err != nil {
		return err
	}
	s.invalidate(serverID, clientID)
	return nil
}

// ListScope returns the stored rows for one scope, bypassing the cache.
func (s *Service) ListScope(ctx context.Context, serverID string, clientID *string) ([]*contracts.ToolPreference, error) {
	return s.store.ListToolPreferences(ctx, serverID, clientID)
}
