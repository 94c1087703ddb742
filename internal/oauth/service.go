package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/mcpbroker/mcpbroker-go/internal/browser"
	"github.com/mcpbroker/mcpbroker-go/internal/config"
	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/governance"
	"github.com/mcpbroker/mcpbroker-go/internal/store"
)

const (
	// refreshSkew triggers a refresh when the token is this close to expiry.
	refreshSkew = 300 * time.Second

	// proactiveRefreshLead re-arms the background refresh timer this far
	// before expiry.
	proactiveRefreshLead = 5 * time.Minute

	refreshAttempts   = 3
	refreshBackoffCap = 10 * time.Second
)

// Status is the derived lifecycle state of a server's OAuth credentials.
type Status string

const (
	StatusUnconfigured  Status = "unconfigured"
	StatusConfigured    Status = "configured"
	StatusAuthenticated Status = "authenticated"
	StatusExpired       Status = "expired"
)

// ConfigureOptions are the operator-supplied overrides merged over the
// provider template. UsePKCE is a pointer so an explicit disable is
// distinguishable from "use the template default".
type ConfigureOptions struct {
	DiscoveryURL          string
	ClientID              string
	ClientSecret          string
	Scopes                []string
	GrantType             string
	AuthorizationEndpoint string
	TokenEndpoint         string
	RevocationEndpoint    string
	IntrospectionEndpoint string
	UserinfoEndpoint      string
	UsePKCE               *bool
	DynamicRegistration   bool
	Audience              string
	AdditionalParams      map[string]string
}

// Service owns the OAuth credential lifecycle for upstream servers.
// Refreshes for one server coalesce onto a single in-flight call; the
// Server Manager consumes tokens through GetHeaders so this package
// never depends on it.
type Service struct {
	store      *store.Store
	auditor    *governance.Auditor
	limits     *governance.RateLimiter
	discoverer *Discoverer
	browser    browser.Opener
	httpClient *http.Client
	logger     *zap.Logger

	callbackPort int
	redirectURI  string

	group singleflight.Group

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewService wires the OAuth service. A nil httpClient gets a 30-second
// default; a nil opener gets the system browser.
func NewService(st *store.Store, auditor *governance.Auditor, limits *governance.RateLimiter, opener browser.Opener, cfg *config.Config, httpClient *http.Client, logger *zap.Logger) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opener == nil {
		opener = browser.NewSystemOpener(logger)
	}
	port := cfg.CallbackPort
	if port == 0 {
		port = config.DefaultCallbackPort
	}
	return &Service{
		store:        st,
		auditor:      auditor,
		limits:       limits,
		discoverer:   NewDiscoverer(httpClient, logger),
		browser:      opener,
		httpClient:   httpClient,
		logger:       logger.Named("oauth"),
		callbackPort: port,
		redirectURI:  cfg.RedirectURI(),
		timers:       make(map[string]*time.Timer),
	}
}

// Close cancels every proactive refresh timer.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// Configure merges the provider template with operator overrides, fills
// remaining endpoint gaps by discovery, performs dynamic client
// registration when requested, and persists the result.
func (s *Service) Configure(ctx context.Context, serverID, provider string, opts ConfigureOptions) (*contracts.OAuthConfig, error) {
	if _, err := s.store.GetServer(ctx, serverID); err != nil {
		return nil, err
	}

	cfg, err := s.store.GetOAuthConfig(ctx, serverID)
	isNew := errors.Is(err, contracts.ErrNotFound)
	if isNew {
		cfg = &contracts.OAuthConfig{ServerID: serverID}
	} else if err != nil {
		return nil, err
	}
	cfg.Provider = provider
	applyOptions(cfg, opts)
	applyTemplate(cfg)
	if opts.UsePKCE != nil {
		cfg.UsePKCE = *opts.UsePKCE
	} else if isNew {
		cfg.UsePKCE = templateUsePKCE(cfg.Provider)
	}

	var registrationEndpoint string
	if cfg.DiscoveryURL != "" && (cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" || cfg.DynamicRegistration) {
		metadata, err := s.discoverer.Discover(ctx, cfg.DiscoveryURL)
		if err != nil {
			if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
				return nil, err
			}
			s.logger.Warn("Endpoint discovery failed, keeping configured endpoints",
				zap.String("server_id", serverID),
				zap.Error(err))
		} else {
			fillFromMetadata(cfg, metadata)
			registrationEndpoint = metadata.RegistrationEndpoint
		}
	}

	if cfg.DynamicRegistration && cfg.ClientID == "" {
		if registrationEndpoint == "" {
			return nil, &contracts.OAuthConfigurationError{
				ServerID: serverID,
				Message:  "dynamic registration requested but the provider advertises no registration endpoint",
			}
		}
		if err := s.registerClient(ctx, cfg, registrationEndpoint); err != nil {
			return nil, err
		}
		s.logger.Info("Registered OAuth client dynamically",
			zap.String("server_id", serverID),
			zap.Bool("public_client", cfg.ClientSecret == ""))
	}

	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
		return nil, &contracts.OAuthConfigurationError{
			ServerID: serverID,
			Message:  "authorization and token endpoints are required; set them or provide a discovery URL",
		}
	}

	if err := s.store.SaveOAuthConfig(ctx, cfg); err != nil {
		return nil, err
	}
	s.auditor.Log(ctx, governance.EventConfigChanged, governance.SeverityInfo, serverID, map[string]any{
		"provider":             cfg.Provider,
		"pkce":                 cfg.UsePKCE,
		"dynamic_registration": cfg.DynamicRegistration,
	})
	return cfg, nil
}

// RemoveConfiguration deletes a server's OAuth config and any token.
func (s *Service) RemoveConfiguration(ctx context.Context, serverID string) error {
	s.stopRefreshTimer(serverID)
	if err := s.store.DeleteOAuthToken(ctx, serverID); err != nil {
		return err
	}
	if err := s.store.DeleteOAuthConfig(ctx, serverID); err != nil {
		return err
	}
	s.auditor.Log(ctx, governance.EventConfigDeleted, governance.SeverityInfo, serverID, nil)
	return nil
}

// GetStatus derives the credential lifecycle state for a server.
func (s *Service) GetStatus(ctx context.Context, serverID string) (Status, error) {
	if _, err := s.store.GetOAuthConfig(ctx, serverID); err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return StatusUnconfigured, nil
		}
		return "", err
	}
	tok, err := s.store.GetOAuthToken(ctx, serverID)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return StatusConfigured, nil
		}
		return "", err
	}
	if tok.ExpiresAt != nil && *tok.ExpiresAt <= contracts.NowMillis() {
		return StatusExpired, nil
	}
	return StatusAuthenticated, nil
}

// GetAccessToken returns a live access token for the server, refreshing
// first when expiry is near. An expired token is never handed out
// without a refresh attempt.
func (s *Service) GetAccessToken(ctx context.Context, serverID string) (string, error) {
	tok, err := s.store.GetOAuthToken(ctx, serverID)
	if err != nil {
		return "", err
	}

	if tok.ExpiresAt == nil || time.Until(time.UnixMilli(*tok.ExpiresAt)) > refreshSkew {
		tok.LastUsed = contracts.NowMillis()
		if err := s.store.SaveOAuthToken(ctx, tok); err != nil {
			s.logger.Warn("Failed to update token last-used", zap.Error(err))
		}
		return tok.AccessToken, nil
	}
	return s.Refresh(ctx, serverID)
}

// GetHeaders returns the HTTP headers to inject into an upstream
// transport. Servers without OAuth configured get no headers.
func (s *Service) GetHeaders(ctx context.Context, serverID string) (map[string]string, error) {
	accessToken, err := s.GetAccessToken(ctx, serverID)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + accessToken}, nil
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// calls for the same server coalesce onto one token-endpoint exchange.
func (s *Service) Refresh(ctx context.Context, serverID string) (string, error) {
	v, err, _ := s.group.Do(serverID, func() (any, error) {
		// The refresh outcome is shared by every coalesced caller, so it
		// must not die with the first caller's context.
		return s.refresh(context.WithoutCancel(ctx), serverID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Service) refresh(ctx context.Context, serverID string) (string, error) {
	if err := s.limits.Allow(ctx, governance.OpTokenRefresh, serverID); err != nil {
		return "", err
	}
	cfg, err := s.store.GetOAuthConfig(ctx, serverID)
	if err != nil {
		return "", err
	}
	tok, err := s.store.GetOAuthToken(ctx, serverID)
	if err != nil {
		return "", err
	}
	if tok.RefreshToken == "" {
		return "", &contracts.OAuthTokenError{
			Kind:     contracts.TokenExpired,
			ServerID: serverID,
			Message:  "token is expiring and no refresh token is available",
		}
	}

	var lastErr error
	for attempt := 0; attempt < refreshAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Second << (attempt - 1)
			if backoff > refreshBackoffCap {
				backoff = refreshBackoffCap
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		resp, err := s.postRefresh(ctx, cfg, tok.RefreshToken)
		if err != nil {
			lastErr = err
			s.logger.Warn("Token refresh attempt failed",
				zap.String("server_id", serverID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		if resp.ErrorCode == "invalid_grant" {
			// Terminal: the refresh token was revoked or consumed. Drop the
			// row so the state collapses to FAILED instead of looping.
			s.stopRefreshTimer(serverID)
			if derr := s.store.DeleteOAuthToken(ctx, serverID); derr != nil {
				s.logger.Error("Failed to delete invalid token row", zap.Error(derr))
			}
			s.auditor.Log(ctx, governance.EventTokenExpired, governance.SeverityWarning, serverID, map[string]any{
				"reason": "invalid_grant",
			})
			return "", &contracts.OAuthTokenError{
				Kind:     contracts.TokenInvalidGrant,
				ServerID: serverID,
				Message:  resp.ErrorDescription,
			}
		}
		if resp.ErrorCode != "" {
			lastErr = fmt.Errorf("token endpoint error %s: %s", resp.ErrorCode, resp.ErrorDescription)
			continue
		}

		tok.AccessToken = resp.AccessToken
		if resp.RefreshToken != "" {
			tok.RefreshToken = resp.RefreshToken
		}
		if resp.IDToken != "" {
			tok.IDToken = resp.IDToken
		}
		if resp.TokenType != "" {
			tok.TokenType = resp.TokenType
		}
		if resp.Scope != "" {
			tok.Scopes = strings.Fields(resp.Scope)
		}
		tok.ExpiresAt = nil
		if resp.ExpiresIn > 0 {
			expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli()
			tok.ExpiresAt = &expiresAt
		}
		tok.RefreshCount++
		tok.LastUsed = contracts.NowMillis()
		if err := s.store.SaveOAuthToken(ctx, tok); err != nil {
			return "", err
		}
		s.armRefreshTimer(serverID, tok.ExpiresAt)

		s.auditor.Log(ctx, governance.EventTokenRefreshed, governance.SeverityInfo, serverID, map[string]any{
			"refresh_count": tok.RefreshCount,
		})
		s.logger.Debug("Refreshed access token",
			zap.String("server_id", serverID),
			zap.Int("refresh_count", tok.RefreshCount))
		return tok.AccessToken, nil
	}

	s.auditor.Log(ctx, governance.EventAuthFailed, governance.SeverityError, serverID, map[string]any{
		"reason": "refresh_failed",
		"error":  fmt.Sprint(lastErr),
	})
	return "", &contracts.OAuthTokenError{
		Kind:     contracts.TokenRefreshFailed,
		ServerID: serverID,
		Message:  fmt.Sprintf("refresh failed after %d attempts: %v", refreshAttempts, lastErr),
	}
}

// tokenResponse is the token endpoint's JSON body for refresh grants.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
	Scope            string `json:"scope"`
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// postRefresh performs one refresh-grant exchange. The POST is built by
// hand rather than through a TokenSource so retry pacing and additional
// params stay under the caller's control.
func (s *Service) postRefresh(ctx context.Context, cfg *contracts.OAuthConfig, refreshToken string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}
	if cfg.Audience != "" {
		form.Set("audience", cfg.Audience)
	}
	for k, v := range cfg.AdditionalParams {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("token endpoint returned %d with unparseable body: %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	if body.ErrorCode == "" && body.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned %d without an access token", resp.StatusCode)
	}
	return &body, nil
}

// Revoke cancels the refresh timer, best-effort revokes the token with
// the provider and deletes the stored row.
func (s *Service) Revoke(ctx context.Context, serverID string) error {
	s.stopRefreshTimer(serverID)

	cfg, cfgErr := s.store.GetOAuthConfig(ctx, serverID)
	tok, err := s.store.GetOAuthToken(ctx, serverID)
	if err != nil {
		return err
	}

	if cfgErr == nil && cfg.RevocationEndpoint != "" {
		if err := s.postRevocation(ctx, cfg, tok); err != nil {
			s.logger.Warn("Provider-side revocation failed",
				zap.String("server_id", serverID),
				zap.Error(err))
		}
	}

	if err := s.store.DeleteOAuthToken(ctx, serverID); err != nil {
		return err
	}
	s.auditor.Log(ctx, governance.EventTokenRevoked, governance.SeverityInfo, serverID, nil)
	s.logger.Info("Revoked OAuth token", zap.String("server_id", serverID))
	return nil
}

func (s *Service) postRevocation(ctx context.Context, cfg *contracts.OAuthConfig, tok *contracts.OAuthToken) error {
	revoke := func(tokenValue, hint string) error {
		form := url.Values{}
		form.Set("token", tokenValue)
		form.Set("token_type_hint", hint)
		form.Set("client_id", cfg.ClientID)
		if cfg.ClientSecret != "" {
			form.Set("client_secret", cfg.ClientSecret)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RevocationEndpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("revocation endpoint returned %d", resp.StatusCode)
		}
		return nil
	}

	if tok.RefreshToken != "" {
		if err := revoke(tok.RefreshToken, "refresh_token"); err != nil {
			return err
		}
	}
	return revoke(tok.AccessToken, "access_token")
}

// Introspect queries the provider's introspection endpoint for the
// stored access token, returning the raw claims.
func (s *Service) Introspect(ctx context.Context, serverID string) (map[string]any, error) {
	if err := s.limits.Allow(ctx, governance.OpGeneral, serverID); err != nil {
		return nil, err
	}
	cfg, err := s.store.GetOAuthConfig(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if cfg.IntrospectionEndpoint == "" {
		return nil, &contracts.OAuthConfigurationError{
			ServerID: serverID,
			Message:  "no introspection endpoint configured",
		}
	}
	tok, err := s.store.GetOAuthToken(ctx, serverID)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("token", tok.AccessToken)
	form.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.IntrospectionEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection endpoint returned %d", resp.StatusCode)
	}
	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("introspection response invalid: %w", err)
	}
	return claims, nil
}

// armRefreshTimer schedules a background refresh shortly before expiry.
// Tokens without an expiry never auto-refresh.
func (s *Service) armRefreshTimer(serverID string, expiresAt *int64) {
	s.stopRefreshTimer(serverID)
	if expiresAt == nil {
		return
	}
	delay := time.Until(time.UnixMilli(*expiresAt)) - proactiveRefreshLead
	if delay <= 0 {
		return
	}

	s.mu.Lock()
	s.timers[serverID] = time.AfterFunc(delay, func() {
		if _, err := s.Refresh(context.Background(), serverID); err != nil {
			s.logger.Warn("Proactive token refresh failed",
				zap.String("server_id", serverID),
				zap.Error(err))
		}
	})
	s.mu.Unlock()
}

func (s *Service) stopRefreshTimer(serverID string) {
	s.mu.Lock()
	if timer, ok := s.timers[serverID]; ok {
		timer.Stop()
		delete(s.timers, serverID)
	}
	s.mu.Unlock()
}

// oauth2Config adapts a stored config for x/oauth2's URL building and
// code exchange.
func (s *Service) oauth2Config(cfg *contracts.OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  s.redirectURI,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizationEndpoint,
			TokenURL: cfg.TokenEndpoint,
		},
	}
}

func applyOptions(cfg *contracts.OAuthConfig, opts ConfigureOptions) {
	if opts.DiscoveryURL != "" {
		cfg.DiscoveryURL = opts.DiscoveryURL
	}
	if opts.ClientID != "" {
		cfg.ClientID = opts.ClientID
	}
	if opts.ClientSecret != "" {
		cfg.ClientSecret = opts.ClientSecret
	}
	if len(opts.Scopes) > 0 {
		cfg.Scopes = opts.Scopes
	}
	if opts.GrantType != "" {
		cfg.GrantType = opts.GrantType
	}
	if opts.AuthorizationEndpoint != "" {
		cfg.AuthorizationEndpoint = opts.AuthorizationEndpoint
	}
	if opts.TokenEndpoint != "" {
		cfg.TokenEndpoint = opts.TokenEndpoint
	}
	if opts.RevocationEndpoint != "" {
		cfg.RevocationEndpoint = opts.RevocationEndpoint
	}
	if opts.IntrospectionEndpoint != "" {
		cfg.IntrospectionEndpoint = opts.IntrospectionEndpoint
	}
	if opts.UserinfoEndpoint != "" {
		cfg.UserinfoEndpoint = opts.UserinfoEndpoint
	}
	if opts.DynamicRegistration {
		cfg.DynamicRegistration = true
	}
	if opts.Audience != "" {
		cfg.Audience = opts.Audience
	}
	if len(opts.AdditionalParams) > 0 {
		cfg.AdditionalParams = opts.AdditionalParams
	}
}

// fillFromMetadata fills endpoint gaps from discovered metadata without
// overriding operator-supplied values.
func fillFromMetadata(cfg *contracts.OAuthConfig, m *ServerMetadata) {
	if cfg.AuthorizationEndpoint == "" {
		cfg.AuthorizationEndpoint = m.AuthorizationEndpoint
	}
	if cfg.TokenEndpoint == "" {
		cfg.TokenEndpoint = m.TokenEndpoint
	}
	if cfg.RevocationEndpoint == "" {
		cfg.RevocationEndpoint = m.RevocationEndpoint
	}
	if cfg.IntrospectionEndpoint == "" {
		cfg.IntrospectionEndpoint = m.IntrospectionEndpoint
	}
	if cfg.UserinfoEndpoint == "" {
		cfg.UserinfoEndpoint = m.UserinfoEndpoint
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = append([]string(nil), m.ScopesSupported...)
	}
}
