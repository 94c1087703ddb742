package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/mcpbroker/mcpbroker-go/internal/config"
	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/crypto"
	"github.com/mcpbroker/mcpbroker-go/internal/governance"
)

// flowTimeout is the hard limit on one interactive authorization.
const flowTimeout = 10 * time.Minute

// callbackResult carries the query parameters of the single redirect the
// loopback listener accepts.
type callbackResult struct {
	code    string
	state   string
	errCode string
	errDesc string
}

// callbackServer binds the loopback port for the lifetime of one
// authorization and hands the first redirect to the waiting flow.
type callbackServer struct {
	listener net.Listener
	server   *http.Server
	results  chan *callbackResult
	once     sync.Once
}

// newCallbackServer binds the port; a bind failure means another process
// (or another authorization) holds it.
func newCallbackServer(port int, serverID string) (*callbackServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return nil, &contracts.OAuthFlowError{
			Kind:     contracts.FlowProviderError,
			ServerID: serverID,
			Message:  fmt.Sprintf("callback port %d already in use: %v", port, err),
		}
	}

	cs := &callbackServer{
		listener: listener,
		results:  make(chan *callbackResult, 1),
	}

	r := chi.NewRouter()
	r.Get(config.CallbackPath, cs.handleCallback)
	cs.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() { _ = cs.server.Serve(listener) }()
	return cs, nil
}

func (cs *callbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result := &callbackResult{
		code:    q.Get("code"),
		state:   q.Get("state"),
		errCode: q.Get("error"),
		errDesc: q.Get("error_description"),
	}

	accepted := false
	cs.once.Do(func() {
		cs.results <- result
		accepted = true
	})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	switch {
	case !accepted:
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, "<html><body><p>This authorization was already completed. You can close this window.</p></body></html>")
	case result.errCode != "":
		fmt.Fprintf(w, "<html><body><h3>Authorization failed</h3><p>%s</p><p>You can close this window.</p></body></html>", result.errCode)
	default:
		fmt.Fprint(w, "<html><body><h3>Authorization complete</h3><p>You can close this window and return to the application.</p></body></html>")
	}
}

// await blocks until the redirect arrives or the context expires.
func (cs *callbackServer) await(ctx context.Context) (*callbackResult, error) {
	select {
	case result := <-cs.results:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cs *callbackServer) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = cs.server.Shutdown(shutdownCtx)
}

// Authenticate runs the full browser-driven authorization-code flow for
// a configured server and stores the resulting token set. The loopback
// port is held only for the duration of this call.
func (s *Service) Authenticate(ctx context.Context, serverID string, scopes []string) error {
	if err := s.limits.Allow(ctx, governance.OpAuthentication, serverID); err != nil {
		return err
	}

	cfg, err := s.store.GetOAuthConfig(ctx, serverID)
	if err != nil {
		return err
	}
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
		return &contracts.OAuthConfigurationError{
			ServerID: serverID,
			Message:  "authorization or token endpoint not configured",
		}
	}
	if len(scopes) == 0 {
		scopes = cfg.Scopes
	}

	state, err := crypto.RandomToken(32)
	if err != nil {
		return err
	}
	authState := &contracts.AuthState{
		State:       state,
		ServerID:    serverID,
		RedirectURI: s.redirectURI,
		Scopes:      scopes,
		CreatedAt:   contracts.NowMillis(),
	}
	if cfg.UsePKCE {
		verifier, err := crypto.RandomToken(64)
		if err != nil {
			return err
		}
		authState.CodeVerifier = verifier
		authState.CodeChallenge = crypto.PKCEChallenge(verifier)
	}
	if err := s.store.SaveAuthState(ctx, authState); err != nil {
		return err
	}
	defer func() {
		if err := s.store.DeleteAuthState(context.Background(), state); err != nil {
			s.logger.Warn("Failed to delete auth state", zap.Error(err))
		}
	}()

	ocfg := s.oauth2Config(cfg)
	ocfg.Scopes = scopes

	var opts []oauth2.AuthCodeOption
	if cfg.UsePKCE {
		opts = append(opts, oauth2.S256ChallengeOption(authState.CodeVerifier))
	}
	if cfg.Audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", cfg.Audience))
	}
	for k, v := range cfg.AdditionalParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	authURL := ocfg.AuthCodeURL(state, opts...)

	cs, err := newCallbackServer(s.callbackPort, serverID)
	if err != nil {
		return err
	}
	defer cs.close()

	s.auditor.Log(ctx, governance.EventAuthStarted, governance.SeverityInfo, serverID, map[string]any{
		"provider": cfg.Provider,
		"pkce":     cfg.UsePKCE,
	})
	s.logger.Info("Starting authorization flow",
		zap.String("server_id", serverID),
		zap.String("provider", cfg.Provider))

	if err := s.browser.Open(authURL); err != nil {
		s.auditFlowFailure(ctx, serverID, "browser_open", err)
		return &contracts.OAuthFlowError{
			Kind:     contracts.FlowCancelled,
			ServerID: serverID,
			Message:  fmt.Sprintf("failed to open browser: %v", err),
		}
	}

	flowCtx, cancel := context.WithTimeout(ctx, flowTimeout)
	defer cancel()

	result, err := cs.await(flowCtx)
	if err != nil {
		kind := contracts.FlowCancelled
		if flowCtx.Err() == context.DeadlineExceeded {
			kind = contracts.FlowTimeout
		}
		ferr := &contracts.OAuthFlowError{Kind: kind, ServerID: serverID, Message: err.Error()}
		s.auditFlowFailure(ctx, serverID, string(kind), ferr)
		return ferr
	}

	if result.errCode != "" {
		kind := contracts.FlowProviderError
		if result.errCode == "access_denied" {
			kind = contracts.FlowCancelled
		}
		ferr := &contracts.OAuthFlowError{
			Kind:     kind,
			ServerID: serverID,
			Message:  fmt.Sprintf("%s: %s", result.errCode, result.errDesc),
		}
		s.auditFlowFailure(ctx, serverID, result.errCode, ferr)
		return ferr
	}
	if result.state != state {
		ferr := &contracts.OAuthFlowError{
			Kind:     contracts.FlowStateMismatch,
			ServerID: serverID,
			Message:  "redirect state does not match the pending authorization",
		}
		s.auditFlowFailure(ctx, serverID, "state_mismatch", ferr)
		return ferr
	}

	exchangeOpts := []oauth2.AuthCodeOption{}
	if cfg.UsePKCE {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(authState.CodeVerifier))
	}
	exchangeCtx := context.WithValue(flowCtx, oauth2.HTTPClient, s.httpClient)
	tok, err := ocfg.Exchange(exchangeCtx, result.code, exchangeOpts...)
	if err != nil {
		ferr := &contracts.OAuthFlowError{
			Kind:     contracts.FlowProviderError,
			ServerID: serverID,
			Message:  fmt.Sprintf("code exchange failed: %v", err),
		}
		s.auditFlowFailure(ctx, serverID, "exchange", ferr)
		return ferr
	}

	stored := &contracts.OAuthToken{
		ServerID:     serverID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scopes:       scopes,
		LastUsed:     contracts.NowMillis(),
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		stored.IDToken = idToken
	}
	if !tok.Expiry.IsZero() {
		expiresAt := tok.Expiry.UnixMilli()
		stored.ExpiresAt = &expiresAt
	}
	if err := s.store.SaveOAuthToken(ctx, stored); err != nil {
		return err
	}
	s.armRefreshTimer(serverID, stored.ExpiresAt)

	s.limits.Reset(governance.OpAuthentication, serverID)
	s.auditor.Log(ctx, governance.EventAuthCompleted, governance.SeverityInfo, serverID, map[string]any{
		"provider":          cfg.Provider,
		"has_refresh_token": stored.RefreshToken != "",
	})
	s.auditor.Log(ctx, governance.EventTokenCreated, governance.SeverityInfo, serverID, nil)
	s.logger.Info("Authorization complete", zap.String("server_id", serverID))
	return nil
}

func (s *Service) auditFlowFailure(ctx context.Context, serverID, reason string, err error) {
	s.auditor.Log(ctx, governance.EventAuthFailed, governance.SeverityWarning, serverID, map[string]any{
		"reason": reason,
		"error":  err.Error(),
	})
}
