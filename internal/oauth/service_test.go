package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/config"
	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/crypto"
	"github.com/mcpbroker/mcpbroker-go/internal/governance"
	"github.com/mcpbroker/mcpbroker-go/internal/store"
)

// redirectingOpener plays the user's browser: it parses the authorization
// URL and immediately drives the redirect back to the loopback callback.
type redirectingOpener struct {
	code    string
	state   string // overrides the real state when set
	errCode string
	lastURL string
}

func (o *redirectingOpener) Open(authURL string) error {
	o.lastURL = authURL
	parsed, err := url.Parse(authURL)
	if err != nil {
		return err
	}
	redirect := parsed.Query().Get("redirect_uri")
	state := parsed.Query().Get("state")
	if o.state != "" {
		state = o.state
	}

	q := url.Values{}
	if o.errCode != "" {
		q.Set("error", o.errCode)
	} else {
		q.Set("code", o.code)
	}
	q.Set("state", state)

	go func() {
		// Give the flow a moment to start waiting.
		time.Sleep(50 * time.Millisecond)
		resp, err := http.Get(redirect + "?" + q.Encode())
		if err == nil {
			resp.Body.Close()
		}
	}()
	return nil
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

type oauthFixture struct {
	store   *store.Store
	svc     *Service
	opener  *redirectingOpener
	cfg     *config.Config
	dataDir string
}

func newOAuthFixture(t *testing.T) *oauthFixture {
	t.Helper()
	dataDir := t.TempDir()

	key, err := crypto.NewRandomKey()
	require.NoError(t, err)
	box, err := crypto.NewBox(key, 1)
	require.NoError(t, err)

	st, err := store.Open(context.Background(), dataDir, box, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.CreateServer(context.Background(), &contracts.Server{
		ID: "srvA", Name: "alpha", ServerType: contracts.ServerTypeRemote,
		RemoteURL: "https://mcp.example.com",
		Created:   contracts.NowMillis(), Updated: contracts.NowMillis(),
	}))

	auditor, err := governance.NewAuditor(dataDir, st, 90, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditor.Close() })

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.CallbackPort = freePort(t)

	opener := &redirectingOpener{code: "auth-code-1"}
	svc := NewService(st, auditor, governance.NewRateLimiter(auditor, zap.NewNop()), opener, cfg, nil, zap.NewNop())
	t.Cleanup(svc.Close)

	return &oauthFixture{store: st, svc: svc, opener: opener, cfg: cfg, dataDir: dataDir}
}

func saveConfig(t *testing.T, f *oauthFixture, tokenEndpoint string) {
	t.Helper()
	require.NoError(t, f.store.SaveOAuthConfig(context.Background(), &contracts.OAuthConfig{
		ServerID:              "srvA",
		Provider:              ProviderCustom,
		ClientID:              "client-1",
		GrantType:             "authorization_code",
		AuthorizationEndpoint: "https://idp.example.com/authorize",
		TokenEndpoint:         tokenEndpoint,
		UsePKCE:               true,
	}))
}

func tokenJSON(accessToken string, expiresIn int64) string {
	return fmt.Sprintf(`{"access_token":%q,"token_type":"Bearer","expires_in":%d,"refresh_token":"rt-next"}`, accessToken, expiresIn)
}

func TestDiscover_FallsThroughInvalidJSON(t *testing.T) {
	var hits []string
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		switch r.URL.Path {
		case "/.well-known/oauth-authorization-server":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, "{not json")
		case "/.well-known/openid-configuration":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"issuer":"x","authorization_endpoint":"https://idp/auth","token_endpoint":"https://idp/token"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer idp.Close()

	d := NewDiscoverer(idp.Client(), zap.NewNop())
	meta, err := d.Discover(context.Background(), idp.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://idp/auth", meta.AuthorizationEndpoint)
	assert.Equal(t, []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/openid-configuration",
	}, hits)

	// Second call is served from the 24 h cache.
	_, err = d.Discover(context.Background(), idp.URL)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestDiscover_AllURLsFail(t *testing.T) {
	idp := httptest.NewServer(http.NotFoundHandler())
	defer idp.Close()

	d := NewDiscoverer(idp.Client(), zap.NewNop())
	_, err := d.Discover(context.Background(), idp.URL)
	var cfgErr *contracts.OAuthConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestConfigure_DiscoveryAndRegistration(t *testing.T) {
	f := newOAuthFixture(t)
	ctx := context.Background()

	var idpURL string
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/oauth-authorization-server":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"issuer":%q,"authorization_endpoint":"%s/auth","token_endpoint":"%s/token","registration_endpoint":"%s/register"}`,
				idpURL, idpURL, idpURL, idpURL)
		case "/register":
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Contains(t, req["redirect_uris"], "urn:ietf:wg:oauth:2.0:oob")
			w.WriteHeader(http.StatusCreated)
			// Public client: no client_secret in the response.
			fmt.Fprint(w, `{"client_id":"dyn-client","registration_client_uri":"https://idp/reg/dyn-client","registration_access_token":"reg-tok"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer idp.Close()
	idpURL = idp.URL
	f.svc.httpClient = idp.Client()
	f.svc.discoverer = NewDiscoverer(idp.Client(), zap.NewNop())

	cfg, err := f.svc.Configure(ctx, "srvA", ProviderCustom, ConfigureOptions{
		DiscoveryURL:        idp.URL,
		DynamicRegistration: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "dyn-client", cfg.ClientID)
	assert.Empty(t, cfg.ClientSecret)
	assert.Equal(t, idp.URL+"/auth", cfg.AuthorizationEndpoint)
	assert.Equal(t, "https://idp/reg/dyn-client", cfg.RegistrationClientURI)
	assert.True(t, cfg.UsePKCE)

	// Persisted, not just returned.
	stored, err := f.store.GetOAuthConfig(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "dyn-client", stored.ClientID)
	assert.Equal(t, "reg-tok", stored.RegistrationAccessToken)
}

func TestConfigure_MissingEndpoints(t *testing.T) {
	f := newOAuthFixture(t)

	_, err := f.svc.Configure(context.Background(), "srvA", ProviderCustom, ConfigureOptions{})
	var cfgErr *contracts.OAuthConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestConfigure_ProviderTemplate(t *testing.T) {
	f := newOAuthFixture(t)

	cfg, err := f.svc.Configure(context.Background(), "srvA", "github", ConfigureOptions{
		ClientID: "gh-client",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/login/oauth/authorize", cfg.AuthorizationEndpoint)
	assert.Equal(t, []string{"read:user"}, cfg.Scopes)
	assert.True(t, cfg.UsePKCE)
}

func TestAuthenticate_FullPKCEFlow(t *testing.T) {
	f := newOAuthFixture(t)
	ctx := context.Background()

	var exchanged atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "auth-code-1", r.Form.Get("code"))
		assert.NotEmpty(t, r.Form.Get("code_verifier"))
		exchanged.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, tokenJSON("at-1", 3600))
	}))
	defer idp.Close()

	saveConfig(t, f, idp.URL)
	require.NoError(t, f.svc.Authenticate(ctx, "srvA", nil))
	assert.Equal(t, int32(1), exchanged.Load())

	// The challenge travelled in the authorization URL.
	parsed, err := url.Parse(f.opener.lastURL)
	require.NoError(t, err)
	assert.NotEmpty(t, parsed.Query().Get("code_challenge"))
	assert.Equal(t, "S256", parsed.Query().Get("code_challenge_method"))

	tok, err := f.store.GetOAuthToken(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.AccessToken)
	assert.Equal(t, "rt-next", tok.RefreshToken)
	require.NotNil(t, tok.ExpiresAt)

	// The ephemeral auth state was cleaned up.
	pruned, err := f.store.PruneAuthStates(ctx, contracts.NowMillis()+1)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	status, err := f.svc.GetStatus(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, status)
}

func TestAuthenticate_StateMismatch(t *testing.T) {
	f := newOAuthFixture(t)
	saveConfig(t, f, "https://idp.example.com/token")
	f.opener.state = "forged-state"

	err := f.svc.Authenticate(context.Background(), "srvA", nil)
	var flowErr *contracts.OAuthFlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, contracts.FlowStateMismatch, flowErr.Kind)
}

func TestAuthenticate_UserCancels(t *testing.T) {
	f := newOAuthFixture(t)
	saveConfig(t, f, "https://idp.example.com/token")
	f.opener.errCode = "access_denied"

	err := f.svc.Authenticate(context.Background(), "srvA", nil)
	var flowErr *contracts.OAuthFlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, contracts.FlowCancelled, flowErr.Kind)
}

func TestAuthenticate_PortAlreadyBound(t *testing.T) {
	f := newOAuthFixture(t)
	saveConfig(t, f, "https://idp.example.com/token")

	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", f.cfg.CallbackPort))
	require.NoError(t, err)
	defer ln.Close()

	err = f.svc.Authenticate(context.Background(), "srvA", nil)
	var flowErr *contracts.OAuthFlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Contains(t, flowErr.Message, "already in use")
}

func TestAuthenticate_RateLimited(t *testing.T) {
	f := newOAuthFixture(t)
	saveConfig(t, f, "https://idp.example.com/token")
	f.opener.errCode = "access_denied"
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = f.svc.Authenticate(ctx, "srvA", nil)
	}
	err := f.svc.Authenticate(ctx, "srvA", nil)
	var limited *contracts.RateLimitedError
	assert.ErrorAs(t, err, &limited)
}

func seedToken(t *testing.T, f *oauthFixture, expiresInMillis int64, refreshToken string) {
	t.Helper()
	tok := &contracts.OAuthToken{
		ServerID: "srvA", AccessToken: "at-old", RefreshToken: refreshToken,
		TokenType: "Bearer", LastUsed: contracts.NowMillis(),
	}
	if expiresInMillis != 0 {
		expiresAt := contracts.NowMillis() + expiresInMillis
		tok.ExpiresAt = &expiresAt
	}
	require.NoError(t, f.store.SaveOAuthToken(context.Background(), tok))
}

func TestGetAccessToken_NoExpiryNeverRefreshes(t *testing.T) {
	f := newOAuthFixture(t)
	saveConfig(t, f, "https://idp.example.com/token")
	seedToken(t, f, 0, "rt-1")

	accessToken, err := f.svc.GetAccessToken(context.Background(), "srvA")
	require.NoError(t, err)
	assert.Equal(t, "at-old", accessToken)
}

func TestGetAccessToken_CoalescesConcurrentRefreshes(t *testing.T) {
	f := newOAuthFixture(t)
	ctx := context.Background()

	var refreshes atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		refreshes.Add(1)
		// Hold the exchange open long enough for all callers to pile up.
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, tokenJSON("at-new", 3600))
	}))
	defer idp.Close()

	saveConfig(t, f, idp.URL)
	seedToken(t, f, 30_000, "rt-1")

	var wg sync.WaitGroup
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			accessToken, err := f.svc.GetAccessToken(ctx, "srvA")
			assert.NoError(t, err)
			results[i] = accessToken
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), refreshes.Load())
	for _, r := range results {
		assert.Equal(t, "at-new", r)
	}

	tok, err := f.store.GetOAuthToken(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, 1, tok.RefreshCount)
}

func TestRefresh_InvalidGrantDeletesRow(t *testing.T) {
	f := newOAuthFixture(t)
	ctx := context.Background()

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"refresh token revoked"}`)
	}))
	defer idp.Close()

	saveConfig(t, f, idp.URL)
	seedToken(t, f, 30_000, "rt-1")

	_, err := f.svc.Refresh(ctx, "srvA")
	var tokenErr *contracts.OAuthTokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, contracts.TokenInvalidGrant, tokenErr.Kind)

	_, err = f.store.GetOAuthToken(ctx, "srvA")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestRefresh_RetriesThenFails(t *testing.T) {
	f := newOAuthFixture(t)

	var attempts atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer idp.Close()

	saveConfig(t, f, idp.URL)
	seedToken(t, f, 30_000, "rt-1")

	_, err := f.svc.Refresh(context.Background(), "srvA")
	var tokenErr *contracts.OAuthTokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, contracts.TokenRefreshFailed, tokenErr.Kind)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	f := newOAuthFixture(t)
	saveConfig(t, f, "https://idp.example.com/token")
	seedToken(t, f, 30_000, "")

	_, err := f.svc.Refresh(context.Background(), "srvA")
	var tokenErr *contracts.OAuthTokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, contracts.TokenExpired, tokenErr.Kind)
}

func TestRevoke_DeletesRowAndCallsProvider(t *testing.T) {
	f := newOAuthFixture(t)
	ctx := context.Background()

	var revoked atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/revoke" {
			revoked.Add(1)
		}
	}))
	defer idp.Close()

	require.NoError(t, f.store.SaveOAuthConfig(ctx, &contracts.OAuthConfig{
		ServerID: "srvA", Provider: ProviderCustom, ClientID: "client-1",
		AuthorizationEndpoint: "https://idp.example.com/authorize",
		TokenEndpoint:         idp.URL + "/token",
		RevocationEndpoint:    idp.URL + "/revoke",
	}))
	seedToken(t, f, 0, "rt-1")

	require.NoError(t, f.svc.Revoke(ctx, "srvA"))
	assert.Equal(t, int32(2), revoked.Load()) // refresh + access token

	_, err := f.store.GetOAuthToken(ctx, "srvA")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestGetHeaders(t *testing.T) {
	f := newOAuthFixture(t)
	ctx := context.Background()

	// No OAuth at all: no headers, no error.
	headers, err := f.svc.GetHeaders(ctx, "srvA")
	require.NoError(t, err)
	assert.Empty(t, headers)

	saveConfig(t, f, "https://idp.example.com/token")
	seedToken(t, f, 0, "")
	headers, err = f.svc.GetHeaders(ctx, "srvA")
	require.NoError(t, err)
	assert.Equal(t, "Bearer at-old", headers["Authorization"])
}

// fakeTokenProvider drives the transport wrapper without a real service.
type fakeTokenProvider struct {
	mu         sync.Mutex
	token      string
	refreshes  int
	refreshErr error
}

func (p *fakeTokenProvider) GetAccessToken(ctx context.Context, serverID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token, nil
}

func (p *fakeTokenProvider) Refresh(ctx context.Context, serverID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	if p.refreshErr != nil {
		return "", p.refreshErr
	}
	p.token = "at-refreshed"
	return p.token, nil
}

func TestRefreshingTransport_Retries401Once(t *testing.T) {
	var requests []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") != "Bearer at-refreshed" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer upstream.Close()

	provider := &fakeTokenProvider{token: "at-stale"}
	client := &http.Client{Transport: &refreshingTransport{
		base:     http.DefaultTransport,
		tokens:   provider,
		serverID: "srvA",
		logger:   zap.NewNop(),
	}}

	resp, err := client.Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, provider.refreshes)
	assert.Equal(t, []string{"Bearer at-stale", "Bearer at-refreshed"}, requests)
}

func TestRefreshingTransport_RefreshFailureSurfaces(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	provider := &fakeTokenProvider{
		token: "at-stale",
		refreshErr: &contracts.OAuthTokenError{
			Kind: contracts.TokenRefreshFailed, ServerID: "srvA", Message: "idp down",
		},
	}
	client := &http.Client{Transport: &refreshingTransport{
		base:     http.DefaultTransport,
		tokens:   provider,
		serverID: "srvA",
		logger:   zap.NewNop(),
	}}

	_, err := client.Get(upstream.URL)
	var tokenErr *contracts.OAuthTokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, contracts.TokenRefreshFailed, tokenErr.Kind)
	assert.Equal(t, 1, provider.refreshes)
}
