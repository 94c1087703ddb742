package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
)

// discoveryCacheTTL bounds how long discovered metadata is reused.
const discoveryCacheTTL = 24 * time.Hour

// wellKnownPaths are tried in order against the server base URL. A 200
// with invalid JSON counts as a miss and falls through to the next path.
var wellKnownPaths = []string{
	"/.well-known/oauth-authorization-server",
	"/.well-known/openid-configuration",
	"/.well-known/oauth2-metadata",
}

// ServerMetadata is the subset of RFC 8414 authorization server metadata
// the broker consumes.
type ServerMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RevocationEndpoint    string   `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint string   `json:"introspection_endpoint,omitempty"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	GrantTypesSupported   []string `json:"grant_types_supported,omitempty"`
}

type cachedMetadata struct {
	metadata  *ServerMetadata
	fetchedAt time.Time
}

// Discoverer fetches and caches authorization server metadata.
type Discoverer struct {
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedMetadata
}

// NewDiscoverer creates a discoverer using the given HTTP client.
func NewDiscoverer(httpClient *http.Client, logger *zap.Logger) *Discoverer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Discoverer{
		httpClient: httpClient,
		logger:     logger.Named("oauth.discovery"),
		cache:      make(map[string]cachedMetadata),
	}
}

// Discover resolves metadata for a server base URL, trying each
// well-known path in order. Results are cached for 24 hours.
func (d *Discoverer) Discover(ctx context.Context, baseURL string) (*ServerMetadata, error) {
	base := strings.TrimRight(baseURL, "/")

	d.mu.Lock()
	if cached, ok := d.cache[base]; ok && time.Since(cached.fetchedAt) < discoveryCacheTTL {
		d.mu.Unlock()
		return cached.metadata, nil
	}
	d.mu.Unlock()

	var lastErr error
	for _, path := range wellKnownPaths {
		metadata, err := d.fetch(ctx, base+path)
		if err != nil {
			lastErr = err
			d.logger.Debug("Discovery URL failed, trying next",
				zap.String("url", base+path),
				zap.Error(err))
			continue
		}
		d.mu.Lock()
		d.cache[base] = cachedMetadata{metadata: metadata, fetchedAt: time.Now()}
		d.mu.Unlock()
		return metadata, nil
	}

	return nil, &contracts.OAuthConfigurationError{
		Message: fmt.Sprintf("endpoint discovery failed for %s: %v", base, lastErr),
	}
}

// Invalidate drops any cached metadata for a base URL.
func (d *Discoverer) Invalidate(baseURL string) {
	d.mu.Lock()
	delete(d.cache, strings.TrimRight(baseURL, "/"))
	d.mu.Unlock()
}

func (d *Discoverer) fetch(ctx context.Context, url string) (*ServerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint returned %d", resp.StatusCode)
	}

	var metadata ServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata is missing required endpoints")
	}
	return &metadata, nil
}
