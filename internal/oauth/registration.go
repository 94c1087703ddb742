package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
)

// oobRedirectURI is the out-of-band value registered alongside the
// loopback callbacks for providers that require it.
const oobRedirectURI = "urn:ietf:wg:oauth:2.0:oob"

// registrationRequest is the RFC 7591 client metadata the broker
// registers.
type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// registrationResponse is the subset of the RFC 7591 response the broker
// persists.
type registrationResponse struct {
	ClientID                string `json:"client_id"`
	ClientSecret            string `json:"client_secret,omitempty"`
	RegistrationClientURI   string `json:"registration_client_uri,omitempty"`
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
}

// registerClient performs dynamic registration against the endpoint and
// fills the config's client credentials. A missing client_secret means
// the provider registered a public client, which is fine with PKCE.
func (s *Service) registerClient(ctx context.Context, cfg *contracts.OAuthConfig, registrationEndpoint string) error {
	redirect := s.redirectURI
	loopback := strings.Replace(redirect, "localhost", "127.0.0.1", 1)

	reqBody := registrationRequest{
		ClientName:              "mcpbroker",
		RedirectURIs:            []string{redirect, loopback, oobRedirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   strings.Join(cfg.Scopes, " "),
	}
	raw, err := json.Marshal(&reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &contracts.OAuthConfigurationError{
			ServerID: cfg.ServerID,
			Message:  fmt.Sprintf("dynamic registration failed: %v", err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &contracts.OAuthConfigurationError{
			ServerID: cfg.ServerID,
			Message:  fmt.Sprintf("dynamic registration returned %d: %s", resp.StatusCode, string(body)),
		}
	}

	var reg registrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return &contracts.OAuthConfigurationError{
			ServerID: cfg.ServerID,
			Message:  fmt.Sprintf("dynamic registration response invalid: %v", err),
		}
	}
	if reg.ClientID == "" {
		return &contracts.OAuthConfigurationError{
			ServerID: cfg.ServerID,
			Message:  "dynamic registration response has no client_id",
		}
	}

	cfg.ClientID = reg.ClientID
	cfg.ClientSecret = reg.ClientSecret
	cfg.RegistrationClientURI = reg.RegistrationClientURI
	cfg.RegistrationAccessToken = reg.RegistrationAccessToken
	return nil
}
