// Package oauth implements the broker's OAuth client side: provider
// templates, endpoint discovery, the browser-driven authorization-code
// flow with PKCE, dynamic client registration and the token lifecycle
// with coalesced refresh.
package oauth

import (
	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
)

// ProviderCustom is the template for servers with operator-supplied or
// discovered endpoints.
const ProviderCustom = "custom"

// providerTemplate holds the well-known endpoints and default scopes for
// one provider tag.
type providerTemplate struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	RevocationEndpoint    string
	UserinfoEndpoint      string
	Scopes                []string
	UsePKCE               bool
}

var providerTemplates = map[string]providerTemplate{
	"github": {
		AuthorizationEndpoint: "https://github.com/login/oauth/authorize",
		TokenEndpoint:         "https://github.com/login/oauth/access_token",
		UserinfoEndpoint:      "https://api.github.com/user",
		Scopes:                []string{"read:user"},
		UsePKCE:               true,
	},
	"google": {
		AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenEndpoint:         "https://oauth2.googleapis.com/token",
		RevocationEndpoint:    "https://oauth2.googleapis.com/revoke",
		UserinfoEndpoint:      "https://openidconnect.googleapis.com/v1/userinfo",
		Scopes:                []string{"openid", "email", "profile"},
		UsePKCE:               true,
	},
	"microsoft": {
		AuthorizationEndpoint: "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenEndpoint:         "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		UserinfoEndpoint:      "https://graph.microsoft.com/oidc/userinfo",
		Scopes:                []string{"openid", "email", "profile", "offline_access"},
		UsePKCE:               true,
	},
	"slack": {
		AuthorizationEndpoint: "https://slack.com/oauth/v2/authorize",
		TokenEndpoint:         "https://slack.com/api/oauth.v2.access",
		RevocationEndpoint:    "https://slack.com/api/auth.revoke",
		Scopes:                []string{"users:read"},
		UsePKCE:               false,
	},
	"gitlab": {
		AuthorizationEndpoint: "https://gitlab.com/oauth/authorize",
		TokenEndpoint:         "https://gitlab.com/oauth/token",
		RevocationEndpoint:    "https://gitlab.com/oauth/revoke",
		UserinfoEndpoint:      "https://gitlab.com/oauth/userinfo",
		Scopes:                []string{"read_user"},
		UsePKCE:               true,
	},
	"bitbucket": {
		AuthorizationEndpoint: "https://bitbucket.org/site/oauth2/authorize",
		TokenEndpoint:         "https://bitbucket.org/site/oauth2/access_token",
		Scopes:                []string{"account"},
		UsePKCE:               true,
	},
	ProviderCustom: {
		UsePKCE: true,
	},
}

// KnownProviders lists the accepted provider tags.
func KnownProviders() []string {
	return []string{"github", "google", "microsoft", "slack", "gitlab", "bitbucket", ProviderCustom}
}

// applyTemplate fills blank fields of cfg from the provider template.
// Operator-supplied values always win.
func applyTemplate(cfg *contracts.OAuthConfig) {
	tmpl, ok := providerTemplates[cfg.Provider]
	if !ok {
		tmpl = providerTemplates[ProviderCustom]
		cfg.Provider = ProviderCustom
	}
	if cfg.AuthorizationEndpoint == "" {
		cfg.AuthorizationEndpoint = tmpl.AuthorizationEndpoint
	}
	if cfg.TokenEndpoint == "" {
		cfg.TokenEndpoint = tmpl.TokenEndpoint
	}
	if cfg.RevocationEndpoint == "" {
		cfg.RevocationEndpoint = tmpl.RevocationEndpoint
	}
	if cfg.UserinfoEndpoint == "" {
		cfg.UserinfoEndpoint = tmpl.UserinfoEndpoint
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = append([]string(nil), tmpl.Scopes...)
	}
	if cfg.GrantType == "" {
		cfg.GrantType = "authorization_code"
	}
}

// templateUsePKCE returns the PKCE default for a provider tag.
func templateUsePKCE(provider string) bool {
	tmpl, ok := providerTemplates[provider]
	if !ok {
		tmpl = providerTemplates[ProviderCustom]
	}
	return tmpl.UsePKCE
}
