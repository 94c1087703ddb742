// Package contracts holds the data types and error taxonomy shared by the
// broker's services. It has no dependencies on other internal packages so
// that every component can consume it without cycles.
package contracts

import "time"

// ServerType identifies how an upstream MCP server is reached.
type ServerType string

const (
	ServerTypeLocal            ServerType = "local"
	ServerTypeRemote           ServerType = "remote"
	ServerTypeRemoteStreamable ServerType = "remote-streamable"
)

// ServerStatus is the runtime state of an upstream server. Only the Server
// Manager mutates it.
type ServerStatus string

const (
	StatusStopped  ServerStatus = "stopped"
	StatusStarting ServerStatus = "starting"
	StatusRunning  ServerStatus = "running"
	StatusStopping ServerStatus = "stopping"
	StatusError    ServerStatus = "error"
)

// InputParam is a named, typed, defaulted parameter referenced by
// placeholder substitution in a local server's args.
type InputParam struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Default     string `json:"default,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Server is the persisted record of an upstream MCP server. Status,
// ErrorMessage and Logs are runtime-only mirrors owned by the Server
// Manager and never written to the store.
type Server struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	ServerType         ServerType        `json:"server_type"`
	Command            string            `json:"command,omitempty"`
	Args               []string          `json:"args,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	RemoteURL          string            `json:"remote_url,omitempty"`
	BearerToken        string            `json:"bearer_token,omitempty"`
	InputParams        []InputParam      `json:"input_params,omitempty"`
	AutoStart          bool              `json:"auto_start"`
	Disabled           bool              `json:"disabled"`
	LatestKnownVersion string            `json:"latest_known_version,omitempty"`
	ToolPermissions    map[string]bool   `json:"tool_permissions,omitempty"`
	Created            int64             `json:"created"`
	Updated            int64             `json:"updated"`

	// Runtime-only fields.
	Status       ServerStatus `json:"status,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Logs         []string     `json:"logs,omitempty"`
}

// Client is an API consumer of the broker. Its lifetime is independent of
// the tokens issued to it.
type Client struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Created     int64  `json:"created"`
	Updated     int64  `json:"updated"`
}

// Token is an opaque bearer credential bound to a client and an explicit
// set of servers. An empty ServerIDs set denies access to everything.
type Token struct {
	ID        string   `json:"id"`
	ClientID  string   `json:"client_id"`
	ServerIDs []string `json:"server_ids"`
	Scopes    []string `json:"scopes,omitempty"`
	IssuedAt  int64    `json:"issued_at"`
}

// ToolPreference is the persisted policy row for (serverID, toolName,
// clientID). A nil ClientID denotes the global default scope.
type ToolPreference struct {
	ServerID            string  `json:"server_id"`
	ToolName            string  `json:"tool_name"`
	ClientID            *string `json:"client_id,omitempty"`
	Enabled             bool    `json:"enabled"`
	OriginalDescription string  `json:"original_description,omitempty"`
	CustomName          *string `json:"custom_name,omitempty"`
	CustomDescription   *string `json:"custom_description,omitempty"`
}

// ResolvedPreference is the effective policy for a (server, tool, client)
// tuple after the client-specific / global / implicit-default cascade.
type ResolvedPreference struct {
	Enabled           bool
	CustomName        *string
	CustomDescription *string
}

// ToolInfo is a tool as announced by an upstream server, or as exposed to a
// downstream client after preference rewriting.
type ToolInfo struct {
	Name         string         `json:"name"`
	OriginalName string         `json:"original_name,omitempty"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
}

// OAuthConfig is the per-server OAuth client configuration. ClientSecret is
// stored encrypted.
type OAuthConfig struct {
	ServerID                string            `json:"server_id"`
	Provider                string            `json:"provider"`
	DiscoveryURL            string            `json:"discovery_url,omitempty"`
	ClientID                string            `json:"client_id,omitempty"`
	ClientSecret            string            `json:"client_secret,omitempty"`
	Scopes                  []string          `json:"scopes,omitempty"`
	GrantType               string            `json:"grant_type,omitempty"`
	AuthorizationEndpoint   string            `json:"authorization_endpoint,omitempty"`
	TokenEndpoint           string            `json:"token_endpoint,omitempty"`
	RevocationEndpoint      string            `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint   string            `json:"introspection_endpoint,omitempty"`
	UserinfoEndpoint        string            `json:"userinfo_endpoint,omitempty"`
	UsePKCE                 bool              `json:"use_pkce"`
	DynamicRegistration     bool              `json:"dynamic_registration"`
	Audience                string            `json:"audience,omitempty"`
	AdditionalParams        map[string]string `json:"additional_params,omitempty"`
	RegistrationClientURI   string            `json:"registration_client_uri,omitempty"`
	RegistrationAccessToken string            `json:"registration_access_token,omitempty"`
}

// OAuthToken is the persisted token set for one upstream server. The token
// values are stored encrypted; this struct carries them in plaintext only
// between the crypto layer and the caller.
type OAuthToken struct {
	ServerID     string   `json:"server_id"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	IDToken      string   `json:"id_token,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
	ExpiresAt    *int64   `json:"expires_at,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	RefreshCount int      `json:"refresh_count"`
	LastUsed     int64    `json:"last_used"`
}

// AuthState is the ephemeral row bridging an outgoing authorization request
// and its loopback redirect. Rows older than one hour are garbage-collected.
type AuthState struct {
	State         string   `json:"state"`
	ServerID      string   `json:"server_id"`
	CodeVerifier  string   `json:"code_verifier,omitempty"`
	CodeChallenge string   `json:"code_challenge,omitempty"`
	RedirectURI   string   `json:"redirect_uri"`
	Scopes        []string `json:"scopes,omitempty"`
	CreatedAt     int64    `json:"created_at"`
}

// NowMillis returns the current time as integer milliseconds since the Unix
// epoch, the timestamp convention used across the persisted model.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
