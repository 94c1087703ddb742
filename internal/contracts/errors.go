package contracts

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by the Router Gate and the services behind it.
var (
	// ErrNotFound indicates a server, client, tool or token does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthenticated indicates the presented token is unknown or malformed.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden indicates the token does not grant the target server.
	ErrForbidden = errors.New("forbidden")

	// ErrToolDisabled indicates policy resolution denies the call.
	ErrToolDisabled = errors.New("tool disabled")

	// ErrServerNotRunning indicates there is no live transport for the server.
	ErrServerNotRunning = errors.New("server not running")
)

// UpstreamError wraps an error returned by an upstream transport or tool
// call; the upstream message is passed through verbatim.
type UpstreamError struct {
	ServerID string
	Message  string
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream error from %s: %s", e.ServerID, e.Message)
	}
	return fmt.Sprintf("upstream error from %s: %v", e.ServerID, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// OAuthFlowErrorKind classifies failures of the browser-driven flow.
type OAuthFlowErrorKind string

const (
	FlowCancelled     OAuthFlowErrorKind = "cancelled"
	FlowStateMismatch OAuthFlowErrorKind = "state_mismatch"
	FlowTimeout       OAuthFlowErrorKind = "timeout"
	FlowProviderError OAuthFlowErrorKind = "provider_error"
)

// OAuthFlowError reports a failed authorization flow.
type OAuthFlowError struct {
	Kind     OAuthFlowErrorKind
	ServerID string
	Message  string
}

func (e *OAuthFlowError) Error() string {
	return fmt.Sprintf("oauth flow %s for server %s: %s", e.Kind, e.ServerID, e.Message)
}

// OAuthTokenErrorKind classifies token lifecycle failures.
type OAuthTokenErrorKind string

const (
	TokenExpired       OAuthTokenErrorKind = "expired"
	TokenInvalidGrant  OAuthTokenErrorKind = "invalid_grant"
	TokenRefreshFailed OAuthTokenErrorKind = "refresh_failed"
)

// OAuthTokenError reports a token lifecycle failure. After a terminal
// refresh failure the stored token row has been deleted.
type OAuthTokenError struct {
	Kind     OAuthTokenErrorKind
	ServerID string
	Message  string
}

func (e *OAuthTokenError) Error() string {
	return fmt.Sprintf("oauth token %s for server %s: %s", e.Kind, e.ServerID, e.Message)
}

// OAuthConfigurationError reports incomplete endpoints or failed discovery.
type OAuthConfigurationError struct {
	ServerID string
	Message  string
}

func (e *OAuthConfigurationError) Error() string {
	return fmt.Sprintf("oauth configuration for server %s: %s", e.ServerID, e.Message)
}

// RateLimitedError is returned when a fixed-window rate limit is exceeded.
// ResetAt is the start of the next window.
type RateLimitedError struct {
	Operation string
	ServerID  string
	ResetAt   time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s on server %s, resets at %s",
		e.Operation, e.ServerID, e.ResetAt.Format(time.RFC3339))
}

// StoreError wraps a transactional persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// MigrationError is fatal at startup.
type MigrationError struct {
	ID  string
	Err error
}

func (e *MigrationError) Error() string { return fmt.Sprintf("migration %s: %v", e.ID, e.Err) }
func (e *MigrationError) Unwrap() error { return e.Err }
