package oauth

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
)

// tokenProvider is the slice of the Service the transport wrapper needs.
type tokenProvider interface {
	GetAccessToken(ctx context.Context, serverID string) (string, error)
	Refresh(ctx context.Context, serverID string) (string, error)
}

// refreshingTransport injects the server's access token into every
// request and, on a 401, performs exactly one refresh and one retry.
type refreshingTransport struct {
	base     http.RoundTripper
	tokens   tokenProvider
	serverID string
	logger   *zap.Logger
}

// HTTPClient returns an OAuth-aware http.Client for one server.
func (s *Service) HTTPClient(serverID string) *http.Client {
	return NewHTTPClient(s, serverID, s.logger)
}

// NewHTTPClient builds an http.Client whose transport keeps the
// Authorization header current for one upstream server. Used for SSE
// connections, whose long-lived request can outlive the token that
// opened it.
func NewHTTPClient(svc *Service, serverID string, logger *zap.Logger) *http.Client {
	return &http.Client{
		Transport: &refreshingTransport{
			base:     http.DefaultTransport,
			tokens:   svc,
			serverID: serverID,
			logger:   logger.Named("oauth.transport"),
		},
	}
}

func (t *refreshingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	accessToken, err := t.tokens.GetAccessToken(ctx, t.serverID)
	if err != nil && !errors.Is(err, contracts.ErrNotFound) {
		return nil, err
	}

	authed := req.Clone(ctx)
	if accessToken != "" {
		authed.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := t.base.RoundTrip(authed)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// A request body can only be replayed through GetBody.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	t.logger.Debug("Upstream returned 401, refreshing token once",
		zap.String("server_id", t.serverID))

	newToken, err := t.tokens.Refresh(ctx, t.serverID)
	if err != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		var tokenErr *contracts.OAuthTokenError
		if errors.As(err, &tokenErr) {
			return nil, err
		}
		return nil, &contracts.OAuthTokenError{
			Kind:     contracts.TokenRefreshFailed,
			ServerID: t.serverID,
			Message:  err.Error(),
		}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+newToken)
	return t.base.RoundTrip(retry)
}
