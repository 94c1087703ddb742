package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
)

// HTTPConfig describes a remote transport. Headers carry the optional
// static bearer token and any OAuth injection; HTTPClient, when set,
// wraps requests with the OAuth-aware 401-retry transport.
type HTTPConfig struct {
	URL        string
	Headers    map[string]string
	HTTPClient *http.Client
}

// CreateStreamableClient builds an MCP client over streamable HTTP.
func CreateStreamableClient(cfg *HTTPConfig) (*client.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for streamable HTTP transport")
	}

	opts := []transport.StreamableHTTPCOption{
		transport.WithHTTPTimeout(180 * time.Second),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, transport.WithHTTPBasicClient(cfg.HTTPClient))
	}

	httpTransport, err := transport.NewStreamableHTTP(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP transport: %w", err)
	}
	return client.NewClient(httpTransport), nil
}

// CreateSSEClient builds an MCP client over SSE. The HTTP client uses a
// long timeout so the persistent event stream is not cut off.
func CreateSSEClient(cfg *HTTPConfig) (*client.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for SSE transport")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 180 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 5,
			},
		}
	}

	opts := []transport.ClientOption{client.WithHTTPClient(httpClient)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, client.WithHeaders(cfg.Headers))
	}

	sseClient, err := client.NewSSEMCPClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}
	return sseClient, nil
}
