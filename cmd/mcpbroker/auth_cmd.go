package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mcpbroker/mcpbroker-go/internal/oauth"
)

// newAuthCommand groups OAuth management for upstream servers.
func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "OAuth authentication for upstream servers",
	}
	cmd.AddCommand(
		newAuthConfigureCommand(),
		newAuthLoginCommand(),
		newAuthStatusCommand(),
		newAuthRevokeCommand(),
	)
	return cmd
}

func newAuthConfigureCommand() *cobra.Command {
	var (
		server       string
		provider     string
		discoveryURL string
		clientID     string
		clientSecret string
		scopes       []string
		dynamicReg   bool
		noPKCE       bool
	)
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Configure OAuth for a server",
		Long: `Configure OAuth for an upstream server, either from a provider
template (github, google, microsoft, slack, gitlab, bitbucket) or from a
discovery URL. With --dynamic-registration and no client id, the broker
registers itself with the provider.

Examples:
  mcpbroker auth configure --server=github-mcp --provider=github --client-id=abc123
  mcpbroker auth configure --server=corp --discovery-url=https://idp.corp.example --dynamic-registration`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			serverID, err := app.Servers.ResolveID(server)
			if err != nil {
				return fmt.Errorf("unknown server %q: %w", server, err)
			}

			opts := oauth.ConfigureOptions{
				DiscoveryURL:        discoveryURL,
				ClientID:            clientID,
				ClientSecret:        clientSecret,
				Scopes:              scopes,
				DynamicRegistration: dynamicReg,
			}
			if noPKCE {
				usePKCE := false
				opts.UsePKCE = &usePKCE
			}

			cfg, err := app.OAuth.Configure(ctx, serverID, provider, opts)
			if err != nil {
				return err
			}
			fmt.Printf("Configured OAuth for %s (provider=%s, client_id=%s)\n",
				server, cfg.Provider, cfg.ClientID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "", "Server name or id (required)")
	cmd.Flags().StringVar(&provider, "provider", "custom", "Provider template")
	cmd.Flags().StringVar(&discoveryURL, "discovery-url", "", "OAuth discovery base URL")
	cmd.Flags().StringVar(&clientID, "client-id", "", "OAuth client id")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "OAuth client secret")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "OAuth scopes")
	cmd.Flags().BoolVar(&dynamicReg, "dynamic-registration", false, "Register the client dynamically (RFC 7591)")
	cmd.Flags().BoolVar(&noPKCE, "no-pkce", false, "Disable PKCE")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

func newAuthLoginCommand() *cobra.Command {
	var (
		server string
		scopes []string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Run the browser authorization flow for a server",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			serverID, err := app.Servers.ResolveID(server)
			if err != nil {
				return fmt.Errorf("unknown server %q: %w", server, err)
			}
			if err := app.OAuth.Authenticate(ctx, serverID, scopes); err != nil {
				return err
			}
			fmt.Printf("Authenticated with %s\n", server)
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "", "Server name or id (required)")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "Scope overrides for this authorization")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

func newAuthStatusCommand() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show OAuth status for one or all servers",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			servers := app.Servers.ListServers()
			for _, srv := range servers {
				if server != "" && srv.Name != server && srv.ID != server {
					continue
				}
				status, err := app.OAuth.GetStatus(ctx, srv.ID)
				if err != nil {
					return err
				}
				fmt.Printf("%-30s %s\n", srv.Name, strings.ToUpper(string(status)))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "", "Limit to one server")
	return cmd
}

func newAuthRevokeCommand() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke and delete a server's OAuth token",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			serverID, err := app.Servers.ResolveID(server)
			if err != nil {
				return fmt.Errorf("unknown server %q: %w", server, err)
			}
			if err := app.OAuth.Revoke(ctx, serverID); err != nil {
				return err
			}
			fmt.Printf("Revoked OAuth token for %s\n", server)
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "", "Server name or id (required)")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}
