package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
)

// newTokenCommand groups client and token management. Tokens are the
// credentials downstream API clients present to the gate.
func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Client tokens for the broker's downstream API",
	}
	cmd.AddCommand(
		newClientAddCommand(),
		newTokenIssueCommand(),
		newTokenListCommand(),
		newTokenRevokeCommand(),
	)
	return cmd
}

func newClientAddCommand() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "add-client <name>",
		Short: "Register a downstream client",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			now := contracts.NowMillis()
			client := &contracts.Client{
				ID:          uuid.NewString(),
				Name:        args[0],
				Description: description,
				Created:     now,
				Updated:     now,
			}
			if err := app.Store.CreateClient(ctx, client); err != nil {
				return err
			}
			fmt.Printf("Client %s created (id=%s)\n", client.Name, client.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Free-form client description")
	return cmd
}

func newTokenIssueCommand() *cobra.Command {
	var (
		clientName string
		servers    []string
		scopes     []string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token for a client over an explicit server set",
		Long: `Issue a new opaque token. Access is always explicit: a token with no
--servers grants access to nothing.

Example:
  mcpbroker token issue --client=my-agent --servers=github-mcp,jira-mcp`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			client, err := app.Store.GetClientByName(ctx, clientName)
			if err != nil {
				return fmt.Errorf("unknown client %q: %w", clientName, err)
			}

			serverIDs := make([]string, 0, len(servers))
			for _, s := range servers {
				id, err := app.Servers.ResolveID(s)
				if err != nil {
					return fmt.Errorf("unknown server %q: %w", s, err)
				}
				serverIDs = append(serverIDs, id)
			}

			tok, err := app.Tokens.Generate(ctx, client.ID, serverIDs, scopes)
			if err != nil {
				return err
			}
			// The id is the credential. It is shown once and never logged.
			fmt.Printf("Token issued for %s over %d server(s):\n%s\n",
				clientName, len(serverIDs), tok.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientName, "client", "", "Client name (required)")
	cmd.Flags().StringSliceVar(&servers, "servers", nil, "Server names or ids the token may reach")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "Token scopes")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func newTokenListCommand() *cobra.Command {
	var clientName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tokens issued to a client",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			client, err := app.Store.GetClientByName(ctx, clientName)
			if err != nil {
				return fmt.Errorf("unknown client %q: %w", clientName, err)
			}
			tokens, err := app.Tokens.ListByClient(ctx, client.ID)
			if err != nil {
				return err
			}
			for _, tok := range tokens {
				issued := time.UnixMilli(tok.IssuedAt).Format(time.RFC3339)
				fmt.Printf("%s…  servers=%d  issued=%s\n",
					tok.ID[:8], len(tok.ServerIDs), issued)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&clientName, "client", "", "Client name (required)")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func newTokenRevokeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			if err := app.Tokens.Revoke(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("Token revoked")
			return nil
		},
	}
	return cmd
}
