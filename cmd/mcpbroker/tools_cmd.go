package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
)

// newToolsCommand groups per-server tool policy management.
func newToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Tool exposure policy per server and client",
	}
	cmd.AddCommand(
		newToolsListCommand(),
		newToolsSetCommand(true),
		newToolsSetCommand(false),
		newToolsRenameCommand(),
		newToolsResetCommand(),
	)
	return cmd
}

// clientScope resolves an optional client name to the pointer form the
// filter uses: nil for the global scope.
func clientScope(ctx context.Context, app appStore, clientName string) (*string, error) {
	if clientName == "" {
		return nil, nil
	}
	client, err := app.GetClientByName(ctx, clientName)
	if err != nil {
		return nil, fmt.Errorf("unknown client %q: %w", clientName, err)
	}
	return &client.ID, nil
}

// appStore is the slice of the store the scope resolver needs.
type appStore interface {
	GetClientByName(ctx context.Context, name string) (*contracts.Client, error)
}

func newToolsListCommand() *cobra.Command {
	var (
		server     string
		clientName string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored tool preferences for a server",
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
			clientID, err := clientScope(ctx, app.Store, clientName)
			if err != nil {
				return err
			}

			rows, err := app.Filter.ListScope(ctx, serverID, clientID)
			if err != nil {
				return err
			}
			for _, row := range rows {
				state := "enabled"
				if !row.Enabled {
					state = "disabled"
				}
				name := row.ToolName
				if row.CustomName != nil {
					name = fmt.Sprintf("%s (as %q)", row.ToolName, *row.CustomName)
				}
				fmt.Printf("%-40s %s\n", name, state)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "", "Server name or id (required)")
	cmd.Flags().StringVar(&clientName, "client", "", "Client scope (default: global)")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

// newToolsSetCommand builds enable and disable; --all covers the whole
// scope, otherwise --tool names one tool.
func newToolsSetCommand(enable bool) *cobra.Command {
	verb := "disable"
	if enable {
		verb = "enable"
	}
	var (
		server     string
		tool       string
		clientName string
		all        bool
	)
	cmd := &cobra.Command{
		Use:   verb,
		Short: verb + " a tool (or every tool with --all)",
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
			clientID, err := clientScope(ctx, app.Store, clientName)
			if err != nil {
				return err
			}

			if all {
				if err := app.Filter.SetAllEnabled(ctx, serverID, clientID, enable); err != nil {
					return err
				}
				fmt.Printf("All tools on %s %sd\n", server, verb)
				return nil
			}
			if tool == "" {
				return fmt.Errorf("either --tool or --all is required")
			}
			if err := app.Filter.SetPreference(ctx, &contracts.ToolPreference{
				ServerID: serverID,
				ToolName: tool,
				ClientID: clientID,
				Enabled:  enable,
			}); err != nil {
				return err
			}
			fmt.Printf("Tool %s on %s %sd\n", tool, server, verb)
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "", "Server name or id (required)")
	cmd.Flags().StringVarP(&tool, "tool", "t", "", "Tool name")
	cmd.Flags().StringVar(&clientName, "client", "", "Client scope (default: global)")
	cmd.Flags().BoolVar(&all, "all", false, "Apply to every tool of the server")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

func newToolsRenameCommand() *cobra.Command {
	var (
		server      string
		tool        string
		clientName  string
		customName  string
		description string
	)
	cmd := &cobra.Command{
		Use:   "rename",
		Short: "Override a tool's exposed name or description",
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
			clientID, err := clientScope(ctx, app.Store, clientName)
			if err != nil {
				return err
			}

			pref := &contracts.ToolPreference{
				ServerID: serverID,
				ToolName: tool,
				ClientID: clientID,
				Enabled:  true,
			}
			if customName != "" {
				pref.CustomName = &customName
			}
			if description != "" {
				pref.CustomDescription = &description
			}
			if err := app.Filter.SetPreference(ctx, pref); err != nil {
				return err
			}
			fmt.Printf("Tool %s on %s updated\n", tool, server)
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "", "Server name or id (required)")
	cmd.Flags().StringVarP(&tool, "tool", "t", "", "Tool name (required)")
	cmd.Flags().StringVar(&clientName, "client", "", "Client scope (default: global)")
	cmd.Flags().StringVar(&customName, "name", "", "Name exposed to clients")
	cmd.Flags().StringVar(&description, "description", "", "Description exposed to clients")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func newToolsResetCommand() *cobra.Command {
	var (
		server     string
		clientName string
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop every stored preference in a scope",
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
			clientID, err := clientScope(ctx, app.Store, clientName)
			if err != nil {
				return err
			}
			if err := app.Filter.Reset(ctx, serverID, clientID); err != nil {
				return err
			}
			fmt.Printf("Preferences on %s reset\n", server)
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "", "Server name or id (required)")
	cmd.Flags().StringVar(&clientName, "client", "", "Client scope (default: global)")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}
