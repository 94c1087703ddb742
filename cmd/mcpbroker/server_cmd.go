package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
)

// newServerCommand groups upstream server management.
func newServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage upstream MCP servers",
	}
	cmd.AddCommand(
		newServerAddCommand(),
		newServerListCommand(),
		newServerRemoveCommand(),
		newServerCtlCommand("start"),
		newServerCtlCommand("stop"),
		newServerCtlCommand("restart"),
	)
	return cmd
}

func newServerAddCommand() *cobra.Command {
	var (
		serverType  string
		command     string
		commandArgs []string
		env         map[string]string
		remoteURL   string
		bearerToken string
		autoStart   bool
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register an upstream server",
		Long: `Register an upstream MCP server. Local servers spawn a child process
over stdio; remote servers connect over SSE, remote-streamable over
streamable HTTP.

Examples:
  mcpbroker server add github-mcp --type=local --command=npx --args=-y,@modelcontextprotocol/server-github
  mcpbroker server add corp-mcp --type=remote-streamable --url=https://mcp.corp.example/mcp`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			srv := &contracts.Server{
				Name:        args[0],
				ServerType:  contracts.ServerType(serverType),
				Command:     command,
				Args:        commandArgs,
				Env:         env,
				RemoteURL:   remoteURL,
				BearerToken: bearerToken,
				AutoStart:   autoStart,
			}
			srv, err = app.Servers.AddServer(ctx, srv)
			if err != nil {
				return err
			}
			fmt.Printf("Server %s added (id=%s)\n", srv.Name, srv.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverType, "type", "local", "Server type: local, remote, remote-streamable")
	cmd.Flags().StringVar(&command, "command", "", "Command for local servers")
	cmd.Flags().StringSliceVar(&commandArgs, "args", nil, "Arguments for local servers")
	cmd.Flags().StringToStringVar(&env, "env", nil, "Environment variables for local servers (KEY=VALUE)")
	cmd.Flags().StringVar(&remoteURL, "url", "", "URL for remote servers")
	cmd.Flags().StringVar(&bearerToken, "bearer-token", "", "Static bearer token for remote servers")
	cmd.Flags().BoolVar(&autoStart, "auto-start", false, "Start this server on broker startup")
	return cmd
}

func newServerListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered servers with status",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			for _, srv := range app.Servers.ListServers() {
				state := string(srv.Status)
				if srv.Disabled {
					state = "disabled"
				}
				fmt.Printf("%-30s %-18s %-10s %s\n", srv.Name, srv.ServerType, state, srv.ID)
			}
			return nil
		},
	}
	return cmd
}

func newServerRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a server and its grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			id, err := app.Servers.ResolveID(args[0])
			if err != nil {
				return fmt.Errorf("unknown server %q: %w", args[0], err)
			}
			if err := app.Servers.RemoveServer(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Server %s removed\n", args[0])
			return nil
		},
	}
	return cmd
}

// newServerCtlCommand builds start, stop and restart; the three differ
// only in the manager call.
func newServerCtlCommand(verb string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " <name>",
		Short: verb + " a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			id, err := app.Servers.ResolveID(args[0])
			if err != nil {
				return fmt.Errorf("unknown server %q: %w", args[0], err)
			}
			switch verb {
			case "start":
				err = app.Servers.StartServer(ctx, id)
			case "stop":
				err = app.Servers.StopServer(ctx, id)
			case "restart":
				err = app.Servers.RestartServer(ctx, id)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Server %s: %s\n", args[0], app.Servers.Status(id))
			return nil
		},
	}
	return cmd
}
