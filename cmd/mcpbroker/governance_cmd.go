package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newBackupCommand groups encrypted OAuth dataset backups.
func newBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Backup and restore OAuth configurations and tokens",
	}

	var passphrase string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a backup now",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			path, err := app.Backups.Create(ctx, passphrase, false)
			if err != nil {
				return err
			}
			fmt.Printf("Backup written to %s\n", path)
			return nil
		},
	}
	create.Flags().StringVar(&passphrase, "passphrase", "", "Encrypt the payload with a passphrase")

	var restorePassphrase string
	restore := &cobra.Command{
		Use:   "restore <path>",
		Short: "Restore configurations and tokens from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			if err := app.Backups.Restore(ctx, args[0], restorePassphrase); err != nil {
				return err
			}
			fmt.Println("Backup restored")
			return nil
		},
	}
	restore.Flags().StringVar(&restorePassphrase, "passphrase", "", "Passphrase the backup was encrypted with")

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded backups, newest first",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			history, err := app.Backups.History()
			if err != nil {
				return err
			}
			for _, entry := range history {
				kind := "manual"
				if entry.Automatic {
					kind = "auto"
				}
				created := time.UnixMilli(entry.CreatedAt).Format(time.RFC3339)
				fmt.Printf("%-8s %s  %s\n", kind, created, entry.File)
			}
			return nil
		},
	}

	cmd.AddCommand(create, restore, list)
	return cmd
}

// newRotateKeyCommand rotates the master encryption key on demand.
func newRotateKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Rotate the master encryption key now",
		Long: `Generate a fresh master key and re-encrypt every stored secret under
it in one transaction. On failure the old key stays authoritative.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			if err := app.Rotator.RotateNow(ctx); err != nil {
				return err
			}
			fmt.Println("Master key rotated")
			return nil
		},
	}
}

// newAuditCommand prints recent audit entries.
func newAuditCommand() *cobra.Command {
	var (
		limit int
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit log entries",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := context.Background()
			app, logger, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(); _ = logger.Sync() }()

			sinceMillis := time.Now().Add(-since).UnixMilli()
			rows, err := app.Store.ListAudit(ctx, sinceMillis, limit)
			if err != nil {
				return err
			}
			for _, row := range rows {
				ts := time.UnixMilli(row.Timestamp).Format(time.RFC3339)
				server := row.ServerID
				if server == "" {
					server = "-"
				}
				fmt.Printf("%s %-8s %-26s %s\n", ts, row.Severity, row.EventType, server)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries to show")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "How far back to look")
	return cmd
}
