package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/config"
	"github.com/mcpbroker/mcpbroker-go/internal/logs"
	"github.com/mcpbroker/mcpbroker-go/internal/runtime"
)

var (
	configFile   string
	dataDir      string
	logLevel     string
	logToFile    bool
	logDir       string
	callbackPort int

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcpbroker",
		Short:   "Local MCP broker - aggregates MCP servers behind one authenticated gate",
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcpbroker)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Enable logging to a rotating file in the data directory")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path")
	rootCmd.PersistentFlags().IntVar(&callbackPort, "callback-port", 0, "OAuth loopback callback port (default 42424)")

	rootCmd.AddCommand(
		newAuthCommand(),
		newTokenCommand(),
		newServerCommand(),
		newToolsCommand(),
		newBackupCommand(),
		newRotateKeyCommand(),
		newAuditCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers file, env and flag overrides into one Config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if callbackPort != 0 {
		cfg.CallbackPort = callbackPort
	}
	if cfg.Logging == nil {
		cfg.Logging = logs.DefaultConfig()
	}
	cfg.Logging.Level = logLevel
	cfg.Logging.EnableFile = logToFile
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}
	return cfg, nil
}

// setupApp builds the broker for a one-shot management command. The
// caller must Shutdown.
func setupApp(ctx context.Context) (*runtime.App, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logs.Setup(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	app, err := runtime.NewApp(ctx, cfg, version, logger)
	if err != nil {
		return nil, nil, err
	}
	return app, logger, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, logger, err := setupApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app.Start(ctx)
	logger.Info("mcpbroker running", zap.String("version", version))

	<-ctx.Done()
	logger.Info("Shutting down")
	return app.Shutdown()
}
