// Package runtime assembles the broker: it opens the store under the
// master key, wires the services in dependency order and owns startup
// and shutdown.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/browser"
	"github.com/mcpbroker/mcpbroker-go/internal/config"
	"github.com/mcpbroker/mcpbroker-go/internal/crypto"
	"github.com/mcpbroker/mcpbroker-go/internal/governance"
	"github.com/mcpbroker/mcpbroker-go/internal/oauth"
	"github.com/mcpbroker/mcpbroker-go/internal/router"
	"github.com/mcpbroker/mcpbroker-go/internal/secureenv"
	"github.com/mcpbroker/mcpbroker-go/internal/store"
	"github.com/mcpbroker/mcpbroker-go/internal/token"
	"github.com/mcpbroker/mcpbroker-go/internal/toolfilter"
	"github.com/mcpbroker/mcpbroker-go/internal/upstream"
)

// shutdownTimeout bounds how long teardown waits for background work.
const shutdownTimeout = 10 * time.Second

// authStateMaxAge is how long a pending authorization state may sit
// before the janitor removes it.
const authStateMaxAge = time.Hour

// App is the assembled broker. Fields are exposed so command handlers
// and an embedding API surface can reach the services directly.
type App struct {
	Config  *config.Config
	DataDir string

	Store    *store.Store
	Auditor  *governance.Auditor
	Limits   *governance.RateLimiter
	Rotator  *governance.Rotator
	Backups  *governance.BackupManager
	Migrator *governance.Migrator
	Tokens   *token.Service
	Filter   *toolfilter.Service
	OAuth    *oauth.Service
	Servers  *upstream.Manager
	Gate     *router.Gate

	logger *zap.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp builds the full dependency graph. Startup migrations run here;
// a migration failure aborts construction with the store untouched
// beyond the pre-migration backup.
func NewApp(ctx context.Context, cfg *config.Config, appVersion string, logger *zap.Logger) (*App, error) {
	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, err
	}

	key, err := crypto.LoadOrCreateKey(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load master key: %w", err)
	}
	box, err := crypto.NewBox(key, governance.CurrentKeyVersion(dataDir))
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, dataDir, box, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	app := &App{Config: cfg, DataDir: dataDir, Store: st, logger: logger.Named("runtime")}
	if err := app.wire(ctx, appVersion, logger); err != nil {
		_ = st.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context, appVersion string, logger *zap.Logger) error {
	auditor, err := governance.NewAuditor(a.DataDir, a.Store, a.Config.AuditRetainDays, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	a.Auditor = auditor
	a.Limits = governance.NewRateLimiter(auditor, logger)

	backups, err := governance.NewBackupManager(a.Store, auditor, a.DataDir, appVersion, a.Config.DailyBackupsKept, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize backups: %w", err)
	}
	a.Backups = backups

	a.Migrator = governance.NewMigrator(a.Store, backups, auditor, a.DataDir, logger)
	if err := a.Migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("startup migration failed: %w", err)
	}
	if err := backups.MaybeCreateDaily(ctx, ""); err != nil {
		a.logger.Warn("Daily backup failed", zap.Error(err))
	}
	a.pruneAuthStates(ctx)

	a.Rotator = governance.NewRotator(a.Store, auditor, a.DataDir, a.Config.KeyRotationDays, logger)
	a.Tokens = token.NewService(a.Store, logger)
	a.Filter = toolfilter.NewService(a.Store, logger)

	a.OAuth = oauth.NewService(a.Store, auditor, a.Limits, browser.NewSystemOpener(logger), a.Config, http.DefaultClient, logger)

	envManager := secureenv.NewManager(a.Config.Environment)
	servers, err := upstream.NewManager(ctx, a.Store, a.Filter, a.OAuth, envManager, logger)
	if err != nil {
		return fmt.Errorf("failed to load servers: %w", err)
	}
	a.Servers = servers
	a.Gate = router.NewGate(a.Tokens, a.Filter, servers, logger)
	return nil
}

// pruneAuthStates garbage-collects pending authorization states older
// than authStateMaxAge. Abandoned flows never complete on their own, so
// this runs at startup and then hourly.
func (a *App) pruneAuthStates(ctx context.Context) {
	cutoff := time.Now().Add(-authStateMaxAge).UnixMilli()
	n, err := a.Store.PruneAuthStates(ctx, cutoff)
	if err != nil {
		a.logger.Warn("Failed to prune stale auth states", zap.Error(err))
		return
	}
	if n > 0 {
		a.logger.Info("Pruned stale auth states", zap.Int64("count", n))
	}
}

// Start launches background work: the rotation scheduler, the auth
// state janitor and upstream auto-start. Safe to call once.
func (a *App) Start(ctx context.Context) {
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Rotator.Start(bg)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-bg.Done():
				return
			case <-ticker.C:
				a.pruneAuthStates(bg)
			}
		}
	}()

	// Rotation overdue from downtime is handled immediately rather than
	// waiting for the first scheduler tick.
	if due, err := a.Rotator.Due(); err == nil && due {
		if err := a.Rotator.RotateNow(ctx); err != nil {
			a.logger.Error("Overdue key rotation failed", zap.Error(err))
		}
	}

	a.Servers.AutoStartAll(ctx)
	a.logger.Info("Broker started",
		zap.String("data_dir", a.DataDir),
		zap.Int("servers", len(a.Servers.ListServers())))
}

// Shutdown tears the broker down in reverse dependency order.
func (a *App) Shutdown() error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		a.logger.Warn("Timed out waiting for background tasks")
	}

	a.Servers.ClearAll()
	a.OAuth.Close()
	if err := a.Auditor.Close(); err != nil {
		a.logger.Warn("Failed to close audit log", zap.Error(err))
	}
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	a.logger.Info("Broker stopped")
	return nil
}
