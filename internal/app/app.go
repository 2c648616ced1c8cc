// Package app initializes and holds the long-lived spiderd services,
// acting as the dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/crawlhq/spiderd/internal/api"
	"github.com/crawlhq/spiderd/internal/clock/system"
	"github.com/crawlhq/spiderd/internal/config"
	"github.com/crawlhq/spiderd/internal/environ"
	"github.com/crawlhq/spiderd/internal/id/uuid"
	"github.com/crawlhq/spiderd/internal/launcher"
	"github.com/crawlhq/spiderd/internal/logging"
	"github.com/crawlhq/spiderd/internal/metrics"
	"github.com/crawlhq/spiderd/internal/poller"
	"github.com/crawlhq/spiderd/internal/queue/sqlite"
	"github.com/crawlhq/spiderd/internal/spiderd"
	"github.com/crawlhq/spiderd/internal/storage/eggs"
)

// App holds all the shared, long-lived services for the daemon.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	eggs     *eggs.Store
	poller   *poller.Poller
	launcher *launcher.Launcher
	server   *api.Server
}

// New builds every service from configuration, failing fast when any of
// them cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	metrics.Init()

	store, err := eggs.New(eggs.Config{BaseDir: cfg.Paths.EggsDir})
	if err != nil {
		return nil, fmt.Errorf("initialize egg storage: %w", err)
	}

	openQueue := func(project string) (spiderd.Queue, error) {
		return sqlite.Open(filepath.Join(cfg.Paths.DBsDir, project+".db"))
	}
	p := poller.New(openQueue, projectLister(store, cfg.Settings), logger)
	if err := p.UpdateProjects(ctx); err != nil {
		return nil, fmt.Errorf("load project registry: %w", err)
	}

	builder := &environ.Builder{
		LogsDir:    cfg.Paths.LogsDir,
		DBsDir:     cfg.Paths.DBsDir,
		LogsToKeep: cfg.Paths.LogsToKeep,
		Settings:   cfg.Settings,
	}
	l := launcher.New(p, store, builder, system.New(), launcher.Config{
		MaxProc:        cfg.EffectiveMaxProc(),
		FinishedToKeep: cfg.Launcher.FinishedToKeep,
		PollInterval:   time.Duration(cfg.Launcher.PollIntervalSeconds) * time.Second,
		Python:         cfg.Runner.Python,
		Module:         cfg.Runner.Module,
	}, logger)

	server := api.NewServer(p, l, store, uuid.NewGenerator(), cfg, logger)

	return &App{
		cfg:      cfg,
		logger:   logger,
		eggs:     store,
		poller:   p,
		launcher: l,
		server:   server,
	}, nil
}

// projectLister derives the known projects from stored eggs plus any
// project named in the settings section of the config.
func projectLister(store *eggs.Store, settings map[string]string) poller.ProjectLister {
	return func(ctx context.Context) ([]string, error) {
		names, err := store.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(names))
		for _, name := range names {
			seen[name] = true
		}
		for name := range settings {
			if !seen[name] {
				names = append(names, name)
				seen[name] = true
			}
		}
		sort.Strings(names)
		return names, nil
	}
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts the launcher and the HTTP server and blocks until the context
// finishes, then shuts both down.
func (a *App) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	launcherDone := make(chan struct{})
	go func() {
		defer close(launcherDone)
		a.launcher.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.Int("port", a.cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", zap.Error(err))
	}
	<-launcherDone
	return nil
}

// Close releases queue databases and flushes the logger.
func (a *App) Close() {
	if err := a.poller.Close(); err != nil {
		a.logger.Warn("close queues failed", zap.Error(err))
	}
	// Best effort: syncing stderr commonly fails on ttys.
	_ = a.logger.Sync()
}
