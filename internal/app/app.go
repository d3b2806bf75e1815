// Package app builds the hydrator's dependencies from configuration and runs
// one hydration batch through them.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-hydrator/internal/api"
	"github.com/JakeFAU/bulk-hydrator/internal/clock/system"
	"github.com/JakeFAU/bulk-hydrator/internal/command"
	"github.com/JakeFAU/bulk-hydrator/internal/config"
	"github.com/JakeFAU/bulk-hydrator/internal/dispatcher"
	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
	"github.com/JakeFAU/bulk-hydrator/internal/id/uuid"
	"github.com/JakeFAU/bulk-hydrator/internal/progress"
	"github.com/JakeFAU/bulk-hydrator/internal/store"
)

// Options carries process-level collaborators. Zero values select the real
// implementations.
type Options struct {
	// Stdin backs the "-" input designator.
	Stdin io.Reader
	// Runner spawns the worker, compiler and archive command.
	Runner command.Runner
	// Registerer receives the progress collectors.
	Registerer prometheus.Registerer
	// Logger overrides the logger built from cfg.Logging.
	Logger *zap.Logger
}

// Closer is satisfied by publishers that hold a client.
type Closer interface {
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	outputDir string
	logger    *zap.Logger
	stdin     io.Reader
	runner    command.Runner
	clock     hydrator.Clock
	ids       *uuid.Generator

	provisioner hydrator.Provisioner
	blobStore   hydrator.ArtifactStore
	gcsClient   *storage.Client
	runRepo     store.RunRepository
	closeRepo   func()
	publisher   hydrator.Publisher
	progressHub *progress.Hub
	emitter     progress.Emitter
	dispatch    *dispatcher.Dispatcher
	apiServer   *api.Server

	mu   sync.Mutex
	snap hydrator.RunSnapshot
}

// Build creates the application's dependencies. outputDir is the artifact
// directory of the local storage backend.
func Build(ctx context.Context, cfg config.Config, outputDir string, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = newLogger(cfg)
		if err != nil {
			return nil, err
		}
	}
	a := &App{
		cfg:       cfg,
		outputDir: outputDir,
		logger:    logger,
		stdin:     opts.Stdin,
		runner:    opts.Runner,
		clock:     system.New(),
		ids:       uuid.NewUUIDGenerator(),
		snap:      hydrator.RunSnapshot{State: hydrator.StateIdle},
	}
	if a.stdin == nil {
		a.stdin = os.Stdin
	}
	if a.runner == nil {
		a.runner = command.NewExecRunner()
	}

	a.logger.Info("building application dependencies",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("archive", cfg.Archive.Mode),
		zap.Int("concurrency", cfg.Hydrator.Concurrency),
	)

	if err := a.build(ctx, opts); err != nil {
		if closeErr := a.Close(ctx); closeErr != nil {
			a.logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	var err error
	if a.provisioner, err = NewProvisioner(a.cfg, a.runner, a.logger); err != nil {
		return err
	}
	if a.blobStore, err = a.setupStorage(ctx); err != nil {
		return err
	}
	if err = a.setupDatabase(ctx); err != nil {
		return err
	}
	if a.publisher, err = a.setupPublisher(ctx); err != nil {
		return err
	}
	if a.emitter, err = a.setupProgress(ctx, opts.Registerer); err != nil {
		return err
	}
	if a.dispatch, err = a.setupDispatcher(); err != nil {
		return err
	}
	return a.setupStatusServer()
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// StatusAddr returns the bound status server address, or "" when disabled.
func (a *App) StatusAddr() string {
	if a.apiServer == nil {
		return ""
	}
	return a.apiServer.Addr()
}

// Snapshot implements api.SnapshotProvider.
func (a *App) Snapshot() hydrator.RunSnapshot {
	a.mu.Lock()
	snap := a.snap
	a.mu.Unlock()
	if snap.State == hydrator.StateRunning && a.dispatch != nil {
		snap.Stats = a.dispatch.Stats()
	}
	return snap
}

func (a *App) setState(state hydrator.RunState, update func(*hydrator.RunSnapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap.State = state
	if update != nil {
		update(&a.snap)
	}
	a.logger.Debug("run state", zap.String("state", string(state)), zap.String("run_id", a.snap.RunID))
}

// Close gracefully shuts down the application. The progress hub is drained
// before the run repository closes so the final run status is persisted.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("status server shutdown failed", zap.Error(err))
			keep(err)
		}
		cancel()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
			keep(err)
		}
	}
	if c, ok := a.publisher.(Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
			keep(err)
		}
	}
	if a.closeRepo != nil {
		a.closeRepo()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
			keep(err)
		}
	}
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
	if firstErr != nil {
		return fmt.Errorf("close app: %w", firstErr)
	}
	return nil
}
