package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/bulk-hydrator/internal/api"
	"github.com/JakeFAU/bulk-hydrator/internal/archive"
	"github.com/JakeFAU/bulk-hydrator/internal/artifact"
	"github.com/JakeFAU/bulk-hydrator/internal/command"
	"github.com/JakeFAU/bulk-hydrator/internal/config"
	"github.com/JakeFAU/bulk-hydrator/internal/dispatcher"
	"github.com/JakeFAU/bulk-hydrator/internal/extract"
	"github.com/JakeFAU/bulk-hydrator/internal/hash/sha256"
	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
	"github.com/JakeFAU/bulk-hydrator/internal/logging"
	"github.com/JakeFAU/bulk-hydrator/internal/policy/ratelimit"
	"github.com/JakeFAU/bulk-hydrator/internal/progress"
	progresssinks "github.com/JakeFAU/bulk-hydrator/internal/progress/sinks"
	"github.com/JakeFAU/bulk-hydrator/internal/provision"
	memorypublisher "github.com/JakeFAU/bulk-hydrator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/bulk-hydrator/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/bulk-hydrator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/bulk-hydrator/internal/storage/local"
	memorystorage "github.com/JakeFAU/bulk-hydrator/internal/storage/memory"
	pgstore "github.com/JakeFAU/bulk-hydrator/internal/storage/postgres"
	"github.com/JakeFAU/bulk-hydrator/internal/worker"
)

// DefaultSummaryTopic names the run summary stream when no Pub/Sub topic is set.
const DefaultSummaryTopic = "hydrator.runs"

const defaultShutdownTimeout = 5 * time.Second

func newLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// NewProvisioner builds the worker provisioner from cfg.
func NewProvisioner(cfg config.Config, runner command.Runner, logger *zap.Logger) (*provision.Provisioner, error) {
	if runner == nil {
		runner = command.NewExecRunner()
	}
	p, err := provision.New(provision.Config{
		WorkerPath:   cfg.Worker.Path,
		SourcePath:   cfg.Worker.Source,
		GoBinary:     cfg.Worker.GoBinary,
		Policy:       provision.BuildPolicy(cfg.Worker.Build),
		BuildTimeout: cfg.Worker.BuildTimeout,
	}, runner, sha256.New(), logger)
	if err != nil {
		return nil, fmt.Errorf("provisioner init failed: %w", err)
	}
	return p, nil
}

func (a *App) setupStorage(ctx context.Context) (hydrator.ArtifactStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case config.StorageMemory:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.outputDir})
		if err != nil {
			return nil, &hydrator.IOError{Op: "open output directory", Path: a.outputDir, Err: err}
		}
		a.logger.Debug("local storage backend", zap.String("path", blobStore.BaseDir()))
		return blobStore, nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Debug("no database DSN configured, keeping run history in memory")
		a.runRepo = memorystorage.NewRunStore()
		return nil
	}
	runStore, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.runRepo = runStore
	a.closeRepo = runStore.Close
	if a.cfg.Database.EnsureSchema {
		if err := runStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("run store schema: %w", err)
		}
	}
	a.logger.Info("run history stored in postgres")
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (hydrator.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	publisher, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return progress.Nop, nil
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(a.runRepo, a.logger.Named("progress_store")),
	}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Progress.PrometheusEnabled {
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, err
		}
		sinkList = append(sinkList, promSink)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}

func (a *App) setupEnricher() (hydrator.Enricher, error) {
	switch a.cfg.Archive.Mode {
	case config.ArchiveCommand:
		enricher, err := archive.NewCommandEnricher(a.cfg.Archive.Command, a.cfg.Archive.Timeout, a.runner, a.logger)
		if err != nil {
			return nil, fmt.Errorf("archive enricher init failed: %w", err)
		}
		return enricher, nil
	case config.ArchiveTimemap:
		return archive.NewTimemapEnricher(archive.TimemapConfig{
			BaseURL:   a.cfg.Archive.BaseURL,
			UserAgent: a.cfg.Archive.UserAgent,
			Timeout:   a.cfg.Archive.Timeout,
		}, a.logger), nil
	default:
		return nil, nil
	}
}

func (a *App) setupDispatcher() (*dispatcher.Dispatcher, error) {
	limiter := ratelimit.New(a.cfg.RateLimit)
	if limiter.Enabled() {
		a.logger.Info("rate limiter enabled",
			zap.Float64("per_host_rps", a.cfg.RateLimit.PerHostRPS),
			zap.Int("burst", a.cfg.RateLimit.Burst),
		)
	}
	core := a.logger.Core()
	invoker, err := extract.New(extract.Config{
		WorkerPath:  a.cfg.Worker.Path,
		ServiceAddr: a.cfg.Worker.ServiceAddr,
		Verbose:     core.Enabled(zapcore.DebugLevel),
		Quiet:       !core.Enabled(zapcore.InfoLevel),
		Timeout:     a.cfg.Worker.Timeout,
	}, a.runner, limiter, a.logger)
	if err != nil {
		return nil, fmt.Errorf("invoker init failed: %w", err)
	}

	enricher, err := a.setupEnricher()
	if err != nil {
		return nil, err
	}

	opts := a.cfg.Hydrator.RunOptions()
	w, err := worker.New(
		artifact.NewLedger(a.blobStore, opts.SkipExisting),
		invoker,
		enricher,
		artifact.NewWriter(a.blobStore),
		a.clock,
		worker.Config{ExtractionField: opts.ExtractionField, SnapshotField: opts.SnapshotField},
		a.logger.Named("worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}
	d, err := dispatcher.New(w, opts, a.emitter, a.clock, a.logger.Named("dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}
	return d, nil
}

func (a *App) setupStatusServer() error {
	if a.cfg.Server.ShutdownTimeout <= 0 {
		a.cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if a.cfg.Server.Addr == "" {
		return nil
	}
	srv := api.NewServer(a, a.runRepo, a.logger.Named("api"))
	if err := srv.Start(a.cfg.Server.Addr); err != nil {
		return err
	}
	a.apiServer = srv
	return nil
}
