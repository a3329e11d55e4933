// Package bootstrap provides dependency initialization for the media operations API.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/maauso/mediaops-api/internal/asset"
	"github.com/maauso/mediaops-api/internal/config"
	"github.com/maauso/mediaops-api/internal/database"
	"github.com/maauso/mediaops-api/internal/events"
	"github.com/maauso/mediaops-api/internal/janitor"
	"github.com/maauso/mediaops-api/internal/job"
	"github.com/maauso/mediaops-api/internal/media"
	"github.com/maauso/mediaops-api/internal/process"
	"github.com/maauso/mediaops-api/internal/storage"
)

const objectStoreInitTimeout = 30 * time.Second

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Orchestrator *job.Orchestrator
	Library      *asset.Library
	Store        storage.Storage
	Janitor      *janitor.Janitor
	Publisher    events.Publisher
	// FilesDir is the storage root served under /files/.
	FilesDir string

	db *gorm.DB
}

// NewDependencies creates and initializes all dependencies for the application.
// Jobs left unfinished by a previous run are failed before it returns, and the
// janitor is started.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Dependencies, err error) {
	deps := &Dependencies{FilesDir: cfg.DataDir}
	defer func() {
		if err != nil {
			_ = deps.Close(context.Background())
		}
	}()

	// Initialize storage
	store, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	deps.Store = store

	// Initialize repositories
	jobRepo, assetRepo, db, err := initRepositories(cfg, logger)
	if err != nil {
		return nil, err
	}
	deps.db = db

	// Initialize media tooling
	maxBytes, err := cfg.MaxUploadBytes()
	if err != nil {
		return nil, err
	}
	supervisor := process.NewSupervisor(
		process.WithTailBytes(cfg.DiagnosticTailKB*1024),
		process.WithLogger(logger),
	)
	prober := media.NewFFprobe(supervisor, cfg.FFprobePath, cfg.ProbeTimeout)

	presets := media.DefaultPresets()
	if cfg.PresetsFile != "" {
		presets, err = media.LoadPresets(cfg.PresetsFile)
		if err != nil {
			return nil, fmt.Errorf("load export presets: %w", err)
		}
		logger.Info("export presets loaded",
			slog.String("file", cfg.PresetsFile),
			slog.Any("formats", presets.Formats()),
		)
	}
	builder := media.NewBuilder(cfg.FFmpegPath, presets)

	deps.Library = asset.NewLibrary(assetRepo, store, prober,
		asset.WithMaxBytes(maxBytes),
		asset.WithLibraryLogger(logger),
	)

	// Initialize event publisher
	deps.Publisher, err = initPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Initialize orchestrator
	deps.Orchestrator = job.NewOrchestrator(
		jobRepo,
		deps.Library,
		store,
		supervisor,
		prober,
		builder,
		logger,
		job.WithConcurrency(cfg.MaxConcurrentJobs),
		job.WithTimeouts(cfg.CopyTimeout, cfg.EncodeTimeout),
		job.WithTrimFallback(cfg.TrimReencodeFallback),
		job.WithOutputProbe(cfg.ProbeOutputs, cfg.MaxConcurrentJobs),
		job.WithMirror(cfg.MirrorOutputs),
		job.WithPublisher(deps.Publisher),
	)
	if _, err = deps.Orchestrator.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover interrupted jobs: %w", err)
	}

	// Initialize janitor
	janitorSvc := janitor.New(jobRepo, deps.Library, cfg.JobRetention, janitor.WithLogger(logger))
	if err = janitorSvc.Start(cfg.JanitorSchedule); err != nil {
		return nil, err
	}
	deps.Janitor = janitorSvc

	return deps, nil
}

// Close stops the orchestrator, then the janitor, then the publisher and
// database. Errors are joined; every step runs.
func (d *Dependencies) Close(ctx context.Context) error {
	var errs []error
	if d.Orchestrator != nil {
		errs = append(errs, d.Orchestrator.Close(ctx))
	}
	if d.Janitor != nil {
		errs = append(errs, d.Janitor.Stop(ctx))
	}
	if d.Publisher != nil {
		errs = append(errs, d.Publisher.Close())
	}
	if d.db != nil {
		errs = append(errs, database.Close(d.db))
	}
	return errors.Join(errs...)
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.DataDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
			slog.Bool("mirror_outputs", cfg.MirrorOutputs),
		)
		return s3Store, nil
	}

	if cfg.MinIOEnabled() {
		initCtx, cancel := context.WithTimeout(ctx, objectStoreInitTimeout)
		defer cancel()
		minioStore, err := storage.NewMinIOStorage(initCtx, cfg.DataDir, storage.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			Bucket:    cfg.MinIOBucket,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("create MinIO storage: %w", err)
		}
		logger.Info("MinIO storage configured",
			slog.String("endpoint", cfg.MinIOEndpoint),
			slog.String("bucket", cfg.MinIOBucket),
			slog.Bool("mirror_outputs", cfg.MirrorOutputs),
		)
		return minioStore, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	if cfg.MirrorOutputs {
		logger.Warn("MIRROR_OUTPUTS is set but no object store is configured")
	}
	logger.Info("local storage configured",
		slog.String("data_dir", cfg.DataDir),
	)
	return localStore, nil
}

// initRepositories returns in-memory repositories, or gorm-backed ones sharing one connection.
func initRepositories(cfg *config.Config, logger *slog.Logger) (job.Repository, asset.Repository, *gorm.DB, error) {
	if cfg.DatabaseDriver == "memory" {
		logger.Info("using in-memory repositories")
		return job.NewMemoryRepository(), asset.NewMemoryRepository(), nil, nil
	}

	dsn := cfg.DatabaseDSN
	if dsn == "" && cfg.DatabaseDriver == database.DriverSQLite {
		dsn = cfg.DataDir + "/mediaops.db"
	}
	db, err := database.Open(cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}

	jobRepo, err := job.NewGormRepository(db)
	if err != nil {
		_ = database.Close(db)
		return nil, nil, nil, fmt.Errorf("create job repository: %w", err)
	}
	assetRepo, err := asset.NewGormRepository(db)
	if err != nil {
		_ = database.Close(db)
		return nil, nil, nil, fmt.Errorf("create asset repository: %w", err)
	}

	logger.Info("database repositories configured",
		slog.String("driver", cfg.DatabaseDriver),
	)
	return jobRepo, assetRepo, db, nil
}

// initPublisher returns a Kafka publisher when brokers are configured.
func initPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	if !cfg.KafkaEnabled() {
		return events.NopPublisher{}, nil
	}
	publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return nil, fmt.Errorf("create Kafka publisher: %w", err)
	}
	logger.Info("Kafka publisher configured",
		slog.Any("brokers", cfg.KafkaBrokers),
		slog.String("topic", cfg.KafkaTopic),
	)
	return publisher, nil
}
