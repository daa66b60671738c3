package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/virology-dashboard/backend/internal/auth"
	"github.com/virology-dashboard/backend/internal/config"
	"github.com/virology-dashboard/backend/internal/database"
	"github.com/virology-dashboard/backend/internal/extraction"
	"github.com/virology-dashboard/backend/internal/fingerprint"
	"github.com/virology-dashboard/backend/internal/ingest"
	"github.com/virology-dashboard/backend/internal/janitor"
	"github.com/virology-dashboard/backend/internal/jobs"
	"github.com/virology-dashboard/backend/internal/logging"
	"github.com/virology-dashboard/backend/internal/storage"
	"github.com/virology-dashboard/backend/internal/upload"
	"github.com/virology-dashboard/backend/internal/worker"
)

// app holds the wired services shared by the server and the one-shot
// maintenance commands.
type app struct {
	cfg     *config.AppConfig
	logger  *slog.Logger
	db      *database.DB
	uploads *upload.Manager
	tracker *jobs.Tracker
	ingest  *ingest.Service
	worker  *worker.Worker
	janitor *janitor.Janitor
	auth    *auth.Authenticator

	logCloser io.Closer
}

func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	a := &app{cfg: cfg, logger: logger, logCloser: logCloser}

	a.db, err = database.Open(ctx, cfg.Storage.DatabaseDriver, cfg.Storage.DatabasePath, logger)
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	blobs, err := openBlobStore(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	chunks, err := storage.NewChunkStore(cfg.ChunkDir())
	if err != nil {
		a.Close()
		return nil, err
	}
	hasher, err := fingerprint.NewHasher(cfg.Ingest.HashAlgorithm)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.uploads = upload.NewManager(a.db.Sessions(), chunks, upload.Options{
		MaxUploadSize:     cfg.Upload.MaxUploadBytes,
		MaxChunkSize:      cfg.Upload.ChunkBytes,
		SessionTTL:        cfg.Upload.SessionTTL(),
		ArchiveExtensions: cfg.Ingest.ArchiveExtensions,
		AssemblyDir:       cfg.AssemblyDir(),
		MinFreeDisk:       cfg.Upload.MinFreeDiskBytes,
		FreeSpace:         upload.DiskFree,
		Logger:            logger,
	})
	a.tracker = jobs.NewTracker(a.db.Jobs(), cfg.Janitor.JobCacheTTL(), logger)

	var prefix string
	if cfg.Storage.BlobDriver == "s3" {
		prefix = cfg.Storage.S3.Prefix
	}
	a.ingest = ingest.NewService(a.db.Documents(), a.db.Jobs(), a.tracker, blobs, hasher, ingest.Options{
		AllowedExtensions: cfg.Ingest.AllowedExtensions,
		MaxEntrySize:      cfg.Ingest.MaxEntryBytes,
		PersistEvery:      cfg.Ingest.ProgressPersistEvery,
		BlobPrefix:        prefix,
		Logger:            logger,
	})

	if cfg.Extraction.Endpoint == "" && cfg.Worker.Enabled {
		logger.Warn("no extraction endpoint configured; queued documents will fail")
	}
	extractor := extraction.NewHTTPExtractor(cfg.Extraction.Endpoint, cfg.Extraction.APIKey, cfg.Extraction.Timeout())
	a.worker = worker.New(a.db.Documents(), blobs, extractor, worker.Options{
		BatchSize:            cfg.Worker.BatchSize,
		MaxRetries:           cfg.Worker.MaxRetries,
		RetryBackoff:         cfg.Worker.RetryBackoff(),
		StuckTimeout:         cfg.Worker.StuckTimeout(),
		DrainWaitTimeout:     cfg.Worker.DrainWaitTimeout(),
		MaxDrainBatches:      cfg.Worker.MaxDrainBatches,
		ExtractionsPerMinute: cfg.Worker.ExtractionsPerMinute,
		ExtractionBurst:      cfg.Worker.ExtractionBurst,
		Logger:               logger,
	})

	a.janitor = janitor.New(a.uploads, chunks, a.tracker, janitor.Options{
		SessionTTL: cfg.Upload.SessionTTL(),
		OrphanTTL:  cfg.Janitor.OrphanTTL(),
		TempDirs:   []string{cfg.AssemblyDir()},
		Logger:     logger,
	})

	a.auth = auth.New(auth.Config{
		Secret:           cfg.Security.TokenSecret,
		TokenTTL:         cfg.Security.TokenTTL(),
		AllowHeaderOwner: cfg.Security.AllowHeaderOwner,
		AdminOwners:      cfg.Security.AdminOwners,
	})
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	errs = append(errs, a.logCloser.Close())
	return errors.Join(errs...)
}

func openBlobStore(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (storage.BlobStore, error) {
	if cfg.Storage.BlobDriver != "s3" {
		local, err := storage.NewLocalBlobStore(cfg.Storage.BlobDirectory)
		if err != nil {
			return nil, err
		}
		return local, nil
	}

	s3cfg := cfg.Storage.S3
	client, err := storage.NewS3Client(ctx, storage.S3Options{
		Bucket:          s3cfg.Bucket,
		Region:          s3cfg.Region,
		Endpoint:        s3cfg.Endpoint,
		AccessKeyID:     s3cfg.AccessKeyID,
		SecretAccessKey: s3cfg.SecretAccessKey,
		UsePathStyle:    s3cfg.UsePathStyle,
		PresignTTL:      s3cfg.PresignTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	logger.Info("using s3 blob store", "bucket", s3cfg.Bucket, "endpoint", s3cfg.Endpoint)
	return storage.NewS3BlobStore(client, s3cfg.Bucket, s3cfg.PresignTTL(), logger), nil
}

// originChecker limits websocket upgrades to the configured CORS origins.
// Nil accepts every origin.
func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}
