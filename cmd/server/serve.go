package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/virology-dashboard/backend/internal/api"
	"github.com/virology-dashboard/backend/internal/scheduler"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, queue worker and janitor",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	if n, err := a.ingest.RecoverInterruptedJobs(ctx); err != nil {
		logger.Warn("failed to recover interrupted jobs", "error", err)
	} else if n > 0 {
		logger.Info("marked interrupted archive jobs as failed", "count", n)
	}

	sched := scheduler.New(ctx, logger)
	if cfg.Worker.Enabled {
		err := sched.Every("worker", cfg.Worker.PollInterval(), func(ctx context.Context) error {
			a.worker.Tick(ctx)
			return nil
		})
		if err != nil {
			return err
		}
	}
	err = sched.Add("janitor", cfg.Janitor.Schedule, func(ctx context.Context) error {
		_, err := a.janitor.Sweep(ctx)
		return err
	})
	if err != nil {
		return err
	}

	origins := api.SplitOrigins(cfg.Server.AllowOrigins)
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	api.SetupMiddleware(e, api.MiddlewareConfig{
		BodyLimit:      cfg.Server.BodyLimit,
		EnableCORS:     cfg.Server.EnableCORS,
		AllowOrigins:   origins,
		RequestLogging: cfg.Server.EnableRequestLogging,
	}, logger)

	handlers := api.NewHandlers(&api.Dependencies{
		Uploads:           a.uploads,
		Ingest:            a.ingest,
		Jobs:              a.tracker,
		Documents:         a.db.Documents(),
		Queue:             a.worker,
		Janitor:           a.janitor,
		DB:                a.db,
		AssemblyDir:       cfg.AssemblyDir(),
		ArchiveExtensions: cfg.Ingest.ArchiveExtensions,
		MaxUploadSize:     cfg.Upload.MaxUploadBytes,
		AllowOrigin:       originChecker(origins),
		Version:           Version,
		Logger:            logger,
	})
	api.RegisterRoutes(e, handlers, a.auth.Middleware(), a.auth.RequireAdmin())

	srv := &http.Server{
		Addr:              cfg.GetServerAddr(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			"addr", srv.Addr,
			"version", Version,
			"build", BuildTime,
			"database", cfg.Storage.DatabaseDriver,
			"blobs", cfg.Storage.BlobDriver,
			"worker", cfg.Worker.Enabled)
		if err := e.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := e.Shutdown(shutdownCtx)
		sched.Stop(shutdownCtx)
		// unfinished jobs are marked interrupted by the next start
		if werr := a.ingest.Shutdown(shutdownCtx); werr != nil {
			logger.Warn("archive jobs abandoned at shutdown", "error", werr)
		}
		return err
	})

	sched.Start()
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
