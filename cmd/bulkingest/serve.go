package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/bulkingest/internal/jobs"
	"github.com/jo-hoe/bulkingest/internal/server"
	"github.com/jo-hoe/bulkingest/internal/storage"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingestion service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger := opts.cfg, opts.log

	rootCtx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(rootCtx, cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Jobs.Retention > 0 {
		go jobs.RunRetention(rootCtx, logger, a.registry, cfg.Jobs.Retention, cfg.Jobs.PruneInterval)
	}

	httpSrv := server.NewHTTPServer(&server.Service{
		Log:      logger,
		Cfg:      cfg,
		Ingest:   a.service,
		Engine:   a.pool,
		Uploader: storage.NewUploader(int64(cfg.Server.MaxUploadSize)), // #nosec G115 - config sizes are far below MaxInt64
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting",
			"address", cfg.Server.Addr,
			"registry", cfg.Jobs.Registry,
			"store", cfg.Store.Driver,
			"max_upload", cfg.Server.MaxUploadSize.String())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server error", "err", serveErr)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	cancel()
	if err := a.close(cfg.Server.ShutdownGrace); err != nil {
		logger.Warn("close stores", "err", err)
	}
	logger.Info("server stopped")
	return serveErr
}
