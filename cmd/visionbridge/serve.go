package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jo-hoe/visionbridge/internal/capture"
	"github.com/jo-hoe/visionbridge/internal/config"
	"github.com/jo-hoe/visionbridge/internal/inference"
	"github.com/jo-hoe/visionbridge/internal/jobs"
	"github.com/jo-hoe/visionbridge/internal/processor"
	"github.com/jo-hoe/visionbridge/internal/server"
	"github.com/jo-hoe/visionbridge/internal/storage"
	"github.com/jo-hoe/visionbridge/internal/telemetry"
)

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(os.Stdout, cfg.Server)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	telemetry.Register()

	store, sweeper, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if cfg.Store.Retention == 0 {
		logger.Warn("job retention is unbounded; finished jobs are never evicted", "driver", cfg.Store.Driver)
	}
	if cfg.Inference.LocalModels() {
		if missing := inference.MissingFiles(cfg.Inference.ModelPath(), cfg.Inference.ProjectorPath()); len(missing) > 0 {
			logger.Warn("model files not found; predictions fail until they exist", "missing", missing)
		}
	}

	queue := jobs.NewQueue(logger, cfg.Server.QueueCapacity, cfg.Server.WorkerCount)
	runner := processor.New(
		logger,
		cfg.Inference,
		store,
		queue,
		storage.NewStager(cfg.Server.StorageDir, cfg.Server.MaxImagePixels),
		newInferenceClient(cfg.Inference),
	)
	if err := queue.Start(ctx, runner); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	httpSrv := server.NewHTTPServer(&server.Service{
		Log:     logger,
		Cfg:     cfg,
		Capture: capture.New(capture.ScreenGrabber{}),
		Runner:  runner,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", "address", cfg.Server.Addr, "store", cfg.Store.Driver,
			"workers", cfg.Server.WorkerCount, "backend", cfg.Inference.Backend, "structured", cfg.Inference.Structured())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		queue.Shutdown(cfg.Server.ShutdownGrace)
		return nil
	})
	if sweeper != nil && cfg.Store.Retention > 0 {
		g.Go(func() error {
			return jobs.RunSweeper(gctx, logger, sweeper, cfg.Store.SweepEvery)
		})
	}

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
