// clipmux/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clipmux/api"
	"clipmux/config"
	"clipmux/fetch"
	"clipmux/ffmpeg"
	"clipmux/pipeline"
	"clipmux/progress"
	"clipmux/storage"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return log.Logger
}

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := setupLogger(cfg)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize dependencies
	engine, err := ffmpeg.NewEngine(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize ffmpeg engine")
	}

	fetcher := fetch.New(fetch.Options{
		Timeout:      cfg.FetchTimeout,
		MaxInputSize: cfg.MaxInputSize,
		Logger:       logger,
	})

	var (
		store storage.Store
		files api.FileServer
	)
	switch cfg.StorageBackend {
	case config.BackendLocal:
		local, err := storage.NewLocalStore(storage.LocalOptions{
			Dir:        cfg.PublishDir,
			BaseURL:    cfg.BaseURL,
			SigningKey: cfg.SigningKey,
			TTL:        cfg.SignedURLTTL,
			Logger:     logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize local storage")
		}
		local.Start(ctx)
		store, files = local, local
	default:
		gcs, err := storage.NewGCSStore(ctx, storage.GCSOptions{
			Bucket:          cfg.StorageBucket,
			CredentialsFile: cfg.CredentialsFile,
			SignedURLTTL:    cfg.SignedURLTTL,
			UploadTimeout:   cfg.UploadTimeout,
			Logger:          logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize cloud storage")
		}
		defer gcs.Close()
		store = gcs
	}

	tracker := progress.NewTracker(progress.Options{
		TTL:           cfg.ProgressTTL,
		MaxEntries:    cfg.ProgressMaxEntries,
		SweepInterval: cfg.ProgressSweepInterval,
		Logger:        logger.With().Str("component", "progress").Logger(),
	})
	tracker.Start(ctx)

	orch := pipeline.New(fetcher, engine, store, tracker, pipeline.Options{
		ScratchDir: cfg.ScratchDir,
		Timeout:    cfg.PipelineTimeout,
		Logger:     logger,
	})

	// 3. Set up router and server
	router := api.SetupRouter(orch, tracker, files, cfg, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("storage", cfg.StorageBackend).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	// 4. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()
	stop()
	logger.Info().Msg("shutting down gracefully, press Ctrl+C again to force")

	// Running pipelines are synchronous with their requests, so give them
	// the same budget they would have had.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server exiting")
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.PipelineTimeout > 0 {
		return cfg.PipelineTimeout
	}
	return 5 * time.Second
}
