package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/clips"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/config"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/database"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/kvstore"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/logging"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/middleware"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/queue"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/storage"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/tracing"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/webhook"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.WithField("service", "api")

	_, tracerCloser, err := tracing.InitTracer(tracing.Config{
		Enabled:           cfg.Tracing.Enabled,
		ServiceName:       cfg.Tracing.ServiceName + "-api",
		CollectorEndpoint: cfg.Tracing.CollectorEndpoint,
		SamplerParam:      cfg.Tracing.SamplerParam,
	})
	if err != nil {
		logger.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer tracerCloser.Close()

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	repo := database.NewRepository(db)

	// Initialize storage
	stor, err := storage.New(cfg.Storage, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	// Initialize queue
	q, err := queue.New(cfg.Queue, logger.Zerolog())
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	index, err := kvstore.New(cfg.Store, cfg.Redis)
	if err != nil {
		logger.Fatalf("Failed to initialize store: %v", err)
	}
	defer kvstore.Close(index)

	opts, err := cfg.Transcoder.Options()
	if err != nil {
		logger.Fatalf("Invalid transcoder options: %v", err)
	}
	ffmpeg := transcoder.NewFFmpeg(cfg.Transcoder.FFmpegPath, cfg.Transcoder.FFprobePath)
	host := transcoder.NewFFmpegHost(ffmpeg, cfg.Transcoder.DecodePreviewHeight, logger.Zerolog())
	tc, err := transcoder.New(host, opts, transcoder.WithLogger(logger.Zerolog()))
	if err != nil {
		logger.Fatalf("Failed to create transcoder: %v", err)
	}

	if err := os.MkdirAll(cfg.Transcoder.TempDir, 0755); err != nil {
		logger.Fatalf("Failed to create temp directory: %v", err)
	}

	service, err := clips.NewService(clips.Config{
		Repository: repo,
		Objects:    stor,
		Transcoder: tc,
		Index:      index,
		Notifier:   webhook.NewNotifier(cfg.Webhook, logger.Zerolog()),
		Pool:       clips.NewPool(cfg.Transcoder.WorkerCount),
		TempDir:    cfg.Transcoder.TempDir,
		LockTTL:    2 * opts.Timeout,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("Failed to create clip service: %v", err)
	}

	api := &API{
		repo:      repo,
		objects:   stor,
		jobs:      q,
		service:   service,
		health:    db.Health,
		tempDir:   cfg.Transcoder.TempDir,
		maxUpload: cfg.Server.MaxUploadBytes,
		logger:    logger.Zerolog(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	go limiter.Cleanup(ctx, 5*time.Minute)

	if cfg.Server.AuthSecret == "" {
		logger.Warn("Authentication disabled, no server.authSecret configured")
	}

	gin.SetMode(gin.ReleaseMode)
	router := setupRouter(api, routerConfig{
		authSecret: cfg.Server.AuthSecret,
		limiter:    limiter,
	})

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr("Server forced to shutdown", err)
	}

	logger.Info("Server stopped")
}
