package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/tbmclip/internal/clips"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/config"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/database"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/kvstore"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/logging"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/metrics"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/queue"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/storage"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/tracing"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/webhook"
	"github.com/therealutkarshpriyadarshi/tbmclip/pkg/models"
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
	logger = logger.WithField("service", "worker")

	_, tracerCloser, err := tracing.InitTracer(tracing.Config{
		Enabled:           cfg.Tracing.Enabled,
		ServiceName:       cfg.Tracing.ServiceName + "-worker",
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

	pool := clips.NewPool(cfg.Transcoder.WorkerCount)
	service, err := clips.NewService(clips.Config{
		Repository: repo,
		Objects:    stor,
		Transcoder: tc,
		Index:      index,
		Notifier:   webhook.NewNotifier(cfg.Webhook, logger.Zerolog()),
		Pool:       pool,
		TempDir:    cfg.Transcoder.TempDir,
		LockTTL:    2 * opts.Timeout,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("Failed to create clip service: %v", err)
	}
	logger = logger.WithWorkerID(service.WorkerID())

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, logger.Zerolog(), map[string]metrics.HealthCheck{
			"database": db.Health,
			"queue":    q.Health,
		})
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.ErrorWithErr("Metrics server stopped", err)
			}
		}()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	go reportQueueDepth(ctx, q, logger)

	// Job handler
	jobHandler := func(ctx context.Context, job *models.ClipJob) error {
		jobLogger := logger.WithJobID(job.ID).WithClipID(job.ClipID)
		jobLogger.Info("Processing clip job")

		if err := service.Process(ctx, job); err != nil {
			jobLogger.WithError(err).
				WithField("permanent", queue.IsPermanent(err)).
				Error("Failed to process clip job")
			return err
		}

		jobLogger.Info("Clip job processed")
		return nil
	}

	// Start consuming jobs
	logger.WithField("slots", pool.Size()).Info("Worker started, waiting for jobs...")
	if err := q.ConsumeClipJobs(ctx, pool.Size(), jobHandler); err != nil && ctx.Err() == nil {
		logger.Fatalf("Failed to consume jobs: %v", err)
	}

	if metricsServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.ErrorWithErr("Metrics server shutdown failed", err)
		}
	}

	logger.Info("Worker stopped")
}

func reportQueueDepth(ctx context.Context, q *queue.Queue, logger *logging.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := q.GetQueueDepth()
			if err != nil {
				logger.WithError(err).Warn("Failed to read queue depth")
				continue
			}
			metrics.UpdateQueueDepth(depth)

			parked, err := q.GetDLQDepth()
			if err != nil {
				logger.WithError(err).Warn("Failed to read dead letter queue depth")
				continue
			}
			metrics.UpdateDLQDepth(parked)
		}
	}
}
