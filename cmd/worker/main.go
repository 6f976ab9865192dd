package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/proofline/internal/app"
	"github.com/timmy/proofline/internal/config"
	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/worker"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Parse command line flags
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to config file")
	once := flag.Bool("once", false, "Process one queue batch and exit")
	cleanup := flag.Bool("cleanup", false, "Remove stale upload sessions and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize services")
	}
	defer a.Close()

	scheduler, err := worker.New(a.Queue, a.Uploads, worker.Config{
		Schedule:        cfg.Queue.Schedule,
		RescheduleDelay: cfg.Queue.RescheduleDelay,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to create scheduler")
	}

	switch {
	case *cleanup:
		removed := scheduler.Cleanup(ctx)
		appLogger.WithField(logger.FieldCount, removed).Info("Upload cleanup completed")
		return
	case *once:
		res := scheduler.Tick(ctx)
		if res == nil {
			appLogger.Error("Queue run failed")
			return
		}
		appLogger.WithFields(logger.Fields{
			"processed": res.Processed,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"dropped":   res.Dropped,
			"remaining": res.Remaining,
			"skipped":   res.Skipped,
		}).Info("Queue run completed")
		return
	}

	if err := scheduler.Start(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to start scheduler")
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	appLogger.Info("Received shutdown signal, waiting for the current run...")
	scheduler.Stop()
	appLogger.Info("Worker exited")
}
