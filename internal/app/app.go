// Package app wires configuration into the services shared by the API server and the worker.
package app

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/timmy/proofline/internal/cache"
	"github.com/timmy/proofline/internal/config"
	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/repository"
	"github.com/timmy/proofline/internal/retry"
	"github.com/timmy/proofline/internal/service"
	"github.com/timmy/proofline/internal/storage"
)

// App holds the process-wide services built from one Config.
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Store    cache.Store
	Factory  *storage.Factory
	Backends service.BackendProvider
	Proofs   *service.ProofService
	Queue    *service.ProofQueue
	Uploads  *service.UploadService

	closers []func() error
}

// New builds the database, shared store, storage factory and proof services.
// Parameters:
//   - ctx: context bounding connection checks.
//   - cfg: loaded configuration.
//
// Returns:
//   - *App: wired services; call Close on shutdown.
//   - error: non-nil if any dependency cannot be initialised.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	log := logger.With(logger.Fields{logger.FieldComponent: "app"})

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	if cfg.Redis.Enabled {
		rs, err := cache.OpenRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Store = rs
		a.closers = append(a.closers, rs.Close)
		log.WithField("addr", cfg.Redis.Addr).Info(ctx, "Using Redis for shared cache and locks")
	} else {
		ms, err := cache.NewMemoryStore(cfg.Cache.StoreSize)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Store = ms
		log.Warn(ctx, "Redis disabled; cache, tokens and queue lock are local to this process")
	}

	exec := retry.New()
	a.Factory = storage.NewFactory(storage.Deps{
		Retry:       exec,
		Store:       a.Store,
		Tokens:      storage.NewTokenStore(a.Store),
		HTTP:        storage.NewHTTPClient(cfg.Storage.HTTPTimeout),
		SignTTL:     cfg.Cache.SignTTL,
		Concurrency: cfg.Storage.Concurrency,
	})
	storageCfg := cfg.StorageBackendConfig()
	a.Backends = func(ctx context.Context) (storage.Backend, error) {
		return a.Factory.Make(ctx, storageCfg)
	}

	// Fail fast on an unusable storage configuration.
	if _, err := a.Backends(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a.Queue = service.NewProofQueue(
		repository.NewProofJobRepository(db),
		cache.NewLocker(a.Store),
		nil,
		a.Backends,
		nil,
		nil,
		service.QueueConfig{
			MaxSize:     cfg.Queue.MaxSize,
			BatchSize:   cfg.Queue.BatchSize,
			LockTTL:     cfg.Queue.LockTTL,
			MaxAttempts: cfg.Queue.MaxAttempts,
		},
	)

	downloader := service.NewDownloader(service.DownloadConfig{
		Mode:         cfg.Download.Mode,
		Concurrency:  cfg.Download.Concurrency,
		Timeout:      cfg.Download.Timeout,
		MaxRedirects: cfg.Download.MaxRedirects,
	}, exec)

	a.Proofs, err = service.NewProofService(
		cache.NewProofCache(a.Store, cfg.Cache.ProofTTL),
		a.Queue,
		nil,
		downloader,
		service.ProofServiceConfig{
			Options:         service.ProofOptionsFrom(cfg.Proofing, cfg.Server.PublicURL),
			SignedURLExpiry: cfg.Storage.SignedURLExpiry,
			PlaceholderTTL:  cfg.Cache.PlaceholderTTL,
			MemoSize:        cfg.Cache.MemoSize,
			Retry:           exec,
		},
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Queue.SetGenerator(a.Proofs)

	a.Uploads, err = service.NewUploadService(service.UploadConfig{
		TempDir:     cfg.Upload.TempDir,
		MaxBytes:    cfg.Upload.MaxBytes,
		SessionTTL:  cfg.Upload.SessionTTL,
		AllowedMime: cfg.Upload.AllowedMime,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	log.WithField(logger.FieldBackend, storageCfg.Driver).Info(ctx, "Services ready")
	return a, nil
}

// Close releases the store and database in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
