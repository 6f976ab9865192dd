package service

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/retry"
)

const (
	DownloadModeParallel   = "parallel"
	DownloadModeSequential = "sequential"

	defaultDownloadConcurrency = 8
	defaultDownloadTimeout     = 60 * time.Second
	defaultMaxRedirects        = 5
)

// DownloadConfig holds configuration for the Downloader.
type DownloadConfig struct {
	Mode         string
	Concurrency  int
	Timeout      time.Duration
	MaxRedirects int
}

// Downloader fetches originals into temporary files.
type Downloader struct {
	client      *resty.Client
	retry       *retry.Executor
	sequential  bool
	concurrency int
}

// NewDownloader creates a Downloader.
// Parameters:
//   - cfg: mode, concurrency, per-request timeout and redirect cap.
//   - exec: retry policy for each fetch, nil selects the default.
//
// Returns:
//   - *Downloader: initialized downloader.
func NewDownloader(cfg DownloadConfig, exec *retry.Executor) *Downloader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDownloadTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultDownloadConcurrency
	}
	if exec == nil {
		exec = retry.New()
	}

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(cfg.MaxRedirects))
	client.SetHeader("User-Agent", "proofline/1.0")
	client.SetRetryCount(0)

	return &Downloader{
		client:      client,
		retry:       exec,
		sequential:  strings.EqualFold(cfg.Mode, DownloadModeSequential),
		concurrency: cfg.Concurrency,
	}
}

// DownloadAll fetches every URL into dir. One failed download never affects the others.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - urls: logical key mapped to remote URL.
//   - dir: directory receiving the temporary files.
//
// Returns:
//   - map[string]string: key mapped to the downloaded file path, for successful keys.
//   - map[string]error: key mapped to its failure, for failed keys.
func (d *Downloader) DownloadAll(ctx context.Context, urls map[string]string, dir string) (map[string]string, map[string]error) {
	files := make(map[string]string, len(urls))
	failures := make(map[string]error)
	var mu sync.Mutex

	record := func(key, file string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failures[key] = err
			return
		}
		files[key] = file
	}

	i := 0
	targets := make(map[string]string, len(urls))
	for key, u := range urls {
		targets[key] = filepath.Join(dir, fmt.Sprintf("orig-%d%s", i, extFromURL(u)))
		i++
	}

	if d.sequential {
		for key, u := range urls {
			record(key, targets[key], d.fetch(ctx, key, u, targets[key]))
		}
		return files, failures
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for key, u := range urls {
		g.Go(func() error {
			record(key, targets[key], d.fetch(gctx, key, u, targets[key]))
			return nil
		})
	}
	_ = g.Wait()
	return files, failures
}

// fetch streams one URL to dst, removing dst on failure.
func (d *Downloader) fetch(ctx context.Context, key, rawURL, dst string) error {
	err := d.retry.Run(ctx, "download", func(ctx context.Context) error {
		resp, err := d.client.R().
			SetContext(ctx).
			SetOutput(dst).
			Get(rawURL)
		if err != nil {
			return err
		}
		if resp.IsError() {
			os.Remove(dst)
			return retry.NewHTTPError(resp.StatusCode(), "")
		}
		return nil
	})
	if err != nil {
		os.Remove(dst)
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldObjectKey: key,
		}).WithError(err).Warn("Failed to download original")
		return fmt.Errorf("download %s: %w", key, err)
	}
	return nil
}

// extFromURL keeps the source extension so decoders and mime detection see it.
func extFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) > 6 {
		return ""
	}
	return ext
}
