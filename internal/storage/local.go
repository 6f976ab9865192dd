package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/timmy/proofline/internal/domain"
	"github.com/timmy/proofline/internal/retry"
)

var (
	_ Backend       = (*LocalStorage)(nil)
	_ LocalResolver = (*LocalStorage)(nil)
	_ TokenResolver = (*LocalStorage)(nil)
)

// LocalStorage stores objects under a directory on this machine.
// Signed URLs are single-use tokens served by the API's /files endpoint.
type LocalStorage struct {
	base
	root      string
	publicURL string
	serveURL  string
	bindIP    bool
	tokens    *TokenStore
}

// NewLocalStorage creates the base directory and returns a filesystem backend.
// Parameters:
//   - cfg: local driver settings.
//   - tokens: store for single-use URL tokens, shared with the file-serving endpoint.
//   - exec: retry policy, nil selects the default.
//   - expiry: default token lifetime.
//   - concurrency: bound for batch calls.
//
// Returns:
//   - *LocalStorage: ready backend.
//   - error: invalid config or an unwritable base path.
func NewLocalStorage(cfg LocalConfig, tokens *TokenStore, exec *retry.Executor, expiry time.Duration, concurrency int) (*LocalStorage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: local: token store is required", ErrInvalidConfig)
	}
	root, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &LocalStorage{
		// Tokens are single use, so they never go through the sign cache.
		base:      newBase(string(DriverLocal), exec, nil, expiry, concurrency),
		root:      root,
		publicURL: strings.TrimSuffix(cfg.PublicURL, "/"),
		serveURL:  strings.TrimSuffix(cfg.ServeURL, "/"),
		bindIP:    cfg.BindClientIP,
		tokens:    tokens,
	}, nil
}

// LocalPath maps key to a path under the base directory, rejecting keys that escape it.
func (s *LocalStorage) LocalPath(key string) (string, error) {
	normalized := strings.ReplaceAll(key, "\\", "/")
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	clean := path.Clean("/" + normalized)
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	full := filepath.Join(s.root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return full, nil
}

// Upload copies the source file into place through a temporary file and rename.
func (s *LocalStorage) Upload(ctx context.Context, req domain.UploadRequest) (*domain.UploadResult, error) {
	start := time.Now()
	key := req.DestinationKey
	dst, err := s.LocalPath(key)
	if err != nil {
		return nil, &OpError{Op: "upload", Backend: s.name, Key: key, Err: err}
	}

	if !req.Overwrite {
		if info, err := os.Stat(dst); err == nil {
			s.log(ctx, key).Debug("Object exists and overwrite is disabled, keeping it")
			return s.result(ctx, key, info.Size(), start)
		}
	}

	var written int64
	err = s.run(ctx, "upload", key, func(ctx context.Context) error {
		n, err := copyFile(req.LocalPath, dst)
		written = n
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.result(ctx, key, written, start)
}

func (s *LocalStorage) result(ctx context.Context, key string, size int64, start time.Time) (*domain.UploadResult, error) {
	u, err := s.URL(ctx, key, URLOptions{})
	if err != nil {
		return nil, err
	}
	return &domain.UploadResult{
		URL:        u,
		Backend:    s.name,
		Key:        key,
		Bytes:      size,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, in)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o640); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, fmt.Errorf("rename into place: %w", err)
	}
	return n, nil
}

// Delete removes the file. A missing file is not an error.
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	full, err := s.LocalPath(key)
	if err != nil {
		return &OpError{Op: "delete", Backend: s.name, Key: key, Err: err}
	}
	return s.run(ctx, "delete", key, func(context.Context) error {
		if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})
}

// Exists reports whether key is a regular file.
func (s *LocalStorage) Exists(ctx context.Context, key string) bool {
	full, err := s.LocalPath(key)
	if err != nil {
		return false
	}
	return s.probe(ctx, key, func(context.Context) (bool, error) {
		info, err := os.Stat(full)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return info.Mode().IsRegular(), nil
	})
}

// ExistsMany checks every key.
func (s *LocalStorage) ExistsMany(ctx context.Context, keys []string) map[string]bool {
	return s.existsMany(ctx, keys, s.Exists)
}

// URL returns the public URL when one is configured, otherwise a single-use token URL.
func (s *LocalStorage) URL(ctx context.Context, key string, opts URLOptions) (string, error) {
	if !opts.Signed && s.publicURL != "" {
		if _, err := s.LocalPath(key); err != nil {
			return "", &OpError{Op: "url", Backend: s.name, Key: key, Err: err}
		}
		return s.publicURL + "/" + escapeKey(key), nil
	}

	expires := opts.Expires
	if expires <= 0 {
		expires = s.expiry
	}
	return s.tokenURL(ctx, key, expires, opts.ClientIP)
}

// Sign mints a token URL with the default lifetime.
func (s *LocalStorage) Sign(ctx context.Context, key string) (string, error) {
	return s.tokenURL(ctx, key, s.expiry, "")
}

// SingleUseURLs reports true: every signed URL is a token consumed by its first fetch.
func (s *LocalStorage) SingleUseURLs() bool {
	return true
}

// SignMany mints one token per key.
func (s *LocalStorage) SignMany(ctx context.Context, keys []string) map[string]string {
	return s.signMany(ctx, keys, s.Sign)
}

func (s *LocalStorage) tokenURL(ctx context.Context, key string, expires time.Duration, clientIP string) (string, error) {
	full, err := s.LocalPath(key)
	if err != nil {
		return "", &OpError{Op: "sign", Backend: s.name, Key: key, Err: err}
	}
	grant := FileToken{Path: full, Mime: detectMime(full)}
	if s.bindIP {
		grant.ClientIP = clientIP
	}

	var token string
	err = s.run(ctx, "sign", key, func(ctx context.Context) error {
		var err error
		token, err = s.tokens.Mint(ctx, grant, expires)
		return err
	})
	if err != nil {
		return "", err
	}
	return s.serveURL + "/" + token, nil
}

// ResolveToken consumes a token minted by this backend.
func (s *LocalStorage) ResolveToken(ctx context.Context, token, clientIP string) (*FileToken, error) {
	grant, err := s.tokens.Consume(ctx, token, clientIP)
	if err != nil {
		return nil, err
	}
	if rel, err := filepath.Rel(s.root, grant.Path); err != nil || strings.HasPrefix(rel, "..") {
		return nil, ErrTokenInvalid
	}
	if info, err := os.Stat(grant.Path); err != nil || !info.Mode().IsRegular() {
		return nil, ErrObjectNotFound
	}
	return grant, nil
}

// Stats reports the bytes stored under the base path and the free space of its filesystem.
func (s *LocalStorage) Stats(ctx context.Context) Stats {
	st := Stats{Backend: s.name}
	var used int64
	err := filepath.WalkDir(s.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			used += info.Size()
		}
		return nil
	})
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Healthy = true
	st.UsedBytes = &used
	if avail, err := availableBytes(s.root); err == nil {
		st.AvailableBytes = &avail
	}
	return st
}

// detectMime prefers the extension and sniffs the content when it is unknown.
func detectMime(full string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(full))); t != "" {
		return t
	}
	if m, err := mimetype.DetectFile(full); err == nil {
		return m.String()
	}
	return "application/octet-stream"
}

// escapeKey escapes each path segment of key.
func escapeKey(key string) string {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
