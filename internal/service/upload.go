package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/timmy/proofline/internal/domain"
	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/metrics"
	"github.com/timmy/proofline/internal/storage"
)

const (
	DefaultUploadMaxBytes   = 1 << 30
	DefaultUploadSessionTTL = 24 * time.Hour

	sessionFile   = "session.json"
	assembledFile = "assembled.bin"
)

// DefaultAllowedMime lists the image types accepted from chunked uploads.
var DefaultAllowedMime = []string{"image/jpeg", "image/png", "image/webp", "image/tiff", "image/heic"}

// UploadConfig holds configuration for UploadService.
type UploadConfig struct {
	TempDir     string
	MaxBytes    int64
	SessionTTL  time.Duration
	AllowedMime []string
}

// UploadSession is the persisted state of one chunked upload.
type UploadSession struct {
	ID          string    `json:"id"`
	ProjectID   int64     `json:"project_id"`
	Filename    string    `json:"filename"`
	Mime        string    `json:"mime,omitempty"`
	TotalChunks int       `json:"total_chunks"`
	TotalBytes  int64     `json:"total_bytes"`
	Received    []bool    `json:"received"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReceivedCount returns the number of chunks written so far.
func (s *UploadSession) ReceivedCount() int {
	n := 0
	for _, ok := range s.Received {
		if ok {
			n++
		}
	}
	return n
}

// UploadProgress reports how far a session has come.
type UploadProgress struct {
	ID       string  `json:"id"`
	Received int     `json:"received"`
	Total    int     `json:"total"`
	Percent  float64 `json:"percent"`
}

// UploadOptions are the caller-controlled parts of an upload request.
type UploadOptions struct {
	ContentType string
	Overwrite   bool
	Metadata    map[string]string
}

// UploadService assembles chunked uploads and hands them to a storage backend.
type UploadService struct {
	dir         string
	maxBytes    int64
	ttl         time.Duration
	allowedMime []string
	locks       sync.Map
	now         func() time.Time
}

// NewUploadService creates the session directory and returns an UploadService.
// Parameters:
//   - cfg: temp directory, byte limit, session TTL and mime whitelist.
//
// Returns:
//   - *UploadService: ready service.
//   - error: non-nil if the temp directory cannot be created.
func NewUploadService(cfg UploadConfig) (*UploadService, error) {
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "proofline-uploads")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultUploadMaxBytes
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultUploadSessionTTL
	}
	if len(cfg.AllowedMime) == 0 {
		cfg.AllowedMime = DefaultAllowedMime
	}
	if err := os.MkdirAll(cfg.TempDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &UploadService{
		dir:         cfg.TempDir,
		maxBytes:    cfg.MaxBytes,
		ttl:         cfg.SessionTTL,
		allowedMime: cfg.AllowedMime,
		now:         time.Now,
	}, nil
}

func (s *UploadService) log(ctx context.Context, id string) *logger.Logger {
	return logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldComponent: "upload",
		logger.FieldUploadID:  id,
	})
}

// InitSession starts a chunked upload.
// Parameters:
//   - ctx: request context.
//   - projectID: project receiving the file.
//   - filename: client file name; only its base name is kept.
//   - totalChunks: number of chunks the client will send.
//   - totalBytes: declared size, checked against the byte limit.
//   - mime: declared type, checked against the whitelist when set.
//
// Returns:
//   - *UploadSession: the new session.
//   - error: ErrUploadTooLarge, ErrMimeNotAllowed or a filesystem failure.
func (s *UploadService) InitSession(ctx context.Context, projectID int64, filename string, totalChunks int, totalBytes int64, mime string) (*UploadSession, error) {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return nil, fmt.Errorf("%w: file name %q", ErrInvalidUpload, filename)
	}
	if totalChunks <= 0 {
		return nil, fmt.Errorf("%w: total chunks must be positive, got %d", ErrInvalidUpload, totalChunks)
	}
	if totalBytes > s.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrUploadTooLarge, totalBytes, s.maxBytes)
	}
	if mime != "" && !s.mimeAllowed(mime) {
		return nil, fmt.Errorf("%w: %s", ErrMimeNotAllowed, mime)
	}

	sess := &UploadSession{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Filename:    name,
		Mime:        mime,
		TotalChunks: totalChunks,
		TotalBytes:  totalBytes,
		Received:    make([]bool, totalChunks),
		CreatedAt:   s.now(),
	}
	if err := os.MkdirAll(s.sessionDir(sess.ID), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := s.save(sess); err != nil {
		return nil, err
	}
	s.log(ctx, sess.ID).WithFields(logger.Fields{
		"chunks":   totalChunks,
		"filename": name,
	}).Info("Upload session started")
	return sess, nil
}

// WriteChunk stores chunk index of session id.
func (s *UploadService) WriteChunk(ctx context.Context, id string, index int, r io.Reader) (*UploadProgress, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= sess.TotalChunks {
		return nil, fmt.Errorf("%w: chunk index %d out of range [0, %d)", ErrInvalidUpload, index, sess.TotalChunks)
	}

	dst := s.chunkPath(id, index)
	tmp, err := os.CreateTemp(s.sessionDir(id), ".chunk-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if n > s.maxBytes {
		return nil, fmt.Errorf("%w: chunk %d", ErrUploadTooLarge, index)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return nil, fmt.Errorf("failed to store chunk: %w", err)
	}

	sess.Received[index] = true
	if err := s.save(sess); err != nil {
		return nil, err
	}
	s.log(ctx, id).WithFields(logger.Fields{"chunk": index, logger.FieldSize: n}).Debug("Chunk stored")
	return progressOf(sess), nil
}

// Progress reports received and total chunks of session id.
func (s *UploadService) Progress(id string) (*UploadProgress, error) {
	sess, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return progressOf(sess), nil
}

// Session returns a copy of the stored state of session id.
func (s *UploadService) Session(id string) (*UploadSession, error) {
	return s.load(id)
}

// Complete assembles the chunks of session id in order, validates the result
// and uploads it to uploads/{projectID}/{sessionID}/{filename}.
// The session is removed after a successful upload.
// Parameters:
//   - ctx: request context.
//   - id: session ID.
//   - backend: storage receiving the assembled file.
//
// Returns:
//   - *domain.UploadResult: the stored object.
//   - error: ErrSessionNotFound, ErrMissingChunk, ErrUploadTooLarge, ErrMimeNotAllowed or a storage failure.
func (s *UploadService) Complete(ctx context.Context, id string, backend storage.Backend) (*domain.UploadResult, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.load(id)
	if err != nil {
		return nil, err
	}
	for i, ok := range sess.Received {
		if !ok {
			return nil, fmt.Errorf("%w: chunk %d of %d", ErrMissingChunk, i, sess.TotalChunks)
		}
	}

	assembled := filepath.Join(s.sessionDir(id), assembledFile)
	size, err := s.assemble(sess, assembled)
	if err != nil {
		os.Remove(assembled)
		return nil, err
	}

	detected, err := mimetype.DetectFile(assembled)
	if err != nil {
		return nil, fmt.Errorf("failed to detect mime type: %w", err)
	}
	if !s.mimeAllowed(detected.String()) {
		os.Remove(assembled)
		return nil, fmt.Errorf("%w: %s", ErrMimeNotAllowed, detected.String())
	}

	key := fmt.Sprintf("uploads/%d/%s/%s", sess.ProjectID, sess.ID, sess.Filename)
	res, err := s.UploadAssembled(ctx, assembled, key, UploadOptions{
		ContentType: detected.String(),
		Overwrite:   true,
	}, backend)
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(s.sessionDir(id)); err != nil {
		s.log(ctx, id).WithError(err).Warn("Failed to remove upload session")
	}
	s.locks.Delete(id)
	s.log(ctx, id).WithFields(logger.Fields{
		logger.FieldObjectKey: key,
		logger.FieldSize:      size,
	}).Info("Upload completed")
	return res, nil
}

// UploadAssembled uploads a finished local file to backend.
func (s *UploadService) UploadAssembled(ctx context.Context, localPath, key string, opts UploadOptions, backend storage.Backend) (*domain.UploadResult, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat assembled file: %w", err)
	}
	req := domain.NewUploadRequest(localPath, key)
	req.ContentType = opts.ContentType
	req.Overwrite = opts.Overwrite
	req.SizeBytes = info.Size()
	for k, v := range opts.Metadata {
		req.Metadata[k] = v
	}

	res, err := backend.Upload(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.UploadBytes.WithLabelValues(backend.Name()).Add(float64(res.Bytes))
	return res, nil
}

// CleanupStale removes sessions older than the session TTL.
// Parameters:
//   - ctx: context for cancellation.
//
// Returns:
//   - int: number of sessions removed.
//   - error: non-nil if the upload directory cannot be read.
func (s *UploadService) CleanupStale(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read upload directory: %w", err)
	}

	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		created, ok := s.createdAt(id, entry)
		if !ok || created.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(s.sessionDir(id)); err != nil {
			s.log(ctx, id).WithError(err).Warn("Failed to remove stale upload session")
			continue
		}
		s.locks.Delete(id)
		removed++
	}
	if removed > 0 {
		logger.With(logger.Fields{logger.FieldComponent: "upload"}).WithCount(removed).Info(ctx, "Removed stale upload sessions")
	}
	return removed, nil
}

// createdAt reads the session start time, falling back to the directory mtime.
func (s *UploadService) createdAt(id string, entry fs.DirEntry) (time.Time, bool) {
	if sess, err := s.load(id); err == nil {
		return sess.CreatedAt, true
	}
	info, err := entry.Info()
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func (s *UploadService) assemble(sess *UploadSession, dst string) (int64, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create assembled file: %w", err)
	}
	defer out.Close()

	var total int64
	for i := 0; i < sess.TotalChunks; i++ {
		in, err := os.Open(s.chunkPath(sess.ID, i))
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: chunk %d of %d", ErrMissingChunk, i, sess.TotalChunks)
		}
		if err != nil {
			return 0, err
		}
		n, err := io.Copy(out, io.LimitReader(in, s.maxBytes-total+1))
		in.Close()
		if err != nil {
			return 0, fmt.Errorf("failed to append chunk %d: %w", i, err)
		}
		total += n
		if total > s.maxBytes {
			return 0, fmt.Errorf("%w: more than %d bytes", ErrUploadTooLarge, s.maxBytes)
		}
	}
	return total, out.Sync()
}

func (s *UploadService) mimeAllowed(m string) bool {
	return mimetype.EqualsAny(m, s.allowedMime...)
}

func (s *UploadService) lock(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *UploadService) sessionDir(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *UploadService) chunkPath(id string, index int) string {
	return filepath.Join(s.sessionDir(id), fmt.Sprintf("chunk_%d.part", index))
}

func (s *UploadService) load(id string) (*UploadSession, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrSessionNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.sessionDir(id), sessionFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess UploadSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt upload session %s: %w", id, err)
	}
	if len(sess.Received) != sess.TotalChunks {
		return nil, fmt.Errorf("corrupt upload session %s: chunk map size", id)
	}
	return &sess, nil
}

func (s *UploadService) save(sess *UploadSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	path := filepath.Join(s.sessionDir(sess.ID), sessionFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("failed to write upload session: %w", err)
	}
	return os.Rename(tmp, path)
}

func progressOf(sess *UploadSession) *UploadProgress {
	received := sess.ReceivedCount()
	return &UploadProgress{
		ID:       sess.ID,
		Received: received,
		Total:    sess.TotalChunks,
		Percent:  float64(received) * 100 / float64(sess.TotalChunks),
	}
}
