package service

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/timmy/proofline/internal/cache"
	"github.com/timmy/proofline/internal/config"
	"github.com/timmy/proofline/internal/domain"
	"github.com/timmy/proofline/internal/repository"
	"github.com/timmy/proofline/internal/retry"
	"github.com/timmy/proofline/internal/storage"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testExecutor() *retry.Executor {
	return retry.New(retry.WithSleep(noSleep))
}

func newMemoryStore(t *testing.T) *cache.MemoryStore {
	t.Helper()
	store, err := cache.NewMemoryStore(1024)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	return store
}

func newTestRepo(t *testing.T) *repository.ProofJobRepository {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "queue.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return repository.NewProofJobRepository(db)
}

func newTestLocal(t *testing.T) *storage.LocalStorage {
	t.Helper()
	s, err := storage.NewLocalStorage(storage.LocalConfig{
		BasePath: t.TempDir(),
		ServeURL: "https://proofs.example.com/files",
	}, storage.NewTokenStore(newMemoryStore(t)), testExecutor(), time.Hour, 4)
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	return s
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(w, h, color.NRGBA{R: 30, G: 120, B: 200, A: 255})
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

// fakeBackend is an in-memory storage.Backend. Originals are signed as URLs on baseURL.
type fakeBackend struct {
	mu          sync.Mutex
	objects     map[string][]byte
	baseURL     string
	existsCalls int
	signCalls   int
	failUpload  map[string]bool
	failSign    map[string]bool
}

func newFakeBackend(baseURL string) *fakeBackend {
	return &fakeBackend{
		objects:    map[string][]byte{},
		baseURL:    baseURL,
		failUpload: map[string]bool{},
		failSign:   map[string]bool{},
	}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeBackend) get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

func (f *fakeBackend) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeBackend) Upload(_ context.Context, req domain.UploadRequest) (*domain.UploadResult, error) {
	if f.failUpload[req.DestinationKey] {
		return nil, &storage.OpError{Op: "upload", Backend: "fake", Key: req.DestinationKey, Err: fmt.Errorf("boom")}
	}
	data, err := os.ReadFile(req.LocalPath)
	if err != nil {
		return nil, &storage.OpError{Op: "upload", Backend: "fake", Key: req.DestinationKey, Err: err}
	}
	f.put(req.DestinationKey, data)
	return &domain.UploadResult{Backend: "fake", Key: req.DestinationKey, Bytes: int64(len(data))}, nil
}

func (f *fakeBackend) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBackend) Exists(_ context.Context, key string) bool {
	_, ok := f.get(key)
	return ok
}

func (f *fakeBackend) ExistsMany(ctx context.Context, keys []string) map[string]bool {
	f.mu.Lock()
	f.existsCalls++
	f.mu.Unlock()
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = f.Exists(ctx, k)
	}
	return out
}

func (f *fakeBackend) URL(_ context.Context, key string, _ storage.URLOptions) (string, error) {
	return f.baseURL + "/" + key, nil
}

func (f *fakeBackend) Sign(ctx context.Context, key string) (string, error) {
	if f.failSign[key] {
		return "", fmt.Errorf("sign failed")
	}
	u, _ := f.URL(ctx, key, storage.URLOptions{})
	return u + "?sig=1", nil
}

func (f *fakeBackend) SignMany(ctx context.Context, keys []string) map[string]string {
	f.mu.Lock()
	f.signCalls++
	f.mu.Unlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if u, err := f.Sign(ctx, k); err == nil {
			out[k] = u
		}
	}
	return out
}

func (f *fakeBackend) Stats(context.Context) storage.Stats {
	return storage.Stats{Backend: "fake", Healthy: true}
}

// recordingQueue captures enqueued jobs.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []domain.ProofJob
}

func (q *recordingQueue) EnqueueBatch(_ context.Context, jobs []domain.ProofJob) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, jobs...)
	return len(jobs), nil
}

// recordingRecorder captures MarkProofExisting calls.
type recordingRecorder struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingRecorder) MarkProofExisting(_ context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ids...)
	return nil
}

// mapCorrelator resolves paths from a fixed table.
type mapCorrelator map[string]domain.ImageCorrelation

func (m mapCorrelator) ResolveImageIDsForPaths(_ context.Context, paths []string) (map[string]domain.ImageCorrelation, error) {
	out := map[string]domain.ImageCorrelation{}
	for _, p := range paths {
		if c, ok := m[p]; ok {
			out[p] = c
		}
	}
	return out, nil
}

const testPlaceholder = "https://app.example.com/assets/proof-placeholder.svg"

func newTestProofService(t *testing.T, queue JobEnqueuer, recorder ProofRecorder, opts ProofOptions) *ProofService {
	t.Helper()
	if opts.PlaceholderURL == "" {
		opts.PlaceholderURL = testPlaceholder
	}
	svc, err := NewProofService(
		cache.NewProofCache(newMemoryStore(t), 0),
		queue,
		recorder,
		NewDownloader(DownloadConfig{}, testExecutor()),
		ProofServiceConfig{
			Options:         opts,
			SignedURLExpiry: time.Hour,
			TempDir:         t.TempDir(),
			Retry:           testExecutor(),
		},
	)
	if err != nil {
		t.Fatalf("NewProofService: %v", err)
	}
	return svc
}
