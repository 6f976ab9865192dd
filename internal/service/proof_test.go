package service

import (
	"context"
	"path"
	"path/filepath"
	"strings"
	"testing"

	"github.com/timmy/proofline/internal/config"
	"github.com/timmy/proofline/internal/domain"
)

func TestProofPathFor(t *testing.T) {
	testCases := []struct {
		original string
		want     string
	}{
		{"a/b.jpg", "proofs/a/b_proof.jpg"},
		{"/a/b.JPG", "proofs/a/b_proof.jpg"},
		{"b.png", "proofs/b_proof.jpg"},
		{"gallery/2024/IMG_0001.tiff", "proofs/gallery/2024/IMG_0001_proof.jpg"},
		{"noext", "proofs/noext_proof.jpg"},
		{"a\\b.jpg", "proofs/a/b_proof.jpg"},
	}
	for _, tc := range testCases {
		t.Run(tc.original, func(t *testing.T) {
			if got := ProofPathFor(tc.original); got != tc.want {
				t.Errorf("ProofPathFor(%q): got %s, want %s", tc.original, got, tc.want)
			}
		})
	}
}

func TestClampOptions(t *testing.T) {
	testCases := []struct {
		name        string
		size        int
		quality     int
		wantSize    int
		wantQuality int
	}{
		{"defaults", 0, 0, 1600, 65},
		{"below floor", 50, 10, 800, 40},
		{"above ceiling", 5000, 200, 2400, 85},
		{"in range", 1200, 70, 1200, 70},
		{"negative", -1, -5, 1600, 65},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClampMaxSize(tc.size); got != tc.wantSize {
				t.Errorf("ClampMaxSize(%d): got %d, want %d", tc.size, got, tc.wantSize)
			}
			if got := ClampQuality(tc.quality); got != tc.wantQuality {
				t.Errorf("ClampQuality(%d): got %d, want %d", tc.quality, got, tc.wantQuality)
			}
		})
	}
}

func TestProofOptionsFrom(t *testing.T) {
	opts := ProofOptionsFrom(config.ProofingConfig{MaxSize: 50, Quality: 200}, "https://app.example.com/")
	if opts.PlaceholderURL != "https://app.example.com/assets/proof-placeholder.svg" {
		t.Errorf("PlaceholderURL: got %s", opts.PlaceholderURL)
	}
	if opts.MaxSize != 800 || opts.Quality != 85 {
		t.Errorf("clamped: got size %d quality %d, want 800 and 85", opts.MaxSize, opts.Quality)
	}
	if opts.WatermarkText != DefaultWatermarkText {
		t.Errorf("WatermarkText: got %q", opts.WatermarkText)
	}

	custom := ProofOptionsFrom(config.ProofingConfig{PlaceholderURL: "https://cdn/p.png"}, "https://app")
	if custom.PlaceholderURL != "https://cdn/p.png" {
		t.Errorf("override PlaceholderURL: got %s", custom.PlaceholderURL)
	}
}

func TestProofOptionsFromLoadedDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	opts := ProofOptionsFrom(cfg.Proofing, cfg.Server.PublicURL)
	want := "http://localhost:8080" + PlaceholderAssetPath
	if opts.PlaceholderURL != want {
		t.Errorf("PlaceholderURL: got %s, want %s", opts.PlaceholderURL, want)
	}
}

func TestGetProofURLsMissingProofIsQueued(t *testing.T) {
	queue := &recordingQueue{}
	recorder := &recordingRecorder{}
	svc := newTestProofService(t, queue, recorder, ProofOptions{})
	backend := newFakeBackend("https://store.example.com")

	images := []domain.ImageRef{{ID: 1, ProjectID: 9, Path: "a/b.jpg"}}
	urls := svc.GetProofURLs(context.Background(), "gallery-1", images, backend)

	if len(urls) != 1 || urls["1"] != testPlaceholder {
		t.Fatalf("urls: got %v, want {1: placeholder}", urls)
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("enqueued: got %d jobs, want 1", len(queue.jobs))
	}
	job := queue.jobs[0]
	if job.ProofPath != "proofs/a/b_proof.jpg" || job.OriginalPath != "a/b.jpg" {
		t.Errorf("job: got %+v", job)
	}
	if job.ImageID == nil || *job.ImageID != 1 || job.ProjectID == nil || *job.ProjectID != 9 {
		t.Errorf("job correlation: got image=%v project=%v", job.ImageID, job.ProjectID)
	}
	if len(recorder.ids) != 0 {
		t.Errorf("recorder: got %v, want no calls", recorder.ids)
	}
}

func TestGetProofURLsExistingUnflaggedProof(t *testing.T) {
	queue := &recordingQueue{}
	recorder := &recordingRecorder{}
	svc := newTestProofService(t, queue, recorder, ProofOptions{})
	backend := newFakeBackend("https://store.example.com")
	backend.put("proofs/a/b_proof.jpg", []byte("jpeg"))

	images := []domain.ImageRef{{ID: 1, Path: "a/b.jpg"}}
	urls := svc.GetProofURLs(context.Background(), "gallery-1", images, backend)

	want := "https://store.example.com/proofs/a/b_proof.jpg?sig=1"
	if urls["1"] != want {
		t.Errorf("url: got %s, want %s", urls["1"], want)
	}
	if len(recorder.ids) != 1 || recorder.ids[0] != 1 {
		t.Errorf("MarkProofExisting: got %v, want [1]", recorder.ids)
	}
	if len(queue.jobs) != 0 {
		t.Errorf("enqueued: got %d jobs, want 0", len(queue.jobs))
	}
}

func TestGetProofURLsTrustsFlaggedImages(t *testing.T) {
	svc := newTestProofService(t, &recordingQueue{}, nil, ProofOptions{})
	backend := newFakeBackend("https://store.example.com")

	images := []domain.ImageRef{{Key: "cover", ID: 5, Filename: "cover.png", HasProof: true}}
	urls := svc.GetProofURLs(context.Background(), "g", images, backend)

	if urls["cover"] != "https://store.example.com/proofs/cover_proof.jpg?sig=1" {
		t.Errorf("url: got %s", urls["cover"])
	}
	if backend.existsCalls != 0 {
		t.Errorf("ExistsMany calls: got %d, want 0", backend.existsCalls)
	}
}

func TestGetProofURLsServesFromCache(t *testing.T) {
	queue := &recordingQueue{}
	svc := newTestProofService(t, queue, nil, ProofOptions{})
	backend := newFakeBackend("https://store.example.com")
	backend.put("proofs/x_proof.jpg", []byte("jpeg"))

	images := []domain.ImageRef{{ID: 1, Path: "x.jpg"}, {ID: 2, Path: "y.jpg"}}
	first := svc.GetProofURLs(context.Background(), "g", images, backend)
	second := svc.GetProofURLs(context.Background(), "g", images, backend)

	if backend.existsCalls != 1 || backend.signCalls != 1 {
		t.Errorf("backend calls: exists %d sign %d, want 1 and 1", backend.existsCalls, backend.signCalls)
	}
	for k, v := range first {
		if second[k] != v {
			t.Errorf("cached url %s: got %s, want %s", k, second[k], v)
		}
	}

	if err := svc.Invalidate(context.Background(), "g", images); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	svc.GetProofURLs(context.Background(), "g", images, backend)
	if backend.existsCalls != 2 {
		t.Errorf("after Invalidate: exists calls %d, want 2", backend.existsCalls)
	}
}

func TestGetProofURLsSignFailureDoesNotEnqueue(t *testing.T) {
	queue := &recordingQueue{}
	svc := newTestProofService(t, queue, nil, ProofOptions{})
	backend := newFakeBackend("https://store.example.com")
	backend.put("proofs/a_proof.jpg", []byte("jpeg"))
	backend.failSign["proofs/a_proof.jpg"] = true

	urls := svc.GetProofURLs(context.Background(), "g", []domain.ImageRef{{ID: 3, Path: "a.jpg"}}, backend)
	if urls["3"] != testPlaceholder {
		t.Errorf("url: got %s, want placeholder", urls["3"])
	}
	if len(queue.jobs) != 0 {
		t.Errorf("enqueued: got %d, want 0", len(queue.jobs))
	}
}

func TestGetProofURLsImageWithoutPath(t *testing.T) {
	queue := &recordingQueue{}
	svc := newTestProofService(t, queue, nil, ProofOptions{})
	urls := svc.GetProofURLs(context.Background(), "g", []domain.ImageRef{{ID: 4}}, newFakeBackend("https://s"))
	if !strings.HasSuffix(urls["4"], "proof-placeholder.svg") {
		t.Errorf("url: got %s, want placeholder", urls["4"])
	}
	if len(queue.jobs) != 0 {
		t.Errorf("enqueued: got %d, want 0", len(queue.jobs))
	}
}

func TestGetProofURLsMintsFreshLocalTokens(t *testing.T) {
	svc := newTestProofService(t, &recordingQueue{}, nil, ProofOptions{})
	backend := newTestLocal(t)
	full, err := backend.LocalPath("proofs/a/b_proof.jpg")
	if err != nil {
		t.Fatalf("LocalPath: %v", err)
	}
	writeFile(t, filepath.Dir(full), filepath.Base(full), jpegBytes(t, 20, 20))

	images := []domain.ImageRef{{ID: 1, Path: "a/b.jpg", HasProof: true}}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		url := svc.GetProofURLs(ctx, "g", images, backend)["1"]
		if !strings.HasPrefix(url, "https://proofs.example.com/files/") {
			t.Fatalf("view %d: got %s, want a token URL", i, url)
		}
		if _, err := backend.ResolveToken(ctx, path.Base(url), ""); err != nil {
			t.Errorf("view %d: token rejected: %v", i, err)
		}
	}
}

func TestGetProofURLsKeysFollowEachRequest(t *testing.T) {
	svc := newTestProofService(t, &recordingQueue{}, nil, ProofOptions{})
	backend := newFakeBackend("https://store.example.com")
	backend.put("proofs/x_proof.jpg", []byte("jpeg"))
	ctx := context.Background()

	grid := svc.GetProofURLs(ctx, "g", []domain.ImageRef{{Key: "grid-0", Path: "x.jpg"}}, backend)
	lightbox := svc.GetProofURLs(ctx, "g", []domain.ImageRef{{Key: "lightbox-0", Path: "x.jpg"}}, backend)

	if _, ok := grid["grid-0"]; !ok || len(grid) != 1 {
		t.Errorf("first request: got %v, want only grid-0", grid)
	}
	if _, ok := lightbox["lightbox-0"]; !ok || len(lightbox) != 1 {
		t.Errorf("second request: got %v, want only lightbox-0", lightbox)
	}
}
