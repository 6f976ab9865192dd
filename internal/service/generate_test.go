package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/timmy/proofline/internal/domain"
)

func TestGenerateBatchIsolatesFailures(t *testing.T) {
	original := jpegBytes(t, 320, 240)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/3.jpg") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(original)
	}))
	defer srv.Close()

	backend := newFakeBackend(srv.URL)
	svc := newTestProofService(t, &recordingQueue{}, nil, ProofOptions{})

	var jobs []domain.ProofJob
	for i := 1; i <= 5; i++ {
		orig := fmt.Sprintf("gallery/%d.jpg", i)
		jobs = append(jobs, domain.ProofJob{OriginalPath: orig, ProofPath: ProofPathFor(orig)})
	}

	results := svc.GenerateBatch(context.Background(), jobs, backend)
	if len(results) != 5 {
		t.Fatalf("results: got %d entries, want 5", len(results))
	}
	for i, job := range jobs {
		err := results[job.ProofPath]
		if i == 2 {
			var se *StageError
			if !errors.As(err, &se) || se.Stage != StageDownload {
				t.Errorf("job 3: got %v, want download StageError", err)
			}
			if _, ok := backend.get(job.ProofPath); ok {
				t.Errorf("job 3: proof uploaded despite failed download")
			}
			continue
		}
		if err != nil {
			t.Errorf("job %d: got %v, want success", i+1, err)
			continue
		}
		data, ok := backend.get(job.ProofPath)
		if !ok {
			t.Errorf("job %d: proof not uploaded", i+1)
			continue
		}
		if _, format, err := image.DecodeConfig(bytes.NewReader(data)); err != nil || format != "jpeg" {
			t.Errorf("job %d: proof format %q, err %v", i+1, format, err)
		}
	}
}

func TestGenerateBatchUploadFailureIsPerJob(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()
	dir := t.TempDir()
	for _, name := range []string{"a.jpg", "b.jpg"} {
		src := writeFile(t, dir, name, jpegBytes(t, 64, 48))
		if _, err := local.Upload(ctx, domain.NewUploadRequest(src, "originals/"+name)); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	svc := newTestProofService(t, &recordingQueue{}, nil, ProofOptions{})
	jobs := []domain.ProofJob{
		{OriginalPath: "originals/a.jpg", ProofPath: "proofs/originals/a_proof.jpg"},
		{OriginalPath: "originals/b.jpg", ProofPath: "proofs/originals/b_proof.jpg"},
		{OriginalPath: "originals/missing.jpg", ProofPath: "proofs/originals/missing_proof.jpg"},
	}
	results := svc.GenerateBatch(ctx, jobs, local)

	if results["proofs/originals/a_proof.jpg"] != nil || results["proofs/originals/b_proof.jpg"] != nil {
		t.Errorf("results: got %v, want a and b to succeed", results)
	}
	var se *StageError
	if !errors.As(results["proofs/originals/missing_proof.jpg"], &se) || se.Stage != StageDownload {
		t.Errorf("missing original: got %v, want download StageError", results["proofs/originals/missing_proof.jpg"])
	}
	if !local.Exists(ctx, "proofs/originals/a_proof.jpg") || !local.Exists(ctx, "proofs/originals/b_proof.jpg") {
		t.Errorf("proofs not written to local storage")
	}
}

func TestGenerateBatchUndecodableOriginal(t *testing.T) {
	garbage := []byte("definitely not an image")

	testCases := []struct {
		name          string
		allowOriginal bool
		wantOriginal  bool
	}{
		{"placeholder by default", false, false},
		{"original when allowed", true, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			local := newTestLocal(t)
			ctx := context.Background()
			src := writeFile(t, t.TempDir(), "bad.jpg", garbage)
			if _, err := local.Upload(ctx, domain.NewUploadRequest(src, "bad.jpg")); err != nil {
				t.Fatalf("seed: %v", err)
			}

			svc := newTestProofService(t, &recordingQueue{}, nil, ProofOptions{AllowOriginalFallback: tc.allowOriginal})
			results := svc.GenerateBatch(ctx, []domain.ProofJob{{OriginalPath: "bad.jpg", ProofPath: "proofs/bad_proof.jpg"}}, local)
			if err := results["proofs/bad_proof.jpg"]; err != nil {
				t.Fatalf("GenerateBatch: %v", err)
			}

			full, _ := local.LocalPath("proofs/bad_proof.jpg")
			data, err := os.ReadFile(full)
			if err != nil {
				t.Fatalf("read proof: %v", err)
			}
			if got := bytes.Equal(data, garbage); got != tc.wantOriginal {
				t.Errorf("proof equals original: got %v, want %v", got, tc.wantOriginal)
			}
			if !tc.wantOriginal {
				cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
				if err != nil {
					t.Fatalf("placeholder decode: %v", err)
				}
				if cfg.Width != DefaultMaxSize {
					t.Errorf("placeholder width: got %d, want %d", cfg.Width, DefaultMaxSize)
				}
			}
		})
	}
}

func TestGenerateBatchEmpty(t *testing.T) {
	svc := newTestProofService(t, &recordingQueue{}, nil, ProofOptions{})
	if got := svc.GenerateBatch(context.Background(), nil, newFakeBackend("https://s")); len(got) != 0 {
		t.Errorf("GenerateBatch(nil): got %v, want empty", got)
	}
}
