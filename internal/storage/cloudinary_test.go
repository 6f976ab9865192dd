package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/timmy/proofline/internal/domain"
)

type cloudinaryFake struct {
	mu         sync.Mutex
	existing   map[string]bool
	listCalls  int
	uploads    []map[string]string
	destroyed  []string
	failUpload int
}

func (f *cloudinaryFake) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/v1_1/demo/image/upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failUpload > 0 {
			f.failUpload--
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream"})
			return
		}
		form := map[string]string{}
		for k, v := range r.MultipartForm.Value {
			form[k] = v[0]
		}
		f.uploads = append(f.uploads, form)
		f.existing[form["public_id"]] = true
		writeJSON(w, http.StatusOK, map[string]any{
			"public_id":  form["public_id"],
			"secure_url": "https://res.cloudinary.com/demo/image/upload/v1/" + form["public_id"] + ".jpg",
			"etag":       "e-tag",
			"bytes":      4,
		})
	})
	mux.HandleFunc("/v1_1/demo/image/destroy", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PostForm.Get("public_id")
		f.destroyed = append(f.destroyed, id)
		result := "not found"
		if f.existing[id] {
			delete(f.existing, id)
			result = "ok"
		}
		writeJSON(w, http.StatusOK, map[string]string{"result": result})
	})
	mux.HandleFunc("/v1_1/demo/resources/image/upload", func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); !ok || user != "key" {
			writeJSON(w, http.StatusUnauthorized, nil)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listCalls++
		ids := r.URL.Query()["public_ids[]"]
		if len(ids) > cloudinaryExistsBatchSize {
			t.Errorf("batch of %d ids exceeds %d", len(ids), cloudinaryExistsBatchSize)
		}
		var resources []map[string]string
		for _, id := range ids {
			if f.existing[id] {
				resources = append(resources, map[string]string{"public_id": id})
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"resources": resources})
	})
	mux.HandleFunc("/v1_1/demo/resources/image/upload/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1_1/demo/resources/image/upload/")
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.existing[id] {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"message": "not found"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"public_id": id})
	})
	mux.HandleFunc("/v1_1/demo/usage", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"storage": map[string]int64{"usage": 2048}})
	})
	return mux
}

func newTestCloudinary(t *testing.T, fake *cloudinaryFake, tokenKey string) *CloudinaryStorage {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	s, err := NewCloudinaryStorage(CloudinaryConfig{
		CloudName:    "demo",
		APIKey:       "key",
		APISecret:    "secret",
		AuthTokenKey: tokenKey,
		APIBaseURL:   srv.URL,
	}, NewHTTPClient(5*time.Second), testExecutor(), NewSignCache(nil, 0, time.Hour), time.Hour, 4)
	if err != nil {
		t.Fatalf("NewCloudinaryStorage: %v", err)
	}
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return s
}

func TestCloudinaryPublicID(t *testing.T) {
	testCases := []struct{ key, want string }{
		{"proofs/a/b_proof.jpg", "proofs/a/b_proof"},
		{"/leading.png", "leading"},
		{"noext", "noext"},
		{"dir.v2/file.tar.gz", "dir.v2/file.tar"},
	}
	for _, tc := range testCases {
		if got := cloudinaryPublicID(tc.key); got != tc.want {
			t.Errorf("cloudinaryPublicID(%q): got %q, want %q", tc.key, got, tc.want)
		}
	}
}

func TestCloudinaryUploadSignsParams(t *testing.T) {
	fake := &cloudinaryFake{existing: map[string]bool{}, failUpload: 1}
	s := newTestCloudinary(t, fake, "")
	src := writeTempFile(t, "a.jpg", "data")

	req := domain.NewUploadRequest(src, "proofs/a_proof.jpg")
	req.Overwrite = false
	res, err := s.Upload(context.Background(), req)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(fake.uploads) != 1 {
		t.Fatalf("uploads: got %d, want 1 after one retried failure", len(fake.uploads))
	}
	form := fake.uploads[0]
	if form["public_id"] != "proofs/a_proof" || form["overwrite"] != "false" || form["api_key"] != "key" {
		t.Errorf("form: got %v", form)
	}
	want := s.signParams(map[string]string{
		"public_id": "proofs/a_proof",
		"overwrite": "false",
		"timestamp": "1700000000",
	})
	if form["signature"] != want {
		t.Errorf("signature: got %s, want %s", form["signature"], want)
	}
	if res.ETag != "e-tag" || !strings.HasPrefix(res.URL, "https://res.cloudinary.com/demo/") {
		t.Errorf("result: got %+v", res)
	}
}

func TestCloudinaryExistsManyBatches(t *testing.T) {
	fake := &cloudinaryFake{existing: map[string]bool{"p/img7": true, "p/img150": true}}
	s := newTestCloudinary(t, fake, "")

	keys := make([]string, 0, 250)
	for i := 0; i < 250; i++ {
		keys = append(keys, "p/img"+strconv.Itoa(i)+".jpg")
	}
	got := s.ExistsMany(context.Background(), keys)
	if len(got) != 250 {
		t.Fatalf("ExistsMany returned %d keys, want 250", len(got))
	}
	if !got["p/img7.jpg"] || !got["p/img150.jpg"] || got["p/img8.jpg"] {
		t.Errorf("ExistsMany: unexpected flags")
	}
	if fake.listCalls != 3 {
		t.Errorf("list calls: got %d, want 3", fake.listCalls)
	}
}

func TestCloudinaryExistsAndDelete(t *testing.T) {
	fake := &cloudinaryFake{existing: map[string]bool{"p/a": true}}
	s := newTestCloudinary(t, fake, "")
	ctx := context.Background()

	if !s.Exists(ctx, "p/a.jpg") || s.Exists(ctx, "p/b.jpg") {
		t.Errorf("Exists mismatch")
	}
	if err := s.Delete(ctx, "p/a.jpg"); err != nil {
		t.Errorf("Delete existing: %v", err)
	}
	if err := s.Delete(ctx, "p/a.jpg"); err != nil {
		t.Errorf("Delete missing should succeed: %v", err)
	}
}

func TestCloudinarySignedURL(t *testing.T) {
	s := newTestCloudinary(t, &cloudinaryFake{existing: map[string]bool{}}, "")
	u, err := s.Sign(context.Background(), "proofs/a_proof.jpg")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	re := regexp.MustCompile(`^https://res\.cloudinary\.com/demo/image/upload/s--[A-Za-z0-9_-]{8}--/proofs/a_proof\.jpg$`)
	if !re.MatchString(u) {
		t.Errorf("signed URL: got %s", u)
	}
}

func TestCloudinaryTokenURL(t *testing.T) {
	key := "a1b2c3d4"
	s := newTestCloudinary(t, &cloudinaryFake{existing: map[string]bool{}}, key)

	u, err := s.URL(context.Background(), "a.jpg", URLOptions{Signed: true, Expires: 10 * time.Minute})
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	base, token, ok := strings.Cut(u, "?__cld_token__=")
	if !ok {
		t.Fatalf("missing token: %s", u)
	}
	exp := "1700000600"
	if !strings.HasPrefix(token, "exp="+exp+"~hmac=") {
		t.Fatalf("token: got %s", token)
	}

	raw, _ := hex.DecodeString(key)
	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte("exp=" + exp + "~url=" + strings.TrimPrefix(base, "https://res.cloudinary.com")))
	if want := hex.EncodeToString(mac.Sum(nil)); !strings.HasSuffix(token, want) {
		t.Errorf("hmac: got %s, want %s", token, want)
	}
}

func TestCloudinaryRejectsBadTokenKey(t *testing.T) {
	_, err := NewCloudinaryStorage(CloudinaryConfig{CloudName: "demo", APIKey: "k", APISecret: "s", AuthTokenKey: "zz"}, nil, nil, nil, 0, 0)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("got %v, want ErrInvalidConfig", err)
	}
}

func TestCloudinaryStats(t *testing.T) {
	s := newTestCloudinary(t, &cloudinaryFake{existing: map[string]bool{}}, "")
	st := s.Stats(context.Background())
	if !st.Healthy || st.UsedBytes == nil || *st.UsedBytes != 2048 {
		t.Errorf("Stats: got %+v", st)
	}
}
