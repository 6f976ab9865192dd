package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"github.com/timmy/proofline/internal/domain"
	"github.com/timmy/proofline/internal/retry"
)

const (
	imageKitStreamThreshold = 20 << 20
	imageKitMaxUpload       = 500 << 20
	imageKitListLimit       = 1000

	defaultImageKitUpload = "https://upload.imagekit.io/api/v1/files/upload"
	defaultImageKitAPI    = "https://api.imagekit.io/v1"
)

var _ Backend = (*ImageKitStorage)(nil)

// ImageKitStorage implements Backend on the ImageKit media API.
type ImageKitStorage struct {
	base
	client      *resty.Client
	publicKey   string
	privateKey  string
	urlEndpoint string
	uploadURL   string
	apiBase     string
	now         func() time.Time
}

type imageKitFile struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	FilePath string `json:"filePath"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

// NewImageKitStorage creates an ImageKit backend.
// Parameters:
//   - cfg: keys and URL endpoint.
//   - client: shared resty client, nil creates one.
//   - exec: retry policy, nil selects the default.
//   - signs: signed URL cache, nil disables caching.
//   - expiry: lifetime of signed URLs.
//   - concurrency: bound for batch calls.
//
// Returns:
//   - *ImageKitStorage: ready backend.
//   - error: invalid config.
func NewImageKitStorage(cfg ImageKitConfig, client *resty.Client, exec *retry.Executor, signs *SignCache, expiry time.Duration, concurrency int) (*ImageKitStorage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = NewHTTPClient(0)
	}
	uploadURL := cfg.UploadURL
	if uploadURL == "" {
		uploadURL = defaultImageKitUpload
	}
	apiBase := strings.TrimSuffix(cfg.APIBaseURL, "/")
	if apiBase == "" {
		apiBase = defaultImageKitAPI
	}
	return &ImageKitStorage{
		base:        newBase(string(DriverImageKit), exec, signs, expiry, concurrency),
		client:      client,
		publicKey:   cfg.PublicKey,
		privateKey:  cfg.PrivateKey,
		urlEndpoint: strings.TrimSuffix(cfg.URLEndpoint, "/"),
		uploadURL:   uploadURL,
		apiBase:     apiBase,
		now:         time.Now,
	}, nil
}

// imageKitFolder returns the folder of key in ImageKit's "/a/b" form.
func imageKitFolder(key string) string {
	dir := path.Dir("/" + strings.TrimPrefix(key, "/"))
	if dir == "." {
		return "/"
	}
	return dir
}

func imageKitFilePath(key string) string {
	return "/" + strings.TrimPrefix(key, "/")
}

func (s *ImageKitStorage) uploadFields(key string, overwrite bool, tags string) map[string]string {
	fields := map[string]string{
		"fileName":          path.Base(key),
		"folder":            imageKitFolder(key),
		"useUniqueFileName": "false",
		"overwriteFile":     strconv.FormatBool(overwrite),
	}
	if tags != "" {
		fields["tags"] = tags
	}
	return fields
}

// Upload posts the file as multipart form data. Files from 20 MiB upward are streamed.
func (s *ImageKitStorage) Upload(ctx context.Context, req domain.UploadRequest) (*domain.UploadResult, error) {
	start := time.Now()
	key := req.DestinationKey

	info, err := os.Stat(req.LocalPath)
	if err != nil {
		return nil, &OpError{Op: "upload", Backend: s.name, Key: key, Err: err}
	}
	if info.Size() > imageKitMaxUpload {
		return nil, &OpError{Op: "upload", Backend: s.name, Key: key,
			Err: fmt.Errorf("file of %d bytes exceeds the %d byte upload limit", info.Size(), imageKitMaxUpload)}
	}
	fields := s.uploadFields(key, req.Overwrite, req.Meta("tags"))

	var out imageKitFile
	err = s.run(ctx, "upload", key, func(ctx context.Context) error {
		f, err := os.Open(req.LocalPath)
		if err != nil {
			return err
		}
		defer f.Close()

		r := s.client.R().
			SetContext(ctx).
			SetBasicAuth(s.privateKey, "").
			SetResult(&out)
		if info.Size() >= imageKitStreamThreshold {
			body, contentType := streamMultipart(fields, path.Base(key), f)
			defer body.Close()
			r.SetHeader("Content-Type", contentType).SetBody(body)
		} else {
			r.SetMultipartFormData(fields).SetFileReader("file", path.Base(key), f)
		}
		return checkResponse(r.Post(s.uploadURL))
	})
	if err != nil {
		return nil, err
	}

	u := out.URL
	if u == "" {
		u = s.urlEndpoint + "/" + escapeKey(key)
	}
	size := out.Size
	if size == 0 {
		size = info.Size()
	}
	return &domain.UploadResult{
		URL:        u,
		Backend:    s.name,
		Key:        key,
		ETag:       out.FileID,
		Bytes:      size,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// streamMultipart encodes fields and file into a pipe so the body is never held in memory.
func streamMultipart(fields map[string]string, filename string, file io.Reader) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()
	return pr, mw.FormDataContentType()
}

// listFolder returns every file in folder keyed by its file path. Callers own retries.
func (s *ImageKitStorage) listFolder(ctx context.Context, folder string) (map[string]imageKitFile, error) {
	files := make(map[string]imageKitFile)
	for skip := 0; ; skip += imageKitListLimit {
		var page []imageKitFile
		resp, err := s.client.R().
			SetContext(ctx).
			SetBasicAuth(s.privateKey, "").
			SetQueryParams(map[string]string{
				"path":  folder,
				"type":  "file",
				"limit": strconv.Itoa(imageKitListLimit),
				"skip":  strconv.Itoa(skip),
			}).
			SetResult(&page).
			Get(s.apiBase + "/files")
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}
		for _, f := range page {
			files[f.FilePath] = f
		}
		if len(page) < imageKitListLimit {
			return files, nil
		}
	}
}

// Exists lists the key's folder.
func (s *ImageKitStorage) Exists(ctx context.Context, key string) bool {
	return s.ExistsMany(ctx, []string{key})[key]
}

// ExistsMany lists each distinct folder once.
func (s *ImageKitStorage) ExistsMany(ctx context.Context, keys []string) map[string]bool {
	keys = uniqueKeys(keys)
	result := make(map[string]bool, len(keys))
	byFolder := make(map[string][]string)
	for _, k := range keys {
		result[k] = false
		folder := imageKitFolder(k)
		byFolder[folder] = append(byFolder[folder], k)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for folder, folderKeys := range byFolder {
		g.Go(func() error {
			start := time.Now()
			files, err := retry.Do(ctx, s.retry, s.name+".exists", func(ctx context.Context) (map[string]imageKitFile, error) {
				return s.listFolder(ctx, folder)
			})
			s.observe("exists", start, err)
			if err != nil {
				s.log(ctx, folderKeys[0]).WithField("folder", folder).WithError(err).
					Warn("Existence check failed, treating folder objects as missing")
				return nil
			}
			mu.Lock()
			for _, k := range folderKeys {
				_, result[k] = files[imageKitFilePath(k)]
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// Delete resolves the file ID and deletes it. A missing file is not an error.
func (s *ImageKitStorage) Delete(ctx context.Context, key string) error {
	err := s.run(ctx, "delete", key, func(ctx context.Context) error {
		files, err := s.listFolder(ctx, imageKitFolder(key))
		if err != nil {
			return err
		}
		file, ok := files[imageKitFilePath(key)]
		if !ok {
			return nil
		}
		resp, err := s.client.R().
			SetContext(ctx).
			SetBasicAuth(s.privateKey, "").
			Delete(s.apiBase + "/files/" + url.PathEscape(file.FileID))
		if err == nil && resp.StatusCode() == http.StatusNotFound {
			return nil
		}
		return checkResponse(resp, err)
	})
	if err == nil {
		s.forget(ctx, key)
	}
	return err
}

// URL returns the endpoint URL or a signed one.
func (s *ImageKitStorage) URL(ctx context.Context, key string, opts URLOptions) (string, error) {
	if !opts.Signed {
		return s.urlEndpoint + "/" + escapeKey(key), nil
	}
	if opts.Expires <= 0 || opts.Expires == s.expiry {
		return s.Sign(ctx, key)
	}
	return s.mint(ctx, key, opts.Expires)
}

// Sign returns a cached or freshly signed URL.
func (s *ImageKitStorage) Sign(ctx context.Context, key string) (string, error) {
	return s.sign(ctx, key, s.mint)
}

// SignMany signs keys concurrently.
func (s *ImageKitStorage) SignMany(ctx context.Context, keys []string) map[string]string {
	return s.signMany(ctx, keys, s.Sign)
}

// mint appends ik-t (expiry) and ik-s, the hex HMAC-SHA1 of path and expiry under the private key.
func (s *ImageKitStorage) mint(_ context.Context, key string, expires time.Duration) (string, error) {
	resource := escapeKey(key)
	exp := strconv.FormatInt(s.now().Add(expires).Unix(), 10)
	mac := hmac.New(sha1.New, []byte(s.privateKey))
	mac.Write([]byte(resource + exp))
	return s.urlEndpoint + "/" + resource + "?ik-t=" + exp + "&ik-s=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Stats checks API reachability. ImageKit exposes no per-account storage figure here.
func (s *ImageKitStorage) Stats(ctx context.Context) Stats {
	st := Stats{Backend: s.name}
	resp, err := s.client.R().
		SetContext(ctx).
		SetBasicAuth(s.privateKey, "").
		SetQueryParam("limit", "1").
		Get(s.apiBase + "/files")
	if err := checkResponse(resp, err); err != nil {
		st.Error = err.Error()
		return st
	}
	st.Healthy = true
	return st
}
