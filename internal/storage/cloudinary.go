package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/timmy/proofline/internal/domain"
	"github.com/timmy/proofline/internal/retry"
)

const (
	// cloudinaryExistsBatchSize is the most public IDs the admin resources endpoint accepts per call.
	cloudinaryExistsBatchSize = 100

	cloudinaryChunkThreshold = 20 << 20
	cloudinaryChunkSize      = 6 << 20

	defaultCloudinaryAPI      = "https://api.cloudinary.com"
	defaultCloudinaryDelivery = "https://res.cloudinary.com"
)

var _ Backend = (*CloudinaryStorage)(nil)

// CloudinaryStorage implements Backend on the Cloudinary upload and admin APIs.
// Objects are image resources of delivery type "upload" whose public ID is the key without extension.
type CloudinaryStorage struct {
	base
	client       *resty.Client
	cloudName    string
	apiKey       string
	apiSecret    string
	authTokenKey []byte
	apiBase      string
	deliveryBase string
	now          func() time.Time
}

type cloudinaryUploadResponse struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	ETag      string `json:"etag"`
	Bytes     int64  `json:"bytes"`
	Existing  bool   `json:"existing"`
}

type cloudinaryResources struct {
	Resources []struct {
		PublicID string `json:"public_id"`
	} `json:"resources"`
}

type cloudinaryUsage struct {
	Storage struct {
		Usage int64 `json:"usage"`
	} `json:"storage"`
}

// NewCloudinaryStorage creates a Cloudinary backend.
// Parameters:
//   - cfg: cloud name, API credentials and optional auth token key (hex).
//   - client: shared resty client, nil creates one.
//   - exec: retry policy, nil selects the default.
//   - signs: signed URL cache, nil disables caching.
//   - expiry: lifetime of token URLs.
//   - concurrency: bound for batch calls.
//
// Returns:
//   - *CloudinaryStorage: ready backend.
//   - error: invalid config or a malformed auth token key.
func NewCloudinaryStorage(cfg CloudinaryConfig, client *resty.Client, exec *retry.Executor, signs *SignCache, expiry time.Duration, concurrency int) (*CloudinaryStorage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var tokenKey []byte
	if cfg.AuthTokenKey != "" {
		key, err := hex.DecodeString(cfg.AuthTokenKey)
		if err != nil {
			return nil, fmt.Errorf("%w: cloudinary: auth_token_key must be hex: %w", ErrInvalidConfig, err)
		}
		tokenKey = key
	}
	if client == nil {
		client = NewHTTPClient(0)
	}
	apiBase := strings.TrimSuffix(cfg.APIBaseURL, "/")
	if apiBase == "" {
		apiBase = defaultCloudinaryAPI
	}
	deliveryBase := strings.TrimSuffix(cfg.DeliveryURL, "/")
	if deliveryBase == "" {
		deliveryBase = defaultCloudinaryDelivery
	}

	return &CloudinaryStorage{
		base:         newBase(string(DriverCloudinary), exec, signs, expiry, concurrency),
		client:       client,
		cloudName:    cfg.CloudName,
		apiKey:       cfg.APIKey,
		apiSecret:    cfg.APISecret,
		authTokenKey: tokenKey,
		apiBase:      apiBase + "/v1_1/" + cfg.CloudName,
		deliveryBase: deliveryBase + "/" + cfg.CloudName,
		now:          time.Now,
	}, nil
}

// cloudinaryPublicID strips the extension from key.
func cloudinaryPublicID(key string) string {
	key = strings.TrimPrefix(key, "/")
	return strings.TrimSuffix(key, path.Ext(key))
}

// signParams returns the hex SHA-1 of the sorted k=v pairs followed by the API secret.
func (s *CloudinaryStorage) signParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + s.apiSecret))
	return hex.EncodeToString(sum[:])
}

// signedForm adds timestamp, api_key and signature to params.
func (s *CloudinaryStorage) signedForm(params map[string]string) map[string]string {
	form := make(map[string]string, len(params)+3)
	for k, v := range params {
		if v != "" {
			form[k] = v
		}
	}
	form["timestamp"] = strconv.FormatInt(s.now().Unix(), 10)
	form["signature"] = s.signParams(form)
	form["api_key"] = s.apiKey
	return form
}

// Upload sends the file in one request, or in 6 MiB chunks from 20 MiB upward.
func (s *CloudinaryStorage) Upload(ctx context.Context, req domain.UploadRequest) (*domain.UploadResult, error) {
	start := time.Now()
	key := req.DestinationKey

	info, err := os.Stat(req.LocalPath)
	if err != nil {
		return nil, &OpError{Op: "upload", Backend: s.name, Key: key, Err: err}
	}
	params := map[string]string{
		"public_id": cloudinaryPublicID(key),
		"overwrite": strconv.FormatBool(req.Overwrite),
		"tags":      req.Meta("tags"),
	}

	var out *cloudinaryUploadResponse
	if info.Size() >= cloudinaryChunkThreshold {
		out, err = s.uploadChunked(ctx, key, req.LocalPath, info.Size(), params)
	} else {
		err = s.run(ctx, "upload", key, func(ctx context.Context) error {
			f, err := os.Open(req.LocalPath)
			if err != nil {
				return err
			}
			defer f.Close()
			out, err = s.postUpload(ctx, s.signedForm(params), f, path.Base(req.LocalPath), nil)
			return err
		})
	}
	if err != nil {
		return nil, err
	}

	bytesSent := out.Bytes
	if bytesSent == 0 {
		bytesSent = info.Size()
	}
	u := out.SecureURL
	if u == "" {
		u, _ = s.URL(ctx, key, URLOptions{})
	}
	return &domain.UploadResult{
		URL:        u,
		Backend:    s.name,
		Key:        key,
		ETag:       out.ETag,
		Bytes:      bytesSent,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (s *CloudinaryStorage) uploadChunked(ctx context.Context, key, localPath string, size int64, params map[string]string) (*cloudinaryUploadResponse, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, &OpError{Op: "upload", Backend: s.name, Key: key, Err: err}
	}
	defer f.Close()

	uploadID := uuid.NewString()
	buf := make([]byte, cloudinaryChunkSize)
	var out *cloudinaryUploadResponse
	for offset := int64(0); offset < size; {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, &OpError{Op: "upload", Backend: s.name, Key: key, Err: err}
		}
		if n == 0 {
			break
		}
		chunk := buf[:n]
		headers := map[string]string{
			"X-Unique-Upload-Id": uploadID,
			"Content-Range":      fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(n)-1, size),
		}
		err = s.run(ctx, "upload", key, func(ctx context.Context) error {
			var err error
			out, err = s.postUpload(ctx, s.signedForm(params), bytes.NewReader(chunk), path.Base(localPath), headers)
			return err
		})
		if err != nil {
			return nil, err
		}
		offset += int64(n)
	}
	if out == nil {
		return nil, &OpError{Op: "upload", Backend: s.name, Key: key, Err: io.ErrUnexpectedEOF}
	}
	return out, nil
}

func (s *CloudinaryStorage) postUpload(ctx context.Context, form map[string]string, body io.Reader, filename string, headers map[string]string) (*cloudinaryUploadResponse, error) {
	out := &cloudinaryUploadResponse{}
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetMultipartFormData(form).
		SetFileReader("file", filename, body).
		SetResult(out).
		Post(s.apiBase + "/image/upload")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete destroys the resource. "not found" counts as success.
func (s *CloudinaryStorage) Delete(ctx context.Context, key string) error {
	err := s.run(ctx, "delete", key, func(ctx context.Context) error {
		var out struct {
			Result string `json:"result"`
		}
		resp, err := s.client.R().
			SetContext(ctx).
			SetFormData(s.signedForm(map[string]string{"public_id": cloudinaryPublicID(key)})).
			SetResult(&out).
			Post(s.apiBase + "/image/destroy")
		if err := checkResponse(resp, err); err != nil {
			return err
		}
		switch out.Result {
		case "ok", "not found":
			return nil
		default:
			return fmt.Errorf("destroy returned %q", out.Result)
		}
	})
	if err == nil {
		s.forget(ctx, key)
	}
	return err
}

// Exists fetches the resource details through the admin API.
func (s *CloudinaryStorage) Exists(ctx context.Context, key string) bool {
	return s.probe(ctx, key, func(ctx context.Context) (bool, error) {
		resp, err := s.client.R().
			SetContext(ctx).
			SetBasicAuth(s.apiKey, s.apiSecret).
			Get(s.apiBase + "/resources/image/upload/" + escapeKey(cloudinaryPublicID(key)))
		if err == nil && resp.StatusCode() == http.StatusNotFound {
			return false, nil
		}
		if err := checkResponse(resp, err); err != nil {
			return false, err
		}
		return true, nil
	})
}

// ExistsMany lists resources by public ID in batches of cloudinaryExistsBatchSize.
func (s *CloudinaryStorage) ExistsMany(ctx context.Context, keys []string) map[string]bool {
	keys = uniqueKeys(keys)
	result := make(map[string]bool, len(keys))
	for _, k := range keys {
		result[k] = false
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for start := 0; start < len(keys); start += cloudinaryExistsBatchSize {
		batch := keys[start:min(start+cloudinaryExistsBatchSize, len(keys))]
		g.Go(func() error {
			found := s.listPublicIDs(ctx, batch)
			mu.Lock()
			for _, k := range batch {
				if found[cloudinaryPublicID(k)] {
					result[k] = true
				}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func (s *CloudinaryStorage) listPublicIDs(ctx context.Context, keys []string) map[string]bool {
	q := url.Values{}
	for _, k := range keys {
		q.Add("public_ids[]", cloudinaryPublicID(k))
	}
	q.Set("max_results", strconv.Itoa(cloudinaryExistsBatchSize))

	found := make(map[string]bool, len(keys))
	ok := s.probe(ctx, keys[0], func(ctx context.Context) (bool, error) {
		var out cloudinaryResources
		resp, err := s.client.R().
			SetContext(ctx).
			SetBasicAuth(s.apiKey, s.apiSecret).
			SetQueryParamsFromValues(q).
			SetResult(&out).
			Get(s.apiBase + "/resources/image/upload")
		if err := checkResponse(resp, err); err != nil {
			return false, err
		}
		for _, r := range out.Resources {
			found[r.PublicID] = true
		}
		return true, nil
	})
	if !ok {
		return map[string]bool{}
	}
	return found
}

// URL returns the plain delivery URL or a signed one.
func (s *CloudinaryStorage) URL(ctx context.Context, key string, opts URLOptions) (string, error) {
	if !opts.Signed {
		return s.deliveryBase + "/image/upload/" + escapeKey(key), nil
	}
	if opts.Expires <= 0 || opts.Expires == s.expiry {
		return s.Sign(ctx, key)
	}
	return s.mint(ctx, key, opts.Expires)
}

// Sign returns a cached or freshly signed delivery URL.
func (s *CloudinaryStorage) Sign(ctx context.Context, key string) (string, error) {
	return s.sign(ctx, key, s.mint)
}

// SignMany signs keys concurrently.
func (s *CloudinaryStorage) SignMany(ctx context.Context, keys []string) map[string]string {
	return s.signMany(ctx, keys, s.Sign)
}

// mint builds an s--signature-- URL and, when an auth token key is set, appends an expiring token.
func (s *CloudinaryStorage) mint(_ context.Context, key string, expires time.Duration) (string, error) {
	resource := escapeKey(key)
	sum := sha1.Sum([]byte(resource + s.apiSecret))
	signature := base64.URLEncoding.EncodeToString(sum[:])[:8]

	u := s.deliveryBase + "/image/upload/s--" + signature + "--/" + resource
	if len(s.authTokenKey) == 0 {
		return u, nil
	}

	exp := strconv.FormatInt(s.now().Add(expires).Unix(), 10)
	deliveryPath := strings.TrimPrefix(u, s.deliveryBase)
	if parsed, err := url.Parse(u); err == nil {
		deliveryPath = parsed.EscapedPath()
	}
	mac := hmac.New(sha256.New, s.authTokenKey)
	mac.Write([]byte("exp=" + exp + "~url=" + deliveryPath))
	return u + "?__cld_token__=exp=" + exp + "~hmac=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Stats reads storage usage from the admin usage endpoint.
func (s *CloudinaryStorage) Stats(ctx context.Context) Stats {
	st := Stats{Backend: s.name}
	var out cloudinaryUsage
	resp, err := s.client.R().
		SetContext(ctx).
		SetBasicAuth(s.apiKey, s.apiSecret).
		SetResult(&out).
		Get(s.apiBase + "/usage")
	if err := checkResponse(resp, err); err != nil {
		st.Error = err.Error()
		return st
	}
	st.Healthy = true
	used := out.Storage.Usage
	st.UsedBytes = &used
	return st
}
