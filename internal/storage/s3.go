package storage

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/cloudfront/sign"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/timmy/proofline/internal/domain"
	"github.com/timmy/proofline/internal/retry"
)

const (
	// s3MultipartThreshold switches uploads to the multipart manager.
	s3MultipartThreshold = 32 << 20
	s3PartSize           = 16 << 20
	defaultS3Region      = "us-east-1"
)

var _ Backend = (*S3Storage)(nil)

// s3API is the subset of *s3.Client used for single-request calls.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type s3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type s3MultipartUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// cloudFrontSigner produces canned-policy signed URLs.
type cloudFrontSigner interface {
	Sign(rawURL string, expires time.Time) (string, error)
}

// S3Storage implements Backend for AWS S3 and S3-compatible services,
// with optional CloudFront delivery.
type S3Storage struct {
	base
	api        s3API
	presigner  s3Presigner
	uploader   s3MultipartUploader
	cfSigner   cloudFrontSigner
	bucket     string
	region     string
	endpoint   string
	pathStyle  bool
	publicURL  string
	cfDomain   string
	defaultACL string
}

// s3Clients are the AWS clients built for one S3Config. They are safe for
// concurrent use and shared by every backend the factory makes from that config.
type s3Clients struct {
	api       s3API
	presigner s3Presigner
	uploader  s3MultipartUploader
	cfSigner  cloudFrontSigner
}

// NewS3Storage creates an S3 client from static credentials.
// Parameters:
//   - ctx: context for loading the AWS configuration.
//   - cfg: S3 and CloudFront settings.
//   - exec: retry policy, nil selects the default.
//   - signs: signed URL cache, nil disables caching.
//   - expiry: lifetime of signed URLs.
//   - concurrency: bound for batch calls.
//
// Returns:
//   - *S3Storage: ready backend.
//   - error: invalid config, AWS config failure or an unreadable CloudFront key.
func NewS3Storage(ctx context.Context, cfg S3Config, exec *retry.Executor, signs *SignCache, expiry time.Duration, concurrency int) (*S3Storage, error) {
	clients, err := newS3Clients(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return clients.storage(cfg, exec, signs, expiry, concurrency), nil
}

func newS3Clients(ctx context.Context, cfg S3Config) (*s3Clients, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = defaultS3Region
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
		// Retries are owned by the retry executor.
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := endpointURL(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	c := &s3Clients{
		api:       client,
		presigner: s3.NewPresignClient(client),
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = s3PartSize
		}),
	}
	if cfg.CloudFrontKeyPairID != "" {
		key, err := loadCloudFrontKey(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: s3: cloudfront private key: %w", ErrInvalidConfig, err)
		}
		c.cfSigner = sign.NewURLSigner(cfg.CloudFrontKeyPairID, key)
	}
	return c, nil
}

// storage wraps the shared clients in a backend with its own signed URL cache.
func (c *s3Clients) storage(cfg S3Config, exec *retry.Executor, signs *SignCache, expiry time.Duration, concurrency int) *S3Storage {
	s := newS3Storage(cfg, c.api, c.presigner, exec, signs, expiry, concurrency)
	s.uploader = c.uploader
	s.cfSigner = c.cfSigner
	return s
}

func newS3Storage(cfg S3Config, api s3API, presigner s3Presigner, exec *retry.Executor, signs *SignCache, expiry time.Duration, concurrency int) *S3Storage {
	region := cfg.Region
	if region == "" {
		region = defaultS3Region
	}
	return &S3Storage{
		base:       newBase(string(DriverS3), exec, signs, expiry, concurrency),
		api:        api,
		presigner:  presigner,
		bucket:     cfg.Bucket,
		region:     region,
		endpoint:   endpointURL(cfg.Endpoint),
		pathStyle:  cfg.ForcePathStyle,
		publicURL:  strings.TrimSuffix(cfg.PublicURL, "/"),
		cfDomain:   strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(cfg.CloudFrontDomain, "https://"), "http://"), "/"),
		defaultACL: cfg.DefaultACL,
	}
}

func loadCloudFrontKey(cfg S3Config) (*rsa.PrivateKey, error) {
	if cfg.CloudFrontPrivateKey != "" {
		return sign.LoadPEMPrivKey(strings.NewReader(cfg.CloudFrontPrivateKey))
	}
	f, err := os.Open(cfg.CloudFrontPrivateKeyPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return sign.LoadPEMPrivKey(f)
}

// endpointURL adds https:// to scheme-less endpoints and strips trailing slashes.
func endpointURL(endpoint string) string {
	endpoint = strings.TrimSuffix(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return ""
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return endpoint
}

// Upload puts the file with a single request, or through the multipart manager for large files.
// With Overwrite unset the write is conditional and an existing object is kept.
func (s *S3Storage) Upload(ctx context.Context, req domain.UploadRequest) (*domain.UploadResult, error) {
	start := time.Now()
	key := req.DestinationKey

	info, err := os.Stat(req.LocalPath)
	if err != nil {
		return nil, &OpError{Op: "upload", Backend: s.name, Key: key, Err: err}
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = detectMime(req.LocalPath)
	}
	acl := req.Meta("acl")
	if acl == "" {
		acl = s.defaultACL
	}

	var etag string
	err = s.run(ctx, "upload", key, func(ctx context.Context) error {
		f, err := os.Open(req.LocalPath)
		if err != nil {
			return err
		}
		defer f.Close()

		input := &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(contentType),
		}
		if acl != "" {
			input.ACL = types.ObjectCannedACL(acl)
		}
		if !req.Overwrite {
			input.IfNoneMatch = aws.String("*")
		}

		if info.Size() >= s3MultipartThreshold && s.uploader != nil {
			out, err := s.uploader.Upload(ctx, input)
			if err != nil {
				return keepExisting(err)
			}
			etag = aws.ToString(out.ETag)
			return nil
		}

		input.ContentLength = aws.Int64(info.Size())
		out, err := s.api.PutObject(ctx, input)
		if err != nil {
			return keepExisting(err)
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	if err != nil {
		return nil, err
	}

	u, err := s.URL(ctx, key, URLOptions{})
	if err != nil {
		return nil, err
	}
	return &domain.UploadResult{
		URL:        u,
		Backend:    s.name,
		Key:        key,
		ETag:       strings.Trim(etag, `"`),
		Bytes:      info.Size(),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// keepExisting turns a failed conditional write into success.
func keepExisting(err error) error {
	if retry.StatusOf(err) == http.StatusPreconditionFailed {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return nil
	}
	return err
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return retry.StatusOf(err) == http.StatusNotFound
}

// Delete removes the object. S3 reports success for missing keys.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	err := s.run(ctx, "delete", key, func(ctx context.Context) error {
		_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil && isS3NotFound(err) {
			return nil
		}
		return err
	})
	if err == nil {
		s.forget(ctx, key)
	}
	return err
}

// Exists issues a HEAD request for key.
func (s *S3Storage) Exists(ctx context.Context, key string) bool {
	return s.probe(ctx, key, func(ctx context.Context) (bool, error) {
		_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isS3NotFound(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	})
}

// ExistsMany issues concurrent HEAD requests.
func (s *S3Storage) ExistsMany(ctx context.Context, keys []string) map[string]bool {
	return s.existsMany(ctx, keys, s.Exists)
}

// URL returns the public object URL or a signed one.
func (s *S3Storage) URL(ctx context.Context, key string, opts URLOptions) (string, error) {
	if !opts.Signed {
		return s.publicObjectURL(key), nil
	}
	if opts.Expires <= 0 || opts.Expires == s.expiry {
		return s.Sign(ctx, key)
	}
	var u string
	err := s.run(ctx, "sign", key, func(ctx context.Context) error {
		var err error
		u, err = s.mint(ctx, key, opts.Expires)
		return err
	})
	return u, err
}

// Sign returns a cached or freshly minted signed URL.
func (s *S3Storage) Sign(ctx context.Context, key string) (string, error) {
	return s.sign(ctx, key, s.mint)
}

// SignMany signs keys concurrently.
func (s *S3Storage) SignMany(ctx context.Context, keys []string) map[string]string {
	return s.signMany(ctx, keys, s.Sign)
}

// mint prefers CloudFront signing and falls back to a presigned GET.
func (s *S3Storage) mint(ctx context.Context, key string, expires time.Duration) (string, error) {
	if s.cfSigner != nil && s.cfDomain != "" {
		signed, err := s.cfSigner.Sign("https://"+s.cfDomain+"/"+escapeKey(key), time.Now().Add(expires))
		if err == nil {
			return signed, nil
		}
		s.log(ctx, key).WithError(err).Warn("CloudFront signing failed, falling back to presigned URL")
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// publicObjectURL picks CloudFront, the configured public URL, the custom endpoint
// and finally the regional AWS host.
func (s *S3Storage) publicObjectURL(key string) string {
	escaped := escapeKey(key)
	switch {
	case s.cfDomain != "":
		return "https://" + s.cfDomain + "/" + escaped
	case s.publicURL != "":
		return s.publicURL + "/" + escaped
	case s.endpoint != "":
		if s.pathStyle {
			return s.endpoint + "/" + s.bucket + "/" + escaped
		}
		scheme, host, _ := strings.Cut(s.endpoint, "://")
		return scheme + "://" + s.bucket + "." + host + "/" + escaped
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, escaped)
	}
}

// Stats checks bucket reachability. S3 does not report usage cheaply.
func (s *S3Storage) Stats(ctx context.Context) Stats {
	st := Stats{Backend: s.name}
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Healthy = true
	return st
}
