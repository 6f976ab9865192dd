package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Driver names a storage backend implementation.
type Driver string

const (
	DriverLocal      Driver = "local"
	DriverS3         Driver = "s3"
	DriverCloudinary Driver = "cloudinary"
	DriverImageKit   Driver = "imagekit"
)

// DefaultSignedURLExpiry is the lifetime of URLs returned by Sign.
const DefaultSignedURLExpiry = time.Hour

// Config selects and configures one backend. It is built once per request or worker tick
// and never mutated afterwards.
type Config struct {
	Driver          Driver
	SignedURLExpiry time.Duration
	Local           LocalConfig
	S3              S3Config
	Cloudinary      CloudinaryConfig
	ImageKit        ImageKitConfig
}

// LocalConfig configures the filesystem backend.
type LocalConfig struct {
	BasePath string
	// PublicURL serves unsigned URLs when set; otherwise unsigned URLs fall back to tokens.
	PublicURL string
	// ServeURL is the token-serving endpoint, e.g. https://example.com/files.
	ServeURL string
	// BindClientIP ties tokens to the requesting client's IP when one is supplied.
	BindClientIP bool
}

// Validate reports missing local settings.
func (c LocalConfig) Validate() error {
	var errs []error
	if c.BasePath == "" {
		errs = append(errs, errors.New("base_path is required"))
	}
	if c.ServeURL == "" {
		errs = append(errs, errors.New("serve_url is required"))
	}
	return joinInvalid(DriverLocal, errs)
}

// S3Config configures the S3 backend and optional CloudFront signing.
type S3Config struct {
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// Endpoint targets an S3-compatible service (MinIO, R2) instead of AWS.
	Endpoint       string
	ForcePathStyle bool
	PublicURL      string
	DefaultACL     string

	CloudFrontDomain         string
	CloudFrontKeyPairID      string
	CloudFrontPrivateKey     string // PEM content
	CloudFrontPrivateKeyPath string
}

// Validate reports missing S3 settings.
func (c S3Config) Validate() error {
	var errs []error
	if c.Bucket == "" {
		errs = append(errs, errors.New("bucket is required"))
	}
	if c.AccessKey == "" {
		errs = append(errs, errors.New("access_key is required"))
	}
	if c.SecretKey == "" {
		errs = append(errs, errors.New("secret_key is required"))
	}
	if c.CloudFrontKeyPairID != "" {
		if c.CloudFrontDomain == "" {
			errs = append(errs, errors.New("cloudfront_domain is required when cloudfront_key_pair_id is set"))
		}
		if c.CloudFrontPrivateKey == "" && c.CloudFrontPrivateKeyPath == "" {
			errs = append(errs, errors.New("cloudfront_private_key or cloudfront_private_key_path is required when cloudfront_key_pair_id is set"))
		}
	}
	return joinInvalid(DriverS3, errs)
}

// CloudinaryConfig configures the Cloudinary backend.
type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	// AuthTokenKey (hex) enables expiring token URLs for authenticated delivery.
	AuthTokenKey string
	APIBaseURL   string
	DeliveryURL  string
}

// Validate reports missing Cloudinary settings.
func (c CloudinaryConfig) Validate() error {
	var errs []error
	if c.CloudName == "" {
		errs = append(errs, errors.New("cloud_name is required"))
	}
	if c.APIKey == "" {
		errs = append(errs, errors.New("api_key is required"))
	}
	if c.APISecret == "" {
		errs = append(errs, errors.New("api_secret is required"))
	}
	return joinInvalid(DriverCloudinary, errs)
}

// ImageKitConfig configures the ImageKit backend.
type ImageKitConfig struct {
	PublicKey   string
	PrivateKey  string
	URLEndpoint string
	UploadURL   string
	APIBaseURL  string
}

// Validate reports missing ImageKit settings.
func (c ImageKitConfig) Validate() error {
	var errs []error
	if c.PublicKey == "" {
		errs = append(errs, errors.New("public_key is required"))
	}
	if c.PrivateKey == "" {
		errs = append(errs, errors.New("private_key is required"))
	}
	if c.URLEndpoint == "" {
		errs = append(errs, errors.New("url_endpoint is required"))
	} else if !strings.HasPrefix(c.URLEndpoint, "http://") && !strings.HasPrefix(c.URLEndpoint, "https://") {
		errs = append(errs, errors.New("url_endpoint must be an absolute http(s) URL"))
	}
	return joinInvalid(DriverImageKit, errs)
}

func joinInvalid(driver Driver, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, driver, errors.Join(errs...))
}
