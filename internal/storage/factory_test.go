package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestFactoryMake(t *testing.T) {
	f := NewFactory(Deps{Retry: testExecutor(), Tokens: newTestTokens(t)})
	ctx := context.Background()

	testCases := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  error
	}{
		{
			name:     "local",
			cfg:      Config{Driver: DriverLocal, Local: LocalConfig{BasePath: t.TempDir(), ServeURL: "https://x/files"}},
			wantName: "local",
		},
		{
			name:     "cloudinary",
			cfg:      Config{Driver: "Cloudinary", Cloudinary: CloudinaryConfig{CloudName: "c", APIKey: "k", APISecret: "s"}},
			wantName: "cloudinary",
		},
		{
			name:     "imagekit",
			cfg:      Config{Driver: DriverImageKit, ImageKit: ImageKitConfig{PublicKey: "p", PrivateKey: "k", URLEndpoint: "https://ik.imagekit.io/x"}},
			wantName: "imagekit",
		},
		{
			name:    "unknown driver",
			cfg:     Config{Driver: "ftp"},
			wantErr: ErrUnknownDriver,
		},
		{
			name:    "s3 missing bucket",
			cfg:     Config{Driver: DriverS3, S3: S3Config{AccessKey: "a", SecretKey: "b"}},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "imagekit relative endpoint",
			cfg:     Config{Driver: DriverImageKit, ImageKit: ImageKitConfig{PublicKey: "p", PrivateKey: "k", URLEndpoint: "ik.imagekit.io"}},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "local missing base path",
			cfg:     Config{Driver: DriverLocal, Local: LocalConfig{ServeURL: "https://x/files"}},
			wantErr: ErrInvalidConfig,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := f.Make(ctx, tc.cfg)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Errorf("Make: got %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Make: %v", err)
			}
			if b.Name() != tc.wantName {
				t.Errorf("Name: got %s, want %s", b.Name(), tc.wantName)
			}
		})
	}
}

func TestFactoryReusesS3Clients(t *testing.T) {
	f := NewFactory(Deps{Retry: testExecutor()})
	ctx := context.Background()
	cfg := Config{Driver: DriverS3, S3: S3Config{Bucket: "proofs", AccessKey: "a", SecretKey: "b", Endpoint: "minio.local:9000"}}

	first, err := f.Make(ctx, cfg)
	if err != nil {
		t.Fatalf("Make: %v", err)
	}
	second, err := f.Make(ctx, cfg)
	if err != nil {
		t.Fatalf("Make: %v", err)
	}

	a, b := first.(*S3Storage), second.(*S3Storage)
	if a == b {
		t.Errorf("Make returned the same backend twice")
	}
	if a.api != b.api || a.uploader != b.uploader {
		t.Errorf("S3 clients were rebuilt for an identical config")
	}
	if len(f.s3) != 1 {
		t.Errorf("cached client sets: got %d, want 1", len(f.s3))
	}

	cfg.S3.Bucket = "other"
	if _, err := f.Make(ctx, cfg); err != nil {
		t.Fatalf("Make: %v", err)
	}
	if len(f.s3) != 2 {
		t.Errorf("cached client sets after new bucket: got %d, want 2", len(f.s3))
	}
}

func TestFactoryLocalRequiresTokens(t *testing.T) {
	f := NewFactory(Deps{})
	_, err := f.Make(context.Background(), Config{Driver: DriverLocal, Local: LocalConfig{BasePath: t.TempDir(), ServeURL: "https://x/files"}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("got %v, want ErrInvalidConfig", err)
	}
}

func TestS3ConfigValidateJoinsErrors(t *testing.T) {
	err := S3Config{CloudFrontKeyPairID: "K"}.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
	for _, want := range []string{"bucket is required", "access_key is required", "secret_key is required", "cloudfront_domain is required", "cloudfront_private_key"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}
