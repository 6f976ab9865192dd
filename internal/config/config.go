package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/timmy/proofline/internal/storage"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Proofing ProofingConfig `mapstructure:"proofing"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Download DownloadConfig `mapstructure:"download"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// PublicURL is the externally reachable base of this service, used for token URLs.
	PublicURL string     `mapstructure:"public_url"`
	CORS      CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the connection string for the configured driver.
// Parameters: none.
// Returns:
//   - string: SQLite file path or PostgreSQL DSN. An explicit URL wins for PostgreSQL.
func (c *DatabaseConfig) DSN() string {
	if c.Driver != "postgres" {
		return c.Path
	}
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type CacheConfig struct {
	SignTTL        time.Duration `mapstructure:"sign_ttl"`
	ProofTTL       time.Duration `mapstructure:"proof_ttl"`
	PlaceholderTTL time.Duration `mapstructure:"placeholder_ttl"`
	MemoSize       int           `mapstructure:"memo_size"`
	StoreSize      int           `mapstructure:"store_size"`
}

type StorageConfig struct {
	Driver          string                  `mapstructure:"driver"`
	SignedURLExpiry time.Duration           `mapstructure:"signed_url_expiry"`
	Concurrency     int                     `mapstructure:"concurrency"`
	HTTPTimeout     time.Duration           `mapstructure:"http_timeout"`
	Local           LocalStorageConfig      `mapstructure:"local"`
	S3              S3StorageConfig         `mapstructure:"s3"`
	Cloudinary      CloudinaryStorageConfig `mapstructure:"cloudinary"`
	ImageKit        ImageKitStorageConfig   `mapstructure:"imagekit"`
}

type LocalStorageConfig struct {
	BasePath     string `mapstructure:"base_path"`
	PublicURL    string `mapstructure:"public_url"`
	ServeURL     string `mapstructure:"serve_url"`
	BindClientIP bool   `mapstructure:"bind_client_ip"`
}

type S3StorageConfig struct {
	Bucket                   string `mapstructure:"bucket"`
	Region                   string `mapstructure:"region"`
	AccessKey                string `mapstructure:"access_key"`
	SecretKey                string `mapstructure:"secret_key"`
	Endpoint                 string `mapstructure:"endpoint"`
	ForcePathStyle           bool   `mapstructure:"force_path_style"`
	PublicURL                string `mapstructure:"public_url"`
	DefaultACL               string `mapstructure:"default_acl"`
	CloudFrontDomain         string `mapstructure:"cloudfront_domain"`
	CloudFrontKeyPairID      string `mapstructure:"cloudfront_key_pair_id"`
	CloudFrontPrivateKey     string `mapstructure:"cloudfront_private_key"`
	CloudFrontPrivateKeyPath string `mapstructure:"cloudfront_private_key_path"`
}

type CloudinaryStorageConfig struct {
	CloudName    string `mapstructure:"cloud_name"`
	APIKey       string `mapstructure:"api_key"`
	APISecret    string `mapstructure:"api_secret"`
	AuthTokenKey string `mapstructure:"auth_token_key"`
}

type ImageKitStorageConfig struct {
	PublicKey   string `mapstructure:"public_key"`
	PrivateKey  string `mapstructure:"private_key"`
	URLEndpoint string `mapstructure:"url_endpoint"`
}

type ProofingConfig struct {
	PlaceholderURL        string `mapstructure:"placeholder_url"`
	AllowOriginalFallback bool   `mapstructure:"allow_original_fallback"`
	MaxSize               int    `mapstructure:"max_size"`
	Quality               int    `mapstructure:"quality"`
	WatermarkText         string `mapstructure:"watermark_text"`
}

type QueueConfig struct {
	MaxSize         int           `mapstructure:"max_size"`
	BatchSize       int           `mapstructure:"batch_size"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	Schedule        string        `mapstructure:"schedule"`
	RescheduleDelay time.Duration `mapstructure:"reschedule_delay"`
}

type DownloadConfig struct {
	Mode         string        `mapstructure:"mode"`
	Concurrency  int           `mapstructure:"concurrency"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRedirects int           `mapstructure:"max_redirects"`
}

type UploadConfig struct {
	TempDir     string        `mapstructure:"temp_dir"`
	MaxBytes    int64         `mapstructure:"max_bytes"`
	SessionTTL  time.Duration `mapstructure:"session_ttl"`
	AllowedMime []string      `mapstructure:"allowed_mime"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// StorageBackendConfig converts the storage section into the immutable value the factory consumes.
// Parameters: none.
// Returns:
//   - storage.Config: driver selection and per-driver settings.
func (c *Config) StorageBackendConfig() storage.Config {
	s := c.Storage
	serveURL := s.Local.ServeURL
	if serveURL == "" && c.Server.PublicURL != "" {
		serveURL = strings.TrimSuffix(c.Server.PublicURL, "/") + "/files"
	}
	return storage.Config{
		Driver:          storage.Driver(strings.ToLower(s.Driver)),
		SignedURLExpiry: s.SignedURLExpiry,
		Local: storage.LocalConfig{
			BasePath:     s.Local.BasePath,
			PublicURL:    s.Local.PublicURL,
			ServeURL:     serveURL,
			BindClientIP: s.Local.BindClientIP,
		},
		S3: storage.S3Config{
			Bucket:                   s.S3.Bucket,
			Region:                   s.S3.Region,
			AccessKey:                s.S3.AccessKey,
			SecretKey:                s.S3.SecretKey,
			Endpoint:                 s.S3.Endpoint,
			ForcePathStyle:           s.S3.ForcePathStyle,
			PublicURL:                s.S3.PublicURL,
			DefaultACL:               s.S3.DefaultACL,
			CloudFrontDomain:         s.S3.CloudFrontDomain,
			CloudFrontKeyPairID:      s.S3.CloudFrontKeyPairID,
			CloudFrontPrivateKey:     s.S3.CloudFrontPrivateKey,
			CloudFrontPrivateKeyPath: s.S3.CloudFrontPrivateKeyPath,
		},
		Cloudinary: storage.CloudinaryConfig{
			CloudName:    s.Cloudinary.CloudName,
			APIKey:       s.Cloudinary.APIKey,
			APISecret:    s.Cloudinary.APISecret,
			AuthTokenKey: s.Cloudinary.AuthTokenKey,
		},
		ImageKit: storage.ImageKitConfig{
			PublicKey:   s.ImageKit.PublicKey,
			PrivateKey:  s.ImageKit.PrivateKey,
			URLEndpoint: s.ImageKit.URLEndpoint,
		},
	}
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets are bound explicitly so they never need to live in the config file.
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("storage.driver", "STORAGE_DRIVER")
	v.BindEnv("storage.s3.access_key", "AWS_ACCESS_KEY_ID")
	v.BindEnv("storage.s3.secret_key", "AWS_SECRET_ACCESS_KEY")
	v.BindEnv("storage.s3.region", "AWS_REGION")
	v.BindEnv("storage.s3.cloudfront_private_key", "CLOUDFRONT_PRIVATE_KEY")
	v.BindEnv("storage.cloudinary.api_key", "CLOUDINARY_API_KEY")
	v.BindEnv("storage.cloudinary.api_secret", "CLOUDINARY_API_SECRET")
	v.BindEnv("storage.cloudinary.auth_token_key", "CLOUDINARY_AUTH_TOKEN_KEY")
	v.BindEnv("storage.imagekit.public_key", "IMAGEKIT_PUBLIC_KEY")
	v.BindEnv("storage.imagekit.private_key", "IMAGEKIT_PRIVATE_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/proofline.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "proofline")
	v.SetDefault("database.dbname", "proofline")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "proofline:")

	v.SetDefault("cache.sign_ttl", 60*time.Second)
	v.SetDefault("cache.proof_ttl", 900*time.Second)
	v.SetDefault("cache.placeholder_ttl", 60*time.Second)
	v.SetDefault("cache.memo_size", 1024)
	v.SetDefault("cache.store_size", 10000)

	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.signed_url_expiry", time.Hour)
	v.SetDefault("storage.concurrency", 10)
	v.SetDefault("storage.http_timeout", 60*time.Second)
	v.SetDefault("storage.local.base_path", "./data/storage")
	v.SetDefault("storage.local.bind_client_ip", false)
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.default_acl", "private")

	v.SetDefault("proofing.placeholder_url", "")
	v.SetDefault("proofing.allow_original_fallback", false)
	v.SetDefault("proofing.max_size", 1600)
	v.SetDefault("proofing.quality", 65)
	v.SetDefault("proofing.watermark_text", "PROOF COPY — NOT FINAL QUALITY")

	v.SetDefault("queue.max_size", 250)
	v.SetDefault("queue.batch_size", 5)
	v.SetDefault("queue.lock_ttl", 60*time.Second)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.schedule", "@every 1m")
	v.SetDefault("queue.reschedule_delay", 5*time.Second)

	v.SetDefault("download.mode", "parallel")
	v.SetDefault("download.concurrency", 8)
	v.SetDefault("download.timeout", 60*time.Second)
	v.SetDefault("download.max_redirects", 5)

	v.SetDefault("upload.temp_dir", "./data/uploads")
	v.SetDefault("upload.max_bytes", int64(1<<30))
	v.SetDefault("upload.session_ttl", 24*time.Hour)
	v.SetDefault("upload.allowed_mime", []string{"image/jpeg", "image/png", "image/webp", "image/tiff", "image/heic"})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
