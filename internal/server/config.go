package server

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"
)

const (
	minPartSize = 5 << 20
	maxPartNum  = 10000
)

// Config is the complete runtime configuration of the service.
type Config struct {
	Addr        string // e.g. ":6000"
	AppHost     string // absolute base used in share URLs
	DatabaseURL string

	FileExpiry         time.Duration
	MaxDownloads       int
	PARExpiry          time.Duration
	StreamThreshold    int64
	LargeFileThreshold int64
	PartSize           int64
	MaxUploadBytes     int64

	Storage StorageConfig
	Auth    AuthConfig

	CleanupEnabled  bool
	CleanupSchedule string

	PINMaxAttempts int
	PINWindow      time.Duration
	RedisURL       string

	UploadRatePerMin int

	// TrustedProxies lists the peers whose X-Forwarded-For and X-Real-IP
	// headers are believed. Empty means forwarded headers are ignored.
	TrustedProxies []netip.Prefix
}

// UploadPARExpiry is the lifetime of pre-signed upload URLs.
func (c Config) UploadPARExpiry() time.Duration {
	return 4 * c.PARExpiry
}

// LoadConfig reads SHARENEST_* variables from the process environment.
func LoadConfig() (Config, error) {
	return loadConfig(os.Getenv)
}

func loadConfig(getenv func(string) string) (Config, error) {
	v := NewConfigValidator(getenv)

	cfg := Config{
		Addr:        v.String("SHARENEST_ADDR", ":6000"),
		AppHost:     strings.TrimRight(v.String("SHARENEST_APP_HOST", "http://127.0.0.1:6000"), "/"),
		DatabaseURL: v.Required("SHARENEST_DATABASE_URL"),

		FileExpiry:         time.Duration(v.Int("SHARENEST_FILE_EXPIRY_DAYS", 7, 1)) * 24 * time.Hour,
		MaxDownloads:       v.Int("SHARENEST_MAX_DOWNLOADS", 5, 1),
		PARExpiry:          time.Duration(v.Int("SHARENEST_PAR_EXPIRY_MIN", 5, 1)) * time.Minute,
		StreamThreshold:    v.Int64("SHARENEST_STREAM_THRESHOLD_BYTES", 8<<20, 0),
		LargeFileThreshold: v.Int64("SHARENEST_LARGE_FILE_THRESHOLD_BYTES", 100<<20, 0),
		PartSize:           v.Int64("SHARENEST_MULTIPART_PART_BYTES", 64<<20, minPartSize),
		MaxUploadBytes:     v.Int64("SHARENEST_MAX_UPLOAD_BYTES", 0, 0),

		Storage: StorageConfig{
			Driver:         v.String("SHARENEST_STORAGE_DRIVER", "minio"),
			Endpoint:       v.String("SHARENEST_S3_ENDPOINT", ""),
			PublicEndpoint: v.String("SHARENEST_S3_PUBLIC_ENDPOINT", ""),
			AccessKey:      v.Required("SHARENEST_S3_ACCESS_KEY"),
			SecretKey:      v.Required("SHARENEST_S3_SECRET_KEY"),
			Region:         v.String("SHARENEST_S3_REGION", "us-east-1"),
			Bucket:         v.Required("SHARENEST_BUCKET"),
		},
		Auth: AuthConfig{
			AdminUser:     v.String("SHARENEST_ADMIN_USER", "admin"),
			AdminPass:     v.Required("SHARENEST_ADMIN_PASS"),
			SessionSecret: v.Required("SHARENEST_SESSION_SECRET"),
			SessionTTL:    12 * time.Hour,
		},

		CleanupEnabled:  v.Bool("SHARENEST_CLEANUP_ENABLED", true),
		CleanupSchedule: v.String("SHARENEST_CLEANUP_SCHEDULE", "@every 1h"),

		PINMaxAttempts: v.Int("SHARENEST_PIN_MAX_ATTEMPTS", 5, 1),
		PINWindow:      v.Duration("SHARENEST_PIN_WINDOW", 15*time.Minute),
		RedisURL:       v.String("SHARENEST_REDIS_URL", ""),

		UploadRatePerMin: v.Int("SHARENEST_UPLOAD_RATE_PER_MIN", 60, 1),
		TrustedProxies:   v.Prefixes("SHARENEST_TRUSTED_PROXIES"),
	}

	cfg.Auth.SecureCookie = strings.HasPrefix(cfg.AppHost, "https://")

	v.ValidateAddr("SHARENEST_ADDR", cfg.Addr)
	v.ValidateURL("SHARENEST_APP_HOST", cfg.AppHost)
	v.ValidateMinLength("SHARENEST_SESSION_SECRET", cfg.Auth.SessionSecret, 16)
	v.ValidateEnum("SHARENEST_STORAGE_DRIVER", cfg.Storage.Driver, []string{"minio", "s3"})

	if cfg.DatabaseURL != "" &&
		!strings.HasPrefix(cfg.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		v.AddError("SHARENEST_DATABASE_URL", "must be a valid PostgreSQL connection string")
	}
	if cfg.Storage.Driver == "minio" && cfg.Storage.Endpoint == "" {
		v.AddError("SHARENEST_S3_ENDPOINT", "required for the minio driver")
	}
	if strings.Contains(cfg.Storage.Endpoint, "://") && cfg.Storage.Driver == "s3" {
		v.ValidateURL("SHARENEST_S3_ENDPOINT", cfg.Storage.Endpoint)
	}
	if _, err := cronParser.Parse(cfg.CleanupSchedule); err != nil {
		v.AddError("SHARENEST_CLEANUP_SCHEDULE", fmt.Sprintf("invalid cron expression: %v", err))
	}
	if cfg.LargeFileThreshold < cfg.StreamThreshold {
		v.AddError("SHARENEST_LARGE_FILE_THRESHOLD_BYTES", "must not be below the stream threshold")
	}

	if err := v.Err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
