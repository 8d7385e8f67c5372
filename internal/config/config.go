package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverS3       = "s3"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	DocStoreDriver string `mapstructure:"DOCSTORE_DRIVER"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string `mapstructure:"MIGRATIONS_DIR"`
	MongoURI       string `mapstructure:"MONGO_URI"`
	MongoDatabase  string `mapstructure:"MONGO_DATABASE"`

	BlobStoreDriver string        `mapstructure:"BLOBSTORE_DRIVER"`
	S3Bucket        string        `mapstructure:"S3_BUCKET"`
	S3Region        string        `mapstructure:"S3_REGION"`
	S3Endpoint      string        `mapstructure:"S3_ENDPOINT"`
	S3Prefix        string        `mapstructure:"S3_PREFIX"`
	S3PresignTTL    time.Duration `mapstructure:"S3_PRESIGN_TTL"`
	PublicBaseURL   string        `mapstructure:"PUBLIC_BASE_URL"`
	MaxUploadBytes  int64         `mapstructure:"MAX_UPLOAD_BYTES"`

	OCRURL    string `mapstructure:"OCR_URL"`
	PromptURL string `mapstructure:"PROMPT_URL"`
	AIAPIKey  string `mapstructure:"AI_API_KEY"`

	GeocoderURL       string        `mapstructure:"GEOCODER_URL"`
	GeocoderUserAgent string        `mapstructure:"GEOCODER_USER_AGENT"`
	GeocodeRegion     string        `mapstructure:"GEOCODE_REGION"`
	GeocodeRPS        float64       `mapstructure:"GEOCODE_RPS"`
	GeocodeCacheTTL   time.Duration `mapstructure:"GEOCODE_CACHE_TTL"`
	RedisURL          string        `mapstructure:"REDIS_URL"`

	LinkMaxAttempts          int           `mapstructure:"LINK_MAX_ATTEMPTS"`
	LinkRetryDelay           time.Duration `mapstructure:"LINK_RETRY_DELAY"`
	ExternalCallTimeout      time.Duration `mapstructure:"EXTERNAL_CALL_TIMEOUT"`
	SessionIdleTimeout       time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`
	AnalyticsRefreshInterval time.Duration `mapstructure:"ANALYTICS_REFRESH_INTERVAL"`

	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV",
	"DOCSTORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR", "MONGO_URI", "MONGO_DATABASE",
	"BLOBSTORE_DRIVER", "S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_PREFIX", "S3_PRESIGN_TTL", "PUBLIC_BASE_URL", "MAX_UPLOAD_BYTES",
	"OCR_URL", "PROMPT_URL", "AI_API_KEY",
	"GEOCODER_URL", "GEOCODER_USER_AGENT", "GEOCODE_REGION", "GEOCODE_RPS", "GEOCODE_CACHE_TTL", "REDIS_URL",
	"LINK_MAX_ATTEMPTS", "LINK_RETRY_DELAY", "EXTERNAL_CALL_TIMEOUT", "SESSION_IDLE_TIMEOUT", "ANALYTICS_REFRESH_INTERVAL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
}

// Load reads the configuration from the environment and an optional .env
// file in the working directory. Environment variables win.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DOCSTORE_DRIVER", DriverMemory)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("MONGO_DATABASE", "intake")
	v.SetDefault("BLOBSTORE_DRIVER", DriverMemory)
	v.SetDefault("S3_REGION", "ap-southeast-1")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000")
	v.SetDefault("MAX_UPLOAD_BYTES", 20*1024*1024)
	v.SetDefault("GEOCODER_URL", "https://nominatim.openstreetmap.org/search")
	v.SetDefault("GEOCODER_USER_AGENT", "clinic-intake/1.0")
	v.SetDefault("GEOCODE_REGION", "Philippines")
	v.SetDefault("GEOCODE_RPS", 1)
	v.SetDefault("GEOCODE_CACHE_TTL", "720h")
	v.SetDefault("LINK_MAX_ATTEMPTS", 6)
	v.SetDefault("LINK_RETRY_DELAY", "300ms")
	v.SetDefault("EXTERNAL_CALL_TIMEOUT", "30s")
	v.SetDefault("SESSION_IDLE_TIMEOUT", "30m")
	v.SetDefault("ANALYTICS_REFRESH_INTERVAL", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "2m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		log.Println("WARNING: ENV=development without AUTH_SIGNING_KEY: every request is treated as admin.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.DocStoreDriver {
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("DOCSTORE_DRIVER=memory is not allowed in production")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DOCSTORE_DRIVER=postgres")
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when DOCSTORE_DRIVER=mongo")
		}
	default:
		return fmt.Errorf("DOCSTORE_DRIVER must be %q, %q or %q, got %q", DriverMemory, DriverPostgres, DriverMongo, c.DocStoreDriver)
	}

	switch c.BlobStoreDriver {
	case DriverMemory:
	case DriverS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOBSTORE_DRIVER=s3")
		}
	default:
		return fmt.Errorf("BLOBSTORE_DRIVER must be %q or %q, got %q", DriverMemory, DriverS3, c.BlobStoreDriver)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required outside development (current ENV=%q)", c.Env)
	}
	if c.LinkMaxAttempts < 1 {
		return fmt.Errorf("LINK_MAX_ATTEMPTS must be at least 1, got %d", c.LinkMaxAttempts)
	}
	if c.LinkRetryDelay < 0 {
		return fmt.Errorf("LINK_RETRY_DELAY must not be negative")
	}
	if c.ExternalCallTimeout <= 0 {
		return fmt.Errorf("EXTERNAL_CALL_TIMEOUT must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.GeocodeRPS <= 0 {
		return fmt.Errorf("GEOCODE_RPS must be positive")
	}
	return nil
}
