package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant     string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL       string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	DevUserID         string        `mapstructure:"DEV_USER_ID"`
	DevRole           string        `mapstructure:"DEV_ROLE"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	ScopeCacheTTL     time.Duration `mapstructure:"SCOPE_CACHE_TTL"`
	BlobBackend       string        `mapstructure:"BLOB_BACKEND"`
	BlobDir           string        `mapstructure:"BLOB_DIR"`
	UploadConcurrency int           `mapstructure:"UPLOAD_CONCURRENCY"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	MaxUploadSize     string        `mapstructure:"MAX_UPLOAD_SIZE"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_TENANT", "CORS_ORIGINS", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "DEV_USER_ID", "DEV_ROLE",
	"REDIS_URL", "SCOPE_CACHE_TTL", "BLOB_BACKEND", "BLOB_DIR",
	"UPLOAD_CONCURRENCY", "BODY_LIMIT", "MAX_UPLOAD_SIZE", "REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DEV_USER_ID", "1")
	v.SetDefault("DEV_ROLE", "admin")
	v.SetDefault("SCOPE_CACHE_TTL", "5m")
	v.SetDefault("BLOB_BACKEND", "memory")
	v.SetDefault("BLOB_DIR", "./data/evidence")
	v.SetDefault("UPLOAD_CONCURRENCY", 4)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("MAX_UPLOAD_SIZE", "50M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

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
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development).")
		log.Printf("WARNING: unauthenticated requests act as user %s with role %s.", cfg.DevUserID, cfg.DevRole)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development and tests only; use AUTH_ISSUER in production")
	}

	switch c.BlobBackend {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("BLOB_BACKEND=memory loses evidence on restart; use local in production")
		}
	case "local":
		if c.BlobDir == "" {
			return fmt.Errorf("BLOB_DIR is required when BLOB_BACKEND is \"local\"")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be \"memory\" or \"local\", got %q", c.BlobBackend)
	}

	if c.UploadConcurrency <= 0 {
		return fmt.Errorf("UPLOAD_CONCURRENCY must be positive, got %d", c.UploadConcurrency)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.ScopeCacheTTL < 0 {
		return fmt.Errorf("SCOPE_CACHE_TTL must not be negative")
	}
	return nil
}
