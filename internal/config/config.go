// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Signing modes for delivery URLs
const (
	SigningPresign = "presign"
	SigningProxy   = "proxy"
)

// Config holds all application configuration
type Config struct {
	Port             string `env:"PORT" envDefault:"8080"`
	BaseURL          string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	DatabaseURL      string `env:"DATABASE_URL"`
	SQLitePath       string `env:"CATALOG_SQLITE_PATH" envDefault:"printables.db"`
	RedisAddr        string `env:"REDIS_ADDR"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	RevalidateSecret string `env:"REVALIDATE_SECRET"`
	OTelEndpoint     string `env:"OTEL_ENDPOINT"`

	Gallery GalleryConfig `envPrefix:"GALLERY_"`
	Storage StorageConfig `envPrefix:"STORAGE_"`
}

// GalleryConfig tunes the catalog cache
type GalleryConfig struct {
	CacheTTL        time.Duration `env:"CACHE_TTL" envDefault:"60s"`
	DefaultLimit    int           `env:"DEFAULT_LIMIT" envDefault:"12"`
	MaxLimit        int           `env:"MAX_LIMIT" envDefault:"100"`
	PopulateTimeout time.Duration `env:"POPULATE_TIMEOUT" envDefault:"10s"`
}

// StorageConfig locates the object store and how delivery URLs are signed
type StorageConfig struct {
	Endpoint      string        `env:"ENDPOINT"`
	Bucket        string        `env:"BUCKET"`
	AccessKey     string        `env:"ACCESS_KEY"`
	SecretKey     string        `env:"SECRET_KEY"`
	UseSSL        bool          `env:"USE_SSL" envDefault:"true"`
	Region        string        `env:"REGION"`
	Prefix        string        `env:"PREFIX"`
	URLExpiry     time.Duration `env:"URL_EXPIRY" envDefault:"1h"`
	SigningMode   string        `env:"SIGNING_MODE" envDefault:"presign"`
	SigningSecret string        `env:"SIGNING_SECRET"`
}

// Load reads configuration from environment variables. Binaries call
// Validate for the parts they serve.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Storage.SigningMode = strings.ToLower(strings.TrimSpace(cfg.Storage.SigningMode))
	return cfg, nil
}

// HasPostgres returns true if the catalog lives in Postgres
func (c Config) HasPostgres() bool {
	return c.DatabaseURL != ""
}

// HasQueue returns true if failure reports go through the job queue
func (c Config) HasQueue() bool {
	return c.RedisAddr != ""
}

// HasObjectStore returns true if object storage credentials are complete
func (c Config) HasObjectStore() bool {
	s := c.Storage
	return s.Endpoint != "" && s.Bucket != "" && s.AccessKey != "" && s.SecretKey != ""
}

// Validate checks the API server configuration beyond what env parsing can
func (c Config) Validate() error {
	var errs []error
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("BASE_URL: %w", err))
	}
	g := c.Gallery
	if g.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("GALLERY_CACHE_TTL must be positive, got %s", g.CacheTTL))
	}
	if g.PopulateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("GALLERY_POPULATE_TIMEOUT must be positive, got %s", g.PopulateTimeout))
	}
	if g.DefaultLimit < 1 {
		errs = append(errs, fmt.Errorf("GALLERY_DEFAULT_LIMIT must be >= 1, got %d", g.DefaultLimit))
	}
	if g.MaxLimit < g.DefaultLimit {
		errs = append(errs, fmt.Errorf("GALLERY_MAX_LIMIT (%d) must be >= GALLERY_DEFAULT_LIMIT (%d)", g.MaxLimit, g.DefaultLimit))
	}

	s := c.Storage
	if s.URLExpiry <= 0 {
		errs = append(errs, fmt.Errorf("STORAGE_URL_EXPIRY must be positive, got %s", s.URLExpiry))
	} else if g.CacheTTL > 0 && s.URLExpiry <= g.CacheTTL {
		// a cached page must never outlive the URLs it carries
		errs = append(errs, fmt.Errorf("STORAGE_URL_EXPIRY (%s) must exceed GALLERY_CACHE_TTL (%s)", s.URLExpiry, g.CacheTTL))
	}
	switch s.SigningMode {
	case SigningPresign:
		if !c.HasObjectStore() {
			errs = append(errs, errors.New("presign signing needs STORAGE_ENDPOINT, STORAGE_BUCKET, STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY"))
		}
	case SigningProxy:
		if s.SigningSecret == "" {
			errs = append(errs, errors.New("proxy signing needs STORAGE_SIGNING_SECRET"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_SIGNING_MODE must be %q or %q, got %q", SigningPresign, SigningProxy, s.SigningMode))
	}
	return errors.Join(errs...)
}
