package zarr

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v3"
)

// Config configures how stores are reached. It is loaded from a single
// explicitly named YAML file; there is no discovery or environment fallback.
type Config struct {
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// CacheBust appends a cb query parameter to directory store reads.
	CacheBust bool `yaml:"cache_bust"`

	// HTTP configures http and https reads.
	HTTP HTTPConfig `yaml:"http"`

	// S3 enables s3:// URLs when set.
	S3 *S3Config `yaml:"s3,omitempty"`

	// GCS enables gs:// URLs when set.
	GCS bool `yaml:"gcs"`

	// Redis enables a shared cache of fetched content when set.
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{LogLevel: "info"}
}

// LoadConfig reads the YAML file at path over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.levelOption(); err != nil {
		errs = append(errs, err)
	}
	if c.HTTP.Timeout < 0 {
		errs = append(errs, errors.New("http.timeout must not be negative"))
	}
	if c.HTTP.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("http.requests_per_second must not be negative"))
	}
	if c.HTTP.Burst < 0 {
		errs = append(errs, errors.New("http.burst must not be negative"))
	}
	if c.Redis != nil {
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required"))
		}
		if c.Redis.TTL < 0 {
			errs = append(errs, errors.New("redis.ttl must not be negative"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) levelOption() (level.Option, error) {
	switch c.LogLevel {
	case "debug":
		return level.AllowDebug(), nil
	case "", "info":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	}
	return nil, fmt.Errorf("unknown log_level %q", c.LogLevel)
}

// FilterLogger applies the configured level to logger.
func (c *Config) FilterLogger(logger log.Logger) (log.Logger, error) {
	opt, err := c.levelOption()
	if err != nil {
		return nil, err
	}
	return level.NewFilter(logger, opt), nil
}

// Options builds the transports and caches the configuration describes.
func (c *Config) Options(ctx context.Context, logger log.Logger, metrics *Metrics) ([]Option, error) {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	mux := DefaultFetcher(c.HTTP, logger, metrics)
	if c.S3 != nil {
		s3f, err := NewS3Fetcher(ctx, *c.S3, metrics)
		if err != nil {
			return nil, err
		}
		mux.Handle("s3", s3f)
	}
	if c.GCS {
		gcs, err := NewGCSFetcher(ctx, metrics)
		if err != nil {
			return nil, err
		}
		mux.Handle("gs", gcs)
	}

	opts := []Option{
		WithFetcher(mux),
		WithLogger(logger),
		WithMetrics(metrics),
		WithCacheBust(c.CacheBust),
	}
	if c.Redis != nil {
		opts = append(opts, WithRemoteCache(NewRedisCache(*c.Redis)))
	}
	return opts, nil
}
