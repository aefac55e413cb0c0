package zarr

import (
	"time"

	"github.com/go-kit/log"
)

type options struct {
	fetcher   Fetcher
	logger    log.Logger
	metrics   *Metrics
	remote    RemoteCache
	cacheBust bool
	now       func() time.Time
}

// Option configures stores, caches and files.
type Option func(*options)

// WithFetcher sets the transport used for every remote read. The default
// reads http(s) URLs with an HTTPFetcher and file URLs from local disk.
func WithFetcher(f Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the collectors reads are counted on.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRemoteCache adds a shared cache consulted before the store.
func WithRemoteCache(c RemoteCache) Option {
	return func(o *options) { o.remote = c }
}

// WithCacheBust appends a per-open cb query parameter to directory store
// URLs so intermediaries cannot serve stale objects.
func WithCacheBust(enabled bool) Option {
	return func(o *options) { o.cacheBust = enabled }
}

func resolveOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.NewNopLogger()
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	if o.fetcher == nil {
		o.fetcher = DefaultFetcher(HTTPConfig{}, o.logger, o.metrics)
	}
	return o
}

// DefaultFetcher routes http and https URLs to an HTTPFetcher and file URLs
// and bare paths to the local filesystem.
func DefaultFetcher(cfg HTTPConfig, logger log.Logger, metrics *Metrics) *Mux {
	h := NewHTTPFetcher(cfg, logger, metrics)
	return NewMux().
		Handle("http", h).
		Handle("https", h).
		Handle("file", &LocalStore{})
}
