package zarr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/qri-io/remote-zarr"

// ByteRange is the half-open interval [Start, End) of a byte sequence.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Len() int64 { return r.End - r.Start }

// Header renders the range as an HTTP Range header value, which is inclusive.
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End-1)
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// sliceRange cuts rng out of a complete object, clamped to its length.
func sliceRange(data []byte, rng *ByteRange) []byte {
	if rng == nil {
		return data
	}
	start, end := rng.Start, rng.End
	if start > int64(len(data)) {
		start = int64(len(data))
	}
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[start:end]
}

// Fetcher retrieves the bytes behind a URL, optionally restricted to a byte
// range. Absent objects are reported with an error wrapping ErrNotFound.
type Fetcher interface {
	Fetch(ctx context.Context, url string, rng *ByteRange) ([]byte, error)
}

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	// Timeout bounds each request. Zero means no timeout.
	Timeout time.Duration `yaml:"timeout"`
	// UserAgent is sent with every request when set.
	UserAgent string `yaml:"user_agent"`
	// RequestsPerSecond limits the request rate. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// Burst is the limiter bucket size. Defaults to 1 when limiting.
	Burst int `yaml:"burst"`
}

// HTTPFetcher reads objects with HTTP GET, sending a Range header for partial
// reads.
type HTTPFetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	logger    log.Logger
	metrics   *Metrics
	tracer    trace.Tracer
}

var _ Fetcher = (*HTTPFetcher)(nil)

func NewHTTPFetcher(cfg HTTPConfig, logger log.Logger, metrics *Metrics) *HTTPFetcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	f := &HTTPFetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		logger:    logger,
		metrics:   metrics,
		tracer:    otel.Tracer(tracerName),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, u string, rng *ByteRange) (data []byte, err error) {
	ctx, span := f.tracer.Start(ctx, "zarr.http.Fetch", trace.WithAttributes(attribute.String("url", u)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if rng != nil {
		req.Header.Set("Range", rng.Header())
		span.SetAttributes(attribute.String("range", rng.String()))
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	f.metrics.Fetches.WithLabelValues("http").Inc()
	res, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u, err)
	}
	defer res.Body.Close()
	span.SetAttributes(attribute.Int("status", res.StatusCode))

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
	case res.StatusCode < 200 || res.StatusCode > 299:
		level.Debug(f.logger).Log("msg", "fetch failed", "url", u, "status", res.Status)
		return nil, &TransportError{URL: u, StatusCode: res.StatusCode, Status: res.Status}
	}

	data, err = io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", u, err)
	}
	f.metrics.FetchedBytes.WithLabelValues("http").Add(float64(len(data)))

	// servers that ignore Range answer with the whole object
	if rng != nil && res.StatusCode != http.StatusPartialContent {
		data = sliceRange(data, rng)
	}
	return data, nil
}

// Mux routes fetches to a Fetcher by URL scheme.
type Mux struct {
	schemes map[string]Fetcher
}

var _ Fetcher = (*Mux)(nil)

func NewMux() *Mux {
	return &Mux{schemes: map[string]Fetcher{}}
}

// Handle registers f for URLs with the given scheme, replacing any previous
// registration.
func (m *Mux) Handle(scheme string, f Fetcher) *Mux {
	m.schemes[strings.ToLower(scheme)] = f
	return m
}

func (m *Mux) Fetch(ctx context.Context, u string, rng *ByteRange) ([]byte, error) {
	scheme := "file"
	if i := strings.Index(u, "://"); i > 0 {
		scheme = strings.ToLower(u[:i])
	}
	f, ok := m.schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no fetcher for scheme %q", ErrUnsupported, scheme)
	}
	return f.Fetch(ctx, u, rng)
}

// withQuery appends a query parameter to a URL, preserving any existing
// query string.
func withQuery(u, key, value string) string {
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}

// joinURL appends a store key to a base URL.
func joinURL(base, key string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(key, "/")
}

// splitBucketURL splits scheme://bucket/object into its bucket and object.
func splitBucketURL(u string) (bucket, object string, err error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return "", "", err
	}
	bucket = parsed.Host
	object = strings.TrimPrefix(parsed.Path, "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid object url %q", u)
	}
	return bucket, object, nil
}
