package zarr

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSFetcher reads gs://bucket/object URLs.
type GCSFetcher struct {
	client  *storage.Client
	metrics *Metrics
}

var _ Fetcher = (*GCSFetcher)(nil)

// NewGCSFetcher creates a client using application default credentials.
func NewGCSFetcher(ctx context.Context, metrics *Metrics) (*GCSFetcher, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return NewGCSFetcherFromClient(client, metrics), nil
}

func NewGCSFetcherFromClient(client *storage.Client, metrics *Metrics) *GCSFetcher {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &GCSFetcher{client: client, metrics: metrics}
}

func (f *GCSFetcher) Fetch(ctx context.Context, u string, rng *ByteRange) ([]byte, error) {
	bucket, object, err := splitBucketURL(u)
	if err != nil {
		return nil, err
	}
	obj := f.client.Bucket(bucket).Object(object)

	f.metrics.Fetches.WithLabelValues("gcs").Inc()
	var r *storage.Reader
	if rng != nil {
		r, err = obj.NewRangeReader(ctx, rng.Start, rng.Len())
	} else {
		r, err = obj.NewReader(ctx)
	}
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
		}
		return nil, fmt.Errorf("gcs read %s: %w", u, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", u, err)
	}
	f.metrics.FetchedBytes.WithLabelValues("gcs").Add(float64(len(data)))
	return data, nil
}

func (f *GCSFetcher) Close() error {
	return f.client.Close()
}
