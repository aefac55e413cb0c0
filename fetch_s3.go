package zarr

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures an S3Fetcher.
type S3Config struct {
	Region string `yaml:"region"`
	// Endpoint overrides the service endpoint, for MinIO and similar.
	Endpoint string `yaml:"endpoint"`
}

// S3Fetcher reads s3://bucket/key URLs with GetObject.
type S3Fetcher struct {
	client  *s3.Client
	metrics *Metrics
}

var _ Fetcher = (*S3Fetcher)(nil)

func NewS3Fetcher(ctx context.Context, cfg S3Config, metrics *Metrics) (*S3Fetcher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3FetcherFromClient(client, metrics), nil
}

func NewS3FetcherFromClient(client *s3.Client, metrics *Metrics) *S3Fetcher {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &S3Fetcher{client: client, metrics: metrics}
}

func (f *S3Fetcher) Fetch(ctx context.Context, u string, rng *ByteRange) ([]byte, error) {
	bucket, key, err := splitBucketURL(u)
	if err != nil {
		return nil, err
	}
	in := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if rng != nil {
		in.Range = aws.String(rng.Header())
	}

	f.metrics.Fetches.WithLabelValues("s3").Inc()
	out, err := f.client.GetObject(ctx, in)
	if err != nil {
		var nsk *types.NoSuchKey
		var nf *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
		}
		return nil, fmt.Errorf("s3 get %s: %w", u, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", u, err)
	}
	f.metrics.FetchedBytes.WithLabelValues("s3").Add(float64(len(data)))
	return data, nil
}
