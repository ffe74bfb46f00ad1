package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used by S3Source.
type S3API interface {
	manager.DownloadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Options configures an S3Source.
type S3Options struct {
	// Timeout bounds each S3 request. Default: 30s.
	Timeout time.Duration

	// Concurrency is the number of parallel ranged GETs per download.
	// Default: 1, keeping downloads sequential.
	Concurrency int

	// PartSize is the size of each ranged GET. Default: 16MB.
	PartSize int64
}

// S3Source implements Source for s3://bucket/key URLs, for mirrors of the
// distribution host kept in a bucket.
type S3Source struct {
	client  S3API
	manager *manager.Downloader
	timeout time.Duration
}

// NewS3Source creates an S3Source using the default AWS configuration chain.
func NewS3Source(ctx context.Context, opts S3Options) (*S3Source, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewS3SourceWithConfig(cfg, opts), nil
}

// NewS3SourceWithConfig creates an S3Source from an existing AWS config.
func NewS3SourceWithConfig(cfg aws.Config, opts S3Options) *S3Source {
	opts = s3Defaults(opts)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = awshttp.NewBuildableClient().WithTimeout(opts.Timeout)
	})
	return NewS3SourceWithClient(client, opts)
}

// NewS3SourceWithClient creates an S3Source around client.
func NewS3SourceWithClient(client S3API, opts S3Options) *S3Source {
	opts = s3Defaults(opts)
	mgr := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.Concurrency = opts.Concurrency
		d.PartSize = opts.PartSize
	})
	return &S3Source{client: client, manager: mgr, timeout: opts.Timeout}
}

func s3Defaults(opts S3Options) S3Options {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PartSize <= 0 {
		opts.PartSize = 16 * 1024 * 1024
	}
	return opts
}

// Exists issues HeadObject. A NotFound response means absent.
func (s *S3Source) Exists(ctx context.Context, rawURL string) (bool, error) {
	bucket, key, err := ParseS3URL(rawURL)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// Fetch downloads the object into dest with the S3 download manager.
func (s *S3Source) Fetch(ctx context.Context, rawURL, dest string) (*FetchResult, error) {
	bucket, key, err := ParseS3URL(rawURL)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dir: %w", err)
	}
	file, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("create destination file: %w", err)
	}

	n, err := s.manager.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	closeErr := file.Close()
	if err != nil {
		os.Remove(dest)
		if isS3NotFound(err) {
			return nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	if closeErr != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("close destination file: %w", closeErr)
	}

	return &FetchResult{Bytes: n, Duration: time.Since(start)}, nil
}

// ParseS3URL splits s3://bucket/key into its parts.
func ParseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse %q: %w", rawURL, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q is not an s3://bucket/key URL", ErrUnsupportedScheme, rawURL)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
