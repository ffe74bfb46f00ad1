// Package remote talks to the archive distribution host.
//
// A Source performs two operations: a body-less existence probe used for
// version discovery, and a streaming download of one archive to a local
// file. No retries are performed at this layer; every failure other than
// "not found" surfaces to the caller.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eunmann/tracefetch/pkg/version"
)

// ErrNotFound is returned when the host reports a resource as absent.
var ErrNotFound = errors.New("remote: resource not found")

// ErrUnsupportedScheme is returned by New for hosts that are neither
// http(s):// nor s3://.
var ErrUnsupportedScheme = errors.New("remote: unsupported host scheme")

// StatusError reports an unexpected HTTP status. It is never used for 404,
// which maps to ErrNotFound.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: unexpected status %d (%s) for %s", e.StatusCode, e.Status, e.URL)
}

// FetchResult describes a completed download.
type FetchResult struct {
	Bytes    int64
	Duration time.Duration
}

// Source probes for and downloads archives.
type Source interface {
	// Exists reports whether rawURL is present. Absence is (false, nil).
	Exists(ctx context.Context, rawURL string) (bool, error)

	// Fetch streams rawURL into dest, creating parent directories.
	Fetch(ctx context.Context, rawURL, dest string) (*FetchResult, error)
}

// New returns the Source matching host's scheme. timeout bounds every
// network operation.
func New(ctx context.Context, host string, timeout time.Duration) (Source, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse host %q: %w", host, err)
	}

	switch u.Scheme {
	case "http", "https":
		return NewHTTPSource(HTTPOptions{Timeout: timeout}), nil
	case "s3":
		return NewS3Source(ctx, S3Options{Timeout: timeout})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// BaseURL is the country_packages root for release v on host.
func BaseURL(host string, v version.Version) string {
	return strings.TrimRight(host, "/") + "/" + v.String() + "/country_packages"
}

// ArchiveURL is the per-country archive of dataset under base.
func ArchiveURL(base, dataset, country string) string {
	return base + "/" + dataset + "/" + country + ".zip"
}

// Prober adapts src into a version.Prober that checks for the archive of
// dataset and country in each candidate release.
func Prober(src Source, host, dataset, country string) version.Prober {
	return version.ProberFunc(func(ctx context.Context, v version.Version) (bool, error) {
		return src.Exists(ctx, ArchiveURL(BaseURL(host, v), dataset, country))
	})
}
