package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/eunmann/tracefetch/pkg/fileutil"
)

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	// Timeout bounds connecting, waiting for response headers, and every
	// stall while reading a body. The whole of a large download may take
	// longer. Default: 30s.
	Timeout time.Duration

	// Transport overrides the round tripper (tests).
	Transport http.RoundTripper
}

// DefaultHTTPOptions returns a 30s timeout and the default transport.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{Timeout: 30 * time.Second}
}

// HTTPSource implements Source over plain HTTP(S).
type HTTPSource struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPSource creates an HTTPSource.
func NewHTTPSource(opts HTTPOptions) *HTTPSource {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultHTTPOptions().Timeout
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   opts.Timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   opts.Timeout,
			ResponseHeaderTimeout: opts.Timeout,
			IdleConnTimeout:       90 * time.Second,
		}
	}

	return &HTTPSource{
		client:  &http.Client{Transport: transport},
		timeout: opts.Timeout,
	}
}

// Exists issues a HEAD request. 2xx means present, 404 means absent, and
// anything else is an error.
func (s *HTTPSource) Exists(ctx context.Context, rawURL string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("head %s: %w", rawURL, err)
	}
	resp.Body.Close()

	if err := checkStatus(rawURL, resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Fetch streams the body of a GET request into dest. A partially written
// dest is removed on failure.
func (s *HTTPSource) Fetch(ctx context.Context, rawURL, dest string) (*FetchResult, error) {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stall := time.AfterFunc(s.timeout, cancel)
	defer stall.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(rawURL, resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("get %s: %w", rawURL, err)
		}
		return nil, err
	}

	body := &stallReader{r: resp.Body, timer: stall, timeout: s.timeout}
	n, err := fileutil.WriteFrom(dest, body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}

	return &FetchResult{Bytes: n, Duration: time.Since(start)}, nil
}

// checkStatus maps a response status to nil, ErrNotFound or *StatusError.
func checkStatus(rawURL string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	default:
		return &StatusError{URL: rawURL, StatusCode: resp.StatusCode, Status: resp.Status}
	}
}

// stallReader re-arms timer on every read so that a body which stops
// delivering bytes for longer than timeout cancels the request.
type stallReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.timer.Reset(s.timeout)
	}
	return n, err
}
