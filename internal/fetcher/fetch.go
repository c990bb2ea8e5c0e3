// Package fetcher retrieves playlist and guide documents over HTTP.
package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/time/rate"
)

const (
	DefaultUserAgent = "PopcornGuide/1.0"
	DefaultTimeout   = 30 * time.Second
	DefaultMaxBytes  = 64 << 20

	retryBackoff = time.Second
	maxRetryWait = 30 * time.Second
)

// ErrTooLarge is returned when a document exceeds the client's MaxBytes.
var ErrTooLarge = errors.New("document too large")

// StatusError is returned for non-200 upstream responses.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Code)
}

// Fetcher returns the body text of url. headers are added to the request.
type Fetcher interface {
	Fetch(ctx context.Context, url string, headers map[string]string) (string, error)
}

// Client is the HTTP Fetcher. Bodies compressed with gzip or xz are decoded
// transparently (providers commonly publish guide.xml.gz / guide.xml.xz).
type Client struct {
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64
	// Limiter throttles outbound requests; nil means unlimited.
	Limiter *rate.Limiter

	http *http.Client
}

// New creates a Client. Zero values fall back to the package defaults.
// requestsPerSecond <= 0 disables rate limiting.
func New(userAgent string, timeout time.Duration, maxBytes int64, requestsPerSecond float64) *Client {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	c := &Client{
		UserAgent: userAgent,
		Timeout:   timeout,
		MaxBytes:  maxBytes,
		http:      &http.Client{Timeout: timeout},
	}
	if requestsPerSecond > 0 {
		c.Limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	return c
}

// Fetch performs a GET and returns the (decompressed) body as text.
// 429 and 5xx responses are retried once after a short backoff.
func (c *Client) Fetch(ctx context.Context, url string, headers map[string]string) (string, error) {
	resp, err := c.do(ctx, url, headers)
	if err != nil {
		return "", err
	}
	if retryable(resp.StatusCode) {
		wait := retryAfter(resp.Header.Get("Retry-After"))
		drain(resp)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
		resp, err = c.do(ctx, url, headers)
		if err != nil {
			return "", err
		}
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, URL: url}
	}

	body, err := c.decode(resp.Body)
	if err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("NewRequest: %w", err)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	client := c.http
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Do: %w", err)
	}
	return resp, nil
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// decode sniffs the body for gzip/xz magic bytes and returns the plain text,
// enforcing MaxBytes on the decompressed size.
func (c *Client) decode(body io.Reader) (string, error) {
	br := bufio.NewReader(body)
	head, err := br.Peek(len(xzMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("peek: %w", err)
	}

	var r io.Reader = br
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return "", fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	case bytes.HasPrefix(head, xzMagic):
		xr, err := xz.NewReader(br)
		if err != nil {
			return "", fmt.Errorf("xz: %w", err)
		}
		r = xr
	}

	max := c.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return "", fmt.Errorf("ReadAll: %w", err)
	}
	if int64(len(data)) > max {
		return "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, max)
	}
	return string(data), nil
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return retryBackoff
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return retryBackoff
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryWait {
		d = maxRetryWait
	}
	return d
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
