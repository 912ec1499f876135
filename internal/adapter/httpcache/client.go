// Package httpcache provides the HTTP transports used by agency adapters: a
// raw GET client, a TTL-bound on-disk cache decorator, and a fixture-backed
// transport for offline runs.
package httpcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/riverflows/internal/domain"
)

const userAgent = "riverflows/1.0 (+https://github.com/couchcryptid/riverflows)"

// StatusError is returned for a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Client implements domain.Transport with a plain HTTP GET.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client whose requests time out after timeout.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Get issues a GET for url. The hardRefresh flag is meaningless without a
// cache and is ignored.
func (c *Client) Get(ctx context.Context, url string, _ bool) (*domain.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransportError{URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Body: string(body)}
	}

	c.logger.Debug("http get", "url", url, "status", resp.StatusCode)
	return &domain.Response{
		Body: &transportBody{rc: resp.Body, url: url},
		URL:  url,
	}, nil
}

// transportBody tags read failures as transport errors so parsers can tell a
// dropped connection from a malformed payload.
type transportBody struct {
	rc  io.ReadCloser
	url string
}

func (b *transportBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = &domain.TransportError{URL: b.url, Err: err}
	}
	return n, err
}

func (b *transportBody) Close() error {
	return b.rc.Close()
}
