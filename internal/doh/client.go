package doh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrDoHFailed is returned when the resolver answers with a non-2xx status.
var ErrDoHFailed = errors.New("doh request failed")

const (
	mediaType = "application/dns-message"

	// maxResponseSize bounds the body read from the resolver to what a
	// framed unit can carry.
	maxResponseSize = MaxMessageSize
)

// Exchanger sends one raw DNS query and returns the raw answer.
type Exchanger interface {
	Exchange(ctx context.Context, query []byte) ([]byte, error)
}

// Compile-time interface check.
var _ Exchanger = (*Client)(nil)

// Client is an RFC 8484 POST client.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a client for the resolver at url. timeout bounds each
// exchange including reading the body.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

// URL returns the resolver endpoint.
func (c *Client) URL() string { return c.url }

// Exchange POSTs query to the resolver.
func (c *Client) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("failed to build doh request: %w", err)
	}
	req.Header.Set("Content-Type", mediaType)
	req.Header.Set("Accept", mediaType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil, fmt.Errorf("%w: status %d", ErrDoHFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read doh response: %w", err)
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("%w: response larger than %d bytes", ErrDoHFailed, maxResponseSize)
	}
	return body, nil
}
