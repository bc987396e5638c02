package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient defines an interface for HTTP delivery operations to enable
// mocking. Do performs exactly one request: retry pacing for webhook
// deliveries is owned by the retry policy and persisted on the delivery
// record, so in-process retries here would double-send.
type HTTPClient interface {
	// Do performs a single POST request with the given headers and body.
	// The caller is responsible for closing the response body.
	Do(ctx context.Context, url string, headers map[string]string, body io.Reader) (*http.Response, error)
}

// RealHTTPClient implements HTTPClient using the standard http package
type RealHTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a new real HTTP client. The timeout bounds the
// whole request, connection included.
func NewHTTPClient(timeout time.Duration) HTTPClient {
	return &RealHTTPClient{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Do performs a single POST request
func (c *RealHTTPClient) Do(ctx context.Context, url string, headers map[string]string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform request: %w", err)
	}

	return resp, nil
}
