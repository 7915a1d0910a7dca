// Package posting is the HTTP client for the downstream posting service.
//
// The downstream API is not idempotent; this client deliberately does
// no retries of its own. It only reports what happened — present,
// absent, or error — and leaves retry policy to the queue.
package posting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
	"github.com/fairyhunter13/txn-gateway/internal/observability"
)

// Client implements domain.PostingClient over HTTP with a bounded
// per-call timeout.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authHeader string
}

// Option customizes the Client.
type Option func(*Client)

// WithAuthHeader injects an Authorization header on every call.
func WithAuthHeader(value string) Option {
	return func(c *Client) { c.authHeader = value }
}

// WithHTTPClient swaps the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New constructs a Client for the downstream at baseURL.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get looks up a transaction downstream. A 200 maps to (tx, true, nil),
// a 404 to (_, false, nil); timeouts, connection errors, and any other
// status are errors.
func (c *Client) Get(ctx domain.Context, id string) (domain.Transaction, bool, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transactions/"+id, nil)
	if err != nil {
		return domain.Transaction{}, false, fmt.Errorf("op=posting.get: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	observability.PostingRequestDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.PostingRequestsTotal.WithLabelValues("get", "error").Inc()
		return domain.Transaction{}, false, fmt.Errorf("op=posting.get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		var tx domain.Transaction
		if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
			observability.PostingRequestsTotal.WithLabelValues("get", "error").Inc()
			return domain.Transaction{}, false, fmt.Errorf("op=posting.get: decode: %w", err)
		}
		observability.PostingRequestsTotal.WithLabelValues("get", "present").Inc()
		return tx, true, nil
	case resp.StatusCode == http.StatusNotFound:
		observability.PostingRequestsTotal.WithLabelValues("get", "absent").Inc()
		return domain.Transaction{}, false, nil
	default:
		observability.PostingRequestsTotal.WithLabelValues("get", "error").Inc()
		return domain.Transaction{}, false, fmt.Errorf("op=posting.get: unexpected status %d", resp.StatusCode)
	}
}

// Post submits a transaction downstream. Only a 2xx is success.
func (c *Client) Post(ctx domain.Context, tx domain.Transaction) error {
	start := time.Now()
	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("op=posting.post: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=posting.post: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	observability.PostingRequestDuration.WithLabelValues("post").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.PostingRequestsTotal.WithLabelValues("post", "error").Inc()
		return fmt.Errorf("op=posting.post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		observability.PostingRequestsTotal.WithLabelValues("post", "error").Inc()
		return fmt.Errorf("op=posting.post: unexpected status %d", resp.StatusCode)
	}
	observability.PostingRequestsTotal.WithLabelValues("post", "ok").Inc()
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}
}
