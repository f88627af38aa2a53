package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
)

// HTTPClient talks to the gateway over HTTP with bounded backoff on
// transient transport failures. The engine never retries inside a drain
// pass; this is the transport-level budget only.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client

	retryBase    time.Duration
	retryAttempts uint64
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a gateway client for the given base URL.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryBase:     200 * time.Millisecond,
		retryAttempts: 2,
	}
}

// Ping checks connectivity to the gateway.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/health", nil, "", nil)
}

// Collection fetches the authoritative snapshot of a collection.
func (c *HTTPClient) Collection(ctx context.Context, name string) ([]Document, error) {
	var resp CollectionResponse
	path := "/api/v1/collections/" + url.PathEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, fmt.Errorf("get collection %s: %w", name, err)
	}
	return resp.Documents, nil
}

// Document fetches a single remote document.
func (c *HTTPClient) Document(ctx context.Context, name, id string) (*Document, error) {
	var doc Document
	path := "/api/v1/collections/" + url.PathEscape(name) + "/documents/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &doc); err != nil {
		return nil, fmt.Errorf("get document %s/%s: %w", name, id, err)
	}
	return &doc, nil
}

// SaveDocument creates or updates a remote document. A request without
// an ID is a create; the response includes the server-assigned identity.
// The idempotency key makes a retried create safe after a lost response.
func (c *HTTPClient) SaveDocument(ctx context.Context, name string, req SaveRequest, idempotencyKey string) (*Document, error) {
	var doc Document
	path := "/api/v1/collections/" + url.PathEscape(name) + "/documents"
	if err := c.do(ctx, http.MethodPut, path, req, idempotencyKey, &doc); err != nil {
		return nil, fmt.Errorf("save document in %s: %w", name, err)
	}
	return &doc, nil
}

// DeleteDocument removes a remote document.
func (c *HTTPClient) DeleteDocument(ctx context.Context, name, id string) error {
	path := "/api/v1/collections/" + url.PathEscape(name) + "/documents/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodDelete, path, nil, "", nil); err != nil {
		return fmt.Errorf("delete document %s/%s: %w", name, id, err)
	}
	return nil
}

// ClearCollection removes every remote document in the collection.
func (c *HTTPClient) ClearCollection(ctx context.Context, name string) error {
	path := "/api/v1/collections/" + url.PathEscape(name)
	if err := c.do(ctx, http.MethodDelete, path, nil, "", nil); err != nil {
		return fmt.Errorf("clear collection %s: %w", name, err)
	}
	return nil
}

// problem mirrors the RFC 7807 body the gateway serves on errors.
type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// do sends one authenticated request, retrying transient failures with
// fibonacci backoff, and decodes the response into out when non-nil.
func (c *HTTPClient) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = data
	}

	backoff := retry.WithMaxRetries(c.retryAttempts, retry.NewFibonacci(c.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			// DNS failures, refused connections, timeouts: transient.
			return retry.RetryableError(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil {
				io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}

		return classifyStatus(resp)
	})
}

// classifyStatus maps an HTTP error response onto the engine's failure
// taxonomy. Server-side and throttling statuses are retryable.
func classifyStatus(resp *http.Response) error {
	var p problem
	detail := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&p); err == nil && p.Detail != "" {
		detail = p.Detail
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, detail)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return retry.RetryableError(fmt.Errorf("%w: %s", ErrUnavailable, detail))
	default:
		return fmt.Errorf("%w: %s", ErrRejected, detail)
	}
}
