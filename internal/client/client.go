// Package client implements the HTTP client for the authoring tool's
// remote-scripting endpoint.
//
// The endpoint accepts a script and answers with the JSON value the script
// evaluates to:
//
//	POST /run.json  {"js": "<base64 script>"}  ->  <json value>
//
// Script failures are reported with a non-2xx status and the error text as
// the body.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 30 * time.Second

// DefaultURL is where the authoring tool listens when remote scripting is
// enabled.
const DefaultURL = "http://localhost:60041"

// maxResponseSize limits response body reads to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client is the remote-scripting HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new client.
func New(baseURL string) *Client {
	return NewWithTimeout(baseURL, DefaultTimeout)
}

// NewWithTimeout creates a client with a custom request timeout. Map exports
// of large texture sets can take much longer than a plain query.
func NewWithTimeout(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the endpoint the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RunRequest is the request body for /run.json.
type RunRequest struct {
	JS string `json:"js"`
}

// Eval runs script in the authoring tool and decodes its result into out.
// out may be nil when the result is not needed.
func (c *Client) Eval(ctx context.Context, script string, out any) error {
	req := &RunRequest{JS: base64.StdEncoding.EncodeToString([]byte(script))}
	if err := c.post(ctx, "/run.json", req, out); err != nil {
		return fmt.Errorf("evaluating %s: %w", summarize(script), err)
	}
	return nil
}

// Error is returned for non-2xx responses.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote scripting error (status %d): %s", e.StatusCode, e.Body)
}

// post sends a POST request and decodes the JSON response.
func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Read maxResponseSize+1 to detect oversized responses while still accepting
	// responses exactly at the limit.
	respBodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if int64(len(respBodyBytes)) > maxResponseSize {
		return fmt.Errorf("response exceeds maximum size of %d bytes", maxResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(respBodyBytes)),
		}
	}

	if respBody == nil || len(bytes.TrimSpace(respBodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBodyBytes, respBody); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// summarize shortens a script for error messages.
func summarize(script string) string {
	const limit = 60
	if len(script) <= limit {
		return script
	}
	return script[:limit] + "..."
}
