package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/datahive/personal-server/pkg/types"
)

// Client wraps the personal server HTTP API for CLI usage
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at addr, e.g. "http://localhost:8080"
func New(addr string) *Client {
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// apiError is the server's uniform error response
type apiError struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// Create submits a signed operation request
func (c *Client) Create(ctx context.Context, requestJSON, appSignature string) (*types.CreateResponse, error) {
	body, err := json.Marshal(map[string]string{
		"app_signature":          appSignature,
		"operation_request_json": requestJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var resp types.CreateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/operations", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get fetches the current state of an operation
func (c *Client) Get(ctx context.Context, opID string) (*types.OperationView, error) {
	var view types.OperationView
	if err := c.do(ctx, http.MethodGet, "/api/v1/operations/"+url.PathEscape(opID), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Cancel requests cancellation of an operation
func (c *Client) Cancel(ctx context.Context, opID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/operations/"+url.PathEscape(opID), nil, nil)
}

// ListArtifacts lists the stored artifacts of an operation. signature must
// cover the documented list payload for the operation.
func (c *Client) ListArtifacts(ctx context.Context, opID, signature string) ([]types.ArtifactInfo, error) {
	path := fmt.Sprintf("/api/v1/operations/%s/artifacts?signature=%s",
		url.PathEscape(opID), url.QueryEscape(signature))

	var resp struct {
		Artifacts []types.ArtifactInfo `json:"artifacts"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Artifacts, nil
}

// DownloadArtifact fetches one decrypted artifact. signature must cover the
// documented download payload for the operation and path.
func (c *Client) DownloadArtifact(ctx context.Context, opID, name, signature string) ([]byte, error) {
	path := fmt.Sprintf("/api/v1/operations/%s/artifacts/%s?signature=%s",
		url.PathEscape(opID), name, url.QueryEscape(signature))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// do issues a JSON request and decodes the response into out when non-nil
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// decodeError renders the server's error body, falling back to the status
func decodeError(resp *http.Response) error {
	var parsed apiError
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err == nil && parsed.Error.Message != "" {
		return fmt.Errorf("server error (%s): %s", parsed.Error.Kind, parsed.Error.Message)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}
