package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/datahive/personal-server/pkg/errdefs"
)

// Prediction is the remote service's view of a submitted inference job
type Prediction struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Output    any       `json:"output"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

// Client talks to a predictions-style inference API: submit a prediction,
// poll it by id, cancel it by id.
type Client struct {
	baseURL string
	token   string
	version string
	http    *http.Client
}

// ClientConfig holds remote inference API settings
type ClientConfig struct {
	BaseURL      string
	APIToken     string
	ModelVersion string
	Timeout      time.Duration
}

// NewClient creates a predictions API client
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.APIToken,
		version: cfg.ModelVersion,
		http:    &http.Client{Timeout: timeout},
	}
}

// Submit creates a prediction for the prompt
func (c *Client) Submit(ctx context.Context, prompt string) (*Prediction, error) {
	body := map[string]interface{}{
		"version": c.version,
		"input": map[string]interface{}{
			"prompt": prompt,
		},
	}

	var pred Prediction
	if err := c.do(ctx, http.MethodPost, "/predictions", body, &pred); err != nil {
		return nil, fmt.Errorf("failed to submit prediction: %w", err)
	}
	return &pred, nil
}

// Get polls a prediction by id
func (c *Client) Get(ctx context.Context, id string) (*Prediction, error) {
	var pred Prediction
	if err := c.do(ctx, http.MethodGet, "/predictions/"+id, nil, &pred); err != nil {
		return nil, fmt.Errorf("failed to poll prediction %s: %w", id, err)
	}
	return &pred, nil
}

// Cancel asks the remote service to cancel a prediction. It reports
// whether the remote accepted the cancellation.
func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	err := c.do(ctx, http.MethodPost, "/predictions/"+id+"/cancel", nil, nil)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return false, err
		}
		return false, fmt.Errorf("failed to cancel prediction %s: %w", id, err)
	}
	return true, nil
}

// do performs one authenticated JSON round trip
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Compute(err, "inference service unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errdefs.NotFound("prediction not found")
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return errdefs.Compute(nil, "inference service rejected credentials")
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errdefs.Compute(nil, "inference service error %d: %s", resp.StatusCode, payload)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errdefs.Compute(err, "failed to decode inference response")
	}
	return nil
}

// OutputText flattens a prediction output into a single string. The
// remote returns either a string or a list of string chunks.
func OutputText(output any) string {
	switch v := output.(type) {
	case string:
		return v
	case []interface{}:
		var b bytes.Buffer
		for _, chunk := range v {
			if s, ok := chunk.(string); ok {
				b.WriteString(s)
			}
		}
		return b.String()
	default:
		return ""
	}
}
