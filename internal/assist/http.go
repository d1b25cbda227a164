package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPCollaborator talks JSON to an external assistant service. The
// service owns prompts and model choice; this side only carries the
// conversation context and reads the verdict back.
type HTTPCollaborator struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPCollaborator(baseURL, apiKey string, timeout time.Duration) *HTTPCollaborator {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPCollaborator{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPCollaborator) Classify(ctx context.Context, req ClassifyRequest) (Classification, error) {
	var out Classification
	if err := c.post(ctx, "/classify", req, &out); err != nil {
		return Classification{}, err
	}
	return out, nil
}

func (c *HTTPCollaborator) GenerateDraft(ctx context.Context, req DraftRequest) (string, error) {
	var out struct {
		Body string `json:"body"`
	}
	if err := c.post(ctx, "/draft", req, &out); err != nil {
		return "", err
	}
	return out.Body, nil
}

func (c *HTTPCollaborator) ReworkDraft(ctx context.Context, req ReworkRequest) (string, error) {
	var out struct {
		Body string `json:"body"`
	}
	if err := c.post(ctx, "/rework", req, &out); err != nil {
		return "", err
	}
	return out.Body, nil
}

func (c *HTTPCollaborator) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("assist: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("assist: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("assist: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("assist: %s returned %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("assist: decode %s response: %w", path, err)
	}
	return nil
}
