package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPInvoker posts workflow runs to the engine's run endpoint:
// POST {base_url}/workflows/{workflow_id}/run with the trigger params as body.
// Any non-2xx response counts as a dispatch failure.
type HTTPInvoker struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPInvoker(baseURL string) *HTTPInvoker {
	return &HTTPInvoker{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
	}
}

func (h *HTTPInvoker) RunWorkflow(ctx context.Context, workflowID string, params json.RawMessage) error {
	var body io.Reader
	if len(params) > 0 {
		body = bytes.NewReader(params)
	}
	url := fmt.Sprintf("%s/workflows/%s/run", h.BaseURL, workflowID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("workflow engine request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Bounded read so a misbehaving engine can't blow up the error log.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("workflow engine returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
