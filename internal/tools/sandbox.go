package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPSandbox executes code through the sandbox service's HTTP API.
type HTTPSandbox struct {
	baseURL string
	http    *http.Client
}

// NewHTTPSandbox builds a sandbox client.
func NewHTTPSandbox(baseURL string, timeout time.Duration) *HTTPSandbox {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPSandbox{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type executeRequest struct {
	Code string `json:"code"`
}

type executeResponse struct {
	Output string `json:"output"`
	Stdout string `json:"stdout"`
	Error  string `json:"error"`
}

// ExecutePython runs code in an isolated interpreter and returns its
// textual output, preferring the expression result over stdout.
func (s *HTTPSandbox) ExecutePython(ctx context.Context, code string) (string, error) {
	body, err := json.Marshal(executeRequest{Code: code})
	if err != nil {
		return "", fmt.Errorf("tools: marshal execute request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("tools: build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("tools: execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tools: sandbox returned %d", resp.StatusCode)
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("tools: decode sandbox response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("tools: sandbox execution failed: %s", out.Error)
	}
	if out.Output != "" {
		return out.Output, nil
	}
	return out.Stdout, nil
}
