// Package attestation fetches hardware attestation evidence from the
// node-local attester.
package attestation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/sigil-ai/sigil/internal"
)

// Report is the evidence returned to clients. VerifyingKey is filled by
// the caller with the service's public key.
type Report struct {
	CPUAttestation string `json:"cpu_attestation"`
	GPUAttestation string `json:"gpu_attestation"`
	VerifyingKey   string `json:"verifying_key"`
}

// Client talks to the attester endpoint.
type Client struct {
	url  string
	http *http.Client
}

// New builds an attestation client for the given report URL.
func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{url: url, http: &http.Client{Timeout: timeout}}
}

// Report fetches a fresh attestation report. The attester answers with a
// combined document; the GPU evidence lives under "report" and the CPU
// evidence under "gpu_token".
func (c *Client) Report(ctx context.Context) (*Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("attestation: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: attester unreachable: %v", gateway.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: attester returned %d", gateway.ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("attestation: read response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: attester response is not JSON", gateway.ErrUnavailable)
	}
	return &Report{
		GPUAttestation: blob(gjson.GetBytes(body, "report")),
		CPUAttestation: blob(gjson.GetBytes(body, "gpu_token")),
	}, nil
}

// blob renders an evidence field: strings verbatim, structured evidence as
// its raw JSON.
func blob(r gjson.Result) string {
	if r.Type == gjson.String {
		return r.String()
	}
	return r.Raw
}
