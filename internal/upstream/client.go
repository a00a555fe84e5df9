// Package upstream dispatches OpenAI-compatible chat completions to
// discovered inference backends. Backends are in-cluster and take no
// credentials; a per-endpoint circuit breaker short-circuits known-bad
// pods.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	gateway "github.com/sigil-ai/sigil/internal"
)

// Dispatcher issues requests against backend endpoints.
type Dispatcher struct {
	http     *http.Client
	breakers *breakerRegistry
}

// New builds a Dispatcher. A nil client uses http.DefaultClient semantics
// with no overall timeout; streaming responses must not be cut short.
func New(client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{http: client, breakers: newBreakerRegistry(defaultBreakerConfig())}
}

// apiError carries an upstream HTTP status through the error chain.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.status, e.body)
}

func (e *apiError) HTTPStatus() int { return e.status }

func (e *apiError) Unwrap() error { return gateway.ErrUpstreamError }

// wireRequest strips gateway-only fields so backends see a plain OpenAI
// request.
func wireRequest(req *gateway.ChatRequest, stream bool) ([]byte, error) {
	out := *req
	out.Stream = stream
	out.WebSearch = false
	out.NilRAG = nil
	if stream && out.StreamOptions == nil {
		// Ask for usage in the terminal chunk.
		out.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}
	return body, nil
}

func endpointURL(base string) string {
	return strings.TrimRight(base, "/") + "/v1/chat/completions"
}

// Complete sends a non-streaming completion to the endpoint at base.
func (d *Dispatcher) Complete(ctx context.Context, base string, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	br := d.breakers.get(base)
	if !br.allow() {
		return nil, fmt.Errorf("%w: endpoint %s circuit open", gateway.ErrUnavailable, base)
	}

	resp, err := d.post(ctx, base, req, false)
	if err != nil {
		br.record(classify(err))
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := readAPIError(resp)
		br.record(classify(err))
		return nil, err
	}

	var out gateway.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		br.record(1)
		return nil, fmt.Errorf("upstream: decode response: %w", err)
	}
	br.record(0)
	return &out, nil
}

// Stream sends a streaming completion. Raw SSE data payloads are forwarded
// as-is in StreamChunk.Data; the usage-bearing chunk is tagged. The channel
// closes after the Done sentinel or an error chunk.
func (d *Dispatcher) Stream(ctx context.Context, base string, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	br := d.breakers.get(base)
	if !br.allow() {
		return nil, fmt.Errorf("%w: endpoint %s circuit open", gateway.ErrUnavailable, base)
	}

	resp, err := d.post(ctx, base, req, true)
	if err != nil {
		br.record(classify(err))
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		err := readAPIError(resp)
		br.record(classify(err))
		return nil, err
	}

	ch := make(chan gateway.StreamChunk, 8)
	go func() {
		readStream(ctx, resp, ch)
		br.record(0)
	}()
	return ch, nil
}

func (d *Dispatcher) post(ctx context.Context, base string, req *gateway.ChatRequest, stream bool) (*http.Response, error) {
	body, err := wireRequest(req, stream)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(base), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := d.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: do request: %w", err)
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(b))}
}
