// Package credit talks to the external credit service: credential
// validation before dispatch and usage settlement after.
package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	gateway "github.com/sigil-ai/sigil/internal"
)

// EstimatedCost is the credit hold placed on every request before its
// real token usage is known.
const EstimatedCost = 2.0

// ModelCost prices realized usage, per million tokens plus per web search.
type ModelCost struct {
	PromptPerM     float64
	CompletionPerM float64
	PerSearch      float64
}

// Client is the credit service HTTP client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	costs   map[string]ModelCost
}

// NewClient builds a Client. costs maps model IDs to their price card;
// unknown models settle at the flat estimate.
func NewClient(baseURL, token string, timeout time.Duration, costs map[string]ModelCost) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		costs:   costs,
	}
}

type validateRequest struct {
	Credential string `json:"credential"`
	IsPublic   bool   `json:"is_public"`
}

type validateResponse struct {
	UserID string `json:"user_id"`
}

// ValidateCredential checks a credential with the credit service and
// returns the principal it belongs to. Unknown and inactive credentials
// both surface as ErrUnauthorized with distinct detail.
func (c *Client) ValidateCredential(ctx context.Context, credential string, isPublic bool) (string, error) {
	body, err := json.Marshal(validateRequest{Credential: credential, IsPublic: isPublic})
	if err != nil {
		return "", fmt.Errorf("credit: marshal request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/credentials/validate", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var v validateResponse
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			return "", fmt.Errorf("credit: decode response: %w", err)
		}
		return v.UserID, nil
	case http.StatusNotFound:
		return "", fmt.Errorf("%w: unknown credential", gateway.ErrUnauthorized)
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", fmt.Errorf("%w: credential is not active", gateway.ErrUnauthorized)
	default:
		return "", fmt.Errorf("credit: validate returned %d", resp.StatusCode)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("credit: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credit: %w", err)
	}
	return resp, nil
}

// Meter settles one request's cost. Acquire before dispatch, SetUsage once
// the completion's token counts are known, Finalize on request completion.
// LockID identifies the credit hold for correlation in query logs.
type Meter interface {
	SetUsage(u *gateway.Usage, webSearches int)
	Finalize(ctx context.Context) error
	LockID() string
}

// NopMeter is used on the docs-token bypass: nothing is charged.
func NopMeter() Meter { return nopMeter{} }

type nopMeter struct{}

func (nopMeter) SetUsage(*gateway.Usage, int)   {}
func (nopMeter) Finalize(context.Context) error { return nil }
func (nopMeter) LockID() string                 { return "" }

type requestMeter struct {
	client *Client
	userID string
	model  string
	lockID string

	usage       *gateway.Usage
	webSearches int
}

// Meter opens a metering context holding EstimatedCost until settlement.
func (c *Client) Meter(userID, model string) Meter {
	return &requestMeter{client: c, userID: userID, model: model, lockID: uuid.NewString()}
}

func (m *requestMeter) LockID() string { return m.lockID }

func (m *requestMeter) SetUsage(u *gateway.Usage, webSearches int) {
	m.usage = u
	m.webSearches = webSearches
}

type settleRequest struct {
	UserID           string  `json:"user_id"`
	LockID           string  `json:"lock_id"`
	Model            string  `json:"model"`
	EstimatedCost    float64 `json:"estimated_cost"`
	Cost             float64 `json:"cost"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	WebSearches      int     `json:"web_searches"`
}

// Finalize posts the realized cost. Without usage (failed request) only
// the estimate is reported.
func (m *requestMeter) Finalize(ctx context.Context) error {
	req := settleRequest{
		UserID:        m.userID,
		LockID:        m.lockID,
		Model:         m.model,
		EstimatedCost: EstimatedCost,
		Cost:          EstimatedCost,
		WebSearches:   m.webSearches,
	}
	if m.usage != nil {
		req.PromptTokens = m.usage.PromptTokens
		req.CompletionTokens = m.usage.CompletionTokens
		if card, ok := m.client.costs[m.model]; ok {
			req.Cost = float64(req.PromptTokens)/1e6*card.PromptPerM +
				float64(req.CompletionTokens)/1e6*card.CompletionPerM +
				float64(m.webSearches)*card.PerSearch
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("credit: marshal settle: %w", err)
	}
	resp, err := m.client.do(ctx, http.MethodPost, "/api/v1/usage", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("credit: settle returned %d", resp.StatusCode)
	}
	return nil
}
