// Package gateway defines domain types and interfaces for the Sigil LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// --- Chat wire types ---

// ChatRequest represents an OpenAI-compatible chat completion request,
// extended with the gateway's enrichment switches.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *StreamOptions  `json:"stream_options,omitempty"`
	Tools          json.RawMessage `json:"tools,omitempty"`
	ToolChoice     json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	WebSearch      bool            `json:"web_search,omitempty"`
	NilRAG         json.RawMessage `json:"nilrag,omitempty"`
	User           string          `json:"user,omitempty"`
}

// Validate enforces the request parameter ranges.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrBadRequest)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrBadRequest)
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 5) {
		return fmt.Errorf("%w: temperature must be in [0, 5]", ErrBadRequest)
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return fmt.Errorf("%w: top_p must be in [0, 1]", ErrBadRequest)
	}
	if r.MaxTokens != nil && (*r.MaxTokens < 1 || *r.MaxTokens > 100000) {
		return fmt.Errorf("%w: max_tokens must be in [1, 100000]", ErrBadRequest)
	}
	return nil
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// HasTools reports whether the request declares any tool definitions.
func (r *ChatRequest) HasTools() bool {
	return len(r.Tools) > 0 && string(r.Tools) != "null" && string(r.Tools) != "[]"
}

// Message represents a chat message. Content is kept raw: it may be a JSON
// string or a list of typed parts (text, image_url).
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int             `json:"index"`
	Message      Message         `json:"message"`
	FinishReason string          `json:"finish_reason"`
	Logprobs     json.RawMessage `json:"logprobs,omitempty"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another completion's usage, recomputing the total.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}

// Source attributes a piece of retrieved context to its origin. Topic-level
// entries use source "web_search_query"; result entries carry the page URL.
type Source struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// SignedChatCompletion is a chat completion whose canonical JSON is signed
// by the service key. The signature covers the full object with Signature
// set to the empty string; it is then base64-encoded and stored in-band.
type SignedChatCompletion struct {
	ChatResponse
	Signature string   `json:"signature"`
	Sources   []Source `json:"sources,omitempty"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data payload, forwarded as-is when possible
	Usage *Usage // non-nil on the usage-bearing final chunk
	Done  bool
	Err   error
}

// --- Model registry ---

// ModelMetadata describes an inference backend's model card.
type ModelMetadata struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Version           string   `json:"version,omitempty"`
	Description       string   `json:"description,omitempty"`
	Author            string   `json:"author,omitempty"`
	License           string   `json:"license,omitempty"`
	Source            string   `json:"source,omitempty"`
	SupportedFeatures []string `json:"supported_features,omitempty"`
	ToolSupport       bool     `json:"tool_support"`
	MultimodalSupport bool     `json:"multimodal_support"`
}

// ModelEndpoint is a live registration: a model plus the URL serving it.
type ModelEndpoint struct {
	Metadata ModelMetadata `json:"metadata"`
	URL      string        `json:"url"`
}

// --- Identity & limits ---

// RateLimits configures per-principal request budgets. Nil values fall
// through to process-wide defaults.
type RateLimits struct {
	UserMinute *int `json:"user_rate_limit_minute,omitempty"`
	UserHour   *int `json:"user_rate_limit_hour,omitempty"`
	UserDay    *int `json:"user_rate_limit_day,omitempty"`
	User       *int `json:"user_rate_limit,omitempty"`

	WebSearchMinute *int `json:"web_search_rate_limit_minute,omitempty"`
	WebSearchHour   *int `json:"web_search_rate_limit_hour,omitempty"`
	WebSearchDay    *int `json:"web_search_rate_limit_day,omitempty"`
	WebSearch       *int `json:"web_search_rate_limit,omitempty"`
}

// Merge fills nil fields from defaults and returns the effective limits.
func (rl RateLimits) Merge(defaults RateLimits) RateLimits {
	pick := func(a, b *int) *int {
		if a != nil {
			return a
		}
		return b
	}
	return RateLimits{
		UserMinute:      pick(rl.UserMinute, defaults.UserMinute),
		UserHour:        pick(rl.UserHour, defaults.UserHour),
		UserDay:         pick(rl.UserDay, defaults.UserDay),
		User:            pick(rl.User, defaults.User),
		WebSearchMinute: pick(rl.WebSearchMinute, defaults.WebSearchMinute),
		WebSearchHour:   pick(rl.WebSearchHour, defaults.WebSearchHour),
		WebSearchDay:    pick(rl.WebSearchDay, defaults.WebSearchDay),
		WebSearch:       pick(rl.WebSearch, defaults.WebSearch),
	}
}

// User is the persisted per-principal record. UserID is the API credential
// or the subscription holder's public key, depending on auth mode.
type User struct {
	UserID     string     `json:"user_id"`
	RateLimits RateLimits `json:"rate_limits"`
}

// TokenLimit is a usage bound carried by one proof in a capability chain.
// The bucket key is derived from the proof signature so that sibling
// delegations sharing an ancestor share that ancestor's budget.
type TokenLimit struct {
	Signature  string
	ExpiresAt  time.Time
	UsageLimit int
}

// DocumentBinding names a stored-prompt document granted by a proof.
type DocumentBinding struct {
	DocumentID string
	OwnerDID   string
}

// AuthContext is the authenticated caller attached to request context.
type AuthContext struct {
	// UserID identifies the rate-limit and metering principal. In
	// capability mode this is the subscription holder's public key hex.
	UserID string
	// UserDID is the root issuer's public key hex in capability mode.
	UserDID string
	// Token is the raw bearer credential, used for metering extraction.
	Token string

	RateLimits  RateLimits
	TokenLimits []TokenLimit
	Document    *DocumentBinding

	// DocsToken marks the documentation bypass credential: metering and
	// query logging are skipped, rate limits still apply.
	DocsToken bool
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Auth field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Auth      *AuthContext
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// AuthFromContext extracts the authenticated caller from context.
func AuthFromContext(ctx context.Context) *AuthContext {
	if m := metaFromContext(ctx); m != nil {
		return m.Auth
	}
	return nil
}

// ContextWithAuth stores the auth context in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g., in tests).
func ContextWithAuth(ctx context.Context, a *AuthContext) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Auth = a
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Auth: a})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
