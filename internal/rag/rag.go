// Package rag augments chat requests with retrieved context. The last user
// query is embedded by a remote embedding service and matched against the
// chunk store; top hits are merged into the system message.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gateway "github.com/sigil-ai/sigil/internal"
)

// DefaultTopK is the number of chunks retrieved when the request does not
// ask for a specific count.
const DefaultTopK = 2

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkStore retrieves the chunks nearest to an embedding.
type ChunkStore interface {
	TopChunks(ctx context.Context, embedding []float32, k int) ([]string, error)
}

// Enricher wires the embedder and chunk store into request enrichment.
type Enricher struct {
	embed Embedder
	store ChunkStore
	topK  int
	log   *slog.Logger
}

// New builds an Enricher. topK <= 0 falls back to DefaultTopK.
func New(embed Embedder, store ChunkStore, topK int, log *slog.Logger) *Enricher {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Enricher{embed: embed, store: store, topK: topK, log: log}
}

// options is the request-side retrieval configuration.
type options struct {
	NumChunks int `json:"num_chunks"`
}

// Enrich retrieves context for the request's last user query and merges a
// "Relevant Context" block into the system message. The request's message
// slice is replaced, never mutated in place.
func (e *Enricher) Enrich(ctx context.Context, req *gateway.ChatRequest) error {
	var opts options
	if len(req.NilRAG) > 0 {
		if err := json.Unmarshal(req.NilRAG, &opts); err != nil {
			return fmt.Errorf("%w: invalid retrieval configuration: %v", gateway.ErrBadRequest, err)
		}
	}
	k := opts.NumChunks
	if k <= 0 {
		k = e.topK
	}

	query := gateway.LastUserQuery(req.Messages)
	if query == "" {
		return fmt.Errorf("%w: no user query found", gateway.ErrBadRequest)
	}

	vec, err := e.embed.Embed(ctx, query)
	if err != nil {
		return fmt.Errorf("rag: embed query: %w", err)
	}
	chunks, err := e.store.TopChunks(ctx, vec, k)
	if err != nil {
		return fmt.Errorf("rag: retrieve chunks: %w", err)
	}
	if len(chunks) == 0 {
		e.log.LogAttrs(ctx, slog.LevelDebug, "no chunks retrieved",
			slog.String("request_id", gateway.RequestIDFromContext(ctx)))
		return nil
	}

	var b strings.Builder
	b.WriteString("Relevant Context:")
	for _, c := range chunks {
		b.WriteString("\n- ")
		b.WriteString(c)
	}
	req.Messages = gateway.EnsureSystemContent(req.Messages, b.String())

	e.log.LogAttrs(ctx, slog.LevelDebug, "request enriched with retrieved context",
		slog.String("request_id", gateway.RequestIDFromContext(ctx)),
		slog.Int("chunks", len(chunks)))
	return nil
}

// HTTPEmbedder calls an OpenAI-compatible embeddings endpoint.
type HTTPEmbedder struct {
	baseURL string
	http    *http.Client
}

// NewHTTPEmbedder builds an embedder client for the given base URL.
func NewHTTPEmbedder(baseURL string, timeout time.Duration) *HTTPEmbedder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed requests a single embedding for text.
func (c *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Input: text})
	if err != nil {
		return nil, fmt.Errorf("rag: marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rag: build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rag: embed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rag: embedder returned %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("rag: decode embedding: %w", err)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("rag: embedder returned no embedding")
	}
	return out.Data[0].Embedding, nil
}
