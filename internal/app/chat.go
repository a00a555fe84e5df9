// Package app orchestrates the chat completion pipeline: validation,
// model resolution, rate limiting, metering, context enrichment, dispatch,
// the tool round, response signing and query logging.
package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	gateway "github.com/sigil-ai/sigil/internal"
	"github.com/sigil-ai/sigil/internal/credit"
	"github.com/sigil-ai/sigil/internal/search"
)

// ModelResolver finds the live endpoint serving a model.
type ModelResolver interface {
	Get(ctx context.Context, id string) (*gateway.ModelEndpoint, error)
}

// Limiter enforces the request's rate buckets and concurrency gauge.
type Limiter interface {
	CheckChat(ctx context.Context, auth *gateway.AuthContext, webSearch bool) error
	AcquireConcurrent(ctx context.Context, model string) (func(), error)
}

// Meterer opens per-request credit metering contexts.
type Meterer interface {
	Meter(userID, model string) credit.Meter
}

// PromptVault reads stored prompts named by a document binding.
type PromptVault interface {
	ReadPrompt(ctx context.Context, binding *gateway.DocumentBinding) (string, error)
}

// Enricher merges retrieved context into the request.
type Enricher interface {
	Enrich(ctx context.Context, req *gateway.ChatRequest) error
}

// Searcher enhances the request with web results; it degrades, never fails.
type Searcher interface {
	Enhance(ctx context.Context, req *gateway.ChatRequest, model, endpoint string) search.Result
}

// Dispatcher sends completions to a backend endpoint.
type Dispatcher interface {
	Complete(ctx context.Context, endpoint string, req *gateway.ChatRequest) (*gateway.ChatResponse, error)
	Stream(ctx context.Context, endpoint string, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error)
}

// ToolRunner executes the function-calling round trip.
type ToolRunner interface {
	Run(ctx context.Context, endpoint string, req *gateway.ChatRequest, first *gateway.ChatResponse) (*gateway.ChatResponse, error)
}

// Signer signs canonical response bytes with the service key.
type Signer interface {
	Sign(data []byte) []byte
}

// Recorder accepts query logs for asynchronous persistence.
type Recorder interface {
	Record(q gateway.QueryLog)
}

// LogStore persists query logs synchronously; used for server-side errors
// so the record survives even if the process dies right after.
type LogStore interface {
	InsertQueryLogs(ctx context.Context, logs []gateway.QueryLog) error
}

// Deps wires the chat service's collaborators.
type Deps struct {
	Models   ModelResolver
	Limiter  Limiter
	Credit   Meterer
	Vault    PromptVault
	RAG      Enricher
	Search   Searcher
	Upstream Dispatcher
	Tools    ToolRunner
	Keys     Signer
	Recorder Recorder
	Logs     LogStore
	Log      *slog.Logger
}

// ChatService runs chat completions end to end.
type ChatService struct {
	deps Deps
}

// NewChatService returns a ChatService wired to deps.
func NewChatService(deps Deps) *ChatService {
	return &ChatService{deps: deps}
}

// StreamResult is a started streaming completion. Sources accompany the
// usage-bearing chunk; the channel closes after Done or an error chunk.
type StreamResult struct {
	Chunks  <-chan gateway.StreamChunk
	Sources []gateway.Source
}

// Result is either a signed completion or a started stream.
type Result struct {
	Completion *gateway.SignedChatCompletion
	Stream     *StreamResult
}

// Complete runs the pipeline for one authenticated request. Server-side
// failures are committed to the query log before returning; client errors
// are only logged to the application log.
func (s *ChatService) Complete(ctx context.Context, req *gateway.ChatRequest) (*Result, error) {
	auth := gateway.AuthFromContext(ctx)
	if auth == nil {
		return nil, fmt.Errorf("%w: no authenticated caller", gateway.ErrUnauthorized)
	}

	res, lc, meter, err := s.run(ctx, auth, req)
	if err != nil {
		s.fail(ctx, auth, req, lc, meter, err)
		return nil, err
	}
	return res, nil
}

// run executes the pipeline. On success the returned meter is nil: the
// non-stream path settles before returning and the stream path hands the
// meter to the forwarding goroutine.
func (s *ChatService) run(ctx context.Context, auth *gateway.AuthContext, req *gateway.ChatRequest) (*Result, *LogContext, credit.Meter, error) {
	requestID := gateway.RequestIDFromContext(ctx)

	if err := req.Validate(); err != nil {
		return nil, nil, nil, err
	}

	// Unknown models are rejected before any bucket is consumed.
	endpoint, err := s.deps.Models.Get(ctx, req.Model)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: invalid model name %s, check /v1/models for options",
			gateway.ErrBadRequest, req.Model)
	}

	if req.HasTools() && !endpoint.Metadata.ToolSupport {
		return nil, nil, nil, fmt.Errorf("%w: model does not support tool usage, remove tools from request",
			gateway.ErrBadRequest)
	}
	multimodal := gateway.HasMultimodalContent(req.Messages)
	if multimodal && !endpoint.Metadata.MultimodalSupport {
		return nil, nil, nil, fmt.Errorf("%w: model does not support multimodal content, remove image inputs from request",
			gateway.ErrBadRequest)
	}
	if multimodal && req.WebSearch {
		s.deps.Log.LogAttrs(ctx, slog.LevelInfo, "web search disabled for multimodal request",
			slog.String("request_id", requestID))
		req.WebSearch = false
	}

	if err := s.deps.Limiter.CheckChat(ctx, auth, req.WebSearch); err != nil {
		return nil, nil, nil, err
	}
	release, err := s.deps.Limiter.AcquireConcurrent(ctx, req.Model)
	if err != nil {
		return nil, nil, nil, err
	}
	streaming := false
	defer func() {
		if !streaming {
			release()
		}
	}()

	meter := credit.NopMeter()
	if !auth.DocsToken {
		meter = s.deps.Credit.Meter(auth.UserID, req.Model)
	}

	lc := newLogContext(auth.UserID, meter.LockID())
	lc.setModel(req.Model)
	lc.setParams(req, multimodal, auth.Document != nil)

	s.deps.Log.LogAttrs(ctx, slog.LevelInfo, "chat start",
		slog.String("request_id", requestID),
		slog.String("user", auth.UserID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
		slog.Bool("web_search", req.WebSearch),
		slog.Bool("tools", req.HasTools()),
		slog.Bool("multimodal", multimodal),
		slog.String("url", endpoint.URL))

	if auth.Document != nil {
		prompt, err := s.deps.Vault.ReadPrompt(ctx, auth.Document)
		if err != nil {
			return nil, lc, meter, err
		}
		req.Messages = append([]gateway.Message{gateway.NewTextMessage("system", prompt)}, req.Messages...)
	}

	if len(req.NilRAG) > 0 {
		if err := s.deps.RAG.Enrich(ctx, req); err != nil {
			return nil, lc, meter, err
		}
	}

	var sources []gateway.Source
	if req.WebSearch {
		result := s.deps.Search.Enhance(ctx, req, req.Model, endpoint.URL)
		req.Messages = result.Messages
		sources = result.Sources
		s.deps.Log.LogAttrs(ctx, slog.LevelInfo, "web search done",
			slog.String("request_id", requestID),
			slog.Int("sources", len(sources)))
	}

	if req.Stream {
		chunks, err := s.deps.Upstream.Stream(ctx, endpoint.URL, req)
		if err != nil {
			return nil, lc, meter, err
		}
		streaming = true
		lc.startModelTiming()
		out := make(chan gateway.StreamChunk, 8)
		go s.forwardStream(ctx, auth, lc, meter, release, chunks, out, len(sources))
		return &Result{Stream: &StreamResult{Chunks: out, Sources: sources}}, lc, nil, nil
	}

	lc.startModelTiming()
	first, err := s.deps.Upstream.Complete(ctx, endpoint.URL, req)
	if err != nil {
		return nil, lc, meter, err
	}
	lc.endModelTiming()

	lc.startToolTiming()
	final, err := s.deps.Tools.Run(ctx, endpoint.URL, req, first)
	if err != nil {
		return nil, lc, meter, err
	}
	lc.endToolTiming()

	if final.Usage == nil {
		return nil, lc, meter, fmt.Errorf("app: model response does not contain usage statistics")
	}

	signed := &gateway.SignedChatCompletion{
		ChatResponse: *final,
		Sources:      sources,
	}
	payload, err := json.Marshal(signed)
	if err != nil {
		return nil, lc, meter, fmt.Errorf("app: marshal response: %w", err)
	}
	signed.Signature = base64.StdEncoding.EncodeToString(s.deps.Keys.Sign(payload))

	meter.SetUsage(final.Usage, len(sources))
	if err := meter.Finalize(context.WithoutCancel(ctx)); err != nil {
		s.deps.Log.LogAttrs(ctx, slog.LevelError, "credit settlement failed",
			slog.String("request_id", requestID), slog.Any("error", err))
	}

	if !auth.DocsToken {
		lc.setUsage(final.Usage, toolCallCount(final), len(sources))
		s.deps.Recorder.Record(lc.record())
	}

	s.deps.Log.LogAttrs(ctx, slog.LevelInfo, "chat done",
		slog.String("request_id", requestID),
		slog.Int("prompt_tokens", final.Usage.PromptTokens),
		slog.Int("completion_tokens", final.Usage.CompletionTokens))
	return &Result{Completion: signed}, lc, nil, nil
}

// forwardStream relays chunks to the caller while harvesting usage, then
// settles metering and commits the query log when the stream ends.
func (s *ChatService) forwardStream(ctx context.Context, auth *gateway.AuthContext, lc *LogContext, meter credit.Meter, release func(), in <-chan gateway.StreamChunk, out chan<- gateway.StreamChunk, webSearches int) {
	defer close(out)
	defer release()

	var usage *gateway.Usage
	var streamErr error
	for chunk := range in {
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
		out <- chunk
	}
	lc.endModelTiming()

	settleCtx := context.WithoutCancel(ctx)
	meter.SetUsage(usage, webSearches)
	if err := meter.Finalize(settleCtx); err != nil {
		s.deps.Log.LogAttrs(settleCtx, slog.LevelError, "credit settlement failed",
			slog.String("request_id", gateway.RequestIDFromContext(ctx)), slog.Any("error", err))
	}

	if auth.DocsToken {
		return
	}
	lc.setUsage(usage, 0, webSearches)
	if streamErr != nil {
		lc.setError(500, streamErr.Error())
	}
	s.deps.Recorder.Record(lc.record())
}

// fail settles the meter and, for server-side errors, commits the query
// log synchronously. Client errors never reach the database.
func (s *ChatService) fail(ctx context.Context, auth *gateway.AuthContext, req *gateway.ChatRequest, lc *LogContext, meter credit.Meter, err error) {
	status := gateway.HTTPStatus(err)
	s.deps.Log.LogAttrs(ctx, slog.LevelError, "chat failed",
		slog.String("request_id", gateway.RequestIDFromContext(ctx)),
		slog.String("user", auth.UserID),
		slog.String("model", req.Model),
		slog.Int("status", status),
		slog.Any("error", err))

	settleCtx := context.WithoutCancel(ctx)
	if meter != nil {
		if ferr := meter.Finalize(settleCtx); ferr != nil {
			s.deps.Log.LogAttrs(settleCtx, slog.LevelError, "credit settlement failed",
				slog.Any("error", ferr))
		}
	}

	if status < 500 || auth.DocsToken {
		return
	}
	if lc == nil {
		lc = newLogContext(auth.UserID, "")
		lc.setModel(req.Model)
	}
	lc.setError(status, err.Error())
	if ierr := s.deps.Logs.InsertQueryLogs(settleCtx, []gateway.QueryLog{lc.record()}); ierr != nil {
		s.deps.Log.LogAttrs(settleCtx, slog.LevelError, "query log commit failed",
			slog.Any("error", ierr))
	}
}

// toolCallCount reports structured tool calls on the final message.
func toolCallCount(resp *gateway.ChatResponse) int {
	if len(resp.Choices) == 0 {
		return 0
	}
	var calls []json.RawMessage
	if err := json.Unmarshal(resp.Choices[0].Message.ToolCalls, &calls); err != nil {
		return 0
	}
	return len(calls)
}
