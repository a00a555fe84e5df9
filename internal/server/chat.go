package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/sigil-ai/sigil/internal"
	"github.com/sigil-ai/sigil/internal/app"
)

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if s.deps.RequestTimeout > 0 && !req.Stream {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, s.deps.RequestTimeout)
		defer cancel()
	}

	res, err := s.deps.Chat.Complete(ctx, &req)
	if err != nil {
		if s.deps.Metrics != nil && errors.Is(err, gateway.ErrRateLimited) {
			s.deps.Metrics.RateLimitRejects.WithLabelValues("chat").Inc()
		}
		writeError(w, err)
		return
	}

	if res.Stream != nil {
		if s.deps.Metrics != nil && len(res.Stream.Sources) > 0 {
			s.deps.Metrics.WebSearchesTotal.Inc()
		}
		s.streamChatCompletion(w, r, res.Stream)
		return
	}
	if s.deps.Metrics != nil {
		if u := res.Completion.Usage; u != nil {
			s.deps.Metrics.TokensProcessed.WithLabelValues(req.Model, "prompt").Add(float64(u.PromptTokens))
			s.deps.Metrics.TokensProcessed.WithLabelValues(req.Model, "completion").Add(float64(u.CompletionTokens))
		}
		if len(res.Completion.Sources) > 0 {
			s.deps.Metrics.WebSearchesTotal.Inc()
		}
	}
	writeJSON(w, http.StatusOK, res.Completion)
}

// streamChatCompletion relays SSE frames to the client. Web search sources
// are spliced into the usage-bearing chunk so attribution arrives with the
// final token counts.
func (s *server) streamChatCompletion(w http.ResponseWriter, r *http.Request, stream *app.StreamResult) {
	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-stream.Chunks:
			if !ok {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
					slog.String("error", chunk.Err.Error()),
				)
				writeSSEData(w, streamErrorFrame())
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Done {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			data := chunk.Data
			if chunk.Usage != nil && len(stream.Sources) > 0 {
				data = spliceSources(data, stream.Sources)
			}
			writeSSEData(w, data)
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			// Drain so the pipeline goroutine can settle metering.
			for range stream.Chunks {
			}
			return
		}
	}
}

// spliceSources injects the sources array into a chunk's JSON payload.
// A chunk that does not decode is forwarded untouched.
func spliceSources(data []byte, sources []gateway.Source) []byte {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return data
	}
	obj["sources"] = sources
	out, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return out
}

func streamErrorFrame() []byte {
	b, _ := json.Marshal(map[string]string{
		"error":   "stream_failed",
		"message": "upstream stream interrupted",
	})
	return b
}
