package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/sigil-ai/sigil/internal"
)

func chatReq(stream bool) *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Model:     "meta-llama/Llama-3.2-1B",
		Messages:  []gateway.Message{gateway.NewTextMessage("user", "hello")},
		Stream:    stream,
		WebSearch: true,
		NilRAG:    json.RawMessage(`{"num_values":1}`),
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(gateway.ChatResponse{
			ID:      "chatcmpl-1",
			Object:  "chat.completion",
			Model:   "meta-llama/Llama-3.2-1B",
			Choices: []gateway.Choice{{Message: gateway.NewTextMessage("assistant", "hi"), FinishReason: "stop"}},
			Usage:   &gateway.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		})
	}))
	t.Cleanup(srv.Close)

	d := New(nil)
	resp, err := d.Complete(context.Background(), srv.URL+"/", chatReq(false))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.ID != "chatcmpl-1" || len(resp.Choices) != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	// Gateway-only fields must not reach the backend.
	if _, ok := gotBody["web_search"]; ok {
		t.Error("web_search leaked to backend")
	}
	if _, ok := gotBody["nilrag"]; ok {
		t.Error("nilrag leaked to backend")
	}
	if _, ok := gotBody["stream"]; ok {
		t.Error("stream=false should be omitted")
	}
}

func TestCompleteAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model overloaded"}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	d := New(nil)
	_, err := d.Complete(context.Background(), srv.URL, chatReq(false))
	if !errors.Is(err, gateway.ErrUpstreamError) {
		t.Fatalf("err = %v, want ErrUpstreamError", err)
	}
	var he interface{ HTTPStatus() int }
	if !errors.As(err, &he) || he.HTTPStatus() != http.StatusServiceUnavailable {
		t.Errorf("err = %v, want HTTPStatus 503", err)
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if so, ok := body["stream_options"].(map[string]any); !ok || so["include_usage"] != true {
			t.Errorf("stream_options = %v, want include_usage", body["stream_options"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	d := New(nil)
	ch, err := d.Stream(context.Background(), srv.URL, chatReq(true))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var dataChunks int
	var usage *gateway.Usage
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		dataChunks++
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	if dataChunks != 3 {
		t.Errorf("data chunks = %d, want 3", dataChunks)
	}
	if usage == nil || usage.TotalTokens != 5 {
		t.Errorf("usage = %+v, want total 5", usage)
	}
	if !done {
		t.Error("missing done sentinel")
	}
}

func TestStreamContextCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	d := New(nil)
	ch, err := d.Stream(ctx, srv.URL, chatReq(true))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	first := <-ch
	if first.Err != nil || first.Done {
		t.Fatalf("first chunk = %+v", first)
	}
	cancel()

	var sawErr bool
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if !sawErr {
					t.Error("channel closed without error chunk")
				}
				return
			}
			if chunk.Err != nil {
				sawErr = true
			}
		case <-deadline:
			t.Fatal("stream did not terminate after cancel")
		}
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	d := New(nil)
	ctx := context.Background()
	for range 10 {
		if _, err := d.Complete(ctx, srv.URL, chatReq(false)); !errors.Is(err, gateway.ErrUpstreamError) {
			t.Fatalf("err = %v, want ErrUpstreamError", err)
		}
	}
	if _, err := d.Complete(ctx, srv.URL, chatReq(false)); !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable once open", err)
	}
	// Other endpoints are unaffected.
	b := d.breakers.get("http://other")
	if !b.allow() {
		t.Error("unrelated endpoint breaker should be closed")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	cfg := defaultBreakerConfig()
	cfg.openTimeout = 0
	b := newBreaker(cfg)

	for range 10 {
		b.record(1)
	}
	if !b.allow() {
		t.Fatal("expired open breaker should allow a probe")
	}
	if b.allow() {
		t.Error("second probe should be rejected while first is in flight")
	}
	b.record(0)
	if b.state != stateClosed {
		t.Errorf("state = %v after successful probe, want closed", b.state)
	}

	for range 10 {
		b.record(1)
	}
	if !b.allow() {
		t.Fatal("want probe after reopen")
	}
	b.record(1)
	if b.state != stateOpen {
		t.Errorf("state = %v after failed probe, want open", b.state)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want float64
	}{
		{"nil", nil, 0},
		{"deadline", context.DeadlineExceeded, 1.5},
		{"wrapped deadline", fmt.Errorf("do: %w", context.DeadlineExceeded), 1.5},
		{"500", &apiError{status: 500}, 1.0},
		{"503", &apiError{status: 503}, 1.0},
		{"429", &apiError{status: 429}, 0.5},
		{"400", &apiError{status: 400}, 0},
		{"404", &apiError{status: 404}, 0},
		{"generic", errors.New("connection refused"), 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestEndpointURL(t *testing.T) {
	t.Parallel()
	if got := endpointURL("http://pod:8000/"); got != "http://pod:8000/v1/chat/completions" {
		t.Errorf("endpointURL = %s", got)
	}
	if got := endpointURL("http://pod:8000"); got != "http://pod:8000/v1/chat/completions" {
		t.Errorf("endpointURL = %s", got)
	}
}
