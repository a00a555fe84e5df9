package rag

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/sigil-ai/sigil/internal"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.vec, f.err
}

type fakeStore struct {
	chunks []string
	err    error
	gotK   int
}

func (f *fakeStore) TopChunks(_ context.Context, _ []float32, k int) ([]string, error) {
	f.gotK = k
	return f.chunks, f.err
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func request(msgs ...gateway.Message) *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Model:    "m",
		Messages: msgs,
		NilRAG:   json.RawMessage(`{"num_chunks":3}`),
	}
}

func TestEnrich(t *testing.T) {
	t.Parallel()

	store := &fakeStore{chunks: []string{"alpha", "beta"}}
	e := New(&fakeEmbedder{vec: []float32{0.1, 0.2}}, store, 2, discard())

	req := request(
		gateway.NewTextMessage("system", "Be brief."),
		gateway.NewTextMessage("user", "what is alpha?"),
	)
	if err := e.Enrich(context.Background(), req); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if store.gotK != 3 {
		t.Errorf("k = %d, want request override 3", store.gotK)
	}

	sys := gateway.ExtractText(req.Messages[0])
	want := "Be brief.\n\nRelevant Context:\n- alpha\n- beta"
	if sys != want {
		t.Errorf("system = %q, want %q", sys, want)
	}
}

func TestEnrichInsertsSystemMessage(t *testing.T) {
	t.Parallel()

	e := New(&fakeEmbedder{vec: []float32{1}}, &fakeStore{chunks: []string{"gamma"}}, 2, discard())
	req := request(gateway.NewTextMessage("user", "hello"))
	if err := e.Enrich(context.Background(), req); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v, want prepended system", req.Messages)
	}
	if got := gateway.ExtractText(req.Messages[0]); got != "Relevant Context:\n- gamma" {
		t.Errorf("system = %q", got)
	}
}

func TestEnrichErrors(t *testing.T) {
	t.Parallel()

	t.Run("no user query", func(t *testing.T) {
		t.Parallel()
		e := New(&fakeEmbedder{vec: []float32{1}}, &fakeStore{}, 2, discard())
		req := request(gateway.NewTextMessage("system", "s"))
		if err := e.Enrich(context.Background(), req); !errors.Is(err, gateway.ErrBadRequest) {
			t.Errorf("err = %v, want ErrBadRequest", err)
		}
	})

	t.Run("malformed config", func(t *testing.T) {
		t.Parallel()
		e := New(&fakeEmbedder{vec: []float32{1}}, &fakeStore{}, 2, discard())
		req := request(gateway.NewTextMessage("user", "q"))
		req.NilRAG = json.RawMessage(`"nope"`)
		if err := e.Enrich(context.Background(), req); !errors.Is(err, gateway.ErrBadRequest) {
			t.Errorf("err = %v, want ErrBadRequest", err)
		}
	})

	t.Run("embedder failure", func(t *testing.T) {
		t.Parallel()
		e := New(&fakeEmbedder{err: errors.New("down")}, &fakeStore{}, 2, discard())
		req := request(gateway.NewTextMessage("user", "q"))
		if err := e.Enrich(context.Background(), req); err == nil || errors.Is(err, gateway.ErrBadRequest) {
			t.Errorf("err = %v, want internal error", err)
		}
	})

	t.Run("empty result leaves messages alone", func(t *testing.T) {
		t.Parallel()
		e := New(&fakeEmbedder{vec: []float32{1}}, &fakeStore{}, 2, discard())
		req := request(gateway.NewTextMessage("user", "q"))
		if err := e.Enrich(context.Background(), req); err != nil {
			t.Fatalf("Enrich: %v", err)
		}
		if len(req.Messages) != 1 {
			t.Errorf("messages = %+v, want untouched", req.Messages)
		}
	})
}

func TestHTTPEmbedder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var in embedRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Input == "" {
			t.Errorf("bad request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.5, -0.5}}},
		})
	}))
	t.Cleanup(srv.Close)

	c := NewHTTPEmbedder(srv.URL, time.Second)
	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 {
		t.Errorf("vec = %v", vec)
	}
}

func TestHTTPEmbedderErrors(t *testing.T) {
	t.Parallel()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(bad.Close)
	if _, err := NewHTTPEmbedder(bad.URL, time.Second).Embed(context.Background(), "x"); err == nil {
		t.Error("want error on 502")
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	t.Cleanup(empty.Close)
	if _, err := NewHTTPEmbedder(empty.URL, time.Second).Embed(context.Background(), "x"); err == nil {
		t.Error("want error on empty embedding")
	}
}
