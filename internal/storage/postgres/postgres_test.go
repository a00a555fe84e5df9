package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	gateway "github.com/sigil-ai/sigil/internal"
)

// testStore connects to the database named by TEST_DATABASE_URL. Tests are
// skipped when no database is available.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// vec builds a 384-dimension embedding with the given leading values.
func vec(lead ...float32) []float32 {
	v := make([]float32, 384)
	copy(v, lead)
	return v
}

func TestUsers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	limit := 10
	u := &gateway.User{UserID: "user-a", RateLimits: gateway.RateLimits{UserMinute: &limit}}
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	got, err := s.GetUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.RateLimits.UserMinute == nil || *got.RateLimits.UserMinute != 10 {
		t.Errorf("rate limits = %+v", got.RateLimits)
	}

	// Upsert replaces the limits.
	newLimit := 20
	u.RateLimits.UserMinute = &newLimit
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	got, err = s.GetUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if *got.RateLimits.UserMinute != 20 {
		t.Errorf("minute limit = %d after upsert, want 20", *got.RateLimits.UserMinute)
	}

	if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestQueryLogs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	temp := 0.7
	logs := []gateway.QueryLog{
		{
			UserID: "user-b", LockID: "lock-1", Timestamp: time.Now(), Model: "llama",
			PromptTokens: 100, CompletionTokens: 40, TotalTokens: 140,
			Temperature: &temp, ResponseTimeMs: 321, WasStreamed: true,
		},
		{
			UserID: "user-b", LockID: "lock-2", Timestamp: time.Now(), Model: "llama",
			PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60,
			ErrorCode: 502, ErrorMessage: "upstream returned 502",
		},
	}
	if err := s.InsertQueryLogs(ctx, logs); err != nil {
		t.Fatalf("InsertQueryLogs: %v", err)
	}
	if err := s.InsertQueryLogs(ctx, nil); err != nil {
		t.Fatalf("InsertQueryLogs(empty): %v", err)
	}

	sum, err := s.SumUsage(ctx, "user-b")
	if err != nil {
		t.Fatalf("SumUsage: %v", err)
	}
	if sum.PromptTokens != 150 || sum.CompletionTokens != 50 || sum.TotalTokens != 200 {
		t.Errorf("sum = %+v", sum)
	}

	empty, err := s.SumUsage(ctx, "user-never-seen")
	if err != nil {
		t.Fatalf("SumUsage: %v", err)
	}
	if empty.TotalTokens != 0 {
		t.Errorf("sum for unknown user = %+v, want zeros", empty)
	}
}

func TestTopChunks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	chunks := map[string][]float32{
		"chunk near":    vec(1, 0),
		"chunk nearish": vec(0.9, 0.1),
		"chunk far":     vec(0, 1),
	}
	for content, embedding := range chunks {
		if err := s.InsertChunk(ctx, content, embedding); err != nil {
			t.Fatalf("InsertChunk: %v", err)
		}
	}

	got, err := s.TopChunks(ctx, vec(1, 0), 2)
	if err != nil {
		t.Fatalf("TopChunks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("chunks = %v, want 2", got)
	}
	if got[0] != "chunk near" || got[1] != "chunk nearish" {
		t.Errorf("order = %v", got)
	}
}
