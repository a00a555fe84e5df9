package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	gateway "github.com/sigil-ai/sigil/internal"
)

// InsertQueryLogs batch-inserts request records in one round trip.
func (s *Store) InsertQueryLogs(ctx context.Context, logs []gateway.QueryLog) error {
	if len(logs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, l := range logs {
		batch.Queue(`INSERT INTO query_logs
			(user_id, lockid, query_timestamp, model,
			 prompt_tokens, completion_tokens, total_tokens, tool_calls, web_search_calls,
			 temperature, max_tokens,
			 response_time_ms, model_response_time_ms, tool_response_time_ms,
			 was_streamed, was_multimodal, was_nildb, was_nilrag,
			 error_code, error_message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
			l.UserID, l.LockID, l.Timestamp.UTC(), l.Model,
			l.PromptTokens, l.CompletionTokens, l.TotalTokens, l.ToolCalls, l.WebSearchCalls,
			l.Temperature, l.MaxTokens,
			l.ResponseTimeMs, l.ModelResponseTimeMs, l.ToolResponseTimeMs,
			l.WasStreamed, l.WasMultimodal, l.WasNilDB, l.WasNilRAG,
			l.ErrorCode, l.ErrorMessage)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range logs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: insert query logs: %w", err)
		}
	}
	return nil
}

// SumUsage aggregates a principal's lifetime token usage server-side.
func (s *Store) SumUsage(ctx context.Context, userID string) (*gateway.Usage, error) {
	var u gateway.Usage
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(prompt_tokens), 0),
		        COALESCE(SUM(completion_tokens), 0),
		        COALESCE(SUM(total_tokens), 0)
		 FROM query_logs WHERE user_id = $1`, userID,
	).Scan(&u.PromptTokens, &u.CompletionTokens, &u.TotalTokens)
	if err != nil {
		return nil, fmt.Errorf("postgres: sum usage: %w", err)
	}
	return &u, nil
}
