package postgres

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// TopChunks returns the contents of the k chunks nearest to embedding by
// cosine distance.
func (s *Store) TopChunks(ctx context.Context, embedding []float32, k int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT content FROM rag_chunks ORDER BY embedding <=> $1 LIMIT $2`,
		pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("postgres: top chunks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		out = append(out, content)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: top chunks: %w", err)
	}
	return out, nil
}

// InsertChunk stores one chunk with its embedding, for corpus loading.
func (s *Store) InsertChunk(ctx context.Context, content string, embedding []float32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rag_chunks (content, embedding) VALUES ($1, $2)`,
		content, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("postgres: insert chunk: %w", err)
	}
	return nil
}
