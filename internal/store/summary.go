package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meridianhq/meridian/internal/domain"
	pgvector "github.com/pgvector/pgvector-go"
)

type SummaryStore struct {
	db  Querier
	dim int
}

func (s *SummaryStore) Create(ctx context.Context, m *domain.MemorySummary) error {
	if m.Summary == "" {
		return fmt.Errorf("%w: summary text is required", ErrValidation)
	}
	if m.Confidence < 0 || m.Confidence > domain.MaxConfidence {
		return fmt.Errorf("%w: confidence %f out of range", ErrValidation, m.Confidence)
	}
	var embedding *pgvector.Vector
	if len(m.Embedding) > 0 {
		if s.dim > 0 && len(m.Embedding) != s.dim {
			return fmt.Errorf("%w: vector dimension %d, want %d", ErrValidation, len(m.Embedding), s.dim)
		}
		v := pgvector.NewVector(m.Embedding)
		embedding = &v
	}
	sourceJSON, err := json.Marshal(m.SourceData)
	if err != nil {
		return fmt.Errorf("marshal source data: %w", err)
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO app.memory_summaries (
			user_id, scope_type, scope_id, summary, key_facts,
			source_data, predecessor_id, confidence, embedding
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		m.UserID, m.ScopeType, m.ScopeID, m.Summary, m.KeyFacts,
		sourceJSON, m.PredecessorID, m.Confidence, embedding,
	).Scan(&m.ID, &m.CreatedAt)
}

func (s *SummaryStore) Candidates(ctx context.Context, userID string, queryVec []float32, overFetch int) ([]domain.SummaryCandidate, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("%w: query vector is required", ErrValidation)
	}
	if s.dim > 0 && len(queryVec) != s.dim {
		return nil, fmt.Errorf("%w: vector dimension %d, want %d", ErrValidation, len(queryVec), s.dim)
	}
	if overFetch <= 0 {
		overFetch = 10
	}
	vec := pgvector.NewVector(queryVec)

	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, scope_type, scope_id, summary, key_facts,
			source_data, predecessor_id, confidence, created_at,
			embedding, embedding <=> $1 AS distance
		 FROM app.memory_summaries
		 WHERE user_id = $2 AND embedding IS NOT NULL
		 ORDER BY distance ASC
		 LIMIT $3`,
		vec, userID, overFetch,
	)
	if err != nil {
		return nil, fmt.Errorf("summary candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.SummaryCandidate
	for rows.Next() {
		var c domain.SummaryCandidate
		var sourceJSON []byte
		var embedding pgvector.Vector
		err := rows.Scan(
			&c.ID, &c.UserID, &c.ScopeType, &c.ScopeID, &c.Summary, &c.KeyFacts,
			&sourceJSON, &c.PredecessorID, &c.Confidence, &c.CreatedAt, &embedding, &c.Distance,
		)
		if err != nil {
			return nil, err
		}
		c.Embedding = embedding.Slice()
		if len(sourceJSON) > 0 {
			if err := json.Unmarshal(sourceJSON, &c.SourceData); err != nil {
				return nil, fmt.Errorf("decode source data: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
