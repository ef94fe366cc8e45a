package store

import (
	"context"
	"fmt"

	"github.com/meridianhq/meridian/internal/domain"
	pgvector "github.com/pgvector/pgvector-go"
)

type ProceduralStore struct {
	db  Querier
	dim int
}

func (s *ProceduralStore) Create(ctx context.Context, m *domain.ProceduralMemory) error {
	if m.TriggerPattern == "" || m.ActionHeuristic == "" {
		return fmt.Errorf("%w: trigger pattern and action heuristic are required", ErrValidation)
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
	if m.ObservedCount == 0 {
		m.ObservedCount = 1
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO app.procedural_memories (
			user_id, trigger_pattern, trigger_features, action_heuristic,
			action_structure, observed_count, confidence, embedding
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		m.UserID, m.TriggerPattern, m.TriggerFeatures, m.ActionHeuristic,
		m.ActionStructure, m.ObservedCount, m.Confidence, embedding,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
}

// Observe bumps the observed count and stores the refreshed confidence.
func (s *ProceduralStore) Observe(ctx context.Context, id int64, confidence float64) error {
	if confidence < 0 || confidence > domain.MaxConfidence {
		return fmt.Errorf("%w: confidence %f out of range", ErrValidation, confidence)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE app.procedural_memories
		 SET observed_count = observed_count + 1, confidence = $2, updated_at = NOW()
		 WHERE id = $1`,
		id, confidence,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ProceduralStore) Candidates(ctx context.Context, userID string, queryVec []float32, overFetch int) ([]domain.ProceduralCandidate, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("%w: query vector is required", ErrValidation)
	}
	if s.dim > 0 && len(queryVec) != s.dim {
		return nil, fmt.Errorf("%w: vector dimension %d, want %d", ErrValidation, len(queryVec), s.dim)
	}
	if overFetch <= 0 {
		overFetch = 20
	}
	vec := pgvector.NewVector(queryVec)

	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, trigger_pattern, trigger_features, action_heuristic,
			action_structure, observed_count, confidence, created_at, updated_at,
			embedding, embedding <=> $1 AS distance
		 FROM app.procedural_memories
		 WHERE user_id = $2 AND embedding IS NOT NULL
		 ORDER BY distance ASC
		 LIMIT $3`,
		vec, userID, overFetch,
	)
	if err != nil {
		return nil, fmt.Errorf("procedural candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.ProceduralCandidate
	for rows.Next() {
		var c domain.ProceduralCandidate
		var embedding pgvector.Vector
		err := rows.Scan(
			&c.ID, &c.UserID, &c.TriggerPattern, &c.TriggerFeatures, &c.ActionHeuristic,
			&c.ActionStructure, &c.ObservedCount, &c.Confidence, &c.CreatedAt, &c.UpdatedAt,
			&embedding, &c.Distance,
		)
		if err != nil {
			return nil, err
		}
		c.Embedding = embedding.Slice()
		out = append(out, c)
	}
	return out, rows.Err()
}
