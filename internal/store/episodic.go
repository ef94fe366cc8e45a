package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meridianhq/meridian/internal/domain"
	pgvector "github.com/pgvector/pgvector-go"
)

type EpisodicStore struct {
	db  Querier
	dim int
}

func (s *EpisodicStore) Create(ctx context.Context, m *domain.EpisodicMemory) error {
	if m.Summary == "" {
		return fmt.Errorf("%w: summary is required", ErrValidation)
	}
	if m.Importance < 0 || m.Importance > 1 {
		return fmt.Errorf("%w: importance %f out of [0,1]", ErrValidation, m.Importance)
	}
	var embedding *pgvector.Vector
	if len(m.Embedding) > 0 {
		if s.dim > 0 && len(m.Embedding) != s.dim {
			return fmt.Errorf("%w: vector dimension %d, want %d", ErrValidation, len(m.Embedding), s.dim)
		}
		v := pgvector.NewVector(m.Embedding)
		embedding = &v
	}
	entitiesJSON, err := json.Marshal(m.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO app.episodic_memories (
			user_id, session_id, summary, event_type, source_event_ids,
			entities, domain_facts, importance, embedding
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		m.UserID, m.SessionID, m.Summary, m.EventType, m.SourceEventIDs,
		entitiesJSON, m.DomainFacts, m.Importance, embedding,
	).Scan(&m.ID, &m.CreatedAt)
}

func (s *EpisodicStore) Candidates(ctx context.Context, userID string, queryVec []float32, filters domain.CandidateFilters, overFetch int) ([]domain.EpisodicCandidate, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("%w: query vector is required", ErrValidation)
	}
	if s.dim > 0 && len(queryVec) != s.dim {
		return nil, fmt.Errorf("%w: vector dimension %d, want %d", ErrValidation, len(queryVec), s.dim)
	}
	if overFetch <= 0 {
		overFetch = 50
	}
	vec := pgvector.NewVector(queryVec)

	query := `SELECT id, user_id, session_id, summary, event_type, source_event_ids,
			entities, domain_facts, importance, created_at,
			embedding, embedding <=> $1 AS distance
		 FROM app.episodic_memories
		 WHERE user_id = $2 AND embedding IS NOT NULL`
	args := []any{vec, userID}

	if len(filters.EntityIDs) > 0 {
		args = append(args, filters.EntityIDs)
		// entities is a jsonb array of {entity_id,...} records.
		query += fmt.Sprintf(` AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(entities) em
			WHERE em->>'entity_id' = ANY($%d))`, len(args))
	}
	if filters.TimeRange != nil {
		args = append(args, filters.TimeRange.From, filters.TimeRange.To)
		query += fmt.Sprintf(" AND created_at BETWEEN $%d AND $%d", len(args)-1, len(args))
	}
	args = append(args, overFetch)
	query += fmt.Sprintf(" ORDER BY distance ASC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("episodic candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.EpisodicCandidate
	for rows.Next() {
		var c domain.EpisodicCandidate
		var entitiesJSON []byte
		var embedding pgvector.Vector
		err := rows.Scan(
			&c.ID, &c.UserID, &c.SessionID, &c.Summary, &c.EventType, &c.SourceEventIDs,
			&entitiesJSON, &c.DomainFacts, &c.Importance, &c.CreatedAt, &embedding, &c.Distance,
		)
		if err != nil {
			return nil, err
		}
		c.Embedding = embedding.Slice()
		if len(entitiesJSON) > 0 {
			if err := json.Unmarshal(entitiesJSON, &c.Entities); err != nil {
				return nil, fmt.Errorf("decode entities: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
