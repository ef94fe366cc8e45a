package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/meridianhq/meridian/internal/domain"
	pgvector "github.com/pgvector/pgvector-go"
)

type SemanticStore struct {
	db  Querier
	dim int
}

func (s *SemanticStore) vector(embedding []float32) (*pgvector.Vector, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	if s.dim > 0 && len(embedding) != s.dim {
		return nil, fmt.Errorf("%w: vector dimension %d, want %d", ErrValidation, len(embedding), s.dim)
	}
	v := pgvector.NewVector(embedding)
	return &v, nil
}

func (s *SemanticStore) Create(ctx context.Context, m *domain.SemanticMemory) error {
	if m.Predicate == "" {
		return fmt.Errorf("%w: predicate is required", ErrValidation)
	}
	if !domain.ValidPredicateType(string(m.PredicateType)) {
		return fmt.Errorf("%w: invalid predicate type %q", ErrValidation, m.PredicateType)
	}
	if m.Confidence < 0 || m.Confidence > domain.MaxConfidence {
		return fmt.Errorf("%w: confidence %f out of [0, %.2f]", ErrValidation, m.Confidence, domain.MaxConfidence)
	}
	embedding, err := s.vector(m.Embedding)
	if err != nil {
		return err
	}
	objectJSON, err := json.Marshal(m.ObjectValue)
	if err != nil {
		return fmt.Errorf("marshal object value: %w", err)
	}
	if m.Status == "" {
		m.Status = domain.StatusActive
	}
	if m.ReinforcementCount == 0 {
		m.ReinforcementCount = 1
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO app.semantic_memories (
			user_id, subject_entity_id, predicate, predicate_type, object_value,
			confidence, confidence_factors, reinforcement_count, last_validated_at,
			source_type, source_memory_id, extracted_from_event_id, status,
			embedding, importance
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), $9, $10, $11, $12, $13, $14)
		RETURNING id, last_validated_at, created_at, updated_at`,
		m.UserID, m.SubjectEntityID, m.Predicate, m.PredicateType, objectJSON,
		m.Confidence, m.ConfidenceFactors, m.ReinforcementCount,
		m.SourceType, m.SourceMemoryID, m.ExtractedFromEvent, m.Status,
		embedding, m.Importance,
	).Scan(&m.ID, &m.LastValidatedAt, &m.CreatedAt, &m.UpdatedAt)
}

const semanticColumns = `id, user_id, subject_entity_id, predicate, predicate_type, object_value,
	confidence, confidence_factors, reinforcement_count, last_validated_at,
	source_type, source_memory_id, extracted_from_event_id, status, superseded_by,
	importance, created_at, updated_at`

func scanSemantic(row pgx.Row, m *domain.SemanticMemory) error {
	var objectJSON []byte
	err := row.Scan(
		&m.ID, &m.UserID, &m.SubjectEntityID, &m.Predicate, &m.PredicateType, &objectJSON,
		&m.Confidence, &m.ConfidenceFactors, &m.ReinforcementCount, &m.LastValidatedAt,
		&m.SourceType, &m.SourceMemoryID, &m.ExtractedFromEvent, &m.Status, &m.SupersededBy,
		&m.Importance, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return json.Unmarshal(objectJSON, &m.ObjectValue)
}

func (s *SemanticStore) GetByID(ctx context.Context, id int64) (*domain.SemanticMemory, error) {
	m := &domain.SemanticMemory{}
	err := scanSemantic(s.db.QueryRow(ctx,
		`SELECT `+semanticColumns+` FROM app.semantic_memories WHERE id = $1`, id), m)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// ListActive returns active rows for one fact slot, row-locked so
// concurrent writers to the same (user, subject, predicate) serialize.
func (s *SemanticStore) ListActive(ctx context.Context, q domain.SemanticQuery) ([]domain.SemanticMemory, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+semanticColumns+`
		 FROM app.semantic_memories
		 WHERE user_id = $1
		   AND subject_entity_id IS NOT DISTINCT FROM $2
		   AND predicate = $3
		   AND status = 'active'
		 ORDER BY updated_at DESC
		 FOR UPDATE`,
		q.UserID, q.SubjectID, q.Predicate,
	)
	if err != nil {
		return nil, fmt.Errorf("list active semantic: %w", err)
	}
	defer rows.Close()

	var memories []domain.SemanticMemory
	for rows.Next() {
		var m domain.SemanticMemory
		if err := scanSemantic(rows, &m); err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// ListSuperseded returns the most recently superseded rows for one fact
// slot, newest first. Used to spot a turn restating an already-replaced
// value.
func (s *SemanticStore) ListSuperseded(ctx context.Context, q domain.SemanticQuery, limit int) ([]domain.SemanticMemory, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+semanticColumns+`
		 FROM app.semantic_memories
		 WHERE user_id = $1
		   AND subject_entity_id IS NOT DISTINCT FROM $2
		   AND predicate = $3
		   AND status = 'superseded'
		 ORDER BY updated_at DESC
		 LIMIT $4`,
		q.UserID, q.SubjectID, q.Predicate, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list superseded semantic: %w", err)
	}
	defer rows.Close()

	var memories []domain.SemanticMemory
	for rows.Next() {
		var m domain.SemanticMemory
		if err := scanSemantic(rows, &m); err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func (s *SemanticStore) MarkSuperseded(ctx context.Context, oldID, newID int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE app.semantic_memories
		 SET status = 'superseded', superseded_by = $2, updated_at = NOW()
		 WHERE id = $1`,
		oldID, newID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SemanticStore) SetStatus(ctx context.Context, id int64, status domain.MemoryStatus) error {
	if status == domain.StatusAging {
		return fmt.Errorf("%w: aging is computed, not stored", ErrValidation)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE app.semantic_memories SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SemanticStore) Reinforce(ctx context.Context, id int64, confidence float64, validatedAt time.Time) error {
	if confidence < 0 || confidence > domain.MaxConfidence {
		return fmt.Errorf("%w: confidence %f out of range", ErrValidation, confidence)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE app.semantic_memories
		 SET confidence = $2,
		     reinforcement_count = reinforcement_count + 1,
		     last_validated_at = $3,
		     status = 'active',
		     confidence_factors = COALESCE(confidence_factors, '{}'::jsonb)
		         || jsonb_build_object('reinforcement', COALESCE((confidence_factors->>'reinforcement')::numeric, 0) + 1),
		     updated_at = NOW()
		 WHERE id = $1`,
		id, confidence, validatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Candidates runs approximate nearest-neighbor over active rows. Rows
// without a vector are excluded until one is backfilled.
func (s *SemanticStore) Candidates(ctx context.Context, userID string, queryVec []float32, filters domain.CandidateFilters, overFetch int) ([]domain.SemanticCandidate, error) {
	vec, err := s.vector(queryVec)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, fmt.Errorf("%w: query vector is required", ErrValidation)
	}
	if overFetch <= 0 {
		overFetch = 50
	}

	query := `SELECT ` + semanticColumns + `, embedding, embedding <=> $1 AS distance
		 FROM app.semantic_memories
		 WHERE user_id = $2 AND status = 'active' AND embedding IS NOT NULL`
	args := []any{*vec, userID}

	if len(filters.EntityIDs) > 0 {
		args = append(args, filters.EntityIDs)
		query += fmt.Sprintf(" AND subject_entity_id = ANY($%d)", len(args))
	}
	if filters.TimeRange != nil {
		args = append(args, filters.TimeRange.From, filters.TimeRange.To)
		query += fmt.Sprintf(" AND created_at BETWEEN $%d AND $%d", len(args)-1, len(args))
	}
	args = append(args, overFetch)
	query += fmt.Sprintf(" ORDER BY distance ASC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.SemanticCandidate
	for rows.Next() {
		var c domain.SemanticCandidate
		var objectJSON []byte
		var embedding pgvector.Vector
		err := rows.Scan(
			&c.ID, &c.UserID, &c.SubjectEntityID, &c.Predicate, &c.PredicateType, &objectJSON,
			&c.Confidence, &c.ConfidenceFactors, &c.ReinforcementCount, &c.LastValidatedAt,
			&c.SourceType, &c.SourceMemoryID, &c.ExtractedFromEvent, &c.Status, &c.SupersededBy,
			&c.Importance, &c.CreatedAt, &c.UpdatedAt, &embedding, &c.Distance,
		)
		if err != nil {
			return nil, err
		}
		c.Embedding = embedding.Slice()
		if err := json.Unmarshal(objectJSON, &c.ObjectValue); err != nil {
			return nil, fmt.Errorf("decode object value: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
