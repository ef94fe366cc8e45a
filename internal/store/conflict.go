package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianhq/meridian/internal/domain"
)

type ConflictStore struct {
	db Querier
}

// conflictPayload is the jsonb shape holding both sides of a conflict.
type conflictPayload struct {
	Subject  string              `json:"subject,omitempty"`
	Existing domain.ConflictSide `json:"existing"`
	Incoming domain.ConflictSide `json:"incoming"`
}

func (s *ConflictStore) Record(ctx context.Context, c *domain.MemoryConflict) error {
	if !domain.ValidResolutionStrategy(string(c.Strategy)) {
		return fmt.Errorf("%w: invalid resolution strategy %q", ErrValidation, c.Strategy)
	}
	payload, err := json.Marshal(conflictPayload{
		Subject:  c.Subject,
		Existing: c.Existing,
		Incoming: c.Incoming,
	})
	if err != nil {
		return fmt.Errorf("marshal conflict payload: %w", err)
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO app.memory_conflicts (
			detected_at_event_id, conflict_type, predicate, conflict_data,
			resolution_strategy, resolution_outcome, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		c.EventID, c.Type, c.Predicate, payload,
		c.Strategy, c.Outcome, c.ResolvedAt,
	).Scan(&c.ID, &c.CreatedAt)
}

func (s *ConflictStore) Resolve(ctx context.Context, id int64, strategy domain.ResolutionStrategy, outcome map[string]any) error {
	if !domain.ValidResolutionStrategy(string(strategy)) {
		return fmt.Errorf("%w: invalid resolution strategy %q", ErrValidation, strategy)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE app.memory_conflicts
		 SET resolution_strategy = $2, resolution_outcome = $3, resolved_at = NOW()
		 WHERE id = $1`,
		id, strategy, outcome,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ConflictStore) ListSince(ctx context.Context, since time.Time, limit int) ([]domain.MemoryConflict, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, detected_at_event_id, conflict_type, predicate, conflict_data,
			resolution_strategy, resolution_outcome, resolved_at, created_at
		 FROM app.memory_conflicts
		 WHERE created_at >= $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []domain.MemoryConflict
	for rows.Next() {
		var c domain.MemoryConflict
		var payloadJSON []byte
		err := rows.Scan(
			&c.ID, &c.EventID, &c.Type, &c.Predicate, &payloadJSON,
			&c.Strategy, &c.Outcome, &c.ResolvedAt, &c.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		var payload conflictPayload
		if err := json.Unmarshal(payloadJSON, &payload); err != nil {
			return nil, fmt.Errorf("decode conflict payload: %w", err)
		}
		c.Subject = payload.Subject
		c.Existing = payload.Existing
		c.Incoming = payload.Incoming
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}
