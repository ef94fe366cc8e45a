package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/meridianhq/meridian/internal/domain"
)

type EntityStore struct {
	db Querier
}

const entityColumns = `id, entity_type, canonical_name, source_table, source_id, properties, created_at, updated_at`

func scanEntity(row pgx.Row) (*domain.CanonicalEntity, error) {
	e := &domain.CanonicalEntity{}
	var sourceTable, sourceID *string
	err := row.Scan(&e.ID, &e.EntityType, &e.CanonicalName, &sourceTable, &sourceID, &e.Properties, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if sourceTable != nil && sourceID != nil {
		e.ExternalRef = &domain.ExternalRef{SourceTable: *sourceTable, SourceID: *sourceID}
	}
	return e, nil
}

// Create inserts the entity. Creation races on canonical_name resolve via
// ON CONFLICT DO NOTHING plus re-read, so both racers observe one row.
func (s *EntityStore) Create(ctx context.Context, e *domain.CanonicalEntity) error {
	if e.ID == "" || e.CanonicalName == "" {
		return fmt.Errorf("%w: entity id and canonical name are required", ErrValidation)
	}
	var sourceTable, sourceID *string
	if e.ExternalRef != nil {
		sourceTable, sourceID = &e.ExternalRef.SourceTable, &e.ExternalRef.SourceID
	}

	err := s.db.QueryRow(ctx,
		`INSERT INTO app.entities (id, entity_type, canonical_name, source_table, source_id, properties)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (canonical_name) DO NOTHING
		 RETURNING id, created_at, updated_at`,
		e.ID, e.EntityType, e.CanonicalName, sourceTable, sourceID, e.Properties,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isUniqueViolation(err) {
			// external_ref uniqueness; surface so the caller re-reads.
			return ErrConflict
		}
		return fmt.Errorf("create entity: %w", err)
	}

	existing, err := s.GetByCanonicalName(ctx, e.CanonicalName)
	if err != nil {
		return fmt.Errorf("reread entity after conflict: %w", err)
	}
	*e = *existing
	return nil
}

func (s *EntityStore) GetByID(ctx context.Context, id string) (*domain.CanonicalEntity, error) {
	return scanEntity(s.db.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM app.entities WHERE id = $1`, id))
}

func (s *EntityStore) GetByCanonicalName(ctx context.Context, name string) (*domain.CanonicalEntity, error) {
	return scanEntity(s.db.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM app.entities WHERE LOWER(canonical_name) = LOWER($1)`, name))
}

func (s *EntityStore) GetByExternalRef(ctx context.Context, ref domain.ExternalRef) (*domain.CanonicalEntity, error) {
	return scanEntity(s.db.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM app.entities WHERE source_table = $1 AND source_id = $2`,
		ref.SourceTable, ref.SourceID))
}

func (s *EntityStore) UpdateProperties(ctx context.Context, id string, patch map[string]any) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE app.entities
		 SET properties = COALESCE(properties, '{}'::jsonb) || $2::jsonb,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, patch,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *EntityStore) GetByIDs(ctx context.Context, ids []string) ([]domain.CanonicalEntity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+entityColumns+` FROM app.entities WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []domain.CanonicalEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}
