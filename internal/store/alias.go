package store

import (
	"context"
	"fmt"

	"github.com/meridianhq/meridian/internal/domain"
)

type AliasStore struct {
	db Querier
}

func (s *AliasStore) GetByText(ctx context.Context, text string, userID string) ([]domain.EntityAlias, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, alias, entity_id, source, user_id, confidence, use_count, metadata, created_at
		 FROM app.entity_aliases
		 WHERE LOWER(alias) = LOWER($1) AND (user_id = $2 OR user_id IS NULL)
		 ORDER BY (user_id IS NOT NULL) DESC, confidence DESC`,
		text, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("get aliases: %w", err)
	}
	defer rows.Close()

	var aliases []domain.EntityAlias
	for rows.Next() {
		var a domain.EntityAlias
		if err := rows.Scan(&a.ID, &a.Alias, &a.EntityID, &a.Source, &a.UserID, &a.Confidence, &a.UseCount, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

func (s *AliasStore) Upsert(ctx context.Context, a *domain.EntityAlias) error {
	if a.Alias == "" || a.EntityID == "" {
		return fmt.Errorf("%w: alias and entity_id are required", ErrValidation)
	}
	if !domain.ValidAliasSource(string(a.Source)) {
		return fmt.Errorf("%w: invalid alias source %q", ErrValidation, a.Source)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("%w: alias confidence %f out of range", ErrValidation, a.Confidence)
	}
	if a.UseCount == 0 {
		a.UseCount = 1
	}

	// user_id participates in the unique key; NULLs never collide in a
	// plain unique index, so the index is on (alias, COALESCE(user_id,''),
	// entity_id) and the upsert mirrors that expression.
	return s.db.QueryRow(ctx,
		`INSERT INTO app.entity_aliases (alias, entity_id, source, user_id, confidence, use_count, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (alias, COALESCE(user_id, ''), entity_id) DO UPDATE
		 SET use_count  = app.entity_aliases.use_count + 1,
		     confidence = GREATEST(app.entity_aliases.confidence, EXCLUDED.confidence)
		 RETURNING id, use_count, confidence, created_at`,
		a.Alias, a.EntityID, a.Source, a.UserID, a.Confidence, a.UseCount, a.Metadata,
	).Scan(&a.ID, &a.UseCount, &a.Confidence, &a.CreatedAt)
}

func (s *AliasStore) IncrementUse(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE app.entity_aliases SET use_count = use_count + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchFuzzy uses the pg_trgm similarity operator over alias text and
// canonical names so freshly created entities without aliases still match.
func (s *AliasStore) SearchFuzzy(ctx context.Context, text string, threshold float64, limit int) ([]domain.FuzzyAliasMatch, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(ctx,
		`SELECT alias, entity_id, sim FROM (
			SELECT alias, entity_id, similarity(alias, $1) AS sim
			FROM app.entity_aliases
			UNION ALL
			SELECT canonical_name AS alias, id AS entity_id, similarity(canonical_name, $1) AS sim
			FROM app.entities
		 ) matches
		 WHERE sim >= $2
		 ORDER BY sim DESC
		 LIMIT $3`,
		text, threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fuzzy alias search: %w", err)
	}
	defer rows.Close()

	var matches []domain.FuzzyAliasMatch
	seen := make(map[string]bool)
	for rows.Next() {
		var m domain.FuzzyAliasMatch
		if err := rows.Scan(&m.Alias, &m.EntityID, &m.Similarity); err != nil {
			return nil, err
		}
		// Keep the best row per entity.
		if seen[m.EntityID] {
			continue
		}
		seen[m.EntityID] = true
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
