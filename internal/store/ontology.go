package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meridianhq/meridian/internal/domain"
)

type OntologyStore struct {
	db Querier
}

// EdgesFrom reads the outbound edges for one entity type in a single
// query; traversal then runs on the returned snapshot.
func (s *OntologyStore) EdgesFrom(ctx context.Context, fromType domain.EntityType) ([]domain.OntologyEdge, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, from_type, relation_type, to_type, cardinality, semantics, join_spec, constraints
		 FROM app.domain_ontology
		 WHERE from_type = $1
		 ORDER BY id`,
		fromType,
	)
	if err != nil {
		return nil, fmt.Errorf("ontology edges: %w", err)
	}
	defer rows.Close()

	var edges []domain.OntologyEdge
	for rows.Next() {
		var e domain.OntologyEdge
		var joinJSON []byte
		if err := rows.Scan(&e.ID, &e.FromType, &e.Relation, &e.ToType, &e.Cardinality, &e.Semantics, &joinJSON, &e.Constraints); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(joinJSON, &e.Join); err != nil {
			return nil, fmt.Errorf("decode join spec: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
