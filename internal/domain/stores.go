package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ChatEventStore interface {
	// Append inserts the event, or returns the existing row id when
	// (session_id, content_hash) already exists. Idempotent.
	Append(ctx context.Context, ev *ChatEvent) error
	GetByID(ctx context.Context, id int64) (*ChatEvent, error)
	// Recent returns the newest events for a session, newest last.
	Recent(ctx context.Context, sessionID uuid.UUID, limit int) ([]ChatEvent, error)
}

type EntityStore interface {
	Create(ctx context.Context, e *CanonicalEntity) error
	GetByID(ctx context.Context, id string) (*CanonicalEntity, error)
	GetByCanonicalName(ctx context.Context, name string) (*CanonicalEntity, error)
	GetByExternalRef(ctx context.Context, ref ExternalRef) (*CanonicalEntity, error)
	UpdateProperties(ctx context.Context, id string, patch map[string]any) error
	GetByIDs(ctx context.Context, ids []string) ([]CanonicalEntity, error)
}

type AliasStore interface {
	// GetByText returns aliases matching text for the user, user-specific
	// rows first, then by confidence descending. Global rows (nil user)
	// are always included.
	GetByText(ctx context.Context, text string, userID string) ([]EntityAlias, error)
	// Upsert inserts the alias or, on (alias, user_id, entity_id)
	// conflict, increments use_count and raises confidence to the max of
	// old and new.
	Upsert(ctx context.Context, a *EntityAlias) error
	IncrementUse(ctx context.Context, id int64) error
	// SearchFuzzy runs a trigram similarity search over alias text and
	// canonical names, returning matches with similarity >= threshold.
	SearchFuzzy(ctx context.Context, text string, threshold float64, limit int) ([]FuzzyAliasMatch, error)
}

// SemanticQuery identifies the fact slot conflict detection operates on.
type SemanticQuery struct {
	UserID    string
	SubjectID *string
	Predicate string
}

type SemanticStore interface {
	Create(ctx context.Context, m *SemanticMemory) error
	GetByID(ctx context.Context, id int64) (*SemanticMemory, error)
	// ListActive returns rows with status=active for the given slot,
	// locking them for update inside a transaction.
	ListActive(ctx context.Context, q SemanticQuery) ([]SemanticMemory, error)
	// ListSuperseded returns recently superseded rows for the slot,
	// newest first.
	ListSuperseded(ctx context.Context, q SemanticQuery, limit int) ([]SemanticMemory, error)
	MarkSuperseded(ctx context.Context, oldID, newID int64) error
	SetStatus(ctx context.Context, id int64, status MemoryStatus) error
	Reinforce(ctx context.Context, id int64, confidence float64, validatedAt time.Time) error
	Candidates(ctx context.Context, userID string, queryVec []float32, filters CandidateFilters, overFetch int) ([]SemanticCandidate, error)
}

type EpisodicStore interface {
	Create(ctx context.Context, m *EpisodicMemory) error
	Candidates(ctx context.Context, userID string, queryVec []float32, filters CandidateFilters, overFetch int) ([]EpisodicCandidate, error)
}

type ProceduralStore interface {
	Create(ctx context.Context, m *ProceduralMemory) error
	Observe(ctx context.Context, id int64, confidence float64) error
	Candidates(ctx context.Context, userID string, queryVec []float32, overFetch int) ([]ProceduralCandidate, error)
}

type SummaryStore interface {
	Create(ctx context.Context, s *MemorySummary) error
	Candidates(ctx context.Context, userID string, queryVec []float32, overFetch int) ([]SummaryCandidate, error)
}

type ConflictStore interface {
	Record(ctx context.Context, c *MemoryConflict) error
	Resolve(ctx context.Context, id int64, strategy ResolutionStrategy, outcome map[string]any) error
	ListSince(ctx context.Context, since time.Time, limit int) ([]MemoryConflict, error)
}

type OntologyStore interface {
	EdgesFrom(ctx context.Context, fromType EntityType) ([]OntologyEdge, error)
}

// DomainRow is one projected row from the authoritative business schema.
type DomainRow map[string]any

// DomainStore reads the external "domain" namespace. Implementations must
// refuse free-form query text: tables, columns and filters are validated
// against a whitelist and bound as parameters.
type DomainStore interface {
	Query(ctx context.Context, table string, filter map[string]any, columns []string, limit int) ([]DomainRow, error)
	Join(ctx context.Context, spec JoinSpec, parentRows []DomainRow, columns []string, limit int) ([]DomainRow, error)
	// SearchText runs a case-insensitive contains search over the name
	// columns of the given tables, for lazy entity resolution.
	SearchText(ctx context.Context, tables []string, text string, limit int) ([]DomainRow, error)
}

type ConfigStore interface {
	// Get returns the raw JSON value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	All(ctx context.Context) (map[string][]byte, error)
}
