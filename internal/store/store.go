package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so every
// store method works identically inside and outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Stores bundles every store over one Querier. The zero-value pool variant
// runs each call in autocommit; WithTx rebinds the bundle to a transaction.
type Stores struct {
	ChatEvents *ChatEventStore
	Entities   *EntityStore
	Aliases    *AliasStore
	Semantic   *SemanticStore
	Episodic   *EpisodicStore
	Procedural *ProceduralStore
	Summaries  *SummaryStore
	Conflicts  *ConflictStore
	Ontology   *OntologyStore
	Domain     *DomainStore
	Config     *ConfigStore

	pool *pgxpool.Pool
}

// New builds the store bundle. dim is the configured vector dimension; all
// writes carrying an embedding are validated against it.
func New(pool *pgxpool.Pool, dim int) *Stores {
	return bind(pool, pool, dim)
}

func bind(db Querier, pool *pgxpool.Pool, dim int) *Stores {
	return &Stores{
		ChatEvents: &ChatEventStore{db: db},
		Entities:   &EntityStore{db: db},
		Aliases:    &AliasStore{db: db},
		Semantic:   &SemanticStore{db: db, dim: dim},
		Episodic:   &EpisodicStore{db: db, dim: dim},
		Procedural: &ProceduralStore{db: db, dim: dim},
		Summaries:  &SummaryStore{db: db, dim: dim},
		Conflicts:  &ConflictStore{db: db},
		Ontology:   &OntologyStore{db: db},
		Domain:     &DomainStore{db: db},
		Config:     &ConfigStore{db: db},
		pool:       pool,
	}
}

// WithTx runs fn with a bundle bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *Stores) WithTx(ctx context.Context, fn func(tx *Stores) error) error {
	if s.pool == nil {
		// Already inside a transaction; reuse it.
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	bound := bind(tx, nil, s.Semantic.dim)
	if err := fn(bound); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Ping verifies database connectivity for health checks.
func (s *Stores) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// isUniqueViolation reports a Postgres 23505 error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
