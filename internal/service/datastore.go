package service

import (
	"context"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/store"
)

// Datastore is the persistence surface the orchestrator works against,
// expressed over the domain interfaces so turn logic can run against the
// pgx bundle or an in-memory double.
type Datastore interface {
	ChatEvents() domain.ChatEventStore
	Entities() domain.EntityStore
	Semantic() domain.SemanticStore
	Episodic() domain.EpisodicStore
	Conflicts() domain.ConflictStore
	Config() config.SettingsSource
	// InTx runs fn against a transaction-bound view of the same surface.
	InTx(ctx context.Context, fn func(tx Datastore) error) error
}

type storeData struct {
	s *store.Stores
}

// NewDatastore adapts the pgx store bundle to the orchestrator surface.
func NewDatastore(s *store.Stores) Datastore { return &storeData{s: s} }

func (d *storeData) ChatEvents() domain.ChatEventStore { return d.s.ChatEvents }
func (d *storeData) Entities() domain.EntityStore      { return d.s.Entities }
func (d *storeData) Semantic() domain.SemanticStore    { return d.s.Semantic }
func (d *storeData) Episodic() domain.EpisodicStore    { return d.s.Episodic }
func (d *storeData) Conflicts() domain.ConflictStore   { return d.s.Conflicts }
func (d *storeData) Config() config.SettingsSource     { return d.s.Config }

func (d *storeData) InTx(ctx context.Context, fn func(tx Datastore) error) error {
	return d.s.WithTx(ctx, func(tx *store.Stores) error {
		return fn(&storeData{s: tx})
	})
}
