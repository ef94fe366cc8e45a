package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/store"
)

// Hand-rolled in-memory doubles for the store and client interfaces.
// Each test configures only the fields it needs.

type fakeEntityStore struct {
	mu       sync.Mutex
	byID     map[string]*domain.CanonicalEntity
	created  []*domain.CanonicalEntity
	nextTime time.Time
}

func newFakeEntityStore(entities ...*domain.CanonicalEntity) *fakeEntityStore {
	s := &fakeEntityStore{byID: make(map[string]*domain.CanonicalEntity)}
	for _, e := range entities {
		s.byID[e.ID] = e
	}
	return s
}

func (s *fakeEntityStore) Create(_ context.Context, e *domain.CanonicalEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.CanonicalName == e.CanonicalName {
			return store.ErrConflict
		}
	}
	e.CreatedAt = s.nextTime
	s.byID[e.ID] = e
	s.created = append(s.created, e)
	return nil
}

func (s *fakeEntityStore) GetByID(_ context.Context, id string) (*domain.CanonicalEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[id]; ok {
		return e, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeEntityStore) GetByCanonicalName(_ context.Context, name string) (*domain.CanonicalEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.byID {
		if strings.EqualFold(e.CanonicalName, name) {
			return e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeEntityStore) GetByExternalRef(_ context.Context, ref domain.ExternalRef) (*domain.CanonicalEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.byID {
		if e.ExternalRef != nil && *e.ExternalRef == ref {
			return e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeEntityStore) UpdateProperties(_ context.Context, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	for k, v := range patch {
		e.Properties[k] = v
	}
	return nil
}

func (s *fakeEntityStore) GetByIDs(_ context.Context, ids []string) ([]domain.CanonicalEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CanonicalEntity
	for _, id := range ids {
		if e, ok := s.byID[id]; ok {
			out = append(out, *e)
		}
	}
	return out, nil
}

type fakeAliasStore struct {
	mu      sync.Mutex
	byText  map[string][]domain.EntityAlias
	fuzzy   []domain.FuzzyAliasMatch
	upserts []domain.EntityAlias
	used    []int64
}

func newFakeAliasStore() *fakeAliasStore {
	return &fakeAliasStore{byText: make(map[string][]domain.EntityAlias)}
}

func (s *fakeAliasStore) GetByText(_ context.Context, text, _ string) ([]domain.EntityAlias, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byText[strings.ToLower(text)], nil
}

func (s *fakeAliasStore) Upsert(_ context.Context, a *domain.EntityAlias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, *a)
	return nil
}

func (s *fakeAliasStore) IncrementUse(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = append(s.used, id)
	return nil
}

func (s *fakeAliasStore) SearchFuzzy(_ context.Context, _ string, threshold float64, limit int) ([]domain.FuzzyAliasMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FuzzyAliasMatch
	for _, m := range s.fuzzy {
		if m.Similarity >= threshold {
			out = append(out, m)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeSemanticStore struct {
	mu         sync.Mutex
	nextID     int64
	actives    []domain.SemanticMemory
	superseded []domain.SemanticMemory
	created    []*domain.SemanticMemory
	reinforced map[int64]float64
	statuses   map[int64]domain.MemoryStatus
	supersede  map[int64]int64 // old -> new
	candidates []domain.SemanticCandidate
}

func newFakeSemanticStore() *fakeSemanticStore {
	return &fakeSemanticStore{
		nextID:     100,
		reinforced: make(map[int64]float64),
		statuses:   make(map[int64]domain.MemoryStatus),
		supersede:  make(map[int64]int64),
	}
}

func (s *fakeSemanticStore) Create(_ context.Context, m *domain.SemanticMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	if m.Status == "" {
		m.Status = domain.StatusActive
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.LastValidatedAt = &now
	s.created = append(s.created, m)
	return nil
}

func (s *fakeSemanticStore) GetByID(_ context.Context, id int64) (*domain.SemanticMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.actives {
		if s.actives[i].ID == id {
			m := s.actives[i]
			return &m, nil
		}
	}
	for _, m := range s.created {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeSemanticStore) ListActive(_ context.Context, q domain.SemanticQuery) ([]domain.SemanticMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SemanticMemory
	for _, m := range s.actives {
		if m.UserID == q.UserID && m.Predicate == q.Predicate && sameSubject(m.SubjectEntityID, q.SubjectID) &&
			s.statuses[m.ID] == "" && s.supersede[m.ID] == 0 {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeSemanticStore) ListSuperseded(_ context.Context, q domain.SemanticQuery, _ int) ([]domain.SemanticMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SemanticMemory
	for _, m := range s.superseded {
		if m.UserID == q.UserID && m.Predicate == q.Predicate && sameSubject(m.SubjectEntityID, q.SubjectID) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeSemanticStore) MarkSuperseded(_ context.Context, oldID, newID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supersede[oldID] = newID
	return nil
}

func (s *fakeSemanticStore) SetStatus(_ context.Context, id int64, status domain.MemoryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func (s *fakeSemanticStore) Reinforce(_ context.Context, id int64, confidence float64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reinforced[id] = confidence
	return nil
}

func (s *fakeSemanticStore) Candidates(_ context.Context, _ string, _ []float32, _ domain.CandidateFilters, _ int) ([]domain.SemanticCandidate, error) {
	return s.candidates, nil
}

func sameSubject(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type fakeConflictStore struct {
	mu       sync.Mutex
	nextID   int64
	recorded []domain.MemoryConflict
}

func (s *fakeConflictStore) Record(_ context.Context, c *domain.MemoryConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c.ID = s.nextID
	c.CreatedAt = time.Now().UTC()
	s.recorded = append(s.recorded, *c)
	return nil
}

func (s *fakeConflictStore) Resolve(_ context.Context, id int64, strategy domain.ResolutionStrategy, outcome map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.recorded {
		if s.recorded[i].ID == id {
			now := time.Now().UTC()
			s.recorded[i].Strategy = strategy
			s.recorded[i].Outcome = outcome
			s.recorded[i].ResolvedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *fakeConflictStore) ListSince(_ context.Context, since time.Time, _ int) ([]domain.MemoryConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MemoryConflict
	for _, c := range s.recorded {
		if !c.CreatedAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeDomainStore struct {
	queryRows  map[string][]domain.DomainRow // keyed by table
	joinRows   map[string][]domain.DomainRow // keyed by to-table
	searchRows []domain.DomainRow
	joins      []domain.JoinSpec
}

func (s *fakeDomainStore) Query(_ context.Context, table string, _ map[string]any, _ []string, _ int) ([]domain.DomainRow, error) {
	return s.queryRows[table], nil
}

func (s *fakeDomainStore) Join(_ context.Context, spec domain.JoinSpec, _ []domain.DomainRow, _ []string, _ int) ([]domain.DomainRow, error) {
	s.joins = append(s.joins, spec)
	return s.joinRows[spec.ToTable], nil
}

func (s *fakeDomainStore) SearchText(_ context.Context, _ []string, _ string, _ int) ([]domain.DomainRow, error) {
	return s.searchRows, nil
}

type fakeOntologyStore struct {
	edges map[domain.EntityType][]domain.OntologyEdge
}

func (s *fakeOntologyStore) EdgesFrom(_ context.Context, fromType domain.EntityType) ([]domain.OntologyEdge, error) {
	return s.edges[fromType], nil
}

type fakeEpisodicStore struct {
	mu         sync.Mutex
	created    []*domain.EpisodicMemory
	candidates []domain.EpisodicCandidate
}

func (s *fakeEpisodicStore) Create(_ context.Context, m *domain.EpisodicMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = int64(len(s.created) + 1)
	s.created = append(s.created, m)
	return nil
}

func (s *fakeEpisodicStore) Candidates(_ context.Context, _ string, _ []float32, _ domain.CandidateFilters, _ int) ([]domain.EpisodicCandidate, error) {
	return s.candidates, nil
}

type fakeProceduralStore struct {
	candidates []domain.ProceduralCandidate
}

func (s *fakeProceduralStore) Create(_ context.Context, m *domain.ProceduralMemory) error {
	m.ID = 1
	return nil
}

func (s *fakeProceduralStore) Observe(_ context.Context, _ int64, _ float64) error { return nil }

func (s *fakeProceduralStore) Candidates(_ context.Context, _ string, _ []float32, _ int) ([]domain.ProceduralCandidate, error) {
	return s.candidates, nil
}

type fakeSummaryStore struct {
	candidates []domain.SummaryCandidate
}

func (s *fakeSummaryStore) Create(_ context.Context, m *domain.MemorySummary) error {
	m.ID = 1
	return nil
}

func (s *fakeSummaryStore) Candidates(_ context.Context, _ string, _ []float32, _ int) ([]domain.SummaryCandidate, error) {
	return s.candidates, nil
}

type fakeChatEventStore struct {
	mu     sync.Mutex
	nextID int64
	events []domain.ChatEvent
}

func (s *fakeChatEventStore) Append(_ context.Context, ev *domain.ChatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ContentHash == "" {
		ev.ContentHash = domain.HashContent(ev.Content)
	}
	for _, existing := range s.events {
		if existing.SessionID == ev.SessionID && existing.ContentHash == ev.ContentHash {
			ev.ID = existing.ID
			ev.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	s.nextID++
	ev.ID = s.nextID
	ev.CreatedAt = time.Now().UTC()
	s.events = append(s.events, *ev)
	return nil
}

func (s *fakeChatEventStore) GetByID(_ context.Context, id int64) (*domain.ChatEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			ev := s.events[i]
			return &ev, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeChatEventStore) Recent(_ context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChatEvent
	for _, ev := range s.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// fakeCompleter returns canned completions chosen by prompt content.
type fakeCompleter struct {
	mu      sync.Mutex
	answers map[string]string // prompt substring -> response text
	fail    error
	prompts []string
	opts    []domain.CompleteOpts
}

func (c *fakeCompleter) Complete(_ context.Context, prompt string, opts domain.CompleteOpts) (*domain.Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	c.opts = append(c.opts, opts)
	if c.fail != nil {
		return nil, c.fail
	}
	for marker, text := range c.answers {
		if strings.Contains(prompt, marker) {
			return &domain.Completion{Text: text}, nil
		}
	}
	return &domain.Completion{Text: "ok"}, nil
}

// fakeEmbedder produces constant small vectors.
type fakeEmbedder struct {
	dim  int
	fail error
}

func (e *fakeEmbedder) vectorFor() []float32 {
	dim := e.dim
	if dim == 0 {
		dim = 4
	}
	v := make([]float32, dim)
	v[0] = 1
	return v
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.fail != nil {
		return nil, e.fail
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vectorFor()
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedOne(_ context.Context, _ string) ([]float32, error) {
	if e.fail != nil {
		return nil, e.fail
	}
	return e.vectorFor(), nil
}

func (e *fakeEmbedder) Dimension() int {
	if e.dim == 0 {
		return 4
	}
	return e.dim
}

// fakeData wires the doubles into the orchestrator surface. InTx runs the
// callback against the same stores; atomicity is not simulated.
type fakeData struct {
	chatEvents *fakeChatEventStore
	entities   *fakeEntityStore
	semantic   *fakeSemanticStore
	episodic   *fakeEpisodicStore
	conflicts  *fakeConflictStore
}

func newFakeData() *fakeData {
	return &fakeData{
		chatEvents: &fakeChatEventStore{},
		entities:   newFakeEntityStore(),
		semantic:   newFakeSemanticStore(),
		episodic:   &fakeEpisodicStore{},
		conflicts:  &fakeConflictStore{},
	}
}

func (d *fakeData) ChatEvents() domain.ChatEventStore { return d.chatEvents }
func (d *fakeData) Entities() domain.EntityStore      { return d.entities }
func (d *fakeData) Semantic() domain.SemanticStore    { return d.semantic }
func (d *fakeData) Episodic() domain.EpisodicStore    { return d.episodic }
func (d *fakeData) Conflicts() domain.ConflictStore   { return d.conflicts }
func (d *fakeData) Config() config.SettingsSource     { return nil }

func (d *fakeData) InTx(ctx context.Context, fn func(tx Datastore) error) error {
	return fn(d)
}
