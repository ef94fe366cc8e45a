package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/domain"
)

func acmeEntity() *domain.CanonicalEntity {
	return &domain.CanonicalEntity{
		ID:            "customer:acme_1",
		EntityType:    domain.EntityCustomer,
		CanonicalName: "Acme Corporation",
	}
}

func newTestResolver(entities *fakeEntityStore, aliases *fakeAliasStore, domainDB *fakeDomainStore, completer *fakeCompleter) *Resolver {
	if domainDB == nil {
		domainDB = &fakeDomainStore{}
	}
	if completer == nil {
		completer = &fakeCompleter{}
	}
	return NewResolver(entities, aliases, domainDB, completer, zap.NewNop())
}

func TestResolveExactMatch(t *testing.T) {
	r := newTestResolver(newFakeEntityStore(acmeEntity()), newFakeAliasStore(), nil, nil)

	got, err := r.Resolve(context.Background(), config.Defaults(),
		domain.Mention{Text: "Acme Corporation"}, domain.ConversationContext{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "customer:acme_1", got.EntityID)
	assert.Equal(t, domain.ResolveExact, got.Method)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestResolveAliasMatch(t *testing.T) {
	aliases := newFakeAliasStore()
	aliases.byText["acme"] = []domain.EntityAlias{
		{ID: 11, Alias: "Acme", EntityID: "customer:acme_1", Source: domain.AliasUserStated, Confidence: 0.95},
	}
	r := newTestResolver(newFakeEntityStore(acmeEntity()), aliases, nil, nil)

	got, err := r.Resolve(context.Background(), config.Defaults(),
		domain.Mention{Text: "Acme"}, domain.ConversationContext{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "customer:acme_1", got.EntityID)
	assert.Equal(t, domain.ResolveAlias, got.Method)
	assert.Equal(t, []int64{11}, aliases.used)
}

func TestResolveAliasBelowThresholdFallsThrough(t *testing.T) {
	aliases := newFakeAliasStore()
	aliases.byText["acme"] = []domain.EntityAlias{
		{ID: 11, Alias: "Acme", EntityID: "customer:acme_1", Source: domain.AliasFuzzy, Confidence: 0.6},
	}
	r := newTestResolver(newFakeEntityStore(acmeEntity()), aliases, nil, nil)

	got, err := r.Resolve(context.Background(), config.Defaults(),
		domain.Mention{Text: "Acme"}, domain.ConversationContext{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, got.Resolved())
}

func TestResolveAliasAtThresholdFallsThrough(t *testing.T) {
	// Acceptance requires strictly more than the threshold.
	aliases := newFakeAliasStore()
	aliases.byText["acme"] = []domain.EntityAlias{
		{ID: 11, Alias: "Acme", EntityID: "customer:acme_1", Source: domain.AliasFuzzy, Confidence: 0.85},
	}
	r := newTestResolver(newFakeEntityStore(acmeEntity()), aliases, nil, nil)

	got, err := r.Resolve(context.Background(), config.Defaults(),
		domain.Mention{Text: "Acme"}, domain.ConversationContext{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, got.Resolved())
	assert.Empty(t, aliases.used)
}

func TestResolveFuzzyClearWinnerLearnsAlias(t *testing.T) {
	aliases := newFakeAliasStore()
	aliases.fuzzy = []domain.FuzzyAliasMatch{
		{Alias: "Acme Corporation", EntityID: "customer:acme_1", Similarity: 0.91},
	}
	r := newTestResolver(newFakeEntityStore(acmeEntity()), aliases, nil, nil)

	got, err := r.Resolve(context.Background(), config.Defaults(),
		domain.Mention{Text: "Acme Corportion"}, domain.ConversationContext{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "customer:acme_1", got.EntityID)
	assert.Equal(t, domain.ResolveFuzzy, got.Method)
	assert.Equal(t, 0.91, got.Confidence)
	require.Len(t, aliases.upserts, 1)
	assert.Equal(t, "Acme Corportion", aliases.upserts[0].Alias)
	assert.Equal(t, domain.AliasFuzzy, aliases.upserts[0].Source)
}

func TestResolveFuzzyGappedWinnerBelowAutoAccept(t *testing.T) {
	// 0.80 misses the auto-accept bar, but its lead over the runner-up,
	// which falls below the search threshold entirely, is decisive.
	entities := newFakeEntityStore(acmeEntity(), &domain.CanonicalEntity{
		ID:            "customer:acme_freight_2",
		EntityType:    domain.EntityCustomer,
		CanonicalName: "Acme Freight",
	})
	aliases := newFakeAliasStore()
	aliases.fuzzy = []domain.FuzzyAliasMatch{
		{Alias: "Acme Corporation", EntityID: "customer:acme_1", Similarity: 0.80},
		{Alias: "Acme Freight", EntityID: "customer:acme_freight_2", Similarity: 0.55},
	}
	r := newTestResolver(entities, aliases, nil, nil)

	got, err := r.Resolve(context.Background(), config.Defaults(),
		domain.Mention{Text: "Acme Corp"}, domain.ConversationContext{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "customer:acme_1", got.EntityID)
	assert.Equal(t, domain.ResolveFuzzy, got.Method)
	assert.Equal(t, 0.80, got.Confidence)
	require.Len(t, aliases.upserts, 1)
	assert.Equal(t, domain.AliasFuzzy, aliases.upserts[0].Source)
}

func TestResolveFuzzyCloseCallAsksUser(t *testing.T) {
	entities := newFakeEntityStore(acmeEntity(), &domain.CanonicalEntity{
		ID:            "customer:acme_freight_2",
		EntityType:    domain.EntityCustomer,
		CanonicalName: "Acme Freight",
	})
	aliases := newFakeAliasStore()
	aliases.fuzzy = []domain.FuzzyAliasMatch{
		{Alias: "Acme Corporation", EntityID: "customer:acme_1", Similarity: 0.88},
		{Alias: "Acme Freight", EntityID: "customer:acme_freight_2", Similarity: 0.86},
	}
	r := newTestResolver(entities, aliases, nil, nil)

	got, err := r.Resolve(context.Background(), config.Defaults(),
		domain.Mention{Text: "Acme"}, domain.ConversationContext{UserID: "u1"})
	require.NoError(t, err)

	assert.True(t, got.NeedsDisambiguation)
	require.Len(t, got.Candidates, 2)
	assert.Equal(t, "Acme Corporation", got.Candidates[0].CanonicalName)
	assert.Empty(t, aliases.upserts)
}

func TestResolveFuzzySingleWeakMatchFallsThrough(t *testing.T) {
	aliases := newFakeAliasStore()
	aliases.fuzzy = []domain.FuzzyAliasMatch{
		{Alias: "Acme Corporation", EntityID: "customer:acme_1", Similarity: 0.72},
	}
	r := newTestResolver(newFakeEntityStore(acmeEntity()), aliases, nil, nil)

	got, err := r.Resolve(context.Background(), config.Defaults(),
		domain.Mention{Text: "Abc"}, domain.ConversationContext{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, got.Resolved())
	assert.False(t, got.NeedsDisambiguation)
}

func TestResolveCoreferenceMarker(t *testing.T) {
	completer := &fakeCompleter{answers: map[string]string{
		"coreference resolver": `{"entity_id": "customer:acme_1", "confidence": 0.85, "reasoning": "most recent customer"}`,
	}}
	r := newTestResolver(newFakeEntityStore(acmeEntity()), newFakeAliasStore(), nil, completer)

	cc := domain.ConversationContext{UserID: "u1", RecentEntities: []domain.CanonicalEntity{*acmeEntity()}}
	got, err := r.Resolve(context.Background(), config.Defaults(),
		domain.Mention{Text: "the customer", IsCoreferenceCandidate: true}, cc)
	require.NoError(t, err)

	assert.Equal(t, "customer:acme_1", got.EntityID)
	assert.Equal(t, domain.ResolveCoreference, got.Method)
	assert.Equal(t, "most recent customer", got.Reasoning)
}

func TestResolveCoreferenceMarkerNeverLearnsAlias(t *testing.T) {
	completer := &fakeCompleter{answers: map[string]string{
		"coreference resolver": `{"entity_id": "customer:acme_1", "confidence": 0.9}`,
	}}
	aliases := newFakeAliasStore()
	r := newTestResolver(newFakeEntityStore(acmeEntity()), aliases, nil, completer)

	cc := domain.ConversationContext{UserID: "u1", RecentEntities: []domain.CanonicalEntity{*acmeEntity()}}
	_, err := r.Resolve(context.Background(), config.Defaults(),
		domain.Mention{Text: "it", IsCoreferenceCandidate: true}, cc)
	require.NoError(t, err)
	assert.Empty(t, aliases.upserts)
}

func TestResolveCoreferenceRejectsOutsideCandidateSet(t *testing.T) {
	completer := &fakeCompleter{answers: map[string]string{
		"coreference resolver": `{"entity_id": "customer:other_9", "confidence": 0.95}`,
	}}
	r := newTestResolver(newFakeEntityStore(acmeEntity()), newFakeAliasStore(), nil, completer)

	cc := domain.ConversationContext{UserID: "u1", RecentEntities: []domain.CanonicalEntity{*acmeEntity()}}
	got, err := r.Resolve(context.Background(), config.Defaults(),
		domain.Mention{Text: "it", IsCoreferenceCandidate: true}, cc)
	require.NoError(t, err)
	assert.False(t, got.Resolved())
}

func TestResolveNamedMentionViaCoreference(t *testing.T) {
	// "Kai" after "Kai & Co": no lexical match, but the recency window
	// plus the completer pins it, and the surface form becomes an alias.
	completer := &fakeCompleter{answers: map[string]string{
		"coreference resolver": `{"entity_id": "customer:kai_co_3", "confidence": 0.8}`,
	}}
	kai := &domain.CanonicalEntity{ID: "customer:kai_co_3", EntityType: domain.EntityCustomer, CanonicalName: "Kai & Co"}
	aliases := newFakeAliasStore()
	r := newTestResolver(newFakeEntityStore(kai), aliases, nil, completer)

	cc := domain.ConversationContext{UserID: "u1", RecentEntities: []domain.CanonicalEntity{*kai}}
	got, err := r.Resolve(context.Background(), config.Defaults(), domain.Mention{Text: "Kai"}, cc)
	require.NoError(t, err)

	assert.Equal(t, "customer:kai_co_3", got.EntityID)
	assert.Equal(t, domain.ResolveCoreference, got.Method)
	require.Len(t, aliases.upserts, 1)
	assert.Equal(t, domain.AliasCoreference, aliases.upserts[0].Source)
}

func TestResolveDomainDBMaterializes(t *testing.T) {
	domainDB := &fakeDomainStore{searchRows: []domain.DomainRow{
		{"__table": "domain.invoices", "id": int64(9), "invoice_number": "INV-1009"},
	}}
	entities := newFakeEntityStore()
	aliases := newFakeAliasStore()
	r := newTestResolver(entities, aliases, domainDB, nil)
	cfg := config.Defaults()

	got, err := r.Resolve(context.Background(), cfg,
		domain.Mention{Text: "INV-1009"}, domain.ConversationContext{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "invoice:inv_1009_9", got.EntityID)
	assert.Equal(t, "INV-1009", got.CanonicalName)
	assert.Equal(t, domain.EntityInvoice, got.EntityType)
	assert.Equal(t, cfg.DomainMatchConfidence, got.Confidence)
	assert.Equal(t, domain.ResolveDomainDB, got.Method)

	require.Len(t, entities.created, 1)
	require.NotNil(t, entities.created[0].ExternalRef)
	assert.Equal(t, "domain.invoices", entities.created[0].ExternalRef.SourceTable)
	assert.Equal(t, "9", entities.created[0].ExternalRef.SourceID)
	require.Len(t, aliases.upserts, 1)
	assert.Equal(t, domain.AliasDomainDB, aliases.upserts[0].Source)
}

func TestResolveDomainDBReusesMaterializedEntity(t *testing.T) {
	ref := domain.ExternalRef{SourceTable: "domain.invoices", SourceID: "9"}
	existing := &domain.CanonicalEntity{
		ID:            "invoice:inv_1009_9",
		EntityType:    domain.EntityInvoice,
		CanonicalName: "INV-1009",
		ExternalRef:   &ref,
	}
	domainDB := &fakeDomainStore{searchRows: []domain.DomainRow{
		{"__table": "domain.invoices", "id": int64(9), "invoice_number": "INV-1009"},
	}}
	entities := newFakeEntityStore(existing)
	r := newTestResolver(entities, newFakeAliasStore(), domainDB, nil)

	got, err := r.Resolve(context.Background(), config.Defaults(),
		domain.Mention{Text: "INV-1009"}, domain.ConversationContext{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "invoice:inv_1009_9", got.EntityID)
	assert.Empty(t, entities.created)
}

func TestResolveDomainDBMultipleRowsAskUser(t *testing.T) {
	domainDB := &fakeDomainStore{searchRows: []domain.DomainRow{
		{"__table": "domain.customers", "id": int64(1), "name": "Acme Corporation"},
		{"__table": "domain.customers", "id": int64(2), "name": "Acme Freight"},
	}}
	r := newTestResolver(newFakeEntityStore(), newFakeAliasStore(), domainDB, nil)

	got, err := r.Resolve(context.Background(), config.Defaults(),
		domain.Mention{Text: "Acme"}, domain.ConversationContext{UserID: "u1"})
	require.NoError(t, err)

	assert.True(t, got.NeedsDisambiguation)
	require.Len(t, got.Candidates, 2)
	assert.Equal(t, "customer:acme_corporation_1", got.Candidates[0].EntityID)
}

func TestResolveUnknownMentionStaysUnresolved(t *testing.T) {
	r := newTestResolver(newFakeEntityStore(), newFakeAliasStore(), nil, nil)

	got, err := r.Resolve(context.Background(), config.Defaults(),
		domain.Mention{Text: "Zephyr"}, domain.ConversationContext{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, got.Resolved())
	assert.Equal(t, domain.ResolveNone, got.Method)
}

func TestLearnSelection(t *testing.T) {
	aliases := newFakeAliasStore()
	r := newTestResolver(newFakeEntityStore(acmeEntity()), aliases, nil, nil)
	cfg := config.Defaults()

	got, err := r.LearnSelection(context.Background(), cfg, "Acme", "customer:acme_1", "u1")
	require.NoError(t, err)

	assert.Equal(t, "customer:acme_1", got.EntityID)
	assert.Equal(t, cfg.MaxConfidence, got.Confidence)
	require.Len(t, aliases.upserts, 1)
	assert.Equal(t, domain.AliasUserStated, aliases.upserts[0].Source)
	assert.Equal(t, cfg.MaxConfidence, aliases.upserts[0].Confidence)
	require.NotNil(t, aliases.upserts[0].UserID)
	assert.Equal(t, "u1", *aliases.upserts[0].UserID)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "acme_corporation", slugify("Acme Corporation"))
	assert.Equal(t, "kai_co", slugify("Kai & Co"))
	assert.Equal(t, "inv_1009", slugify("INV-1009"))
}

func TestInferEntityType(t *testing.T) {
	assert.Equal(t, domain.EntityInvoice, inferEntityType("INV-1009"))
	assert.Equal(t, domain.EntityOrder, inferEntityType("so-55"))
	assert.Equal(t, domain.EntityWorkOrder, inferEntityType("WO-3"))
	assert.Equal(t, domain.EntityType(""), inferEntityType("Acme"))
}
