package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/domain"
)

func strPtr(s string) *string { return &s }

func enumValue(v string) domain.ObjectValue {
	return domain.ObjectValue{Type: "enum", Value: v}
}

func activeMemory(id int64, predicate string, value domain.ObjectValue, confidence float64, validatedAt time.Time) domain.SemanticMemory {
	return domain.SemanticMemory{
		ID:                 id,
		UserID:             "u1",
		SubjectEntityID:    strPtr("customer:acme_1"),
		Predicate:          predicate,
		PredicateType:      domain.PredicatePreference,
		ObjectValue:        value,
		Confidence:         confidence,
		ReinforcementCount: 1,
		LastValidatedAt:    &validatedAt,
		Status:             domain.StatusActive,
	}
}

func incomingTriple(predicate string, value domain.ObjectValue, confidence float64) *domain.SemanticMemory {
	eventID := int64(7)
	return &domain.SemanticMemory{
		UserID:             "u1",
		SubjectEntityID:    strPtr("customer:acme_1"),
		Predicate:          predicate,
		PredicateType:      domain.PredicatePreference,
		ObjectValue:        value,
		Confidence:         confidence,
		SourceType:         domain.SourceEpisodic,
		ExtractedFromEvent: &eventID,
	}
}

func TestValueEqual(t *testing.T) {
	assert.True(t, valueEqual(
		domain.ObjectValue{Type: "string", Value: "Morning  Deliveries"},
		domain.ObjectValue{Type: "string", Value: "morning deliveries"},
	))
	assert.True(t, valueEqual(
		domain.ObjectValue{Type: "number", Value: 30.0},
		domain.ObjectValue{Type: "number", Value: 30},
	))
	assert.False(t, valueEqual(enumValue("NET30"), enumValue("NET45")))
	assert.False(t, valueEqual(
		domain.ObjectValue{Type: "number", Value: 30.0, Unit: "days"},
		domain.ObjectValue{Type: "number", Value: 30.0, Unit: "hours"},
	))
	assert.True(t, valueEqual(
		domain.ObjectValue{Type: "structured", Value: map[string]any{"window": "am"}},
		domain.ObjectValue{Type: "structured", Value: map[string]any{"window": "am"}},
	))
}

func TestApplyTripleCreatesWhenSlotEmpty(t *testing.T) {
	memories := newFakeSemanticStore()
	conflicts := &fakeConflictStore{}
	d := NewConflictDetector(&fakeDomainStore{}, zap.NewNop())

	out, err := d.ApplyTriple(context.Background(), config.Defaults(), memories, conflicts, 7,
		incomingTriple("payment_terms", enumValue("NET30"), 0.9), nil, time.Now())
	require.NoError(t, err)

	require.NotNil(t, out.Change)
	assert.Equal(t, domain.ActionCreated, out.Change.Action)
	assert.Len(t, memories.created, 1)
	assert.Empty(t, conflicts.recorded)
}

func TestApplyTripleReinforcesEqualValue(t *testing.T) {
	memories := newFakeSemanticStore()
	memories.actives = []domain.SemanticMemory{
		activeMemory(1, "payment_terms", enumValue("NET30"), 0.8, time.Now().AddDate(0, 0, -5)),
	}
	conflicts := &fakeConflictStore{}
	d := NewConflictDetector(&fakeDomainStore{}, zap.NewNop())
	cfg := config.Defaults()

	out, err := d.ApplyTriple(context.Background(), cfg, memories, conflicts, 7,
		incomingTriple("payment_terms", enumValue("NET30"), 0.9), nil, time.Now())
	require.NoError(t, err)

	require.NotNil(t, out.Change)
	assert.Equal(t, domain.ActionReinforced, out.Change.Action)
	assert.Equal(t, int64(1), out.Change.MemoryID)
	newConf, ok := memories.reinforced[1]
	require.True(t, ok)
	assert.Greater(t, newConf, 0.8)
	assert.LessOrEqual(t, newConf-0.8, cfg.ReinforcementBoost)
	assert.Empty(t, memories.created)
	assert.Empty(t, conflicts.recorded)
}

func TestApplyTripleSupersedesOnHigherConfidence(t *testing.T) {
	memories := newFakeSemanticStore()
	memories.actives = []domain.SemanticMemory{
		activeMemory(1, "payment_terms", enumValue("NET30"), 0.75, time.Now().AddDate(0, 0, -5)),
	}
	conflicts := &fakeConflictStore{}
	d := NewConflictDetector(&fakeDomainStore{}, zap.NewNop())

	out, err := d.ApplyTriple(context.Background(), config.Defaults(), memories, conflicts, 7,
		incomingTriple("payment_terms", enumValue("NET45"), 0.9), nil, time.Now())
	require.NoError(t, err)

	require.NotNil(t, out.Change)
	assert.Equal(t, domain.ActionCreated, out.Change.Action)
	newID := out.Change.MemoryID
	assert.Equal(t, newID, memories.supersede[1])

	require.Len(t, conflicts.recorded, 1)
	c := conflicts.recorded[0]
	assert.Equal(t, domain.ConflictMemoryVsMemory, c.Type)
	assert.Equal(t, domain.TrustRecent, c.Strategy)
	assert.NotNil(t, c.ResolvedAt)
}

func TestApplyTripleSupersedesStaleUnreinforced(t *testing.T) {
	memories := newFakeSemanticStore()
	memories.actives = []domain.SemanticMemory{
		activeMemory(1, "payment_terms", enumValue("NET30"), 0.9, time.Now().AddDate(0, 0, -90)),
	}
	conflicts := &fakeConflictStore{}
	d := NewConflictDetector(&fakeDomainStore{}, zap.NewNop())

	// Same confidence, but the stored row is stale and barely reinforced.
	out, err := d.ApplyTriple(context.Background(), config.Defaults(), memories, conflicts, 7,
		incomingTriple("payment_terms", enumValue("NET45"), 0.9), nil, time.Now())
	require.NoError(t, err)

	require.NotNil(t, out.Change)
	assert.Equal(t, domain.ActionCreated, out.Change.Action)
	assert.NotZero(t, memories.supersede[1])
	require.Len(t, conflicts.recorded, 1)
	assert.Equal(t, domain.TrustRecent, conflicts.recorded[0].Strategy)
}

func TestApplyTripleAsksUserOnCloseCall(t *testing.T) {
	memories := newFakeSemanticStore()
	memories.actives = []domain.SemanticMemory{
		activeMemory(1, "payment_terms", enumValue("NET30"), 0.88, time.Now().AddDate(0, 0, -2)),
	}
	conflicts := &fakeConflictStore{}
	d := NewConflictDetector(&fakeDomainStore{}, zap.NewNop())

	out, err := d.ApplyTriple(context.Background(), config.Defaults(), memories, conflicts, 7,
		incomingTriple("payment_terms", enumValue("NET45"), 0.85), nil, time.Now())
	require.NoError(t, err)

	// Both stay active and the question goes back to the user.
	require.NotNil(t, out.Change)
	assert.Equal(t, domain.ActionCreated, out.Change.Action)
	assert.Zero(t, memories.supersede[1])
	require.Len(t, conflicts.recorded, 1)
	assert.Equal(t, domain.AskUser, conflicts.recorded[0].Strategy)
	assert.Nil(t, conflicts.recorded[0].ResolvedAt)
	require.Len(t, out.Reports, 1)
	assert.Equal(t, domain.AskUser, out.Reports[0].Strategy)
}

func TestApplyTripleKeepsExistingOnLargeGapDown(t *testing.T) {
	memories := newFakeSemanticStore()
	memories.actives = []domain.SemanticMemory{
		activeMemory(1, "payment_terms", enumValue("NET30"), 0.92, time.Now().AddDate(0, 0, -2)),
	}
	memories.actives[0].ReinforcementCount = 4
	conflicts := &fakeConflictStore{}
	d := NewConflictDetector(&fakeDomainStore{}, zap.NewNop())

	out, err := d.ApplyTriple(context.Background(), config.Defaults(), memories, conflicts, 7,
		incomingTriple("payment_terms", enumValue("NET45"), 0.4), nil, time.Now())
	require.NoError(t, err)

	assert.Nil(t, out.Change)
	assert.Empty(t, memories.created)
	require.Len(t, conflicts.recorded, 1)
	assert.Equal(t, domain.TrustHigherConfidence, conflicts.recorded[0].Strategy)
}

func TestApplyTripleTemporalRestatement(t *testing.T) {
	memories := newFakeSemanticStore()
	memories.actives = []domain.SemanticMemory{
		activeMemory(2, "payment_terms", enumValue("NET45"), 0.9, time.Now().AddDate(0, 0, -1)),
	}
	memories.superseded = []domain.SemanticMemory{
		activeMemory(1, "payment_terms", enumValue("NET30"), 0.85, time.Now().AddDate(0, 0, -30)),
	}
	conflicts := &fakeConflictStore{}
	d := NewConflictDetector(&fakeDomainStore{}, zap.NewNop())

	out, err := d.ApplyTriple(context.Background(), config.Defaults(), memories, conflicts, 7,
		incomingTriple("payment_terms", enumValue("NET30"), 0.6), nil, time.Now())
	require.NoError(t, err)

	// The newer state wins; nothing is created or superseded.
	assert.Nil(t, out.Change)
	assert.Empty(t, memories.created)
	require.Len(t, conflicts.recorded, 1)
	assert.Equal(t, domain.ConflictTemporal, conflicts.recorded[0].Type)
}

func TestApplyTripleTrustsDatabase(t *testing.T) {
	memories := newFakeSemanticStore()
	memories.actives = []domain.SemanticMemory{
		activeMemory(1, "status", enumValue("paid"), 0.8, time.Now().AddDate(0, 0, -1)),
	}
	memories.actives[0].PredicateType = domain.PredicateObservation
	conflicts := &fakeConflictStore{}
	domainDB := &fakeDomainStore{queryRows: map[string][]domain.DomainRow{
		"domain.invoices": {{"id": "inv-9", "status": "open"}},
	}}
	d := NewConflictDetector(domainDB, zap.NewNop())

	subject := &domain.CanonicalEntity{
		ID:          "invoice:inv_1009_9",
		EntityType:  domain.EntityInvoice,
		ExternalRef: &domain.ExternalRef{SourceTable: "domain.invoices", SourceID: "inv-9"},
	}
	triple := incomingTriple("status", enumValue("paid"), 0.85)
	triple.PredicateType = domain.PredicateObservation

	out, err := d.ApplyTriple(context.Background(), config.Defaults(), memories, conflicts, 7, triple, subject, time.Now())
	require.NoError(t, err)

	// Both the stored claim and the incoming one lose to the database.
	assert.Equal(t, domain.StatusInvalidated, memories.statuses[1])
	require.NotNil(t, out.Memory)
	assert.Equal(t, domain.StatusInvalidated, memories.statuses[out.Memory.ID])
	require.Len(t, conflicts.recorded, 2)
	for _, c := range conflicts.recorded {
		assert.Equal(t, domain.ConflictMemoryVsDB, c.Type)
		assert.Equal(t, domain.TrustDB, c.Strategy)
	}
}

func invoiceSubject() domain.CanonicalEntity {
	return domain.CanonicalEntity{
		ID:            "invoice:inv_1009_9",
		EntityType:    domain.EntityInvoice,
		CanonicalName: "INV-1009",
		ExternalRef:   &domain.ExternalRef{SourceTable: "domain.invoices", SourceID: "9"},
	}
}

func TestCheckAgainstDatabaseInvalidatesStaleMemory(t *testing.T) {
	memories := newFakeSemanticStore()
	stale := activeMemory(42, "status", enumValue("paid"), 0.8, time.Now().AddDate(0, 0, -3))
	stale.SubjectEntityID = strPtr("invoice:inv_1009_9")
	stale.PredicateType = domain.PredicateObservation
	memories.actives = []domain.SemanticMemory{stale}
	conflicts := &fakeConflictStore{}
	domainDB := &fakeDomainStore{queryRows: map[string][]domain.DomainRow{
		"domain.invoices": {{"id": "9", "status": "open"}},
	}}
	d := NewConflictDetector(domainDB, zap.NewNop())

	reports, err := d.CheckAgainstDatabase(context.Background(), memories, conflicts, 7, "u1",
		[]domain.CanonicalEntity{invoiceSubject()}, time.Now())
	require.NoError(t, err)

	require.Len(t, reports, 1)
	assert.Equal(t, domain.ConflictMemoryVsDB, reports[0].Type)
	assert.Equal(t, domain.TrustDB, reports[0].Strategy)
	assert.Equal(t, domain.StatusInvalidated, memories.statuses[42])
	require.Len(t, conflicts.recorded, 1)
	assert.NotNil(t, conflicts.recorded[0].ResolvedAt)
}

func TestCheckAgainstDatabaseAgreementKeepsMemory(t *testing.T) {
	memories := newFakeSemanticStore()
	m := activeMemory(42, "status", enumValue("open"), 0.8, time.Now().AddDate(0, 0, -3))
	m.SubjectEntityID = strPtr("invoice:inv_1009_9")
	memories.actives = []domain.SemanticMemory{m}
	conflicts := &fakeConflictStore{}
	domainDB := &fakeDomainStore{queryRows: map[string][]domain.DomainRow{
		"domain.invoices": {{"id": "9", "status": "open"}},
	}}
	d := NewConflictDetector(domainDB, zap.NewNop())

	reports, err := d.CheckAgainstDatabase(context.Background(), memories, conflicts, 7, "u1",
		[]domain.CanonicalEntity{invoiceSubject()}, time.Now())
	require.NoError(t, err)

	assert.Empty(t, reports)
	assert.Empty(t, conflicts.recorded)
	assert.Empty(t, memories.statuses)
}

func TestCheckAgainstDatabaseSkipsUnlinkedSubjects(t *testing.T) {
	memories := newFakeSemanticStore()
	memories.actives = []domain.SemanticMemory{
		activeMemory(1, "payment_terms", enumValue("NET30"), 0.8, time.Now().AddDate(0, 0, -1)),
	}
	conflicts := &fakeConflictStore{}
	d := NewConflictDetector(&fakeDomainStore{}, zap.NewNop())

	subject := domain.CanonicalEntity{ID: "customer:acme_1", EntityType: domain.EntityCustomer, CanonicalName: "Acme Corporation"}
	reports, err := d.CheckAgainstDatabase(context.Background(), memories, conflicts, 7, "u1",
		[]domain.CanonicalEntity{subject}, time.Now())
	require.NoError(t, err)

	assert.Empty(t, reports)
	assert.Empty(t, conflicts.recorded)
}

func TestApplyTripleDatabaseAgreementReinforces(t *testing.T) {
	memories := newFakeSemanticStore()
	memories.actives = []domain.SemanticMemory{
		activeMemory(1, "status", enumValue("open"), 0.8, time.Now().AddDate(0, 0, -1)),
	}
	conflicts := &fakeConflictStore{}
	domainDB := &fakeDomainStore{queryRows: map[string][]domain.DomainRow{
		"domain.invoices": {{"id": "inv-9", "status": "open"}},
	}}
	d := NewConflictDetector(domainDB, zap.NewNop())

	subject := &domain.CanonicalEntity{
		ID:          "invoice:inv_1009_9",
		EntityType:  domain.EntityInvoice,
		ExternalRef: &domain.ExternalRef{SourceTable: "domain.invoices", SourceID: "inv-9"},
	}

	out, err := d.ApplyTriple(context.Background(), config.Defaults(), memories, conflicts, 7,
		incomingTriple("status", enumValue("open"), 0.85), subject, time.Now())
	require.NoError(t, err)

	require.NotNil(t, out.Change)
	assert.Equal(t, domain.ActionReinforced, out.Change.Action)
	assert.Empty(t, conflicts.recorded)
}
