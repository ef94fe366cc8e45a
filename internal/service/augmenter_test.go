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

func TestClassifyIntent(t *testing.T) {
	cases := []struct {
		text string
		want domain.QueryIntent
	}{
		{"What does Acme owe on INV-1009?", domain.IntentFinancial},
		{"Has the invoice for order SO-55 been paid?", domain.IntentFinancial},
		{"Where is the shipment for SO-55?", domain.IntentOrderStatus},
		{"Assign the repair task to Jordan", domain.IntentTaskManagement},
		{"Tell me about Acme Corporation", domain.IntentCustomerContext},
		{"hello there", domain.IntentGeneral},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyIntent(tc.text))
		})
	}
}

func customerWithRef() domain.CanonicalEntity {
	return domain.CanonicalEntity{
		ID:            "customer:acme_1",
		EntityType:    domain.EntityCustomer,
		CanonicalName: "Acme Corporation",
		ExternalRef:   &domain.ExternalRef{SourceTable: "domain.customers", SourceID: "1"},
	}
}

func customerOntology() *fakeOntologyStore {
	return &fakeOntologyStore{edges: map[domain.EntityType][]domain.OntologyEdge{
		domain.EntityCustomer: {{
			FromType: domain.EntityCustomer,
			Relation: domain.RelationHas,
			ToType:   domain.EntityOrder,
			Join: domain.JoinSpec{
				FromTable: "domain.customers",
				ToTable:   "domain.sales_orders",
				On:        map[string]string{"id": "customer_id"},
			},
		}},
		domain.EntityOrder: {{
			FromType: domain.EntityOrder,
			Relation: domain.RelationGenerates,
			ToType:   domain.EntityInvoice,
			Join: domain.JoinSpec{
				FromTable: "domain.sales_orders",
				ToTable:   "domain.invoices",
				On:        map[string]string{"id": "sales_order_id"},
			},
		}},
	}}
}

func customerDomainDB() *fakeDomainStore {
	return &fakeDomainStore{
		queryRows: map[string][]domain.DomainRow{
			"domain.customers": {{"id": int64(1), "name": "Acme Corporation", "segment": "enterprise"}},
		},
		joinRows: map[string][]domain.DomainRow{
			"domain.sales_orders": {{"id": int64(55), "order_number": "SO-55", "status": "in_production"}},
			"domain.invoices":     {{"id": int64(9), "invoice_number": "INV-1009", "status": "open", "amount_due": 1200.5, "currency": "EUR"}},
		},
	}
}

func TestAugmentTraversesOntology(t *testing.T) {
	a := NewAugmenter(customerOntology(), customerDomainDB(), zap.NewNop())

	facts, err := a.Augment(context.Background(), config.Defaults(), domain.IntentFinancial,
		[]domain.CanonicalEntity{customerWithRef()})
	require.NoError(t, err)
	require.Len(t, facts, 3)

	assert.Equal(t, "customer_context", facts[0].FactType)
	assert.Contains(t, facts[0].Content, "Acme Corporation")
	assert.Contains(t, facts[0].Content, "segment enterprise")

	assert.Equal(t, "order_status", facts[1].FactType)
	assert.Contains(t, facts[1].Content, "order SO-55")

	assert.Equal(t, "invoice_status", facts[2].FactType)
	assert.Contains(t, facts[2].Content, "invoice INV-1009")
	assert.Contains(t, facts[2].Content, "1200.5 EUR")
	assert.Equal(t, []string{"9"}, facts[2].SourceRows)
}

func TestAugmentIntentLimitsTables(t *testing.T) {
	a := NewAugmenter(customerOntology(), customerDomainDB(), zap.NewNop())

	// Order-status traversal may hop into orders but not invoices.
	facts, err := a.Augment(context.Background(), config.Defaults(), domain.IntentOrderStatus,
		[]domain.CanonicalEntity{customerWithRef()})
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "customer_context", facts[0].FactType)
	assert.Equal(t, "order_status", facts[1].FactType)
}

func TestAugmentRespectsFanoutBudget(t *testing.T) {
	cfg := config.Defaults()
	cfg.DomainMaxFanout = 1

	a := NewAugmenter(customerOntology(), customerDomainDB(), zap.NewNop())
	facts, err := a.Augment(context.Background(), cfg, domain.IntentFinancial,
		[]domain.CanonicalEntity{customerWithRef()})
	require.NoError(t, err)

	// One order row exhausts the budget before the invoice hop.
	require.Len(t, facts, 2)
	assert.Equal(t, "order_status", facts[1].FactType)
}

func TestAugmentSkipsEntitiesWithoutExternalRef(t *testing.T) {
	a := NewAugmenter(customerOntology(), customerDomainDB(), zap.NewNop())

	facts, err := a.Augment(context.Background(), config.Defaults(), domain.IntentFinancial,
		[]domain.CanonicalEntity{{ID: "customer:manual_2", EntityType: domain.EntityCustomer}})
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestAugmentNoRootRowNoFacts(t *testing.T) {
	a := NewAugmenter(customerOntology(), &fakeDomainStore{}, zap.NewNop())

	facts, err := a.Augment(context.Background(), config.Defaults(), domain.IntentFinancial,
		[]domain.CanonicalEntity{customerWithRef()})
	require.NoError(t, err)
	assert.Empty(t, facts)
}
