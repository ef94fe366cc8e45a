package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/domain"
)

const maxTraversalDepth = 3

// intentKeywords drive the coarse query classification. First intent with
// a hit wins, checked in declaration order so "invoice for order X" reads
// as financial.
var intentKeywords = []struct {
	intent   domain.QueryIntent
	keywords []string
}{
	{domain.IntentFinancial, []string{"invoice", "payment", "paid", "balance", "owe", "bill", "amount due", "inv-"}},
	{domain.IntentOrderStatus, []string{"order", "shipment", "delivery", "shipped", "eta", "so-", "in production"}},
	{domain.IntentTaskManagement, []string{"task", "todo", "to-do", "assign", "schedule", "work order", "wo-"}},
	{domain.IntentCustomerContext, []string{"customer", "client", "account", "who is", "tell me about"}},
}

// ClassifyIntent maps free text onto a query intent by keyword.
func ClassifyIntent(text string) domain.QueryIntent {
	lower := strings.ToLower(text)
	for _, group := range intentKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				return group.intent
			}
		}
	}
	return domain.IntentGeneral
}

// intentTables lists which child tables a traversal may hop into per
// intent; the customer-context row itself is always emitted.
var intentTables = map[domain.QueryIntent]map[string]bool{
	domain.IntentOrderStatus: {
		"domain.sales_orders": true,
		"domain.work_orders":  true,
	},
	domain.IntentFinancial: {
		"domain.invoices":     true,
		"domain.sales_orders": true,
	},
	domain.IntentTaskManagement: {
		"domain.tasks":       true,
		"domain.work_orders": true,
	},
	domain.IntentCustomerContext: {
		"domain.sales_orders": true,
		"domain.invoices":     true,
	},
}

var factTypes = map[string]string{
	"domain.customers":    "customer_context",
	"domain.sales_orders": "order_status",
	"domain.work_orders":  "work_order_status",
	"domain.invoices":     "invoice_status",
	"domain.tasks":        "task_status",
	"domain.persons":      "contact",
	"domain.locations":    "location",
}

// Augmenter walks the ontology graph from each resolved entity and turns
// authoritative rows into transient facts. It never invents values: no
// rows, no fact.
type Augmenter struct {
	ontology domain.OntologyStore
	domainDB domain.DomainStore
	logger   *zap.Logger
}

func NewAugmenter(ontology domain.OntologyStore, domainDB domain.DomainStore, logger *zap.Logger) *Augmenter {
	return &Augmenter{ontology: ontology, domainDB: domainDB, logger: logger}
}

// Augment collects domain facts for the resolved entities under the
// classified intent. Traversal failures on one entity degrade to fewer
// facts, not a failed turn.
func (a *Augmenter) Augment(ctx context.Context, cfg config.Settings, intent domain.QueryIntent, entities []domain.CanonicalEntity) ([]domain.DomainFact, error) {
	now := time.Now().UTC()
	allowed := intentTables[intent]

	var facts []domain.DomainFact
	for i := range entities {
		entity := &entities[i]
		if entity.ExternalRef == nil {
			continue
		}
		collected, err := a.traverse(ctx, cfg, entity, allowed, now)
		if err != nil {
			a.logger.Warn("domain traversal failed",
				zap.String("entity_id", entity.ID), zap.Error(err))
			continue
		}
		facts = append(facts, collected...)
	}
	return facts, nil
}

func (a *Augmenter) traverse(ctx context.Context, cfg config.Settings, entity *domain.CanonicalEntity, allowed map[string]bool, now time.Time) ([]domain.DomainFact, error) {
	ref := entity.ExternalRef
	rootRows, err := a.domainDB.Query(ctx, ref.SourceTable, map[string]any{"id": ref.SourceID}, nil, 1)
	if err != nil {
		return nil, fmt.Errorf("root row %s/%s: %w", ref.SourceTable, ref.SourceID, err)
	}
	if len(rootRows) == 0 {
		return nil, nil
	}

	// The entity's own row is always a fact; customer context in
	// particular is emitted regardless of intent.
	facts := []domain.DomainFact{buildFact(entity.ID, ref.SourceTable, rootRows, now)}

	type frontier struct {
		fromType domain.EntityType
		rows     []domain.DomainRow
		depth    int
	}
	queue := []frontier{{fromType: entity.EntityType, rows: rootRows, depth: 0}}
	visited := map[domain.EntityType]bool{entity.EntityType: true}
	budget := cfg.DomainMaxFanout

	for len(queue) > 0 && budget > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxTraversalDepth {
			continue
		}

		edges, err := a.ontology.EdgesFrom(ctx, cur.fromType)
		if err != nil {
			return nil, fmt.Errorf("ontology edges from %s: %w", cur.fromType, err)
		}
		for _, edge := range edges {
			if visited[edge.ToType] || !allowed[edge.Join.ToTable] {
				continue
			}
			childRows, err := a.domainDB.Join(ctx, edge.Join, cur.rows, nil, budget)
			if err != nil {
				return nil, fmt.Errorf("join %s -> %s: %w", edge.Join.FromTable, edge.Join.ToTable, err)
			}
			if len(childRows) == 0 {
				continue
			}
			visited[edge.ToType] = true
			budget -= len(childRows)
			facts = append(facts, buildFact(entity.ID, edge.Join.ToTable, childRows, now))
			queue = append(queue, frontier{fromType: edge.ToType, rows: childRows, depth: cur.depth + 1})
		}
	}
	return facts, nil
}

// buildFact renders one fact per table hop, covering every row reached.
func buildFact(entityID, table string, rows []domain.DomainRow, now time.Time) domain.DomainFact {
	lines := make([]string, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, renderRow(table, row))
		ids = append(ids, fmt.Sprintf("%v", row["id"]))
	}
	factType := factTypes[table]
	if factType == "" {
		factType = strings.TrimPrefix(table, "domain.")
	}
	return domain.DomainFact{
		FactType:    factType,
		EntityID:    entityID,
		Content:     strings.Join(lines, "; "),
		SourceTable: table,
		SourceRows:  ids,
		RetrievedAt: now,
	}
}

// renderRow flattens one business row into a readable sentence fragment.
func renderRow(table string, row domain.DomainRow) string {
	switch table {
	case "domain.customers":
		return joinParts(
			str(row, "name"),
			labeled("segment", row, "segment"),
			labeled("credit limit", row, "credit_limit"),
			labeled("email", row, "email"),
		)
	case "domain.sales_orders":
		return joinParts(
			"order "+str(row, "order_number"),
			labeled("status", row, "status"),
			labeledAmount(row, "total_amount", "currency"),
			labeled("promised", row, "promised_at"),
		)
	case "domain.work_orders":
		return joinParts(
			"work order "+str(row, "work_order_number"),
			labeled("status", row, "status"),
			labeled("assignee", row, "assignee"),
			labeled("scheduled", row, "scheduled_for"),
		)
	case "domain.invoices":
		return joinParts(
			"invoice "+str(row, "invoice_number"),
			labeled("status", row, "status"),
			labeledAmount(row, "amount_due", "currency"),
			labeled("due", row, "due_date"),
		)
	case "domain.tasks":
		return joinParts(
			"task "+str(row, "title"),
			labeled("status", row, "status"),
			labeled("assignee", row, "assignee"),
			labeled("due", row, "due_date"),
		)
	case "domain.persons":
		return joinParts(
			str(row, "full_name"),
			labeled("role", row, "role"),
			labeled("email", row, "email"),
		)
	case "domain.locations":
		return joinParts(
			str(row, "name"),
			labeled("city", row, "city"),
			labeled("country", row, "country"),
		)
	default:
		return fmt.Sprintf("%v", row)
	}
}

func str(row domain.DomainRow, col string) string {
	if v, ok := row[col]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func labeled(label string, row domain.DomainRow, col string) string {
	v := str(row, col)
	if v == "" {
		return ""
	}
	return label + " " + v
}

func labeledAmount(row domain.DomainRow, amountCol, currencyCol string) string {
	amount := str(row, amountCol)
	if amount == "" {
		return ""
	}
	if cur := str(row, currencyCol); cur != "" {
		return amount + " " + cur
	}
	return amount
}

func joinParts(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}
