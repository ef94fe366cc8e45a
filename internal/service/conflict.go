package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/domain"
)

const (
	// Strategy ladder thresholds for memory-vs-memory disagreements.
	supersedeConfidenceGap = 0.10
	staleAfterDays         = 60
	largeConfidenceGap     = 0.30
)

// authoritativeColumns maps predicates that mirror a business-database
// column, per subject entity type. Only these predicates are checked
// against the database; everything else is memory-only.
var authoritativeColumns = map[domain.EntityType]map[string]string{
	domain.EntityCustomer: {
		"email":        "email",
		"phone":        "phone",
		"segment":      "segment",
		"credit_limit": "credit_limit",
	},
	domain.EntityOrder: {
		"status":       "status",
		"total_amount": "total_amount",
	},
	domain.EntityWorkOrder: {
		"status":   "status",
		"assignee": "assignee",
	},
	domain.EntityInvoice: {
		"status":     "status",
		"amount_due": "amount_due",
	},
	domain.EntityTask: {
		"status":   "status",
		"assignee": "assignee",
	},
}

// ConflictDetector decides, per incoming triple, whether to create a new
// memory, reinforce an existing one, or record a disagreement. All writes
// happen through the stores handed in per call, so the caller controls
// the transaction boundary.
type ConflictDetector struct {
	domainDB domain.DomainStore
	logger   *zap.Logger
}

func NewConflictDetector(domainDB domain.DomainStore, logger *zap.Logger) *ConflictDetector {
	return &ConflictDetector{domainDB: domainDB, logger: logger}
}

// TripleOutcome reports what one incoming triple did to the store.
type TripleOutcome struct {
	Memory  *domain.SemanticMemory
	Change  *domain.MemoryChange
	Reports []domain.ConflictReport
}

// ApplyTriple runs the detection ladder for one triple. Exactly one of
// (new row created, existing row reinforced, incoming dropped with a
// recorded conflict) happens. subject may be nil for facts about the user
// themself.
func (d *ConflictDetector) ApplyTriple(
	ctx context.Context,
	cfg config.Settings,
	memories domain.SemanticStore,
	conflicts domain.ConflictStore,
	eventID int64,
	t *domain.SemanticMemory,
	subject *domain.CanonicalEntity,
	now time.Time,
) (*TripleOutcome, error) {
	out := &TripleOutcome{}
	slot := domain.SemanticQuery{UserID: t.UserID, SubjectID: t.SubjectEntityID, Predicate: t.Predicate}

	actives, err := memories.ListActive(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("list active slot %q: %w", t.Predicate, err)
	}

	// Check the business database first: it wins over every memory.
	if dbVal, ok := d.authoritativeValue(ctx, subject, t.Predicate); ok {
		surviving := make([]domain.SemanticMemory, 0, len(actives))
		for _, e := range actives {
			if valueEqual(e.ObjectValue, dbVal) {
				surviving = append(surviving, e)
				continue
			}
			if err := memories.SetStatus(ctx, e.ID, domain.StatusInvalidated); err != nil {
				return nil, err
			}
			report, err := d.record(ctx, conflicts, domain.MemoryConflict{
				EventID:   eventID,
				Type:      domain.ConflictMemoryVsDB,
				Subject:   subjectLabel(subject, t),
				Predicate: t.Predicate,
				Existing:  memorySide(&e),
				Incoming:  dbSide(dbVal),
				Strategy:  domain.TrustDB,
				Outcome:   map[string]any{"invalidated_memory_id": e.ID},
			}, now)
			if err != nil {
				return nil, err
			}
			out.Reports = append(out.Reports, report)
		}
		actives = surviving

		if !valueEqual(t.ObjectValue, dbVal) {
			// Persist the claim so the contradiction is auditable, then
			// invalidate it immediately.
			if err := memories.Create(ctx, t); err != nil {
				return nil, err
			}
			if err := memories.SetStatus(ctx, t.ID, domain.StatusInvalidated); err != nil {
				return nil, err
			}
			t.Status = domain.StatusInvalidated
			report, err := d.record(ctx, conflicts, domain.MemoryConflict{
				EventID:   eventID,
				Type:      domain.ConflictMemoryVsDB,
				Subject:   subjectLabel(subject, t),
				Predicate: t.Predicate,
				Existing:  dbSide(dbVal),
				Incoming:  memorySide(t),
				Strategy:  domain.TrustDB,
				Outcome:   map[string]any{"invalidated_memory_id": t.ID},
			}, now)
			if err != nil {
				return nil, err
			}
			out.Memory = t
			out.Change = &domain.MemoryChange{MemoryID: t.ID, Action: domain.ActionCreated, Confidence: t.Confidence}
			out.Reports = append(out.Reports, report)
			return out, nil
		}
	}

	// Matching value on an active row is a reinforcement, not a new fact.
	for i := range actives {
		e := &actives[i]
		if !valueEqual(e.ObjectValue, t.ObjectValue) {
			continue
		}
		newConf := ReinforcedConfidence(cfg, e.Confidence)
		if err := memories.Reinforce(ctx, e.ID, newConf, now); err != nil {
			return nil, err
		}
		out.Change = &domain.MemoryChange{MemoryID: e.ID, Action: domain.ActionReinforced, Confidence: newConf}
		return out, nil
	}

	// Restating a value a newer memory already replaced keeps the newer
	// state and records the flip-flop.
	if len(actives) > 0 {
		superseded, err := memories.ListSuperseded(ctx, slot, 5)
		if err != nil {
			return nil, err
		}
		for i := range superseded {
			old := &superseded[i]
			if !valueEqual(old.ObjectValue, t.ObjectValue) {
				continue
			}
			newest := actives[0]
			report, err := d.record(ctx, conflicts, domain.MemoryConflict{
				EventID:   eventID,
				Type:      domain.ConflictTemporal,
				Subject:   subjectLabel(subject, t),
				Predicate: t.Predicate,
				Existing:  memorySide(&newest),
				Incoming:  memorySide(t),
				Strategy:  domain.TrustRecent,
				Outcome:   map[string]any{"kept_memory_id": newest.ID, "restated_memory_id": old.ID},
			}, now)
			if err != nil {
				return nil, err
			}
			out.Reports = append(out.Reports, report)
			return out, nil
		}
	}

	if len(actives) == 0 {
		if err := memories.Create(ctx, t); err != nil {
			return nil, err
		}
		out.Memory = t
		out.Change = &domain.MemoryChange{MemoryID: t.ID, Action: domain.ActionCreated, Confidence: t.Confidence}
		return out, nil
	}

	return d.resolveDisagreement(ctx, cfg, memories, conflicts, eventID, t, subject, actives[0], now, out)
}

// CheckAgainstDatabase reconciles the active memories about the given
// subjects with their authoritative rows, independent of any extraction.
// Question turns reach the database through here: a contradicted memory
// is invalidated with a trust_db conflict even when the turn produced no
// triples. Predicates without a mapped column or a database value are
// left alone.
func (d *ConflictDetector) CheckAgainstDatabase(
	ctx context.Context,
	memories domain.SemanticStore,
	conflicts domain.ConflictStore,
	eventID int64,
	userID string,
	subjects []domain.CanonicalEntity,
	now time.Time,
) ([]domain.ConflictReport, error) {
	var reports []domain.ConflictReport
	for i := range subjects {
		subject := &subjects[i]
		if subject.ExternalRef == nil {
			continue
		}
		for predicate := range authoritativeColumns[subject.EntityType] {
			dbVal, ok := d.authoritativeValue(ctx, subject, predicate)
			if !ok {
				continue
			}
			subjectID := subject.ID
			slot := domain.SemanticQuery{UserID: userID, SubjectID: &subjectID, Predicate: predicate}
			actives, err := memories.ListActive(ctx, slot)
			if err != nil {
				return nil, fmt.Errorf("list active slot %q: %w", predicate, err)
			}
			for j := range actives {
				e := &actives[j]
				if valueEqual(e.ObjectValue, dbVal) {
					continue
				}
				if err := memories.SetStatus(ctx, e.ID, domain.StatusInvalidated); err != nil {
					return nil, err
				}
				report, err := d.record(ctx, conflicts, domain.MemoryConflict{
					EventID:   eventID,
					Type:      domain.ConflictMemoryVsDB,
					Subject:   subject.ID,
					Predicate: predicate,
					Existing:  memorySide(e),
					Incoming:  dbSide(dbVal),
					Strategy:  domain.TrustDB,
					Outcome:   map[string]any{"invalidated_memory_id": e.ID},
				}, now)
				if err != nil {
					return nil, err
				}
				reports = append(reports, report)
			}
		}
	}
	return reports, nil
}

// resolveDisagreement applies the strategy ladder against the newest
// active memory in the slot.
func (d *ConflictDetector) resolveDisagreement(
	ctx context.Context,
	cfg config.Settings,
	memories domain.SemanticStore,
	conflicts domain.ConflictStore,
	eventID int64,
	t *domain.SemanticMemory,
	subject *domain.CanonicalEntity,
	e domain.SemanticMemory,
	now time.Time,
	out *TripleOutcome,
) (*TripleOutcome, error) {
	staleDays := now.Sub(e.AgeReference()).Hours() / 24

	var strategy domain.ResolutionStrategy
	switch {
	case t.Confidence >= e.Confidence+supersedeConfidenceGap:
		strategy = domain.TrustRecent
	case staleDays > staleAfterDays && e.ReinforcementCount < agingMinReinforcement:
		strategy = domain.TrustRecent
	case math.Abs(t.Confidence-e.Confidence) > largeConfidenceGap:
		strategy = domain.TrustHigherConfidence
	default:
		strategy = domain.AskUser
	}

	c := domain.MemoryConflict{
		EventID:   eventID,
		Type:      domain.ConflictMemoryVsMemory,
		Subject:   subjectLabel(subject, t),
		Predicate: t.Predicate,
		Existing:  memorySide(&e),
		Strategy:  strategy,
	}

	switch strategy {
	case domain.TrustRecent:
		if err := memories.Create(ctx, t); err != nil {
			return nil, err
		}
		if err := memories.MarkSuperseded(ctx, e.ID, t.ID); err != nil {
			return nil, err
		}
		c.Incoming = memorySide(t)
		c.Outcome = map[string]any{"superseded_memory_id": e.ID, "winning_memory_id": t.ID}
		out.Memory = t
		out.Change = &domain.MemoryChange{MemoryID: t.ID, Action: domain.ActionCreated, Confidence: t.Confidence}

	case domain.TrustHigherConfidence:
		if t.Confidence > e.Confidence {
			if err := memories.Create(ctx, t); err != nil {
				return nil, err
			}
			if err := memories.MarkSuperseded(ctx, e.ID, t.ID); err != nil {
				return nil, err
			}
			c.Incoming = memorySide(t)
			c.Outcome = map[string]any{"superseded_memory_id": e.ID, "winning_memory_id": t.ID}
			out.Memory = t
			out.Change = &domain.MemoryChange{MemoryID: t.ID, Action: domain.ActionCreated, Confidence: t.Confidence}
		} else {
			c.Incoming = memorySide(t)
			c.Outcome = map[string]any{"kept_memory_id": e.ID}
		}

	default: // ask_user: keep both active, surface the question
		if err := memories.Create(ctx, t); err != nil {
			return nil, err
		}
		c.Incoming = memorySide(t)
		out.Memory = t
		out.Change = &domain.MemoryChange{MemoryID: t.ID, Action: domain.ActionCreated, Confidence: t.Confidence}
	}

	report, err := d.record(ctx, conflicts, c, now)
	if err != nil {
		return nil, err
	}
	out.Reports = append(out.Reports, report)
	return out, nil
}

// record persists the conflict, stamping resolved_at for every strategy
// except ask_user, and returns its wire form.
func (d *ConflictDetector) record(ctx context.Context, conflicts domain.ConflictStore, c domain.MemoryConflict, now time.Time) (domain.ConflictReport, error) {
	if c.Strategy != domain.AskUser {
		resolvedAt := now
		c.ResolvedAt = &resolvedAt
	}
	if err := conflicts.Record(ctx, &c); err != nil {
		return domain.ConflictReport{}, fmt.Errorf("record conflict on %q: %w", c.Predicate, err)
	}
	d.logger.Info("conflict recorded",
		zap.String("type", string(c.Type)),
		zap.String("predicate", c.Predicate),
		zap.String("strategy", string(c.Strategy)))
	return domain.ConflictReport{
		Type:          c.Type,
		Subject:       c.Subject,
		Predicate:     c.Predicate,
		ExistingValue: c.Existing.Value.Value,
		NewValue:      c.Incoming.Value.Value,
		Strategy:      c.Strategy,
	}, nil
}

// authoritativeValue fetches the database value backing a predicate, when
// the subject has an external reference and the predicate maps to a
// column. Lookup failures degrade to "no authoritative value".
func (d *ConflictDetector) authoritativeValue(ctx context.Context, subject *domain.CanonicalEntity, predicate string) (domain.ObjectValue, bool) {
	if subject == nil || subject.ExternalRef == nil {
		return domain.ObjectValue{}, false
	}
	columns, ok := authoritativeColumns[subject.EntityType]
	if !ok {
		return domain.ObjectValue{}, false
	}
	column, ok := columns[predicate]
	if !ok {
		return domain.ObjectValue{}, false
	}

	rows, err := d.domainDB.Query(ctx, subject.ExternalRef.SourceTable,
		map[string]any{"id": subject.ExternalRef.SourceID},
		[]string{column}, 1)
	if err != nil {
		d.logger.Warn("authoritative lookup failed",
			zap.String("entity_id", subject.ID), zap.String("predicate", predicate), zap.Error(err))
		return domain.ObjectValue{}, false
	}
	if len(rows) == 0 || rows[0][column] == nil {
		return domain.ObjectValue{}, false
	}
	return wrapObjectValue(rows[0][column], ""), true
}

func memorySide(m *domain.SemanticMemory) domain.ConflictSide {
	side := domain.ConflictSide{
		Source:     "memory",
		Value:      m.ObjectValue,
		Confidence: m.Confidence,
	}
	if m.ID != 0 {
		id := m.ID
		side.MemoryID = &id
	} else {
		side.Source = "incoming"
	}
	return side
}

func dbSide(v domain.ObjectValue) domain.ConflictSide {
	return domain.ConflictSide{Source: "domain_db", Value: v, Confidence: 1.0}
}

func subjectLabel(subject *domain.CanonicalEntity, t *domain.SemanticMemory) string {
	if subject != nil {
		return subject.ID
	}
	if t.SubjectEntityID != nil {
		return *t.SubjectEntityID
	}
	return ""
}

// valueEqual is the type-aware equality deciding reinforcement versus
// conflict. Strings compare case- and whitespace-insensitively, numbers
// exactly, booleans directly; everything else falls back to deep equality
// of the JSON forms. Differing units are never equal.
func valueEqual(a, b domain.ObjectValue) bool {
	if a.Unit != b.Unit {
		return false
	}
	if af, aok := toFloat(a.Value); aok {
		bf, bok := toFloat(b.Value)
		return bok && af == bf
	}
	if as, ok := a.Value.(string); ok {
		bs, bok := b.Value.(string)
		return bok && normalizeString(as) == normalizeString(bs)
	}
	if ab, ok := a.Value.(bool); ok {
		bb, bok := b.Value.(bool)
		return bok && ab == bb
	}
	return reflect.DeepEqual(jsonNormalize(a.Value), jsonNormalize(b.Value))
}

func normalizeString(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case nil, bool, string:
		return 0, false
	default:
		// Database numerics surface as driver types; compare through
		// their textual form.
		f, err := strconv.ParseFloat(fmt.Sprintf("%v", t), 64)
		return f, err == nil
	}
}

// jsonNormalize round-trips a value through JSON so maps and structs
// compare on content rather than concrete type.
func jsonNormalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
