package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/llm"
	"github.com/meridianhq/meridian/internal/store"
)

const (
	fuzzyCandidateLimit = 5

	// fuzzyGapFloor is the minimum similarity for accepting a match on
	// gap alone, below the unconditional auto-accept bar.
	fuzzyGapFloor = 0.75
)

// Resolver maps free-text mentions onto canonical entities. Stages run
// cheapest first: exact canonical name, learned alias, trigram fuzzy
// match, LLM coreference, then a lazy lookup against the business
// database. Ambiguity comes back as a candidate list, never an error.
type Resolver struct {
	entities  domain.EntityStore
	aliases   domain.AliasStore
	domainDB  domain.DomainStore
	completer domain.CompletionClient
	logger    *zap.Logger
}

func NewResolver(entities domain.EntityStore, aliases domain.AliasStore, domainDB domain.DomainStore, completer domain.CompletionClient, logger *zap.Logger) *Resolver {
	return &Resolver{
		entities:  entities,
		aliases:   aliases,
		domainDB:  domainDB,
		completer: completer,
		logger:    logger,
	}
}

// Resolve runs the stage ladder for one mention. Coreference markers
// ("it", "the customer") skip the lexical stages entirely: their surface
// form never names an entity.
func (r *Resolver) Resolve(ctx context.Context, cfg config.Settings, m domain.Mention, cc domain.ConversationContext) (domain.ResolutionResult, error) {
	if m.IsCoreferenceCandidate {
		return r.resolveCoreference(ctx, cfg, m, cc, false)
	}

	if res, ok, err := r.resolveExact(ctx, m); err != nil {
		return domain.ResolutionResult{}, err
	} else if ok {
		return res, nil
	}

	if res, ok, err := r.resolveAlias(ctx, cfg, m, cc.UserID); err != nil {
		return domain.ResolutionResult{}, err
	} else if ok {
		return res, nil
	}

	res, done, err := r.resolveFuzzy(ctx, cfg, m, cc.UserID)
	if err != nil {
		return domain.ResolutionResult{}, err
	}
	if done {
		return res, nil
	}

	// No lexical match. Try coreference against recently mentioned
	// entities ("Kai" after "Kai & Co"), then the business database.
	if len(cc.RecentEntities) > 0 {
		coref, err := r.resolveCoreference(ctx, cfg, m, cc, true)
		if err == nil && coref.Resolved() {
			return coref, nil
		}
		if err != nil {
			r.logger.Warn("coreference stage failed, continuing to domain lookup",
				zap.String("mention", m.Text), zap.Error(err))
		}
	}

	return r.resolveDomainDB(ctx, cfg, m, cc.UserID)
}

// resolveExact matches the mention against canonical names verbatim.
func (r *Resolver) resolveExact(ctx context.Context, m domain.Mention) (domain.ResolutionResult, bool, error) {
	e, err := r.entities.GetByCanonicalName(ctx, m.Text)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ResolutionResult{}, false, nil
	}
	if err != nil {
		return domain.ResolutionResult{}, false, fmt.Errorf("exact lookup %q: %w", m.Text, err)
	}
	return domain.ResolutionResult{
		Mention:       m,
		EntityID:      e.ID,
		CanonicalName: e.CanonicalName,
		EntityType:    e.EntityType,
		Confidence:    1.0,
		Method:        domain.ResolveExact,
	}, true, nil
}

// resolveAlias consults learned surface forms. User-scoped aliases come
// back first; acceptance requires the stored confidence to clear the
// threshold, otherwise the ladder continues.
func (r *Resolver) resolveAlias(ctx context.Context, cfg config.Settings, m domain.Mention, userID string) (domain.ResolutionResult, bool, error) {
	matches, err := r.aliases.GetByText(ctx, m.Text, userID)
	if err != nil {
		return domain.ResolutionResult{}, false, fmt.Errorf("alias lookup %q: %w", m.Text, err)
	}
	for _, a := range matches {
		if a.Confidence <= cfg.AliasAcceptThreshold {
			continue
		}
		e, err := r.entities.GetByID(ctx, a.EntityID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // alias outlived its entity
			}
			return domain.ResolutionResult{}, false, err
		}
		if err := r.aliases.IncrementUse(ctx, a.ID); err != nil {
			r.logger.Warn("alias use count update failed", zap.Int64("alias_id", a.ID), zap.Error(err))
		}
		return domain.ResolutionResult{
			Mention:       m,
			EntityID:      e.ID,
			CanonicalName: e.CanonicalName,
			EntityType:    e.EntityType,
			Confidence:    a.Confidence,
			Method:        domain.ResolveAlias,
		}, true, nil
	}
	return domain.ResolutionResult{}, false, nil
}

// resolveFuzzy runs trigram similarity over aliases and canonical names.
// A clear winner, by strength or by lead over the runner-up, resolves and
// learns an alias; close runners-up become a disambiguation question.
func (r *Resolver) resolveFuzzy(ctx context.Context, cfg config.Settings, m domain.Mention, userID string) (domain.ResolutionResult, bool, error) {
	matches, err := r.aliases.SearchFuzzy(ctx, m.Text, cfg.FuzzyThreshold, fuzzyCandidateLimit)
	if err != nil {
		return domain.ResolutionResult{}, false, fmt.Errorf("fuzzy search %q: %w", m.Text, err)
	}
	if len(matches) == 0 {
		return domain.ResolutionResult{}, false, nil
	}

	best := matches[0]
	runnerUp := 0.0
	if len(matches) > 1 {
		runnerUp = matches[1].Similarity
	}
	// A match clears on strength alone, or on a decisive lead over the
	// runner-up once it is above the gap floor.
	strongWinner := best.Similarity >= cfg.FuzzyAutoAccept &&
		best.Similarity-runnerUp >= cfg.FuzzyAutoAcceptGap
	gappedWinner := best.Similarity > fuzzyGapFloor &&
		best.Similarity-runnerUp > cfg.FuzzyAutoAcceptGap
	clearWinner := strongWinner || gappedWinner

	if clearWinner {
		e, err := r.entities.GetByID(ctx, best.EntityID)
		if err != nil {
			return domain.ResolutionResult{}, false, err
		}
		r.learnAlias(ctx, m.Text, e.ID, domain.AliasFuzzy, userID, best.Similarity)
		return domain.ResolutionResult{
			Mention:       m,
			EntityID:      e.ID,
			CanonicalName: e.CanonicalName,
			EntityType:    e.EntityType,
			Confidence:    best.Similarity,
			Method:        domain.ResolveFuzzy,
		}, true, nil
	}

	candidates, err := r.disambiguationCandidates(ctx, matches)
	if err != nil {
		return domain.ResolutionResult{}, false, err
	}
	if len(candidates) < 2 {
		// One weak match is not worth a round-trip to the user.
		return domain.ResolutionResult{}, false, nil
	}
	return domain.ResolutionResult{
		Mention:             m,
		Method:              domain.ResolveFuzzy,
		NeedsDisambiguation: true,
		Candidates:          candidates,
	}, true, nil
}

func (r *Resolver) disambiguationCandidates(ctx context.Context, matches []domain.FuzzyAliasMatch) ([]domain.DisambiguationCandidate, error) {
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.EntityID)
	}
	entities, err := r.entities.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(entities))
	for _, e := range entities {
		names[e.ID] = e.CanonicalName
	}

	out := make([]domain.DisambiguationCandidate, 0, len(matches))
	for _, m := range matches {
		name, ok := names[m.EntityID]
		if !ok {
			continue
		}
		out = append(out, domain.DisambiguationCandidate{
			EntityID:      m.EntityID,
			CanonicalName: name,
			Similarity:    m.Similarity,
		})
	}
	return out, nil
}

// resolveCoreference asks the completer which recently mentioned entity a
// referring expression points at. learnable is true for named mentions
// that reached this stage; pronouns and definite descriptions are context
// dependent and never become aliases.
func (r *Resolver) resolveCoreference(ctx context.Context, cfg config.Settings, m domain.Mention, cc domain.ConversationContext, learnable bool) (domain.ResolutionResult, error) {
	none := domain.ResolutionResult{Mention: m, Method: domain.ResolveNone}
	if len(cc.RecentEntities) == 0 {
		return none, nil
	}

	prompt := llm.CoreferencePrompt(m.Text, cc.RecentEntities, cc.RecentMessages)
	completion, err := r.completer.Complete(ctx, prompt, domain.CompleteOpts{
		Temperature: 0,
		MaxTokens:   200,
		JSONMode:    true,
	})
	if err != nil {
		return none, fmt.Errorf("coreference completion: %w", err)
	}

	var answer domain.CoreferenceAnswer
	if err := json.Unmarshal([]byte(completion.Text), &answer); err != nil {
		return none, fmt.Errorf("%w: coreference answer: %v", domain.ErrBadOutput, err)
	}
	if answer.EntityID == nil || answer.Confidence < cfg.CorefAcceptThreshold {
		return none, nil
	}

	// The completer may only pick from the offered candidates.
	var picked *domain.CanonicalEntity
	for i := range cc.RecentEntities {
		if cc.RecentEntities[i].ID == *answer.EntityID {
			picked = &cc.RecentEntities[i]
			break
		}
	}
	if picked == nil {
		r.logger.Warn("coreference answer outside candidate set",
			zap.String("mention", m.Text), zap.String("entity_id", *answer.EntityID))
		return none, nil
	}

	if learnable {
		r.learnAlias(ctx, m.Text, picked.ID, domain.AliasCoreference, cc.UserID, answer.Confidence)
	}
	return domain.ResolutionResult{
		Mention:       m,
		EntityID:      picked.ID,
		CanonicalName: picked.CanonicalName,
		EntityType:    picked.EntityType,
		Confidence:    answer.Confidence,
		Method:        domain.ResolveCoreference,
		Reasoning:     answer.Reasoning,
	}, nil
}

// resolveDomainDB searches the business database and lazily creates a
// canonical entity for the matching row.
func (r *Resolver) resolveDomainDB(ctx context.Context, cfg config.Settings, m domain.Mention, userID string) (domain.ResolutionResult, error) {
	none := domain.ResolutionResult{Mention: m, Method: domain.ResolveNone}

	tables := store.TablesForEntityType(inferEntityType(m.Text))
	rows, err := r.domainDB.SearchText(ctx, tables, m.Text, fuzzyCandidateLimit)
	if err != nil {
		return none, fmt.Errorf("domain search %q: %w", m.Text, err)
	}
	if len(rows) == 0 {
		return none, nil
	}
	if len(rows) > 1 {
		candidates := make([]domain.DisambiguationCandidate, 0, len(rows))
		for _, row := range rows {
			table, _ := row["__table"].(string)
			candidates = append(candidates, domain.DisambiguationCandidate{
				EntityID:      lazyEntityID(table, row),
				CanonicalName: rowDisplayName(table, row),
			})
		}
		return domain.ResolutionResult{
			Mention:             m,
			Method:              domain.ResolveDomainDB,
			NeedsDisambiguation: true,
			Candidates:          candidates,
		}, nil
	}

	row := rows[0]
	table, _ := row["__table"].(string)
	entity, err := r.materializeEntity(ctx, table, row)
	if err != nil {
		return none, err
	}
	r.learnAlias(ctx, m.Text, entity.ID, domain.AliasDomainDB, userID, cfg.DomainMatchConfidence)
	return domain.ResolutionResult{
		Mention:       m,
		EntityID:      entity.ID,
		CanonicalName: entity.CanonicalName,
		EntityType:    entity.EntityType,
		Confidence:    cfg.DomainMatchConfidence,
		Method:        domain.ResolveDomainDB,
	}, nil
}

// materializeEntity creates or fetches the canonical entity backing one
// business row.
func (r *Resolver) materializeEntity(ctx context.Context, table string, row domain.DomainRow) (*domain.CanonicalEntity, error) {
	ref := domain.ExternalRef{
		SourceTable: table,
		SourceID:    fmt.Sprintf("%v", row["id"]),
	}
	if existing, err := r.entities.GetByExternalRef(ctx, ref); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	entity := &domain.CanonicalEntity{
		ID:            lazyEntityID(table, row),
		EntityType:    entityTypeForTable(table),
		CanonicalName: rowDisplayName(table, row),
		ExternalRef:   &ref,
	}
	if err := r.entities.Create(ctx, entity); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Raced another turn; the ref row exists now.
			return r.entities.GetByExternalRef(ctx, ref)
		}
		return nil, fmt.Errorf("create entity for %s/%s: %w", ref.SourceTable, ref.SourceID, err)
	}
	r.logger.Info("materialized entity from domain row",
		zap.String("entity_id", entity.ID), zap.String("table", table))
	return entity, nil
}

// learnAlias records a surface form best-effort; resolution already
// succeeded, so a failed upsert only logs.
func (r *Resolver) learnAlias(ctx context.Context, text, entityID string, source domain.AliasSource, userID string, confidence float64) {
	alias := &domain.EntityAlias{
		Alias:      text,
		EntityID:   entityID,
		Source:     source,
		Confidence: confidence,
	}
	if userID != "" {
		alias.UserID = &userID
	}
	if err := r.aliases.Upsert(ctx, alias); err != nil {
		r.logger.Warn("alias learning failed",
			zap.String("alias", text), zap.String("entity_id", entityID), zap.Error(err))
	}
}

// LearnSelection applies a user's disambiguation answer: the chosen
// entity gets a user-stated alias at ceiling confidence.
func (r *Resolver) LearnSelection(ctx context.Context, cfg config.Settings, mention, entityID, userID string) (domain.ResolutionResult, error) {
	e, err := r.entities.GetByID(ctx, entityID)
	if err != nil {
		return domain.ResolutionResult{}, fmt.Errorf("selected entity %q: %w", entityID, err)
	}
	r.learnAlias(ctx, mention, e.ID, domain.AliasUserStated, userID, cfg.MaxConfidence)
	return domain.ResolutionResult{
		Mention:       domain.Mention{Text: mention},
		EntityID:      e.ID,
		CanonicalName: e.CanonicalName,
		EntityType:    e.EntityType,
		Confidence:    cfg.MaxConfidence,
		Method:        domain.ResolveAlias,
	}, nil
}

// inferEntityType guesses a type from document-number prefixes so the
// domain search hits the right table first.
func inferEntityType(text string) domain.EntityType {
	upper := strings.ToUpper(text)
	switch {
	case strings.HasPrefix(upper, "INV-"):
		return domain.EntityInvoice
	case strings.HasPrefix(upper, "SO-"):
		return domain.EntityOrder
	case strings.HasPrefix(upper, "WO-"):
		return domain.EntityWorkOrder
	default:
		return ""
	}
}

func entityTypeForTable(table string) domain.EntityType {
	switch table {
	case "domain.customers":
		return domain.EntityCustomer
	case "domain.sales_orders":
		return domain.EntityOrder
	case "domain.work_orders":
		return domain.EntityWorkOrder
	case "domain.invoices":
		return domain.EntityInvoice
	case "domain.tasks":
		return domain.EntityTask
	case "domain.persons":
		return domain.EntityPerson
	case "domain.locations":
		return domain.EntityLocation
	default:
		return ""
	}
}

func tableNameColumn(table string) string {
	switch table {
	case "domain.sales_orders":
		return "order_number"
	case "domain.work_orders":
		return "work_order_number"
	case "domain.invoices":
		return "invoice_number"
	case "domain.tasks":
		return "title"
	case "domain.persons":
		return "full_name"
	default:
		return "name"
	}
}

func rowDisplayName(table string, row domain.DomainRow) string {
	if v, ok := row[tableNameColumn(table)]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("%v", row["id"])
}

// lazyEntityID derives a stable id like "customer:acme_logistics_42" from
// the row's display name and primary key.
func lazyEntityID(table string, row domain.DomainRow) string {
	slug := slugify(rowDisplayName(table, row))
	return domain.EntityID(entityTypeForTable(table), fmt.Sprintf("%s_%v", slug, row["id"]))
}

func slugify(s string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}
