package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/llm"
	"github.com/meridianhq/meridian/internal/store"
)

const (
	recentEventWindow  = 10
	replyEventWindow   = 5
	recentEntityWindow = 10
	openConflictWindow = 24 * time.Hour

	// Extraction runs cold; replies get a conversational temperature.
	replyTemperature = 0.7
)

// Orchestrator runs one turn end to end: persist the event, resolve
// entities, extract and reconcile facts, augment from the business
// database, retrieve context, and synthesize a reply. Turns within one
// session are serialized so each turn observes the previous turn's
// memories.
type Orchestrator struct {
	data      Datastore
	resolver  *Resolver
	extractor *Extractor
	detector  *ConflictDetector
	retriever *Retriever
	augmenter *Augmenter
	completer domain.CompletionClient
	embedder  domain.EmbeddingClient
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*sessionState
}

// sessionState carries the in-process recency window used for
// coreference. It is a cache: a restart only degrades pronoun resolution
// for the next turn, nothing persisted depends on it.
type sessionState struct {
	turnLock sync.Mutex
	entities []string
}

func NewOrchestrator(
	data Datastore,
	resolver *Resolver,
	extractor *Extractor,
	detector *ConflictDetector,
	retriever *Retriever,
	augmenter *Augmenter,
	completer domain.CompletionClient,
	embedder domain.EmbeddingClient,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		data:      data,
		resolver:  resolver,
		extractor: extractor,
		detector:  detector,
		retriever: retriever,
		augmenter: augmenter,
		completer: completer,
		embedder:  embedder,
		logger:    logger,
		sessions:  make(map[uuid.UUID]*sessionState),
	}
}

func (o *Orchestrator) session(id uuid.UUID) *sessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	if !ok {
		s = &sessionState{}
		o.sessions[id] = s
	}
	return s
}

// ProcessTurn handles one user message. The chat event always commits
// first; everything after it degrades rather than failing the turn. On
// whole-turn deadline the partial result comes back with TimedOut set.
func (o *Orchestrator) ProcessTurn(ctx context.Context, input domain.TurnInput) (*domain.TurnResult, error) {
	if strings.TrimSpace(input.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", store.ErrValidation)
	}
	if input.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", store.ErrValidation)
	}

	cfg := config.LoadSettings(ctx, o.data.Config(), o.logger)

	sessionID := uuid.New()
	if input.SessionID != nil {
		sessionID = *input.SessionID
	}
	state := o.session(sessionID)
	state.turnLock.Lock()
	defer state.turnLock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, cfg.TurnDeadline)
	defer cancel()

	start := time.Now()
	result := &domain.TurnResult{SessionID: sessionID}

	// Step 1: the user event commits before any derived write.
	event := &domain.ChatEvent{
		SessionID: sessionID,
		UserID:    input.UserID,
		Role:      domain.RoleUser,
		Content:   input.Message,
	}
	if err := o.data.ChatEvents().Append(ctx, event); err != nil {
		return nil, err
	}
	result.EventID = event.ID

	recent, err := o.data.ChatEvents().Recent(ctx, sessionID, recentEventWindow)
	if err != nil {
		o.logger.Warn("recent events unavailable", zap.Error(err))
	}

	// Steps 2-4: mentions and resolution.
	resolved, shortCircuit, err := o.resolveMentions(ctx, cfg, input, event, recent, state, result)
	if err != nil {
		return nil, err
	}
	if shortCircuit {
		return result, nil
	}

	subjects, err := o.loadSubjects(ctx, resolved)
	if err != nil {
		return nil, err
	}
	for _, r := range resolved {
		result.ResolvedEntities = append(result.ResolvedEntities, domain.ResolvedEntity{
			Mention:       r.Mention.Text,
			EntityID:      r.EntityID,
			CanonicalName: r.CanonicalName,
			EntityType:    r.EntityType,
			Confidence:    r.Confidence,
			Method:        r.Method,
		})
	}

	// Step 5: extraction (model call outside any transaction).
	extraction := o.extract(ctx, cfg, event, result.ResolvedEntities)

	msgVec, err := o.embedMessage(ctx, cfg, input.Message)
	if err != nil {
		o.logger.Warn("message embedding unavailable", zap.Int64("event_id", event.ID), zap.Error(err))
	}

	if err := o.persistDerived(ctx, cfg, event, sessionID, extraction, subjects, resolved, msgVec, result); err != nil {
		return nil, err
	}

	// Step 6: authoritative facts, then reconcile what memory claims
	// about the same subjects. A question turn has no triples, so this is
	// the only path that catches a stale memory against the database.
	intent := ClassifyIntent(input.Message)
	facts, err := o.augmenter.Augment(ctx, cfg, intent, subjects)
	if err != nil {
		o.logger.Warn("domain augmentation failed", zap.Error(err))
	}
	result.DomainFacts = facts
	o.reconcileWithDatabase(ctx, event, input.UserID, subjects, result)

	// Step 7: retrieval.
	if msgVec != nil && ctx.Err() == nil {
		query := domain.Query{
			Text:      input.Message,
			Embedding: msgVec,
			EntityIDs: entityIDs(resolved),
			Intent:    intent,
			UserID:    input.UserID,
		}
		strategy := domain.StrategyForIntent(intent)
		scored, err := o.retriever.Retrieve(ctx, cfg, query, strategy, defaultTopK, time.Now().UTC())
		if err != nil {
			o.logger.Warn("retrieval failed", zap.Error(err))
		}
		for _, s := range scored {
			result.MemoriesRetrieved = append(result.MemoriesRetrieved, domain.RetrievedMemory{
				MemoryID:            s.Item.MemoryID(),
				MemoryType:          s.Item.Kind(),
				Content:             s.Item.Snippet(),
				RelevanceScore:      s.Score,
				EffectiveConfidence: s.EffectiveConfidence,
			})
		}
	}

	// Steps 8-9: reply synthesis and the assistant event.
	reply, timedOut := o.synthesizeReply(ctx, cfg, input, recent, result)
	result.Reply = reply
	result.TimedOut = timedOut || ctx.Err() != nil

	assistant := &domain.ChatEvent{
		SessionID: sessionID,
		UserID:    input.UserID,
		Role:      domain.RoleAssistant,
		Content:   reply,
	}
	if err := o.data.ChatEvents().Append(context.WithoutCancel(ctx), assistant); err != nil {
		o.logger.Warn("assistant event append failed", zap.Error(err))
	}

	result.Provenance = provenance(result)
	o.rememberEntities(state, resolved)

	o.logger.Info("turn processed",
		zap.String("session_id", sessionID.String()),
		zap.Int64("event_id", event.ID),
		zap.Int("entities", len(result.ResolvedEntities)),
		zap.Int("memories_changed", len(result.MemoriesChanged)),
		zap.Int("conflicts", len(result.Conflicts)),
		zap.Bool("timed_out", result.TimedOut),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// resolveMentions runs extraction and the resolver over every mention.
// The bool result signals a disambiguation short-circuit: the event is
// committed but nothing else happens until the user answers.
func (o *Orchestrator) resolveMentions(
	ctx context.Context,
	cfg config.Settings,
	input domain.TurnInput,
	event *domain.ChatEvent,
	recent []domain.ChatEvent,
	state *sessionState,
	result *domain.TurnResult,
) ([]domain.ResolutionResult, bool, error) {
	cc := domain.ConversationContext{
		UserID:         input.UserID,
		SessionID:      event.SessionID.String(),
		RecentMessages: recent,
	}
	if len(state.entities) > 0 {
		entities, err := o.data.Entities().GetByIDs(ctx, state.entities)
		if err != nil {
			o.logger.Warn("recent entity load failed", zap.Error(err))
		}
		cc.RecentEntities = entities
	}

	var resolved []domain.ResolutionResult
	selection := input.DisambiguationSelection
	if selection != nil {
		r, err := o.resolver.LearnSelection(ctx, cfg, selection.OriginalMention, selection.SelectedEntityID, input.UserID)
		if err != nil {
			return nil, false, err
		}
		resolved = append(resolved, r)
	}

	for _, mention := range ExtractMentions(event.Content) {
		if selection != nil && strings.EqualFold(mention.Text, selection.OriginalMention) {
			continue
		}
		r, err := o.resolver.Resolve(ctx, cfg, mention, cc)
		if err != nil {
			o.logger.Warn("resolution failed, treating as unresolved",
				zap.String("mention", mention.Text), zap.Error(err))
			continue
		}
		if r.NeedsDisambiguation {
			result.DisambiguationRequired = true
			result.Candidates = r.Candidates
			result.Reply = fmt.Sprintf("Which %q did you mean?", mention.Text)
			return nil, true, nil
		}
		if r.Resolved() {
			resolved = append(resolved, r)
		}
	}
	return resolved, false, nil
}

// loadSubjects fetches the canonical entities behind the resolutions;
// the detector and augmenter need external refs, not just ids.
func (o *Orchestrator) loadSubjects(ctx context.Context, resolved []domain.ResolutionResult) ([]domain.CanonicalEntity, error) {
	ids := entityIDs(resolved)
	if len(ids) == 0 {
		return nil, nil
	}
	return o.data.Entities().GetByIDs(ctx, ids)
}

// extract runs the semantic step with its own deadline. Extraction
// failures degrade the turn to zero new facts.
func (o *Orchestrator) extract(ctx context.Context, cfg config.Settings, event *domain.ChatEvent, entities []domain.ResolvedEntity) *ExtractionResult {
	llmCtx, cancel := context.WithTimeout(ctx, cfg.LLMDeadline)
	defer cancel()

	extraction, err := o.extractor.Extract(llmCtx, cfg, event, entities)
	if err != nil {
		o.logger.Warn("semantic extraction failed", zap.Int64("event_id", event.ID), zap.Error(err))
		return &ExtractionResult{EventType: ClassifyEvent(event.Content)}
	}
	if extraction.Warning != "" {
		o.logger.Warn("semantic extraction degraded",
			zap.Int64("event_id", event.ID), zap.String("warning", extraction.Warning))
	}
	return extraction
}

func (o *Orchestrator) embedMessage(ctx context.Context, cfg config.Settings, text string) ([]float32, error) {
	embedCtx, cancel := context.WithTimeout(ctx, cfg.EmbedDeadline)
	defer cancel()
	return o.embedder.EmbedOne(embedCtx, text)
}

// persistDerived writes every derived artifact of the turn in one
// transaction: triples through the conflict ladder, plus the episodic
// record of the utterance. Supersession and conflict rows commit
// atomically with the triples that caused them.
func (o *Orchestrator) persistDerived(
	ctx context.Context,
	cfg config.Settings,
	event *domain.ChatEvent,
	sessionID uuid.UUID,
	extraction *ExtractionResult,
	subjects []domain.CanonicalEntity,
	resolved []domain.ResolutionResult,
	msgVec []float32,
	result *domain.TurnResult,
) error {
	subjectByID := make(map[string]*domain.CanonicalEntity, len(subjects))
	for i := range subjects {
		subjectByID[subjects[i].ID] = &subjects[i]
	}

	now := time.Now().UTC()
	return o.data.InTx(ctx, func(tx Datastore) error {
		for i := range extraction.Triples {
			triple := &extraction.Triples[i]
			var subject *domain.CanonicalEntity
			if triple.SubjectEntityID != nil {
				subject = subjectByID[*triple.SubjectEntityID]
			}
			outcome, err := o.detector.ApplyTriple(ctx, cfg, tx.Semantic(), tx.Conflicts(), event.ID, triple, subject, now)
			if err != nil {
				return err
			}
			if outcome.Change != nil {
				result.MemoriesChanged = append(result.MemoriesChanged, *outcome.Change)
			}
			result.Conflicts = append(result.Conflicts, outcome.Reports...)
		}

		episodic := &domain.EpisodicMemory{
			UserID:         event.UserID,
			SessionID:      sessionID,
			Summary:        event.Content,
			EventType:      extraction.EventType,
			SourceEventIDs: []int64{event.ID},
			Entities:       mentionRecords(resolved),
			Importance:     episodicImportance(extraction),
			Embedding:      msgVec,
		}
		return tx.Episodic().Create(ctx, episodic)
	})
}

// reconcileWithDatabase invalidates active memories the authoritative
// rows contradict. Invalidations and their conflict rows commit together;
// failures degrade the turn rather than failing it.
func (o *Orchestrator) reconcileWithDatabase(
	ctx context.Context,
	event *domain.ChatEvent,
	userID string,
	subjects []domain.CanonicalEntity,
	result *domain.TurnResult,
) {
	if len(subjects) == 0 {
		return
	}
	err := o.data.InTx(ctx, func(tx Datastore) error {
		reports, err := o.detector.CheckAgainstDatabase(ctx, tx.Semantic(), tx.Conflicts(), event.ID, userID, subjects, time.Now().UTC())
		if err != nil {
			return err
		}
		result.Conflicts = append(result.Conflicts, reports...)
		return nil
	})
	if err != nil {
		o.logger.Warn("database reconciliation failed", zap.Error(err))
	}
}

// synthesizeReply builds the context prompt and calls the completer. Any
// failure, including the turn deadline, falls back to a deterministic
// summary of what the turn gathered.
func (o *Orchestrator) synthesizeReply(ctx context.Context, cfg config.Settings, input domain.TurnInput, recent []domain.ChatEvent, result *domain.TurnResult) (string, bool) {
	if ctx.Err() != nil {
		return fallbackReply(result), true
	}

	var open []domain.ConflictReport
	for _, c := range result.Conflicts {
		if c.Strategy == domain.AskUser {
			open = append(open, c)
		}
	}
	if since := time.Now().Add(-openConflictWindow); len(open) == 0 {
		stored, err := o.data.Conflicts().ListSince(ctx, since, 10)
		if err == nil {
			for _, c := range stored {
				if c.ResolvedAt == nil {
					open = append(open, domain.ConflictReport{
						Type:          c.Type,
						Subject:       c.Subject,
						Predicate:     c.Predicate,
						ExistingValue: c.Existing.Value.Value,
						NewValue:      c.Incoming.Value.Value,
						Strategy:      c.Strategy,
					})
				}
			}
		}
	}

	if len(recent) > replyEventWindow {
		recent = recent[len(recent)-replyEventWindow:]
	}
	prompt := llm.ReplyPrompt(domain.ReplyContext{
		Query:         domain.Query{Text: input.Message},
		DomainFacts:   result.DomainFacts,
		Memories:      result.MemoriesRetrieved,
		RecentEvents:  recent,
		OpenConflicts: open,
	})

	llmCtx, cancel := context.WithTimeout(ctx, cfg.LLMDeadline)
	defer cancel()
	completion, err := o.completer.Complete(llmCtx, prompt, domain.CompleteOpts{
		Temperature: replyTemperature,
		MaxTokens:   600,
	})
	if err != nil {
		o.logger.Warn("reply synthesis failed, using fallback", zap.Error(err))
		return fallbackReply(result), errors.Is(ctx.Err(), context.DeadlineExceeded)
	}
	return completion.Text, false
}

// fallbackReply assembles a reply from already-gathered material when the
// completer is unavailable. Authoritative facts lead.
func fallbackReply(result *domain.TurnResult) string {
	var b strings.Builder
	if len(result.DomainFacts) > 0 {
		b.WriteString("Here's what the records show: ")
		for i, f := range result.DomainFacts {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(f.Content)
		}
		b.WriteString(".")
	}
	if len(result.MemoriesRetrieved) > 0 {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("From what I remember: ")
		limit := 3
		for i, m := range result.MemoriesRetrieved {
			if i >= limit {
				break
			}
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(m.Content)
		}
		b.WriteString(".")
	}
	if b.Len() == 0 {
		return "Noted. I've recorded that."
	}
	return b.String()
}

func mentionRecords(resolved []domain.ResolutionResult) []domain.EntityMentionRecord {
	byID := make(map[string]*domain.EntityMentionRecord)
	var order []string
	for _, r := range resolved {
		rec, ok := byID[r.EntityID]
		if !ok {
			rec = &domain.EntityMentionRecord{
				EntityID: r.EntityID,
				Name:     r.CanonicalName,
				Type:     r.EntityType,
			}
			byID[r.EntityID] = rec
			order = append(order, r.EntityID)
		}
		rec.Mentions = append(rec.Mentions, domain.MentionInstance{
			Text:          r.Mention.Text,
			Offset:        r.Mention.Offset,
			IsCoreference: r.Mention.IsCoreferenceCandidate,
		})
	}
	out := make([]domain.EntityMentionRecord, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func episodicImportance(extraction *ExtractionResult) float64 {
	switch extraction.EventType {
	case domain.EventCorrection:
		return 0.8
	case domain.EventStatement:
		if len(extraction.Triples) > 0 {
			return 0.7
		}
		return 0.5
	default:
		return 0.4
	}
}

func entityIDs(resolved []domain.ResolutionResult) []string {
	seen := make(map[string]bool, len(resolved))
	var ids []string
	for _, r := range resolved {
		if r.EntityID == "" || seen[r.EntityID] {
			continue
		}
		seen[r.EntityID] = true
		ids = append(ids, r.EntityID)
	}
	return ids
}

// provenance orders sources as they were packed into the reply context.
func provenance(result *domain.TurnResult) domain.Provenance {
	p := domain.Provenance{SourceEventIDs: []int64{result.EventID}}
	for _, m := range result.MemoriesRetrieved {
		p.SourceMemoryIDs = append(p.SourceMemoryIDs, m.MemoryID)
	}
	return p
}

// rememberEntities refreshes the per-session recency window used for
// coreference on the next turn.
func (o *Orchestrator) rememberEntities(state *sessionState, resolved []domain.ResolutionResult) {
	for _, r := range resolved {
		if r.EntityID == "" {
			continue
		}
		// Move-to-front, capped.
		filtered := make([]string, 0, len(state.entities)+1)
		filtered = append(filtered, r.EntityID)
		for _, id := range state.entities {
			if id != r.EntityID {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) > recentEntityWindow {
			filtered = filtered[:recentEntityWindow]
		}
		state.entities = filtered
	}
}
