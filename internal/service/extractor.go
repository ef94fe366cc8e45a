package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/llm"
)

var correctionMarkers = []string{"actually", "correction:", "that's wrong", "i meant", "scratch that", "no,"}

var confirmationPhrases = map[string]bool{
	"yes": true, "yep": true, "correct": true, "right": true, "exactly": true,
	"that's right": true, "sounds good": true, "confirmed": true,
}

var imperativeVerbs = map[string]bool{
	"create": true, "update": true, "add": true, "schedule": true, "send": true,
	"make": true, "set": true, "delete": true, "cancel": true, "mark": true,
	"assign": true, "show": true, "list": true, "find": true, "check": true,
	"open": true, "close": true, "generate": true, "draft": true,
}

var assertionMarkers = []string{"remember", "prefers", "prefer", "always", "never", "note that"}

// ClassifyEvent types an utterance with cheap surface patterns. Only
// statements and corrections feed triple extraction.
func ClassifyEvent(text string) domain.EventType {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	if strings.HasSuffix(trimmed, "?") {
		return domain.EventQuestion
	}
	if confirmationPhrases[strings.TrimRight(lower, ".!")] {
		return domain.EventConfirmation
	}
	for _, marker := range correctionMarkers {
		if strings.HasPrefix(lower, marker) {
			return domain.EventCorrection
		}
	}
	if fields := strings.Fields(lower); len(fields) > 0 && imperativeVerbs[strings.Trim(fields[0], ",.")] {
		return domain.EventCommand
	}
	for _, marker := range assertionMarkers {
		if strings.Contains(lower, marker) {
			return domain.EventStatement
		}
	}
	return domain.EventStatement
}

// ExtractionResult is the output of the semantic extraction step: fully
// normalized, embedded triples that have not yet touched the store.
type ExtractionResult struct {
	EventType domain.EventType
	Triples   []domain.SemanticMemory
	Warning   string
}

// Extractor turns statements into semantic triples via the completer and
// stamps each with an embedding of its stable textual rendering.
type Extractor struct {
	completer domain.CompletionClient
	embedder  domain.EmbeddingClient
	logger    *zap.Logger
}

func NewExtractor(completer domain.CompletionClient, embedder domain.EmbeddingClient, logger *zap.Logger) *Extractor {
	return &Extractor{completer: completer, embedder: embedder, logger: logger}
}

// Extract produces triples for one stored event. Completer output that
// fails validation yields zero triples plus a warning rather than an
// error; only transport-level permanent failures propagate.
func (x *Extractor) Extract(ctx context.Context, cfg config.Settings, event *domain.ChatEvent, entities []domain.ResolvedEntity) (*ExtractionResult, error) {
	result := &ExtractionResult{EventType: ClassifyEvent(event.Content)}
	if result.EventType != domain.EventStatement && result.EventType != domain.EventCorrection {
		return result, nil
	}

	prompt := llm.TriplePrompt(event.Content, entities, result.EventType)
	completion, err := x.completer.Complete(ctx, prompt, domain.CompleteOpts{
		Temperature: 0,
		MaxTokens:   800,
		JSONMode:    true,
	})
	if err != nil {
		if errors.Is(err, domain.ErrBadOutput) {
			result.Warning = "extraction output was not valid JSON"
			return result, nil
		}
		return nil, fmt.Errorf("triple extraction: %w", err)
	}

	var payload struct {
		Triples []domain.ExtractedTriple `json:"triples"`
	}
	if err := json.Unmarshal([]byte(completion.Text), &payload); err != nil {
		result.Warning = "extraction output did not match the expected shape"
		return result, nil
	}

	known := make(map[string]string, len(entities))
	for _, e := range entities {
		known[e.EntityID] = e.CanonicalName
	}

	var renderings []string
	for _, raw := range payload.Triples {
		m, ok := x.normalize(cfg, raw, event, known)
		if !ok {
			continue
		}
		result.Triples = append(result.Triples, m)
		renderings = append(renderings, tripleRendering(m, known))
	}
	if len(result.Triples) == 0 {
		return result, nil
	}

	vectors, err := x.embedder.Embed(ctx, renderings)
	if err != nil {
		// Triples survive without vectors; they stay out of semantic
		// recall until a vector is backfilled.
		x.logger.Warn("triple embedding failed", zap.Int64("event_id", event.ID), zap.Error(err))
		result.Warning = "embeddings unavailable for extracted facts"
		return result, nil
	}
	for i := range result.Triples {
		result.Triples[i].Embedding = vectors[i]
	}
	return result, nil
}

// normalize validates one raw triple and shapes it into a memory row.
func (x *Extractor) normalize(cfg config.Settings, raw domain.ExtractedTriple, event *domain.ChatEvent, known map[string]string) (domain.SemanticMemory, bool) {
	predicate := snakeCase(raw.Predicate)
	if predicate == "" {
		return domain.SemanticMemory{}, false
	}

	predicateType := domain.PredicateType(raw.PredicateType)
	if !domain.ValidPredicateType(raw.PredicateType) {
		predicateType = domain.PredicateObservation
	}

	confidence := raw.Confidence
	if confidence > cfg.MaxConfidence {
		confidence = cfg.MaxConfidence
	}
	if confidence <= 0 {
		return domain.SemanticMemory{}, false
	}

	var subject *string
	if raw.SubjectEntityID != "" {
		if _, ok := known[raw.SubjectEntityID]; !ok {
			x.logger.Warn("extractor invented a subject, dropping reference",
				zap.Int64("event_id", event.ID), zap.String("subject", raw.SubjectEntityID))
		} else {
			id := raw.SubjectEntityID
			subject = &id
		}
	}

	eventID := event.ID
	return domain.SemanticMemory{
		UserID:             event.UserID,
		SubjectEntityID:    subject,
		Predicate:          predicate,
		PredicateType:      predicateType,
		ObjectValue:        wrapObjectValue(raw.ObjectValue, ""),
		Confidence:         confidence,
		ConfidenceFactors:  raw.ConfidenceFactors,
		SourceType:         domain.SourceEpisodic,
		ExtractedFromEvent: &eventID,
		Status:             domain.StatusActive,
		Importance:         importanceFor(predicateType),
	}, true
}

// tripleRendering is the stable text embedded for a triple:
// "{subject_name} {predicate}: {object}".
func tripleRendering(m domain.SemanticMemory, known map[string]string) string {
	subject := "user"
	if m.SubjectEntityID != nil {
		if name, ok := known[*m.SubjectEntityID]; ok {
			subject = name
		} else {
			subject = *m.SubjectEntityID
		}
	}
	return subject + " " + m.Predicate + ": " + domain.RenderObjectValue(m.ObjectValue)
}

func importanceFor(t domain.PredicateType) float64 {
	switch t {
	case domain.PredicateRequirement, domain.PredicatePolicy:
		return 0.8
	case domain.PredicatePreference:
		return 0.7
	case domain.PredicateAttribute:
		return 0.6
	default:
		return 0.5
	}
}

// wrapObjectValue tags a raw value with its type. Short all-caps strings
// read as enum codes ("NET30", "OPEN").
func wrapObjectValue(v any, unit string) domain.ObjectValue {
	out := domain.ObjectValue{Value: v, Unit: unit}
	switch t := v.(type) {
	case string:
		out.Type = "string"
		if looksLikeEnum(t) {
			out.Type = "enum"
		}
	case bool:
		out.Type = "boolean"
	case float64, float32, int, int32, int64, json.Number:
		out.Type = "number"
	case nil:
		out.Type = "string"
		out.Value = ""
	default:
		if f, ok := toFloat(v); ok {
			out.Type = "number"
			out.Value = f
		} else {
			out.Type = "structured"
		}
	}
	return out
}

func looksLikeEnum(s string) bool {
	if s == "" || len(s) > 16 || strings.ContainsRune(s, ' ') {
		return false
	}
	hasLetter := false
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			hasLetter = true
		case unicode.IsDigit(r) || r == '_' || r == '-':
		default:
			return false
		}
	}
	return hasLetter
}

// snakeCase lowercases and collapses separators; "Payment Terms" and
// "paymentTerms" both become "payment_terms".
func snakeCase(s string) string {
	var b strings.Builder
	prevUnderscore := true
	prevLower := false
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			if prevLower && !prevUnderscore {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevUnderscore = false
			prevLower = false
		case unicode.IsLower(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevUnderscore = false
			prevLower = unicode.IsLower(r)
		default:
			if !prevUnderscore {
				b.WriteByte('_')
			}
			prevUnderscore = true
			prevLower = false
		}
	}
	return strings.Trim(b.String(), "_")
}
