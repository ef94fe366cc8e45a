package llm

import (
	"fmt"
	"strings"

	"github.com/meridianhq/meridian/internal/domain"
)

const coreferencePrompt = `You are an entity coreference resolver for a business assistant.

The user wrote the referring expression %q. Decide which of the candidate
entities (if any) it refers to, using the recent conversation for context.
Candidates are ordered most-recently-mentioned first.

Candidates:
%s
Recent messages:
%s
Respond ONLY with JSON, no markdown:
{"entity_id": "customer:abc" or null, "confidence": 0.0, "reasoning": "brief reason"}`

// CoreferencePrompt renders the coreference prompt for one mention.
func CoreferencePrompt(mention string, candidates []domain.CanonicalEntity, recent []domain.ChatEvent) string {
	var cb strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&cb, "- %s (%s) %q\n", c.ID, c.EntityType, c.CanonicalName)
	}
	if cb.Len() == 0 {
		cb.WriteString("(none)\n")
	}
	var mb strings.Builder
	for _, m := range recent {
		fmt.Fprintf(&mb, "%s: %s\n", m.Role, m.Content)
	}
	if mb.Len() == 0 {
		mb.WriteString("(none)\n")
	}
	return fmt.Sprintf(coreferencePrompt, mention, cb.String(), mb.String())
}

const triplePrompt = `You are a knowledge extraction system. Extract semantic triples
(subject, predicate, object) from the message below.

Message type: %s
Known entities (use these exact ids as subject_entity_id; use null for
facts about the user themself):
%s
Message:
%s

Rules:
- predicate is a short snake_case name (e.g. payment_terms, delivery_window)
- predicate_type is one of: preference, requirement, observation, policy, attribute
- object_value is the plain value (string, number, or boolean)
- confidence is in (0, 0.95]: explicit statements 0.85-0.95, inferences lower
- confidence_factors maps factor names to contributions, e.g. {"explicitness": 0.9}
- extract nothing that is a question or a pleasantry

Respond ONLY with a JSON object {"triples": [...]}, no markdown. Example:
{"triples":[{"subject_entity_id":"customer:acme_1","predicate":"payment_terms","predicate_type":"preference","object_value":"NET30","confidence":0.9,"confidence_factors":{"explicitness":0.9}}]}`

// TriplePrompt renders the extraction prompt for one statement.
func TriplePrompt(text string, entities []domain.ResolvedEntity, eventType domain.EventType) string {
	var eb strings.Builder
	for _, e := range entities {
		fmt.Fprintf(&eb, "- %s (%s) %q\n", e.EntityID, e.EntityType, e.CanonicalName)
	}
	if eb.Len() == 0 {
		eb.WriteString("(none)\n")
	}
	return fmt.Sprintf(triplePrompt, eventType, eb.String(), text)
}

const replyPrompt = `You are a business operations assistant with long-term memory.
Answer the user's message using the context below. Database facts are
authoritative; remembered facts are contextual and may be stale. If an
open conflict is listed, mention the discrepancy rather than guessing.
Be concise and concrete.

%sUser message:
%s`

// ReplyPrompt renders the synthesis prompt from the assembled context.
// Domain facts come first (authoritative), then memories, recent
// conversation, and open conflicts.
func ReplyPrompt(rc domain.ReplyContext) string {
	var b strings.Builder

	if len(rc.DomainFacts) > 0 {
		b.WriteString("Database facts (authoritative):\n")
		for _, f := range rc.DomainFacts {
			fmt.Fprintf(&b, "- [%s] %s\n", f.SourceTable, f.Content)
		}
		b.WriteString("\n")
	}
	if len(rc.Memories) > 0 {
		b.WriteString("Remembered context:\n")
		for _, m := range rc.Memories {
			fmt.Fprintf(&b, "- (%s, confidence %.2f) %s\n", m.MemoryType, m.EffectiveConfidence, m.Content)
		}
		b.WriteString("\n")
	}
	if len(rc.RecentEvents) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, ev := range rc.RecentEvents {
			fmt.Fprintf(&b, "%s: %s\n", ev.Role, ev.Content)
		}
		b.WriteString("\n")
	}
	if len(rc.OpenConflicts) > 0 {
		b.WriteString("Open conflicts:\n")
		for _, c := range rc.OpenConflicts {
			fmt.Fprintf(&b, "- %s on %q: stored %v vs new %v\n", c.Type, c.Predicate, c.ExistingValue, c.NewValue)
		}
		b.WriteString("\n")
	}

	return fmt.Sprintf(replyPrompt, b.String(), rc.Query.Text)
}
