package domain

import "github.com/google/uuid"

// DisambiguationSelection is the user's answer to a prior
// disambiguation_required response.
type DisambiguationSelection struct {
	OriginalMention  string `json:"original_mention"`
	SelectedEntityID string `json:"selected_entity_id"`
}

// TurnInput is one user turn handed to the orchestrator. A nil SessionID
// starts a new session.
type TurnInput struct {
	UserID                  string                   `json:"user_id"`
	SessionID               *uuid.UUID               `json:"session_id,omitempty"`
	Message                 string                   `json:"message"`
	DisambiguationSelection *DisambiguationSelection `json:"disambiguation_selection,omitempty"`
}

// ResolvedEntity is the wire form of a successful resolution.
type ResolvedEntity struct {
	Mention       string           `json:"mention"`
	EntityID      string           `json:"entity_id"`
	CanonicalName string           `json:"canonical_name"`
	EntityType    EntityType       `json:"entity_type"`
	Confidence    float64          `json:"confidence"`
	Method        ResolutionMethod `json:"method"`
}

// RetrievedMemory is one scored item in the turn response.
type RetrievedMemory struct {
	MemoryID            int64      `json:"memory_id"`
	MemoryType          MemoryKind `json:"memory_type"`
	Content             string     `json:"content"`
	RelevanceScore      float64    `json:"relevance_score"`
	EffectiveConfidence float64    `json:"effective_confidence"`
}

type MemoryAction string

const (
	ActionCreated    MemoryAction = "created"
	ActionReinforced MemoryAction = "reinforced"
)

// MemoryChange reports a semantic memory created or reinforced this turn.
type MemoryChange struct {
	MemoryID   int64        `json:"memory_id"`
	Action     MemoryAction `json:"action"`
	Confidence float64      `json:"confidence"`
}

// ConflictReport is the wire form of a conflict surfaced in a turn.
type ConflictReport struct {
	Type          ConflictType       `json:"type"`
	Subject       string             `json:"subject,omitempty"`
	Predicate     string             `json:"predicate"`
	ExistingValue any                `json:"existing_value"`
	NewValue      any                `json:"new_value"`
	Strategy      ResolutionStrategy `json:"resolution_strategy"`
}

// Provenance lists the sources that justify the reply, in pack order.
type Provenance struct {
	SourceMemoryIDs []int64 `json:"source_memory_ids"`
	SourceEventIDs  []int64 `json:"source_event_ids"`
}

// TurnResult is the structured outcome of one processed turn.
type TurnResult struct {
	SessionID              uuid.UUID                 `json:"session_id"`
	EventID                int64                     `json:"event_id"`
	Reply                  string                    `json:"reply"`
	ResolvedEntities       []ResolvedEntity          `json:"resolved_entities"`
	DisambiguationRequired bool                      `json:"disambiguation_required"`
	Candidates             []DisambiguationCandidate `json:"candidates"`
	DomainFacts            []DomainFact              `json:"domain_facts"`
	MemoriesRetrieved      []RetrievedMemory         `json:"memories_retrieved"`
	MemoriesChanged        []MemoryChange            `json:"memories_created_or_reinforced"`
	Conflicts              []ConflictReport          `json:"conflicts"`
	Provenance             Provenance                `json:"provenance"`
	TimedOut               bool                      `json:"timed_out"`
}

// ReplyContext is everything handed to the completer for reply synthesis.
// Domain facts are authoritative and come first; memories are contextual.
type ReplyContext struct {
	Query         Query
	DomainFacts   []DomainFact
	Memories      []RetrievedMemory
	RecentEvents  []ChatEvent
	OpenConflicts []ConflictReport
}
