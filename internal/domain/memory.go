package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// MaxConfidence is the ceiling for every stored confidence in the system.
const MaxConfidence = 0.95

type MemoryKind string

const (
	KindSemantic   MemoryKind = "semantic"
	KindEpisodic   MemoryKind = "episodic"
	KindProcedural MemoryKind = "procedural"
	KindSummary    MemoryKind = "summary"
)

type PredicateType string

const (
	PredicatePreference  PredicateType = "preference"
	PredicateRequirement PredicateType = "requirement"
	PredicateObservation PredicateType = "observation"
	PredicatePolicy      PredicateType = "policy"
	PredicateAttribute   PredicateType = "attribute"
)

// ValidPredicateType reports whether t is one of the known predicate
// types. The column itself is an open string; unknown values are kept on
// read but rejected on write.
func ValidPredicateType(t string) bool {
	switch PredicateType(t) {
	case PredicatePreference, PredicateRequirement, PredicateObservation, PredicatePolicy, PredicateAttribute:
		return true
	}
	return false
}

type MemoryStatus string

const (
	StatusActive      MemoryStatus = "active"
	StatusAging       MemoryStatus = "aging" // virtual, never persisted
	StatusSuperseded  MemoryStatus = "superseded"
	StatusInvalidated MemoryStatus = "invalidated"
)

type SourceType string

const (
	SourceEpisodic      SourceType = "episodic"
	SourceConsolidation SourceType = "consolidation"
	SourceInference     SourceType = "inference"
	SourceCorrection    SourceType = "correction"
)

// ObjectValue is a typed object slot for a semantic triple. Type is one of
// "string", "number", "boolean", "enum", "structured"; Unit is optional.
type ObjectValue struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

// SemanticMemory is one subject-predicate-object fact with lifecycle state.
type SemanticMemory struct {
	ID                 int64              `json:"id"`
	UserID             string             `json:"user_id"`
	SubjectEntityID    *string            `json:"subject_entity_id,omitempty"`
	Predicate          string             `json:"predicate"`
	PredicateType      PredicateType      `json:"predicate_type"`
	ObjectValue        ObjectValue        `json:"object_value"`
	Confidence         float64            `json:"confidence"`
	ConfidenceFactors  map[string]float64 `json:"confidence_factors,omitempty"`
	ReinforcementCount int                `json:"reinforcement_count"`
	LastValidatedAt    *time.Time         `json:"last_validated_at,omitempty"`
	SourceType         SourceType         `json:"source_type"`
	SourceMemoryID     *int64             `json:"source_memory_id,omitempty"`
	ExtractedFromEvent *int64             `json:"extracted_from_event_id,omitempty"`
	Status             MemoryStatus       `json:"status"`
	SupersededBy       *int64             `json:"superseded_by,omitempty"`
	Embedding          []float32          `json:"-"`
	Importance         float64            `json:"importance"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// AgeReference is the timestamp decay is measured from.
func (m SemanticMemory) AgeReference() time.Time {
	if m.LastValidatedAt != nil {
		return *m.LastValidatedAt
	}
	return m.CreatedAt
}

// RenderObjectValue produces the stable textual form of an object value,
// used both for embedding input and for reply context.
func RenderObjectValue(v ObjectValue) string {
	s := stringifyValue(v.Value)
	if v.Unit != "" {
		return s + " " + v.Unit
	}
	return s
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// EventType classifies what kind of utterance produced an episodic memory.
type EventType string

const (
	EventQuestion     EventType = "question"
	EventStatement    EventType = "statement"
	EventCommand      EventType = "command"
	EventCorrection   EventType = "correction"
	EventConfirmation EventType = "confirmation"
)

// EntityMentionRecord is the inline mention structure stored with an
// episodic memory.
type EntityMentionRecord struct {
	EntityID string           `json:"entity_id"`
	Name     string           `json:"name"`
	Type     EntityType       `json:"type"`
	Mentions []MentionInstance `json:"mentions"`
}

type MentionInstance struct {
	Text          string `json:"text"`
	Offset        int    `json:"offset"`
	IsCoreference bool   `json:"is_coreference"`
}

type EpisodicMemory struct {
	ID             int64                 `json:"id"`
	UserID         string                `json:"user_id"`
	SessionID      uuid.UUID             `json:"session_id"`
	Summary        string                `json:"summary"`
	EventType      EventType             `json:"event_type"`
	SourceEventIDs []int64               `json:"source_event_ids"`
	Entities       []EntityMentionRecord `json:"entities,omitempty"`
	DomainFacts    map[string]any        `json:"domain_facts,omitempty"`
	Importance     float64               `json:"importance"`
	Embedding      []float32             `json:"-"`
	CreatedAt      time.Time             `json:"created_at"`
}

type ProceduralMemory struct {
	ID              int64          `json:"id"`
	UserID          string         `json:"user_id"`
	TriggerPattern  string         `json:"trigger_pattern"`
	TriggerFeatures map[string]any `json:"trigger_features,omitempty"`
	ActionHeuristic string         `json:"action_heuristic"`
	ActionStructure map[string]any `json:"action_structure,omitempty"`
	ObservedCount   int            `json:"observed_count"`
	Confidence      float64        `json:"confidence"`
	Embedding       []float32      `json:"-"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type SummaryScope string

const (
	ScopeEntity        SummaryScope = "entity"
	ScopeTopic         SummaryScope = "topic"
	ScopeSessionWindow SummaryScope = "session_window"
)

type MemorySummary struct {
	ID           int64          `json:"id"`
	UserID       string         `json:"user_id"`
	ScopeType    SummaryScope   `json:"scope_type"`
	ScopeID      string         `json:"scope_id"`
	Summary      string         `json:"summary"`
	KeyFacts     map[string]any `json:"key_facts,omitempty"`
	SourceData   SummarySource  `json:"source_data"`
	PredecessorID *int64        `json:"predecessor_id,omitempty"`
	Confidence   float64        `json:"confidence"`
	Embedding    []float32      `json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SummarySource records which items a summary aggregates.
type SummarySource struct {
	MemoryIDs []int64    `json:"memory_ids,omitempty"`
	EventIDs  []int64    `json:"event_ids,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
}
