package domain

import "time"

type Strategy string

const (
	StrategyExploratory   Strategy = "exploratory"
	StrategyFactualEntity Strategy = "factual_entity_focused"
	StrategyProcedural    Strategy = "procedural"
	StrategyAnalytical    Strategy = "analytical"
)

// StrategyForIntent maps a classified query intent to a retrieval strategy.
func StrategyForIntent(intent QueryIntent) Strategy {
	switch intent {
	case IntentOrderStatus, IntentFinancial, IntentCustomerContext:
		return StrategyFactualEntity
	case IntentTaskManagement:
		return StrategyProcedural
	default:
		return StrategyExploratory
	}
}

// Query is the retrieval request assembled by the orchestrator.
type Query struct {
	Text      string
	Embedding []float32
	EntityIDs []string
	Intent    QueryIntent
	TimeRange *TimeRange
	UserID    string
}

type TimeRange struct {
	From time.Time
	To   time.Time
}

// Retrievable is the shared scoring surface over the four memory kinds.
// Candidate rows returned by the store implement it so the scorer never
// switches on kind.
type Retrievable interface {
	Kind() MemoryKind
	MemoryID() int64
	Snippet() string
	CosineDistance() float64
	EntityRefs() []string
	ImportanceScore() float64
	// ReinforcementSignal returns (count, true) for kinds that track
	// reinforcement; ok=false means the neutral default applies.
	ReinforcementSignal() (int, bool)
	// StoredConfidence returns (confidence, true) for kinds that carry a
	// decaying confidence; episodic memories return ok=false.
	StoredConfidence() (float64, bool)
	AgeReference() time.Time
}

type SemanticCandidate struct {
	SemanticMemory
	Distance float64
}

func (c SemanticCandidate) Kind() MemoryKind        { return KindSemantic }
func (c SemanticCandidate) MemoryID() int64         { return c.ID }
func (c SemanticCandidate) CosineDistance() float64 { return c.Distance }
func (c SemanticCandidate) ImportanceScore() float64 { return c.Importance }

func (c SemanticCandidate) Snippet() string {
	subject := ""
	if c.SubjectEntityID != nil {
		subject = *c.SubjectEntityID + " "
	}
	return subject + c.Predicate + ": " + RenderObjectValue(c.ObjectValue)
}

func (c SemanticCandidate) EntityRefs() []string {
	if c.SubjectEntityID == nil {
		return nil
	}
	return []string{*c.SubjectEntityID}
}

func (c SemanticCandidate) ReinforcementSignal() (int, bool) { return c.ReinforcementCount, true }
func (c SemanticCandidate) StoredConfidence() (float64, bool) { return c.Confidence, true }

type EpisodicCandidate struct {
	EpisodicMemory
	Distance float64
}

func (c EpisodicCandidate) Kind() MemoryKind        { return KindEpisodic }
func (c EpisodicCandidate) MemoryID() int64         { return c.ID }
func (c EpisodicCandidate) Snippet() string         { return c.Summary }
func (c EpisodicCandidate) CosineDistance() float64 { return c.Distance }
func (c EpisodicCandidate) ImportanceScore() float64 { return c.Importance }

func (c EpisodicCandidate) EntityRefs() []string {
	refs := make([]string, 0, len(c.Entities))
	for _, e := range c.Entities {
		refs = append(refs, e.EntityID)
	}
	return refs
}

func (c EpisodicCandidate) ReinforcementSignal() (int, bool) { return 0, false }
func (c EpisodicCandidate) StoredConfidence() (float64, bool) { return 0, false }
func (c EpisodicCandidate) AgeReference() time.Time          { return c.CreatedAt }

type ProceduralCandidate struct {
	ProceduralMemory
	Distance float64
}

func (c ProceduralCandidate) Kind() MemoryKind        { return KindProcedural }
func (c ProceduralCandidate) MemoryID() int64         { return c.ID }
func (c ProceduralCandidate) Snippet() string         { return c.TriggerPattern + " -> " + c.ActionHeuristic }
func (c ProceduralCandidate) CosineDistance() float64 { return c.Distance }
func (c ProceduralCandidate) ImportanceScore() float64 { return 0.5 }
func (c ProceduralCandidate) EntityRefs() []string     { return nil }
func (c ProceduralCandidate) ReinforcementSignal() (int, bool) { return c.ObservedCount, true }
func (c ProceduralCandidate) StoredConfidence() (float64, bool) { return c.Confidence, true }
func (c ProceduralCandidate) AgeReference() time.Time  { return c.UpdatedAt }

type SummaryCandidate struct {
	MemorySummary
	Distance float64
}

func (c SummaryCandidate) Kind() MemoryKind        { return KindSummary }
func (c SummaryCandidate) MemoryID() int64         { return c.ID }
func (c SummaryCandidate) Snippet() string         { return c.Summary }
func (c SummaryCandidate) CosineDistance() float64 { return c.Distance }
func (c SummaryCandidate) ImportanceScore() float64 { return 0.5 }

func (c SummaryCandidate) EntityRefs() []string {
	if c.ScopeType == ScopeEntity {
		return []string{c.ScopeID}
	}
	return nil
}

func (c SummaryCandidate) ReinforcementSignal() (int, bool) { return 0, false }
func (c SummaryCandidate) StoredConfidence() (float64, bool) { return c.Confidence, true }
func (c SummaryCandidate) AgeReference() time.Time          { return c.CreatedAt }

// CandidateFilters narrows candidate generation per source.
type CandidateFilters struct {
	EntityIDs []string
	TimeRange *TimeRange
}
