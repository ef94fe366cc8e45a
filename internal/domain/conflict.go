package domain

import "time"

type ConflictType string

const (
	ConflictMemoryVsMemory ConflictType = "memory_vs_memory"
	ConflictMemoryVsDB     ConflictType = "memory_vs_db"
	ConflictTemporal       ConflictType = "temporal"
)

type ResolutionStrategy string

const (
	TrustDB               ResolutionStrategy = "trust_db"
	TrustRecent           ResolutionStrategy = "trust_recent"
	TrustHigherConfidence ResolutionStrategy = "trust_higher_confidence"
	AskUser               ResolutionStrategy = "ask_user"
	BothValid             ResolutionStrategy = "both_valid"
)

func ValidResolutionStrategy(s string) bool {
	switch ResolutionStrategy(s) {
	case TrustDB, TrustRecent, TrustHigherConfidence, AskUser, BothValid:
		return true
	}
	return false
}

// ConflictSide captures one party of a recorded disagreement.
type ConflictSide struct {
	MemoryID   *int64      `json:"memory_id,omitempty"`
	Source     string      `json:"source"` // "memory", "incoming", "domain_db"
	Value      ObjectValue `json:"value"`
	Confidence float64     `json:"confidence"`
}

// MemoryConflict is a persisted disagreement between a new triple and an
// active memory or a domain fact, plus the strategy chosen to resolve it.
type MemoryConflict struct {
	ID         int64              `json:"id"`
	EventID    int64              `json:"detected_at_event_id"`
	Type       ConflictType       `json:"type"`
	Subject    string             `json:"subject,omitempty"`
	Predicate  string             `json:"predicate"`
	Existing   ConflictSide       `json:"existing"`
	Incoming   ConflictSide       `json:"incoming"`
	Strategy   ResolutionStrategy `json:"resolution_strategy"`
	Outcome    map[string]any     `json:"resolution_outcome,omitempty"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}
