package domain

import (
	"fmt"
	"strings"
	"time"
)

// EntityType is an open enum; the constants below are the types the domain
// schema ships with, but unknown values round-trip untouched.
type EntityType string

const (
	EntityCustomer  EntityType = "customer"
	EntityOrder     EntityType = "order"
	EntityInvoice   EntityType = "invoice"
	EntityWorkOrder EntityType = "work_order"
	EntityTask      EntityType = "task"
	EntityPerson    EntityType = "person"
	EntityLocation  EntityType = "location"
)

// ExternalRef points at the authoritative row backing a canonical entity.
type ExternalRef struct {
	SourceTable string `json:"source_table"`
	SourceID    string `json:"source_id"`
}

// CanonicalEntity is the stable identity for one real-world business
// object. IDs have the form "{type}:{opaque}".
type CanonicalEntity struct {
	ID            string         `json:"id"`
	EntityType    EntityType     `json:"entity_type"`
	CanonicalName string         `json:"canonical_name"`
	ExternalRef   *ExternalRef   `json:"external_ref,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// EntityID builds a canonical entity id from its type and opaque part.
func EntityID(t EntityType, opaque string) string {
	return fmt.Sprintf("%s:%s", t, opaque)
}

// TypeOfEntityID extracts the type prefix of a canonical entity id.
func TypeOfEntityID(id string) EntityType {
	if i := strings.IndexByte(id, ':'); i > 0 {
		return EntityType(id[:i])
	}
	return ""
}

type AliasSource string

const (
	AliasExact       AliasSource = "exact"
	AliasFuzzy       AliasSource = "fuzzy"
	AliasCoreference AliasSource = "coreference"
	AliasUserStated  AliasSource = "user_stated"
	AliasDomainDB    AliasSource = "domain_db"
)

func ValidAliasSource(s string) bool {
	switch AliasSource(s) {
	case AliasExact, AliasFuzzy, AliasCoreference, AliasUserStated, AliasDomainDB:
		return true
	}
	return false
}

// EntityAlias is one learned surface form for a canonical entity. A nil
// UserID makes the alias global. (Alias, UserID, EntityID) is unique.
type EntityAlias struct {
	ID         int64          `json:"id"`
	Alias      string         `json:"alias"`
	EntityID   string         `json:"entity_id"`
	Source     AliasSource    `json:"source"`
	UserID     *string        `json:"user_id,omitempty"`
	Confidence float64        `json:"confidence"`
	UseCount   int            `json:"use_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// FuzzyAliasMatch is one trigram-similarity hit against the alias table.
type FuzzyAliasMatch struct {
	Alias      string  `json:"alias"`
	EntityID   string  `json:"entity_id"`
	Similarity float64 `json:"similarity"`
}

// Mention is a candidate entity reference located in free text.
type Mention struct {
	Text                   string `json:"text"`
	Offset                 int    `json:"offset"`
	IsCoreferenceCandidate bool   `json:"is_coreference_candidate"`
}

type ResolutionMethod string

const (
	ResolveExact       ResolutionMethod = "exact"
	ResolveAlias       ResolutionMethod = "alias"
	ResolveFuzzy       ResolutionMethod = "fuzzy"
	ResolveCoreference ResolutionMethod = "coreference"
	ResolveDomainDB    ResolutionMethod = "domain_db"
	ResolveNone        ResolutionMethod = "none"
)

// DisambiguationCandidate is one choice offered back to the user when the
// resolver cannot pick a winner on its own.
type DisambiguationCandidate struct {
	EntityID      string  `json:"entity_id"`
	CanonicalName string  `json:"canonical_name"`
	Similarity    float64 `json:"similarity"`
}

// ResolutionResult is the outcome of resolving one mention. Ambiguity is a
// value, not an error: NeedsDisambiguation carries the candidate list and
// leaves EntityID empty.
type ResolutionResult struct {
	Mention             Mention                   `json:"mention"`
	EntityID            string                    `json:"entity_id,omitempty"`
	CanonicalName       string                    `json:"canonical_name,omitempty"`
	EntityType          EntityType                `json:"entity_type,omitempty"`
	Confidence          float64                   `json:"confidence"`
	Method              ResolutionMethod          `json:"method"`
	Reasoning           string                    `json:"reasoning,omitempty"`
	NeedsDisambiguation bool                      `json:"needs_disambiguation,omitempty"`
	Candidates          []DisambiguationCandidate `json:"candidates,omitempty"`
}

// Resolved reports whether the mention landed on a canonical entity.
func (r ResolutionResult) Resolved() bool {
	return r.EntityID != "" && !r.NeedsDisambiguation
}

// ConversationContext is the recency window the resolver consults for
// coreference.
type ConversationContext struct {
	UserID         string
	SessionID      string
	RecentMessages []ChatEvent
	RecentEntities []CanonicalEntity
}
