package domain

import "time"

// RelationType is an open enum over ontology edge kinds.
type RelationType string

const (
	RelationHas               RelationType = "has"
	RelationCreates           RelationType = "creates"
	RelationRequires          RelationType = "requires"
	RelationFulfills          RelationType = "fulfills"
	RelationDependsOn         RelationType = "depends_on"
	RelationEnablesCreationOf RelationType = "enables_creation_of"
	RelationGenerates         RelationType = "generates"
)

type Cardinality string

const (
	OneToOne   Cardinality = "one_to_one"
	OneToMany  Cardinality = "one_to_many"
	ManyToMany Cardinality = "many_to_many"
)

// JoinSpec tells the store how to hop from one domain table to the next.
// On maps parent columns to child columns.
type JoinSpec struct {
	FromTable string            `json:"from_table"`
	ToTable   string            `json:"to_table"`
	On        map[string]string `json:"on"`
}

// OntologyEdge is one typed relation in the domain schema graph.
// (FromType, Relation, ToType) is unique.
type OntologyEdge struct {
	ID          int64          `json:"id"`
	FromType    EntityType     `json:"from_type"`
	Relation    RelationType   `json:"relation_type"`
	ToType      EntityType     `json:"to_type"`
	Cardinality Cardinality    `json:"cardinality"`
	Semantics   string         `json:"semantics,omitempty"`
	Join        JoinSpec       `json:"join_spec"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

// DomainFact is an authoritative fact read from the business schema during
// one turn. Transient: built by the augmenter, never persisted.
type DomainFact struct {
	FactType    string         `json:"fact_type"`
	EntityID    string         `json:"entity_id"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SourceTable string         `json:"source_table"`
	SourceRows  []string       `json:"source_rows"`
	RetrievedAt time.Time      `json:"retrieved_at"`
}

// QueryIntent is the coarse classification steering both the domain
// augmenter and the retrieval strategy.
type QueryIntent string

const (
	IntentOrderStatus     QueryIntent = "order_status"
	IntentFinancial       QueryIntent = "financial"
	IntentTaskManagement  QueryIntent = "task_management"
	IntentCustomerContext QueryIntent = "customer_context"
	IntentGeneral         QueryIntent = "general"
)
