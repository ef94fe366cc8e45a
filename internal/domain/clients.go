package domain

import (
	"context"
	"errors"
)

// Client failures split into retryable and terminal. Implementations wrap
// these sentinels so callers can errors.Is without knowing the provider.
var (
	ErrTransient = errors.New("transient backend error")
	ErrPermanent = errors.New("permanent backend error")
	ErrBadOutput = errors.New("client returned invalid output")
)

// EmbeddingClient produces fixed-dimension vectors, deterministic per
// (model, text).
type EmbeddingClient interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// CompleteOpts tunes one completion call.
type CompleteOpts struct {
	Temperature float32
	MaxTokens   int
	JSONMode    bool
}

// Completion is the result of one completer call, with accounting.
type Completion struct {
	Text         string  `json:"text"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostEstimate float64 `json:"cost_estimate"`
	LatencyMS    int64   `json:"latency_ms"`
}

// CompletionClient is the text-in/text-out collaborator. With JSONMode the
// returned text is guaranteed to parse as JSON or the call fails with
// ErrBadOutput.
type CompletionClient interface {
	Complete(ctx context.Context, prompt string, opts CompleteOpts) (*Completion, error)
}

// ExtractedTriple is the completer's output shape for triple extraction.
type ExtractedTriple struct {
	SubjectEntityID   string             `json:"subject_entity_id"`
	Predicate         string             `json:"predicate"`
	PredicateType     string             `json:"predicate_type"`
	ObjectValue       any                `json:"object_value"`
	Confidence        float64            `json:"confidence"`
	ConfidenceFactors map[string]float64 `json:"confidence_factors,omitempty"`
}

// CoreferenceAnswer is the completer's output shape for coreference.
type CoreferenceAnswer struct {
	EntityID   *string `json:"entity_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}
