package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/domain"
)

const (
	defaultTopK = 15

	halfLifeEpisodicDays = 30
	halfLifeDefaultDays  = 90

	summaryBonus   = 1.15
	agingPenalty   = 0.8
	mmrSkipAbove   = 0.9
	neutralSignal  = 0.5
	maxReinforceAt = 5
)

// ScoredMemory is one retrieval hit with its final score and the decayed
// confidence it was weighted by.
type ScoredMemory struct {
	Item                domain.Retrievable
	Score               float64
	EffectiveConfidence float64
}

// Retriever fans candidate generation out across the four memory kinds,
// scores them with the five-signal blend, and packs the winners into the
// context budget. Scoring is deterministic; no model calls.
type Retriever struct {
	semantic   domain.SemanticStore
	episodic   domain.EpisodicStore
	procedural domain.ProceduralStore
	summaries  domain.SummaryStore
	logger     *zap.Logger
}

func NewRetriever(semantic domain.SemanticStore, episodic domain.EpisodicStore, procedural domain.ProceduralStore, summaries domain.SummaryStore, logger *zap.Logger) *Retriever {
	return &Retriever{
		semantic:   semantic,
		episodic:   episodic,
		procedural: procedural,
		summaries:  summaries,
		logger:     logger,
	}
}

// Retrieve runs the full pipeline: parallel candidate generation, scoring,
// diversity selection, budget packing.
func (r *Retriever) Retrieve(ctx context.Context, cfg config.Settings, q domain.Query, strategy domain.Strategy, topK int, now time.Time) ([]ScoredMemory, error) {
	if topK <= 0 {
		topK = defaultTopK
	}

	candidates, err := r.gather(ctx, cfg, q, strategy)
	if err != nil {
		return nil, err
	}

	scored := r.score(cfg, q, strategy, candidates, now)
	selected := selectDiverse(cfg, scored, topK)
	return packBudget(cfg, selected), nil
}

// gather queries all four sources concurrently. Entity filters apply to
// semantic and episodic generation only under entity-focused strategies.
func (r *Retriever) gather(ctx context.Context, cfg config.Settings, q domain.Query, strategy domain.Strategy) ([]domain.Retrievable, error) {
	filters := domain.CandidateFilters{TimeRange: q.TimeRange}
	if strategy == domain.StrategyFactualEntity && len(q.EntityIDs) > 0 {
		filters.EntityIDs = q.EntityIDs
	}

	var (
		semantic   []domain.SemanticCandidate
		episodic   []domain.EpisodicCandidate
		procedural []domain.ProceduralCandidate
		summaries  []domain.SummaryCandidate
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		semantic, err = r.semantic.Candidates(gctx, q.UserID, q.Embedding, filters, cfg.OverFetchSemantic)
		return err
	})
	g.Go(func() error {
		var err error
		episodic, err = r.episodic.Candidates(gctx, q.UserID, q.Embedding, filters, cfg.OverFetchEpisodic)
		return err
	})
	g.Go(func() error {
		var err error
		procedural, err = r.procedural.Candidates(gctx, q.UserID, q.Embedding, cfg.OverFetchProcedural)
		return err
	})
	g.Go(func() error {
		var err error
		summaries, err = r.summaries.Candidates(gctx, q.UserID, q.Embedding, cfg.OverFetchSummaries)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("candidate generation: %w", err)
	}

	type key struct {
		kind domain.MemoryKind
		id   int64
	}
	seen := make(map[key]bool)
	var out []domain.Retrievable
	add := func(item domain.Retrievable) {
		k := key{item.Kind(), item.MemoryID()}
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, item)
	}
	for _, c := range semantic {
		add(c)
	}
	for _, c := range episodic {
		add(c)
	}
	for _, c := range procedural {
		add(c)
	}
	for _, c := range summaries {
		add(c)
	}
	return out, nil
}

func (r *Retriever) score(cfg config.Settings, q domain.Query, strategy domain.Strategy, candidates []domain.Retrievable, now time.Time) []ScoredMemory {
	weights := cfg.WeightsFor(string(strategy))

	var pool []ScoredMemory
	var bestSummary *ScoredMemory
	for _, item := range candidates {
		s := scoreOne(cfg, weights, q, item, now)
		if item.Kind() == domain.KindSummary && (bestSummary == nil || s.Score > bestSummary.Score) {
			copied := s
			bestSummary = &copied
		}
		if s.Score < cfg.ScoreFloor {
			continue
		}
		pool = append(pool, s)
	}
	// An empty pool still gets the best summary when one exists, so the
	// reply never lacks all remembered context.
	if len(pool) == 0 && bestSummary != nil {
		pool = append(pool, *bestSummary)
	}

	sort.SliceStable(pool, func(i, j int) bool { return pool[i].Score > pool[j].Score })
	return pool
}

func scoreOne(cfg config.Settings, weights [5]float64, q domain.Query, item domain.Retrievable, now time.Time) ScoredMemory {
	semantic := clamp01(1 - item.CosineDistance())

	entity := 0.0
	if len(q.EntityIDs) > 0 {
		wanted := make(map[string]bool, len(q.EntityIDs))
		for _, id := range q.EntityIDs {
			wanted[id] = true
		}
		overlap := 0
		for _, ref := range item.EntityRefs() {
			if wanted[ref] {
				overlap++
			}
		}
		entity = float64(overlap) / float64(len(q.EntityIDs))
	}

	halfLife := float64(halfLifeDefaultDays)
	if item.Kind() == domain.KindEpisodic {
		halfLife = halfLifeEpisodicDays
	}
	ageDays := math.Max(0, now.Sub(item.AgeReference()).Hours()/24)
	recency := math.Exp(-ageDays * math.Ln2 / halfLife)

	importance := clamp01(item.ImportanceScore())

	reinforcement := neutralSignal
	if count, ok := item.ReinforcementSignal(); ok {
		reinforcement = math.Min(1, float64(count)/maxReinforceAt)
	}

	score := weights[0]*semantic + weights[1]*entity + weights[2]*recency +
		weights[3]*importance + weights[4]*reinforcement

	effective := 1.0
	if stored, ok := item.StoredConfidence(); ok {
		effective = clampConfidence(cfg, EffectiveConfidence(cfg, stored, item.AgeReference(), now))
		score *= effective
	}
	if item.Kind() == domain.KindSummary {
		score *= summaryBonus
	}
	if sc, ok := item.(domain.SemanticCandidate); ok && IsAging(cfg, sc.SemanticMemory, now) {
		score *= agingPenalty
	}

	return ScoredMemory{Item: item, Score: score, EffectiveConfidence: effective}
}

// selectDiverse picks topK by maximal marginal relevance. When the best
// candidate is already a near-certain hit, plain top-k is good enough.
func selectDiverse(cfg config.Settings, pool []ScoredMemory, topK int) []ScoredMemory {
	if len(pool) <= topK {
		return pool
	}
	if pool[0].Score > mmrSkipAbove {
		return pool[:topK]
	}

	lambda := cfg.MMRLambda
	remaining := append([]ScoredMemory(nil), pool...)
	selected := make([]ScoredMemory, 0, topK)

	for len(selected) < topK && len(remaining) > 0 {
		bestIdx := 0
		bestVal := math.Inf(-1)
		for i, cand := range remaining {
			redundancy := 0.0
			for _, s := range selected {
				if sim := vectorSimilarity(candidateVector(cand.Item), candidateVector(s.Item)); sim > redundancy {
					redundancy = sim
				}
			}
			val := lambda*cand.Score - (1-lambda)*redundancy
			if val > bestVal {
				bestVal = val
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// packBudget orders summaries first, then the rest by score, and cuts off
// at the context token budget (~4 characters per token). Each memory kind
// is additionally capped at its configured retrieval limit.
func packBudget(cfg config.Settings, selected []ScoredMemory) []ScoredMemory {
	ordered := make([]ScoredMemory, 0, len(selected))
	for _, s := range selected {
		if s.Item.Kind() == domain.KindSummary {
			ordered = append(ordered, s)
		}
	}
	for _, s := range selected {
		if s.Item.Kind() != domain.KindSummary {
			ordered = append(ordered, s)
		}
	}

	limits := map[domain.MemoryKind]int{
		domain.KindSummary:    cfg.RetrievalLimitSummaries,
		domain.KindSemantic:   cfg.RetrievalLimitSemantic,
		domain.KindEpisodic:   cfg.RetrievalLimitEpisodic,
		domain.KindProcedural: cfg.RetrievalLimitProcedural,
	}
	perKind := make(map[domain.MemoryKind]int, len(limits))

	budget := cfg.ContextTokenBudget
	used := 0
	var packed []ScoredMemory
	for _, s := range ordered {
		kind := s.Item.Kind()
		if limit, ok := limits[kind]; ok && perKind[kind] >= limit {
			continue
		}
		tokens := len(s.Item.Snippet())/4 + 1
		if used+tokens > budget && len(packed) > 0 {
			break
		}
		used += tokens
		perKind[kind]++
		packed = append(packed, s)
	}
	return packed
}

func candidateVector(item domain.Retrievable) []float32 {
	switch c := item.(type) {
	case domain.SemanticCandidate:
		return c.Embedding
	case domain.EpisodicCandidate:
		return c.Embedding
	case domain.ProceduralCandidate:
		return c.Embedding
	case domain.SummaryCandidate:
		return c.Embedding
	default:
		return nil
	}
}

// vectorSimilarity is cosine similarity, 0 when either vector is missing.
func vectorSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func clampConfidence(cfg config.Settings, v float64) float64 {
	return math.Max(0, math.Min(cfg.MaxConfidence, v))
}
