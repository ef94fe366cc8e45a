package config

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// SettingsSource is the read side of the system_config table.
type SettingsSource interface {
	All(ctx context.Context) (map[string][]byte, error)
}

// Settings is the immutable runtime tuning value threaded through the
// services. Defaults live here; the system_config table overrides per key
// and is re-read at turn boundaries only.
type Settings struct {
	EmbeddingDimension int

	RetrievalLimitSummaries  int
	RetrievalLimitSemantic   int
	RetrievalLimitEpisodic   int
	RetrievalLimitProcedural int

	OverFetchSummaries  int
	OverFetchSemantic   int
	OverFetchEpisodic   int
	OverFetchProcedural int

	MaxConfidence      float64
	ReinforcementBoost float64

	DecayRatePerDay    float64
	AgingThresholdDays float64

	FuzzyThreshold     float64
	FuzzyAutoAccept    float64
	FuzzyAutoAcceptGap float64

	AliasAcceptThreshold  float64
	CorefAcceptThreshold  float64
	DomainMatchConfidence float64

	StrategyWeights map[string][5]float64

	TurnDeadline  time.Duration
	EmbedDeadline time.Duration
	LLMDeadline   time.Duration
	StoreDeadline time.Duration

	ContextTokenBudget int
	DomainMaxFanout    int
	MMRLambda          float64
	ScoreFloor         float64
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		EmbeddingDimension: 1536,

		RetrievalLimitSummaries:  5,
		RetrievalLimitSemantic:   10,
		RetrievalLimitEpisodic:   10,
		RetrievalLimitProcedural: 10,

		OverFetchSummaries:  10,
		OverFetchSemantic:   50,
		OverFetchEpisodic:   50,
		OverFetchProcedural: 20,

		MaxConfidence:      0.95,
		ReinforcementBoost: 0.05,

		DecayRatePerDay:    0.0115,
		AgingThresholdDays: 90,

		FuzzyThreshold:     0.7,
		FuzzyAutoAccept:    0.85,
		FuzzyAutoAcceptGap: 0.15,

		AliasAcceptThreshold:  0.85,
		CorefAcceptThreshold:  0.7,
		DomainMatchConfidence: 0.85,

		// semantic, entity, recency, importance, reinforcement
		StrategyWeights: map[string][5]float64{
			"factual_entity_focused": {0.25, 0.40, 0.20, 0.10, 0.05},
			"procedural":             {0.45, 0.05, 0.05, 0.15, 0.30},
			"exploratory":            {0.35, 0.25, 0.15, 0.20, 0.05},
			"analytical":             {0.30, 0.15, 0.25, 0.25, 0.05},
		},

		TurnDeadline:  30 * time.Second,
		EmbedDeadline: 3 * time.Second,
		LLMDeadline:   15 * time.Second,
		StoreDeadline: 2 * time.Second,

		ContextTokenBudget: 3000,
		DomainMaxFanout:    20,
		MMRLambda:          0.7,
		ScoreFloor:         0.3,
	}
}

// LoadSettings merges system_config overrides onto the defaults. Unknown
// keys are ignored; malformed values log and keep the default.
func LoadSettings(ctx context.Context, src SettingsSource, logger *zap.Logger) Settings {
	s := Defaults()
	if src == nil {
		return s
	}
	values, err := src.All(ctx)
	if err != nil {
		logger.Warn("system config unavailable, using defaults", zap.Error(err))
		return s
	}

	decodeInt := func(key string, dst *int) {
		raw, ok := values[key]
		if !ok {
			return
		}
		var v int
		if err := json.Unmarshal(raw, &v); err != nil || v <= 0 {
			logger.Warn("bad config value", zap.String("key", key), zap.Error(err))
			return
		}
		*dst = v
	}
	decodeFloat := func(key string, dst *float64) {
		raw, ok := values[key]
		if !ok {
			return
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil || v < 0 {
			logger.Warn("bad config value", zap.String("key", key), zap.Error(err))
			return
		}
		*dst = v
	}
	decodeMillis := func(key string, dst *time.Duration) {
		raw, ok := values[key]
		if !ok {
			return
		}
		var ms int64
		if err := json.Unmarshal(raw, &ms); err != nil || ms <= 0 {
			logger.Warn("bad config value", zap.String("key", key), zap.Error(err))
			return
		}
		*dst = time.Duration(ms) * time.Millisecond
	}

	decodeInt("embedding.dimension", &s.EmbeddingDimension)

	decodeInt("retrieval.limits.summaries", &s.RetrievalLimitSummaries)
	decodeInt("retrieval.limits.semantic", &s.RetrievalLimitSemantic)
	decodeInt("retrieval.limits.episodic", &s.RetrievalLimitEpisodic)
	decodeInt("retrieval.limits.procedural", &s.RetrievalLimitProcedural)

	decodeInt("retrieval.over_fetch.summaries", &s.OverFetchSummaries)
	decodeInt("retrieval.over_fetch.semantic", &s.OverFetchSemantic)
	decodeInt("retrieval.over_fetch.episodic", &s.OverFetchEpisodic)
	decodeInt("retrieval.over_fetch.procedural", &s.OverFetchProcedural)

	decodeFloat("confidence.max", &s.MaxConfidence)
	decodeFloat("confidence.reinforcement_boost", &s.ReinforcementBoost)
	decodeFloat("decay.default_rate_per_day", &s.DecayRatePerDay)
	decodeFloat("decay.aging_threshold_days", &s.AgingThresholdDays)
	decodeFloat("fuzzy.threshold", &s.FuzzyThreshold)
	decodeFloat("fuzzy.auto_accept_gap", &s.FuzzyAutoAcceptGap)

	for name := range s.StrategyWeights {
		raw, ok := values["weights.strategy."+name]
		if !ok {
			continue
		}
		var w [5]float64
		if err := json.Unmarshal(raw, &w); err != nil {
			logger.Warn("bad strategy weights", zap.String("strategy", name), zap.Error(err))
			continue
		}
		s.StrategyWeights[name] = w
	}

	decodeMillis("deadlines.turn_ms", &s.TurnDeadline)
	decodeMillis("deadlines.embed_ms", &s.EmbedDeadline)
	decodeMillis("deadlines.llm_ms", &s.LLMDeadline)
	decodeMillis("deadlines.store_ms", &s.StoreDeadline)

	decodeInt("context.token_budget", &s.ContextTokenBudget)
	decodeInt("domain.max_fanout_rows", &s.DomainMaxFanout)

	return s
}

// WeightsFor returns the five-signal weight vector for a strategy,
// falling back to exploratory.
func (s Settings) WeightsFor(strategy string) [5]float64 {
	if w, ok := s.StrategyWeights[strategy]; ok {
		return w
	}
	return s.StrategyWeights["exploratory"]
}
