package service

import (
	"math"
	"time"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/domain"
)

// Confidence lifecycle math. Decay is passive: nothing is ever written
// back on read, the effective value is computed from the stored one and
// the age. Reinforcement converges asymptotically on the ceiling so
// repeated confirmation never reaches certainty.

// agingMinReinforcement is the reinforcement count at which a memory is
// considered established and exempt from the aging penalty.
const agingMinReinforcement = 2

// EffectiveConfidence applies exponential decay to a stored confidence.
// ageRef is the last validation time (or creation when never validated).
func EffectiveConfidence(cfg config.Settings, stored float64, ageRef, now time.Time) float64 {
	days := now.Sub(ageRef).Hours() / 24
	if days <= 0 {
		return stored
	}
	return stored * math.Exp(-days*cfg.DecayRatePerDay)
}

// ReinforcedConfidence bumps a confidence toward the ceiling. The boost
// shrinks as the gap closes, so the ceiling is approached but never hit
// from below.
func ReinforcedConfidence(cfg config.Settings, current float64) float64 {
	next := current + cfg.ReinforcementBoost*(cfg.MaxConfidence-current)/cfg.MaxConfidence
	return math.Min(cfg.MaxConfidence, next)
}

// IsAging reports whether an active semantic memory has crossed the age
// threshold without enough reinforcement to be trusted at full weight.
func IsAging(cfg config.Settings, m domain.SemanticMemory, now time.Time) bool {
	if m.Status != domain.StatusActive {
		return false
	}
	if m.ReinforcementCount >= agingMinReinforcement {
		return false
	}
	days := now.Sub(m.AgeReference()).Hours() / 24
	return days > cfg.AgingThresholdDays
}

// EffectiveStatus is the status as observed by retrieval: stored status,
// except that stale under-reinforced active rows read as aging. The aging
// state is never persisted; a reinforcement clears it by resetting the
// age reference.
func EffectiveStatus(cfg config.Settings, m domain.SemanticMemory, now time.Time) domain.MemoryStatus {
	if IsAging(cfg, m, now) {
		return domain.StatusAging
	}
	return m.Status
}
