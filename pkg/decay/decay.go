// Package decay implements the dual-tier memory decay model and the periodic
// scheduler that drives maintenance passes.
//
// Strength decays exponentially with the days since last access. The rate
// depends on the tier, SHORT decaying faster than LONG, and is divided by a
// dampening factor 1 + k·ln(1+access_count), so frequently used memories fade
// more slowly:
//
//	strength' = clamp(strength · exp(−rate · days / (1 + k·ln(1+access))), 0, 1)
package decay

import (
	"math"
	"time"

	"github.com/fademem/fademem/config"
)

// Tier is the placement of a memory.
type Tier string

const (
	TierShort Tier = "short"
	TierLong  Tier = "long"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierShort || t == TierLong
}

// ParseTier accepts short/long and the legacy sml/lml spellings.
func ParseTier(s string) (Tier, bool) {
	switch s {
	case "short", "SHORT", "sml":
		return TierShort, true
	case "long", "LONG", "lml":
		return TierLong, true
	}
	return "", false
}

// Params holds the decay, forgetting and promotion tunables.
type Params struct {
	RateShort       float64
	RateLong        float64
	AccessDampening float64

	ForgettingThreshold float64

	PromotionAccessThreshold   int
	PromotionStrengthThreshold float64
}

// DefaultParams returns the stock tunables.
func DefaultParams() Params {
	return Params{
		RateShort:                  0.15,
		RateLong:                   0.02,
		AccessDampening:            0.5,
		ForgettingThreshold:        0.1,
		PromotionAccessThreshold:   3,
		PromotionStrengthThreshold: 0.7,
	}
}

// FromConfig maps the lifecycle config section onto Params.
func FromConfig(cfg config.LifecycleConfig) Params {
	return Params{
		RateShort:                  cfg.DecayRateShort,
		RateLong:                   cfg.DecayRateLong,
		AccessDampening:            cfg.AccessDampening,
		ForgettingThreshold:        cfg.ForgettingThreshold,
		PromotionAccessThreshold:   cfg.PromotionAccessThreshold,
		PromotionStrengthThreshold: cfg.PromotionStrengthThreshold,
	}
}

// Clamp bounds s to [0, 1]. NaN becomes 0.
func Clamp(s float64) float64 {
	switch {
	case math.IsNaN(s) || s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// ElapsedDays returns the fractional days from last to now, never negative.
func ElapsedDays(last, now time.Time) float64 {
	if last.IsZero() || !now.After(last) {
		return 0
	}
	return now.Sub(last).Hours() / 24
}

// Rate returns the decay rate of the tier.
func (p Params) Rate(tier Tier) float64 {
	if tier == TierLong {
		return p.RateLong
	}
	return p.RateShort
}

// Dampening returns 1 + k·ln(1+accessCount).
func (p Params) Dampening(accessCount int) float64 {
	if accessCount < 0 {
		accessCount = 0
	}
	return 1 + p.AccessDampening*math.Log1p(float64(accessCount))
}

// Strength returns the decayed strength of a memory last accessed at
// lastAccessed, evaluated at now.
func (p Params) Strength(current float64, lastAccessed, now time.Time, accessCount int, tier Tier) float64 {
	days := ElapsedDays(lastAccessed, now)
	return Clamp(current * math.Exp(-p.Rate(tier)*days/p.Dampening(accessCount)))
}

// ShouldForget reports whether strength fell below the forgetting threshold.
func (p Params) ShouldForget(strength float64) bool {
	return strength < p.ForgettingThreshold
}

// ShouldPromote reports whether a SHORT memory qualifies for the LONG tier.
func (p Params) ShouldPromote(tier Tier, accessCount int, strength float64) bool {
	return tier == TierShort &&
		accessCount >= p.PromotionAccessThreshold &&
		strength >= p.PromotionStrengthThreshold
}

// Outcome is the result of evaluating one memory in a maintenance pass.
type Outcome struct {
	Strength float64
	Forget   bool
	Promote  bool
}

// Evaluate decays a memory and decides whether it is forgotten or promoted.
// Forgetting wins over promotion.
func (p Params) Evaluate(current float64, lastAccessed, now time.Time, accessCount int, tier Tier) Outcome {
	s := p.Strength(current, lastAccessed, now, accessCount, tier)
	if p.ShouldForget(s) {
		return Outcome{Strength: s, Forget: true}
	}
	return Outcome{Strength: s, Promote: p.ShouldPromote(tier, accessCount, s)}
}
