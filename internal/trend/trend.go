// Package trend implements the Trend aggregate: a topical artifact
// created by a publish action, amplified through interactions, and
// coverage-escalated as it spreads.
package trend

import (
	"math"

	"github.com/capsim/capsim/internal/domain"
)

// EscalationThresholds configures the total-interaction counts at which
// coverage escalates one notch (Low -> Middle -> High).
type EscalationThresholds struct {
	LowToMiddle   uint64
	MiddleToHigh  uint64
}

// DefaultEscalationThresholds returns the standard thresholds: 50 and 500.
func DefaultEscalationThresholds() EscalationThresholds {
	return EscalationThresholds{LowToMiddle: 50, MiddleToHigh: 500}
}

// Trend is a topical artifact. Originator and ParentID are opaque agent
// and trend identifiers rather than pointers, so no entity holds a
// direct reference to another.
type Trend struct {
	ID                uint64
	Topic             domain.Topic
	Originator        uint64
	ParentID          *uint64
	StartTime         float64
	BaseVirality      float64
	Coverage          domain.Coverage
	TotalInteractions uint64
	Sentiment         domain.Sentiment

	thresholds EscalationThresholds
}

// New creates a Trend with the given base virality, clamped to [0, 5].
// Coverage starts Low.
func New(id uint64, topic domain.Topic, originator uint64, parentID *uint64, startTime, baseVirality float64, sentiment domain.Sentiment) *Trend {
	if baseVirality < 0 {
		baseVirality = 0
	}
	if baseVirality > 5 {
		baseVirality = 5
	}
	return &Trend{
		ID:           id,
		Topic:        topic,
		Originator:   originator,
		ParentID:     parentID,
		StartTime:    startTime,
		BaseVirality: baseVirality,
		Coverage:     domain.CoverageLow,
		Sentiment:    sentiment,
		thresholds:   DefaultEscalationThresholds(),
	}
}

// WithThresholds overrides the default escalation thresholds. Intended
// for construction time only.
func (t *Trend) WithThresholds(th EscalationThresholds) *Trend {
	t.thresholds = th
	return t
}

// AddInteraction increments the total-interactions counter and escalates
// coverage if a threshold is crossed. Coverage only ever moves forward;
// it is never downgraded.
func (t *Trend) AddInteraction() {
	t.TotalInteractions++
	switch t.Coverage {
	case domain.CoverageLow:
		if t.TotalInteractions >= t.thresholds.LowToMiddle {
			t.Coverage = domain.CoverageMiddle
		}
	case domain.CoverageMiddle:
		if t.TotalInteractions >= t.thresholds.MiddleToHigh {
			t.Coverage = domain.CoverageHigh
		}
	}
}

// CurrentVirality returns the derived virality: base +
// 0.05*ln(total_interactions+1), clamped to 5.
func (t *Trend) CurrentVirality() float64 {
	v := t.BaseVirality + 0.05*math.Log(float64(t.TotalInteractions)+1)
	if v > 5 {
		return 5
	}
	return v
}

// CoverageFactor returns the exposure-impact multiplier for the trend's
// current coverage level: {0.3, 0.6, 1.0} for {Low, Middle, High}.
func (t *Trend) CoverageFactor() float64 {
	return domain.CoverageFactor(t.Coverage)
}
