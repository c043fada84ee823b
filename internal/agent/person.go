// Package agent implements the Person entity: attribute state, exposure
// history, and the decision function that chooses at most one
// discretionary action per invocation.
package agent

import (
	"time"

	"github.com/capsim/capsim/internal/domain"
)

// NumPurchaseLevels is the fixed count of purchase tiers (cheap, mid,
// expensive). The tier set is closed, so per-level state lives in fixed
// arrays indexed by level rather than maps.
const NumPurchaseLevels = 3

// PurchaseLevel indexes one of the three purchase tiers.
type PurchaseLevel int

const (
	PurchaseLevelCheap PurchaseLevel = iota
	PurchaseLevelMid
	PurchaseLevelExpensive
)

// neverTS marks a cooldown timestamp that has not yet been set.
const neverTS = -1

// Attributes holds the five scalar attributes, each on [0, 5].
// TimeBudget is additionally held to a one-decimal, 0.5-step grid.
type Attributes struct {
	FinancialCapability float64 `json:"financial_capability"`
	TrendReceptivity    float64 `json:"trend_receptivity"`
	SocialStatus        float64 `json:"social_status"`
	EnergyLevel         float64 `json:"energy_level"`
	TimeBudget          float64 `json:"time_budget"`
}

// Get reads the attribute named by a, panicking on an unrecognized
// value; the five-member set is closed and callers always pass a
// domain.AllAttributes() member.
func (a Attributes) Get(attr domain.Attribute) float64 {
	switch attr {
	case domain.AttributeFinancialCapability:
		return a.FinancialCapability
	case domain.AttributeTrendReceptivity:
		return a.TrendReceptivity
	case domain.AttributeSocialStatus:
		return a.SocialStatus
	case domain.AttributeEnergyLevel:
		return a.EnergyLevel
	case domain.AttributeTimeBudget:
		return a.TimeBudget
	default:
		panic("agent: unknown attribute " + string(attr))
	}
}

func (a *Attributes) set(attr domain.Attribute, v float64) {
	switch attr {
	case domain.AttributeFinancialCapability:
		a.FinancialCapability = v
	case domain.AttributeTrendReceptivity:
		a.TrendReceptivity = v
	case domain.AttributeSocialStatus:
		a.SocialStatus = v
	case domain.AttributeEnergyLevel:
		a.EnergyLevel = v
	case domain.AttributeTimeBudget:
		a.TimeBudget = v
	default:
		panic("agent: unknown attribute " + string(attr))
	}
}

// Person is a long-lived agent: identity, profession, attribute state,
// interest vector, and the per-run bookkeeping (exposure history,
// cooldowns, daily counters) that resets on participant creation.
type Person struct {
	ID         uint64
	Profession domain.Profession

	// Name, Gender, BirthDate are immutable after creation.
	Name      string
	Gender    string
	BirthDate time.Time

	Attributes Attributes
	Interests  map[domain.InterestCategory]float64

	// BaseTimeBudget is the daily time allowance time_budget refills to
	// on each daily reset. Pinned at participant creation from the
	// seeded time_budget draw.
	BaseTimeBudget float64

	// ExposureHistory maps trend id to the simulated time of the most
	// recent exposure: at most one entry per trend, most recent time
	// retained.
	ExposureHistory map[uint64]float64

	LastPostTS     float64
	LastSelfDevTS  float64
	LastPurchaseTS [NumPurchaseLevels]float64
	PurchasesToday int
}

// New creates a Person with empty per-run state. Cooldown timestamps
// start at neverTS so the first action of any kind is never blocked by
// a cooldown gate.
func New(id uint64, profession domain.Profession, name, gender string, birthDate time.Time) *Person {
	return &Person{
		ID:              id,
		Profession:      profession,
		Name:            name,
		Gender:          gender,
		BirthDate:       birthDate,
		Interests:       make(map[domain.InterestCategory]float64, len(domain.AllInterests())),
		ExposureHistory: make(map[uint64]float64),
		LastPostTS:      neverTS,
		LastSelfDevTS:   neverTS,
		LastPurchaseTS:  [NumPurchaseLevels]float64{neverTS, neverTS, neverTS},
	}
}

// ResetDaily clears the per-day purchase counter. Invoked only by the
// DailyReset system event.
func (p *Person) ResetDaily() {
	p.PurchasesToday = 0
}

// RefillTimeBudget restores time_budget to the daily allowance and
// returns the history row for the change. Without this, time_budget
// would only ever be decremented by actions and every agent would stall
// within its first few actions of the whole run. No row is produced
// when the budget is already at (or somehow above) the allowance.
func (p *Person) RefillTimeBudget(simTime float64) []HistoryRow {
	delta := p.BaseTimeBudget - p.Attributes.TimeBudget
	if delta <= 0 {
		return nil
	}
	return p.ApplyUpdate(map[domain.Attribute]float64{
		domain.AttributeTimeBudget: delta,
	}, simTime, "daily_reset", nil)
}

// HistoryRow is one committed attribute-history entry: an append-only
// record of a single attribute mutation.
type HistoryRow struct {
	AgentID     uint64
	Attribute   domain.Attribute
	OldValue    float64
	NewValue    float64
	Delta       float64
	Reason      string
	SourceTrend *uint64
	SimTime     float64
}

// clampAttribute keeps every attribute within [0, 5]; time_budget is
// additionally rounded to the nearest 0.5 step.
func clampAttribute(attr domain.Attribute, v float64) float64 {
	if attr == domain.AttributeTimeBudget {
		v = roundToStep(v, 0.5)
	}
	if v < 0 {
		return 0
	}
	if v > 5 {
		return 5
	}
	return v
}

func roundToStep(v, step float64) float64 {
	return step * float64(int64(v/step+0.5))
}

// ApplyUpdate applies changes (attribute -> delta) to the person,
// clamping each result, and returns one HistoryRow per changed
// attribute. The delta recorded is always new minus old exactly, even
// when clamping altered the raw arithmetic result.
func (p *Person) ApplyUpdate(changes map[domain.Attribute]float64, simTime float64, reason string, sourceTrend *uint64) []HistoryRow {
	if len(changes) == 0 {
		return nil
	}
	rows := make([]HistoryRow, 0, len(changes))
	for attr, delta := range changes {
		old := p.Attributes.Get(attr)
		raw := old + delta
		newVal := clampAttribute(attr, raw)
		p.Attributes.set(attr, newVal)
		rows = append(rows, HistoryRow{
			AgentID:     p.ID,
			Attribute:   attr,
			OldValue:    old,
			NewValue:    newVal,
			Delta:       newVal - old,
			Reason:      reason,
			SourceTrend: sourceTrend,
			SimTime:     simTime,
		})
	}
	return rows
}

// ApplyInterestDelta adjusts an interest category by delta, clamped to
// [0, 5]. Interests are not part of the attribute_history contract, so
// no HistoryRow is produced.
func (p *Person) ApplyInterestDelta(cat domain.InterestCategory, delta float64) {
	v := p.Interests[cat] + delta
	if v < 0 {
		v = 0
	}
	if v > 5 {
		v = 5
	}
	p.Interests[cat] = v
}

// ExposedTo records an exposure to trend trendID at simTime and, if the
// trend is new or the previous exposure is at least cfg.CooldownMin
// sim-minutes old, applies the receptivity/energy deltas and returns the
// resulting history rows. The second return value reports whether the
// attribute deltas were applied; false means an existing exposure was
// too fresh to re-trigger them.
func (p *Person) ExposedTo(trendID uint64, simTime float64, topic domain.Topic, affinity, coverageFactor float64, cfg ExposureConfig) ([]HistoryRow, bool) {
	last, seen := p.ExposureHistory[trendID]
	apply := !seen || simTime-last >= cfg.CooldownMin
	p.ExposureHistory[trendID] = simTime // always retain the most recent time

	if !apply {
		return nil, false
	}

	deltaReceptivity := cfg.K1 * affinity / 5 * coverageFactor
	deltaEnergy := -cfg.K2

	rows := p.ApplyUpdate(map[domain.Attribute]float64{
		domain.AttributeTrendReceptivity: deltaReceptivity,
		domain.AttributeEnergyLevel:      deltaEnergy,
	}, simTime, "trend_exposure", &trendID)
	return rows, true
}

// ExposureConfig carries the exposure-effect coefficients.
type ExposureConfig struct {
	CooldownMin float64 // E: minimum sim-minutes between re-triggering exposures
	K1          float64 // trend_receptivity gain coefficient
	K2          float64 // energy_level loss coefficient
}

// DefaultExposureConfig returns reasonable defaults; callers in
// production wire these from runconfig.Config instead.
func DefaultExposureConfig() ExposureConfig {
	return ExposureConfig{CooldownMin: 60, K1: 0.3, K2: 0.05}
}
