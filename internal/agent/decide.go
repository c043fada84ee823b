package agent

import (
	"math/rand"
	"sort"

	"github.com/capsim/capsim/internal/domain"
	"github.com/capsim/capsim/internal/event"
	"github.com/capsim/capsim/internal/reference"
)

// Action is the at-most-one discretionary action a decision picks,
// modeled as a tagged variant: exactly the fields relevant to Kind are
// meaningful.
type Action struct {
	Kind  event.Kind
	Topic domain.Topic
	Level PurchaseLevel
	Score float64
}

// DecisionConfig carries the gates and thresholds the decision function
// reads, sourced from runconfig.Config.
type DecisionConfig struct {
	DecideThreshold     float64
	PostCooldownMin     float64
	SelfDevCooldownMin  float64
	PurchaseCooldownMin [NumPurchaseLevels]float64
	PurchaseDailyCap    [NumPurchaseLevels]int
}

// DefaultDecisionConfig returns reasonable defaults; production callers
// wire these from runconfig.Config instead.
func DefaultDecisionConfig() DecisionConfig {
	return DecisionConfig{
		DecideThreshold:     0.25,
		PostCooldownMin:     120,
		SelfDevCooldownMin:  180,
		PurchaseCooldownMin: [NumPurchaseLevels]float64{60, 240, 720},
		PurchaseDailyCap:    [NumPurchaseLevels]int{5, 2, 1},
	}
}

// candidate is an internal scoring result used to pick the best of the
// three action kinds the agent is eligible for this call.
type candidate struct {
	action *Action
	score  float64
}

// DecideAction evaluates PublishPost, Purchase, and SelfDev eligibility
// and scoring, and returns the single highest-scoring action that
// clears its gate and the decide threshold, or (nil, false) if none
// qualifies.
func (p *Person) DecideAction(simTime float64, tables *reference.Tables, cfg DecisionConfig, rng *rand.Rand) (*Action, bool) {
	var candidates []candidate

	if c, ok := p.publishCandidate(simTime, tables, cfg, rng); ok {
		candidates = append(candidates, c)
	}
	if c, ok := p.purchaseCandidate(simTime, cfg, rng); ok {
		candidates = append(candidates, c)
	}
	if c, ok := p.selfDevCandidate(simTime, cfg, rng); ok {
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
		}
	}
	return best.action, true
}

// bestInterest returns the interest category with the highest weight,
// breaking ties lexicographically by category name.
func (p *Person) bestInterest() (domain.InterestCategory, bool) {
	if len(p.Interests) == 0 {
		return "", false
	}
	cats := make([]domain.InterestCategory, 0, len(p.Interests))
	for c := range p.Interests {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	best := cats[0]
	bestVal := p.Interests[best]
	for _, c := range cats[1:] {
		if p.Interests[c] > bestVal {
			best = c
			bestVal = p.Interests[c]
		}
	}
	return best, true
}

func (p *Person) publishCandidate(simTime float64, tables *reference.Tables, cfg DecisionConfig, rng *rand.Rand) (candidate, bool) {
	a := p.Attributes
	if a.EnergyLevel < 1.0 || a.TimeBudget < 1 || a.TrendReceptivity <= 0 {
		return candidate{}, false
	}
	if p.LastPostTS != neverTS && simTime-p.LastPostTS < cfg.PostCooldownMin {
		return candidate{}, false
	}

	category, ok := p.bestInterest()
	if !ok {
		return candidate{}, false
	}
	topic, ok := tables.CanonicalTopicForInterest(category)
	if !ok {
		return candidate{}, false
	}

	interest := p.Interests[category]
	affinity := tables.Affinity(p.Profession, topic)
	score := (0.5*interest/5 + 0.3*a.SocialStatus/5 + 0.2*rng.Float64()) * affinity / 5

	if score < cfg.DecideThreshold {
		return candidate{}, false
	}
	return candidate{action: &Action{Kind: event.KindPublishPost, Topic: topic, Score: score}, score: score}, true
}

func (p *Person) purchaseCandidate(simTime float64, cfg DecisionConfig, rng *rand.Rand) (candidate, bool) {
	a := p.Attributes
	if a.FinancialCapability < 1.0 || a.TimeBudget < 1 {
		return candidate{}, false
	}

	// Try the most expensive eligible level first: a qualifying agent
	// prefers the highest tier whose daily cap and cooldown allow it.
	for level := PurchaseLevelExpensive; level >= PurchaseLevelCheap; level-- {
		if p.PurchasesToday >= cfg.PurchaseDailyCap[level] {
			continue
		}
		last := p.LastPurchaseTS[level]
		if last != neverTS && simTime-last < cfg.PurchaseCooldownMin[level] {
			continue
		}
		score := 0.5*a.FinancialCapability/5 + 0.3*a.SocialStatus/5 + 0.2*rng.Float64()
		if score < cfg.DecideThreshold {
			continue
		}
		return candidate{action: &Action{Kind: event.KindPurchase, Level: level, Score: score}, score: score}, true
	}
	return candidate{}, false
}

func (p *Person) selfDevCandidate(simTime float64, cfg DecisionConfig, rng *rand.Rand) (candidate, bool) {
	a := p.Attributes
	if a.EnergyLevel < 1.0 || a.TimeBudget < 1 {
		return candidate{}, false
	}
	if p.LastSelfDevTS != neverTS && simTime-p.LastSelfDevTS < cfg.SelfDevCooldownMin {
		return candidate{}, false
	}
	score := 0.5*a.TrendReceptivity/5 + 0.3*a.SocialStatus/5 + 0.2*rng.Float64()
	if score < cfg.DecideThreshold {
		return candidate{}, false
	}
	return candidate{action: &Action{Kind: event.KindSelfDev, Score: score}, score: score}, true
}

// CanPerform reports whether kind's gates currently pass, without
// drawing from rng or computing a score. Lets callers filter eligible
// agents cheaply before spending a full DecideAction pass.
func (p *Person) CanPerform(kind event.Kind, simTime float64, cfg DecisionConfig) bool {
	a := p.Attributes
	switch kind {
	case event.KindPublishPost:
		if a.EnergyLevel < 1.0 || a.TimeBudget < 1 || a.TrendReceptivity <= 0 {
			return false
		}
		return p.LastPostTS == neverTS || simTime-p.LastPostTS >= cfg.PostCooldownMin
	case event.KindPurchase:
		if a.FinancialCapability < 1.0 || a.TimeBudget < 1 {
			return false
		}
		for level := PurchaseLevelCheap; level < NumPurchaseLevels; level++ {
			if p.PurchasesToday >= cfg.PurchaseDailyCap[level] {
				continue
			}
			last := p.LastPurchaseTS[level]
			if last == neverTS || simTime-last >= cfg.PurchaseCooldownMin[level] {
				return true
			}
		}
		return false
	case event.KindSelfDev:
		if a.EnergyLevel < 1.0 || a.TimeBudget < 1 {
			return false
		}
		return p.LastSelfDevTS == neverTS || simTime-p.LastSelfDevTS >= cfg.SelfDevCooldownMin
	default:
		return false
	}
}
