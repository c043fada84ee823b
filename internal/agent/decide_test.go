package agent

import (
	"math/rand"
	"testing"
	"time"

	"github.com/capsim/capsim/internal/domain"
	"github.com/capsim/capsim/internal/event"
	"github.com/capsim/capsim/internal/reference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A single, highly engaged Developer with a strong Science affinity
// publishes on Science. Self-dev is cooling down and there is no
// financial capability, so neither SelfDev nor Purchase is a candidate
// that could outscore the post.
func TestDecideActionPublishesOnBestInterestTopic(t *testing.T) {
	p := New(1, domain.ProfessionDeveloper, "Ada", "female", time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC))
	p.Attributes = Attributes{
		FinancialCapability: 0,
		TrendReceptivity:    5,
		SocialStatus:        3,
		EnergyLevel:         5,
		TimeBudget:          5,
	}
	p.Interests = map[domain.InterestCategory]float64{
		domain.InterestKnowledge:    4.5,
		domain.InterestEconomics:    1.0,
		domain.InterestWellbeing:    1.0,
		domain.InterestSpirituality: 1.0,
		domain.InterestCreativity:   1.0,
		domain.InterestSociety:      1.0,
	}
	p.LastSelfDevTS = 0 // self-dev cooldown still running at sim-time 0

	tables := reference.Default()
	cfg := DefaultDecisionConfig()
	rng := rand.New(rand.NewSource(42))

	action, ok := p.DecideAction(0, tables, cfg, rng)
	require.True(t, ok)
	assert.Equal(t, event.KindPublishPost, action.Kind)
	assert.Equal(t, domain.TopicScience, action.Topic)
}

func TestDecideActionGatesOnEnergy(t *testing.T) {
	p := newTestPerson()
	p.Attributes.EnergyLevel = 0
	p.Attributes.FinancialCapability = 0 // keep the purchase path gated too
	p.Interests[domain.InterestKnowledge] = 5.0

	tables := reference.Default()
	cfg := DefaultDecisionConfig()
	rng := rand.New(rand.NewSource(1))

	_, ok := p.DecideAction(0, tables, cfg, rng)
	assert.False(t, ok)
}

func TestDecideActionRespectsPostCooldown(t *testing.T) {
	p := newTestPerson()
	p.Attributes = Attributes{FinancialCapability: 0, TrendReceptivity: 5, SocialStatus: 5, EnergyLevel: 5, TimeBudget: 5}
	p.Interests[domain.InterestKnowledge] = 5.0
	p.LastPostTS = 90
	p.LastSelfDevTS = 90 // self-dev cooling down as well, so only the post gate is in play

	tables := reference.Default()
	cfg := DefaultDecisionConfig()
	rng := rand.New(rand.NewSource(1))

	_, ok := p.DecideAction(100, tables, cfg, rng) // only 10 min since last post, cooldown 120
	assert.False(t, ok)
}

func TestCanPerformPurchaseRespectsDailyCap(t *testing.T) {
	p := newTestPerson()
	p.Attributes.FinancialCapability = 5
	cfg := DefaultDecisionConfig()
	for level := range cfg.PurchaseDailyCap {
		cfg.PurchaseDailyCap[level] = 1
	}
	p.PurchasesToday = 1
	assert.False(t, p.CanPerform(event.KindPurchase, 1000, cfg))
}

func TestBestInterestBreaksTiesLexicographically(t *testing.T) {
	p := newTestPerson()
	p.Interests = map[domain.InterestCategory]float64{
		domain.InterestKnowledge: 3.0,
		domain.InterestCreativity: 3.0,
		domain.InterestEconomics:  1.0,
	}
	cat, ok := p.bestInterest()
	require.True(t, ok)
	assert.Equal(t, domain.InterestCreativity, cat) // "Creativity" < "Knowledge"
}
