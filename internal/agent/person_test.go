package agent

import (
	"testing"
	"time"

	"github.com/capsim/capsim/internal/domain"
	"github.com/stretchr/testify/assert"
)

func newTestPerson() *Person {
	p := New(1, domain.ProfessionDeveloper, "Ada", "female", time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC))
	p.Attributes = Attributes{
		FinancialCapability: 2.0,
		TrendReceptivity:    2.0,
		SocialStatus:        2.0,
		EnergyLevel:         2.0,
		TimeBudget:          2.0,
	}
	return p
}

func TestApplyUpdateClampsToZeroAndRecordsExactDelta(t *testing.T) {
	p := newTestPerson()
	rows := p.ApplyUpdate(map[domain.Attribute]float64{
		domain.AttributeEnergyLevel: -100,
	}, 10, "test", nil)

	assert.Equal(t, 0.0, p.Attributes.EnergyLevel)
	assert.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, 2.0, row.OldValue)
	assert.Equal(t, 0.0, row.NewValue)
	assert.Equal(t, row.NewValue-row.OldValue, row.Delta)
}

func TestApplyUpdateClampsToFive(t *testing.T) {
	p := newTestPerson()
	rows := p.ApplyUpdate(map[domain.Attribute]float64{
		domain.AttributeSocialStatus: 100,
	}, 10, "test", nil)
	assert.Equal(t, 5.0, p.Attributes.SocialStatus)
	assert.Equal(t, 3.0, rows[0].Delta)
}

func TestApplyUpdateRoundsTimeBudgetToHalfStep(t *testing.T) {
	p := newTestPerson()
	p.ApplyUpdate(map[domain.Attribute]float64{
		domain.AttributeTimeBudget: 0.37,
	}, 10, "test", nil)
	assert.Equal(t, 2.5, p.Attributes.TimeBudget)
}

func TestExposedToAppliesOnFirstExposure(t *testing.T) {
	p := newTestPerson()
	cfg := ExposureConfig{CooldownMin: 60, K1: 0.5, K2: 0.1}
	rows, applied := p.ExposedTo(7, 100, domain.TopicScience, 4.0, 0.6, cfg)
	assert.True(t, applied)
	assert.Len(t, rows, 2)
	assert.Equal(t, 100.0, p.ExposureHistory[7])
}

func TestExposedToWithinCooldownSkipsDeltaButUpdatesHistory(t *testing.T) {
	p := newTestPerson()
	cfg := ExposureConfig{CooldownMin: 60, K1: 0.5, K2: 0.1}
	p.ExposedTo(7, 100, domain.TopicScience, 4.0, 0.6, cfg)
	before := p.Attributes

	rows, applied := p.ExposedTo(7, 130, domain.TopicScience, 4.0, 0.6, cfg) // only 30 min later
	assert.False(t, applied)
	assert.Nil(t, rows)
	assert.Equal(t, before, p.Attributes)
	assert.Equal(t, 130.0, p.ExposureHistory[7]) // most recent time retained
}

func TestExposedToAfterCooldownReappliesOnce(t *testing.T) {
	p := newTestPerson()
	cfg := ExposureConfig{CooldownMin: 60, K1: 0.5, K2: 0.1}
	p.ExposedTo(7, 100, domain.TopicScience, 4.0, 0.6, cfg)
	_, applied := p.ExposedTo(7, 200, domain.TopicScience, 4.0, 0.6, cfg)
	assert.True(t, applied)
	assert.Equal(t, 1, len(p.ExposureHistory)) // still one entry per trend
}

func TestRefillTimeBudgetRestoresDailyAllowance(t *testing.T) {
	p := newTestPerson()
	p.BaseTimeBudget = 4
	p.Attributes.TimeBudget = 0.5

	rows := p.RefillTimeBudget(1440)
	assert.Equal(t, 4.0, p.Attributes.TimeBudget)
	assert.Len(t, rows, 1)
	assert.Equal(t, "daily_reset", rows[0].Reason)
	assert.Equal(t, 3.5, rows[0].Delta)

	// Already at the allowance: nothing to refill, no history row.
	assert.Nil(t, p.RefillTimeBudget(2880))
}

func TestResetDailyClearsPurchaseCounter(t *testing.T) {
	p := newTestPerson()
	p.PurchasesToday = 3
	p.ResetDaily()
	assert.Equal(t, 0, p.PurchasesToday)
}
