package engine

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/capsim/capsim/internal/agent"
	"github.com/capsim/capsim/internal/clock"
	"github.com/capsim/capsim/internal/domain"
	"github.com/capsim/capsim/internal/event"
	"github.com/capsim/capsim/internal/reference"
	"github.com/capsim/capsim/internal/repository"
	"github.com/capsim/capsim/internal/repository/memtest"
	"github.com/capsim/capsim/internal/runconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, cfg runconfig.Config) (*Engine, *memtest.Repository) {
	t.Helper()
	repo := memtest.New(reference.Default())
	rng := rand.New(rand.NewSource(cfg.RNGSeed))
	eng, err := NewRun(context.Background(), cfg, repo, clock.NewFast(), rng, nil)
	require.NoError(t, err)
	return eng, repo
}

// A single Developer with a strong Knowledge interest and a
// Developer/Science affinity well above the decide threshold must
// publish at least once over a one-day run.
func TestSingleDeveloperPublishesScienceTrend(t *testing.T) {
	cfg := runconfig.Default()
	cfg.NumAgents = 1
	cfg.DurationDays = 1
	cfg.RNGSeed = 42
	cfg.DecideThreshold = 0.25

	eng, repo := newTestEngine(t, cfg)
	runID := eng.runID

	// Pin the single seeded agent to the scenario's literal shape: a
	// Developer with a dominant Knowledge interest, full energy and
	// time budget, so the publish gate and argmax-interest topic pick
	// are deterministic regardless of the round-robin profession the
	// population seeder would otherwise have assigned a 1-agent run.
	p := eng.persons[eng.participantIDs[0]]
	p.Profession = domain.ProfessionDeveloper
	p.Attributes = agent.Attributes{
		FinancialCapability: 1, TrendReceptivity: 3, SocialStatus: 3,
		EnergyLevel: 5, TimeBudget: 5,
	}
	p.Interests = map[domain.InterestCategory]float64{
		domain.InterestEconomics: 1.0, domain.InterestWellbeing: 1.0,
		domain.InterestSpirituality: 1.0, domain.InterestKnowledge: 4.5,
		domain.InterestCreativity: 1.0, domain.InterestSociety: 1.0,
	}

	require.NoError(t, eng.Start(context.Background()))

	status := eng.Status()
	assert.Equal(t, repository.RunCompleted, status.Phase)

	require.NotEmpty(t, repo.Trends[runID])

	foundScience := false
	for _, tr := range repo.Trends[runID] {
		if tr.Topic == "Science" {
			foundScience = true
		}
	}
	assert.True(t, foundScience, "expected at least one Science trend from the Developer's publish")
	assert.Len(t, repo.Participants[runID], 1)
}

// DailyReset at a day boundary sets purchases_today = 0 and refills
// time_budget to its daily allowance for every participant.
func TestDailyResetClearsCountersAndRefillsTimeBudget(t *testing.T) {
	cfg := runconfig.Default()
	cfg.NumAgents = 5
	cfg.DurationDays = 1
	cfg.RNGSeed = 7

	eng, _ := newTestEngine(t, cfg)
	for _, id := range eng.participantIDs {
		p := eng.persons[id]
		p.PurchasesToday = 3
		p.BaseTimeBudget = 4
		p.Attributes.TimeBudget = 0.5
	}
	require.NoError(t, eng.handleDailyReset(&event.Event{Timestamp: 1440, Kind: event.KindDailyReset}))
	for _, id := range eng.participantIDs {
		p := eng.persons[id]
		assert.Equal(t, 0, p.PurchasesToday)
		assert.Equal(t, 4.0, p.Attributes.TimeBudget)
	}
}

// Calling Stop(graceful) twice yields the same terminal state and does
// not panic or double-flush.
func TestStopGracefulIsIdempotent(t *testing.T) {
	cfg := runconfig.Default()
	cfg.NumAgents = 2
	cfg.DurationDays = 1
	cfg.RNGSeed = 3

	eng, _ := newTestEngine(t, cfg)
	eng.Stop(ModeGraceful)
	firstMode := eng.currentStopMode()
	eng.Stop(ModeGraceful)
	assert.Equal(t, firstMode, eng.currentStopMode())

	require.NoError(t, eng.Start(context.Background()))
	assert.Equal(t, repository.RunCompleted, eng.Status().Phase)

	// Re-entering Stop after the run has already finished must not panic.
	eng.Stop(ModeGraceful)
}

// Requesting a forced stop before the run starts still reaches a
// terminal phase, and a repeated forced Stop call remains idempotent.
func TestForcedShutdownMarksFailed(t *testing.T) {
	cfg := runconfig.Default()
	cfg.NumAgents = 2
	cfg.DurationDays = 1
	cfg.RNGSeed = 9

	eng, _ := newTestEngine(t, cfg)
	eng.Stop(ModeForced)
	require.NoError(t, eng.Start(context.Background()))
	assert.Equal(t, repository.RunFailed, eng.Status().Phase)

	eng.Stop(ModeForced) // idempotent, no panic
}

// A discretionary event is silently dropped (not pushed) once headroom
// runs low, rather than ever breaching the queue's hard cap.
func TestEnqueueAppliesBackpressureOnDiscretionaryEvents(t *testing.T) {
	cfg := runconfig.Default()
	cfg.NumAgents = 1
	cfg.DurationDays = 1
	eng, _ := newTestEngine(t, cfg)

	for eng.queue.Headroom() > backpressureHeadroom-1 {
		require.NoError(t, eng.queue.Push(&event.Event{Priority: event.PrioritySystem, Timestamp: 1}))
	}
	before := eng.queue.Len()
	require.NoError(t, eng.enqueue(&event.Event{Priority: event.PriorityAgentAction, Timestamp: 1, Kind: event.KindSelfDev}))
	assert.Equal(t, before, eng.queue.Len(), "discretionary event should have been dropped under backpressure")
}

// For every TrendInfluence processed, trend.total_interactions
// increments by exactly one, and PublishPost yields exactly one Trend.
func TestPublishPostFanOutIncrementsTrendInteractions(t *testing.T) {
	cfg := runconfig.Default()
	cfg.NumAgents = 10
	cfg.DurationDays = 1
	cfg.RNGSeed = 5

	eng, _ := newTestEngine(t, cfg)
	originator := eng.participantIDs[0]
	require.NoError(t, eng.handlePublishPost(&event.Event{
		Timestamp: 100,
		Kind:      event.KindPublishPost,
		Payload:   event.Payload{AgentID: &originator, Topic: "Science", Score: 0.5},
	}))

	require.Len(t, eng.trends, 1)
	var trendID uint64
	for id := range eng.trends {
		trendID = id
	}
	tr := eng.trends[trendID]
	assert.Equal(t, uint64(0), tr.TotalInteractions)

	// fanOutTrendInfluence enqueued one TrendInfluence per non-originator
	// participant; dispatch them all and confirm the counter tracks 1:1.
	drained := eng.queue.Drain()
	influenceCount := 0
	for _, ev := range drained {
		if ev.Kind != event.KindTrendInfluence {
			continue
		}
		require.NoError(t, eng.handleTrendInfluence(ev))
		influenceCount++
	}
	assert.Equal(t, len(eng.participantIDs)-1, influenceCount)
	assert.Equal(t, uint64(influenceCount), eng.trends[trendID].TotalInteractions)
}

// A 100-agent, one-day run must land in the target throughput band:
// total agent-action dispatches (publishes, purchases, self-dev, and
// the trend influences they fan out) within 43 per agent +-20%, with
// enough energy_level history from recovery ticks and exposures. The
// fan-out scheduler's per-minute slot pacing and the daily time-budget
// allowance are what keep this band reachable; this test pins both.
func TestHundredAgentDayThroughput(t *testing.T) {
	cfg := runconfig.Default()
	cfg.NumAgents = 100
	cfg.DurationDays = 1
	cfg.RNGSeed = 7

	eng, repo := newTestEngine(t, cfg)
	require.NoError(t, eng.Start(context.Background()))
	require.Equal(t, repository.RunCompleted, eng.Status().Phase)

	actions := 0
	for _, row := range repo.Events {
		if row.Priority == event.PriorityAgentAction {
			actions++
		}
	}
	assert.GreaterOrEqual(t, actions, 3400)
	assert.LessOrEqual(t, actions, 5200)

	energyRows := 0
	for _, h := range repo.History {
		if h.Attribute == string(domain.AttributeEnergyLevel) {
			energyRows++
		}
	}
	assert.GreaterOrEqual(t, energyRows, 24*cfg.NumAgents)
}

// stopOnFirstAppend wraps the in-memory repository so the first
// committed event batch forces a shutdown from inside the engine's own
// flush, pinning the stop to a deterministic mid-run point.
type stopOnFirstAppend struct {
	*memtest.Repository
	stop    func()
	stopped bool
	stopAt  time.Time
}

func (r *stopOnFirstAppend) AppendEvents(ctx context.Context, rows []repository.EventRow) error {
	if !r.stopped && r.stop != nil {
		r.stopped = true
		r.stopAt = time.Now()
		r.stop()
	}
	return r.Repository.AppendEvents(ctx, rows)
}

// A forced stop mid-run, with thousands of already-scheduled events
// still resident, reaches phase Failed well inside the 5 s bound, and
// everything committed up to the stop instant is a consistent prefix:
// dispatch order holds over the committed event rows, attribute history
// stays exact and in range, and nothing carries a processed_at after
// the stop.
func TestForcedStopMidRunCommitsOrderedPrefix(t *testing.T) {
	cfg := runconfig.Default()
	cfg.NumAgents = 20
	cfg.DurationDays = 1
	cfg.RNGSeed = 11

	inner := memtest.New(reference.Default())
	repo := &stopOnFirstAppend{Repository: inner}
	rng := rand.New(rand.NewSource(cfg.RNGSeed))
	eng, err := NewRun(context.Background(), cfg, repo, clock.NewFast(), rng, nil)
	require.NoError(t, err)
	repo.stop = func() { eng.Stop(ModeForced) }

	// Preload a large block of already-scheduled discretionary events
	// in the back half of the day, so the stop lands with most of the
	// queue still undispatched.
	for i := 0; i < 4000; i++ {
		agentID := eng.participantIDs[i%len(eng.participantIDs)]
		id := agentID
		require.NoError(t, eng.queue.Push(&event.Event{
			Priority:  event.PriorityAgentAction,
			Timestamp: 720 + float64(i)*0.15,
			Kind:      event.KindSelfDev,
			Payload:   event.Payload{AgentID: &id},
		}))
	}

	start := time.Now()
	require.NoError(t, eng.Start(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, repository.RunFailed, eng.Status().Phase)
	require.True(t, repo.stopped)

	require.NotEmpty(t, inner.Events)
	for i, row := range inner.Events {
		assert.False(t, row.ProcessedAt.After(repo.stopAt),
			"event %d processed after the stop instant", i)
		if i == 0 {
			continue
		}
		prev := inner.Events[i-1]
		ordered := prev.Priority < row.Priority ||
			(prev.Priority == row.Priority && (prev.Timestamp < row.Timestamp ||
				(prev.Timestamp == row.Timestamp && prev.Seq < row.Seq)))
		assert.True(t, ordered, "committed events out of dispatch order at %d", i)
	}
	for _, h := range inner.History {
		assert.InDelta(t, h.NewValue-h.OldValue, h.Delta, 1e-12)
		assert.GreaterOrEqual(t, h.NewValue, 0.0)
		assert.LessOrEqual(t, h.NewValue, 5.0)
	}
}
