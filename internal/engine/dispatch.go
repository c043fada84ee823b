package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/capsim/capsim/internal/agent"
	"github.com/capsim/capsim/internal/domain"
	"github.com/capsim/capsim/internal/event"
	"github.com/capsim/capsim/internal/repository"
	"github.com/capsim/capsim/internal/simerr"
	"github.com/capsim/capsim/internal/trend"
)

// dispatch routes ev to its per-kind handler, then buffers the
// processed EventRow for commit.
func (e *Engine) dispatch(ctx context.Context, ev *event.Event) error {
	start := time.Now()
	var err error

	switch ev.Kind {
	case event.KindDailyReset:
		err = e.handleDailyReset(ev)
	case event.KindEnergyRecovery:
		err = e.handleEnergyRecovery(ev)
	case event.KindSaveDailyTrends:
		err = e.handleSaveDailyTrends(ev)
	case event.KindPublishPost:
		err = e.handlePublishPost(ev)
	case event.KindTrendInfluence:
		err = e.handleTrendInfluence(ev)
	case event.KindPurchase:
		err = e.handlePurchase(ev)
	case event.KindSelfDev:
		err = e.handleSelfDev(ev)
	default:
		err = simerr.Invariant("engine.dispatch", fmt.Errorf("unknown event kind %q", ev.Kind))
	}
	if err != nil {
		return err
	}

	e.committer.BufferEvent(repository.EventRow{
		RunID: e.runID, ID: ev.ID, Priority: ev.Priority, Timestamp: ev.Timestamp, Seq: ev.Seq,
		Kind: string(ev.Kind), AgentID: ev.Payload.AgentID, TrendID: ev.Payload.TrendID,
		Topic: ev.Payload.Topic, Level: ev.Payload.Level, ParentID: ev.Payload.ParentID,
		ActionTimestamp: actionTimestamp(ev.Timestamp), ProcessedAt: time.Now().UTC(),
		ProcessingUS: time.Since(start).Microseconds(),
	})
	return nil
}

// actionTimestamp renders sim_time (minutes) as HH:MM modulo a
// 1440-minute day.
func actionTimestamp(simTimeMinutes float64) string {
	minuteOfDay := int(simTimeMinutes) % 1440
	if minuteOfDay < 0 {
		minuteOfDay += 1440
	}
	return fmt.Sprintf("%02d:%02d", minuteOfDay/60, minuteOfDay%60)
}

func (e *Engine) handleDailyReset(ev *event.Event) error {
	for _, id := range e.participantIDs {
		p := e.persons[id]
		p.ResetDaily()
		e.bufferHistory(p.RefillTimeBudget(ev.Timestamp))
	}
	if err := e.enqueue(&event.Event{Priority: event.PrioritySystem, Timestamp: ev.Timestamp + 1440, Kind: event.KindDailyReset}); err != nil {
		return err
	}
	return e.enqueue(&event.Event{Priority: event.PrioritySystem, Timestamp: ev.Timestamp + 1440, Kind: event.KindSaveDailyTrends})
}

func (e *Engine) handleEnergyRecovery(ev *event.Event) error {
	for _, id := range e.participantIDs {
		p := e.persons[id]
		if p.Attributes.EnergyLevel >= 5 {
			continue
		}
		rows := p.ApplyUpdate(map[domain.Attribute]float64{domain.AttributeEnergyLevel: e.cfg.EnergyRecoveryDelta}, ev.Timestamp, "energy_recovery", nil)
		e.bufferHistory(rows)
	}
	return e.enqueue(&event.Event{Priority: event.PrioritySystem, Timestamp: ev.Timestamp + 360, Kind: event.KindEnergyRecovery})
}

func (e *Engine) handleSaveDailyTrends(ev *event.Event) error {
	for _, t := range e.trends {
		e.committer.BufferTrend(repository.TrendRow{
			RunID: e.runID, ID: t.ID, Topic: string(t.Topic), Originator: t.Originator, ParentID: t.ParentID,
			StartTime: t.StartTime, BaseVirality: t.BaseVirality, CurrentVirality: t.CurrentVirality(),
			Coverage: string(t.Coverage), TotalInteractions: t.TotalInteractions, Sentiment: string(t.Sentiment),
		})
	}
	return nil
}

func (e *Engine) handlePublishPost(ev *event.Event) error {
	agentID := *ev.Payload.AgentID
	p, ok := e.persons[agentID]
	if !ok {
		return simerr.Invariant("engine.handlePublishPost", fmt.Errorf("unknown agent %d", agentID))
	}

	topic := domain.Topic(ev.Payload.Topic)
	sentiment := domain.SentimentPositive
	if e.rng.Float64() >= e.cfg.TrendPositiveSentimentProb {
		sentiment = domain.SentimentNegative
	}

	// base_virality derives from the publish decision's score, scaled
	// from the decision function's [0, 1]-ish range onto the trend's
	// [0, 5] domain.
	baseVirality := ev.Payload.Score * 5

	e.nextTrendID++
	tr := trend.New(e.nextTrendID, topic, agentID, ev.Payload.ParentID, ev.Timestamp, baseVirality, sentiment).WithThresholds(e.escalation)
	e.trends[tr.ID] = tr
	e.committer.BufferTrend(repository.TrendRow{
		RunID: e.runID, ID: tr.ID, Topic: string(tr.Topic), Originator: tr.Originator, ParentID: tr.ParentID,
		StartTime: tr.StartTime, BaseVirality: tr.BaseVirality, CurrentVirality: tr.CurrentVirality(),
		Coverage: string(tr.Coverage), TotalInteractions: tr.TotalInteractions, Sentiment: string(tr.Sentiment),
	})

	rows := p.ApplyUpdate(map[domain.Attribute]float64{
		domain.AttributeEnergyLevel: -e.cfg.PublishEnergyCost,
		domain.AttributeTimeBudget:  -e.cfg.PublishTimeCost,
	}, ev.Timestamp, "publish_post", nil)
	e.bufferHistory(rows)
	p.LastPostTS = ev.Timestamp

	e.fanOutTrendInfluence(tr, agentID, ev.Timestamp)
	return nil
}

// fanOutMaxAheadMin bounds how far past the current sim-time the
// fan-out scheduler may book influence slots, so one burst of publishes
// cannot consume a later day's entire exposure budget.
const fanOutMaxAheadMin = 1440.0

// fanOutTrendInfluence schedules one TrendInfluence per candidate
// exposed agent: the run's participants minus the originator,
// rate-limited to the engine's fan-out budget per sim-minute. Each
// influence occupies the next free slot on a budget-spaced timeline, so
// exposures arrive at a steady per-minute rate no matter how bursty the
// publishing is; candidates whose slot would fall past the run's end or
// the look-ahead bound are dropped rather than deferred indefinitely.
func (e *Engine) fanOutTrendInfluence(tr *trend.Trend, originator uint64, simTime float64) {
	spacing := 1 / e.fanOutPerMin
	if e.fanOutNextFree < simTime {
		e.fanOutNextFree = simTime
	}
	horizon := simTime + fanOutMaxAheadMin
	if horizon > e.endSimTime {
		horizon = e.endSimTime
	}
	for _, id := range e.participantIDs {
		if id == originator {
			continue
		}
		if e.fanOutNextFree > horizon {
			break
		}
		target := id
		trendID := tr.ID
		_ = e.enqueue(&event.Event{
			Priority:  event.PriorityAgentAction,
			Timestamp: e.fanOutNextFree,
			Kind:      event.KindTrendInfluence,
			Payload:   event.Payload{AgentID: &target, TrendID: &trendID},
		})
		e.fanOutNextFree += spacing
	}
}

func (e *Engine) handleTrendInfluence(ev *event.Event) error {
	p, ok := e.persons[*ev.Payload.AgentID]
	if !ok {
		return nil // originator or target may have been removed; not fatal
	}
	tr, ok := e.trends[*ev.Payload.TrendID]
	if !ok {
		return nil
	}
	affinity := e.tables.Affinity(p.Profession, tr.Topic)
	rows, _ := p.ExposedTo(tr.ID, ev.Timestamp, tr.Topic, affinity, tr.CoverageFactor(), e.exposureCfg)
	e.bufferHistory(rows)
	tr.AddInteraction()
	return nil
}

func (e *Engine) handlePurchase(ev *event.Event) error {
	p, ok := e.persons[*ev.Payload.AgentID]
	if !ok {
		return simerr.Invariant("engine.handlePurchase", fmt.Errorf("unknown agent %d", *ev.Payload.AgentID))
	}
	level := agent.PurchaseLevel(ev.Payload.Level)
	if level < 0 || level >= agent.NumPurchaseLevels {
		return simerr.Invariant("engine.handlePurchase", fmt.Errorf("invalid purchase level %d", level))
	}
	if p.PurchasesToday >= e.decisionCfg.PurchaseDailyCap[level] {
		return nil // daily cap already reached; stale/duplicate decision, no-op
	}

	rows := p.ApplyUpdate(map[domain.Attribute]float64{
		domain.AttributeFinancialCapability: -e.cfg.PurchaseFinancialCost[level],
		domain.AttributeTimeBudget:          -e.cfg.PurchaseTimeCost,
	}, ev.Timestamp, "purchase", nil)
	e.bufferHistory(rows)
	p.PurchasesToday++
	p.LastPurchaseTS[level] = ev.Timestamp
	return nil
}

func (e *Engine) handleSelfDev(ev *event.Event) error {
	p, ok := e.persons[*ev.Payload.AgentID]
	if !ok {
		return simerr.Invariant("engine.handleSelfDev", fmt.Errorf("unknown agent %d", *ev.Payload.AgentID))
	}
	rows := p.ApplyUpdate(map[domain.Attribute]float64{
		domain.AttributeEnergyLevel: -e.cfg.SelfDevEnergyCost,
		domain.AttributeTimeBudget:  -e.cfg.SelfDevTimeCost,
	}, ev.Timestamp, "self_dev", nil)
	e.bufferHistory(rows)
	p.ApplyInterestDelta(domain.InterestKnowledge, e.cfg.SelfDevKnowledgeGain)
	p.LastSelfDevTS = ev.Timestamp
	return nil
}

func (e *Engine) bufferHistory(rows []agent.HistoryRow) {
	if len(rows) == 0 {
		return
	}
	out := make([]repository.AttributeHistoryRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, repository.AttributeHistoryRow{
			RunID: e.runID, AgentID: r.AgentID, Attribute: string(r.Attribute), OldValue: r.OldValue,
			NewValue: r.NewValue, Delta: r.Delta, Reason: r.Reason, SourceTrend: r.SourceTrend,
			SimTime: r.SimTime, CommittedAt: time.Now().UTC(),
		})
	}
	e.committer.BufferAttributeHistory(out...)
}

// runDiscretionaryPass gives idle eligible agents a chance to act via
// DecideAction, at a fixed cadence derived from ActionsPerAgentPerDay:
// attempts accrue with elapsed sim-time, not with dispatch count, so a
// burst of queued events cannot multiply the population's action rate
// and a sparse stretch cannot starve it. The carry starts at one
// attempt per participant so the whole population gets an opening pass
// at sim-time zero.
func (e *Engine) runDiscretionaryPass(simTime float64) {
	n := len(e.participantIDs)
	if n == 0 {
		return
	}
	if simTime > e.lastDecisionPass {
		perMinute := float64(n) * e.cfg.ActionsPerAgentPerDay / 1440
		e.decisionCarry += perMinute * (simTime - e.lastDecisionPass)
		e.lastDecisionPass = simTime
	}
	if e.queue.Headroom() < backpressureHeadroom {
		// Defer generation entirely; accrued attempts are dropped so
		// headroom recovery does not unleash a catch-up burst.
		e.decisionCarry = 0
		return
	}
	attempts := int(e.decisionCarry)
	if attempts > n {
		attempts = n
	}
	e.decisionCarry -= float64(attempts)
	if e.decisionCarry > float64(n) {
		e.decisionCarry = float64(n)
	}

	for i := 0; i < attempts; i++ {
		id := e.participantIDs[e.decisionIdx%n]
		e.decisionIdx++
		p := e.persons[id]

		action, ok := p.DecideAction(simTime, e.tables, e.decisionCfg, e.rng)
		if !ok {
			continue
		}
		agentID := id
		payload := event.Payload{AgentID: &agentID}
		switch action.Kind {
		case event.KindPublishPost:
			payload.Topic = string(action.Topic)
			payload.Score = action.Score
		case event.KindPurchase:
			payload.Level = int(action.Level)
		}
		_ = e.enqueue(&event.Event{
			Priority:  event.PriorityAgentAction,
			Timestamp: simTime + e.jitter(e.cfg.JitterWindowMin),
			Kind:      action.Kind,
			Payload:   payload,
		})
	}
}
