// Package event implements the priority-ordered event queue that drives
// the simulation loop.
package event

// Kind identifies one of the closed set of event kinds the engine knows
// how to dispatch. Modeled as a tagged variant: a small enum with a
// handler table keyed on it in package engine, not a type hierarchy.
type Kind string

const (
	KindDailyReset      Kind = "DailyReset"
	KindEnergyRecovery  Kind = "EnergyRecovery"
	KindSaveDailyTrends Kind = "SaveDailyTrends"
	KindPublishPost     Kind = "PublishPost"
	KindPurchase        Kind = "Purchase"
	KindSelfDev         Kind = "SelfDev"
	KindTrendInfluence  Kind = "TrendInfluence"
)

// Priority tiers. Lower values are dispatched earlier.
const (
	PrioritySystem      = 100
	PriorityAgentAction = 50
	PriorityLow         = 0
)

// DefaultPriority returns the standard priority for a well-known event
// kind, or PriorityAgentAction for anything unrecognized (agent-originated
// discretionary events default to the agent-action tier).
func DefaultPriority(k Kind) int {
	switch k {
	case KindDailyReset, KindEnergyRecovery, KindSaveDailyTrends:
		return PrioritySystem
	default:
		return PriorityAgentAction
	}
}

// Payload is a tagged-variant event body. Which fields are meaningful
// depends on Kind; nothing here is a reference to a live entity, only
// ids.
type Payload struct {
	AgentID  *uint64 // actor, when the event concerns a single agent
	TrendID  *uint64 // subject trend, when applicable
	Topic    string  // PublishPost: chosen topic
	Level    int     // Purchase: product level
	ParentID *uint64 // PublishPost: parent trend id, if this is a reshare
	Score    float64 // PublishPost: the decision score the new Trend's base_virality derives from
}

// Event is one entry in the engine's priority queue.
type Event struct {
	ID        uint64  // assigned by the queue at push time
	Priority  int     // lower = earlier
	Timestamp float64 // simulated time, in minutes
	Seq       uint64  // insertion sequence, assigned at push
	Kind      Kind
	Payload   Payload
}

// Less implements the strict total order events dispatch in:
// (priority asc, timestamp asc, insertion_sequence asc).
func Less(a, b *Event) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Seq < b.Seq
}
