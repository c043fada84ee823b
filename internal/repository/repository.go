// Package repository defines the storage interface the engine depends
// on for durable state. The core never imports a concrete storage
// driver directly; it is handed a Repository at construction, which
// keeps the in-memory fake and the real adapter interchangeable.
package repository

import (
	"context"
	"time"

	"github.com/capsim/capsim/internal/reference"
)

// RunStatus is the lifecycle state a run moves through.
type RunStatus string

const (
	RunInitialized RunStatus = "Initialized"
	RunRunning     RunStatus = "Running"
	RunStopping    RunStatus = "Stopping"
	RunCompleted   RunStatus = "Completed"
	RunFailed      RunStatus = "Failed"
)

// PersonRow is the durable projection of an agent.Person's identity and
// immutable metadata plus its current attribute snapshot, used for
// bulk_upsert_persons.
type PersonRow struct {
	ID         uint64
	Profession string
	Name       string
	Gender     string
	BirthDate  time.Time

	FinancialCapability float64
	TrendReceptivity    float64
	SocialStatus        float64
	EnergyLevel         float64
	TimeBudget          float64

	Interests map[string]float64
}

// EventRow is the durable projection of a dispatched event.
// ActionTimestamp is the derived HH:MM display string; it is never an
// independent source of truth.
type EventRow struct {
	RunID           string
	ID              uint64
	Priority        int
	Timestamp       float64
	Seq             uint64
	Kind            string
	AgentID         *uint64
	TrendID         *uint64
	Topic           string
	Level           int
	ParentID        *uint64
	ActionTimestamp string
	ProcessedAt     time.Time
	ProcessingUS    int64
}

// AttributeHistoryRow is the durable projection of agent.HistoryRow.
type AttributeHistoryRow struct {
	RunID       string
	AgentID     uint64
	Attribute   string
	OldValue    float64
	NewValue    float64
	Delta       float64
	Reason      string
	SourceTrend *uint64
	SimTime     float64
	CommittedAt time.Time
}

// TrendRow is the durable projection of a trend.Trend.
type TrendRow struct {
	RunID             string
	ID                uint64
	Topic             string
	Originator        uint64
	ParentID          *uint64
	StartTime         float64
	BaseVirality      float64
	CurrentVirality   float64
	Coverage          string
	TotalInteractions uint64
	Sentiment         string
}

// Repository is the durable-store façade the engine depends on. Every
// method is a short, retryable unit; the engine holds no long-lived
// transaction across calls.
type Repository interface {
	// CreateRun persists a new Run and returns its identity.
	CreateRun(ctx context.Context, numAgents, durationDays int, configSnapshot string) (runID string, err error)

	// BulkUpsertPersons atomically upserts a batch of agent records.
	BulkUpsertPersons(ctx context.Context, persons []PersonRow) error

	// CreateParticipant binds an agent to a run. Unique per (run, agent).
	CreateParticipant(ctx context.Context, runID string, agentID uint64) error

	// AppendEvents atomically appends event rows, preserving input order.
	AppendEvents(ctx context.Context, events []EventRow) error

	// AppendAttributeHistory atomically appends attribute-history rows.
	AppendAttributeHistory(ctx context.Context, rows []AttributeHistoryRow) error

	// UpsertTrends atomically upserts trend rows, last-write-wins on
	// the mutable counters.
	UpsertTrends(ctx context.Context, trends []TrendRow) error

	// LoadReferenceTables returns the static affinity, interest-range,
	// and attribute-range tables in one call, since all three are loaded
	// once at startup from the same read-only source.
	LoadReferenceTables(ctx context.Context) (*reference.Tables, error)

	// MarkRunTerminal durably records a run's terminal status and end
	// time.
	MarkRunTerminal(ctx context.Context, runID string, status RunStatus, endTime time.Time) error
}
