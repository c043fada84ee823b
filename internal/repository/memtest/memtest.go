// Package memtest provides an in-memory Repository fake for exercising
// the engine and batch committer without a real database.
package memtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/capsim/capsim/internal/reference"
	"github.com/capsim/capsim/internal/repository"
	"github.com/capsim/capsim/internal/simerr"
	"github.com/google/uuid"
)

// Repository is a goroutine-safe in-memory implementation of
// repository.Repository. Every call appends to a slice or map;
// nothing is ever evicted, so tests can inspect the full history after
// a run.
type Repository struct {
	mu sync.Mutex

	tables *reference.Tables

	Runs          map[string]*runState
	Persons       map[uint64]repository.PersonRow
	Participants  map[string]map[uint64]bool
	Events        []repository.EventRow
	History       []repository.AttributeHistoryRow
	Trends        map[string]map[uint64]repository.TrendRow

	// FailNextN, when > 0, makes the next N calls to any mutating method
	// return an unclassified error, for exercising the committer's
	// no-retry path on errors the repository has not classified.
	FailNextN int

	// FailNextNTransient, when > 0, makes the next N calls return a
	// simerr-classified transient error, driving the committer's
	// retry-with-backoff path.
	FailNextNTransient int
}

type runState struct {
	NumAgents    int
	DurationDays int
	ConfigYAML   string
	Status       repository.RunStatus
	StartedAt    time.Time
	EndedAt      time.Time
}

// New creates an empty fake repository seeded with tables (pass
// reference.Default() in production-like tests).
func New(tables *reference.Tables) *Repository {
	return &Repository{
		tables:       tables,
		Runs:         make(map[string]*runState),
		Persons:      make(map[uint64]repository.PersonRow),
		Participants: make(map[string]map[uint64]bool),
		Trends:       make(map[string]map[uint64]repository.TrendRow),
	}
}

func (r *Repository) maybeFail(op string) error {
	if r.FailNextN > 0 {
		r.FailNextN--
		return fmt.Errorf("memtest: injected failure in %s", op)
	}
	if r.FailNextNTransient > 0 {
		r.FailNextNTransient--
		return simerr.Transient(op, fmt.Errorf("memtest: injected transient failure"))
	}
	return nil
}

func (r *Repository) CreateRun(_ context.Context, numAgents, durationDays int, configSnapshot string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.maybeFail("CreateRun"); err != nil {
		return "", err
	}
	id := uuid.NewString()
	r.Runs[id] = &runState{
		NumAgents:    numAgents,
		DurationDays: durationDays,
		ConfigYAML:   configSnapshot,
		Status:       repository.RunInitialized,
		StartedAt:    time.Time{},
	}
	r.Participants[id] = make(map[uint64]bool)
	r.Trends[id] = make(map[uint64]repository.TrendRow)
	return id, nil
}

func (r *Repository) BulkUpsertPersons(_ context.Context, persons []repository.PersonRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.maybeFail("BulkUpsertPersons"); err != nil {
		return err
	}
	for _, p := range persons {
		r.Persons[p.ID] = p
	}
	return nil
}

func (r *Repository) CreateParticipant(_ context.Context, runID string, agentID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.maybeFail("CreateParticipant"); err != nil {
		return err
	}
	set, ok := r.Participants[runID]
	if !ok {
		return fmt.Errorf("memtest: unknown run %s", runID)
	}
	if set[agentID] {
		return fmt.Errorf("memtest: participant (%s, %d) already exists", runID, agentID)
	}
	set[agentID] = true
	return nil
}

func (r *Repository) AppendEvents(_ context.Context, events []repository.EventRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.maybeFail("AppendEvents"); err != nil {
		return err
	}
	r.Events = append(r.Events, events...)
	return nil
}

func (r *Repository) AppendAttributeHistory(_ context.Context, rows []repository.AttributeHistoryRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.maybeFail("AppendAttributeHistory"); err != nil {
		return err
	}
	r.History = append(r.History, rows...)
	return nil
}

func (r *Repository) UpsertTrends(_ context.Context, trends []repository.TrendRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.maybeFail("UpsertTrends"); err != nil {
		return err
	}
	for _, tr := range trends {
		m, ok := r.Trends[tr.RunID]
		if !ok {
			m = make(map[uint64]repository.TrendRow)
			r.Trends[tr.RunID] = m
		}
		m[tr.ID] = tr
	}
	return nil
}

func (r *Repository) LoadReferenceTables(_ context.Context) (*reference.Tables, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.maybeFail("LoadReferenceTables"); err != nil {
		return nil, err
	}
	return r.tables, nil
}

func (r *Repository) MarkRunTerminal(_ context.Context, runID string, status repository.RunStatus, endTime time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.maybeFail("MarkRunTerminal"); err != nil {
		return err
	}
	run, ok := r.Runs[runID]
	if !ok {
		return fmt.Errorf("memtest: unknown run %s", runID)
	}
	run.Status = status
	run.EndedAt = endTime
	return nil
}
