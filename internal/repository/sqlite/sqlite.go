// Package sqlite is the durable Repository adapter: sqlx over
// modernc.org/sqlite (pure Go, no cgo), schema created with a single
// idempotent CREATE-TABLE-IF-NOT-EXISTS script, writes batched inside
// one transaction per call. This is the only package in the module
// that imports a concrete storage driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ncruces/go-strftime"
	_ "modernc.org/sqlite"

	"github.com/capsim/capsim/internal/reference"
	"github.com/capsim/capsim/internal/repository"
	"github.com/capsim/capsim/internal/simerr"
	"github.com/google/uuid"
)

// DB wraps a SQLite connection and implements repository.Repository.
type DB struct {
	conn   *sqlx.DB
	tables *reference.Tables
}

var _ repository.Repository = (*DB)(nil)

// Open opens or creates a SQLite database at path (in-memory when path
// is ":memory:"), migrates its schema, and returns a DB wired with
// tables as the static reference data returned from
// LoadReferenceTables.
func Open(path string, tables *reference.Tables) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, simerr.Permanent("sqlite.Open", fmt.Errorf("open db: %w", err))
	}

	db := &DB{conn: conn, tables: tables}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, simerr.Permanent("sqlite.Open", fmt.Errorf("migrate: %w", err))
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		num_agents INTEGER NOT NULL,
		duration_days INTEGER NOT NULL,
		config_snapshot TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS persons (
		id INTEGER PRIMARY KEY,
		profession TEXT NOT NULL,
		name TEXT NOT NULL,
		gender TEXT NOT NULL,
		birth_date DATETIME NOT NULL,
		financial_capability REAL NOT NULL,
		trend_receptivity REAL NOT NULL,
		social_status REAL NOT NULL,
		energy_level REAL NOT NULL,
		time_budget REAL NOT NULL,
		interests_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participants (
		run_id TEXT NOT NULL,
		agent_id INTEGER NOT NULL,
		PRIMARY KEY (run_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS events (
		run_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		timestamp REAL NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		agent_id INTEGER,
		trend_id INTEGER,
		topic TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL DEFAULT 0,
		parent_id INTEGER,
		action_timestamp TEXT NOT NULL,
		processed_at DATETIME NOT NULL,
		processing_us INTEGER NOT NULL,
		PRIMARY KEY (run_id, id)
	);

	CREATE TABLE IF NOT EXISTS attribute_history (
		run_id TEXT NOT NULL,
		agent_id INTEGER NOT NULL,
		attribute TEXT NOT NULL,
		old_value REAL NOT NULL,
		new_value REAL NOT NULL,
		delta REAL NOT NULL,
		reason TEXT NOT NULL,
		source_trend INTEGER,
		sim_time REAL NOT NULL,
		committed_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trends (
		run_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		topic TEXT NOT NULL,
		originator INTEGER NOT NULL,
		parent_id INTEGER,
		start_time REAL NOT NULL,
		base_virality REAL NOT NULL,
		current_virality REAL NOT NULL,
		coverage TEXT NOT NULL,
		total_interactions INTEGER NOT NULL,
		sentiment TEXT NOT NULL,
		PRIMARY KEY (run_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_run_timestamp ON events(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_history_run_agent ON attribute_history(run_id, agent_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// CreateRun inserts a new run row and returns its generated identity.
func (db *DB) CreateRun(ctx context.Context, numAgents, durationDays int, configSnapshot string) (string, error) {
	id := uuid.NewString()
	_, err := db.conn.ExecContext(ctx, `INSERT INTO runs
		(id, num_agents, duration_days, config_snapshot, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, numAgents, durationDays, configSnapshot, string(repository.RunInitialized), time.Now().UTC())
	if err != nil {
		return "", classify("CreateRun", err)
	}
	return id, nil
}

// BulkUpsertPersons upserts a batch of persons inside one transaction.
func (db *DB) BulkUpsertPersons(ctx context.Context, persons []repository.PersonRow) error {
	if len(persons) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return classify("BulkUpsertPersons", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO persons
		(id, profession, name, gender, birth_date,
		 financial_capability, trend_receptivity, social_status, energy_level, time_budget,
		 interests_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			profession=excluded.profession, name=excluded.name, gender=excluded.gender,
			financial_capability=excluded.financial_capability,
			trend_receptivity=excluded.trend_receptivity,
			social_status=excluded.social_status,
			energy_level=excluded.energy_level,
			time_budget=excluded.time_budget,
			interests_json=excluded.interests_json`)
	if err != nil {
		return classify("BulkUpsertPersons", err)
	}
	defer stmt.Close()

	for _, p := range persons {
		interestsJSON, err := json.Marshal(p.Interests)
		if err != nil {
			return simerr.Invariant("BulkUpsertPersons", fmt.Errorf("marshal interests for person %d: %w", p.ID, err))
		}
		if _, err := stmt.ExecContext(ctx,
			p.ID, p.Profession, p.Name, p.Gender, p.BirthDate,
			p.FinancialCapability, p.TrendReceptivity, p.SocialStatus, p.EnergyLevel, p.TimeBudget,
			string(interestsJSON),
		); err != nil {
			return classify("BulkUpsertPersons", fmt.Errorf("upsert person %d: %w", p.ID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("BulkUpsertPersons", err)
	}
	return nil
}

// CreateParticipant binds an agent to a run. The (run_id, agent_id)
// primary key rejects a duplicate pair.
func (db *DB) CreateParticipant(ctx context.Context, runID string, agentID uint64) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO participants (run_id, agent_id) VALUES (?, ?)`, runID, agentID)
	if err != nil {
		return classify("CreateParticipant", err)
	}
	return nil
}

// AppendEvents appends event rows, preserving input order, in one
// transaction.
func (db *DB) AppendEvents(ctx context.Context, events []repository.EventRow) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return classify("AppendEvents", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO events
		(run_id, id, priority, timestamp, seq, kind, agent_id, trend_id, topic, level,
		 parent_id, action_timestamp, processed_at, processing_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return classify("AppendEvents", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.RunID, e.ID, e.Priority, e.Timestamp, e.Seq, e.Kind, e.AgentID, e.TrendID,
			e.Topic, e.Level, e.ParentID, e.ActionTimestamp, e.ProcessedAt, e.ProcessingUS,
		); err != nil {
			return classify("AppendEvents", fmt.Errorf("insert event %d: %w", e.ID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("AppendEvents", err)
	}
	return nil
}

// AppendAttributeHistory appends rows in one transaction.
func (db *DB) AppendAttributeHistory(ctx context.Context, rows []repository.AttributeHistoryRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return classify("AppendAttributeHistory", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO attribute_history
		(run_id, agent_id, attribute, old_value, new_value, delta, reason, source_trend, sim_time, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return classify("AppendAttributeHistory", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.RunID, r.AgentID, r.Attribute, r.OldValue, r.NewValue, r.Delta, r.Reason,
			r.SourceTrend, r.SimTime, r.CommittedAt,
		); err != nil {
			return classify("AppendAttributeHistory", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("AppendAttributeHistory", err)
	}
	return nil
}

// UpsertTrends upserts trend rows, last-write-wins on the mutable
// counters.
func (db *DB) UpsertTrends(ctx context.Context, trends []repository.TrendRow) error {
	if len(trends) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return classify("UpsertTrends", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO trends
		(run_id, id, topic, originator, parent_id, start_time, base_virality,
		 current_virality, coverage, total_interactions, sentiment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, id) DO UPDATE SET
			current_virality=excluded.current_virality,
			coverage=excluded.coverage,
			total_interactions=excluded.total_interactions`)
	if err != nil {
		return classify("UpsertTrends", err)
	}
	defer stmt.Close()

	for _, tr := range trends {
		if _, err := stmt.ExecContext(ctx,
			tr.RunID, tr.ID, tr.Topic, tr.Originator, tr.ParentID, tr.StartTime, tr.BaseVirality,
			tr.CurrentVirality, tr.Coverage, tr.TotalInteractions, tr.Sentiment,
		); err != nil {
			return classify("UpsertTrends", fmt.Errorf("upsert trend %d: %w", tr.ID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("UpsertTrends", err)
	}
	return nil
}

// LoadReferenceTables returns the static tables the adapter was opened
// with; the affinity/interest/attribute-range data is read-only and
// pinned at process build time (internal/reference), not stored in
// SQLite.
func (db *DB) LoadReferenceTables(_ context.Context) (*reference.Tables, error) {
	return db.tables, nil
}

// MarkRunTerminal durably records a run's terminal status.
func (db *DB) MarkRunTerminal(ctx context.Context, runID string, status repository.RunStatus, endTime time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`, string(status), endTime, runID)
	if err != nil {
		return classify("MarkRunTerminal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("MarkRunTerminal", err)
	}
	if n == 0 {
		return simerr.Permanent("MarkRunTerminal", fmt.Errorf("unknown run %s", runID))
	}
	return nil
}

// ActionTimestamp renders sim_time (minutes) as an HH:MM string modulo
// a 1440-minute day.
func ActionTimestamp(simTimeMinutes float64) string {
	minuteOfDay := int(simTimeMinutes) % 1440
	if minuteOfDay < 0 {
		minuteOfDay += 1440
	}
	t := time.Date(2000, 1, 1, 0, minuteOfDay, 0, 0, time.UTC)
	return strftime.Format("%H:%M", t)
}

// classify maps a raw sql error onto the simerr taxonomy. Any error
// reaching this point during a write is treated as transient, since
// SQLite write contention (SQLITE_BUSY) is the dominant failure mode
// under WAL; permanent classification stays with the call sites that
// can tell the difference (Open, MarkRunTerminal's not-found case).
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return simerr.Permanent(op, err)
	}
	return simerr.Transient(op, err)
}
